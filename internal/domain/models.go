package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusUnpaid    = "Unpaid"
	PaymentStatusProcessed = "Processed"
	PaymentStatusPaid      = "Paid"
)

const (
	RoleAdmin = "admin"
	RoleClerk = "clerk"
)

type RatioMode string

const (
	RatioModeAuto   RatioMode = "auto"
	RatioModeManual RatioMode = "manual"
)

type DraftMode string

const (
	DraftModeNew  DraftMode = "new"
	DraftModeEdit DraftMode = "edit"
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// SaleLineItem is one line of a sale bill. OriginalQuantity never changes after
// the bill is created; Quantity is the visible remaining amount.
type SaleLineItem struct {
	Barcode          string          `json:"barcode"`
	Name             string          `json:"name"`
	Quantity         int             `json:"quantity"`
	OriginalQuantity int             `json:"original_quantity"`
	ReturnedQuantity int             `json:"returned_quantity"`
	Price            decimal.Decimal `json:"price"`
	NetPrice         decimal.Decimal `json:"net_price"`
	ExpireDate       DateValue       `json:"expire_date"`
}

type SaleBill struct {
	ID            string         `json:"id"`
	BillNumber    string         `json:"bill_number"`
	PharmacyID    string         `json:"pharmacy_id"`
	Items         []SaleLineItem `json:"items"`
	PaymentStatus string         `json:"payment_status"`
	PaymentNumber string         `json:"payment_number,omitempty"`
	PaymentDate   *time.Time     `json:"payment_date,omitempty"`
	BillDate      DateValue      `json:"bill_date"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (b SaleBill) Line(barcode string) (SaleLineItem, bool) {
	for _, item := range b.Items {
		if item.Barcode == barcode {
			return item, true
		}
	}
	return SaleLineItem{}, false
}

// Total is the billed value of the original quantities.
func (b SaleBill) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.Items {
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.OriginalQuantity))))
	}
	return total
}

type SaleLineInput struct {
	Barcode    string          `json:"barcode"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	NetPrice   decimal.Decimal `json:"net_price"`
	ExpireDate DateValue       `json:"expire_date"`
}

type SaleBillCreateRequest struct {
	BillNumber string          `json:"bill_number,omitempty"`
	PharmacyID string          `json:"pharmacy_id"`
	BillDate   DateValue       `json:"bill_date"`
	Items      []SaleLineInput `json:"items"`
}

type SaleBillFilter struct {
	PharmacyID    string
	PaymentStatus string
}

// SaleLineUpdate is the compensation written back to a sale line after a
// return changes.
type SaleLineUpdate struct {
	Barcode          string `json:"barcode"`
	ReturnedQuantity int    `json:"returned_quantity"`
	Quantity         int    `json:"quantity"`
}

// ReturnItem carries the availability snapshot taken when the quantity was
// chosen. OriginalQuantity here is the available amount at that time, not the
// sale line's original quantity. AlreadyReturned is the ledger total of the
// other returns on the line, never the sale line's stored counter.
type ReturnItem struct {
	Barcode                 string          `json:"barcode"`
	Name                    string          `json:"name"`
	OriginalQuantity        int             `json:"original_quantity"`
	ReturnQuantity          int             `json:"return_quantity"`
	ReturnPrice             decimal.Decimal `json:"return_price"`
	AlreadyReturned         int             `json:"already_returned"`
	AlreadyReturnedByOthers int             `json:"already_returned_by_others"`
	NewRemainingQuantity    int             `json:"new_remaining_quantity"`
	ExpireDate              DateValue       `json:"expire_date"`
}

type ReturnRecord struct {
	ID                       string       `json:"id"`
	PharmacyID               string       `json:"pharmacy_id"`
	BillID                   string       `json:"bill_id"`
	BillNumber               string       `json:"bill_number"`
	ReturnBillNumber         string       `json:"return_bill_number"`
	PharmacyReturnBillNumber string       `json:"pharmacy_return_bill_number,omitempty"`
	Items                    []ReturnItem `json:"items"`
	ReturnDate               DateValue    `json:"return_date"`
	ReturnBillNote           string       `json:"return_bill_note,omitempty"`
	PaymentStatus            string       `json:"payment_status"`
	PaymentNumber            string       `json:"payment_number,omitempty"`
	PaymentDate              *time.Time   `json:"payment_date,omitempty"`
	CreatedBy                string       `json:"created_by"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

func (r ReturnRecord) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range r.Items {
		total = total.Add(item.ReturnPrice.Mul(decimal.NewFromInt(int64(item.ReturnQuantity))))
	}
	return total
}

func (r ReturnRecord) Quantity(barcode string) int {
	total := 0
	for _, item := range r.Items {
		if item.Barcode == barcode {
			total += item.ReturnQuantity
		}
	}
	return total
}

type ReturnFilter struct {
	PharmacyID        string
	BillID            string
	Note              string
	PharmacyReference string
	PaymentStatus     string
}

type ReturnItemInput struct {
	Barcode        string          `json:"barcode"`
	ReturnQuantity int             `json:"return_quantity"`
	ReturnPrice    decimal.Decimal `json:"return_price"`
}

type ReturnSubmitRequest struct {
	PharmacyID               string            `json:"pharmacy_id"`
	BillID                   string            `json:"bill_id"`
	PharmacyReturnBillNumber string            `json:"pharmacy_return_bill_number,omitempty"`
	ReturnDate               DateValue         `json:"return_date"`
	ReturnBillNote           string            `json:"return_bill_note,omitempty"`
	Items                    []ReturnItemInput `json:"items"`
}

type ReturnUpdateRequest struct {
	PharmacyReturnBillNumber string            `json:"pharmacy_return_bill_number,omitempty"`
	ReturnDate               DateValue         `json:"return_date"`
	ReturnBillNote           string            `json:"return_bill_note,omitempty"`
	Items                    []ReturnItemInput `json:"items"`
}

type ReturnChangeKind string

const (
	ReturnChangeCreate ReturnChangeKind = "create"
	ReturnChangeUpdate ReturnChangeKind = "update"
	ReturnChangeDelete ReturnChangeKind = "delete"
)

// ReturnChange is applied by the repository as one unit: the return record
// write and every sale line compensation commit together or not at all.
type ReturnChange struct {
	Kind   ReturnChangeKind
	Record ReturnRecord
	// ExpectedPaymentStatus guards update/delete against a payment batch
	// settling the record in between.
	ExpectedPaymentStatus string
	LineUpdates           []SaleLineUpdate
}

// RiskAcknowledgement must accompany any edit or delete of a Paid return.
type RiskAcknowledgement struct {
	ReturnID       string    `json:"return_id"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

func NewRiskAcknowledgement(returnID string, acknowledgedBy string) *RiskAcknowledgement {
	return &RiskAcknowledgement{
		ReturnID:       returnID,
		AcknowledgedBy: acknowledgedBy,
		AcknowledgedAt: time.Now().UTC(),
	}
}

func (a *RiskAcknowledgement) Covers(returnID string) bool {
	return a != nil && a.ReturnID != "" && a.ReturnID == returnID && a.AcknowledgedBy != ""
}

type ReturnDraftLine struct {
	Barcode              string          `json:"barcode"`
	Name                 string          `json:"name"`
	OriginalQuantity     int             `json:"original_quantity"`
	ReturnedQuantity     int             `json:"returned_quantity"`
	AlreadyReturned      int             `json:"already_returned"`
	AvailableQuantity    int             `json:"available_quantity"`
	ReturnQuantity       int             `json:"return_quantity"`
	NewRemainingQuantity int             `json:"new_remaining_quantity"`
	ReturnPrice          decimal.Decimal `json:"return_price"`
	ExpireDate           DateValue       `json:"expire_date"`
}

// ReturnDraft is a return being composed against one sale bill, either fresh
// or as an edit of an existing record.
type ReturnDraft struct {
	Mode                     DraftMode         `json:"mode"`
	ReturnID                 string            `json:"return_id,omitempty"`
	PharmacyID               string            `json:"pharmacy_id"`
	BillID                   string            `json:"bill_id"`
	BillNumber               string            `json:"bill_number"`
	PaymentStatus            string            `json:"payment_status,omitempty"`
	PharmacyReturnBillNumber string            `json:"pharmacy_return_bill_number,omitempty"`
	ReturnBillNote           string            `json:"return_bill_note,omitempty"`
	ReturnDate               DateValue         `json:"return_date"`
	Lines                    []ReturnDraftLine `json:"lines"`
}

// SetQuantity clamps requested into [0, available] for the line and returns
// the value kept. The second result is false when the barcode is not on the
// draft.
func (d *ReturnDraft) SetQuantity(barcode string, requested int) (int, bool) {
	for i := range d.Lines {
		line := &d.Lines[i]
		if line.Barcode != barcode {
			continue
		}
		qty := requested
		if qty < 0 {
			qty = 0
		}
		if qty > line.AvailableQuantity {
			qty = line.AvailableQuantity
		}
		line.ReturnQuantity = qty
		line.NewRemainingQuantity = line.AvailableQuantity - qty
		return qty, true
	}
	return 0, false
}

func (d ReturnDraft) SelectedItems() []ReturnItemInput {
	items := make([]ReturnItemInput, 0, len(d.Lines))
	for _, line := range d.Lines {
		if line.ReturnQuantity < 1 {
			continue
		}
		items = append(items, ReturnItemInput{
			Barcode:        line.Barcode,
			ReturnQuantity: line.ReturnQuantity,
			ReturnPrice:    line.ReturnPrice,
		})
	}
	return items
}

func (d ReturnDraft) SubmitRequest() ReturnSubmitRequest {
	return ReturnSubmitRequest{
		PharmacyID:               d.PharmacyID,
		BillID:                   d.BillID,
		PharmacyReturnBillNumber: d.PharmacyReturnBillNumber,
		ReturnDate:               d.ReturnDate,
		ReturnBillNote:           d.ReturnBillNote,
		Items:                    d.SelectedItems(),
	}
}

func (d ReturnDraft) UpdateRequest() ReturnUpdateRequest {
	return ReturnUpdateRequest{
		PharmacyReturnBillNumber: d.PharmacyReturnBillNumber,
		ReturnDate:               d.ReturnDate,
		ReturnBillNote:           d.ReturnBillNote,
		Items:                    d.SelectedItems(),
	}
}

type LineDrift struct {
	Barcode          string `json:"barcode"`
	OriginalQuantity int    `json:"original_quantity"`
	StoredReturned   int    `json:"stored_returned"`
	StoredQuantity   int    `json:"stored_quantity"`
	LedgerReturned   int    `json:"ledger_returned"`
	AppliedReturned  int    `json:"applied_returned"`
	Overflow         bool   `json:"overflow"`
}

type ReconcileReport struct {
	BillID       string      `json:"bill_id"`
	PharmacyID   string      `json:"pharmacy_id"`
	LinesChecked int         `json:"lines_checked"`
	Drifts       []LineDrift `json:"drifts"`
	Repaired     bool        `json:"repaired"`
	CheckedAt    time.Time   `json:"checked_at"`
}

type PurchaseLineItem struct {
	Barcode           string          `json:"barcode"`
	Name              string          `json:"name"`
	Quantity          int             `json:"quantity"`
	BasePrice         decimal.Decimal `json:"base_price"`
	CostRatio         decimal.Decimal `json:"cost_ratio"`
	RatioMode         RatioMode       `json:"ratio_mode"`
	AllocatedCost     decimal.Decimal `json:"allocated_cost"`
	FinalCost         decimal.Decimal `json:"final_cost"`
	FinalCostPerPiece decimal.Decimal `json:"final_cost_per_piece"`
	PharmacyPrice     decimal.Decimal `json:"pharmacy_price"`
	StorePrice        decimal.Decimal `json:"store_price"`
	OtherPrice        decimal.Decimal `json:"other_price"`
	ExpireDate        DateValue       `json:"expire_date"`
}

func (i PurchaseLineItem) BaseCost() decimal.Decimal {
	return i.BasePrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type BoughtBill struct {
	ID                   string             `json:"id"`
	BillNumber           string             `json:"bill_number"`
	CompanyID            string             `json:"company_id"`
	CompanyBillNumber    string             `json:"company_bill_number,omitempty"`
	Items                []PurchaseLineItem `json:"items"`
	TotalTransportFee    decimal.Decimal    `json:"total_transport_fee"`
	TotalExternalExpense decimal.Decimal    `json:"total_external_expense"`
	ExpensePercentage    decimal.Decimal    `json:"expense_percentage"`
	TotalAmount          decimal.Decimal    `json:"total_amount"`
	PaymentStatus        string             `json:"payment_status"`
	IsConsignment        bool               `json:"is_consignment"`
	Note                 string             `json:"note,omitempty"`
	BillDate             DateValue          `json:"bill_date"`
	CreatedBy            string             `json:"created_by"`
	CreatedAt            time.Time          `json:"created_at"`
}

type PurchaseBillRequest struct {
	BillNumber           string             `json:"bill_number,omitempty"`
	CompanyID            string             `json:"company_id"`
	CompanyBillNumber    string             `json:"company_bill_number,omitempty"`
	PaymentStatus        string             `json:"payment_status,omitempty"`
	IsConsignment        bool               `json:"is_consignment"`
	Note                 string             `json:"note,omitempty"`
	BillDate             DateValue          `json:"bill_date"`
	TotalTransportFee    decimal.Decimal    `json:"total_transport_fee"`
	TotalExternalExpense decimal.Decimal    `json:"total_external_expense"`
	ExpensePercentage    *decimal.Decimal   `json:"expense_percentage,omitempty"`
	Items                []PurchaseLineItem `json:"items"`
}

type PurchaseBillPreview struct {
	Items                []PurchaseLineItem `json:"items"`
	TotalBaseCost        decimal.Decimal    `json:"total_base_cost"`
	TotalAdditionalCosts decimal.Decimal    `json:"total_additional_costs"`
	TotalFinalCost       decimal.Decimal    `json:"total_final_cost"`
	RatioTotal           decimal.Decimal    `json:"ratio_total"`
	ExpensePercentage    decimal.Decimal    `json:"expense_percentage"`
}

type Payment struct {
	ID            string          `json:"id"`
	PaymentNumber string          `json:"payment_number"`
	PharmacyID    string          `json:"pharmacy_id"`
	SaleBillIDs   []string        `json:"sale_bill_ids"`
	ReturnIDs     []string        `json:"return_ids"`
	SalesTotal    decimal.Decimal `json:"sales_total"`
	ReturnsTotal  decimal.Decimal `json:"returns_total"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Note          string          `json:"note,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SetTotals prices the payment from the documents it settles. Callers pass
// the current rows so the amounts match what gets marked Paid.
func (p *Payment) SetTotals(bills []SaleBill, returns []ReturnRecord) {
	sales := decimal.Zero
	for _, bill := range bills {
		sales = sales.Add(bill.Total())
	}
	refunds := decimal.Zero
	for _, record := range returns {
		refunds = refunds.Add(record.Total())
	}
	p.SalesTotal = sales.Round(2)
	p.ReturnsTotal = refunds.Round(2)
	p.NetAmount = p.SalesTotal.Sub(p.ReturnsTotal)
}

type PaymentCreateRequest struct {
	PharmacyID  string   `json:"pharmacy_id"`
	SaleBillIDs []string `json:"sale_bill_ids,omitempty"`
	ReturnIDs   []string `json:"return_ids,omitempty"`
	Note        string   `json:"note,omitempty"`
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

// CreatePayment settles a pharmacy's open sale bills and returns in one
// batch. With no ids listed every document not yet Paid is included. The
// payment never changes quantities.
func (s *Service) CreatePayment(ctx context.Context, req domain.PaymentCreateRequest) (domain.Payment, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Payment{}, err
	}
	req.PharmacyID = strings.TrimSpace(req.PharmacyID)
	if req.PharmacyID == "" {
		return domain.Payment{}, invalid(ErrMissingCounterparty, nil, map[string]string{"pharmacy_id": "required"})
	}

	bills, err := s.repo.ListSaleBills(ctx, domain.SaleBillFilter{PharmacyID: req.PharmacyID})
	if err != nil {
		return domain.Payment{}, err
	}
	returns, err := s.repo.ListReturns(ctx, domain.ReturnFilter{PharmacyID: req.PharmacyID})
	if err != nil {
		return domain.Payment{}, err
	}

	selectAll := len(req.SaleBillIDs) == 0 && len(req.ReturnIDs) == 0
	details := make(map[string]string)

	billsByID := make(map[string]domain.SaleBill, len(bills))
	for _, bill := range bills {
		billsByID[bill.ID] = bill
	}
	returnsByID := make(map[string]domain.ReturnRecord, len(returns))
	for _, record := range returns {
		returnsByID[record.ID] = record
	}

	chosenBills := make([]domain.SaleBill, 0, len(bills))
	chosenReturns := make([]domain.ReturnRecord, 0, len(returns))
	if selectAll {
		for _, bill := range bills {
			if bill.PaymentStatus != domain.PaymentStatusPaid {
				chosenBills = append(chosenBills, bill)
			}
		}
		for _, record := range returns {
			if record.PaymentStatus != domain.PaymentStatusPaid {
				chosenReturns = append(chosenReturns, record)
			}
		}
	} else {
		for _, id := range uniqueTrimmed(req.SaleBillIDs) {
			bill, ok := billsByID[id]
			switch {
			case !ok:
				details[id] = "sale bill not found for pharmacy"
			case bill.PaymentStatus == domain.PaymentStatusPaid:
				details[id] = "sale bill already paid by " + bill.PaymentNumber
			default:
				chosenBills = append(chosenBills, bill)
			}
		}
		for _, id := range uniqueTrimmed(req.ReturnIDs) {
			record, ok := returnsByID[id]
			switch {
			case !ok:
				details[id] = "return not found for pharmacy"
			case record.PaymentStatus == domain.PaymentStatusPaid:
				details[id] = "return already paid by " + record.PaymentNumber
			default:
				chosenReturns = append(chosenReturns, record)
			}
		}
	}
	if len(details) > 0 {
		return domain.Payment{}, invalid(ErrDocumentNotPayable, nil, details)
	}
	if len(chosenBills) == 0 && len(chosenReturns) == 0 {
		return domain.Payment{}, invalid(ErrNothingToPay, nil, nil)
	}

	billIDs := make([]string, 0, len(chosenBills))
	for _, bill := range chosenBills {
		billIDs = append(billIDs, bill.ID)
	}
	returnIDs := make([]string, 0, len(chosenReturns))
	for _, record := range chosenReturns {
		returnIDs = append(returnIDs, record.ID)
	}

	number, err := s.repo.NextPaymentNumber(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	// The store prices the batch again from the rows it locks, so an edit
	// that lands after this listing is billed at its new value.
	payment := domain.Payment{
		ID:            xid.New("pay"),
		PaymentNumber: number,
		PharmacyID:    req.PharmacyID,
		SaleBillIDs:   billIDs,
		ReturnIDs:     returnIDs,
		Note:          strings.TrimSpace(req.Note),
		CreatedBy:     actorName(ctx),
		CreatedAt:     time.Now().UTC(),
	}
	payment.SetTotals(chosenBills, chosenReturns)
	created, err := s.repo.CreatePayment(ctx, payment)
	if err != nil {
		return domain.Payment{}, err
	}

	s.logAudit(ctx, "payment_create", "payment", created.ID, fmt.Sprintf("number=%s,pharmacy=%s,bills=%d,returns=%d,net=%s", created.PaymentNumber, created.PharmacyID, len(billIDs), len(returnIDs), created.NetAmount.StringFixed(2)))
	return *created, nil
}

func (s *Service) ListPayments(ctx context.Context, pharmacyID string) ([]domain.Payment, error) {
	return s.repo.ListPayments(ctx, strings.TrimSpace(pharmacyID))
}

func uniqueTrimmed(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

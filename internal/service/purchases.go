package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/usamaa022/cashier-system-sub000/internal/allocation"
	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

// PreviewPurchaseBill runs cost allocation without writing anything.
func (s *Service) PreviewPurchaseBill(_ context.Context, req domain.PurchaseBillRequest) (domain.PurchaseBillPreview, error) {
	pct, err := s.normalizePurchase(&req)
	if err != nil {
		return domain.PurchaseBillPreview{}, err
	}

	result, err := allocation.Allocate(req.Items, req.TotalTransportFee, req.TotalExternalExpense, pct)
	if err != nil {
		if errors.Is(err, allocation.ErrRatioTotal) {
			return domain.PurchaseBillPreview{}, invalid(err, nil, nil)
		}
		return domain.PurchaseBillPreview{}, err
	}

	return domain.PurchaseBillPreview{
		Items:                result.Items,
		TotalBaseCost:        result.TotalBaseCost,
		TotalAdditionalCosts: result.TotalAdditionalCosts,
		TotalFinalCost:       result.TotalFinalCost,
		RatioTotal:           result.RatioTotal,
		ExpensePercentage:    pct,
	}, nil
}

func (s *Service) CreatePurchaseBill(ctx context.Context, req domain.PurchaseBillRequest) (domain.BoughtBill, error) {
	preview, err := s.PreviewPurchaseBill(ctx, req)
	if err != nil {
		return domain.BoughtBill{}, err
	}

	status := strings.TrimSpace(req.PaymentStatus)
	switch status {
	case "":
		status = domain.PaymentStatusUnpaid
	case domain.PaymentStatusUnpaid, domain.PaymentStatusProcessed, domain.PaymentStatusPaid:
	default:
		return domain.BoughtBill{}, invalid(ErrInvalidPurchaseBill, nil, map[string]string{"payment_status": "must be Unpaid, Processed or Paid"})
	}

	number := strings.TrimSpace(req.BillNumber)
	if number == "" {
		number, err = s.repo.NextPurchaseBillNumber(ctx)
		if err != nil {
			return domain.BoughtBill{}, err
		}
	}

	created, err := s.repo.CreatePurchaseBill(ctx, domain.BoughtBill{
		ID:                   xid.New("pb"),
		BillNumber:           number,
		CompanyID:            strings.TrimSpace(req.CompanyID),
		CompanyBillNumber:    strings.TrimSpace(req.CompanyBillNumber),
		Items:                preview.Items,
		TotalTransportFee:    req.TotalTransportFee,
		TotalExternalExpense: req.TotalExternalExpense,
		ExpensePercentage:    preview.ExpensePercentage,
		TotalAmount:          preview.TotalFinalCost,
		PaymentStatus:        status,
		IsConsignment:        req.IsConsignment,
		Note:                 strings.TrimSpace(req.Note),
		BillDate:             dateOrToday(req.BillDate),
		CreatedBy:            actorName(ctx),
		CreatedAt:            time.Now().UTC(),
	})
	if err != nil {
		return domain.BoughtBill{}, err
	}

	s.logAudit(ctx, "purchase_bill_create", "purchase_bill", created.ID, fmt.Sprintf("number=%s,company=%s,total=%s", created.BillNumber, created.CompanyID, created.TotalAmount.StringFixed(2)))
	return *created, nil
}

func (s *Service) GetPurchaseBill(ctx context.Context, billID string) (domain.BoughtBill, error) {
	bill, err := s.repo.GetPurchaseBill(ctx, strings.TrimSpace(billID))
	if err != nil {
		return domain.BoughtBill{}, err
	}
	return *bill, nil
}

func (s *Service) ListPurchaseBills(ctx context.Context, companyID string) ([]domain.BoughtBill, error) {
	return s.repo.ListPurchaseBills(ctx, strings.TrimSpace(companyID))
}

// normalizePurchase trims the request in place and returns the expense
// percentage to apply.
func (s *Service) normalizePurchase(req *domain.PurchaseBillRequest) (decimal.Decimal, error) {
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	details := make(map[string]string)
	var offending []string

	if req.CompanyID == "" {
		details["company_id"] = "required"
	}
	if len(req.Items) == 0 {
		details["items"] = "at least one line is required"
	}
	if req.TotalTransportFee.IsNegative() {
		details["total_transport_fee"] = "must not be negative"
	}
	if req.TotalExternalExpense.IsNegative() {
		details["total_external_expense"] = "must not be negative"
	}

	pct := s.defaultExpensePercentage
	if req.ExpensePercentage != nil {
		pct = *req.ExpensePercentage
	}
	if pct.IsNegative() {
		details["expense_percentage"] = "must not be negative"
	}

	items := make([]domain.PurchaseLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		item.Barcode = strings.TrimSpace(item.Barcode)
		item.Name = strings.TrimSpace(item.Name)
		switch {
		case item.Barcode == "":
			details["barcode"] = "required"
		case item.Quantity < 0:
			details[item.Barcode] = "quantity must not be negative"
		case item.BasePrice.IsNegative():
			details[item.Barcode] = "base price must not be negative"
		case item.RatioMode != "" && item.RatioMode != domain.RatioModeAuto && item.RatioMode != domain.RatioModeManual:
			details[item.Barcode] = "ratio mode must be auto or manual"
		case item.RatioMode == domain.RatioModeManual && (item.CostRatio.IsNegative() || item.CostRatio.GreaterThan(decimal.NewFromInt(1))):
			details[item.Barcode] = "manual cost ratio must be between 0 and 1"
		default:
			items = append(items, item)
			continue
		}
		if item.Barcode != "" {
			offending = append(offending, item.Barcode)
		}
	}
	if len(details) > 0 {
		return decimal.Zero, invalid(ErrInvalidPurchaseBill, offending, details)
	}

	req.Items = items
	return pct, nil
}

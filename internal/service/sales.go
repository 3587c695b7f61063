package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

func (s *Service) CreateSaleBill(ctx context.Context, req domain.SaleBillCreateRequest) (domain.SaleBill, error) {
	req.PharmacyID = strings.TrimSpace(req.PharmacyID)
	req.BillNumber = strings.TrimSpace(req.BillNumber)
	if req.PharmacyID == "" {
		return domain.SaleBill{}, invalid(ErrMissingCounterparty, nil, map[string]string{"pharmacy_id": "required"})
	}
	if len(req.Items) == 0 {
		return domain.SaleBill{}, invalid(ErrInvalidSaleBill, nil, map[string]string{"items": "at least one line is required"})
	}

	items := make([]domain.SaleLineItem, 0, len(req.Items))
	seen := make(map[string]bool, len(req.Items))
	details := make(map[string]string)
	var offending []string
	for _, line := range req.Items {
		barcode := strings.TrimSpace(line.Barcode)
		switch {
		case barcode == "":
			details["barcode"] = "required"
		case seen[barcode]:
			details[barcode] = "duplicate line"
		case line.Quantity < 0:
			details[barcode] = "quantity must not be negative"
		case line.Price.IsNegative() || line.NetPrice.IsNegative():
			details[barcode] = "price must not be negative"
		default:
			seen[barcode] = true
			items = append(items, domain.SaleLineItem{
				Barcode:          barcode,
				Name:             strings.TrimSpace(line.Name),
				Quantity:         line.Quantity,
				OriginalQuantity: line.Quantity,
				ReturnedQuantity: 0,
				Price:            line.Price,
				NetPrice:         line.NetPrice,
				ExpireDate:       line.ExpireDate,
			})
			continue
		}
		offending = append(offending, barcode)
	}
	if len(details) > 0 {
		return domain.SaleBill{}, invalid(ErrInvalidSaleBill, offending, details)
	}

	if req.BillNumber == "" {
		number, err := s.repo.NextSaleBillNumber(ctx)
		if err != nil {
			return domain.SaleBill{}, err
		}
		req.BillNumber = number
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateSaleBill(ctx, domain.SaleBill{
		ID:            xid.New("sale"),
		BillNumber:    req.BillNumber,
		PharmacyID:    req.PharmacyID,
		Items:         items,
		PaymentStatus: domain.PaymentStatusUnpaid,
		BillDate:      dateOrToday(req.BillDate),
		CreatedBy:     actorName(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.SaleBill{}, err
	}

	s.logAudit(ctx, "sale_bill_create", "sale_bill", created.ID, fmt.Sprintf("number=%s,pharmacy=%s,lines=%d", created.BillNumber, created.PharmacyID, len(created.Items)))
	return *created, nil
}

func (s *Service) GetSaleBill(ctx context.Context, billID string) (domain.SaleBill, error) {
	bill, err := s.repo.GetSaleBill(ctx, strings.TrimSpace(billID))
	if err != nil {
		return domain.SaleBill{}, err
	}
	return *bill, nil
}

func (s *Service) ListSaleBills(ctx context.Context, filter domain.SaleBillFilter) ([]domain.SaleBill, error) {
	filter.PharmacyID = strings.TrimSpace(filter.PharmacyID)
	filter.PaymentStatus = strings.TrimSpace(filter.PaymentStatus)
	return s.repo.ListSaleBills(ctx, filter)
}

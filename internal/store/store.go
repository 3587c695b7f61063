package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrConflict           = errors.New("conflicting concurrent change")
	ErrQuantityOutOfRange = errors.New("returned quantity out of range")
)

type Repository interface {
	NextSaleBillNumber(ctx context.Context) (string, error)
	NextReturnBillNumber(ctx context.Context) (string, error)
	NextPurchaseBillNumber(ctx context.Context) (string, error)
	NextPaymentNumber(ctx context.Context) (string, error)

	CreateSaleBill(ctx context.Context, bill domain.SaleBill) (*domain.SaleBill, error)
	GetSaleBill(ctx context.Context, id string) (*domain.SaleBill, error)
	ListSaleBills(ctx context.Context, filter domain.SaleBillFilter) ([]domain.SaleBill, error)
	UpdateSaleBillLineQuantities(ctx context.Context, billID string, updates []domain.SaleLineUpdate) (*domain.SaleBill, error)

	ListReturns(ctx context.Context, filter domain.ReturnFilter) ([]domain.ReturnRecord, error)
	GetReturn(ctx context.Context, id string) (*domain.ReturnRecord, error)
	// ApplyReturnChange writes the return record and the sale line
	// compensations in one transaction.
	ApplyReturnChange(ctx context.Context, change domain.ReturnChange) (*domain.ReturnRecord, error)

	CreatePurchaseBill(ctx context.Context, bill domain.BoughtBill) (*domain.BoughtBill, error)
	GetPurchaseBill(ctx context.Context, id string) (*domain.BoughtBill, error)
	ListPurchaseBills(ctx context.Context, companyID string) ([]domain.BoughtBill, error)

	// CreatePayment stores the payment and marks every listed sale bill and
	// return Paid in the same transaction.
	CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	ListPayments(ctx context.Context, pharmacyID string) ([]domain.Payment, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// ApplyLineUpdates returns a copy of items with the updates applied. Every
// update must name a line on the bill and keep
// 0 <= returned <= original and quantity == original - returned.
func ApplyLineUpdates(items []domain.SaleLineItem, updates []domain.SaleLineUpdate) ([]domain.SaleLineItem, error) {
	out := make([]domain.SaleLineItem, len(items))
	copy(out, items)

	index := make(map[string]int, len(out))
	for i, item := range out {
		index[item.Barcode] = i
	}
	for _, update := range updates {
		i, ok := index[update.Barcode]
		if !ok {
			return nil, fmt.Errorf("%w: barcode %s is not on the bill", ErrNotFound, update.Barcode)
		}
		line := &out[i]
		if update.ReturnedQuantity < 0 || update.ReturnedQuantity > line.OriginalQuantity {
			return nil, fmt.Errorf("%w: barcode %s returned %d of %d", ErrQuantityOutOfRange, update.Barcode, update.ReturnedQuantity, line.OriginalQuantity)
		}
		if update.Quantity != line.OriginalQuantity-update.ReturnedQuantity {
			return nil, fmt.Errorf("%w: barcode %s remaining %d does not match %d-%d", ErrQuantityOutOfRange, update.Barcode, update.Quantity, line.OriginalQuantity, update.ReturnedQuantity)
		}
		line.ReturnedQuantity = update.ReturnedQuantity
		line.Quantity = update.Quantity
	}
	return out, nil
}

// MatchesReturnFilter reports whether record passes every set field of
// filter. Note and pharmacy reference match case-insensitive substrings.
func MatchesReturnFilter(record domain.ReturnRecord, filter domain.ReturnFilter) bool {
	if filter.PharmacyID != "" && record.PharmacyID != filter.PharmacyID {
		return false
	}
	if filter.BillID != "" && record.BillID != filter.BillID {
		return false
	}
	if filter.PaymentStatus != "" && record.PaymentStatus != filter.PaymentStatus {
		return false
	}
	if filter.Note != "" && !containsFold(record.ReturnBillNote, filter.Note) {
		return false
	}
	if filter.PharmacyReference != "" && !containsFold(record.PharmacyReturnBillNumber, filter.PharmacyReference) {
		return false
	}
	return true
}

func containsFold(haystack string, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(strings.TrimSpace(needle)))
}

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CASHIER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CASHIER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pg, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	require.NoError(t, pg.Migrate(ctx))
	return pg
}

func seedBill(t *testing.T, pg *Store, pharmacyID string) *domain.SaleBill {
	t.Helper()
	ctx := context.Background()
	number, err := pg.NextSaleBillNumber(ctx)
	require.NoError(t, err)

	bill, err := pg.CreateSaleBill(ctx, domain.SaleBill{
		BillNumber: number,
		PharmacyID: pharmacyID,
		Items: []domain.SaleLineItem{
			{Barcode: "A", Name: "Amoxicillin", Quantity: 10, OriginalQuantity: 10, Price: decimal.RequireFromString("2.50")},
			{Barcode: "B", Name: "Paracetamol", Quantity: 5, OriginalQuantity: 5, Price: decimal.RequireFromString("1.25")},
		},
		BillDate:  domain.NewDate(time.Now()),
		CreatedBy: "admin",
	})
	require.NoError(t, err)
	return bill
}

func TestPostgresReturnChangeRoundTrip(t *testing.T) {
	pg := openTestStore(t)
	ctx := context.Background()
	pharmacyID := xid.New("ph")
	bill := seedBill(t, pg, pharmacyID)

	number, err := pg.NextReturnBillNumber(ctx)
	require.NoError(t, err)
	created, err := pg.ApplyReturnChange(ctx, domain.ReturnChange{
		Kind: domain.ReturnChangeCreate,
		Record: domain.ReturnRecord{
			PharmacyID:       pharmacyID,
			BillID:           bill.ID,
			BillNumber:       bill.BillNumber,
			ReturnBillNumber: number,
			ReturnBillNote:   "Broken Box",
			Items: []domain.ReturnItem{
				{Barcode: "A", OriginalQuantity: 10, ReturnQuantity: 3, ReturnPrice: decimal.RequireFromString("2.50"), NewRemainingQuantity: 7},
			},
			CreatedBy: "clerk",
		},
		LineUpdates: []domain.SaleLineUpdate{{Barcode: "A", ReturnedQuantity: 3, Quantity: 7}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, created.PaymentStatus)

	stored, err := pg.GetSaleBill(ctx, bill.ID)
	require.NoError(t, err)
	line, ok := stored.Line("A")
	require.True(t, ok)
	assert.Equal(t, 3, line.ReturnedQuantity)
	assert.Equal(t, 7, line.Quantity)

	found, err := pg.ListReturns(ctx, domain.ReturnFilter{PharmacyID: pharmacyID, Note: "broken"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created.ID, found[0].ID)

	_, err = pg.ApplyReturnChange(ctx, domain.ReturnChange{
		Kind:        domain.ReturnChangeDelete,
		Record:      domain.ReturnRecord{ID: created.ID, PharmacyID: pharmacyID, BillID: bill.ID},
		LineUpdates: []domain.SaleLineUpdate{{Barcode: "A", ReturnedQuantity: 0, Quantity: 10}},
	})
	require.NoError(t, err)

	_, err = pg.GetReturn(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresRejectedChangeLeavesBillUntouched(t *testing.T) {
	pg := openTestStore(t)
	ctx := context.Background()
	pharmacyID := xid.New("ph")
	bill := seedBill(t, pg, pharmacyID)

	number, err := pg.NextReturnBillNumber(ctx)
	require.NoError(t, err)
	_, err = pg.ApplyReturnChange(ctx, domain.ReturnChange{
		Kind: domain.ReturnChangeCreate,
		Record: domain.ReturnRecord{
			PharmacyID:       pharmacyID,
			BillID:           bill.ID,
			ReturnBillNumber: number,
			Items:            []domain.ReturnItem{{Barcode: "B", ReturnQuantity: 9}},
		},
		LineUpdates: []domain.SaleLineUpdate{{Barcode: "B", ReturnedQuantity: 9, Quantity: -4}},
	})
	assert.ErrorIs(t, err, store.ErrQuantityOutOfRange)

	stored, err := pg.GetSaleBill(ctx, bill.ID)
	require.NoError(t, err)
	line, _ := stored.Line("B")
	assert.Equal(t, 0, line.ReturnedQuantity)

	returns, err := pg.ListReturns(ctx, domain.ReturnFilter{BillID: bill.ID})
	require.NoError(t, err)
	assert.Empty(t, returns)
}

func TestPostgresPaymentFlipsDocumentsOnce(t *testing.T) {
	pg := openTestStore(t)
	ctx := context.Background()
	pharmacyID := xid.New("ph")
	bill := seedBill(t, pg, pharmacyID)

	number, err := pg.NextPaymentNumber(ctx)
	require.NoError(t, err)
	payment := domain.Payment{
		PaymentNumber: number,
		PharmacyID:    pharmacyID,
		SaleBillIDs:   []string{bill.ID},
		SalesTotal:    decimal.RequireFromString("1.00"),
		NetAmount:     decimal.RequireFromString("1.00"),
		CreatedBy:     "admin",
	}
	created, err := pg.CreatePayment(ctx, payment)
	require.NoError(t, err)
	assert.Equal(t, "31.25", created.SalesTotal.StringFixed(2), "priced from the locked bill")

	stored, err := pg.GetSaleBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, number, stored.PaymentNumber)
	require.NotNil(t, stored.PaymentDate)

	again, err := pg.NextPaymentNumber(ctx)
	require.NoError(t, err)
	payment.PaymentNumber = again
	_, err = pg.CreatePayment(ctx, payment)
	assert.ErrorIs(t, err, store.ErrConflict)

	payments, err := pg.ListPayments(ctx, pharmacyID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, []string{bill.ID}, payments[0].SaleBillIDs)
	assert.True(t, payments[0].SalesTotal.Equal(decimal.RequireFromString("31.25")))
}

func TestPostgresDuplicateBillNumberConflicts(t *testing.T) {
	pg := openTestStore(t)
	ctx := context.Background()
	bill := seedBill(t, pg, xid.New("ph"))

	_, err := pg.CreateSaleBill(ctx, domain.SaleBill{
		BillNumber: bill.BillNumber,
		PharmacyID: bill.PharmacyID,
		Items:      bill.Items,
		CreatedBy:  "admin",
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usamaa022/cashier-system-sub000/internal/allocation"
	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/lock"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
	"github.com/usamaa022/cashier-system-sub000/internal/store/memory"
)

const pharmacy = "ph-erbil-01"

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return New(repo, lock.NewLocal(), nil, decimal.NewFromInt(7)), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func clerkCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "clerk", Role: domain.RoleClerk})
}

func createBill(t *testing.T, svc *Service, lines ...domain.SaleLineInput) domain.SaleBill {
	t.Helper()
	if len(lines) == 0 {
		lines = []domain.SaleLineInput{{Barcode: "A", Name: "Item A", Quantity: 10, Price: decimal.NewFromInt(5), NetPrice: decimal.NewFromInt(3)}}
	}
	bill, err := svc.CreateSaleBill(clerkCtx(), domain.SaleBillCreateRequest{PharmacyID: pharmacy, Items: lines})
	require.NoError(t, err)
	return bill
}

func submit(t *testing.T, svc *Service, billID string, barcode string, qty int) domain.ReturnRecord {
	t.Helper()
	record, err := svc.SubmitReturn(clerkCtx(), domain.ReturnSubmitRequest{
		PharmacyID: pharmacy,
		BillID:     billID,
		Items:      []domain.ReturnItemInput{{Barcode: barcode, ReturnQuantity: qty}},
	})
	require.NoError(t, err)
	return record
}

func lineOf(t *testing.T, svc *Service, billID string, barcode string) domain.SaleLineItem {
	t.Helper()
	bill, err := svc.GetSaleBill(context.Background(), billID)
	require.NoError(t, err)
	line, ok := bill.Line(barcode)
	require.True(t, ok)
	return line
}

func draftLine(t *testing.T, draft domain.ReturnDraft, barcode string) domain.ReturnDraftLine {
	t.Helper()
	for _, line := range draft.Lines {
		if line.Barcode == barcode {
			return line
		}
	}
	t.Fatalf("barcode %s missing from draft", barcode)
	return domain.ReturnDraftLine{}
}

func TestReturnLifecycleScenarios(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)

	// A: first return of 4.
	first := submit(t, svc, bill.ID, "A", 4)
	assert.Equal(t, "RET-000001", first.ReturnBillNumber)
	assert.Equal(t, domain.PaymentStatusUnpaid, first.PaymentStatus)
	line := lineOf(t, svc, bill.ID, "A")
	assert.Equal(t, 4, line.ReturnedQuantity)
	assert.Equal(t, 6, line.Quantity)

	draft, err := svc.PrepareReturn(context.Background(), bill.ID, pharmacy)
	require.NoError(t, err)
	assert.Equal(t, 4, draftLine(t, draft, "A").AlreadyReturned)
	assert.Equal(t, 6, draftLine(t, draft, "A").AvailableQuantity)

	// B: second return of 3.
	second := submit(t, svc, bill.ID, "A", 3)
	line = lineOf(t, svc, bill.ID, "A")
	assert.Equal(t, 7, line.ReturnedQuantity)
	assert.Equal(t, 3, line.Quantity)
	assert.Equal(t, 6, second.Items[0].OriginalQuantity, "snapshot records what was available")
	assert.Equal(t, 3, second.Items[0].NewRemainingQuantity)

	// C: edit the first return to 6, the edit sees only the sibling's 3.
	edit, err := svc.LoadReturnForEdit(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DraftModeEdit, edit.Mode)
	assert.Equal(t, 7, draftLine(t, edit, "A").AvailableQuantity)
	assert.Equal(t, 4, draftLine(t, edit, "A").ReturnQuantity)

	kept, ok := edit.SetQuantity("A", 6)
	require.True(t, ok)
	require.Equal(t, 6, kept)
	updated, err := svc.UpdateReturn(clerkCtx(), first.ID, edit.UpdateRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, updated.Quantity("A"))
	assert.Equal(t, first.ReturnBillNumber, updated.ReturnBillNumber)
	line = lineOf(t, svc, bill.ID, "A")
	assert.Equal(t, 9, line.ReturnedQuantity)
	assert.Equal(t, 1, line.Quantity)

	// D: delete the second return.
	require.NoError(t, svc.DeleteReturn(clerkCtx(), second.ID, nil))
	line = lineOf(t, svc, bill.ID, "A")
	assert.Equal(t, 6, line.ReturnedQuantity)
	assert.Equal(t, 4, line.Quantity)

	_, err = svc.GetReturn(context.Background(), second.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitThenDeleteRestoresLine(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)

	record := submit(t, svc, bill.ID, "A", 10)
	assert.Equal(t, 10, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)
	assert.Equal(t, 0, lineOf(t, svc, bill.ID, "A").Quantity)

	require.NoError(t, svc.DeleteReturn(clerkCtx(), record.ID, nil))
	line := lineOf(t, svc, bill.ID, "A")
	assert.Equal(t, 0, line.ReturnedQuantity)
	assert.Equal(t, 10, line.Quantity)
}

func TestDraftClampsRequestedQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)
	submit(t, svc, bill.ID, "A", 4)

	draft, err := svc.PrepareReturn(context.Background(), bill.ID, pharmacy)
	require.NoError(t, err)

	kept, ok := draft.SetQuantity("A", 99)
	require.True(t, ok)
	assert.Equal(t, 6, kept)
	assert.Equal(t, 0, draftLine(t, draft, "A").NewRemainingQuantity)

	kept, _ = draft.SetQuantity("A", -3)
	assert.Equal(t, 0, kept)

	_, ok = draft.SetQuantity("ZZZ", 1)
	assert.False(t, ok)
}

func TestSubmitRejectsOverReturnNamingBarcodes(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc,
		domain.SaleLineInput{Barcode: "A", Quantity: 10, Price: decimal.NewFromInt(5)},
		domain.SaleLineInput{Barcode: "B", Quantity: 2, Price: decimal.NewFromInt(8)},
	)
	submit(t, svc, bill.ID, "A", 8)

	_, err := svc.SubmitReturn(clerkCtx(), domain.ReturnSubmitRequest{
		PharmacyID: pharmacy,
		BillID:     bill.ID,
		Items: []domain.ReturnItemInput{
			{Barcode: "A", ReturnQuantity: 3},
			{Barcode: "B", ReturnQuantity: 1},
		},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, ErrQuantityExceedsAvailable)
	assert.Equal(t, []string{"A"}, verr.Barcodes)
	assert.Contains(t, verr.Details["A"], "available 2")
	assert.Contains(t, err.Error(), "A")

	// nothing was written
	assert.Equal(t, 8, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)
	assert.Equal(t, 0, lineOf(t, svc, bill.ID, "B").ReturnedQuantity)
	returns, err := svc.ListReturns(context.Background(), domain.ReturnFilter{BillID: bill.ID})
	require.NoError(t, err)
	assert.Len(t, returns, 1)
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)

	cases := []struct {
		name string
		req  domain.ReturnSubmitRequest
		want error
	}{
		{"no pharmacy", domain.ReturnSubmitRequest{BillID: bill.ID, Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 1}}}, ErrMissingCounterparty},
		{"no bill", domain.ReturnSubmitRequest{PharmacyID: pharmacy, Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 1}}}, ErrMissingCounterparty},
		{"all zero", domain.ReturnSubmitRequest{PharmacyID: pharmacy, BillID: bill.ID, Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 0}}}, ErrNoReturnItems},
		{"negative", domain.ReturnSubmitRequest{PharmacyID: pharmacy, BillID: bill.ID, Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: -2}}}, ErrInvalidQuantity},
		{"unknown barcode", domain.ReturnSubmitRequest{PharmacyID: pharmacy, BillID: bill.ID, Items: []domain.ReturnItemInput{{Barcode: "Q", ReturnQuantity: 1}}}, ErrUnknownBarcode},
		{"other pharmacy", domain.ReturnSubmitRequest{PharmacyID: "ph-other", BillID: bill.ID, Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 1}}}, ErrBillPharmacyMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitReturn(clerkCtx(), tc.req)
			require.ErrorIs(t, err, tc.want)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}

	_, err := svc.SubmitReturn(clerkCtx(), domain.ReturnSubmitRequest{PharmacyID: pharmacy, BillID: "missing", Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 1}}})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitMergesRepeatedBarcodesAndDefaultsPrice(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)

	record, err := svc.SubmitReturn(clerkCtx(), domain.ReturnSubmitRequest{
		PharmacyID: pharmacy,
		BillID:     bill.ID,
		Items: []domain.ReturnItemInput{
			{Barcode: " A ", ReturnQuantity: 2},
			{Barcode: "A", ReturnQuantity: 3, ReturnPrice: decimal.RequireFromString("4.50")},
		},
	})
	require.NoError(t, err)
	require.Len(t, record.Items, 1)
	assert.Equal(t, 5, record.Items[0].ReturnQuantity)
	assert.True(t, record.Items[0].ReturnPrice.Equal(decimal.RequireFromString("4.50")))
	assert.Equal(t, 5, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)

	record = submit(t, svc, bill.ID, "A", 1)
	assert.True(t, record.Items[0].ReturnPrice.Equal(decimal.NewFromInt(5)), "price falls back to the sale line")
}

func TestUpdateCompensatesDroppedBarcodes(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc,
		domain.SaleLineInput{Barcode: "A", Quantity: 10, Price: decimal.NewFromInt(5)},
		domain.SaleLineInput{Barcode: "B", Quantity: 6, Price: decimal.NewFromInt(2)},
	)
	record := submit(t, svc, bill.ID, "A", 3)

	_, err := svc.UpdateReturn(clerkCtx(), record.ID, domain.ReturnUpdateRequest{
		Items: []domain.ReturnItemInput{{Barcode: "B", ReturnQuantity: 2}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)
	assert.Equal(t, 10, lineOf(t, svc, bill.ID, "A").Quantity)
	assert.Equal(t, 2, lineOf(t, svc, bill.ID, "B").ReturnedQuantity)
}

func TestReturnItemSnapshotUsesLedger(t *testing.T) {
	svc, repo := newTestService(t)
	bill := createBill(t, svc)
	first := submit(t, svc, bill.ID, "A", 3)
	submit(t, svc, bill.ID, "A", 2)

	edited, err := svc.UpdateReturn(clerkCtx(), first.ID, domain.ReturnUpdateRequest{
		Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 5}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, edited.Items, 1)
	assert.Equal(t, 2, edited.Items[0].AlreadyReturned, "own previous quantity is not counted")
	assert.Equal(t, 2, edited.Items[0].AlreadyReturnedByOthers)
	assert.Equal(t, 8, edited.Items[0].OriginalQuantity)

	// A stale counter on the sale line must not leak into the snapshot.
	_, err = repo.UpdateSaleBillLineQuantities(context.Background(), bill.ID, []domain.SaleLineUpdate{{Barcode: "A", ReturnedQuantity: 1, Quantity: 9}})
	require.NoError(t, err)
	third := submit(t, svc, bill.ID, "A", 1)
	assert.Equal(t, 7, third.Items[0].AlreadyReturned)
	assert.Equal(t, 7, third.Items[0].AlreadyReturnedByOthers)
}

func TestUpdateRejectsOverClaimAgainstSiblings(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)
	first := submit(t, svc, bill.ID, "A", 4)
	submit(t, svc, bill.ID, "A", 3)

	_, err := svc.UpdateReturn(clerkCtx(), first.ID, domain.ReturnUpdateRequest{
		Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 8}},
	}, nil)
	require.ErrorIs(t, err, ErrQuantityExceedsAvailable)
	assert.Equal(t, 7, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)
}

func TestPaidReturnRequiresRiskAcknowledgement(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)
	record := submit(t, svc, bill.ID, "A", 4)

	_, err := svc.CreatePayment(adminCtx(), domain.PaymentCreateRequest{PharmacyID: pharmacy, ReturnIDs: []string{record.ID}})
	require.NoError(t, err)

	req := domain.ReturnUpdateRequest{Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 2}}}
	_, err = svc.UpdateReturn(clerkCtx(), record.ID, req, nil)
	require.ErrorIs(t, err, ErrRiskNotAcknowledged)

	_, err = svc.UpdateReturn(clerkCtx(), record.ID, req, domain.NewRiskAcknowledgement("some-other-return", "admin"))
	require.ErrorIs(t, err, ErrRiskNotAcknowledged)

	err = svc.DeleteReturn(clerkCtx(), record.ID, nil)
	require.ErrorIs(t, err, ErrRiskNotAcknowledged)
	assert.Equal(t, 4, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)

	ack := domain.NewRiskAcknowledgement(record.ID, "admin")
	updated, err := svc.UpdateReturn(clerkCtx(), record.ID, req, ack)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)
	assert.NotEmpty(t, updated.PaymentNumber)
	assert.Equal(t, 2, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)

	require.NoError(t, svc.DeleteReturn(clerkCtx(), record.ID, ack))
	assert.Equal(t, 0, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)

	logs, err := svc.ListAuditLogs(adminCtx(), "return", record.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "return_delete", logs[0].Action)
	assert.Contains(t, logs[0].Detail, "risk_acknowledged_by=admin")
	assert.Contains(t, logs[1].Detail, "risk_acknowledged_by=admin")
	assert.NotContains(t, logs[2].Detail, "risk_acknowledged_by")
}

func TestConcurrentSubmitsNeverOverReturn(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitReturn(clerkCtx(), domain.ReturnSubmitRequest{
				PharmacyID: pharmacy,
				BillID:     bill.ID,
				Items:      []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 1}},
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrQuantityExceedsAvailable)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	line := lineOf(t, svc, bill.ID, "A")
	assert.Equal(t, 10, line.ReturnedQuantity)
	assert.Equal(t, 0, line.Quantity)
}

func TestReconcileSaleBillRepairsDrift(t *testing.T) {
	svc, repo := newTestService(t)
	bill := createBill(t, svc,
		domain.SaleLineInput{Barcode: "A", Quantity: 10, Price: decimal.NewFromInt(5)},
		domain.SaleLineInput{Barcode: "B", Quantity: 4, Price: decimal.NewFromInt(2)},
	)
	submit(t, svc, bill.ID, "A", 4)

	_, err := repo.UpdateSaleBillLineQuantities(context.Background(), bill.ID, []domain.SaleLineUpdate{{Barcode: "A", ReturnedQuantity: 1, Quantity: 9}})
	require.NoError(t, err)

	_, err = svc.ReconcileSaleBill(clerkCtx(), bill.ID)
	require.ErrorIs(t, err, ErrAdminRequired)

	report, err := svc.ReconcileSaleBill(adminCtx(), bill.ID)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, 2, report.LinesChecked)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, "A", report.Drifts[0].Barcode)
	assert.Equal(t, 1, report.Drifts[0].StoredReturned)
	assert.Equal(t, 4, report.Drifts[0].AppliedReturned)
	assert.Equal(t, 4, lineOf(t, svc, bill.ID, "A").ReturnedQuantity)

	report, err = svc.ReconcileSaleBill(adminCtx(), bill.ID)
	require.NoError(t, err)
	assert.False(t, report.Repaired)
	assert.Empty(t, report.Drifts)
}

func TestListReturnsFilters(t *testing.T) {
	svc, _ := newTestService(t)
	bill := createBill(t, svc)
	_, err := svc.SubmitReturn(clerkCtx(), domain.ReturnSubmitRequest{
		PharmacyID:               pharmacy,
		BillID:                   bill.ID,
		PharmacyReturnBillNumber: "PH-778",
		ReturnBillNote:           "Expired stock",
		Items:                    []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 1}},
	})
	require.NoError(t, err)
	submit(t, svc, bill.ID, "A", 1)

	found, err := svc.ListReturns(context.Background(), domain.ReturnFilter{PharmacyID: pharmacy, Note: "expired"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = svc.ListReturns(context.Background(), domain.ReturnFilter{PharmacyReference: "ph-77"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = svc.ListReturns(context.Background(), domain.ReturnFilter{PharmacyID: pharmacy})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestCreateSaleBillValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSaleBill(clerkCtx(), domain.SaleBillCreateRequest{
		PharmacyID: pharmacy,
		Items: []domain.SaleLineInput{
			{Barcode: "A", Quantity: 1},
			{Barcode: "A", Quantity: 2},
			{Barcode: "C", Quantity: -1},
		},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, ErrInvalidSaleBill)
	assert.ElementsMatch(t, []string{"A", "C"}, verr.Barcodes)

	bill := createBill(t, svc)
	assert.Equal(t, "SB-000001", bill.BillNumber)
	assert.Equal(t, 10, bill.Items[0].OriginalQuantity)
	assert.Equal(t, "clerk", bill.CreatedBy)

	_, err = svc.CreateSaleBill(clerkCtx(), domain.SaleBillCreateRequest{
		PharmacyID: pharmacy,
		BillNumber: bill.BillNumber,
		Items:      []domain.SaleLineInput{{Barcode: "A", Quantity: 1}},
	})
	require.ErrorIs(t, err, store.ErrConflict)

	bonus, err := svc.CreateSaleBill(clerkCtx(), domain.SaleBillCreateRequest{
		PharmacyID: pharmacy,
		Items: []domain.SaleLineInput{
			{Barcode: "A", Quantity: 4, Price: decimal.NewFromInt(5)},
			{Barcode: "FREE", Quantity: 0},
		},
	})
	require.NoError(t, err, "zero-quantity lines are allowed")
	free, ok := bonus.Line("FREE")
	require.True(t, ok)
	assert.Equal(t, 0, free.OriginalQuantity)

	draft, err := svc.PrepareReturn(clerkCtx(), bonus.ID, pharmacy)
	require.NoError(t, err)
	assert.Equal(t, 0, draftLine(t, draft, "FREE").AvailableQuantity)
}

func TestCreatePaymentTotalsAndFlips(t *testing.T) {
	svc, _ := newTestService(t)
	billA := createBill(t, svc)
	billB := createBill(t, svc, domain.SaleLineInput{Barcode: "B", Quantity: 3, Price: decimal.RequireFromString("2.50")})
	record := submit(t, svc, billA.ID, "A", 2)

	_, err := svc.CreatePayment(clerkCtx(), domain.PaymentCreateRequest{PharmacyID: pharmacy})
	require.ErrorIs(t, err, ErrAdminRequired)

	payment, err := svc.CreatePayment(adminCtx(), domain.PaymentCreateRequest{PharmacyID: pharmacy})
	require.NoError(t, err)
	assert.Equal(t, "PAY-000001", payment.PaymentNumber)
	assert.ElementsMatch(t, []string{billA.ID, billB.ID}, payment.SaleBillIDs)
	assert.Equal(t, []string{record.ID}, payment.ReturnIDs)
	assert.Equal(t, "57.50", payment.SalesTotal.StringFixed(2))
	assert.Equal(t, "10.00", payment.ReturnsTotal.StringFixed(2))
	assert.Equal(t, "47.50", payment.NetAmount.StringFixed(2))

	paid, err := svc.GetReturn(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, payment.PaymentNumber, paid.PaymentNumber)
	assert.Equal(t, 2, lineOf(t, svc, billA.ID, "A").ReturnedQuantity, "payment leaves quantities alone")

	_, err = svc.CreatePayment(adminCtx(), domain.PaymentCreateRequest{PharmacyID: pharmacy})
	require.ErrorIs(t, err, ErrNothingToPay)

	_, err = svc.CreatePayment(adminCtx(), domain.PaymentCreateRequest{PharmacyID: pharmacy, SaleBillIDs: []string{billA.ID}})
	require.ErrorIs(t, err, ErrDocumentNotPayable)

	payments, err := svc.ListPayments(context.Background(), pharmacy)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

// editingRepo runs beforePay between the service's listing and the store
// write, the window a concurrent return edit can land in.
type editingRepo struct {
	*memory.Store
	beforePay func()
}

func (r *editingRepo) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if r.beforePay != nil {
		r.beforePay()
	}
	return r.Store.CreatePayment(ctx, payment)
}

func TestCreatePaymentPricesReturnEditedMidBatch(t *testing.T) {
	repo := &editingRepo{Store: memory.New()}
	svc := New(repo, lock.NewLocal(), nil, decimal.NewFromInt(7))
	bill := createBill(t, svc)
	record := submit(t, svc, bill.ID, "A", 2)

	repo.beforePay = func() {
		_, err := svc.UpdateReturn(clerkCtx(), record.ID, domain.ReturnUpdateRequest{
			Items: []domain.ReturnItemInput{{Barcode: "A", ReturnQuantity: 8}},
		}, nil)
		require.NoError(t, err)
	}

	payment, err := svc.CreatePayment(adminCtx(), domain.PaymentCreateRequest{PharmacyID: pharmacy})
	require.NoError(t, err)
	assert.Equal(t, "50.00", payment.SalesTotal.StringFixed(2))
	assert.Equal(t, "40.00", payment.ReturnsTotal.StringFixed(2))
	assert.Equal(t, "10.00", payment.NetAmount.StringFixed(2))

	paid, err := svc.GetReturn(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, 8, paid.Quantity("A"))

	stored, err := svc.ListPayments(context.Background(), pharmacy)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "40.00", stored[0].ReturnsTotal.StringFixed(2))
}

func TestPurchaseBillAllocation(t *testing.T) {
	svc, _ := newTestService(t)
	zero := decimal.Zero

	preview, err := svc.PreviewPurchaseBill(context.Background(), domain.PurchaseBillRequest{
		CompanyID:         "co-1",
		TotalTransportFee: decimal.NewFromInt(40),
		ExpensePercentage: &zero,
		Items: []domain.PurchaseLineItem{
			{Barcode: "A", Quantity: 10, BasePrice: decimal.NewFromInt(10)},
			{Barcode: "B", Quantity: 30, BasePrice: decimal.NewFromInt(10)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "0.250", preview.Items[0].CostRatio.StringFixed(3))
	assert.Equal(t, "0.750", preview.Items[1].CostRatio.StringFixed(3))
	assert.Equal(t, "110.00", preview.Items[0].FinalCost.StringFixed(2))
	assert.Equal(t, "330.00", preview.Items[1].FinalCost.StringFixed(2))

	bill, err := svc.CreatePurchaseBill(adminCtx(), domain.PurchaseBillRequest{
		CompanyID: "co-1",
		Items:     []domain.PurchaseLineItem{{Barcode: "A", Quantity: 10, BasePrice: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "PB-000001", bill.BillNumber)
	assert.Equal(t, "7", bill.ExpensePercentage.String(), "default markup applies")
	assert.Equal(t, "107.00", bill.TotalAmount.StringFixed(2))
	assert.Equal(t, domain.PaymentStatusUnpaid, bill.PaymentStatus)

	_, err = svc.CreatePurchaseBill(adminCtx(), domain.PurchaseBillRequest{
		CompanyID:  "co-1",
		BillNumber: bill.BillNumber,
		Items:      []domain.PurchaseLineItem{{Barcode: "A", Quantity: 1, BasePrice: decimal.NewFromInt(1)}},
	})
	require.ErrorIs(t, err, store.ErrConflict)

	bills, err := svc.ListPurchaseBills(context.Background(), "co-1")
	require.NoError(t, err)
	assert.Len(t, bills, 1)
}

func TestPurchaseBillRejectsRatiosOffTotal(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreatePurchaseBill(adminCtx(), domain.PurchaseBillRequest{
		CompanyID:         "co-1",
		TotalTransportFee: decimal.NewFromInt(50),
		Items: []domain.PurchaseLineItem{
			{Barcode: "A", Quantity: 1, BasePrice: decimal.NewFromInt(100), RatioMode: domain.RatioModeManual, CostRatio: decimal.RequireFromString("0.4")},
			{Barcode: "B", Quantity: 1, BasePrice: decimal.NewFromInt(100), RatioMode: domain.RatioModeManual, CostRatio: decimal.RequireFromString("0.5")},
		},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, allocation.ErrRatioTotal)
	assert.Contains(t, err.Error(), "90.0%")

	bills, err := svc.ListPurchaseBills(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, bills)
}

func TestPurchaseBillValidation(t *testing.T) {
	svc, _ := newTestService(t)
	negative := decimal.NewFromInt(-1)

	_, err := svc.PreviewPurchaseBill(context.Background(), domain.PurchaseBillRequest{
		CompanyID:         "co-1",
		ExpensePercentage: &negative,
		Items:             []domain.PurchaseLineItem{{Barcode: "A", Quantity: 1, BasePrice: decimal.NewFromInt(1)}},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Details, "expense_percentage")

	_, err = svc.PreviewPurchaseBill(context.Background(), domain.PurchaseBillRequest{
		Items: []domain.PurchaseLineItem{{Barcode: "A", Quantity: 1, BasePrice: decimal.NewFromInt(-5)}},
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Details, "company_id")
	assert.Equal(t, []string{"A"}, verr.Barcodes)
}

package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

const (
	seqSaleBill     = "SB"
	seqReturnBill   = "RET"
	seqPurchaseBill = "PB"
	seqPayment      = "PAY"
)

type Store struct {
	mu               sync.RWMutex
	saleBillsByID    map[string]domain.SaleBill
	returnsByID      map[string]domain.ReturnRecord
	purchaseBillByID map[string]domain.BoughtBill
	paymentsByID     map[string]domain.Payment
	numbersTaken     map[string]map[string]string
	sequences        map[string]int
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		saleBillsByID:    make(map[string]domain.SaleBill),
		returnsByID:      make(map[string]domain.ReturnRecord),
		purchaseBillByID: make(map[string]domain.BoughtBill),
		paymentsByID:     make(map[string]domain.Payment),
		numbersTaken: map[string]map[string]string{
			seqSaleBill:     {},
			seqReturnBill:   {},
			seqPurchaseBill: {},
			seqPayment:      {},
		},
		sequences:       make(map[string]int),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD; when
// unset, dev defaults are used and a warning is printed.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"clerk", clerkPwd, domain.RoleClerk},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with dev users and one demo sale bill so the
// return flow can be tried without loading data first.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	demo := domain.SaleBill{
		ID:            "sale-demo-0001",
		BillNumber:    s.nextNumberLocked(seqSaleBill),
		PharmacyID:    "pharmacy-demo",
		PaymentStatus: domain.PaymentStatusUnpaid,
		BillDate:      domain.NewDate(now),
		CreatedBy:     "system",
		CreatedAt:     now,
		UpdatedAt:     now,
		Items: []domain.SaleLineItem{
			{Barcode: "6291041500213", Name: "Paracetamol 500mg x20", OriginalQuantity: 40, Quantity: 40, Price: decimal.RequireFromString("2.50"), NetPrice: decimal.RequireFromString("1.80")},
			{Barcode: "6281086012351", Name: "Amoxicillin 250mg syrup", OriginalQuantity: 12, Quantity: 12, Price: decimal.RequireFromString("6.75"), NetPrice: decimal.RequireFromString("4.90")},
		},
	}
	s.saleBillsByID[demo.ID] = demo
	s.numbersTaken[seqSaleBill][demo.BillNumber] = demo.ID
	return s
}

func (s *Store) NextSaleBillNumber(_ context.Context) (string, error) {
	return s.nextNumber(seqSaleBill), nil
}

func (s *Store) NextReturnBillNumber(_ context.Context) (string, error) {
	return s.nextNumber(seqReturnBill), nil
}

func (s *Store) NextPurchaseBillNumber(_ context.Context) (string, error) {
	return s.nextNumber(seqPurchaseBill), nil
}

func (s *Store) NextPaymentNumber(_ context.Context) (string, error) {
	return s.nextNumber(seqPayment), nil
}

func (s *Store) nextNumber(kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextNumberLocked(kind)
}

// nextNumberLocked skips numbers already used by imported or caller-chosen
// documents.
func (s *Store) nextNumberLocked(kind string) string {
	for {
		s.sequences[kind]++
		number := fmt.Sprintf("%s-%06d", kind, s.sequences[kind])
		if _, taken := s.numbersTaken[kind][number]; !taken {
			return number
		}
	}
}

func (s *Store) CreateSaleBill(_ context.Context, bill domain.SaleBill) (*domain.SaleBill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(bill.PharmacyID) == "" || strings.TrimSpace(bill.BillNumber) == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, taken := s.numbersTaken[seqSaleBill][bill.BillNumber]; taken {
		return nil, store.ErrConflict
	}
	if bill.ID == "" {
		bill.ID = xid.New("sale")
	}
	if _, exists := s.saleBillsByID[bill.ID]; exists {
		return nil, store.ErrConflict
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	bill.UpdatedAt = bill.CreatedAt
	if bill.PaymentStatus == "" {
		bill.PaymentStatus = domain.PaymentStatusUnpaid
	}

	s.saleBillsByID[bill.ID] = cloneSaleBill(bill)
	s.numbersTaken[seqSaleBill][bill.BillNumber] = bill.ID
	saved := cloneSaleBill(bill)
	return &saved, nil
}

func (s *Store) GetSaleBill(_ context.Context, id string) (*domain.SaleBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, exists := s.saleBillsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneSaleBill(bill)
	return &dup, nil
}

func (s *Store) ListSaleBills(_ context.Context, filter domain.SaleBillFilter) ([]domain.SaleBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleBill, 0, len(s.saleBillsByID))
	for _, bill := range s.saleBillsByID {
		if filter.PharmacyID != "" && bill.PharmacyID != filter.PharmacyID {
			continue
		}
		if filter.PaymentStatus != "" && bill.PaymentStatus != filter.PaymentStatus {
			continue
		}
		result = append(result, cloneSaleBill(bill))
	}
	slices.SortFunc(result, func(a, b domain.SaleBill) int {
		return compareCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) UpdateSaleBillLineQuantities(_ context.Context, billID string, updates []domain.SaleLineUpdate) (*domain.SaleBill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bill, exists := s.saleBillsByID[billID]
	if !exists {
		return nil, store.ErrNotFound
	}
	items, err := store.ApplyLineUpdates(bill.Items, updates)
	if err != nil {
		return nil, err
	}
	bill.Items = items
	bill.UpdatedAt = time.Now().UTC()
	s.saleBillsByID[billID] = bill
	dup := cloneSaleBill(bill)
	return &dup, nil
}

func (s *Store) ListReturns(_ context.Context, filter domain.ReturnFilter) ([]domain.ReturnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ReturnRecord, 0, len(s.returnsByID))
	for _, record := range s.returnsByID {
		if !store.MatchesReturnFilter(record, filter) {
			continue
		}
		result = append(result, cloneReturn(record))
	}
	slices.SortFunc(result, func(a, b domain.ReturnRecord) int {
		return compareCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetReturn(_ context.Context, id string) (*domain.ReturnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.returnsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneReturn(record)
	return &dup, nil
}

// ApplyReturnChange validates the whole change against current state before
// touching anything, so a rejected change leaves both the record and the bill
// as they were.
func (s *Store) ApplyReturnChange(_ context.Context, change domain.ReturnChange) (*domain.ReturnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := change.Record
	if strings.TrimSpace(record.BillID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	bill, exists := s.saleBillsByID[record.BillID]
	if !exists {
		return nil, store.ErrNotFound
	}
	now := time.Now().UTC()

	var existing domain.ReturnRecord
	switch change.Kind {
	case domain.ReturnChangeCreate:
		if record.ReturnBillNumber == "" || len(record.Items) == 0 || record.PharmacyID != bill.PharmacyID {
			return nil, store.ErrInvalidTransaction
		}
		if record.ID == "" {
			record.ID = xid.New("ret")
		}
		if _, dup := s.returnsByID[record.ID]; dup {
			return nil, store.ErrConflict
		}
		if _, taken := s.numbersTaken[seqReturnBill][record.ReturnBillNumber]; taken {
			return nil, store.ErrConflict
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		record.UpdatedAt = record.CreatedAt
		if record.PaymentStatus == "" {
			record.PaymentStatus = domain.PaymentStatusUnpaid
		}
	case domain.ReturnChangeUpdate, domain.ReturnChangeDelete:
		found, ok := s.returnsByID[record.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if found.BillID != record.BillID || found.PharmacyID != record.PharmacyID {
			return nil, store.ErrInvalidTransaction
		}
		if change.ExpectedPaymentStatus != "" && found.PaymentStatus != change.ExpectedPaymentStatus {
			return nil, store.ErrConflict
		}
		existing = found
		if change.Kind == domain.ReturnChangeUpdate {
			if len(record.Items) == 0 {
				return nil, store.ErrInvalidTransaction
			}
			record.ReturnBillNumber = found.ReturnBillNumber
			record.PaymentStatus = found.PaymentStatus
			record.PaymentNumber = found.PaymentNumber
			record.PaymentDate = found.PaymentDate
			record.CreatedBy = found.CreatedBy
			record.CreatedAt = found.CreatedAt
			record.UpdatedAt = now
		}
	default:
		return nil, store.ErrInvalidTransaction
	}

	items, err := store.ApplyLineUpdates(bill.Items, change.LineUpdates)
	if err != nil {
		return nil, err
	}

	bill.Items = items
	bill.UpdatedAt = now
	s.saleBillsByID[bill.ID] = bill

	if change.Kind == domain.ReturnChangeDelete {
		delete(s.returnsByID, existing.ID)
		delete(s.numbersTaken[seqReturnBill], existing.ReturnBillNumber)
		removed := cloneReturn(existing)
		return &removed, nil
	}

	s.returnsByID[record.ID] = cloneReturn(record)
	s.numbersTaken[seqReturnBill][record.ReturnBillNumber] = record.ID
	saved := cloneReturn(record)
	return &saved, nil
}

func (s *Store) CreatePurchaseBill(_ context.Context, bill domain.BoughtBill) (*domain.BoughtBill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(bill.CompanyID) == "" || strings.TrimSpace(bill.BillNumber) == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, taken := s.numbersTaken[seqPurchaseBill][bill.BillNumber]; taken {
		return nil, store.ErrConflict
	}
	if bill.ID == "" {
		bill.ID = xid.New("pb")
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}

	s.purchaseBillByID[bill.ID] = cloneBoughtBill(bill)
	s.numbersTaken[seqPurchaseBill][bill.BillNumber] = bill.ID
	saved := cloneBoughtBill(bill)
	return &saved, nil
}

func (s *Store) GetPurchaseBill(_ context.Context, id string) (*domain.BoughtBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, exists := s.purchaseBillByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneBoughtBill(bill)
	return &dup, nil
}

func (s *Store) ListPurchaseBills(_ context.Context, companyID string) ([]domain.BoughtBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BoughtBill, 0, len(s.purchaseBillByID))
	for _, bill := range s.purchaseBillByID {
		if companyID != "" && bill.CompanyID != companyID {
			continue
		}
		result = append(result, cloneBoughtBill(bill))
	}
	slices.SortFunc(result, func(a, b domain.BoughtBill) int {
		return compareCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(payment.PharmacyID) == "" || payment.PaymentNumber == "" {
		return nil, store.ErrInvalidTransaction
	}
	if len(payment.SaleBillIDs) == 0 && len(payment.ReturnIDs) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, taken := s.numbersTaken[seqPayment][payment.PaymentNumber]; taken {
		return nil, store.ErrConflict
	}
	for _, id := range payment.SaleBillIDs {
		bill, exists := s.saleBillsByID[id]
		if !exists {
			return nil, store.ErrNotFound
		}
		if bill.PharmacyID != payment.PharmacyID {
			return nil, store.ErrInvalidTransaction
		}
		if bill.PaymentStatus == domain.PaymentStatusPaid {
			return nil, store.ErrConflict
		}
	}
	for _, id := range payment.ReturnIDs {
		record, exists := s.returnsByID[id]
		if !exists {
			return nil, store.ErrNotFound
		}
		if record.PharmacyID != payment.PharmacyID {
			return nil, store.ErrInvalidTransaction
		}
		if record.PaymentStatus == domain.PaymentStatusPaid {
			return nil, store.ErrConflict
		}
	}

	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	bills := make([]domain.SaleBill, 0, len(payment.SaleBillIDs))
	for _, id := range payment.SaleBillIDs {
		bills = append(bills, s.saleBillsByID[id])
	}
	returns := make([]domain.ReturnRecord, 0, len(payment.ReturnIDs))
	for _, id := range payment.ReturnIDs {
		returns = append(returns, s.returnsByID[id])
	}
	payment.SetTotals(bills, returns)

	paidAt := payment.CreatedAt
	for _, id := range payment.SaleBillIDs {
		bill := s.saleBillsByID[id]
		bill.PaymentStatus = domain.PaymentStatusPaid
		bill.PaymentNumber = payment.PaymentNumber
		bill.PaymentDate = &paidAt
		bill.UpdatedAt = paidAt
		s.saleBillsByID[id] = bill
	}
	for _, id := range payment.ReturnIDs {
		record := s.returnsByID[id]
		record.PaymentStatus = domain.PaymentStatusPaid
		record.PaymentNumber = payment.PaymentNumber
		record.PaymentDate = &paidAt
		record.UpdatedAt = paidAt
		s.returnsByID[id] = record
	}

	s.paymentsByID[payment.ID] = clonePayment(payment)
	s.numbersTaken[seqPayment][payment.PaymentNumber] = payment.ID
	saved := clonePayment(payment)
	return &saved, nil
}

func (s *Store) ListPayments(_ context.Context, pharmacyID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Payment, 0, len(s.paymentsByID))
	for _, payment := range s.paymentsByID {
		if pharmacyID != "" && payment.PharmacyID != pharmacyID {
			continue
		}
		result = append(result, clonePayment(payment))
	}
	slices.SortFunc(result, func(a, b domain.Payment) int {
		return compareCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func compareCreated(a time.Time, b time.Time, aID string, bID string) int {
	if a.Equal(b) {
		return strings.Compare(aID, bID)
	}
	if a.Before(b) {
		return -1
	}
	return 1
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	dup := src.UTC()
	return &dup
}

func cloneSaleBill(src domain.SaleBill) domain.SaleBill {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.PaymentDate = cloneTime(src.PaymentDate)
	return dup
}

func cloneReturn(src domain.ReturnRecord) domain.ReturnRecord {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.PaymentDate = cloneTime(src.PaymentDate)
	return dup
}

func cloneBoughtBill(src domain.BoughtBill) domain.BoughtBill {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}

func clonePayment(src domain.Payment) domain.Payment {
	dup := src
	dup.SaleBillIDs = slices.Clone(src.SaleBillIDs)
	dup.ReturnIDs = slices.Clone(src.ReturnIDs)
	return dup
}

package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const (
	saleBillColumns = `id, bill_number, pharmacy_id, items, payment_status, payment_number, payment_date, bill_date, created_by, created_at, updated_at`
	returnColumns   = `id, pharmacy_id, bill_id, bill_number, return_bill_number, pharmacy_return_bill_number, items, return_date, return_bill_note, payment_status, payment_number, payment_date, created_by, created_at, updated_at`
	boughtColumns   = `id, bill_number, company_id, company_bill_number, items, total_transport_fee, total_external_expense, expense_percentage, total_amount, payment_status, is_consignment, note, bill_date, created_by, created_at`
	paymentColumns  = `id, payment_number, pharmacy_id, sale_bill_ids, return_ids, sales_total, returns_total, net_amount, note, created_by, created_at`
)

type Store struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and sequences when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) NextSaleBillNumber(ctx context.Context) (string, error) {
	return s.nextNumber(ctx, "sale_bill_number_seq", "SB", "sale_bills", "bill_number")
}

func (s *Store) NextReturnBillNumber(ctx context.Context) (string, error) {
	return s.nextNumber(ctx, "return_bill_number_seq", "RET", "return_records", "return_bill_number")
}

func (s *Store) NextPurchaseBillNumber(ctx context.Context) (string, error) {
	return s.nextNumber(ctx, "purchase_bill_number_seq", "PB", "bought_bills", "bill_number")
}

func (s *Store) NextPaymentNumber(ctx context.Context) (string, error) {
	return s.nextNumber(ctx, "payment_number_seq", "PAY", "payments", "payment_number")
}

// nextNumber draws from seq and skips values already used by documents that
// were given an explicit number. table and column are constants.
func (s *Store) nextNumber(ctx context.Context, seq string, prefix string, table string, column string) (string, error) {
	exists := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)`, table, column)
	for attempt := 0; attempt < 32; attempt++ {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT nextval($1::regclass)`, seq).Scan(&n); err != nil {
			return "", err
		}
		number := fmt.Sprintf("%s-%06d", prefix, n)

		var taken bool
		if err := s.db.QueryRowContext(ctx, exists, number).Scan(&taken); err != nil {
			return "", err
		}
		if !taken {
			return number, nil
		}
	}
	return "", store.ErrConflict
}

func (s *Store) CreateSaleBill(ctx context.Context, bill domain.SaleBill) (*domain.SaleBill, error) {
	if strings.TrimSpace(bill.PharmacyID) == "" || strings.TrimSpace(bill.BillNumber) == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if bill.ID == "" {
		bill.ID = xid.New("sale")
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	bill.UpdatedAt = bill.CreatedAt
	if bill.PaymentStatus == "" {
		bill.PaymentStatus = domain.PaymentStatusUnpaid
	}

	items, err := json.Marshal(bill.Items)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sale_bills (`+saleBillColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, bill.ID, bill.BillNumber, bill.PharmacyID, items, bill.PaymentStatus, nullIfEmpty(bill.PaymentNumber),
		nullTime(bill.PaymentDate), nullTime(bill.BillDate.Ptr()), bill.CreatedBy, bill.CreatedAt, bill.UpdatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	created := bill
	return &created, nil
}

func (s *Store) GetSaleBill(ctx context.Context, id string) (*domain.SaleBill, error) {
	bill, err := scanSaleBill(s.db.QueryRowContext(ctx, `SELECT `+saleBillColumns+` FROM sale_bills WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &bill, nil
}

func (s *Store) ListSaleBills(ctx context.Context, filter domain.SaleBillFilter) ([]domain.SaleBill, error) {
	where := newWhere()
	if filter.PharmacyID != "" {
		where.add("pharmacy_id = $%d", filter.PharmacyID)
	}
	if filter.PaymentStatus != "" {
		where.add("payment_status = $%d", filter.PaymentStatus)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+saleBillColumns+` FROM sale_bills`+where.clause()+` ORDER BY created_at, id`, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.SaleBill, 0, 32)
	for rows.Next() {
		bill, err := scanSaleBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bills, nil
}

func (s *Store) UpdateSaleBillLineQuantities(ctx context.Context, billID string, updates []domain.SaleLineUpdate) (*domain.SaleBill, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bill, err := scanSaleBill(tx.QueryRowContext(ctx, `SELECT `+saleBillColumns+` FROM sale_bills WHERE id = $1 FOR UPDATE`, billID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := store.ApplyLineUpdates(bill.Items, updates)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := writeSaleLines(ctx, tx, bill.ID, items, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapWriteError(err)
	}

	bill.Items = items
	bill.UpdatedAt = now
	return &bill, nil
}

func (s *Store) ListReturns(ctx context.Context, filter domain.ReturnFilter) ([]domain.ReturnRecord, error) {
	where := newWhere()
	if filter.PharmacyID != "" {
		where.add("pharmacy_id = $%d", filter.PharmacyID)
	}
	if filter.BillID != "" {
		where.add("bill_id = $%d", filter.BillID)
	}
	if filter.PaymentStatus != "" {
		where.add("payment_status = $%d", filter.PaymentStatus)
	}
	if filter.Note != "" {
		where.add("return_bill_note ILIKE $%d", likePattern(filter.Note))
	}
	if filter.PharmacyReference != "" {
		where.add("pharmacy_return_bill_number ILIKE $%d", likePattern(filter.PharmacyReference))
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+returnColumns+` FROM return_records`+where.clause()+` ORDER BY created_at, id`, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ReturnRecord, 0, 32)
	for rows.Next() {
		record, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) GetReturn(ctx context.Context, id string) (*domain.ReturnRecord, error) {
	record, err := scanReturn(s.db.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ApplyReturnChange locks the sale bill row, then the return row, checks the
// change against both and writes the record and the bill lines in one
// serializable transaction.
func (s *Store) ApplyReturnChange(ctx context.Context, change domain.ReturnChange) (*domain.ReturnRecord, error) {
	record := change.Record
	if strings.TrimSpace(record.BillID) == "" {
		return nil, store.ErrInvalidTransaction
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bill, err := scanSaleBill(tx.QueryRowContext(ctx, `SELECT `+saleBillColumns+` FROM sale_bills WHERE id = $1 FOR UPDATE`, record.BillID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
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
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		record.UpdatedAt = record.CreatedAt
		if record.PaymentStatus == "" {
			record.PaymentStatus = domain.PaymentStatusUnpaid
		}
	case domain.ReturnChangeUpdate, domain.ReturnChangeDelete:
		existing, err = scanReturn(tx.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_records WHERE id = $1 FOR UPDATE`, record.ID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if existing.BillID != record.BillID || existing.PharmacyID != record.PharmacyID {
			return nil, store.ErrInvalidTransaction
		}
		if change.ExpectedPaymentStatus != "" && existing.PaymentStatus != change.ExpectedPaymentStatus {
			return nil, store.ErrConflict
		}
		if change.Kind == domain.ReturnChangeUpdate {
			if len(record.Items) == 0 {
				return nil, store.ErrInvalidTransaction
			}
			record.ReturnBillNumber = existing.ReturnBillNumber
			record.PaymentStatus = existing.PaymentStatus
			record.PaymentNumber = existing.PaymentNumber
			record.PaymentDate = existing.PaymentDate
			record.CreatedBy = existing.CreatedBy
			record.CreatedAt = existing.CreatedAt
			record.UpdatedAt = now
		}
	default:
		return nil, store.ErrInvalidTransaction
	}

	items, err := store.ApplyLineUpdates(bill.Items, change.LineUpdates)
	if err != nil {
		return nil, err
	}

	switch change.Kind {
	case domain.ReturnChangeCreate:
		encoded, err := json.Marshal(record.Items)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_records (`+returnColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, record.ID, record.PharmacyID, record.BillID, record.BillNumber, record.ReturnBillNumber,
			nullIfEmpty(record.PharmacyReturnBillNumber), encoded, nullTime(record.ReturnDate.Ptr()), nullIfEmpty(record.ReturnBillNote),
			record.PaymentStatus, nullIfEmpty(record.PaymentNumber), nullTime(record.PaymentDate), record.CreatedBy, record.CreatedAt, record.UpdatedAt)
		if err != nil {
			return nil, mapWriteError(err)
		}
	case domain.ReturnChangeUpdate:
		encoded, err := json.Marshal(record.Items)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE return_records
			SET pharmacy_return_bill_number = $2, items = $3, return_date = $4, return_bill_note = $5, updated_at = $6
			WHERE id = $1
		`, record.ID, nullIfEmpty(record.PharmacyReturnBillNumber), encoded, nullTime(record.ReturnDate.Ptr()), nullIfEmpty(record.ReturnBillNote), record.UpdatedAt)
		if err != nil {
			return nil, mapWriteError(err)
		}
	case domain.ReturnChangeDelete:
		if _, err := tx.ExecContext(ctx, `DELETE FROM return_records WHERE id = $1`, existing.ID); err != nil {
			return nil, mapWriteError(err)
		}
		record = existing
	}

	if err := writeSaleLines(ctx, tx, bill.ID, items, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapWriteError(err)
	}
	return &record, nil
}

func (s *Store) CreatePurchaseBill(ctx context.Context, bill domain.BoughtBill) (*domain.BoughtBill, error) {
	if strings.TrimSpace(bill.CompanyID) == "" || strings.TrimSpace(bill.BillNumber) == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if bill.ID == "" {
		bill.ID = xid.New("pb")
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}

	items, err := json.Marshal(bill.Items)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bought_bills (`+boughtColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, bill.ID, bill.BillNumber, bill.CompanyID, nullIfEmpty(bill.CompanyBillNumber), items,
		bill.TotalTransportFee, bill.TotalExternalExpense, bill.ExpensePercentage, bill.TotalAmount,
		bill.PaymentStatus, bill.IsConsignment, nullIfEmpty(bill.Note), nullTime(bill.BillDate.Ptr()), bill.CreatedBy, bill.CreatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	created := bill
	return &created, nil
}

func (s *Store) GetPurchaseBill(ctx context.Context, id string) (*domain.BoughtBill, error) {
	bill, err := scanBoughtBill(s.db.QueryRowContext(ctx, `SELECT `+boughtColumns+` FROM bought_bills WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &bill, nil
}

func (s *Store) ListPurchaseBills(ctx context.Context, companyID string) ([]domain.BoughtBill, error) {
	where := newWhere()
	if companyID != "" {
		where.add("company_id = $%d", companyID)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+boughtColumns+` FROM bought_bills`+where.clause()+` ORDER BY created_at, id`, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.BoughtBill, 0, 32)
	for rows.Next() {
		bill, err := scanBoughtBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bills, nil
}

// CreatePayment locks every listed document, refuses the batch if any is
// missing, foreign or already Paid, prices it from the locked rows and flips
// them all to Paid with the payment row.
func (s *Store) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if strings.TrimSpace(payment.PharmacyID) == "" || payment.PaymentNumber == "" {
		return nil, store.ErrInvalidTransaction
	}
	if len(payment.SaleBillIDs) == 0 && len(payment.ReturnIDs) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	if payment.SaleBillIDs == nil {
		payment.SaleBillIDs = []string{}
	}
	if payment.ReturnIDs == nil {
		payment.ReturnIDs = []string{}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bills := make([]domain.SaleBill, 0, len(payment.SaleBillIDs))
	err = lockPayable(ctx, tx, `SELECT `+saleBillColumns+` FROM sale_bills`, payment.SaleBillIDs, payment.PharmacyID, func(row rowScanner) (string, string, error) {
		bill, err := scanSaleBill(row)
		if err != nil {
			return "", "", err
		}
		bills = append(bills, bill)
		return bill.PharmacyID, bill.PaymentStatus, nil
	})
	if err != nil {
		return nil, err
	}
	returns := make([]domain.ReturnRecord, 0, len(payment.ReturnIDs))
	err = lockPayable(ctx, tx, `SELECT `+returnColumns+` FROM return_records`, payment.ReturnIDs, payment.PharmacyID, func(row rowScanner) (string, string, error) {
		record, err := scanReturn(row)
		if err != nil {
			return "", "", err
		}
		returns = append(returns, record)
		return record.PharmacyID, record.PaymentStatus, nil
	})
	if err != nil {
		return nil, err
	}
	payment.SetTotals(bills, returns)

	for _, table := range []struct {
		name string
		ids  []string
	}{{"sale_bills", payment.SaleBillIDs}, {"return_records", payment.ReturnIDs}} {
		if len(table.ids) == 0 {
			continue
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET payment_status = $2, payment_number = $3, payment_date = $4, updated_at = $4
			WHERE id = ANY($1)
		`, table.name), table.ids, domain.PaymentStatusPaid, payment.PaymentNumber, payment.CreatedAt)
		if err != nil {
			return nil, mapWriteError(err)
		}
	}

	billIDs, err := json.Marshal(payment.SaleBillIDs)
	if err != nil {
		return nil, err
	}
	returnIDs, err := json.Marshal(payment.ReturnIDs)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, payment.ID, payment.PaymentNumber, payment.PharmacyID, billIDs, returnIDs,
		payment.SalesTotal, payment.ReturnsTotal, payment.NetAmount, nullIfEmpty(payment.Note), payment.CreatedBy, payment.CreatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapWriteError(err)
	}
	created := payment
	return &created, nil
}

func (s *Store) ListPayments(ctx context.Context, pharmacyID string) ([]domain.Payment, error) {
	where := newWhere()
	if pharmacyID != "" {
		where.add("pharmacy_id = $%d", pharmacyID)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments`+where.clause()+` ORDER BY created_at, id`, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 16)
	for rows.Next() {
		var payment domain.Payment
		var billIDs, returnIDs []byte
		var note sql.NullString
		if err := rows.Scan(&payment.ID, &payment.PaymentNumber, &payment.PharmacyID, &billIDs, &returnIDs,
			&payment.SalesTotal, &payment.ReturnsTotal, &payment.NetAmount, &note, &payment.CreatedBy, &payment.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(billIDs, &payment.SaleBillIDs); err != nil {
			return nil, fmt.Errorf("decode payment %s sale bills: %w", payment.ID, err)
		}
		if err := json.Unmarshal(returnIDs, &payment.ReturnIDs); err != nil {
			return nil, fmt.Errorf("decode payment %s returns: %w", payment.ID, err)
		}
		payment.Note = note.String
		payment.CreatedAt = payment.CreatedAt.UTC()
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	where := newWhere()
	if entityType != "" {
		where.add("entity_type = $%d", entityType)
	}
	if entityID != "" {
		where.add("entity_id = $%d", entityID)
	}
	args := append(where.args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs%s
		ORDER BY created_at DESC
		LIMIT $%d
	`, where.clause(), len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func writeSaleLines(ctx context.Context, tx *sql.Tx, billID string, items []domain.SaleLineItem, at time.Time) error {
	encoded, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sale_bills
		SET items = $2, updated_at = $3
		WHERE id = $1
	`, billID, encoded, at)
	return mapWriteError(err)
}

// lockPayable runs selectFrom with row locks on ids and checks that each row
// exists, belongs to pharmacyID and is not Paid yet. scan keeps the row and
// reports its owner and payment status.
func lockPayable(ctx context.Context, tx *sql.Tx, selectFrom string, ids []string, pharmacyID string, scan func(rowScanner) (string, string, error)) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := tx.QueryContext(ctx, selectFrom+` WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		owner, status, err := scan(rows)
		if err != nil {
			return err
		}
		if owner != pharmacyID {
			return store.ErrInvalidTransaction
		}
		if status == domain.PaymentStatusPaid {
			return store.ErrConflict
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found != len(ids) {
		return store.ErrNotFound
	}
	return nil
}

func scanSaleBill(row rowScanner) (domain.SaleBill, error) {
	var bill domain.SaleBill
	var items []byte
	var paymentNumber sql.NullString
	var paymentDate, billDate sql.NullTime
	err := row.Scan(&bill.ID, &bill.BillNumber, &bill.PharmacyID, &items, &bill.PaymentStatus, &paymentNumber,
		&paymentDate, &billDate, &bill.CreatedBy, &bill.CreatedAt, &bill.UpdatedAt)
	if err != nil {
		return domain.SaleBill{}, err
	}
	if err := json.Unmarshal(items, &bill.Items); err != nil {
		return domain.SaleBill{}, fmt.Errorf("decode sale bill %s items: %w", bill.ID, err)
	}
	bill.PaymentNumber = paymentNumber.String
	bill.PaymentDate = timePtr(paymentDate)
	bill.BillDate = dateValue(billDate)
	bill.CreatedAt = bill.CreatedAt.UTC()
	bill.UpdatedAt = bill.UpdatedAt.UTC()
	return bill, nil
}

func scanReturn(row rowScanner) (domain.ReturnRecord, error) {
	var record domain.ReturnRecord
	var items []byte
	var reference, note, paymentNumber sql.NullString
	var returnDate, paymentDate sql.NullTime
	err := row.Scan(&record.ID, &record.PharmacyID, &record.BillID, &record.BillNumber, &record.ReturnBillNumber,
		&reference, &items, &returnDate, &note, &record.PaymentStatus, &paymentNumber, &paymentDate,
		&record.CreatedBy, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return domain.ReturnRecord{}, err
	}
	if err := json.Unmarshal(items, &record.Items); err != nil {
		return domain.ReturnRecord{}, fmt.Errorf("decode return %s items: %w", record.ID, err)
	}
	record.PharmacyReturnBillNumber = reference.String
	record.ReturnBillNote = note.String
	record.PaymentNumber = paymentNumber.String
	record.PaymentDate = timePtr(paymentDate)
	record.ReturnDate = dateValue(returnDate)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func scanBoughtBill(row rowScanner) (domain.BoughtBill, error) {
	var bill domain.BoughtBill
	var items []byte
	var companyBillNumber, note sql.NullString
	var billDate sql.NullTime
	err := row.Scan(&bill.ID, &bill.BillNumber, &bill.CompanyID, &companyBillNumber, &items,
		&bill.TotalTransportFee, &bill.TotalExternalExpense, &bill.ExpensePercentage, &bill.TotalAmount,
		&bill.PaymentStatus, &bill.IsConsignment, &note, &billDate, &bill.CreatedBy, &bill.CreatedAt)
	if err != nil {
		return domain.BoughtBill{}, err
	}
	if err := json.Unmarshal(items, &bill.Items); err != nil {
		return domain.BoughtBill{}, fmt.Errorf("decode purchase bill %s items: %w", bill.ID, err)
	}
	bill.CompanyBillNumber = companyBillNumber.String
	bill.Note = note.String
	bill.BillDate = dateValue(billDate)
	bill.CreatedAt = bill.CreatedAt.UTC()
	return bill, nil
}

type whereClause struct {
	clauses []string
	args    []any
}

func newWhere() *whereClause {
	return &whereClause{}
}

// add appends a condition; format takes the placeholder number.
func (w *whereClause) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *whereClause) clause() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func likePattern(needle string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(needle))
	return "%" + escaped + "%"
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) || isSerializationFailure(err) {
		return store.ErrConflict
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func dateValue(val sql.NullTime) domain.DateValue {
	if !val.Valid {
		return domain.DateValue{}
	}
	return domain.NewDate(val.Time)
}

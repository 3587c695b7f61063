package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/ledger"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

type requestedLine struct {
	barcode string
	qty     int
	price   decimal.Decimal
}

// PrepareReturn starts a new return against a sale bill. Availability comes
// from the bill as stored now and every return of the pharmacy on that bill.
func (s *Service) PrepareReturn(ctx context.Context, billID string, pharmacyID string) (domain.ReturnDraft, error) {
	billID = strings.TrimSpace(billID)
	pharmacyID = strings.TrimSpace(pharmacyID)
	if billID == "" || pharmacyID == "" {
		return domain.ReturnDraft{}, invalid(ErrMissingCounterparty, nil, nil)
	}

	bill, returns, err := s.loadBillState(ctx, billID, pharmacyID)
	if err != nil {
		return domain.ReturnDraft{}, err
	}
	already := ledger.ByBarcode(bill.ID, pharmacyID, returns, "")

	return domain.ReturnDraft{
		Mode:       domain.DraftModeNew,
		PharmacyID: pharmacyID,
		BillID:     bill.ID,
		BillNumber: bill.BillNumber,
		ReturnDate: domain.NewDate(time.Now().UTC()),
		Lines:      s.draftLines("PrepareReturn", *bill, already),
	}, nil
}

// LoadReturnForEdit builds a draft for an existing return. The return does
// not count against its own availability, and its stored quantities are
// filled in, clamped to what is available now.
func (s *Service) LoadReturnForEdit(ctx context.Context, returnID string) (domain.ReturnDraft, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return domain.ReturnDraft{}, store.ErrNotFound
	}

	record, err := s.repo.GetReturn(ctx, returnID)
	if err != nil {
		return domain.ReturnDraft{}, err
	}
	bill, returns, err := s.loadBillState(ctx, record.BillID, record.PharmacyID)
	if err != nil {
		return domain.ReturnDraft{}, err
	}
	others := ledger.ByBarcode(bill.ID, record.PharmacyID, returns, record.ID)

	draft := domain.ReturnDraft{
		Mode:                     domain.DraftModeEdit,
		ReturnID:                 record.ID,
		PharmacyID:               record.PharmacyID,
		BillID:                   bill.ID,
		BillNumber:               bill.BillNumber,
		PaymentStatus:            record.PaymentStatus,
		PharmacyReturnBillNumber: record.PharmacyReturnBillNumber,
		ReturnBillNote:           record.ReturnBillNote,
		ReturnDate:               record.ReturnDate,
		Lines:                    s.draftLines("LoadReturnForEdit", *bill, others),
	}

	for _, item := range record.Items {
		for i := range draft.Lines {
			if draft.Lines[i].Barcode == item.Barcode && item.ReturnPrice.IsPositive() {
				draft.Lines[i].ReturnPrice = item.ReturnPrice
			}
		}
		stored := record.Quantity(item.Barcode)
		kept, ok := draft.SetQuantity(item.Barcode, stored)
		fields := logrus.Fields{"return_id": record.ID, "bill_id": bill.ID, "barcode": item.Barcode, "stored_quantity": stored}
		switch {
		case !ok:
			s.warnIntegrity("LoadReturnForEdit", fields, "return line is not on the sale bill")
		case kept < stored:
			fields["available_quantity"] = kept
			s.warnIntegrity("LoadReturnForEdit", fields, "stored return quantity exceeds availability")
		}
	}
	return draft, nil
}

func (s *Service) SubmitReturn(ctx context.Context, req domain.ReturnSubmitRequest) (domain.ReturnRecord, error) {
	req.PharmacyID = strings.TrimSpace(req.PharmacyID)
	req.BillID = strings.TrimSpace(req.BillID)
	if req.PharmacyID == "" || req.BillID == "" {
		return domain.ReturnRecord{}, invalid(ErrMissingCounterparty, nil, nil)
	}
	lines, err := normalizeReturnLines(req.Items)
	if err != nil {
		return domain.ReturnRecord{}, err
	}

	var saved *domain.ReturnRecord
	err = s.withBillLock(ctx, req.PharmacyID, req.BillID, func() error {
		bill, returns, err := s.loadBillState(ctx, req.BillID, req.PharmacyID)
		if err != nil {
			return err
		}
		already := ledger.ByBarcode(bill.ID, req.PharmacyID, returns, "")
		items, err := s.buildReturnItems("SubmitReturn", *bill, already, lines)
		if err != nil {
			return err
		}
		number, err := s.repo.NextReturnBillNumber(ctx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		record := domain.ReturnRecord{
			ID:                       xid.New("ret"),
			PharmacyID:               req.PharmacyID,
			BillID:                   bill.ID,
			BillNumber:               bill.BillNumber,
			ReturnBillNumber:         number,
			PharmacyReturnBillNumber: strings.TrimSpace(req.PharmacyReturnBillNumber),
			Items:                    items,
			ReturnDate:               dateOrToday(req.ReturnDate),
			ReturnBillNote:           strings.TrimSpace(req.ReturnBillNote),
			PaymentStatus:            domain.PaymentStatusUnpaid,
			CreatedBy:                actorName(ctx),
			CreatedAt:                now,
			UpdatedAt:                now,
		}
		saved, err = s.applyChange(ctx, domain.ReturnChange{
			Kind:        domain.ReturnChangeCreate,
			Record:      record,
			LineUpdates: s.compensate("SubmitReturn", *bill, already, items, nil),
		})
		return err
	})
	if err != nil {
		return domain.ReturnRecord{}, err
	}

	s.logAudit(ctx, "return_create", "return", saved.ID, fmt.Sprintf("bill=%s,number=%s,items=%d", saved.BillID, saved.ReturnBillNumber, len(saved.Items)))
	return *saved, nil
}

// UpdateReturn replaces the items of an existing return and rewrites every
// affected sale line. A Paid return needs ack for its id.
func (s *Service) UpdateReturn(ctx context.Context, returnID string, req domain.ReturnUpdateRequest, ack *domain.RiskAcknowledgement) (domain.ReturnRecord, error) {
	returnID = strings.TrimSpace(returnID)
	current, err := s.repo.GetReturn(ctx, returnID)
	if err != nil {
		return domain.ReturnRecord{}, err
	}
	if err := checkRisk(*current, ack); err != nil {
		return domain.ReturnRecord{}, err
	}
	lines, err := normalizeReturnLines(req.Items)
	if err != nil {
		return domain.ReturnRecord{}, err
	}

	var saved *domain.ReturnRecord
	err = s.withBillLock(ctx, current.PharmacyID, current.BillID, func() error {
		record, err := s.repo.GetReturn(ctx, returnID)
		if err != nil {
			return err
		}
		if err := checkRisk(*record, ack); err != nil {
			return err
		}
		bill, returns, err := s.loadBillState(ctx, record.BillID, record.PharmacyID)
		if err != nil {
			return err
		}
		others := ledger.ByBarcode(bill.ID, record.PharmacyID, returns, record.ID)
		items, err := s.buildReturnItems("UpdateReturn", *bill, others, lines)
		if err != nil {
			return err
		}

		next := *record
		next.Items = items
		next.PharmacyReturnBillNumber = strings.TrimSpace(req.PharmacyReturnBillNumber)
		next.ReturnBillNote = strings.TrimSpace(req.ReturnBillNote)
		if !req.ReturnDate.IsZero() {
			next.ReturnDate = req.ReturnDate
		}
		next.UpdatedAt = time.Now().UTC()

		saved, err = s.applyChange(ctx, domain.ReturnChange{
			Kind:                  domain.ReturnChangeUpdate,
			Record:                next,
			ExpectedPaymentStatus: record.PaymentStatus,
			LineUpdates:           s.compensate("UpdateReturn", *bill, others, items, record.Items),
		})
		return err
	})
	if err != nil {
		return domain.ReturnRecord{}, err
	}

	detail := fmt.Sprintf("bill=%s,number=%s,items=%d", saved.BillID, saved.ReturnBillNumber, len(saved.Items))
	if saved.PaymentStatus == domain.PaymentStatusPaid {
		detail += ",risk_acknowledged_by=" + ack.AcknowledgedBy
	}
	s.logAudit(ctx, "return_update", "return", saved.ID, detail)
	return *saved, nil
}

// DeleteReturn removes a return and sets each of its sale lines back to what
// the remaining returns account for.
func (s *Service) DeleteReturn(ctx context.Context, returnID string, ack *domain.RiskAcknowledgement) error {
	returnID = strings.TrimSpace(returnID)
	current, err := s.repo.GetReturn(ctx, returnID)
	if err != nil {
		return err
	}
	if err := checkRisk(*current, ack); err != nil {
		return err
	}

	var removed *domain.ReturnRecord
	err = s.withBillLock(ctx, current.PharmacyID, current.BillID, func() error {
		record, err := s.repo.GetReturn(ctx, returnID)
		if err != nil {
			return err
		}
		if err := checkRisk(*record, ack); err != nil {
			return err
		}
		bill, returns, err := s.loadBillState(ctx, record.BillID, record.PharmacyID)
		if err != nil {
			return err
		}
		others := ledger.ByBarcode(bill.ID, record.PharmacyID, returns, record.ID)

		removed, err = s.applyChange(ctx, domain.ReturnChange{
			Kind:                  domain.ReturnChangeDelete,
			Record:                *record,
			ExpectedPaymentStatus: record.PaymentStatus,
			LineUpdates:           s.compensate("DeleteReturn", *bill, others, nil, record.Items),
		})
		return err
	})
	if err != nil {
		return err
	}

	detail := fmt.Sprintf("bill=%s,number=%s", removed.BillID, removed.ReturnBillNumber)
	if removed.PaymentStatus == domain.PaymentStatusPaid {
		detail += ",risk_acknowledged_by=" + ack.AcknowledgedBy
	}
	s.logAudit(ctx, "return_delete", "return", removed.ID, detail)
	return nil
}

func (s *Service) ListReturns(ctx context.Context, filter domain.ReturnFilter) ([]domain.ReturnRecord, error) {
	filter.PharmacyID = strings.TrimSpace(filter.PharmacyID)
	filter.BillID = strings.TrimSpace(filter.BillID)
	filter.Note = strings.TrimSpace(filter.Note)
	filter.PharmacyReference = strings.TrimSpace(filter.PharmacyReference)
	filter.PaymentStatus = strings.TrimSpace(filter.PaymentStatus)
	return s.repo.ListReturns(ctx, filter)
}

func (s *Service) GetReturn(ctx context.Context, returnID string) (domain.ReturnRecord, error) {
	record, err := s.repo.GetReturn(ctx, strings.TrimSpace(returnID))
	if err != nil {
		return domain.ReturnRecord{}, err
	}
	return *record, nil
}

// ReconcileSaleBill recomputes every line of a sale bill from the ledger and
// writes back the lines that drifted.
func (s *Service) ReconcileSaleBill(ctx context.Context, billID string) (domain.ReconcileReport, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ReconcileReport{}, err
	}
	bill, err := s.repo.GetSaleBill(ctx, strings.TrimSpace(billID))
	if err != nil {
		return domain.ReconcileReport{}, err
	}

	var report domain.ReconcileReport
	err = s.withBillLock(ctx, bill.PharmacyID, bill.ID, func() error {
		fresh, returns, err := s.loadBillState(ctx, bill.ID, bill.PharmacyID)
		if err != nil {
			return err
		}
		already := ledger.ByBarcode(fresh.ID, fresh.PharmacyID, returns, "")

		report = domain.ReconcileReport{
			BillID:       fresh.ID,
			PharmacyID:   fresh.PharmacyID,
			LinesChecked: len(fresh.Items),
			Drifts:       []domain.LineDrift{},
			CheckedAt:    time.Now().UTC(),
		}
		updates := make([]domain.SaleLineUpdate, 0)
		for _, item := range fresh.Items {
			ledgerReturned := already[item.Barcode]
			applied := ledgerReturned
			overflow := applied > item.OriginalQuantity
			if overflow {
				applied = item.OriginalQuantity
				s.warnIntegrity("ReconcileSaleBill", logrus.Fields{
					"bill_id":           fresh.ID,
					"barcode":           item.Barcode,
					"original_quantity": item.OriginalQuantity,
					"ledger_returned":   ledgerReturned,
				}, "returns exceed sale line, capped at original quantity")
			}
			if applied == item.ReturnedQuantity && item.Quantity == item.OriginalQuantity-applied {
				continue
			}
			report.Drifts = append(report.Drifts, domain.LineDrift{
				Barcode:          item.Barcode,
				OriginalQuantity: item.OriginalQuantity,
				StoredReturned:   item.ReturnedQuantity,
				StoredQuantity:   item.Quantity,
				LedgerReturned:   ledgerReturned,
				AppliedReturned:  applied,
				Overflow:         overflow,
			})
			updates = append(updates, domain.SaleLineUpdate{
				Barcode:          item.Barcode,
				ReturnedQuantity: applied,
				Quantity:         item.OriginalQuantity - applied,
			})
		}
		for barcode, qty := range already {
			if _, ok := fresh.Line(barcode); !ok {
				s.warnIntegrity("ReconcileSaleBill", logrus.Fields{"bill_id": fresh.ID, "barcode": barcode, "ledger_returned": qty}, "returns reference a barcode that is not on the sale bill")
			}
		}
		if len(updates) == 0 {
			return nil
		}
		if _, err := s.repo.UpdateSaleBillLineQuantities(ctx, fresh.ID, updates); err != nil {
			return err
		}
		report.Repaired = true
		return nil
	})
	if err != nil {
		return domain.ReconcileReport{}, err
	}

	if report.Repaired {
		s.logAudit(ctx, "sale_bill_reconcile", "sale_bill", report.BillID, fmt.Sprintf("drifts=%d", len(report.Drifts)))
	}
	return report, nil
}

func (s *Service) loadBillState(ctx context.Context, billID string, pharmacyID string) (*domain.SaleBill, []domain.ReturnRecord, error) {
	bill, err := s.repo.GetSaleBill(ctx, billID)
	if err != nil {
		return nil, nil, err
	}
	if bill.PharmacyID != pharmacyID {
		return nil, nil, invalid(ErrBillPharmacyMismatch, nil, map[string]string{"bill_id": billID})
	}
	returns, err := s.repo.ListReturns(ctx, domain.ReturnFilter{PharmacyID: pharmacyID, BillID: billID})
	if err != nil {
		return nil, nil, err
	}
	return bill, returns, nil
}

func (s *Service) draftLines(funcName string, bill domain.SaleBill, already map[string]int) []domain.ReturnDraftLine {
	lines := make([]domain.ReturnDraftLine, 0, len(bill.Items))
	for _, item := range bill.Items {
		available := s.available(funcName, bill, item, already[item.Barcode])
		lines = append(lines, domain.ReturnDraftLine{
			Barcode:              item.Barcode,
			Name:                 item.Name,
			OriginalQuantity:     item.OriginalQuantity,
			ReturnedQuantity:     item.ReturnedQuantity,
			AlreadyReturned:      already[item.Barcode],
			AvailableQuantity:    available,
			ReturnQuantity:       0,
			NewRemainingQuantity: available,
			ReturnPrice:          item.Price,
			ExpireDate:           item.ExpireDate,
		})
	}
	return lines
}

func (s *Service) available(funcName string, bill domain.SaleBill, item domain.SaleLineItem, alreadyReturned int) int {
	available, drifted := ledger.Available(item.OriginalQuantity, alreadyReturned)
	if drifted {
		s.warnIntegrity(funcName, logrus.Fields{
			"bill_id":           bill.ID,
			"pharmacy_id":       bill.PharmacyID,
			"barcode":           item.Barcode,
			"original_quantity": item.OriginalQuantity,
			"already_returned":  alreadyReturned,
		}, "returned quantity exceeds sale line, availability clamped")
	}
	return available
}

// buildReturnItems checks every requested line against the availability left
// by others and snapshots the figures onto the return items.
func (s *Service) buildReturnItems(funcName string, bill domain.SaleBill, others map[string]int, lines []requestedLine) ([]domain.ReturnItem, error) {
	items := make([]domain.ReturnItem, 0, len(lines))
	details := make(map[string]string)
	var unknown, exceeded []string

	for _, req := range lines {
		line, ok := bill.Line(req.barcode)
		if !ok {
			unknown = append(unknown, req.barcode)
			details[req.barcode] = "not on sale bill " + bill.BillNumber
			continue
		}
		byOthers := others[req.barcode]
		available := s.available(funcName, bill, line, byOthers)
		if req.qty > available {
			exceeded = append(exceeded, req.barcode)
			details[req.barcode] = fmt.Sprintf("requested %d, available %d", req.qty, available)
			continue
		}

		price := req.price
		if price.IsZero() {
			price = line.Price
		}
		items = append(items, domain.ReturnItem{
			Barcode:                 line.Barcode,
			Name:                    line.Name,
			OriginalQuantity:        available,
			ReturnQuantity:          req.qty,
			ReturnPrice:             price,
			AlreadyReturned:         byOthers,
			AlreadyReturnedByOthers: byOthers,
			NewRemainingQuantity:    available - req.qty,
			ExpireDate:              line.ExpireDate,
		})
	}

	if len(unknown) > 0 {
		return nil, invalid(ErrUnknownBarcode, unknown, details)
	}
	if len(exceeded) > 0 {
		return nil, invalid(ErrQuantityExceedsAvailable, exceeded, details)
	}
	return items, nil
}

// compensate computes the sale line writes for a return change. Every barcode
// in newItems or oldItems gets returned = others + new quantity, so lines the
// change drops are restored to what the other returns account for.
func (s *Service) compensate(funcName string, bill domain.SaleBill, others map[string]int, newItems []domain.ReturnItem, oldItems []domain.ReturnItem) []domain.SaleLineUpdate {
	newQty := make(map[string]int, len(newItems))
	barcodes := make([]string, 0, len(newItems)+len(oldItems))
	seen := make(map[string]bool, cap(barcodes))
	add := func(barcode string) {
		if !seen[barcode] {
			seen[barcode] = true
			barcodes = append(barcodes, barcode)
		}
	}
	for _, item := range newItems {
		newQty[item.Barcode] += item.ReturnQuantity
		add(item.Barcode)
	}
	for _, item := range oldItems {
		add(item.Barcode)
	}

	updates := make([]domain.SaleLineUpdate, 0, len(barcodes))
	for _, barcode := range barcodes {
		fields := logrus.Fields{"bill_id": bill.ID, "pharmacy_id": bill.PharmacyID, "barcode": barcode}
		line, ok := bill.Line(barcode)
		if !ok {
			s.warnIntegrity(funcName, fields, "return line is not on the sale bill, compensation skipped")
			continue
		}
		returned := others[barcode] + newQty[barcode]
		if returned > line.OriginalQuantity {
			fields["original_quantity"] = line.OriginalQuantity
			fields["ledger_returned"] = returned
			s.warnIntegrity(funcName, fields, "returns exceed sale line, capped at original quantity")
			returned = line.OriginalQuantity
		}
		updates = append(updates, domain.SaleLineUpdate{
			Barcode:          barcode,
			ReturnedQuantity: returned,
			Quantity:         line.OriginalQuantity - returned,
		})
	}
	return updates
}

func (s *Service) applyChange(ctx context.Context, change domain.ReturnChange) (*domain.ReturnRecord, error) {
	saved, err := s.repo.ApplyReturnChange(ctx, change)
	if errors.Is(err, store.ErrQuantityOutOfRange) {
		s.warnIntegrity("applyChange", logrus.Fields{
			"bill_id":   change.Record.BillID,
			"return_id": change.Record.ID,
			"kind":      string(change.Kind),
		}, err.Error())
		return nil, &IntegrityError{BillID: change.Record.BillID, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func checkRisk(record domain.ReturnRecord, ack *domain.RiskAcknowledgement) error {
	if record.PaymentStatus == domain.PaymentStatusPaid && !ack.Covers(record.ID) {
		return invalid(ErrRiskNotAcknowledged, nil, map[string]string{"return_id": record.ID})
	}
	return nil
}

// normalizeReturnLines trims barcodes, drops zero-quantity rows and merges
// repeated barcodes keeping the first non-zero price.
func normalizeReturnLines(items []domain.ReturnItemInput) ([]requestedLine, error) {
	lines := make([]requestedLine, 0, len(items))
	index := make(map[string]int, len(items))
	var negative, badPrice []string

	for _, item := range items {
		barcode := strings.TrimSpace(item.Barcode)
		if item.ReturnQuantity < 0 {
			negative = append(negative, barcode)
			continue
		}
		if item.ReturnPrice.IsNegative() {
			badPrice = append(badPrice, barcode)
			continue
		}
		if item.ReturnQuantity == 0 {
			continue
		}
		if barcode == "" {
			return nil, invalid(ErrUnknownBarcode, nil, map[string]string{"barcode": "required"})
		}
		if i, ok := index[barcode]; ok {
			lines[i].qty += item.ReturnQuantity
			if lines[i].price.IsZero() {
				lines[i].price = item.ReturnPrice
			}
			continue
		}
		index[barcode] = len(lines)
		lines = append(lines, requestedLine{barcode: barcode, qty: item.ReturnQuantity, price: item.ReturnPrice})
	}

	if len(negative) > 0 {
		return nil, invalid(ErrInvalidQuantity, negative, nil)
	}
	if len(badPrice) > 0 {
		return nil, invalid(ErrInvalidPrice, badPrice, nil)
	}
	if len(lines) == 0 {
		return nil, invalid(ErrNoReturnItems, nil, nil)
	}
	return lines, nil
}

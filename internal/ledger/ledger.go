// Package ledger derives returned quantities from a snapshot of return
// records. It keeps no state; callers pass in the records they loaded.
package ledger

import "github.com/usamaa022/cashier-system-sub000/internal/domain"

// AlreadyReturned sums the return quantity for barcode across every return in
// returns that belongs to billID and pharmacyID, skipping excludeReturnID.
// An empty barcode or billID yields 0.
func AlreadyReturned(barcode string, billID string, pharmacyID string, returns []domain.ReturnRecord, excludeReturnID string) int {
	if barcode == "" || billID == "" {
		return 0
	}
	total := 0
	for _, record := range returns {
		if !matches(record, billID, pharmacyID, excludeReturnID) {
			continue
		}
		total += record.Quantity(barcode)
	}
	return total
}

// ByBarcode aggregates AlreadyReturned for every barcode on the bill in one
// pass.
func ByBarcode(billID string, pharmacyID string, returns []domain.ReturnRecord, excludeReturnID string) map[string]int {
	totals := make(map[string]int)
	if billID == "" {
		return totals
	}
	for _, record := range returns {
		if !matches(record, billID, pharmacyID, excludeReturnID) {
			continue
		}
		for _, item := range record.Items {
			if item.Barcode == "" {
				continue
			}
			totals[item.Barcode] += item.ReturnQuantity
		}
	}
	return totals
}

// Available is original minus alreadyReturned clamped into [0, original].
// drifted reports that clamping was needed, which only happens when stored
// returns exceed the sale line.
func Available(original int, alreadyReturned int) (available int, drifted bool) {
	if original < 0 {
		original = 0
	}
	available = original - alreadyReturned
	switch {
	case available < 0:
		return 0, true
	case available > original:
		return original, true
	}
	return available, false
}

// AvailableToReturn combines AlreadyReturned with the sale line's original
// quantity.
func AvailableToReturn(original int, barcode string, billID string, pharmacyID string, returns []domain.ReturnRecord, excludeReturnID string) int {
	available, _ := Available(original, AlreadyReturned(barcode, billID, pharmacyID, returns, excludeReturnID))
	return available
}

func matches(record domain.ReturnRecord, billID string, pharmacyID string, excludeReturnID string) bool {
	if record.BillID != billID || record.PharmacyID != pharmacyID {
		return false
	}
	return excludeReturnID == "" || record.ID != excludeReturnID
}

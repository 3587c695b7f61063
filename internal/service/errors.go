package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ErrMissingCounterparty      = errors.New("pharmacy and bill are required")
	ErrNoReturnItems            = errors.New("select at least one item to return")
	ErrQuantityExceedsAvailable = errors.New("return quantity exceeds available quantity")
	ErrInvalidQuantity          = errors.New("quantity must not be negative")
	ErrInvalidPrice             = errors.New("price must not be negative")
	ErrUnknownBarcode           = errors.New("item is not on the sale bill")
	ErrBillPharmacyMismatch     = errors.New("sale bill belongs to another pharmacy")
	ErrRiskNotAcknowledged      = errors.New("changing a paid return requires risk acknowledgement")
	ErrInvalidSaleBill          = errors.New("invalid sale bill")
	ErrInvalidPurchaseBill      = errors.New("invalid purchase bill")
	ErrNothingToPay             = errors.New("no unpaid documents to include in the payment")
	ErrDocumentNotPayable       = errors.New("document cannot be included in the payment")
	ErrAdminRequired            = errors.New("admin role required")
)

// ValidationError is a user-correctable rejection. Nothing has been written
// when one is returned.
type ValidationError struct {
	Err      error
	Details  map[string]string
	Barcodes []string
}

func (e *ValidationError) Error() string {
	if len(e.Barcodes) > 0 {
		return fmt.Sprintf("%s: %s", e.Err.Error(), strings.Join(e.Barcodes, ", "))
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(err error, barcodes []string, details map[string]string) *ValidationError {
	return &ValidationError{Err: err, Barcodes: barcodes, Details: details}
}

// IntegrityError reports that stored sale lines and return records disagree
// in a way the requested change could not resolve.
type IntegrityError struct {
	BillID  string
	Barcode string
	Err     error
}

func (e *IntegrityError) Error() string {
	if e.Barcode != "" {
		return fmt.Sprintf("data integrity: bill %s barcode %s: %v", e.BillID, e.Barcode, e.Err)
	}
	return fmt.Sprintf("data integrity: bill %s: %v", e.BillID, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func (s *Service) warnIntegrity(funcName string, fields logrus.Fields, message string) {
	s.logger.WithFields(logrus.Fields{
		"module":   "service",
		"function": funcName,
		"kind":     "data_integrity",
	}).WithFields(fields).Warn(message)
}

package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

const (
	CodeInvalidTransition       = "invalid_transition"
	CodeAlreadyAssigned         = "already_assigned"
	CodePartRequestsOutstanding = "part_requests_outstanding"
	CodeWorkOrderClosed         = "work_order_closed"
	CodeMachineReferenced       = "machine_referenced"

	CodeValidationFailed    = "validation_failed"
	CodeNotFound            = "not_found"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeFulfillmentConflict = "fulfillment_conflict"
	CodeInsufficientStock   = "insufficient_stock"
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// NotFoundError reports a referenced id that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError reports a violated state machine guard.
type TransitionError struct {
	Entity   string
	ID       string
	From     string
	Action   string
	Code     string
	Reason   string
	Blocking []string
}

func (e TransitionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.From)
}

// InsufficientStockError is returned when a deduction exceeds stock at commit time.
type InsufficientStockError struct {
	PartID    string
	Requested int
	Available int
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for part %s: requested %d, available %d", e.PartID, e.Requested, e.Available)
}

// FulfillmentConflictError wraps every shortage found while fulfilling a request.
type FulfillmentConflictError struct {
	RequestID string
	Shortages []InsufficientStockError
}

func (e FulfillmentConflictError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.PartID, s.Requested, s.Available))
	}
	return fmt.Sprintf("fulfillment conflict on part request %s: %s", e.RequestID, strings.Join(parts, ", "))
}

func (e FulfillmentConflictError) Unwrap() []error {
	errs := make([]error, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		errs = append(errs, s)
	}
	return errs
}

// ConcurrencyError reports a lost optimistic-lock race.
type ConcurrencyError struct {
	Entity string
	ID     string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently; reload and retry", e.Entity, e.ID)
}

func (e ConcurrencyError) Unwrap() error { return ErrConcurrencyConflict }

// Retryable reports whether the caller may retry once it has corrected input or re-read state.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te TransitionError
	if errors.As(err, &te) {
		return false
	}
	var ve ValidationError
	var se InsufficientStockError
	var fe FulfillmentConflictError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, ErrNotFound),
		errors.As(err, &fe),
		errors.As(err, &se),
		errors.Is(err, ErrConcurrencyConflict):
		return true
	}
	return false
}

// IsTransition reports whether err is a TransitionError with the given code.
func IsTransition(err error, code string) bool {
	var te TransitionError
	if !errors.As(err, &te) {
		return false
	}
	return code == "" || te.Code == code
}

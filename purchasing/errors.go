/*
errors.go - Error types for the purchasing engine

PURPOSE:
  Validators return ValidationResult values and never fail with a Go error.
  Everything that does return an error (stores, posting, the service
  pipeline) uses the sentinels and structured types below, so that the
  recovery orchestrator can classify any failure into a stable Code.

ERROR CATEGORIES:
  1. Consistency errors - stale reads, optimistic version conflicts
  2. Storage errors - collaborator failures (retryable with backoff)
  3. Integrity errors - unbalanced entries, rollback failures (never retried)
  4. Validation errors - a failing ValidationResult lifted into an error

USAGE:
  Adapters wrap their driver errors with ErrStorage:

    return fmt.Errorf("%w: insert entry: %v", purchasing.ErrStorage, err)

  and the orchestrator calls CodeOf(err) to pick a strategy.

SEE ALSO:
  - validation.go: Code constants
  - recovery.go: strategy table keyed by Code
*/
package purchasing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConcurrentModification is returned when a stored version or the
	// previously-received quantities changed between read and commit.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a referenced order, product or entry is missing.
	ErrNotFound = errors.New("not found")

	// ErrStorage is returned by store adapters for driver-level failures.
	ErrStorage = errors.New("storage failure")

	// ErrUnbalancedEntry is returned when debits and credits differ by more
	// than Epsilon. The entry stays in draft.
	ErrUnbalancedEntry = errors.New("unbalanced journal entry")

	// ErrUnknownAccountMapping is returned when no account pair exists for a
	// reference type and adjustment type.
	ErrUnknownAccountMapping = errors.New("unknown account mapping")

	// ErrInvalidInput is returned for malformed commands.
	ErrInvalidInput = errors.New("invalid input")

	// ErrScheduler is returned when the deferred-work scheduler is unavailable.
	ErrScheduler = errors.New("scheduler unavailable")

	// ErrRollbackFailed is returned when compensating steps could not be applied.
	ErrRollbackFailed = errors.New("rollback failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CodedError attaches a stable Code to an underlying error.
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// WithCode wraps err so CodeOf reports code.
func WithCode(code Code, err error) error {
	return &CodedError{Code: code, Err: err}
}

// ValidationFailedError lifts a failing ValidationResult into an error. Its
// code is the code of the first blocking issue.
type ValidationFailedError struct {
	Result ValidationResult
}

func (e *ValidationFailedError) Error() string {
	return "validation failed: " + e.Result.Summary()
}

func (e *ValidationFailedError) Code() Code {
	if first, ok := e.Result.FirstError(); ok {
		return first.Code
	}
	return CodeUnknownError
}

func (e *ValidationFailedError) Unwrap() error { return ErrInvalidInput }

// UnbalancedEntryError provides the totals of a rejected entry.
type UnbalancedEntryError struct {
	EntryID     string
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("unbalanced entry %s: debit %s, credit %s, difference %s",
		e.EntryID, e.TotalDebit.StringFixed(2), e.TotalCredit.StringFixed(2),
		e.TotalDebit.Sub(e.TotalCredit).Abs().StringFixed(2))
}

func (e *UnbalancedEntryError) Unwrap() error { return ErrUnbalancedEntry }

// StaleReceiptError reports which product moved under a receipt.
type StaleReceiptError struct {
	OrderID   string
	ProductID string
	Expected  decimal.Decimal
	Actual    decimal.Decimal
}

func (e *StaleReceiptError) Error() string {
	return fmt.Sprintf("order %s product %s: previously received changed from %s to %s",
		e.OrderID, e.ProductID, e.Expected.String(), e.Actual.String())
}

func (e *StaleReceiptError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf classifies err into a Code. Unknown errors yield CodeUnknownError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	var vf *ValidationFailedError
	if errors.As(err, &vf) {
		return vf.Code()
	}
	var ve ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeoutError
	case errors.Is(err, ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, ErrUnbalancedEntry):
		return CodeUnbalancedEntry
	case errors.Is(err, ErrRollbackFailed):
		return CodeRollbackFailed
	case errors.Is(err, ErrStorage):
		return CodeDatabaseError
	case errors.Is(err, ErrScheduler):
		return CodeConnectionError
	case errors.Is(err, ErrNotFound):
		return CodeProductNotFound
	}
	return CodeUnknownError
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrUnbalancedEntry) || errors.Is(err, ErrRollbackFailed) {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

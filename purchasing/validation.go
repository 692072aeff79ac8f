/*
validation.go - Structured validation results

PURPOSE:
  Validators in this package never return Go errors for bad input. They
  return a ValidationResult that separates blocking errors from warnings and
  carries, for each issue, a stable code, a human message and remediation
  hints. Callers render these directly and must treat any error as a hard
  stop.

RESULT RULES:
  - Valid() is true iff there are zero errors
  - CanProceedWithWarnings() is true iff zero errors and at least one warning
  - Summary() collapses many issues into a count line instead of
    concatenating messages

SEE ALSO:
  - errors.go: ValidationFailedError wraps a failing result as an error
*/
package purchasing

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Code is a stable identifier clients can switch on.
type Code string

// =============================================================================
// CODES
// =============================================================================

const (
	// Stock
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeInsufficientStock      Code = "INSUFFICIENT_STOCK"
	CodeNegativeStock          Code = "NEGATIVE_STOCK"
	CodeLowStock               Code = "LOW_STOCK"
	CodeProductNotFound        Code = "PRODUCT_NOT_FOUND"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"

	// Workflow
	CodeInvalidStatusTransition            Code = "INVALID_STATUS_TRANSITION"
	CodeInsufficientApprovalPermission     Code = "INSUFFICIENT_APPROVAL_PERMISSION"
	CodeApprovalLimitExceeded              Code = "APPROVAL_LIMIT_EXCEEDED"
	CodeNoApprovalPermission               Code = "NO_APPROVAL_PERMISSION"
	CodeApproachingApprovalLimit           Code = "APPROACHING_APPROVAL_LIMIT"
	CodeSelfApprovalNotAllowed             Code = "SELF_APPROVAL_NOT_ALLOWED"
	CodeSelfApprovalWarning                Code = "SELF_APPROVAL_WARNING"
	CodeAlreadyApproved                    Code = "ALREADY_APPROVED"
	CodeCannotCancelReceivedOrder          Code = "CANNOT_CANCEL_RECEIVED_ORDER"
	CodeInsufficientCancellationPermission Code = "INSUFFICIENT_CANCELLATION_PERMISSION"
	CodeInsufficientReceivingPermission    Code = "INSUFFICIENT_RECEIVING_PERMISSION"
	CodeAuthenticationRequired             Code = "AUTHENTICATION_REQUIRED"

	// Order creation
	CodeSupplierRequired      Code = "SUPPLIER_REQUIRED"
	CodeItemsRequired         Code = "ITEMS_REQUIRED"
	CodeInvalidPONumberFormat Code = "INVALID_PO_NUMBER_FORMAT"
	CodeInvalidDeliveryDate   Code = "INVALID_DELIVERY_DATE"
	CodeOrderDateTooOld       Code = "ORDER_DATE_TOO_OLD"
	CodeOrderDateTooFar       Code = "ORDER_DATE_TOO_FAR_IN_FUTURE"
	CodeTotalMismatch         Code = "TOTAL_MISMATCH"
	CodeSubtotalMismatch      Code = "SUBTOTAL_MISMATCH"
	CodeProductRequired       Code = "PRODUCT_REQUIRED"
	CodeInvalidItemQuantity   Code = "INVALID_ITEM_QUANTITY"
	CodeInvalidItemPrice      Code = "INVALID_ITEM_PRICE"
	CodeNonIntegerQuantity    Code = "NON_INTEGER_QUANTITY"
	CodeLargeQuantity         Code = "LARGE_QUANTITY"
	CodeHighValueItem         Code = "HIGH_VALUE_ITEM"
	CodeDuplicateProduct      Code = "DUPLICATE_PRODUCT"

	// Receiving
	CodeInvalidReceivingStatus         Code = "INVALID_RECEIVING_STATUS"
	CodeProductNotInOrder              Code = "PRODUCT_NOT_IN_ORDER"
	CodeInvalidReceivedQuantity        Code = "INVALID_RECEIVED_QUANTITY"
	CodeOverReceiving                  Code = "OVER_RECEIVING"
	CodeOverReceivingToleranceExceeded Code = "OVER_RECEIVING_TOLERANCE_EXCEEDED"
	CodeExpiredProduct                 Code = "EXPIRED_PRODUCT"
	CodeNearExpiryProduct              Code = "NEAR_EXPIRY_PRODUCT"
	CodeDamagedGoods                   Code = "DAMAGED_GOODS"
	CodeInvalidCondition               Code = "INVALID_CONDITION"
	CodeInvalidUnitCost                Code = "INVALID_UNIT_COST"
	CodeDuplicateReceivingLine         Code = "DUPLICATE_RECEIVING_LINE"
	CodeReceivedDateBeforeOrder        Code = "RECEIVED_DATE_BEFORE_ORDER_DATE"
	CodeReceivedDateInFuture           Code = "RECEIVED_DATE_IN_FUTURE"
	CodeNoReceivingLines               Code = "NO_RECEIVING_LINES"

	// Ledger
	CodeUnbalancedEntry       Code = "UNBALANCED_ENTRY"
	CodeUnknownAccountMapping Code = "UNKNOWN_ACCOUNT_MAPPING"
	CodeLargeAdjustmentReview Code = "LARGE_ADJUSTMENT_REVIEW"

	// Infrastructure
	CodeDatabaseError    Code = "DATABASE_ERROR"
	CodeConnectionError  Code = "CONNECTION_ERROR"
	CodeTimeoutError     Code = "TIMEOUT_ERROR"
	CodeDeadlockDetected Code = "DEADLOCK_DETECTED"
	CodeNetworkError     Code = "NETWORK_ERROR"

	// Recovery
	CodeRollbackFailed Code = "ROLLBACK_FAILED"
	CodeUnknownError   Code = "UNKNOWN_ERROR"
)

// =============================================================================
// VALIDATION ERROR
// =============================================================================

// ValidationError is one issue found by a validator. Despite the name it is
// also used for warnings and infos; Severity tells them apart.
type ValidationError struct {
	Code        Code
	Message     string
	Severity    Severity
	Field       string
	ProductID   string
	Suggestions []string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// =============================================================================
// VALIDATION RESULT
// =============================================================================

type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Infos    []ValidationError
}

func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r ValidationResult) CanProceedWithWarnings() bool {
	return len(r.Errors) == 0 && len(r.Warnings) > 0
}

// HasCode reports whether any error or warning carries code.
func (r ValidationResult) HasCode(code Code) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// FirstError returns the first blocking issue.
func (r ValidationResult) FirstError() (ValidationError, bool) {
	if len(r.Errors) == 0 {
		return ValidationError{}, false
	}
	return r.Errors[0], true
}

// Summary produces one scannable line. A single issue is shown verbatim;
// several are counted.
func (r ValidationResult) Summary() string {
	ne, nw := len(r.Errors), len(r.Warnings)
	switch {
	case ne == 0 && nw == 0:
		return "Validation passed"
	case ne == 1 && nw == 0:
		return r.Errors[0].Message
	case ne == 0 && nw == 1:
		return "Validation passed with warning: " + r.Warnings[0].Message
	case ne == 0:
		return fmt.Sprintf("Validation passed with %s", plural(nw, "warning"))
	}
	parts := []string{plural(ne, "error")}
	if nw > 0 {
		parts = append(parts, plural(nw, "warning"))
	}
	return "Validation failed with " + strings.Join(parts, " and ")
}

// Merge appends other's issues to r.
func (r *ValidationResult) Merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Infos = append(r.Infos, other.Infos...)
}

func (r *ValidationResult) addError(code Code, msg string, suggestions ...string) *ValidationError {
	r.Errors = append(r.Errors, ValidationError{Code: code, Message: msg, Severity: SeverityError, Suggestions: suggestions})
	return &r.Errors[len(r.Errors)-1]
}

func (r *ValidationResult) addWarning(code Code, msg string, suggestions ...string) *ValidationError {
	r.Warnings = append(r.Warnings, ValidationError{Code: code, Message: msg, Severity: SeverityWarning, Suggestions: suggestions})
	return &r.Warnings[len(r.Warnings)-1]
}

func (r *ValidationResult) addInfo(code Code, msg string) {
	r.Infos = append(r.Infos, ValidationError{Code: code, Message: msg, Severity: SeverityInfo})
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

/*
statemachine.go - Purchase order status workflow

PURPOSE:
  Validates and applies status transitions. The allowed moves are a literal
  table; role rules and approval ceilings are layered on top for the
  approval, cancellation and receiving targets.

TRANSITIONS:
  draft              → pending_approval, cancelled
  pending_approval   → approved, draft, cancelled, rejected
  approved           → sent_to_supplier, partially_received, fully_received, cancelled
  sent_to_supplier   → partially_received, fully_received, cancelled
  partially_received → fully_received
  fully_received     → closed
  cancelled, closed, rejected are terminal

APPROVAL CEILINGS:
  cashier 0, employee 5 000, accountant 15 000, manager 50 000, admin unlimited.
  Only manager and admin may approve at all; the ceiling still applies.

SEE ALSO:
  - order_validation.go: creation-time checks
  - receiving.go: runs only after a receiving transition validates
*/
package purchasing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var transitions = map[Status][]Status{
	StatusDraft:             {StatusPendingApproval, StatusCancelled},
	StatusPendingApproval:   {StatusApproved, StatusDraft, StatusCancelled, StatusRejected},
	StatusApproved:          {StatusSentToSupplier, StatusPartiallyReceived, StatusFullyReceived, StatusCancelled},
	StatusSentToSupplier:    {StatusPartiallyReceived, StatusFullyReceived, StatusCancelled},
	StatusPartiallyReceived: {StatusFullyReceived},
	StatusFullyReceived:     {StatusClosed},
	StatusCancelled:         {},
	StatusClosed:            {},
	StatusRejected:          {},
}

// approvalCeilings maps role to maximum order total. A missing entry means
// unlimited.
var approvalCeilings = map[Role]decimal.Decimal{
	RoleCashier:    decimal.Zero,
	RoleEmployee:   decimal.NewFromInt(5000),
	RoleAccountant: decimal.NewFromInt(15000),
	RoleManager:    decimal.NewFromInt(50000),
}

var (
	approverRoles  = roleSet(RoleManager, RoleAdmin)
	cancellerRoles = roleSet(RoleManager, RoleAdmin)
	receiverRoles  = roleSet(RoleEmployee, RoleManager, RoleAdmin)

	approachingRatio = decimal.NewFromFloat(0.8)
)

func roleSet(roles ...Role) map[Role]bool {
	m := make(map[Role]bool, len(roles))
	for _, r := range roles {
		m[r] = true
	}
	return m
}

// AllowedTargets returns the statuses reachable from s in one step.
func AllowedTargets(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// CanTransition reports whether target is in the table for current.
func CanTransition(current, target Status) bool {
	for _, t := range transitions[current] {
		if t == target {
			return true
		}
	}
	return false
}

// ApprovalCeiling returns the ceiling for role and whether one applies.
func ApprovalCeiling(role Role) (decimal.Decimal, bool) {
	c, ok := approvalCeilings[role]
	return c, ok
}

// ValidateTransition checks a status move for actor. It never mutates order.
func ValidateTransition(current, target Status, actor Actor, order *PurchaseOrder) ValidationResult {
	var r ValidationResult

	if !CanTransition(current, target) {
		r.addError(CodeInvalidStatusTransition,
			fmt.Sprintf("Cannot change status from %s to %s", current, target),
			allowedSuggestion(current))
	}

	switch target {
	case StatusApproved:
		if order != nil {
			validateApproval(&r, actor, order)
		}
	case StatusCancelled:
		validateCancellation(&r, current, actor)
	case StatusPartiallyReceived, StatusFullyReceived:
		ValidateReceivingActor(&r, actor)
	}
	return r
}

// ValidateReceivingActor adds INSUFFICIENT_RECEIVING_PERMISSION when actor
// may not record receipts.
func ValidateReceivingActor(r *ValidationResult, actor Actor) {
	if !receiverRoles[actor.Role] {
		r.addError(CodeInsufficientReceivingPermission,
			fmt.Sprintf("Role %s cannot receive goods", roleName(actor.Role)),
			"Ask an employee, manager or admin to record the receipt")
	}
}

func validateApproval(r *ValidationResult, actor Actor, order *PurchaseOrder) {
	if order.ApprovedBy != "" || order.ApprovedAt != nil {
		r.addError(CodeAlreadyApproved,
			fmt.Sprintf("Order %s was already approved by %s", order.Number, order.ApprovedBy),
			"No further approval is needed")
	}

	if !approverRoles[actor.Role] {
		r.addError(CodeInsufficientApprovalPermission,
			fmt.Sprintf("Role %s cannot approve purchase orders", roleName(actor.Role)),
			"Ask a manager or admin to approve this order")
	}

	if ceiling, limited := approvalCeilings[actor.Role]; limited {
		switch {
		case ceiling.IsZero():
			r.addError(CodeNoApprovalPermission,
				fmt.Sprintf("Role %s has no approval limit", roleName(actor.Role)),
				"Ask a manager or admin to approve this order")
		case order.Total.GreaterThan(ceiling):
			r.addError(CodeApprovalLimitExceeded,
				fmt.Sprintf("Order total %s exceeds approval limit %s for role %s",
					order.Total.StringFixed(2), ceiling.StringFixed(2), roleName(actor.Role)),
				"Ask an admin to approve this order",
				"Split the order into smaller orders")
		case order.Total.GreaterThanOrEqual(ceiling.Mul(approachingRatio)):
			r.addWarning(CodeApproachingApprovalLimit,
				fmt.Sprintf("Order total %s is close to approval limit %s",
					order.Total.StringFixed(2), ceiling.StringFixed(2)))
		}
	}

	if order.CreatedBy != "" && order.CreatedBy == actor.ID {
		if actor.Role == RoleAdmin {
			r.addWarning(CodeSelfApprovalWarning,
				"Approving an order you created",
				"Consider having another approver review this order")
		} else {
			r.addError(CodeSelfApprovalNotAllowed,
				"You cannot approve an order you created",
				"Ask another manager or admin to approve this order")
		}
	}
}

func validateCancellation(r *ValidationResult, current Status, actor Actor) {
	if current == StatusFullyReceived {
		r.addError(CodeCannotCancelReceivedOrder,
			"A fully received order cannot be cancelled",
			"Close the order instead",
			"Return goods through a supplier return")
		return
	}
	if current != StatusDraft && !cancellerRoles[actor.Role] {
		r.addError(CodeInsufficientCancellationPermission,
			fmt.Sprintf("Role %s cannot cancel an order in status %s", roleName(actor.Role), current),
			"Ask a manager or admin to cancel this order")
	}
}

// ApplyTransition validates the move and, only when it is valid, updates
// status and the matching audit timestamp.
func ApplyTransition(order *PurchaseOrder, target Status, actor Actor, now time.Time) ValidationResult {
	r := ValidateTransition(order.Status, target, actor, order)
	if !r.Valid() {
		return r
	}

	t := now
	switch target {
	case StatusApproved:
		order.ApprovedBy = actor.ID
		order.ApprovedAt = &t
	case StatusSentToSupplier:
		order.SentAt = &t
	case StatusFullyReceived:
		order.ReceivedAt = &t
	case StatusCancelled:
		order.CancelledAt = &t
	case StatusClosed:
		order.ClosedAt = &t
	case StatusDraft:
		// Returned for changes: approval state resets.
		order.ApprovedBy = ""
		order.ApprovedAt = nil
	}
	order.Status = target
	order.UpdatedAt = now
	return r
}

func allowedSuggestion(current Status) string {
	targets := transitions[current]
	if len(targets) == 0 {
		return fmt.Sprintf("Status %s is final", current)
	}
	s := "Allowed next statuses: "
	for i, t := range targets {
		if i > 0 {
			s += ", "
		}
		s += string(t)
	}
	return s
}

func roleName(r Role) string {
	if r == "" {
		return "(none)"
	}
	return string(r)
}

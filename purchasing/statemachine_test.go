package purchasing_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/purchasing"
)

var allStatuses = []purchasing.Status{
	purchasing.StatusDraft,
	purchasing.StatusPendingApproval,
	purchasing.StatusApproved,
	purchasing.StatusSentToSupplier,
	purchasing.StatusPartiallyReceived,
	purchasing.StatusFullyReceived,
	purchasing.StatusCancelled,
	purchasing.StatusClosed,
	purchasing.StatusRejected,
}

var admin = purchasing.Actor{ID: "admin-1", Role: purchasing.RoleAdmin}

func pendingOrder(total string) *purchasing.PurchaseOrder {
	return &purchasing.PurchaseOrder{
		ID:        "po-1",
		Number:    "PO-2025-001",
		Status:    purchasing.StatusPendingApproval,
		Total:     d(total),
		CreatedBy: "emp-1",
	}
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestTransitionTable(t *testing.T) {
	allowed := map[purchasing.Status][]purchasing.Status{
		purchasing.StatusDraft:             {purchasing.StatusPendingApproval, purchasing.StatusCancelled},
		purchasing.StatusPendingApproval:   {purchasing.StatusApproved, purchasing.StatusDraft, purchasing.StatusCancelled, purchasing.StatusRejected},
		purchasing.StatusApproved:          {purchasing.StatusSentToSupplier, purchasing.StatusPartiallyReceived, purchasing.StatusFullyReceived, purchasing.StatusCancelled},
		purchasing.StatusSentToSupplier:    {purchasing.StatusPartiallyReceived, purchasing.StatusFullyReceived, purchasing.StatusCancelled},
		purchasing.StatusPartiallyReceived: {purchasing.StatusFullyReceived},
		purchasing.StatusFullyReceived:     {purchasing.StatusClosed},
	}
	for _, s := range allStatuses {
		assert.ElementsMatch(t, allowed[s], purchasing.AllowedTargets(s), s)
	}
	assert.True(t, purchasing.StatusClosed.IsTerminal())
	assert.True(t, purchasing.StatusRejected.IsTerminal())
	assert.False(t, purchasing.StatusDraft.IsTerminal())
	assert.False(t, purchasing.Status("bogus").IsValid())
}

func TestTransitionClosure_InvalidPairsNeverMutate(t *testing.T) {
	// GIVEN: every (current, target) pair outside the table
	// WHEN: applied by an admin
	// THEN: INVALID_STATUS_TRANSITION and the order is untouched

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if purchasing.CanTransition(from, to) {
				continue
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				order := &purchasing.PurchaseOrder{ID: "po-1", Status: from, Total: d("10"), CreatedBy: "emp-1"}
				before := *order

				r := purchasing.ApplyTransition(order, to, admin, time.Now())

				assert.True(t, r.HasCode(purchasing.CodeInvalidStatusTransition))
				assert.False(t, r.Valid())
				assert.Equal(t, before, *order)
			})
		}
	}
}

func TestApplyTransition_SetsTimestamps(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	manager := purchasing.Actor{ID: "mgr-1", Role: purchasing.RoleManager}
	order := pendingOrder("1000")

	r := purchasing.ApplyTransition(order, purchasing.StatusApproved, manager, now)
	require.True(t, r.Valid(), r.Summary())
	assert.Equal(t, purchasing.StatusApproved, order.Status)
	assert.Equal(t, "mgr-1", order.ApprovedBy)
	require.NotNil(t, order.ApprovedAt)
	assert.Equal(t, now, *order.ApprovedAt)

	r = purchasing.ApplyTransition(order, purchasing.StatusSentToSupplier, manager, now)
	require.True(t, r.Valid())
	require.NotNil(t, order.SentAt)
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestApproval_ManagerOverLimit(t *testing.T) {
	// Manager approving 60 000 exceeds the 50 000 ceiling
	manager := purchasing.Actor{ID: "mgr-1", Role: purchasing.RoleManager}
	order := pendingOrder("60000")

	r := purchasing.ValidateTransition(order.Status, purchasing.StatusApproved, manager, order)

	assert.True(t, r.HasCode(purchasing.CodeApprovalLimitExceeded))
	assert.Contains(t, r.Errors[0].Message, "50000.00")
}

func TestApproval_ApproachingLimitWarns(t *testing.T) {
	manager := purchasing.Actor{ID: "mgr-1", Role: purchasing.RoleManager}

	r := purchasing.ValidateTransition(purchasing.StatusPendingApproval, purchasing.StatusApproved, manager, pendingOrder("40000"))
	assert.True(t, r.Valid())
	assert.True(t, r.HasCode(purchasing.CodeApproachingApprovalLimit))

	r = purchasing.ValidateTransition(purchasing.StatusPendingApproval, purchasing.StatusApproved, manager, pendingOrder("39999.99"))
	assert.True(t, r.Valid())
	assert.Empty(t, r.Warnings)
}

func TestApproval_RolesOutsideApproverSetFail(t *testing.T) {
	tests := []struct {
		role purchasing.Role
		want []purchasing.Code
	}{
		{purchasing.RoleCashier, []purchasing.Code{purchasing.CodeInsufficientApprovalPermission, purchasing.CodeNoApprovalPermission}},
		{purchasing.RoleEmployee, []purchasing.Code{purchasing.CodeInsufficientApprovalPermission}},
		{purchasing.RoleAccountant, []purchasing.Code{purchasing.CodeInsufficientApprovalPermission}},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			actor := purchasing.Actor{ID: "x", Role: tt.role}
			r := purchasing.ValidateTransition(purchasing.StatusPendingApproval, purchasing.StatusApproved, actor, pendingOrder("100"))
			assert.Equal(t, tt.want, codes(r.Errors))
		})
	}
}

func TestApproval_AdminUnlimited(t *testing.T) {
	r := purchasing.ValidateTransition(purchasing.StatusPendingApproval, purchasing.StatusApproved, admin, pendingOrder("9999999"))
	assert.True(t, r.Valid())
	assert.Empty(t, r.Warnings)
}

func TestApproval_SelfApproval(t *testing.T) {
	// GIVEN: an order created by the approver
	// WHEN: a manager approves it
	// THEN: blocked; an admin gets a warning instead

	order := pendingOrder("100")
	order.CreatedBy = "mgr-1"
	r := purchasing.ValidateTransition(order.Status, purchasing.StatusApproved,
		purchasing.Actor{ID: "mgr-1", Role: purchasing.RoleManager}, order)
	assert.True(t, r.HasCode(purchasing.CodeSelfApprovalNotAllowed))

	order.CreatedBy = "admin-1"
	r = purchasing.ValidateTransition(order.Status, purchasing.StatusApproved, admin, order)
	assert.True(t, r.Valid())
	assert.True(t, r.HasCode(purchasing.CodeSelfApprovalWarning))
}

func TestApproval_AlreadyApproved(t *testing.T) {
	order := pendingOrder("100")
	now := time.Now()
	order.ApprovedBy, order.ApprovedAt = "mgr-2", &now

	r := purchasing.ValidateTransition(order.Status, purchasing.StatusApproved, admin, order)
	assert.True(t, r.HasCode(purchasing.CodeAlreadyApproved))
}

// =============================================================================
// CANCELLATION AND RECEIVING TARGETS
// =============================================================================

func TestCancellation_FullyReceivedAlwaysFails(t *testing.T) {
	r := purchasing.ValidateTransition(purchasing.StatusFullyReceived, purchasing.StatusCancelled, admin, nil)
	assert.True(t, r.HasCode(purchasing.CodeCannotCancelReceivedOrder))
	assert.True(t, r.HasCode(purchasing.CodeInvalidStatusTransition))
}

func TestCancellation_RequiresManagerOutsideDraft(t *testing.T) {
	employee := purchasing.Actor{ID: "emp-1", Role: purchasing.RoleEmployee}

	r := purchasing.ValidateTransition(purchasing.StatusDraft, purchasing.StatusCancelled, employee, nil)
	assert.True(t, r.Valid())

	r = purchasing.ValidateTransition(purchasing.StatusApproved, purchasing.StatusCancelled, employee, nil)
	assert.Equal(t, []purchasing.Code{purchasing.CodeInsufficientCancellationPermission}, codes(r.Errors))

	r = purchasing.ValidateTransition(purchasing.StatusApproved, purchasing.StatusCancelled,
		purchasing.Actor{ID: "m", Role: purchasing.RoleManager}, nil)
	assert.True(t, r.Valid())
}

func TestReceivingTarget_RoleCheck(t *testing.T) {
	for _, role := range []purchasing.Role{purchasing.RoleCashier, purchasing.RoleAccountant} {
		r := purchasing.ValidateTransition(purchasing.StatusApproved, purchasing.StatusPartiallyReceived,
			purchasing.Actor{ID: "x", Role: role}, nil)
		assert.True(t, r.HasCode(purchasing.CodeInsufficientReceivingPermission), role)
	}
	r := purchasing.ValidateTransition(purchasing.StatusApproved, purchasing.StatusFullyReceived,
		purchasing.Actor{ID: "x", Role: purchasing.RoleEmployee}, nil)
	assert.True(t, r.Valid())
}

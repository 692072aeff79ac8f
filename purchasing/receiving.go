/*
receiving.go - Receiving validation

PURPOSE:
  Decides whether a set of received lines can be booked against an order.
  Runs after the status transition has been validated and before any
  costing happens.

RULES:
  - Order must be approved, sent_to_supplier or partially_received,
    otherwise nothing else is checked
  - remaining = ordered - previously received. Several lines (batches) for
    the same product consume remaining cumulatively in line order
  - Over-receiving is an error unless allowed; when allowed, overshoot above
    the tolerance percentage is a warning only
  - Expired goods block; goods expiring within 30 days and damaged goods warn

SEE ALSO:
  - statemachine.go: receiving target transitions
  - recovery.go: SplitLines applies the same rules line by line
*/
package purchasing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const nearExpiryWindow = 30 * 24 * time.Hour

var hundred = decimal.NewFromInt(100)

var receivableStatuses = map[Status]bool{
	StatusApproved:          true,
	StatusSentToSupplier:    true,
	StatusPartiallyReceived: true,
}

// IsReceivable reports whether goods may be received against s.
func IsReceivable(s Status) bool { return receivableStatuses[s] }

// PrepareLines copies ordered and previously received quantities from the
// order onto each line. Lines for unknown products are left as given.
func PrepareLines(order *PurchaseOrder, lines []ReceivingLineItem) []ReceivingLineItem {
	out := make([]ReceivingLineItem, len(lines))
	for i, l := range lines {
		if item, ok := order.Item(l.ProductID); ok {
			l.OrderedQuantity = item.Quantity
			l.PreviouslyReceived = item.ReceivedQuantity
		}
		if l.Condition == "" {
			l.Condition = ConditionGood
		}
		out[i] = l
	}
	return out
}

// ValidateReceiving checks lines against order.
func ValidateReceiving(order *PurchaseOrder, lines []ReceivingLineItem, rc ReceivingContext) ValidationResult {
	var r ValidationResult

	if !IsReceivable(order.Status) {
		r.addError(CodeInvalidReceivingStatus,
			fmt.Sprintf("Order %s cannot receive goods in status %s", order.Number, order.Status),
			"Only approved, sent or partially received orders can receive goods")
		return r
	}
	if len(lines) == 0 {
		r.addError(CodeNoReceivingLines, "No lines to receive", "Add at least one received product")
		return r
	}

	now := rc.now()
	validateReceivedDate(&r, order, rc.ReceivedDate, now)

	lines = PrepareLines(order, lines)
	inReceipt := make(map[string]decimal.Decimal, len(lines))
	batches := make(map[string]bool, len(lines))

	for i, l := range lines {
		field := fmt.Sprintf("lines[%d]", i)

		if _, ok := order.Item(l.ProductID); !ok {
			e := r.addError(CodeProductNotInOrder,
				fmt.Sprintf("Product %s is not part of order %s", l.ProductID, order.Number),
				"Remove the line or create a separate order for this product")
			e.ProductID, e.Field = l.ProductID, field+".product_id"
			continue
		}

		key := l.ProductID + "\x00" + l.BatchNumber
		if batches[key] {
			e := r.addError(CodeDuplicateReceivingLine,
				fmt.Sprintf("Product %s batch %q appears more than once", l.ProductID, l.BatchNumber),
				"Combine lines for the same batch")
			e.ProductID, e.Field = l.ProductID, field
			continue
		}
		batches[key] = true

		if !l.ReceivedQuantity.IsPositive() {
			e := r.addError(CodeInvalidReceivedQuantity,
				fmt.Sprintf("Received quantity for %s must be greater than zero", l.ProductID),
				"Enter the quantity actually delivered")
			e.ProductID, e.Field = l.ProductID, field+".received_quantity"
		} else {
			remaining := l.Remaining().Sub(inReceipt[l.ProductID])
			inReceipt[l.ProductID] = inReceipt[l.ProductID].Add(l.ReceivedQuantity)
			validateOverReceiving(&r, l, remaining, rc, field)
		}

		validateCondition(&r, l, now, field)

		if l.UnitCost != nil && l.UnitCost.IsNegative() {
			e := r.addError(CodeInvalidUnitCost,
				fmt.Sprintf("Unit cost for %s cannot be negative", l.ProductID),
				"Enter the invoiced unit cost")
			e.ProductID, e.Field = l.ProductID, field+".unit_cost"
		}
	}
	return r
}

func validateOverReceiving(r *ValidationResult, l ReceivingLineItem, remaining decimal.Decimal, rc ReceivingContext, field string) {
	if !l.ReceivedQuantity.GreaterThan(remaining) {
		return
	}
	shown := remaining
	if shown.IsNegative() {
		shown = decimal.Zero
	}

	if !rc.AllowOverReceiving {
		e := r.addError(CodeOverReceiving,
			fmt.Sprintf("Received quantity %s for %s exceeds the remaining quantity", l.ReceivedQuantity.String(), l.ProductID),
			fmt.Sprintf("Receive at most %s (remaining quantity)", shown.String()),
			"Enable over-receiving if the supplier delivered extra units")
		e.ProductID, e.Field = l.ProductID, field+".received_quantity"
		return
	}

	exceeds := true
	pctText := "n/a"
	if remaining.IsPositive() {
		overPct := l.ReceivedQuantity.Sub(remaining).Div(remaining).Mul(hundred)
		exceeds = overPct.GreaterThan(rc.TolerancePercentage)
		pctText = overPct.StringFixed(2) + "%"
	}
	if exceeds {
		w := r.addWarning(CodeOverReceivingToleranceExceeded,
			fmt.Sprintf("Received quantity %s for %s exceeds remaining %s by %s (tolerance %s%%)",
				l.ReceivedQuantity.String(), l.ProductID, shown.String(), pctText, rc.TolerancePercentage.String()),
			"Confirm the extra units with the supplier")
		w.ProductID, w.Field = l.ProductID, field+".received_quantity"
	}
}

func validateCondition(r *ValidationResult, l ReceivingLineItem, now time.Time, field string) {
	expired := false
	switch l.Condition {
	case ConditionGood:
	case ConditionDamaged:
		w := r.addWarning(CodeDamagedGoods,
			fmt.Sprintf("Product %s was received damaged", l.ProductID),
			"Record a supplier claim for the damaged units")
		w.ProductID, w.Field = l.ProductID, field+".condition"
	case ConditionExpired:
		expired = true
	default:
		e := r.addError(CodeInvalidCondition,
			fmt.Sprintf("Unknown condition %q for %s", l.Condition, l.ProductID),
			"Use good, damaged or expired")
		e.ProductID, e.Field = l.ProductID, field+".condition"
	}

	if l.ExpiryDate != nil {
		if !l.ExpiryDate.After(now) {
			expired = true
		} else if l.ExpiryDate.Sub(now) <= nearExpiryWindow {
			days := int(l.ExpiryDate.Sub(now).Hours() / 24)
			w := r.addWarning(CodeNearExpiryProduct,
				fmt.Sprintf("Product %s expires in %d days", l.ProductID, days),
				"Prioritise this batch for sale")
			w.ProductID, w.Field = l.ProductID, field+".expiry_date"
		}
	}

	if expired {
		e := r.addError(CodeExpiredProduct,
			fmt.Sprintf("Product %s is expired", l.ProductID),
			"Reject the batch and request a replacement")
		e.ProductID, e.Field = l.ProductID, field+".expiry_date"
	}
}

func validateReceivedDate(r *ValidationResult, order *PurchaseOrder, received, now time.Time) {
	if received.IsZero() {
		return
	}
	day := truncateDay(received)
	if !order.OrderDate.IsZero() && day.Before(truncateDay(order.OrderDate)) {
		e := r.addError(CodeReceivedDateBeforeOrder,
			"Received date cannot be before the order date",
			"Use a date on or after "+order.OrderDate.Format("2006-01-02"))
		e.Field = "received_date"
	}
	if day.After(truncateDay(now)) {
		e := r.addError(CodeReceivedDateInFuture,
			"Received date cannot be in the future",
			"Use today's date or earlier")
		e.Field = "received_date"
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ReceiptStatus returns the status the order moves to once lines are
// committed.
func ReceiptStatus(order *PurchaseOrder, lines []ReceivingLineItem) Status {
	incoming := make(map[string]decimal.Decimal, len(lines))
	for _, l := range lines {
		incoming[l.ProductID] = incoming[l.ProductID].Add(l.ReceivedQuantity)
	}
	for _, it := range order.Items {
		if it.ReceivedQuantity.Add(incoming[it.ProductID]).LessThan(it.Quantity) {
			return StatusPartiallyReceived
		}
	}
	return StatusFullyReceived
}

package purchasing

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CREATION-TIME VALIDATION
// =============================================================================

var poNumberPattern = regexp.MustCompile(`^PO-\d{4}-\d{3,}$`)

var (
	largeQuantityThreshold = decimal.NewFromInt(10000)
	highValueThreshold     = decimal.NewFromInt(100000)
)

// ValidateNewOrder checks an order before it is saved as a draft.
func ValidateNewOrder(order *PurchaseOrder, now time.Time) ValidationResult {
	var r ValidationResult

	if order.SupplierID == "" {
		e := r.addError(CodeSupplierRequired, "Supplier is required", "Select a supplier for this order")
		e.Field = "supplier_id"
	}
	if len(order.Items) == 0 {
		e := r.addError(CodeItemsRequired, "At least one item is required", "Add a product to the order")
		e.Field = "items"
	}

	if order.Number != "" && !poNumberPattern.MatchString(order.Number) {
		w := r.addWarning(CodeInvalidPONumberFormat,
			fmt.Sprintf("PO number %s does not follow the PO-YYYY-NNN format", order.Number),
			"Use a number like PO-2024-001")
		w.Field = "number"
	}

	if !order.OrderDate.IsZero() {
		if order.ExpectedDeliveryDate != nil && !order.ExpectedDeliveryDate.After(order.OrderDate) {
			e := r.addError(CodeInvalidDeliveryDate,
				"Expected delivery date must be after the order date",
				"Choose a delivery date later than "+order.OrderDate.Format("2006-01-02"))
			e.Field = "expected_delivery_date"
		}
		if order.OrderDate.Before(now.AddDate(-1, 0, 0)) {
			w := r.addWarning(CodeOrderDateTooOld,
				"Order date is more than one year in the past",
				"Check the order date")
			w.Field = "order_date"
		} else if order.OrderDate.After(now.AddDate(1, 0, 0)) {
			w := r.addWarning(CodeOrderDateTooFar,
				"Order date is more than one year in the future",
				"Check the order date")
			w.Field = "order_date"
		}
	}

	validateItems(&r, order.Items)

	if len(order.Items) > 0 {
		itemsTotal := order.ItemsTotal()
		expected := itemsTotal.Add(order.Tax)
		if order.Total.Sub(expected).Abs().GreaterThan(Epsilon) {
			e := r.addError(CodeTotalMismatch,
				fmt.Sprintf("Order total %s does not match item total %s", order.Total.StringFixed(2), expected.StringFixed(2)),
				fmt.Sprintf("Set the total to %s", expected.StringFixed(2)))
			e.Field = "total"
		}
		if !order.Subtotal.IsZero() && order.Subtotal.Sub(itemsTotal).Abs().GreaterThan(Epsilon) {
			e := r.addError(CodeSubtotalMismatch,
				fmt.Sprintf("Subtotal %s does not match item total %s", order.Subtotal.StringFixed(2), itemsTotal.StringFixed(2)),
				fmt.Sprintf("Set the subtotal to %s", itemsTotal.StringFixed(2)))
			e.Field = "subtotal"
		}
	}
	return r
}

func validateItems(r *ValidationResult, items []PurchaseOrderItem) {
	seen := make(map[string]int, len(items))
	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)

		if it.ProductID == "" {
			e := r.addError(CodeProductRequired, fmt.Sprintf("Item %d has no product", i+1), "Select a product")
			e.Field = field + ".product_id"
		} else if first, dup := seen[it.ProductID]; dup {
			e := r.addError(CodeDuplicateProduct,
				fmt.Sprintf("Product %s appears on items %d and %d", it.ProductID, first+1, i+1),
				"Combine the lines into one item")
			e.Field = field + ".product_id"
			e.ProductID = it.ProductID
		} else {
			seen[it.ProductID] = i
		}

		if !it.Quantity.IsPositive() {
			e := r.addError(CodeInvalidItemQuantity,
				fmt.Sprintf("Item %d quantity must be greater than zero", i+1), "Enter a positive quantity")
			e.Field = field + ".quantity"
			e.ProductID = it.ProductID
		} else {
			if !it.Quantity.IsInteger() {
				w := r.addWarning(CodeNonIntegerQuantity,
					fmt.Sprintf("Item %d quantity %s is not a whole number", i+1, it.Quantity.String()),
					"Check the unit of measure")
				w.Field = field + ".quantity"
				w.ProductID = it.ProductID
			}
			if it.Quantity.GreaterThan(largeQuantityThreshold) {
				w := r.addWarning(CodeLargeQuantity,
					fmt.Sprintf("Item %d quantity %s is unusually large", i+1, it.Quantity.String()),
					"Confirm the quantity with the supplier")
				w.Field = field + ".quantity"
				w.ProductID = it.ProductID
			}
		}

		if !it.UnitPrice.IsPositive() {
			e := r.addError(CodeInvalidItemPrice,
				fmt.Sprintf("Item %d unit price must be greater than zero", i+1), "Enter the supplier price")
			e.Field = field + ".unit_price"
			e.ProductID = it.ProductID
		} else if it.Quantity.IsPositive() && it.LineTotal().GreaterThan(highValueThreshold) {
			w := r.addWarning(CodeHighValueItem,
				fmt.Sprintf("Item %d value %s is unusually high", i+1, it.LineTotal().StringFixed(2)),
				"Double-check quantity and unit price")
			w.Field = field
			w.ProductID = it.ProductID
		}
	}
}

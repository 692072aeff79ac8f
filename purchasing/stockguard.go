package purchasing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STOCK GUARD - Pure quantity checks against on-hand stock
// =============================================================================

// StockPolicy configures the guard. A nil MinimumStock disables the
// low-stock warning.
type StockPolicy struct {
	PreventNegative bool
	MinimumStock    *decimal.Decimal
}

// StockRequest asks for Quantity units of ProductID.
type StockRequest struct {
	ProductID string
	Quantity  decimal.Decimal
}

// CheckQuantity validates taking requested units out of current.
func CheckQuantity(current, requested decimal.Decimal, policy StockPolicy) ValidationResult {
	var r ValidationResult

	if !requested.IsPositive() {
		r.addError(CodeInvalidQuantity,
			fmt.Sprintf("Quantity must be greater than zero. Requested: %s", requested.String()),
			"Enter a positive quantity")
		return r
	}

	resulting := current.Sub(requested)
	if current.LessThan(requested) {
		msg := fmt.Sprintf("Insufficient stock. Available: %s, Requested: %s", current.String(), requested.String())
		if policy.PreventNegative {
			r.addError(CodeNegativeStock,
				fmt.Sprintf("Operation would result in negative stock. Available: %s, Requested: %s", current.String(), requested.String()),
				fmt.Sprintf("Reduce the quantity to %s or less", current.String()),
				"Receive more stock before continuing")
		} else {
			r.addError(CodeInsufficientStock, msg,
				fmt.Sprintf("Reduce the quantity to %s or less", current.String()),
				"Check for pending receipts for this product")
		}
		return r
	}

	if policy.MinimumStock != nil && resulting.LessThanOrEqual(*policy.MinimumStock) {
		r.addWarning(CodeLowStock,
			fmt.Sprintf("Stock will be low. Current: %s, After: %s, Minimum: %s",
				current.String(), resulting.String(), policy.MinimumStock.String()),
			"Consider creating a purchase order to replenish this product")
	}
	return r
}

// consolidate sums quantities per product, keeping first-seen order.
func consolidate(requests []StockRequest) ([]string, map[string]decimal.Decimal, map[string]int) {
	order := make([]string, 0, len(requests))
	totals := make(map[string]decimal.Decimal, len(requests))
	counts := make(map[string]int, len(requests))
	for _, req := range requests {
		if _, seen := totals[req.ProductID]; !seen {
			order = append(order, req.ProductID)
			totals[req.ProductID] = decimal.Zero
		}
		totals[req.ProductID] = totals[req.ProductID].Add(req.Quantity)
		counts[req.ProductID]++
	}
	return order, totals, counts
}

// CheckBulk consolidates duplicate products before checking each against
// stock, so two entries that fit alone but not together fail once with the
// combined quantity.
func CheckBulk(requests []StockRequest, stock map[string]decimal.Decimal, policy StockPolicy) ValidationResult {
	var r ValidationResult
	order, totals, _ := consolidate(requests)

	for _, productID := range order {
		current, ok := stock[productID]
		if !ok {
			e := r.addError(CodeProductNotFound,
				fmt.Sprintf("Product %s not found", productID),
				"Verify the product ID")
			e.ProductID = productID
			continue
		}
		one := CheckQuantity(current, totals[productID], policy)
		tagProduct(&one, productID)
		r.Merge(one)
	}
	return r
}

// DetectConcurrentModification flags products referenced more than once in
// one request set whose combined quantity exceeds stock.
func DetectConcurrentModification(requests []StockRequest, stock map[string]decimal.Decimal) ValidationResult {
	var r ValidationResult
	order, totals, counts := consolidate(requests)

	for _, productID := range order {
		if counts[productID] < 2 {
			continue
		}
		current := stock[productID]
		if totals[productID].GreaterThan(current) {
			e := r.addError(CodeConcurrentModification,
				fmt.Sprintf("Product %s is referenced %d times with a combined quantity of %s. Available: %s",
					productID, counts[productID], totals[productID].String(), current.String()),
				"Combine duplicate lines into one",
				fmt.Sprintf("Reduce the combined quantity to %s or less", current.String()))
			e.ProductID = productID
		}
	}
	return r
}

func tagProduct(r *ValidationResult, productID string) {
	for i := range r.Errors {
		r.Errors[i].ProductID = productID
	}
	for i := range r.Warnings {
		r.Warnings[i].ProductID = productID
	}
}

package purchasing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// COSTING - Weighted-average cost after a stock increase
// =============================================================================

// CostResult is the outcome of merging an incoming layer into existing
// stock. Monetary fields are rounded to 2 places; NewStock is exact.
type CostResult struct {
	NewStock               decimal.Decimal
	NewCost                decimal.Decimal
	NewTotalValue          decimal.Decimal
	CostVariance           decimal.Decimal
	CostVariancePercentage decimal.Decimal
}

// WeightedAverage merges incomingQty units at incomingCost into currentStock
// units at currentCost. Intermediate values keep full precision; rounding
// happens once on the way out.
func WeightedAverage(currentStock, currentCost, incomingQty, incomingCost decimal.Decimal) CostResult {
	newStock := currentStock.Add(incomingQty)

	var newCost, totalValue decimal.Decimal
	derived := false
	switch {
	case incomingQty.IsZero():
		newCost = currentCost
		totalValue = currentStock.Mul(currentCost)
	case currentStock.IsZero():
		newCost = incomingCost
		totalValue = incomingQty.Mul(incomingCost)
	case !newStock.IsPositive():
		newCost = decimal.Zero
		totalValue = decimal.Zero
	default:
		totalValue = currentStock.Mul(currentCost).Add(incomingQty.Mul(incomingCost))
		newCost = totalValue.Div(newStock)
		derived = true
	}

	variance := newCost.Sub(currentCost)
	variancePct := decimal.Zero
	if !currentCost.IsZero() {
		variancePct = variance.Div(currentCost).Mul(hundred)
	}

	// Pass-through costs stay exact.
	if derived {
		newCost = newCost.Round(2)
	}
	return CostResult{
		NewStock:               newStock,
		NewCost:                newCost,
		NewTotalValue:          totalValue.Round(2),
		CostVariance:           variance.Round(2),
		CostVariancePercentage: variancePct.Round(2),
	}
}

// ReceiptAdjustment costs a receipt against the current stock level and
// returns the proposed cost result plus the valuation delta, measured as the
// book value at the new rounded cost minus the book value before. The sign
// decides the type: receiving cheap goods into expensive stock can lower the
// book value through rounding of the unit cost.
func ReceiptAdjustment(stock StockLevel, incomingQty, incomingCost decimal.Decimal) (CostResult, ValuationAdjustment) {
	res := WeightedAverage(stock.Quantity, stock.Cost, incomingQty, incomingCost)
	return res, valuationDelta(stock.ProductID, stock.Quantity, stock.Cost, res.NewStock, res.NewCost)
}

// Revaluation values a cost change on unchanged stock.
func Revaluation(productID string, stockQty, oldCost, newCost decimal.Decimal) ValuationAdjustment {
	return valuationDelta(productID, stockQty, oldCost, stockQty, newCost)
}

func valuationDelta(productID string, oldStock, oldCost, newStock, newCost decimal.Decimal) ValuationAdjustment {
	oldValue := oldStock.Mul(oldCost)
	newValue := newStock.Mul(newCost)

	adjType := AdjustmentDecrease
	if newValue.GreaterThan(oldValue) {
		adjType = AdjustmentIncrease
	}
	return ValuationAdjustment{
		ProductID:     productID,
		Type:          adjType,
		OldCost:       oldCost,
		NewCost:       newCost,
		StockQuantity: newStock,
		Amount:        newValue.Sub(oldValue).Round(2),
		NewTotalValue: newValue.Round(2),
	}
}

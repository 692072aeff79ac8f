package purchasing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/procurement-engine/purchasing"
)

func TestWeightedAverage_Scenario(t *testing.T) {
	// 100 @ 10.00 + 50 @ 12.00 → 150 @ 10.67, variance 6.67%
	r := purchasing.WeightedAverage(d("100"), d("10.00"), d("50"), d("12.00"))

	assert.True(t, r.NewStock.Equal(d("150")))
	assert.True(t, r.NewCost.Equal(d("10.67")), r.NewCost.String())
	assert.True(t, r.NewTotalValue.Equal(d("1600")), r.NewTotalValue.String())
	assert.True(t, r.CostVariance.Equal(d("0.67")), r.CostVariance.String())
	assert.True(t, r.CostVariancePercentage.Equal(d("6.67")), r.CostVariancePercentage.String())
}

func TestWeightedAverage_Identities(t *testing.T) {
	tests := []struct {
		stock, cost, qty, incoming string
	}{
		{"0", "0", "5", "3.333"},
		{"0", "7.25", "12", "9.99"},
		{"40", "2.125", "0", "100"},
		{"1", "1", "3", "1"},
		{"17", "4.4", "9", "0"},
	}
	for _, tt := range tests {
		r := purchasing.WeightedAverage(d(tt.stock), d(tt.cost), d(tt.qty), d(tt.incoming))

		assert.True(t, r.NewStock.Equal(d(tt.stock).Add(d(tt.qty))), "newStock = stock + qty")
		if d(tt.qty).IsZero() {
			assert.True(t, r.NewCost.Equal(d(tt.cost)), "no incoming keeps cost exactly")
			assert.True(t, r.CostVariance.IsZero())
		}
		if d(tt.stock).IsZero() && !d(tt.qty).IsZero() {
			assert.True(t, r.NewCost.Equal(d(tt.incoming)), "empty stock takes incoming cost exactly")
		}
	}
}

func TestWeightedAverage_ZeroCurrentCostHasZeroVariancePercentage(t *testing.T) {
	r := purchasing.WeightedAverage(d("10"), d("0"), d("10"), d("4"))
	assert.True(t, r.NewCost.Equal(d("2")))
	assert.True(t, r.CostVariancePercentage.IsZero())
}

func TestReceiptAdjustment_SignFollowsValue(t *testing.T) {
	// GIVEN: 100 units at 10.00
	// WHEN: receiving 1 unit at 0.00 rounds the new cost to 9.90
	// THEN: book value drops, so the adjustment is a decrease

	stock := purchasing.StockLevel{ProductID: "p1", Quantity: d("100"), Cost: d("10")}

	_, adj := purchasing.ReceiptAdjustment(stock, d("1"), d("0"))
	assert.Equal(t, purchasing.AdjustmentDecrease, adj.Type)
	assert.True(t, adj.Amount.IsNegative())
	assert.True(t, adj.NewCost.Equal(d("9.9")))

	_, adj = purchasing.ReceiptAdjustment(stock, d("50"), d("12"))
	assert.Equal(t, purchasing.AdjustmentIncrease, adj.Type)
	assert.True(t, adj.Amount.Equal(d("600.5")), adj.Amount.String())
	assert.True(t, adj.NewTotalValue.Equal(d("1600.5")))
	assert.True(t, adj.StockQuantity.Equal(d("150")))
}

func TestRevaluation(t *testing.T) {
	up := purchasing.Revaluation("p1", d("10"), d("5"), d("6"))
	assert.Equal(t, purchasing.AdjustmentIncrease, up.Type)
	assert.True(t, up.Amount.Equal(d("10")))

	down := purchasing.Revaluation("p1", d("10"), d("6"), d("5"))
	assert.Equal(t, purchasing.AdjustmentDecrease, down.Type)
	assert.True(t, down.Amount.Equal(d("-10")))
}

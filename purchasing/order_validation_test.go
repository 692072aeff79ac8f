package purchasing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/purchasing"
)

var orderNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newOrder() *purchasing.PurchaseOrder {
	delivery := orderNow.AddDate(0, 0, 14)
	return &purchasing.PurchaseOrder{
		ID:                   "po-1",
		Number:               "PO-2025-001",
		SupplierID:           "sup-1",
		OrderDate:            orderNow,
		ExpectedDeliveryDate: &delivery,
		Items: []purchasing.PurchaseOrderItem{
			{ProductID: "p1", Name: "Widget", Quantity: d("10"), UnitPrice: d("50")},
			{ProductID: "p2", Name: "Gadget", Quantity: d("5"), UnitPrice: d("100")},
		},
		Subtotal: d("1000"),
		Total:    d("1000"),
	}
}

func TestValidateNewOrder_Clean(t *testing.T) {
	r := purchasing.ValidateNewOrder(newOrder(), orderNow)
	assert.True(t, r.Valid(), r.Summary())
	assert.Empty(t, r.Warnings)
}

func TestValidateNewOrder_TotalMismatch(t *testing.T) {
	// GIVEN: items summing to 1000
	// WHEN: the supplied total is 1500
	// THEN: TOTAL_MISMATCH is a hard error

	o := newOrder()
	o.Total = d("1500")

	r := purchasing.ValidateNewOrder(o, orderNow)

	require.False(t, r.Valid())
	assert.True(t, r.HasCode(purchasing.CodeTotalMismatch))
}

func TestValidateNewOrder_TotalWithinEpsilon(t *testing.T) {
	o := newOrder()
	o.Total = d("1000.01")
	assert.True(t, purchasing.ValidateNewOrder(o, orderNow).Valid())

	o.Total = d("1000.02")
	assert.False(t, purchasing.ValidateNewOrder(o, orderNow).Valid())
}

func TestValidateNewOrder_TaxIncludedInTotal(t *testing.T) {
	o := newOrder()
	o.Tax = d("70")
	o.Total = d("1070")
	assert.True(t, purchasing.ValidateNewOrder(o, orderNow).Valid())
}

func TestValidateNewOrder_SubtotalMismatch(t *testing.T) {
	o := newOrder()
	o.Subtotal = d("900")
	r := purchasing.ValidateNewOrder(o, orderNow)
	assert.Equal(t, []purchasing.Code{purchasing.CodeSubtotalMismatch}, codes(r.Errors))
}

func TestValidateNewOrder_RequiredFields(t *testing.T) {
	o := &purchasing.PurchaseOrder{OrderDate: orderNow}
	r := purchasing.ValidateNewOrder(o, orderNow)
	assert.ElementsMatch(t, []purchasing.Code{purchasing.CodeSupplierRequired, purchasing.CodeItemsRequired}, codes(r.Errors))
}

func TestValidateNewOrder_DeliveryMustFollowOrderDate(t *testing.T) {
	o := newOrder()
	same := o.OrderDate
	o.ExpectedDeliveryDate = &same
	r := purchasing.ValidateNewOrder(o, orderNow)
	assert.True(t, r.HasCode(purchasing.CodeInvalidDeliveryDate))
}

func TestValidateNewOrder_DateAndNumberWarnings(t *testing.T) {
	o := newOrder()
	o.Number = "ORDER-7"
	o.OrderDate = orderNow.AddDate(-2, 0, 0)
	delivery := o.OrderDate.AddDate(0, 0, 7)
	o.ExpectedDeliveryDate = &delivery

	r := purchasing.ValidateNewOrder(o, orderNow)

	assert.True(t, r.Valid())
	assert.ElementsMatch(t, []purchasing.Code{purchasing.CodeInvalidPONumberFormat, purchasing.CodeOrderDateTooOld}, codes(r.Warnings))

	o.OrderDate = orderNow.AddDate(1, 1, 0)
	delivery = o.OrderDate.AddDate(0, 0, 7)
	r = purchasing.ValidateNewOrder(o, orderNow)
	assert.True(t, r.HasCode(purchasing.CodeOrderDateTooFar))
}

func TestValidateNewOrder_ItemRules(t *testing.T) {
	tests := []struct {
		name   string
		item   purchasing.PurchaseOrderItem
		errors []purchasing.Code
		warns  []purchasing.Code
	}{
		{"zero quantity", purchasing.PurchaseOrderItem{ProductID: "x", Quantity: d("0"), UnitPrice: d("1")},
			[]purchasing.Code{purchasing.CodeInvalidItemQuantity}, nil},
		{"negative price", purchasing.PurchaseOrderItem{ProductID: "x", Quantity: d("1"), UnitPrice: d("-1")},
			[]purchasing.Code{purchasing.CodeInvalidItemPrice}, nil},
		{"fractional quantity", purchasing.PurchaseOrderItem{ProductID: "x", Quantity: d("1.5"), UnitPrice: d("2")},
			nil, []purchasing.Code{purchasing.CodeNonIntegerQuantity}},
		{"large quantity", purchasing.PurchaseOrderItem{ProductID: "x", Quantity: d("10001"), UnitPrice: d("1")},
			nil, []purchasing.Code{purchasing.CodeLargeQuantity}},
		{"high value", purchasing.PurchaseOrderItem{ProductID: "x", Quantity: d("2"), UnitPrice: d("50000.01")},
			nil, []purchasing.Code{purchasing.CodeHighValueItem}},
		{"missing product", purchasing.PurchaseOrderItem{Quantity: d("1"), UnitPrice: d("1")},
			[]purchasing.Code{purchasing.CodeProductRequired}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrder()
			o.Items = []purchasing.PurchaseOrderItem{tt.item}
			o.Subtotal = d("0")
			o.Total = tt.item.LineTotal()

			r := purchasing.ValidateNewOrder(o, orderNow)

			assert.Equal(t, tt.errors, nilIfEmpty(codes(r.Errors)))
			assert.Equal(t, tt.warns, nilIfEmpty(codes(r.Warnings)))
		})
	}
}

func TestValidateNewOrder_DuplicateProduct(t *testing.T) {
	o := newOrder()
	o.Items = append(o.Items, purchasing.PurchaseOrderItem{ProductID: "p1", Quantity: d("1"), UnitPrice: d("1")})
	o.Subtotal = d("0")
	o.Total = d("1001")

	r := purchasing.ValidateNewOrder(o, orderNow)

	require.Equal(t, []purchasing.Code{purchasing.CodeDuplicateProduct}, codes(r.Errors))
	assert.Equal(t, "p1", r.Errors[0].ProductID)
}

func nilIfEmpty(c []purchasing.Code) []purchasing.Code {
	if len(c) == 0 {
		return nil
	}
	return c
}

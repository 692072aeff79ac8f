package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/api"
	"github.com/warp/procurement-engine/purchasing"
	"github.com/warp/procurement-engine/store/sqlite"
)

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type actor struct {
	id   string
	role purchasing.Role
}

var (
	clerk   = actor{"emp-1", purchasing.RoleEmployee}
	boss    = actor{"mgr-1", purchasing.RoleManager}
	cashier = actor{"cash-1", purchasing.RoleCashier}
)

type apiFixture struct {
	router http.Handler
	store  *sqlite.Store
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := func() time.Time { return now }
	svc, err := purchasing.NewReceivingService(purchasing.ServiceDeps{
		Orders:    st,
		Stock:     st,
		Receiving: st,
		Journal:   st,
		Audit:     st,
		Scheduler: st,
		Logger:    zerolog.Nop(),
		Clock:     clock,
	})
	require.NoError(t, err)

	h := api.NewHandler(api.HandlerDeps{Service: svc, Stock: st, History: st, Logger: zerolog.Nop(), Clock: clock})
	return &apiFixture{router: api.NewRouter(h, api.RouterOptions{}), store: st}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, who actor) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderActorID, who.id)
	req.Header.Set(api.HeaderActorRole, string(who.role))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func orderBody(qty, price string) map[string]any {
	return map[string]any{
		"number":      "PO-2025-010",
		"supplier_id": "sup-1",
		"items": []map[string]any{
			{"product_id": "p1", "name": "Widget", "quantity": qty, "unit_price": price},
		},
	}
}

// approved creates an order through the API and drives it to approved.
func (f *apiFixture) approved(t *testing.T, qty, price string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/orders", orderBody(qty, price), clerk)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[api.OrderResponse](t, rec).Order.ID

	for _, step := range []struct {
		target string
		by     actor
	}{{"pending_approval", clerk}, {"approved", boss}} {
		rec = f.do(t, http.MethodPost, "/api/orders/"+id+"/transitions", map[string]string{"target": step.target}, step.by)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	return id
}

func (f *apiFixture) stock(t *testing.T, productID, qty, cost string) {
	t.Helper()
	require.NoError(t, f.store.SetStock(context.Background(), purchasing.StockLevel{
		ProductID: productID,
		Quantity:  decimal.RequireFromString(qty),
		Cost:      decimal.RequireFromString(cost),
	}))
}

// =============================================================================
// ORDER LIFECYCLE
// =============================================================================

func TestAPI_OrderLifecycle(t *testing.T) {
	// GIVEN: 100 units of p1 at 10.00 and an approved order for 50 at 12.00
	f := newAPI(t)
	f.stock(t, "p1", "100", "10")
	id := f.approved(t, "50", "12")

	// WHEN: all 50 are received
	rec := f.do(t, http.MethodPost, "/api/orders/"+id+"/receipts", map[string]any{
		"lines": []map[string]any{{"product_id": "p1", "received_quantity": "50"}},
	}, clerk)

	// THEN: weighted cost 10.67, value increase 600.50 posted, order done
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[api.ReceiptResponse](t, rec)
	require.NotNil(t, resp.Receipt)
	assert.Equal(t, "fully_received", resp.Receipt.NewStatus)
	assert.Equal(t, "fully_received", resp.Order.Status)
	require.Len(t, resp.Costs, 1)
	assert.Equal(t, "150", resp.Costs[0].NewStock)
	assert.Equal(t, "10.67", resp.Costs[0].NewCost)
	assert.Equal(t, "600.50", resp.Costs[0].Adjustment)
	require.NotNil(t, resp.Posting)
	require.NotNil(t, resp.Posting.Entry)
	assert.Equal(t, "posted", resp.Posting.Entry.Status)
	assert.Equal(t, "600.50", resp.Posting.Entry.TotalDebit)
	assert.Equal(t, "600.50", resp.Posting.Entry.TotalCredit)

	// AND: history endpoints agree
	rec = f.do(t, http.MethodGet, "/api/orders/"+id+"/receipts", nil, clerk)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.ReceiptDTO](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/orders/"+id+"/journal", nil, clerk)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]api.JournalEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Lines, 2)

	rec = f.do(t, http.MethodGet, "/api/orders/"+id+"/audit", nil, clerk)
	require.Equal(t, http.StatusOK, rec.Code)
	actions := []string{}
	for _, a := range decodeBody[[]api.AuditDTO](t, rec) {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, "order.created")
	assert.Contains(t, actions, "receiving.committed")

	rec = f.do(t, http.MethodGet, "/api/orders/"+id, nil, clerk)
	require.Equal(t, http.StatusOK, rec.Code)
	order := decodeBody[api.OrderDTO](t, rec)
	assert.Equal(t, []string{"closed"}, order.AllowedTransitions)
	assert.True(t, order.Items[0].ReceivedQuantity.Equal(decimal.NewFromInt(50)))
}

func TestAPI_CreateOrderFillsTotals(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/orders", orderBody("4", "2.50"), clerk)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[api.OrderResponse](t, rec)
	assert.Equal(t, "draft", resp.Order.Status)
	assert.Equal(t, "10.00", resp.Order.Total)
	assert.Equal(t, "emp-1", resp.Order.CreatedBy)
	assert.ElementsMatch(t, []string{"pending_approval", "cancelled"}, resp.Order.AllowedTransitions)
	assert.True(t, resp.Validation.Valid)
}

func TestAPI_CreateOrderValidationFailure(t *testing.T) {
	// GIVEN: an order without supplier
	f := newAPI(t)
	body := orderBody("1", "5")
	delete(body, "supplier_id")

	rec := f.do(t, http.MethodPost, "/api/orders", body, clerk)

	// THEN: 422 with the full validation result
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, purchasing.CodeSupplierRequired, resp.Code)
	assert.Equal(t, "Supplier is required", resp.Error)
	require.NotNil(t, resp.Validation)
	assert.False(t, resp.Validation.Valid)
	assert.Equal(t, "supplier_id", resp.Validation.Errors[0].Field)
}

func TestAPI_ValidateOrderDoesNotSave(t *testing.T) {
	f := newAPI(t)
	body := orderBody("1", "5")
	body["number"] = "ORDER-7"

	rec := f.do(t, http.MethodPost, "/api/orders/validate", body, clerk)

	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeBody[api.ValidationDTO](t, rec)
	assert.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
	assert.Equal(t, purchasing.CodeInvalidPONumberFormat, v.Warnings[0].Code)
	assert.Equal(t, "Validation passed with warning: "+v.Warnings[0].Message, v.Summary)
}

func TestAPI_GetOrderNotFound(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/api/orders/missing", nil, clerk)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_BadBodies(t *testing.T) {
	f := newAPI(t)

	// Malformed JSON
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing required field
	rec = f.do(t, http.MethodPost, "/api/orders/x/transitions", map[string]string{}, boss)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, "required", resp.Fields["TransitionRequest.Target"])

	// Unknown status
	rec = f.do(t, http.MethodPost, "/api/orders/x/transitions", map[string]string{"target": "shipped"}, boss)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// FAILURES WITH RECOVERY
// =============================================================================

func TestAPI_InvalidTransitionCarriesRecovery(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/orders", orderBody("1", "5"), clerk)
	id := decodeBody[api.OrderResponse](t, rec).Order.ID

	// WHEN: skipping straight from draft to approved
	rec = f.do(t, http.MethodPost, "/api/orders/"+id+"/transitions", map[string]string{"target": "approved"}, boss)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, purchasing.CodeInvalidStatusTransition, resp.Code)
	require.NotNil(t, resp.Recovery)
	assert.Equal(t, purchasing.CodeInvalidStatusTransition, resp.Recovery.ErrorCode)
	require.NotEmpty(t, resp.Validation.Errors[0].Suggestions)
}

func TestAPI_ReceiveWithoutPermission(t *testing.T) {
	f := newAPI(t)
	f.stock(t, "p1", "0", "0")
	id := f.approved(t, "5", "3")

	rec := f.do(t, http.MethodPost, "/api/orders/"+id+"/receipts", map[string]any{
		"lines": []map[string]any{{"product_id": "p1", "received_quantity": "5"}},
	}, cashier)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, purchasing.CodeInsufficientReceivingPermission, resp.Code)
	require.NotNil(t, resp.Validation)

	rec = f.do(t, http.MethodGet, "/api/orders/"+id+"/receipts", nil, clerk)
	assert.Empty(t, decodeBody[[]api.ReceiptDTO](t, rec))
}

func TestAPI_OverReceivingIsRejected(t *testing.T) {
	// GIVEN: 10 ordered, over-receiving not allowed
	f := newAPI(t)
	f.stock(t, "p1", "100", "10")
	id := f.approved(t, "10", "10")

	// WHEN: 14 arrive
	rec := f.do(t, http.MethodPost, "/api/orders/"+id+"/receipts", map[string]any{
		"lines": []map[string]any{{"product_id": "p1", "received_quantity": "14"}},
	}, clerk)

	// THEN: the validation failure comes back with a recovery that booked
	// nothing and flags the line for review
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, purchasing.CodeOverReceiving, resp.Code)
	require.NotNil(t, resp.Recovery)
	assert.Equal(t, string(purchasing.ActionPartial), resp.Recovery.Action)
	assert.False(t, resp.Recovery.Success)
	assert.True(t, resp.Recovery.RequiresManualIntervention)
	assert.Empty(t, resp.Recovery.ProcessedItems)
	require.Len(t, resp.Recovery.FailedItems, 1)
	assert.Equal(t, "p1", resp.Recovery.FailedItems[0].ProductID)

	rec = f.do(t, http.MethodGet, "/api/orders/"+id, nil, clerk)
	assert.Equal(t, "approved", decodeBody[api.OrderDTO](t, rec).Status)
	rec = f.do(t, http.MethodGet, "/api/orders/"+id+"/receipts", nil, clerk)
	assert.Empty(t, decodeBody[[]api.ReceiptDTO](t, rec))
}

// =============================================================================
// TOOLS
// =============================================================================

func TestAPI_CheckStock(t *testing.T) {
	tests := []struct {
		name            string
		preventNegative bool
		shortfall       purchasing.Code
	}{
		{"insufficient", false, purchasing.CodeInsufficientStock},
		{"prevent negative", true, purchasing.CodeNegativeStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: 5 units of p1
			f := newAPI(t)
			f.stock(t, "p1", "5", "1")

			// WHEN: p1 is requested twice (3 + 4) and p9 once
			rec := f.do(t, http.MethodPost, "/api/stock/check", map[string]any{
				"requests": []map[string]any{
					{"product_id": "p1", "quantity": "3"},
					{"product_id": "p1", "quantity": "4"},
					{"product_id": "p9", "quantity": "1"},
				},
				"prevent_negative": tt.preventNegative,
			}, clerk)

			// THEN
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			v := decodeBody[api.ValidationDTO](t, rec)
			assert.False(t, v.Valid)
			codes := map[purchasing.Code]bool{}
			for _, e := range v.Errors {
				codes[e.Code] = true
			}
			assert.True(t, codes[tt.shortfall])
			assert.True(t, codes[purchasing.CodeConcurrentModification])
			assert.True(t, codes[purchasing.CodeProductNotFound])
		})
	}
}

func TestAPI_CheckStockRequiresRequests(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/stock/check", map[string]any{"requests": []any{}}, clerk)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_WeightedAverage(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/costing/weighted-average", map[string]any{
		"current_stock": "100", "current_cost": "10",
		"incoming_quantity": 50, "incoming_cost": "12",
	}, clerk)

	require.Equal(t, http.StatusOK, rec.Code)
	c := decodeBody[api.CostDTO](t, rec)
	assert.Equal(t, "150", c.NewStock)
	assert.Equal(t, "10.67", c.NewCost)
	assert.Equal(t, "1600.00", c.NewTotalValue)
}

func TestAPI_Healthz(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, clerk)
	assert.Equal(t, http.StatusOK, rec.Code)
}

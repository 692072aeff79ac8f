package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/purchasing"
	"github.com/warp/procurement-engine/store/sqlite"
)

var now = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func approvedOrder() *purchasing.PurchaseOrder {
	delivery := now.AddDate(0, 0, 7)
	return &purchasing.PurchaseOrder{
		ID:                   "po-1",
		Number:               "PO-2025-001",
		SupplierID:           "sup-1",
		Status:               purchasing.StatusApproved,
		OrderDate:            now.AddDate(0, 0, -7),
		ExpectedDeliveryDate: &delivery,
		Items: []purchasing.PurchaseOrderItem{
			{ProductID: "p1", Name: "Widget", Quantity: d("50"), UnitPrice: d("12")},
			{ProductID: "p2", Name: "Gadget", Quantity: d("4"), UnitPrice: d("2.50")},
		},
		Subtotal:  d("610"),
		Total:     d("610"),
		CreatedBy: "emp-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// ORDERS AND STOCK
// =============================================================================

func TestOrderRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))
	assert.ErrorIs(t, s.SaveOrder(ctx, approvedOrder()), purchasing.ErrInvalidInput)

	got, err := s.GetOrder(ctx, "po-1")
	require.NoError(t, err)
	assert.Equal(t, "PO-2025-001", got.Number)
	assert.Equal(t, purchasing.StatusApproved, got.Status)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "p1", got.Items[0].ProductID)
	assert.True(t, got.Items[1].UnitPrice.Equal(d("2.5")))
	require.NotNil(t, got.ExpectedDeliveryDate)
	assert.True(t, got.ExpectedDeliveryDate.Equal(now.AddDate(0, 0, 7)))
	assert.Nil(t, got.ApprovedAt)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, purchasing.ErrNotFound)
}

func TestUpdateOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))

	o, _ := s.GetOrder(ctx, "po-1")
	o.Status = purchasing.StatusSentToSupplier
	sent := now
	o.SentAt = &sent
	require.NoError(t, s.UpdateOrder(ctx, o, purchasing.StatusApproved))

	got, _ := s.GetOrder(ctx, "po-1")
	assert.Equal(t, purchasing.StatusSentToSupplier, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(now))

	o.ID = "missing"
	assert.ErrorIs(t, s.UpdateOrder(ctx, o, purchasing.StatusApproved), purchasing.ErrNotFound)
}

func TestUpdateOrder_StatusMovedIsConcurrentModification(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))

	// GIVEN: a snapshot taken while the order was approved
	snapshot, _ := s.GetOrder(ctx, "po-1")

	// AND: the order has since moved to sent_to_supplier
	sent := snapshot.Clone()
	sent.Status = purchasing.StatusSentToSupplier
	require.NoError(t, s.UpdateOrder(ctx, sent, purchasing.StatusApproved))

	// WHEN: the stale snapshot is written back expecting approved
	snapshot.Status = purchasing.StatusCancelled
	err := s.UpdateOrder(ctx, snapshot, purchasing.StatusApproved)

	// THEN: the write is refused and the newer status stays
	assert.ErrorIs(t, err, purchasing.ErrConcurrentModification)
	got, _ := s.GetOrder(ctx, "po-1")
	assert.Equal(t, purchasing.StatusSentToSupplier, got.Status)
}

func TestStockVersioning(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetStock(ctx, "p1")
	assert.ErrorIs(t, err, purchasing.ErrNotFound)

	require.NoError(t, s.SetStock(ctx, purchasing.StockLevel{ProductID: "p1", Quantity: d("100"), Cost: d("10")}))
	level, err := s.GetStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), level.Version)

	// Stale version is rejected
	stale := level
	stale.Version = 7
	assert.ErrorIs(t, s.SetStock(ctx, stale), purchasing.ErrConcurrentModification)

	// Creating an existing row is rejected
	assert.ErrorIs(t, s.SetStock(ctx, purchasing.StockLevel{ProductID: "p1"}), purchasing.ErrConcurrentModification)

	level.Quantity = d("90")
	require.NoError(t, s.SetStock(ctx, level))
	level, _ = s.GetStock(ctx, "p1")
	assert.Equal(t, int64(2), level.Version)
	assert.True(t, level.Quantity.Equal(d("90")))
}

// =============================================================================
// RECEIVING PIPELINE ON SQLITE
// =============================================================================

func newService(t *testing.T, s *sqlite.Store) *purchasing.ReceivingService {
	t.Helper()
	svc, err := purchasing.NewReceivingService(purchasing.ServiceDeps{
		Orders: s, Stock: s, Receiving: s, Journal: s, Audit: s, Scheduler: s,
		Logger: zerolog.Nop(),
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, err)
	return svc
}

func TestReceive_CommitsAtomically(t *testing.T) {
	// GIVEN: 100 units at 10.00 and an approved order
	// WHEN: 50 units of p1 arrive at 12.00
	// THEN: stock, order items, status, receipt and journal are all persisted

	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))
	require.NoError(t, s.SetStock(ctx, purchasing.StockLevel{ProductID: "p1", Quantity: d("100"), Cost: d("10")}))

	svc := newService(t, s)
	out, err := svc.Receive(ctx, purchasing.ReceiveCommand{
		OrderID: "po-1",
		Lines:   []purchasing.ReceivingLineItem{{ProductID: "p1", ReceivedQuantity: d("50"), BatchNumber: "B-7"}},
		Actor:   purchasing.Actor{ID: "emp-2", Role: purchasing.RoleEmployee},
	})
	require.NoError(t, err)
	assert.Equal(t, purchasing.StatusPartiallyReceived, out.Order.Status)

	level, _ := s.GetStock(ctx, "p1")
	assert.True(t, level.Quantity.Equal(d("150")))
	assert.True(t, level.Cost.Equal(d("10.67")))

	received, err := s.ReceivedQuantities(ctx, "po-1")
	require.NoError(t, err)
	assert.True(t, received["p1"].Equal(d("50")))
	assert.True(t, received["p2"].IsZero())

	receipts, err := s.Receipts(ctx, "po-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "B-7", receipts[0].Lines[0].BatchNumber)
	assert.Equal(t, purchasing.ConditionGood, receipts[0].Lines[0].Condition)

	entries, err := s.EntriesFor(ctx, "po-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry, lines, err := s.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, purchasing.EntryPosted, entry.Status)
	require.Len(t, lines, 2)
	assert.True(t, entry.TotalDebit.Equal(entry.TotalCredit))

	trail, err := s.AuditTrail(ctx, "purchase_order", "po-1")
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "receiving.committed", trail[len(trail)-1].Action)
}

func TestCommitReceipt_StaleExpectationWritesNothing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))

	err := s.CommitReceipt(ctx, purchasing.Receipt{
		ID:          "r-1",
		OrderID:     "po-1",
		Lines:       []purchasing.ReceivingLineItem{{ProductID: "p1", ReceivedQuantity: d("5"), Condition: purchasing.ConditionGood}},
		ReceivedAt:  now,
		Expected:    map[string]decimal.Decimal{"p1": d("3")},
		Stock:       []purchasing.StockLevel{{ProductID: "p1", Quantity: d("5"), Cost: d("12")}},
		PriorStatus: purchasing.StatusApproved,
		NewStatus:   purchasing.StatusPartiallyReceived,
	})

	var stale *purchasing.StaleReceiptError
	require.ErrorAs(t, err, &stale)
	assert.ErrorIs(t, err, purchasing.ErrConcurrentModification)

	_, err = s.GetStock(ctx, "p1")
	assert.ErrorIs(t, err, purchasing.ErrNotFound)
	receipts, _ := s.Receipts(ctx, "po-1")
	assert.Empty(t, receipts)
}

func TestCommitReceipt_StatusMovedIsConcurrentModification(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))

	err := s.CommitReceipt(ctx, purchasing.Receipt{
		ID: "r-1", OrderID: "po-1", ReceivedAt: now,
		PriorStatus: purchasing.StatusSentToSupplier,
		NewStatus:   purchasing.StatusPartiallyReceived,
	})
	assert.ErrorIs(t, err, purchasing.ErrConcurrentModification)
}

func TestRevertReceipt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))
	require.NoError(t, s.SetStock(ctx, purchasing.StockLevel{ProductID: "p1", Quantity: d("100"), Cost: d("10")}))
	prior, _ := s.GetStock(ctx, "p1")

	require.NoError(t, s.CommitReceipt(ctx, purchasing.Receipt{
		ID:      "r-1",
		OrderID: "po-1",
		Lines: []purchasing.ReceivingLineItem{
			{ProductID: "p1", ReceivedQuantity: d("50"), Condition: purchasing.ConditionGood},
			{ProductID: "p2", ReceivedQuantity: d("4"), Condition: purchasing.ConditionGood},
		},
		ReceivedAt: now,
		Expected:   map[string]decimal.Decimal{"p1": d("0"), "p2": d("0")},
		Stock: []purchasing.StockLevel{
			{ProductID: "p1", Quantity: d("150"), Cost: d("10.67"), Version: 1},
			{ProductID: "p2", Quantity: d("4"), Cost: d("2.5")},
		},
		PriorStock:  []purchasing.StockLevel{prior, {ProductID: "p2", Quantity: d("0"), Cost: d("0")}},
		PriorStatus: purchasing.StatusApproved,
		NewStatus:   purchasing.StatusFullyReceived,
	}))

	o, _ := s.GetOrder(ctx, "po-1")
	assert.Equal(t, purchasing.StatusFullyReceived, o.Status)
	require.NotNil(t, o.ReceivedAt)

	require.NoError(t, s.RevertReceipt(ctx, "r-1"))

	o, _ = s.GetOrder(ctx, "po-1")
	assert.Equal(t, purchasing.StatusApproved, o.Status)
	assert.Nil(t, o.ReceivedAt)
	assert.True(t, o.Items[0].ReceivedQuantity.IsZero())

	level, _ := s.GetStock(ctx, "p1")
	assert.True(t, level.Quantity.Equal(d("100")))
	assert.Equal(t, int64(3), level.Version, "revert bumps the version")
	_, err := s.GetStock(ctx, "p2")
	assert.ErrorIs(t, err, purchasing.ErrNotFound)

	assert.ErrorIs(t, s.RevertReceipt(ctx, "r-1"), purchasing.ErrNotFound)
}

func TestRevertReceipt_LaterStockWriteIsKept(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveOrder(ctx, approvedOrder()))
	require.NoError(t, s.SetStock(ctx, purchasing.StockLevel{ProductID: "p1", Quantity: d("100"), Cost: d("10")}))
	prior, _ := s.GetStock(ctx, "p1")

	// GIVEN: a committed receipt for p1
	require.NoError(t, s.CommitReceipt(ctx, purchasing.Receipt{
		ID:          "r-1",
		OrderID:     "po-1",
		Lines:       []purchasing.ReceivingLineItem{{ProductID: "p1", ReceivedQuantity: d("5"), Condition: purchasing.ConditionGood}},
		ReceivedAt:  now,
		Expected:    map[string]decimal.Decimal{"p1": d("0")},
		Stock:       []purchasing.StockLevel{{ProductID: "p1", Quantity: d("105"), Cost: d("10"), Version: prior.Version}},
		PriorStock:  []purchasing.StockLevel{prior},
		PriorStatus: purchasing.StatusApproved,
		NewStatus:   purchasing.StatusPartiallyReceived,
	}))

	// AND: another write to p1 after the commit
	level, _ := s.GetStock(ctx, "p1")
	level.Quantity = d("125")
	require.NoError(t, s.SetStock(ctx, level))

	// WHEN: the receipt is reverted
	err := s.RevertReceipt(ctx, "r-1")

	// THEN: nothing is restored and the receipt is still there
	assert.ErrorIs(t, err, purchasing.ErrConcurrentModification)
	got, _ := s.GetStock(ctx, "p1")
	assert.True(t, got.Quantity.Equal(d("125")))
	o, _ := s.GetOrder(ctx, "po-1")
	assert.Equal(t, purchasing.StatusPartiallyReceived, o.Status)
	receipts, _ := s.Receipts(ctx, "po-1")
	assert.Len(t, receipts, 1)
}

// =============================================================================
// JOURNAL
// =============================================================================

func TestMarkPosted_RejectsUnbalanced(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEntry(ctx, purchasing.JournalEntry{
		ID: "je-1", ReferenceType: purchasing.RefManualAdjustment, Status: purchasing.EntryDraft, CreatedAt: now,
	}))
	require.NoError(t, s.InsertLines(ctx, []purchasing.JournalEntryLine{
		{ID: "l-1", EntryID: "je-1", AccountCode: "1300", Debit: d("100"), Credit: d("0")},
		{ID: "l-2", EntryID: "je-1", AccountCode: "5300", Debit: d("0"), Credit: d("90")},
	}))

	err := s.MarkPosted(ctx, "je-1", now)
	assert.ErrorIs(t, err, purchasing.ErrUnbalancedEntry)

	entry, _, err := s.GetEntry(ctx, "je-1")
	require.NoError(t, err)
	assert.Equal(t, purchasing.EntryDraft, entry.Status)

	require.NoError(t, s.InsertLines(ctx, []purchasing.JournalEntryLine{
		{ID: "l-3", EntryID: "je-1", AccountCode: "5300", Debit: d("0"), Credit: d("10")},
	}))
	require.NoError(t, s.MarkPosted(ctx, "je-1", now))
	assert.ErrorIs(t, s.MarkPosted(ctx, "je-1", now), purchasing.ErrInvalidInput, "posted exactly once")
}

func TestInsertLines_UnknownEntry(t *testing.T) {
	s := newStore(t)
	err := s.InsertLines(context.Background(), []purchasing.JournalEntryLine{{ID: "l", EntryID: "nope", AccountCode: "1300", Debit: d("1"), Credit: d("0")}})
	assert.ErrorIs(t, err, purchasing.ErrNotFound)
}

// =============================================================================
// DEFERRED OPERATIONS
// =============================================================================

func TestSchedulerQueue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, at := range []time.Time{now.Add(2 * time.Hour), now.Add(time.Hour), now.Add(90 * time.Minute)} {
		_, err := s.Enqueue(ctx, purchasing.DeferredOperation{
			ID:            []string{"a", "b", "c"}[i],
			OperationType: purchasing.OpReceiving,
			Payload: purchasing.RecoveryPayload{
				OrderID: "po-1",
				Lines:   []purchasing.ReceivingLineItem{{ProductID: "p1", ReceivedQuantity: d("2.5")}},
				Actor:   purchasing.Actor{ID: "emp-1", Role: purchasing.RoleEmployee},
			},
			ScheduledFor: at,
			Attempt:      2,
			ErrorCode:    purchasing.CodeDatabaseError,
			CreatedAt:    now,
		})
		require.NoError(t, err)
	}

	due, err := s.Due(ctx, now.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "b", due[0].ID)
	assert.Equal(t, "c", due[1].ID)
	assert.Equal(t, purchasing.CodeDatabaseError, due[0].ErrorCode)
	assert.True(t, due[0].Payload.Lines[0].ReceivedQuantity.Equal(d("2.5")))
	assert.Equal(t, purchasing.RoleEmployee, due[0].Payload.Actor.Role)

	require.NoError(t, s.Complete(ctx, "b"))
	due, _ = s.Due(ctx, now.Add(3*time.Hour), 1)
	require.Len(t, due, 1)
	assert.Equal(t, "c", due[0].ID)
}

func TestInMemoryDatabase(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveOrder(context.Background(), approvedOrder()))
	_, err = s.GetOrder(context.Background(), "po-1")
	assert.NoError(t, err)
}

/*
store.go - Collaborator interfaces consumed by the engine

PURPOSE:
  The engine does no I/O of its own outside these interfaces. Adapters live
  in store/sqlite (durable), store/redisqueue (deferred work) and
  purchasing/store (in-memory, for tests and local runs).

CONCURRENCY CONTRACT:
  ReceivingStore.CommitReceipt is the only write on the receiving path and
  must be atomic. It re-checks the previously received quantity of every
  product and the version of every stock level it touches; if either moved,
  nothing is written and ErrConcurrentModification is returned.

APPEND-ONLY:
  Receipt lines and journal lines are never updated. An entry moves from
  draft to posted exactly once through MarkPosted, which must refuse an
  unbalanced entry on its own.

SEE ALSO:
  - service.go: the pipeline that drives these collaborators
  - store/sqlite/sqlite.go: SQLite implementation
*/
package purchasing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ORDERS
// =============================================================================

type OrderStore interface {
	SaveOrder(ctx context.Context, order *PurchaseOrder) error

	// GetOrder returns ErrNotFound for unknown IDs.
	GetOrder(ctx context.Context, id string) (*PurchaseOrder, error)

	// UpdateOrder persists status and audit fields if the stored status is
	// still expected, otherwise it returns ErrConcurrentModification. Items
	// are owned by receipts and are not rewritten here.
	UpdateOrder(ctx context.Context, order *PurchaseOrder, expected Status) error
}

// =============================================================================
// STOCK
// =============================================================================

type StockStore interface {
	// GetStock returns ErrNotFound when the product has never been stocked.
	GetStock(ctx context.Context, productID string) (StockLevel, error)

	// SetStock writes level if the stored version still equals level.Version,
	// then bumps the version. A product with no row accepts Version 0.
	SetStock(ctx context.Context, level StockLevel) error
}

// =============================================================================
// RECEIVING
// =============================================================================

// Receipt is one committed receiving event.
type Receipt struct {
	ID         string
	OrderID    string
	Lines      []ReceivingLineItem
	ReceivedBy string
	ReceivedAt time.Time

	// Expected is the previously received quantity per product as read
	// before validation; the commit fails if storage disagrees.
	Expected map[string]decimal.Decimal

	// Stock holds the proposed levels. Version is the version that was read.
	Stock []StockLevel

	// PriorStock is the levels as read, used to reverse the receipt.
	PriorStock []StockLevel

	PriorStatus Status
	NewStatus   Status
}

type ReceivingStore interface {
	// ReceivedQuantities returns cumulative received quantity per product.
	ReceivedQuantities(ctx context.Context, orderID string) (map[string]decimal.Decimal, error)

	// CommitReceipt atomically appends the lines, adds them to the order
	// items, writes the stock levels and sets the order status.
	CommitReceipt(ctx context.Context, receipt Receipt) error

	// RevertReceipt undoes a committed receipt: stock goes back to the prior
	// levels, the receipt lines are removed and the prior status restored.
	// It returns ErrConcurrentModification, writing nothing, when a stock
	// level or the order status moved on since the commit.
	RevertReceipt(ctx context.Context, receiptID string) error
}

// =============================================================================
// JOURNAL
// =============================================================================

type JournalStore interface {
	InsertEntry(ctx context.Context, entry JournalEntry) error
	InsertLines(ctx context.Context, lines []JournalEntryLine) error

	// MarkPosted moves a draft entry to posted. It recomputes the totals from
	// the stored lines and returns ErrUnbalancedEntry if they differ.
	MarkPosted(ctx context.Context, entryID string, at time.Time) error

	GetEntry(ctx context.Context, entryID string) (JournalEntry, []JournalEntryLine, error)
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditRecord struct {
	ID         string
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	Before     any
	After      any
	Metadata   map[string]any
	At         time.Time
}

// AuditLog is best effort. Callers log failures and carry on.
type AuditLog interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// =============================================================================
// DEFERRED WORK
// =============================================================================

// DeferredOperation is a queued retry handed to the scheduler.
type DeferredOperation struct {
	ID            string
	OperationType OperationType
	Payload       RecoveryPayload
	ScheduledFor  time.Time
	Attempt       int
	ErrorCode     Code
	CreatedAt     time.Time
}

type Scheduler interface {
	// Enqueue stores op and returns its queue ID.
	Enqueue(ctx context.Context, op DeferredOperation) (string, error)

	// Due returns up to limit operations scheduled at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]DeferredOperation, error)

	// Complete removes a finished operation.
	Complete(ctx context.Context, id string) error
}

// Backend groups the durable collaborators one database provides.
type Backend interface {
	OrderStore
	StockStore
	ReceivingStore
	JournalStore
	AuditLog
}

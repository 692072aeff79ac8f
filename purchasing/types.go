/*
Package purchasing provides the purchase-order receiving, costing and recovery engine.

PURPOSE:
  This package holds the algorithmic core of purchasing: the order status
  workflow with its approval limits, reconciliation of received goods against
  ordered quantities, weighted-average costing, double-entry posting of the
  resulting value changes, and classification of failures into a bounded
  recovery plan. Persistence, audit storage and scheduling are collaborators
  defined in store.go and implemented elsewhere.

KEY CONCEPTS IN THIS FILE (types.go):
  - PurchaseOrder / PurchaseOrderItem: what was ordered, at what price
  - ReceivingLineItem: one line of one receiving event (append-only)
  - StockLevel: on-hand quantity and weighted-average cost of a product
  - ValuationAdjustment: transient value delta handed from costing to posting
  - JournalEntry / JournalEntryLine: balanced debit/credit lines

DESIGN PRINCIPLES:
  1. Precision: all money and quantities use decimal.Decimal
  2. Purity: validators and costing never perform I/O
  3. Tables over hierarchies: transitions, ceilings, accounts and recovery
     strategies are literal data
  4. Immutability: receiving lines and posted entries are never edited

SEE ALSO:
  - validation.go: ValidationError / ValidationResult shapes
  - statemachine.go: status transitions and approval rules
  - receiving.go: receiving validation
  - costing.go: weighted-average computation
  - ledger.go: journal posting
  - recovery.go: failure classification and recovery actions
*/
package purchasing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the tolerance used for every monetary equality check.
var Epsilon = decimal.New(1, -2)

// =============================================================================
// ORDER STATUS
// =============================================================================

type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingApproval   Status = "pending_approval"
	StatusApproved          Status = "approved"
	StatusSentToSupplier    Status = "sent_to_supplier"
	StatusPartiallyReceived Status = "partially_received"
	StatusFullyReceived     Status = "fully_received"
	StatusCancelled         Status = "cancelled"
	StatusClosed            Status = "closed"
	StatusRejected          Status = "rejected"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleCashier    Role = "cashier"
	RoleEmployee   Role = "employee"
	RoleAccountant Role = "accountant"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

// Actor is whoever asks for an operation. Authentication happens upstream;
// the engine trusts the ID and role it is given.
type Actor struct {
	ID   string
	Role Role
}

// =============================================================================
// PURCHASE ORDER
// =============================================================================

type PurchaseOrder struct {
	ID         string
	Number     string
	SupplierID string
	Items      []PurchaseOrderItem

	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal

	Status               Status
	OrderDate            time.Time
	ExpectedDeliveryDate *time.Time

	// Audit fields
	CreatedBy   string
	ApprovedBy  string
	ApprovedAt  *time.Time
	SentAt      *time.Time
	ReceivedAt  *time.Time
	CancelledAt *time.Time
	ClosedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PurchaseOrderItem is owned by its order. ReceivedQuantity is the cumulative
// quantity recorded by committed receipts.
type PurchaseOrderItem struct {
	ProductID        string
	Name             string
	SKU              string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	ReceivedQuantity decimal.Decimal
}

// LineTotal is quantity × unit price.
func (i PurchaseOrderItem) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice)
}

// Remaining is the quantity still outstanding, never negative.
func (i PurchaseOrderItem) Remaining() decimal.Decimal {
	r := i.Quantity.Sub(i.ReceivedQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Item returns the order item for productID.
func (o *PurchaseOrder) Item(productID string) (*PurchaseOrderItem, bool) {
	for i := range o.Items {
		if o.Items[i].ProductID == productID {
			return &o.Items[i], true
		}
	}
	return nil, false
}

// ItemsTotal is the sum of all line totals.
func (o *PurchaseOrder) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

// Clone returns a deep copy so callers can experiment without touching o.
func (o *PurchaseOrder) Clone() *PurchaseOrder {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]PurchaseOrderItem(nil), o.Items...)
	return &c
}

// =============================================================================
// RECEIVING
// =============================================================================

type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionDamaged Condition = "damaged"
	ConditionExpired Condition = "expired"
)

// ReceivingLineItem records one product in one receiving event. Lines are
// created per event and never mutated afterwards.
type ReceivingLineItem struct {
	ProductID          string
	OrderedQuantity    decimal.Decimal
	ReceivedQuantity   decimal.Decimal
	PreviouslyReceived decimal.Decimal
	Condition          Condition
	BatchNumber        string
	ExpiryDate         *time.Time
	UnitCost           *decimal.Decimal
}

// Remaining is ordered minus previously received. It may be negative when an
// earlier receipt already over-received.
func (l ReceivingLineItem) Remaining() decimal.Decimal {
	return l.OrderedQuantity.Sub(l.PreviouslyReceived)
}

// ReceivingContext carries the per-receipt options.
type ReceivingContext struct {
	AllowOverReceiving  bool
	TolerancePercentage decimal.Decimal

	// ReceivedDate is skipped when zero.
	ReceivedDate time.Time

	// Now overrides the clock; zero means time.Now().
	Now time.Time
}

func (rc ReceivingContext) now() time.Time {
	if rc.Now.IsZero() {
		return time.Now()
	}
	return rc.Now
}

// =============================================================================
// STOCK
// =============================================================================

// StockLevel is owned by the product catalog. The engine reads it and
// proposes a new value; the storage collaborator persists it.
type StockLevel struct {
	ProductID string
	Quantity  decimal.Decimal
	Cost      decimal.Decimal
	Version   int64
}

// Value is quantity × cost.
func (s StockLevel) Value() decimal.Decimal {
	return s.Quantity.Mul(s.Cost)
}

// =============================================================================
// VALUATION - Produced by costing, consumed by posting
// =============================================================================

type AdjustmentType string

const (
	AdjustmentIncrease AdjustmentType = "increase"
	AdjustmentDecrease AdjustmentType = "decrease"
)

type ValuationAdjustment struct {
	ProductID     string
	Type          AdjustmentType
	OldCost       decimal.Decimal
	NewCost       decimal.Decimal
	StockQuantity decimal.Decimal
	Amount        decimal.Decimal // signed
	NewTotalValue decimal.Decimal
}

// =============================================================================
// JOURNAL
// =============================================================================

type ReferenceType string

const (
	RefPurchaseOrder    ReferenceType = "purchase_order"
	RefManualAdjustment ReferenceType = "manual_adjustment"
	RefCostUpdate       ReferenceType = "cost_update"
)

type EntryStatus string

const (
	EntryDraft    EntryStatus = "draft"
	EntryPosted   EntryStatus = "posted"
	EntryReversed EntryStatus = "reversed"
)

type JournalEntry struct {
	ID            string
	ReferenceID   string
	ReferenceType ReferenceType
	Description   string
	Status        EntryStatus
	TotalDebit    decimal.Decimal
	TotalCredit   decimal.Decimal
	CreatedBy     string
	CreatedAt     time.Time
	PostedAt      *time.Time
}

type JournalEntryLine struct {
	ID          string
	EntryID     string
	AccountCode string
	AccountName string
	ProductID   string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// Package store provides in-memory implementations of the purchasing
// collaborators.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/purchasing"
)

// =============================================================================
// MEMORY STORE - In-memory Backend (for testing/dev)
// =============================================================================

type stockRow struct {
	level purchasing.StockLevel
}

type journalRow struct {
	entry purchasing.JournalEntry
	lines []purchasing.JournalEntryLine
}

type Memory struct {
	mu       sync.RWMutex
	orders   map[string]*purchasing.PurchaseOrder
	stock    map[string]stockRow
	receipts map[string]purchasing.Receipt
	journal  map[string]*journalRow
	audit    []purchasing.AuditRecord
}

func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[string]*purchasing.PurchaseOrder),
		stock:    make(map[string]stockRow),
		receipts: make(map[string]purchasing.Receipt),
		journal:  make(map[string]*journalRow),
	}
}

var _ purchasing.Backend = (*Memory)(nil)

// -----------------------------------------------------------------------------
// Orders
// -----------------------------------------------------------------------------

func (m *Memory) SaveOrder(_ context.Context, order *purchasing.PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", purchasing.ErrInvalidInput, order.ID)
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*purchasing.PurchaseOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", purchasing.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (m *Memory) UpdateOrder(_ context.Context, order *purchasing.PurchaseOrder, expected purchasing.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[order.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", purchasing.ErrNotFound, order.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: order %s status is %s, expected %s",
			purchasing.ErrConcurrentModification, order.ID, cur.Status, expected)
	}
	next := order.Clone()
	next.Items = cur.Items
	m.orders[order.ID] = next
	return nil
}

// -----------------------------------------------------------------------------
// Stock
// -----------------------------------------------------------------------------

func (m *Memory) GetStock(_ context.Context, productID string) (purchasing.StockLevel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.stock[productID]
	if !ok {
		return purchasing.StockLevel{}, fmt.Errorf("%w: stock %s", purchasing.ErrNotFound, productID)
	}
	return row.level, nil
}

func (m *Memory) SetStock(_ context.Context, level purchasing.StockLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStockLocked(level)
}

func (m *Memory) setStockLocked(level purchasing.StockLevel) error {
	cur, ok := m.stock[level.ProductID]
	if ok && cur.level.Version != level.Version {
		return fmt.Errorf("%w: stock %s version %d, stored %d",
			purchasing.ErrConcurrentModification, level.ProductID, level.Version, cur.level.Version)
	}
	if !ok && level.Version != 0 {
		return fmt.Errorf("%w: stock %s does not exist", purchasing.ErrConcurrentModification, level.ProductID)
	}
	level.Version++
	m.stock[level.ProductID] = stockRow{level: level}
	return nil
}

// -----------------------------------------------------------------------------
// Receiving
// -----------------------------------------------------------------------------

func (m *Memory) ReceivedQuantities(_ context.Context, orderID string) (map[string]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", purchasing.ErrNotFound, orderID)
	}
	out := make(map[string]decimal.Decimal, len(o.Items))
	for _, it := range o.Items {
		out[it.ProductID] = it.ReceivedQuantity
	}
	return out, nil
}

// CommitReceipt checks every expectation before the first write, so a
// rejected receipt leaves no trace.
func (m *Memory) CommitReceipt(_ context.Context, r purchasing.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[r.OrderID]
	if !ok {
		return fmt.Errorf("%w: order %s", purchasing.ErrNotFound, r.OrderID)
	}
	if o.Status != r.PriorStatus {
		return fmt.Errorf("%w: order %s status is %s, expected %s",
			purchasing.ErrConcurrentModification, o.ID, o.Status, r.PriorStatus)
	}
	for productID, want := range r.Expected {
		item, ok := o.Item(productID)
		if !ok {
			return fmt.Errorf("%w: product %s not in order %s", purchasing.ErrInvalidInput, productID, o.ID)
		}
		if !item.ReceivedQuantity.Equal(want) {
			return &purchasing.StaleReceiptError{OrderID: o.ID, ProductID: productID, Expected: want, Actual: item.ReceivedQuantity}
		}
	}
	for _, level := range r.Stock {
		cur, exists := m.stock[level.ProductID]
		if (exists && cur.level.Version != level.Version) || (!exists && level.Version != 0) {
			return fmt.Errorf("%w: stock %s", purchasing.ErrConcurrentModification, level.ProductID)
		}
	}

	for _, level := range r.Stock {
		_ = m.setStockLocked(level)
	}
	next := o.Clone()
	for _, l := range r.Lines {
		if item, ok := next.Item(l.ProductID); ok {
			item.ReceivedQuantity = item.ReceivedQuantity.Add(l.ReceivedQuantity)
		}
	}
	next.Status = r.NewStatus
	next.UpdatedAt = r.ReceivedAt
	if r.NewStatus == purchasing.StatusFullyReceived {
		at := r.ReceivedAt
		next.ReceivedAt = &at
	}
	m.orders[o.ID] = next
	m.receipts[r.ID] = r
	return nil
}

func (m *Memory) RevertReceipt(_ context.Context, receiptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.receipts[receiptID]
	if !ok {
		return fmt.Errorf("%w: receipt %s", purchasing.ErrNotFound, receiptID)
	}
	for _, prior := range r.PriorStock {
		cur, exists := m.stock[prior.ProductID]
		if !exists || cur.level.Version != prior.Version+1 {
			return fmt.Errorf("%w: stock %s changed after receipt %s",
				purchasing.ErrConcurrentModification, prior.ProductID, receiptID)
		}
	}
	if o, ok := m.orders[r.OrderID]; ok && o.Status != r.NewStatus {
		return fmt.Errorf("%w: order %s status is %s, expected %s",
			purchasing.ErrConcurrentModification, o.ID, o.Status, r.NewStatus)
	}

	for _, prior := range r.PriorStock {
		if prior.Version == 0 {
			delete(m.stock, prior.ProductID)
			continue
		}
		level := prior
		level.Version = m.stock[prior.ProductID].level.Version + 1
		m.stock[prior.ProductID] = stockRow{level: level}
	}
	if o, ok := m.orders[r.OrderID]; ok {
		next := o.Clone()
		for _, l := range r.Lines {
			if item, ok := next.Item(l.ProductID); ok {
				item.ReceivedQuantity = item.ReceivedQuantity.Sub(l.ReceivedQuantity)
			}
		}
		next.Status = r.PriorStatus
		if r.NewStatus == purchasing.StatusFullyReceived {
			next.ReceivedAt = nil
		}
		m.orders[o.ID] = next
	}
	delete(m.receipts, receiptID)
	return nil
}

// Receipts returns the committed receipts of an order, oldest first.
func (m *Memory) Receipts(orderID string) []purchasing.Receipt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []purchasing.Receipt
	for _, r := range m.receipts {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

func (m *Memory) InsertEntry(_ context.Context, entry purchasing.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.journal[entry.ID]; exists {
		return fmt.Errorf("%w: entry %s already exists", purchasing.ErrInvalidInput, entry.ID)
	}
	m.journal[entry.ID] = &journalRow{entry: entry}
	return nil
}

func (m *Memory) InsertLines(_ context.Context, lines []purchasing.JournalEntryLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lines {
		if _, ok := m.journal[l.EntryID]; !ok {
			return fmt.Errorf("%w: entry %s", purchasing.ErrNotFound, l.EntryID)
		}
	}
	for _, l := range lines {
		row := m.journal[l.EntryID]
		row.lines = append(row.lines, l)
	}
	return nil
}

func (m *Memory) MarkPosted(_ context.Context, entryID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.journal[entryID]
	if !ok {
		return fmt.Errorf("%w: entry %s", purchasing.ErrNotFound, entryID)
	}
	if row.entry.Status != purchasing.EntryDraft {
		return fmt.Errorf("%w: entry %s is %s", purchasing.ErrInvalidInput, entryID, row.entry.Status)
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range row.lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !purchasing.IsBalanced(debit, credit) {
		return &purchasing.UnbalancedEntryError{EntryID: entryID, TotalDebit: debit, TotalCredit: credit}
	}
	row.entry.Status = purchasing.EntryPosted
	row.entry.PostedAt = &at
	return nil
}

func (m *Memory) GetEntry(_ context.Context, entryID string) (purchasing.JournalEntry, []purchasing.JournalEntryLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.journal[entryID]
	if !ok {
		return purchasing.JournalEntry{}, nil, fmt.Errorf("%w: entry %s", purchasing.ErrNotFound, entryID)
	}
	return row.entry, append([]purchasing.JournalEntryLine(nil), row.lines...), nil
}

// Entries returns every journal entry with the given reference.
func (m *Memory) Entries(referenceID string) []purchasing.JournalEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []purchasing.JournalEntry
	for _, row := range m.journal {
		if row.entry.ReferenceID == referenceID {
			out = append(out, row.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

func (m *Memory) Record(_ context.Context, rec purchasing.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

// AuditTrail returns all audit records in insertion order.
func (m *Memory) AuditTrail() []purchasing.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]purchasing.AuditRecord(nil), m.audit...)
}

// =============================================================================
// MEMORY SCHEDULER
// =============================================================================

type Scheduler struct {
	mu  sync.Mutex
	ops map[string]purchasing.DeferredOperation
}

func NewScheduler() *Scheduler {
	return &Scheduler{ops: make(map[string]purchasing.DeferredOperation)}
}

var _ purchasing.Scheduler = (*Scheduler)(nil)

func (s *Scheduler) Enqueue(_ context.Context, op purchasing.DeferredOperation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op
	return op.ID, nil
}

func (s *Scheduler) Due(_ context.Context, now time.Time, limit int) ([]purchasing.DeferredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []purchasing.DeferredOperation
	for _, op := range s.ops {
		if !op.ScheduledFor.After(now) {
			due = append(due, op)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Scheduler) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	return nil
}

// Pending returns the number of queued operations.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

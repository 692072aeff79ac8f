/*
Package sqlite provides a SQLite-backed implementation of the purchasing
collaborators.

PURPOSE:
  Implements purchasing.Backend (orders, stock, receipts, journal, audit)
  and purchasing.Scheduler (deferred operations) on one SQLite database.
  In production the same patterns apply to PostgreSQL with minor dialect
  differences.

INTERFACES IMPLEMENTED:
  purchasing.OrderStore:     Purchase orders and their items
  purchasing.StockStore:     Versioned stock levels
  purchasing.ReceivingStore: Atomic receipt commit and compensation
  purchasing.JournalStore:   Draft/posted journal entries and lines
  purchasing.AuditLog:       Append-only audit records
  purchasing.Scheduler:      Deferred operation queue

KEY TABLES:
  purchase_orders, purchase_order_items: Order header and lines
  stock_levels:         One row per product, optimistic version column
  receipts, receipt_lines: Committed receiving events
  journal_entries, journal_lines: Valuation postings
  audit_log:            Audit trail
  deferred_operations:  queue_for_later payloads (JSON)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, plus a SQL transaction around every
  multi-row write. CommitReceipt re-checks order status, previously received
  quantities and stock versions inside its transaction before writing.

NUMBERS AND TIMES:
  Decimals are stored as TEXT in their exact string form. Times are stored
  in UTC with a fixed-width layout so that string comparison orders them.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  db, err := sqlite.New("./data/procurement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()

  svc, err := purchasing.NewReceivingService(purchasing.ServiceDeps{
      Orders: db, Stock: db, Receiving: db, Journal: db, Audit: db, Scheduler: db,
  })

SEE ALSO:
  - purchasing/store.go: Interface definitions
  - purchasing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/purchasing"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all collaborator interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ purchasing.Backend   = (*Store)(nil)
	_ purchasing.Scheduler = (*Store)(nil)
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		supplier_id TEXT NOT NULL,
		status TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax TEXT NOT NULL,
		total TEXT NOT NULL,
		order_date TEXT NOT NULL,
		expected_delivery_date TEXT,
		created_by TEXT,
		approved_by TEXT,
		approved_at TEXT,
		sent_at TEXT,
		received_at TEXT,
		cancelled_at TEXT,
		closed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchase_order_items (
		order_id TEXT NOT NULL REFERENCES purchase_orders(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		name TEXT,
		sku TEXT,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		received_quantity TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (order_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS stock_levels (
		product_id TEXT PRIMARY KEY,
		quantity TEXT NOT NULL,
		cost TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES purchase_orders(id),
		received_by TEXT,
		received_at TEXT NOT NULL,
		prior_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		prior_stock_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_order ON receipts(order_id);

	CREATE TABLE IF NOT EXISTS receipt_lines (
		receipt_id TEXT NOT NULL REFERENCES receipts(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		ordered_quantity TEXT NOT NULL,
		received_quantity TEXT NOT NULL,
		previously_received TEXT NOT NULL,
		condition TEXT NOT NULL,
		batch_number TEXT,
		expiry_date TEXT,
		unit_cost TEXT,
		PRIMARY KEY (receipt_id, position)
	);

	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		reference_id TEXT,
		reference_type TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		total_debit TEXT NOT NULL,
		total_credit TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL,
		posted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_journal_entries_reference
		ON journal_entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS journal_lines (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES journal_entries(id),
		account_code TEXT NOT NULL,
		account_name TEXT,
		product_id TEXT,
		debit TEXT NOT NULL,
		credit TEXT NOT NULL,
		description TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_journal_lines_entry ON journal_lines(entry_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		action TEXT NOT NULL,
		actor_id TEXT,
		before_json TEXT,
		after_json TEXT,
		metadata_json TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);

	CREATE TABLE IF NOT EXISTS deferred_operations (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		scheduled_for TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		error_code TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deferred_scheduled ON deferred_operations(scheduled_for);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a SQL transaction. The caller holds s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// =============================================================================
// ORDERS (purchasing.OrderStore)
// =============================================================================

func (s *Store) SaveOrder(ctx context.Context, order *purchasing.PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_orders
			(id, number, supplier_id, status, subtotal, tax, total, order_date, expected_delivery_date,
			 created_by, approved_by, approved_at, sent_at, received_at, cancelled_at, closed_at,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.Number, order.SupplierID, string(order.Status),
			order.Subtotal.String(), order.Tax.String(), order.Total.String(),
			formatTime(order.OrderDate), nullTime(order.ExpectedDeliveryDate),
			nullString(order.CreatedBy), nullString(order.ApprovedBy), nullTime(order.ApprovedAt),
			nullTime(order.SentAt), nullTime(order.ReceivedAt), nullTime(order.CancelledAt), nullTime(order.ClosedAt),
			formatTime(order.CreatedAt), formatTime(order.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: order %s already exists", purchasing.ErrInvalidInput, order.ID)
			}
			return storageErr("insert order", err)
		}

		for i, it := range order.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO purchase_order_items
				(order_id, position, product_id, name, sku, quantity, unit_price, received_quantity)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				order.ID, i, it.ProductID, it.Name, it.SKU,
				it.Quantity.String(), it.UnitPrice.String(), it.ReceivedQuantity.String(),
			)
			if err != nil {
				if isUniqueConstraintError(err) {
					return fmt.Errorf("%w: product %s appears twice in order %s", purchasing.ErrInvalidInput, it.ProductID, order.ID)
				}
				return storageErr("insert order item", err)
			}
		}
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id string) (*purchasing.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getOrder(ctx, s.db, id)
}

// UpdateOrder writes order only while the stored status is still expected.
func (s *Store) UpdateOrder(ctx context.Context, order *purchasing.PurchaseOrder, expected purchasing.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_orders SET
			number = ?, supplier_id = ?, status = ?, subtotal = ?, tax = ?, total = ?,
			order_date = ?, expected_delivery_date = ?, created_by = ?, approved_by = ?,
			approved_at = ?, sent_at = ?, received_at = ?, cancelled_at = ?, closed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		order.Number, order.SupplierID, string(order.Status),
		order.Subtotal.String(), order.Tax.String(), order.Total.String(),
		formatTime(order.OrderDate), nullTime(order.ExpectedDeliveryDate),
		nullString(order.CreatedBy), nullString(order.ApprovedBy), nullTime(order.ApprovedAt),
		nullTime(order.SentAt), nullTime(order.ReceivedAt), nullTime(order.CancelledAt), nullTime(order.ClosedAt),
		formatTime(order.UpdatedAt), order.ID, string(expected),
	)
	if err != nil {
		return storageErr("update order", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM purchase_orders WHERE id = ?`, order.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: order %s", purchasing.ErrNotFound, order.ID)
	}
	if err != nil {
		return storageErr("read order status", err)
	}
	return fmt.Errorf("%w: order %s status is %s, expected %s",
		purchasing.ErrConcurrentModification, order.ID, status, expected)
}

func getOrder(ctx context.Context, q dbtx, id string) (*purchasing.PurchaseOrder, error) {
	var (
		o                                                     purchasing.PurchaseOrder
		status, subtotal, tax, total, orderDate               string
		createdAt, updatedAt                                  string
		delivery, approvedAt, sentAt, receivedAt, cancelledAt sql.NullString
		closedAt, createdBy, approvedBy                       sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, number, supplier_id, status, subtotal, tax, total, order_date, expected_delivery_date,
		       created_by, approved_by, approved_at, sent_at, received_at, cancelled_at, closed_at,
		       created_at, updated_at
		FROM purchase_orders WHERE id = ?`, id,
	).Scan(
		&o.ID, &o.Number, &o.SupplierID, &status, &subtotal, &tax, &total, &orderDate, &delivery,
		&createdBy, &approvedBy, &approvedAt, &sentAt, &receivedAt, &cancelledAt, &closedAt,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", purchasing.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get order", err)
	}

	o.Status = purchasing.Status(status)
	o.Subtotal = parseDecimal(subtotal)
	o.Tax = parseDecimal(tax)
	o.Total = parseDecimal(total)
	o.OrderDate = parseTime(orderDate)
	o.ExpectedDeliveryDate = parseNullTime(delivery)
	o.CreatedBy, o.ApprovedBy = createdBy.String, approvedBy.String
	o.ApprovedAt = parseNullTime(approvedAt)
	o.SentAt = parseNullTime(sentAt)
	o.ReceivedAt = parseNullTime(receivedAt)
	o.CancelledAt = parseNullTime(cancelledAt)
	o.ClosedAt = parseNullTime(closedAt)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, name, sku, quantity, unit_price, received_quantity
		FROM purchase_order_items WHERE order_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, storageErr("get order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it purchasing.PurchaseOrderItem
		var name, sku sql.NullString
		var qty, price, received string
		if err := rows.Scan(&it.ProductID, &name, &sku, &qty, &price, &received); err != nil {
			return nil, storageErr("scan order item", err)
		}
		it.Name, it.SKU = name.String, sku.String
		it.Quantity = parseDecimal(qty)
		it.UnitPrice = parseDecimal(price)
		it.ReceivedQuantity = parseDecimal(received)
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate order items", err)
	}
	return &o, nil
}

// =============================================================================
// STOCK (purchasing.StockStore)
// =============================================================================

func (s *Store) GetStock(ctx context.Context, productID string) (purchasing.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level, found, err := getStock(ctx, s.db, productID)
	if err != nil {
		return purchasing.StockLevel{}, err
	}
	if !found {
		return purchasing.StockLevel{}, fmt.Errorf("%w: stock %s", purchasing.ErrNotFound, productID)
	}
	return level, nil
}

func (s *Store) SetStock(ctx context.Context, level purchasing.StockLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setStock(ctx, tx, level)
	})
}

func getStock(ctx context.Context, q dbtx, productID string) (purchasing.StockLevel, bool, error) {
	level := purchasing.StockLevel{ProductID: productID}
	var qty, cost string
	err := q.QueryRowContext(ctx,
		`SELECT quantity, cost, version FROM stock_levels WHERE product_id = ?`, productID,
	).Scan(&qty, &cost, &level.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return level, false, nil
	}
	if err != nil {
		return level, false, storageErr("get stock", err)
	}
	level.Quantity = parseDecimal(qty)
	level.Cost = parseDecimal(cost)
	return level, true, nil
}

// setStock writes level when the stored version matches and bumps it.
func setStock(ctx context.Context, tx dbtx, level purchasing.StockLevel) error {
	if level.Version == 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stock_levels (product_id, quantity, cost, version) VALUES (?, ?, ?, 1)`,
			level.ProductID, level.Quantity.String(), level.Cost.String())
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: stock %s already exists", purchasing.ErrConcurrentModification, level.ProductID)
		}
		if err != nil {
			return storageErr("insert stock", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE stock_levels SET quantity = ?, cost = ?, version = version + 1
		 WHERE product_id = ? AND version = ?`,
		level.Quantity.String(), level.Cost.String(), level.ProductID, level.Version)
	if err != nil {
		return storageErr("update stock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: stock %s version %d", purchasing.ErrConcurrentModification, level.ProductID, level.Version)
	}
	return nil
}

// =============================================================================
// RECEIVING (purchasing.ReceivingStore)
// =============================================================================

func (s *Store) ReceivedQuantities(ctx context.Context, orderID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return receivedQuantities(ctx, s.db, orderID)
}

func receivedQuantities(ctx context.Context, q dbtx, orderID string) (map[string]decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT product_id, received_quantity FROM purchase_order_items WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, storageErr("read received quantities", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var productID, received string
		if err := rows.Scan(&productID, &received); err != nil {
			return nil, storageErr("scan received quantity", err)
		}
		out[productID] = parseDecimal(received)
	}
	return out, rows.Err()
}

// CommitReceipt re-checks every expectation inside one transaction before
// writing; on any mismatch the transaction is rolled back.
func (s *Store) CommitReceipt(ctx context.Context, r purchasing.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM purchase_orders WHERE id = ?`, r.OrderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: order %s", purchasing.ErrNotFound, r.OrderID)
		}
		if err != nil {
			return storageErr("read order status", err)
		}
		if purchasing.Status(status) != r.PriorStatus {
			return fmt.Errorf("%w: order %s status is %s, expected %s",
				purchasing.ErrConcurrentModification, r.OrderID, status, r.PriorStatus)
		}

		received, err := receivedQuantities(ctx, tx, r.OrderID)
		if err != nil {
			return err
		}
		for productID, want := range r.Expected {
			got, ok := received[productID]
			if !ok {
				return fmt.Errorf("%w: product %s not in order %s", purchasing.ErrInvalidInput, productID, r.OrderID)
			}
			if !got.Equal(want) {
				return &purchasing.StaleReceiptError{OrderID: r.OrderID, ProductID: productID, Expected: want, Actual: got}
			}
		}

		for _, level := range r.Stock {
			if err := setStock(ctx, tx, level); err != nil {
				return err
			}
		}

		for _, l := range r.Lines {
			next := received[l.ProductID].Add(l.ReceivedQuantity)
			received[l.ProductID] = next
			if _, err := tx.ExecContext(ctx,
				`UPDATE purchase_order_items SET received_quantity = ? WHERE order_id = ? AND product_id = ?`,
				next.String(), r.OrderID, l.ProductID); err != nil {
				return storageErr("update received quantity", err)
			}
		}

		var receivedAt any
		if r.NewStatus == purchasing.StatusFullyReceived {
			receivedAt = formatTime(r.ReceivedAt)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE purchase_orders SET status = ?, updated_at = ?, received_at = COALESCE(?, received_at) WHERE id = ?`,
			string(r.NewStatus), formatTime(r.ReceivedAt), receivedAt, r.OrderID); err != nil {
			return storageErr("update order status", err)
		}

		priorJSON, err := json.Marshal(r.PriorStock)
		if err != nil {
			return fmt.Errorf("encode prior stock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO receipts (id, order_id, received_by, received_at, prior_status, new_status, prior_stock_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.OrderID, nullString(r.ReceivedBy), formatTime(r.ReceivedAt),
			string(r.PriorStatus), string(r.NewStatus), string(priorJSON)); err != nil {
			return storageErr("insert receipt", err)
		}

		for i, l := range r.Lines {
			var unitCost any
			if l.UnitCost != nil {
				unitCost = l.UnitCost.String()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO receipt_lines
				(receipt_id, position, product_id, ordered_quantity, received_quantity, previously_received,
				 condition, batch_number, expiry_date, unit_cost)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, i, l.ProductID, l.OrderedQuantity.String(), l.ReceivedQuantity.String(),
				l.PreviouslyReceived.String(), string(l.Condition), nullString(l.BatchNumber),
				nullTime(l.ExpiryDate), unitCost); err != nil {
				return storageErr("insert receipt line", err)
			}
		}
		return nil
	})
}

// RevertReceipt restores the prior stock and status and removes the receipt.
func (s *Store) RevertReceipt(ctx context.Context, receiptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getReceipt(ctx, tx, receiptID)
		if err != nil {
			return err
		}

		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM purchase_orders WHERE id = ?`, r.OrderID).Scan(&status); err != nil {
			return storageErr("read order status", err)
		}
		if purchasing.Status(status) != r.NewStatus {
			return fmt.Errorf("%w: order %s status is %s, expected %s",
				purchasing.ErrConcurrentModification, r.OrderID, status, r.NewStatus)
		}

		// The commit left every level at prior.Version+1.
		for _, prior := range r.PriorStock {
			var res sql.Result
			if prior.Version == 0 {
				res, err = tx.ExecContext(ctx,
					`DELETE FROM stock_levels WHERE product_id = ? AND version = 1`, prior.ProductID)
			} else {
				res, err = tx.ExecContext(ctx,
					`UPDATE stock_levels SET quantity = ?, cost = ?, version = version + 1
					 WHERE product_id = ? AND version = ?`,
					prior.Quantity.String(), prior.Cost.String(), prior.ProductID, prior.Version+1)
			}
			if err != nil {
				return storageErr("restore stock", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: stock %s changed after receipt %s",
					purchasing.ErrConcurrentModification, prior.ProductID, receiptID)
			}
		}

		received, err := receivedQuantities(ctx, tx, r.OrderID)
		if err != nil {
			return err
		}
		for _, l := range r.Lines {
			next := received[l.ProductID].Sub(l.ReceivedQuantity)
			received[l.ProductID] = next
			if _, err := tx.ExecContext(ctx,
				`UPDATE purchase_order_items SET received_quantity = ? WHERE order_id = ? AND product_id = ?`,
				next.String(), r.OrderID, l.ProductID); err != nil {
				return storageErr("restore received quantity", err)
			}
		}

		clearReceivedAt := r.NewStatus == purchasing.StatusFullyReceived
		if _, err := tx.ExecContext(ctx,
			`UPDATE purchase_orders SET status = ?, received_at = CASE WHEN ? THEN NULL ELSE received_at END WHERE id = ?`,
			string(r.PriorStatus), clearReceivedAt, r.OrderID); err != nil {
			return storageErr("restore order status", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM receipt_lines WHERE receipt_id = ?`, receiptID); err != nil {
			return storageErr("delete receipt lines", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipts WHERE id = ?`, receiptID); err != nil {
			return storageErr("delete receipt", err)
		}
		return nil
	})
}

// Receipts returns the committed receipts of an order, oldest first.
func (s *Store) Receipts(ctx context.Context, orderID string) ([]purchasing.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM receipts WHERE order_id = ? ORDER BY received_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, storageErr("list receipts", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan receipt id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate receipts", err)
	}

	out := make([]purchasing.Receipt, 0, len(ids))
	for _, id := range ids {
		r, err := getReceipt(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func getReceipt(ctx context.Context, q dbtx, receiptID string) (purchasing.Receipt, error) {
	r := purchasing.Receipt{ID: receiptID}
	var receivedBy sql.NullString
	var receivedAt, prior, next, priorJSON string
	err := q.QueryRowContext(ctx, `
		SELECT order_id, received_by, received_at, prior_status, new_status, prior_stock_json
		FROM receipts WHERE id = ?`, receiptID,
	).Scan(&r.OrderID, &receivedBy, &receivedAt, &prior, &next, &priorJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: receipt %s", purchasing.ErrNotFound, receiptID)
	}
	if err != nil {
		return r, storageErr("get receipt", err)
	}
	r.ReceivedBy = receivedBy.String
	r.ReceivedAt = parseTime(receivedAt)
	r.PriorStatus, r.NewStatus = purchasing.Status(prior), purchasing.Status(next)
	if err := json.Unmarshal([]byte(priorJSON), &r.PriorStock); err != nil {
		return r, fmt.Errorf("decode prior stock of %s: %w", receiptID, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, ordered_quantity, received_quantity, previously_received,
		       condition, batch_number, expiry_date, unit_cost
		FROM receipt_lines WHERE receipt_id = ? ORDER BY position ASC`, receiptID)
	if err != nil {
		return r, storageErr("get receipt lines", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l purchasing.ReceivingLineItem
		var ordered, received, previous, condition string
		var batch, expiry, unitCost sql.NullString
		if err := rows.Scan(&l.ProductID, &ordered, &received, &previous, &condition, &batch, &expiry, &unitCost); err != nil {
			return r, storageErr("scan receipt line", err)
		}
		l.OrderedQuantity = parseDecimal(ordered)
		l.ReceivedQuantity = parseDecimal(received)
		l.PreviouslyReceived = parseDecimal(previous)
		l.Condition = purchasing.Condition(condition)
		l.BatchNumber = batch.String
		l.ExpiryDate = parseNullTime(expiry)
		if unitCost.Valid {
			c := parseDecimal(unitCost.String)
			l.UnitCost = &c
		}
		r.Lines = append(r.Lines, l)
	}
	return r, rows.Err()
}

// =============================================================================
// JOURNAL (purchasing.JournalStore)
// =============================================================================

func (s *Store) InsertEntry(ctx context.Context, entry purchasing.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries
		(id, reference_id, reference_type, description, status, total_debit, total_credit,
		 created_by, created_at, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, nullString(entry.ReferenceID), string(entry.ReferenceType), entry.Description,
		string(entry.Status), entry.TotalDebit.String(), entry.TotalCredit.String(),
		nullString(entry.CreatedBy), formatTime(entry.CreatedAt), nullTime(entry.PostedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: entry %s already exists", purchasing.ErrInvalidInput, entry.ID)
		}
		return storageErr("insert entry", err)
	}
	return nil
}

// InsertLines appends lines atomically.
func (s *Store) InsertLines(ctx context.Context, lines []purchasing.JournalEntryLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, l := range lines {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO journal_lines
				(id, entry_id, account_code, account_name, product_id, debit, credit, description)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				l.ID, l.EntryID, l.AccountCode, l.AccountName, nullString(l.ProductID),
				l.Debit.String(), l.Credit.String(), l.Description,
			)
			if err != nil {
				if isForeignKeyError(err) {
					return fmt.Errorf("%w: entry %s", purchasing.ErrNotFound, l.EntryID)
				}
				return storageErr("insert journal line", err)
			}
		}
		return nil
	})
}

// MarkPosted recomputes totals from the stored lines and refuses an
// unbalanced entry.
func (s *Store) MarkPosted(ctx context.Context, entryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		entry, lines, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != purchasing.EntryDraft {
			return fmt.Errorf("%w: entry %s is %s", purchasing.ErrInvalidInput, entryID, entry.Status)
		}
		debit, credit := decimal.Zero, decimal.Zero
		for _, l := range lines {
			debit = debit.Add(l.Debit)
			credit = credit.Add(l.Credit)
		}
		if !purchasing.IsBalanced(debit, credit) {
			return &purchasing.UnbalancedEntryError{EntryID: entryID, TotalDebit: debit, TotalCredit: credit}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE journal_entries SET status = ?, total_debit = ?, total_credit = ?, posted_at = ? WHERE id = ?`,
			string(purchasing.EntryPosted), debit.String(), credit.String(), formatTime(at), entryID)
		if err != nil {
			return storageErr("mark posted", err)
		}
		return nil
	})
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (purchasing.JournalEntry, []purchasing.JournalEntryLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getEntry(ctx, s.db, entryID)
}

// EntriesFor returns the journal entries referencing referenceID.
func (s *Store) EntriesFor(ctx context.Context, referenceID string) ([]purchasing.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM journal_entries WHERE reference_id = ? ORDER BY created_at ASC, id ASC`, referenceID)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan entry id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []purchasing.JournalEntry
	for _, id := range ids {
		e, _, err := getEntry(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func getEntry(ctx context.Context, q dbtx, entryID string) (purchasing.JournalEntry, []purchasing.JournalEntryLine, error) {
	e := purchasing.JournalEntry{ID: entryID}
	var refID, createdBy, postedAt sql.NullString
	var refType, status, debit, credit, createdAt string
	err := q.QueryRowContext(ctx, `
		SELECT reference_id, reference_type, description, status, total_debit, total_credit,
		       created_by, created_at, posted_at
		FROM journal_entries WHERE id = ?`, entryID,
	).Scan(&refID, &refType, &e.Description, &status, &debit, &credit, &createdBy, &createdAt, &postedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, nil, fmt.Errorf("%w: entry %s", purchasing.ErrNotFound, entryID)
	}
	if err != nil {
		return e, nil, storageErr("get entry", err)
	}
	e.ReferenceID = refID.String
	e.ReferenceType = purchasing.ReferenceType(refType)
	e.Status = purchasing.EntryStatus(status)
	e.TotalDebit = parseDecimal(debit)
	e.TotalCredit = parseDecimal(credit)
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(createdAt)
	e.PostedAt = parseNullTime(postedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT id, account_code, account_name, product_id, debit, credit, description
		FROM journal_lines WHERE entry_id = ? ORDER BY rowid ASC`, entryID)
	if err != nil {
		return e, nil, storageErr("get journal lines", err)
	}
	defer rows.Close()

	var lines []purchasing.JournalEntryLine
	for rows.Next() {
		l := purchasing.JournalEntryLine{EntryID: entryID}
		var name, productID, desc sql.NullString
		var d, c string
		if err := rows.Scan(&l.ID, &l.AccountCode, &name, &productID, &d, &c, &desc); err != nil {
			return e, nil, storageErr("scan journal line", err)
		}
		l.AccountName, l.ProductID, l.Description = name.String, productID.String, desc.String
		l.Debit, l.Credit = parseDecimal(d), parseDecimal(c)
		lines = append(lines, l)
	}
	return e, lines, rows.Err()
}

// =============================================================================
// AUDIT (purchasing.AuditLog)
// =============================================================================

func (s *Store) Record(ctx context.Context, rec purchasing.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, _ := json.Marshal(rec.Before)
	after, _ := json.Marshal(rec.After)
	meta, _ := json.Marshal(rec.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, before_json, after_json, metadata_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityType, nullString(rec.EntityID), rec.Action, nullString(rec.ActorID),
		string(before), string(after), string(meta), formatTime(rec.At),
	)
	if err != nil {
		return storageErr("insert audit record", err)
	}
	return nil
}

// AuditTrail returns the audit records of one entity in insertion order.
// Before, After and Metadata come back as decoded JSON values.
func (s *Store) AuditTrail(ctx context.Context, entityType, entityID string) ([]purchasing.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor_id, before_json, after_json, metadata_json, at
		FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY rowid ASC`, entityType, entityID)
	if err != nil {
		return nil, storageErr("list audit records", err)
	}
	defer rows.Close()

	var out []purchasing.AuditRecord
	for rows.Next() {
		rec := purchasing.AuditRecord{EntityType: entityType, EntityID: entityID}
		var actor sql.NullString
		var before, after, meta, at string
		if err := rows.Scan(&rec.ID, &rec.Action, &actor, &before, &after, &meta, &at); err != nil {
			return nil, storageErr("scan audit record", err)
		}
		rec.ActorID = actor.String
		rec.At = parseTime(at)
		_ = json.Unmarshal([]byte(before), &rec.Before)
		_ = json.Unmarshal([]byte(after), &rec.After)
		_ = json.Unmarshal([]byte(meta), &rec.Metadata)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// DEFERRED OPERATIONS (purchasing.Scheduler)
// =============================================================================

func (s *Store) Enqueue(ctx context.Context, op purchasing.DeferredOperation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return "", fmt.Errorf("encode deferred payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deferred_operations (id, operation_type, payload_json, scheduled_for, attempt, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.OperationType), string(payload), formatTime(op.ScheduledFor),
		op.Attempt, nullString(string(op.ErrorCode)), formatTime(op.CreatedAt),
	)
	if err != nil {
		return "", storageErr("enqueue deferred operation", err)
	}
	return op.ID, nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]purchasing.DeferredOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_type, payload_json, scheduled_for, attempt, error_code, created_at
		FROM deferred_operations
		WHERE scheduled_for <= ?
		ORDER BY scheduled_for ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, storageErr("query due operations", err)
	}
	defer rows.Close()

	var out []purchasing.DeferredOperation
	for rows.Next() {
		var op purchasing.DeferredOperation
		var opType, payload, scheduled, created string
		var code sql.NullString
		if err := rows.Scan(&op.ID, &opType, &payload, &scheduled, &op.Attempt, &code, &created); err != nil {
			return nil, storageErr("scan deferred operation", err)
		}
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("decode deferred payload %s: %w", op.ID, err)
		}
		op.OperationType = purchasing.OperationType(opType)
		op.ScheduledFor = parseTime(scheduled)
		op.CreatedAt = parseTime(created)
		op.ErrorCode = purchasing.Code(code.String)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM deferred_operations WHERE id = ?`, id); err != nil {
		return storageErr("complete deferred operation", err)
	}
	return nil
}

// Helper functions

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", purchasing.ErrStorage, op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

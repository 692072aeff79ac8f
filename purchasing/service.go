/*
service.go - Receiving pipeline and order workflow service

PURPOSE:
  Runs the engine stages in their required order against the collaborator
  stores. This is the only file in the package that combines validation
  with I/O.

RECEIVING PIPELINE (strictly ordered):
  1. Status transition check (is this order receivable by this actor?)
  2. Receiving validation (are these lines acceptable?)
  3. Costing (weighted average per product)
  4. Fresh re-read of previously received quantities
  5. Atomic commit of receipt lines, stock levels and order status
  6. Journal posting

  A failure in step 1 is returned directly. Failures from step 2 onwards
  go through the RecoveryOrchestrator and the outcome carries its result.
  A posting failure reverts the committed receipt first, so that a retry
  starts from clean state.

SEE ALSO:
  - store.go: collaborator contracts
  - recovery.go: the service is the RollbackExecutor and PartialProcessor
*/
package purchasing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type ServiceDeps struct {
	Orders    OrderStore
	Stock     StockStore
	Receiving ReceivingStore
	Journal   JournalStore
	Audit     AuditLog
	Scheduler Scheduler

	Logger          zerolog.Logger
	Clock           func() time.Time
	IDGenerator     func() string
	ReviewThreshold decimal.Decimal
	DeferDelay      time.Duration
}

type ReceivingService struct {
	orders    OrderStore
	stock     StockStore
	receiving ReceivingStore
	audit     AuditLog

	ledger   *LedgerPoster
	recovery *RecoveryOrchestrator

	log   zerolog.Logger
	clock func() time.Time
	newID func() string
}

// NewReceivingService wires the stores into a service. Orders, Stock,
// Receiving and Journal are required.
func NewReceivingService(deps ServiceDeps) (*ReceivingService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("receiving service: order store is required")
	case deps.Stock == nil:
		return nil, errors.New("receiving service: stock store is required")
	case deps.Receiving == nil:
		return nil, errors.New("receiving service: receiving store is required")
	case deps.Journal == nil:
		return nil, errors.New("receiving service: journal store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	s := &ReceivingService{
		orders:    deps.Orders,
		stock:     deps.Stock,
		receiving: deps.Receiving,
		audit:     deps.Audit,
		log:       deps.Logger.With().Str("component", "receiving").Logger(),
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
	}
	s.ledger = NewLedgerPoster(LedgerDeps{
		Journal:         deps.Journal,
		Logger:          deps.Logger,
		Clock:           clock,
		IDGenerator:     idGen,
		ReviewThreshold: deps.ReviewThreshold,
	})
	s.recovery = NewRecoveryOrchestrator(RecoveryDeps{
		Audit:       deps.Audit,
		Scheduler:   deps.Scheduler,
		Rollback:    s,
		Partial:     s,
		Logger:      deps.Logger,
		Clock:       clock,
		IDGenerator: idGen,
		DeferDelay:  deps.DeferDelay,
	})
	return s, nil
}

// Recovery exposes the orchestrator for callers that handle their own
// failures, such as the deferred-work runner.
func (s *ReceivingService) Recovery() *RecoveryOrchestrator { return s.recovery }

// Ledger exposes the poster for manual journals.
func (s *ReceivingService) Ledger() *LedgerPoster { return s.ledger }

// =============================================================================
// ORDERS
// =============================================================================

// CreateOrder validates order and saves it as a draft. Missing identifiers
// and totals are filled in before validation.
func (s *ReceivingService) CreateOrder(ctx context.Context, order *PurchaseOrder, actor Actor) (*PurchaseOrder, ValidationResult, error) {
	now := s.clock()
	o := order.Clone()
	if o.ID == "" {
		o.ID = s.newID()
	}
	if o.OrderDate.IsZero() {
		o.OrderDate = now
	}
	if o.Subtotal.IsZero() {
		o.Subtotal = o.ItemsTotal()
	}
	if o.Total.IsZero() {
		o.Total = o.Subtotal.Add(o.Tax)
	}
	for i := range o.Items {
		o.Items[i].ReceivedQuantity = decimal.Zero
	}
	o.Status = StatusDraft
	o.CreatedBy = actor.ID
	o.ApprovedBy, o.ApprovedAt = "", nil
	o.CreatedAt, o.UpdatedAt = now, now

	result := ValidateNewOrder(o, now)
	if !result.Valid() {
		return nil, result, &ValidationFailedError{Result: result}
	}
	if err := s.orders.SaveOrder(ctx, o); err != nil {
		return nil, result, fmt.Errorf("save order %s: %w", o.ID, err)
	}
	s.recordAudit(ctx, o.ID, "order.created", actor, nil, o.Status, map[string]any{"total": o.Total.StringFixed(2)})
	s.log.Info().Str("order_id", o.ID).Str("number", o.Number).Msg("purchase order created")
	return o, result, nil
}

func (s *ReceivingService) GetOrder(ctx context.Context, id string) (*PurchaseOrder, error) {
	return s.orders.GetOrder(ctx, id)
}

// TransitionCommand requests a status change other than receiving.
type TransitionCommand struct {
	OrderID string
	Target  Status
	Actor   Actor
	Attempt int
}

type TransitionOutcome struct {
	Order      *PurchaseOrder
	Validation ValidationResult
	Recovery   *RecoveryResult
}

// Transition applies a workflow move. Receiving statuses are reached only
// through Receive.
func (s *ReceivingService) Transition(ctx context.Context, cmd TransitionCommand) (*TransitionOutcome, error) {
	if cmd.Target == StatusPartiallyReceived || cmd.Target == StatusFullyReceived {
		return nil, fmt.Errorf("%w: status %s is set by receipts", ErrInvalidInput, cmd.Target)
	}
	if !cmd.Target.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, cmd.Target)
	}
	order, err := s.orders.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}

	op := OpStatusChange
	if cmd.Target == StatusApproved {
		op = OpApproval
	}
	prior := order.Clone()
	out := &TransitionOutcome{}

	fail := func(err error) (*TransitionOutcome, error) {
		res := s.recovery.HandleFailure(ctx, err,
			RecoveryContext{OperationType: op, Attempt: cmd.Attempt, Actor: cmd.Actor},
			RecoveryPayload{OrderID: prior.ID, Order: prior, Prior: prior, Target: cmd.Target, Actor: cmd.Actor})
		out.Recovery = &res
		return out, err
	}

	out.Validation = ApplyTransition(order, cmd.Target, cmd.Actor, s.clock())
	if !out.Validation.Valid() {
		out.Order = prior
		return fail(&ValidationFailedError{Result: out.Validation})
	}
	if err := s.orders.UpdateOrder(ctx, order, prior.Status); err != nil {
		out.Order = prior
		return fail(fmt.Errorf("update order %s: %w", order.ID, err))
	}
	out.Order = order
	s.recordAudit(ctx, order.ID, "order."+string(cmd.Target), cmd.Actor, prior.Status, order.Status, nil)
	s.log.Info().Str("order_id", order.ID).Str("from", string(prior.Status)).Str("to", string(order.Status)).Msg("order status changed")
	return out, nil
}

// =============================================================================
// RECEIVING
// =============================================================================

type ReceiveCommand struct {
	OrderID string
	Lines   []ReceivingLineItem
	Options ReceivingContext
	Actor   Actor
	Attempt int
}

// ProductCost is the costing outcome for one product in a receipt.
type ProductCost struct {
	ProductID  string
	Prior      StockLevel
	Result     CostResult
	Adjustment ValuationAdjustment
}

type ReceiptOutcome struct {
	Receipt    *Receipt
	Order      *PurchaseOrder
	Transition ValidationResult
	Validation ValidationResult
	Costs      []ProductCost
	Posting    *PostingResult
	Recovery   *RecoveryResult
}

// Receive books lines against an order.
func (s *ReceivingService) Receive(ctx context.Context, cmd ReceiveCommand) (*ReceiptOutcome, error) {
	return s.receive(ctx, cmd, true)
}

func (s *ReceivingService) receive(ctx context.Context, cmd ReceiveCommand, withRecovery bool) (*ReceiptOutcome, error) {
	now := s.clock()
	if cmd.Options.Now.IsZero() {
		cmd.Options.Now = now
	}

	order, err := s.orders.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	out := &ReceiptOutcome{Order: order}
	lines := PrepareLines(order, cmd.Lines)
	payload := RecoveryPayload{
		OrderID: order.ID,
		Order:   order.Clone(),
		Lines:   lines,
		Options: cmd.Options,
		Actor:   cmd.Actor,
	}

	fail := func(err error) (*ReceiptOutcome, error) {
		if withRecovery {
			res := s.recovery.HandleFailure(ctx, err,
				RecoveryContext{OperationType: OpReceiving, Attempt: cmd.Attempt, Actor: cmd.Actor}, payload)
			out.Recovery = &res
		}
		return out, err
	}

	// 1. Status transition
	target := ReceiptStatus(order, lines)
	payload.Target = target
	if IsReceivable(order.Status) {
		if target != order.Status {
			out.Transition = ValidateTransition(order.Status, target, cmd.Actor, order)
		} else {
			ValidateReceivingActor(&out.Transition, cmd.Actor)
		}
		if !out.Transition.Valid() {
			return out, &ValidationFailedError{Result: out.Transition}
		}
	}

	// 2. Receiving validation
	out.Validation = ValidateReceiving(order, lines, cmd.Options)
	if !out.Validation.Valid() {
		return fail(&ValidationFailedError{Result: out.Validation})
	}

	// 3. Costing
	costs, err := s.costLines(ctx, order, lines)
	if err != nil {
		return fail(err)
	}
	out.Costs = costs

	// 4. Optimistic re-read
	expected, err := s.checkFresh(ctx, order, lines)
	if err != nil {
		return fail(err)
	}

	// 5. Commit
	receipt := Receipt{
		ID:          s.newID(),
		OrderID:     order.ID,
		Lines:       lines,
		ReceivedBy:  cmd.Actor.ID,
		ReceivedAt:  now,
		Expected:    expected,
		PriorStatus: order.Status,
		NewStatus:   target,
	}
	for _, c := range costs {
		receipt.PriorStock = append(receipt.PriorStock, c.Prior)
		receipt.Stock = append(receipt.Stock, StockLevel{
			ProductID: c.ProductID,
			Quantity:  c.Result.NewStock,
			Cost:      c.Result.NewCost,
			Version:   c.Prior.Version,
		})
	}
	if err := s.receiving.CommitReceipt(ctx, receipt); err != nil {
		return fail(fmt.Errorf("commit receipt for %s: %w", order.ID, err))
	}
	out.Receipt = &receipt
	payload.ReceiptID = receipt.ID

	// 6. Posting
	adjustments := make([]ValuationAdjustment, 0, len(costs))
	for _, c := range costs {
		adjustments = append(adjustments, c.Adjustment)
	}
	posting, err := s.ledger.Post(ctx, PostingRequest{
		Adjustments:   adjustments,
		ReferenceID:   order.ID,
		ReferenceType: RefPurchaseOrder,
		Description:   fmt.Sprintf("Receipt %s for %s", receipt.ID, order.Number),
		Actor:         cmd.Actor,
	})
	if err != nil {
		if rbErr := s.receiving.RevertReceipt(ctx, receipt.ID); rbErr != nil {
			s.log.Error().Str("severity", "critical").Str("receipt_id", receipt.ID).Err(rbErr).Msg("revert after posting failure failed")
			return fail(fmt.Errorf("%w: receipt %s: %v (posting: %v)", ErrRollbackFailed, receipt.ID, rbErr, err))
		}
		out.Receipt = nil
		return fail(err)
	}
	out.Posting = posting

	applyReceipt(order, lines, target, now)
	s.recordAudit(ctx, order.ID, "receiving.committed", cmd.Actor, receipt.PriorStatus, receipt.NewStatus, map[string]any{
		"receipt_id": receipt.ID,
		"lines":      len(lines),
		"warnings":   len(out.Validation.Warnings),
	})
	s.log.Info().Str("order_id", order.ID).Str("receipt_id", receipt.ID).
		Str("status", string(target)).Int("lines", len(lines)).Msg("receipt committed")
	return out, nil
}

// costLines runs weighted-average costing per product. Several batches of
// one product are merged in line order.
func (s *ReceivingService) costLines(ctx context.Context, order *PurchaseOrder, lines []ReceivingLineItem) ([]ProductCost, error) {
	var costs []ProductCost
	index := make(map[string]int)

	for _, l := range lines {
		unitCost := decimal.Zero
		if item, ok := order.Item(l.ProductID); ok {
			unitCost = item.UnitPrice
		}
		if l.UnitCost != nil {
			unitCost = *l.UnitCost
		}

		i, seen := index[l.ProductID]
		if !seen {
			level, err := s.stock.GetStock(ctx, l.ProductID)
			if errors.Is(err, ErrNotFound) {
				level, err = StockLevel{ProductID: l.ProductID, Quantity: decimal.Zero, Cost: decimal.Zero}, nil
			}
			if err != nil {
				return nil, fmt.Errorf("get stock %s: %w", l.ProductID, err)
			}
			costs = append(costs, ProductCost{
				ProductID: l.ProductID,
				Prior:     level,
				Result:    CostResult{NewStock: level.Quantity, NewCost: level.Cost},
			})
			i = len(costs) - 1
			index[l.ProductID] = i
		}

		c := &costs[i]
		c.Result = WeightedAverage(c.Result.NewStock, c.Result.NewCost, l.ReceivedQuantity, unitCost)
	}

	for i := range costs {
		c := &costs[i]
		c.Adjustment = valuationDelta(c.ProductID, c.Prior.Quantity, c.Prior.Cost, c.Result.NewStock, c.Result.NewCost)
	}
	return costs, nil
}

// checkFresh compares stored received quantities with what the order said
// when validation ran.
func (s *ReceivingService) checkFresh(ctx context.Context, order *PurchaseOrder, lines []ReceivingLineItem) (map[string]decimal.Decimal, error) {
	fresh, err := s.receiving.ReceivedQuantities(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("read received quantities for %s: %w", order.ID, err)
	}
	expected := make(map[string]decimal.Decimal)
	for _, l := range lines {
		prev := decimal.Zero
		if item, ok := order.Item(l.ProductID); ok {
			prev = item.ReceivedQuantity
		}
		expected[l.ProductID] = prev
		if !fresh[l.ProductID].Equal(prev) {
			return nil, &StaleReceiptError{
				OrderID:   order.ID,
				ProductID: l.ProductID,
				Expected:  prev,
				Actual:    fresh[l.ProductID],
			}
		}
	}
	return expected, nil
}

func applyReceipt(order *PurchaseOrder, lines []ReceivingLineItem, target Status, now time.Time) {
	for _, l := range lines {
		if item, ok := order.Item(l.ProductID); ok {
			item.ReceivedQuantity = item.ReceivedQuantity.Add(l.ReceivedQuantity)
		}
	}
	if target == StatusFullyReceived && order.Status != StatusFullyReceived {
		t := now
		order.ReceivedAt = &t
	}
	order.Status = target
	order.UpdatedAt = now
}

// =============================================================================
// RECOVERY COLLABORATION
// =============================================================================

// Rollback applies compensating steps. Receiving reverts a committed
// receipt. Approval and status changes restore the snapshot taken before the
// attempt, and only when the attempt was written; the restore is refused if
// the order has moved on since.
func (s *ReceivingService) Rollback(ctx context.Context, op OperationType, steps []string, payload RecoveryPayload) error {
	switch op {
	case OpReceiving:
		if payload.ReceiptID == "" {
			return nil
		}
		if err := s.receiving.RevertReceipt(ctx, payload.ReceiptID); err != nil {
			return fmt.Errorf("%w: revert receipt %s: %v", ErrRollbackFailed, payload.ReceiptID, err)
		}
	case OpApproval, OpStatusChange:
		if payload.Prior == nil || !payload.Applied {
			s.log.Debug().Str("order_id", payload.OrderID).Str("operation", string(op)).Msg("nothing written, nothing to roll back")
			return nil
		}
		// The snapshot predates the attempt, so restoring it clears any
		// approval fields the attempt set.
		prior := payload.Prior.Clone()
		if err := s.orders.UpdateOrder(ctx, prior, payload.Target); err != nil {
			return fmt.Errorf("%w: restore order %s: %v", ErrRollbackFailed, prior.ID, err)
		}
	default:
		return fmt.Errorf("%w: no rollback for %s", ErrRollbackFailed, op)
	}
	s.log.Info().Str("order_id", payload.OrderID).Str("operation", string(op)).Strs("steps", steps).Msg("rollback applied")
	return nil
}

// ProcessPartial re-runs the pipeline on the subset recovery accepted, with
// the caller's original receiving options.
func (s *ReceivingService) ProcessPartial(ctx context.Context, payload RecoveryPayload, lines []ReceivingLineItem) error {
	_, err := s.receive(ctx, ReceiveCommand{
		OrderID: payload.OrderID,
		Lines:   lines,
		Options: payload.Options,
		Actor:   payload.Actor,
	}, false)
	return err
}

// Replay runs a deferred operation again.
func (s *ReceivingService) Replay(ctx context.Context, op DeferredOperation) (*RecoveryResult, error) {
	p := op.Payload
	switch op.OperationType {
	case OpReceiving:
		out, err := s.Receive(ctx, ReceiveCommand{
			OrderID: p.OrderID, Lines: p.Lines, Options: p.Options, Actor: p.Actor, Attempt: op.Attempt,
		})
		if out == nil {
			return nil, err
		}
		return out.Recovery, err
	case OpApproval, OpStatusChange:
		out, err := s.Transition(ctx, TransitionCommand{
			OrderID: p.OrderID, Target: p.Target, Actor: p.Actor, Attempt: op.Attempt,
		})
		if out == nil {
			return nil, err
		}
		return out.Recovery, err
	}
	return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidInput, op.OperationType)
}

func (s *ReceivingService) recordAudit(ctx context.Context, orderID, action string, actor Actor, before, after any, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, AuditRecord{
		ID:         s.newID(),
		EntityType: "purchase_order",
		EntityID:   orderID,
		Action:     action,
		ActorID:    actor.ID,
		Before:     before,
		After:      after,
		Metadata:   meta,
		At:         s.clock(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", orderID).Str("action", action).Msg("audit record failed")
	}
}

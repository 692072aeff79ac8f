/*
recovery.go - Failure classification and recovery planning

PURPOSE:
  The single seam where a failure from any stage becomes a bounded action
  plan. A fixed strategy table maps error codes to ordered candidate actions
  and a retry ceiling. The orchestrator never sleeps: backoff is returned as
  data and the caller decides how to wait.

STRATEGIES:
  name                codes                                       actions           max
  infrastructure      DATABASE, CONNECTION, TIMEOUT, DEADLOCK,    retry, queue      3
                      NETWORK
  receiving_quantity  OVER_RECEIVING, INVALID_RECEIVED_QUANTITY,  partial*, manual  1
                      PRODUCT_NOT_IN_ORDER
  stock               INSUFFICIENT_STOCK, NEGATIVE_STOCK,         retry, partial    2
                      CONCURRENT_MODIFICATION
  authorization       permission / approval limit / auth codes    manual            0
  workflow            INVALID_STATUS_TRANSITION, ALREADY_APPROVED rollback, manual  1
                      CANNOT_CANCEL_RECEIVED_ORDER
  integrity           UNBALANCED_ENTRY, ROLLBACK_FAILED           manual (critical) 0

  * Rows that are not auto-recoverable only propose the partial split:
    ProposedItems lists what would be booked and nothing is committed
    until someone confirms it through SkipFailedItems.

OUTCOMES:
  Every call ends in a successful recovery, a queued operation, or a result
  with RequiresManualIntervention set and concrete next steps. Every call
  writes an audit record; an audit failure is logged and ignored.

SEE ALSO:
  - errors.go: CodeOf classifies Go errors
  - service.go: implements RollbackExecutor and PartialProcessor
*/
package purchasing

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPES
// =============================================================================

type OperationType string

const (
	OpReceiving    OperationType = "receiving"
	OpApproval     OperationType = "approval"
	OpStatusChange OperationType = "status_change"
)

type RecoveryAction string

const (
	ActionRetry      RecoveryAction = "retry_operation"
	ActionRollback   RecoveryAction = "rollback_transaction"
	ActionPartial    RecoveryAction = "partial_recovery"
	ActionQueue      RecoveryAction = "queue_for_later"
	ActionSkipFailed RecoveryAction = "skip_failed_items"
	ActionManual     RecoveryAction = "manual_intervention"
)

// Strategy is one row of the recovery table.
type Strategy struct {
	Name            string
	Codes           []Code
	Actions         []RecoveryAction
	AutoRecoverable bool
	MaxRetries      int
	Critical        bool
}

var strategies = []Strategy{
	{
		Name:            "infrastructure",
		Codes:           []Code{CodeDatabaseError, CodeConnectionError, CodeTimeoutError, CodeDeadlockDetected, CodeNetworkError},
		Actions:         []RecoveryAction{ActionRetry, ActionQueue},
		AutoRecoverable: true,
		MaxRetries:      3,
	},
	{
		Name:       "receiving_quantity",
		Codes:      []Code{CodeOverReceiving, CodeInvalidReceivedQuantity, CodeProductNotInOrder},
		Actions:    []RecoveryAction{ActionPartial, ActionManual},
		MaxRetries: 1,
	},
	{
		Name:            "stock",
		Codes:           []Code{CodeInsufficientStock, CodeNegativeStock, CodeConcurrentModification},
		Actions:         []RecoveryAction{ActionRetry, ActionPartial},
		AutoRecoverable: true,
		MaxRetries:      2,
	},
	{
		Name: "authorization",
		Codes: []Code{
			CodeInsufficientApprovalPermission, CodeApprovalLimitExceeded, CodeNoApprovalPermission,
			CodeSelfApprovalNotAllowed, CodeInsufficientCancellationPermission,
			CodeInsufficientReceivingPermission, CodeAuthenticationRequired,
		},
		Actions:    []RecoveryAction{ActionManual},
		MaxRetries: 0,
	},
	{
		Name:            "workflow",
		Codes:           []Code{CodeInvalidStatusTransition, CodeAlreadyApproved, CodeCannotCancelReceivedOrder},
		Actions:         []RecoveryAction{ActionRollback, ActionManual},
		AutoRecoverable: true,
		MaxRetries:      1,
	},
	{
		Name:       "integrity",
		Codes:      []Code{CodeUnbalancedEntry, CodeRollbackFailed},
		Actions:    []RecoveryAction{ActionManual},
		MaxRetries: 0,
		Critical:   true,
	},
}

var strategyByCode = func() map[Code]*Strategy {
	m := make(map[Code]*Strategy)
	for i := range strategies {
		for _, c := range strategies[i].Codes {
			m[c] = &strategies[i]
		}
	}
	return m
}()

// StrategyFor returns the table row handling code.
func StrategyFor(code Code) (Strategy, bool) {
	s, ok := strategyByCode[code]
	if !ok {
		return Strategy{}, false
	}
	return *s, true
}

var rollbackSteps = map[OperationType][]string{
	OpReceiving:    {"reverse_stock_adjustments", "remove_receiving_records", "reset_order_status"},
	OpApproval:     {"clear_approval_fields"},
	OpStatusChange: {"revert_status"},
}

// RollbackStepsFor returns the ordered compensating steps for op.
func RollbackStepsFor(op OperationType) []string {
	return append([]string(nil), rollbackSteps[op]...)
}

// partialBound caps what partial recovery accepts: 150% of remaining.
var partialBound = decimal.NewFromFloat(1.5)

// RecoveryContext describes the failed attempt.
type RecoveryContext struct {
	OperationType OperationType
	Attempt       int

	// MaxRetries lowers the strategy ceiling when positive.
	MaxRetries int

	Actor          Actor
	ExcludeActions []RecoveryAction
}

func (rc RecoveryContext) excluded(a RecoveryAction) bool {
	for _, x := range rc.ExcludeActions {
		if x == a {
			return true
		}
	}
	return false
}

// RecoveryPayload is what is needed to retry or compensate the operation.
// It is serialized into deferred operations.
type RecoveryPayload struct {
	OrderID   string              `json:"order_id"`
	Order     *PurchaseOrder      `json:"order,omitempty"`
	Lines     []ReceivingLineItem `json:"lines,omitempty"`
	Options   ReceivingContext    `json:"options"`
	Target    Status              `json:"target,omitempty"`
	Prior     *PurchaseOrder      `json:"prior,omitempty"`
	ReceiptID string              `json:"receipt_id,omitempty"`
	Actor     Actor               `json:"actor"`

	// Applied is set when the failed attempt already wrote its change.
	Applied bool `json:"applied,omitempty"`

	// SkipProductIDs names lines to drop for skip_failed_items.
	SkipProductIDs []string `json:"skip_product_ids,omitempty"`
}

// FailedItem is a line that recovery did not process.
type FailedItem struct {
	Line   ReceivingLineItem
	Reason string
}

type RecoveryResult struct {
	Success                    bool
	Action                     RecoveryAction
	Message                    string
	RequiresManualIntervention bool
	Critical                   bool
	ErrorCode                  Code
	Strategy                   string
	Attempt                    int
	RetryAfter                 time.Duration
	RollbackSteps              []string
	ProcessedItems             []ReceivingLineItem

	// ProposedItems are valid lines awaiting confirmation.
	ProposedItems []ReceivingLineItem
	FailedItems   []FailedItem
	SkippedItems               []ReceivingLineItem
	Deferred                   *DeferredOperation
	NextSteps                  []string
}

// RollbackExecutor applies compensating steps for an operation.
type RollbackExecutor interface {
	Rollback(ctx context.Context, op OperationType, steps []string, payload RecoveryPayload) error
}

// PartialProcessor books the valid subset of a failed receipt.
type PartialProcessor interface {
	ProcessPartial(ctx context.Context, payload RecoveryPayload, lines []ReceivingLineItem) error
}

// RetryDelay is min(1000·2^(attempt-1), 10000) milliseconds.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return 10 * time.Second
	}
	d := time.Duration(1<<(attempt-1)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// DefaultDeferDelay is how far ahead queue_for_later schedules work.
const DefaultDeferDelay = time.Hour

type RecoveryDeps struct {
	Audit       AuditLog
	Scheduler   Scheduler
	Rollback    RollbackExecutor
	Partial     PartialProcessor
	Logger      zerolog.Logger
	Clock       func() time.Time
	IDGenerator func() string
	DeferDelay  time.Duration
}

type RecoveryOrchestrator struct {
	audit      AuditLog
	scheduler  Scheduler
	rollback   RollbackExecutor
	partial    PartialProcessor
	log        zerolog.Logger
	clock      func() time.Time
	newID      func() string
	deferDelay time.Duration
}

func NewRecoveryOrchestrator(deps RecoveryDeps) *RecoveryOrchestrator {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	delay := deps.DeferDelay
	if delay <= 0 {
		delay = DefaultDeferDelay
	}
	return &RecoveryOrchestrator{
		audit:      deps.Audit,
		scheduler:  deps.Scheduler,
		rollback:   deps.Rollback,
		partial:    deps.Partial,
		log:        deps.Logger.With().Str("component", "recovery").Logger(),
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		deferDelay: delay,
	}
}

// HandleFailure classifies err and executes the first applicable action.
func (o *RecoveryOrchestrator) HandleFailure(ctx context.Context, err error, rc RecoveryContext, payload RecoveryPayload) RecoveryResult {
	if rc.Attempt < 1 {
		rc.Attempt = 1
	}
	code := CodeOf(err)
	res := o.plan(ctx, err, code, rc, payload)
	// A re-routed scheduler failure already carries its own code and attempt.
	if res.ErrorCode == "" {
		res.ErrorCode = code
	}
	if res.Attempt == 0 {
		res.Attempt = rc.Attempt
	}
	o.record(ctx, err, rc, payload, res)
	return res
}

func (o *RecoveryOrchestrator) plan(ctx context.Context, err error, code Code, rc RecoveryContext, payload RecoveryPayload) RecoveryResult {
	strategy, ok := StrategyFor(code)
	if !ok {
		o.log.Warn().Str("code", string(code)).Err(err).Msg("no recovery strategy for error")
		return RecoveryResult{
			Action:                     ActionManual,
			Message:                    fmt.Sprintf("Unknown error %s: %v", code, err),
			RequiresManualIntervention: true,
			NextSteps:                  []string{"Review the error details", "Contact support if the problem persists"},
		}
	}

	maxRetries := strategy.MaxRetries
	if rc.MaxRetries > 0 && rc.MaxRetries < maxRetries {
		maxRetries = rc.MaxRetries
	}
	if rc.Attempt > maxRetries {
		res := o.manual(strategy, code)
		res.Message = fmt.Sprintf("Maximum retry attempts exceeded (%d of %d) for %s", rc.Attempt, maxRetries, code)
		return res
	}

	for _, action := range strategy.Actions {
		if rc.excluded(action) {
			continue
		}
		res, applied := o.execute(ctx, action, err, strategy, code, rc, payload)
		if applied {
			res.Strategy = strategy.Name
			return res
		}
	}
	res := o.manual(strategy, code)
	res.Message = fmt.Sprintf("No applicable recovery action for %s", code)
	return res
}

func (o *RecoveryOrchestrator) execute(ctx context.Context, action RecoveryAction, err error, strategy Strategy, code Code, rc RecoveryContext, payload RecoveryPayload) (RecoveryResult, bool) {
	switch action {
	case ActionRetry:
		delay := RetryDelay(rc.Attempt)
		return RecoveryResult{
			Success:    true,
			Action:     ActionRetry,
			RetryAfter: delay,
			Message:    fmt.Sprintf("Retry %s after %s (attempt %d)", rc.OperationType, delay, rc.Attempt),
			NextSteps:  []string{"Refresh the order and stock, then retry"},
		}, true

	case ActionRollback:
		return o.rollbackAction(ctx, rc, payload)

	case ActionPartial:
		if len(payload.Lines) == 0 || o.partial == nil {
			return RecoveryResult{}, false
		}
		if !strategy.AutoRecoverable {
			return o.proposePartial(payload), true
		}
		return o.partialRecovery(ctx, payload), true

	case ActionQueue:
		if o.scheduler == nil {
			return RecoveryResult{}, false
		}
		return o.queue(ctx, code, rc, payload), true

	case ActionSkipFailed:
		if len(payload.SkipProductIDs) == 0 || o.partial == nil {
			return RecoveryResult{}, false
		}
		return o.skip(ctx, payload, payload.SkipProductIDs), true

	case ActionManual:
		return o.manual(strategy, code), true
	}
	return RecoveryResult{}, false
}

func (o *RecoveryOrchestrator) rollbackAction(ctx context.Context, rc RecoveryContext, payload RecoveryPayload) (RecoveryResult, bool) {
	steps := RollbackStepsFor(rc.OperationType)
	if len(steps) == 0 {
		return RecoveryResult{}, false
	}
	if o.rollback != nil {
		if rbErr := o.rollback.Rollback(ctx, rc.OperationType, steps, payload); rbErr != nil {
			o.log.Error().Str("severity", "critical").Str("order_id", payload.OrderID).
				Str("operation", string(rc.OperationType)).Err(rbErr).Msg("rollback failed")
			return RecoveryResult{
				Action:                     ActionRollback,
				Message:                    fmt.Sprintf("Rollback of %s failed: %v", rc.OperationType, rbErr),
				RequiresManualIntervention: true,
				Critical:                   true,
				RollbackSteps:              steps,
				NextSteps: []string{
					"Inspect order " + payload.OrderID + " and its stock levels",
					"Apply the compensating steps by hand",
				},
			}, true
		}
	}
	return RecoveryResult{
		Success:       true,
		Action:        ActionRollback,
		Message:       fmt.Sprintf("Rolled back %s in %d steps", rc.OperationType, len(steps)),
		RollbackSteps: steps,
	}, true
}

// SplitLines partitions lines into those partial recovery may process and
// the rest, applying the receiving rules line by line. Batches of one product
// consume its remaining quantity cumulatively; no product may exceed 150% of
// remaining, and none may exceed remaining unless rc allows over-receiving.
func SplitLines(order *PurchaseOrder, lines []ReceivingLineItem, rc ReceivingContext) (valid []ReceivingLineItem, invalid []FailedItem) {
	if order != nil {
		lines = PrepareLines(order, lines)
	}
	now := rc.now()
	accepted := make(map[string]decimal.Decimal, len(lines))
	batches := make(map[string]bool, len(lines))

	reject := func(l ReceivingLineItem, code Code) {
		invalid = append(invalid, FailedItem{Line: l, Reason: string(code)})
	}
	for _, l := range lines {
		key := l.ProductID + "\x00" + l.BatchNumber
		remaining := l.Remaining()
		total := accepted[l.ProductID].Add(l.ReceivedQuantity)

		switch {
		case !l.ReceivedQuantity.IsPositive():
			reject(l, CodeInvalidReceivedQuantity)
		case !inOrder(order, l):
			reject(l, CodeProductNotInOrder)
		case batches[key]:
			reject(l, CodeDuplicateReceivingLine)
		case total.GreaterThan(remaining.Mul(partialBound)):
			reject(l, CodeOverReceiving)
		case !rc.AllowOverReceiving && total.GreaterThan(remaining):
			reject(l, CodeOverReceiving)
		case l.Condition == ConditionExpired || (l.ExpiryDate != nil && !l.ExpiryDate.After(now)):
			reject(l, CodeExpiredProduct)
		case l.Condition != "" && l.Condition != ConditionGood && l.Condition != ConditionDamaged:
			reject(l, CodeInvalidCondition)
		case l.UnitCost != nil && l.UnitCost.IsNegative():
			reject(l, CodeInvalidUnitCost)
		default:
			batches[key] = true
			accepted[l.ProductID] = total
			valid = append(valid, l)
		}
	}
	return valid, invalid
}

func inOrder(order *PurchaseOrder, l ReceivingLineItem) bool {
	if order == nil {
		return l.OrderedQuantity.IsPositive()
	}
	_, ok := order.Item(l.ProductID)
	return ok
}

// proposePartial reports the split without booking anything.
func (o *RecoveryOrchestrator) proposePartial(payload RecoveryPayload) RecoveryResult {
	valid, invalid := SplitLines(payload.Order, payload.Lines, payload.Options)
	res := RecoveryResult{
		Action:                     ActionPartial,
		RequiresManualIntervention: true,
		ProposedItems:              valid,
		FailedItems:                invalid,
	}
	if len(valid) == 0 {
		res.Message = "No line items could be processed"
		res.NextSteps = []string{"Correct the rejected lines and receive them again"}
		return res
	}
	res.Message = fmt.Sprintf("%d of %d line items can be received once confirmed", len(valid), len(payload.Lines))
	res.NextSteps = []string{
		fmt.Sprintf("Confirm receiving the %d accepted line items and skip the rest", len(valid)),
		fmt.Sprintf("Review %d rejected line items", len(invalid)),
	}
	return res
}

func (o *RecoveryOrchestrator) partialRecovery(ctx context.Context, payload RecoveryPayload) RecoveryResult {
	valid, invalid := SplitLines(payload.Order, payload.Lines, payload.Options)
	res := RecoveryResult{
		Action:      ActionPartial,
		FailedItems: invalid,
	}
	if len(valid) == 0 {
		res.Message = "No line items could be processed"
		res.RequiresManualIntervention = true
		res.NextSteps = []string{"Correct the rejected lines and receive them again"}
		return res
	}
	if err := o.partial.ProcessPartial(ctx, payload, valid); err != nil {
		res.Message = fmt.Sprintf("Partial recovery failed: %v", err)
		res.FailedItems = append(res.FailedItems, failAll(valid, CodeOf(err))...)
		res.RequiresManualIntervention = true
		res.NextSteps = []string{"Review the order and receive the lines manually"}
		return res
	}
	res.Success = true
	res.ProcessedItems = valid
	res.RequiresManualIntervention = len(invalid) > 0
	res.Message = fmt.Sprintf("Processed %d of %d line items", len(valid), len(payload.Lines))
	if len(invalid) > 0 {
		res.NextSteps = []string{fmt.Sprintf("Review %d rejected line items", len(invalid))}
	}
	return res
}

// SkipFailedItems drops the named products and books the rest.
func (o *RecoveryOrchestrator) SkipFailedItems(ctx context.Context, rc RecoveryContext, payload RecoveryPayload, failed []string) RecoveryResult {
	res := o.skip(ctx, payload, failed)
	res.Attempt = rc.Attempt
	o.record(ctx, nil, rc, payload, res)
	return res
}

func (o *RecoveryOrchestrator) skip(ctx context.Context, payload RecoveryPayload, failed []string) RecoveryResult {
	drop := make(map[string]bool, len(failed))
	for _, id := range failed {
		drop[id] = true
	}
	res := RecoveryResult{Action: ActionSkipFailed}
	var keep []ReceivingLineItem
	for _, l := range payload.Lines {
		if drop[l.ProductID] {
			res.SkippedItems = append(res.SkippedItems, l)
		} else {
			keep = append(keep, l)
		}
	}
	if len(keep) == 0 {
		res.Message = "Every line item was skipped"
		res.RequiresManualIntervention = true
		return res
	}
	if o.partial != nil {
		if err := o.partial.ProcessPartial(ctx, payload, keep); err != nil {
			res.Message = fmt.Sprintf("Processing remaining items failed: %v", err)
			res.FailedItems = failAll(keep, CodeOf(err))
			res.RequiresManualIntervention = true
			return res
		}
	}
	res.Success = true
	res.ProcessedItems = keep
	res.Message = fmt.Sprintf("Skipped %d, processed %d line items", len(res.SkippedItems), len(keep))
	return res
}

func (o *RecoveryOrchestrator) queue(ctx context.Context, code Code, rc RecoveryContext, payload RecoveryPayload) RecoveryResult {
	now := o.clock()
	op := DeferredOperation{
		ID:            o.newID(),
		OperationType: rc.OperationType,
		Payload:       payload,
		ScheduledFor:  now.Add(o.deferDelay),
		Attempt:       rc.Attempt + 1,
		ErrorCode:     code,
		CreatedAt:     now,
	}
	id, err := o.scheduler.Enqueue(ctx, op)
	if err != nil {
		o.log.Warn().Err(err).Str("order_id", payload.OrderID).Msg("enqueue deferred operation failed")
		next := rc
		next.Attempt++
		rerouted := WithCode(CodeConnectionError, fmt.Errorf("%w: %v", ErrScheduler, err))
		res := o.plan(ctx, rerouted, CodeConnectionError, next, payload)
		res.ErrorCode = CodeConnectionError
		if res.Attempt == 0 {
			res.Attempt = next.Attempt
		}
		return res
	}
	if id != "" {
		op.ID = id
	}
	return RecoveryResult{
		Success:   true,
		Action:    ActionQueue,
		Deferred:  &op,
		Message:   fmt.Sprintf("Queued %s for %s", rc.OperationType, op.ScheduledFor.Format(time.RFC3339)),
		NextSteps: []string{"The operation will run again automatically"},
	}
}

func (o *RecoveryOrchestrator) manual(strategy Strategy, code Code) RecoveryResult {
	res := RecoveryResult{
		Action:                     ActionManual,
		Strategy:                   strategy.Name,
		RequiresManualIntervention: true,
		Critical:                   strategy.Critical,
		Message:                    fmt.Sprintf("Manual intervention required for %s", code),
		NextSteps:                  nextSteps(strategy.Name),
	}
	if strategy.Critical {
		o.log.Error().Str("severity", "critical").Str("code", string(code)).Msg("integrity violation requires manual intervention")
	}
	return res
}

func nextSteps(strategy string) []string {
	switch strategy {
	case "authorization":
		return []string{"Ask a user with the required role to perform the operation"}
	case "receiving_quantity":
		return []string{"Correct the received quantities", "Enable over-receiving if extra units were accepted"}
	case "workflow":
		return []string{"Reload the order to see its current status"}
	case "integrity":
		return []string{"Inspect the journal entry and its lines", "Escalate to accounting"}
	case "stock":
		return []string{"Refresh stock levels and recalculate"}
	}
	return []string{"Review the error details", "Retry later or contact support"}
}

func failAll(lines []ReceivingLineItem, code Code) []FailedItem {
	out := make([]FailedItem, len(lines))
	for i, l := range lines {
		out[i] = FailedItem{Line: l, Reason: string(code)}
	}
	return out
}

func (o *RecoveryOrchestrator) record(ctx context.Context, err error, rc RecoveryContext, payload RecoveryPayload, res RecoveryResult) {
	if o.audit == nil {
		return
	}
	before := ""
	if err != nil {
		before = err.Error()
	}
	rec := AuditRecord{
		ID:         o.newID(),
		EntityType: "purchase_order",
		EntityID:   payload.OrderID,
		Action:     "recovery." + string(res.Action),
		ActorID:    rc.Actor.ID,
		Before:     before,
		After:      res.Message,
		Metadata: map[string]any{
			"operation":   string(rc.OperationType),
			"attempt":     rc.Attempt,
			"error_code":  string(res.ErrorCode),
			"strategy":    res.Strategy,
			"success":     res.Success,
			"manual":      res.RequiresManualIntervention,
			"retry_after": res.RetryAfter.Milliseconds(),
		},
		At: o.clock(),
	}
	if auditErr := o.audit.Record(ctx, rec); auditErr != nil {
		o.log.Warn().Err(auditErr).Str("order_id", payload.OrderID).Msg("audit record failed")
	}
}

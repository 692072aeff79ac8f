/*
handlers.go - HTTP API handlers for purchase-order receiving

PURPOSE:
  Exposes the receiving service over REST. Handles HTTP request/response,
  JSON serialization, and delegates to the purchasing engine.

ENDPOINTS:
  Orders:
    POST   /api/orders                   Create draft order
    POST   /api/orders/validate          Creation validation only
    GET    /api/orders/{id}              Order details
    POST   /api/orders/{id}/transitions  Workflow move {target}
    POST   /api/orders/{id}/receipts     Receive goods
    GET    /api/orders/{id}/receipts     Receipt history
    GET    /api/orders/{id}/journal      Journal entries posted for the order
    GET    /api/orders/{id}/audit        Audit trail

  Tools:
    POST   /api/stock/check              Stock guard over a request set
    POST   /api/costing/weighted-average Weighted-average calculator

ACTOR:
  Authentication happens upstream. The caller identity arrives in the
  X-Actor-ID and X-Actor-Role headers and is trusted as-is.

ERROR HANDLING:
  - 400: malformed body or unknown target status
  - 404: order not found
  - 409: concurrent modification
  - 422: business validation failed (body carries the full result)
  - 500/503: infrastructure failures; 503 when retrying may help
  Every failure that went through recovery carries the recovery outcome.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/purchasing"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// History serves the read-only endpoints. store/sqlite implements it.
type History interface {
	Receipts(ctx context.Context, orderID string) ([]purchasing.Receipt, error)
	EntriesFor(ctx context.Context, referenceID string) ([]purchasing.JournalEntry, error)
	GetEntry(ctx context.Context, entryID string) (purchasing.JournalEntry, []purchasing.JournalEntryLine, error)
	AuditTrail(ctx context.Context, entityType, entityID string) ([]purchasing.AuditRecord, error)
}

type HandlerDeps struct {
	Service *purchasing.ReceivingService
	Stock   purchasing.StockStore
	History History
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	service  *purchasing.ReceivingService
	stock    purchasing.StockStore
	history  History
	validate *validator.Validate
	log      zerolog.Logger
	clock    func() time.Time
}

func NewHandler(deps HandlerDeps) *Handler {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Handler{
		service:  deps.Service,
		stock:    deps.Stock,
		history:  deps.History,
		validate: validator.New(),
		log:      deps.Logger.With().Str("component", "api").Logger(),
		clock:    deps.Clock,
	}
}

func actorFrom(r *http.Request) purchasing.Actor {
	return purchasing.Actor{
		ID:   r.Header.Get(HeaderActorID),
		Role: purchasing.Role(r.Header.Get(HeaderActorRole)),
	}
}

// decode reads the body into dst and runs struct validation. It writes the
// 400 itself and reports false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Invalid request body", Details: err.Error()}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			resp.Fields = make(map[string]string, len(verrs))
			for _, fe := range verrs {
				resp.Fields[fe.Namespace()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

// =============================================================================
// ORDER ENDPOINTS
// =============================================================================

// CreateOrder validates and saves a draft order.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, result, err := h.service.CreateOrder(r.Context(), h.toOrder(req), actorFrom(r))
	if err != nil {
		h.writeFailure(w, err, &result, nil)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResponse{Order: toOrderDTO(order), Validation: toValidationDTO(result)})
}

// ValidateOrder runs creation validation without saving.
// POST /api/orders/validate
func (h *Handler) ValidateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	result := purchasing.ValidateNewOrder(h.toOrder(req), h.clock())
	writeJSON(w, http.StatusOK, toValidationDTO(result))
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, err, nil, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// TransitionOrder moves an order through the workflow.
// POST /api/orders/{id}/transitions
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.service.Transition(r.Context(), purchasing.TransitionCommand{
		OrderID: chi.URLParam(r, "id"),
		Target:  purchasing.Status(req.Target),
		Actor:   actorFrom(r),
	})
	if err != nil {
		var validation *purchasing.ValidationResult
		var recovery *purchasing.RecoveryResult
		if out != nil {
			validation, recovery = &out.Validation, out.Recovery
		}
		h.writeFailure(w, err, validation, recovery)
		return
	}
	writeJSON(w, http.StatusOK, OrderResponse{Order: toOrderDTO(out.Order), Validation: toValidationDTO(out.Validation)})
}

// ReceiveOrder books goods against an order.
// POST /api/orders/{id}/receipts
func (h *Handler) ReceiveOrder(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}

	cmd := purchasing.ReceiveCommand{
		OrderID: chi.URLParam(r, "id"),
		Lines:   make([]purchasing.ReceivingLineItem, 0, len(req.Lines)),
		Options: purchasing.ReceivingContext{
			AllowOverReceiving:  req.AllowOverReceiving,
			TolerancePercentage: req.TolerancePercentage,
		},
		Actor: actorFrom(r),
	}
	if req.ReceivedDate != nil {
		cmd.Options.ReceivedDate = *req.ReceivedDate
	}
	for _, l := range req.Lines {
		cmd.Lines = append(cmd.Lines, purchasing.ReceivingLineItem{
			ProductID:        l.ProductID,
			ReceivedQuantity: l.ReceivedQuantity,
			Condition:        purchasing.Condition(l.Condition),
			BatchNumber:      l.BatchNumber,
			ExpiryDate:       l.ExpiryDate,
			UnitCost:         l.UnitCost,
		})
	}

	out, err := h.service.Receive(r.Context(), cmd)
	if err != nil {
		var validation *purchasing.ValidationResult
		var recovery *purchasing.RecoveryResult
		if out != nil {
			recovery = out.Recovery
			validation = &out.Validation
			if !out.Transition.Valid() {
				validation = &out.Transition
			}
		}
		h.writeFailure(w, err, validation, recovery)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptResponse(out))
}

// ListReceipts returns the receipts booked against an order.
// GET /api/orders/{id}/receipts
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.history.Receipts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, err, nil, nil)
		return
	}
	dtos := make([]ReceiptDTO, 0, len(receipts))
	for i := range receipts {
		dtos = append(dtos, *toReceiptDTO(&receipts[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListJournal returns journal entries referencing the order, with lines.
// GET /api/orders/{id}/journal
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.history.EntriesFor(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, err, nil, nil)
		return
	}
	dtos := make([]JournalEntryDTO, 0, len(entries))
	for _, e := range entries {
		_, lines, err := h.history.GetEntry(ctx, e.ID)
		if err != nil {
			h.writeFailure(w, err, nil, nil)
			return
		}
		dtos = append(dtos, *toEntryDTO(&e, lines))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAudit returns the audit trail of the order.
// GET /api/orders/{id}/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.AuditTrail(r.Context(), "purchase_order", chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, err, nil, nil)
		return
	}
	dtos := make([]AuditDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, AuditDTO{
			ID: rec.ID, Action: rec.Action, ActorID: rec.ActorID,
			Before: rec.Before, After: rec.After, Metadata: rec.Metadata, At: rec.At,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TOOL ENDPOINTS
// =============================================================================

// CheckStock runs the stock guard and the duplicate-reference check over a
// request set, reading current levels from storage. Unknown products are
// reported by the guard, not as a 404.
// POST /api/stock/check
func (h *Handler) CheckStock(w http.ResponseWriter, r *http.Request) {
	var req StockCheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	requests := make([]purchasing.StockRequest, 0, len(req.Requests))
	stock := make(map[string]decimal.Decimal)
	for _, item := range req.Requests {
		requests = append(requests, purchasing.StockRequest{ProductID: item.ProductID, Quantity: item.Quantity})
		if _, seen := stock[item.ProductID]; seen {
			continue
		}
		level, err := h.stock.GetStock(ctx, item.ProductID)
		if purchasing.IsNotFound(err) {
			continue
		}
		if err != nil {
			h.writeFailure(w, err, nil, nil)
			return
		}
		stock[item.ProductID] = level.Quantity
	}

	result := purchasing.CheckBulk(requests, stock, purchasing.StockPolicy{
		PreventNegative: req.PreventNegative,
		MinimumStock:    req.MinimumStock,
	})
	result.Merge(purchasing.DetectConcurrentModification(requests, stock))
	writeJSON(w, http.StatusOK, toValidationDTO(result))
}

// WeightedAverage computes a cost merge without touching storage.
// POST /api/costing/weighted-average
func (h *Handler) WeightedAverage(w http.ResponseWriter, r *http.Request) {
	var req WeightedAverageRequest
	if !h.decode(w, r, &req) {
		return
	}
	res := purchasing.WeightedAverage(req.CurrentStock, req.CurrentCost, req.IncomingQuantity, req.IncomingCost)
	writeJSON(w, http.StatusOK, CostDTO{
		PreviousStock:          req.CurrentStock.String(),
		PreviousCost:           req.CurrentCost.StringFixed(2),
		NewStock:               res.NewStock.String(),
		NewCost:                res.NewCost.StringFixed(2),
		NewTotalValue:          res.NewTotalValue.StringFixed(2),
		CostVariance:           res.CostVariance.StringFixed(2),
		CostVariancePercentage: res.CostVariancePercentage.StringFixed(2),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// toOrder fills the same defaults CreateOrder would, so /validate answers
// for the order that would actually be saved.
func (h *Handler) toOrder(req CreateOrderRequest) *purchasing.PurchaseOrder {
	o := &purchasing.PurchaseOrder{
		Number:               req.Number,
		SupplierID:           req.SupplierID,
		Subtotal:             req.Subtotal,
		Tax:                  req.Tax,
		Total:                req.Total,
		ExpectedDeliveryDate: req.ExpectedDeliveryDate,
		Status:               purchasing.StatusDraft,
	}
	for _, it := range req.Items {
		o.Items = append(o.Items, purchasing.PurchaseOrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	if req.OrderDate != nil {
		o.OrderDate = *req.OrderDate
	} else {
		o.OrderDate = h.clock()
	}
	if o.Subtotal.IsZero() {
		o.Subtotal = o.ItemsTotal()
	}
	if o.Total.IsZero() {
		o.Total = o.Subtotal.Add(o.Tax)
	}
	return o
}

func statusFor(err error) int {
	var vf *purchasing.ValidationFailedError
	switch {
	case purchasing.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &vf):
		return http.StatusUnprocessableEntity
	case purchasing.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, purchasing.ErrConcurrentModification):
		return http.StatusConflict
	case purchasing.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeFailure renders an engine error with its validation result and
// recovery outcome. The summary line of the result becomes the message.
func (h *Handler) writeFailure(w http.ResponseWriter, err error, result *purchasing.ValidationResult, recovery *purchasing.RecoveryResult) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:    http.StatusText(status),
		Code:     purchasing.CodeOf(err),
		Details:  err.Error(),
		Recovery: toRecoveryDTO(recovery),
	}
	if result != nil && (len(result.Errors) > 0 || len(result.Warnings) > 0) {
		resp.Validation = toValidationDTO(*result)
		resp.Error = result.Summary()
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("code", string(resp.Code)).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toIssues(in []purchasing.ValidationError) []IssueDTO {
	out := make([]IssueDTO, 0, len(in))
	for _, e := range in {
		out = append(out, IssueDTO{
			Code:        e.Code,
			Message:     e.Message,
			Severity:    e.Severity,
			Field:       e.Field,
			ProductID:   e.ProductID,
			Suggestions: e.Suggestions,
		})
	}
	return out
}

func toValidationDTO(r purchasing.ValidationResult) *ValidationDTO {
	return &ValidationDTO{
		Valid:    r.Valid(),
		Summary:  r.Summary(),
		Errors:   toIssues(r.Errors),
		Warnings: toIssues(r.Warnings),
		Infos:    toIssues(r.Infos),
	}
}

func toOrderDTO(o *purchasing.PurchaseOrder) *OrderDTO {
	if o == nil {
		return nil
	}
	dto := &OrderDTO{
		ID:                   o.ID,
		Number:               o.Number,
		SupplierID:           o.SupplierID,
		Status:               string(o.Status),
		Items:                make([]OrderItemDTO, 0, len(o.Items)),
		Subtotal:             o.Subtotal.StringFixed(2),
		Tax:                  o.Tax.StringFixed(2),
		Total:                o.Total.StringFixed(2),
		OrderDate:            o.OrderDate,
		ExpectedDeliveryDate: o.ExpectedDeliveryDate,
		CreatedBy:            o.CreatedBy,
		ApprovedBy:           o.ApprovedBy,
		ApprovedAt:           o.ApprovedAt,
		ReceivedAt:           o.ReceivedAt,
		AllowedTransitions:   []string{},
	}
	for _, it := range o.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			ProductID:        it.ProductID,
			Name:             it.Name,
			SKU:              it.SKU,
			Quantity:         it.Quantity,
			UnitPrice:        it.UnitPrice,
			ReceivedQuantity: it.ReceivedQuantity,
			LineTotal:        it.LineTotal(),
		})
	}
	for _, s := range purchasing.AllowedTargets(o.Status) {
		dto.AllowedTransitions = append(dto.AllowedTransitions, string(s))
	}
	return dto
}

func toReceiptDTO(r *purchasing.Receipt) *ReceiptDTO {
	if r == nil {
		return nil
	}
	return &ReceiptDTO{
		ID:          r.ID,
		OrderID:     r.OrderID,
		ReceivedBy:  r.ReceivedBy,
		ReceivedAt:  r.ReceivedAt,
		PriorStatus: string(r.PriorStatus),
		NewStatus:   string(r.NewStatus),
		Lines:       len(r.Lines),
	}
}

func toEntryDTO(e *purchasing.JournalEntry, lines []purchasing.JournalEntryLine) *JournalEntryDTO {
	if e == nil {
		return nil
	}
	dto := &JournalEntryDTO{
		ID:            e.ID,
		ReferenceID:   e.ReferenceID,
		ReferenceType: string(e.ReferenceType),
		Description:   e.Description,
		Status:        string(e.Status),
		TotalDebit:    e.TotalDebit.StringFixed(2),
		TotalCredit:   e.TotalCredit.StringFixed(2),
		PostedAt:      e.PostedAt,
	}
	for _, l := range lines {
		dto.Lines = append(dto.Lines, JournalLineDTO{
			AccountCode: l.AccountCode,
			AccountName: l.AccountName,
			ProductID:   l.ProductID,
			Debit:       l.Debit.StringFixed(2),
			Credit:      l.Credit.StringFixed(2),
			Description: l.Description,
		})
	}
	return dto
}

func toReceiptResponse(out *purchasing.ReceiptOutcome) ReceiptResponse {
	resp := ReceiptResponse{
		Receipt:    toReceiptDTO(out.Receipt),
		Order:      toOrderDTO(out.Order),
		Validation: toValidationDTO(out.Validation),
	}
	if len(out.Transition.Errors)+len(out.Transition.Warnings) > 0 {
		resp.Transition = toValidationDTO(out.Transition)
	}
	for _, c := range out.Costs {
		resp.Costs = append(resp.Costs, CostDTO{
			ProductID:              c.ProductID,
			PreviousStock:          c.Prior.Quantity.String(),
			PreviousCost:           c.Prior.Cost.StringFixed(2),
			NewStock:               c.Result.NewStock.String(),
			NewCost:                c.Result.NewCost.StringFixed(2),
			NewTotalValue:          c.Result.NewTotalValue.StringFixed(2),
			CostVariance:           c.Result.CostVariance.StringFixed(2),
			CostVariancePercentage: c.Result.CostVariancePercentage.StringFixed(2),
			Adjustment:             c.Adjustment.Amount.StringFixed(2),
		})
	}
	if p := out.Posting; p != nil {
		resp.Posting = &PostingDTO{
			Entry:                    toEntryDTO(p.Entry, p.Lines),
			ProductsAffected:         p.Summary.ProductsAffected,
			TotalInventoryValue:      p.Summary.TotalInventoryValue.StringFixed(2),
			TotalIncrease:            p.Summary.TotalIncrease.StringFixed(2),
			TotalDecrease:            p.Summary.TotalDecrease.StringFixed(2),
			RequiresSupervisorReview: p.Summary.RequiresSupervisorReview,
			Warnings:                 toIssues(p.Warnings),
		}
	}
	return resp
}

func toRecoveryDTO(r *purchasing.RecoveryResult) *RecoveryDTO {
	if r == nil {
		return nil
	}
	dto := &RecoveryDTO{
		Success:                    r.Success,
		Action:                     string(r.Action),
		Message:                    r.Message,
		RequiresManualIntervention: r.RequiresManualIntervention,
		Critical:                   r.Critical,
		ErrorCode:                  r.ErrorCode,
		Attempt:                    r.Attempt,
		RetryAfterMS:               r.RetryAfter.Milliseconds(),
		RollbackSteps:              r.RollbackSteps,
		NextSteps:                  r.NextSteps,
	}
	for _, l := range r.ProcessedItems {
		dto.ProcessedItems = append(dto.ProcessedItems, l.ProductID)
	}
	for _, l := range r.ProposedItems {
		dto.ProposedItems = append(dto.ProposedItems, l.ProductID)
	}
	for _, f := range r.FailedItems {
		dto.FailedItems = append(dto.FailedItems, FailedItemDTO{ProductID: f.Line.ProductID, Reason: f.Reason})
	}
	if d := r.Deferred; d != nil {
		dto.DeferredID = d.ID
		at := d.ScheduledFor
		dto.ScheduledFor = &at
	}
	return dto
}

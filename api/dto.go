/*
dto.go - Request and response bodies for the HTTP API

PURPOSE:
  Keeps the JSON contract apart from the purchasing types. Money and
  quantities travel as decimal strings ("12.50"); plain JSON numbers are
  accepted on input.

NAMING CONVENTION:
  - *Request: request bodies
  - *DTO: response pieces

VALIDATION:
  Struct tags (go-playground/validator) reject structurally broken bodies
  with 400. Business rules stay in the engine and come back as 422 with a
  full validation result.

SEE ALSO:
  - handlers.go: conversion to and from purchasing types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/purchasing"
)

// =============================================================================
// REQUESTS
// =============================================================================

type OrderItemRequest struct {
	ProductID string          `json:"product_id" validate:"max=64"`
	Name      string          `json:"name" validate:"max=255"`
	SKU       string          `json:"sku" validate:"max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateOrderRequest struct {
	Number               string             `json:"number" validate:"max=64"`
	SupplierID           string             `json:"supplier_id" validate:"max=64"`
	Items                []OrderItemRequest `json:"items" validate:"max=1000,dive"`
	Subtotal             decimal.Decimal    `json:"subtotal"`
	Tax                  decimal.Decimal    `json:"tax"`
	Total                decimal.Decimal    `json:"total"`
	OrderDate            *time.Time         `json:"order_date"`
	ExpectedDeliveryDate *time.Time         `json:"expected_delivery_date"`
}

type TransitionRequest struct {
	Target string `json:"target" validate:"required"`
}

type ReceiptLineRequest struct {
	ProductID        string           `json:"product_id" validate:"required,max=64"`
	ReceivedQuantity decimal.Decimal  `json:"received_quantity"`
	Condition        string           `json:"condition"`
	BatchNumber      string           `json:"batch_number" validate:"max=64"`
	ExpiryDate       *time.Time       `json:"expiry_date"`
	UnitCost         *decimal.Decimal `json:"unit_cost"`
}

type ReceiptRequest struct {
	Lines               []ReceiptLineRequest `json:"lines" validate:"max=1000,dive"`
	AllowOverReceiving  bool                 `json:"allow_over_receiving"`
	TolerancePercentage decimal.Decimal      `json:"tolerance_percentage"`
	ReceivedDate        *time.Time           `json:"received_date"`
}

type StockRequestItem struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type StockCheckRequest struct {
	Requests        []StockRequestItem `json:"requests" validate:"required,min=1,max=1000,dive"`
	PreventNegative bool               `json:"prevent_negative"`
	MinimumStock    *decimal.Decimal   `json:"minimum_stock"`
}

type WeightedAverageRequest struct {
	CurrentStock     decimal.Decimal `json:"current_stock"`
	CurrentCost      decimal.Decimal `json:"current_cost"`
	IncomingQuantity decimal.Decimal `json:"incoming_quantity"`
	IncomingCost     decimal.Decimal `json:"incoming_cost"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type IssueDTO struct {
	Code        purchasing.Code     `json:"code"`
	Message     string              `json:"message"`
	Severity    purchasing.Severity `json:"severity"`
	Field       string              `json:"field,omitempty"`
	ProductID   string              `json:"product_id,omitempty"`
	Suggestions []string            `json:"suggestions,omitempty"`
}

type ValidationDTO struct {
	Valid    bool       `json:"valid"`
	Summary  string     `json:"summary"`
	Errors   []IssueDTO `json:"errors"`
	Warnings []IssueDTO `json:"warnings"`
	Infos    []IssueDTO `json:"infos"`
}

type OrderItemDTO struct {
	ProductID        string          `json:"product_id"`
	Name             string          `json:"name"`
	SKU              string          `json:"sku,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	ReceivedQuantity decimal.Decimal `json:"received_quantity"`
	LineTotal        decimal.Decimal `json:"line_total"`
}

type OrderDTO struct {
	ID                   string         `json:"id"`
	Number               string         `json:"number"`
	SupplierID           string         `json:"supplier_id"`
	Status               string         `json:"status"`
	Items                []OrderItemDTO `json:"items"`
	Subtotal             string         `json:"subtotal"`
	Tax                  string         `json:"tax"`
	Total                string         `json:"total"`
	OrderDate            time.Time      `json:"order_date"`
	ExpectedDeliveryDate *time.Time     `json:"expected_delivery_date,omitempty"`
	CreatedBy            string         `json:"created_by,omitempty"`
	ApprovedBy           string         `json:"approved_by,omitempty"`
	ApprovedAt           *time.Time     `json:"approved_at,omitempty"`
	ReceivedAt           *time.Time     `json:"received_at,omitempty"`
	AllowedTransitions   []string       `json:"allowed_transitions"`
}

type CostDTO struct {
	ProductID              string `json:"product_id"`
	PreviousStock          string `json:"previous_stock"`
	PreviousCost           string `json:"previous_cost"`
	NewStock               string `json:"new_stock"`
	NewCost                string `json:"new_cost"`
	NewTotalValue          string `json:"new_total_value"`
	CostVariance           string `json:"cost_variance"`
	CostVariancePercentage string `json:"cost_variance_percentage"`
	Adjustment             string `json:"adjustment"`
}

type JournalLineDTO struct {
	AccountCode string `json:"account_code"`
	AccountName string `json:"account_name"`
	ProductID   string `json:"product_id,omitempty"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Description string `json:"description"`
}

type JournalEntryDTO struct {
	ID            string           `json:"id"`
	ReferenceID   string           `json:"reference_id"`
	ReferenceType string           `json:"reference_type"`
	Description   string           `json:"description"`
	Status        string           `json:"status"`
	TotalDebit    string           `json:"total_debit"`
	TotalCredit   string           `json:"total_credit"`
	PostedAt      *time.Time       `json:"posted_at,omitempty"`
	Lines         []JournalLineDTO `json:"lines,omitempty"`
}

type PostingDTO struct {
	Entry                    *JournalEntryDTO `json:"entry"`
	ProductsAffected         int              `json:"products_affected"`
	TotalInventoryValue      string           `json:"total_inventory_value"`
	TotalIncrease            string           `json:"total_increase"`
	TotalDecrease            string           `json:"total_decrease"`
	RequiresSupervisorReview bool             `json:"requires_supervisor_review"`
	Warnings                 []IssueDTO       `json:"warnings,omitempty"`
}

type FailedItemDTO struct {
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

type RecoveryDTO struct {
	Success                    bool            `json:"success"`
	Action                     string          `json:"action"`
	Message                    string          `json:"message"`
	RequiresManualIntervention bool            `json:"requires_manual_intervention"`
	Critical                   bool            `json:"critical,omitempty"`
	ErrorCode                  purchasing.Code `json:"error_code,omitempty"`
	Attempt                    int             `json:"attempt"`
	RetryAfterMS               int64           `json:"retry_after_ms,omitempty"`
	RollbackSteps              []string        `json:"rollback_steps,omitempty"`
	ProcessedItems             []string        `json:"processed_items,omitempty"`
	ProposedItems              []string        `json:"proposed_items,omitempty"`
	FailedItems                []FailedItemDTO `json:"failed_items,omitempty"`
	DeferredID                 string          `json:"deferred_id,omitempty"`
	ScheduledFor               *time.Time      `json:"scheduled_for,omitempty"`
	NextSteps                  []string        `json:"next_steps,omitempty"`
}

type ReceiptDTO struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	ReceivedBy  string    `json:"received_by"`
	ReceivedAt  time.Time `json:"received_at"`
	PriorStatus string    `json:"prior_status"`
	NewStatus   string    `json:"new_status"`
	Lines       int       `json:"lines"`
}

type ReceiptResponse struct {
	Receipt    *ReceiptDTO    `json:"receipt"`
	Order      *OrderDTO      `json:"order"`
	Transition *ValidationDTO `json:"transition,omitempty"`
	Validation *ValidationDTO `json:"validation"`
	Costs      []CostDTO      `json:"costs,omitempty"`
	Posting    *PostingDTO    `json:"posting,omitempty"`
}

type OrderResponse struct {
	Order      *OrderDTO      `json:"order"`
	Validation *ValidationDTO `json:"validation"`
}

type AuditDTO struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	ActorID  string         `json:"actor_id"`
	Before   any            `json:"before,omitempty"`
	After    any            `json:"after,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// ErrorResponse carries the engine's code plus whatever the failing step
// produced. Recovery is present when the orchestrator handled the failure.
type ErrorResponse struct {
	Error      string            `json:"error"`
	Code       purchasing.Code   `json:"code,omitempty"`
	Details    string            `json:"details,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Validation *ValidationDTO    `json:"validation,omitempty"`
	Recovery   *RecoveryDTO      `json:"recovery,omitempty"`
}

/*
ledger.go - Double-entry posting of valuation adjustments

PURPOSE:
  Turns the value deltas produced by costing into one balanced journal
  entry. Each non-zero adjustment yields exactly one debit line and one
  credit line of |amount|, on accounts chosen from a fixed table.

ACCOUNT TABLE:
  reference          adjustment   debit                  credit
  purchase_order     increase     1300 Inventory Asset   2100 Accounts Payable
  purchase_order     decrease     5200 Purchase Variance 1300 Inventory Asset
  manual_adjustment  increase     1300 Inventory Asset   5300 Inventory Adjustment
  manual_adjustment  decrease     5300 Inventory Adj.    1300 Inventory Asset
  cost_update        increase     1300 Inventory Asset   5000 COGS
  cost_update        decrease     5000 COGS              1300 Inventory Asset

CRITICAL INVARIANT:
  sum(debit) == sum(credit) within Epsilon before an entry leaves draft. A
  violation leaves the entry in draft and returns *UnbalancedEntryError,
  which is never retried.

SEE ALSO:
  - costing.go: produces ValuationAdjustment
  - store.go: JournalStore repeats the balance check in MarkPosted
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
// ACCOUNTS
// =============================================================================

type Account struct {
	Code string
	Name string
}

var (
	AccountInventoryAsset      = Account{Code: "1300", Name: "Inventory Asset"}
	AccountAccountsPayable     = Account{Code: "2100", Name: "Accounts Payable"}
	AccountPurchaseVariance    = Account{Code: "5200", Name: "Purchase Variance"}
	AccountInventoryAdjustment = Account{Code: "5300", Name: "Inventory Adjustment"}
	AccountCOGS                = Account{Code: "5000", Name: "Cost of Goods Sold"}
)

type accountKey struct {
	ref ReferenceType
	adj AdjustmentType
}

type accountPair struct {
	debit, credit Account
}

var accountMap = map[accountKey]accountPair{
	{RefPurchaseOrder, AdjustmentIncrease}:    {AccountInventoryAsset, AccountAccountsPayable},
	{RefPurchaseOrder, AdjustmentDecrease}:    {AccountPurchaseVariance, AccountInventoryAsset},
	{RefManualAdjustment, AdjustmentIncrease}: {AccountInventoryAsset, AccountInventoryAdjustment},
	{RefManualAdjustment, AdjustmentDecrease}: {AccountInventoryAdjustment, AccountInventoryAsset},
	{RefCostUpdate, AdjustmentIncrease}:       {AccountInventoryAsset, AccountCOGS},
	{RefCostUpdate, AdjustmentDecrease}:       {AccountCOGS, AccountInventoryAsset},
}

// AccountsFor returns the debit and credit accounts for a reference and
// adjustment type.
func AccountsFor(ref ReferenceType, adj AdjustmentType) (debit, credit Account, err error) {
	pair, ok := accountMap[accountKey{ref, adj}]
	if !ok {
		return Account{}, Account{}, fmt.Errorf("%w: %s/%s", ErrUnknownAccountMapping, ref, adj)
	}
	return pair.debit, pair.credit, nil
}

// =============================================================================
// POSTING TYPES
// =============================================================================

type PostingRequest struct {
	Adjustments   []ValuationAdjustment
	ReferenceID   string
	ReferenceType ReferenceType
	Description   string
	Actor         Actor
}

type PostingSummary struct {
	ProductsAffected    int
	TotalInventoryValue decimal.Decimal
	IncreaseCount       int
	DecreaseCount       int
	TotalIncrease       decimal.Decimal
	TotalDecrease       decimal.Decimal
	TotalDebit          decimal.Decimal
	TotalCredit         decimal.Decimal

	// RequiresSupervisorReview is set when any single adjustment exceeds
	// the review threshold. Posting is not blocked.
	RequiresSupervisorReview bool
}

// PostingResult is returned on success. Entry is nil when every adjustment
// was zero and nothing was written.
type PostingResult struct {
	Entry    *JournalEntry
	Lines    []JournalEntryLine
	Summary  PostingSummary
	Warnings []ValidationError
}

// =============================================================================
// LEDGER POSTER
// =============================================================================

// DefaultReviewThreshold is the adjustment size above which a supervisor
// should review the entry.
var DefaultReviewThreshold = decimal.NewFromInt(10000)

type LedgerDeps struct {
	Journal         JournalStore
	Logger          zerolog.Logger
	Clock           func() time.Time
	IDGenerator     func() string
	ReviewThreshold decimal.Decimal
}

type LedgerPoster struct {
	journal         JournalStore
	log             zerolog.Logger
	clock           func() time.Time
	newID           func() string
	reviewThreshold decimal.Decimal
}

func NewLedgerPoster(deps LedgerDeps) *LedgerPoster {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	threshold := deps.ReviewThreshold
	if !threshold.IsPositive() {
		threshold = DefaultReviewThreshold
	}
	return &LedgerPoster{
		journal:         deps.Journal,
		log:             deps.Logger.With().Str("component", "ledger").Logger(),
		clock:           func() time.Time { return clock().UTC() },
		newID:           idGen,
		reviewThreshold: threshold,
	}
}

// BuildLines produces the debit/credit pairs and the summary without
// touching storage.
func (p *LedgerPoster) BuildLines(req PostingRequest, entryID string) ([]JournalEntryLine, PostingSummary, []ValidationError, error) {
	summary := PostingSummary{
		TotalInventoryValue: decimal.Zero,
		TotalIncrease:       decimal.Zero,
		TotalDecrease:       decimal.Zero,
		TotalDebit:          decimal.Zero,
		TotalCredit:         decimal.Zero,
	}
	var lines []JournalEntryLine
	var warnings []ValidationError
	products := make(map[string]bool)

	for _, adj := range req.Adjustments {
		amount := adj.Amount.Abs()
		summary.TotalInventoryValue = summary.TotalInventoryValue.Add(adj.NewTotalValue)
		if amount.IsZero() {
			continue
		}
		debit, credit, err := AccountsFor(req.ReferenceType, adj.Type)
		if err != nil {
			return nil, PostingSummary{}, nil, WithCode(CodeUnknownAccountMapping, err)
		}

		products[adj.ProductID] = true
		if adj.Type == AdjustmentIncrease {
			summary.IncreaseCount++
			summary.TotalIncrease = summary.TotalIncrease.Add(amount)
		} else {
			summary.DecreaseCount++
			summary.TotalDecrease = summary.TotalDecrease.Add(amount)
		}

		desc := fmt.Sprintf("%s %s: cost %s → %s", adj.Type, adj.ProductID, adj.OldCost.StringFixed(2), adj.NewCost.StringFixed(2))
		lines = append(lines,
			JournalEntryLine{ID: p.newID(), EntryID: entryID, AccountCode: debit.Code, AccountName: debit.Name,
				ProductID: adj.ProductID, Debit: amount, Credit: decimal.Zero, Description: desc},
			JournalEntryLine{ID: p.newID(), EntryID: entryID, AccountCode: credit.Code, AccountName: credit.Name,
				ProductID: adj.ProductID, Debit: decimal.Zero, Credit: amount, Description: desc},
		)
		summary.TotalDebit = summary.TotalDebit.Add(amount)
		summary.TotalCredit = summary.TotalCredit.Add(amount)

		if amount.GreaterThan(p.reviewThreshold) {
			summary.RequiresSupervisorReview = true
			warnings = append(warnings, ValidationError{
				Code:      CodeLargeAdjustmentReview,
				Message:   fmt.Sprintf("Adjustment of %s for %s exceeds the review threshold %s", amount.StringFixed(2), adj.ProductID, p.reviewThreshold.StringFixed(2)),
				Severity:  SeverityWarning,
				ProductID: adj.ProductID,
				Suggestions: []string{
					"Have a supervisor review this journal entry",
				},
			})
		}
	}
	summary.ProductsAffected = len(products)
	return lines, summary, warnings, nil
}

// Post writes one entry for req and marks it posted when balanced.
func (p *LedgerPoster) Post(ctx context.Context, req PostingRequest) (*PostingResult, error) {
	entryID := p.newID()
	lines, summary, warnings, err := p.BuildLines(req, entryID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		p.log.Debug().Str("reference_id", req.ReferenceID).Msg("no non-zero adjustments, nothing posted")
		return &PostingResult{Summary: summary, Warnings: warnings}, nil
	}

	entry := JournalEntry{
		ID:            entryID,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Description:   req.Description,
		CreatedBy:     req.Actor.ID,
	}
	posted, err := p.PostLines(ctx, entry, lines)
	if err != nil {
		return nil, err
	}
	if summary.RequiresSupervisorReview {
		p.log.Warn().Str("entry_id", entryID).Str("reference_id", req.ReferenceID).
			Str("total", summary.TotalDebit.StringFixed(2)).Msg("journal entry requires supervisor review")
	}
	return &PostingResult{Entry: posted, Lines: lines, Summary: summary, Warnings: warnings}, nil
}

// PostLines writes a prebuilt set of lines through the balance gate. The
// entry is inserted as draft; it is marked posted only if balanced.
func (p *LedgerPoster) PostLines(ctx context.Context, entry JournalEntry, lines []JournalEntryLine) (*JournalEntry, error) {
	if entry.ID == "" {
		entry.ID = p.newID()
	}
	entry.Status = EntryDraft
	entry.CreatedAt = p.clock()
	entry.TotalDebit, entry.TotalCredit = decimal.Zero, decimal.Zero
	for i := range lines {
		lines[i].EntryID = entry.ID
		if lines[i].ID == "" {
			lines[i].ID = p.newID()
		}
		entry.TotalDebit = entry.TotalDebit.Add(lines[i].Debit)
		entry.TotalCredit = entry.TotalCredit.Add(lines[i].Credit)
	}

	if err := p.journal.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert entry %s: %w", entry.ID, err)
	}
	if err := p.journal.InsertLines(ctx, lines); err != nil {
		return nil, fmt.Errorf("insert lines for %s: %w", entry.ID, err)
	}

	if !IsBalanced(entry.TotalDebit, entry.TotalCredit) {
		p.log.Error().Str("severity", "critical").Str("entry_id", entry.ID).
			Str("debit", entry.TotalDebit.StringFixed(2)).Str("credit", entry.TotalCredit.StringFixed(2)).
			Msg("unbalanced journal entry left in draft")
		return nil, &UnbalancedEntryError{EntryID: entry.ID, TotalDebit: entry.TotalDebit, TotalCredit: entry.TotalCredit}
	}

	at := p.clock()
	if err := p.journal.MarkPosted(ctx, entry.ID, at); err != nil {
		return nil, fmt.Errorf("mark posted %s: %w", entry.ID, err)
	}
	entry.Status = EntryPosted
	entry.PostedAt = &at
	p.log.Info().Str("entry_id", entry.ID).Str("reference_id", entry.ReferenceID).
		Int("lines", len(lines)).Str("total", entry.TotalDebit.StringFixed(2)).Msg("journal entry posted")
	return &entry, nil
}

// IsBalanced reports whether debit and credit agree within Epsilon.
func IsBalanced(debit, credit decimal.Decimal) bool {
	return debit.Sub(credit).Abs().LessThanOrEqual(Epsilon)
}

// Package directupdate applies the narrow field refresh for records the
// duplicate detector classified as needing an update, bypassing analysis.
package directupdate

import (
	"context"
	"time"

	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/dupdetect"
	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/types"
)

// SkipReasonNoValidUpdates marks items where none of the critical fields
// carried a usable changed value.
const SkipReasonNoValidUpdates = "no_valid_updates"

// Outcome records the fate of one update candidate.
type Outcome struct {
	APIOpportunityID string
	InternalID       string
	// UpdatedFields are the column names written, empty for skips and
	// failures.
	UpdatedFields []string
	// Reason is the skip reason or failure message.
	Reason string
}

// Metrics is the accounting for one batch of updates.
type Metrics struct {
	TotalProcessed int   `json:"totalProcessed"`
	Successful     int   `json:"successful"`
	Failed         int   `json:"failed"`
	Skipped        int   `json:"skipped"`
	ExecutionMs    int64 `json:"executionTime"`
}

// Result partitions the batch into successes, failures, and skips.
type Result struct {
	Successful []Outcome
	Failed     []Outcome
	Skipped    []Outcome
	Metrics    Metrics
}

// Handler applies direct updates through the opportunity store.
type Handler struct {
	store opportunitystore.Store

	updatedCounter metrics2.Counter
	skippedCounter metrics2.Counter
	failedCounter  metrics2.Counter
}

// New returns a Handler over the given store.
func New(store opportunitystore.Store) *Handler {
	return &Handler{
		store:          store,
		updatedCounter: metrics2.GetCounter("grantline_directupdate_updated"),
		skippedCounter: metrics2.GetCounter("grantline_directupdate_skipped"),
		failedCounter:  metrics2.GetCounter("grantline_directupdate_failed"),
	}
}

// Update processes each candidate in isolation: a failed write marks only
// that item failed. The returned error is non-nil only for integrity
// violations, which abort the whole batch.
func (h *Handler) Update(ctx context.Context, candidates []dupdetect.UpdateCandidate, rawResponseID string) (*Result, error) {
	start := time.Now()
	rv := &Result{
		Successful: []Outcome{},
		Failed:     []Outcome{},
		Skipped:    []Outcome{},
		Metrics:    Metrics{TotalProcessed: len(candidates)},
	}
	ts := now.Now(ctx).UTC()
	for _, candidate := range candidates {
		outcome := h.updateOne(ctx, candidate, rawResponseID, ts)
		switch {
		case outcome.Reason == SkipReasonNoValidUpdates:
			rv.Skipped = append(rv.Skipped, outcome)
			h.skippedCounter.Inc(1)
		case outcome.Reason != "":
			rv.Failed = append(rv.Failed, outcome)
			h.failedCounter.Inc(1)
		default:
			rv.Successful = append(rv.Successful, outcome)
			h.updatedCounter.Inc(1)
		}
	}
	rv.Metrics.Successful = len(rv.Successful)
	rv.Metrics.Failed = len(rv.Failed)
	rv.Metrics.Skipped = len(rv.Skipped)
	rv.Metrics.ExecutionMs = time.Since(start).Milliseconds()

	// Every candidate must land in exactly one bucket; anything else is
	// an accounting bug and poisons the batch.
	processed := rv.Metrics.Successful + rv.Metrics.Failed + rv.Metrics.Skipped
	if processed != len(candidates) {
		return nil, skerr.Fmt("DirectUpdate failed to process all opportunities: %d in, %d processed", len(candidates), processed)
	}
	return rv, nil
}

// updateOne builds and issues the single-item update.
func (h *Handler) updateOne(ctx context.Context, candidate dupdetect.UpdateCandidate, rawResponseID string, ts time.Time) Outcome {
	outcome := Outcome{
		APIOpportunityID: candidate.Incoming.ID,
		InternalID:       candidate.Existing.InternalID,
	}
	fields, names := criticalFieldChanges(candidate.Incoming, candidate.Existing)
	if len(fields) == 0 {
		outcome.Reason = SkipReasonNoValidUpdates
		return outcome
	}
	fields["updated_at"] = ts
	if candidate.Incoming.APIUpdatedAt != nil {
		fields["api_updated_at"] = candidate.Incoming.APIUpdatedAt
	}
	fields["raw_response_id"] = rawResponseID

	if err := h.store.UpdateFields(ctx, candidate.Existing.InternalID, fields); err != nil {
		sklog.Errorf("Direct update of %s failed: %s", candidate.Existing.InternalID, err)
		outcome.Reason = err.Error()
		return outcome
	}
	outcome.UpdatedFields = names
	return outcome
}

// criticalFieldChanges collects the subset of the six updatable fields whose
// incoming value is present and differs from the persisted one. names lists
// the changed columns in a fixed order for logging.
func criticalFieldChanges(api *types.Opportunity, db *types.PersistedOpportunity) (map[string]interface{}, []string) {
	fields := map[string]interface{}{}
	names := []string{}
	add := func(col string, value interface{}) {
		fields[col] = value
		names = append(names, col)
	}

	if api.Title != "" && api.Title != db.Title {
		add("title", api.Title)
	}
	if amountChanged(api.MinimumAward, db.MinimumAward) {
		add("minimum_award", api.MinimumAward)
	}
	if amountChanged(api.MaximumAward, db.MaximumAward) {
		add("maximum_award", api.MaximumAward)
	}
	if amountChanged(api.TotalFundingAvailable, db.TotalFundingAvailable) {
		add("total_funding_available", api.TotalFundingAvailable)
	}
	if parsed, changed := dateChanged(api.OpenDate, db.OpenDate); changed {
		add("open_date", parsed)
	}
	if parsed, changed := dateChanged(api.CloseDate, db.CloseDate); changed {
		add("close_date", parsed)
	}
	return fields, names
}

// amountChanged is true iff the incoming amount is present and numerically
// different from the persisted one.
func amountChanged(api, db *float64) bool {
	if api == nil {
		return false
	}
	return db == nil || *api != *db
}

// dateChanged is true iff the incoming date parses and differs from the
// persisted one at calendar-day resolution.
func dateChanged(api string, db *time.Time) (*time.Time, bool) {
	parsed, err := types.ParseDate(api)
	if err != nil || parsed == nil {
		return nil, false
	}
	if db != nil && parsed.Format(types.DateFormat) == db.Format(types.DateFormat) {
		return nil, false
	}
	return parsed, true
}

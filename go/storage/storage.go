// Package storage persists analyzed opportunities, one idempotent write per
// item.
package storage

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/types"
)

const (
	// sourceCacheTTL bounds how long a resolved funding source is reused
	// before hitting the database again.
	sourceCacheTTL = 5 * time.Minute

	sourceCacheCleanup = 10 * time.Minute
)

// Metrics is the accounting for one storage run. NewOpportunities,
// DuplicatesFound and Failures always sum to TotalProcessed.
type Metrics struct {
	TotalProcessed        int    `json:"totalProcessed"`
	NewOpportunities      int    `json:"newOpportunities"`
	UpdatedOpportunities  int    `json:"updatedOpportunities"`
	IgnoredOpportunities  int    `json:"ignoredOpportunities"`
	DuplicatesFound       int    `json:"duplicatesFound"`
	Failures              int    `json:"failures"`
	Error                 bool   `json:"error,omitempty"`
	ErrorMessage          string `json:"errorMessage,omitempty"`
}

// Item outcome statuses.
const (
	ITEM_STORED    = "stored"
	ITEM_DUPLICATE = "duplicate"
	ITEM_FAILED    = "failed"
)

// ItemOutcome records what happened to one input opportunity.
type ItemOutcome struct {
	APIOpportunityID string `json:"apiOpportunityId"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

// Result is the outcome of one storage run. The stage never returns an
// error to its caller; failures are reported through Metrics.
type Result struct {
	// NewOpportunities are the rows written, in input order.
	NewOpportunities []*types.PersistedOpportunity
	// Outcomes has one entry per input, in input order.
	Outcomes []ItemOutcome
	Metrics  Metrics
	// ExecutionMs is the elapsed wall-clock time, always at least 1.
	ExecutionMs int64
}

// Stage writes filtered opportunities to the opportunity store.
type Stage struct {
	store       opportunitystore.Store
	sourceCache *cache.Cache

	storedCounter    metrics2.Counter
	duplicateCounter metrics2.Counter
	failureCounter   metrics2.Counter
}

// New returns a storage Stage over the given store.
func New(store opportunitystore.Store) *Stage {
	return &Stage{
		store:            store,
		sourceCache:      cache.New(sourceCacheTTL, sourceCacheCleanup),
		storedCounter:    metrics2.GetCounter("grantline_storage_stored"),
		duplicateCounter: metrics2.GetCounter("grantline_storage_duplicates"),
		failureCounter:   metrics2.GetCounter("grantline_storage_failures"),
	}
}

// Store writes the opportunities one at a time. Each item is isolated: a
// failed write is counted and the run continues. forceFullProcessing
// switches from insert to upsert so reprocessed records overwrite their
// earlier rows, except for the human-edited columns.
func (s *Stage) Store(ctx context.Context, opps []*types.AnalyzedOpportunity, source types.Source, rawResponseID string, forceFullProcessing bool) *Result {
	start := time.Now()
	rv := &Result{
		NewOpportunities: []*types.PersistedOpportunity{},
		Outcomes:         []ItemOutcome{},
		Metrics:          Metrics{TotalProcessed: len(opps)},
	}
	defer func() {
		rv.ExecutionMs = time.Since(start).Milliseconds()
		if rv.ExecutionMs < 1 {
			rv.ExecutionMs = 1
		}
	}()

	if strings.TrimSpace(source.Name) == "" {
		rv.Metrics.Error = true
		rv.Metrics.ErrorMessage = "source descriptor has no name"
		rv.failAll(opps, rv.Metrics.ErrorMessage)
		return rv
	}
	resolved, err := s.resolveSource(ctx, source)
	if err != nil {
		sklog.Errorf("Resolving source %q failed: %s", source.Name, err)
		rv.Metrics.Error = true
		rv.Metrics.ErrorMessage = err.Error()
		rv.failAll(opps, rv.Metrics.ErrorMessage)
		return rv
	}

	var failures *multierror.Error
	ts := now.Now(ctx).UTC()
	for _, opp := range opps {
		row := sanitize(opp, resolved.ID, rawResponseID, ts)
		var writeErr error
		if forceFullProcessing {
			writeErr = s.store.Upsert(ctx, row)
		} else {
			writeErr = s.store.Insert(ctx, row)
		}
		if writeErr != nil {
			if skerr.Unwrap(writeErr) == opportunitystore.ErrDuplicate {
				rv.Metrics.DuplicatesFound++
				s.duplicateCounter.Inc(1)
				rv.Outcomes = append(rv.Outcomes, ItemOutcome{APIOpportunityID: row.APIOpportunityID, Status: ITEM_DUPLICATE})
				continue
			}
			sklog.Errorf("Storing opportunity %q failed: %s", opp.ID, writeErr)
			rv.Metrics.Failures++
			s.failureCounter.Inc(1)
			failures = multierror.Append(failures, writeErr)
			rv.Outcomes = append(rv.Outcomes, ItemOutcome{APIOpportunityID: row.APIOpportunityID, Status: ITEM_FAILED, Error: writeErr.Error()})
			continue
		}
		rv.Metrics.NewOpportunities++
		s.storedCounter.Inc(1)
		rv.NewOpportunities = append(rv.NewOpportunities, row)
		rv.Outcomes = append(rv.Outcomes, ItemOutcome{APIOpportunityID: row.APIOpportunityID, Status: ITEM_STORED})

		// State eligibility is best effort; a failure here does not fail
		// the opportunity.
		if len(opp.EligibleStates) > 0 {
			if err := s.store.SetStateEligibility(ctx, row.InternalID, opp.EligibleStates); err != nil {
				sklog.Errorf("Writing state eligibility for %s failed: %s", row.InternalID, err)
			}
		}
	}
	if failures != nil {
		rv.Metrics.Error = true
		rv.Metrics.ErrorMessage = failures.Error()
	}
	return rv
}

// failAll marks every input failed, used when the run cannot start at all.
func (r *Result) failAll(opps []*types.AnalyzedOpportunity, msg string) {
	r.Metrics.Failures = len(opps)
	for _, opp := range opps {
		r.Outcomes = append(r.Outcomes, ItemOutcome{APIOpportunityID: strings.TrimSpace(opp.ID), Status: ITEM_FAILED, Error: msg})
	}
}

// resolveSource returns the persisted funding source for the descriptor,
// creating it on first sight and caching the result by name.
func (s *Stage) resolveSource(ctx context.Context, source types.Source) (*types.Source, error) {
	if cached, ok := s.sourceCache.Get(source.Name); ok {
		return cached.(*types.Source), nil
	}
	resolved, err := s.store.GetOrCreateSource(ctx, source)
	if err != nil {
		return nil, skerr.Wrapf(err, "resolving source %q", source.Name)
	}
	s.sourceCache.Set(source.Name, resolved, cache.DefaultExpiration)
	return resolved, nil
}

// sanitize maps an analyzed opportunity onto a database row: strings are
// trimmed, dates reduced to calendar days, and non-finite numbers dropped.
func sanitize(opp *types.AnalyzedOpportunity, sourceID, rawResponseID string, ts time.Time) *types.PersistedOpportunity {
	row := &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: strings.TrimSpace(opp.ID),
		FundingSourceID:  sourceID,
		RawResponseID:    rawResponseID,
		Title:            strings.TrimSpace(opp.Title),
		Description:      strings.TrimSpace(opp.Description),
		Status:           strings.TrimSpace(opp.Status),
		OpenDate:         sanitizeDate(opp.OpenDate, opp.ID, "openDate"),
		CloseDate:        sanitizeDate(opp.CloseDate, opp.ID, "closeDate"),

		MinimumAward:          sanitizeAmount(opp.MinimumAward),
		MaximumAward:          sanitizeAmount(opp.MaximumAward),
		TotalFundingAvailable: sanitizeAmount(opp.TotalFundingAvailable),

		EligibleApplicants:    trimAll(opp.EligibleApplicants),
		FundingInstrumentType: strings.TrimSpace(opp.FundingInstrumentType),

		EnhancedDescription: strings.TrimSpace(opp.EnhancedDescription),
		ActionableSummary:   strings.TrimSpace(opp.ActionableSummary),
		ProgramOverview:     strings.TrimSpace(opp.ProgramOverview),
		ProgramUseCases:     strings.TrimSpace(opp.ProgramUseCases),
		ApplicationSummary:  strings.TrimSpace(opp.ApplicationSummary),
		ProgramInsights:     strings.TrimSpace(opp.ProgramInsights),
		Scoring:             opp.Scoring.Copy(),
		RelevanceReasoning:  strings.TrimSpace(opp.RelevanceReasoning),
		Concerns:            trimAll(opp.Concerns),

		APIUpdatedAt: opp.APIUpdatedAt,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	return row
}

func sanitizeDate(value, id, field string) *time.Time {
	parsed, err := types.ParseDate(value)
	if err != nil {
		sklog.Warningf("Dropping unparseable %s %q on opportunity %q", field, value, id)
		return nil
	}
	return parsed
}

func sanitizeAmount(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	cp := *v
	return &cp
}

func trimAll(in []string) []string {
	rv := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			rv = append(rv, trimmed)
		}
	}
	return rv
}

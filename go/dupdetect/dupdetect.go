// Package dupdetect partitions a chunk of incoming opportunities into new
// records, records needing an update, and records to skip, using at most two
// batched database lookups per chunk.
package dupdetect

import (
	"context"

	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/types"
)

const (
	// MethodNoMatch marks an opportunity with no persisted counterpart.
	MethodNoMatch = "no_match"
	// MethodIDValidation marks a match by api_opportunity_id confirmed by
	// a similar title.
	MethodIDValidation = "id_validation"
	// MethodTitleOnly marks a match found only through the title lookup.
	MethodTitleOnly = "title_only"

	// ConfidenceHigh is assigned to no-match and id-validated decisions.
	ConfidenceHigh = "high"
	// ConfidenceMedium is assigned to title-only matches.
	ConfidenceMedium = "medium"

	// tokensPerBypassedOpportunity is the fixed per-opportunity token
	// budget used to estimate the LLM spend avoided by skipping or
	// directly updating a record instead of re-analyzing it.
	tokensPerBypassedOpportunity = 1500
)

// UpdateCandidate pairs an incoming record with the persisted record it
// should refresh.
type UpdateCandidate struct {
	Incoming *types.Opportunity
	Existing *types.PersistedOpportunity
	// Method is the detection method that produced the match.
	Method string
	// Confidence is the confidence bucket for the match.
	Confidence string
	// Reason is the freshness reason for performing the update.
	Reason string
}

// SkipRecord pairs an incoming record with the reason it was bypassed.
type SkipRecord struct {
	Incoming *types.Opportunity
	Existing *types.PersistedOpportunity
	Method   string
	Reason   string
}

// Metrics summarizes one detection pass.
type Metrics struct {
	TotalProcessed   int            `json:"totalProcessed"`
	DetectionMethods map[string]int `json:"detectionMethods"`
	Confidence       map[string]int `json:"confidence"`
	// EstimatedTokensSaved is bypassed records times the fixed
	// per-opportunity token budget.
	EstimatedTokensSaved int64 `json:"estimatedTokensSaved"`
	DatabaseQueries      int   `json:"databaseQueries"`
}

// Result is the partition of one chunk. Every incoming record lands in
// exactly one of the three buckets.
type Result struct {
	New     []*types.Opportunity
	Updates []UpdateCandidate
	Skips   []SkipRecord
	Metrics Metrics
}

// Detector finds persisted counterparts for incoming opportunities.
type Detector struct {
	store opportunitystore.Store

	newCounter    metrics2.Counter
	updateCounter metrics2.Counter
	skipCounter   metrics2.Counter
}

// New returns a Detector backed by the given store.
func New(store opportunitystore.Store) *Detector {
	return &Detector{
		store:         store,
		newCounter:    metrics2.GetCounter("grantline_dupdetect_new"),
		updateCounter: metrics2.GetCounter("grantline_dupdetect_update"),
		skipCounter:   metrics2.GetCounter("grantline_dupdetect_skip"),
	}
}

// Detect partitions the chunk. Lookups are batched: one query by API ID and,
// if any title is long enough to match on, one query by title. A failed
// lookup degrades to "no persisted matches" rather than failing the chunk;
// force bypasses matching entirely and routes everything to New.
func (d *Detector) Detect(ctx context.Context, sourceID string, opps []*types.Opportunity, force bool) (*Result, error) {
	rv := &Result{
		New:     []*types.Opportunity{},
		Updates: []UpdateCandidate{},
		Skips:   []SkipRecord{},
		Metrics: Metrics{
			TotalProcessed:   len(opps),
			DetectionMethods: map[string]int{},
			Confidence:       map[string]int{},
		},
	}
	if force {
		for _, opp := range opps {
			rv.New = append(rv.New, opp)
			rv.Metrics.DetectionMethods[MethodNoMatch]++
			rv.Metrics.Confidence[ConfidenceHigh]++
		}
		d.newCounter.Inc(int64(len(rv.New)))
		return rv, nil
	}

	byID, byTitle := d.lookup(ctx, sourceID, opps, &rv.Metrics)

	nowTs := now.Now(ctx)
	for _, opp := range opps {
		match := byID[opp.ID]
		method := MethodIDValidation
		confidence := ConfidenceHigh
		if match != nil && !TitlesSimilar(opp.Title, match.Title) {
			// An ID hit whose title disagrees is a collision, not a
			// match.
			sklog.Warningf("ID %s matched but titles differ (%q vs %q); treating as new", opp.ID, opp.Title, match.Title)
			match = nil
		}
		if match == nil && TitleMatchable(opp.Title) {
			if candidate, ok := byTitle[NormalizeTitle(opp.Title)]; ok && TitlesSimilar(opp.Title, candidate.Title) {
				match = candidate
				method = MethodTitleOnly
				confidence = ConfidenceMedium
			}
		}
		if match == nil {
			rv.New = append(rv.New, opp)
			rv.Metrics.DetectionMethods[MethodNoMatch]++
			rv.Metrics.Confidence[ConfidenceHigh]++
			continue
		}
		rv.Metrics.DetectionMethods[method]++
		rv.Metrics.Confidence[confidence]++
		update, reason := Freshness(opp.APIUpdatedAt, match.APIUpdatedAt, match.UpdatedAt, nowTs)
		if update {
			rv.Updates = append(rv.Updates, UpdateCandidate{
				Incoming:   opp,
				Existing:   match,
				Method:     method,
				Confidence: confidence,
				Reason:     reason,
			})
		} else {
			rv.Skips = append(rv.Skips, SkipRecord{
				Incoming: opp,
				Existing: match,
				Method:   method,
				Reason:   reason,
			})
		}
	}

	bypassed := len(rv.Updates) + len(rv.Skips)
	rv.Metrics.EstimatedTokensSaved = int64(bypassed) * tokensPerBypassedOpportunity
	d.newCounter.Inc(int64(len(rv.New)))
	d.updateCounter.Inc(int64(len(rv.Updates)))
	d.skipCounter.Inc(int64(len(rv.Skips)))
	return rv, nil
}

// lookup issues the batched queries and indexes the results. Database errors
// are logged and degrade to empty result sets so the chunk proceeds with
// every record treated as new.
func (d *Detector) lookup(ctx context.Context, sourceID string, opps []*types.Opportunity, m *Metrics) (map[string]*types.PersistedOpportunity, map[string]*types.PersistedOpportunity) {
	apiIDs := []string{}
	titles := []string{}
	for _, opp := range opps {
		if opp.ID != "" {
			apiIDs = append(apiIDs, opp.ID)
		}
		if TitleMatchable(opp.Title) {
			titles = append(titles, opp.Title)
		}
	}

	byID := map[string]*types.PersistedOpportunity{}
	if len(apiIDs) > 0 {
		m.DatabaseQueries++
		found, err := d.store.GetByAPIIDs(ctx, sourceID, apiIDs)
		if err != nil {
			sklog.Errorf("ID lookup failed for source %s; treating chunk as unmatched: %s", sourceID, err)
		}
		for _, opp := range found {
			byID[opp.APIOpportunityID] = opp
		}
	}

	byTitle := map[string]*types.PersistedOpportunity{}
	if len(titles) > 0 {
		m.DatabaseQueries++
		found, err := d.store.GetByTitles(ctx, sourceID, titles)
		if err != nil {
			sklog.Errorf("Title lookup failed for source %s; treating chunk as unmatched: %s", sourceID, err)
		}
		for _, opp := range found {
			key := NormalizeTitle(opp.Title)
			if _, ok := byTitle[key]; !ok {
				byTitle[key] = opp
			}
		}
	}
	return byID, byTitle
}

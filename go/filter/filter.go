// Package filter excludes low-value analyzed opportunities before storage.
package filter

import (
	"fmt"
	"math"
	"time"

	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/types"
)

// MissingScoringReason is the exclusion reason for opportunities with no
// scoring object at all.
const MissingScoringReason = "Missing scoring data"

// Config controls the filter. The zero value is not useful; use
// DefaultConfig.
type Config struct {
	// ExcludeIfTwoZeros excludes opportunities where at least two of the
	// three core score components are zero or absent.
	ExcludeIfTwoZeros bool `json:"excludeIfTwoZeros"`
	// EnableLogging emits a per-run summary log line.
	EnableLogging bool `json:"enableLogging"`
}

// DefaultConfig returns the filter defaults.
func DefaultConfig() Config {
	return Config{
		ExcludeIfTwoZeros: true,
		EnableLogging:     true,
	}
}

// ExclusionReasons breaks the exclusion count down by cause.
type ExclusionReasons struct {
	TwoZeroCategories int `json:"twoZeroCategories"`
	MissingScoring    int `json:"missingScoring"`
}

// Metrics summarizes one filter run.
type Metrics struct {
	TotalAnalyzed    int              `json:"totalAnalyzed"`
	Included         int              `json:"included"`
	Excluded         int              `json:"excluded"`
	ExclusionReasons ExclusionReasons `json:"exclusionReasons"`
}

// Result is the outcome of one filter run. Both slices preserve input
// order; excluded items carry their ExclusionReason.
type Result struct {
	Included []*types.AnalyzedOpportunity
	Excluded []*types.AnalyzedOpportunity
	Metrics  Metrics
	// ProcessingTimeMs is the elapsed wall-clock time of the run.
	ProcessingTimeMs int64
	Config           Config
}

// Apply partitions the opportunities by score quality. Pure function over
// its inputs; safe for concurrent use. Input items are deep-copied into the
// result so later stages cannot mutate the caller's data.
func Apply(opps []*types.AnalyzedOpportunity, config Config) *Result {
	start := time.Now()
	rv := &Result{
		Included: []*types.AnalyzedOpportunity{},
		Excluded: []*types.AnalyzedOpportunity{},
		Metrics:  Metrics{TotalAnalyzed: len(opps)},
		Config:   config,
	}
	for _, opp := range opps {
		cp := copyAnalyzed(opp)
		if reason, missing := exclusionReason(cp, config); reason != "" {
			cp.ExclusionReason = reason
			rv.Excluded = append(rv.Excluded, cp)
			if missing {
				rv.Metrics.ExclusionReasons.MissingScoring++
			} else {
				rv.Metrics.ExclusionReasons.TwoZeroCategories++
			}
		} else {
			rv.Included = append(rv.Included, cp)
		}
	}
	rv.Metrics.Included = len(rv.Included)
	rv.Metrics.Excluded = len(rv.Excluded)
	rv.ProcessingTimeMs = time.Since(start).Milliseconds()
	if config.EnableLogging {
		sklog.Infof("Filter: %d analyzed, %d included, %d excluded (%d two-zero, %d missing scoring)",
			rv.Metrics.TotalAnalyzed, rv.Metrics.Included, rv.Metrics.Excluded,
			rv.Metrics.ExclusionReasons.TwoZeroCategories, rv.Metrics.ExclusionReasons.MissingScoring)
	}
	return rv
}

// exclusionReason returns the reason an opportunity should be excluded, or
// empty to include it. missing is true when the reason is absent scoring.
func exclusionReason(opp *types.AnalyzedOpportunity, config Config) (string, bool) {
	if opp.Scoring == nil {
		return MissingScoringReason, true
	}
	if !config.ExcludeIfTwoZeros {
		return "", false
	}
	zeros := 0
	for _, component := range []*float64{
		opp.Scoring.ClientRelevance,
		opp.Scoring.ProjectRelevance,
		opp.Scoring.FundingAttractiveness,
	} {
		if isZeroScore(component) {
			zeros++
		}
	}
	if zeros >= 2 {
		return fmt.Sprintf("%d out of 3 core categories scored 0", zeros), false
	}
	return "", false
}

// isZeroScore treats absent and non-numeric components as zero.
func isZeroScore(v *float64) bool {
	return v == nil || *v == 0 || math.IsNaN(*v)
}

func copyAnalyzed(opp *types.AnalyzedOpportunity) *types.AnalyzedOpportunity {
	cp := *opp
	cp.Opportunity = *opp.Opportunity.Copy()
	cp.Scoring = opp.Scoring.Copy()
	cp.Concerns = append([]string{}, opp.Concerns...)
	return &cp
}

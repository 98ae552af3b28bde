// Package pipeline runs one chunk of opportunities through duplicate
// detection and then either the direct-update path or the full
// analysis/filter/storage path, recording telemetry along the way.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/analysis"
	"github.com/grantline/grantline/go/changedetect"
	"github.com/grantline/grantline/go/directupdate"
	"github.com/grantline/grantline/go/dupdetect"
	"github.com/grantline/grantline/go/filter"
	"github.com/grantline/grantline/go/llm"
	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/runtracker"
	"github.com/grantline/grantline/go/storage"
	"github.com/grantline/grantline/go/types"
)

// costPerMillionTokensUSD converts the token count into the cost estimate
// reported on jobs and runs.
const costPerMillionTokensUSD = 0.50

// Stage names recorded with the run tracker.
const (
	stageDuplicateDetection = "duplicate_detection"
	stageDirectUpdate       = "direct_update"
	stageAnalysis           = "analysis"
	stageFilter             = "filter"
	stageStorage            = "storage"
)

// Options tunes one ProcessChunk invocation.
type Options struct {
	// PerItemAnalysis re-issues the analysis one opportunity at a time,
	// used as the fallback after a model timeout. Opportunities are never
	// dropped when switching modes.
	PerItemAnalysis bool
}

// ChunkResult aggregates the outcome of one chunk.
type ChunkResult struct {
	TotalInput       int     `json:"totalInput"`
	Stored           int     `json:"stored"`
	Updated          int     `json:"updated"`
	Skipped          int     `json:"skipped"`
	FilteredOut      int     `json:"filteredOut"`
	Duplicates       int     `json:"duplicates"`
	Failures         int     `json:"failures"`
	BypassedAnalysis int     `json:"bypassedAnalysis"`
	TokensUsed       int64   `json:"tokensUsed"`
	APICalls         int     `json:"apiCalls"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
	ExecutionMs      int64   `json:"executionMs"`
}

// Pipeline wires the per-chunk stages together.
type Pipeline struct {
	detector *dupdetect.Detector
	analyzer *analysis.Coordinator
	updater  *directupdate.Handler
	storer   *storage.Stage
	tracker  runtracker.Tracker

	filterConfig filter.Config
}

// New returns a Pipeline over the given store, model client, and tracker.
func New(store opportunitystore.Store, client llm.Client, tracker runtracker.Tracker) *Pipeline {
	return &Pipeline{
		detector:     dupdetect.New(store),
		analyzer:     analysis.New(client),
		updater:      directupdate.New(store),
		storer:       storage.New(store),
		tracker:      tracker,
		filterConfig: filter.DefaultConfig(),
	}
}

// SetFilterConfig overrides the default filter-stage configuration.
func (p *Pipeline) SetFilterConfig(config filter.Config) {
	p.filterConfig = config
}

// ProcessChunk runs the whole per-chunk flow. The returned error is a chunk
// failure the caller may retry; partial per-item failures are reported in
// the ChunkResult instead.
func (p *Pipeline) ProcessChunk(ctx context.Context, job *types.ChunkJob, source types.Source, opts Options) (*ChunkResult, error) {
	start := time.Now()
	opps := []*types.Opportunity{}
	if len(job.RawData) > 0 {
		if err := json.Unmarshal(job.RawData, &opps); err != nil {
			return nil, skerr.Wrapf(err, "decoding raw data for job %s", job.ID)
		}
	}
	config, err := types.DecodeProcessingConfig(job.ProcessingConfig)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := &ChunkResult{TotalInput: len(opps)}

	// Stage 1: duplicate detection.
	detection, err := p.detector.Detect(ctx, job.SourceID, opps, config.ForceFullProcessing)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	rv.BypassedAnalysis = len(detection.Updates) + len(detection.Skips)
	p.tracker.RecordDetectionSession(ctx, &runtracker.DetectionSession{
		RunID:           job.MasterRunID,
		SourceID:        job.SourceID,
		TotalInput:      len(opps),
		NewCount:        len(detection.New),
		UpdateCount:     len(detection.Updates),
		SkipCount:       len(detection.Skips),
		QueryCount:      detection.Metrics.DatabaseQueries,
		TokensSaved:     detection.Metrics.EstimatedTokensSaved,
		DetectionCounts: detection.Metrics.DetectionMethods,
	})
	p.recordStage(ctx, job, stageDuplicateDetection, 1, len(opps), len(detection.New), 0, 0, detection.Metrics, 0)

	for _, skip := range detection.Skips {
		rv.Skipped++
		p.tracker.RecordPath(ctx, &runtracker.ProcessingPath{
			RunID:             job.MasterRunID,
			APIOpportunityID:  skip.Incoming.ID,
			PathType:          runtracker.PATH_SKIP,
			Reason:            skip.Reason,
			StagesProcessed:   []string{stageDuplicateDetection},
			FinalOutcome:      runtracker.OUTCOME_SKIPPED,
			DuplicateDetected: true,
			DetectionMethod:   skip.Method,
		})
	}

	if err := p.runDirectUpdates(ctx, job, detection.Updates, rv); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := p.runAnalysisPath(ctx, job, source, detection.New, config, opts, rv); err != nil {
		return nil, skerr.Wrap(err)
	}

	rv.EstimatedCostUSD = float64(rv.TokensUsed) / 1e6 * costPerMillionTokensUSD
	rv.ExecutionMs = time.Since(start).Milliseconds()
	sklog.Infof("Chunk %s (%d/%d): %d in, %d stored, %d updated, %d skipped, %d filtered, %d duplicates, %d failures",
		job.ID, job.ChunkIndex+1, job.TotalChunks, rv.TotalInput, rv.Stored, rv.Updated,
		rv.Skipped, rv.FilteredOut, rv.Duplicates, rv.Failures)
	return rv, nil
}

// runDirectUpdates drives the update path for matched records with fresh
// upstream data.
func (p *Pipeline) runDirectUpdates(ctx context.Context, job *types.ChunkJob, candidates []dupdetect.UpdateCandidate, rv *ChunkResult) error {
	if len(candidates) == 0 {
		return nil
	}
	// Material-change detection feeds telemetry only; the handler's
	// per-field comparison decides what is actually written.
	material := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		material[candidate.Existing.InternalID] = changedetect.IsMaterial(candidate.Incoming, candidate.Existing)
	}
	res, err := p.updater.Update(ctx, candidates, job.ID)
	if err != nil {
		return skerr.Wrap(err)
	}
	byInternalID := make(map[string]dupdetect.UpdateCandidate, len(candidates))
	for _, candidate := range candidates {
		byInternalID[candidate.Existing.InternalID] = candidate
	}
	record := func(outcome directupdate.Outcome, finalOutcome, reason string) {
		candidate := byInternalID[outcome.InternalID]
		p.tracker.RecordPath(ctx, &runtracker.ProcessingPath{
			RunID:             job.MasterRunID,
			APIOpportunityID:  outcome.APIOpportunityID,
			PathType:          runtracker.PATH_UPDATE,
			Reason:            reason,
			StagesProcessed:   []string{stageDuplicateDetection, stageDirectUpdate},
			FinalOutcome:      finalOutcome,
			DuplicateDetected: true,
			ChangesDetected:   material[outcome.InternalID],
			DetectionMethod:   candidate.Method,
		})
	}
	for _, outcome := range res.Successful {
		rv.Updated++
		record(outcome, runtracker.OUTCOME_UPDATED, byInternalID[outcome.InternalID].Reason)
	}
	for _, outcome := range res.Skipped {
		rv.Skipped++
		record(outcome, runtracker.OUTCOME_SKIPPED, outcome.Reason)
	}
	for _, outcome := range res.Failed {
		rv.Failures++
		record(outcome, runtracker.OUTCOME_FAILED, outcome.Reason)
	}
	p.recordStage(ctx, job, stageDirectUpdate, 2, len(candidates), res.Metrics.Successful, 0, 0, res.Metrics, res.Metrics.ExecutionMs)
	return nil
}

// runAnalysisPath drives analysis, filtering, and storage for new records.
func (p *Pipeline) runAnalysisPath(ctx context.Context, job *types.ChunkJob, source types.Source, newOpps []*types.Opportunity, config types.ProcessingConfig, opts Options, rv *ChunkResult) error {
	if len(newOpps) == 0 {
		return nil
	}
	analyzed, err := p.analyze(ctx, newOpps, config.ChunkProcessing.MaxConcurrent, opts)
	if err != nil {
		p.recordStage(ctx, job, stageAnalysis, 3, len(newOpps), 0, 0, 0, nil, 0)
		return err
	}
	rv.TokensUsed += int64(analyzed.Usage.TotalTokens)
	rv.APICalls += analyzed.APICalls
	p.recordStage(ctx, job, stageAnalysis, 3, len(newOpps), len(analyzed.Opportunities),
		int64(analyzed.Usage.TotalTokens), int64(analyzed.APICalls), analyzed.Plan, analyzed.ExecutionMs)

	filtered := filter.Apply(analyzed.Opportunities, p.filterConfig)
	p.recordStage(ctx, job, stageFilter, 4, filtered.Metrics.TotalAnalyzed, filtered.Metrics.Included, 0, 0, filtered.Metrics, filtered.ProcessingTimeMs)
	for _, excluded := range filtered.Excluded {
		rv.FilteredOut++
		p.tracker.RecordPath(ctx, &runtracker.ProcessingPath{
			RunID:            job.MasterRunID,
			APIOpportunityID: excluded.ID,
			PathType:         runtracker.PATH_NEW,
			Reason:           excluded.ExclusionReason,
			StagesProcessed:  []string{stageDuplicateDetection, stageAnalysis, stageFilter},
			FinalOutcome:     runtracker.OUTCOME_FILTERED_OUT,
			QualityScore:     qualityScore(excluded),
		})
	}

	stored := p.storer.Store(ctx, filtered.Included, source, job.ID, config.ForceFullProcessing)
	rv.Stored += stored.Metrics.NewOpportunities
	rv.Duplicates += stored.Metrics.DuplicatesFound
	rv.Failures += stored.Metrics.Failures
	p.recordStage(ctx, job, stageStorage, 5, stored.Metrics.TotalProcessed, stored.Metrics.NewOpportunities, 0, 0, stored.Metrics, stored.ExecutionMs)

	outcomeByID := make(map[string]storage.ItemOutcome, len(stored.Outcomes))
	for _, outcome := range stored.Outcomes {
		outcomeByID[outcome.APIOpportunityID] = outcome
	}
	for _, included := range filtered.Included {
		path := &runtracker.ProcessingPath{
			RunID:            job.MasterRunID,
			APIOpportunityID: included.ID,
			PathType:         runtracker.PATH_NEW,
			StagesProcessed:  []string{stageDuplicateDetection, stageAnalysis, stageFilter, stageStorage},
			QualityScore:     qualityScore(included),
		}
		switch outcome := outcomeByID[strings.TrimSpace(included.ID)]; outcome.Status {
		case storage.ITEM_STORED:
			path.FinalOutcome = runtracker.OUTCOME_STORED
		case storage.ITEM_DUPLICATE:
			path.FinalOutcome = runtracker.OUTCOME_SKIPPED
			path.Reason = "duplicate_on_insert"
			path.DuplicateDetected = true
		default:
			path.FinalOutcome = runtracker.OUTCOME_FAILED
			path.Reason = outcome.Error
		}
		p.tracker.RecordPath(ctx, path)
	}
	return nil
}

// analyze runs the coordinator, batching normally or one item at a time for
// the timeout fallback.
func (p *Pipeline) analyze(ctx context.Context, opps []*types.Opportunity, maxConcurrent int, opts Options) (*analysis.Result, error) {
	if !opts.PerItemAnalysis {
		return p.analyzer.Analyze(ctx, opps, maxConcurrent)
	}
	sklog.Warningf("Re-running analysis per item for %d opportunities", len(opps))
	combined := &analysis.Result{Opportunities: []*types.AnalyzedOpportunity{}}
	for _, opp := range opps {
		res, err := p.analyzer.Analyze(ctx, []*types.Opportunity{opp}, maxConcurrent)
		if err != nil {
			return nil, skerr.Wrapf(err, "per-item analysis of %s", opp.ID)
		}
		combined.Opportunities = append(combined.Opportunities, res.Opportunities...)
		combined.Usage.InputTokens += res.Usage.InputTokens
		combined.Usage.OutputTokens += res.Usage.OutputTokens
		combined.Usage.TotalTokens += res.Usage.TotalTokens
		combined.APICalls += res.APICalls
		combined.ExecutionMs += res.ExecutionMs
		combined.Plan = res.Plan
	}
	return combined, nil
}

// recordStage serializes the stage's result payload and hands it to the
// tracker.
func (p *Pipeline) recordStage(ctx context.Context, job *types.ChunkJob, name string, order, in, out int, tokens, apiCalls int64, results interface{}, executionMs int64) {
	var resultsJSON json.RawMessage
	if results != nil {
		b, err := json.Marshal(results)
		if err == nil {
			resultsJSON = b
		}
	}
	status := "completed"
	if out == 0 && in > 0 && results == nil {
		status = "failed"
	}
	p.tracker.RecordStage(ctx, &runtracker.Stage{
		RunID:       job.MasterRunID,
		Name:        name,
		Order:       order,
		Status:      status,
		InputCount:  in,
		OutputCount: out,
		TokensUsed:  tokens,
		APICalls:    apiCalls,
		Results:     resultsJSON,
		ExecutionMs: executionMs,
	})
}

func qualityScore(opp *types.AnalyzedOpportunity) *float64 {
	if opp.Scoring == nil {
		return nil
	}
	return opp.Scoring.OverallScore
}

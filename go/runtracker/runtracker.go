// Package runtracker records pipeline runs, their stages, and the path each
// opportunity took. All writes are best effort: implementations log failures
// and never block the pipeline.
package runtracker

import (
	"context"
	"encoding/json"
	"time"
)

// Run statuses.
const (
	RUN_STATUS_RUNNING   = "running"
	RUN_STATUS_COMPLETED = "completed"
	RUN_STATUS_FAILED    = "failed"
)

// Path types, matching the duplicate detector's partition.
const (
	PATH_NEW    = "NEW"
	PATH_UPDATE = "UPDATE"
	PATH_SKIP   = "SKIP"
)

// Final outcomes for an opportunity's path.
const (
	OUTCOME_STORED       = "stored"
	OUTCOME_UPDATED      = "updated"
	OUTCOME_SKIPPED      = "skipped"
	OUTCOME_FILTERED_OUT = "filtered_out"
	OUTCOME_FAILED       = "failed"
)

// Run is one master pipeline run, aggregating over its chunk jobs.
type Run struct {
	ID              string          `json:"id"`
	SourceID        string          `json:"sourceId"`
	Status          string          `json:"status"`
	PipelineVersion string          `json:"pipelineVersion"`
	Configuration   json.RawMessage `json:"configuration"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt"`
	Totals          RunTotals       `json:"totals"`
}

// RunTotals are the aggregate counters for a run.
type RunTotals struct {
	TotalExecutionMs       int64   `json:"totalExecutionMs"`
	OpportunitiesProcessed int64   `json:"opportunitiesProcessed"`
	OpportunitiesBypassed  int64   `json:"opportunitiesBypassed"`
	TotalTokensUsed        int64   `json:"totalTokensUsed"`
	TotalAPICalls          int64   `json:"totalApiCalls"`
	EstimatedCostUSD       float64 `json:"estimatedCostUsd"`
}

// DerivedMetrics are rates computed from the totals at read time; they are
// not stored.
type DerivedMetrics struct {
	OpportunitiesPerMinute float64 `json:"opportunitiesPerMinute"`
	TokensPerOpportunity   float64 `json:"tokensPerOpportunity"`
	CostPerOpportunity     float64 `json:"costPerOpportunity"`
}

// Derived computes the per-run rates. Zero denominators yield zero rates.
func (t RunTotals) Derived() DerivedMetrics {
	rv := DerivedMetrics{}
	if t.TotalExecutionMs > 0 {
		rv.OpportunitiesPerMinute = float64(t.OpportunitiesProcessed) / (float64(t.TotalExecutionMs) / 60000.0)
	}
	if t.OpportunitiesProcessed > 0 {
		rv.TokensPerOpportunity = float64(t.TotalTokensUsed) / float64(t.OpportunitiesProcessed)
		rv.CostPerOpportunity = t.EstimatedCostUSD / float64(t.OpportunitiesProcessed)
	}
	return rv
}

// Stage records one pipeline stage within a run.
type Stage struct {
	ID          string          `json:"id"`
	RunID       string          `json:"runId"`
	Name        string          `json:"name"`
	Order       int             `json:"order"`
	Status      string          `json:"status"`
	InputCount  int             `json:"inputCount"`
	OutputCount int             `json:"outputCount"`
	TokensUsed  int64           `json:"tokensUsed"`
	APICalls    int64           `json:"apiCalls"`
	Results     json.RawMessage `json:"results"`
	Performance json.RawMessage `json:"performance"`
	ExecutionMs int64           `json:"executionMs"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt"`
}

// ProcessingPath records the route one opportunity took through a run.
type ProcessingPath struct {
	ID                string   `json:"id"`
	RunID             string   `json:"runId"`
	APIOpportunityID  string   `json:"apiOpportunityId"`
	PathType          string   `json:"pathType"`
	Reason            string   `json:"reason"`
	StagesProcessed   []string `json:"stagesProcessed"`
	FinalOutcome      string   `json:"finalOutcome"`
	TokensUsed        int64    `json:"tokensUsed"`
	ProcessingMs      int64    `json:"processingMs"`
	CostUSD           float64  `json:"costUsd"`
	DuplicateDetected bool     `json:"duplicateDetected"`
	ChangesDetected   bool     `json:"changesDetected"`
	DetectionMethod   string   `json:"detectionMethod"`
	QualityScore      *float64 `json:"qualityScore"`
}

// DetectionSession summarizes one duplicate-detector invocation.
type DetectionSession struct {
	ID              string         `json:"id"`
	RunID           string         `json:"runId"`
	SourceID        string         `json:"sourceId"`
	TotalInput      int            `json:"totalInput"`
	NewCount        int            `json:"newCount"`
	UpdateCount     int            `json:"updateCount"`
	SkipCount       int            `json:"skipCount"`
	QueryCount      int            `json:"queryCount"`
	TokensSaved     int64          `json:"tokensSaved"`
	DetectionCounts map[string]int `json:"detectionCounts"`
}

// Tracker persists run telemetry. Implementations must swallow their own
// errors: a tracker failure is logged, never surfaced to the pipeline.
type Tracker interface {
	// StartRun records a new run in the running state.
	StartRun(ctx context.Context, run *Run)

	// CompleteRun finalizes the run with its terminal status and totals.
	CompleteRun(ctx context.Context, runID, status string, totals RunTotals)

	// RecordStage records one finished stage.
	RecordStage(ctx context.Context, stage *Stage)

	// RecordPath records one opportunity's path.
	RecordPath(ctx context.Context, path *ProcessingPath)

	// RecordDetectionSession records one duplicate-detector summary.
	RecordDetectionSession(ctx context.Context, session *DetectionSession)
}

// NopTracker discards everything.
type NopTracker struct{}

func (NopTracker) StartRun(ctx context.Context, run *Run)                                   {}
func (NopTracker) CompleteRun(ctx context.Context, runID, status string, totals RunTotals)  {}
func (NopTracker) RecordStage(ctx context.Context, stage *Stage)                            {}
func (NopTracker) RecordPath(ctx context.Context, path *ProcessingPath)                     {}
func (NopTracker) RecordDetectionSession(ctx context.Context, session *DetectionSession)    {}

// Assert that NopTracker implements Tracker.
var _ Tracker = NopTracker{}

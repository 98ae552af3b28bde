// Package sqlruntracker implements runtracker.Tracker on an SQL database
// backend. Every write swallows its own error after logging it; run
// telemetry is never allowed to fail a pipeline run.
package sqlruntracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/sql/pool"

	"github.com/grantline/grantline/go/runtracker"
)

// statement is an SQL statement identifier.
type statement int

const (
	insertRun statement = iota
	completeRun
	insertStage
	insertPath
	insertSession
	failAbandoned
)

// statements holds all the raw SQL used by the tracker.
var statements = map[statement]string{
	insertRun: `
		INSERT INTO PipelineRuns (
			id, source_id, status, pipeline_version, configuration,
			started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)`,
	completeRun: `
		UPDATE PipelineRuns
		SET status=$2, completed_at=$3, total_execution_ms=$4,
			opportunities_processed=$5, opportunities_bypassed=$6,
			total_tokens_used=$7, total_api_calls=$8, estimated_cost_usd=$9
		WHERE id=$1`,
	insertStage: `
		INSERT INTO PipelineStages (
			id, run_id, name, stage_order, status, input_count,
			output_count, tokens_used, api_calls, results, performance,
			execution_ms, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
	insertPath: `
		INSERT INTO OpportunityProcessingPaths (
			id, run_id, api_opportunity_id, path_type, reason,
			stages_processed, final_outcome, tokens_used, processing_ms,
			cost_usd, duplicate_detected, changes_detected,
			detection_method, quality_score, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
	insertSession: `
		INSERT INTO DuplicateDetectionSessions (
			id, run_id, source_id, total_input, new_count, update_count,
			skip_count, query_count, tokens_saved, detection_counts,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	failAbandoned: `
		UPDATE PipelineRuns
		SET status=$1, completed_at=$2
		WHERE status=$3 AND started_at < $4
			AND NOT EXISTS (
				SELECT 1 FROM ProcessingJobs
				WHERE master_run_id = PipelineRuns.id
					AND status IN ('pending', 'processing')
			)`,
}

// SQLRunTracker implements the runtracker.Tracker interface.
type SQLRunTracker struct {
	db           pool.Pool
	writeFailure metrics2.Counter
}

// New returns a new *SQLRunTracker.
func New(db pool.Pool) *SQLRunTracker {
	return &SQLRunTracker{
		db:           db,
		writeFailure: metrics2.GetCounter("grantline_runtracker_write_failures"),
	}
}

// StartRun implements runtracker.Tracker.
func (t *SQLRunTracker) StartRun(ctx context.Context, run *runtracker.Run) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = runtracker.RUN_STATUS_RUNNING
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now.Now(ctx).UTC()
	}
	var configArg interface{}
	if len(run.Configuration) > 0 {
		configArg = string(run.Configuration)
	}
	_, err := t.db.Exec(ctx, statements[insertRun],
		run.ID, run.SourceID, run.Status, run.PipelineVersion, configArg,
		run.StartedAt)
	t.logged("recording run start", run.ID, err)
}

// CompleteRun implements runtracker.Tracker.
func (t *SQLRunTracker) CompleteRun(ctx context.Context, runID, status string, totals runtracker.RunTotals) {
	_, err := t.db.Exec(ctx, statements[completeRun],
		runID, status, now.Now(ctx).UTC(), totals.TotalExecutionMs,
		totals.OpportunitiesProcessed, totals.OpportunitiesBypassed,
		totals.TotalTokensUsed, totals.TotalAPICalls, totals.EstimatedCostUSD)
	t.logged("recording run completion", runID, err)
}

// RecordStage implements runtracker.Tracker.
func (t *SQLRunTracker) RecordStage(ctx context.Context, stage *runtracker.Stage) {
	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	if stage.StartedAt.IsZero() {
		stage.StartedAt = now.Now(ctx).UTC()
	}
	_, err := t.db.Exec(ctx, statements[insertStage],
		stage.ID, stage.RunID, stage.Name, stage.Order, stage.Status,
		stage.InputCount, stage.OutputCount, stage.TokensUsed,
		stage.APICalls, jsonArg(stage.Results), jsonArg(stage.Performance),
		stage.ExecutionMs, stage.StartedAt, stage.CompletedAt)
	t.logged("recording stage "+stage.Name, stage.RunID, err)
}

// RecordPath implements runtracker.Tracker.
func (t *SQLRunTracker) RecordPath(ctx context.Context, path *runtracker.ProcessingPath) {
	if path.ID == "" {
		path.ID = uuid.NewString()
	}
	stages, err := json.Marshal(path.StagesProcessed)
	if err != nil {
		t.logged("serializing stages for path", path.RunID, err)
		return
	}
	_, err = t.db.Exec(ctx, statements[insertPath],
		path.ID, path.RunID, path.APIOpportunityID, path.PathType,
		path.Reason, string(stages), path.FinalOutcome, path.TokensUsed,
		path.ProcessingMs, path.CostUSD, path.DuplicateDetected,
		path.ChangesDetected, path.DetectionMethod, path.QualityScore,
		now.Now(ctx).UTC())
	t.logged("recording path for "+path.APIOpportunityID, path.RunID, err)
}

// RecordDetectionSession implements runtracker.Tracker.
func (t *SQLRunTracker) RecordDetectionSession(ctx context.Context, session *runtracker.DetectionSession) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	counts, err := json.Marshal(session.DetectionCounts)
	if err != nil {
		t.logged("serializing detection counts", session.RunID, err)
		return
	}
	_, err = t.db.Exec(ctx, statements[insertSession],
		session.ID, session.RunID, session.SourceID, session.TotalInput,
		session.NewCount, session.UpdateCount, session.SkipCount,
		session.QueryCount, session.TokensSaved, string(counts),
		now.Now(ctx).UTC())
	t.logged("recording detection session", session.RunID, err)
}

// FailAbandonedRuns marks runs that are still running, are older than
// olderThan, and have no live jobs left as failed. Returns the number of
// runs closed. This is a maintenance operation, not part of
// runtracker.Tracker.
func (t *SQLRunTracker) FailAbandonedRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	ts := now.Now(ctx).UTC()
	tag, err := t.db.Exec(ctx, statements[failAbandoned],
		runtracker.RUN_STATUS_FAILED, ts, runtracker.RUN_STATUS_RUNNING,
		ts.Add(-olderThan))
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

// logged logs and counts a write failure; nil errors pass through silently.
func (t *SQLRunTracker) logged(what, runID string, err error) {
	if err != nil {
		sklog.Errorf("Run tracker: %s for run %s failed: %s", what, runID, err)
		t.writeFailure.Inc(1)
	}
}

func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Assert that SQLRunTracker implements runtracker.Tracker.
var _ runtracker.Tracker = (*SQLRunTracker)(nil)

// Package worker polls the job queue and drives leased chunk jobs through
// the pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"github.com/grantline/grantline/go/jobqueue"
	"github.com/grantline/grantline/go/llm"
	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/pipeline"
	"github.com/grantline/grantline/go/runtracker"
	"github.com/grantline/grantline/go/types"
)

// DefaultPollInterval is how often an idle worker checks the queue.
const DefaultPollInterval = 5 * time.Second

// Worker leases one job at a time and processes it to a terminal status.
type Worker struct {
	queue        jobqueue.Queue
	store        opportunitystore.Store
	pipeline     *pipeline.Pipeline
	tracker      runtracker.Tracker
	pollInterval time.Duration

	liveness metrics2.Liveness
}

// New returns a Worker. pollInterval of zero uses DefaultPollInterval.
func New(queue jobqueue.Queue, store opportunitystore.Store, p *pipeline.Pipeline, tracker runtracker.Tracker, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		queue:        queue,
		store:        store,
		pipeline:     p,
		tracker:      tracker,
		pollInterval: pollInterval,
		liveness:     metrics2.NewLiveness("grantline_worker"),
	}
}

// Report summarizes one processed job for callers that surface the result,
// such as the operator API.
type Report struct {
	JobID            string          `json:"jobId"`
	ChunkIndex       int             `json:"chunkIndex"`
	TotalChunks      int             `json:"totalChunks"`
	Status           types.JobStatus `json:"status"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	ItemsProcessed   int             `json:"itemsProcessed"`
}

// Start polls the queue until the context is cancelled, draining all
// pending jobs on each tick.
func (w *Worker) Start(ctx context.Context) {
	util.RepeatCtx(ctx, w.pollInterval, func(ctx context.Context) {
		for {
			report, err := w.ProcessNextJob(ctx)
			if err != nil {
				sklog.Errorf("Worker iteration failed: %s", err)
				return
			}
			w.liveness.Reset()
			if report == nil {
				return
			}
		}
	})
}

// ProcessNextJob leases and processes the oldest pending job. Returns nil
// when the queue is empty or another worker won the lease. Job failures are
// recorded on the job, not returned; the returned error covers queue access
// only.
func (w *Worker) ProcessNextJob(ctx context.Context) (*Report, error) {
	job, err := w.queue.GetNextPendingJob(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if job == nil {
		return nil, nil
	}
	leased, err := w.queue.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
	if err != nil {
		if errors.Is(err, jobqueue.ErrInvalidTransition) || errors.Is(err, jobqueue.ErrNotFound) {
			// Another worker got there first.
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	return w.processJob(ctx, leased), nil
}

// processJob runs the leased job to a terminal status. Never returns an
// error: every failure path lands in the failed status with details.
func (w *Worker) processJob(ctx context.Context, job *types.ChunkJob) *Report {
	start := time.Now()
	report := &Report{
		JobID:       job.ID,
		ChunkIndex:  job.ChunkIndex,
		TotalChunks: job.TotalChunks,
	}
	finish := func(status types.JobStatus) *Report {
		report.Status = status
		report.ProcessingTimeMs = time.Since(start).Milliseconds()
		return report
	}
	config, err := types.DecodeProcessingConfig(job.ProcessingConfig)
	if err != nil {
		return finish(w.failJob(ctx, job, start, skerr.Wrap(err)))
	}
	source, err := w.store.GetSource(ctx, job.SourceID)
	if err != nil {
		return finish(w.failJob(ctx, job, start, skerr.Wrapf(err, "resolving source for job %s", job.ID)))
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(config.ChunkProcessing.TimeoutMs)*time.Millisecond)
	defer cancel()

	result, err := w.runChunk(jobCtx, job, *source)
	if err != nil {
		return finish(w.failJob(ctx, job, start, err))
	}
	report.ItemsProcessed = result.TotalInput

	opts := jobqueue.UpdateOptions{
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		TokensUsed:       result.TokensUsed,
		EstimatedCostUSD: result.EstimatedCostUSD,
	}
	if _, err := w.queue.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_COMPLETED, opts); err != nil {
		sklog.Errorf("Marking job %s completed failed: %s", job.ID, err)
		return finish(types.JOB_STATUS_PROCESSING)
	}
	w.maybeCompleteRun(ctx, job.MasterRunID)
	return finish(types.JOB_STATUS_COMPLETED)
}

// runChunk applies the chunk retry policy: a rate-limited chunk gets one
// immediate retry; a model timeout falls back to per-item analysis so no
// opportunity is dropped. The overall job deadline always wins.
func (w *Worker) runChunk(ctx context.Context, job *types.ChunkJob, source types.Source) (*pipeline.ChunkResult, error) {
	var result *pipeline.ChunkResult
	operation := func() error {
		res, err := w.pipeline.ProcessChunk(ctx, job, source, pipeline.Options{})
		if err != nil {
			if llm.IsRateLimit(err) {
				sklog.Warningf("Job %s rate limited, retrying chunk once: %s", job.ID, err)
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1), ctx)
	err := backoff.Retry(operation, policy)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		// The job deadline expired; no fallback.
		return nil, skerr.Wrapf(err, "job %s timed out", job.ID)
	}
	if llm.IsTimeout(err) {
		sklog.Warningf("Job %s hit a model timeout, falling back to per-item analysis: %s", job.ID, err)
		result, err = w.pipeline.ProcessChunk(ctx, job, source, pipeline.Options{PerItemAnalysis: true})
		if err != nil {
			return nil, skerr.Wrapf(err, "per-item fallback for job %s", job.ID)
		}
		return result, nil
	}
	return nil, err
}

// failJob marks the job failed and, if attempts remain, resets it to
// pending for another try. Returns the job's resulting status.
func (w *Worker) failJob(ctx context.Context, job *types.ChunkJob, start time.Time, jobErr error) types.JobStatus {
	sklog.Errorf("Job %s failed: %s", job.ID, jobErr)
	details, err := json.Marshal(map[string]string{"error": jobErr.Error()})
	if err != nil {
		details = nil
	}
	opts := jobqueue.UpdateOptions{
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ErrorDetails:     details,
	}
	if _, err := w.queue.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_FAILED, opts); err != nil {
		sklog.Errorf("Marking job %s failed failed: %s", job.ID, err)
		return types.JOB_STATUS_PROCESSING
	}
	if _, err := w.queue.UpdateJobStatus(ctx, job.ID, jobqueue.STATUS_RETRYING, jobqueue.UpdateOptions{}); err != nil {
		if errors.Is(err, jobqueue.ErrRetriesExhausted) {
			sklog.Errorf("Job %s has exhausted its retries", job.ID)
			w.maybeCompleteRun(ctx, job.MasterRunID)
			return types.JOB_STATUS_FAILED
		}
		sklog.Errorf("Resetting job %s for retry failed: %s", job.ID, err)
		return types.JOB_STATUS_FAILED
	}
	return types.JOB_STATUS_PENDING
}

// maybeCompleteRun finalizes the master run once every chunk job has
// reached a terminal status.
func (w *Worker) maybeCompleteRun(ctx context.Context, masterRunID string) {
	progress, err := w.queue.GetMasterRunProgress(ctx, masterRunID)
	if err != nil {
		sklog.Errorf("Reading progress for run %s failed: %s", masterRunID, err)
		return
	}
	if !progress.IsComplete {
		return
	}
	status := runtracker.RUN_STATUS_COMPLETED
	if progress.HasFailures {
		status = runtracker.RUN_STATUS_FAILED
	}
	w.tracker.CompleteRun(ctx, masterRunID, status, runtracker.RunTotals{
		TotalExecutionMs: progress.AggregatedMetrics.ProcessingTimeMs,
		TotalTokensUsed:  progress.AggregatedMetrics.TokensUsed,
		EstimatedCostUSD: progress.AggregatedMetrics.EstimatedCostUSD,
	})
	sklog.Infof("Master run %s finished with status %s", masterRunID, status)
}

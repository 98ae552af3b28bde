// Package jobqueue defines the durable FIFO queue of chunk jobs that feeds
// the ingestion pipeline workers.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"

	"github.com/grantline/grantline/go/types"
)

var (
	// ErrNotFound is returned when a requested job does not exist.
	ErrNotFound = errors.New("job with the given ID does not exist")

	// ErrInvalidTransition is returned when a status update does not obey
	// the job lifecycle. Workers racing for the same pending job observe
	// this error and move on.
	ErrInvalidTransition = errors.New("status transition not permitted by the job lifecycle")

	// ErrRetriesExhausted is returned when a retry is requested for a job
	// that has already used all of its attempts.
	ErrRetriesExhausted = errors.New("job has exhausted its retries")

	// ErrConstraint is returned from CreateJob for unknown foreign keys or
	// out-of-range chunk coordinates.
	ErrConstraint = errors.New("job violates a queue constraint")
)

// STATUS_RETRYING is a transition request, not a stored status: applying it
// resets a failed job to pending, clears its timestamps and error details,
// and increments its retry count.
const STATUS_RETRYING types.JobStatus = "retrying"

// UpdateOptions carries the optional fields written along with a status
// update.
type UpdateOptions struct {
	ProcessingTimeMs int64
	TokensUsed       int64
	EstimatedCostUSD float64
	ErrorDetails     json.RawMessage
}

// MasterRunProgress aggregates the ChunkJobs sharing a master run id.
type MasterRunProgress struct {
	MasterRunID       string                  `json:"masterRunId"`
	TotalJobs         int                     `json:"totalJobs"`
	StatusCounts      map[types.JobStatus]int `json:"statusCounts"`
	CompletionPct     float64                 `json:"completionPct"`
	IsComplete        bool                    `json:"isComplete"`
	HasFailures       bool                    `json:"hasFailures"`
	AggregatedMetrics types.JobMetrics        `json:"aggregatedMetrics"`
}

// Queue is the contract for the durable chunk-job queue.
//
// GetNextPendingJob returns the pending job with the smallest createdAt,
// ties broken by job id, or nil if the queue is empty. Delivery is
// at-most-once: the worker must transition the returned job to processing
// before doing any work, and must discard the job if that transition fails.
type Queue interface {
	// CreateJob enqueues a new pending ChunkJob. Unknown sourceID or
	// masterRunID, a negative chunkIndex, or a non-positive totalChunks
	// are constraint errors.
	CreateJob(ctx context.Context, sourceID, masterRunID string, chunkIndex, totalChunks int, rawData, processingConfig json.RawMessage) (*types.ChunkJob, error)

	// GetJob returns the job with the given id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*types.ChunkJob, error)

	// GetNextPendingJob returns the oldest pending job, or nil if there
	// are no pending jobs.
	GetNextPendingJob(ctx context.Context) (*types.ChunkJob, error)

	// UpdateJobStatus applies a lifecycle transition and writes the
	// accompanying timestamps and metrics. STATUS_RETRYING resets the job
	// to pending per the lifecycle.
	UpdateJobStatus(ctx context.Context, id string, newStatus types.JobStatus, opts UpdateOptions) (*types.ChunkJob, error)

	// GetJobsByMasterRun returns all jobs for the master run, ordered by
	// chunk index.
	GetJobsByMasterRun(ctx context.Context, masterRunID string) ([]*types.ChunkJob, error)

	// GetMasterRunProgress aggregates status counts and metrics for the
	// master run.
	GetMasterRunProgress(ctx context.Context, masterRunID string) (*MasterRunProgress, error)

	// RetryFailedJobs resets all failed jobs with retryCount < maxRetries
	// back to pending and returns them.
	RetryFailedJobs(ctx context.Context, maxRetries int) ([]*types.ChunkJob, error)

	// CleanupOldJobs deletes completed jobs older than the given number
	// of days and returns how many were deleted.
	CleanupOldJobs(ctx context.Context, olderThanDays int) (int, error)

	// GetQueueStatus returns the number of jobs in each status.
	GetQueueStatus(ctx context.Context) (map[types.JobStatus]int, error)
}

// ApplyStatusUpdate mutates the given job per the lifecycle rules, or
// returns an error without modifying it. Shared by all Queue
// implementations so the state machine lives in exactly one place.
func ApplyStatusUpdate(job *types.ChunkJob, newStatus types.JobStatus, opts UpdateOptions, ts time.Time) error {
	if newStatus == STATUS_RETRYING {
		if job.Status != types.JOB_STATUS_FAILED {
			return skerr.Wrapf(ErrInvalidTransition, "job %s: cannot retry from %q", job.ID, job.Status)
		}
		if job.RetryCount >= job.MaxRetries {
			return skerr.Wrapf(ErrRetriesExhausted, "job %s: %d of %d attempts used", job.ID, job.RetryCount, job.MaxRetries)
		}
		job.Status = types.JOB_STATUS_PENDING
		job.RetryCount++
		job.StartedAt = nil
		job.CompletedAt = nil
		job.ErrorDetails = nil
		return nil
	}
	if !newStatus.Valid() {
		return skerr.Fmt("invalid job status %q", newStatus)
	}
	if !job.Status.CanTransitionTo(newStatus) {
		return skerr.Wrapf(ErrInvalidTransition, "job %s: %q -> %q", job.ID, job.Status, newStatus)
	}
	job.Status = newStatus
	switch newStatus {
	case types.JOB_STATUS_PROCESSING:
		t := ts
		job.StartedAt = &t
	case types.JOB_STATUS_COMPLETED, types.JOB_STATUS_FAILED:
		t := ts
		job.CompletedAt = &t
		job.Metrics.Add(types.JobMetrics{
			ProcessingTimeMs: opts.ProcessingTimeMs,
			TokensUsed:       opts.TokensUsed,
			EstimatedCostUSD: opts.EstimatedCostUSD,
		})
		if len(opts.ErrorDetails) > 0 {
			job.ErrorDetails = opts.ErrorDetails
		}
	}
	return nil
}

// ComputeProgress derives a MasterRunProgress from the given jobs.
func ComputeProgress(masterRunID string, jobs []*types.ChunkJob) *MasterRunProgress {
	rv := &MasterRunProgress{
		MasterRunID:  masterRunID,
		TotalJobs:    len(jobs),
		StatusCounts: map[types.JobStatus]int{},
	}
	done := 0
	for _, job := range jobs {
		rv.StatusCounts[job.Status]++
		rv.AggregatedMetrics.Add(job.Metrics)
		if job.Done() {
			done++
		}
		if job.Status == types.JOB_STATUS_FAILED {
			rv.HasFailures = true
		}
	}
	if len(jobs) > 0 {
		rv.CompletionPct = 100 * float64(done) / float64(len(jobs))
		rv.IsComplete = done == len(jobs)
	}
	return rv
}

// CutoffForRetention returns the deletion cutoff for CleanupOldJobs.
func CutoffForRetention(ctx context.Context, olderThanDays int) time.Time {
	return now.Now(ctx).AddDate(0, 0, -olderThanDays)
}

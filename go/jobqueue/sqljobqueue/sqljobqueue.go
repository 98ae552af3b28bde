// Package sqljobqueue implements the jobqueue.Queue interface on an SQL
// database backend.
//
// Leasing uses compare-and-swap status updates keyed on the expected prior
// status, so concurrent workers racing for the same pending job resolve at
// the database rather than via in-process locks.
package sqljobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sql/pool"

	"github.com/grantline/grantline/go/jobqueue"
	"github.com/grantline/grantline/go/types"
)

// foreignKeyViolation is the PostgreSQL error code for foreign-key
// violations.
const foreignKeyViolation = "23503"

// jobColumns is the column list shared by every statement that returns full
// job rows.
const jobColumns = `
	id, source_id, master_run_id, chunk_index, total_chunks, raw_data,
	processing_config, status, retry_count, max_retries, created_at,
	started_at, completed_at, processing_time_ms, tokens_used,
	estimated_cost_usd, error_details`

// statement is an SQL statement identifier.
type statement int

const (
	insertJob statement = iota
	getJob
	getNextPending
	markProcessing
	markTerminal
	markRetrying
	byMasterRun
	retryFailed
	cleanupCompleted
	queueStatus
)

// statements holds all the raw SQL used by the queue.
var statements = map[statement]string{
	insertJob: `
		INSERT INTO ProcessingJobs (
			id, source_id, master_run_id, chunk_index, total_chunks,
			raw_data, processing_config, status, retry_count, max_retries,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
		`,
	getJob: `
		SELECT` + jobColumns + `
		FROM ProcessingJobs
		WHERE id=$1`,
	getNextPending: `
		SELECT` + jobColumns + `
		FROM ProcessingJobs
		WHERE status='pending'
		ORDER BY created_at, id
		LIMIT 1`,
	markProcessing: `
		UPDATE ProcessingJobs
		SET status='processing', started_at=$2
		WHERE id=$1 AND status='pending'
		RETURNING` + jobColumns,
	markTerminal: `
		UPDATE ProcessingJobs
		SET status=$2, completed_at=$3,
			processing_time_ms=processing_time_ms+$4,
			tokens_used=tokens_used+$5,
			estimated_cost_usd=estimated_cost_usd+$6,
			error_details=COALESCE($7, error_details)
		WHERE id=$1 AND status='processing'
		RETURNING` + jobColumns,
	markRetrying: `
		UPDATE ProcessingJobs
		SET status='pending', retry_count=retry_count+1,
			started_at=NULL, completed_at=NULL, error_details=NULL
		WHERE id=$1 AND status='failed' AND retry_count < max_retries
		RETURNING` + jobColumns,
	byMasterRun: `
		SELECT` + jobColumns + `
		FROM ProcessingJobs
		WHERE master_run_id=$1
		ORDER BY chunk_index`,
	retryFailed: `
		UPDATE ProcessingJobs
		SET status='pending', retry_count=retry_count+1,
			started_at=NULL, completed_at=NULL, error_details=NULL
		WHERE status='failed' AND retry_count < $1
		RETURNING` + jobColumns,
	cleanupCompleted: `
		DELETE FROM ProcessingJobs
		WHERE status='completed' AND completed_at < $1`,
	queueStatus: `
		SELECT status, COUNT(*)
		FROM ProcessingJobs
		GROUP BY status`,
}

// SQLJobQueue implements the jobqueue.Queue interface.
type SQLJobQueue struct {
	db             pool.Pool
	createdCounter metrics2.Counter
	leasedCounter  metrics2.Counter
	leaseLost      metrics2.Counter
}

// New returns a new *SQLJobQueue.
func New(db pool.Pool) *SQLJobQueue {
	return &SQLJobQueue{
		db:             db,
		createdCounter: metrics2.GetCounter("grantline_jobqueue_created"),
		leasedCounter:  metrics2.GetCounter("grantline_jobqueue_leased"),
		leaseLost:      metrics2.GetCounter("grantline_jobqueue_lease_lost"),
	}
}

// CreateJob implements jobqueue.Queue.
func (q *SQLJobQueue) CreateJob(ctx context.Context, sourceID, masterRunID string, chunkIndex, totalChunks int, rawData, processingConfig json.RawMessage) (*types.ChunkJob, error) {
	if totalChunks <= 0 || chunkIndex < 0 || chunkIndex >= totalChunks {
		return nil, skerr.Wrapf(jobqueue.ErrConstraint, "chunk %d of %d", chunkIndex, totalChunks)
	}
	if len(rawData) == 0 {
		rawData = json.RawMessage("[]")
	}
	var configArg interface{}
	if len(processingConfig) > 0 {
		configArg = string(processingConfig)
	}
	job := &types.ChunkJob{
		ID:               uuid.NewString(),
		SourceID:         sourceID,
		MasterRunID:      masterRunID,
		ChunkIndex:       chunkIndex,
		TotalChunks:      totalChunks,
		RawData:          rawData,
		ProcessingConfig: processingConfig,
		Status:           types.JOB_STATUS_PENDING,
		MaxRetries:       types.DEFAULT_MAX_RETRIES,
		CreatedAt:        now.Now(ctx).UTC(),
	}
	_, err := q.db.Exec(ctx, statements[insertJob],
		job.ID, job.SourceID, job.MasterRunID, job.ChunkIndex, job.TotalChunks,
		string(job.RawData), configArg, string(job.Status), job.MaxRetries,
		job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return nil, skerr.Wrapf(jobqueue.ErrConstraint, "%s", pgErr.Message)
		}
		return nil, skerr.Wrapf(err, "inserting job for source %s", sourceID)
	}
	q.createdCounter.Inc(1)
	return job, nil
}

// GetJob implements jobqueue.Queue.
func (q *SQLJobQueue) GetJob(ctx context.Context, id string) (*types.ChunkJob, error) {
	job, err := scanJob(q.db.QueryRow(ctx, statements[getJob], id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, skerr.Wrapf(jobqueue.ErrNotFound, "id %s", id)
		}
		return nil, skerr.Wrap(err)
	}
	return job, nil
}

// GetNextPendingJob implements jobqueue.Queue.
func (q *SQLJobQueue) GetNextPendingJob(ctx context.Context) (*types.ChunkJob, error) {
	job, err := scanJob(q.db.QueryRow(ctx, statements[getNextPending]))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	return job, nil
}

// UpdateJobStatus implements jobqueue.Queue. Transitions are single
// compare-and-swap UPDATEs; zero rows affected means another worker got
// there first, or the job does not exist.
func (q *SQLJobQueue) UpdateJobStatus(ctx context.Context, id string, newStatus types.JobStatus, opts jobqueue.UpdateOptions) (*types.ChunkJob, error) {
	ts := now.Now(ctx).UTC()
	var row pgx.Row
	switch newStatus {
	case types.JOB_STATUS_PROCESSING:
		row = q.db.QueryRow(ctx, statements[markProcessing], id, ts)
	case types.JOB_STATUS_COMPLETED, types.JOB_STATUS_FAILED:
		var errArg interface{}
		if len(opts.ErrorDetails) > 0 {
			errArg = string(opts.ErrorDetails)
		}
		row = q.db.QueryRow(ctx, statements[markTerminal], id, string(newStatus), ts,
			opts.ProcessingTimeMs, opts.TokensUsed, opts.EstimatedCostUSD, errArg)
	case jobqueue.STATUS_RETRYING:
		row = q.db.QueryRow(ctx, statements[markRetrying], id)
	default:
		return nil, skerr.Fmt("invalid job status %q", newStatus)
	}
	job, err := scanJob(row)
	if err == nil {
		if newStatus == types.JOB_STATUS_PROCESSING {
			q.leasedCounter.Inc(1)
		}
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, skerr.Wrap(err)
	}

	// The CAS matched no rows. Look at the current state to report why.
	current, getErr := q.GetJob(ctx, id)
	if getErr != nil {
		return nil, skerr.Wrap(getErr)
	}
	if newStatus == jobqueue.STATUS_RETRYING && current.Status == types.JOB_STATUS_FAILED {
		return nil, skerr.Wrapf(jobqueue.ErrRetriesExhausted, "job %s: %d of %d attempts used", id, current.RetryCount, current.MaxRetries)
	}
	if newStatus == types.JOB_STATUS_PROCESSING {
		q.leaseLost.Inc(1)
	}
	return nil, skerr.Wrapf(jobqueue.ErrInvalidTransition, "job %s: %q -> %q", id, current.Status, newStatus)
}

// GetJobsByMasterRun implements jobqueue.Queue.
func (q *SQLJobQueue) GetJobsByMasterRun(ctx context.Context, masterRunID string) ([]*types.ChunkJob, error) {
	rows, err := q.db.Query(ctx, statements[byMasterRun], masterRunID)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing jobs for master run %s", masterRunID)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetMasterRunProgress implements jobqueue.Queue.
func (q *SQLJobQueue) GetMasterRunProgress(ctx context.Context, masterRunID string) (*jobqueue.MasterRunProgress, error) {
	jobs, err := q.GetJobsByMasterRun(ctx, masterRunID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return jobqueue.ComputeProgress(masterRunID, jobs), nil
}

// RetryFailedJobs implements jobqueue.Queue.
func (q *SQLJobQueue) RetryFailedJobs(ctx context.Context, maxRetries int) ([]*types.ChunkJob, error) {
	rows, err := q.db.Query(ctx, statements[retryFailed], maxRetries)
	if err != nil {
		return nil, skerr.Wrapf(err, "retrying failed jobs")
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// CleanupOldJobs implements jobqueue.Queue.
func (q *SQLJobQueue) CleanupOldJobs(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := jobqueue.CutoffForRetention(ctx, olderThanDays)
	tag, err := q.db.Exec(ctx, statements[cleanupCompleted], cutoff)
	if err != nil {
		return 0, skerr.Wrapf(err, "cleaning up jobs older than %d days", olderThanDays)
	}
	return int(tag.RowsAffected()), nil
}

// GetQueueStatus implements jobqueue.Queue.
func (q *SQLJobQueue) GetQueueStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := q.db.Query(ctx, statements[queueStatus])
	if err != nil {
		return nil, skerr.Wrapf(err, "counting jobs by status")
	}
	defer rows.Close()
	rv := map[types.JobStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, skerr.Wrap(err)
		}
		rv[types.JobStatus(status)] = count
	}
	return rv, nil
}

func scanJob(row pgx.Row) (*types.ChunkJob, error) {
	job := &types.ChunkJob{}
	var status string
	var rawData, processingConfig, errorDetails []byte
	if err := row.Scan(
		&job.ID, &job.SourceID, &job.MasterRunID, &job.ChunkIndex,
		&job.TotalChunks, &rawData, &processingConfig, &status,
		&job.RetryCount, &job.MaxRetries, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.Metrics.ProcessingTimeMs,
		&job.Metrics.TokensUsed, &job.Metrics.EstimatedCostUSD,
		&errorDetails,
	); err != nil {
		return nil, err
	}
	job.Status = types.JobStatus(status)
	job.RawData = rawData
	job.ProcessingConfig = processingConfig
	job.ErrorDetails = errorDetails
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]*types.ChunkJob, error) {
	rv := []*types.ChunkJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, job)
	}
	return rv, nil
}

// Assert that SQLJobQueue implements jobqueue.Queue.
var _ jobqueue.Queue = (*SQLJobQueue)(nil)

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/now"

	"github.com/grantline/grantline/go/jobqueue"
	"github.com/grantline/grantline/go/types"
)

const (
	testSource = "src-1"
	testRun    = "run-1"
)

var testStart = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

func newQueue() *InMemoryQueue {
	return New([]string{testSource}, []string{testRun})
}

func mustCreate(t *testing.T, ctx context.Context, q *InMemoryQueue, chunkIndex, totalChunks int) *types.ChunkJob {
	job, err := q.CreateJob(ctx, testSource, testRun, chunkIndex, totalChunks, json.RawMessage(`[{"id":"A"}]`), nil)
	require.NoError(t, err)
	return job
}

func TestCreateJob_UnknownForeignKeys_ConstraintError(t *testing.T) {
	ctx := context.Background()
	q := newQueue()

	_, err := q.CreateJob(ctx, "nope", testRun, 0, 1, nil, nil)
	require.True(t, errors.Is(err, jobqueue.ErrConstraint))

	_, err = q.CreateJob(ctx, testSource, "nope", 0, 1, nil, nil)
	require.True(t, errors.Is(err, jobqueue.ErrConstraint))

	_, err = q.CreateJob(ctx, testSource, testRun, -1, 1, nil, nil)
	require.True(t, errors.Is(err, jobqueue.ErrConstraint))

	_, err = q.CreateJob(ctx, testSource, testRun, 0, 0, nil, nil)
	require.True(t, errors.Is(err, jobqueue.ErrConstraint))

	_, err = q.CreateJob(ctx, testSource, testRun, 3, 3, nil, nil)
	require.True(t, errors.Is(err, jobqueue.ErrConstraint))
}

func TestGetNextPendingJob_FIFOByCreationTime(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testStart)
	q := newQueue()

	first := mustCreate(t, ctx, q, 0, 3)
	ctx.SetTime(testStart.Add(time.Second))
	mustCreate(t, ctx, q, 1, 3)
	ctx.SetTime(testStart.Add(2 * time.Second))
	mustCreate(t, ctx, q, 2, 3)

	next, err := q.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, next.ID)

	// The job stays pending until a worker leases it, so a second poll
	// returns the same job.
	again, err := q.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestGetNextPendingJob_TiesBrokenByJobID(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testStart)
	q := newQueue()

	a := mustCreate(t, ctx, q, 0, 2)
	b := mustCreate(t, ctx, q, 1, 2)
	want := a.ID
	if b.ID < a.ID {
		want = b.ID
	}

	next, err := q.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.Equal(t, want, next.ID)
}

func TestGetNextPendingJob_EmptyQueue_ReturnsNil(t *testing.T) {
	q := newQueue()
	next, err := q.GetNextPendingJob(context.Background())
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestUpdateJobStatus_Lifecycle(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testStart)
	q := newQueue()
	job := mustCreate(t, ctx, q, 0, 1)

	ctx.SetTime(testStart.Add(time.Minute))
	leased, err := q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, types.JOB_STATUS_PROCESSING, leased.Status)
	require.NotNil(t, leased.StartedAt)
	require.Equal(t, testStart.Add(time.Minute), *leased.StartedAt)
	require.Nil(t, leased.CompletedAt)

	ctx.SetTime(testStart.Add(2 * time.Minute))
	done, err := q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_COMPLETED, jobqueue.UpdateOptions{
		ProcessingTimeMs: 1234,
		TokensUsed:       500,
		EstimatedCostUSD: 0.02,
	})
	require.NoError(t, err)
	require.Equal(t, types.JOB_STATUS_COMPLETED, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, int64(1234), done.Metrics.ProcessingTimeMs)
	require.Equal(t, int64(500), done.Metrics.TokensUsed)
	require.Equal(t, 0.02, done.Metrics.EstimatedCostUSD)
	require.NoError(t, done.Valid())
}

func TestUpdateJobStatus_LeaseRace_SecondWorkerLoses(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	job := mustCreate(t, ctx, q, 0, 1)

	_, err := q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
	require.NoError(t, err)

	// A second worker attempting the same lease must observe a failed
	// transition and discard the job.
	_, err = q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
	require.True(t, errors.Is(err, jobqueue.ErrInvalidTransition))
}

func TestUpdateJobStatus_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	job := mustCreate(t, ctx, q, 0, 1)

	// pending -> completed skips processing.
	_, err := q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_COMPLETED, jobqueue.UpdateOptions{})
	require.True(t, errors.Is(err, jobqueue.ErrInvalidTransition))

	// Retrying a job that is not failed.
	_, err = q.UpdateJobStatus(ctx, job.ID, jobqueue.STATUS_RETRYING, jobqueue.UpdateOptions{})
	require.True(t, errors.Is(err, jobqueue.ErrInvalidTransition))

	_, err = q.UpdateJobStatus(ctx, "no-such-job", types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
	require.True(t, errors.Is(err, jobqueue.ErrNotFound))
}

func TestUpdateJobStatus_Retrying_ResetsJob(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	job := mustCreate(t, ctx, q, 0, 1)

	_, err := q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
	require.NoError(t, err)
	_, err = q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_FAILED, jobqueue.UpdateOptions{
		ErrorDetails: json.RawMessage(`{"error":"llm timeout"}`),
	})
	require.NoError(t, err)

	retried, err := q.UpdateJobStatus(ctx, job.ID, jobqueue.STATUS_RETRYING, jobqueue.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.JOB_STATUS_PENDING, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Empty(t, retried.ErrorDetails)
}

func TestUpdateJobStatus_Retrying_ExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	job := mustCreate(t, ctx, q, 0, 1)

	for i := 0; i < types.DEFAULT_MAX_RETRIES; i++ {
		_, err := q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
		require.NoError(t, err)
		_, err = q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_FAILED, jobqueue.UpdateOptions{})
		require.NoError(t, err)
		if i < types.DEFAULT_MAX_RETRIES-1 {
			_, err = q.UpdateJobStatus(ctx, job.ID, jobqueue.STATUS_RETRYING, jobqueue.UpdateOptions{})
			require.NoError(t, err)
		}
	}

	// Third failure with retryCount == 2... one more retry is allowed,
	// then the job is terminal.
	_, err := q.UpdateJobStatus(ctx, job.ID, jobqueue.STATUS_RETRYING, jobqueue.UpdateOptions{})
	require.NoError(t, err)
	_, err = q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
	require.NoError(t, err)
	_, err = q.UpdateJobStatus(ctx, job.ID, types.JOB_STATUS_FAILED, jobqueue.UpdateOptions{})
	require.NoError(t, err)
	_, err = q.UpdateJobStatus(ctx, job.ID, jobqueue.STATUS_RETRYING, jobqueue.UpdateOptions{})
	require.True(t, errors.Is(err, jobqueue.ErrRetriesExhausted))
}

func TestGetMasterRunProgress(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	j0 := mustCreate(t, ctx, q, 0, 3)
	j1 := mustCreate(t, ctx, q, 1, 3)
	mustCreate(t, ctx, q, 2, 3)

	for _, id := range []string{j0.ID, j1.ID} {
		_, err := q.UpdateJobStatus(ctx, id, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
		require.NoError(t, err)
	}
	_, err := q.UpdateJobStatus(ctx, j0.ID, types.JOB_STATUS_COMPLETED, jobqueue.UpdateOptions{TokensUsed: 100})
	require.NoError(t, err)
	_, err = q.UpdateJobStatus(ctx, j1.ID, types.JOB_STATUS_FAILED, jobqueue.UpdateOptions{TokensUsed: 40})
	require.NoError(t, err)

	progress, err := q.GetMasterRunProgress(ctx, testRun)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.TotalJobs)
	assert.Equal(t, 1, progress.StatusCounts[types.JOB_STATUS_COMPLETED])
	assert.Equal(t, 1, progress.StatusCounts[types.JOB_STATUS_FAILED])
	assert.Equal(t, 1, progress.StatusCounts[types.JOB_STATUS_PENDING])
	assert.InDelta(t, 66.67, progress.CompletionPct, 0.01)
	assert.False(t, progress.IsComplete)
	assert.True(t, progress.HasFailures)
	assert.Equal(t, int64(140), progress.AggregatedMetrics.TokensUsed)
}

func TestRetryFailedJobs(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	j0 := mustCreate(t, ctx, q, 0, 2)
	j1 := mustCreate(t, ctx, q, 1, 2)

	for _, id := range []string{j0.ID, j1.ID} {
		_, err := q.UpdateJobStatus(ctx, id, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
		require.NoError(t, err)
		_, err = q.UpdateJobStatus(ctx, id, types.JOB_STATUS_FAILED, jobqueue.UpdateOptions{})
		require.NoError(t, err)
	}

	retried, err := q.RetryFailedJobs(ctx, types.DEFAULT_MAX_RETRIES)
	require.NoError(t, err)
	require.Len(t, retried, 2)
	for _, job := range retried {
		assert.Equal(t, types.JOB_STATUS_PENDING, job.Status)
		assert.Equal(t, 1, job.RetryCount)
	}

	// maxRetries 1 leaves jobs that already used their one attempt.
	for _, id := range []string{j0.ID, j1.ID} {
		_, err := q.UpdateJobStatus(ctx, id, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
		require.NoError(t, err)
		_, err = q.UpdateJobStatus(ctx, id, types.JOB_STATUS_FAILED, jobqueue.UpdateOptions{})
		require.NoError(t, err)
	}
	retried, err = q.RetryFailedJobs(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, retried)
}

func TestCleanupOldJobs(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), testStart)
	q := newQueue()
	old := mustCreate(t, ctx, q, 0, 2)
	fresh := mustCreate(t, ctx, q, 1, 2)

	for _, id := range []string{old.ID, fresh.ID} {
		_, err := q.UpdateJobStatus(ctx, id, types.JOB_STATUS_PROCESSING, jobqueue.UpdateOptions{})
		require.NoError(t, err)
	}
	_, err := q.UpdateJobStatus(ctx, old.ID, types.JOB_STATUS_COMPLETED, jobqueue.UpdateOptions{})
	require.NoError(t, err)
	ctx.SetTime(testStart.Add(40 * 24 * time.Hour))
	_, err = q.UpdateJobStatus(ctx, fresh.ID, types.JOB_STATUS_COMPLETED, jobqueue.UpdateOptions{})
	require.NoError(t, err)

	deleted, err := q.CleanupOldJobs(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = q.GetJob(ctx, old.ID)
	require.True(t, errors.Is(err, jobqueue.ErrNotFound))
	_, err = q.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestGetJobsByMasterRun_OrderedByChunkIndex(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	mustCreate(t, ctx, q, 2, 3)
	mustCreate(t, ctx, q, 0, 3)
	mustCreate(t, ctx, q, 1, 3)

	jobs, err := q.GetJobsByMasterRun(ctx, testRun)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, i, job.ChunkIndex)
	}
}

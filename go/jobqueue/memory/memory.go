// Package memory provides an in-memory jobqueue.Queue for use in tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/util"

	"github.com/grantline/grantline/go/jobqueue"
	"github.com/grantline/grantline/go/types"
)

// InMemoryQueue implements jobqueue.Queue with a map guarded by a mutex.
// Jobs are deep-copied on the way in and out.
type InMemoryQueue struct {
	mtx          sync.Mutex
	jobs         map[string]*types.ChunkJob
	knownSources util.StringSet
	knownRuns    util.StringSet
}

// New returns an InMemoryQueue which accepts jobs only for the given source
// and master run ids.
func New(knownSourceIDs, knownRunIDs []string) *InMemoryQueue {
	return &InMemoryQueue{
		jobs:         map[string]*types.ChunkJob{},
		knownSources: util.NewStringSet(knownSourceIDs),
		knownRuns:    util.NewStringSet(knownRunIDs),
	}
}

// CreateJob implements jobqueue.Queue.
func (q *InMemoryQueue) CreateJob(ctx context.Context, sourceID, masterRunID string, chunkIndex, totalChunks int, rawData, processingConfig json.RawMessage) (*types.ChunkJob, error) {
	if totalChunks <= 0 || chunkIndex < 0 || chunkIndex >= totalChunks {
		return nil, skerr.Wrapf(jobqueue.ErrConstraint, "chunk %d of %d", chunkIndex, totalChunks)
	}
	if _, ok := q.knownSources[sourceID]; !ok {
		return nil, skerr.Wrapf(jobqueue.ErrConstraint, "unknown source %q", sourceID)
	}
	if _, ok := q.knownRuns[masterRunID]; !ok {
		return nil, skerr.Wrapf(jobqueue.ErrConstraint, "unknown master run %q", masterRunID)
	}
	job := &types.ChunkJob{
		ID:               uuid.NewString(),
		SourceID:         sourceID,
		MasterRunID:      masterRunID,
		ChunkIndex:       chunkIndex,
		TotalChunks:      totalChunks,
		RawData:          append(json.RawMessage{}, rawData...),
		ProcessingConfig: append(json.RawMessage{}, processingConfig...),
		Status:           types.JOB_STATUS_PENDING,
		MaxRetries:       types.DEFAULT_MAX_RETRIES,
		CreatedAt:        now.Now(ctx).UTC(),
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.jobs[job.ID] = job
	return job.Copy(), nil
}

// GetJob implements jobqueue.Queue.
func (q *InMemoryQueue) GetJob(ctx context.Context, id string) (*types.ChunkJob, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, skerr.Wrapf(jobqueue.ErrNotFound, "id %s", id)
	}
	return job.Copy(), nil
}

// GetNextPendingJob implements jobqueue.Queue.
func (q *InMemoryQueue) GetNextPendingJob(ctx context.Context) (*types.ChunkJob, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var best *types.ChunkJob
	for _, job := range q.jobs {
		if job.Status != types.JOB_STATUS_PENDING {
			continue
		}
		if best == nil || job.CreatedAt.Before(best.CreatedAt) ||
			(job.CreatedAt.Equal(best.CreatedAt) && job.ID < best.ID) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Copy(), nil
}

// UpdateJobStatus implements jobqueue.Queue.
func (q *InMemoryQueue) UpdateJobStatus(ctx context.Context, id string, newStatus types.JobStatus, opts jobqueue.UpdateOptions) (*types.ChunkJob, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, skerr.Wrapf(jobqueue.ErrNotFound, "id %s", id)
	}
	cp := job.Copy()
	if err := jobqueue.ApplyStatusUpdate(cp, newStatus, opts, now.Now(ctx).UTC()); err != nil {
		return nil, skerr.Wrap(err)
	}
	q.jobs[id] = cp
	return cp.Copy(), nil
}

// GetJobsByMasterRun implements jobqueue.Queue.
func (q *InMemoryQueue) GetJobsByMasterRun(ctx context.Context, masterRunID string) ([]*types.ChunkJob, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	rv := []*types.ChunkJob{}
	for _, job := range q.jobs {
		if job.MasterRunID == masterRunID {
			rv = append(rv, job.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		return rv[i].ChunkIndex < rv[j].ChunkIndex
	})
	return rv, nil
}

// GetMasterRunProgress implements jobqueue.Queue.
func (q *InMemoryQueue) GetMasterRunProgress(ctx context.Context, masterRunID string) (*jobqueue.MasterRunProgress, error) {
	jobs, err := q.GetJobsByMasterRun(ctx, masterRunID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return jobqueue.ComputeProgress(masterRunID, jobs), nil
}

// RetryFailedJobs implements jobqueue.Queue.
func (q *InMemoryQueue) RetryFailedJobs(ctx context.Context, maxRetries int) ([]*types.ChunkJob, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	rv := []*types.ChunkJob{}
	for id, job := range q.jobs {
		if job.Status != types.JOB_STATUS_FAILED || job.RetryCount >= maxRetries {
			continue
		}
		cp := job.Copy()
		if err := jobqueue.ApplyStatusUpdate(cp, jobqueue.STATUS_RETRYING, jobqueue.UpdateOptions{}, now.Now(ctx).UTC()); err != nil {
			return nil, skerr.Wrap(err)
		}
		q.jobs[id] = cp
		rv = append(rv, cp.Copy())
	}
	sort.Slice(rv, func(i, j int) bool {
		return rv[i].CreatedAt.Before(rv[j].CreatedAt)
	})
	return rv, nil
}

// CleanupOldJobs implements jobqueue.Queue.
func (q *InMemoryQueue) CleanupOldJobs(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := jobqueue.CutoffForRetention(ctx, olderThanDays)
	q.mtx.Lock()
	defer q.mtx.Unlock()
	deleted := 0
	for id, job := range q.jobs {
		if job.Status == types.JOB_STATUS_COMPLETED && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// GetQueueStatus implements jobqueue.Queue.
func (q *InMemoryQueue) GetQueueStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	rv := map[types.JobStatus]int{}
	for _, job := range q.jobs {
		rv[job.Status]++
	}
	return rv, nil
}

// Assert that InMemoryQueue implements jobqueue.Queue.
var _ jobqueue.Queue = (*InMemoryQueue)(nil)

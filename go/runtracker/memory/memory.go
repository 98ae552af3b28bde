// Package memory provides a recording runtracker.Tracker for use in tests.
package memory

import (
	"context"
	"sync"

	"go.skia.org/infra/go/now"

	"github.com/grantline/grantline/go/runtracker"
)

// InMemoryTracker records everything it is given, guarded by a mutex.
type InMemoryTracker struct {
	mtx      sync.Mutex
	runs     map[string]*runtracker.Run
	stages   []*runtracker.Stage
	paths    []*runtracker.ProcessingPath
	sessions []*runtracker.DetectionSession
}

// New returns an empty InMemoryTracker.
func New() *InMemoryTracker {
	return &InMemoryTracker{
		runs: map[string]*runtracker.Run{},
	}
}

// StartRun implements runtracker.Tracker.
func (t *InMemoryTracker) StartRun(ctx context.Context, run *runtracker.Run) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if run.Status == "" {
		run.Status = runtracker.RUN_STATUS_RUNNING
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now.Now(ctx).UTC()
	}
	cp := *run
	t.runs[run.ID] = &cp
}

// CompleteRun implements runtracker.Tracker.
func (t *InMemoryTracker) CompleteRun(ctx context.Context, runID, status string, totals runtracker.RunTotals) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	run, ok := t.runs[runID]
	if !ok {
		run = &runtracker.Run{ID: runID}
		t.runs[runID] = run
	}
	run.Status = status
	ts := now.Now(ctx).UTC()
	run.CompletedAt = &ts
	run.Totals = totals
}

// RecordStage implements runtracker.Tracker.
func (t *InMemoryTracker) RecordStage(ctx context.Context, stage *runtracker.Stage) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	cp := *stage
	t.stages = append(t.stages, &cp)
}

// RecordPath implements runtracker.Tracker.
func (t *InMemoryTracker) RecordPath(ctx context.Context, path *runtracker.ProcessingPath) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	cp := *path
	cp.StagesProcessed = append([]string{}, path.StagesProcessed...)
	t.paths = append(t.paths, &cp)
}

// RecordDetectionSession implements runtracker.Tracker.
func (t *InMemoryTracker) RecordDetectionSession(ctx context.Context, session *runtracker.DetectionSession) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	cp := *session
	t.sessions = append(t.sessions, &cp)
}

// Run returns the recorded run with the given id, or nil.
func (t *InMemoryTracker) Run(id string) *runtracker.Run {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	run, ok := t.runs[id]
	if !ok {
		return nil
	}
	cp := *run
	return &cp
}

// Stages returns all recorded stages in order.
func (t *InMemoryTracker) Stages() []*runtracker.Stage {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]*runtracker.Stage{}, t.stages...)
}

// Paths returns all recorded paths in order.
func (t *InMemoryTracker) Paths() []*runtracker.ProcessingPath {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]*runtracker.ProcessingPath{}, t.paths...)
}

// Sessions returns all recorded detection sessions in order.
func (t *InMemoryTracker) Sessions() []*runtracker.DetectionSession {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]*runtracker.DetectionSession{}, t.sessions...)
}

// Assert that InMemoryTracker implements runtracker.Tracker.
var _ runtracker.Tracker = (*InMemoryTracker)(nil)

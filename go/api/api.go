// Package api exposes the operator surface for the job queue: creating
// synthetic test jobs, driving the worker one job at a time, and reading
// queue status.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/util"

	"github.com/grantline/grantline/go/jobqueue"
	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/runtracker"
	"github.com/grantline/grantline/go/types"
	"github.com/grantline/grantline/go/worker"
)

const (
	// maxTestJobs bounds a single createTestJobs request.
	maxTestJobs = 100

	// testChunkSize is how many synthetic opportunities go into each test
	// job's chunk.
	testChunkSize = 2

	// testSourceName is the funding source synthetic jobs are filed under
	// when the request does not name one.
	testSourceName = "Test Source"
)

// Handlers serves the operator endpoints.
type Handlers struct {
	queue   jobqueue.Queue
	store   opportunitystore.Store
	tracker runtracker.Tracker
	worker  *worker.Worker
}

// New returns Handlers over the given queue, store, tracker and worker.
func New(queue jobqueue.Queue, store opportunitystore.Store, tracker runtracker.Tracker, w *worker.Worker) *Handlers {
	return &Handlers{
		queue:   queue,
		store:   store,
		tracker: tracker,
		worker:  w,
	}
}

// AddHandlers registers all operator routes on the given router.
func (h *Handlers) AddHandlers(r chi.Router) {
	r.Post("/json/jobs/test", h.createTestJobsHandler)
	r.Post("/json/jobs/process", h.processNextJobHandler)
	r.Get("/json/jobs/status", h.queueStatusHandler)
	r.Get("/healthz", httputils.HealthCheckHandler)
}

type createTestJobsRequest struct {
	NumJobs     int    `json:"numJobs"`
	SourceID    string `json:"sourceId"`
	MasterRunID string `json:"masterRunId"`
}

type createTestJobsResponse struct {
	JobIDs      []string                `json:"jobIds"`
	MasterRunID string                  `json:"masterRunId"`
	QueueStatus map[types.JobStatus]int `json:"queueStatus"`
}

func (h *Handlers) createTestJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := createTestJobsRequest{}
	if err := parseJSON(r, &req); err != nil {
		httputils.ReportError(w, err, "Failed to decode request body.", http.StatusBadRequest)
		return
	}
	if req.NumJobs <= 0 || req.NumJobs > maxTestJobs {
		httputils.ReportError(w, skerr.Fmt("numJobs %d out of range", req.NumJobs),
			fmt.Sprintf("numJobs must be between 1 and %d.", maxTestJobs), http.StatusBadRequest)
		return
	}

	sourceID := req.SourceID
	if sourceID == "" {
		source, err := h.store.GetOrCreateSource(ctx, types.Source{Name: testSourceName})
		if err != nil {
			httputils.ReportError(w, err, "Failed to resolve the test funding source.", http.StatusInternalServerError)
			return
		}
		sourceID = source.ID
	}

	masterRunID := req.MasterRunID
	if masterRunID == "" {
		masterRunID = uuid.NewString()
		h.tracker.StartRun(ctx, &runtracker.Run{
			ID:              masterRunID,
			SourceID:        sourceID,
			Status:          runtracker.RUN_STATUS_RUNNING,
			PipelineVersion: "test",
		})
	}

	jobIDs := make([]string, 0, req.NumJobs)
	for i := 0; i < req.NumJobs; i++ {
		raw, err := json.Marshal(syntheticChunk(i))
		if err != nil {
			httputils.ReportError(w, err, "Failed to build a synthetic chunk.", http.StatusInternalServerError)
			return
		}
		job, err := h.queue.CreateJob(ctx, sourceID, masterRunID, i, req.NumJobs, raw, nil)
		if err != nil {
			httputils.ReportError(w, err, "Failed to enqueue a test job.", http.StatusInternalServerError)
			return
		}
		jobIDs = append(jobIDs, job.ID)
	}

	status, err := h.queue.GetQueueStatus(ctx)
	if err != nil {
		httputils.ReportError(w, err, "Failed to read queue status.", http.StatusInternalServerError)
		return
	}
	sendJSONResponse(w, createTestJobsResponse{
		JobIDs:      jobIDs,
		MasterRunID: masterRunID,
		QueueStatus: status,
	})
}

// syntheticChunk builds the raw upstream payload for one test job.
func syntheticChunk(chunkIndex int) []*types.Opportunity {
	rv := make([]*types.Opportunity, 0, testChunkSize)
	for j := 0; j < testChunkSize; j++ {
		rv = append(rv, &types.Opportunity{
			ID:          uuid.NewString(),
			Title:       fmt.Sprintf("Synthetic opportunity %d-%d", chunkIndex, j),
			Description: "Synthetic opportunity created by the test-jobs endpoint.",
			Status:      "open",
		})
	}
	return rv
}

type processNextJobResponse struct {
	Processed        bool            `json:"processed"`
	JobID            string          `json:"jobId"`
	ChunkIndex       int             `json:"chunkIndex"`
	TotalChunks      int             `json:"totalChunks"`
	Status           types.JobStatus `json:"status"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	ItemsProcessed   int             `json:"itemsProcessed"`
	Timestamp        time.Time       `json:"timestamp"`
}

type emptyQueueResponse struct {
	Processed bool      `json:"processed"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) processNextJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.worker.ProcessNextJob(ctx)
	if err != nil {
		httputils.ReportError(w, err, "Failed to process the next job.", http.StatusInternalServerError)
		return
	}
	ts := now.Now(ctx).UTC()
	if report == nil {
		sendJSONResponse(w, emptyQueueResponse{
			Processed: false,
			Message:   "No jobs in queue",
			Timestamp: ts,
		})
		return
	}
	sendJSONResponse(w, processNextJobResponse{
		Processed:        true,
		JobID:            report.JobID,
		ChunkIndex:       report.ChunkIndex,
		TotalChunks:      report.TotalChunks,
		Status:           report.Status,
		ProcessingTimeMs: report.ProcessingTimeMs,
		ItemsProcessed:   report.ItemsProcessed,
		Timestamp:        ts,
	})
}

type queueStatusResponse struct {
	TotalJobs    int                     `json:"totalJobs"`
	StatusCounts map[types.JobStatus]int `json:"statusCounts"`
}

func (h *Handlers) queueStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.GetQueueStatus(r.Context())
	if err != nil {
		httputils.ReportError(w, err, "Failed to read queue status.", http.StatusInternalServerError)
		return
	}
	total := 0
	for _, n := range status {
		total += n
	}
	sendJSONResponse(w, queueStatusResponse{
		TotalJobs:    total,
		StatusCounts: status,
	})
}

// sendJSONResponse serializes resp to JSON. If an error occurs a text based
// error code is sent to the client.
func sendJSONResponse(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		httputils.ReportError(w, err, "Failed to encode JSON response.", http.StatusInternalServerError)
	}
}

// parseJSON extracts the body from the request and parses it into the
// provided interface.
func parseJSON(r *http.Request, v interface{}) error {
	defer util.Close(r.Body)
	return json.NewDecoder(r.Body).Decode(v)
}

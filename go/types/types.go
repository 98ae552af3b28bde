// Package types contains the core types shared by the ingestion pipeline
// stages.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"go.skia.org/infra/go/skerr"
)

const (
	// JOB_STATUS_PENDING indicates that the ChunkJob is waiting in the
	// queue and has not been picked up by any worker.
	JOB_STATUS_PENDING JobStatus = "pending"

	// JOB_STATUS_PROCESSING indicates that a worker holds the processing
	// lease for the ChunkJob.
	JOB_STATUS_PROCESSING JobStatus = "processing"

	// JOB_STATUS_COMPLETED indicates that the ChunkJob finished
	// successfully. Terminal.
	JOB_STATUS_COMPLETED JobStatus = "completed"

	// JOB_STATUS_FAILED indicates that the ChunkJob failed. Terminal
	// unless retried while retryCount < maxRetries.
	JOB_STATUS_FAILED JobStatus = "failed"

	// DEFAULT_MAX_RETRIES is the maximum number of attempts we'll make at
	// processing a single ChunkJob.
	DEFAULT_MAX_RETRIES = 3

	// DEFAULT_CHUNK_SIZE is the number of raw upstream records grouped
	// into one ChunkJob.
	DEFAULT_CHUNK_SIZE = 5

	// DateFormat is the calendar-day format used when comparing and
	// persisting opportunity dates.
	DateFormat = "2006-01-02"
)

var (
	// VALID_JOB_STATUSES lists the states a ChunkJob may be stored in.
	// "retrying" is a transition request, not a stored state; it resets
	// the job to pending.
	VALID_JOB_STATUSES = []JobStatus{
		JOB_STATUS_PENDING,
		JOB_STATUS_PROCESSING,
		JOB_STATUS_COMPLETED,
		JOB_STATUS_FAILED,
	}

	// validTransitions maps each status to the statuses it may move to.
	validTransitions = map[JobStatus][]JobStatus{
		JOB_STATUS_PENDING:    {JOB_STATUS_PROCESSING},
		JOB_STATUS_PROCESSING: {JOB_STATUS_COMPLETED, JOB_STATUS_FAILED},
		JOB_STATUS_COMPLETED:  {},
		JOB_STATUS_FAILED:     {JOB_STATUS_PENDING},
	}
)

// JobStatus represents the current status of a ChunkJob in the queue.
type JobStatus string

// Valid returns true iff the JobStatus is one of VALID_JOB_STATUSES.
func (s JobStatus) Valid() bool {
	for _, v := range VALID_JOB_STATUSES {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransitionTo returns true iff the lifecycle permits moving from s to
// next. failed -> pending is the retry path and increments retryCount.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, v := range validTransitions[s] {
		if next == v {
			return true
		}
	}
	return false
}

// JobMetrics holds the per-job cost accounting recorded when a job reaches a
// terminal status.
type JobMetrics struct {
	ProcessingTimeMs int64   `json:"processingTimeMs"`
	TokensUsed       int64   `json:"tokensUsed"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// Add accumulates the given metrics into m.
func (m *JobMetrics) Add(other JobMetrics) {
	m.ProcessingTimeMs += other.ProcessingTimeMs
	m.TokensUsed += other.TokensUsed
	m.EstimatedCostUSD += other.EstimatedCostUSD
}

// ChunkJob is one bounded group of raw upstream records processed as a unit.
// The queue owns ChunkJobs exclusively; a worker holds a non-exclusive
// processing lease via JOB_STATUS_PROCESSING.
type ChunkJob struct {
	ID          string `json:"id"`
	SourceID    string `json:"sourceId"`
	MasterRunID string `json:"masterRunId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`

	// RawData is the upstream payload, preserved verbatim as a JSON
	// array. Only the pipeline decodes the structured view.
	RawData json.RawMessage `json:"rawData"`

	// ProcessingConfig is arbitrary JSON interpreted by the worker.
	ProcessingConfig json.RawMessage `json:"processingConfig"`

	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`

	Metrics      JobMetrics      `json:"metrics"`
	ErrorDetails json.RawMessage `json:"errorDetails"`
}

// Copy returns a deep copy of the ChunkJob.
func (j *ChunkJob) Copy() *ChunkJob {
	rv := new(ChunkJob)
	*rv = *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		rv.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		rv.CompletedAt = &t
	}
	rv.RawData = append(json.RawMessage{}, j.RawData...)
	rv.ProcessingConfig = append(json.RawMessage{}, j.ProcessingConfig...)
	rv.ErrorDetails = append(json.RawMessage{}, j.ErrorDetails...)
	return rv
}

// Done returns true iff the job has reached a terminal status.
func (j *ChunkJob) Done() bool {
	return j.Status == JOB_STATUS_COMPLETED || j.Status == JOB_STATUS_FAILED
}

// Valid returns an error if the ChunkJob violates its invariants.
func (j *ChunkJob) Valid() error {
	if j.TotalChunks < 1 {
		return skerr.Fmt("totalChunks must be >= 1, got %d", j.TotalChunks)
	}
	if j.ChunkIndex < 0 || j.ChunkIndex >= j.TotalChunks {
		return skerr.Fmt("chunkIndex %d out of range [0, %d)", j.ChunkIndex, j.TotalChunks)
	}
	if !j.Status.Valid() {
		return skerr.Fmt("invalid job status %q", j.Status)
	}
	if j.RetryCount > j.MaxRetries {
		return skerr.Fmt("retryCount %d exceeds maxRetries %d", j.RetryCount, j.MaxRetries)
	}
	return nil
}

// Opportunity is a funding-opportunity record as received from an upstream
// API, after decoding from a ChunkJob's raw payload. Identity is
// (sourceID, ID); dates are ISO-8601 strings or empty, amounts are
// non-negative or nil.
type Opportunity struct {
	ID                    string                 `json:"id"`
	Title                 string                 `json:"title"`
	Description           string                 `json:"description"`
	OpenDate              string                 `json:"openDate"`
	CloseDate             string                 `json:"closeDate"`
	Status                string                 `json:"status"`
	MinimumAward          *float64               `json:"minimumAward"`
	MaximumAward          *float64               `json:"maximumAward"`
	TotalFundingAvailable *float64               `json:"totalFundingAvailable"`
	EligibleApplicants    []string               `json:"eligibleApplicants"`
	FundingInstrumentType string                 `json:"fundingInstrumentType"`
	APIUpdatedAt          *time.Time             `json:"apiUpdatedAt"`
	EligibleStates        []string               `json:"eligibleStates"`
	Metadata              map[string]interface{} `json:"metadata"`
}

// Copy returns a deep copy of the Opportunity.
func (o *Opportunity) Copy() *Opportunity {
	rv := new(Opportunity)
	*rv = *o
	rv.MinimumAward = copyFloatPtr(o.MinimumAward)
	rv.MaximumAward = copyFloatPtr(o.MaximumAward)
	rv.TotalFundingAvailable = copyFloatPtr(o.TotalFundingAvailable)
	rv.EligibleApplicants = append([]string{}, o.EligibleApplicants...)
	rv.EligibleStates = append([]string{}, o.EligibleStates...)
	if o.APIUpdatedAt != nil {
		t := *o.APIUpdatedAt
		rv.APIUpdatedAt = &t
	}
	if o.Metadata != nil {
		rv.Metadata = make(map[string]interface{}, len(o.Metadata))
		for k, v := range o.Metadata {
			rv.Metadata[k] = v
		}
	}
	return rv
}

// PersistedOpportunity is the stored superset of Opportunity.
// EnhancedContent and AdminNotes are protected fields carrying human edits;
// the pipeline must never overwrite them.
type PersistedOpportunity struct {
	InternalID       string     `json:"internalId"`
	SourceID         string     `json:"sourceId"`
	APIOpportunityID string     `json:"apiOpportunityId"`
	FundingSourceID  string     `json:"fundingSourceId"`
	RawResponseID    string     `json:"rawResponseId"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Status           string     `json:"status"`
	OpenDate         *time.Time `json:"openDate"`
	CloseDate        *time.Time `json:"closeDate"`

	MinimumAward          *float64 `json:"minimumAward"`
	MaximumAward          *float64 `json:"maximumAward"`
	TotalFundingAvailable *float64 `json:"totalFundingAvailable"`

	EligibleApplicants    []string `json:"eligibleApplicants"`
	FundingInstrumentType string   `json:"fundingInstrumentType"`

	EnhancedDescription string   `json:"enhancedDescription"`
	ActionableSummary   string   `json:"actionableSummary"`
	ProgramOverview     string   `json:"programOverview"`
	ProgramUseCases     string   `json:"programUseCases"`
	ApplicationSummary  string   `json:"applicationSummary"`
	ProgramInsights     string   `json:"programInsights"`
	Scoring             *Scoring `json:"scoring"`
	RelevanceReasoning  string   `json:"relevanceReasoning"`
	Concerns            []string `json:"concerns"`

	// Protected fields, written only by humans through the admin UI.
	EnhancedContent string `json:"enhancedContent"`
	AdminNotes      string `json:"adminNotes"`

	APIUpdatedAt *time.Time `json:"apiUpdatedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Scoring holds the per-opportunity relevance scores produced by the scoring
// analysis pass. Components are in [0, 3] except FundingType which is in
// [0, 1]; OverallScore is in [0, 10] and is approximately the sum of the
// components. Nil pointers mean the model did not score the component.
type Scoring struct {
	ClientRelevance       *float64 `json:"clientRelevance"`
	ProjectRelevance      *float64 `json:"projectRelevance"`
	FundingAttractiveness *float64 `json:"fundingAttractiveness"`
	FundingType           *float64 `json:"fundingType"`
	OverallScore          *float64 `json:"overallScore"`
}

// Copy returns a deep copy of the Scoring.
func (s *Scoring) Copy() *Scoring {
	if s == nil {
		return nil
	}
	return &Scoring{
		ClientRelevance:       copyFloatPtr(s.ClientRelevance),
		ProjectRelevance:      copyFloatPtr(s.ProjectRelevance),
		FundingAttractiveness: copyFloatPtr(s.FundingAttractiveness),
		FundingType:           copyFloatPtr(s.FundingType),
		OverallScore:          copyFloatPtr(s.OverallScore),
	}
}

// ContentEnhancement is the per-opportunity output of the content
// enhancement analysis pass.
type ContentEnhancement struct {
	ID                  string `json:"id"`
	EnhancedDescription string `json:"enhancedDescription"`
	ActionableSummary   string `json:"actionableSummary"`
	ProgramOverview     string `json:"programOverview"`
	ProgramUseCases     string `json:"programUseCases"`
	ApplicationSummary  string `json:"applicationSummary"`
	ProgramInsights     string `json:"programInsights"`
}

// ScoringResult is the per-opportunity output of the scoring analysis pass.
type ScoringResult struct {
	ID                 string   `json:"id"`
	Scoring            *Scoring `json:"scoring"`
	RelevanceReasoning string   `json:"relevanceReasoning"`
	Concerns           []string `json:"concerns"`
}

// AnalyzedOpportunity is an input Opportunity merged with the results of
// both analysis passes. All original Opportunity fields are preserved
// unchanged.
type AnalyzedOpportunity struct {
	Opportunity

	EnhancedDescription string   `json:"enhancedDescription"`
	ActionableSummary   string   `json:"actionableSummary"`
	ProgramOverview     string   `json:"programOverview"`
	ProgramUseCases     string   `json:"programUseCases"`
	ApplicationSummary  string   `json:"applicationSummary"`
	ProgramInsights     string   `json:"programInsights"`
	Scoring             *Scoring `json:"scoring"`
	RelevanceReasoning  string   `json:"relevanceReasoning"`
	Concerns            []string `json:"concerns"`

	// ExclusionReason is set by the filter stage on excluded items.
	ExclusionReason string `json:"exclusionReason,omitempty"`
}

// Source describes the upstream funding source an opportunity came from.
type Source struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Website      string `json:"website"`
	ContactEmail string `json:"contactEmail"`
	ContactPhone string `json:"contactPhone"`
}

// ParseDate parses an ISO-8601 date or timestamp string down to its calendar
// day. Returns nil for empty strings and an error for unparseable values.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{DateFormat, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &day, nil
		}
	}
	return nil, skerr.Fmt("unparseable date %q", s)
}

func copyFloatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Package schema defines the SQL tables used by the ingestion pipeline.
// The tables are defined as Go structs so that tests can build rows
// programmatically; the Schema string below must be kept in sync with the
// struct tags.
package schema

import (
	"time"
)

// Tables represents all SQL tables used by the pipeline.
type Tables struct {
	FundingSources              []FundingSourceRow
	PipelineRuns                []PipelineRunRow
	ProcessingJobs              []ProcessingJobRow
	FundingOpportunities        []FundingOpportunityRow
	OpportunityStateEligibility []OpportunityStateEligibilityRow
	PipelineStages              []PipelineStageRow
	OpportunityProcessingPaths  []OpportunityProcessingPathRow
	DuplicateDetectionSessions  []DuplicateDetectionSessionRow
}

// FundingSourceRow is one upstream funding source. Names are unique; contact
// fields are enriched over time but existing non-empty values are never
// overwritten by the pipeline.
type FundingSourceRow struct {
	ID           string    `sql:"id STRING PRIMARY KEY"`
	Name         string    `sql:"name STRING UNIQUE NOT NULL"`
	Website      string    `sql:"website STRING NOT NULL DEFAULT ''"`
	ContactEmail string    `sql:"contact_email STRING NOT NULL DEFAULT ''"`
	ContactPhone string    `sql:"contact_phone STRING NOT NULL DEFAULT ''"`
	CreatedAt    time.Time `sql:"created_at TIMESTAMPTZ NOT NULL"`
	UpdatedAt    time.Time `sql:"updated_at TIMESTAMPTZ NOT NULL"`
}

// PipelineRunRow is one master run: an aggregate over all the ChunkJobs that
// share its id as master_run_id.
type PipelineRunRow struct {
	ID              string     `sql:"id STRING PRIMARY KEY"`
	SourceID        string     `sql:"source_id STRING NOT NULL REFERENCES fundingsources (id)"`
	Status          string     `sql:"status STRING NOT NULL"`
	PipelineVersion string     `sql:"pipeline_version STRING"`
	Configuration   string     `sql:"configuration JSONB"`
	StartedAt       time.Time  `sql:"started_at TIMESTAMPTZ NOT NULL"`
	CompletedAt     *time.Time `sql:"completed_at TIMESTAMPTZ"`
	TotalExecutionMs int64     `sql:"total_execution_ms INT8 NOT NULL DEFAULT 0"`

	OpportunitiesProcessed int64   `sql:"opportunities_processed INT8 NOT NULL DEFAULT 0"`
	OpportunitiesBypassed  int64   `sql:"opportunities_bypassed INT8 NOT NULL DEFAULT 0"`
	TotalTokensUsed        int64   `sql:"total_tokens_used INT8 NOT NULL DEFAULT 0"`
	TotalAPICalls          int64   `sql:"total_api_calls INT8 NOT NULL DEFAULT 0"`
	EstimatedCostUSD       float64 `sql:"estimated_cost_usd FLOAT8 NOT NULL DEFAULT 0"`
}

// ProcessingJobRow is one ChunkJob. The (status, created_at) index serves
// the FIFO dequeue query.
type ProcessingJobRow struct {
	ID               string     `sql:"id STRING PRIMARY KEY"`
	SourceID         string     `sql:"source_id STRING NOT NULL REFERENCES fundingsources (id)"`
	MasterRunID      string     `sql:"master_run_id STRING NOT NULL REFERENCES pipelineruns (id)"`
	ChunkIndex       int        `sql:"chunk_index INT4 NOT NULL"`
	TotalChunks      int        `sql:"total_chunks INT4 NOT NULL"`
	RawData          string     `sql:"raw_data JSONB NOT NULL"`
	ProcessingConfig string     `sql:"processing_config JSONB"`
	Status           string     `sql:"status STRING NOT NULL"`
	RetryCount       int        `sql:"retry_count INT4 NOT NULL DEFAULT 0"`
	MaxRetries       int        `sql:"max_retries INT4 NOT NULL DEFAULT 3"`
	CreatedAt        time.Time  `sql:"created_at TIMESTAMPTZ NOT NULL"`
	StartedAt        *time.Time `sql:"started_at TIMESTAMPTZ"`
	CompletedAt      *time.Time `sql:"completed_at TIMESTAMPTZ"`
	ProcessingTimeMs int64      `sql:"processing_time_ms INT8 NOT NULL DEFAULT 0"`
	TokensUsed       int64      `sql:"tokens_used INT8 NOT NULL DEFAULT 0"`
	EstimatedCostUSD float64    `sql:"estimated_cost_usd FLOAT8 NOT NULL DEFAULT 0"`
	ErrorDetails     string     `sql:"error_details JSONB"`

	statusCreatedIndex struct{} `sql:"INDEX status_created_idx (status, created_at)"`
	masterRunIndex     struct{} `sql:"INDEX master_run_idx (master_run_id, chunk_index)"`
}

// FundingOpportunityRow is one persisted opportunity. The unique constraint
// on (source_id, api_opportunity_id) makes inserts idempotent; duplicate-key
// races resolve by counting the loser as a duplicate.
//
// enhanced_content and admin_notes carry human edits and are never written
// by the pipeline.
type FundingOpportunityRow struct {
	ID               string `sql:"id STRING PRIMARY KEY"`
	SourceID         string `sql:"source_id STRING NOT NULL REFERENCES fundingsources (id)"`
	APIOpportunityID string `sql:"api_opportunity_id STRING NOT NULL"`
	FundingSourceID  string `sql:"funding_source_id STRING REFERENCES fundingsources (id)"`
	RawResponseID    string `sql:"raw_response_id STRING"`

	Title       string     `sql:"title STRING NOT NULL"`
	Description string     `sql:"description STRING"`
	Status      string     `sql:"status STRING"`
	OpenDate    *time.Time `sql:"open_date DATE"`
	CloseDate   *time.Time `sql:"close_date DATE"`

	MinimumAward          *float64 `sql:"minimum_award FLOAT8"`
	MaximumAward          *float64 `sql:"maximum_award FLOAT8"`
	TotalFundingAvailable *float64 `sql:"total_funding_available FLOAT8"`

	EligibleApplicants    string `sql:"eligible_applicants JSONB"`
	FundingInstrumentType string `sql:"funding_instrument_type STRING"`

	EnhancedDescription string `sql:"enhanced_description STRING"`
	ActionableSummary   string `sql:"actionable_summary STRING"`
	ProgramOverview     string `sql:"program_overview STRING"`
	ProgramUseCases     string `sql:"program_use_cases STRING"`
	ApplicationSummary  string `sql:"application_summary STRING"`
	ProgramInsights     string `sql:"program_insights STRING"`
	Scoring             string `sql:"scoring JSONB"`
	RelevanceReasoning  string `sql:"relevance_reasoning STRING"`
	Concerns            string `sql:"concerns JSONB"`

	EnhancedContent string `sql:"enhanced_content STRING NOT NULL DEFAULT ''"`
	AdminNotes      string `sql:"admin_notes STRING NOT NULL DEFAULT ''"`

	APIUpdatedAt *time.Time `sql:"api_updated_at TIMESTAMPTZ"`
	CreatedAt    time.Time  `sql:"created_at TIMESTAMPTZ NOT NULL"`
	UpdatedAt    time.Time  `sql:"updated_at TIMESTAMPTZ NOT NULL"`

	sourceAPIIDUnique struct{} `sql:"UNIQUE INDEX source_api_id_unique (source_id, api_opportunity_id)"`
	sourceTitleIndex  struct{} `sql:"INDEX source_title_idx (source_id, title)"`
}

// OpportunityStateEligibilityRow records one state an opportunity is open
// to.
type OpportunityStateEligibilityRow struct {
	OpportunityID string `sql:"opportunity_id STRING NOT NULL REFERENCES fundingopportunities (id) ON DELETE CASCADE"`
	State         string `sql:"state STRING NOT NULL"`

	primaryKey struct{} `sql:"PRIMARY KEY (opportunity_id, state)"`
}

// PipelineStageRow records per-stage metrics within one pipeline run.
type PipelineStageRow struct {
	ID          string     `sql:"id STRING PRIMARY KEY"`
	RunID       string     `sql:"run_id STRING NOT NULL REFERENCES pipelineruns (id)"`
	Name        string     `sql:"name STRING NOT NULL"`
	StageOrder  int        `sql:"stage_order INT4 NOT NULL"`
	Status      string     `sql:"status STRING NOT NULL"`
	InputCount  int        `sql:"input_count INT4 NOT NULL DEFAULT 0"`
	OutputCount int        `sql:"output_count INT4 NOT NULL DEFAULT 0"`
	TokensUsed  int64      `sql:"tokens_used INT8 NOT NULL DEFAULT 0"`
	APICalls    int64      `sql:"api_calls INT8 NOT NULL DEFAULT 0"`
	Results     string     `sql:"results JSONB"`
	Performance string     `sql:"performance JSONB"`
	ExecutionMs int64      `sql:"execution_ms INT8 NOT NULL DEFAULT 0"`
	StartedAt   time.Time  `sql:"started_at TIMESTAMPTZ NOT NULL"`
	CompletedAt *time.Time `sql:"completed_at TIMESTAMPTZ"`

	runIndex struct{} `sql:"INDEX stage_run_idx (run_id, stage_order)"`
}

// OpportunityProcessingPathRow records the route one opportunity took
// through the pipeline.
type OpportunityProcessingPathRow struct {
	ID               string    `sql:"id STRING PRIMARY KEY"`
	RunID            string    `sql:"run_id STRING NOT NULL REFERENCES pipelineruns (id)"`
	APIOpportunityID string    `sql:"api_opportunity_id STRING NOT NULL"`
	PathType         string    `sql:"path_type STRING NOT NULL"`
	Reason           string    `sql:"reason STRING"`
	StagesProcessed  string    `sql:"stages_processed JSONB"`
	FinalOutcome     string    `sql:"final_outcome STRING NOT NULL"`
	TokensUsed       int64     `sql:"tokens_used INT8 NOT NULL DEFAULT 0"`
	ProcessingMs     int64     `sql:"processing_ms INT8 NOT NULL DEFAULT 0"`
	CostUSD          float64   `sql:"cost_usd FLOAT8 NOT NULL DEFAULT 0"`
	DuplicateDetected bool     `sql:"duplicate_detected BOOL NOT NULL DEFAULT FALSE"`
	ChangesDetected  bool      `sql:"changes_detected BOOL NOT NULL DEFAULT FALSE"`
	DetectionMethod  string    `sql:"detection_method STRING"`
	QualityScore     *float64  `sql:"quality_score FLOAT8"`
	CreatedAt        time.Time `sql:"created_at TIMESTAMPTZ NOT NULL"`

	runIndex struct{} `sql:"INDEX path_run_idx (run_id)"`
}

// DuplicateDetectionSessionRow summarizes one DuplicateDetector invocation.
type DuplicateDetectionSessionRow struct {
	ID              string    `sql:"id STRING PRIMARY KEY"`
	RunID           string    `sql:"run_id STRING NOT NULL REFERENCES pipelineruns (id)"`
	SourceID        string    `sql:"source_id STRING NOT NULL"`
	TotalInput      int       `sql:"total_input INT4 NOT NULL"`
	NewCount        int       `sql:"new_count INT4 NOT NULL"`
	UpdateCount     int       `sql:"update_count INT4 NOT NULL"`
	SkipCount       int       `sql:"skip_count INT4 NOT NULL"`
	QueryCount      int       `sql:"query_count INT4 NOT NULL"`
	TokensSaved     int64     `sql:"tokens_saved INT8 NOT NULL DEFAULT 0"`
	DetectionCounts string    `sql:"detection_counts JSONB"`
	CreatedAt       time.Time `sql:"created_at TIMESTAMPTZ NOT NULL"`

	runIndex struct{} `sql:"INDEX session_run_idx (run_id)"`
}

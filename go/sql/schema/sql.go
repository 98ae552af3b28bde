package schema

// Schema is the DDL for all tables. Tables are created in dependency order.
const Schema = `
CREATE TABLE IF NOT EXISTS FundingSources (
	id STRING PRIMARY KEY,
	name STRING UNIQUE NOT NULL,
	website STRING NOT NULL DEFAULT '',
	contact_email STRING NOT NULL DEFAULT '',
	contact_phone STRING NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS PipelineRuns (
	id STRING PRIMARY KEY,
	source_id STRING NOT NULL REFERENCES FundingSources (id),
	status STRING NOT NULL,
	pipeline_version STRING,
	configuration JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	total_execution_ms INT8 NOT NULL DEFAULT 0,
	opportunities_processed INT8 NOT NULL DEFAULT 0,
	opportunities_bypassed INT8 NOT NULL DEFAULT 0,
	total_tokens_used INT8 NOT NULL DEFAULT 0,
	total_api_calls INT8 NOT NULL DEFAULT 0,
	estimated_cost_usd FLOAT8 NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ProcessingJobs (
	id STRING PRIMARY KEY,
	source_id STRING NOT NULL REFERENCES FundingSources (id),
	master_run_id STRING NOT NULL REFERENCES PipelineRuns (id),
	chunk_index INT4 NOT NULL,
	total_chunks INT4 NOT NULL,
	raw_data JSONB NOT NULL,
	processing_config JSONB,
	status STRING NOT NULL,
	retry_count INT4 NOT NULL DEFAULT 0,
	max_retries INT4 NOT NULL DEFAULT 3,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	processing_time_ms INT8 NOT NULL DEFAULT 0,
	tokens_used INT8 NOT NULL DEFAULT 0,
	estimated_cost_usd FLOAT8 NOT NULL DEFAULT 0,
	error_details JSONB,
	INDEX status_created_idx (status, created_at),
	INDEX master_run_idx (master_run_id, chunk_index)
);
CREATE TABLE IF NOT EXISTS FundingOpportunities (
	id STRING PRIMARY KEY,
	source_id STRING NOT NULL REFERENCES FundingSources (id),
	api_opportunity_id STRING NOT NULL,
	funding_source_id STRING REFERENCES FundingSources (id),
	raw_response_id STRING,
	title STRING NOT NULL,
	description STRING,
	status STRING,
	open_date DATE,
	close_date DATE,
	minimum_award FLOAT8,
	maximum_award FLOAT8,
	total_funding_available FLOAT8,
	eligible_applicants JSONB,
	funding_instrument_type STRING,
	enhanced_description STRING,
	actionable_summary STRING,
	program_overview STRING,
	program_use_cases STRING,
	application_summary STRING,
	program_insights STRING,
	scoring JSONB,
	relevance_reasoning STRING,
	concerns JSONB,
	enhanced_content STRING NOT NULL DEFAULT '',
	admin_notes STRING NOT NULL DEFAULT '',
	api_updated_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE INDEX source_api_id_unique (source_id, api_opportunity_id),
	INDEX source_title_idx (source_id, title)
);
CREATE TABLE IF NOT EXISTS OpportunityStateEligibility (
	opportunity_id STRING NOT NULL REFERENCES FundingOpportunities (id) ON DELETE CASCADE,
	state STRING NOT NULL,
	PRIMARY KEY (opportunity_id, state)
);
CREATE TABLE IF NOT EXISTS PipelineStages (
	id STRING PRIMARY KEY,
	run_id STRING NOT NULL REFERENCES PipelineRuns (id),
	name STRING NOT NULL,
	stage_order INT4 NOT NULL,
	status STRING NOT NULL,
	input_count INT4 NOT NULL DEFAULT 0,
	output_count INT4 NOT NULL DEFAULT 0,
	tokens_used INT8 NOT NULL DEFAULT 0,
	api_calls INT8 NOT NULL DEFAULT 0,
	results JSONB,
	performance JSONB,
	execution_ms INT8 NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	INDEX stage_run_idx (run_id, stage_order)
);
CREATE TABLE IF NOT EXISTS OpportunityProcessingPaths (
	id STRING PRIMARY KEY,
	run_id STRING NOT NULL REFERENCES PipelineRuns (id),
	api_opportunity_id STRING NOT NULL,
	path_type STRING NOT NULL,
	reason STRING,
	stages_processed JSONB,
	final_outcome STRING NOT NULL,
	tokens_used INT8 NOT NULL DEFAULT 0,
	processing_ms INT8 NOT NULL DEFAULT 0,
	cost_usd FLOAT8 NOT NULL DEFAULT 0,
	duplicate_detected BOOL NOT NULL DEFAULT FALSE,
	changes_detected BOOL NOT NULL DEFAULT FALSE,
	detection_method STRING,
	quality_score FLOAT8,
	created_at TIMESTAMPTZ NOT NULL,
	INDEX path_run_idx (run_id)
);
CREATE TABLE IF NOT EXISTS DuplicateDetectionSessions (
	id STRING PRIMARY KEY,
	run_id STRING NOT NULL REFERENCES PipelineRuns (id),
	source_id STRING NOT NULL,
	total_input INT4 NOT NULL,
	new_count INT4 NOT NULL,
	update_count INT4 NOT NULL,
	skip_count INT4 NOT NULL,
	query_count INT4 NOT NULL,
	tokens_saved INT8 NOT NULL DEFAULT 0,
	detection_counts JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	INDEX session_run_idx (run_id)
);
`

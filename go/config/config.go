// Package config defines the per-instance configuration file for the
// grantline pipeline and its schema-validated loader.
package config

import (
	"encoding/json"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
	"go.skia.org/infra/go/skerr"

	"github.com/grantline/grantline/go/types"
)

const (
	// DefaultChunkSize is how many upstream records go into one ChunkJob.
	DefaultChunkSize = 5

	// DefaultRetentionDays is how long completed jobs are kept before the
	// maintenance sweep deletes them.
	DefaultRetentionDays = 30

	// DefaultWorkerPoolSize is the number of concurrent workers per
	// process.
	DefaultWorkerPoolSize = 1

	// DefaultPollIntervalMs is how often an idle worker checks the queue.
	DefaultPollIntervalMs = 5000

	// DefaultLLMModel is used when the config does not name a model.
	DefaultLLMModel = "gemini-2.5-flash"

	// DefaultAPIKeyEnv is the environment variable holding the LLM API
	// key.
	DefaultAPIKeyEnv = "GEMINI_API_KEY"
)

// DatabaseConfig locates the CockroachDB instance.
type DatabaseConfig struct {
	// ConnectionString, e.g.
	// "postgresql://root@localhost:26257/grantline?sslmode=disable".
	ConnectionString string `json:"connection_string"`
}

// LLMConfig configures the analysis model.
type LLMConfig struct {
	// Model is the model name passed to the provider.
	Model string `json:"model,omitempty"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never appears in the config file.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// MaxConcurrent bounds the LLM fan-out within one job.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// WorkerConfig configures the job-processing workers.
type WorkerConfig struct {
	// PoolSize is the number of concurrent workers.
	PoolSize int `json:"pool_size,omitempty"`

	// ChunkSize is how many upstream records go into one job.
	ChunkSize int `json:"chunk_size,omitempty"`

	// JobTimeoutMs bounds the wall-clock time for one job.
	JobTimeoutMs int64 `json:"job_timeout_ms,omitempty"`

	// PollIntervalMs is how often an idle worker checks the queue.
	PollIntervalMs int64 `json:"poll_interval_ms,omitempty"`
}

// RetentionConfig configures the maintenance sweep.
type RetentionConfig struct {
	// CompletedJobDays is how long completed jobs are kept.
	CompletedJobDays int `json:"completed_job_days,omitempty"`
}

// FilterConfig configures the post-analysis filter stage.
type FilterConfig struct {
	// ExcludeIfTwoZeros drops opportunities whose scoring has two or more
	// core categories at zero.
	ExcludeIfTwoZeros bool `json:"exclude_if_two_zeros"`

	// EnableLogging logs each exclusion decision.
	EnableLogging bool `json:"enable_logging,omitempty"`
}

// InstanceConfig is the complete configuration for one grantline instance.
type InstanceConfig struct {
	// URL is the public address this instance is served at.
	URL string `json:"URL,omitempty"`

	Database  DatabaseConfig  `json:"database"`
	LLM       LLMConfig       `json:"llm,omitempty"`
	Worker    WorkerConfig    `json:"worker,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Filter    FilterConfig    `json:"filter,omitempty"`
}

// schema is reflected once from the struct; config files are validated
// against it before decoding.
var schema []byte

func init() {
	reflector := jsonschema.Reflector{DoNotReference: true}
	s := reflector.Reflect(&InstanceConfig{})
	// The validator does not understand the 2020-12 $schema marker.
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	schema = b
}

// InstanceConfigFromFile loads, schema-validates and decodes the named
// config file, then applies defaults. If the schema is violated the returned
// slice lists the violations.
func InstanceConfigFromFile(filename string) (*InstanceConfig, []string, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, skerr.Wrapf(err, "reading %s", filename)
	}
	return instanceConfigFromBytes(b)
}

func instanceConfigFromBytes(b []byte) (*InstanceConfig, []string, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, nil, skerr.Wrapf(err, "validating instance config")
	}
	if len(result.Errors()) > 0 {
		violations := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			violations = append(violations, e.String())
		}
		return nil, violations, skerr.Fmt("instance config violates the schema")
	}
	rv := &InstanceConfig{}
	if err := json.Unmarshal(b, rv); err != nil {
		return nil, nil, skerr.Wrapf(err, "decoding instance config")
	}
	rv.applyDefaults()
	if err := rv.Validate(); err != nil {
		return nil, nil, skerr.Wrap(err)
	}
	return rv, nil, nil
}

func (c *InstanceConfig) applyDefaults() {
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultLLMModel
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = DefaultAPIKeyEnv
	}
	if c.LLM.MaxConcurrent <= 0 {
		c.LLM.MaxConcurrent = types.DEFAULT_MAX_CONCURRENT
	}
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = DefaultWorkerPoolSize
	}
	if c.Worker.ChunkSize <= 0 {
		c.Worker.ChunkSize = DefaultChunkSize
	}
	if c.Worker.JobTimeoutMs <= 0 {
		c.Worker.JobTimeoutMs = types.DEFAULT_JOB_TIMEOUT_MS
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.Retention.CompletedJobDays <= 0 {
		c.Retention.CompletedJobDays = DefaultRetentionDays
	}
}

// Validate checks the constraints the schema cannot express.
func (c *InstanceConfig) Validate() error {
	if c.Database.ConnectionString == "" {
		return skerr.Fmt("database.connection_string must be supplied")
	}
	return nil
}

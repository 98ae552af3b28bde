package types

import (
	"encoding/json"

	"go.skia.org/infra/go/skerr"
)

const (
	// DEFAULT_JOB_TIMEOUT_MS bounds the wall-clock time spent processing
	// one ChunkJob.
	DEFAULT_JOB_TIMEOUT_MS = 5 * 60 * 1000

	// DEFAULT_MAX_CONCURRENT bounds the LLM fan-out within one job.
	DEFAULT_MAX_CONCURRENT = 2
)

// ChunkProcessingConfig bounds the execution of a single ChunkJob.
type ChunkProcessingConfig struct {
	TimeoutMs     int64 `json:"timeoutMs"`
	MaxConcurrent int   `json:"maxConcurrent"`
}

// ProcessingConfig is the structured view of a ChunkJob's opaque
// processing_config payload. The queue never interprets it; only the worker
// decodes it.
type ProcessingConfig struct {
	ChunkProcessing     ChunkProcessingConfig `json:"chunkProcessing"`
	ForceFullProcessing bool                  `json:"forceFullProcessing"`
}

// DecodeProcessingConfig decodes the raw processing_config payload, applying
// defaults for absent values. A nil or empty payload yields the defaults.
func DecodeProcessingConfig(raw json.RawMessage) (ProcessingConfig, error) {
	rv := ProcessingConfig{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rv); err != nil {
			return rv, skerr.Wrapf(err, "decoding processing config")
		}
	}
	if rv.ChunkProcessing.TimeoutMs <= 0 {
		rv.ChunkProcessing.TimeoutMs = DEFAULT_JOB_TIMEOUT_MS
	}
	if rv.ChunkProcessing.MaxConcurrent <= 0 {
		rv.ChunkProcessing.MaxConcurrent = DEFAULT_MAX_CONCURRENT
	}
	return rv, nil
}

// Package llm defines the contract for the large-language-model provider
// used by the analysis stage.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrRateLimited is returned (possibly wrapped) when the provider rejects a
// call for quota reasons. The worker retries the chunk once on this error.
var ErrRateLimited = errors.New("rate limited by model provider")

// ErrTimeout is returned (possibly wrapped) when a call exceeds the
// provider's deadline. The worker falls back to per-item calls on this
// error.
var ErrTimeout = errors.New("model call timed out")

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Performance is the timing breakdown for one call.
type Performance struct {
	TotalMs      int64 `json:"total_ms"`
	APICallMs    int64 `json:"api_call_ms"`
	ValidationMs int64 `json:"validation_ms"`
}

// Response is the result of one schema-constrained call.
type Response struct {
	// Data is the schema-validated JSON payload.
	Data        json.RawMessage `json:"data"`
	Usage       Usage           `json:"usage"`
	Performance Performance     `json:"performance"`
}

// BatchPlan is the sizing decision for batching opportunities into one call.
type BatchPlan struct {
	BatchSize            int    `json:"batchSize"`
	MaxTokens            int    `json:"maxTokens"`
	ModelName            string `json:"modelName"`
	ModelCapacity        int    `json:"modelCapacity"`
	TokensPerOpportunity int    `json:"tokensPerOpportunity"`
	BaseTokens           int    `json:"baseTokens"`
	Reason               string `json:"reason"`
}

// PerformanceMetrics aggregates usage across the life of a client.
type PerformanceMetrics struct {
	TotalTokens    int64   `json:"totalTokens"`
	TotalCalls     int64   `json:"totalCalls"`
	AverageLatency float64 `json:"averageLatency"`
}

// Client is the provider contract. Implementations validate responses
// against the supplied JSON schema before returning them.
type Client interface {
	// CallWithSchema sends one prompt and returns the schema-validated
	// JSON response.
	CallWithSchema(ctx context.Context, prompt string, schema []byte) (*Response, error)

	// BatchCallWithSchema sends the prompts with at most maxConcurrent
	// in flight and returns responses in prompt order. The first error
	// aborts the batch.
	BatchCallWithSchema(ctx context.Context, prompts []string, schema []byte, maxConcurrent int) ([]*Response, error)

	// CalculateOptimalBatchSize derives how many opportunities fit in one
	// call given the average description length. Hints of zero fall back
	// to the client's defaults.
	CalculateOptimalBatchSize(avgDescriptionLength, baseTokensHint, perItemHint int) BatchPlan

	// GetPerformanceMetrics returns usage aggregated since the client was
	// created.
	GetPerformanceMetrics() PerformanceMetrics
}

// IsRateLimit reports whether err looks like a provider quota rejection.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "429")
}

// IsTimeout reports whether err looks like a call deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

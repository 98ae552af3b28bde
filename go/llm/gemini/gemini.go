// Package gemini implements llm.Client on the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/grantline/grantline/go/llm"
)

const (
	// DefaultModel is the model used when none is configured.
	DefaultModel = "gemini-2.5-flash"

	// modelCapacity is the input context window of DefaultModel.
	modelCapacity = 1048576

	// defaultBaseTokens covers the prompt scaffolding shared by every
	// batch regardless of size.
	defaultBaseTokens = 2000

	// defaultPerItemTokens is the fixed per-opportunity overhead on top
	// of the description itself.
	defaultPerItemTokens = 800

	// charsPerToken is the rough character-to-token ratio used for
	// sizing estimates.
	charsPerToken = 4

	// maxBatchSize caps a single call no matter how short the
	// descriptions are; validation quality degrades on huge batches.
	maxBatchSize = 10

	// outputBudget is the portion of the context window reserved for
	// the response.
	outputBudget = 65536
)

// Client implements llm.Client against the Gemini API.
type Client struct {
	client *genai.Client
	model  string

	mtx          sync.Mutex
	totalTokens  int64
	totalCalls   int64
	totalLatency time.Duration
}

// New returns a Client for the given model. apiKey may be empty to fall back
// to the GEMINI_API_KEY environment variable; model may be empty to use
// DefaultModel.
func New(ctx context.Context, model, apiKey string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	geminiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "creating gemini client")
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: geminiClient,
		model:  model,
	}, nil
}

// CallWithSchema implements llm.Client.
func (c *Client) CallWithSchema(ctx context.Context, prompt string, schema []byte) (*llm.Response, error) {
	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	apiCall := time.Since(start)
	if err != nil {
		if llm.IsRateLimit(err) {
			return nil, skerr.Wrapf(llm.ErrRateLimited, "model %s: %s", c.model, err)
		}
		if llm.IsTimeout(err) {
			return nil, skerr.Wrapf(llm.ErrTimeout, "model %s: %s", c.model, err)
		}
		return nil, skerr.Wrapf(err, "calling model %s", c.model)
	}
	text := resp.Text()
	if text == "" {
		return nil, skerr.Fmt("model %s returned an empty response", c.model)
	}

	validationStart := time.Now()
	if err := validate(schema, text); err != nil {
		return nil, skerr.Wrap(err)
	}
	validation := time.Since(validationStart)

	rv := &llm.Response{
		Data: []byte(text),
		Performance: llm.Performance{
			TotalMs:      time.Since(start).Milliseconds(),
			APICallMs:    apiCall.Milliseconds(),
			ValidationMs: validation.Milliseconds(),
		},
	}
	if resp.UsageMetadata != nil {
		rv.Usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	c.record(rv)
	return rv, nil
}

// BatchCallWithSchema implements llm.Client.
func (c *Client) BatchCallWithSchema(ctx context.Context, prompts []string, schema []byte, maxConcurrent int) ([]*llm.Response, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	responses := make([]*llm.Response, len(prompts))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrent)
	for i, prompt := range prompts {
		eg.Go(func() error {
			resp, err := c.CallWithSchema(egCtx, prompt, schema)
			if err != nil {
				return skerr.Wrapf(err, "prompt %d of %d", i+1, len(prompts))
			}
			responses[i] = resp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// CalculateOptimalBatchSize implements llm.Client.
func (c *Client) CalculateOptimalBatchSize(avgDescriptionLength, baseTokensHint, perItemHint int) llm.BatchPlan {
	base := baseTokensHint
	if base <= 0 {
		base = defaultBaseTokens
	}
	perItem := perItemHint
	if perItem <= 0 {
		perItem = defaultPerItemTokens
	}
	perItem += avgDescriptionLength / charsPerToken

	inputBudget := modelCapacity - outputBudget - base
	batchSize := inputBudget / perItem
	reason := "input budget"
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
		reason = "batch size cap"
	}
	if batchSize < 1 {
		batchSize = 1
		reason = "single item exceeds budget"
	}
	plan := llm.BatchPlan{
		BatchSize:            batchSize,
		MaxTokens:            outputBudget,
		ModelName:            c.model,
		ModelCapacity:        modelCapacity,
		TokensPerOpportunity: perItem,
		BaseTokens:           base,
		Reason:               reason,
	}
	sklog.Debugf("Batch plan for avg length %d: %+v", avgDescriptionLength, plan)
	return plan
}

// GetPerformanceMetrics implements llm.Client.
func (c *Client) GetPerformanceMetrics() llm.PerformanceMetrics {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	rv := llm.PerformanceMetrics{
		TotalTokens: c.totalTokens,
		TotalCalls:  c.totalCalls,
	}
	if c.totalCalls > 0 {
		rv.AverageLatency = float64(c.totalLatency.Milliseconds()) / float64(c.totalCalls)
	}
	return rv
}

func (c *Client) record(resp *llm.Response) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.totalCalls++
	c.totalTokens += int64(resp.Usage.TotalTokens)
	c.totalLatency += time.Duration(resp.Performance.TotalMs) * time.Millisecond
}

// validate checks the response document against the JSON schema.
func validate(schema []byte, document string) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewStringLoader(document))
	if err != nil {
		return skerr.Wrapf(err, "validating model response")
	}
	if !result.Valid() {
		msg := ""
		for _, desc := range result.Errors() {
			msg += fmt.Sprintf("; %s", desc)
		}
		return skerr.Fmt("model response failed schema validation%s", msg)
	}
	return nil
}

// Assert that Client implements llm.Client.
var _ llm.Client = (*Client)(nil)

// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"go.skia.org/infra/go/skerr"

	"github.com/grantline/grantline/go/llm"
)

// Call records one invocation of the scripted client.
type Call struct {
	Prompt string
	Schema []byte
}

// scripted is one canned response, consumed at most once.
type scripted struct {
	match string
	data  string
	usage llm.Usage
	err   error
}

// ScriptedClient implements llm.Client by replaying canned responses.
// Responses are matched by prompt substring in the order they were scripted;
// an unmatched prompt is an error, which surfaces missing scripting in the
// test itself.
type ScriptedClient struct {
	mtx     sync.Mutex
	script  []scripted
	calls   []Call
	tokens  int64
	ncalls  int64
	latency float64

	// Plan is returned by CalculateOptimalBatchSize.
	Plan llm.BatchPlan
}

// New returns an empty ScriptedClient with a small default batch plan.
func New() *ScriptedClient {
	return &ScriptedClient{
		Plan: llm.BatchPlan{
			BatchSize:            5,
			MaxTokens:            1024,
			ModelName:            "scripted-model",
			ModelCapacity:        8192,
			TokensPerOpportunity: 500,
			BaseTokens:           100,
			Reason:               "scripted",
		},
	}
}

// Respond scripts a successful response for the next prompt containing
// match. An empty match matches any prompt.
func (c *ScriptedClient) Respond(match, data string, totalTokens int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.script = append(c.script, scripted{
		match: match,
		data:  data,
		usage: llm.Usage{
			InputTokens:  totalTokens / 2,
			OutputTokens: totalTokens - totalTokens/2,
			TotalTokens:  totalTokens,
		},
	})
}

// Fail scripts an error for the next prompt containing match.
func (c *ScriptedClient) Fail(match string, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.script = append(c.script, scripted{match: match, err: err})
}

// Calls returns the recorded calls in order.
func (c *ScriptedClient) Calls() []Call {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]Call{}, c.calls...)
}

// CallWithSchema implements llm.Client.
func (c *ScriptedClient) CallWithSchema(ctx context.Context, prompt string, schema []byte) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.calls = append(c.calls, Call{Prompt: prompt, Schema: schema})
	for i, s := range c.script {
		if s.match == "" || strings.Contains(prompt, s.match) {
			c.script = append(c.script[:i], c.script[i+1:]...)
			if s.err != nil {
				return nil, s.err
			}
			c.ncalls++
			c.tokens += int64(s.usage.TotalTokens)
			return &llm.Response{
				Data:  []byte(s.data),
				Usage: s.usage,
				Performance: llm.Performance{
					TotalMs:   1,
					APICallMs: 1,
				},
			}, nil
		}
	}
	return nil, skerr.Fmt("no scripted response for prompt %q", prompt)
}

// BatchCallWithSchema implements llm.Client. Calls run sequentially so that
// tests see deterministic ordering.
func (c *ScriptedClient) BatchCallWithSchema(ctx context.Context, prompts []string, schema []byte, maxConcurrent int) ([]*llm.Response, error) {
	responses := make([]*llm.Response, 0, len(prompts))
	for _, prompt := range prompts {
		resp, err := c.CallWithSchema(ctx, prompt, schema)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// CalculateOptimalBatchSize implements llm.Client.
func (c *ScriptedClient) CalculateOptimalBatchSize(avgDescriptionLength, baseTokensHint, perItemHint int) llm.BatchPlan {
	return c.Plan
}

// GetPerformanceMetrics implements llm.Client.
func (c *ScriptedClient) GetPerformanceMetrics() llm.PerformanceMetrics {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	rv := llm.PerformanceMetrics{
		TotalTokens: c.tokens,
		TotalCalls:  c.ncalls,
	}
	if c.ncalls > 0 {
		rv.AverageLatency = 1
	}
	return rv
}

// Assert that ScriptedClient implements llm.Client.
var _ llm.Client = (*ScriptedClient)(nil)

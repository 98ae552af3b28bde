// Package analysis runs the two model passes over new opportunities,
// validates the results, and merges them with the inputs.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/llm"
	"github.com/grantline/grantline/go/types"
)

// FallbackMessage is recorded in place of real scoring output when the
// scoring pass fails and the fallback is enabled.
const FallbackMessage = "Analysis failed - manual review required"

// Result is the output of one coordinated analysis over a chunk.
type Result struct {
	// Opportunities are the merged results, in input order.
	Opportunities []*types.AnalyzedOpportunity

	// Usage is the summed token accounting across both passes.
	Usage llm.Usage
	// APICalls is the number of model calls issued.
	APICalls int
	// ExecutionMs is the wall-clock time of the whole parallel run.
	ExecutionMs int64
	// Plan is the batch sizing decision used for this chunk.
	Plan llm.BatchPlan
	// ScoringFellBack is true when the scoring results are fallback
	// records rather than model output.
	ScoringFellBack bool
}

// Coordinator fans out the content and scoring passes and joins them.
type Coordinator struct {
	client llm.Client

	// DisableScoringFallback makes a scoring failure abort the chunk
	// instead of substituting fallback records.
	DisableScoringFallback bool
}

// New returns a Coordinator using the given model client.
func New(client llm.Client) *Coordinator {
	return &Coordinator{client: client}
}

// Analyze runs both passes concurrently over the chunk and merges their
// results. A content failure or a validation failure aborts the chunk; a
// scoring failure substitutes fallback records unless disabled. The
// coordinator never retries; retry policy belongs to the caller.
func (c *Coordinator) Analyze(ctx context.Context, opps []*types.Opportunity, maxConcurrent int) (*Result, error) {
	start := time.Now()
	if len(opps) == 0 {
		return &Result{Opportunities: []*types.AnalyzedOpportunity{}}, nil
	}
	plan := c.client.CalculateOptimalBatchSize(averageDescriptionLength(opps), 0, 0)

	var wg sync.WaitGroup
	var content []types.ContentEnhancement
	var scoring []types.ScoringResult
	var contentUsage, scoringUsage llm.Usage
	var contentCalls, scoringCalls int
	var contentErr, scoringErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		content, contentUsage, contentCalls, contentErr = c.runContentPass(ctx, opps, plan.BatchSize, maxConcurrent)
	}()
	go func() {
		defer wg.Done()
		scoring, scoringUsage, scoringCalls, scoringErr = c.runScoringPass(ctx, opps, plan.BatchSize, maxConcurrent)
	}()
	wg.Wait()

	if contentErr != nil {
		return nil, contentErr
	}
	fellBack := false
	if scoringErr != nil {
		if c.DisableScoringFallback {
			return nil, scoringErr
		}
		sklog.Errorf("Scoring pass failed, substituting fallback records for %d opportunities: %s", len(opps), scoringErr)
		scoring = fallbackScoring(opps)
		fellBack = true
	}

	if err := validateResults(opps, content, scoring); err != nil {
		return nil, err
	}

	rv := &Result{
		Opportunities: merge(opps, content, scoring),
		Usage: llm.Usage{
			InputTokens:  contentUsage.InputTokens + scoringUsage.InputTokens,
			OutputTokens: contentUsage.OutputTokens + scoringUsage.OutputTokens,
			TotalTokens:  contentUsage.TotalTokens + scoringUsage.TotalTokens,
		},
		APICalls:        contentCalls + scoringCalls,
		ExecutionMs:     time.Since(start).Milliseconds(),
		Plan:            plan,
		ScoringFellBack: fellBack,
	}
	return rv, nil
}

// runContentPass issues the content prompts batch by batch.
func (c *Coordinator) runContentPass(ctx context.Context, opps []*types.Opportunity, batchSize, maxConcurrent int) ([]types.ContentEnhancement, llm.Usage, int, error) {
	arrays, usage, calls, err := c.callBatches(ctx, opps, contentInstructions, contentSchema, batchSize, maxConcurrent)
	if err != nil {
		return nil, usage, calls, err
	}
	rv := []types.ContentEnhancement{}
	for _, arr := range arrays {
		var batch []types.ContentEnhancement
		if err := json.Unmarshal(arr, &batch); err != nil {
			return nil, usage, calls, skerr.Wrapf(err, "decoding content results")
		}
		rv = append(rv, batch...)
	}
	return rv, usage, calls, nil
}

// runScoringPass issues the scoring prompts batch by batch.
func (c *Coordinator) runScoringPass(ctx context.Context, opps []*types.Opportunity, batchSize, maxConcurrent int) ([]types.ScoringResult, llm.Usage, int, error) {
	arrays, usage, calls, err := c.callBatches(ctx, opps, scoringInstructions, scoringSchema, batchSize, maxConcurrent)
	if err != nil {
		return nil, usage, calls, err
	}
	rv := []types.ScoringResult{}
	for _, arr := range arrays {
		var batch []types.ScoringResult
		if err := json.Unmarshal(arr, &batch); err != nil {
			return nil, usage, calls, skerr.Wrapf(err, "decoding scoring results")
		}
		rv = append(rv, batch...)
	}
	return rv, usage, calls, nil
}

// callBatches splits the chunk into batches, issues one prompt per batch,
// and returns the extracted result array of each response.
func (c *Coordinator) callBatches(ctx context.Context, opps []*types.Opportunity, instructions string, schema []byte, batchSize, maxConcurrent int) ([]json.RawMessage, llm.Usage, int, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	prompts := []string{}
	for i := 0; i < len(opps); i += batchSize {
		end := i + batchSize
		if end > len(opps) {
			end = len(opps)
		}
		prompt, err := buildPrompt(instructions, opps[i:end])
		if err != nil {
			return nil, llm.Usage{}, 0, err
		}
		prompts = append(prompts, prompt)
	}
	responses, err := c.client.BatchCallWithSchema(ctx, prompts, schema, maxConcurrent)
	if err != nil {
		return nil, llm.Usage{}, len(prompts), err
	}
	arrays := make([]json.RawMessage, 0, len(responses))
	usage := llm.Usage{}
	for _, resp := range responses {
		arr, err := extractArray(resp.Data)
		if err != nil {
			return nil, usage, len(prompts), err
		}
		arrays = append(arrays, arr)
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
	}
	return arrays, usage, len(prompts), nil
}

// validateResults checks both result sets for count and ID agreement with
// the input before any merging happens.
func validateResults(opps []*types.Opportunity, content []types.ContentEnhancement, scoring []types.ScoringResult) error {
	issues := []string{}
	if len(content) != len(opps) {
		issues = append(issues, fmt.Sprintf("Content count mismatch: expected %d, got %d", len(opps), len(content)))
	}
	if len(scoring) != len(opps) {
		issues = append(issues, fmt.Sprintf("Scoring count mismatch: expected %d, got %d", len(opps), len(scoring)))
	}
	inputIDs := map[string]bool{}
	for _, opp := range opps {
		inputIDs[opp.ID] = true
	}
	contentIDs := map[string]bool{}
	for _, ce := range content {
		contentIDs[ce.ID] = true
		if !inputIDs[ce.ID] {
			issues = append(issues, fmt.Sprintf("Unexpected content ID: %s", ce.ID))
		}
	}
	scoringIDs := map[string]bool{}
	for _, sr := range scoring {
		scoringIDs[sr.ID] = true
		if !inputIDs[sr.ID] {
			issues = append(issues, fmt.Sprintf("Unexpected scoring ID: %s", sr.ID))
		}
	}
	for _, opp := range opps {
		if !contentIDs[opp.ID] {
			issues = append(issues, fmt.Sprintf("Missing content for opportunity ID: %s", opp.ID))
		}
		if !scoringIDs[opp.ID] {
			issues = append(issues, fmt.Sprintf("Missing scoring for opportunity ID: %s", opp.ID))
		}
	}
	if len(issues) > 0 {
		return skerr.Fmt("Parallel analysis validation failed: %s", strings.Join(issues, "; "))
	}
	return nil
}

// merge joins both result sets with the inputs, preserving input order and
// all original fields.
func merge(opps []*types.Opportunity, content []types.ContentEnhancement, scoring []types.ScoringResult) []*types.AnalyzedOpportunity {
	contentByID := make(map[string]types.ContentEnhancement, len(content))
	for _, ce := range content {
		contentByID[ce.ID] = ce
	}
	scoringByID := make(map[string]types.ScoringResult, len(scoring))
	for _, sr := range scoring {
		scoringByID[sr.ID] = sr
	}
	rv := make([]*types.AnalyzedOpportunity, 0, len(opps))
	for _, opp := range opps {
		ce := contentByID[opp.ID]
		sr := scoringByID[opp.ID]
		concerns := sr.Concerns
		if concerns == nil {
			concerns = []string{}
		}
		rv = append(rv, &types.AnalyzedOpportunity{
			Opportunity:         *opp.Copy(),
			EnhancedDescription: ce.EnhancedDescription,
			ActionableSummary:   ce.ActionableSummary,
			ProgramOverview:     ce.ProgramOverview,
			ProgramUseCases:     ce.ProgramUseCases,
			ApplicationSummary:  ce.ApplicationSummary,
			ProgramInsights:     ce.ProgramInsights,
			Scoring:             sr.Scoring.Copy(),
			RelevanceReasoning:  sr.RelevanceReasoning,
			Concerns:            concerns,
		})
	}
	return rv
}

// fallbackScoring builds one zeroed scoring record per input.
func fallbackScoring(opps []*types.Opportunity) []types.ScoringResult {
	rv := make([]types.ScoringResult, 0, len(opps))
	for _, opp := range opps {
		zero := func() *float64 {
			v := 0.0
			return &v
		}
		rv = append(rv, types.ScoringResult{
			ID: opp.ID,
			Scoring: &types.Scoring{
				ClientRelevance:       zero(),
				ProjectRelevance:      zero(),
				FundingAttractiveness: zero(),
				FundingType:           zero(),
				OverallScore:          zero(),
			},
			RelevanceReasoning: FallbackMessage,
			Concerns:           []string{FallbackMessage},
		})
	}
	return rv
}

package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"go.skia.org/infra/go/skerr"

	"github.com/grantline/grantline/go/types"
)

// promptOpportunity is the view of an opportunity sent to the model. Only
// the fields relevant to analysis are included, keeping prompts small.
type promptOpportunity struct {
	ID                    string   `json:"id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	OpenDate              string   `json:"openDate,omitempty"`
	CloseDate             string   `json:"closeDate,omitempty"`
	Status                string   `json:"status,omitempty"`
	MinimumAward          *float64 `json:"minimumAward,omitempty"`
	MaximumAward          *float64 `json:"maximumAward,omitempty"`
	TotalFundingAvailable *float64 `json:"totalFundingAvailable,omitempty"`
	EligibleApplicants    []string `json:"eligibleApplicants,omitempty"`
	FundingInstrumentType string   `json:"fundingInstrumentType,omitempty"`
}

const contentInstructions = `You are a grants analyst. For each funding opportunity below, write enhanced
content for a grants database. Return a JSON array with one object per
opportunity, each containing: id (copied verbatim from the input),
enhancedDescription, actionableSummary, programOverview, programUseCases,
applicationSummary, programInsights. Every input opportunity must appear
exactly once in the output.

Opportunities:
`

const scoringInstructions = `You are a grants analyst scoring funding opportunities for relevance to
public-sector consulting clients. For each opportunity below, return a JSON
array with one object per opportunity, each containing: id (copied verbatim
from the input), scoring {clientRelevance (0-3), projectRelevance (0-3),
fundingAttractiveness (0-3), fundingType (0-1), overallScore (0-10, the sum
of the components)}, relevanceReasoning, concerns (array of strings, may be
empty). Every input opportunity must appear exactly once in the output.

Opportunities:
`

// contentSchema and scoringSchema are the JSON schemas the model responses
// are validated against, derived from the result types.
var (
	contentSchema = mustSchema([]types.ContentEnhancement{})
	scoringSchema = mustSchema([]types.ScoringResult{})
)

func mustSchema(v interface{}) []byte {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	s := reflector.Reflect(v)
	// The validator does not understand the 2020-12 $schema marker.
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflecting schema: %s", err))
	}
	return b
}

// buildPrompt serializes the opportunities beneath the given instructions.
func buildPrompt(instructions string, opps []*types.Opportunity) (string, error) {
	view := make([]promptOpportunity, 0, len(opps))
	for _, opp := range opps {
		view = append(view, promptOpportunity{
			ID:                    opp.ID,
			Title:                 opp.Title,
			Description:           opp.Description,
			OpenDate:              opp.OpenDate,
			CloseDate:             opp.CloseDate,
			Status:                opp.Status,
			MinimumAward:          opp.MinimumAward,
			MaximumAward:          opp.MaximumAward,
			TotalFundingAvailable: opp.TotalFundingAvailable,
			EligibleApplicants:    opp.EligibleApplicants,
			FundingInstrumentType: opp.FundingInstrumentType,
		})
	}
	b, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", skerr.Wrapf(err, "serializing %d opportunities for prompt", len(opps))
	}
	return instructions + string(b), nil
}

// averageDescriptionLength feeds the batch sizing decision.
func averageDescriptionLength(opps []*types.Opportunity) int {
	if len(opps) == 0 {
		return 0
	}
	total := 0
	for _, opp := range opps {
		total += len(opp.Description)
	}
	return total / len(opps)
}

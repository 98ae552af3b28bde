package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/now"

	"github.com/grantline/grantline/go/opportunitystore/memory"
	"github.com/grantline/grantline/go/types"
)

var baseTime = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func analyzed(id, title string) *types.AnalyzedOpportunity {
	return &types.AnalyzedOpportunity{
		Opportunity: types.Opportunity{
			ID:          id,
			Title:       title,
			Description: "Description of " + title,
			Status:      "open",
			CloseDate:   "2024-12-31",
		},
		EnhancedDescription: "enhanced " + id,
		Scoring: &types.Scoring{
			OverallScore: f(7),
		},
	}
}

func f(v float64) *float64 {
	return &v
}

func source() types.Source {
	return types.Source{Name: "State Grants Portal"}
}

func TestStore_InsertsNewOpportunities(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	stage := New(store)

	res := stage.Store(ctx, []*types.AnalyzedOpportunity{
		analyzed("a", "Rural Broadband Grant"),
		analyzed("b", "Clean Water Fund"),
	}, source(), "raw-1", false)

	assert.False(t, res.Metrics.Error)
	assert.Equal(t, 2, res.Metrics.TotalProcessed)
	assert.Equal(t, 2, res.Metrics.NewOpportunities)
	assert.Equal(t, 0, res.Metrics.DuplicatesFound)
	require.Len(t, res.NewOpportunities, 2)
	assert.GreaterOrEqual(t, res.ExecutionMs, int64(1))

	row := res.NewOpportunities[0]
	assert.Equal(t, "a", row.APIOpportunityID)
	assert.Equal(t, "raw-1", row.RawResponseID)
	assert.Equal(t, "enhanced a", row.EnhancedDescription)
	require.NotNil(t, row.CloseDate)
	assert.Equal(t, "2024-12-31", row.CloseDate.Format(types.DateFormat))
	assert.Equal(t, baseTime, row.CreatedAt)
	assert.Equal(t, 2, store.Len())
}

func TestStore_DuplicateIsNotAFailure(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	stage := New(store)

	first := stage.Store(ctx, []*types.AnalyzedOpportunity{analyzed("a", "Rural Broadband Grant")}, source(), "raw-1", false)
	require.Equal(t, 1, first.Metrics.NewOpportunities)

	second := stage.Store(ctx, []*types.AnalyzedOpportunity{
		analyzed("a", "Rural Broadband Grant"),
		analyzed("b", "Clean Water Fund"),
	}, source(), "raw-2", false)

	assert.False(t, second.Metrics.Error)
	assert.Equal(t, 2, second.Metrics.TotalProcessed)
	assert.Equal(t, 1, second.Metrics.NewOpportunities)
	assert.Equal(t, 1, second.Metrics.DuplicatesFound)
	assert.Equal(t, 0, second.Metrics.Failures)
	require.Len(t, second.Outcomes, 2)
	assert.Equal(t, ItemOutcome{APIOpportunityID: "a", Status: ITEM_DUPLICATE}, second.Outcomes[0])
	assert.Equal(t, ItemOutcome{APIOpportunityID: "b", Status: ITEM_STORED}, second.Outcomes[1])
}

func TestStore_ForceFullProcessingUpserts(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	stage := New(store)

	first := stage.Store(ctx, []*types.AnalyzedOpportunity{analyzed("a", "Rural Broadband Grant")}, source(), "raw-1", false)
	require.Len(t, first.NewOpportunities, 1)

	// Simulate a human edit that must survive reprocessing.
	existing, err := store.Get(ctx, first.NewOpportunities[0].InternalID)
	require.NoError(t, err)
	existing.EnhancedContent = "curated by an admin"
	store.MustSeed(ctx, existing)

	updated := analyzed("a", "Rural Broadband Grant Program")
	res := stage.Store(ctx, []*types.AnalyzedOpportunity{updated}, source(), "raw-2", true)
	assert.Equal(t, 1, res.Metrics.NewOpportunities)
	assert.Equal(t, 0, res.Metrics.DuplicatesFound)

	row, err := store.Get(ctx, first.NewOpportunities[0].InternalID)
	require.NoError(t, err)
	assert.Equal(t, "Rural Broadband Grant Program", row.Title)
	assert.Equal(t, "curated by an admin", row.EnhancedContent)
}

func TestStore_PerItemFailureIsIsolated(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	stage := New(store)

	store.InsertErr = errors.New("disk full")
	res := stage.Store(ctx, []*types.AnalyzedOpportunity{
		analyzed("a", "Rural Broadband Grant"),
		analyzed("b", "Clean Water Fund"),
	}, source(), "raw-1", false)

	assert.True(t, res.Metrics.Error)
	assert.Contains(t, res.Metrics.ErrorMessage, "disk full")
	assert.Equal(t, 2, res.Metrics.Failures)
	assert.Equal(t, 0, res.Metrics.NewOpportunities)
	// The accounting invariant holds even on failure.
	assert.Equal(t, res.Metrics.TotalProcessed, res.Metrics.NewOpportunities+res.Metrics.DuplicatesFound+res.Metrics.Failures)
}

func TestStore_StateEligibilityFailureDoesNotFailItem(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.StatesErr = errors.New("constraint violation")
	stage := New(store)

	opp := analyzed("a", "Rural Broadband Grant")
	opp.EligibleStates = []string{"CA", "OR"}
	res := stage.Store(ctx, []*types.AnalyzedOpportunity{opp}, source(), "raw-1", false)

	assert.False(t, res.Metrics.Error)
	assert.Equal(t, 1, res.Metrics.NewOpportunities)
}

func TestStore_StateEligibilityWritten(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	stage := New(store)

	opp := analyzed("a", "Rural Broadband Grant")
	opp.EligibleStates = []string{"CA", "OR"}
	res := stage.Store(ctx, []*types.AnalyzedOpportunity{opp}, source(), "raw-1", false)
	require.Len(t, res.NewOpportunities, 1)
	assert.Equal(t, []string{"CA", "OR"}, store.States(res.NewOpportunities[0].InternalID))
}

func TestStore_MissingSourceName(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	stage := New(memory.New())

	res := stage.Store(ctx, []*types.AnalyzedOpportunity{analyzed("a", "Rural Broadband Grant")}, types.Source{}, "raw-1", false)
	assert.True(t, res.Metrics.Error)
	assert.Equal(t, 1, res.Metrics.Failures)
	assert.Empty(t, res.NewOpportunities)
}

func TestStore_SourceContactEnrichment(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	stage := New(store)

	_, err := store.GetOrCreateSource(ctx, types.Source{Name: "State Grants Portal", ContactEmail: "grants@example.gov"})
	require.NoError(t, err)

	desc := source()
	desc.Website = "https://grants.example.gov"
	desc.ContactEmail = "other@example.gov"
	res := stage.Store(ctx, []*types.AnalyzedOpportunity{analyzed("a", "Rural Broadband Grant")}, desc, "raw-1", false)
	require.False(t, res.Metrics.Error)

	resolved, err := store.GetOrCreateSource(ctx, types.Source{Name: "State Grants Portal"})
	require.NoError(t, err)
	// Missing fields are filled in, existing ones never overwritten.
	assert.Equal(t, "https://grants.example.gov", resolved.Website)
	assert.Equal(t, "grants@example.gov", resolved.ContactEmail)
}

func TestSanitize(t *testing.T) {
	opp := analyzed("  a  ", "  Rural Broadband Grant  ")
	opp.OpenDate = "garbage"
	opp.MinimumAward = f(1000)
	opp.EligibleApplicants = []string{" cities ", "", "counties"}

	row := sanitize(opp, "src-1", "raw-1", baseTime)
	assert.Equal(t, "a", row.APIOpportunityID)
	assert.Equal(t, "Rural Broadband Grant", row.Title)
	assert.Nil(t, row.OpenDate)
	assert.Equal(t, 1000.0, *row.MinimumAward)
	assert.Equal(t, []string{"cities", "counties"}, row.EligibleApplicants)
}

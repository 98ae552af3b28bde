package directupdate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.skia.org/infra/go/now"

	"github.com/grantline/grantline/go/dupdetect"
	"github.com/grantline/grantline/go/opportunitystore/memory"
	"github.com/grantline/grantline/go/types"
)

var baseTime = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 {
	return &v
}

func d(s string) *time.Time {
	t, err := time.Parse(types.DateFormat, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func seed(ctx context.Context, store *memory.InMemoryStore) *types.PersistedOpportunity {
	return store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         "src-1",
		APIOpportunityID: "a",
		Title:            "Rural Broadband Grant",
		MaximumAward:     f(500000),
		CloseDate:        d("2024-12-31"),
		EnhancedContent:  "curated by an admin",
		UpdatedAt:        baseTime.Add(-48 * time.Hour),
	})
}

func candidate(api *types.Opportunity, db *types.PersistedOpportunity) dupdetect.UpdateCandidate {
	return dupdetect.UpdateCandidate{Incoming: api, Existing: db}
}

func TestUpdate_WritesOnlyChangedCriticalFields(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	db := seed(ctx, store)
	h := New(store)

	api := &types.Opportunity{
		ID:           "a",
		Title:        "Rural Broadband Grant Program",
		MaximumAward: f(750000),
		CloseDate:    "2024-12-31",
		APIUpdatedAt: &baseTime,
	}
	res, err := h.Update(ctx, []dupdetect.UpdateCandidate{candidate(api, db)}, "raw-9")
	require.NoError(t, err)
	require.Len(t, res.Successful, 1)
	assert.ElementsMatch(t, []string{"title", "maximum_award"}, res.Successful[0].UpdatedFields)

	row, err := store.Get(ctx, db.InternalID)
	require.NoError(t, err)
	assert.Equal(t, "Rural Broadband Grant Program", row.Title)
	assert.Equal(t, 750000.0, *row.MaximumAward)
	// Unchanged critical field left alone.
	assert.Equal(t, "2024-12-31", row.CloseDate.Format(types.DateFormat))
	// Protected field untouched.
	assert.Equal(t, "curated by an admin", row.EnhancedContent)
	// Bookkeeping columns always ride along.
	assert.Equal(t, baseTime, row.UpdatedAt)
	assert.Equal(t, "raw-9", row.RawResponseID)
	require.NotNil(t, row.APIUpdatedAt)
}

func TestUpdate_NoValidUpdatesIsSkipped(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	db := seed(ctx, store)
	h := New(store)

	// Same values, empty strings, and nil amounts all count as absent.
	api := &types.Opportunity{
		ID:        "a",
		Title:     "Rural Broadband Grant",
		CloseDate: "2024-12-31",
		OpenDate:  "",
	}
	res, err := h.Update(ctx, []dupdetect.UpdateCandidate{candidate(api, db)}, "raw-9")
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkipReasonNoValidUpdates, res.Skipped[0].Reason)
	assert.Empty(t, res.Successful)

	// The skipped row is untouched, including updated_at.
	row, err := store.Get(ctx, db.InternalID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-48*time.Hour), row.UpdatedAt)
}

func TestUpdate_UnparseableDateDoesNotQualify(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	db := seed(ctx, store)
	h := New(store)

	api := &types.Opportunity{ID: "a", Title: "Rural Broadband Grant", CloseDate: "soon"}
	res, err := h.Update(ctx, []dupdetect.UpdateCandidate{candidate(api, db)}, "raw-9")
	require.NoError(t, err)
	assert.Len(t, res.Skipped, 1)
}

func TestUpdate_PerItemFailureIsIsolated(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	db := seed(ctx, store)
	db2 := store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         "src-1",
		APIOpportunityID: "b",
		Title:            "Clean Water Fund",
		UpdatedAt:        baseTime.Add(-48 * time.Hour),
	})
	h := New(store)

	store.UpdateErr = errors.New("connection reset")

	api1 := &types.Opportunity{ID: "a", Title: "Rural Broadband Grant Program"}
	api2 := &types.Opportunity{ID: "b", Title: "Clean Water State Fund"}
	res, err := h.Update(ctx, []dupdetect.UpdateCandidate{
		candidate(api1, db),
		candidate(api2, db2),
	}, "raw-9")
	require.NoError(t, err)
	assert.Len(t, res.Failed, 2)
	assert.Contains(t, res.Failed[0].Reason, "connection reset")
	assert.Equal(t, 2, res.Metrics.TotalProcessed)
	assert.Equal(t, res.Metrics.TotalProcessed, res.Metrics.Successful+res.Metrics.Failed+res.Metrics.Skipped)
}

func TestUpdate_MixedBatch(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	db := seed(ctx, store)
	db2 := store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         "src-1",
		APIOpportunityID: "b",
		Title:            "Clean Water Fund",
		UpdatedAt:        baseTime.Add(-48 * time.Hour),
	})
	h := New(store)

	res, err := h.Update(ctx, []dupdetect.UpdateCandidate{
		candidate(&types.Opportunity{ID: "a", Title: "Rural Broadband Grant Program"}, db),
		candidate(&types.Opportunity{ID: "b", Title: "Clean Water Fund"}, db2),
	}, "raw-9")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metrics.Successful)
	assert.Equal(t, 1, res.Metrics.Skipped)
	assert.Equal(t, 0, res.Metrics.Failed)
}

func TestUpdate_EmptyBatch(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	h := New(memory.New())
	res, err := h.Update(ctx, nil, "raw-9")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Metrics.TotalProcessed)
}

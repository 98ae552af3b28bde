package dupdetect

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

const sourceID = "src-1"

var baseTime = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func ts(t time.Time) *time.Time {
	return &t
}

func TestFreshness(t *testing.T) {
	recent := baseTime.Add(-24 * time.Hour)
	stale := baseTime.Add(-91 * 24 * time.Hour)

	// Newer upstream timestamp always wins.
	update, reason := Freshness(ts(baseTime), ts(baseTime.Add(-time.Hour)), stale, baseTime)
	assert.True(t, update)
	assert.Equal(t, ReasonAPITimestampNewer, reason)

	// Equal timestamps are not newer.
	update, reason = Freshness(ts(baseTime), ts(baseTime), recent, baseTime)
	assert.False(t, update)
	assert.Equal(t, ReasonAPITimestampNotNewer, reason)

	// Missing timestamps fall back to the review window.
	update, reason = Freshness(nil, nil, recent, baseTime)
	assert.False(t, update)
	assert.Equal(t, ReasonRecentlyReviewed, reason)

	update, reason = Freshness(nil, ts(baseTime), recent, baseTime)
	assert.False(t, update)
	assert.Equal(t, ReasonRecentlyReviewed, reason)

	// Stale review forces a refresh even without newer timestamps.
	update, reason = Freshness(nil, nil, stale, baseTime)
	assert.True(t, update)
	assert.Equal(t, ReasonStaleReview, reason)

	// Exactly at the window boundary is still recent.
	update, reason = Freshness(nil, nil, baseTime.Add(-StaleReviewWindow), baseTime)
	assert.False(t, update)
	assert.Equal(t, ReasonRecentlyReviewed, reason)
}

func TestTitlesSimilar(t *testing.T) {
	assert.True(t, TitlesSimilar("Rural Broadband Grant", "  rural broadband grant "))
	// Substring with a long enough shorter title.
	assert.True(t, TitlesSimilar("Rural Broadband", "Rural Broadband Grant Program"))
	// Substring too short to be meaningful.
	assert.False(t, TitlesSimilar("Grant", "Grant Program for Rural Broadband"))
	// Near-identical titles differ by a typo.
	assert.True(t, TitlesSimilar("Community Development Block Grant", "Community Developent Block Grant"))
	assert.False(t, TitlesSimilar("Community Development Block Grant", "Highway Safety Improvement Program"))
	assert.False(t, TitlesSimilar("", "anything at all here"))
}

func TestTitleMatchable(t *testing.T) {
	assert.False(t, TitleMatchable("Grant"))
	assert.False(t, TitleMatchable("   1234567890   "))
	assert.True(t, TitleMatchable("12345678901"))
}

func TestDetect_AllNewWhenStoreEmpty(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	d := New(store)

	opps := []*types.Opportunity{
		{ID: "a", Title: "Rural Broadband Grant Program"},
		{ID: "b", Title: "Highway Safety Improvement Program"},
	}
	res, err := d.Detect(ctx, sourceID, opps, false)
	require.NoError(t, err)
	assert.Len(t, res.New, 2)
	assert.Empty(t, res.Updates)
	assert.Empty(t, res.Skips)
	assert.Equal(t, 2, res.Metrics.DetectionMethods[MethodNoMatch])
	assert.Equal(t, 2, res.Metrics.Confidence[ConfidenceHigh])
	assert.Equal(t, 2, res.Metrics.DatabaseQueries)
	assert.Equal(t, int64(0), res.Metrics.EstimatedTokensSaved)
}

func TestDetect_IDMatchWithNewerTimestampIsUpdate(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "a",
		Title:            "Rural Broadband Grant Program",
		APIUpdatedAt:     ts(baseTime.Add(-48 * time.Hour)),
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	d := New(store)

	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "a", Title: "Rural Broadband Grant Program", APIUpdatedAt: ts(baseTime)},
	}, false)
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, MethodIDValidation, res.Updates[0].Method)
	assert.Equal(t, ConfidenceHigh, res.Updates[0].Confidence)
	assert.Equal(t, ReasonAPITimestampNewer, res.Updates[0].Reason)
	assert.Equal(t, int64(tokensPerBypassedOpportunity), res.Metrics.EstimatedTokensSaved)
}

func TestDetect_IDMatchRecentlyReviewedIsSkip(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "a",
		Title:            "Rural Broadband Grant Program",
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	d := New(store)

	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "a", Title: "Rural Broadband Grant Program"},
	}, false)
	require.NoError(t, err)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, ReasonRecentlyReviewed, res.Skips[0].Reason)
	assert.Empty(t, res.New)
	assert.Empty(t, res.Updates)
}

func TestDetect_StaleReviewForcesUpdate(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "a",
		Title:            "Rural Broadband Grant Program",
		UpdatedAt:        baseTime.Add(-120 * 24 * time.Hour),
	})
	d := New(store)

	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "a", Title: "Rural Broadband Grant Program"},
	}, false)
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, ReasonStaleReview, res.Updates[0].Reason)
}

func TestDetect_IDCollisionWithDifferentTitleIsNew(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "a",
		Title:            "Highway Safety Improvement Program",
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	d := New(store)

	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "a", Title: "Rural Broadband Grant Program"},
	}, false)
	require.NoError(t, err)
	assert.Len(t, res.New, 1)
	assert.Empty(t, res.Updates)
	assert.Empty(t, res.Skips)
	assert.Equal(t, 1, res.Metrics.DetectionMethods[MethodNoMatch])
}

func TestDetect_TitleOnlyMatch(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "db-id",
		Title:            "Rural Broadband Grant Program",
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	d := New(store)

	// Incoming record has a fresh upstream ID but the same title.
	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "api-id", Title: "rural broadband grant program"},
	}, false)
	require.NoError(t, err)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, MethodTitleOnly, res.Skips[0].Method)
	assert.Equal(t, 1, res.Metrics.DetectionMethods[MethodTitleOnly])
	assert.Equal(t, 1, res.Metrics.Confidence[ConfidenceMedium])
}

func TestDetect_ShortTitleSkipsTitleLookup(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "db-id",
		Title:            "Grant",
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	d := New(store)

	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "api-id", Title: "Grant"},
	}, false)
	require.NoError(t, err)
	assert.Len(t, res.New, 1)
	// Only the ID lookup ran.
	assert.Equal(t, 1, res.Metrics.DatabaseQueries)
}

func TestDetect_PartitionCoversEveryRecord(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "update-me",
		Title:            "Rural Broadband Grant Program",
		APIUpdatedAt:     ts(baseTime.Add(-48 * time.Hour)),
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "skip-me",
		Title:            "Highway Safety Improvement Program",
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	d := New(store)

	opps := []*types.Opportunity{
		{ID: "update-me", Title: "Rural Broadband Grant Program", APIUpdatedAt: ts(baseTime)},
		{ID: "skip-me", Title: "Highway Safety Improvement Program"},
		{ID: "new-one", Title: "Clean Water State Revolving Fund"},
	}
	res, err := d.Detect(ctx, sourceID, opps, false)
	require.NoError(t, err)
	assert.Equal(t, len(opps), len(res.New)+len(res.Updates)+len(res.Skips))
	assert.Len(t, res.New, 1)
	assert.Len(t, res.Updates, 1)
	assert.Len(t, res.Skips, 1)
	assert.Equal(t, 2, res.Metrics.DatabaseQueries)
	assert.Equal(t, int64(2*tokensPerBypassedOpportunity), res.Metrics.EstimatedTokensSaved)
}

func TestDetect_LookupFailureDegradesToAllNew(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "a",
		Title:            "Rural Broadband Grant Program",
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	store.GetByAPIIDsErr = errors.New("connection refused")
	store.GetByTitlesErr = errors.New("connection refused")
	d := New(store)

	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "a", Title: "Rural Broadband Grant Program"},
	}, false)
	require.NoError(t, err)
	assert.Len(t, res.New, 1)
	assert.Empty(t, res.Updates)
	assert.Empty(t, res.Skips)
}

func TestDetect_ForceBypassesMatching(t *testing.T) {
	ctx := now.TimeTravelingContext(context.Background(), baseTime)
	store := memory.New()
	store.MustSeed(ctx, &types.PersistedOpportunity{
		SourceID:         sourceID,
		APIOpportunityID: "a",
		Title:            "Rural Broadband Grant Program",
		UpdatedAt:        baseTime.Add(-24 * time.Hour),
	})
	d := New(store)

	res, err := d.Detect(ctx, sourceID, []*types.Opportunity{
		{ID: "a", Title: "Rural Broadband Grant Program"},
	}, true)
	require.NoError(t, err)
	assert.Len(t, res.New, 1)
	assert.Equal(t, 0, res.Metrics.DatabaseQueries)
}

func TestDetect_EmptyChunk(t *testing.T) {
	ctx := context.Background()
	d := New(memory.New())
	res, err := d.Detect(ctx, sourceID, nil, false)
	require.NoError(t, err)
	assert.Empty(t, res.New)
	assert.Empty(t, res.Updates)
	assert.Empty(t, res.Skips)
	assert.Equal(t, 0, res.Metrics.DatabaseQueries)
}

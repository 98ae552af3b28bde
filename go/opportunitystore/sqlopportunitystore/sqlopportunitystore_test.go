package sqlopportunitystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/sql/sqltest"
	"github.com/grantline/grantline/go/types"
)

const testSource = "src-1"

var baseTime = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (context.Context, *pgxpool.Pool, *SQLOpportunityStore) {
	ctx := context.Background()
	db := sqltest.NewCockroachDBForTests(ctx, t)
	_, err := db.Exec(ctx, `INSERT INTO FundingSources (id, name, created_at, updated_at) VALUES ($1, $2, $3, $3)`, testSource, "Test Source", baseTime)
	require.NoError(t, err)
	return ctx, db, New(db)
}

func opp(apiID, title string) *types.PersistedOpportunity {
	return &types.PersistedOpportunity{
		SourceID:           testSource,
		APIOpportunityID:   apiID,
		Title:              title,
		Description:        "Description of " + title,
		Status:             "open",
		EligibleApplicants: []string{"nonprofits"},
		Concerns:           []string{},
		CreatedAt:          baseTime,
		UpdatedAt:          baseTime,
	}
}

func TestInsertAndGet_RoundTrip(t *testing.T) {
	ctx, _, s := setup(t)

	in := opp("a", "Rural Broadband Grant Program")
	in.MaximumAward = f(750000)
	in.Scoring = &types.Scoring{ClientRelevance: f(2), OverallScore: f(6)}
	require.NoError(t, s.Insert(ctx, in))
	require.NotEmpty(t, in.InternalID)

	got, err := s.Get(ctx, in.InternalID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.APIOpportunityID)
	assert.Equal(t, "Rural Broadband Grant Program", got.Title)
	assert.Equal(t, 750000.0, *got.MaximumAward)
	require.NotNil(t, got.Scoring)
	assert.Equal(t, 6.0, *got.Scoring.OverallScore)
	assert.Equal(t, []string{"nonprofits"}, got.EligibleApplicants)
}

func TestInsert_DuplicateKey(t *testing.T) {
	ctx, _, s := setup(t)

	require.NoError(t, s.Insert(ctx, opp("a", "Rural Broadband Grant Program")))
	err := s.Insert(ctx, opp("a", "Rural Broadband Grant Program"))
	require.True(t, errors.Is(err, opportunitystore.ErrDuplicate))
}

func TestUpsert_PreservesProtectedColumns(t *testing.T) {
	ctx, db, s := setup(t)

	first := opp("a", "Rural Broadband Grant Program")
	require.NoError(t, s.Insert(ctx, first))
	_, err := db.Exec(ctx, `UPDATE FundingOpportunities SET enhanced_content='human edit', admin_notes='keep me' WHERE id=$1`, first.InternalID)
	require.NoError(t, err)

	second := opp("a", "Rural Broadband Grant Program v2")
	require.NoError(t, s.Upsert(ctx, second))

	got, err := s.Get(ctx, first.InternalID)
	require.NoError(t, err)
	assert.Equal(t, "Rural Broadband Grant Program v2", got.Title)
	assert.Equal(t, "human edit", got.EnhancedContent)
	assert.Equal(t, "keep me", got.AdminNotes)
}

func TestGetByAPIIDsAndTitles_Batched(t *testing.T) {
	ctx, _, s := setup(t)

	require.NoError(t, s.Insert(ctx, opp("a", "Rural Broadband Grant Program")))
	require.NoError(t, s.Insert(ctx, opp("b", "Clean Water State Revolving Fund")))

	byID, err := s.GetByAPIIDs(ctx, testSource, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	// Titles are matched case-insensitively after trimming.
	byTitle, err := s.GetByTitles(ctx, testSource, []string{"  rural broadband grant program  "})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "a", byTitle[0].APIOpportunityID)
}

func TestUpdateFields_PartialUpdate(t *testing.T) {
	ctx, _, s := setup(t)

	in := opp("a", "Rural Broadband Grant Program")
	require.NoError(t, s.Insert(ctx, in))

	updated := baseTime.Add(time.Hour)
	require.NoError(t, s.UpdateFields(ctx, in.InternalID, map[string]interface{}{
		"maximum_award": 900000.0,
		"updated_at":    updated,
	}))

	got, err := s.Get(ctx, in.InternalID)
	require.NoError(t, err)
	assert.Equal(t, 900000.0, *got.MaximumAward)
	assert.True(t, got.UpdatedAt.Equal(updated))

	err = s.UpdateFields(ctx, "00000000-0000-0000-0000-000000000000", map[string]interface{}{"title": "x"})
	require.True(t, errors.Is(err, opportunitystore.ErrNotFound))
}

func TestGetOrCreateSource_EnrichesMissingContactsOnly(t *testing.T) {
	ctx, _, s := setup(t)

	created, err := s.GetOrCreateSource(ctx, types.Source{Name: "State Water Board", Website: "https://water.example.gov"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// A second resolve fills in missing fields but never overwrites.
	again, err := s.GetOrCreateSource(ctx, types.Source{
		Name:         "State Water Board",
		Website:      "https://other.example.gov",
		ContactEmail: "grants@water.example.gov",
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "https://water.example.gov", again.Website)
	assert.Equal(t, "grants@water.example.gov", again.ContactEmail)
}

func TestGetSource_NotFound(t *testing.T) {
	ctx, _, s := setup(t)

	got, err := s.GetSource(ctx, testSource)
	require.NoError(t, err)
	assert.Equal(t, "Test Source", got.Name)

	_, err = s.GetSource(ctx, "nope")
	require.True(t, errors.Is(err, opportunitystore.ErrNotFound))
}

func TestSetStateEligibility_ReplacesRows(t *testing.T) {
	ctx, db, s := setup(t)

	in := opp("a", "Rural Broadband Grant Program")
	require.NoError(t, s.Insert(ctx, in))

	require.NoError(t, s.SetStateEligibility(ctx, in.InternalID, []string{"CA", "OR"}))
	require.NoError(t, s.SetStateEligibility(ctx, in.InternalID, []string{"WA"}))

	rows, err := db.Query(ctx, `SELECT state FROM OpportunityStateEligibility WHERE opportunity_id=$1`, in.InternalID)
	require.NoError(t, err)
	defer rows.Close()
	states := []string{}
	for rows.Next() {
		var state string
		require.NoError(t, rows.Scan(&state))
		states = append(states, state)
	}
	assert.Equal(t, []string{"WA"}, states)
}

func f(v float64) *float64 {
	return &v
}

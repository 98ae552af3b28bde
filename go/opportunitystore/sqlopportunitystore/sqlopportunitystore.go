// Package sqlopportunitystore implements the opportunitystore.Store
// interface on an SQL database backend.
package sqlopportunitystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sql/pool"
	"go.skia.org/infra/go/sql/sqlutil"

	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/types"
)

// uniqueViolation is the PostgreSQL error code for unique-constraint
// violations.
const uniqueViolation = "23505"

// oppColumns is the column list shared by every statement that returns full
// opportunity rows.
const oppColumns = `
	id, source_id, api_opportunity_id, funding_source_id, raw_response_id,
	title, description, status, open_date, close_date, minimum_award,
	maximum_award, total_funding_available, eligible_applicants,
	funding_instrument_type, enhanced_description, actionable_summary,
	program_overview, program_use_cases, application_summary,
	program_insights, scoring, relevance_reasoning, concerns,
	enhanced_content, admin_notes, api_updated_at, created_at, updated_at`

// insertColumns are the columns written on insert; protected columns are
// deliberately absent.
var insertColumns = []string{
	"id", "source_id", "api_opportunity_id", "funding_source_id",
	"raw_response_id", "title", "description", "status", "open_date",
	"close_date", "minimum_award", "maximum_award",
	"total_funding_available", "eligible_applicants",
	"funding_instrument_type", "enhanced_description", "actionable_summary",
	"program_overview", "program_use_cases", "application_summary",
	"program_insights", "scoring", "relevance_reasoning", "concerns",
	"api_updated_at", "created_at", "updated_at",
}

// statement is an SQL statement identifier.
type statement int

const (
	getByAPIIDs statement = iota
	getByTitles
	getByID
	getSourceByName
	getSourceByID
	insertSource
	updateSourceContacts
	deleteStates
	insertState
)

// statements holds the fixed SQL used by the store. The insert, upsert and
// partial-update statements are built dynamically.
var statements = map[statement]string{
	getByAPIIDs: `
		SELECT` + oppColumns + `
		FROM FundingOpportunities
		WHERE source_id=$1 AND api_opportunity_id = ANY($2)
		ORDER BY api_opportunity_id`,
	getByTitles: `
		SELECT` + oppColumns + `
		FROM FundingOpportunities
		WHERE source_id=$1 AND lower(btrim(title)) = ANY($2)
		ORDER BY api_opportunity_id`,
	getByID: `
		SELECT` + oppColumns + `
		FROM FundingOpportunities
		WHERE id=$1`,
	getSourceByName: `
		SELECT id, name, website, contact_email, contact_phone
		FROM FundingSources
		WHERE name=$1`,
	getSourceByID: `
		SELECT id, name, website, contact_email, contact_phone
		FROM FundingSources
		WHERE id=$1`,
	insertSource: `
		INSERT INTO FundingSources (id, name, website, contact_email, contact_phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
	updateSourceContacts: `
		UPDATE FundingSources
		SET website=COALESCE(NULLIF(website, ''), $2),
			contact_email=COALESCE(NULLIF(contact_email, ''), $3),
			contact_phone=COALESCE(NULLIF(contact_phone, ''), $4),
			updated_at=$5
		WHERE id=$1`,
	deleteStates: `
		DELETE FROM OpportunityStateEligibility WHERE opportunity_id=$1`,
	insertState: `
		INSERT INTO OpportunityStateEligibility (opportunity_id, state)
		VALUES ($1, $2)
		ON CONFLICT (opportunity_id, state) DO NOTHING`,
}

// SQLOpportunityStore implements the opportunitystore.Store interface.
type SQLOpportunityStore struct {
	db pool.Pool
}

// New returns a new *SQLOpportunityStore.
func New(db pool.Pool) *SQLOpportunityStore {
	return &SQLOpportunityStore{db: db}
}

// GetByAPIIDs implements opportunitystore.Store.
func (s *SQLOpportunityStore) GetByAPIIDs(ctx context.Context, sourceID string, apiIDs []string) ([]*types.PersistedOpportunity, error) {
	if len(apiIDs) == 0 {
		return []*types.PersistedOpportunity{}, nil
	}
	rows, err := s.db.Query(ctx, statements[getByAPIIDs], sourceID, apiIDs)
	if err != nil {
		return nil, skerr.Wrapf(err, "looking up %d ids for source %s", len(apiIDs), sourceID)
	}
	defer rows.Close()
	return scanOpps(rows)
}

// GetByTitles implements opportunitystore.Store.
func (s *SQLOpportunityStore) GetByTitles(ctx context.Context, sourceID string, titles []string) ([]*types.PersistedOpportunity, error) {
	if len(titles) == 0 {
		return []*types.PersistedOpportunity{}, nil
	}
	normalized := make([]string, 0, len(titles))
	for _, title := range titles {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(title)))
	}
	rows, err := s.db.Query(ctx, statements[getByTitles], sourceID, normalized)
	if err != nil {
		return nil, skerr.Wrapf(err, "looking up %d titles for source %s", len(titles), sourceID)
	}
	defer rows.Close()
	return scanOpps(rows)
}

// Get implements opportunitystore.Store.
func (s *SQLOpportunityStore) Get(ctx context.Context, internalID string) (*types.PersistedOpportunity, error) {
	opp, err := scanOpp(s.db.QueryRow(ctx, statements[getByID], internalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, skerr.Wrapf(opportunitystore.ErrNotFound, "id %s", internalID)
		}
		return nil, skerr.Wrap(err)
	}
	return opp, nil
}

// Insert implements opportunitystore.Store.
func (s *SQLOpportunityStore) Insert(ctx context.Context, opp *types.PersistedOpportunity) error {
	if opp.InternalID == "" {
		opp.InternalID = uuid.NewString()
	}
	stmt := fmt.Sprintf("INSERT INTO FundingOpportunities (%s) VALUES %s",
		strings.Join(insertColumns, ", "),
		sqlutil.ValuesPlaceholders(len(insertColumns), 1))
	_, err := s.db.Exec(ctx, stmt, insertArgs(opp)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return skerr.Wrapf(opportunitystore.ErrDuplicate, "source %s id %s", opp.SourceID, opp.APIOpportunityID)
		}
		return skerr.Wrapf(err, "inserting opportunity %s", opp.APIOpportunityID)
	}
	return nil
}

// Upsert implements opportunitystore.Store. Protected columns are excluded
// from the conflict update so human edits survive reprocessing.
func (s *SQLOpportunityStore) Upsert(ctx context.Context, opp *types.PersistedOpportunity) error {
	if opp.InternalID == "" {
		opp.InternalID = uuid.NewString()
	}
	conflictSets := make([]string, 0, len(insertColumns))
	for _, col := range insertColumns {
		switch col {
		case "id", "source_id", "api_opportunity_id", "created_at":
			continue
		}
		conflictSets = append(conflictSets, fmt.Sprintf("%s=EXCLUDED.%s", col, col))
	}
	stmt := fmt.Sprintf(
		"INSERT INTO FundingOpportunities (%s) VALUES %s ON CONFLICT (source_id, api_opportunity_id) DO UPDATE SET %s",
		strings.Join(insertColumns, ", "),
		sqlutil.ValuesPlaceholders(len(insertColumns), 1),
		strings.Join(conflictSets, ", "))
	_, err := s.db.Exec(ctx, stmt, insertArgs(opp)...)
	if err != nil {
		return skerr.Wrapf(err, "upserting opportunity %s", opp.APIOpportunityID)
	}
	return nil
}

// UpdateFields implements opportunitystore.Store. Columns are sorted so the
// statement is deterministic.
func (s *SQLOpportunityStore) UpdateFields(ctx context.Context, internalID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return skerr.Fmt("no fields to update for %s", internalID)
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	sets := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	args = append(args, internalID)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s=$%d", col, i+2))
		args = append(args, fields[col])
	}
	stmt := fmt.Sprintf("UPDATE FundingOpportunities SET %s WHERE id=$1", strings.Join(sets, ", "))
	tag, err := s.db.Exec(ctx, stmt, args...)
	if err != nil {
		return skerr.Wrapf(err, "updating opportunity %s", internalID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(opportunitystore.ErrNotFound, "id %s", internalID)
	}
	return nil
}

// GetSource implements opportunitystore.Store.
func (s *SQLOpportunityStore) GetSource(ctx context.Context, id string) (*types.Source, error) {
	rv := &types.Source{}
	err := s.db.QueryRow(ctx, statements[getSourceByID], id).Scan(
		&rv.ID, &rv.Name, &rv.Website, &rv.ContactEmail, &rv.ContactPhone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, skerr.Wrapf(opportunitystore.ErrNotFound, "source %s", id)
		}
		return nil, skerr.Wrapf(err, "looking up source %s", id)
	}
	return rv, nil
}

// GetOrCreateSource implements opportunitystore.Store.
func (s *SQLOpportunityStore) GetOrCreateSource(ctx context.Context, desc types.Source) (*types.Source, error) {
	ts := now.Now(ctx).UTC()
	existing := &types.Source{}
	err := s.db.QueryRow(ctx, statements[getSourceByName], desc.Name).Scan(
		&existing.ID, &existing.Name, &existing.Website, &existing.ContactEmail, &existing.ContactPhone)
	if err == nil {
		// Fill in any missing contact fields; never overwrite.
		if _, err := s.db.Exec(ctx, statements[updateSourceContacts], existing.ID,
			desc.Website, desc.ContactEmail, desc.ContactPhone, ts); err != nil {
			return nil, skerr.Wrapf(err, "enriching source %s", existing.ID)
		}
		return s.getSourceByName(ctx, desc.Name)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, skerr.Wrapf(err, "looking up source %q", desc.Name)
	}

	created := desc
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	_, err = s.db.Exec(ctx, statements[insertSource], created.ID, created.Name,
		created.Website, created.ContactEmail, created.ContactPhone, ts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Lost a create race; the row exists now.
			return s.getSourceByName(ctx, desc.Name)
		}
		return nil, skerr.Wrapf(err, "creating source %q", desc.Name)
	}
	return &created, nil
}

func (s *SQLOpportunityStore) getSourceByName(ctx context.Context, name string) (*types.Source, error) {
	rv := &types.Source{}
	if err := s.db.QueryRow(ctx, statements[getSourceByName], name).Scan(
		&rv.ID, &rv.Name, &rv.Website, &rv.ContactEmail, &rv.ContactPhone); err != nil {
		return nil, skerr.Wrapf(err, "re-reading source %q", name)
	}
	return rv, nil
}

// SetStateEligibility implements opportunitystore.Store.
func (s *SQLOpportunityStore) SetStateEligibility(ctx context.Context, opportunityID string, states []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, statements[deleteStates], opportunityID); err != nil {
		return skerr.Wrapf(err, "clearing states for %s", opportunityID)
	}
	for _, state := range states {
		if _, err := tx.Exec(ctx, statements[insertState], opportunityID, state); err != nil {
			return skerr.Wrapf(err, "inserting state %q for %s", state, opportunityID)
		}
	}
	return skerr.Wrap(tx.Commit(ctx))
}

func insertArgs(opp *types.PersistedOpportunity) []interface{} {
	return []interface{}{
		opp.InternalID, opp.SourceID, opp.APIOpportunityID,
		nullIfEmpty(opp.FundingSourceID), opp.RawResponseID, opp.Title,
		opp.Description, opp.Status, opp.OpenDate, opp.CloseDate,
		opp.MinimumAward, opp.MaximumAward, opp.TotalFundingAvailable,
		mustJSON(opp.EligibleApplicants), opp.FundingInstrumentType,
		opp.EnhancedDescription, opp.ActionableSummary, opp.ProgramOverview,
		opp.ProgramUseCases, opp.ApplicationSummary, opp.ProgramInsights,
		scoringJSON(opp.Scoring), opp.RelevanceReasoning,
		mustJSON(opp.Concerns), opp.APIUpdatedAt, opp.CreatedAt,
		opp.UpdatedAt,
	}
}

func scanOpp(row pgx.Row) (*types.PersistedOpportunity, error) {
	opp := &types.PersistedOpportunity{}
	var fundingSourceID *string
	var eligibleApplicants, scoring, concerns []byte
	if err := row.Scan(
		&opp.InternalID, &opp.SourceID, &opp.APIOpportunityID,
		&fundingSourceID, &opp.RawResponseID, &opp.Title, &opp.Description,
		&opp.Status, &opp.OpenDate, &opp.CloseDate, &opp.MinimumAward,
		&opp.MaximumAward, &opp.TotalFundingAvailable, &eligibleApplicants,
		&opp.FundingInstrumentType, &opp.EnhancedDescription,
		&opp.ActionableSummary, &opp.ProgramOverview, &opp.ProgramUseCases,
		&opp.ApplicationSummary, &opp.ProgramInsights, &scoring,
		&opp.RelevanceReasoning, &concerns, &opp.EnhancedContent,
		&opp.AdminNotes, &opp.APIUpdatedAt, &opp.CreatedAt, &opp.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if fundingSourceID != nil {
		opp.FundingSourceID = *fundingSourceID
	}
	if len(eligibleApplicants) > 0 {
		if err := json.Unmarshal(eligibleApplicants, &opp.EligibleApplicants); err != nil {
			return nil, skerr.Wrapf(err, "decoding eligible_applicants for %s", opp.InternalID)
		}
	}
	if len(scoring) > 0 && string(scoring) != "null" {
		opp.Scoring = &types.Scoring{}
		if err := json.Unmarshal(scoring, opp.Scoring); err != nil {
			return nil, skerr.Wrapf(err, "decoding scoring for %s", opp.InternalID)
		}
	}
	if len(concerns) > 0 {
		if err := json.Unmarshal(concerns, &opp.Concerns); err != nil {
			return nil, skerr.Wrapf(err, "decoding concerns for %s", opp.InternalID)
		}
	}
	return opp, nil
}

func scanOpps(rows pgx.Rows) ([]*types.PersistedOpportunity, error) {
	rv := []*types.PersistedOpportunity{}
	for rows.Next() {
		opp, err := scanOpp(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, opp)
	}
	return rv, nil
}

func mustJSON(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func scoringJSON(s *types.Scoring) interface{} {
	if s == nil {
		// Preserve the null-scoring asymmetry: no scoring stays NULL.
		return nil
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Assert that SQLOpportunityStore implements opportunitystore.Store.
var _ opportunitystore.Store = (*SQLOpportunityStore)(nil)

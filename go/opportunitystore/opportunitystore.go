// Package opportunitystore defines persistence for funding opportunities and
// funding sources.
package opportunitystore

import (
	"context"
	"errors"

	"github.com/grantline/grantline/go/types"
)

var (
	// ErrDuplicate is returned by Insert when the
	// (source_id, api_opportunity_id) unique constraint is violated. The
	// storage stage counts these as duplicates, not failures.
	ErrDuplicate = errors.New("opportunity already exists for this source")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("opportunity with the given ID does not exist")
)

// Store is the contract for the funding-opportunity tables.
//
// Lookups are batched: the duplicate detector issues exactly one call to
// GetByAPIIDs and at most one call to GetByTitles per chunk, regardless of
// chunk size.
type Store interface {
	// GetByAPIIDs returns the persisted opportunities for the source
	// whose api_opportunity_id is in apiIDs.
	GetByAPIIDs(ctx context.Context, sourceID string, apiIDs []string) ([]*types.PersistedOpportunity, error)

	// GetByTitles returns the persisted opportunities for the source
	// whose title matches one of the given titles, compared
	// case-insensitively after trimming.
	GetByTitles(ctx context.Context, sourceID string, titles []string) ([]*types.PersistedOpportunity, error)

	// Get returns the opportunity with the given internal id.
	Get(ctx context.Context, internalID string) (*types.PersistedOpportunity, error)

	// Insert writes a new opportunity. Returns ErrDuplicate if the
	// (source_id, api_opportunity_id) pair already exists.
	Insert(ctx context.Context, opp *types.PersistedOpportunity) error

	// Upsert writes the opportunity, overwriting any existing row with
	// the same (source_id, api_opportunity_id). Protected columns
	// (enhanced_content, admin_notes) are left untouched on conflict.
	Upsert(ctx context.Context, opp *types.PersistedOpportunity) error

	// UpdateFields applies a partial update to the row with the given
	// internal id. Keys are snake_case column names. The update is a
	// single atomic statement.
	UpdateFields(ctx context.Context, internalID string, fields map[string]interface{}) error

	// GetSource returns the funding source with the given id. Returns
	// ErrNotFound if it does not exist.
	GetSource(ctx context.Context, id string) (*types.Source, error)

	// GetOrCreateSource resolves a funding source by name, creating it if
	// absent. Missing contact fields on an existing source are filled in
	// from desc; existing non-empty values are never overwritten.
	GetOrCreateSource(ctx context.Context, desc types.Source) (*types.Source, error)

	// SetStateEligibility replaces the state-eligibility rows for the
	// opportunity.
	SetStateEligibility(ctx context.Context, opportunityID string, states []string) error
}

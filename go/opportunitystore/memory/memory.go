// Package memory provides an in-memory opportunitystore.Store for use in
// tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"

	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/types"
)

// InMemoryStore implements opportunitystore.Store with maps guarded by a
// mutex. Optional error hooks let tests inject failures.
type InMemoryStore struct {
	mtx     sync.Mutex
	opps    map[string]*types.PersistedOpportunity
	sources map[string]*types.Source
	states  map[string][]string

	// Error hooks for failure injection; nil means no injected failure.
	GetByAPIIDsErr error
	GetByTitlesErr error
	InsertErr      error
	UpdateErr      error
	StatesErr      error
}

// New returns an empty InMemoryStore.
func New() *InMemoryStore {
	return &InMemoryStore{
		opps:    map[string]*types.PersistedOpportunity{},
		sources: map[string]*types.Source{},
		states:  map[string][]string{},
	}
}

// GetByAPIIDs implements opportunitystore.Store.
func (s *InMemoryStore) GetByAPIIDs(ctx context.Context, sourceID string, apiIDs []string) ([]*types.PersistedOpportunity, error) {
	if s.GetByAPIIDsErr != nil {
		return nil, s.GetByAPIIDsErr
	}
	want := map[string]bool{}
	for _, id := range apiIDs {
		want[id] = true
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := []*types.PersistedOpportunity{}
	for _, opp := range s.opps {
		if opp.SourceID == sourceID && want[opp.APIOpportunityID] {
			rv = append(rv, copyOpp(opp))
		}
	}
	sortByInternalID(rv)
	return rv, nil
}

// GetByTitles implements opportunitystore.Store.
func (s *InMemoryStore) GetByTitles(ctx context.Context, sourceID string, titles []string) ([]*types.PersistedOpportunity, error) {
	if s.GetByTitlesErr != nil {
		return nil, s.GetByTitlesErr
	}
	want := map[string]bool{}
	for _, title := range titles {
		want[strings.ToLower(strings.TrimSpace(title))] = true
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := []*types.PersistedOpportunity{}
	for _, opp := range s.opps {
		if opp.SourceID == sourceID && want[strings.ToLower(strings.TrimSpace(opp.Title))] {
			rv = append(rv, copyOpp(opp))
		}
	}
	sortByInternalID(rv)
	return rv, nil
}

// Get implements opportunitystore.Store.
func (s *InMemoryStore) Get(ctx context.Context, internalID string) (*types.PersistedOpportunity, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	opp, ok := s.opps[internalID]
	if !ok {
		return nil, skerr.Wrapf(opportunitystore.ErrNotFound, "id %s", internalID)
	}
	return copyOpp(opp), nil
}

// Insert implements opportunitystore.Store.
func (s *InMemoryStore) Insert(ctx context.Context, opp *types.PersistedOpportunity) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, existing := range s.opps {
		if existing.SourceID == opp.SourceID && existing.APIOpportunityID == opp.APIOpportunityID {
			return skerr.Wrapf(opportunitystore.ErrDuplicate, "source %s id %s", opp.SourceID, opp.APIOpportunityID)
		}
	}
	cp := copyOpp(opp)
	if cp.InternalID == "" {
		cp.InternalID = uuid.NewString()
	}
	opp.InternalID = cp.InternalID
	s.opps[cp.InternalID] = cp
	return nil
}

// Upsert implements opportunitystore.Store.
func (s *InMemoryStore) Upsert(ctx context.Context, opp *types.PersistedOpportunity) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for id, existing := range s.opps {
		if existing.SourceID == opp.SourceID && existing.APIOpportunityID == opp.APIOpportunityID {
			cp := copyOpp(opp)
			cp.InternalID = id
			// Protected columns survive the upsert.
			cp.EnhancedContent = existing.EnhancedContent
			cp.AdminNotes = existing.AdminNotes
			opp.InternalID = id
			s.opps[id] = cp
			return nil
		}
	}
	cp := copyOpp(opp)
	if cp.InternalID == "" {
		cp.InternalID = uuid.NewString()
	}
	opp.InternalID = cp.InternalID
	s.opps[cp.InternalID] = cp
	return nil
}

// UpdateFields implements opportunitystore.Store. Only the columns used by
// the direct updater are interpreted.
func (s *InMemoryStore) UpdateFields(ctx context.Context, internalID string, fields map[string]interface{}) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	opp, ok := s.opps[internalID]
	if !ok {
		return skerr.Wrapf(opportunitystore.ErrNotFound, "id %s", internalID)
	}
	for col, value := range fields {
		switch col {
		case "title":
			opp.Title = value.(string)
		case "minimum_award":
			opp.MinimumAward = toFloatPtr(value)
		case "maximum_award":
			opp.MaximumAward = toFloatPtr(value)
		case "total_funding_available":
			opp.TotalFundingAvailable = toFloatPtr(value)
		case "open_date":
			opp.OpenDate = toTimePtr(value)
		case "close_date":
			opp.CloseDate = toTimePtr(value)
		case "updated_at":
			opp.UpdatedAt = *toTimePtr(value)
		case "api_updated_at":
			opp.APIUpdatedAt = toTimePtr(value)
		case "raw_response_id":
			opp.RawResponseID = value.(string)
		default:
			return skerr.Fmt("unexpected column %q in field update", col)
		}
	}
	return nil
}

// GetSource implements opportunitystore.Store.
func (s *InMemoryStore) GetSource(ctx context.Context, id string) (*types.Source, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, skerr.Wrapf(opportunitystore.ErrNotFound, "source %s", id)
	}
	cp := *src
	return &cp, nil
}

// GetOrCreateSource implements opportunitystore.Store.
func (s *InMemoryStore) GetOrCreateSource(ctx context.Context, desc types.Source) (*types.Source, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, src := range s.sources {
		if src.Name == desc.Name {
			if src.Website == "" {
				src.Website = desc.Website
			}
			if src.ContactEmail == "" {
				src.ContactEmail = desc.ContactEmail
			}
			if src.ContactPhone == "" {
				src.ContactPhone = desc.ContactPhone
			}
			cp := *src
			return &cp, nil
		}
	}
	cp := desc
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.sources[cp.ID] = &cp
	rv := cp
	return &rv, nil
}

// SetStateEligibility implements opportunitystore.Store.
func (s *InMemoryStore) SetStateEligibility(ctx context.Context, opportunityID string, states []string) error {
	if s.StatesErr != nil {
		return s.StatesErr
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.states[opportunityID] = append([]string{}, states...)
	return nil
}

// States returns the recorded state eligibility for an opportunity.
func (s *InMemoryStore) States(opportunityID string) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string{}, s.states[opportunityID]...)
}

// Len returns the number of stored opportunities.
func (s *InMemoryStore) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.opps)
}

// MustSeed inserts the given opportunity directly, assigning timestamps via
// now.Now(ctx).
func (s *InMemoryStore) MustSeed(ctx context.Context, opp *types.PersistedOpportunity) *types.PersistedOpportunity {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := copyOpp(opp)
	if cp.InternalID == "" {
		cp.InternalID = uuid.NewString()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now.Now(ctx).UTC()
	}
	s.opps[cp.InternalID] = cp
	return copyOpp(cp)
}

func copyOpp(opp *types.PersistedOpportunity) *types.PersistedOpportunity {
	cp := *opp
	cp.EligibleApplicants = append([]string{}, opp.EligibleApplicants...)
	cp.Concerns = append([]string{}, opp.Concerns...)
	cp.Scoring = opp.Scoring.Copy()
	return &cp
}

func sortByInternalID(opps []*types.PersistedOpportunity) {
	sort.Slice(opps, func(i, j int) bool {
		return opps[i].InternalID < opps[j].InternalID
	})
}

func toFloatPtr(value interface{}) *float64 {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case *float64:
		return v
	case float64:
		return &v
	}
	return nil
}

func toTimePtr(value interface{}) *time.Time {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case *time.Time:
		return v
	case time.Time:
		return &v
	}
	return nil
}

// Assert that InMemoryStore implements opportunitystore.Store.
var _ opportunitystore.Store = (*InMemoryStore)(nil)

package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
// Values are copied on the way in and on the way out so callers never share
// state with the store.
type Store struct {
	mu sync.RWMutex

	profiles    map[string]*domain.Profile    // key: id
	apiKeys     map[string]*domain.APIKey     // key: id
	groups      map[string]*domain.Group      // key: id
	memberships map[string]*domain.Membership // key: groupID:userID
}

var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		profiles:    make(map[string]*domain.Profile),
		apiKeys:     make(map[string]*domain.APIKey),
		groups:      make(map[string]*domain.Group),
		memberships: make(map[string]*domain.Membership),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return &Tx{Store: s}, nil
}

// Tx is a no-op transaction for the in-memory store; writes apply immediately.
type Tx struct {
	*Store
}

func (t *Tx) Commit() error   { return nil }
func (t *Tx) Rollback() error { return nil }
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, domain.ErrInvalidInput
}

// ============================================
// Profiles
// ============================================

func (s *Store) CreateProfile(ctx context.Context, profile *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[profile.ID]; exists {
		return domain.ErrAlreadyExists
	}
	if profile.Subject != "" {
		for _, p := range s.profiles {
			if p.Subject == profile.Subject {
				return domain.ErrAlreadyExists
			}
		}
	}
	s.profiles[profile.ID] = profile.Clone()
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.profiles[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) GetProfileBySubject(ctx context.Context, subject string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject == "" {
		return nil, domain.ErrNotFound
	}
	for _, p := range s.profiles {
		if p.Subject == subject {
			return p.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	k := *key
	s.apiKeys[key.ID] = &k
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash {
			k := *key
			return &k, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context, profileID string) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		if profileID != "" && key.ProfileID != profileID {
			continue
		}
		k := *key
		keys = append(keys, &k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys), nil
}

// ============================================
// Groups
// ============================================

func (s *Store) CreateGroup(ctx context.Context, group *domain.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[group.ID]; exists {
		return domain.ErrAlreadyExists
	}
	g := group.Clone()
	g.MemberCount = 0
	s.groups[group.ID] = g
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, exists := s.groups[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return s.counted(g), nil
}

// counted returns a copy of g with MemberCount derived from active
// memberships. Callers hold s.mu.
func (s *Store) counted(g *domain.Group) *domain.Group {
	c := g.Clone()
	c.MemberCount = 0
	for _, m := range s.memberships {
		if m.GroupID == g.ID && m.Active() {
			c.MemberCount++
		}
	}
	return c
}

func (s *Store) ListGroups(ctx context.Context, filter storage.GroupFilter) ([]*domain.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := strings.ToLower(filter.Query)
	groups := make([]*domain.Group, 0)
	for _, g := range s.groups {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, g.ID) {
			continue
		}
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		if filter.ChurchID != "" && !g.InChurch(filter.ChurchID) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(g.Title), query) &&
			!strings.Contains(strings.ToLower(g.Description), query) {
			continue
		}
		groups = append(groups, s.counted(g))
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Title != groups[j].Title {
			return groups[i].Title < groups[j].Title
		}
		return groups[i].ID < groups[j].ID
	})
	if filter.Limit > 0 && len(groups) > filter.Limit {
		groups = groups[:filter.Limit]
	}
	return groups, nil
}

func (s *Store) UpdateGroupStatus(ctx context.Context, change storage.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, exists := s.groups[change.GroupID]
	if !exists {
		return domain.ErrNotFound
	}
	if g.Status != change.From {
		return domain.ErrConflict
	}
	at := change.At
	g.Status = change.To
	g.ReviewedBy = change.ReviewedBy
	g.ReviewReason = change.Reason
	g.ReviewedAt = &at
	g.UpdatedAt = at
	return nil
}

// ============================================
// Memberships
// ============================================

func membershipKey(groupID, userID string) string { return groupID + ":" + userID }

func (s *Store) CreateMembership(ctx context.Context, m *domain.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey(m.GroupID, m.UserID)
	if _, exists := s.memberships[key]; exists {
		return domain.ErrAlreadyExists
	}
	s.memberships[key] = m.Clone()
	return nil
}

func (s *Store) GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, exists := s.memberships[membershipKey(groupID, userID)]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) UpdateMembership(ctx context.Context, m *domain.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey(m.GroupID, m.UserID)
	existing, exists := s.memberships[key]
	if !exists || existing.ID != m.ID {
		return domain.ErrNotFound
	}
	s.memberships[key] = m.Clone()
	return nil
}

func (s *Store) ListMemberships(ctx context.Context, filter storage.MembershipFilter) ([]*domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Membership, 0)
	for _, m := range s.memberships {
		if len(filter.GroupIDs) > 0 && !slices.Contains(filter.GroupIDs, m.GroupID) {
			continue
		}
		if filter.UserID != "" && m.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

package testutil

import (
	"context"
	"sync"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
)

// Operation names recorded by SpyStore.
const (
	OpCreateGroup       = "CreateGroup"
	OpUpdateGroupStatus = "UpdateGroupStatus"
	OpCreateMembership  = "CreateMembership"
	OpUpdateMembership  = "UpdateMembership"
	OpGetGroup          = "GetGroup"
	OpGetMembership     = "GetMembership"
	OpListGroups        = "ListGroups"
	OpListMemberships   = "ListMemberships"
	OpBeginTx           = "BeginTx"
	OpCommit            = "Commit"
)

// SpyStore wraps a storage.Storage, counting calls and injecting failures.
// Transactions opened through it are spied as well.
type SpyStore struct {
	storage.Storage

	mu       sync.Mutex
	calls    map[string]int
	failures map[string]error

	// Hook, when set, runs before every spied call is delegated.
	Hook func(op string)
}

// NewSpyStore wraps inner.
func NewSpyStore(inner storage.Storage) *SpyStore {
	return &SpyStore{
		Storage:  inner,
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (s *SpyStore) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how often op was invoked.
func (s *SpyStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Writes returns the number of mutating calls.
func (s *SpyStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[OpCreateGroup] + s.calls[OpUpdateGroupStatus] +
		s.calls[OpCreateMembership] + s.calls[OpUpdateMembership]
}

// Reset clears recorded calls, keeping injected failures.
func (s *SpyStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *SpyStore) record(op string) error {
	s.mu.Lock()
	s.calls[op]++
	err := s.failures[op]
	hook := s.Hook
	s.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	return err
}

func (s *SpyStore) BeginTx(ctx context.Context) (storage.Transaction, error) {
	if err := s.record(OpBeginTx); err != nil {
		return nil, err
	}
	tx, err := s.Storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &spyTx{Transaction: tx, spy: s}, nil
}

func (s *SpyStore) CreateGroup(ctx context.Context, g *domain.Group) error {
	if err := s.record(OpCreateGroup); err != nil {
		return err
	}
	return s.Storage.CreateGroup(ctx, g)
}

func (s *SpyStore) UpdateGroupStatus(ctx context.Context, c storage.StatusChange) error {
	if err := s.record(OpUpdateGroupStatus); err != nil {
		return err
	}
	return s.Storage.UpdateGroupStatus(ctx, c)
}

func (s *SpyStore) CreateMembership(ctx context.Context, m *domain.Membership) error {
	if err := s.record(OpCreateMembership); err != nil {
		return err
	}
	return s.Storage.CreateMembership(ctx, m)
}

func (s *SpyStore) UpdateMembership(ctx context.Context, m *domain.Membership) error {
	if err := s.record(OpUpdateMembership); err != nil {
		return err
	}
	return s.Storage.UpdateMembership(ctx, m)
}

func (s *SpyStore) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	if err := s.record(OpGetGroup); err != nil {
		return nil, err
	}
	return s.Storage.GetGroup(ctx, id)
}

func (s *SpyStore) GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error) {
	if err := s.record(OpGetMembership); err != nil {
		return nil, err
	}
	return s.Storage.GetMembership(ctx, groupID, userID)
}

func (s *SpyStore) ListGroups(ctx context.Context, f storage.GroupFilter) ([]*domain.Group, error) {
	if err := s.record(OpListGroups); err != nil {
		return nil, err
	}
	return s.Storage.ListGroups(ctx, f)
}

func (s *SpyStore) ListMemberships(ctx context.Context, f storage.MembershipFilter) ([]*domain.Membership, error) {
	if err := s.record(OpListMemberships); err != nil {
		return nil, err
	}
	return s.Storage.ListMemberships(ctx, f)
}

type spyTx struct {
	storage.Transaction
	spy *SpyStore
}

func (t *spyTx) CreateGroup(ctx context.Context, g *domain.Group) error {
	if err := t.spy.record(OpCreateGroup); err != nil {
		return err
	}
	return t.Transaction.CreateGroup(ctx, g)
}

func (t *spyTx) UpdateGroupStatus(ctx context.Context, c storage.StatusChange) error {
	if err := t.spy.record(OpUpdateGroupStatus); err != nil {
		return err
	}
	return t.Transaction.UpdateGroupStatus(ctx, c)
}

func (t *spyTx) CreateMembership(ctx context.Context, m *domain.Membership) error {
	if err := t.spy.record(OpCreateMembership); err != nil {
		return err
	}
	return t.Transaction.CreateMembership(ctx, m)
}

func (t *spyTx) UpdateMembership(ctx context.Context, m *domain.Membership) error {
	if err := t.spy.record(OpUpdateMembership); err != nil {
		return err
	}
	return t.Transaction.UpdateMembership(ctx, m)
}

func (t *spyTx) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	if err := t.spy.record(OpGetGroup); err != nil {
		return nil, err
	}
	return t.Transaction.GetGroup(ctx, id)
}

func (t *spyTx) GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error) {
	if err := t.spy.record(OpGetMembership); err != nil {
		return nil, err
	}
	return t.Transaction.GetMembership(ctx, groupID, userID)
}

func (t *spyTx) Commit() error {
	if err := t.spy.record(OpCommit); err != nil {
		return err
	}
	return t.Transaction.Commit()
}

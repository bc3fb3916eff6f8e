package storage

import (
	"context"
	"time"

	"github.com/bcnelson/fellowship/internal/domain"
)

// Storage defines the interface for the membership store.
// Implementations must be safe for concurrent use and must return
// domain.ErrNotFound for missing rows and domain.ErrAlreadyExists for
// uniqueness violations.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// Profiles
	CreateProfile(ctx context.Context, profile *domain.Profile) error
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
	GetProfileBySubject(ctx context.Context, subject string) (*domain.Profile, error)

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context, profileID string) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Groups
	CreateGroup(ctx context.Context, group *domain.Group) error
	GetGroup(ctx context.Context, id string) (*domain.Group, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]*domain.Group, error)
	UpdateGroupStatus(ctx context.Context, change StatusChange) error

	// Memberships
	CreateMembership(ctx context.Context, m *domain.Membership) error
	GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error)
	UpdateMembership(ctx context.Context, m *domain.Membership) error
	ListMemberships(ctx context.Context, filter MembershipFilter) ([]*domain.Membership, error)

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Storage
	Commit() error
	Rollback() error
}

// GroupFilter selects groups. Zero fields do not filter.
// Results are ordered by title ascending.
type GroupFilter struct {
	IDs      []string
	Status   domain.GroupStatus
	ChurchID string
	// Query is a case-insensitive substring matched against title or description.
	Query string
	Limit int
}

// MembershipFilter selects memberships. Zero fields do not filter.
// Results are ordered by joined_at ascending.
type MembershipFilter struct {
	GroupIDs []string
	UserID   string
	Status   domain.MembershipStatus
}

// StatusChange is a conditional group status transition: it applies only
// while the stored status still equals From. A row that exists with another
// status yields domain.ErrConflict.
type StatusChange struct {
	GroupID    string
	From       domain.GroupStatus
	To         domain.GroupStatus
	ReviewedBy string
	Reason     string
	At         time.Time
}

package domain

import "time"

// APIKey is a bearer credential bound to one profile.
// The actual key is only returned once on creation.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	ProfileID  string     `json:"profile_id" db:"profile_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`            // Never expose hash
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"` // First chars for identification
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// CreateAPIKeyRequest is the request body for creating an API key.
// ProfileID defaults to the caller; minting for others needs super_admin.
type CreateAPIKeyRequest struct {
	Name      string `json:"name"`
	ProfileID string `json:"profile_id,omitempty"`
}

// CreateAPIKeyResponse is returned when creating an API key.
// The key is only shown once.
type CreateAPIKeyResponse struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profile_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"` // Only returned on creation
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

package domain

import (
	"slices"
	"time"
)

// Profile roles. Group-level roles live on Membership.
const (
	RoleSuperAdmin  = "super_admin"
	RoleChurchAdmin = "church_admin"
	RoleMember      = "member"
)

// Profile is the acting identity as supplied by the identity/profile provider.
type Profile struct {
	ID          string    `json:"id" db:"id"`
	Subject     string    `json:"subject,omitempty" db:"subject"` // OIDC subject
	DisplayName string    `json:"display_name" db:"display_name"`
	Email       string    `json:"email" db:"email"`
	Roles       []string  `json:"roles" db:"-"`
	ChurchIDs   []string  `json:"church_ids" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// HasRole reports whether the profile carries role.
func (p *Profile) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// IsSuperAdmin reports cross-church administrative visibility.
func (p *Profile) IsSuperAdmin() bool {
	return p.HasRole(RoleSuperAdmin)
}

// InChurch reports whether churchID is inside the profile's church scope.
func (p *Profile) InChurch(churchID string) bool {
	return p != nil && churchID != "" && slices.Contains(p.ChurchIDs, churchID)
}

// AdministersAny reports whether the profile is a church admin for at least
// one of churchIDs, or a super admin.
func (p *Profile) AdministersAny(churchIDs []string) bool {
	if p.IsSuperAdmin() {
		return true
	}
	if !p.HasRole(RoleChurchAdmin) {
		return false
	}
	for _, id := range churchIDs {
		if p.InChurch(id) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Roles = slices.Clone(p.Roles)
	c.ChurchIDs = slices.Clone(p.ChurchIDs)
	return &c
}

// CreateProfileRequest is the request body for registering a profile.
type CreateProfileRequest struct {
	Subject     string   `json:"subject,omitempty"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	ChurchIDs   []string `json:"church_ids"`
}

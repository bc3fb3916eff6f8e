package domain

import "time"

// MembershipRole is a user's role inside one group.
type MembershipRole string

const (
	MembershipMember MembershipRole = "member"
	MembershipLeader MembershipRole = "leader"
	MembershipAdmin  MembershipRole = "admin"
)

// Valid reports whether r is a known membership role.
func (r MembershipRole) Valid() bool {
	return r == MembershipMember || r == MembershipLeader || r == MembershipAdmin
}

// Manages reports whether the role can manage other memberships of its group.
func (r MembershipRole) Manages() bool {
	return r == MembershipLeader || r == MembershipAdmin
}

// MembershipStatus is the soft-delete flag of a membership row.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
)

// Membership is the join row between a user and a group.
// There is at most one row per (GroupID, UserID); leaving flips Status to
// inactive and re-joining reactivates the same row.
type Membership struct {
	ID        string           `json:"id" db:"id"`
	GroupID   string           `json:"group_id" db:"group_id"`
	UserID    string           `json:"user_id" db:"user_id"`
	Role      MembershipRole   `json:"role" db:"role"`
	Status    MembershipStatus `json:"status" db:"status"`
	JoinedAt  time.Time        `json:"joined_at" db:"joined_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// Active reports whether the membership currently counts toward the group.
func (m *Membership) Active() bool {
	return m != nil && m.Status == MembershipActive
}

// Clone returns a copy of the membership.
func (m *Membership) Clone() *Membership {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// MembershipLookup is the answer to "is this user a member of this group".
// Membership is set whenever a row exists, active or not.
type MembershipLookup struct {
	IsMember   bool        `json:"is_member"`
	Membership *Membership `json:"membership,omitempty"`
}

// JoinGroupRequest is the request body for joining a group.
// UserID defaults to the caller.
type JoinGroupRequest struct {
	UserID string         `json:"user_id,omitempty"`
	Role   MembershipRole `json:"role,omitempty"`
}

// LeaveGroupRequest is the request body for leaving a group.
type LeaveGroupRequest struct {
	UserID string `json:"user_id,omitempty"`
}

package domain

import (
	"slices"
	"time"
)

// GroupStatus is the review lifecycle state of a group.
type GroupStatus string

const (
	GroupPending  GroupStatus = "pending"
	GroupApproved GroupStatus = "approved"
	GroupDenied   GroupStatus = "denied"
	GroupClosed   GroupStatus = "closed"
)

// Valid reports whether s is a known group status.
func (s GroupStatus) Valid() bool {
	switch s {
	case GroupPending, GroupApproved, GroupDenied, GroupClosed:
		return true
	}
	return false
}

// Terminal reports whether no review transition leaves s.
func (s GroupStatus) Terminal() bool {
	return s == GroupDenied || s == GroupClosed
}

// groupTransitions lists the allowed review transitions.
var groupTransitions = map[GroupStatus][]GroupStatus{
	GroupPending:  {GroupApproved, GroupDenied},
	GroupApproved: {GroupClosed},
}

// CanTransition reports whether a group may move from one status to another.
func CanTransition(from, to GroupStatus) bool {
	return slices.Contains(groupTransitions[from], to)
}

// Group is a church small group (bible study, youth group, ...).
// ChurchIDs is stored in a separate table; MemberCount is derived from
// active memberships on every read and is never persisted.
type Group struct {
	ID           string      `json:"id" db:"id"`
	Title        string      `json:"title" db:"title"`
	Description  string      `json:"description" db:"description"`
	MeetingDay   string      `json:"meeting_day" db:"meeting_day"`
	MeetingTime  string      `json:"meeting_time" db:"meeting_time"` // HH:MM, 24h
	Location     string      `json:"location" db:"location"`
	ChurchIDs    []string    `json:"church_ids" db:"-"`
	Status       GroupStatus `json:"status" db:"status"`
	CreatedBy    string      `json:"created_by" db:"created_by"`
	ReviewedBy   string      `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewReason string      `json:"review_reason,omitempty" db:"review_reason"`
	ReviewedAt   *time.Time  `json:"reviewed_at,omitempty" db:"reviewed_at"`
	MemberCount  int         `json:"member_count" db:"-"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// InChurch reports whether the group is scoped to churchID.
func (g *Group) InChurch(churchID string) bool {
	return slices.Contains(g.ChurchIDs, churchID)
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.ChurchIDs = slices.Clone(g.ChurchIDs)
	if g.ReviewedAt != nil {
		t := *g.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

// CreateGroupRequest is the request body for creating a group.
type CreateGroupRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	MeetingDay  string   `json:"meeting_day,omitempty"`
	MeetingTime string   `json:"meeting_time,omitempty"`
	Location    string   `json:"location,omitempty"`
	ChurchIDs   []string `json:"church_ids"`
}

// ReviewGroupRequest is the request body for approve, decline and close.
type ReviewGroupRequest struct {
	Reason string `json:"reason,omitempty"`
}

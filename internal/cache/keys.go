package cache

import (
	"net/url"
	"strconv"
	"strings"
)

// Key families. Keys in one family share the family prefix so a whole family
// can be invalidated with InvalidatePrefix.
const (
	MembershipPrefix   = "membership/"
	GroupPrefix        = "group/"
	GroupMembersPrefix = "group-members/"
	UserGroupsPrefix   = "user-groups/"
	GroupListsPrefix   = "groups/"

	churchGroupsPrefix = GroupListsPrefix + "church/"
	searchPrefix       = GroupListsPrefix + "search/"
)

// MembershipKey addresses the membership lookup for one (group, user) pair.
func MembershipKey(groupID, userID string) string {
	return MembershipPrefix + groupID + "/" + userID
}

// GroupKey addresses a single group.
func GroupKey(groupID string) string {
	return GroupPrefix + groupID
}

// GroupMembersKey addresses the active members of a group.
func GroupMembersKey(groupID string) string {
	return GroupMembersPrefix + groupID
}

// UserGroupsKey addresses the groups a user is an active member of.
func UserGroupsKey(userID string) string {
	return UserGroupsPrefix + userID
}

// ChurchGroupsKey addresses the approved groups of a church.
func ChurchGroupsKey(churchID string) string {
	return churchGroupsPrefix + churchID
}

// SearchKey addresses a group search. The query is matched
// case-insensitively, so it is normalized before it becomes part of the key.
func SearchKey(query, churchID string, limit int) string {
	q := strings.ToLower(strings.TrimSpace(query))
	return searchPrefix + url.QueryEscape(q) + "/" + url.QueryEscape(churchID) + "/" + strconv.Itoa(limit)
}

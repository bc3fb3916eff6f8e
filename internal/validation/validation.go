// Package validation provides validation functions for group, membership and
// profile input. Each validator returns a plain error describing the first
// problem; the Validate*Request helpers collect every problem into
// ValidationErrors.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bcnelson/fellowship/internal/domain"
)

const (
	MaxTitleLength       = 120
	MaxDescriptionLength = 2000
	MaxLocationLength    = 200
	MaxReasonLength      = 500
)

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

var validMeetingDays = map[string]bool{
	"monday":    true,
	"tuesday":   true,
	"wednesday": true,
	"thursday":  true,
	"friday":    true,
	"saturday":  true,
	"sunday":    true,
}

func maxLength(field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return fmt.Errorf("%s must be at most %d characters", field, limit)
	}
	return nil
}

// ValidateTitle validates a group title.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title must not be empty")
	}
	return maxLength("title", title, MaxTitleLength)
}

// ValidateMeetingDay accepts an empty day or a lowercase weekday name.
func ValidateMeetingDay(day string) error {
	if day == "" || validMeetingDays[day] {
		return nil
	}
	return fmt.Errorf("meeting day must be a lowercase weekday name, got '%s'", day)
}

// ValidateMeetingTime accepts an empty time or HH:MM on a 24 hour clock.
func ValidateMeetingTime(t string) error {
	if t == "" {
		return nil
	}
	if len(t) != 5 || t[2] != ':' || !isNum(t[0]) || !isNum(t[1]) || !isNum(t[3]) || !isNum(t[4]) {
		return fmt.Errorf("meeting time must be HH:MM")
	}
	hour := int(t[0]-'0')*10 + int(t[1]-'0')
	minute := int(t[3]-'0')*10 + int(t[4]-'0')
	if hour > 23 || minute > 59 {
		return fmt.Errorf("meeting time %s is out of range", t)
	}
	return nil
}

// ValidateChurchIDs requires at least one non-blank, unique church id.
func ValidateChurchIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("at least one church id is required")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("church ids must not be blank")
		}
		if seen[id] {
			return fmt.Errorf("church id '%s' is listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// ValidateMembershipRole validates a group-level role.
func ValidateMembershipRole(role domain.MembershipRole) error {
	if !role.Valid() {
		return fmt.Errorf("role must be one of member, leader or admin, got '%s'", role)
	}
	return nil
}

// ValidateProfileRole validates a profile-level role.
func ValidateProfileRole(role string) error {
	switch role {
	case domain.RoleSuperAdmin, domain.RoleChurchAdmin, domain.RoleMember:
		return nil
	}
	return fmt.Errorf("role must be one of super_admin, church_admin or member, got '%s'", role)
}

// ValidateReason validates the optional reason on an admin action.
func ValidateReason(reason string) error {
	return maxLength("reason", reason, MaxReasonLength)
}

// ValidateEmail validates an email address loosely: something@something.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email must not be empty")
	}
	atIndex := strings.Index(email, "@")
	if atIndex < 1 {
		return fmt.Errorf("email must contain '@' after at least one character")
	}
	if atIndex == len(email)-1 {
		return fmt.Errorf("email must have domain after '@'")
	}
	return nil
}

// ValidateCreateGroupRequest collects every problem with a new group.
func ValidateCreateGroupRequest(req *domain.CreateGroupRequest) ValidationErrors {
	var errs ValidationErrors
	if err := ValidateTitle(req.Title); err != nil {
		errs.Add("title", req.Title, err.Error())
	}
	if err := maxLength("description", req.Description, MaxDescriptionLength); err != nil {
		errs.Add("description", "", err.Error())
	}
	if err := maxLength("location", req.Location, MaxLocationLength); err != nil {
		errs.Add("location", req.Location, err.Error())
	}
	if err := ValidateMeetingDay(req.MeetingDay); err != nil {
		errs.Add("meeting_day", req.MeetingDay, err.Error())
	}
	if err := ValidateMeetingTime(req.MeetingTime); err != nil {
		errs.Add("meeting_time", req.MeetingTime, err.Error())
	}
	if err := ValidateChurchIDs(req.ChurchIDs); err != nil {
		errs.Add("church_ids", strings.Join(req.ChurchIDs, ","), err.Error())
	}
	return errs
}

// ValidateCreateProfileRequest collects every problem with a new profile.
func ValidateCreateProfileRequest(req *domain.CreateProfileRequest) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(req.DisplayName) == "" {
		errs.Add("display_name", req.DisplayName, "display name must not be empty")
	}
	if err := ValidateEmail(req.Email); err != nil {
		errs.Add("email", req.Email, err.Error())
	}
	if len(req.Roles) == 0 {
		errs.Add("roles", "", "at least one role is required")
	}
	for _, role := range req.Roles {
		if err := ValidateProfileRole(role); err != nil {
			errs.Add("roles", role, err.Error())
		}
	}
	for _, id := range req.ChurchIDs {
		if strings.TrimSpace(id) == "" {
			errs.Add("church_ids", id, "church ids must not be blank")
			break
		}
	}
	return errs
}

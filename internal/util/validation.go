package util

import (
	"regexp"

	"github.com/google/uuid"
)

var participantIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// IsValidUUID accepts only the canonical lowercase hyphenated form.
func IsValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	u, err := uuid.Parse(s)
	return err == nil && u.String() == s
}

// IsValidParticipantID reports whether s is usable as an opaque participant identifier.
func IsValidParticipantID(s string) bool {
	return participantIDRegex.MatchString(s)
}

package api

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxURILen is the maximum length of a conference or participant URI.
const maxURILen = 512

// maxSubjectLen is the maximum length of a group chat subject.
const maxSubjectLen = 256

// maxParticipants caps the resource list carried in one INVITE.
const maxParticipants = 100

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateURI checks that value is a sip:, sips: or tel: URI without
// whitespace or control characters. tel: is only accepted when allowTel.
func validateURI(field, value string, allowTel bool) string {
	if msg := validateRequiredStringLen(field, value, maxURILen); msg != "" {
		return msg
	}
	if containsControlChars(value) || strings.ContainsAny(value, " \t") {
		return field + " contains invalid characters"
	}

	lower := strings.ToLower(value)
	switch {
	case strings.HasPrefix(lower, "sip:"), strings.HasPrefix(lower, "sips:"):
		rest := value[strings.Index(value, ":")+1:]
		if rest == "" || strings.HasSuffix(rest, "@") {
			return field + " is missing a host"
		}
	case allowTel && strings.HasPrefix(lower, "tel:"):
		if len(value) == len("tel:") {
			return field + " is missing a number"
		}
	default:
		if allowTel {
			return field + " must be a sip, sips or tel uri"
		}
		return field + " must be a sip or sips uri"
	}
	return ""
}

// validateParticipants checks the invited participant list: non-empty,
// bounded, well-formed and free of duplicates.
func validateParticipants(participants []string) string {
	if len(participants) == 0 {
		return "participants is required"
	}
	if len(participants) > maxParticipants {
		return "participants exceeds maximum of " + strconv.Itoa(maxParticipants)
	}
	seen := make(map[string]struct{}, len(participants))
	for i, p := range participants {
		field := "participants[" + strconv.Itoa(i) + "]"
		if msg := validateURI(field, p, true); msg != "" {
			return msg
		}
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			return field + " is a duplicate"
		}
		seen[key] = struct{}{}
	}
	return ""
}

// containsControlChars reports whether s has any character below 0x20,
// CR and LF included.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 0x7f {
			return true
		}
	}
	return false
}

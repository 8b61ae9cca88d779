// Package security provides input validation and log sanitization for
// values that arrive from clients.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Query limits.
	MaxQueryLength = 10000

	// Index ID limits.
	MaxIndexIDLength = 64

	// LogValueMaxLength truncates client-supplied values in log output.
	LogValueMaxLength = 200
)

// ValidationError reports a single invalid field.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Constraint)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Constraint)
}

var indexIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateQuery validates a search query string.
// Requirements: 0-10000 chars, valid UTF-8. Empty queries are allowed and
// match all documents.
func ValidateQuery(query string) error {
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return &ValidationError{
			Field:      "query",
			Value:      utf8.RuneCountInString(query),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxQueryLength),
		}
	}
	if !utf8.ValidString(query) {
		return &ValidationError{
			Field:      "query",
			Constraint: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateIndexID validates an index identifier. Index IDs appear in
// metastore URLs and cache keys, so the character set is restricted.
// Requirements: Required, 1-64 chars, alphanumeric + dot + hyphen +
// underscore, must start with alphanumeric.
func ValidateIndexID(indexID string) error {
	if indexID == "" {
		return &ValidationError{
			Field:      "index",
			Constraint: "required",
		}
	}
	if len(indexID) > MaxIndexIDLength {
		return &ValidationError{
			Field:      "index",
			Value:      len(indexID),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxIndexIDLength),
		}
	}
	if !indexIDRegex.MatchString(indexID) {
		return &ValidationError{
			Field:      "index",
			Value:      indexID,
			Constraint: "must contain only alphanumeric characters, dots, hyphens, and underscores, and start with alphanumeric",
		}
	}
	return nil
}

// SanitizeForLog makes a client-supplied string safe to log: control
// characters are escaped or dropped and long values are truncated.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, LogValueMaxLength)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) || r == ' ' {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}

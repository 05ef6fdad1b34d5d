// Package privacy is the single redaction boundary for identifiers carrying
// PII. Internal representations keep full values; the boundary applies to
// the log pipeline and to externally returned audit and governance rows.
package privacy

import (
	"regexp"
	"strings"
)

// PIIClassification defines the sensitivity level of a field.
type PIIClassification string

const (
	PIINone      PIIClassification = "NONE"
	PIISensitive PIIClassification = "SENSITIVE" // user ids and their aliases
	PIICritical  PIIClassification = "CRITICAL"  // email, phone, SSN, payment, address
)

const (
	fullMask = "[REDACTED]"
	// partialKeep is how many leading characters of a partially redacted
	// identifier survive.
	partialKeep = 8
)

// fullRedact fields are replaced entirely.
var fullRedact = map[string]struct{}{
	"email":       {},
	"phone":       {},
	"ssn":         {},
	"credit_card": {},
	"address":     {},
}

// partialRedact fields keep a short prefix so operators can correlate
// records without seeing the full identifier. user_id plus every alias under
// which it travels.
var partialRedact = map[string]struct{}{
	"user_id":           {},
	"owner_id":          {},
	"viewer_id":         {},
	"scanner_user_id":   {},
	"from_user_id":      {},
	"to_user_id":        {},
	"grantee_user_id":   {},
	"actor_id":          {},
	"approver_id":       {},
	"human_approver_id": {},
	"reviewer_user_id":  {},
	"creator_user_id":   {},
	"current_owner_id":  {},
	"initiated_by":      {},
	"triggered_by":      {},
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Classify reports how sensitive a field name is.
func Classify(field string) PIIClassification {
	key := strings.ToLower(field)
	if _, ok := fullRedact[key]; ok {
		return PIICritical
	}
	if _, ok := partialRedact[key]; ok {
		return PIISensitive
	}
	return PIINone
}

// RedactValue redacts a single value according to its field name.
func RedactValue(field string, value any) any {
	switch Classify(field) {
	case PIICritical:
		return fullMask
	case PIISensitive:
		s, ok := value.(string)
		if !ok {
			return fullMask
		}
		return Partial(s)
	default:
		return value
	}
}

// Partial keeps the first partialKeep characters of an identifier.
func Partial(s string) string {
	if len(s) <= partialKeep {
		return "***"
	}
	return s[:partialKeep] + "***"
}

// RedactMap returns a copy of m with PII fields redacted, descending into
// nested maps. The input map is not modified.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch nested := v.(type) {
		case map[string]any:
			if Classify(k) == PIINone {
				out[k] = RedactMap(nested)
			} else {
				out[k] = fullMask
			}
		default:
			out[k] = RedactValue(k, v)
		}
	}
	return out
}

// ScrubText removes inline email addresses from free text, such as
// governance notes and escalation reasons.
func ScrubText(text string) string {
	return emailRegex.ReplaceAllString(text, "[REDACTED_EMAIL]")
}

// Validate verifies that data carries no critical PII at the top level.
// Returns violations by field name.
func Validate(data map[string]any) (bool, []string) {
	var violations []string
	for key := range data {
		if Classify(key) == PIICritical {
			violations = append(violations, "found restricted key: "+key)
		}
	}
	if len(violations) > 0 {
		return false, violations
	}
	return true, nil
}

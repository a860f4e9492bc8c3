// Package strings holds small string-slice helpers shared by the config
// and request layers.
package strings

import (
	"strings"
)

// DedupeAndTrim trims every element, drops blanks, and removes
// duplicates while preserving first-seen order.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// DedupeAndTrimLower is DedupeAndTrim with case folding, for values
// compared case-insensitively such as registry names.
func DedupeAndTrimLower(values []string) []string {
	if len(values) == 0 {
		return values
	}
	lowered := make([]string, len(values))
	for i, v := range values {
		lowered[i] = strings.ToLower(v)
	}
	return DedupeAndTrim(lowered)
}

package cachekey

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FilterNormalizer renders search filters into a canonical ordered form so
// that logically equivalent filters (same fields, different key order,
// insignificant whitespace or casing) produce identical output.
type FilterNormalizer struct {
	whitespaceRegex *regexp.Regexp
}

// NewFilterNormalizer creates a normalizer with default settings
func NewFilterNormalizer() *FilterNormalizer {
	return &FilterNormalizer{
		whitespaceRegex: regexp.MustCompile(`\s+`),
	}
}

// Canonical renders a filter as a deterministic string. Fields are sorted
// by name; multi-valued fields are sorted by normalized value; nested
// filters are canonicalized recursively.
func (n *FilterNormalizer) Canonical(filter map[string]interface{}) string {
	if len(filter) == 0 {
		return ""
	}

	fields := make([]string, 0, len(filter))
	for name := range filter {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	var b strings.Builder
	for i, name := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(n.NormalizeString(name))
		b.WriteByte('=')
		b.WriteString(n.canonicalValue(filter[name]))
	}
	return b.String()
}

// NormalizeString lowercases a value and collapses insignificant whitespace
func (n *FilterNormalizer) NormalizeString(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return n.whitespaceRegex.ReplaceAllString(s, " ")
}

func (n *FilterNormalizer) canonicalValue(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return n.NormalizeString(value)
	case bool:
		return strconv.FormatBool(value)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		// JSON decoding yields float64 for all numbers; render integral
		// values without a fraction so 5 and 5.0 match
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'g', -1, 64)
	case []interface{}:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			parts = append(parts, n.canonicalValue(item))
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	case []string:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			parts = append(parts, n.NormalizeString(item))
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	case map[string]interface{}:
		return "(" + n.Canonical(value) + ")"
	default:
		return n.NormalizeString(fmt.Sprintf("%v", value))
	}
}

package metrics

import "strings"

// normalizeLabel keeps label values bounded: blanks become "unknown" and
// case is folded so callers cannot split one series in two.
func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}

package utils

import "strings"

// NormalizePlate uppercases a plate reading and strips all whitespace.
// Lookup and storage keys always use the normalized form.
func NormalizePlate(plate string) string {
	normalized := strings.ToUpper(strings.TrimSpace(plate))
	return strings.ReplaceAll(normalized, " ", "")
}

// Package util provides shared helpers used across the codebase.
package util

import "strings"

// SplitCSV splits a comma-separated key list into a slice, trimming
// whitespace and dropping empty entries. Returns nil for an empty
// string.
func SplitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			keys = append(keys, part)
		}
	}
	return keys
}

// SplitLocationKeys splits a location key list. The literal token
// "None" selects pipes with no location, so it maps to the empty
// string the registry stores for a null location.
func SplitLocationKeys(s string) []string {
	keys := SplitCSV(s)
	for i, k := range keys {
		if k == "None" {
			keys[i] = ""
		}
	}
	return keys
}

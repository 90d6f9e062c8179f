package util

import (
	"reflect"
	"testing"
)

func TestSplitCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single key",
			input:    "sql:main",
			expected: []string{"sql:main"},
		},
		{
			name:     "multiple keys",
			input:    "csv,plugin:noaa,api:remote",
			expected: []string{"csv", "plugin:noaa", "api:remote"},
		},
		{
			name:     "with whitespace",
			input:    " csv , plugin:noaa ",
			expected: []string{"csv", "plugin:noaa"},
		},
		{
			name:     "trailing comma",
			input:    "csv,energy,",
			expected: []string{"csv", "energy"},
		},
		{
			name:     "multiple commas",
			input:    "csv,,energy",
			expected: []string{"csv", "energy"},
		},
		{
			name:     "only commas",
			input:    ",,,",
			expected: nil,
		},
		{
			name:     "negated key survives",
			input:    "_sql:noisy,csv",
			expected: []string{"_sql:noisy", "csv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SplitCSV(tt.input)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("SplitCSV(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSplitLocationKeys(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "plain locations",
			input:    "atlanta,boston",
			expected: []string{"atlanta", "boston"},
		},
		{
			name:     "None selects the null location",
			input:    "None",
			expected: []string{""},
		},
		{
			name:     "mixed",
			input:    "atlanta,None",
			expected: []string{"atlanta", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SplitLocationKeys(tt.input)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("SplitLocationKeys(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

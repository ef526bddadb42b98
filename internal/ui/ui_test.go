package ui

import (
	"strings"
	"testing"
)

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent       float64
		indeterminate bool
		contains      string
	}{
		{0, false, "0.0%"},
		{45, false, "45.0%"},
		{100, false, "100.0%"},
		{150, false, "100.0%"},
		{-5, false, "0.0%"},
		{0, true, "?"},
	}
	for _, tt := range tests {
		got := ProgressBar(tt.percent, tt.indeterminate, 20)
		if !strings.Contains(got, tt.contains) {
			t.Errorf("ProgressBar(%g, %v) = %q, expected %q", tt.percent, tt.indeterminate, got, tt.contains)
		}
	}

	full := ProgressBar(100, false, 10)
	if strings.Contains(full, ">") {
		t.Errorf("full bar should have no arrow head: %q", full)
	}
	if !strings.Contains(full, strings.Repeat("=", 10)) {
		t.Errorf("full bar should be solid: %q", full)
	}
}

func TestProgressBarDefaultWidth(t *testing.T) {
	got := ProgressBar(50, false, 0)
	if len(got) < 20 {
		t.Errorf("expected default width applied, got %q", got)
	}
}

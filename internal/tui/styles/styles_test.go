package styles

import "testing"

func TestStatusColor(t *testing.T) {
	tests := []struct {
		status   string
		expected string
	}{
		{"running", "#10B981"},
		{"paused", "#60A5FA"},
		{"error", "#F87171"},
		{"idle", "#9CA3AF"},
		{"unknown", "#9CA3AF"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := StatusColor(tt.status); string(got) != tt.expected {
				t.Errorf("StatusColor(%q) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestPhaseColor(t *testing.T) {
	tests := []struct {
		phase    string
		expected string
	}{
		{"working", "#10B981"},
		{"fixing", "#F59E0B"},
		{"human_review", "#F472B6"},
		{"blocked", "#F87171"},
		{"", "#9CA3AF"},
	}

	for _, tt := range tests {
		t.Run(tt.phase, func(t *testing.T) {
			if got := PhaseColor(tt.phase); string(got) != tt.expected {
				t.Errorf("PhaseColor(%q) = %q, want %q", tt.phase, got, tt.expected)
			}
		})
	}
}

func TestSeverityIcon(t *testing.T) {
	tests := []struct {
		severity string
		expected string
	}{
		{"success", "✓"},
		{"warning", "!"},
		{"error", "✗"},
		{"agent", "›"},
		{"info", "•"},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			if got := SeverityIcon(tt.severity); got != tt.expected {
				t.Errorf("SeverityIcon(%q) = %q, want %q", tt.severity, got, tt.expected)
			}
		})
	}
}

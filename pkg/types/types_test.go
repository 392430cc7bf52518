package types

import "testing"

func TestDirectionOpposite(t *testing.T) {
	t.Parallel()

	if got := DirUp.Opposite(); got != DirDown {
		t.Errorf("DirUp.Opposite() = %q, want %q", got, DirDown)
	}
	if got := DirDown.Opposite(); got != DirUp {
		t.Errorf("DirDown.Opposite() = %q, want %q", got, DirUp)
	}
}

func TestParseOrderEventType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want OrderEventType
	}{
		{"PLACEMENT", OrderPlacement},
		{"CANCELLATION", OrderCancellation},
		{"UPDATE", OrderUpdate},
		{"TRADE_CHANGE", OrderUpdate}, // unknown falls back to UPDATE
		{"", OrderUpdate},
	}

	for _, tt := range tests {
		if got := ParseOrderEventType(tt.in); got != tt.want {
			t.Errorf("ParseOrderEventType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

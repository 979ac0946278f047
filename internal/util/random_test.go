package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{name: "message sid format", prefix: "SM", hexLength: 32, wantLength: 34},
		{name: "custom prefix", prefix: "test_", hexLength: 16, wantLength: 21},
		{name: "zero length", prefix: "x", hexLength: 0, wantLength: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, id)
			}
			if len(id) != tt.wantLength {
				t.Errorf("expected length %d, got %d", tt.wantLength, len(id))
			}
			if !isValidHex(strings.TrimPrefix(id, tt.prefix)) {
				t.Errorf("expected hex suffix, got %q", id)
			}
		})
	}
}

func TestGenerateMessageSID(t *testing.T) {
	sid := GenerateMessageSID()
	if !strings.HasPrefix(sid, "SM") || len(sid) != 34 {
		t.Errorf("unexpected sid %q", sid)
	}
}

func TestRandomHexUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		h := GenerateRandomHex(32)
		if seen[h] {
			t.Fatalf("duplicate hex generated: %s", h)
		}
		seen[h] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Package uuid provides unit tests for idempotency key generation.
package uuid

import (
	"testing"
)

// TestNewKey verifies generated keys are valid and unique.
func TestNewKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key := NewKey()
		if !IsValidKey(key) {
			t.Fatalf("NewKey() produced invalid key %q", key)
		}
		if seen[key] {
			t.Fatalf("Duplicate key generated: %s", key)
		}
		seen[key] = true
	}
}

// TestParseKey verifies key validation rules.
func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid v4 lowercase", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"valid v4 uppercase", "F47AC10B-58CC-4372-A567-0E02B2C3D479", false},
		{"empty", "", true},
		{"missing dashes", "f47ac10b58cc4372a5670e02b2c3d479", true},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"v1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", true},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", true},
		{"bad characters", "g47ac10b-58cc-4372-a567-0e02b2c3d479", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

// TestEnsureKey verifies valid keys are kept and invalid ones replaced.
func TestEnsureKey(t *testing.T) {
	const valid = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	if got := EnsureKey(valid); got != valid {
		t.Errorf("EnsureKey(valid) = %q, want unchanged", got)
	}
	if got := EnsureKey(""); !IsValidKey(got) {
		t.Errorf("EnsureKey(\"\") = %q, want a fresh valid key", got)
	}
}

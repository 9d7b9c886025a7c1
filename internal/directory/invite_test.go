package directory

import (
	"errors"
	"testing"

	"github.com/nestguard/nestguard/internal/shared"
)

func TestGenerateInviteCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code := GenerateInviteCode()
		if err := ValidateInviteCode(code); err != nil {
			t.Fatalf("generated code %q invalid: %v", code, err)
		}
		seen[code] = true
	}
	// Loose sanity check on randomness; 200 draws from 1e6 colliding down to
	// a handful of distinct values would mean a broken generator.
	if len(seen) < 150 {
		t.Fatalf("suspiciously many duplicates: %d distinct of 200", len(seen))
	}
}

func TestValidateInviteCode(t *testing.T) {
	if err := ValidateInviteCode("482193"); err != nil {
		t.Fatalf("valid code rejected: %v", err)
	}
	for _, code := range []string{"", "12345", "1234567", "12a456", "12 456"} {
		if err := ValidateInviteCode(code); !errors.Is(err, shared.ErrInvalid) {
			t.Fatalf("code %q: expected invalid, got %v", code, err)
		}
	}
}

func TestNormalizeInviteCode(t *testing.T) {
	if got := NormalizeInviteCode("  482193\n"); got != "482193" {
		t.Fatalf("normalize: got %q", got)
	}
}

package directory

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/nestguard/nestguard/internal/shared"
)

// InviteCodeLength is the fixed length of household invite codes.
// Codes are short so a human can read one off a phone screen and type it
// on another device.
const InviteCodeLength = 6

// GenerateInviteCode returns a random 6-digit numeric code. Uniqueness is
// enforced by the database; callers retry on collision.
func GenerateInviteCode() string {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		// crypto/rand failing means the platform RNG is broken; nothing
		// sensible to return.
		panic(fmt.Sprintf("directory: generate invite code: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// NormalizeInviteCode trims surrounding whitespace from user input.
func NormalizeInviteCode(code string) string {
	return strings.TrimSpace(code)
}

// ValidateInviteCode checks the shape of a candidate code without touching
// the directory. Returns shared.ErrInvalid for malformed input.
func ValidateInviteCode(code string) error {
	if len(code) != InviteCodeLength {
		return fmt.Errorf("%w: invite code must be %d digits", shared.ErrInvalid, InviteCodeLength)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: invite code must be numeric", shared.ErrInvalid)
		}
	}
	return nil
}

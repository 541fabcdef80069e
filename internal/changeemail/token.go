package changeemail

import (
	"time"

	"github.com/google/uuid"
)

// TokenIssuer hands out single-use link tokens. UUIDv4 gives a crypto-random,
// URL-safe value whose format can be checked without touching the store.
type TokenIssuer struct{}

func (TokenIssuer) Issue(ttl time.Duration) (string, time.Time) {
	return uuid.NewString(), time.Now().Add(ttl)
}

// IsWellFormed reports whether token could have been issued here. Malformed
// input short-circuits before any store lookup.
func (TokenIssuer) IsWellFormed(token string) bool {
	_, err := uuid.Parse(token)
	return err == nil
}

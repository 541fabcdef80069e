package crypto

import (
	cryptorand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/exp/rand"
)

const (
	// DefaultIterations is used when a user record carries no iteration count.
	DefaultIterations = 10000

	subkeyLength = 256 / 8
	saltSize     = 128 / 8
)

func init() {
	rand.Seed(uint64(time.Now().UnixNano()))
}

// NewSalt returns a fresh random salt, base64 encoded for storage.
func NewSalt() (string, error) {
	salt := make([]byte, saltSize)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DerivePassword derives the stored subkey from a password and its salt.
func DerivePassword(password, salt string, iterations int) string {
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		// Legacy records store the salt as plain text.
		rawSalt = []byte(salt)
	}

	subkey := pbkdf2.Key([]byte(password), rawSalt, iterations, subkeyLength, sha256.New)
	return base64.StdEncoding.EncodeToString(subkey)
}

// VerifyPassword re-derives the subkey and compares it in constant time.
func VerifyPassword(password, salt string, iterations int, hash string) bool {
	derived := DerivePassword(password, salt, iterations)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(hash)) == 1
}

func GenerateRandomString(limit int) string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, limit)
	for i := range result {
		result[i] = chars[rand.Intn(len(chars))]
	}

	return string(result)
}

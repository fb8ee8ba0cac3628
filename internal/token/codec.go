package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"account-recovery-service/internal/util"

	"go.uber.org/zap"
)

const tokenBytes = 32

// Codec generates and compares opaque single-use capability tokens.
// Tokens carry no embedded semantics; ownership lives on the request
// record that stores them.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// Generate returns a fresh opaque token: 32 bytes of CSPRNG output,
// URL-safe base64 without padding. Collision probability is negligible
// for the lifetime of the system.
func (c *Codec) Generate() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read failing means the platform CSPRNG is broken;
		// issuing a predictable token would be worse than crashing.
		util.Fatal("Failed to read random bytes for token", zap.Error(err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Matches compares a presented token against a stored one in constant
// time. An absent stored token never matches anything.
func (c *Codec) Matches(candidate, stored string) bool {
	if stored == "" || candidate == "" {
		return false
	}
	if len(candidate) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) == 1
}

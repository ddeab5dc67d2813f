package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// KeyAuthorizer accepts a fixed set of API keys.
type KeyAuthorizer struct {
	digests [][sha256.Size]byte
}

// NewKeyAuthorizer ignores blank keys.
func NewKeyAuthorizer(keys []string) *KeyAuthorizer {
	a := &KeyAuthorizer{}

	for _, key := range keys {
		if strings.TrimSpace(key) != "" {
			a.digests = append(a.digests, sha256.Sum256([]byte(key)))
		}
	}

	return a
}

// Authorize implements core.Authorizer. Keys are compared as digests in
// constant time.
func (a *KeyAuthorizer) Authorize(apiKey string) bool {
	if apiKey == "" {
		return false
	}

	digest := sha256.Sum256([]byte(apiKey))
	match := 0

	for i := range a.digests {
		match |= subtle.ConstantTimeCompare(digest[:], a.digests[i][:])
	}

	return match == 1
}

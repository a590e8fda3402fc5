package loopdetect

import (
	"crypto/md5" // #nosec G501 -- identity key, not a security boundary
	"encoding/hex"
	"strings"
	"time"
)

// fingerprintLength is the number of hex characters kept from the digest.
const fingerprintLength = 8

// Signature is the identity of one operation instance.
// Two signatures with the same operation and the same normalized query
// share a Key regardless of case or surrounding whitespace.
type Signature struct {
	Operation   string
	Fingerprint string
	ObservedAt  time.Time
}

// NewSignature builds the signature of an (operation, query) pair observed now.
func NewSignature(operation, query string) Signature {
	return newSignatureAt(operation, query, time.Now())
}

func newSignatureAt(operation, query string, at time.Time) Signature {
	return Signature{
		Operation:   operation,
		Fingerprint: Fingerprint(query),
		ObservedAt:  at,
	}
}

// Key returns the composite "operation:fingerprint" key used for counting
// and registry lookups.
func (s Signature) Key() string {
	return s.Operation + ":" + s.Fingerprint
}

// NormalizeQuery lower-cases query and trims surrounding whitespace.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Fingerprint returns the fixed-width hex digest of the normalized query.
func Fingerprint(query string) string {
	sum := md5.Sum([]byte(NormalizeQuery(query))) // #nosec G401
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// operationOf returns the operation prefix of a composite key.
func operationOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

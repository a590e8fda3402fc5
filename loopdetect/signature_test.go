package loopdetect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintNormalizesQuery(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"identical", "find cats", "find cats", true},
		{"case insensitive", "Find Cats", "find cats", true},
		{"surrounding whitespace", "  find cats\n", "find cats", true},
		{"inner whitespace matters", "find  cats", "find cats", false},
		{"different queries", "find cats", "find dogs", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, Fingerprint(tt.a) == Fingerprint(tt.b))
		})
	}
}

func TestFingerprintLength(t *testing.T) {
	assert.Len(t, Fingerprint(""), fingerprintLength)
	assert.Len(t, Fingerprint("a much longer query about memory systems"), fingerprintLength)
}

func TestSignatureKey(t *testing.T) {
	search := NewSignature("search", "Recursion")
	store := NewSignature("store", "recursion ")

	assert.Equal(t, "search:"+Fingerprint("recursion"), search.Key())
	assert.Equal(t, search.Fingerprint, store.Fingerprint)
	assert.NotEqual(t, search.Key(), store.Key(), "operation is part of the key")
	assert.False(t, search.ObservedAt.IsZero())
}

func TestOperationOf(t *testing.T) {
	assert.Equal(t, "search", operationOf("search:abcd1234"))
	assert.Equal(t, "bare", operationOf("bare"))
}

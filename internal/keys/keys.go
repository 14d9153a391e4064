// Package keys generates and encodes the 32-byte keys that identify room logs
// and blob cores, and derives the discovery keys peers rendezvous on.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the byte length of every room and blob core key.
const Size = 32

const discoveryNamespace = "ministudio/discovery"

// ErrInvalidKey indicates that a key has the wrong length or encoding.
var ErrInvalidKey = errors.New("keys: invalid key")

// Generate returns a new random key.
func Generate() ([]byte, error) {
	key := make([]byte, Size)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encode renders a key in its canonical lowercase hex form.
func Encode(key []byte) string {
	return hex.EncodeToString(key)
}

// Decode parses a hex key and validates its length.
func Decode(value string) ([]byte, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != Size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, Size, len(key))
	}
	return key, nil
}

// Normalize re-encodes a hex key so equal keys always compare equal as strings.
func Normalize(value string) (string, error) {
	key, err := Decode(value)
	if err != nil {
		return "", err
	}
	return Encode(key), nil
}

// DiscoveryKey derives the public rendezvous identifier for a key. It reveals
// nothing about the key itself and does not depend on any stored content.
func DiscoveryKey(key []byte) []byte {
	hasher, err := blake2b.New256(key)
	if err != nil {
		// blake2b only rejects keys longer than 64 bytes.
		panic(err)
	}
	hasher.Write([]byte(discoveryNamespace))
	return hasher.Sum(nil)
}

// Derive returns a purpose-bound secret for a key, used to sign invites.
func Derive(key []byte, purpose string) []byte {
	sum := blake2b.Sum256(append(append([]byte(purpose), 0), key...))
	return sum[:]
}

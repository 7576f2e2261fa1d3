package ingest

import (
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// KeyRing verifies integration keys against a stored allow-list of
// bcrypt hashes. Plaintext keys are never stored.
type KeyRing struct {
	hashes [][]byte
}

// NewKeyRing creates a key ring from bcrypt hashes.
func NewKeyRing(hashes []string) *KeyRing {
	ring := &KeyRing{hashes: make([][]byte, 0, len(hashes))}
	for _, h := range hashes {
		ring.hashes = append(ring.hashes, []byte(h))
	}
	return ring
}

// Empty reports whether the ring holds no keys. An empty ring rejects
// every key.
func (k *KeyRing) Empty() bool {
	return len(k.hashes) == 0
}

// Verify checks a presented key against every stored hash. The full
// list is always walked so timing does not reveal which entry matched.
func (k *KeyRing) Verify(key string) bool {
	matched := 0
	for _, hash := range k.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			matched++
		}
	}
	return matched > 0
}

// HashKey produces a bcrypt hash suitable for the stored allow-list.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// equalKeys compares two plaintext API keys in constant time.
func equalKeys(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

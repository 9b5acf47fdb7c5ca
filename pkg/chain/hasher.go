package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Hasher names the hash function used to link events.
type Hasher string

const (
	SHA256  Hasher = "sha256"
	BLAKE2b Hasher = "blake2b"
)

// ParseHasher accepts "sha256" or "blake2b".
func ParseHasher(s string) (Hasher, error) {
	switch Hasher(s) {
	case SHA256, BLAKE2b:
		return Hasher(s), nil
	case "":
		return SHA256, nil
	default:
		return "", fmt.Errorf("chain: unknown hasher %q", s)
	}
}

func (h Hasher) new() hash.Hash {
	if h == BLAKE2b {
		d, _ := blake2b.New256(nil) // only fails for oversized keys
		return d
	}
	return sha256.New()
}

// link computes H(prev ‖ serialize(e)). e.Hash and e.PrevHash are ignored.
func (h Hasher) link(prev string, e Event) (string, error) {
	body, err := serialize(e)
	if err != nil {
		return "", err
	}
	d := h.new()
	d.Write([]byte(prev))
	d.Write(body)
	name := string(h)
	if name == "" {
		name = string(SHA256)
	}
	return name + ":" + hex.EncodeToString(d.Sum(nil)), nil
}

package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Shard maps a key to one of n destinations.
//
// The key is NFC-normalised and trimmed before hashing so that titles which
// differ only in Unicode composition land on the same destination. The index
// is the sha256 digest's trailing 8 bytes (big-endian) reduced modulo n.
//
// Panics if n <= 0.
func Shard(key string, n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("shard: destination count must be positive, got %d", n))
	}
	sum := sha256.Sum256([]byte(NormalizeKey(key)))
	low := binary.BigEndian.Uint64(sum[len(sum)-8:])
	return int(low % uint64(n))
}

// NormalizeKey returns the canonical form of a routing key.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

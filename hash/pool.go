package hash

import (
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"
)

// Size is the size of digests produced by Sum and the hasher pool.
const Size = 32

// Pool is a global blake3 hasher pool. It is meant to amortize allocations
// of blake3 hashers over time by allowing clients to reuse them.
var pool = &sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

// GetHasher will get a blake3 hasher from the pool.
// It may or may not allocate a new one. Consumers are expected
// to call Reset() on the hasher before putting it back in
// the pool.
func GetHasher() *blake3.Hasher {
	return pool.Get().(*blake3.Hasher)
}

// PutHasher returns the hasher back to the pool.
// Consumers are expected to call Reset() on the
// instance before putting it back in the pool.
func PutHasher(hasher *blake3.Hasher) {
	pool.Put(hasher)
}

// SumStrings returns the hex-encoded digest of the length-prefixed strings.
// Length prefixes keep ["ab", "c"] and ["a", "bc"] apart.
func SumStrings(items ...string) string {
	h := GetHasher()
	defer func() {
		h.Reset()
		PutHasher(h)
	}()
	var l [4]byte
	for _, s := range items {
		n := len(s)
		l[0], l[1], l[2], l[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		h.Write(l[:])
		h.WriteString(s)
	}
	var sum [Size]byte
	h.Sum(sum[:0])
	return hex.EncodeToString(sum[:])
}

// Sum returns the blake3 digest of the concatenated chunks.
func Sum(chunks ...[]byte) (out [Size]byte) {
	h := GetHasher()
	defer func() {
		h.Reset()
		PutHasher(h)
	}()
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	h.Sum(out[:0])
	return out
}

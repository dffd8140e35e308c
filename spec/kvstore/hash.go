package kvstore

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

// HashFn reduces an encoded key to a row identifier.
type HashFn func([]byte) int64

// Hash is the default HashFn. It is lossy: two distinct keys with the same
// 64-bit xxh3 digest share an identifier and will overwrite one another.
func Hash(b []byte) int64 {
	return int64(xxh3.Hash(b))
}

// HashBlake3 takes the leading 8 bytes of the BLAKE3 digest. It is slower
// than Hash and just as lossy; stores written with one HashFn cannot be read
// with the other.
func HashBlake3(b []byte) int64 {
	sum := blake3.Sum256(b)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// HashByName returns the HashFn registered under name. An empty name is xxh3.
func HashByName(name string) (HashFn, error) {
	switch name {
	case "", "xxh3":
		return Hash, nil
	case "blake3":
		return HashBlake3, nil
	default:
		return nil, fmt.Errorf("unknown hash function: %s", name)
	}
}

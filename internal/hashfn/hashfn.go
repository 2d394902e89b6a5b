package hashfn

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Kind selects one of the supported 64-bit hash functions.
type Kind int

const (
	// SHA256 uses the first 8 bytes of the SHA-256 digest, big-endian.
	SHA256 Kind = iota
	// FNV1a uses 64-bit FNV-1a.
	FNV1a
	// Murmur3 uses the 64-bit half of MurmurHash3 x64_128.
	Murmur3
	// XXHash uses XXH64 with a zero seed.
	XXHash
)

// Default is the hash function used when none is configured.
const Default = Murmur3

// String returns the configuration name of the hash function.
func (k Kind) String() string {
	switch k {
	case SHA256:
		return "sha256"
	case FNV1a:
		return "fnv1a"
	case Murmur3:
		return "murmur3"
	case XXHash:
		return "xxhash"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Valid reports whether k names a supported hash function.
func (k Kind) Valid() bool {
	return k >= SHA256 && k <= XXHash
}

// Parse parses a hash function name as it appears in configuration.
func Parse(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha256", "sha-256":
		return SHA256, nil
	case "fnv1a", "fnv-1a", "fnv":
		return FNV1a, nil
	case "murmur3", "murmur":
		return Murmur3, nil
	case "xxhash", "xxh64":
		return XXHash, nil
	default:
		return 0, fmt.Errorf("unknown hash function %q (expected sha256, fnv1a, murmur3 or xxhash)", name)
	}
}

// Sum64 hashes data with the selected function.
// It panics on an invalid Kind; use Parse or Valid to validate input.
func (k Kind) Sum64(data []byte) uint64 {
	switch k {
	case SHA256:
		sum := sha256.Sum256(data)
		return binary.BigEndian.Uint64(sum[:8])
	case FNV1a:
		h := fnv.New64a()
		h.Write(data)
		return h.Sum64()
	case Murmur3:
		return murmur3.Sum64(data)
	case XXHash:
		return xxhash.Sum64(data)
	default:
		panic(fmt.Sprintf("hashfn: invalid kind %d", int(k)))
	}
}

// Sum64String hashes s with the selected function.
func (k Kind) Sum64String(s string) uint64 {
	if k == XXHash {
		return xxhash.Sum64String(s)
	}
	return k.Sum64([]byte(s))
}

// All returns every supported hash function.
func All() []Kind {
	return []Kind{SHA256, FNV1a, Murmur3, XXHash}
}

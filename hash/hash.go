/*
	Package hash provides the opaque content-address type used everywhere
	in this module: files, strings, and whole operations are all folded
	down to a Hash, and a Hash's textual form doubles as a cache key.

	The default algorithm is a 64-bit non-cryptographic hash (xxhash), per
	the CORE's contract: cache keys only need to be stable and cheap, not
	resistant to a malicious adversary crafting collisions offline.
*/
package hash

import (
	"encoding/hex"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Hash is a fixed-width, opaque digest. The nil Hash (len(h) == 0) is the
// distinguished sentinel value used before an operation has been hashed.
type Hash []byte

// IsNil reports whether h is the sentinel "not yet computed" value.
func (h Hash) IsNil() bool { return len(h) == 0 }

// Equal reports whether two hashes hold the same bytes. Two nil hashes are
// equal to each other.
func (h Hash) Equal(o Hash) bool {
	if len(h) != len(o) {
		return false
	}
	for i := range h {
		if h[i] != o[i] {
			return false
		}
	}
	return true
}

// String renders the hash as a short, printable ASCII identifier suitable
// for use as a cache key or directory name.
func (h Hash) String() string {
	if h.IsNil() {
		return ""
	}
	return hex.EncodeToString(h)
}

// Algorithm is a pluggable digest function. New must return a fresh,
// zeroed xxhashState each call.
type Algorithm interface {
	New() xxhashState
	Name() string
}

// xxhashState is the minimal surface this package needs from a streaming
// hash implementation; it's satisfied by *xxhash.Digest.
type xxhashState interface {
	io.Writer
	Sum64() uint64
	Reset()
}

type xxhashAlgorithm struct{}

func (xxhashAlgorithm) New() xxhashState { return xxhash.New() }
func (xxhashAlgorithm) Name() string     { return "xxhash64" }

// Default is the CORE's default hash algorithm.
var Default Algorithm = xxhashAlgorithm{}

func sumToHash(sum uint64) Hash {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * uint(i)))
	}
	return Hash(b)
}

// Bytes hashes a single byte slice.
func Bytes(algo Algorithm, b []byte) Hash {
	h := algo.New()
	h.Write(b)
	return sumToHash(h.Sum64())
}

// String hashes a single string, without an allocation for the bytes copy
// beyond what Write requires.
func String(algo Algorithm, s string) Hash {
	h := algo.New()
	io.WriteString(h, s)
	return sumToHash(h.Sum64())
}

// File hashes the content of the file at path. It returns an error
// (unwrapped os error) if the file cannot be opened or read; callers in
// this module turn that into an op.MissingReads failure.
func File(algo Algorithm, path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := algo.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return sumToHash(h.Sum64()), nil
}

// Combine folds together a set of already-computed digests (or arbitrary
// byte tags) into one Hash, independent of the order the parts are given
// in. This is what lets an operation's hash be independent of the
// enumeration order of its reads, writes, env vars, and success_exits
// (spec §8): callers pass one part per member and Combine sorts the
// encoded parts before hashing.
func Combine(algo Algorithm, parts ...[]byte) Hash {
	sorted := make([][]byte, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i]) < string(sorted[j])
	})
	h := algo.New()
	for _, p := range sorted {
		// length-prefix each part so that {"ab","c"} and {"a","bc"} never collide.
		var lenBuf [8]byte
		l := uint64(len(p))
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(l >> (8 * uint(i)))
		}
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return sumToHash(h.Sum64())
}

// Tagged is a small convenience for building a Combine part out of a
// human-readable tag plus a value, so two Combine calls with the same
// bytes in different logical fields ("stamp" vs "cwd") don't collide.
func Tagged(tag string, value []byte) []byte {
	out := make([]byte, 0, len(tag)+1+len(value))
	out = append(out, tag...)
	out = append(out, ':')
	out = append(out, value...)
	return out
}

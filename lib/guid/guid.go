/*
	Package guid generates short, roughly chronologically-sortable
	identifier strings. This module uses them for staging directory
	names in the file cache and the executor's trash directory --
	places where a value needs to be unique-enough without the
	ceremony of an rfc4122 uuid.

	The generator is not a message-bearing encoding: don't try to parse
	meaning back out of an id beyond rough recency.
*/
package guid

import (
	realrand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"
)

// base32 alphabet, ascii-ordered, with visually ambiguous characters
// (l, u, and friends) removed.
var pushChars = [32]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'k', 'm', 'n', 'o', 'p', 'q', 'r', 's', 't', 'v', 'w', 'x', 'y', 'z'}

const radix = 32
const randLen = 16

// timexxxx-randpt1x-randpt2x
const size = 8 + 1 + 8 + 1 + 8

var (
	lastPushTimeMs int64
	lastRandChars  [randLen]byte
	mu             sync.Mutex
	rnd            *rand.Rand
)

func init() {
	var seed int64
	binary.Read(realrand.Reader, binary.LittleEndian, &seed)
	rnd = rand.New(rand.NewSource(seed))
	for i := 0; i < randLen; i++ {
		lastRandChars[i] = byte(rnd.Intn(radix))
	}
}

// New returns a fresh identifier. Multiple calls within the same
// millisecond still sort after one another, by incrementing the random
// tail rather than repeating it.
func New() string {
	var id [size]byte
	id[17] = '-'
	id[8] = '-'

	mu.Lock()
	timeMs := time.Now().UTC().UnixNano() / 1e6
	if timeMs == lastPushTimeMs {
		for i := 0; i < randLen; i++ {
			lastRandChars[i]++
			if lastRandChars[i] < radix {
				break
			}
			lastRandChars[i] = 0
		}
	} else {
		lastPushTimeMs = timeMs
		for i := 0; i < randLen; i++ {
			lastRandChars[i] = byte(rnd.Intn(radix))
		}
	}
	for i := 0; i < 8; i++ {
		id[size-i-1] = pushChars[lastRandChars[i]]
	}
	for i := 8; i < 16; i++ {
		id[size-i-2] = pushChars[lastRandChars[i]]
	}
	mu.Unlock()

	for i := 7; i >= 0; i-- {
		n := int(timeMs % radix)
		id[i] = pushChars[n]
		timeMs = timeMs / radix
	}

	return string(id[:])
}

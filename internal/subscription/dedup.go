package subscription

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/twmb/murmur3"
)

// Dedup tracks (message id, event type, version) keys already seen by an
// at-least-once consumer. It is a rotating pair of bloom filters: once
// the active filter has absorbed maxKeys entries it becomes the previous
// filter and a fresh one takes over, so memory stays bounded while keys
// remain detectable for at least one full generation.
//
// False positives drop a duplicate-looking event; the snapshot+resync
// path recovers anything dropped wrongly. False negatives do not occur
// within the retention window.
type Dedup struct {
	mu      sync.Mutex
	bits    uint
	hashes  uint
	maxKeys uint
	count   uint
	active  *bitset.BitSet
	prev    *bitset.BitSet
}

// NewDedup sizes the filters for the expected number of in-flight keys.
func NewDedup(expectedKeys uint) *Dedup {
	if expectedKeys == 0 {
		expectedKeys = 4096
	}
	// ~10 bits per key with 4 hash functions keeps the false-positive
	// rate near 1%.
	bits := expectedKeys * 10
	return &Dedup{
		bits:    bits,
		hashes:  4,
		maxKeys: expectedKeys,
		active:  bitset.New(bits),
	}
}

// Seen records the key and reports whether it was already present.
func (d *Dedup) Seen(key string) bool {
	h1, h2 := murmur3.StringSum128(key)

	d.mu.Lock()
	defer d.mu.Unlock()

	present := d.test(d.active, h1, h2)
	if !present && d.prev != nil {
		present = d.test(d.prev, h1, h2)
	}
	if present {
		return true
	}

	d.set(d.active, h1, h2)
	d.count++
	if d.count >= d.maxKeys {
		d.prev = d.active
		d.active = bitset.New(d.bits)
		d.count = 0
	}
	return false
}

func (d *Dedup) test(b *bitset.BitSet, h1, h2 uint64) bool {
	for i := uint(0); i < d.hashes; i++ {
		idx := uint(h1+uint64(i)*h2) % d.bits
		if !b.Test(idx) {
			return false
		}
	}
	return true
}

func (d *Dedup) set(b *bitset.BitSet, h1, h2 uint64) {
	for i := uint(0); i < d.hashes; i++ {
		idx := uint(h1+uint64(i)*h2) % d.bits
		b.Set(idx)
	}
}

// Package digestmap implements the repository's string-keyed map: a
// chained hash table over byte-string keys, used to provide expected O(1)
// lookup from repository-relative path to tree node in the metadata model.
// It deliberately avoids Go's built-in map type
// so that the hashing can be explicitly randomized per process with
// entropy drawn from internal/random rather than relying on the runtime's
// internal map seeding, which is an implementation detail rather than a
// contract.
package digestmap

import (
	"bytes"
	"hash/maphash"

	"github.com/nb-backup/nb/internal/random"
)

// saltSize is the number of random bytes mixed into every digest computed
// by a Map, in addition to maphash's own per-Map seed. Belt-and-suspenders
// against an adversary who can predict or influence maphash's seed but not
// a byte stream drawn from crypto/rand.
const saltSize = 16

// initialBucketCount is the number of buckets a new Map starts with.
const initialBucketCount = 16

// maxLoadFactor is the load factor (count / bucket count) at which
// Insert doubles capacity.
const maxLoadFactor = 1.0

type entry struct {
	key   []byte
	value interface{}
	next  *entry
}

// Map is a chained hash table keyed by byte strings. The zero value is not
// usable; construct with New.
type Map struct {
	seed    maphash.Seed
	salt    []byte
	buckets []*entry
	count   int
}

// New constructs an empty Map, drawing its randomized salt from the system
// random source.
func New() (*Map, error) {
	salt, err := random.New(saltSize)
	if err != nil {
		return nil, err
	}
	return &Map{
		seed:    maphash.MakeSeed(),
		salt:    salt,
		buckets: make([]*entry, initialBucketCount),
	}, nil
}

// digest computes the randomized hash of key.
func (m *Map) digest(key []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(m.seed)
	h.Write(m.salt)
	h.Write(key)
	return h.Sum64()
}

func bucketFor(digest uint64, bucketCount int) int {
	return int(digest % uint64(bucketCount))
}

// Get returns the value associated with key, if any. If key was inserted
// more than once without an intervening removal, Get returns the value
// from the most recent Insert; callers that require deduplication must
// arrange it themselves before inserting, per the table's contract.
func (m *Map) Get(key []byte) (interface{}, bool) {
	index := bucketFor(m.digest(key), len(m.buckets))
	for e := m.buckets[index]; e != nil; e = e.next {
		if bytes.Equal(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

// Insert adds key/value to the table without checking for an existing
// entry under the same key (no dedup). A later Get for a duplicated key
// observes the most recently inserted value.
func (m *Map) Insert(key []byte, value interface{}) {
	if float64(m.count+1)/float64(len(m.buckets)) > maxLoadFactor {
		m.grow()
	}
	stored := append([]byte(nil), key...)
	index := bucketFor(m.digest(stored), len(m.buckets))
	m.buckets[index] = &entry{key: stored, value: value, next: m.buckets[index]}
	m.count++
}

// Len returns the number of entries in the table, counting duplicate keys
// separately.
func (m *Map) Len() int {
	return m.count
}

// Delete removes every entry stored under key, so that a subsequent Get
// reports a miss. It returns the number of entries removed, which is
// usually 0 or 1 but can exceed 1 if key was inserted more than once
// without dedup.
func (m *Map) Delete(key []byte) int {
	index := bucketFor(m.digest(key), len(m.buckets))
	removed := 0
	var prev *entry
	e := m.buckets[index]
	for e != nil {
		if bytes.Equal(e.key, key) {
			removed++
			if prev == nil {
				m.buckets[index] = e.next
			} else {
				prev.next = e.next
			}
			next := e.next
			e = next
			continue
		}
		prev = e
		e = e.next
	}
	m.count -= removed
	return removed
}

// grow doubles the bucket count and rehashes every existing entry in
// place, preserving each bucket's relative chain order.
func (m *Map) grow() {
	newBuckets := make([]*entry, len(m.buckets)*2)
	tails := make([]*entry, len(newBuckets))
	for _, head := range m.buckets {
		for e := head; e != nil; {
			next := e.next
			index := bucketFor(m.digest(e.key), len(newBuckets))
			e.next = nil
			if tails[index] == nil {
				newBuckets[index] = e
			} else {
				tails[index].next = e
			}
			tails[index] = e
			e = next
		}
	}
	m.buckets = newBuckets
}

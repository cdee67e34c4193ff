// Package hashtable implements a bucket-chained hash table, used by
// proc.KeyedTable and proc.FutexTable. Ported from biscuit's
// hashtable.Hashtable_t, modernized from interface{} keys plus a runtime
// type switch to a generic, comparable key type — biscuit's version
// predates generics-in-biscuit and had to dispatch hashing/equality by
// type switch over ustr.Ustr/int/int32/string; with Go generics the whole
// Hash/equal dance collapses to a constraint and a caller-supplied hash
// function, which is both faster and exhaustive over the key type.
package hashtable

import "sync"

// Hasher returns a 32-bit hash for a key of type K.
type Hasher[K comparable] func(K) uint32

// Pair_t is a key/value tuple returned by Elems.
type Pair_t[K comparable, V any] struct {
	Key   K
	Value V
}

type elem_t[K comparable, V any] struct {
	key   K
	value V
	next  *elem_t[K, V]
}

type bucket_t[K comparable, V any] struct {
	sync.RWMutex
	first *elem_t[K, V]
}

// Table_t is a hash table mapping keys of type K to values of type V,
// protected internally by per-bucket locks (biscuit's design: lookups
// and mutations on different buckets never contend).
type Table_t[K comparable, V any] struct {
	buckets []*bucket_t[K, V]
	hash    Hasher[K]
}

// New allocates a Table_t with the given bucket count and hash function.
// Mirrors hashtable.MkHash.
func New[K comparable, V any](nbuckets int, hash Hasher[K]) *Table_t[K, V] {
	if nbuckets <= 0 {
		panic("hashtable.New: nbuckets must be positive")
	}
	t := &Table_t[K, V]{
		buckets: make([]*bucket_t[K, V], nbuckets),
		hash:    hash,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket_t[K, V]{}
	}
	return t
}

func (t *Table_t[K, V]) bucketFor(key K) *bucket_t[K, V] {
	h := t.hash(key)
	return t.buckets[int(h)%len(t.buckets)]
}

// Get looks up key and reports whether it was found.
func (t *Table_t[K, V]) Get(key K) (V, bool) {
	b := t.bucketFor(key)
	b.RLock()
	defer b.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts key/value, returning false without modifying the table if
// key is already present (callers needing replace-on-exists should Del
// then Set).
func (t *Table_t[K, V]) Set(key K, value V) bool {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return false
		}
	}
	b.first = &elem_t[K, V]{key: key, value: value, next: b.first}
	return true
}

// Replace inserts key/value unconditionally, overwriting any existing
// entry, and reports whether a prior entry existed.
func (t *Table_t[K, V]) Replace(key K, value V) bool {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			e.value = value
			return true
		}
	}
	b.first = &elem_t[K, V]{key: key, value: value, next: b.first}
	return false
}

// Del removes key from the table. It is a no-op if key is absent.
func (t *Table_t[K, V]) Del(key K) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()
	var prev *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// Size returns the total number of elements stored.
func (t *Table_t[K, V]) Size() int {
	n := 0
	for _, b := range t.buckets {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.RUnlock()
	}
	return n
}

// Elems returns all key/value pairs currently stored.
func (t *Table_t[K, V]) Elems() []Pair_t[K, V] {
	p := make([]Pair_t[K, V], 0)
	for _, b := range t.buckets {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			p = append(p, Pair_t[K, V]{Key: e.key, Value: e.value})
		}
		b.RUnlock()
	}
	return p
}

// Iter applies f to each key/value pair until f returns true, in which
// case Iter stops early and returns true.
func (t *Table_t[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range t.buckets {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			if f(e.key, e.value) {
				b.RUnlock()
				return true
			}
		}
		b.RUnlock()
	}
	return false
}

// HashUint64 is a ready-made Hasher for uint64 keys (process-wide key
// counters, futex addresses), using the 64-bit FNV-1a finalizer folded to
// 32 bits.
func HashUint64(k uint64) uint32 {
	h := uint64(14695981039346656037)
	for i := 0; i < 8; i++ {
		h ^= (k >> (8 * uint(i))) & 0xff
		h *= 1099511628211
	}
	return uint32(h) ^ uint32(h>>32)
}

// HashInt is a ready-made Hasher for int keys.
func HashInt(k int) uint32 {
	return HashUint64(uint64(k))
}

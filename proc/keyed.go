package proc

import (
	"sync/atomic"

	"anillo/config"
	"anillo/errs"
	"anillo/hashtable"
)

// nextKey is the global monotonic counter dispensing process-wide-unique
// keyed-table keys.
var nextKey uint64

func allocKey() uint64 {
	return atomic.AddUint64(&nextKey, 1)
}

type keyedEntry struct {
	value     interface{}
	destroy   func(interface{})
}

// KeyedTable is a process's table of entries addressed by
// globally-unique integer keys, each with an optional destructor invoked
// on process death or explicit Clear.
type KeyedTable struct {
	t *hashtable.Table_t[uint64, keyedEntry]
}

// NewKeyedTable creates an empty table.
func NewKeyedTable() *KeyedTable {
	return &KeyedTable{t: hashtable.New[uint64, keyedEntry](config.KeyedTableBuckets, hashtable.HashUint64)}
}

// Put reserves a fresh key, stores value under it with an optional
// destructor (nil if none), and returns the key.
func (k *KeyedTable) Put(value interface{}, destroy func(interface{})) uint64 {
	key := allocKey()
	k.t.Set(key, keyedEntry{value: value, destroy: destroy})
	return key
}

// Get looks up a previously stored value.
func (k *KeyedTable) Get(key uint64) (interface{}, bool) {
	e, ok := k.t.Get(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Clear removes key, invoking its destructor if one was registered. It
// reports NoSuchResource if key is absent.
func (k *KeyedTable) Clear(key uint64) errs.Err_t {
	e, ok := k.t.Get(key)
	if !ok {
		return errs.NoSuchResource
	}
	k.t.Del(key)
	if e.destroy != nil {
		e.destroy(e.value)
	}
	return errs.Ok
}

// DestroyAll invokes every remaining entry's destructor and empties the
// table, as part of the process destruction protocol.
func (k *KeyedTable) DestroyAll() {
	for _, p := range k.t.Elems() {
		if p.Value.destroy != nil {
			p.Value.destroy(p.Value.value)
		}
		k.t.Del(p.Key)
	}
}

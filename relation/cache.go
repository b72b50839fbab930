package relation

import (
	"fmt"
	"sync"

	"github.com/lemmego/gpa-core"
)

// Key identifies one resolved association value.
type Key struct {
	OwnerType string
	OwnerID   any
	Field     string
}

// String renders the key as "Type:id:field".
func (k Key) String() string {
	return fmt.Sprintf("%s:%v:%s", k.OwnerType, k.OwnerID, k.Field)
}

func ownerKey(ownerType string, ownerID any) string {
	return ownerType + ":" + gpa.IDKey(ownerID)
}

// Entry is a cached resolution. Absent distinguishes "resolved to nothing"
// from a miss.
type Entry struct {
	Value  any
	Absent bool
}

// Stamp captures the invalidation state of one owner. Writes carrying an
// outdated stamp are rejected.
type Stamp struct {
	Epoch      uint64
	Generation uint64
}

// Cache stores resolved association values. Implementations must be safe
// for concurrent use.
type Cache interface {
	Get(key Key) (Entry, bool)

	// Stamp returns the current stamp of an owner. Read it before issuing
	// the backend lookup whose result will be stored.
	Stamp(ownerType string, ownerID any) Stamp

	// PutIfCurrent stores entry unless the owner was invalidated, or the
	// cache cleared, after stamp was taken.
	PutIfCurrent(key Key, entry Entry, stamp Stamp) bool

	// Invalidate drops every entry of one owner.
	Invalidate(ownerType string, ownerID any)

	// Clear drops everything.
	Clear()
}

type ownerState struct {
	generation uint64
	entries    map[string]Entry
}

// MemoryCache is the default in-process Cache.
type MemoryCache struct {
	mutex  sync.RWMutex
	epoch  uint64
	owners map[string]*ownerState
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{owners: make(map[string]*ownerState)}
}

func (c *MemoryCache) Get(key Key) (Entry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	st, ok := c.owners[ownerKey(key.OwnerType, key.OwnerID)]
	if !ok || st.entries == nil {
		return Entry{}, false
	}
	e, ok := st.entries[key.Field]
	return e, ok
}

func (c *MemoryCache) Stamp(ownerType string, ownerID any) Stamp {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	s := Stamp{Epoch: c.epoch}
	if st, ok := c.owners[ownerKey(ownerType, ownerID)]; ok {
		s.Generation = st.generation
	}
	return s
}

func (c *MemoryCache) PutIfCurrent(key Key, entry Entry, stamp Stamp) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if stamp.Epoch != c.epoch {
		return false
	}
	ok := ownerKey(key.OwnerType, key.OwnerID)
	st := c.owners[ok]
	if st == nil {
		if stamp.Generation != 0 {
			return false
		}
		st = &ownerState{}
		c.owners[ok] = st
	}
	if st.generation != stamp.Generation {
		return false
	}
	if st.entries == nil {
		st.entries = make(map[string]Entry)
	}
	st.entries[key.Field] = entry
	return true
}

func (c *MemoryCache) Invalidate(ownerType string, ownerID any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ok := ownerKey(ownerType, ownerID)
	st := c.owners[ok]
	if st == nil {
		st = &ownerState{}
		c.owners[ok] = st
	}
	st.generation++
	st.entries = nil
}

func (c *MemoryCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.epoch++
	c.owners = make(map[string]*ownerState)
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	n := 0
	for _, st := range c.owners {
		n += len(st.entries)
	}
	return n
}

// Package session implements the client-side TLS session resumption cache.
//
// Cache is a fixed-capacity LRU keyed by server name. Entries live in an arena
// and are linked by slot index, so recency updates and tail eviction are O(1)
// without per-entry pointers. The cache owns one reference to every Session it
// stores and releases it on replacement, eviction, removal or destruction.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const none int32 = -1

// verifyInvariants makes every mutating operation run checkInvariants and
// panic on failure. Tests switch it on.
var verifyInvariants = false

type entry struct {
	key     string
	session *Session
	prev    int32
	next    int32
}

// Cache is a thread-safe LRU of sessions keyed by server name.
type Cache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]int32
	entries  []entry
	free     []int32
	head     int32 // most recently used
	tail     int32 // least recently used
	size     int

	destroyed bool
	refs      atomic.Int32
	observer  Observer
}

// NewLRU creates an empty cache holding at most capacity sessions.
// The returned cache carries one reference owned by the caller.
//
// A non-positive capacity is a programming error and panics.
func NewLRU(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		panic(fmt.Sprintf("session: cache capacity must be positive, got %d", capacity))
	}
	c := &Cache{
		capacity: capacity,
		index:    make(map[string]int32, min(capacity, 1024)),
		entries:  make([]entry, 0, min(capacity, 1024)),
		head:     none,
		tail:     none,
		observer: NopObserver{},
	}
	c.refs.Store(1)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Put stores s under key and takes ownership of the caller's reference.
//
// An existing entry for key has its session replaced and released. Inserting
// a new key into a full cache evicts the least recently used entry first.
// Either way the entry becomes the most recently used.
func (c *Cache) Put(key string, s *Session) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		s.Release()
		return
	}

	var dropped *Session
	if i, ok := c.index[key]; ok {
		dropped = c.entries[i].session
		c.entries[i].session = s
		c.moveToFront(i)
		c.observer.Replace()
	} else {
		if c.size >= c.capacity {
			dropped = c.removeSlot(c.tail)
			c.observer.Evict()
		}
		i := c.alloc(key, s)
		c.index[key] = i
		c.pushFront(i)
		c.size++
	}
	c.verify()
	c.mu.Unlock()

	if dropped != nil {
		dropped.Release()
	}
}

// Get looks up key and marks it most recently used. On a hit the caller
// receives its own reference and must Release it.
func (c *Cache) Get(key string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[key]
	if !ok || c.destroyed {
		c.observer.Miss()
		return nil, false
	}
	c.moveToFront(i)
	c.observer.Hit()
	c.verify()
	return c.entries[i].session.Ref(), true
}

// Remove drops the entry for key, if any, and releases its session.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	i, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	dropped := c.removeSlot(i)
	c.verify()
	c.mu.Unlock()

	dropped.Release()
	return true
}

// Keys returns the cached keys from most to least recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.size)
	for i := c.head; i != none; i = c.entries[i].next {
		keys = append(keys, c.entries[i].key)
	}
	return keys
}

// Ref adds a shared owner and returns c for chaining.
func (c *Cache) Ref() *Cache {
	if c.refs.Add(1) <= 1 {
		panic("session: ref of destroyed cache")
	}
	return c
}

// Unref drops a shared owner. The last Unref releases every cached session;
// later Puts release their session immediately and Gets miss.
func (c *Cache) Unref() {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("session: unref of destroyed cache")
	}
	if n > 0 {
		return
	}

	c.mu.Lock()
	dropped := make([]*Session, 0, c.size)
	for i := c.head; i != none; i = c.entries[i].next {
		dropped = append(dropped, c.entries[i].session)
	}
	c.index = make(map[string]int32)
	c.entries = nil
	c.free = nil
	c.head, c.tail = none, none
	c.size = 0
	c.destroyed = true
	c.mu.Unlock()

	for _, s := range dropped {
		s.Release()
	}
}

func (c *Cache) alloc(key string, s *Session) int32 {
	e := entry{key: key, session: s, prev: none, next: none}
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		c.entries[i] = e
		return i
	}
	c.entries = append(c.entries, e)
	return int32(len(c.entries) - 1)
}

// removeSlot unlinks slot i, drops it from the index and returns its session
// without releasing it.
func (c *Cache) removeSlot(i int32) *Session {
	c.unlink(i)
	e := c.entries[i]
	delete(c.index, e.key)
	c.entries[i] = entry{prev: none, next: none}
	c.free = append(c.free, i)
	c.size--
	return e.session
}

func (c *Cache) unlink(i int32) {
	e := &c.entries[i]
	if e.prev != none {
		c.entries[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != none {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = none, none
}

func (c *Cache) pushFront(i int32) {
	e := &c.entries[i]
	e.prev = none
	e.next = c.head
	if c.head != none {
		c.entries[c.head].prev = i
	}
	c.head = i
	if c.tail == none {
		c.tail = i
	}
}

func (c *Cache) moveToFront(i int32) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.pushFront(i)
}

func (c *Cache) verify() {
	if !verifyInvariants {
		return
	}
	if err := c.checkInvariants(); err != nil {
		panic(err)
	}
}

// checkInvariants walks the list in both directions and cross-checks it
// against the index. Must be called with c.mu held.
func (c *Cache) checkInvariants() error {
	if len(c.index) != c.size {
		return fmt.Errorf("index holds %d keys, size is %d", len(c.index), c.size)
	}
	if c.size > c.capacity {
		return fmt.Errorf("size %d exceeds capacity %d", c.size, c.capacity)
	}
	if live := len(c.entries) - len(c.free); live != c.size {
		return fmt.Errorf("arena holds %d live slots, size is %d", live, c.size)
	}
	if c.head == none || c.tail == none {
		if c.head != c.tail || c.size != 0 {
			return fmt.Errorf("head %d and tail %d disagree with size %d", c.head, c.tail, c.size)
		}
		return nil
	}
	if p := c.entries[c.head].prev; p != none {
		return fmt.Errorf("head has predecessor %d", p)
	}
	if n := c.entries[c.tail].next; n != none {
		return fmt.Errorf("tail has successor %d", n)
	}

	seen := make(map[string]struct{}, c.size)
	count := 0
	for i := c.head; i != none; i = c.entries[i].next {
		if count >= c.size {
			return fmt.Errorf("forward walk exceeds size %d", c.size)
		}
		e := c.entries[i]
		if idx, ok := c.index[e.key]; !ok || idx != i {
			return fmt.Errorf("key %q at slot %d not indexed there", e.key, i)
		}
		if _, dup := seen[e.key]; dup {
			return fmt.Errorf("key %q appears twice in list", e.key)
		}
		seen[e.key] = struct{}{}
		if e.next != none && c.entries[e.next].prev != i {
			return fmt.Errorf("slot %d next %d does not link back", i, e.next)
		}
		if e.session == nil {
			return fmt.Errorf("key %q has no session", e.key)
		}
		count++
	}
	if count != c.size {
		return fmt.Errorf("forward walk reached %d entries, size is %d", count, c.size)
	}

	count = 0
	for i := c.tail; i != none; i = c.entries[i].prev {
		if count >= c.size {
			return fmt.Errorf("backward walk exceeds size %d", c.size)
		}
		count++
	}
	if count != c.size {
		return fmt.Errorf("backward walk reached %d entries, size is %d", count, c.size)
	}
	return nil
}

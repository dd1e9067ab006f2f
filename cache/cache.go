// Package cache implements the client-side tracking cache (§4.6): a
// bounded TTL+LRU map keyed by command key, invalidated by out-of-band
// server push messages delivered over RESP3.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/bsbodden/goradix/resp"
)

// Mode selects a CLIENT TRACKING variant (§4.6).
type Mode int

const (
	// Default: the server tracks every key this connection reads.
	Default Mode = iota
	// OptIn: the server tracks a key only when CLIENT CACHING YES
	// preceded the read that returned it.
	OptIn
	// OptOut: the server tracks every key except those preceded by
	// CLIENT CACHING NO.
	OptOut
	// Broadcast: the server pushes invalidations by key prefix rather
	// than by individually-tracked key.
	Broadcast
)

func (m Mode) trackingArg() string {
	switch m {
	case OptIn:
		return "OPTIN"
	case OptOut:
		return "OPTOUT"
	case Broadcast:
		return "BCAST"
	default:
		return ""
	}
}

type entry struct {
	key        string
	value      resp.Value
	insertedAt time.Time
	expiresAt  time.Time // zero means no expiry
	elem       *list.Element
}

// Cache is a bounded TTL+LRU map keyed by command key (§8 invariants:
// size never exceeds maxEntries; every recency-list element has a
// matching map entry; an observed-expired lookup behaves as a miss and
// evicts).
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	recency    *list.List // front = most-recently-used
	maxEntries int
	ttl        time.Duration // zero means entries never expire on their own

	mode   Mode
	active bool

	now func() time.Time
}

// Config configures a Cache. MaxEntries must be positive. TTL, if
// positive, bounds how long an entry may be served before it is
// treated as a miss regardless of invalidation traffic.
type Config struct {
	MaxEntries int
	TTL        time.Duration
	Mode       Mode
}

// New constructs an inactive Cache. Call Enable to activate tracking.
func New(cfg Config) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		recency:    list.New(),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		mode:       cfg.Mode,
		now:        time.Now,
	}
}

// Mode reports the configured tracking mode.
func (c *Cache) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Active reports whether the cache is currently serving lookups.
func (c *Cache) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// TrackingCommand returns the CLIENT TRACKING ON/OFF argument vector
// to send when enabling or disabling tracking on the owning
// connection. The caller is responsible for sending it and, on a
// successful OK reply, calling MarkEnabled/MarkDisabled.
func (c *Cache) TrackingCommand(on bool) [][]byte {
	if !on {
		return [][]byte{[]byte("CLIENT"), []byte("TRACKING"), []byte("OFF")}
	}
	args := [][]byte{[]byte("CLIENT"), []byte("TRACKING"), []byte("ON")}
	if mode := c.Mode().trackingArg(); mode != "" {
		args = append(args, []byte(mode))
	}
	return args
}

// MarkEnabled records that CLIENT TRACKING ON succeeded. On non-OK the
// caller must not call this; the cache stays inactive.
func (c *Cache) MarkEnabled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
}

// MarkDisabled deactivates the cache and clears its contents (§4.6
// lifecycle: disabling clears the cache).
func (c *Cache) MarkDisabled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.clearLocked()
}

// Reset marks the cache inactive without clearing its entries; lookups
// miss and stores are skipped until the caller reissues CLIENT
// TRACKING ON on the wire and calls MarkEnabled on success.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

// Lookup returns the cached value for key and true on a live hit. A
// present-but-expired entry is evicted and reported as a miss; a
// successful lookup promotes the entry to most-recently-used.
func (c *Cache) Lookup(key string) (resp.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return resp.Value{}, false
	}
	e, ok := c.entries[key]
	if !ok {
		return resp.Value{}, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(c.now()) {
		c.removeLocked(e)
		return resp.Value{}, false
	}
	c.recency.MoveToFront(e.elem)
	return e.value, true
}

// Directive is the caller's per-call cache intent (the `cache: true`/
// `cache: false` argument of §4.6). A zero Directive means the caller
// expressed no preference.
type Directive struct {
	Set   bool
	Value bool
}

// ShouldStore reports whether a reply for key should be stored, per
// §4.6's store predicate: the reply must be non-null, and the mode
// must permit storage (Default/Broadcast always; OptIn only when the
// caller passed cache:true; OptOut unless the caller passed
// cache:false).
func (c *Cache) ShouldStore(value resp.Value, dir Directive) bool {
	if value.IsNil() {
		return false
	}
	switch c.Mode() {
	case OptIn:
		return dir.Set && dir.Value
	case OptOut:
		return !(dir.Set && !dir.Value)
	default: // Default, Broadcast
		return true
	}
}

// ShouldSendCachingYes reports whether CLIENT CACHING YES must precede
// the read for this call, which is only true in OptIn mode when the
// caller opted in.
func (c *Cache) ShouldSendCachingYes(dir Directive) bool {
	return c.Mode() == OptIn && dir.Set && dir.Value
}

// Store inserts or replaces the cached value for key, evicting the
// least-recently-used entry first if the cache is at capacity.
func (c *Cache) Store(key string, value resp.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.insertedAt = c.now()
		e.expiresAt = c.expiryLocked()
		c.recency.MoveToFront(e.elem)
		return
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	e := &entry{key: key, value: value, insertedAt: c.now(), expiresAt: c.expiryLocked()}
	e.elem = c.recency.PushFront(key)
	c.entries[key] = e
}

func (c *Cache) expiryLocked() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *Cache) evictOldestLocked() {
	oldest := c.recency.Back()
	if oldest == nil {
		return
	}
	key := oldest.Value.(string)
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.recency.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *Cache) clearLocked() {
	c.entries = make(map[string]*entry)
	c.recency.Init()
}

// Size reports the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ApplyInvalidation applies a RESP3 push frame of the form
// ["invalidate", keys-array-or-null] (§4.6). A null keys field flushes
// the whole cache; an array invalidates each named key.
func (c *Cache) ApplyInvalidation(keys []string, flushAll bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if flushAll {
		c.clearLocked()
		return
	}
	for _, k := range keys {
		if e, ok := c.entries[k]; ok {
			c.removeLocked(e)
		}
	}
}

// IsInvalidationPush reports whether v is a RESP3 push frame carrying
// an invalidation message, and if so returns the keys named (nil with
// flushAll=true for a null keys field).
func IsInvalidationPush(v resp.Value) (keys []string, flushAll bool, ok bool) {
	if v.Type != resp.Push {
		return nil, false, false
	}
	if len(v.Elems) != 2 || string(v.Elems[0].Str) != "invalidate" {
		return nil, false, false
	}
	payload := v.Elems[1]
	if payload.IsNil() {
		return nil, true, true
	}
	keys = make([]string, len(payload.Elems))
	for i, e := range payload.Elems {
		keys[i] = string(e.Str)
	}
	return keys, false, true
}

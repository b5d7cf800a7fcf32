// Package cache implements the bounded control state cache: an LRU- and
// TTL-evicted map from control name to its last known ControlState.
// Mutations and evictions are reported on typed channels rather than
// callbacks; subscribers drop the channel to unsubscribe.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// ControlState is the last known state of one control.
type ControlState struct {
	Name      string
	Value     any
	String    string
	Position  float64
	Timestamp time.Time
	Source    string
	Metadata  map[string]any
}

// equalValue implements the cache's change-detection equality: strict
// value equality on Value only. Timestamp, Source, and Metadata are
// ignored.
func equalValue(a, b ControlState) bool {
	return a.Value == b.Value
}

// EvictReason tags why an entry left the cache.
type EvictReason string

const (
	EvictLRU    EvictReason = "lru"
	EvictTTL    EvictReason = "ttl"
	EvictMemory EvictReason = "memory"
)

// StateChanged is emitted once per control name on every mutation that
// changes its Value, including within a SetMany batch.
type StateChanged struct {
	Name string
	Old  ControlState
	New  ControlState
}

// Evicted is emitted whenever an entry leaves the cache outside of an
// explicit Delete/Clear.
type Evicted struct {
	Name   string
	Reason EvictReason
}

// Stats is the snapshot returned by Statistics.
type Stats struct {
	Entries    int
	Hits       int64
	Misses     int64
	Evictions  int64
	MaxEntries int
}

type entry struct {
	state     ControlState
	expiresAt time.Time
	elem      *list.Element // node in lru, Value is the control name
}

// Cache is the bounded control-state cache.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64

	stateChangedCh chan StateChanged
	evictedCh      chan Evicted

	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

// Config controls cache sizing and TTL; zero MaxEntries/TTL adopt the
// defaults (1000 entries, 1h TTL).
type Config struct {
	MaxEntries      int
	TTL             time.Duration
	CleanupInterval time.Duration
	Now             func() time.Time // injectable clock for tests
}

// New builds a Cache and starts its periodic TTL cleanup loop. Call
// Close to stop it.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		maxEntries:     cfg.MaxEntries,
		ttl:            cfg.TTL,
		now:            cfg.Now,
		entries:        make(map[string]*entry),
		lru:            list.New(),
		stateChangedCh: make(chan StateChanged, 256),
		evictedCh:      make(chan Evicted, 256),
		cleanupStop:    make(chan struct{}),
	}
	go c.cleanupLoop(cfg.CleanupInterval)
	return c
}

// StateChanges returns the channel on which every value-changing
// mutation is reported, one event per control name.
func (c *Cache) StateChanges() <-chan StateChanged {
	return c.stateChangedCh
}

// Evictions returns the channel on which LRU/TTL/memory evictions are
// reported.
func (c *Cache) Evictions() <-chan Evicted {
	return c.evictedCh
}

// Get returns the cached state for name, refreshing its LRU position.
func (c *Cache) Get(name string) (ControlState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		c.misses++
		return ControlState{}, false
	}
	if c.isExpiredLocked(e) {
		c.removeLocked(name, EvictTTL)
		c.misses++
		return ControlState{}, false
	}
	c.lru.MoveToFront(e.elem)
	c.hits++
	return e.state, true
}

// GetMany returns whichever of names are present and unexpired.
func (c *Cache) GetMany(names []string) map[string]ControlState {
	result := make(map[string]ControlState, len(names))
	for _, name := range names {
		if state, ok := c.Get(name); ok {
			result[name] = state
		}
	}
	return result
}

// Set stores state under name, emitting StateChanged if the value
// differs from what was previously cached (or if name is new).
func (c *Cache) Set(name string, state ControlState) {
	c.setOne(name, state)
	c.enforceCapacity()
}

// SetMany stores every entry in states, emitting one StateChanged per
// name that actually changed — batch mutations must not coalesce events,
// since change-group correctness depends on one event per name.
func (c *Cache) SetMany(states map[string]ControlState) {
	for name, state := range states {
		c.setOne(name, state)
	}
	c.enforceCapacity()
}

func (c *Cache) setOne(name string, state ControlState) {
	c.mu.Lock()
	e, existed := c.entries[name]
	var old ControlState
	changed := true
	if existed && !c.isExpiredLocked(e) {
		old = e.state
		changed = !equalValue(old, state)
		e.state = state
		e.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(e.elem)
	} else {
		elem := c.lru.PushFront(name)
		e = &entry{state: state, expiresAt: c.now().Add(c.ttl), elem: elem}
		c.entries[name] = e
	}
	c.mu.Unlock()

	if changed {
		c.emitStateChanged(StateChanged{Name: name, Old: old, New: state})
	}
}

// Delete removes name without emitting an Evicted event — an explicit
// Delete is not an eviction.
func (c *Cache) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, name)
	}
}

// Has reports whether name is present and unexpired, without affecting
// LRU order or hit/miss counters.
func (c *Cache) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return false
	}
	return !c.isExpiredLocked(e)
}

// Keys returns every unexpired control name currently cached.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for name, e := range c.entries {
		if !c.isExpiredLocked(e) {
			keys = append(keys, name)
		}
	}
	return keys
}

// Clear empties the cache without emitting Evicted events.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru = list.New()
}

// Statistics returns a point-in-time snapshot of cache counters.
func (c *Cache) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		MaxEntries: c.maxEntries,
	}
}

// EvictForMemoryPressure force-evicts up to n of the least-recently-used
// entries tagged EvictMemory, for a global memory-pressure monitor (see
// internal/eventbuffer) to call when the process as a whole is under
// pressure — the cache itself has no independent memory accounting.
func (c *Cache) EvictForMemoryPressure(n int) int {
	evicted := 0
	for i := 0; i < n; i++ {
		c.mu.Lock()
		back := c.lru.Back()
		if back == nil {
			c.mu.Unlock()
			break
		}
		name := back.Value.(string)
		c.removeLocked(name, EvictMemory)
		c.mu.Unlock()
		evicted++
	}
	return evicted
}

func (c *Cache) isExpiredLocked(e *entry) bool {
	return c.now().After(e.expiresAt)
}

// removeLocked deletes name and emits an Evicted event. Caller must hold
// c.mu; the event itself is sent after incrementing the counter but
// while still holding the lock is fine since the channel send is
// buffered and non-blocking-by-drop below.
func (c *Cache) removeLocked(name string, reason EvictReason) {
	if e, ok := c.entries[name]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, name)
		c.evictions++
	}
	c.emitEvicted(Evicted{Name: name, Reason: reason})
}

func (c *Cache) enforceCapacity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.entries) > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		name := back.Value.(string)
		c.removeLocked(name, EvictLRU)
	}
}

func (c *Cache) emitStateChanged(ev StateChanged) {
	select {
	case c.stateChangedCh <- ev:
	default:
	}
}

func (c *Cache) emitEvicted(ev Evicted) {
	select {
	case c.evictedCh <- ev:
	default:
	}
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.cleanupStop:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	var expired []string
	for name, e := range c.entries {
		if c.isExpiredLocked(e) {
			expired = append(expired, name)
		}
	}
	for _, name := range expired {
		c.removeLocked(name, EvictTTL)
	}
	c.mu.Unlock()
}

// Close stops the periodic cleanup loop. Safe to call more than once.
func (c *Cache) Close() {
	c.cleanupOnce.Do(func() {
		close(c.cleanupStop)
	})
}

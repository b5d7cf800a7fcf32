package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxEntries int, ttl time.Duration, now func() time.Time) *Cache {
	t.Helper()
	c := New(Config{MaxEntries: maxEntries, TTL: ttl, CleanupInterval: time.Hour, Now: now})
	t.Cleanup(c.Close)
	return c
}

func TestSet_EmitsStateChangedOnNewAndChangedValue(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)

	c.Set("gain1", ControlState{Name: "gain1", Value: -6.0})
	ev := <-c.StateChanges()
	assert.Equal(t, "gain1", ev.Name)
	assert.Nil(t, ev.Old.Value)
	assert.Equal(t, -6.0, ev.New.Value)

	c.Set("gain1", ControlState{Name: "gain1", Value: -3.0})
	ev = <-c.StateChanges()
	assert.Equal(t, -6.0, ev.Old.Value)
	assert.Equal(t, -3.0, ev.New.Value)
}

func TestSet_SameValueDoesNotEmit(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)

	c.Set("mute1", ControlState{Name: "mute1", Value: true, Source: "poll"})
	<-c.StateChanges()

	// Equality ignores Timestamp/Source/Metadata -- only Value matters.
	c.Set("mute1", ControlState{Name: "mute1", Value: true, Source: "manual"})

	select {
	case ev := <-c.StateChanges():
		t.Fatalf("unexpected stateChanged event for unchanged value: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSetMany_EmitsOneStateChangedPerName(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)

	c.SetMany(map[string]ControlState{
		"a": {Name: "a", Value: 1.0},
		"b": {Name: "b", Value: 2.0},
	})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := <-c.StateChanges()
		seen[ev.Name] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])

	select {
	case ev := <-c.StateChanges():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestGet_HitAndMiss(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)
	c.Set("x", ControlState{Name: "x", Value: 1})
	<-c.StateChanges()

	state, ok := c.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1, state.Value)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Statistics()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestLRUEviction_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 2, time.Hour, time.Now)

	c.Set("a", ControlState{Name: "a", Value: 1})
	<-c.StateChanges()
	c.Set("b", ControlState{Name: "b", Value: 2})
	<-c.StateChanges()

	// Touch "a" so "b" becomes the least recently used entry.
	_, _ = c.Get("a")

	c.Set("c", ControlState{Name: "c", Value: 3})
	<-c.StateChanges()

	evicted := <-c.Evictions()
	assert.Equal(t, "b", evicted.Name)
	assert.Equal(t, EvictLRU, evicted.Reason)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
}

func TestTTLExpiry_SweepEvictsExpiredEntries(t *testing.T) {
	current := time.Now()
	now := func() time.Time { return current }

	c := New(Config{MaxEntries: 10, TTL: time.Millisecond, CleanupInterval: time.Hour, Now: now})
	defer c.Close()

	c.Set("a", ControlState{Name: "a", Value: 1})
	<-c.StateChanges()

	current = current.Add(time.Second)
	c.sweepExpired()

	evicted := <-c.Evictions()
	assert.Equal(t, "a", evicted.Name)
	assert.Equal(t, EvictTTL, evicted.Reason)
	assert.False(t, c.Has("a"))
}

func TestGet_ExpiredEntryIsTreatedAsMiss(t *testing.T) {
	current := time.Now()
	now := func() time.Time { return current }

	c := New(Config{MaxEntries: 10, TTL: time.Millisecond, CleanupInterval: time.Hour, Now: now})
	defer c.Close()

	c.Set("a", ControlState{Name: "a", Value: 1})
	<-c.StateChanges()

	current = current.Add(time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestDelete_DoesNotEmitEvicted(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)
	c.Set("a", ControlState{Name: "a", Value: 1})
	<-c.StateChanges()

	c.Delete("a")
	assert.False(t, c.Has("a"))

	select {
	case ev := <-c.Evictions():
		t.Fatalf("unexpected eviction event from Delete: %+v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestKeys_ReturnsUnexpiredNames(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)
	c.Set("a", ControlState{Name: "a", Value: 1})
	<-c.StateChanges()
	c.Set("b", ControlState{Name: "b", Value: 2})
	<-c.StateChanges()

	keys := c.Keys()
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestClear_EmptiesCache(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)
	c.Set("a", ControlState{Name: "a", Value: 1})
	<-c.StateChanges()

	c.Clear()
	assert.Empty(t, c.Keys())
	assert.False(t, c.Has("a"))
}

func TestEvictForMemoryPressure_EvictsLeastRecentlyUsedFirst(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, time.Now)
	c.Set("a", ControlState{Name: "a", Value: 1})
	<-c.StateChanges()
	c.Set("b", ControlState{Name: "b", Value: 2})
	<-c.StateChanges()

	n := c.EvictForMemoryPressure(1)
	assert.Equal(t, 1, n)

	evicted := <-c.Evictions()
	assert.Equal(t, "a", evicted.Name)
	assert.Equal(t, EvictMemory, evicted.Reason)
}

// Package eventbuffer implements the per-group change event ring
// buffer: bounded capacity and max age per group, a process-global
// memory-pressure monitor with eviction under pressure, and a query API
// over time range, control name, event type, and value predicate.
package eventbuffer

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType classifies how a control's value changed.
type EventType string

const (
	EventChange            EventType = "change"
	EventThresholdCrossed  EventType = "threshold_crossed"
	EventStateTransition   EventType = "state_transition"
	EventSignificantChange EventType = "significant_change"
)

// Event is one classified control change, queryable by time range,
// control name, type, or value predicate.
type Event struct {
	GroupID        string
	ControlName    string
	Value          any
	StringRepr     string
	PreviousValue  any
	Delta          *float64
	TimestampNs    int64
	TimestampMs    int64
	SequenceNumber uint64
	EventType      EventType
	Threshold      *float64
}

// PressureLevel tags a memoryPressure notification.
type PressureLevel string

const (
	PressureWarn     PressureLevel = "warn"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// Pressure is pushed on the channel returned by Manager.Pressure.
type Pressure struct {
	Level         PressureLevel
	UsageFraction float64
	At            time.Time
}

const (
	defaultMaxEventsPerGroup = 10000
	defaultMaxAge            = 5 * time.Minute
	defaultGlobalLimitMB     = 500
	defaultMemoryCheck       = 5 * time.Second

	defaultQueryLimit = 1000
	maxQueryLimit     = 10000

	// approxEventOverheadBytes is a fixed per-event accounting cost on top
	// of the variable string fields, used only for the memory-pressure
	// budget — it does not need to match runtime.Sizeof exactly.
	approxEventOverheadBytes = 128
)

// Config controls ring capacity, max age, and the global memory budget.
// Zero values adopt the defaults above.
type Config struct {
	MaxEventsPerGroup   int
	MaxAge              time.Duration
	GlobalMemoryLimitMB int
	MemoryCheckInterval time.Duration
	Now                 func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxEventsPerGroup <= 0 {
		c.MaxEventsPerGroup = defaultMaxEventsPerGroup
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
	if c.GlobalMemoryLimitMB <= 0 {
		c.GlobalMemoryLimitMB = defaultGlobalLimitMB
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = defaultMemoryCheck
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type groupBuffer struct {
	mu       sync.Mutex
	events   *list.List // front = oldest
	priority string
	bytes    int64
	seq      uint64
}

func estimateSize(ev Event) int64 {
	return int64(approxEventOverheadBytes + len(ev.ControlName) + len(ev.StringRepr))
}

// Manager owns every group's ring buffer and the global memory-pressure
// monitor.
type Manager struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu         sync.Mutex
	groups     map[string]*groupBuffer
	totalBytes int64

	pressureCh chan Pressure
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewManager builds a Manager and starts its periodic memory-pressure
// check. Call Close to stop it.
func NewManager(cfg Config, logger *zap.SugaredLogger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		logger:     logger.Named("eventbuffer"),
		groups:     make(map[string]*groupBuffer),
		pressureCh: make(chan Pressure, 16),
		stop:       make(chan struct{}),
	}
	go m.monitorLoop()
	return m
}

// Pressure returns the channel on which memory-pressure notifications are
// reported.
func (m *Manager) Pressure() <-chan Pressure {
	return m.pressureCh
}

// EnsureGroup lazily creates the ring buffer for groupID if it doesn't
// already exist, with the given operator-set priority (default "normal").
func (m *Manager) EnsureGroup(groupID, priority string) {
	if priority == "" {
		priority = "normal"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		m.groups[groupID] = &groupBuffer{events: list.New(), priority: priority}
	}
}

// SetPriority changes the eviction priority for an existing group.
func (m *Manager) SetPriority(groupID, priority string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gb, ok := m.groups[groupID]; ok {
		gb.priority = priority
	}
}

// RemoveGroup discards a group's buffer entirely, freeing its bytes from
// the global total.
func (m *Manager) RemoveGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gb, ok := m.groups[groupID]; ok {
		atomic.AddInt64(&m.totalBytes, -gb.bytes)
		delete(m.groups, groupID)
	}
}

// Insert appends partial (GroupID/TimestampNs/TimestampMs/SequenceNumber
// are assigned here) into groupID's ring, evicting the oldest entry if the
// group is at capacity or its oldest entry has aged out. Returns false if
// the event was refused because the group is at "low" priority during
// critical global memory pressure.
func (m *Manager) Insert(groupID string, partial Event) bool {
	m.mu.Lock()
	gb, ok := m.groups[groupID]
	if !ok {
		gb = &groupBuffer{events: list.New(), priority: "normal"}
		m.groups[groupID] = gb
	}
	m.mu.Unlock()

	gb.mu.Lock()
	defer gb.mu.Unlock()

	if gb.priority == "low" && m.usageFraction() >= 0.95 {
		return false
	}

	now := m.cfg.Now()
	gb.seq++
	ev := partial
	ev.GroupID = groupID
	ev.TimestampNs = now.UnixNano()
	ev.TimestampMs = now.UnixNano() / int64(time.Millisecond)
	ev.SequenceNumber = gb.seq

	size := estimateSize(ev)
	m.evictForCapacityLocked(gb, now)

	gb.events.PushBack(ev)
	gb.bytes += size
	atomic.AddInt64(&m.totalBytes, size)
	return true
}

// evictForCapacityLocked drops oldest entries past the ring capacity or
// max age. Caller holds gb.mu.
func (m *Manager) evictForCapacityLocked(gb *groupBuffer, now time.Time) {
	for gb.events.Len() >= m.cfg.MaxEventsPerGroup {
		m.popFrontLocked(gb)
	}
	for front := gb.events.Front(); front != nil; front = gb.events.Front() {
		ev := front.Value.(Event)
		age := now.Sub(time.Unix(0, ev.TimestampNs))
		if age <= m.cfg.MaxAge {
			break
		}
		m.popFrontLocked(gb)
	}
}

func (m *Manager) popFrontLocked(gb *groupBuffer) {
	front := gb.events.Front()
	if front == nil {
		return
	}
	ev := front.Value.(Event)
	gb.events.Remove(front)
	size := estimateSize(ev)
	gb.bytes -= size
	atomic.AddInt64(&m.totalBytes, -size)
}

func (m *Manager) usageFraction() float64 {
	limitBytes := int64(m.cfg.GlobalMemoryLimitMB) * 1024 * 1024
	if limitBytes <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.totalBytes)) / float64(limitBytes)
}

func (m *Manager) monitorLoop() {
	ticker := time.NewTicker(m.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkPressure()
		}
	}
}

func (m *Manager) checkPressure() {
	frac := m.usageFraction()
	now := time.Now()
	switch {
	case frac >= 0.95:
		m.forceEvictLowestPriority(0.10)
		m.emitPressure(Pressure{Level: PressureCritical, UsageFraction: frac, At: now})
	case frac >= 0.90:
		m.forceEvictLowestPriority(0.10)
		m.emitPressure(Pressure{Level: PressureHigh, UsageFraction: frac, At: now})
	case frac >= 0.80:
		m.emitPressure(Pressure{Level: PressureWarn, UsageFraction: frac, At: now})
	}
}

// forceEvictLowestPriority drops the oldest fraction of events from the
// lowest-priority group present.
func (m *Manager) forceEvictLowestPriority(fraction float64) {
	m.mu.Lock()
	var target *groupBuffer
	rank := map[string]int{"low": 0, "normal": 1, "high": 2}
	best := 3
	for _, gb := range m.groups {
		r, ok := rank[gb.priority]
		if !ok {
			r = 1
		}
		if r < best {
			best = r
			target = gb
		}
	}
	m.mu.Unlock()

	if target == nil {
		return
	}
	target.mu.Lock()
	n := int(float64(target.events.Len()) * fraction)
	for i := 0; i < n; i++ {
		m.popFrontLocked(target)
	}
	target.mu.Unlock()
}

func (m *Manager) emitPressure(p Pressure) {
	select {
	case m.pressureCh <- p:
	default:
	}
}

// Close stops the memory-pressure monitor. Safe to call more than once.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// ValueFilter narrows a Query to events whose Value satisfies Operator
// against Value (or, for changed_to/changed_from, whose PreviousValue/
// Value matches).
type ValueFilter struct {
	Operator string // eq, neq, lt, lte, gt, gte, changed_to, changed_from
	Value    any
}

// Aggregation requests a summary alongside (or instead of) raw events.
type Aggregation struct {
	// Kind is "count" or "minmax".
	Kind string
	// GroupBy selects the bucketing key: "control" groups by ControlName.
	GroupBy string
}

// Query is the input to Manager.Query.
type Query struct {
	GroupID      string
	StartTimeMs  int64
	EndTimeMs    int64
	ControlNames []string
	EventTypes   []EventType
	ValueFilter  *ValueFilter
	Limit        int
	Offset       int
	Aggregation  *Aggregation
}

// Result is Manager.Query's output.
type Result struct {
	Events      []Event
	Count       int
	HasMore     bool
	Aggregation map[string]any
}

// Query returns events matching q, ordered by (TimestampNs,
// SequenceNumber) ascending, deterministic over the buffer's live
// contents at call time — expired and evicted events never appear.
func (m *Manager) Query(q Query) (Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		m.logger.Warnw("clamping query_change_events limit", "requested", limit, "max", maxQueryLimit)
		limit = maxQueryLimit
	}

	names := set(q.ControlNames)
	types := set(stringsFromEventTypes(q.EventTypes))

	var matched []Event
	m.mu.Lock()
	var targets []*groupBuffer
	if q.GroupID != "" {
		if gb, ok := m.groups[q.GroupID]; ok {
			targets = []*groupBuffer{gb}
		}
	} else {
		for _, gb := range m.groups {
			targets = append(targets, gb)
		}
	}
	m.mu.Unlock()

	for _, gb := range targets {
		gb.mu.Lock()
		for e := gb.events.Front(); e != nil; e = e.Next() {
			ev := e.Value.(Event)
			if q.StartTimeMs != 0 && ev.TimestampMs < q.StartTimeMs {
				continue
			}
			if q.EndTimeMs != 0 && ev.TimestampMs > q.EndTimeMs {
				continue
			}
			if len(names) > 0 && !names[ev.ControlName] {
				continue
			}
			if len(types) > 0 && !types[string(ev.EventType)] {
				continue
			}
			if q.ValueFilter != nil && !matchesValueFilter(ev, *q.ValueFilter) {
				continue
			}
			matched = append(matched, ev)
		}
		gb.mu.Unlock()
	}

	sortEvents(matched)

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	page := matched[start:end]

	result := Result{
		Events:  append([]Event(nil), page...),
		Count:   len(page),
		HasMore: end < total,
	}
	if q.Aggregation != nil {
		result.Aggregation = aggregate(matched, *q.Aggregation)
	}
	return result, nil
}

func matchesValueFilter(ev Event, f ValueFilter) bool {
	switch f.Operator {
	case "changed_to":
		return ev.Value == f.Value
	case "changed_from":
		return ev.PreviousValue == f.Value
	}

	evNum, evOk := ev.Value.(float64)
	wantNum, wantOk := f.Value.(float64)
	if f.Operator == "eq" {
		return ev.Value == f.Value
	}
	if f.Operator == "neq" {
		return ev.Value != f.Value
	}
	if !evOk || !wantOk {
		// Non-numeric events are excluded from numeric predicates.
		return false
	}
	switch f.Operator {
	case "lt":
		return evNum < wantNum
	case "lte":
		return evNum <= wantNum
	case "gt":
		return evNum > wantNum
	case "gte":
		return evNum >= wantNum
	default:
		return false
	}
}

func aggregate(events []Event, agg Aggregation) map[string]any {
	out := make(map[string]any)
	switch agg.Kind {
	case "count":
		counts := make(map[string]int)
		for _, ev := range events {
			key := bucketKey(ev, agg.GroupBy)
			counts[key]++
		}
		out["counts"] = counts
	case "minmax":
		type minMax struct {
			Min, Max float64
			Seen     bool
		}
		byKey := make(map[string]*minMax)
		for _, ev := range events {
			num, ok := ev.Value.(float64)
			if !ok {
				continue
			}
			key := bucketKey(ev, agg.GroupBy)
			mm, ok := byKey[key]
			if !ok {
				mm = &minMax{Min: num, Max: num, Seen: true}
				byKey[key] = mm
				continue
			}
			if num < mm.Min {
				mm.Min = num
			}
			if num > mm.Max {
				mm.Max = num
			}
		}
		rendered := make(map[string]any, len(byKey))
		for k, mm := range byKey {
			rendered[k] = map[string]float64{"min": mm.Min, "max": mm.Max}
		}
		out["minmax"] = rendered
	}
	return out
}

func bucketKey(ev Event, groupBy string) string {
	switch groupBy {
	case "control":
		return ev.ControlName
	case "changeGroup":
		return ev.GroupID
	default:
		return ev.ControlName
	}
}

func set(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, v := range items {
		out[v] = true
	}
	return out
}

func stringsFromEventTypes(types []EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.TimestampNs != b.TimestampNs {
			return a.TimestampNs < b.TimestampNs
		}
		return a.SequenceNumber < b.SequenceNumber
	})
}

// TotalBytes reports the current global byte usage, for tests and the
// health/metrics surface.
func (m *Manager) TotalBytes() int64 {
	return atomic.LoadInt64(&m.totalBytes)
}

// Package changegroup implements the change-group registry: named,
// server-side subscriptions over a set of control names, a poll
// operation that diffs current Core values against last-seen values and
// classifies each difference, and an optional per-group auto-poll
// ticker. Classified differences are pushed into internal/eventbuffer.
package changegroup

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/cache"
	"github.com/qsysbridge/core/internal/eventbuffer"
)

const maxIDLength = 64

// minAutoPollInterval is the shortest poll interval: Create rejects a
// shorter one, and SetAutoPoll clamps a shorter one up to it.
const minAutoPollInterval = 30 * time.Millisecond

// autoPollFailureLimit is how many consecutive Core errors while
// auto-polling disable auto-poll for the group (the group itself survives).
const autoPollFailureLimit = 3

// ControlSnapshot is the Core's current value for one control, as
// returned by a ControlReader.
type ControlSnapshot struct {
	Value    any
	String   string
	Position float64
}

// ControlReader is the subset of the QRWC adapter the registry needs to
// fetch current values when polling a group.
type ControlReader interface {
	GetControlValues(ctx context.Context, names []string) (map[string]ControlSnapshot, error)
}

// Thresholds resolves the numeric threshold used to classify
// threshold_crossed events: an exact per-control override, then a
// substring pattern override, then the built-in defaults (-6 for
// gain/level-named controls, 0.5 otherwise).
type Thresholds struct {
	ByControl map[string]float64
	ByPattern map[string]float64
}

// For returns the threshold that applies to name.
func (t Thresholds) For(name string) float64 {
	if v, ok := t.ByControl[name]; ok {
		return v
	}
	lower := strings.ToLower(name)
	for pattern, v := range t.ByPattern {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return v
		}
	}
	if strings.Contains(lower, "gain") || strings.Contains(lower, "level") {
		return -6.0
	}
	return 0.5
}

// Change is one classified difference returned by Poll.
type Change struct {
	ControlName string
	Value       any
	String      string
	EventType   eventbuffer.EventType
	Threshold   *float64
}

// Group is one change-group's membership and poll state.
type Group struct {
	ID           string
	PollInterval time.Duration
	AutoPoll     bool
	CreatedAt    time.Time
	Priority     string

	mu           sync.Mutex
	controls     map[string]struct{}
	lastValues   map[string]ControlSnapshot
	failureCount int

	pollMu sync.Mutex // serializes polls: "a new poll does not start until the previous one completes"

	timerCancel context.CancelFunc
	timerDone   chan struct{}

	execMu      sync.Mutex
	execCancels []context.CancelFunc
}

func newGroup(id string, pollInterval time.Duration) *Group {
	return &Group{
		ID:           id,
		PollInterval: pollInterval,
		CreatedAt:    time.Now(),
		Priority:     "normal",
		controls:     make(map[string]struct{}),
		lastValues:   make(map[string]ControlSnapshot),
	}
}

// Controls returns a snapshot of the group's current membership.
func (g *Group) Controls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.controls))
	for name := range g.controls {
		names = append(names, name)
	}
	return names
}

// Size returns the current membership count.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.controls)
}

// RegisterExecution records cancel so Destroy (or an explicit cancel-all)
// can cooperatively stop a batch execution scoped to this group.
func (g *Group) RegisterExecution(cancel context.CancelFunc) {
	g.execMu.Lock()
	g.execCancels = append(g.execCancels, cancel)
	g.execMu.Unlock()
}

func (g *Group) cancelExecutions() {
	g.execMu.Lock()
	cancels := g.execCancels
	g.execCancels = nil
	g.execMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Registry owns every live Group, keyed by id.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*Group

	reader     ControlReader
	cache      *cache.Cache
	events     *eventbuffer.Manager
	thresholds Thresholds
	logger     *zap.SugaredLogger

	eventSink func(groupID string, ev eventbuffer.Event)
}

// SetEventSink installs an optional hook invoked with every
// eventbuffer.Event the registry inserts, after insertion succeeds — used
// to fan events out to the opt-in SQLite event log (internal/persist)
// without the registry depending on that package directly.
func (r *Registry) SetEventSink(sink func(groupID string, ev eventbuffer.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventSink = sink
}

// New builds a Registry. reader supplies current Core values on Poll;
// cache is updated with every polled value; events receives one
// eventbuffer.Event per classified change.
func New(reader ControlReader, cacheStore *cache.Cache, events *eventbuffer.Manager, thresholds Thresholds, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		groups:     make(map[string]*Group),
		reader:     reader,
		cache:      cacheStore,
		events:     events,
		thresholds: thresholds,
		logger:     logger.Named("changegroup"),
	}
}

// Create registers a new, empty group. Duplicate ids are rejected with
// CHANGE_GROUP_EXISTS — membership of the existing group is left
// untouched, never silently reset.
func (r *Registry) Create(id string, pollInterval time.Duration) (*Group, error) {
	if id == "" {
		return nil, bridgeerr.New(bridgeerr.ValidationError, "change group id must not be empty")
	}
	if len(id) > maxIDLength {
		return nil, bridgeerr.New(bridgeerr.ValidationError, "change group id exceeds 64 characters")
	}
	if pollInterval != 0 && pollInterval < minAutoPollInterval {
		return nil, bridgeerr.New(bridgeerr.ValidationError, "pollInterval must be >= 30ms")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[id]; exists {
		return nil, bridgeerr.New(bridgeerr.ChangeGroupExists, "change group already exists").
			WithDetails(map[string]any{"id": id})
	}

	g := newGroup(id, pollInterval)
	r.events.EnsureGroup(id, g.Priority)
	r.groups[id] = g
	return g, nil
}

// Get returns the group for id, or CHANGE_GROUP_NOT_FOUND.
func (r *Registry) Get(id string) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.ChangeGroupNotFound, "change group not found").
			WithDetails(map[string]any{"id": id})
	}
	return g, nil
}

// AddControls adds names to id's membership, returning the count actually
// added (names already present are not double-counted).
func (r *Registry) AddControls(id string, names []string) (int, error) {
	g, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	added := 0
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, exists := g.controls[name]; !exists {
			g.controls[name] = struct{}{}
			added++
		}
	}
	return added, nil
}

// RemoveControls removes names from id's membership, returning the count
// actually removed. Removed members stop contributing events immediately
// since Poll only ever iterates current membership.
func (r *Registry) RemoveControls(id string, names []string) (int, error) {
	g, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for _, name := range names {
		if _, exists := g.controls[name]; exists {
			delete(g.controls, name)
			delete(g.lastValues, name)
			removed++
		}
	}
	return removed, nil
}

// Clear empties id's membership without destroying the group.
func (r *Registry) Clear(id string) error {
	g, err := r.Get(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.controls = make(map[string]struct{})
	g.lastValues = make(map[string]ControlSnapshot)
	g.mu.Unlock()
	return nil
}

// Destroy stops any auto-poll timer, cancels any execution scoped to the
// group, and removes it from the registry. Subsequent Poll/Get calls
// return CHANGE_GROUP_NOT_FOUND.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	g, ok := r.groups[id]
	if ok {
		delete(r.groups, id)
	}
	r.mu.Unlock()
	if !ok {
		return bridgeerr.New(bridgeerr.ChangeGroupNotFound, "change group not found").
			WithDetails(map[string]any{"id": id})
	}

	r.stopTimer(g)
	g.cancelExecutions()
	r.events.RemoveGroup(id)
	return nil
}

// List returns a summary of every live group.
type Summary struct {
	ID           string
	Size         int
	AutoPoll     bool
	PollInterval time.Duration
	CreatedAt    time.Time
}

func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, Summary{
			ID:           g.ID,
			Size:         g.Size(),
			AutoPoll:     g.AutoPoll,
			PollInterval: g.PollInterval,
			CreatedAt:    g.CreatedAt,
		})
	}
	return out
}

// Poll synchronously fetches current values for id's members, diffs them
// against the last-seen values, emits one eventbuffer.Event per changed
// member, updates the cache, and returns the classified changes. The
// first poll after a membership change reports the current value of each
// new member as a change.
func (r *Registry) Poll(ctx context.Context, id string) ([]Change, error) {
	g, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	g.pollMu.Lock()
	defer g.pollMu.Unlock()

	names := g.Controls()
	if len(names) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	sink := r.eventSink
	r.mu.Unlock()

	snapshots, err := r.reader.GetControlValues(ctx, names)
	if err != nil {
		r.noteFailure(g)
		return nil, err
	}
	r.resetFailure(g)

	g.mu.Lock()
	defer g.mu.Unlock()

	var changes []Change
	for _, name := range names {
		snap, ok := snapshots[name]
		if !ok {
			continue
		}
		prev, hadPrev := g.lastValues[name]

		var change *Change
		if !hadPrev {
			change = &Change{ControlName: name, Value: snap.Value, String: snap.String, EventType: eventbuffer.EventChange}
		} else if prev.Value != snap.Value {
			evType, threshold := classify(name, prev.Value, snap.Value, r.thresholds)
			change = &Change{ControlName: name, Value: snap.Value, String: snap.String, EventType: evType, Threshold: threshold}
		}

		g.lastValues[name] = snap
		r.cache.Set(name, cache.ControlState{
			Name:      name,
			Value:     snap.Value,
			String:    snap.String,
			Position:  snap.Position,
			Timestamp: time.Now(),
			Source:    "core",
		})

		if change == nil {
			continue
		}
		changes = append(changes, *change)

		var deltaPtr *float64
		if prevNum, ok := prev.Value.(float64); ok && hadPrev {
			if newNum, ok2 := snap.Value.(float64); ok2 {
				delta := newNum - prevNum
				deltaPtr = &delta
			}
		}
		ev := eventbuffer.Event{
			ControlName:   name,
			Value:         snap.Value,
			StringRepr:    snap.String,
			PreviousValue: prev.Value,
			Delta:         deltaPtr,
			EventType:     change.EventType,
			Threshold:     change.Threshold,
		}
		if r.events.Insert(id, ev) && sink != nil {
			sink(id, ev)
		}
	}

	return changes, nil
}

// classify tags a changed value: boolean flips and string changes are
// state transitions, numeric changes that cross the control's threshold
// are threshold_crossed, numeric changes over 5% relative are
// significant_change, everything else is a plain change.
func classify(name string, oldVal, newVal any, thresholds Thresholds) (eventbuffer.EventType, *float64) {
	if oldBool, ok := oldVal.(bool); ok {
		if _, ok2 := newVal.(bool); ok2 {
			return eventbuffer.EventStateTransition, nil
		}
		_ = oldBool
	}
	if oldStr, ok := oldVal.(string); ok {
		if newStr, ok2 := newVal.(string); ok2 && oldStr != newStr {
			return eventbuffer.EventStateTransition, nil
		}
	}

	oldNum, oldIsNum := oldVal.(float64)
	newNum, newIsNum := newVal.(float64)
	if oldIsNum && newIsNum {
		thr := thresholds.For(name)
		if (oldNum < thr) != (newNum < thr) {
			t := thr
			return eventbuffer.EventThresholdCrossed, &t
		}
		if oldNum != 0 {
			delta := newNum - oldNum
			if abs(delta/oldNum) > 0.05 {
				return eventbuffer.EventSignificantChange, nil
			}
		}
	}

	return eventbuffer.EventChange, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SetAutoPoll enables or disables id's poll timer. Enabling installs a
// ticker at max(intervalSeconds, 30ms); intervalSeconds is clamped to
// [0.1, 300]. Disabling cancels the timer and clears the failure
// counter; it is idempotent and never an error, and once it returns no
// further events for the group are produced until re-enabled.
func (r *Registry) SetAutoPoll(ctx context.Context, id string, enabled bool, intervalSeconds float64) error {
	g, err := r.Get(id)
	if err != nil {
		return err
	}

	if !enabled {
		r.stopTimer(g)
		g.mu.Lock()
		g.AutoPoll = false
		g.failureCount = 0
		g.mu.Unlock()
		return nil
	}

	if intervalSeconds < 0.1 {
		intervalSeconds = 0.1
	}
	if intervalSeconds > 300 {
		intervalSeconds = 300
	}
	interval := time.Duration(intervalSeconds * float64(time.Second))
	if interval < minAutoPollInterval {
		interval = minAutoPollInterval
	}

	r.stopTimer(g)

	timerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.mu.Lock()
	g.AutoPoll = true
	g.PollInterval = interval
	g.failureCount = 0
	g.timerCancel = cancel
	g.timerDone = done
	g.mu.Unlock()

	go r.runAutoPoll(timerCtx, done, id, interval)
	return nil
}

func (r *Registry) runAutoPoll(ctx context.Context, done chan struct{}, id string, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := r.Poll(pollCtx, id)
			cancel()
			if err != nil {
				r.logger.Warnw("auto-poll tick failed", "group", id, "error", err)
			}
		}
	}
}

// noteFailure counts a failed poll and, at the limit, disables auto-poll
// in place. It must not go through SetAutoPoll: that waits for the
// polling goroutine to exit, and noteFailure runs inside that goroutine's
// own Poll call.
func (r *Registry) noteFailure(g *Group) {
	g.mu.Lock()
	g.failureCount++
	if !g.AutoPoll || g.failureCount < autoPollFailureLimit {
		g.mu.Unlock()
		return
	}
	g.AutoPoll = false
	g.failureCount = 0
	cancel := g.timerCancel
	g.timerCancel = nil
	g.timerDone = nil
	g.mu.Unlock()

	r.logger.Warnw("auto-poll disabled after consecutive Core errors", "group", g.ID, "failures", autoPollFailureLimit)
	if cancel != nil {
		cancel()
	}
}

func (r *Registry) resetFailure(g *Group) {
	g.mu.Lock()
	g.failureCount = 0
	g.mu.Unlock()
}

func (r *Registry) stopTimer(g *Group) {
	g.mu.Lock()
	cancel := g.timerCancel
	done := g.timerDone
	g.timerCancel = nil
	g.timerDone = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

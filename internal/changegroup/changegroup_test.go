package changegroup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/cache"
	"github.com/qsysbridge/core/internal/eventbuffer"
	"github.com/qsysbridge/core/internal/logging"
)

type fakeReader struct {
	values map[string]ControlSnapshot
	err    error
}

func (f *fakeReader) GetControlValues(ctx context.Context, names []string) (map[string]ControlSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]ControlSnapshot, len(names))
	for _, n := range names {
		if v, ok := f.values[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T, reader *fakeReader) (*Registry, *cache.Cache, *eventbuffer.Manager) {
	t.Helper()
	c := cache.New(cache.Config{})
	t.Cleanup(c.Close)
	eb := eventbuffer.NewManager(eventbuffer.Config{MemoryCheckInterval: time.Hour}, logging.Nop())
	t.Cleanup(eb.Close)
	r := New(reader, c, eb, Thresholds{}, logging.Nop())
	return r, c, eb
}

func TestCreate_RejectsDuplicateID(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeReader{})

	_, err := r.Create("g1", 0)
	require.NoError(t, err)

	_, err = r.AddControls("g1", []string{"a"})
	require.NoError(t, err)

	_, err = r.Create("g1", 0)
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.ChangeGroupExists, be.Kind)

	g, err := r.Get("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Controls())
}

func TestPoll_FirstPollAfterAddReportsCurrentValueAsChange(t *testing.T) {
	reader := &fakeReader{values: map[string]ControlSnapshot{
		"MainMixer.gain": {Value: -5.0, String: "-5.0dB"},
		"MainMixer.mute": {Value: true, String: "true"},
	}}
	r, _, _ := newTestRegistry(t, reader)
	_, err := r.Create("g1", 100*time.Millisecond)
	require.NoError(t, err)
	_, err = r.AddControls("g1", []string{"MainMixer.gain", "MainMixer.mute"})
	require.NoError(t, err)

	changes, err := r.Poll(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, changes, 2)
}

func TestPoll_ThresholdCrossed(t *testing.T) {
	reader := &fakeReader{values: map[string]ControlSnapshot{"A.level": {Value: -10.0}}}
	r, _, _ := newTestRegistry(t, reader)
	_, err := r.Create("g2", 0)
	require.NoError(t, err)
	_, err = r.AddControls("g2", []string{"A.level"})
	require.NoError(t, err)

	_, err = r.Poll(context.Background(), "g2")
	require.NoError(t, err)

	reader.values["A.level"] = ControlSnapshot{Value: -5.0}
	changes, err := r.Poll(context.Background(), "g2")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, eventbuffer.EventThresholdCrossed, changes[0].EventType)
	require.NotNil(t, changes[0].Threshold)
	assert.Equal(t, -6.0, *changes[0].Threshold)
}

func TestSetAutoPoll_DisableIsIdempotentAndStopsFurtherEvents(t *testing.T) {
	reader := &fakeReader{values: map[string]ControlSnapshot{"a": {Value: 1.0}}}
	r, _, _ := newTestRegistry(t, reader)
	_, err := r.Create("g3", 0)
	require.NoError(t, err)
	_, _ = r.AddControls("g3", []string{"a"})

	require.NoError(t, r.SetAutoPoll(context.Background(), "g3", true, 0.1))
	require.NoError(t, r.SetAutoPoll(context.Background(), "g3", false, 0))
	require.NoError(t, r.SetAutoPoll(context.Background(), "g3", false, 0)) // idempotent, not an error

	g, err := r.Get("g3")
	require.NoError(t, err)
	assert.False(t, g.AutoPoll)
}

func TestPoll_ConsecutiveFailuresDisableAutoPoll(t *testing.T) {
	reader := &fakeReader{values: map[string]ControlSnapshot{"a": {Value: 1.0}}}
	r, _, _ := newTestRegistry(t, reader)
	_, err := r.Create("g6", 0)
	require.NoError(t, err)
	_, _ = r.AddControls("g6", []string{"a"})

	// A long interval keeps the ticker from firing during the test; the
	// failures are driven through Poll directly, the same path the
	// auto-poll goroutine takes.
	require.NoError(t, r.SetAutoPoll(context.Background(), "g6", true, 300))

	reader.err = assert.AnError
	for i := 0; i < 3; i++ {
		_, err := r.Poll(context.Background(), "g6")
		require.Error(t, err)
	}

	g, err := r.Get("g6")
	require.NoError(t, err)
	assert.False(t, g.AutoPoll, "three consecutive poll failures must disable auto-poll")

	// The group itself survives and polls again once the Core recovers.
	reader.err = nil
	_, err = r.Poll(context.Background(), "g6")
	require.NoError(t, err)
}

func TestDestroy_SubsequentPollReturnsNotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeReader{})
	_, err := r.Create("g4", 0)
	require.NoError(t, err)

	require.NoError(t, r.Destroy("g4"))

	_, err = r.Poll(context.Background(), "g4")
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.ChangeGroupNotFound, be.Kind)
}

func TestRemoveControls_StopsContributingEvents(t *testing.T) {
	reader := &fakeReader{values: map[string]ControlSnapshot{"a": {Value: 1.0}, "b": {Value: 2.0}}}
	r, _, _ := newTestRegistry(t, reader)
	_, err := r.Create("g5", 0)
	require.NoError(t, err)
	_, _ = r.AddControls("g5", []string{"a", "b"})
	_, err = r.Poll(context.Background(), "g5")
	require.NoError(t, err)

	removed, err := r.RemoveControls("g5", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	reader.values["a"] = ControlSnapshot{Value: 99.0}
	reader.values["b"] = ControlSnapshot{Value: 99.0}
	changes, err := r.Poll(context.Background(), "g5")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "b", changes[0].ControlName)
}

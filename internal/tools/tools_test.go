package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/batch"
	"github.com/qsysbridge/core/internal/bridgecfg"
	"github.com/qsysbridge/core/internal/cache"
	"github.com/qsysbridge/core/internal/changegroup"
	"github.com/qsysbridge/core/internal/dispatcher"
	"github.com/qsysbridge/core/internal/eventbuffer"
	"github.com/qsysbridge/core/internal/qsysapi"
)

// fakeCore is an in-memory Core used by every handler test in this package.
type fakeCore struct {
	components map[string][]qsysapi.Control
	values     map[string]qsysapi.Control
	status     qsysapi.Status
	writeErr   map[string]bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		components: map[string][]qsysapi.Control{
			"Mixer1": {{Name: "Mixer1.gain", Type: "gain", Value: -6.0}},
		},
		values:   map[string]qsysapi.Control{},
		writeErr: map[string]bool{},
	}
}

func (f *fakeCore) ListComponents(ctx context.Context, filter string) ([]qsysapi.Component, error) {
	return []qsysapi.Component{{Name: "Mixer1", Type: "mixer"}}, nil
}

func (f *fakeCore) ComponentControls(ctx context.Context, componentName string) ([]qsysapi.Control, error) {
	return f.components[componentName], nil
}

func (f *fakeCore) ControlValues(ctx context.Context, names []string) ([]qsysapi.Control, error) {
	out := make([]qsysapi.Control, 0, len(names))
	for _, n := range names {
		if c, ok := f.values[n]; ok {
			out = append(out, c)
			continue
		}
		out = append(out, qsysapi.Control{Name: n, Value: 0.0})
	}
	return out, nil
}

func (f *fakeCore) Status(ctx context.Context) (qsysapi.Status, error) {
	return f.status, nil
}

func (f *fakeCore) Raw(ctx context.Context, method string, params any) ([]byte, error) {
	return json.Marshal(map[string]any{"echo": method})
}

func (f *fakeCore) GetControlValue(ctx context.Context, name string) (any, error) {
	if c, ok := f.values[name]; ok {
		return c.Value, nil
	}
	return 0.0, nil
}

func (f *fakeCore) SetControlValue(ctx context.Context, name string, value any, ramp *float64) error {
	if f.writeErr[name] {
		return &testWriteError{name: name}
	}
	f.values[name] = qsysapi.Control{Name: name, Value: value}
	return nil
}

type testWriteError struct{ name string }

func (e *testWriteError) Error() string { return "write failed: " + e.name }

func newTestServer(t *testing.T) (*Server, *fakeCore) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	core := newFakeCore()

	store := cache.New(cache.Config{})
	t.Cleanup(store.Close)
	events := eventbuffer.NewManager(eventbuffer.Config{MemoryCheckInterval: time.Hour}, logger)
	t.Cleanup(events.Close)
	groups := changegroup.New(fakeReader{core: core}, store, events, changegroup.Thresholds{}, logger)
	executor := batch.New(core, logger)

	auth := dispatcher.NewAuthenticator(bridgecfg.AuthConfig{Enabled: false})
	limiter := dispatcher.NewRateLimiter(bridgecfg.RateLimitConfig{RequestsPerMinute: 6000, BurstSize: 1000})
	d := dispatcher.New(auth, limiter, logger)

	s := New("test-bridge", "0.0.0-test", core, groups, events, executor, d, logger)
	return s, core
}

type fakeReader struct{ core *fakeCore }

func (f fakeReader) GetControlValues(ctx context.Context, names []string) (map[string]changegroup.ControlSnapshot, error) {
	out := make(map[string]changegroup.ControlSnapshot, len(names))
	for _, n := range names {
		v, _ := f.core.GetControlValue(ctx, n)
		out[n] = changegroup.ControlSnapshot{Value: v}
	}
	return out, nil
}

func callTool(s *Server, name string, args map[string]any) (map[string]any, bool) {
	var handler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	switch name {
	case "list_components":
		handler = s.handleListComponents
	case "get_component_controls":
		handler = s.handleGetComponentControls
	case "get_control_values":
		handler = s.handleGetControlValues
	case "set_control_values":
		handler = s.handleSetControlValues
	case "create_change_group":
		handler = s.handleCreateChangeGroup
	case "poll_change_group":
		handler = s.handlePollChangeGroup
	case "list_change_groups":
		handler = s.handleListChangeGroups
	case "query_change_events":
		handler = s.handleQueryChangeEvents
	}
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, _ := handler(context.Background(), req)

	var text string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}
	var decoded map[string]any
	_ = json.Unmarshal([]byte(text), &decoded)
	return decoded, result.IsError
}

func TestListComponents_ReturnsCatalog(t *testing.T) {
	s, _ := newTestServer(t)
	out, isErr := callTool(s, "list_components", map[string]any{})
	require.False(t, isErr)
	require.EqualValues(t, 1, out["count"])
}

func TestGetControlValues_ResolvesQualifiedNames(t *testing.T) {
	s, core := newTestServer(t)
	core.values["Mixer1.gain"] = qsysapi.Control{Name: "Mixer1.gain", Value: -3.0}

	out, isErr := callTool(s, "get_control_values", map[string]any{
		"controls": []any{map[string]any{"component": "Mixer1", "name": "gain"}},
	})
	require.False(t, isErr)
	values, _ := out["values"].([]any)
	require.Len(t, values, 1)
}

func TestSetControlValues_RejectsEmptyControls(t *testing.T) {
	s, _ := newTestServer(t)
	out, isErr := callTool(s, "set_control_values", map[string]any{"controls": []any{}})
	require.True(t, isErr)
	errObj, ok := out["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "VALIDATION_ERROR", errObj["code"])
}

func TestSetControlValues_AppliesWriteAndReportsResult(t *testing.T) {
	s, _ := newTestServer(t)
	out, isErr := callTool(s, "set_control_values", map[string]any{
		"controls": []any{map[string]any{"component": "Mixer1", "name": "gain", "value": -10.0}},
	})
	require.False(t, isErr)
	require.EqualValues(t, 1, out["successCount"])
}

func TestDecodeStrict_RejectsUnknownToolArgument(t *testing.T) {
	s, _ := newTestServer(t)
	out, isErr := callTool(s, "get_component_controls", map[string]any{
		"componentName": "Mixer1",
		"bogusField":    true,
	})
	require.True(t, isErr)
	errObj, ok := out["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "VALIDATION_ERROR", errObj["code"])
}

func TestChangeGroupLifecycle_CreatePollList(t *testing.T) {
	s, core := newTestServer(t)
	core.values["Mixer1.gain"] = qsysapi.Control{Name: "Mixer1.gain", Value: -6.0}

	_, isErr := callTool(s, "create_change_group", map[string]any{"id": "g1", "pollInterval": 30.0})
	require.False(t, isErr)

	_, err := s.groups.AddControls("g1", []string{"Mixer1.gain"})
	require.NoError(t, err)

	out, isErr := callTool(s, "poll_change_group", map[string]any{"id": "g1"})
	require.False(t, isErr)
	changes, _ := out["changes"].([]any)
	require.Len(t, changes, 1)

	listOut, isErr := callTool(s, "list_change_groups", map[string]any{})
	require.False(t, isErr)
	groupsOut, _ := listOut["groups"].([]any)
	require.Len(t, groupsOut, 1)
}

func TestQueryChangeEvents_ReturnsEmptyBeforeAnyPoll(t *testing.T) {
	s, _ := newTestServer(t)
	out, isErr := callTool(s, "query_change_events", map[string]any{"limit": 10.0})
	require.False(t, isErr)
	require.EqualValues(t, 0, out["count"])
}

func TestQueryChangeEvents_OversizedLimitIsClampedNotRejected(t *testing.T) {
	s, _ := newTestServer(t)
	out, isErr := callTool(s, "query_change_events", map[string]any{"limit": 20000.0})
	require.False(t, isErr)
	require.EqualValues(t, 0, out["count"])
}

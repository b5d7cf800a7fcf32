// Package tools implements the bridge's MCP tool handlers, wired onto
// github.com/mark3labs/mcp-go. Every handler runs the dispatcher's
// auth/rate-limit gate, strictly decodes its parameters, calls the
// engines, and renders either a JSON result or an error envelope.
package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/batch"
	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/changegroup"
	"github.com/qsysbridge/core/internal/dispatcher"
	"github.com/qsysbridge/core/internal/eventbuffer"
	"github.com/qsysbridge/core/internal/qsysapi"
)

// Core is the Core-facing capability the tool handlers call through —
// satisfied by *qsysapi.Adapter in production and a fake in tests.
type Core interface {
	ListComponents(ctx context.Context, filter string) ([]qsysapi.Component, error)
	ComponentControls(ctx context.Context, componentName string) ([]qsysapi.Control, error)
	ControlValues(ctx context.Context, names []string) ([]qsysapi.Control, error)
	Status(ctx context.Context) (qsysapi.Status, error)
	Raw(ctx context.Context, method string, params any) ([]byte, error)
}

// Server bundles every engine a tool handler needs and registers the
// bridge's tools onto an mcp-go stdio server.
type Server struct {
	core       Core
	groups     *changegroup.Registry
	events     *eventbuffer.Manager
	executor   *batch.Executor
	dispatcher *dispatcher.Dispatcher
	logger     *zap.SugaredLogger

	mcp *server.MCPServer
}

// New builds a Server. name/version identify the MCP server to clients.
func New(name, version string, core Core, groups *changegroup.Registry, events *eventbuffer.Manager, executor *batch.Executor, d *dispatcher.Dispatcher, logger *zap.SugaredLogger) *Server {
	s := &Server{
		core:       core,
		groups:     groups,
		events:     events,
		executor:   executor,
		dispatcher: d,
		logger:     logger.Named("tools"),
	}
	s.mcp = server.NewMCPServer(name, version, server.WithToolCapabilities(true))
	s.registerTools()
	return s
}

// ServeStdio runs the MCP server over stdin/stdout until the process is
// signaled to stop.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_components",
		mcp.WithDescription("List Q-SYS design components, optionally filtered by name or type substring"),
		mcp.WithString("filter", mcp.Description("Substring match against component name or type")),
		mcp.WithBoolean("includeProperties", mcp.Description("Include each component's property map")),
	), s.handleListComponents)

	s.mcp.AddTool(mcp.NewTool("get_component_controls",
		mcp.WithDescription("List the controls belonging to one component"),
		mcp.WithString("componentName", mcp.Required(), mcp.Description("The component's name")),
	), s.handleGetComponentControls)

	s.mcp.AddTool(mcp.NewTool("list_controls",
		mcp.WithDescription("List controls across the design, optionally filtered by component or control type"),
		mcp.WithString("component", mcp.Description("Restrict results to this component")),
		mcp.WithString("controlType", mcp.Description("One of gain, mute, input_select, output_select, all")),
		mcp.WithBoolean("includeMetadata", mcp.Description("Include each control's descriptive metadata")),
	), s.handleListControls)

	s.mcp.AddTool(mcp.NewTool("get_control_values",
		mcp.WithDescription("Read the current values of a set of controls"),
		mcp.WithArray("controls", mcp.Required(), mcp.Description("Array of {component, name}")),
	), s.handleGetControlValues)

	s.mcp.AddTool(mcp.NewTool("set_control_values",
		mcp.WithDescription("Write one or more control values transactionally, with optional ramp"),
		mcp.WithArray("controls", mcp.Required(), mcp.Description("Array of {component, name, value?, position?, ramp?}")),
	), s.handleSetControlValues)

	s.mcp.AddTool(mcp.NewTool("query_core_status",
		mcp.WithDescription("Read the Q-SYS Core's current engine status"),
		mcp.WithBoolean("includeDesignInfo", mcp.Description("Include design name/code in the result")),
		mcp.WithBoolean("includeNetworkInfo", mcp.Description("Include network addressing in the result")),
	), s.handleQueryCoreStatus)

	s.mcp.AddTool(mcp.NewTool("get_all_controls",
		mcp.WithDescription("Return the full control catalog for the design"),
		mcp.WithBoolean("includeMetadata", mcp.Description("Include each control's descriptive metadata")),
		mcp.WithBoolean("groupByComponent", mcp.Description("Group the result by owning component")),
	), s.handleGetAllControls)

	s.mcp.AddTool(mcp.NewTool("create_change_group",
		mcp.WithDescription("Create a new change group"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Unique change-group id, <= 64 chars")),
		mcp.WithNumber("pollInterval", mcp.Description("Poll interval in milliseconds, >= 30")),
	), s.handleCreateChangeGroup)

	s.mcp.AddTool(mcp.NewTool("add_controls_to_change_group",
		mcp.WithDescription("Add controls to an existing change group's membership"),
		mcp.WithString("id", mcp.Required()),
		mcp.WithArray("controls", mcp.Required(), mcp.Description("Array of fully-qualified control names")),
	), s.handleAddControlsToChangeGroup)

	s.mcp.AddTool(mcp.NewTool("remove_controls_from_change_group",
		mcp.WithDescription("Remove controls from a change group's membership"),
		mcp.WithString("id", mcp.Required()),
		mcp.WithArray("controls", mcp.Required()),
	), s.handleRemoveControlsFromChangeGroup)

	s.mcp.AddTool(mcp.NewTool("clear_change_group",
		mcp.WithDescription("Empty a change group's membership without destroying it"),
		mcp.WithString("id", mcp.Required()),
	), s.handleClearChangeGroup)

	s.mcp.AddTool(mcp.NewTool("poll_change_group",
		mcp.WithDescription("Poll a change group's members and return classified changes"),
		mcp.WithString("id", mcp.Required()),
	), s.handlePollChangeGroup)

	s.mcp.AddTool(mcp.NewTool("set_change_group_auto_poll",
		mcp.WithDescription("Enable or disable a change group's automatic polling timer"),
		mcp.WithString("id", mcp.Required()),
		mcp.WithBoolean("enabled", mcp.Required()),
		mcp.WithNumber("interval", mcp.Description("Poll interval in seconds, [0.1, 300]")),
	), s.handleSetChangeGroupAutoPoll)

	s.mcp.AddTool(mcp.NewTool("list_change_groups",
		mcp.WithDescription("List every live change group and its summary state"),
	), s.handleListChangeGroups)

	s.mcp.AddTool(mcp.NewTool("destroy_change_group",
		mcp.WithDescription("Destroy a change group, cancelling any running poll or execution scoped to it"),
		mcp.WithString("id", mcp.Required()),
	), s.handleDestroyChangeGroup)

	s.mcp.AddTool(mcp.NewTool("query_change_events",
		mcp.WithDescription("Query the event buffer by time range, change group, control, or component"),
		mcp.WithNumber("startTime", mcp.Description("Inclusive lower bound, epoch ms")),
		mcp.WithNumber("endTime", mcp.Description("Inclusive upper bound, epoch ms")),
		mcp.WithString("changeGroupId", mcp.Description("Restrict to one change group")),
		mcp.WithArray("controlNames", mcp.Description("Restrict to these control names")),
		mcp.WithArray("componentNames", mcp.Description("Restrict to controls owned by these components")),
		mcp.WithNumber("limit", mcp.Description("Max events returned, clamped to 10000")),
		mcp.WithNumber("offset", mcp.Description("Pagination offset")),
	), s.handleQueryChangeEvents)

	s.mcp.AddTool(mcp.NewTool("get_event_statistics",
		mcp.WithDescription("Summarize buffered events by component, control, change group, hour, or day"),
		mcp.WithNumber("startTime", mcp.Description("Inclusive lower bound, epoch ms")),
		mcp.WithNumber("endTime", mcp.Description("Inclusive upper bound, epoch ms")),
		mcp.WithString("groupBy", mcp.Description("One of component, control, changeGroup, hour, day")),
	), s.handleGetEventStatistics)

	s.mcp.AddTool(mcp.NewTool("query_qsys_api",
		mcp.WithDescription("Invoke a raw QRWC method and return the Core's result verbatim"),
		mcp.WithString("method", mcp.Required()),
		mcp.WithObject("params", mcp.Description("Method parameters, passed through unmodified")),
	), s.handleQueryQsysAPI)
}

// guard runs the dispatcher's auth/rate-limit gate for method, pulling
// optional credentials out of args directly (apiKey, bearerToken) since
// the stdio MCP transport carries no request-metadata headers to extract
// them from.
func (s *Server) guard(method string, args map[string]any) error {
	creds := dispatcher.Credentials{}
	if v, ok := args["apiKey"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := args["bearerToken"].(string); ok {
		creds.BearerToken = v
	}
	_, err := s.dispatcher.Guard(method, creds)
	return err
}

// errorResult renders err as the {error:{code,message,details?}}
// envelope in the tool result's text content, and flags the result as
// an error for MCP clients that check IsError.
func errorResult(err error) *mcp.CallToolResult {
	envelope := map[string]any{"error": bridgeerr.ToToolError(err)}
	encoded, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(encoded))
}

// stripCreds returns a shallow copy of args with the out-of-band
// credential fields removed, so DecodeStrict's unknown-field rejection
// doesn't see them as part of a tool's declared schema.
func stripCreds(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == "apiKey" || k == "bearerToken" {
			continue
		}
		out[k] = v
	}
	return out
}

// jsonResult renders v as the tool result's JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return errorResult(bridgeerr.Wrap(bridgeerr.Internal, err, "encoding tool result")), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/dispatcher"
)

type createChangeGroupParams struct {
	ID           string  `json:"id"`
	PollInterval float64 `json:"pollInterval,omitempty"`
}

func (s *Server) handleCreateChangeGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("create_change_group", args); err != nil {
		return errorResult(err), nil
	}
	var params createChangeGroupParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	interval := time.Duration(params.PollInterval) * time.Millisecond
	if _, err := s.groups.Create(params.ID, interval); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"id": params.ID, "created": true})
}

type changeGroupIDParams struct {
	ID       string   `json:"id"`
	Controls []string `json:"controls,omitempty"`
}

func (s *Server) handleAddControlsToChangeGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("add_controls_to_change_group", args); err != nil {
		return errorResult(err), nil
	}
	var params changeGroupIDParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	if len(params.Controls) == 0 {
		return errorResult(bridgeerr.New(bridgeerr.ValidationError, "controls must not be empty")), nil
	}

	added, err := s.groups.AddControls(params.ID, params.Controls)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"controlsAdded": added})
}

func (s *Server) handleRemoveControlsFromChangeGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("remove_controls_from_change_group", args); err != nil {
		return errorResult(err), nil
	}
	var params changeGroupIDParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	if len(params.Controls) == 0 {
		return errorResult(bridgeerr.New(bridgeerr.ValidationError, "controls must not be empty")), nil
	}

	removed, err := s.groups.RemoveControls(params.ID, params.Controls)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"removed": removed})
}

type changeGroupOnlyIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleClearChangeGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("clear_change_group", args); err != nil {
		return errorResult(err), nil
	}
	var params changeGroupOnlyIDParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	if err := s.groups.Clear(params.ID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"ok": true})
}

func (s *Server) handlePollChangeGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("poll_change_group", args); err != nil {
		return errorResult(err), nil
	}
	var params changeGroupOnlyIDParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	changes, err := s.groups.Poll(ctx, params.ID)
	if err != nil {
		return errorResult(err), nil
	}

	type changeOut struct {
		Component string   `json:"component,omitempty"`
		Name      string   `json:"name"`
		Value     any      `json:"value"`
		String    string   `json:"string,omitempty"`
		Timestamp int64    `json:"timestamp"`
		EventType string   `json:"eventType"`
		Threshold *float64 `json:"threshold,omitempty"`
	}
	now := time.Now().UnixMilli()
	out := make([]changeOut, 0, len(changes))
	for _, c := range changes {
		component, name := splitComponent(c.ControlName)
		out = append(out, changeOut{Component: component, Name: name, Value: c.Value, String: c.String, Timestamp: now, EventType: string(c.EventType), Threshold: c.Threshold})
	}
	return jsonResult(map[string]any{"changes": out})
}

type setChangeGroupAutoPollParams struct {
	ID       string  `json:"id"`
	Enabled  bool    `json:"enabled"`
	Interval float64 `json:"interval,omitempty"`
}

func (s *Server) handleSetChangeGroupAutoPoll(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("set_change_group_auto_poll", args); err != nil {
		return errorResult(err), nil
	}
	var params setChangeGroupAutoPollParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	if err := s.groups.SetAutoPoll(ctx, params.ID, params.Enabled, params.Interval); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"ok": true})
}

func (s *Server) handleListChangeGroups(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("list_change_groups", args); err != nil {
		return errorResult(err), nil
	}

	type groupOut struct {
		ID           string `json:"id"`
		ControlCount int    `json:"controlCount"`
		AutoPoll     bool   `json:"autoPoll"`
		PollInterval int64  `json:"pollInterval"`
		Created      int64  `json:"created"`
	}
	summaries := s.groups.List()
	out := make([]groupOut, 0, len(summaries))
	for _, g := range summaries {
		out = append(out, groupOut{
			ID: g.ID, ControlCount: g.Size, AutoPoll: g.AutoPoll,
			PollInterval: g.PollInterval.Milliseconds(), Created: g.CreatedAt.UnixMilli(),
		})
	}
	return jsonResult(map[string]any{"groups": out})
}

func (s *Server) handleDestroyChangeGroup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("destroy_change_group", args); err != nil {
		return errorResult(err), nil
	}
	var params changeGroupOnlyIDParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	if err := s.groups.Destroy(params.ID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"ok": true})
}

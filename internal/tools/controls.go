package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qsysbridge/core/internal/batch"
	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/dispatcher"
)

type controlRef struct {
	Component string `json:"component,omitempty"`
	Name      string `json:"name"`
}

type getControlValuesParams struct {
	Controls []controlRef `json:"controls"`
}

func (s *Server) handleGetControlValues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("get_control_values", args); err != nil {
		return errorResult(err), nil
	}
	var params getControlValuesParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	if len(params.Controls) == 0 {
		return errorResult(bridgeerr.New(bridgeerr.ValidationError, "controls must not be empty")), nil
	}

	names := make([]string, 0, len(params.Controls))
	for _, ref := range params.Controls {
		names = append(names, qualifiedName(ref.Component, ref.Name))
	}

	controls, err := s.core.ControlValues(ctx, names)
	if err != nil {
		return errorResult(err), nil
	}

	type valueOut struct {
		Component string  `json:"component,omitempty"`
		Name      string  `json:"name"`
		Value     any     `json:"value"`
		String    string  `json:"string,omitempty"`
		Position  float64 `json:"position,omitempty"`
	}
	out := make([]valueOut, 0, len(controls))
	for i, c := range controls {
		component := ""
		if i < len(params.Controls) {
			component = params.Controls[i].Component
		}
		out = append(out, valueOut{Component: component, Name: c.Name, Value: c.Value, String: c.String, Position: c.Position})
	}
	return jsonResult(map[string]any{"values": out})
}

type controlWrite struct {
	Component string   `json:"component,omitempty"`
	Name      string   `json:"name"`
	Value     any      `json:"value,omitempty"`
	Position  *float64 `json:"position,omitempty"`
	Ramp      *float64 `json:"ramp,omitempty"`
}

type setControlValuesParams struct {
	Controls []controlWrite `json:"controls"`
}

func (s *Server) handleSetControlValues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("set_control_values", args); err != nil {
		return errorResult(err), nil
	}
	var params setControlValuesParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	if len(params.Controls) == 0 {
		return errorResult(bridgeerr.New(bridgeerr.ValidationError, "controls must not be empty")), nil
	}

	writes := make([]batch.Write, 0, len(params.Controls))
	for _, w := range params.Controls {
		value := w.Value
		if value == nil && w.Position != nil {
			value = *w.Position
		}
		writes = append(writes, batch.Write{Component: w.Component, Name: qualifiedName(w.Component, w.Name), Value: value, Ramp: w.Ramp})
	}

	result, err := s.executor.Execute(ctx, writes, batch.DefaultOptions())
	if err != nil {
		return errorResult(err), nil
	}

	type outcomeOut struct {
		Name       string               `json:"name"`
		Success    bool                 `json:"success"`
		Value      any                  `json:"value,omitempty"`
		Error      *bridgeerr.ToolError `json:"error,omitempty"`
		RolledBack bool                 `json:"rolledBack,omitempty"`
	}
	outcomes := make([]outcomeOut, 0, len(result.Results))
	for _, r := range result.Results {
		outcomes = append(outcomes, outcomeOut{Name: r.Name, Success: r.Success, Value: r.Value, Error: r.Error, RolledBack: r.RolledBack})
	}

	return jsonResult(map[string]any{
		"totalControls":     result.TotalControls,
		"successCount":      result.SuccessCount,
		"failureCount":      result.FailureCount,
		"results":           outcomes,
		"rollbackPerformed": result.RollbackPerformed,
		"executionTimeMs":   result.ExecutionTimeMs,
	})
}

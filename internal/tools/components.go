package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/dispatcher"
)

type listComponentsParams struct {
	Filter            string `json:"filter,omitempty"`
	IncludeProperties bool   `json:"includeProperties,omitempty"`
}

func (s *Server) handleListComponents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("list_components", args); err != nil {
		return errorResult(err), nil
	}
	var params listComponentsParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	components, err := s.core.ListComponents(ctx, params.Filter)
	if err != nil {
		return errorResult(err), nil
	}

	type componentOut struct {
		Name       string         `json:"name"`
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties,omitempty"`
	}
	out := make([]componentOut, 0, len(components))
	for _, c := range components {
		entry := componentOut{Name: c.Name, Type: c.Type}
		if params.IncludeProperties {
			entry.Properties = c.Properties
		}
		out = append(out, entry)
	}
	return jsonResult(map[string]any{"components": out, "count": len(out)})
}

type getComponentControlsParams struct {
	ComponentName string `json:"componentName"`
}

func (s *Server) handleGetComponentControls(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("get_component_controls", args); err != nil {
		return errorResult(err), nil
	}
	var params getComponentControlsParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	if params.ComponentName == "" {
		return errorResult(bridgeerr.New(bridgeerr.ValidationError, "componentName is required")), nil
	}

	controls, err := s.core.ComponentControls(ctx, params.ComponentName)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"controls": renderControls(controls, true)})
}

type listControlsParams struct {
	Component       string `json:"component,omitempty"`
	ControlType     string `json:"controlType,omitempty"`
	IncludeMetadata bool   `json:"includeMetadata,omitempty"`
}

func (s *Server) handleListControls(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("list_controls", args); err != nil {
		return errorResult(err), nil
	}
	var params listControlsParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	var controls []controlOut
	if params.Component != "" {
		raw, err := s.core.ComponentControls(ctx, params.Component)
		if err != nil {
			return errorResult(err), nil
		}
		controls = renderControls(raw, params.IncludeMetadata)
	} else {
		components, err := s.core.ListComponents(ctx, "")
		if err != nil {
			return errorResult(err), nil
		}
		for _, c := range components {
			raw, err := s.core.ComponentControls(ctx, c.Name)
			if err != nil {
				continue
			}
			controls = append(controls, renderControls(raw, params.IncludeMetadata)...)
		}
	}

	if params.ControlType != "" && params.ControlType != "all" {
		filtered := controls[:0]
		for _, c := range controls {
			if matchesControlType(c.Name, c.Type, params.ControlType) {
				filtered = append(filtered, c)
			}
		}
		controls = filtered
	}

	return jsonResult(controls)
}

// matchesControlType applies list_controls' coarse controlType filter:
// gain/mute/input_select/output_select are matched by substring,
// case-insensitively, against the control's reported type or its name;
// a match on either keeps the control.
func matchesControlType(name, controlType, want string) bool {
	haystack := controlType
	if haystack == "" {
		haystack = name
	}
	return containsFold(haystack, want) || containsFold(name, want)
}

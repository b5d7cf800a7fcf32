package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/dispatcher"
)

type queryCoreStatusParams struct {
	IncludeDesignInfo  bool `json:"includeDesignInfo,omitempty"`
	IncludeNetworkInfo bool `json:"includeNetworkInfo,omitempty"`
}

func (s *Server) handleQueryCoreStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("query_core_status", args); err != nil {
		return errorResult(err), nil
	}
	var params queryCoreStatusParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	status, err := s.core.Status(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	out := map[string]any{"code": status.Code, "string": status.String}
	if params.IncludeDesignInfo {
		out["designName"] = status.DesignName
		out["designCode"] = status.DesignCode
		out["platform"] = status.Platform
		out["isRedundant"] = status.IsRedundant
		out["isEmulator"] = status.IsEmulator
	}
	if params.IncludeNetworkInfo {
		out["networkIp"] = status.NetworkIP
		out["networkDns"] = status.NetworkDNS
	}
	return jsonResult(map[string]any{"status": out})
}

type getAllControlsParams struct {
	IncludeMetadata  bool `json:"includeMetadata,omitempty"`
	GroupByComponent bool `json:"groupByComponent,omitempty"`
}

func (s *Server) handleGetAllControls(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("get_all_controls", args); err != nil {
		return errorResult(err), nil
	}
	var params getAllControlsParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	components, err := s.core.ListComponents(ctx, "")
	if err != nil {
		return errorResult(err), nil
	}

	if params.GroupByComponent {
		grouped := make(map[string][]controlOut, len(components))
		for _, c := range components {
			raw, err := s.core.ComponentControls(ctx, c.Name)
			if err != nil {
				continue
			}
			grouped[c.Name] = renderControls(raw, params.IncludeMetadata)
		}
		return jsonResult(map[string]any{"components": grouped})
	}

	var all []controlOut
	for _, c := range components {
		raw, err := s.core.ComponentControls(ctx, c.Name)
		if err != nil {
			continue
		}
		all = append(all, renderControls(raw, params.IncludeMetadata)...)
	}
	return jsonResult(map[string]any{"controls": all, "count": len(all)})
}

type queryQsysAPIParams struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

func (s *Server) handleQueryQsysAPI(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("query_qsys_api", args); err != nil {
		return errorResult(err), nil
	}
	var params queryQsysAPIParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	if params.Method == "" {
		return errorResult(bridgeerr.New(bridgeerr.ValidationError, "method is required")), nil
	}

	raw, err := s.core.Raw(ctx, params.Method, params.Params)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

package tools

import (
	"strings"

	"github.com/qsysbridge/core/internal/qsysapi"
)

// controlOut is the {name,type,value,string,position,metadata?} shape
// control listings and value reads return.
type controlOut struct {
	Name     string         `json:"name"`
	Type     string         `json:"type,omitempty"`
	Value    any            `json:"value"`
	String   string         `json:"string,omitempty"`
	Position float64        `json:"position,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func renderControls(controls []qsysapi.Control, includeMetadata bool) []controlOut {
	out := make([]controlOut, 0, len(controls))
	for _, c := range controls {
		entry := controlOut{Name: c.Name, Type: c.Type, Value: c.Value, String: c.String, Position: c.Position}
		if includeMetadata && c.Metadata != nil {
			entry.Metadata = map[string]any{
				"type": c.Metadata.Type, "component": c.Metadata.Component,
				"min": c.Metadata.Min, "max": c.Metadata.Max,
				"step": c.Metadata.Step, "units": c.Metadata.Units,
			}
		}
		out = append(out, entry)
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// splitComponent reverses qualifiedName's joining: it splits a dotted
// control name into its component and leaf-name parts for tools that
// report component-qualified results (poll_change_group, query_change_events).
func splitComponent(name string) (component, leaf string) {
	if idx := strings.Index(name, "."); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

// qualifiedName joins component and name into the dotted control name
// convention (first segment is the component), unless name is already
// qualified.
func qualifiedName(component, name string) string {
	if component == "" || strings.Contains(name, ".") {
		return name
	}
	return component + "." + name
}

package tools

import (
	"context"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/dispatcher"
	"github.com/qsysbridge/core/internal/eventbuffer"
)

type queryChangeEventsParams struct {
	StartTime      int64    `json:"startTime,omitempty"`
	EndTime        int64    `json:"endTime,omitempty"`
	ChangeGroupID  string   `json:"changeGroupId,omitempty"`
	ControlNames   []string `json:"controlNames,omitempty"`
	ComponentNames []string `json:"componentNames,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	Offset         int      `json:"offset,omitempty"`
}

func (s *Server) handleQueryChangeEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("query_change_events", args); err != nil {
		return errorResult(err), nil
	}
	var params queryChangeEventsParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}
	// An oversized limit is clamped by the buffer's query, not rejected.
	names := s.expandControlNames(ctx, params.ControlNames, params.ComponentNames)

	query := eventbuffer.Query{
		GroupID:      params.ChangeGroupID,
		StartTimeMs:  params.StartTime,
		EndTimeMs:    params.EndTime,
		ControlNames: names,
		Limit:        params.Limit,
		Offset:       params.Offset,
	}

	result, err := s.events.Query(query)
	if err != nil {
		return errorResult(err), nil
	}

	type eventOut struct {
		GroupID     string   `json:"changeGroupId,omitempty"`
		Component   string   `json:"component,omitempty"`
		Name        string   `json:"name"`
		Value       any      `json:"value"`
		String      string   `json:"string,omitempty"`
		Timestamp   int64    `json:"timestamp"`
		EventType   string   `json:"eventType"`
		Delta       float64  `json:"delta,omitempty"`
		Threshold   *float64 `json:"threshold,omitempty"`
		SequenceNum uint64   `json:"sequenceNumber"`
	}
	events := make([]eventOut, 0, len(result.Events))
	for _, ev := range result.Events {
		component, name := splitComponent(ev.ControlName)
		out := eventOut{
			GroupID: ev.GroupID, Component: component, Name: name, Value: ev.Value,
			String: ev.StringRepr, Timestamp: ev.TimestampMs, EventType: string(ev.EventType),
			Threshold: ev.Threshold, SequenceNum: ev.SequenceNumber,
		}
		if ev.Delta != nil {
			out.Delta = *ev.Delta
		}
		events = append(events, out)
	}

	return jsonResult(map[string]any{
		"events":  events,
		"count":   result.Count,
		"hasMore": result.HasMore,
	})
}

// expandControlNames builds the ControlNames filter query_change_events
// passes through to the event buffer. componentNames is resolved to its
// members' qualified control names via Core lookups; controlNames is used
// as-is. A name present in both lists is not duplicated.
func (s *Server) expandControlNames(ctx context.Context, controlNames, componentNames []string) []string {
	if len(componentNames) == 0 {
		return controlNames
	}
	seen := make(map[string]struct{}, len(controlNames))
	out := make([]string, 0, len(controlNames))
	for _, n := range controlNames {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	for _, component := range componentNames {
		controls, err := s.core.ComponentControls(ctx, component)
		if err != nil {
			continue
		}
		for _, c := range controls {
			name := qualifiedName(component, c.Name)
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}

type getEventStatisticsParams struct {
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	GroupBy   string `json:"groupBy,omitempty"`
}

// statsQueryLimit is the raw-event page size get_event_statistics fetches
// to compute bucketings eventbuffer.aggregate does not do natively
// (component, hour, day). It is intentionally the max query page size;
// a statistics call spanning more than that many events undercounts the
// tail, which is reported via the "truncated" flag in the response.
const statsQueryLimit = 10000

func (s *Server) handleGetEventStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if err := s.guard("get_event_statistics", args); err != nil {
		return errorResult(err), nil
	}
	var params getEventStatisticsParams
	if err := dispatcher.DecodeStrict(stripCreds(args), &params); err != nil {
		return errorResult(err), nil
	}

	groupBy := params.GroupBy
	if groupBy == "" {
		groupBy = "control"
	}

	query := eventbuffer.Query{
		StartTimeMs: params.StartTime,
		EndTimeMs:   params.EndTime,
		Limit:       statsQueryLimit,
	}
	if groupBy == "control" || groupBy == "changeGroup" {
		query.Aggregation = &eventbuffer.Aggregation{Kind: "count", GroupBy: groupBy}
	}

	result, err := s.events.Query(query)
	if err != nil {
		return errorResult(err), nil
	}

	var stats map[string]any
	switch groupBy {
	case "control", "changeGroup":
		stats = result.Aggregation
	case "component":
		stats = map[string]any{"counts": bucketByComponent(result.Events)}
	case "hour", "day":
		stats = map[string]any{"counts": bucketByTime(result.Events, groupBy)}
	default:
		return errorResult(bridgeerr.New(bridgeerr.ValidationError, "unsupported groupBy")), nil
	}

	return jsonResult(map[string]any{
		"statistics": stats,
		"truncated":  result.HasMore,
	})
}

func bucketByComponent(events []eventbuffer.Event) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		component, _ := splitComponent(ev.ControlName)
		if component == "" {
			component = "(unqualified)"
		}
		counts[component]++
	}
	return counts
}

// bucketByTime buckets events by hour or day derived from TimestampMs,
// using UTC so results are stable across the process's local timezone.
func bucketByTime(events []eventbuffer.Event, unit string) map[string]int {
	counts := make(map[string]int)
	const (
		msPerHour = int64(3600 * 1000)
		msPerDay  = msPerHour * 24
	)
	bucketSize := msPerHour
	if unit == "day" {
		bucketSize = msPerDay
	}
	for _, ev := range events {
		bucket := ev.TimestampMs / bucketSize
		counts[strconv.FormatInt(bucket, 10)]++
	}
	return counts
}

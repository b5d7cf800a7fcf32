// Package qsysapi defines typed response variants for the Core's QRWC
// methods and the explicit parse functions that turn its untyped JSON
// results into them, so nothing downstream ever walks a raw map. Each
// parser tolerates the handful of response shapes Cores have been
// observed to produce and fails with a tagged error on anything else.
package qsysapi

import (
	"encoding/json"

	"github.com/qsysbridge/core/internal/bridgeerr"
)

// Component is one entry of a Component.GetComponents result.
type Component struct {
	Name       string         `json:"Name"`
	Type       string         `json:"Type"`
	Properties map[string]any `json:"Properties,omitempty"`
}

// ControlMetadata is the optional descriptive data attached to a control,
// when the Core's response includes it.
type ControlMetadata struct {
	Type      string  `json:"Type,omitempty"`
	Component string  `json:"Component,omitempty"`
	Min       float64 `json:"Min,omitempty"`
	Max       float64 `json:"Max,omitempty"`
	Step      float64 `json:"Step,omitempty"`
	Units     string  `json:"Units,omitempty"`
}

// Control is one entry of a Component.GetControls or Control.GetValues
// result: a control's identity, current value, and (for
// Component.GetControls) its descriptive metadata.
type Control struct {
	Name     string           `json:"Name"`
	Type     string           `json:"Type,omitempty"`
	Value    any              `json:"Value"`
	String   string           `json:"String,omitempty"`
	Position float64          `json:"Position,omitempty"`
	Metadata *ControlMetadata `json:"Metadata,omitempty"`
}

// Status is the flattened StatusGet result. The Core nests the
// code/string pair under a "Status" member; statusBody lifts it out.
type Status struct {
	Code        int    `json:"code"`
	String      string `json:"string"`
	DesignName  string `json:"designName,omitempty"`
	DesignCode  string `json:"designCode,omitempty"`
	Platform    string `json:"platform,omitempty"`
	State       string `json:"state,omitempty"`
	IsRedundant bool   `json:"isRedundant,omitempty"`
	IsEmulator  bool   `json:"isEmulator,omitempty"`
	NetworkIP   string `json:"networkIp,omitempty"`
	NetworkDNS  string `json:"networkDns,omitempty"`
}

// statusBody is the wire shape of a StatusGet result.
type statusBody struct {
	Platform    string `json:"Platform"`
	State       string `json:"State"`
	DesignName  string `json:"DesignName"`
	DesignCode  string `json:"DesignCode"`
	IsRedundant bool   `json:"IsRedundant"`
	IsEmulator  bool   `json:"IsEmulator"`
	NetworkIP   string `json:"NetworkIP"`
	NetworkDNS  string `json:"NetworkDNS"`
	Status      struct {
		Code   int    `json:"Code"`
		String string `json:"String"`
	} `json:"Status"`
}

func (b statusBody) flatten() Status {
	return Status{
		Code:        b.Status.Code,
		String:      b.Status.String,
		DesignName:  b.DesignName,
		DesignCode:  b.DesignCode,
		Platform:    b.Platform,
		State:       b.State,
		IsRedundant: b.IsRedundant,
		IsEmulator:  b.IsEmulator,
		NetworkIP:   b.NetworkIP,
		NetworkDNS:  b.NetworkDNS,
	}
}

// isZero reports whether the body decoded to nothing recognizable, so
// ParseStatus can fall through to the next candidate shape.
func (b statusBody) isZero() bool {
	return b.Platform == "" && b.DesignName == "" && b.Status.String == "" && b.State == ""
}

type componentsEnvelope struct {
	Result []Component `json:"result"`
}

type controlsBody struct {
	Name     string    `json:"Name"`
	Controls []Control `json:"Controls"`
}

type controlsEnvelope struct {
	Result controlsBody `json:"result"`
}

type controlValuesEnvelope struct {
	Result []Control `json:"result"`
}

type statusEnvelope struct {
	Result statusBody `json:"result"`
}

// ParseComponents decodes a Component.GetComponents result: a bare
// component array, or the same array re-wrapped under "result".
func ParseComponents(raw json.RawMessage) ([]Component, error) {
	var direct []Component
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}
	var env componentsEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Result != nil {
		return env.Result, nil
	}
	return nil, bridgeerr.New(bridgeerr.Internal, "unrecognized Component.GetComponents response shape")
}

// ParseControls decodes a Component.GetControls result. The usual shape
// is {"Name": ..., "Controls": [...]}; a bare array and a re-wrapped
// {"result": ...} envelope are also accepted.
func ParseControls(raw json.RawMessage) ([]Control, error) {
	var body controlsBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Controls != nil {
		return body.Controls, nil
	}
	var env controlsEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Result.Controls != nil {
		return env.Result.Controls, nil
	}
	var direct []Control
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}
	return nil, bridgeerr.New(bridgeerr.Internal, "unrecognized Component.GetControls response shape")
}

// ParseControlValues decodes a Control.GetValues result.
func ParseControlValues(raw json.RawMessage) ([]Control, error) {
	var env controlValuesEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Result != nil {
		return env.Result, nil
	}
	var direct []Control
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}
	return nil, bridgeerr.New(bridgeerr.Internal, "unrecognized Control.GetValues response shape")
}

// ParseStatus decodes a StatusGet result, flattening the nested
// {"Status": {"Code", "String"}} member the Core reports.
func ParseStatus(raw json.RawMessage) (Status, error) {
	var body statusBody
	if err := json.Unmarshal(raw, &body); err == nil && !body.isZero() {
		return body.flatten(), nil
	}
	var env statusEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && !env.Result.isZero() {
		return env.Result.flatten(), nil
	}
	return Status{}, bridgeerr.New(bridgeerr.Internal, "unrecognized StatusGet response shape")
}

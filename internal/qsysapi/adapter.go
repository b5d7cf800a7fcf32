package qsysapi

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/cache"
	"github.com/qsysbridge/core/internal/changegroup"
	"github.com/qsysbridge/core/internal/qrwc"
)

// Adapter is the Core-facing façade every tool handler and the
// change-group/batch engines call through: it speaks QRWC methods, keeps
// internal/cache up to date with every value it observes, and exposes
// typed results instead of raw JSON. It implements
// changegroup.ControlReader and batch.CoreWriter.
type Adapter struct {
	client *qrwc.Client
	cache  *cache.Cache
	logger *zap.SugaredLogger
}

func New(client *qrwc.Client, store *cache.Cache, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{client: client, cache: store, logger: logger.Named("qsysapi")}
}

// ListComponents calls Component.GetComponents, optionally filtering by
// substring match on name or type.
func (a *Adapter) ListComponents(ctx context.Context, filter string) ([]Component, error) {
	raw, err := a.client.SendCommand(ctx, qrwc.MethodComponentGetComponents, struct{}{}, nil)
	if err != nil {
		return nil, err
	}
	components, err := ParseComponents(raw)
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return components, nil
	}
	filtered := make([]Component, 0, len(components))
	needle := strings.ToLower(filter)
	for _, c := range components {
		if strings.Contains(strings.ToLower(c.Name), needle) || strings.Contains(strings.ToLower(c.Type), needle) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// ComponentControls calls Component.GetControls for componentName and
// caches every returned control's current value as source=core.
func (a *Adapter) ComponentControls(ctx context.Context, componentName string) ([]Control, error) {
	if componentName == "" {
		return nil, bridgeerr.New(bridgeerr.ValidationError, "componentName must not be empty")
	}
	raw, err := a.client.SendCommand(ctx, qrwc.MethodComponentGetControls, map[string]string{"Name": componentName}, nil)
	if err != nil {
		if isCoreNotFound(err) {
			return nil, bridgeerr.New(bridgeerr.ComponentNotFound, "component not found: "+componentName)
		}
		return nil, err
	}
	controls, err := ParseControls(raw)
	if err != nil {
		return nil, err
	}
	a.cacheControls(componentName, controls)
	return controls, nil
}

// ControlValues calls Control.GetValues for the fully-qualified names and
// caches every returned value as source=core.
func (a *Adapter) ControlValues(ctx context.Context, names []string) ([]Control, error) {
	if len(names) == 0 {
		return nil, nil
	}
	raw, err := a.client.SendCommand(ctx, qrwc.MethodControlGetValues, map[string]any{"Names": names}, nil)
	if err != nil {
		return nil, err
	}
	controls, err := ParseControlValues(raw)
	if err != nil {
		return nil, err
	}
	a.cacheControls("", controls)
	return controls, nil
}

// SetControlValues calls Control.SetValues (or Control.SetRamp when ramp
// is non-zero) for one control and caches the write as source=user.
func (a *Adapter) SetControlValues(ctx context.Context, name string, value any, ramp *float64) error {
	if ramp != nil && *ramp > 0 {
		_, err := a.client.SendCommand(ctx, qrwc.MethodControlSetRamp, map[string]any{
			"Name": name, "Value": value, "Ramp": *ramp,
		}, nil)
		if err != nil {
			return err
		}
	} else {
		_, err := a.client.SendCommand(ctx, qrwc.MethodControlSetValues, map[string]any{
			"Controls": []map[string]any{{"Name": name, "Value": value}},
		}, nil)
		if err != nil {
			return err
		}
	}
	a.cache.Set(name, cache.ControlState{Name: name, Value: value, Source: "user"})
	return nil
}

// Status calls StatusGet.
func (a *Adapter) Status(ctx context.Context) (Status, error) {
	raw, err := a.client.SendCommand(ctx, qrwc.MethodStatusGet, struct{}{}, nil)
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(raw)
}

// Raw calls method with params verbatim and returns the Core's result
// payload unparsed, for query_qsys_api.
func (a *Adapter) Raw(ctx context.Context, method string, params any) ([]byte, error) {
	raw, err := a.client.SendCommand(ctx, method, params, nil)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// GetControlValues implements changegroup.ControlReader.
func (a *Adapter) GetControlValues(ctx context.Context, names []string) (map[string]changegroup.ControlSnapshot, error) {
	controls, err := a.ControlValues(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make(map[string]changegroup.ControlSnapshot, len(controls))
	for _, c := range controls {
		out[c.Name] = changegroup.ControlSnapshot{Value: c.Value, String: c.String, Position: c.Position}
	}
	return out, nil
}

// GetControlValue implements batch.CoreWriter, reading a single control
// via the cache first, falling back to a live Control.GetValues call.
func (a *Adapter) GetControlValue(ctx context.Context, name string) (any, error) {
	if state, ok := a.cache.Get(name); ok {
		return state.Value, nil
	}
	controls, err := a.ControlValues(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	if len(controls) == 0 {
		return nil, bridgeerr.New(bridgeerr.ControlNotFound, "control not found: "+name)
	}
	return controls[0].Value, nil
}

// SetControlValue implements batch.CoreWriter.
func (a *Adapter) SetControlValue(ctx context.Context, name string, value any, ramp *float64) error {
	return a.SetControlValues(ctx, name, value, ramp)
}

func (a *Adapter) cacheControls(componentName string, controls []Control) {
	states := make(map[string]cache.ControlState, len(controls))
	for _, c := range controls {
		var metadata map[string]any
		if c.Metadata != nil {
			metadata = map[string]any{
				"type": c.Metadata.Type, "component": c.Metadata.Component,
				"min": c.Metadata.Min, "max": c.Metadata.Max,
				"step": c.Metadata.Step, "units": c.Metadata.Units,
			}
		}
		name := c.Name
		if componentName != "" && !strings.Contains(name, ".") {
			name = componentName + "." + name
		}
		states[name] = cache.ControlState{Name: name, Value: c.Value, String: c.String, Position: c.Position, Source: "core", Metadata: metadata}
	}
	a.cache.SetMany(states)
}

func isCoreNotFound(err error) bool {
	be, ok := bridgeerr.As(err)
	if !ok {
		return false
	}
	return be.Kind == bridgeerr.CoreError && strings.Contains(strings.ToLower(be.Message), "not found")
}

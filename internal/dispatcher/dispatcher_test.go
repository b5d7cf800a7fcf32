package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsysbridge/core/internal/bridgecfg"
	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/logging"
)

func newTestDispatcher(authCfg bridgecfg.AuthConfig, rlCfg bridgecfg.RateLimitConfig) *Dispatcher {
	return New(NewAuthenticator(authCfg), NewRateLimiter(rlCfg), logging.Nop())
}

func TestGuard_AuthFailureShortCircuitsBeforeRateLimit(t *testing.T) {
	d := newTestDispatcher(
		bridgecfg.AuthConfig{Enabled: true},
		bridgecfg.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1},
	)

	_, err := d.Guard("set_control_values", Credentials{})
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.AuthRequired, be.Kind)
}

func TestGuard_RateLimitedAfterBurstExhausted(t *testing.T) {
	d := newTestDispatcher(
		bridgecfg.AuthConfig{Enabled: true, APIKeys: []string{"k"}},
		bridgecfg.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1, PerClient: false},
	)

	_, err := d.Guard("set_control_values", Credentials{APIKey: "k"})
	require.NoError(t, err)

	_, err = d.Guard("set_control_values", Credentials{APIKey: "k"})
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.RateLimited, be.Kind)
	assert.Contains(t, be.Details, "retryAfter")
}

type decodeTarget struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func TestDecodeStrict_PopulatesKnownFields(t *testing.T) {
	var dest decodeTarget
	err := DecodeStrict(map[string]any{"name": "a", "value": 5.0}, &dest)
	require.NoError(t, err)
	assert.Equal(t, "a", dest.Name)
	assert.Equal(t, 5.0, dest.Value)
}

func TestDecodeStrict_RejectsUnknownField(t *testing.T) {
	var dest decodeTarget
	err := DecodeStrict(map[string]any{"name": "a", "value": 5.0, "bogus": true}, &dest)
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.ValidationError, be.Kind)
}

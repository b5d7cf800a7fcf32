package qrwc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/logging"
)

type scriptedSender struct {
	calls     int
	responses []func() (json.RawMessage, error)
}

func (s *scriptedSender) Send(_ context.Context, _ string, _ any, _ time.Duration) (json.RawMessage, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i]()
}

func TestSendCommand_RetriesReadsOnTimeout(t *testing.T) {
	sender := &scriptedSender{responses: []func() (json.RawMessage, error){
		func() (json.RawMessage, error) { return nil, bridgeerr.New(bridgeerr.Timeout, "deadline") },
		func() (json.RawMessage, error) { return json.RawMessage(`{"ok":true}`), nil },
	}}
	c := New(sender, logging.Nop())

	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Factor: 2, Timeout: time.Second}
	result, err := c.SendCommand(context.Background(), MethodControlGetValues, nil, &policy)
	require.NoError(t, err)
	assert.Equal(t, 2, sender.calls)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSendCommand_WritesDoNotRetryByDefault(t *testing.T) {
	sender := &scriptedSender{responses: []func() (json.RawMessage, error){
		func() (json.RawMessage, error) { return nil, bridgeerr.New(bridgeerr.Timeout, "deadline") },
		func() (json.RawMessage, error) { return json.RawMessage(`{"ok":true}`), nil },
	}}
	c := New(sender, logging.Nop())

	_, err := c.SendCommand(context.Background(), MethodControlSetValues, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, sender.calls)
}

func TestSendCommand_NotConnectedIsNonRetryable(t *testing.T) {
	sender := &scriptedSender{responses: []func() (json.RawMessage, error){
		func() (json.RawMessage, error) { return nil, bridgeerr.New(bridgeerr.NotConnected, "no socket") },
	}}
	c := New(sender, logging.Nop())

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Factor: 2, Timeout: time.Second}
	_, err := c.SendCommand(context.Background(), MethodStatusGet, nil, &policy)
	require.Error(t, err)
	assert.Equal(t, 1, sender.calls)
}

func TestSendCommand_MethodNotFoundIsNonRetryable(t *testing.T) {
	sender := &scriptedSender{responses: []func() (json.RawMessage, error){
		func() (json.RawMessage, error) {
			return nil, bridgeerr.New(bridgeerr.CoreError, "Method not found: Bogus.Call")
		},
	}}
	c := New(sender, logging.Nop())

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Factor: 2, Timeout: time.Second}
	_, err := c.SendCommand(context.Background(), MethodStatusGet, nil, &policy)
	require.Error(t, err)
	assert.Equal(t, 1, sender.calls)
}

package qrwc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/bridgeerr"
)

// Sender is the subset of *transport.Transport the adapter depends on,
// kept as an interface so tests drive SendCommand's retry logic without a
// real connection.
type Sender interface {
	Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// RetryPolicy controls how SendCommand retries a failed call. A nil
// policy is replaced by DefaultPolicy for the method; a non-nil one is
// used as given.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	Timeout    time.Duration
}

// DefaultPolicy returns the default retry policy for method: reads
// retry twice, writes don't retry at all (a retried write could
// double-apply a control change).
func DefaultPolicy(method string) RetryPolicy {
	maxRetries := 2
	if IsWrite(method) {
		maxRetries = 0
	}
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  100 * time.Millisecond,
		Factor:     2,
		Timeout:    5 * time.Second,
	}
}

// Client is the typed QRWC adapter: SendCommand applies a RetryPolicy
// around a Sender and returns the Core's result payload verbatim, or a
// tagged bridgeerr.BridgeError.
type Client struct {
	sender Sender
	logger *zap.SugaredLogger
}

func New(sender Sender, logger *zap.SugaredLogger) *Client {
	return &Client{sender: sender, logger: logger.Named("qrwc")}
}

// SendCommand invokes method with params, retrying per policy (or the
// method's DefaultPolicy when policy is nil).
func (c *Client) SendCommand(ctx context.Context, method string, params any, policy *RetryPolicy) (json.RawMessage, error) {
	p := DefaultPolicy(method)
	if policy != nil {
		p = *policy
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(p.BaseDelay, p.Factor, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, bridgeerr.Wrap(bridgeerr.Cancelled, ctx.Err(), "sendCommand cancelled during retry backoff")
			}
		}

		result, err := c.sender.Send(ctx, method, params, p.Timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}
		c.logger.Warnw("retrying qrwc command", "method", method, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func backoffDelay(base time.Duration, factor float64, attempt int) time.Duration {
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= factor
	}
	return time.Duration(delay)
}

// retryable decides whether err qualifies as a transient condition worth
// retrying: transport timeouts and Core-reported transient errors.
// Explicitly non-retryable: not-connected (the connection manager owns
// recovering the socket, not the adapter), validation errors,
// authorization errors, and an explicit Core "method not found".
func retryable(err error) bool {
	be, ok := bridgeerr.As(err)
	if !ok {
		return false
	}
	switch be.Kind {
	case bridgeerr.Timeout:
		return true
	case bridgeerr.CoreError:
		return !strings.Contains(strings.ToLower(be.Message), "method not found")
	default:
		return false
	}
}

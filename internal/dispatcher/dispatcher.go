package dispatcher

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/bridgeerr"
)

// Dispatcher combines an Authenticator and RateLimiter into the single
// gate every tool call passes through. Parameter validation is
// DecodeStrict, called by each tool handler with its own typed params
// struct; error translation is bridgeerr.ToToolError at the MCP
// boundary.
type Dispatcher struct {
	auth    *Authenticator
	limiter *RateLimiter
	logger  *zap.SugaredLogger
}

func New(auth *Authenticator, limiter *RateLimiter, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{auth: auth, limiter: limiter, logger: logger.Named("dispatcher")}
}

// Guard authenticates creds for method and checks the resulting client's
// rate limit, returning the resolved client id on success.
func (d *Dispatcher) Guard(method string, creds Credentials) (string, error) {
	clientID, err := d.auth.Authenticate(method, creds)
	if err != nil {
		return "", err
	}

	allowed, retryAfter := d.limiter.Allow(clientID)
	if !allowed {
		return "", bridgeerr.New(bridgeerr.RateLimited, "rate limit exceeded").
			WithDetails(map[string]any{"retryAfter": retryAfter.Seconds()})
	}
	return clientID, nil
}

// DecodeStrict decodes args into dest, rejecting unknown fields. If no
// params struct exists for a method, callers are expected to log and
// pass the raw arguments through instead of calling this.
func DecodeStrict(args map[string]any, dest any) error {
	encoded, err := json.Marshal(args)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.ValidationError, err, "re-encoding arguments")
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return bridgeerr.Wrap(bridgeerr.ValidationError, err, "invalid parameters")
	}
	return nil
}

// Package dispatcher implements the gate in front of the tool handlers:
// authentication (JWT bearer tokens or API keys), per-client rate
// limiting, and strict parameter decoding. It does not know about any
// individual tool; internal/tools calls Guard and DecodeStrict before
// running a handler.
package dispatcher

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qsysbridge/core/internal/bridgecfg"
	"github.com/qsysbridge/core/internal/bridgeerr"
)

// Credentials is whatever the MCP transport extracted from the incoming
// request's metadata: `Bearer <token>`, `ApiKey <key>`, or an
// `X-API-Key` header value.
type Credentials struct {
	BearerToken string
	APIKey      string
}

// tokenClaims is the signed {clientId, iat, exp} token payload.
type tokenClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"clientId"`
}

// Authenticator validates Credentials against configured API keys or a
// shared JWT secret.
type Authenticator struct {
	enabled        bool
	apiKeyHashes   [][32]byte
	jwtSecret      []byte
	tokenExpiry    time.Duration
	allowAnonymous map[string]bool
}

// NewAuthenticator builds an Authenticator from the bridge's auth config.
// A disabled config authenticates every call as anonymous.
func NewAuthenticator(cfg bridgecfg.AuthConfig) *Authenticator {
	anon := make(map[string]bool, len(cfg.AllowAnonymous))
	for _, m := range cfg.AllowAnonymous {
		anon[m] = true
	}
	hashes := make([][32]byte, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		hashes = append(hashes, sha256.Sum256([]byte(key)))
	}
	expiry := time.Duration(cfg.TokenExpiration) * time.Second
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Authenticator{
		enabled:        cfg.Enabled,
		apiKeyHashes:   hashes,
		jwtSecret:      []byte(cfg.JWTSecret),
		tokenExpiry:    expiry,
		allowAnonymous: anon,
	}
}

// Authenticate resolves creds into an opaque client id for method, or
// fails with AUTH_REQUIRED/AUTH_INVALID. Anonymous access is allowed for
// any method named in the configured allow-list regardless of whether
// auth is enabled.
func (a *Authenticator) Authenticate(method string, creds Credentials) (string, error) {
	if !a.enabled || a.allowAnonymous[method] {
		return "", nil
	}

	if creds.BearerToken != "" {
		return a.validateToken(creds.BearerToken)
	}
	if creds.APIKey != "" {
		return a.validateAPIKey(creds.APIKey)
	}
	return "", bridgeerr.New(bridgeerr.AuthRequired, "missing credentials: expected Bearer token or API key")
}

func (a *Authenticator) validateToken(raw string) (string, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, bridgeerr.New(bridgeerr.AuthInvalid, "unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", bridgeerr.Wrap(bridgeerr.AuthInvalid, err, "invalid or expired token")
	}
	return claims.ClientID, nil
}

// validateAPIKey compares key's SHA-256 hash against every configured
// key's hash with crypto/subtle.ConstantTimeCompare, never short-
// circuiting on the first match, so the time taken does not leak which
// (if any) configured key matched.
func (a *Authenticator) validateAPIKey(key string) (string, error) {
	sum := sha256.Sum256([]byte(key))
	matched := 0
	for _, h := range a.apiKeyHashes {
		matched |= subtle.ConstantTimeCompare(sum[:], h[:])
	}
	if matched == 0 {
		return "", bridgeerr.New(bridgeerr.AuthInvalid, "invalid API key")
	}
	return "apikey:" + hex.EncodeToString(sum[:8]), nil
}

// IssueToken mints a signed token for clientID, used by any out-of-band
// credential issuance the operator runs (not one of the 18 MCP tools).
func (a *Authenticator) IssueToken(clientID string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenExpiry)),
		},
		ClientID: clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.Internal, err, "signing token")
	}
	return signed, nil
}

package bridgeerr

import "regexp"

var (
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	tokenPattern    = regexp.MustCompile(`(?i)\b(bearer|token|apikey|api_key)[\s:=]+\S+`)
	passwordPattern = regexp.MustCompile(`(?i)password\s*=\s*\S+`)
)

// Sanitize strips IP addresses, bearer/API tokens, and "password=..."
// fragments out of a message before it is handed back to an MCP client
// as an INTERNAL error. It is a best-effort scrubber, not a guarantee —
// callers that can avoid passing raw internal error text at all should
// do so by constructing a BridgeError with an explicit safe Message.
func Sanitize(msg string) string {
	msg = ipPattern.ReplaceAllString(msg, "[redacted-ip]")
	msg = tokenPattern.ReplaceAllString(msg, "$1 [redacted]")
	msg = passwordPattern.ReplaceAllString(msg, "password=[redacted]")
	return msg
}

package transport

import "encoding/json"

// request is the JSON-RPC 2.0 frame the transport writes.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcError is the JSON-RPC error object, also reused to decode Core
// error payloads embedded in a response.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// inboundFrame decodes any frame the Core sends: a response (has Result
// or Error, ID may be a real id or null per the documented quirk) or a
// notification (no ID at all, e.g. EngineStatus or a change-group push).
type inboundFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// hasID reports whether the frame carried an "id" member at all, null
// included, distinguishing "id omitted" (a notification) from "id: null" (the
// documented Core quirk on some error paths, tie-broken in transport.go).
func (f *inboundFrame) hasID() bool {
	return len(f.ID) > 0
}

// idIsNull reports whether the frame's id member was present but literal
// null.
func (f *inboundFrame) idIsNull() bool {
	return f.hasID() && string(f.ID) == "null"
}

// decodedID parses a present, non-null id into an int64, for matching
// against the pending-request table.
func (f *inboundFrame) decodedID() (int64, bool) {
	if !f.hasID() || f.idIsNull() {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(f.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// Notification is an unsolicited server-to-client frame with no id:
// EngineStatus pushes, change-group pushes, and similar.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Package rpc correlates textual request/response pairs and fans out
// notifications over any message channel. It does not depend on the
// multiplexing layer, but commonly runs over one multiplexed stream
// per connection.
package rpc

import "encoding/json"

// Request asks the peer to run one operation. Token is an opaque
// credential threaded through to handlers; this layer never validates
// it.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"token,omitempty"`
}

// Response settles exactly one Request by correlation id. Error is a
// human-readable failure message; a response carries either a payload
// or an error, never both.
type Response struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Notification is a one-way server-to-client message outside any
// request/response pair.
type Notification struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// envelope is the union wire shape. Exactly one of the three is
// recognisable: requests have a type and an id, responses an id only,
// notifications a type only.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Token   string          `json:"token,omitempty"`
}

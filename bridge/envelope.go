package bridge

import (
	"encoding/json"

	"github.com/homepods/printbridge/errors"
)

// Request is the outbound envelope forwarded to the control host.
type Request struct {
	ID     uint64         `json:"id"`
	Path   string         `json:"path"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

// ResponseError is the structured error a host response may carry in place
// of a result. The serialization keeps it unambiguous with any legitimate
// payload: a response holds either "result" or "error", never both.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is the inbound envelope resolving a previously sent Request.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// Err converts the response's error field to the domain taxonomy, or nil
// for a success response.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return errors.NewHostError(r.Error.Code, r.Error.Message)
}

// Notification is an unsolicited inbound envelope, e.g. a status update or
// a host state transition.
type Notification struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Well-known notification names pushed by the host. StateChanged carries a
// bare JSON string payload ("ready" or "shutdown"); ServerConfig carries the
// host-side overrides for request timeouts.
const (
	NotifyStateChanged = "state_changed"
	NotifyServerConfig = "server_config"
	NotifyStatusUpdate = "status_update"
)

// Host states carried by a state_changed notification.
const (
	StateReady    = "ready"
	StateShutdown = "shutdown"
)

// frame is the superset of inbound envelope shapes. A frame with a non-nil
// id is a response; a frame with a name is a notification. Anything else is
// malformed and dropped.
type frame struct {
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

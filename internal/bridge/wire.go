package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/wabridge/internal/session"
)

// Request methods understood by the sidecar.
const (
	MethodOpen               = "open"
	MethodSendMessage        = "sendMessage"
	MethodOnWhatsApp         = "onWhatsApp"
	MethodSendPresenceUpdate = "sendPresenceUpdate"
	MethodPing               = "ping"
	MethodEnd                = "end"
)

// Event names pushed by the sidecar.
const (
	EventCredsUpdate      = "creds.update"
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
	EventPresenceUpdate   = "presence.update"
)

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// frame is either a response (ID set) or an event (Event set).
type frame struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RemoteError is an error reported by the sidecar. Code follows the
// network's disconnect reason codes where applicable.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: remote error %d: %s", e.Code, e.Message)
}

func (e *RemoteError) ReasonCode() int { return e.Code }

type openParams struct {
	Version             session.Version     `json:"version"`
	Auth                session.Credentials `json:"auth"`
	SyncFullHistory     bool                `json:"syncFullHistory"`
	MarkOnlineOnConnect bool                `json:"markOnlineOnConnect"`
	Browser             [3]string           `json:"browser"`
}

type sendParams struct {
	To      string              `json:"to"`
	Content session.Payload     `json:"content"`
	Options session.SendOptions `json:"options,omitempty"`
}

type lookupParams struct {
	JIDs []string `json:"jids"`
}

type presenceParams struct {
	Type session.Presence `json:"type"`
	To   string           `json:"to,omitempty"`
}

type versionResponse struct {
	Version session.Version `json:"version"`
}

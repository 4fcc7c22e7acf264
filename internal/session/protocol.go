package session

import (
	"context"
	"encoding/json"
	"strings"
)

// Version identifies the protocol revision negotiated with the network.
type Version [3]int

// Identity is the account a set of credentials is paired to.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Phone returns the bare account number: ID without device suffix or domain.
func (i Identity) Phone() string {
	user := i.ID
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user
}

// Credentials is the persisted authentication state. Data is owned by the
// protocol collaborator and treated as opaque here.
type Credentials struct {
	Me   *Identity       `json:"me,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Registered reports whether the credentials belong to a paired account.
func (c Credentials) Registered() bool {
	return c.Me != nil && strings.TrimSpace(c.Me.ID) != ""
}

// CredentialStore loads and persists credentials under a path.
type CredentialStore interface {
	LoadOrCreate(ctx context.Context, path string) (Credentials, error)
	Save(ctx context.Context, path string, creds Credentials) error
}

// OpenConfig is handed to Protocol.Open on every connection attempt.
type OpenConfig struct {
	Version             Version
	Auth                Credentials
	SyncFullHistory     bool
	MarkOnlineOnConnect bool
	Browser             [3]string
}

// Protocol opens connections to the messaging network.
type Protocol interface {
	FetchVersion(ctx context.Context) (Version, error)
	Open(ctx context.Context, cfg OpenConfig) (Conn, error)
}

type ConnectionStatus string

const (
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionOpen       ConnectionStatus = "open"
	ConnectionClose      ConnectionStatus = "close"
)

// DisconnectInfo describes why a connection closed.
type DisconnectInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// ConnectionUpdate is a connection-state notification. Any field may be
// zero; QR and Connection can arrive in the same update.
type ConnectionUpdate struct {
	Connection     ConnectionStatus `json:"connection,omitempty"`
	QR             string           `json:"qr,omitempty"`
	LastDisconnect *DisconnectInfo  `json:"lastDisconnect,omitempty"`
	IsNewLogin     bool             `json:"isNewLogin,omitempty"`
}

// MessagesUpsert carries newly observed messages.
type MessagesUpsert struct {
	Type     string       `json:"type"`
	Messages []WebMessage `json:"messages"`
}

type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresenceRecording   Presence = "recording"
	PresencePaused      Presence = "paused"
)

func (p Presence) Valid() bool {
	switch p {
	case PresenceAvailable, PresenceUnavailable, PresenceComposing, PresenceRecording, PresencePaused:
		return true
	default:
		return false
	}
}

type PresenceEntry struct {
	LastKnownPresence Presence `json:"lastKnownPresence"`
	LastSeen          int64    `json:"lastSeen,omitempty"`
}

// PresenceInfo reports presence for participants of one chat.
type PresenceInfo struct {
	ID        string                   `json:"id"`
	Presences map[string]PresenceEntry `json:"presences"`
}

// LookupResult is one answer of a registration lookup.
type LookupResult struct {
	JID    string `json:"jid"`
	Exists bool   `json:"exists"`
}

// DeliveryResult is the network's acknowledgement of a sent message.
type DeliveryResult struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type SendOptions struct {
	QuotedID string `json:"quotedId,omitempty"`
}

// Conn is one live protocol connection. Handlers are called from the
// connection's own goroutine in arrival order.
type Conn interface {
	OnCredsUpdate(func(Credentials))
	OnConnectionUpdate(func(ConnectionUpdate))
	OnMessagesUpsert(func(MessagesUpsert))
	OnPresenceUpdate(func(PresenceInfo))

	SendMessage(ctx context.Context, to RecipientID, payload Payload, opts SendOptions) (DeliveryResult, error)
	OnWhatsApp(ctx context.Context, id RecipientID) ([]LookupResult, error)
	SendPresenceUpdate(ctx context.Context, status Presence, to RecipientID) error
	Ping(ctx context.Context) error
	End(err error) error
}

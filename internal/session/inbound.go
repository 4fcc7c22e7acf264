package session

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Content variant keys as they appear on the wire.
const (
	MessageTypeConversation = "conversation"
	MessageTypeExtendedText = "extendedTextMessage"
	MessageTypeEphemeral    = "ephemeralMessage"
	messageContextInfoKey   = "messageContextInfo"
)

type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// WebMessage is one message as reported by the protocol collaborator.
type WebMessage struct {
	Key       MessageKey `json:"key"`
	PushName  string     `json:"pushName,omitempty"`
	Timestamp int64      `json:"messageTimestamp,omitempty"`
	Message   *Content   `json:"message,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text"`
}

// Ephemeral wraps disappearing-message content.
type Ephemeral struct {
	Message *Content `json:"message,omitempty"`
}

// Content is a message body. Known text-bearing variants are decoded; any
// other variant is preserved raw in Other.
type Content struct {
	Conversation string
	ExtendedText *ExtendedText
	Ephemeral    *Ephemeral
	ContextInfo  json.RawMessage
	Other        map[string]json.RawMessage
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*c = Content{}
	for key, raw := range fields {
		if isJSONNull(raw) {
			continue
		}
		switch key {
		case MessageTypeConversation:
			if err := json.Unmarshal(raw, &c.Conversation); err != nil {
				return err
			}
		case MessageTypeExtendedText:
			c.ExtendedText = &ExtendedText{}
			if err := json.Unmarshal(raw, c.ExtendedText); err != nil {
				return err
			}
		case MessageTypeEphemeral:
			c.Ephemeral = &Ephemeral{}
			if err := json.Unmarshal(raw, c.Ephemeral); err != nil {
				return err
			}
		case messageContextInfoKey:
			c.ContextInfo = append(json.RawMessage(nil), raw...)
		default:
			if c.Other == nil {
				c.Other = make(map[string]json.RawMessage)
			}
			c.Other[key] = append(json.RawMessage(nil), raw...)
		}
	}
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(c.Other)+4)
	for key, raw := range c.Other {
		fields[key] = raw
	}
	if c.Conversation != "" {
		fields[MessageTypeConversation] = c.Conversation
	}
	if c.ExtendedText != nil {
		fields[MessageTypeExtendedText] = c.ExtendedText
	}
	if c.Ephemeral != nil {
		fields[MessageTypeEphemeral] = c.Ephemeral
	}
	if len(c.ContextInfo) > 0 {
		fields[messageContextInfoKey] = c.ContextInfo
	}
	return json.Marshal(fields)
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// withoutContextInfo returns a copy without the context-info envelope.
func (c *Content) withoutContextInfo() *Content {
	if c == nil {
		return nil
	}
	out := *c
	out.ContextInfo = nil
	return &out
}

// Empty reports whether no content variant is populated.
func (c *Content) Empty() bool {
	if c == nil {
		return true
	}
	return c.Conversation == "" && c.ExtendedText == nil && c.Ephemeral == nil && len(c.Other) == 0
}

// Type returns the key of the populated content variant.
func (c *Content) Type() string {
	switch {
	case c == nil:
		return ""
	case c.Conversation != "":
		return MessageTypeConversation
	case c.ExtendedText != nil:
		return MessageTypeExtendedText
	case c.Ephemeral != nil:
		return MessageTypeEphemeral
	}
	if len(c.Other) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.Other))
	for key := range c.Other {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys[0]
}

// Text returns the best-effort text body: plain conversation, then
// extended text, then ephemeral-wrapped extended text.
func (c *Content) Text() string {
	switch {
	case c == nil:
		return ""
	case c.Conversation != "":
		return c.Conversation
	case c.ExtendedText != nil && c.ExtendedText.Text != "":
		return c.ExtendedText.Text
	case c.Ephemeral != nil && c.Ephemeral.Message != nil && c.Ephemeral.Message.ExtendedText != nil:
		return c.Ephemeral.Message.ExtendedText.Text
	default:
		return ""
	}
}

// InboundMessage is the normalized form emitted as a message event.
type InboundMessage struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	Participant string     `json:"participant,omitempty"`
	PushName    string     `json:"pushName,omitempty"`
	Timestamp   int64      `json:"timestamp,omitempty"`
	Type        string     `json:"type"`
	Text        string     `json:"text"`
	Raw         WebMessage `json:"raw"`
}

// NormalizeInbound converts an upsert batch into message events, preserving
// arrival order. Self-originated and content-less messages are skipped.
func NormalizeInbound(batch MessagesUpsert) []InboundMessage {
	out := make([]InboundMessage, 0, len(batch.Messages))
	for _, msg := range batch.Messages {
		if msg.Key.FromMe {
			continue
		}
		content := msg.Message.withoutContextInfo()
		if content.Empty() {
			continue
		}
		raw := msg
		raw.Message = content
		out = append(out, InboundMessage{
			ID:          msg.Key.ID,
			From:        msg.Key.RemoteJID,
			Participant: msg.Key.Participant,
			PushName:    msg.PushName,
			Timestamp:   msg.Timestamp,
			Type:        content.Type(),
			Text:        content.Text(),
			Raw:         raw,
		})
	}
	return out
}

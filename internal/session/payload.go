package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Payload is an outbound message body. A text message is {"text": "..."}.
type Payload map[string]any

// Text returns the text field when it is a string.
func (p Payload) Text() string {
	s, _ := p["text"].(string)
	return s
}

// NormalizePayload returns a new Payload for v. Non-object values become a
// text body; an object whose text field is not a string gets a coerced copy.
// The caller's value is never modified.
func NormalizePayload(v any) Payload {
	switch p := v.(type) {
	case nil:
		return Payload{"text": ""}
	case Payload:
		return normalizeObject(p)
	case map[string]any:
		return normalizeObject(p)
	case json.RawMessage:
		return normalizeRaw(p)
	case string:
		return Payload{"text": p}
	case []byte:
		return Payload{"text": string(p)}
	default:
		return Payload{"text": coerceText(p)}
	}
}

func normalizeRaw(raw json.RawMessage) Payload {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Payload{"text": string(raw)}
	}
	if obj, ok := decoded.(map[string]any); ok {
		return normalizeObject(obj)
	}
	return Payload{"text": coerceText(decoded)}
}

func normalizeObject(src map[string]any) Payload {
	out := make(Payload, len(src))
	for k, v := range src {
		out[k] = v
	}
	if text, ok := out["text"]; ok {
		if _, isString := text.(string); !isString {
			out["text"] = coerceText(text)
		}
	}
	return out
}

func coerceText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(encoded)
	default:
		return fmt.Sprint(t)
	}
}

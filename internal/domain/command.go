package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// PlayerID identifies a seat in a match. IDs are normalized strings.
type PlayerID string

// SystemActor is the privileged sender used for commands synthesized by the
// match host (timeouts, disconnect skips).
const SystemActor PlayerID = "__system__"

// Spectator is the viewer id used for read-only observers.
const Spectator PlayerID = ""

// Payload carries command and event arguments. Values must be JSON-encodable.
type Payload map[string]any

// Command is one player-intended action. It is immutable once issued.
type Command struct {
	Type      string   `json:"type" validate:"required,max=64,eventname"`
	PlayerID  PlayerID `json:"playerId" validate:"max=64"`
	Payload   Payload  `json:"payload,omitempty"`
	Timestamp int64    `json:"timestamp" validate:"gte=0"`
}

// Event is a fact that already happened. Events are never re-validated.
type Event struct {
	Type              string  `json:"type" validate:"required,max=96,eventname"`
	Payload           Payload `json:"payload,omitempty"`
	Timestamp         int64   `json:"timestamp"`
	SourceCommandType string  `json:"sourceCommandType,omitempty"`
	SFXKey            string  `json:"sfxKey,omitempty"`
}

// NewEvent builds an event with the given type and payload.
func NewEvent(eventType string, payload Payload) Event {
	return Event{Type: eventType, Payload: payload}
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	default:
		return v
	}
}

// String returns the string stored under key.
func (p Payload) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Int returns the integral number stored under key. Floats with a fractional
// part are rejected.
func (p Payload) Int(key string) (int, bool) {
	return toInt(p[key])
}

// Bool returns the bool stored under key.
func (p Payload) Bool(key string) (bool, bool) {
	b, ok := p[key].(bool)
	return b, ok
}

// Strings returns the string list stored under key.
func (p Payload) Strings(key string) ([]string, bool) {
	switch t := p[key].(type) {
	case []string:
		return append([]string(nil), t...), true
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// Ints returns the integer list stored under key.
func (p Payload) Ints(key string) ([]int, bool) {
	switch t := p[key].(type) {
	case []int:
		return append([]int(nil), t...), true
	case []any:
		out := make([]int, 0, len(t))
		for _, v := range t {
			n, ok := toInt(v)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// CheckEncodable reports whether the payload survives JSON encoding.
func (p Payload) CheckEncodable() error {
	if _, err := json.Marshal(p); err != nil {
		return fmt.Errorf("payload is not JSON-encodable: %w", err)
	}
	return nil
}

package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

func (e ReasoningEffort) Valid() bool {
	switch e {
	case "", EffortLow, EffortMedium, EffortHigh:
		return true
	default:
		return false
	}
}

// Message is one entry of the live session. IDs are minted by the session,
// never by the store. CreatedAt is unix milliseconds; zero means "not yet
// persisted".
type Message struct {
	ID        string
	Role      Role
	CreatedAt int64
	Parts     []Part
	Metadata  json.RawMessage
}

type wireMessage struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	CreatedAt int64             `json:"createdAt,omitempty"`
	Parts     []json.RawMessage `json:"parts"`
	Metadata  json.RawMessage   `json:"metadata,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:        m.ID,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
		Parts:     make([]json.RawMessage, 0, len(m.Parts)),
		Metadata:  m.Metadata,
	}
	for i, p := range m.Parts {
		raw, err := EncodePart(p)
		if err != nil {
			return nil, fmt.Errorf("encode part %d of message %s: %w", i, m.ID, err)
		}
		w.Parts = append(w.Parts, raw)
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts := make([]Part, 0, len(w.Parts))
	for i, raw := range w.Parts {
		p, err := DecodePart(raw)
		if err != nil {
			return fmt.Errorf("decode part %d of message %s: %w", i, w.ID, err)
		}
		parts = append(parts, p)
	}
	*m = Message{
		ID:        w.ID,
		Role:      w.Role,
		CreatedAt: w.CreatedAt,
		Parts:     parts,
		Metadata:  cloneRaw(w.Metadata),
	}
	return nil
}

func (m Message) Clone() Message {
	out := m
	out.Metadata = cloneRaw(m.Metadata)
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = ClonePart(p)
		}
	}
	return out
}

func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// FirstText returns the first non-blank text part of m, trimmed.
func FirstText(m Message) string {
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			if s := strings.TrimSpace(t.Text); s != "" {
				return s
			}
		}
	}
	return ""
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const AttachmentScheme = "attachment://"

// Part is a closed set: TextPart, ReasoningPart, ToolPart, FilePart.
// Consumers that must handle every kind go through Match.
type Part interface {
	Kind() string
	isPart()
}

// TextPart, ReasoningPart and FilePart keep the wire fields this package does
// not model, such as providerMetadata, in Extra. It is nil when there are none
// and is written back on encode.
type TextPart struct {
	Text  string
	State string
	Extra json.RawMessage
}

type ReasoningPart struct {
	Text  string
	State string
	Extra json.RawMessage
}

// ToolPart covers tool calls and data/event parts. The payload is opaque to
// the persistence layer and kept verbatim.
type ToolPart struct {
	Type string
	Raw  json.RawMessage
}

type FilePart struct {
	MediaType             string
	Filename              string
	URL                   string
	PersistedAttachmentID string
	Extra                 json.RawMessage
}

func (TextPart) Kind() string      { return "text" }
func (ReasoningPart) Kind() string { return "reasoning" }
func (p ToolPart) Kind() string    { return p.Type }
func (FilePart) Kind() string      { return "file" }

func (TextPart) isPart()      {}
func (ReasoningPart) isPart() {}
func (ToolPart) isPart()      {}
func (FilePart) isPart()      {}

// Match dispatches p to the handler for its kind. Adding a kind to Part adds a
// parameter here, so every caller has to handle it.
func Match[T any](
	p Part,
	text func(TextPart) T,
	reasoning func(ReasoningPart) T,
	tool func(ToolPart) T,
	file func(FilePart) T,
) T {
	switch v := p.(type) {
	case TextPart:
		return text(v)
	case ReasoningPart:
		return reasoning(v)
	case ToolPart:
		return tool(v)
	case FilePart:
		return file(v)
	default:
		panic(fmt.Sprintf("chat: unhandled part %T", p))
	}
}

// AttachmentID returns the persisted attachment id of the part, falling back
// to an attachment:// URL when the tag itself was lost.
func (p FilePart) AttachmentID() string {
	if p.PersistedAttachmentID != "" {
		return p.PersistedAttachmentID
	}
	if id, ok := ParseAttachmentURL(p.URL); ok {
		return id
	}
	return ""
}

func AttachmentURL(id string) string {
	return AttachmentScheme + id
}

func ParseAttachmentURL(url string) (string, bool) {
	if !strings.HasPrefix(url, AttachmentScheme) {
		return "", false
	}
	id := strings.TrimPrefix(url, AttachmentScheme)
	return id, id != ""
}

func ClonePart(p Part) Part {
	return Match(p,
		func(t TextPart) Part {
			t.Extra = cloneRaw(t.Extra)
			return t
		},
		func(r ReasoningPart) Part {
			r.Extra = cloneRaw(r.Extra)
			return r
		},
		func(t ToolPart) Part { return ToolPart{Type: t.Type, Raw: cloneRaw(t.Raw)} },
		func(f FilePart) Part {
			f.Extra = cloneRaw(f.Extra)
			return f
		},
	)
}

type wireText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	State string `json:"state,omitempty"`
}

type wireFile struct {
	Type                  string `json:"type"`
	MediaType             string `json:"mediaType"`
	Filename              string `json:"filename,omitempty"`
	URL                   string `json:"url"`
	PersistedAttachmentID string `json:"persistedAttachmentId,omitempty"`
}

var ErrMissingPartType = errors.New("part has no type")

var (
	textKeys = []string{"type", "text", "state"}
	fileKeys = []string{"type", "mediaType", "filename", "url", "persistedAttachmentId"}
)

func EncodePart(p Part) (json.RawMessage, error) {
	return Match(p,
		func(t TextPart) encoded {
			return withExtra(wireText{Type: "text", Text: t.Text, State: t.State}, t.Extra)
		},
		func(r ReasoningPart) encoded {
			return withExtra(wireText{Type: "reasoning", Text: r.Text, State: r.State}, r.Extra)
		},
		func(t ToolPart) encoded {
			if len(t.Raw) == 0 {
				return marshal(map[string]string{"type": t.Type})
			}
			return marshal(t.Raw)
		},
		func(f FilePart) encoded {
			return withExtra(wireFile{
				Type:                  "file",
				MediaType:             f.MediaType,
				Filename:              f.Filename,
				URL:                   f.URL,
				PersistedAttachmentID: f.PersistedAttachmentID,
			}, f.Extra)
		},
	).unpack()
}

type encoded struct {
	raw json.RawMessage
	err error
}

func (e encoded) unpack() (json.RawMessage, error) { return e.raw, e.err }

func marshal(v any) encoded {
	b, err := json.Marshal(v)
	return encoded{raw: b, err: err}
}

// withExtra encodes known and lays its fields over extra, so modelled fields
// always win.
func withExtra(known any, extra json.RawMessage) encoded {
	base := marshal(known)
	if base.err != nil || len(extra) == 0 {
		return base
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(extra, &fields); err != nil {
		return encoded{err: fmt.Errorf("decode extra part fields: %w", err)}
	}
	var own map[string]json.RawMessage
	if err := json.Unmarshal(base.raw, &own); err != nil {
		return encoded{err: err}
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, len(own))
	}
	for k, v := range own {
		fields[k] = v
	}
	return marshal(fields)
}

// extraFields returns the fields of raw not named in known, or nil.
func extraFields(raw json.RawMessage, known []string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(fields, k)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return json.Marshal(fields)
}

// DecodePart decodes one wire part. Unknown types become ToolPart so event
// kinds added by the agent survive a round trip.
func DecodePart(raw json.RawMessage) (Part, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case "":
		return nil, ErrMissingPartType
	case "text", "reasoning":
		var w wireText
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		extra, err := extraFields(raw, textKeys)
		if err != nil {
			return nil, err
		}
		if head.Type == "text" {
			return TextPart{Text: w.Text, State: w.State, Extra: extra}, nil
		}
		return ReasoningPart{Text: w.Text, State: w.State, Extra: extra}, nil
	case "file":
		var w wireFile
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		extra, err := extraFields(raw, fileKeys)
		if err != nil {
			return nil, err
		}
		return FilePart{
			MediaType:             w.MediaType,
			Filename:              w.Filename,
			URL:                   w.URL,
			PersistedAttachmentID: w.PersistedAttachmentID,
			Extra:                 extra,
		}, nil
	default:
		return ToolPart{Type: head.Type, Raw: cloneRaw(raw)}, nil
	}
}

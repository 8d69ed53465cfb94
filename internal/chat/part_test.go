package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageJSONKeepsUnknownPartKinds(t *testing.T) {
	in := `{"id":"m1","role":"assistant","parts":[
		{"type":"text","text":"hi","state":"done"},
		{"type":"reasoning","text":"thinking"},
		{"type":"data-run-command","id":"c1","data":{"command":"ls","status":"done"}},
		{"type":"file","mediaType":"image/png","filename":"a.png","url":"attachment://att-1","persistedAttachmentId":"att-1"}
	]}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	require.Len(t, m.Parts, 4)

	tool, ok := m.Parts[2].(ToolPart)
	require.True(t, ok)
	require.Equal(t, "data-run-command", tool.Kind())

	file, ok := m.Parts[3].(FilePart)
	require.True(t, ok)
	require.Equal(t, "att-1", file.AttachmentID())

	out, err := json.Marshal(m)
	require.NoError(t, err)

	var again Message
	require.NoError(t, json.Unmarshal(out, &again))
	require.Equal(t, m, again)
}

func TestPartsKeepUnmodelledFields(t *testing.T) {
	text, err := DecodePart(json.RawMessage(`{"type":"text","text":"hi","providerMetadata":{"openai":{"itemId":"x"}}}`))
	require.NoError(t, err)
	out, err := EncodePart(text)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"text","text":"hi","providerMetadata":{"openai":{"itemId":"x"}}}`, string(out))

	p, err := DecodePart(json.RawMessage(`{"type":"file","mediaType":"image/png","url":"blob:1","providerMetadata":{"k":1}}`))
	require.NoError(t, err)
	file := p.(FilePart)
	file.URL = AttachmentURL("att-9")
	file.PersistedAttachmentID = "att-9"
	out, err = EncodePart(ClonePart(file))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"file","mediaType":"image/png","url":"attachment://att-9","persistedAttachmentId":"att-9","providerMetadata":{"k":1}}`, string(out))

	plain, err := DecodePart(json.RawMessage(`{"type":"reasoning","text":"r"}`))
	require.NoError(t, err)
	require.Equal(t, ReasoningPart{Text: "r"}, plain)
}

func TestDecodePartRequiresType(t *testing.T) {
	_, err := DecodePart(json.RawMessage(`{"text":"x"}`))
	require.ErrorIs(t, err, ErrMissingPartType)
}

func TestFilePartAttachmentIDFallsBackToURL(t *testing.T) {
	cases := []struct {
		part FilePart
		want string
	}{
		{FilePart{PersistedAttachmentID: "a"}, "a"},
		{FilePart{URL: "attachment://b"}, "b"},
		{FilePart{URL: "attachment://"}, ""},
		{FilePart{URL: "blob:xyz"}, ""},
	}
	for _, tc := range cases {
		if got := tc.part.AttachmentID(); got != tc.want {
			t.Fatalf("part=%+v got=%q want=%q", tc.part, got, tc.want)
		}
	}
}

func TestCloneDoesNotShareToolPayload(t *testing.T) {
	m := Message{ID: "m", Parts: []Part{ToolPart{Type: "tool-x", Raw: json.RawMessage(`{"type":"tool-x"}`)}}}
	c := m.Clone()
	c.Parts[0].(ToolPart).Raw[0] = '['
	require.Equal(t, byte('{'), m.Parts[0].(ToolPart).Raw[0])
}

func TestFirstTextAndTruncate(t *testing.T) {
	m := Message{Parts: []Part{
		ReasoningPart{Text: "ignored"},
		TextPart{Text: "   "},
		TextPart{Text: "  héllo wörld  "},
	}}
	require.Equal(t, "héllo wörld", FirstText(m))
	require.Equal(t, "héllo", Truncate("héllo wörld", 5))
	require.Equal(t, "abc", Truncate("abc", 10))
}

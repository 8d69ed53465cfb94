package export

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vibechat/internal/blobs"
	"vibechat/internal/chat"
	"vibechat/internal/store"
)

func newCodecFixture(t *testing.T) (*store.Store, *blobs.Registry, *Codec) {
	t.Helper()
	reg := blobs.NewRegistry()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.sqlite"), store.WithFetcher(blobs.NewFetcher(reg)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, reg, NewCodec(st)
}

func seedConversation(t *testing.T, st *store.Store, reg *blobs.Registry, payload []byte) store.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := st.Create(ctx, "", store.Meta{ModelID: "gpt-x", ReasoningEffort: chat.EffortMedium})
	require.NoError(t, err)
	src := reg.CreateObjectURL(payload, "image/png")
	live := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{
			chat.TextPart{Text: "describe this"},
			chat.FilePart{MediaType: "image/png", Filename: "pic.png", URL: src},
		}},
		{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{
			chat.ReasoningPart{Text: "looking"},
			chat.TextPart{Text: "a cat"},
		}},
	}
	_, err = st.SaveSnapshot(ctx, conv.ID, live, store.Meta{})
	require.NoError(t, err)
	conv, err = st.Get(ctx, conv.ID)
	require.NoError(t, err)
	return conv
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, reg, codec := newCodecFixture(t)
	payload := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	orig := seedConversation(t, st, reg, payload)

	bundle, err := codec.ExportOne(ctx, orig.ID)
	require.NoError(t, err)
	require.Len(t, bundle.Attachments, 1)
	require.Equal(t, "data:image/png;base64,iVBORwABAgM=", bundle.Attachments[0].Blob)

	data, err := json.Marshal([]Bundle{bundle})
	require.NoError(t, err)
	before := string(data)

	results, err := codec.Import(ctx, data)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, before, string(data), "source bundle must not change")

	imported := results[0].Conversation
	require.NotEqual(t, orig.ID, imported.ID)
	require.Equal(t, orig.Title, imported.Title)
	require.Equal(t, orig.ModelID, imported.ModelID)

	copied, err := st.ReadBundle(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, copied.Messages, 2)
	require.Len(t, copied.Attachments, 1)

	oldIDs := map[string]bool{orig.ID: true}
	for _, m := range bundle.Messages {
		oldIDs[m.ID] = true
	}
	for _, a := range bundle.Attachments {
		oldIDs[a.ID] = true
	}
	for i, m := range copied.Messages {
		require.False(t, oldIDs[m.ID])
		require.Equal(t, bundle.Messages[i].Role, m.Role)
		require.Equal(t, chat.FirstText(bundle.Messages[i].Message), chat.FirstText(m.Message))
	}
	att := copied.Attachments[0]
	require.False(t, oldIDs[att.ID])
	require.Equal(t, payload, att.Blob)
	require.Equal(t, "image/png", att.MediaType)
	require.Equal(t, copied.Messages[0].ID, att.MessageID)

	fp := copied.Messages[0].Message.Parts[1].(chat.FilePart)
	require.Equal(t, att.ID, fp.PersistedAttachmentID)
	require.Equal(t, chat.AttachmentURL(att.ID), fp.URL)

	// The source bundle is untouched.
	again, err := st.ReadBundle(ctx, orig.ID)
	require.NoError(t, err)
	require.Equal(t, payload, again.Attachments[0].Blob)
}

func TestImportPartialBatch(t *testing.T) {
	ctx := context.Background()
	st, _, codec := newCodecFixture(t)

	good := `{
		"conversation": {"id": "x", "title": "hello", "createdAt": 1, "updatedAt": 2},
		"messages": [{"id": "m1", "conversationId": "x", "createdAt": 1, "role": "user",
			"message": {"id": "m1", "role": "user", "parts": [
				{"type": "text", "text": "hello"},
				{"type": "file", "mediaType": "text/plain", "url": "attachment://att1"}
			]}}],
		"attachments": [
			{"id": "att1", "conversationId": "x", "messageId": "m1", "partIndex": 1, "mediaType": "text/plain", "createdAt": 1, "blob": "aGk="},
			{"id": "stray", "conversationId": "x", "messageId": "m1", "partIndex": 5, "mediaType": "text/plain", "createdAt": 1, "blob": "aGk="}
		]
	}`
	badRole := `{"conversation": {"id": "y", "title": "bad"}, "messages": [{"id": "m", "role": "robot", "message": {"id": "m", "role": "robot", "parts": []}}], "attachments": []}`
	badBlob := `{"conversation": {"id": "z", "title": "blob"}, "messages": [{"id": "m", "role": "user", "message": {"id": "m", "role": "user", "parts": [{"type": "file", "mediaType": "image/png", "url": "attachment://q"}]}}], "attachments": [{"id": "q", "messageId": "m", "partIndex": 0, "mediaType": "image/png", "blob": "!!!"}]}`

	results, err := codec.Import(ctx, []byte("["+good+","+badRole+","+badBlob+", {}]"))
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.NoError(t, results[0].Err)
	require.Equal(t, 3, Failed(results))
	for _, r := range results[1:] {
		var ierr *ImportError
		require.ErrorAs(t, r.Err, &ierr)
		require.Equal(t, r.Index, ierr.Index)
	}

	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "hello", list[0].Title)

	b, err := st.ReadBundle(ctx, list[0].ID)
	require.NoError(t, err)
	require.Len(t, b.Attachments, 1, "unreferenced attachment is dropped")
	require.Equal(t, []byte("hi"), b.Attachments[0].Blob)

	_, err = codec.Import(ctx, []byte("  "))
	var ierr *ImportError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, -1, ierr.Index)
}

func TestImportSingleObject(t *testing.T) {
	ctx := context.Background()
	_, _, codec := newCodecFixture(t)
	results, err := codec.Import(ctx, []byte(`{"conversation": {"title": "solo"}, "messages": [], "attachments": []}`))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, "solo", results[0].Conversation.Title)
}

func TestExportAllAndWriteBundles(t *testing.T) {
	ctx := context.Background()
	st, reg, codec := newCodecFixture(t)
	seedConversation(t, st, reg, []byte("one"))
	seedConversation(t, st, reg, []byte("two"))

	bundles, err := codec.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, bundles, 2)

	e, err := New(t.TempDir())
	require.NoError(t, err)
	path, err := e.WriteBundles(bundles)
	require.NoError(t, err)

	data, err := ReadFile(path)
	require.NoError(t, err)
	results, err := codec.Import(ctx, data)
	require.NoError(t, err)
	require.Zero(t, Failed(results))

	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)

	single, err := e.WriteBundles(bundles[:1])
	require.NoError(t, err)
	require.Equal(t, FileName(bundles[0].Conversation, ".json"), filepath.Base(single))

	_, err = codec.ExportOne(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

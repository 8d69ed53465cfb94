package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vibechat/internal/blobs"
	"vibechat/internal/chat"
)

type countingFetcher struct {
	mu    sync.Mutex
	inner *blobs.Fetcher
	calls map[string]int
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) (blobs.Blob, error) {
	f.mu.Lock()
	f.calls[url]++
	f.mu.Unlock()
	return f.inner.Fetch(ctx, url)
}

func (f *countingFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type mapResolver map[string]string

func (r mapResolver) Resolve(attachmentID, mediaType string, data []byte) string {
	url := "blob:test-" + attachmentID
	r[attachmentID] = string(data)
	return url
}

func newTestStore(t *testing.T) (*Store, *blobs.Registry, *countingFetcher) {
	t.Helper()
	reg := blobs.NewRegistry()
	fetcher := &countingFetcher{inner: blobs.NewFetcher(reg), calls: make(map[string]int)}
	clock := &stepClock{t: time.UnixMilli(1_700_000_000_000)}
	s, err := Open(filepath.Join(t.TempDir(), "chat.sqlite"), WithFetcher(fetcher), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, reg, fetcher
}

func userText(id, text string) chat.Message {
	return chat.Message{ID: id, Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: text}}}
}

func assistantText(id, text string) chat.Message {
	return chat.Message{ID: id, Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart{Text: text}}}
}

func storedMessageIDs(t *testing.T, s *Store, convID string) []string {
	t.Helper()
	b, err := s.ReadBundle(context.Background(), convID)
	require.NoError(t, err)
	ids := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestCreateListGet(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	a, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)
	require.Equal(t, DefaultTitle, a.Title)
	require.Equal(t, a.CreatedAt, a.UpdatedAt)
	require.False(t, a.IsRenamed)

	b, err := s.Create(ctx, "  second  ", Meta{ModelID: "gpt-x", ReasoningEffort: chat.EffortHigh})
	require.NoError(t, err)
	require.Equal(t, "second", b.Title)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, b.ID, list[0].ID, "most recent first")

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, b, got)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotScenarioHello(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	res, err := s.SaveSnapshot(ctx, conv.ID, []chat.Message{userText("m1", "hello")}, Meta{})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Conversation.Title)
	require.Equal(t, "hello", res.Conversation.LastMessagePreview)

	b, err := s.ReadBundle(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, b.Messages, 1)
	require.Equal(t, chat.RoleUser, b.Messages[0].Role)
	require.Equal(t, "hello", b.Conversation.Title)
}

func TestSnapshotSetReconciliation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	live := []chat.Message{userText("a", "one"), assistantText("b", "two"), userText("c", "three")}
	_, err = s.SaveSnapshot(ctx, conv.ID, live, Meta{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, storedMessageIDs(t, s, conv.ID))

	live = []chat.Message{live[0], live[2], assistantText("d", "four")}
	_, err = s.SaveSnapshot(ctx, conv.ID, live, Meta{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c", "d"}, storedMessageIDs(t, s, conv.ID))

	_, err = s.SaveSnapshot(ctx, conv.ID, nil, Meta{})
	require.NoError(t, err)
	require.Empty(t, storedMessageIDs(t, s, conv.ID))
}

func TestSnapshotIdempotentAttachments(t *testing.T) {
	ctx := context.Background()
	s, reg, fetcher := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	src := reg.CreateObjectURL([]byte("png-bytes"), "image/png")
	msg := chat.Message{ID: "m1", Role: chat.RoleUser, Parts: []chat.Part{
		chat.TextPart{Text: "look"},
		chat.FilePart{MediaType: "image/png", Filename: "shot.png", URL: src},
	}}

	first, err := s.SaveSnapshot(ctx, conv.ID, []chat.Message{msg}, Meta{})
	require.NoError(t, err)
	require.Len(t, first.Assignments, 1)
	id := first.Assignments[0].AttachmentID
	require.Equal(t, 1, first.Assignments[0].PartIndex)

	before, err := s.ReadBundle(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, before.Attachments, 1)
	require.Equal(t, "image/png", before.Attachments[0].MediaType)
	require.Equal(t, []byte("png-bytes"), before.Attachments[0].Blob)

	// The live part has not been tagged yet; it must not be fetched again.
	second, err := s.SaveSnapshot(ctx, conv.ID, []chat.Message{msg}, Meta{})
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.count(src))
	require.Len(t, second.Assignments, 1)
	require.Equal(t, id, second.Assignments[0].AttachmentID)

	tagged := msg.Clone()
	fp := tagged.Parts[1].(chat.FilePart)
	fp.PersistedAttachmentID = id
	tagged.Parts[1] = fp
	_, err = s.SaveSnapshot(ctx, conv.ID, []chat.Message{tagged}, Meta{})
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.count(src))

	after, err := s.ReadBundle(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, after.Attachments, 1)
	require.Equal(t, id, after.Attachments[0].ID)
	require.Equal(t, before.Messages[0].Message, after.Messages[0].Message)
	require.Equal(t, before.Messages[0].CreatedAt, after.Messages[0].CreatedAt)
}

func TestSnapshotOrphanSweep(t *testing.T) {
	ctx := context.Background()
	s, reg, _ := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	src := reg.CreateObjectURL([]byte{0x89, 'P', 'N', 'G'}, "image/png")
	withImage := chat.Message{ID: "img", Role: chat.RoleUser, Parts: []chat.Part{
		chat.FilePart{MediaType: "image/png", URL: src},
	}}
	_, err = s.SaveSnapshot(ctx, conv.ID, []chat.Message{userText("t", "hi"), withImage}, Meta{})
	require.NoError(t, err)

	b, err := s.ReadBundle(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, b.Attachments, 1)
	require.NotEmpty(t, b.Attachments[0].Blob)

	_, err = s.SaveSnapshot(ctx, conv.ID, []chat.Message{userText("t", "hi")}, Meta{})
	require.NoError(t, err)

	b, err = s.ReadBundle(ctx, conv.ID)
	require.NoError(t, err)
	require.Empty(t, b.Attachments)
}

func TestSnapshotFailedFetchKeepsRest(t *testing.T) {
	ctx := context.Background()
	s, reg, _ := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	good := reg.CreateObjectURL([]byte("ok"), "text/plain")
	msg := chat.Message{ID: "m", Role: chat.RoleUser, Parts: []chat.Part{
		chat.FilePart{MediaType: "text/plain", URL: good},
		chat.FilePart{MediaType: "image/png", URL: "blob:revoked"},
		chat.FilePart{MediaType: "image/png", URL: "https://example.com/a.png"},
	}}
	res, err := s.SaveSnapshot(ctx, conv.ID, []chat.Message{msg}, Meta{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Dropped)
	require.Len(t, res.Assignments, 1)

	b, err := s.ReadBundle(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, b.Attachments, 1)
	parts := b.Messages[0].Message.Parts
	require.Equal(t, "blob:revoked", parts[1].(chat.FilePart).URL)
	require.Empty(t, parts[1].(chat.FilePart).PersistedAttachmentID)
	require.Equal(t, chat.AttachmentURL(res.Assignments[0].AttachmentID), parts[0].(chat.FilePart).URL)
}

func TestTitleFreezeAfterRename(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	res, err := s.SaveSnapshot(ctx, conv.ID, []chat.Message{assistantText("s", "welcome"), userText("u", "  first question  ")}, Meta{})
	require.NoError(t, err)
	require.Equal(t, "first question", res.Conversation.Title)

	res, err = s.SaveSnapshot(ctx, conv.ID, []chat.Message{userText("u2", "changed")}, Meta{})
	require.NoError(t, err)
	require.Equal(t, "changed", res.Conversation.Title)

	require.NoError(t, s.Rename(ctx, conv.ID, "Pinned"))
	res, err = s.SaveSnapshot(ctx, conv.ID, []chat.Message{userText("u3", "something else")}, Meta{})
	require.NoError(t, err)
	require.Equal(t, "Pinned", res.Conversation.Title)
	require.True(t, res.Conversation.IsRenamed)

	require.NoError(t, s.Rename(ctx, "missing", "x"))
}

func TestSnapshotTruncatesTitleAndPreview(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	long := ""
	for len([]rune(long)) < 200 {
		long += "é"
	}
	res, err := s.SaveSnapshot(ctx, conv.ID, []chat.Message{userText("u", long)}, Meta{ModelID: "m-1"})
	require.NoError(t, err)
	require.Len(t, []rune(res.Conversation.Title), previewLimit)
	require.Len(t, []rune(res.Conversation.LastMessagePreview), previewLimit)
	require.Equal(t, "m-1", res.Conversation.ModelID)
}

func TestSnapshotUpdatedAtNonDecreasing(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	prev := conv.UpdatedAt
	for i := 0; i < 3; i++ {
		res, err := s.SaveSnapshot(ctx, conv.ID, []chat.Message{userText("u", "x")}, Meta{})
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.Conversation.UpdatedAt, prev)
		require.GreaterOrEqual(t, res.Conversation.UpdatedAt, res.Conversation.CreatedAt)
		prev = res.Conversation.UpdatedAt
	}
}

func TestSnapshotUnknownConversation(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.SaveSnapshot(context.Background(), "nope", []chat.Message{userText("u", "x")}, Meta{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s, reg, _ := newTestStore(t)
	keep, err := s.Create(ctx, "keep", Meta{})
	require.NoError(t, err)
	drop, err := s.Create(ctx, "drop", Meta{})
	require.NoError(t, err)

	src := reg.CreateObjectURL([]byte("x"), "text/plain")
	msg := chat.Message{ID: "d1", Role: chat.RoleUser, Parts: []chat.Part{chat.FilePart{MediaType: "text/plain", URL: src}}}
	_, err = s.SaveSnapshot(ctx, drop.ID, []chat.Message{msg}, Meta{})
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, keep.ID, []chat.Message{userText("k1", "stay")}, Meta{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, drop.ID))
	_, err = s.Get(ctx, drop.ID)
	require.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM attachments`).Scan(&n))
	require.Zero(t, n)
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n))
	require.Equal(t, 1, n)

	require.NoError(t, s.DeleteAll(ctx))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestGetMessagesResolvesHandles(t *testing.T) {
	ctx := context.Background()
	s, reg, _ := newTestStore(t)
	conv, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	src := reg.CreateObjectURL([]byte("bytes"), "image/jpeg")
	live := []chat.Message{
		userText("u1", "first"),
		{ID: "u2", Role: chat.RoleUser, Parts: []chat.Part{chat.FilePart{MediaType: "image/jpeg", URL: src}}},
	}
	res, err := s.SaveSnapshot(ctx, conv.ID, live, Meta{})
	require.NoError(t, err)
	id := res.Assignments[0].AttachmentID

	resolver := mapResolver{}
	msgs, resolved, err := s.GetMessages(ctx, conv.ID, resolver)
	require.NoError(t, err)
	require.Equal(t, []string{id}, resolved)
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].ID)
	fp := msgs[1].Parts[0].(chat.FilePart)
	require.Equal(t, id, fp.PersistedAttachmentID)
	require.Equal(t, "blob:test-"+id, fp.URL)
	require.Equal(t, "bytes", resolver[id])

	_, _, err = s.GetMessages(ctx, "missing", resolver)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchFindsConversations(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	a, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)
	b, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)

	_, err = s.SaveSnapshot(ctx, a.ID, []chat.Message{userText("a1", "deploy the kubernetes cluster")}, Meta{})
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, b.ID, []chat.Message{userText("b1", "write a haiku")}, Meta{})
	require.NoError(t, err)

	hits, err := s.Search(ctx, "kubernetes", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, a.ID, hits[0].ID)

	// Removing the message removes it from the index.
	_, err = s.SaveSnapshot(ctx, a.ID, nil, Meta{})
	require.NoError(t, err)
	hits, err = s.Search(ctx, "kubernetes", 10)
	require.NoError(t, err)
	require.Empty(t, hits)

	all, err := s.Search(ctx, "  ", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestLikeSearchTreatsWildcardsLiterally(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	a, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)
	b, err := s.Create(ctx, "", Meta{})
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, a.ID, []chat.Message{userText("a1", "rename snake_case fields")}, Meta{})
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, b.ID, []chat.Message{userText("b1", "snakeXcase and 50 percent")}, Meta{})
	require.NoError(t, err)

	like := func(q string) []Conversation {
		t.Helper()
		rows, err := s.searchRowsLike(ctx, q, 10)
		require.NoError(t, err)
		convs, err := collectConversations(rows)
		require.NoError(t, err)
		return convs
	}
	hits := like("snake_case")
	require.Len(t, hits, 1)
	require.Equal(t, a.ID, hits[0].ID)
	require.Empty(t, like("50%"))
}

func TestBuildFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "Hello", want: `"hello"*`},
		{in: `"quoted", words!`, want: `"quoted"* AND "words"*`},
	}
	for _, tt := range tests {
		if got := buildFTSQuery(tt.in); got != tt.want {
			t.Fatalf("buildFTSQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTxErrorWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := txErr("save", cause)
	var te *TxError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "save", te.Op)
	require.ErrorIs(t, err, cause)
	require.Nil(t, txErr("save", nil))
	require.Same(t, err, txErr("outer", err))
}

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vibechat/internal/blobs"
	"vibechat/internal/chat"
	"vibechat/internal/store"
)

// Bundle is the portable form of one conversation.
type Bundle struct {
	Conversation store.Conversation    `json:"conversation"`
	Messages     []store.MessageRecord `json:"messages"`
	Attachments  []AttachmentRecord    `json:"attachments"`
}

// AttachmentRecord carries the attachment bytes as a base64 data URL. Bare
// base64 is accepted on import.
type AttachmentRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	PartIndex      int    `json:"partIndex"`
	MediaType      string `json:"mediaType"`
	Filename       string `json:"filename,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	Blob           string `json:"blob"`
}

// ImportError reports one bundle of an import that could not be stored. The
// other bundles of the same import are unaffected.
type ImportError struct {
	Index int
	Err   error
}

func (e *ImportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Index < 0 {
		return fmt.Sprintf("import: %v", e.Err)
	}
	return fmt.Sprintf("import bundle %d: %v", e.Index, e.Err)
}

func (e *ImportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type ImportResult struct {
	Index        int
	Conversation store.Conversation
	Err          error
}

type BundleStore interface {
	List(ctx context.Context) ([]store.Conversation, error)
	ReadBundle(ctx context.Context, conversationID string) (store.Bundle, error)
	InsertBundle(ctx context.Context, b store.Bundle) error
}

type Codec struct {
	store BundleStore
	now   func() time.Time
	newID func() string
	log   *log.Logger
}

type CodecOption func(*Codec)

func WithCodecClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCodecLogger(l *log.Logger) CodecOption {
	return func(c *Codec) {
		if l != nil {
			c.log = l.With("component", "codec")
		}
	}
}

func NewCodec(st BundleStore, opts ...CodecOption) *Codec {
	c := &Codec{
		store: st,
		now:   time.Now,
		newID: uuid.NewString,
		log:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) ExportOne(ctx context.Context, conversationID string) (Bundle, error) {
	raw, err := c.store.ReadBundle(ctx, conversationID)
	if err != nil {
		return Bundle{}, fmt.Errorf("export conversation %s: %w", conversationID, err)
	}
	return encodeBundle(raw), nil
}

// ExportAll exports every conversation, most recent first.
func (c *Codec) ExportAll(ctx context.Context) ([]Bundle, error) {
	convs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]Bundle, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, conv := range convs {
		g.Go(func() error {
			b, err := c.ExportOne(gctx, conv.ID)
			if err != nil {
				return err
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeBundle(raw store.Bundle) Bundle {
	b := Bundle{
		Conversation: raw.Conversation,
		Messages:     raw.Messages,
		Attachments:  make([]AttachmentRecord, 0, len(raw.Attachments)),
	}
	if b.Messages == nil {
		b.Messages = []store.MessageRecord{}
	}
	for _, a := range raw.Attachments {
		b.Attachments = append(b.Attachments, AttachmentRecord{
			ID:             a.ID,
			ConversationID: a.ConversationID,
			MessageID:      a.MessageID,
			PartIndex:      a.PartIndex,
			MediaType:      a.MediaType,
			Filename:       a.Filename,
			CreatedAt:      a.CreatedAt,
			Blob:           blobs.EncodeDataURL(blobs.Blob{Data: a.Blob, MediaType: a.MediaType}),
		})
	}
	return b
}

// Import stores every bundle in data, which holds one bundle object or an
// array of them, under fresh ids. Each bundle is written in its own
// transaction, so a batch can partly succeed. The returned error is non-nil
// only when data itself cannot be parsed.
func (c *Codec) Import(ctx context.Context, data []byte) ([]ImportResult, error) {
	raws, err := splitBundles(data)
	if err != nil {
		return nil, &ImportError{Index: -1, Err: err}
	}
	results := make([]ImportResult, 0, len(raws))
	for i, raw := range raws {
		res := ImportResult{Index: i}
		conv, err := c.importOne(ctx, raw)
		if err != nil {
			res.Err = &ImportError{Index: i, Err: err}
			c.log.Warn("bundle import failed", "index", i, "err", err)
		} else {
			res.Conversation = conv
		}
		results = append(results, res)
	}
	return results, nil
}

func splitBundles(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty import")
	}
	switch trimmed[0] {
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("decode bundle list: %w", err)
		}
		return raws, nil
	case '{':
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, errors.New("import must be a bundle object or an array of bundles")
	}
}

func (c *Codec) importOne(ctx context.Context, raw json.RawMessage) (store.Conversation, error) {
	var src Bundle
	if err := json.Unmarshal(raw, &src); err != nil {
		return store.Conversation{}, fmt.Errorf("decode bundle: %w", err)
	}
	dst, err := c.remap(src)
	if err != nil {
		return store.Conversation{}, err
	}
	if err := c.store.InsertBundle(ctx, dst); err != nil {
		return store.Conversation{}, err
	}
	return dst.Conversation, nil
}

// remap builds the stored form of src with every id replaced. src is not
// modified.
func (c *Codec) remap(src Bundle) (store.Bundle, error) {
	if strings.TrimSpace(src.Conversation.ID) == "" && strings.TrimSpace(src.Conversation.Title) == "" && len(src.Messages) == 0 {
		return store.Bundle{}, errors.New("bundle has no conversation")
	}
	now := c.now().UnixMilli()
	conv := src.Conversation
	conv.ID = c.newID()
	conv.Title = strings.TrimSpace(conv.Title)
	if conv.Title == "" {
		conv.Title = store.DefaultTitle
	}
	if !conv.ReasoningEffort.Valid() {
		conv.ReasoningEffort = ""
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now

	messageIDs := make(map[string]string, len(src.Messages))
	attachmentIDs := make(map[string]string)
	messages := make([]store.MessageRecord, 0, len(src.Messages))
	for i, rec := range src.Messages {
		if rec.ID == "" {
			return store.Bundle{}, fmt.Errorf("message %d has no id", i)
		}
		role := rec.Role
		if role == "" {
			role = rec.Message.Role
		}
		if !role.Valid() {
			return store.Bundle{}, fmt.Errorf("message %s has invalid role %q", rec.ID, role)
		}
		if _, dup := messageIDs[rec.ID]; dup {
			return store.Bundle{}, fmt.Errorf("duplicate message id %s", rec.ID)
		}
		newID := c.newID()
		messageIDs[rec.ID] = newID

		m := rec.Message.Clone()
		m.ID = newID
		m.Role = role
		for idx, p := range m.Parts {
			fp, ok := p.(chat.FilePart)
			if !ok {
				continue
			}
			oldID := fp.AttachmentID()
			if oldID == "" {
				continue
			}
			mapped, ok := attachmentIDs[oldID]
			if !ok {
				mapped = c.newID()
				attachmentIDs[oldID] = mapped
			}
			fp.PersistedAttachmentID = mapped
			fp.URL = chat.AttachmentURL(mapped)
			m.Parts[idx] = fp
		}
		createdAt := rec.CreatedAt
		if createdAt <= 0 {
			createdAt = now
		}
		m.CreatedAt = createdAt
		messages = append(messages, store.MessageRecord{
			ID:             newID,
			ConversationID: conv.ID,
			CreatedAt:      createdAt,
			Role:           role,
			Message:        m,
		})
	}

	attachments := make([]store.Attachment, 0, len(src.Attachments))
	for _, a := range src.Attachments {
		mapped, ok := attachmentIDs[a.ID]
		if !ok {
			c.log.Debug("dropping unreferenced attachment", "attachment", a.ID)
			continue
		}
		data, mediaType, err := decodePayload(a.Blob)
		if err != nil {
			return store.Bundle{}, fmt.Errorf("attachment %s: %w", a.ID, err)
		}
		if a.MediaType != "" {
			mediaType = a.MediaType
		}
		if mediaType == "" {
			mediaType = blobs.DetectMediaType(a.Filename, data)
		}
		messageID, ok := messageIDs[a.MessageID]
		if !ok {
			messageID = c.newID()
		}
		attachments = append(attachments, store.Attachment{
			ID:             mapped,
			ConversationID: conv.ID,
			MessageID:      messageID,
			PartIndex:      a.PartIndex,
			MediaType:      mediaType,
			Filename:       a.Filename,
			Blob:           data,
			CreatedAt:      now,
		})
	}

	return store.Bundle{Conversation: conv, Messages: messages, Attachments: attachments}, nil
}

func decodePayload(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		b, err := blobs.DecodeDataURL(s)
		if err != nil {
			return nil, "", err
		}
		return b.Data, b.MediaType, nil
	}
	data, err := blobs.DecodeBase64(s)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 payload: %w", err)
	}
	return data, "", nil
}

// Failed counts the results that carry an error.
func Failed(results []ImportResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

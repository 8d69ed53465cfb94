package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"vibechat/internal/blobs"
	"vibechat/internal/chat"
	"vibechat/internal/export"
	"vibechat/internal/hydration"
	"vibechat/internal/snapshot"
	"vibechat/internal/store"
)

var (
	ErrEmptyTitle = errors.New("title is empty")
	ErrEmptySend  = errors.New("nothing to send")
)

type Options struct {
	Debounce              time.Duration
	PersistWhileStreaming bool
	Meta                  store.Meta
	Logger                *log.Logger
	// OnChange is called after state changes that happen off the caller's
	// goroutine, such as a snapshot commit.
	OnChange func()
}

// Controller owns one live session: the conversation list, the active
// conversation, its hydrated messages and the attachment handles minted for
// them.
type Controller struct {
	store     *store.Store
	registry  *blobs.Registry
	cache     *blobs.Cache
	live      *Live
	hydrator  *hydration.Controller
	scheduler *snapshot.Scheduler
	codec     *export.Codec
	log       *log.Logger
	onChange  func()

	mu            sync.RWMutex
	conversations []store.Conversation
	activeID      string
	meta          store.Meta
}

func New(st *store.Store, registry *blobs.Registry, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	c := &Controller{
		store:    st,
		registry: registry,
		cache:    blobs.NewCache(registry),
		codec:    export.NewCodec(st, export.WithCodecLogger(logger)),
		log:      logger.With("component", "session"),
		onChange: opts.OnChange,
		meta:     opts.Meta,
	}
	c.live = NewLive(c.scheduleSnapshot)
	c.hydrator = hydration.New(st, c.cache, c.live.Replace, logger)
	c.scheduler = snapshot.New(st, c.hydrator, snapshot.Options{
		Debounce:              opts.Debounce,
		PersistWhileStreaming: opts.PersistWhileStreaming,
		OnSaved:               c.applySaved,
		Logger:                logger,
	})
	return c
}

// Open loads the conversation list and activates the most recent
// conversation, creating one when the store is empty.
func (c *Controller) Open(ctx context.Context) error {
	list, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		conv, err := c.store.Create(ctx, "", c.currentMeta())
		if err != nil {
			return err
		}
		list = []store.Conversation{conv}
	}
	c.mu.Lock()
	c.conversations = list
	c.mu.Unlock()
	return c.activate(ctx, list[0].ID)
}

func (c *Controller) Conversations() []store.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

func (c *Controller) Active() (store.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.activeID == "" {
		return store.Conversation{}, false
	}
	for _, conv := range c.conversations {
		if conv.ID == c.activeID {
			return conv, true
		}
	}
	return store.Conversation{}, false
}

func (c *Controller) ActiveID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeID
}

func (c *Controller) Hydrating() bool {
	return c.hydrator.Hydrating()
}

func (c *Controller) Messages() []chat.Message {
	return c.live.Messages()
}

func (c *Controller) Streaming() bool {
	return c.live.Streaming()
}

func (c *Controller) Create(ctx context.Context, title string) (store.Conversation, error) {
	conv, err := c.store.Create(ctx, title, c.currentMeta())
	if err != nil {
		return store.Conversation{}, err
	}
	c.mu.Lock()
	c.conversations = upsertFront(c.conversations, conv)
	c.mu.Unlock()
	if err := c.activate(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// Select makes id the active conversation. A failed load still completes:
// the live session is left empty and the error is returned for display.
func (c *Controller) Select(ctx context.Context, id string) error {
	if id == c.ActiveID() && !c.Hydrating() {
		return nil
	}
	return c.activate(ctx, id)
}

func (c *Controller) activate(ctx context.Context, id string) error {
	// Pending changes belong to the conversation being left.
	c.scheduler.Flush()
	c.mu.Lock()
	c.activeID = id
	c.mu.Unlock()
	return c.hydrator.Activate(ctx, id)
}

func (c *Controller) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if err := c.store.Rename(ctx, id, title); err != nil {
		return err
	}
	conv, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conversations = upsertFront(c.conversations, conv)
	c.mu.Unlock()
	return nil
}

// Delete removes a conversation. Deleting the active one drops its pending
// write and activates the next most recent conversation, if any.
func (c *Controller) Delete(ctx context.Context, id string) error {
	wasActive := id == c.ActiveID()
	if wasActive {
		c.scheduler.Cancel()
		c.scheduler.Wait()
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.log.Debug("deleted conversation", "conversation", id, "active", wasActive)

	c.mu.Lock()
	c.conversations = removeID(c.conversations, id)
	next := ""
	if len(c.conversations) > 0 {
		next = c.conversations[0].ID
	}
	c.mu.Unlock()

	if !wasActive {
		return nil
	}
	if next == "" {
		c.mu.Lock()
		c.activeID = ""
		c.mu.Unlock()
		c.hydrator.Reset()
		return nil
	}
	return c.activate(ctx, next)
}

func (c *Controller) DeleteAll(ctx context.Context) error {
	c.scheduler.Cancel()
	c.scheduler.Wait()
	if err := c.store.DeleteAll(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.conversations = nil
	c.activeID = ""
	c.mu.Unlock()
	c.hydrator.Reset()
	return nil
}

// ExportOne commits pending changes first so the bundle matches the screen.
func (c *Controller) ExportOne(ctx context.Context, id string) (export.Bundle, error) {
	c.scheduler.Flush()
	c.scheduler.Wait()
	return c.codec.ExportOne(ctx, id)
}

func (c *Controller) ExportAll(ctx context.Context) ([]export.Bundle, error) {
	c.scheduler.Flush()
	c.scheduler.Wait()
	return c.codec.ExportAll(ctx)
}

// Import stores the bundles in data and refreshes the conversation list. The
// active conversation does not change.
func (c *Controller) Import(ctx context.Context, data []byte) ([]export.ImportResult, error) {
	results, err := c.codec.Import(ctx, data)
	if err != nil {
		return nil, err
	}
	c.log.Info("import finished", "bundles", len(results), "failed", export.Failed(results))
	if err := c.reloadList(ctx); err != nil {
		return results, err
	}
	return results, nil
}

func (c *Controller) Search(ctx context.Context, query string, limit int) ([]store.Conversation, error) {
	return c.store.Search(ctx, query, limit)
}

// Close commits pending changes and releases every attachment handle.
func (c *Controller) Close() {
	c.scheduler.Flush()
	c.scheduler.Wait()
	c.cache.Release()
}

// SendText appends a user message built from text and files to the active
// conversation, creating a conversation when there is none.
func (c *Controller) SendText(ctx context.Context, text string, files ...chat.FilePart) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return chat.Message{}, ErrEmptySend
	}
	if c.ActiveID() == "" {
		if _, err := c.Create(ctx, ""); err != nil {
			return chat.Message{}, fmt.Errorf("create conversation: %w", err)
		}
	}
	m := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		CreatedAt: time.Now().UnixMilli(),
	}
	if text != "" {
		m.Parts = append(m.Parts, chat.TextPart{Text: text})
	}
	for _, f := range files {
		m.Parts = append(m.Parts, f)
	}
	c.live.Append(m)
	return m, nil
}

// Attach registers data as a readable blob and returns the file part that
// references it.
func (c *Controller) Attach(data []byte, mediaType, filename string) chat.FilePart {
	if mediaType == "" {
		mediaType = blobs.DetectMediaType(filename, data)
	}
	return chat.FilePart{
		MediaType: mediaType,
		Filename:  filename,
		URL:       c.registry.CreateObjectURL(data, mediaType),
	}
}

func (c *Controller) AppendMessage(m chat.Message) {
	c.live.Append(m)
}

func (c *Controller) UpdateMessage(m chat.Message) {
	c.live.Update(m)
}

func (c *Controller) SetMessages(msgs []chat.Message) {
	c.live.Set(msgs)
}

func (c *Controller) SetStreaming(on bool) {
	c.live.SetStreaming(on)
}

// SetModel changes the model settings recorded on the next snapshot.
func (c *Controller) SetModel(modelID string, effort chat.ReasoningEffort) error {
	if !effort.Valid() {
		return fmt.Errorf("invalid reasoning effort %q", effort)
	}
	c.mu.Lock()
	if modelID != "" {
		c.meta.ModelID = modelID
	}
	c.meta.ReasoningEffort = effort
	c.mu.Unlock()
	c.scheduleSnapshot()
	return nil
}

func (c *Controller) Flush() {
	c.scheduler.Flush()
	c.scheduler.Wait()
}

func (c *Controller) currentMeta() store.Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

func (c *Controller) scheduleSnapshot() {
	c.mu.RLock()
	req := snapshot.Request{ConversationID: c.activeID, Meta: c.meta}
	c.mu.RUnlock()
	req.Messages = c.live.Messages()
	req.Streaming = c.live.Streaming()
	c.scheduler.Schedule(req)
}

func (c *Controller) applySaved(req snapshot.Request, res store.SnapshotResult) {
	c.mu.Lock()
	// A conversation deleted while its write was committing stays deleted.
	if contains(c.conversations, res.Conversation.ID) {
		c.conversations = upsertFront(c.conversations, res.Conversation)
	}
	active := c.activeID == req.ConversationID
	c.mu.Unlock()
	if active {
		c.live.Tag(res.Assignments)
	}
	if c.onChange != nil {
		c.onChange()
	}
}

func (c *Controller) reloadList(ctx context.Context) error {
	list, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conversations = list
	c.mu.Unlock()
	return nil
}

func upsertFront(list []store.Conversation, conv store.Conversation) []store.Conversation {
	out := make([]store.Conversation, 0, len(list)+1)
	out = append(out, conv)
	for _, existing := range list {
		if existing.ID != conv.ID {
			out = append(out, existing)
		}
	}
	return out
}

func contains(list []store.Conversation, id string) bool {
	for _, conv := range list {
		if conv.ID == id {
			return true
		}
	}
	return false
}

func removeID(list []store.Conversation, id string) []store.Conversation {
	out := make([]store.Conversation, 0, len(list))
	for _, conv := range list {
		if conv.ID != id {
			out = append(out, conv)
		}
	}
	return out
}

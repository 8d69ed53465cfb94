package hydration

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"vibechat/internal/chat"
	"vibechat/internal/store"
)

type State int

const (
	Idle State = iota
	Hydrating
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Hydrating:
		return "hydrating"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error reports a conversation that could not be loaded. The live session is
// left empty and hydration still completes.
type Error struct {
	ConversationID string
	Err            error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("hydrate conversation %s: %v", e.ConversationID, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Loader interface {
	GetMessages(ctx context.Context, conversationID string, resolver store.HandleResolver) ([]chat.Message, []string, error)
}

type HandleCache interface {
	store.HandleResolver
	Release(ids ...string)
}

// Sink receives the hydrated message list. It is called with the controller
// lock held and must not call back into the controller.
type Sink func([]chat.Message)

type Controller struct {
	mu           sync.Mutex
	loader       Loader
	cache        HandleCache
	sink         Sink
	log          *log.Logger
	state        State
	active       string
	lastHydrated string
	gen          uint64
}

func New(loader Loader, cache HandleCache, sink Sink, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Controller{
		loader: loader,
		cache:  cache,
		sink:   sink,
		log:    logger.With("component", "hydration"),
	}
}

// Activate makes id the active conversation and loads it into the live
// session. Persistence is blocked until it returns. A load that is overtaken
// by a newer Activate is discarded. Failures clear the live session, are
// logged and returned as *Error; the state is Ready either way.
func (c *Controller) Activate(ctx context.Context, id string) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.active = id
	c.lastHydrated = ""
	if id == "" {
		c.state = Idle
	} else {
		c.state = Hydrating
	}
	c.mu.Unlock()

	c.cache.Release()
	if id == "" {
		c.mu.Lock()
		if c.gen == gen {
			c.deliver(nil)
		}
		c.mu.Unlock()
		return nil
	}

	msgs, resolved, err := c.loader.GetMessages(ctx, id, c.cache)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		if c.active != id {
			c.cache.Release(resolved...)
		}
		c.log.Debug("discarding superseded hydration", "conversation", id)
		return nil
	}
	if err != nil {
		c.deliver(nil)
		c.state = Ready
		herr := &Error{ConversationID: id, Err: err}
		c.log.Error("hydration failed", "conversation", id, "err", err)
		return herr
	}
	c.deliver(msgs)
	c.lastHydrated = id
	c.state = Ready
	c.log.Debug("hydrated conversation", "conversation", id, "messages", len(msgs), "attachments", len(resolved))
	return nil
}

func (c *Controller) deliver(msgs []chat.Message) {
	if c.sink != nil {
		c.sink(msgs)
	}
}

// CanPersist reports whether a write for id may commit: hydration finished
// and id is the conversation that was hydrated.
func (c *Controller) CanPersist(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id != "" && c.state == Ready && c.lastHydrated == c.active && c.active == id
}

// Reset drops the active conversation without loading another one.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.gen++
	c.state = Idle
	c.active = ""
	c.lastHydrated = ""
	c.deliver(nil)
	c.mu.Unlock()
	c.cache.Release()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) Hydrating() bool {
	return c.State() == Hydrating
}

package snapshot

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"vibechat/internal/chat"
	"vibechat/internal/store"
)

const DefaultDebounce = 350 * time.Millisecond

type Saver interface {
	SaveSnapshot(ctx context.Context, conversationID string, live []chat.Message, meta store.Meta) (store.SnapshotResult, error)
}

type Guard interface {
	CanPersist(conversationID string) bool
}

// Request is the state of the live session at the time of a change.
type Request struct {
	ConversationID string
	Messages       []chat.Message
	Meta           store.Meta
	Streaming      bool
}

type Options struct {
	Debounce              time.Duration
	PersistWhileStreaming bool
	OnSaved               func(Request, store.SnapshotResult)
	Logger                *log.Logger
}

// Scheduler is a trailing debounce in front of Saver. Only the last request of
// a burst is written; the guard is consulted when scheduling and again right
// before the write.
type Scheduler struct {
	saver Saver
	guard Guard
	opts  Options
	log   *log.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending *Request
	gen     uint64
	locks   map[string]*sync.Mutex

	inflight sync.WaitGroup
}

func New(saver Saver, guard Guard, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Scheduler{
		saver: saver,
		guard: guard,
		opts:  opts,
		log:   logger.With("component", "snapshot"),
		locks: make(map[string]*sync.Mutex),
	}
}

// Schedule replaces any pending write with req and restarts the quiescence
// timer. It reports whether a write was scheduled.
func (s *Scheduler) Schedule(req Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if !s.permitted(req) {
		return false
	}
	req.Messages = chat.CloneMessages(req.Messages)
	s.pending = &req
	gen := s.gen
	s.timer = time.AfterFunc(s.opts.Debounce, func() { s.fire(gen) })
	return true
}

// Cancel drops the pending write. A write that is already committing is not
// interrupted.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

// Flush commits the pending write now instead of waiting for the timer.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	req := s.pending
	s.stopLocked()
	if req == nil {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	s.commit(*req)
}

// Wait blocks until every write that has started has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Scheduler) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	req := *s.pending
	s.pending = nil
	s.timer = nil
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	s.commit(req)
}

func (s *Scheduler) permitted(req Request) bool {
	if req.ConversationID == "" {
		return false
	}
	if req.Streaming && !s.opts.PersistWhileStreaming {
		return false
	}
	return s.guard == nil || s.guard.CanPersist(req.ConversationID)
}

func (s *Scheduler) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Scheduler) commit(req Request) {
	l := s.lockFor(req.ConversationID)
	l.Lock()
	defer l.Unlock()

	if !s.permitted(req) {
		s.log.Debug("skipping snapshot", "conversation", req.ConversationID, "streaming", req.Streaming)
		return
	}
	res, err := s.saver.SaveSnapshot(context.Background(), req.ConversationID, req.Messages, req.Meta)
	if err != nil {
		s.log.Error("snapshot failed", "conversation", req.ConversationID, "err", err)
		return
	}
	s.log.Debug("snapshot saved", "conversation", req.ConversationID, "messages", len(req.Messages), "attachments", len(res.Assignments))
	if s.opts.OnSaved != nil {
		s.opts.OnSaved(req, res)
	}
}

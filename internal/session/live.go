package session

import (
	"sync"

	"vibechat/internal/chat"
	"vibechat/internal/store"
)

// Live is the in-memory message list of the active conversation. Every
// mutation except Replace and Tag reports a change.
type Live struct {
	mu        sync.RWMutex
	messages  []chat.Message
	streaming bool
	onChange  func()
}

func NewLive(onChange func()) *Live {
	return &Live{onChange: onChange}
}

func (l *Live) Messages() []chat.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return chat.CloneMessages(l.messages)
}

func (l *Live) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

func (l *Live) Streaming() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.streaming
}

func (l *Live) Append(m chat.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, m.Clone())
	l.mu.Unlock()
	l.changed()
}

// Update replaces the message with the same id, or appends it.
func (l *Live) Update(m chat.Message) {
	l.mu.Lock()
	replaced := false
	for i := range l.messages {
		if l.messages[i].ID == m.ID {
			l.messages[i] = m.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		l.messages = append(l.messages, m.Clone())
	}
	l.mu.Unlock()
	l.changed()
}

func (l *Live) Set(msgs []chat.Message) {
	l.mu.Lock()
	l.messages = chat.CloneMessages(msgs)
	l.mu.Unlock()
	l.changed()
}

func (l *Live) SetStreaming(on bool) {
	l.mu.Lock()
	if l.streaming == on {
		l.mu.Unlock()
		return
	}
	l.streaming = on
	l.mu.Unlock()
	l.changed()
}

// Replace swaps in a hydrated list without reporting a change.
func (l *Live) Replace(msgs []chat.Message) {
	l.mu.Lock()
	l.messages = chat.CloneMessages(msgs)
	l.streaming = false
	l.mu.Unlock()
}

// Tag records persisted attachment ids on file parts that still point at the
// source they were read from. It does not report a change.
func (l *Live) Tag(assignments []store.Assignment) int {
	if len(assignments) == 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	byMessage := make(map[string]int, len(l.messages))
	for i, m := range l.messages {
		byMessage[m.ID] = i
	}
	tagged := 0
	for _, a := range assignments {
		i, ok := byMessage[a.MessageID]
		if !ok || a.PartIndex < 0 || a.PartIndex >= len(l.messages[i].Parts) {
			continue
		}
		fp, ok := l.messages[i].Parts[a.PartIndex].(chat.FilePart)
		if !ok || fp.PersistedAttachmentID != "" || fp.URL != a.SourceURL {
			continue
		}
		fp.PersistedAttachmentID = a.AttachmentID
		l.messages[i].Parts[a.PartIndex] = fp
		tagged++
	}
	return tagged
}

func (l *Live) changed() {
	if l.onChange != nil {
		l.onChange()
	}
}

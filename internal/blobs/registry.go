package blobs

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const ObjectURLScheme = "blob:"

type Blob struct {
	Data      []byte
	MediaType string
}

// Registry is the process-local table behind blob: handles. A handle stays
// readable until it is revoked.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Blob
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Blob)}
}

func (r *Registry) CreateObjectURL(data []byte, mediaType string) string {
	buf := make([]byte, len(data))
	copy(buf, data)
	url := ObjectURLScheme + uuid.NewString()

	r.mu.Lock()
	r.entries[url] = Blob{Data: buf, MediaType: mediaType}
	r.mu.Unlock()
	return url
}

func (r *Registry) RevokeObjectURL(url string) {
	r.mu.Lock()
	delete(r.entries, url)
	r.mu.Unlock()
}

func (r *Registry) Lookup(url string) (Blob, bool) {
	if !strings.HasPrefix(url, ObjectURLScheme) {
		return Blob{}, false
	}
	r.mu.RLock()
	b, ok := r.entries[url]
	r.mu.RUnlock()
	return b, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

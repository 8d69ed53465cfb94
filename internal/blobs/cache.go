package blobs

import "sync"

// Cache maps attachment ids to readable blob: handles. Every handle it hands
// out is revoked by Release; the owner drains it on conversation switch and on
// teardown.
type Cache struct {
	mu       sync.Mutex
	registry *Registry
	handles  map[string]string
}

func NewCache(registry *Registry) *Cache {
	return &Cache{registry: registry, handles: make(map[string]string)}
}

func (c *Cache) Resolve(attachmentID, mediaType string, data []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url, ok := c.handles[attachmentID]; ok {
		return url
	}
	url := c.registry.CreateObjectURL(data, mediaType)
	c.handles[attachmentID] = url
	return url
}

func (c *Cache) Handle(attachmentID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.handles[attachmentID]
	return url, ok
}

// Release revokes the given ids, or every cached handle when none are given.
func (c *Cache) Release(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		for id, url := range c.handles {
			c.registry.RevokeObjectURL(url)
			delete(c.handles, id)
		}
		return
	}
	for _, id := range ids {
		if url, ok := c.handles[id]; ok {
			c.registry.RevokeObjectURL(url)
			delete(c.handles, id)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

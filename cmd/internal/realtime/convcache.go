package realtime

import "sync"

// conversationCache remembers which participant pairs already have a durable
// conversation. It is shared across sessions so a receiver's fanout frames
// pick up the conversation id as soon as any batcher observes it.
type conversationCache struct {
	mu  sync.RWMutex
	ids map[string]int64
}

func newConversationCache() *conversationCache {
	return &conversationCache{ids: make(map[string]int64)}
}

// pairKey normalizes an unordered participant pair to a stable key.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

func (c *conversationCache) lookup(a, b string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[pairKey(a, b)]
	return id, ok
}

func (c *conversationCache) put(a, b string, id int64) {
	c.mu.Lock()
	c.ids[pairKey(a, b)] = id
	c.mu.Unlock()
}

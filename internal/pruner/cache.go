package pruner

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// cacheEntry is one memoized prune result. The pruned text still
// carries the pendingPruneID placeholder so each hit can be stamped
// with a fresh prune id.
type cacheEntry struct {
	key         string
	prunedText  string
	annotations []map[string]any
	stats       map[string]any
	warnings    []string
	lines       []string
	storedAt    time.Time
}

// resultCache is a TTL-bounded LRU over prune results.
type resultCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recent
	entries map[string]*list.Element
	now     func() time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return &resultCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// cacheKey fingerprints the full pruning input: text content, goal,
// source type and the options that shape the output.
func cacheKey(text, goalHint, sourceType string, opts pruneOptions) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s|%s|%s|%.6f|%d|%t|%t",
		hex.EncodeToString(sum[:]), goalHint, sourceType,
		opts.MaxPruneRatio, opts.MinKeepLines, opts.AnnotateLines, opts.IncludeMarkers)
}

func (c *resultCache) get(key string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil
	}
	c.order.MoveToFront(elem)
	return entry
}

func (c *resultCache) put(entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.storedAt = c.now()
	if elem, ok := c.entries[entry.key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}

	c.entries[entry.key] = c.order.PushFront(entry)
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

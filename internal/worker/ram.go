package worker

import (
	"container/list"
	"sync"

	"sgkoffline/internal/offline"
)

// ramClass orders entries for eviction: assets go first, then visited pages,
// and the app shell last.
type ramClass int

const (
	classAsset ramClass = iota
	classPage
	classShell
	numClasses
)

func classOf(ent Entry) ramClass {
	switch ent.DiscoveredBy {
	case "shell":
		return classShell
	case "visit", "message", "sitemap":
		return classPage
	}
	return classAsset
}

type ramItem struct {
	key   string
	ent   Entry
	size  int64
	class ramClass
}

// ramCache is a byte-bounded memory tier in front of the page store. It is
// bound to one cache generation; reads and writes for any other generation
// miss. Each class keeps its own recency list and a new entry may only push
// out entries of the same or a lower class.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	gen   string
	items map[string]*list.Element
	lru   [numClasses]*list.List
	total int64
}

func newRAMCache(gen string, maxBytes int64) *ramCache {
	c := &ramCache{maxBytes: maxBytes}
	c.resetLocked(gen)
	return c
}

func (c *ramCache) resetLocked(gen string) {
	c.gen = gen
	c.items = map[string]*list.Element{}
	for i := range c.lru {
		c.lru[i] = list.New()
	}
	c.total = 0
}

// Reset empties the cache and binds it to gen.
func (c *ramCache) Reset(gen string) {
	c.mu.Lock()
	c.resetLocked(gen)
	c.mu.Unlock()
}

// entrySize approximates the memory held by ent.
func entrySize(ent Entry) int64 {
	n := len(ent.Body) + len(ent.DiscoveredBy)
	for k, vs := range ent.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

// Peek reads without touching recency.
func (c *ramCache) Peek(gen, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return Entry{}, false
	}
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*ramItem).ent, true
}

func (c *ramCache) Get(gen, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return Entry{}, false
	}
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	it := el.Value.(*ramItem)
	c.lru[it.class].MoveToFront(el)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

func (c *ramCache) deleteLocked(key string) {
	el, ok := c.items[key]
	if !ok {
		return
	}
	it := el.Value.(*ramItem)
	c.lru[it.class].Remove(el)
	delete(c.items, key)
	c.total -= it.size
}

// Put keeps ent in memory when it belongs to the bound generation and fits.
// Entries pushed out to make room, and ent itself when it cannot be placed,
// are handed to spill. It reports whether ent is now held in memory.
func (c *ramCache) Put(gen, key string, ent Entry, spill func(string, Entry), overflowLog *offline.RateLimitedLogger) bool {
	it := &ramItem{key: key, ent: ent, size: entrySize(ent), class: classOf(ent)}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.deleteLocked(key)

	var evicted []*ramItem
	fits := c.maxBytes <= 0 || it.size <= c.maxBytes
	for fits && c.maxBytes > 0 && c.total+it.size > c.maxBytes {
		victim := c.victimLocked(it.class)
		if victim == nil {
			fits = false
			break
		}
		evicted = append(evicted, victim)
	}
	if fits {
		c.items[key] = c.lru[it.class].PushFront(it)
		c.total += it.size
	}
	c.mu.Unlock()

	if len(evicted) > 0 || !fits {
		overflowLog.Printf("worker: RAM cache full (%d bytes), moving entries to disk", c.maxBytes)
	}
	if spill != nil {
		for _, v := range evicted {
			spill(v.key, v.ent)
		}
		if !fits {
			spill(key, ent)
		}
	}
	return fits
}

// victimLocked removes and returns the least recently used entry of the
// lowest class not above limit.
func (c *ramCache) victimLocked(limit ramClass) *ramItem {
	for cl := classAsset; cl <= limit; cl++ {
		el := c.lru[cl].Back()
		if el == nil {
			continue
		}
		it := el.Value.(*ramItem)
		c.lru[cl].Remove(el)
		delete(c.items, it.key)
		c.total -= it.size
		return it
	}
	return nil
}

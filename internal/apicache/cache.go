// Package apicache is the in-page request cache for JSON API reads: a memory
// tier in front of a durable store, with per-call TTLs and offline fallbacks.
package apicache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"sgkoffline/internal/offline"
	"sgkoffline/internal/store"
)

// DefaultDuration is the lifetime of an entry when the caller does not pick one.
const DefaultDuration = time.Hour

type Entry = store.Response

// Store is the durable tier.
type Store interface {
	Get(ctx context.Context, url string) (store.Response, error)
	Put(ctx context.Context, r store.Response) error
	Delete(ctx context.Context, url string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
	Clear(ctx context.Context) error
}

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request describes the network request made on a miss.
type Request struct {
	Method string
	Header http.Header
	Body   any
}

// Options are the per-call cache controls. The zero value uses the cache with
// the default duration.
type Options struct {
	NoCache       bool
	CacheDuration time.Duration
	ForceRefresh  bool
	OfflineData   json.RawMessage
}

type Cache struct {
	baseURL     string
	client      Doer
	durable     Store
	monitor     *offline.Monitor
	csrfToken   string
	defaultTTL  time.Duration
	now         func() time.Time
	storeErrLog *offline.RateLimitedLogger

	mu     sync.Mutex
	memory map[string]Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Cache)

func WithHTTPClient(c Doer) Option          { return func(x *Cache) { x.client = c } }
func WithMonitor(m *offline.Monitor) Option { return func(x *Cache) { x.monitor = m } }
func WithCSRFToken(token string) Option     { return func(x *Cache) { x.csrfToken = token } }
func WithClock(now func() time.Time) Option { return func(x *Cache) { x.now = now } }
func WithDefaultDuration(d time.Duration) Option {
	return func(x *Cache) {
		if d > 0 {
			x.defaultTTL = d
		}
	}
}

// New builds a cache resolving relative URLs against baseURL. durable may be
// nil, in which case only the memory tier is used.
func New(baseURL string, durable Store, opts ...Option) *Cache {
	c := &Cache{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
		durable:     durable,
		defaultTTL:  DefaultDuration,
		now:         time.Now,
		storeErrLog: offline.NewRateLimitedLogger(time.Minute),
		memory:      map[string]Entry{},
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the JSON body for url. A live entry is served without touching
// the network. On a miss the network result is stored in both tiers. If the
// network fails, OfflineData and then a live durable entry are tried before the
// error is returned.
func (c *Cache) Fetch(ctx context.Context, url string, req Request, o Options) (json.RawMessage, error) {
	ttl := o.CacheDuration
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if !o.NoCache && !o.ForceRefresh {
		if data, ok := c.lookup(ctx, url); ok {
			return data, nil
		}
	}

	data, err := c.fetchNetwork(ctx, url, req)
	if err == nil {
		if !o.NoCache {
			c.store(ctx, url, data, ttl)
		}
		return data, nil
	}
	log.Printf("apicache: fetch %s: %v", url, err)

	if o.OfflineData != nil {
		return o.OfflineData, nil
	}
	if data, ok := c.lookupDurable(ctx, url); ok {
		return data, nil
	}
	return nil, err
}

func (c *Cache) lookup(ctx context.Context, url string) (json.RawMessage, bool) {
	now := c.now()
	c.mu.Lock()
	ent, ok := c.memory[url]
	if ok && ent.Expired(now) {
		delete(c.memory, url)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return ent.Payload, true
	}
	return c.lookupDurable(ctx, url)
}

func (c *Cache) lookupDurable(ctx context.Context, url string) (json.RawMessage, bool) {
	if c.durable == nil {
		return nil, false
	}
	ent, err := c.durable.Get(ctx, url)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.storeErrLog.Printf("apicache: durable get %s: %v", url, err)
		}
		return nil, false
	}
	if ent.Expired(c.now()) {
		if err := c.durable.Delete(ctx, url); err != nil {
			c.storeErrLog.Printf("apicache: durable delete %s: %v", url, err)
		}
		return nil, false
	}
	c.mu.Lock()
	c.memory[url] = ent
	c.mu.Unlock()
	return ent.Payload, true
}

func (c *Cache) store(ctx context.Context, url string, data json.RawMessage, ttl time.Duration) {
	now := c.now()
	ent := Entry{URL: url, Payload: data, StoredAt: now, ExpiresAt: now.Add(ttl)}
	c.mu.Lock()
	c.memory[url] = ent
	c.mu.Unlock()
	if c.durable == nil {
		return
	}
	if err := c.durable.Put(ctx, ent); err != nil {
		c.storeErrLog.Printf("apicache: durable put %s: %v", url, err)
	}
}

func (c *Cache) fetchNetwork(ctx context.Context, url string, r Request) (json.RawMessage, error) {
	if c.monitor != nil && !c.monitor.IsOnline() {
		return nil, offline.ErrOffline
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	target := url
	if strings.HasPrefix(url, "/") {
		target = c.baseURL + url
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if offline.IsMutating(method) && c.csrfToken != "" {
		req.Header.Set(offline.CSRFHeader, c.csrfToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, offline.NewHTTPError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s: response is not JSON", url)
	}
	return json.RawMessage(b), nil
}

// Sweep drops expired entries from both tiers.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	c.mu.Lock()
	for k, ent := range c.memory {
		if ent.Expired(now) {
			delete(c.memory, k)
		}
	}
	c.mu.Unlock()
	if c.durable == nil {
		return 0, nil
	}
	return c.durable.Sweep(ctx, now)
}

// Clear wipes both tiers unconditionally.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.memory = map[string]Entry{}
	c.mu.Unlock()
	if c.durable == nil {
		return nil
	}
	return c.durable.Clear(ctx)
}

// StartSweeper runs Sweep every interval until Close.
func (c *Cache) StartSweeper(every time.Duration) {
	if every <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				n, err := c.Sweep(ctx)
				cancel()
				if err != nil {
					log.Printf("apicache: sweep: %v", err)
				} else if n > 0 {
					log.Printf("apicache: swept %d expired entries", n)
				}
			}
		}
	}()
}

func (c *Cache) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

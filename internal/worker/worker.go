// Package worker is the request-interception layer: an HTTP proxy in front
// of the application origin that answers each request with a per-class cache
// strategy and keeps serving pages, assets and API reads when the origin is
// unreachable.
package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"sgkoffline/internal/config"
	"sgkoffline/internal/offline"
)

// State is the install lifecycle of a worker version.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivated  State = "activated"
)

type Worker struct {
	cfg      config.Config
	gen      string
	version  string
	origin   *url.URL
	classify Classifier

	httpClient *http.Client

	ram  *ramCache
	disk *pageStore
	hub  *Hub

	bgSem chan struct{}

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	overflowLog *offline.RateLimitedLogger
	stats       *statsCollector
	pending     func() int

	mu             sync.Mutex
	state          State
	installPending bool
	onPageSaved    []func(key string)
}

type Option func(*Worker)

func WithHTTPClient(c *http.Client) Option { return func(w *Worker) { w.httpClient = c } }

// WithPendingCount adds the pending submission count to the stats line.
func WithPendingCount(fn func() int) Option { return func(w *Worker) { w.pending = fn } }

// New builds a worker for cfg storing its page cache in db. Messages arriving
// on hub are answered by the worker.
func New(cfg config.Config, db *leveldb.DB, hub *Hub, opts ...Option) (*Worker, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("worker: invalid origin %q", cfg.Server.Origin)
	}
	if !validGeneration(cfg.Worker.CacheName) {
		return nil, fmt.Errorf("worker: invalid cache name %q", cfg.Worker.CacheName)
	}
	disk, err := newPageStore(db)
	if err != nil {
		return nil, err
	}
	if hub == nil {
		hub = NewHub(cfg.Worker.CachePageRate)
	}

	w := &Worker{
		cfg:     cfg,
		gen:     cfg.Worker.CacheName,
		version: cfg.Worker.Version,
		origin:  origin,
		classify: Classifier{
			OriginHost:   origin.Host,
			AllowedHosts: cfg.Worker.AllowedHosts,
			StaticPrefix: cfg.Worker.StaticPrefix,
		},
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		ram:         newRAMCache(cfg.Worker.CacheName, cfg.RAMMaxBytes),
		disk:        disk,
		hub:         hub,
		bgSem:       make(chan struct{}, 32),
		stopCh:      make(chan struct{}),
		overflowLog: offline.NewRateLimitedLogger(time.Minute),
		state:       StateNew,
	}
	for _, opt := range opts {
		opt(w)
	}
	hub.Handle(w.HandleMessage)

	if cfg.StatsEvery > 0 {
		w.stats = newStatsCollector()
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop(cfg.StatsEvery)
		}()
	}
	return w, nil
}

// Close stops background work and flushes pending page cache writes.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		w.disk.close()
	})
}

func (w *Worker) Hub() *Hub { return w.hub }

// Generation is the name of the active cache generation.
func (w *Worker) Generation() string { return w.gen }

func (w *Worker) Classifier() Classifier { return w.classify }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// OnPageCached registers fn to run after a page is added to the cache by a
// navigation, a CACHE_PAGE message or sitemap discovery.
func (w *Worker) OnPageCached(fn func(key string)) {
	w.mu.Lock()
	w.onPageSaved = append(w.onPageSaved, fn)
	w.mu.Unlock()
}

func (w *Worker) notifyPageCached(key string) {
	w.mu.Lock()
	fns := append([]func(string){}, w.onPageSaved...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}

// Keys lists every URL cached in the active generation.
func (w *Worker) Keys(context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for _, k := range w.ram.Keys() {
		seen[k] = struct{}{}
	}
	for _, k := range w.disk.Keys(w.gen) {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// Start installs the app shell and activates immediately. When the install
// fails but the generation already holds entries from an earlier run, the
// worker activates on what it has and the install stays pending until
// RetryInstall succeeds.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		if w.disk.KeyCount(w.gen) == 0 {
			return err
		}
		log.Printf("worker: %v; serving %d cached entries from %s", err, w.disk.KeyCount(w.gen), w.gen)
		w.mu.Lock()
		w.installPending = true
		if w.state != StateActivated {
			w.state = StateInstalled
		}
		w.mu.Unlock()
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}
	w.startDiscovery()
	return nil
}

// InstallPending reports whether the app shell could not be refreshed at
// start and the worker is running on a previous copy.
func (w *Worker) InstallPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.installPending
}

// RetryInstall seeds the app shell again after a failed start. It does nothing
// when no install is pending.
func (w *Worker) RetryInstall(ctx context.Context) error {
	if !w.InstallPending() {
		return nil
	}
	if err := w.Install(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.installPending = false
	w.mu.Unlock()
	return nil
}

// Install fetches every app shell URL and stores them together. If any fetch
// fails nothing is written and the worker stays uninstalled.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	prev := w.state
	if prev != StateActivated {
		w.state = StateInstalling
	}
	w.mu.Unlock()

	err := w.seedShell(ctx)

	w.mu.Lock()
	switch {
	case err != nil:
		w.state = prev
	case prev != StateActivated:
		w.state = StateInstalled
	}
	w.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("worker: installed %s (%d shell entries)", w.gen, len(w.cfg.Worker.AppShell))
	return nil
}

func (w *Worker) seedShell(ctx context.Context) error {
	batch := make(map[string]Entry, len(w.cfg.Worker.AppShell))
	for _, raw := range w.cfg.Worker.AppShell {
		key, target, err := w.resolve(raw)
		if err != nil {
			return fmt.Errorf("worker: install %s: %w", raw, err)
		}
		ent, err := w.get(ctx, target, nil, "shell")
		if err != nil {
			return fmt.Errorf("worker: install %s: %w", raw, err)
		}
		if ent.Status != http.StatusOK {
			return fmt.Errorf("worker: install %s: status %d", raw, ent.Status)
		}
		batch[key] = ent
	}
	if err := w.disk.PutAll(w.gen, batch); err != nil {
		return fmt.Errorf("worker: install: %w", err)
	}
	for key, ent := range batch {
		w.ram.Put(w.gen, key, ent, nil, w.overflowLog)
	}
	return nil
}

// Activate removes every other cache generation and takes control of open
// pages. Activating twice is a no-op.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateActivated:
		w.mu.Unlock()
		return nil
	case StateInstalled:
	default:
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker: cannot activate from state %s", st)
	}
	w.mu.Unlock()

	for _, g := range w.disk.Generations() {
		if g == w.gen {
			continue
		}
		log.Printf("worker: deleting old cache %s", g)
		if err := w.disk.DropGeneration(g); err != nil {
			return fmt.Errorf("worker: delete cache %s: %w", g, err)
		}
	}

	w.mu.Lock()
	w.state = StateActivated
	w.mu.Unlock()
	log.Printf("worker: %s activated", w.gen)
	w.hub.Broadcast(Activated{Version: w.version})
	return nil
}

// ClearCache deletes every cache generation and seeds the app shell again.
func (w *Worker) ClearCache(ctx context.Context) error {
	for _, g := range w.disk.Generations() {
		if err := w.disk.DropGeneration(g); err != nil {
			return fmt.Errorf("worker: clear %s: %w", g, err)
		}
	}
	w.ram.Reset(w.gen)
	if err := w.seedShell(ctx); err != nil {
		return err
	}
	log.Printf("worker: cache cleared and re-seeded")
	return nil
}

// CachePage fetches rawURL and adds it to the active generation.
func (w *Worker) CachePage(ctx context.Context, rawURL string) error {
	return w.cachePage(ctx, rawURL, "message")
}

func (w *Worker) cachePage(ctx context.Context, rawURL, by string) error {
	key, target, err := w.resolve(rawURL)
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("Accept", "text/html")
	ent, err := w.get(ctx, target, h, by)
	if err != nil {
		return err
	}
	if ent.Status != http.StatusOK {
		return fmt.Errorf("status %d", ent.Status)
	}
	w.store(key, ent)
	w.notifyPageCached(key)
	return nil
}

// HandleMessage answers one page message.
func (w *Worker) HandleMessage(ctx context.Context, m Message) (Message, error) {
	switch m := m.(type) {
	case SkipWaiting:
		if w.State() == StateInstalled {
			return nil, w.Activate(ctx)
		}
		return nil, nil
	case CheckVersion:
		return VersionStatus{Version: m.Version, NeedsUpdate: m.Version != w.version}, nil
	case CachePage:
		if err := w.CachePage(ctx, m.URL); err != nil {
			log.Printf("worker: cache page %s: %v", m.URL, err)
			return PageCached{URL: m.URL, Error: err.Error()}, nil
		}
		return PageCached{URL: m.URL, Success: true}, nil
	case ClearCache:
		if err := w.ClearCache(ctx); err != nil {
			log.Printf("worker: clear cache: %v", err)
			return CacheCleared{Error: err.Error()}, nil
		}
		return CacheCleared{Success: true}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, m.Type())
}

// Sync handles a background sync event. The only known tag asks every open
// page to replay its queued submissions.
func (w *Worker) Sync(tag string) error {
	if tag != SyncFormsTag {
		return fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	w.hub.Broadcast(SyncForms{})
	return nil
}

// resolve returns the cache key and the upstream URL for a same-origin path
// or an absolute URL on the origin or an allowed host.
func (w *Worker) resolve(raw string) (key, target string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", err
	}
	if u.Host == "" {
		if !strings.HasPrefix(u.Path, "/") {
			return "", "", fmt.Errorf("relative url %q", raw)
		}
		return u.RequestURI(), w.cfg.Server.Origin + u.RequestURI(), nil
	}
	if w.isOrigin(u) {
		return u.RequestURI(), w.cfg.Server.Origin + u.RequestURI(), nil
	}
	if !w.classify.allowedHost(u.Hostname()) {
		return "", "", fmt.Errorf("host %s is not allowed", u.Host)
	}
	return u.String(), u.String(), nil
}

// isOrigin reports whether u is relative or points at the application origin.
func (w *Worker) isOrigin(u *url.URL) bool {
	return u.Host == "" || strings.EqualFold(u.Host, w.origin.Host)
}

// requestTarget is resolve for an incoming proxied request. ok is false for
// an absolute-form request to a host that is neither the origin nor allowed.
func (w *Worker) requestTarget(r *http.Request) (key, target string, ok bool) {
	if w.isOrigin(r.URL) {
		return r.URL.RequestURI(), w.cfg.Server.Origin + r.URL.RequestURI(), true
	}
	if !w.classify.allowedHost(r.URL.Hostname()) {
		return "", "", false
	}
	return r.URL.String(), r.URL.String(), true
}

func (w *Worker) lookup(key string) (Entry, bool) {
	if ent, ok := w.ram.Get(w.gen, key); ok {
		return ent, true
	}
	if ent, ok := w.disk.Get(w.gen, key); ok {
		w.ram.Put(w.gen, key, ent, w.spill, w.overflowLog)
		return ent, true
	}
	return Entry{}, false
}

func (w *Worker) store(key string, ent Entry) {
	w.ram.Put(w.gen, key, ent, w.spill, w.overflowLog)
	w.disk.PutAsync(w.gen, key, ent)
}

func (w *Worker) spill(key string, ent Entry) {
	if !w.disk.HasKey(w.gen, key) {
		w.disk.PutAsync(w.gen, key, ent)
	}
}

// get fetches target with GET and reads the whole body.
func (w *Worker) get(ctx context.Context, target string, h http.Header, by string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Entry{}, err
	}
	copyHeaders(req.Header, h)
	req.Header.Set("Accept-Encoding", "identity")
	return w.do(req, by)
}

func (w *Worker) do(req *http.Request, by string) (Entry, error) {
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	return newEntry(resp.StatusCode, resp.Header, body, by), nil
}

var hopHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

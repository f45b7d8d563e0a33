// Package app builds every offline component once, wires them together and
// exposes them behind one HTTP handler: the control API under /__offline, the
// worker endpoints under /__sw and the caching proxy for everything else.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/syndtr/goleveldb/leveldb"

	"sgkoffline/internal/apicache"
	"sgkoffline/internal/config"
	"sgkoffline/internal/nav"
	"sgkoffline/internal/offline"
	"sgkoffline/internal/queue"
	"sgkoffline/internal/store"
	"sgkoffline/internal/worker"
)

type App struct {
	cfg   config.Config
	db    *leveldb.DB
	redis *redis.Client

	Bus       *offline.Bus
	Monitor   *offline.Monitor
	Prober    *offline.Prober
	API       *apicache.Cache
	Queue     *queue.Queue
	Replayer  *queue.Replayer
	Submitter *queue.Submitter
	Hub       *worker.Hub
	Worker    *worker.Worker
	Nav       *nav.Index

	router *mux.Router

	mu      sync.Mutex
	current string
	closed  bool

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient replaces the client used for submissions, replay and API
// reads. The worker keeps its own non-redirecting client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// New opens storage and builds the component graph. Nothing touches the
// network until Start.
func New(cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, db: db, Bus: offline.NewBus()}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	a.Monitor = offline.NewMonitor(true, a.Bus, cfg.OnlineDelay)
	if cfg.Connectivity.ProbeURL != "" {
		a.Prober = offline.NewProber(cfg.Connectivity.ProbeURL, cfg.ProbeEvery, a.Monitor)
	}

	var durable apicache.Store = store.NewResponseStore(db)
	replayOpts := []queue.ReplayerOption{
		queue.WithReplayClient(o.httpClient),
		queue.WithReplayCSRFToken(cfg.Queue.CSRFToken),
		queue.WithReplayMonitor(a.Monitor),
		queue.WithAttemptTimeout(cfg.AttemptTimeout),
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		durable = store.NewRedisResponseStore(a.redis)
		replayOpts = append(replayOpts, queue.WithLocker(store.NewRedisLocker(a.redis, cfg.LockTTL)))
		log.Printf("app: using redis at %s for the request cache and replay lock", cfg.Redis.Addr)
	}

	a.API = apicache.New(cfg.Server.Origin, durable,
		apicache.WithHTTPClient(o.httpClient),
		apicache.WithMonitor(a.Monitor),
		apicache.WithCSRFToken(cfg.Queue.CSRFToken),
		apicache.WithDefaultDuration(cfg.APICacheDuration),
	)
	a.Queue = queue.New(db, a.Bus)
	a.Replayer = queue.NewReplayer(a.Queue, cfg.Server.Origin, a.Bus, replayOpts...)
	a.Submitter = queue.NewSubmitter(a.Queue, cfg.Server.Origin, a.Monitor, a.Bus, o.httpClient, cfg.Queue.CSRFToken)

	a.Hub = worker.NewHub(cfg.Worker.CachePageRate)
	a.Worker, err = worker.New(cfg, db, a.Hub, worker.WithPendingCount(func() int {
		n, _ := a.Queue.PendingCount()
		return n
	}))
	if err != nil {
		a.closeStorage()
		return nil, err
	}

	a.Nav = nav.New(a.Bus,
		nav.WithSource(a.Worker.Keys),
		nav.WithNavigator(a.resumeNavigation, a.CurrentPath),
	)

	a.wire()
	a.router = a.routes()
	return a, nil
}

func (a *App) wire() {
	a.Monitor.OnOnline(func() {
		a.Nav.OnOnline(context.Background())
		a.replayAsync("reconnect")
		if a.Worker.InstallPending() {
			a.goBackground(func(ctx context.Context) {
				if err := a.Worker.RetryInstall(ctx); err != nil {
					log.Printf("app: retry install: %v", err)
				}
			})
		}
	}).OnOffline(func() {
		a.Nav.OnOffline(context.Background())
	})

	a.Hub.Subscribe(func(m worker.Message) {
		if _, ok := m.(worker.SyncForms); ok {
			a.replayAsync("sync-forms")
		}
	})
	a.Worker.OnPageCached(func(string) {
		if err := a.Nav.Refresh(context.Background()); err != nil {
			log.Printf("app: refresh routes: %v", err)
		}
	})
	a.Bus.Subscribe(func(e offline.Event) {
		a.Hub.Broadcast(worker.NewNotify(e))
	})
}

func (a *App) resumeNavigation(path string) {
	a.SetCurrentPath(path)
	a.Bus.Publish(offline.NavigationResumed{Path: path})
}

// CurrentPath is the page the user was last seen on.
func (a *App) CurrentPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *App) SetCurrentPath(p string) {
	a.mu.Lock()
	a.current = p
	a.mu.Unlock()
}

// goBackground runs fn on a tracked goroutine. Once Close has begun nothing
// new is started and ctx is cancelled.
func (a *App) goBackground(fn func(ctx context.Context)) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.bg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.bg.Done()
		fn(a.bgCtx)
	}()
}

// replayAsync runs a replay pass without blocking the caller; connectivity
// callbacks and hub subscribers must return quickly.
func (a *App) replayAsync(reason string) {
	a.goBackground(func(ctx context.Context) {
		rep, err := a.Replayer.ReplayAll(ctx)
		switch {
		case err != nil:
			log.Printf("app: replay after %s: %v", reason, err)
		case !rep.Skipped && rep.Total > 0:
			log.Printf("app: replay after %s: %d/%d synced, %d rejected, %d failed",
				reason, rep.Succeeded, rep.Total, rep.Rejected, rep.Failed)
		}
	})
}

// Start samples connectivity when a probe is configured, installs and
// activates the worker, loads the route index and starts the background loops.
func (a *App) Start(ctx context.Context) error {
	if a.Prober != nil && !a.Prober.Sample(ctx) {
		log.Printf("app: %s unreachable at start, starting offline", a.cfg.Connectivity.ProbeURL)
	}
	if err := a.Worker.Start(ctx); err != nil {
		return fmt.Errorf("app: start worker: %w", err)
	}
	if err := a.Nav.Refresh(ctx); err != nil {
		log.Printf("app: load routes: %v", err)
	}
	a.API.StartSweeper(a.cfg.APICacheSweepEvery)
	if a.Prober != nil {
		a.Prober.Start()
	}
	return nil
}

func (a *App) Handler() http.Handler { return a.router }

// Close stops background work and closes storage. It is safe to call more
// than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.bgCancel()

		if a.Prober != nil {
			a.Prober.Stop()
		}
		a.API.Close()
		a.bg.Wait()
		a.Worker.Close()
		a.closeStorage()
	})
}

func (a *App) closeStorage() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		log.Printf("app: close storage: %v", err)
	}
}

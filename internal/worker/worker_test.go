package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"

	"sgkoffline/internal/config"
	"sgkoffline/internal/store"
)

type origin struct {
	*httptest.Server
	down    atomic.Bool
	version atomic.Int32

	mu       sync.Mutex
	hits     map[string]int
	posted   []string
	sitemaps map[string][]byte
}

func newOrigin(t *testing.T) *origin {
	o := &origin{hits: map[string]int{}, sitemaps: map[string][]byte{}}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	if o.down.Load() {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}
	o.mu.Lock()
	o.hits[r.URL.Path]++
	sm, isSitemap := o.sitemaps[r.URL.Path]
	if r.Method == http.MethodPost {
		b, _ := io.ReadAll(r.Body)
		o.posted = append(o.posted, string(b))
	}
	o.mu.Unlock()

	if isSitemap {
		_, _ = w.Write(sm)
		return
	}
	switch p := r.URL.Path; {
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	case p == "/offline.html":
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<h1>offline</h1>")
	case strings.HasSuffix(p, "/missing"):
		http.NotFound(w, r)
	case strings.HasPrefix(p, "/api/list"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[1,2,3]`)
	case strings.HasPrefix(p, "/api/"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q}`, p)
	case strings.HasSuffix(p, ".css"):
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	case p == "/manifest":
		_, _ = fmt.Fprintf(w, "manifest v%d", o.version.Load())
	default:
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, "<h1>page %s</h1>", p)
	}
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func testConfig(t *testing.T, originURL string) config.Config {
	var cfg config.Config
	cfg.Server.Origin = originURL
	cfg.Worker.AppShell = []string{"/", "/static/css/main.css", "/offline.html"}
	cfg.Worker.AllowedHosts = []string{"cdn.jsdelivr.net"}
	require.NoError(t, cfg.Compile())
	return cfg
}

func openDB(t *testing.T) *leveldb.DB {
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newWorker(t *testing.T, cfg config.Config, db *leveldb.DB, hub *Hub) *Worker {
	w, err := New(cfg, db, hub)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func startedWorker(t *testing.T, o *origin) *Worker {
	w := newWorker(t, testConfig(t, o.URL), openDB(t), nil)
	require.NoError(t, w.Start(context.Background()))
	return w
}

func navigate(w *Worker, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	return rec
}

func fetch(w *Worker, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Accept", "*/*")
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	return rec
}

func TestClassify(t *testing.T) {
	c := Classifier{OriginHost: "app.local", AllowedHosts: []string{"cdn.jsdelivr.net"}, StaticPrefix: "/static/"}

	cases := []struct {
		name   string
		method string
		url    string
		accept string
		mode   string
		want   Strategy
	}{
		{"post", http.MethodPost, "/forms/1", "", "", StrategyBypass},
		{"foreign host", http.MethodGet, "http://evil.example/x.js", "", "", StrategyBypass},
		{"navigate mode", http.MethodGet, "/dashboard", "", "navigate", StrategyNetworkFirst},
		{"accept html", http.MethodGet, "/api/page", "text/html", "", StrategyNetworkFirst},
		{"api", http.MethodGet, "/api/dashboard/data", "application/json", "", StrategyAPI},
		{"static ext", http.MethodGet, "/img/logo.PNG", "", "", StrategyCacheFirst},
		{"static prefix", http.MethodGet, "/static/data.bin", "", "", StrategyCacheFirst},
		{"cdn asset", http.MethodGet, "https://cdn.jsdelivr.net/npm/x.js", "", "", StrategyCacheFirst},
		{"cdn subdomain", http.MethodGet, "https://fast.cdn.jsdelivr.net/lib", "", "", StrategyStaleWhileRevalidate},
		{"origin absolute", http.MethodGet, "http://app.local/manifest", "", "", StrategyStaleWhileRevalidate},
		{"origin host other port", http.MethodGet, "http://app.local:9000/manifest", "", "", StrategyBypass},
		{"other", http.MethodGet, "/manifest", "", "", StrategyStaleWhileRevalidate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.url, nil)
			if tc.accept != "" {
				req.Header.Set("Accept", tc.accept)
			}
			if tc.mode != "" {
				req.Header.Set("Sec-Fetch-Mode", tc.mode)
			}
			assert.Equal(t, tc.want, c.Classify(req), tc.want.String())
		})
	}
}

func TestInstall_AllOrNothing(t *testing.T) {
	o := newOrigin(t)
	cfg := testConfig(t, o.URL)
	cfg.Worker.AppShell = []string{"/", "/missing", "/offline.html"}
	w := newWorker(t, cfg, openDB(t), nil)

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing")
	assert.Equal(t, StateNew, w.State())
	assert.Equal(t, 0, w.disk.KeyCount(w.Generation()))
	assert.Empty(t, w.ram.Keys())

	assert.Error(t, w.Activate(context.Background()))
}

func TestStart_ActivateDropsOldGenerations(t *testing.T) {
	o := newOrigin(t)
	db := openDB(t)

	cfg1 := testConfig(t, o.URL)
	w1, err := New(cfg1, db, nil)
	require.NoError(t, err)
	require.NoError(t, w1.Start(context.Background()))
	assert.Equal(t, "sgk-cache-v1", w1.Generation())
	w1.Close()

	var cfg2 config.Config
	cfg2.Server.Origin = o.URL
	cfg2.Worker.Version = "2"
	cfg2.Worker.AppShell = []string{"/", "/offline.html"}
	require.NoError(t, cfg2.Compile())

	hub := NewHub(2)
	var got []Message
	var mu sync.Mutex
	hub.Subscribe(func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	w2 := newWorker(t, cfg2, db, hub)

	require.NoError(t, w2.Install(context.Background()))
	assert.Equal(t, StateInstalled, w2.State())
	assert.ElementsMatch(t, []string{"sgk-cache-v1", "sgk-cache-v2"}, w2.disk.Generations())

	require.NoError(t, w2.Activate(context.Background()))
	assert.Equal(t, StateActivated, w2.State())
	assert.Equal(t, []string{"sgk-cache-v2"}, w2.disk.Generations())

	require.NoError(t, w2.Activate(context.Background()))
	mu.Lock()
	assert.Equal(t, []Message{Activated{Version: "2"}}, got)
	mu.Unlock()
}

func TestNetworkFirst_CachesPagesAndFallsBack(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)

	var saved []string
	w.OnPageCached(func(key string) { saved = append(saved, key) })

	rec := navigate(w, "/about")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(CacheHeader))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), CacheHeader)
	assert.Equal(t, []string{"/about"}, saved)

	o.down.Store(true)

	rec = navigate(w, "/about")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Header().Get(CacheHeader))
	assert.Equal(t, "<h1>page /about</h1>", rec.Body.String())

	rec = navigate(w, "/never-visited")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get(CacheHeader))
	assert.Equal(t, "<h1>offline</h1>", rec.Body.String())
}

func TestNetworkFirst_StoresEveryPageButNotifiesOnlyPageRoutes(t *testing.T) {
	o := newOrigin(t)
	cfg := testConfig(t, o.URL)
	routes, err := config.ParseMatch("PathPrefix(/dashboard) | PathPrefix(/profile)")
	require.NoError(t, err)
	cfg.PageRoutes = routes
	w := newWorker(t, cfg, openDB(t), nil)
	require.NoError(t, w.Start(context.Background()))

	var notified []string
	w.OnPageCached(func(key string) { notified = append(notified, key) })

	navigate(w, "/dashboard")
	navigate(w, "/about")
	navigate(w, "/about/missing")

	keys, err := w.Keys(context.Background())
	require.NoError(t, err)
	assert.Contains(t, keys, "/dashboard")
	assert.Contains(t, keys, "/about")
	assert.NotContains(t, keys, "/about/missing")
	assert.Equal(t, []string{"/dashboard"}, notified)

	o.down.Store(true)
	rec := navigate(w, "/about")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Header().Get(CacheHeader))
	assert.Equal(t, "<h1>page /about</h1>", rec.Body.String())
}

func TestNetworkFirst_NoOfflinePage(t *testing.T) {
	o := newOrigin(t)
	cfg := testConfig(t, o.URL)
	cfg.Worker.AppShell = []string{"/"}
	w := newWorker(t, cfg, openDB(t), nil)
	require.NoError(t, w.Start(context.Background()))

	o.down.Store(true)
	rec := navigate(w, "/elsewhere")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get(CacheHeader))
}

func TestAPI_ServesAnnotatedCopyOffline(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)

	rec := fetch(w, "/api/items")
	assert.Equal(t, "network", rec.Header().Get(CacheHeader))
	assert.JSONEq(t, `{"path":"/api/items"}`, rec.Body.String())
	fetch(w, "/api/list")

	o.down.Store(true)

	rec = fetch(w, "/api/items")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Header().Get(CacheHeader))
	var obj map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obj))
	assert.Equal(t, "/api/items", obj["path"])
	assert.Equal(t, true, obj["isCached"])
	_, err := time.Parse(time.RFC3339, obj["cachedAt"].(string))
	assert.NoError(t, err)

	rec = fetch(w, "/api/list")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obj))
	assert.Equal(t, []any{1.0, 2.0, 3.0}, obj["data"])
	assert.Equal(t, true, obj["isCached"])

	rec = fetch(w, "/api/unknown")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var offline map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offline))
	assert.Equal(t, true, offline["offline"])
	assert.Equal(t, "/api/unknown", offline["endpoint"])
	assert.NotEmpty(t, offline["error"])
}

func TestCacheFirst_ServesShellWithoutNetwork(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)
	before := o.hitCount("/static/css/main.css")

	rec := fetch(w, "/static/css/main.css")
	assert.Equal(t, "hit", rec.Header().Get(CacheHeader))
	assert.Equal(t, "body{}", rec.Body.String())
	assert.Equal(t, before, o.hitCount("/static/css/main.css"))

	rec = fetch(w, "/static/css/extra.css")
	assert.Equal(t, "miss", rec.Header().Get(CacheHeader))

	o.down.Store(true)
	rec = fetch(w, "/static/css/extra.css")
	assert.Equal(t, "hit", rec.Header().Get(CacheHeader))

	rec = fetch(w, "/static/css/never.css")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestStaleWhileRevalidate(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)

	rec := fetch(w, "/manifest")
	assert.Equal(t, "miss", rec.Header().Get(CacheHeader))
	assert.Equal(t, "manifest v0", rec.Body.String())

	o.version.Store(1)
	rec = fetch(w, "/manifest")
	assert.Equal(t, "hit", rec.Header().Get(CacheHeader))
	assert.Equal(t, "manifest v0", rec.Body.String())

	require.Eventually(t, func() bool {
		ent, ok := w.lookup("/manifest")
		return ok && string(ent.Body) == "manifest v1"
	}, 2*time.Second, 10*time.Millisecond)

	o.down.Store(true)
	rec = fetch(w, "/manifest")
	assert.Equal(t, "hit", rec.Header().Get(CacheHeader))
	assert.Equal(t, "manifest v1", rec.Body.String())

	rec = fetch(w, "/other")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestBypass_ForwardsMutations(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)

	req := httptest.NewRequest(http.MethodPost, "/forms/contact", strings.NewReader(`{"a":1}`))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get(CacheHeader))

	o.mu.Lock()
	assert.Equal(t, []string{`{"a":1}`}, o.posted)
	o.mu.Unlock()

	o.down.Store(true)
	rec = httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/forms/contact", strings.NewReader("x")))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForeignHost_IsNotContacted(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)
	other := newOrigin(t)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, other.URL+"/internal/admin", strings.NewReader("x"))
		rec := httptest.NewRecorder()
		w.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, method)
		assert.Equal(t, "forbidden", rec.Header().Get(CacheHeader))
	}
	assert.Zero(t, other.hitCount("/internal/admin"))

	// The origin itself may still be addressed in absolute form.
	req := httptest.NewRequest(http.MethodPost, o.URL+"/forms/contact", strings.NewReader("y"))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestStart_KeepsServingPreviousCacheWhenOriginDown(t *testing.T) {
	o := newOrigin(t)
	cfg := testConfig(t, o.URL)
	db := openDB(t)

	first, err := New(cfg, db, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	navigate(first, "/reports")
	first.Close()

	o.down.Store(true)
	w := newWorker(t, cfg, db, nil)
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, StateActivated, w.State())
	assert.True(t, w.InstallPending())

	rec := navigate(w, "/reports")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Header().Get(CacheHeader))

	assert.Error(t, w.RetryInstall(context.Background()))
	assert.True(t, w.InstallPending())

	o.down.Store(false)
	require.NoError(t, w.RetryInstall(context.Background()))
	assert.False(t, w.InstallPending())
	assert.Equal(t, StateActivated, w.State())
}

func TestStart_FailsWithoutAnyCache(t *testing.T) {
	o := newOrigin(t)
	o.down.Store(true)
	w := newWorker(t, testConfig(t, o.URL), openDB(t), nil)

	assert.Error(t, w.Start(context.Background()))
	assert.False(t, w.InstallPending())
	assert.Equal(t, StateNew, w.State())
}

func TestHandleMessage(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)
	ctx := context.Background()

	reply, err := w.HandleMessage(ctx, CheckVersion{Version: "1"})
	require.NoError(t, err)
	assert.Equal(t, VersionStatus{Version: "1", NeedsUpdate: false}, reply)

	reply, err = w.HandleMessage(ctx, CheckVersion{Version: "2"})
	require.NoError(t, err)
	assert.Equal(t, VersionStatus{Version: "2", NeedsUpdate: true}, reply)

	var saved []string
	w.OnPageCached(func(key string) { saved = append(saved, key) })
	reply, err = w.HandleMessage(ctx, CachePage{URL: "/reports"})
	require.NoError(t, err)
	assert.Equal(t, PageCached{URL: "/reports", Success: true}, reply)
	assert.Equal(t, []string{"/reports"}, saved)

	reply, err = w.HandleMessage(ctx, CachePage{URL: "/missing"})
	require.NoError(t, err)
	assert.False(t, reply.(PageCached).Success)
	assert.Contains(t, reply.(PageCached).Error, "404")

	reply, err = w.HandleMessage(ctx, CachePage{URL: "https://evil.example/"})
	require.NoError(t, err)
	assert.Contains(t, reply.(PageCached).Error, "not allowed")

	reply, err = w.HandleMessage(ctx, SkipWaiting{})
	require.NoError(t, err)
	assert.Nil(t, reply)

	_, err = w.HandleMessage(ctx, Activated{})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestClearCache_Reseeds(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)
	ctx := context.Background()

	require.NoError(t, w.CachePage(ctx, "/reports"))
	reply, err := w.HandleMessage(ctx, ClearCache{})
	require.NoError(t, err)
	assert.Equal(t, CacheCleared{Success: true}, reply)

	keys, err := w.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/", "/static/css/main.css", "/offline.html"}, keys)
}

func TestSync(t *testing.T) {
	o := newOrigin(t)
	w := startedWorker(t, o)

	var got []Message
	w.Hub().Subscribe(func(m Message) { got = append(got, m) })

	require.NoError(t, w.Sync(SyncFormsTag))
	assert.Equal(t, []Message{SyncForms{}}, got)
	assert.ErrorIs(t, w.Sync("other"), ErrUnknownSyncTag)
}

func TestPagesSurviveRestart(t *testing.T) {
	o := newOrigin(t)
	db := openDB(t)
	cfg := testConfig(t, o.URL)

	w1, err := New(cfg, db, nil)
	require.NoError(t, err)
	require.NoError(t, w1.Start(context.Background()))
	navigate(w1, "/about")
	w1.Close()

	o.down.Store(true)
	w2 := newWorker(t, cfg, db, nil)
	rec := navigate(w2, "/about")
	assert.Equal(t, "cached", rec.Header().Get(CacheHeader))
	assert.Equal(t, "<h1>page /about</h1>", rec.Body.String())
}

func TestAnnotateCached(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.JSONEq(t, `{"a":1,"isCached":true,"cachedAt":"2024-05-01T12:00:00Z"}`,
		string(annotateCached([]byte(`{"a":1}`), at)))
	assert.JSONEq(t, `{"data":[1],"isCached":true,"cachedAt":"2024-05-01T12:00:00Z"}`,
		string(annotateCached([]byte(`[1]`), at)))
	assert.JSONEq(t, `{"data":"plain","isCached":true,"cachedAt":"2024-05-01T12:00:00Z"}`,
		string(annotateCached([]byte(`plain`), at)))
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, CacheHeader)
	assert.Equal(t, CacheHeader, h.Get("Access-Control-Expose-Headers"))

	h = http.Header{}
	h.Set("Access-Control-Expose-Headers", "X-Request-Id")
	ensureExposedHeader(h, CacheHeader)
	ensureExposedHeader(h, strings.ToLower(CacheHeader))
	assert.Equal(t, "X-Request-Id, "+CacheHeader, h.Get("Access-Control-Expose-Headers"))
}

func TestStats(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(100)
	s.Observe(300)
	assert.Equal(t, statsSnapshot{Responses: 2, Min: 100, Avg: 200, Max: 300}, s.Snapshot())

	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "1mb", formatBytes(1<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}

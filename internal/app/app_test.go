package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sgkoffline/internal/config"
	"sgkoffline/internal/nav"
	"sgkoffline/internal/offline"
	"sgkoffline/internal/queue"
	"sgkoffline/internal/worker"
)

type received struct {
	Path       string
	Body       string
	WasOffline string
}

type origin struct {
	*httptest.Server
	mu    sync.Mutex
	posts []received
}

func newOrigin(t *testing.T) *origin {
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method != http.MethodGet:
			b, _ := io.ReadAll(r.Body)
			o.mu.Lock()
			o.posts = append(o.posts, received{Path: r.URL.Path, Body: string(b), WasOffline: r.Header.Get("X-Was-Offline")})
			o.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"ok":true}`)
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"shipments":3}`)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<h1>"+r.URL.Path+"</h1>")
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) received() []received {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]received(nil), o.posts...)
}

func newConfig(t *testing.T, o *origin) config.Config {
	var cfg config.Config
	cfg.Server.Origin = o.URL
	cfg.Storage.Path = t.TempDir()
	cfg.Worker.AppShell = []string{"/", "/offline.html"}
	cfg.Connectivity.OnlineDelay = "0s"
	require.NoError(t, cfg.Compile())
	return cfg
}

func startApp(t *testing.T, cfg config.Config) *App {
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func newApp(t *testing.T, o *origin) *App {
	return startApp(t, newConfig(t, o))
}

func navigate(a *App, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func call(t *testing.T, a *App, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmitOfflineThenReconnect(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)

	rec := call(t, a, http.MethodPost, "/__offline/connectivity", `{"online":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, a.Monitor.IsOnline())

	rec = call(t, a, http.MethodPost, "/__offline/submit",
		`{"endpoint":"/shipments","method":"POST","payload":{"ref":"SGK-1"},"formId":"shipment"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode[queue.Outcome](t, rec)
	assert.Equal(t, queue.Queued, out.Kind)
	assert.Empty(t, o.received())

	pending := decode[struct {
		Count int `json:"count"`
	}](t, call(t, a, http.MethodGet, "/__offline/pending", ""))
	assert.Equal(t, 1, pending.Count)

	call(t, a, http.MethodPost, "/__offline/connectivity", `{"online":true}`)

	require.Eventually(t, func() bool {
		n, err := a.Queue.PendingCount()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	got := o.received()
	require.Len(t, got, 1)
	assert.Equal(t, "/shipments", got[0].Path)
	assert.JSONEq(t, `{"ref":"SGK-1"}`, got[0].Body)
	assert.Equal(t, "true", got[0].WasOffline)
}

func TestSubmitOnline(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)

	rec := call(t, a, http.MethodPost, "/__offline/submit", `{"endpoint":"/contact","method":"post","payload":{"a":1}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[queue.Outcome](t, rec)
	assert.Equal(t, queue.Accepted, out.Kind)
	assert.JSONEq(t, `{"ok":true}`, string(out.Body))

	rec = call(t, a, http.MethodPost, "/__offline/submit", `{"endpoint":"/contact","method":"GET"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, a, http.MethodPost, "/__offline/submit", `{"method":"POST"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesFollowPageCache(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)

	var mu sync.Mutex
	var events []offline.Event
	a.Bus.Subscribe(func(e offline.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	req := httptest.NewRequest(http.MethodGet, "/shipments/new-order", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(worker.CacheHeader))

	routes := decode[struct {
		Routes       []string        `json:"routes"`
		Availability map[string]bool `json:"availability"`
	}](t, call(t, a, http.MethodGet, "/__offline/routes?href=/shipments/new-order&href=/reports", ""))
	assert.Contains(t, routes.Routes, "/shipments/new-order")
	assert.Equal(t, map[string]bool{"/shipments/new-order": true, "/reports": false}, routes.Availability)

	a.Monitor.SetOnline(false)

	dec := decode[map[string]nav.Decision](t,
		call(t, a, http.MethodPost, "/__offline/intercept", `{"href":"/reports","current":"/"}`))
	assert.Equal(t, nav.Blocked, dec["decision"])

	dec = decode[map[string]nav.Decision](t,
		call(t, a, http.MethodPost, "/__offline/intercept", `{"href":"/shipments/new-order"}`))
	assert.Equal(t, nav.Allowed, dec["decision"])

	a.Monitor.SetOnline(true)
	assert.Equal(t, "/reports", a.CurrentPath())

	mu.Lock()
	defer mu.Unlock()
	var unavailable, resumed []offline.Event
	for _, e := range events {
		switch e.(type) {
		case offline.RouteUnavailable:
			unavailable = append(unavailable, e)
		case offline.NavigationResumed:
			resumed = append(resumed, e)
		}
	}
	assert.Equal(t, []offline.Event{offline.RouteUnavailable{Path: "/reports", PageName: "Reports"}}, unavailable)
	assert.Equal(t, []offline.Event{offline.NavigationResumed{Path: "/reports"}}, resumed)
}

func TestAPIFetchThroughRequestCache(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)

	rec := call(t, a, http.MethodGet, "/__offline/api?url=/api/dashboard/data&ttl=10m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"shipments":3}`, rec.Body.String())

	a.Monitor.SetOnline(false)

	rec = call(t, a, http.MethodGet, "/__offline/api?url=/api/dashboard/data", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"shipments":3}`, rec.Body.String())

	rec = call(t, a, http.MethodGet, "/__offline/api?url=/api/other", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, decode[ErrorResponse](t, rec).Offline)

	rec = call(t, a, http.MethodGet, "/__offline/api", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, a, http.MethodDelete, "/__offline/api", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, a, http.MethodGet, "/__offline/api?url=/api/dashboard/data", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBackgroundSyncTriggersReplay(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)

	_, err := a.Queue.Enqueue(context.Background(), "/forms/1", http.MethodPut, json.RawMessage(`{"v":1}`), "")
	require.NoError(t, err)

	rec := call(t, a, http.MethodPost, "/__sw/sync?tag=sync-forms", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return len(o.received()) == 1 }, 5*time.Second, 10*time.Millisecond)

	rec = call(t, a, http.MethodPost, "/__sw/sync?tag=unknown", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayAndPurgeEndpoints(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)

	_, err := a.Queue.Enqueue(context.Background(), "/forms/2", http.MethodPost, nil, "")
	require.NoError(t, err)

	rep := decode[queue.Report](t, call(t, a, http.MethodPost, "/__offline/replay", ""))
	assert.Equal(t, queue.Report{Total: 1, Succeeded: 1}, rep)

	all := decode[struct {
		Count int `json:"count"`
	}](t, call(t, a, http.MethodGet, "/__offline/pending?all=1", ""))
	assert.Equal(t, 1, all.Count)

	purged := decode[map[string]int](t, call(t, a, http.MethodPost, "/__offline/purge?olderThan=0s", ""))
	assert.Equal(t, 1, purged["purged"])

	rec := call(t, a, http.MethodPost, "/__offline/purge?olderThan=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectivityRejectsBadBody(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)

	rec := call(t, a, http.MethodPost, "/__offline/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, a, http.MethodGet, "/__offline/connectivity", "")
	assert.Equal(t, map[string]bool{"online": true}, decode[map[string]bool](t, rec))
}

func TestRestartWhileOriginDown(t *testing.T) {
	o := newOrigin(t)
	cfg := newConfig(t, o)

	first := startApp(t, cfg)
	require.Equal(t, "network", navigate(first, "/shipments/42").Header().Get(worker.CacheHeader))
	_, err := first.Queue.Enqueue(context.Background(), "/forms/9", http.MethodPost, json.RawMessage(`{"v":9}`), "")
	require.NoError(t, err)
	first.Close()
	o.Close()

	a := startApp(t, cfg)
	assert.True(t, a.Worker.InstallPending())

	rec := navigate(a, "/shipments/42")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Header().Get(worker.CacheHeader))
	assert.Equal(t, "<h1>/shipments/42</h1>", rec.Body.String())
	assert.Contains(t, a.Nav.Routes(), "/shipments/42")

	n, err := a.Queue.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartSamplesConnectivity(t *testing.T) {
	o := newOrigin(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	cfg := newConfig(t, o)
	cfg.Connectivity.ProbeURL = dead.URL
	cfg.Connectivity.ProbeEvery = "1h"
	require.NoError(t, cfg.Compile())
	a := startApp(t, cfg)
	assert.False(t, a.Monitor.IsOnline())

	cfg = newConfig(t, o)
	cfg.Connectivity.ProbeURL = o.URL
	cfg.Connectivity.ProbeEvery = "1h"
	require.NoError(t, cfg.Compile())
	a = startApp(t, cfg)
	assert.True(t, a.Monitor.IsOnline())
}

func TestTriggersAfterCloseAreIgnored(t *testing.T) {
	o := newOrigin(t)
	a := newApp(t, o)
	_, err := a.Queue.Enqueue(context.Background(), "/forms/3", http.MethodPost, nil, "")
	require.NoError(t, err)

	a.Close()
	require.NotPanics(t, func() {
		require.NoError(t, a.Worker.Sync("sync-forms"))
		a.Monitor.SetOnline(false)
		a.Monitor.SetOnline(true)
	})
	a.bg.Wait()
	assert.Empty(t, o.received())
}

package worker

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"sgkoffline/internal/config"
)

// CacheHeader reports how the response was produced:
// hit | miss | network | cached | offline | bypass | bad-gateway | forbidden.
const CacheHeader = "X-Sgk-Cache"

const offlineMessage = "You are currently offline. Please try again when you have a network connection."

func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	key, target, ok := w.requestTarget(r)
	if !ok {
		setCacheHeaders(rw.Header(), "forbidden")
		http.Error(rw, "host not allowed", http.StatusForbidden)
		return
	}
	switch w.classify.Classify(r) {
	case StrategyNetworkFirst:
		w.networkFirst(rw, r, key, target)
	case StrategyAPI:
		w.apiNetworkFirst(rw, r, key, target)
	case StrategyCacheFirst:
		w.cacheFirst(rw, r, key, target)
	case StrategyStaleWhileRevalidate:
		w.staleWhileRevalidate(rw, r, key, target)
	default:
		w.proxyPass(rw, r, target)
	}
}

func (w *Worker) fetch(r *http.Request, target, by string) (Entry, error) {
	return w.get(r.Context(), target, r.Header, by)
}

// networkFirst serves pages: live when possible, else the last cached copy of
// the same URL, else the offline page. Every 200 page is kept; those under the
// configured page routes also refresh the offline route list at once.
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, key, target string) {
	ent, err := w.fetch(r, target, "visit")
	if err == nil {
		if ent.Status == http.StatusOK {
			w.store(key, ent)
			if w.isPageRoute(r) {
				w.notifyPageCached(key)
			}
		}
		w.writeEntryWithStats(rw, ent, "network")
		return
	}
	log.Printf("worker: %s unreachable, serving from cache: %v", key, err)
	if cached, ok := w.lookup(key); ok {
		w.writeEntryWithStats(rw, cached, "cached")
		return
	}
	w.serveOfflinePage(rw)
}

func (w *Worker) isPageRoute(r *http.Request) bool {
	if !w.isOrigin(r.URL) {
		return false
	}
	return config.MatchAny(w.cfg.PageRoutes, r.URL.Path)
}

// apiNetworkFirst keeps API reads working offline: the last good JSON body is
// served annotated with isCached and cachedAt, and without one a 503 JSON
// error is synthesized.
func (w *Worker) apiNetworkFirst(rw http.ResponseWriter, r *http.Request, key, target string) {
	ent, err := w.fetch(r, target, "asset")
	if err == nil {
		if ent.Status == http.StatusOK {
			w.store(key, ent)
		}
		w.writeEntryWithStats(rw, ent, "network")
		return
	}
	if cached, ok := w.lookup(key); ok {
		body := annotateCached(cached.Body, cached.storedTime())
		h := cloneHeader(cached.Header)
		h.Set("Content-Type", "application/json")
		w.writeEntryWithStats(rw, Entry{Status: http.StatusOK, Header: h, Body: body}, "cached")
		return
	}
	writeOfflineJSON(rw, r.URL.Path)
}

func annotateCached(body []byte, at time.Time) []byte {
	stamp := at.Format(time.RFC3339)
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		obj["isCached"] = true
		obj["cachedAt"] = stamp
		out, _ := json.Marshal(obj)
		return out
	}
	var data any = json.RawMessage(body)
	if !json.Valid(body) {
		data = string(body)
	}
	out, _ := json.Marshal(map[string]any{"data": data, "isCached": true, "cachedAt": stamp})
	return out
}

func writeOfflineJSON(rw http.ResponseWriter, endpoint string) {
	setCacheHeaders(rw.Header(), "offline")
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"error":     offlineMessage,
		"offline":   true,
		"endpoint":  endpoint,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// cacheFirst serves static assets from the cache and only goes to the
// network on a miss.
func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request, key, target string) {
	if ent, ok := w.lookup(key); ok {
		w.writeEntryWithStats(rw, ent, "hit")
		return
	}
	ent, err := w.fetch(r, target, "asset")
	if err != nil {
		w.networkFailed(rw, r, key, err)
		return
	}
	if ent.Status == http.StatusOK {
		w.store(key, ent)
	}
	w.writeEntryWithStats(rw, ent, "miss")
}

// staleWhileRevalidate answers from the cache at once and refreshes it in the
// background; without a cached copy it waits for the network.
func (w *Worker) staleWhileRevalidate(rw http.ResponseWriter, r *http.Request, key, target string) {
	if ent, ok := w.lookup(key); ok {
		w.writeEntryWithStats(rw, ent, "hit")
		w.revalidateAsync(key, target, r.Header)
		return
	}
	ent, err := w.fetch(r, target, "asset")
	if err != nil {
		w.networkFailed(rw, r, key, err)
		return
	}
	if ent.Status == http.StatusOK {
		w.store(key, ent)
	}
	w.writeEntryWithStats(rw, ent, "miss")
}

func (w *Worker) networkFailed(rw http.ResponseWriter, r *http.Request, key string, err error) {
	log.Printf("worker: %s unreachable: %v", key, err)
	if acceptsHTML(r) {
		w.serveOfflinePage(rw)
		return
	}
	setCacheHeaders(rw.Header(), "offline")
	http.Error(rw, "offline", http.StatusGatewayTimeout)
}

func (w *Worker) serveOfflinePage(rw http.ResponseWriter) {
	if ent, ok := w.lookup(w.cfg.Worker.OfflinePage); ok {
		w.writeEntryWithStats(rw, ent, "offline")
		return
	}
	setCacheHeaders(rw.Header(), "offline")
	http.Error(rw, offlineMessage, http.StatusServiceUnavailable)
}

// proxyPass forwards r untouched. target is always on the origin or an
// allowed host.
func (w *Worker) proxyPass(rw http.ResponseWriter, r *http.Request, target string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		setCacheHeaders(rw.Header(), "bad-gateway")
		http.Error(rw, "bad gateway", http.StatusBadGateway)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	ent, err := w.do(req, "")
	if err != nil {
		setCacheHeaders(rw.Header(), "bad-gateway")
		http.Error(rw, "bad gateway", http.StatusBadGateway)
		return
	}
	w.writeEntryWithStats(rw, ent, "bypass")
}

func (w *Worker) revalidateAsync(key, target string, h http.Header) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	hdr := cloneHeader(h)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()
		defer cancel()
		w.revalidateOnce(ctx, key, target, hdr)
	}()
}

// revalidateOnce refreshes key from the network. Only 200 responses replace
// the cached copy, and an unchanged body is not rewritten.
func (w *Worker) revalidateOnce(ctx context.Context, key, target string, h http.Header) {
	ent, err := w.get(ctx, target, h, "asset")
	if err != nil || ent.Status != http.StatusOK {
		return
	}
	cur, ok := w.ram.Peek(w.gen, key)
	if !ok {
		cur, ok = w.disk.Get(w.gen, key)
	}
	if ok && cur.Hash32 == ent.Hash32 {
		return
	}
	w.store(key, ent)
}

func writeEntry(rw http.ResponseWriter, ent Entry, how string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, CacheHeader) {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	setCacheHeaders(rw.Header(), how)
	rw.WriteHeader(ent.Status)
	_, _ = rw.Write(ent.Body)
}

func (w *Worker) writeEntryWithStats(rw http.ResponseWriter, ent Entry, how string) {
	writeEntry(rw, ent, how)
	if w.stats != nil {
		switch how {
		case "hit", "miss", "network", "cached":
			w.stats.Observe(len(ent.Body))
		}
	}
}

func setCacheHeaders(h http.Header, how string) {
	if how != "" {
		h.Set(CacheHeader, how)
	}
	ensureExposedHeader(h, CacheHeader)
}

// ensureExposedHeader lets browser scripts read name in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// Package nav keeps the set of routes that can be served from the page cache
// and gates link clicks against it while offline.
package nav

import (
	"context"
	"log"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode"

	"sgkoffline/internal/offline"
)

// Link is the part of an anchor element the interceptor looks at.
type Link struct {
	Href     string `json:"href"`
	Target   string `json:"target,omitempty"`
	Download bool   `json:"download,omitempty"`
}

type Decision string

const (
	// Ignored links are never intercepted: empty, hash, external, targeted or
	// download links.
	Ignored Decision = "ignored"
	Allowed Decision = "allowed"
	Blocked Decision = "blocked"
)

// KeySource lists the keys of the page cache (URLs or paths).
type KeySource func(ctx context.Context) ([]string, error)

type Index struct {
	bus      *offline.Bus
	source   KeySource
	navigate func(path string)
	current  func() string

	mu      sync.RWMutex
	routes  map[string]struct{}
	pending string
}

type Option func(*Index)

// WithSource sets where Refresh reads page cache keys from.
func WithSource(src KeySource) Option { return func(x *Index) { x.source = src } }

// WithNavigator sets how a remembered navigation is followed on reconnect and
// how the current location is read.
func WithNavigator(navigate func(path string), current func() string) Option {
	return func(x *Index) {
		x.navigate = navigate
		x.current = current
	}
}

func New(bus *offline.Bus, opts ...Option) *Index {
	x := &Index{bus: bus, routes: map[string]struct{}{"/": {}}}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Rebuild replaces the route set with the HTML-like paths among keys. "/" is
// always present.
func (x *Index) Rebuild(keys []string) {
	routes := map[string]struct{}{"/": {}}
	for _, k := range keys {
		p := keyPath(k)
		if isRoute(p) {
			routes[p] = struct{}{}
		}
	}
	x.mu.Lock()
	x.routes = routes
	x.mu.Unlock()
}

// Refresh rebuilds from the configured source. A source error leaves the
// current set in place.
func (x *Index) Refresh(ctx context.Context) error {
	if x.source == nil {
		return nil
	}
	keys, err := x.source(ctx)
	if err != nil {
		log.Printf("nav: list cached pages: %v", err)
		return err
	}
	x.Rebuild(keys)
	return nil
}

func keyPath(k string) string {
	u, err := url.Parse(k)
	if err != nil || u.Path == "" {
		return k
	}
	return u.Path
}

func isRoute(p string) bool {
	switch {
	case p == "/", strings.HasSuffix(p, "/"), strings.HasSuffix(p, ".html"):
		return true
	case p == "/sw.js":
		return false
	}
	return !strings.Contains(p, ".")
}

func (x *Index) IsAvailableOffline(p string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.routes[p]
	return ok
}

// Routes returns the indexed paths, sorted.
func (x *Index) Routes() []string {
	x.mu.RLock()
	out := make([]string, 0, len(x.routes))
	for r := range x.routes {
		out = append(out, r)
	}
	x.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Availability reports, for each same-origin href, whether it would open
// offline. Hrefs the interceptor ignores are left out.
func (x *Index) Availability(hrefs []string) map[string]bool {
	out := make(map[string]bool, len(hrefs))
	for _, h := range hrefs {
		if skipHref(h) {
			continue
		}
		out[h] = x.IsAvailableOffline(hrefPath(h))
	}
	return out
}

func skipHref(h string) bool {
	return h == "" || strings.HasPrefix(h, "#") || strings.HasPrefix(h, "http") || strings.Contains(h, "://")
}

func hrefPath(h string) string {
	if i := strings.IndexAny(h, "?#"); i >= 0 {
		h = h[:i]
	}
	return h
}

// Intercept decides what happens to a link click. Offline clicks to a route
// that is not cached are blocked, remembered (only the latest one) and
// reported with a single RouteUnavailable event.
func (x *Index) Intercept(l Link, online bool) Decision {
	if l.Target != "" || l.Download || skipHref(l.Href) {
		return Ignored
	}
	if online || x.IsAvailableOffline(hrefPath(l.Href)) {
		return Allowed
	}

	x.mu.Lock()
	x.pending = l.Href
	x.mu.Unlock()

	log.Printf("nav: %s is not available offline", l.Href)
	x.bus.Publish(offline.RouteUnavailable{Path: l.Href, PageName: PageName(hrefPath(l.Href))})
	return Blocked
}

// Pending returns the remembered blocked navigation, if any.
func (x *Index) Pending() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.pending
}

// OnOnline follows the last blocked navigation unless it is the current page,
// forgets it and rebuilds the index. It returns the path that was followed.
func (x *Index) OnOnline(ctx context.Context) string {
	x.mu.Lock()
	target := x.pending
	x.pending = ""
	x.mu.Unlock()

	followed := ""
	if target != "" && (x.current == nil || x.current() != target) {
		if x.navigate != nil {
			log.Printf("nav: resuming navigation to %s", target)
			x.navigate(target)
		}
		followed = target
	}
	_ = x.Refresh(ctx)
	return followed
}

// OnOffline refreshes the index so gating uses the latest cache contents.
func (x *Index) OnOffline(ctx context.Context) {
	_ = x.Refresh(ctx)
}

// PageName turns a route into a readable name: "/shipments/new-order/" is
// "New Order".
func PageName(route string) string {
	if route == "/" || route == "" {
		return "Home"
	}
	name := path.Base(strings.TrimSuffix(route, "/"))
	if name == "/" || name == "." {
		return ""
	}
	name = strings.TrimSuffix(name, ".html")
	name = strings.ReplaceAll(name, "-", " ")

	var b strings.Builder
	prevWord := false
	for _, r := range name {
		word := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
		if word && !prevWord {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
		prevWord = word
	}
	return b.String()
}

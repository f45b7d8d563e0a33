package worker

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Strategy is how a request is answered.
type Strategy int

const (
	StrategyBypass Strategy = iota
	StrategyNetworkFirst
	StrategyAPI
	StrategyCacheFirst
	StrategyStaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case StrategyBypass:
		return "bypass"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyAPI:
		return "api"
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return "unknown"
}

var staticExt = map[string]bool{
	".css": true, ".js": true, ".mjs": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
}

// Classifier assigns a Strategy to every request. It holds no state beyond
// its configuration.
type Classifier struct {
	// OriginHost is the application's host with its port, if any; requests
	// in absolute form for it are same-origin.
	OriginHost   string
	AllowedHosts []string
	StaticPrefix string
}

// Classify picks the strategy for r. The first matching rule wins:
// non-GET or foreign host, navigation, API, static asset, everything else.
func (c Classifier) Classify(r *http.Request) Strategy {
	if r.Method != http.MethodGet {
		return StrategyBypass
	}
	if r.URL.Host != "" && !c.knownHost(r.URL) {
		return StrategyBypass
	}
	if isNavigation(r) {
		return StrategyNetworkFirst
	}
	p := r.URL.Path
	if strings.Contains(p, "/api/") {
		return StrategyAPI
	}
	if staticExt[strings.ToLower(path.Ext(p))] || (c.StaticPrefix != "" && strings.HasPrefix(p, c.StaticPrefix)) {
		return StrategyCacheFirst
	}
	return StrategyStaleWhileRevalidate
}

func (c Classifier) knownHost(u *url.URL) bool {
	if strings.EqualFold(u.Host, c.OriginHost) {
		return true
	}
	return c.allowedHost(u.Hostname())
}

func (c Classifier) allowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range c.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	return false
}

func isNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate" || acceptsHTML(r)
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

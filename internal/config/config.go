package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		// Listen is the interface to bind; 0.0.0.0 exposes the proxy to the
		// network.
		Listen string `yaml:"listen" toml:"listen"`
		Port   int    `yaml:"port" toml:"port"`
		Origin string `yaml:"origin" toml:"origin"`
	} `yaml:"server" toml:"server"`

	Storage struct {
		Path string `yaml:"path" toml:"path"`
		RAM  struct {
			Max string `yaml:"max" toml:"max"`
		} `yaml:"ram" toml:"ram"`
	} `yaml:"storage" toml:"storage"`

	Worker struct {
		Version       string   `yaml:"version" toml:"version"`
		CacheName     string   `yaml:"cacheName" toml:"cacheName"`
		StaticPrefix  string   `yaml:"staticPrefix" toml:"staticPrefix"`
		OfflinePage   string   `yaml:"offlinePage" toml:"offlinePage"`
		AppShell      []string `yaml:"appShell" toml:"appShell"`
		AllowedHosts  []string `yaml:"allowedHosts" toml:"allowedHosts"`
		PageRoutes    string   `yaml:"pageRoutes" toml:"pageRoutes"`
		CachePageRate float64  `yaml:"cachePageRate" toml:"cachePageRate"`
		Sitemaps      []string `yaml:"sitemaps" toml:"sitemaps"`
	} `yaml:"worker" toml:"worker"`

	APICache struct {
		DefaultDuration string `yaml:"defaultDuration" toml:"defaultDuration"`
		SweepEvery      string `yaml:"sweepEvery" toml:"sweepEvery"`
	} `yaml:"apiCache" toml:"apiCache"`

	Queue struct {
		AttemptTimeout string `yaml:"attemptTimeout" toml:"attemptTimeout"`
		CSRFToken      string `yaml:"csrfToken" toml:"csrfToken"`
	} `yaml:"queue" toml:"queue"`

	Connectivity struct {
		ProbeURL    string `yaml:"probeURL" toml:"probeURL"`
		ProbeEvery  string `yaml:"probeEvery" toml:"probeEvery"`
		OnlineDelay string `yaml:"onlineDelay" toml:"onlineDelay"`
	} `yaml:"connectivity" toml:"connectivity"`

	Redis struct {
		Addr    string `yaml:"addr" toml:"addr"`
		LockTTL string `yaml:"lockTTL" toml:"lockTTL"`
	} `yaml:"redis" toml:"redis"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery" toml:"statsEvery"`
	} `yaml:"logging" toml:"logging"`

	// compiled
	RAMMaxBytes        int64         `yaml:"-" toml:"-"`
	APICacheDuration   time.Duration `yaml:"-" toml:"-"`
	APICacheSweepEvery time.Duration `yaml:"-" toml:"-"`
	AttemptTimeout     time.Duration `yaml:"-" toml:"-"`
	ProbeEvery         time.Duration `yaml:"-" toml:"-"`
	OnlineDelay        time.Duration `yaml:"-" toml:"-"`
	LockTTL            time.Duration `yaml:"-" toml:"-"`
	StatsEvery         time.Duration `yaml:"-" toml:"-"`
	PageRoutes         []PathPrefix  `yaml:"-" toml:"-"`
}

// DefaultAppShell is the set of assets seeded into the page cache on install.
var DefaultAppShell = []string{
	"/",
	"/static/css/main.css",
	"/static/css/critical.css",
	"/static/js/main.js",
	"/static/manifest.json",
	"/static/images/SGKlogo.png",
	"/static/images/icons/icon-192x192.png",
	"/static/images/icons/icon-512x512.png",
	"/offline.html",
}

// DefaultAllowedHosts are the CDNs whose assets the worker may cache.
var DefaultAllowedHosts = []string{
	"cdn.jsdelivr.net",
	"cdnjs.cloudflare.com",
	"code.jquery.com",
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile applies defaults and parses every string-typed duration and size.
func (cfg *Config) Compile() error {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	n, err := ParseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.RAMMaxBytes = n

	w := &cfg.Worker
	if w.Version == "" {
		w.Version = "1"
	}
	if w.CacheName == "" {
		w.CacheName = "sgk-cache-v" + w.Version
	}
	if w.StaticPrefix == "" {
		w.StaticPrefix = "/static/"
	}
	if w.OfflinePage == "" {
		w.OfflinePage = "/offline.html"
	}
	if w.AppShell == nil {
		w.AppShell = append([]string(nil), DefaultAppShell...)
	}
	if w.AllowedHosts == nil {
		w.AllowedHosts = append([]string(nil), DefaultAllowedHosts...)
	}
	if w.PageRoutes == "" {
		w.PageRoutes = "PathPrefix(/)"
	}
	if w.CachePageRate == 0 {
		w.CachePageRate = 2
	}
	ms, err := ParseMatch(w.PageRoutes)
	if err != nil {
		return fmt.Errorf("worker.pageRoutes: %w", err)
	}
	cfg.PageRoutes = ms

	durations := []struct {
		name string
		src  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"apiCache.defaultDuration", cfg.APICache.DefaultDuration, time.Hour, &cfg.APICacheDuration},
		{"apiCache.sweepEvery", cfg.APICache.SweepEvery, time.Hour, &cfg.APICacheSweepEvery},
		{"queue.attemptTimeout", cfg.Queue.AttemptTimeout, 30 * time.Second, &cfg.AttemptTimeout},
		{"connectivity.probeEvery", cfg.Connectivity.ProbeEvery, 15 * time.Second, &cfg.ProbeEvery},
		{"connectivity.onlineDelay", cfg.Connectivity.OnlineDelay, 2 * time.Second, &cfg.OnlineDelay},
		{"redis.lockTTL", cfg.Redis.LockTTL, 5 * time.Minute, &cfg.LockTTL},
		{"logging.statsEvery", cfg.Logging.StatsEvery, 0, &cfg.StatsEvery},
	}
	for _, d := range durations {
		if d.src == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}
	return nil
}

// PathPrefix matches request paths by prefix.
type PathPrefix struct{ Prefix string }

func (m PathPrefix) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// ParseMatch parses "PathPrefix(/a) | PathPrefix(/b)" expressions.
func ParseMatch(expr string) ([]PathPrefix, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]PathPrefix, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, PathPrefix{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// MatchAny reports whether any matcher accepts path.
func MatchAny(ms []PathPrefix, path string) bool {
	for _, m := range ms {
		if m.Match(path) {
			return true
		}
	}
	return false
}

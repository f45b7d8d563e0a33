package nav

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sgkoffline/internal/offline"
)

func TestRebuild(t *testing.T) {
	x := New(nil)
	x.Rebuild([]string{
		"http://localhost:8080/profile/",
		"/shipments",
		"/offline.html",
		"/static/css/app.css",
		"/sw.js",
		"/manifest.json",
	})
	assert.Equal(t, []string{"/", "/offline.html", "/profile/", "/shipments"}, x.Routes())
	assert.True(t, x.IsAvailableOffline("/"))
	assert.False(t, x.IsAvailableOffline("/sw.js"))
}

func TestIntercept_OfflineGating(t *testing.T) {
	bus := offline.NewBus()
	var notices []offline.Event
	bus.Subscribe(func(e offline.Event) { notices = append(notices, e) })

	x := New(bus)
	x.Rebuild([]string{"/", "/profile/"})

	assert.Equal(t, Blocked, x.Intercept(Link{Href: "/shipments/new/"}, false))
	assert.Equal(t, []offline.Event{offline.RouteUnavailable{Path: "/shipments/new/", PageName: "New"}}, notices)

	assert.Equal(t, Allowed, x.Intercept(Link{Href: "/profile/"}, false))
	assert.Len(t, notices, 1)
	assert.Equal(t, "/shipments/new/", x.Pending())
}

func TestIntercept_Ignored(t *testing.T) {
	x := New(nil)
	for _, l := range []Link{
		{},
		{Href: "#top"},
		{Href: "https://example.com/"},
		{Href: "mailto://someone"},
		{Href: "/report.pdf", Download: true},
		{Href: "/shipments/", Target: "_blank"},
	} {
		assert.Equal(t, Ignored, x.Intercept(l, false), l.Href)
	}
	assert.Equal(t, Allowed, x.Intercept(Link{Href: "/anything/"}, true))
	assert.Empty(t, x.Pending())
}

func TestOnOnline_FollowsLastBlocked(t *testing.T) {
	var visited []string
	current := "/"
	keys := []string{"/"}
	x := New(nil,
		WithNavigator(func(p string) { visited = append(visited, p) }, func() string { return current }),
		WithSource(func(context.Context) ([]string, error) { return keys, nil }),
	)

	x.Intercept(Link{Href: "/a/"}, false)
	x.Intercept(Link{Href: "/b/"}, false)

	keys = []string{"/", "/a/"}
	assert.Equal(t, "/b/", x.OnOnline(context.Background()))
	assert.Equal(t, []string{"/b/"}, visited)
	assert.Empty(t, x.Pending())
	assert.True(t, x.IsAvailableOffline("/a/"))

	// Nothing remembered: nothing followed.
	assert.Empty(t, x.OnOnline(context.Background()))

	// Already on the blocked page.
	current = "/c/"
	x.Intercept(Link{Href: "/c/"}, false)
	assert.Empty(t, x.OnOnline(context.Background()))
	assert.Len(t, visited, 1)
}

func TestRefresh_SourceErrorKeepsRoutes(t *testing.T) {
	x := New(nil, WithSource(func(context.Context) ([]string, error) { return nil, errors.New("closed") }))
	x.Rebuild([]string{"/kept/"})
	require.Error(t, x.Refresh(context.Background()))
	assert.True(t, x.IsAvailableOffline("/kept/"))
}

func TestAvailability(t *testing.T) {
	x := New(nil)
	x.Rebuild([]string{"/profile/"})
	assert.Equal(t, map[string]bool{
		"/profile/?tab=1": true,
		"/shipments/":     false,
	}, x.Availability([]string{"/profile/?tab=1", "/shipments/", "#x", "http://other/"}))
}

func TestPageName(t *testing.T) {
	cases := map[string]string{
		"/":                          "Home",
		"":                           "Home",
		"/shipments/new/":            "New",
		"/user-profile":              "User Profile",
		"/help/getting-started.html": "Getting Started",
	}
	for in, want := range cases {
		assert.Equal(t, want, PageName(in), in)
	}
}

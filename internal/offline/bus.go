// Package offline carries the pieces every other component shares: the
// notification bus the UI listens on, the connectivity monitor and its
// optional prober.
package offline

import (
	"log"
	"sync"
)

// Event is a user-facing notification. The set of implementations is closed;
// subscribers switch on the concrete type.
type Event interface {
	Kind() string
}

type OfflineIndicator struct {
	Visible bool `json:"visible"`
}

type PendingCount struct {
	Count int `json:"count"`
}

type SubmissionQueued struct {
	ID     uint64 `json:"id"`
	FormID string `json:"formId,omitempty"`
}

type SubmissionAccepted struct {
	FormID string `json:"formId,omitempty"`
	Status int    `json:"status"`
}

type SubmissionSynced struct {
	ID     uint64 `json:"id"`
	FormID string `json:"formId,omitempty"`
}

// SubmissionRejected is published when replay gets a 4xx; the submission is
// terminal and needs user attention.
type SubmissionRejected struct {
	ID      uint64 `json:"id"`
	FormID  string `json:"formId,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type SyncStarted struct {
	Total int `json:"total"`
}

type SyncProgress struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
}

type SyncCompleted struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
}

type RouteUnavailable struct {
	Path     string `json:"path"`
	PageName string `json:"pageName"`
}

// NavigationResumed asks the page to follow a navigation that was blocked
// while offline.
type NavigationResumed struct {
	Path string `json:"path"`
}

func (OfflineIndicator) Kind() string   { return "offline-indicator" }
func (PendingCount) Kind() string       { return "pending-count" }
func (SubmissionQueued) Kind() string   { return "submission-queued" }
func (SubmissionAccepted) Kind() string { return "submission-accepted" }
func (SubmissionSynced) Kind() string   { return "submission-synced" }
func (SubmissionRejected) Kind() string { return "submission-rejected" }
func (SyncStarted) Kind() string        { return "sync-started" }
func (SyncProgress) Kind() string       { return "sync-progress" }
func (SyncCompleted) Kind() string      { return "sync-completed" }
func (RouteUnavailable) Kind() string   { return "route-unavailable" }
func (NavigationResumed) Kind() string  { return "navigation-resumed" }

// Bus fans events out to subscribers in registration order. A panicking
// subscriber is logged and skipped; the rest still run.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		safeCall("bus: "+e.Kind(), func() { fn(e) })
	}
}

func safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s: subscriber panic: %v", what, r)
		}
	}()
	fn()
}

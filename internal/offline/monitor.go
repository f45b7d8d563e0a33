package offline

import (
	"log"
	"sync"
	"time"
)

// Monitor is the single source of truth for online/offline state. It is fed
// by SetOnline (platform signal, control API or Prober) and never polls on its
// own. The state is a hint: every network-touching component still handles
// its own failures.
type Monitor struct {
	bus         *Bus
	onlineDelay time.Duration

	mu         sync.Mutex
	online     bool
	gen        uint64
	offlineFns []func()
	onlineFns  []func()
	hideTimer  *time.Timer
}

// NewMonitor samples the initial state once. onlineDelay postpones hiding the
// offline indicator after reconnecting so a flapping link does not flicker.
func NewMonitor(initialOnline bool, bus *Bus, onlineDelay time.Duration) *Monitor {
	m := &Monitor{bus: bus, onlineDelay: onlineDelay, online: initialOnline}
	if !initialOnline {
		bus.Publish(OfflineIndicator{Visible: true})
	}
	return m
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) OnOffline(fn func()) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlineFns = append(m.offlineFns, fn)
	return m
}

func (m *Monitor) OnOnline(fn func()) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onlineFns = append(m.onlineFns, fn)
	return m
}

// SetOnline records a connectivity signal. Repeating the current state is a
// no-op, so callbacks run at most once per actual transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.gen++
	gen := m.gen
	if m.hideTimer != nil {
		m.hideTimer.Stop()
		m.hideTimer = nil
	}
	var fns []func()
	if online {
		fns = append(fns, m.onlineFns...)
	} else {
		fns = append(fns, m.offlineFns...)
	}
	m.mu.Unlock()

	if !online {
		log.Printf("monitor: offline")
		m.bus.Publish(OfflineIndicator{Visible: true})
		m.run("offline", fns)
		return
	}

	log.Printf("monitor: back online")
	m.run("online", fns)
	m.scheduleHide(gen)
}

func (m *Monitor) run(what string, fns []func()) {
	for _, fn := range fns {
		safeCall("monitor: "+what+" callback", fn)
	}
}

func (m *Monitor) scheduleHide(gen uint64) {
	hide := func() {
		m.mu.Lock()
		stale := m.gen != gen || !m.online
		m.mu.Unlock()
		if stale {
			return
		}
		m.bus.Publish(OfflineIndicator{Visible: false})
	}
	if m.onlineDelay <= 0 {
		hide()
		return
	}
	m.mu.Lock()
	m.hideTimer = time.AfterFunc(m.onlineDelay, hide)
	m.mu.Unlock()
}

package offline

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Prober checks reachability of a URL on a fixed interval and feeds the
// result into a Monitor. It is optional; without it the monitor only reacts to
// pushed signals.
type Prober struct {
	url     string
	every   time.Duration
	client  *http.Client
	monitor *Monitor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewProber(url string, every time.Duration, monitor *Monitor) *Prober {
	if every <= 0 {
		every = 15 * time.Second
	}
	return &Prober{
		url:     url,
		every:   every,
		client:  &http.Client{Timeout: 5 * time.Second},
		monitor: monitor,
		stopCh:  make(chan struct{}),
	}
}

func (p *Prober) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.every)
		defer t.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), p.every)
				p.Sample(ctx)
				cancel()
			}
		}
	}()
}

func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Sample probes once and feeds the result into the monitor.
func (p *Prober) Sample(ctx context.Context) bool {
	online := p.Probe(ctx)
	p.monitor.SetOnline(online)
	return online
}

// Probe reports whether the URL answered at all. Any HTTP status counts as
// reachable; only transport errors mean offline.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

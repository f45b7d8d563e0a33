package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"sgkoffline/internal/offline"
	"sgkoffline/internal/store"
)

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Locker serializes replay across processes. store.RedisLocker implements it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

const replayLockKey = "replay"

// Report summarizes one ReplayAll pass.
type Report struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Rejected  int  `json:"rejected"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Replayer sends pending submissions to the server. At most one pass runs at a
// time; a call made while another is in flight returns immediately with
// Skipped set.
type Replayer struct {
	queue          *Queue
	client         Doer
	baseURL        string
	csrfToken      string
	bus            *offline.Bus
	monitor        *offline.Monitor
	locker         Locker
	attemptTimeout time.Duration

	running atomic.Bool
}

type ReplayerOption func(*Replayer)

func WithReplayClient(c Doer) ReplayerOption              { return func(r *Replayer) { r.client = c } }
func WithReplayCSRFToken(t string) ReplayerOption         { return func(r *Replayer) { r.csrfToken = t } }
func WithReplayMonitor(m *offline.Monitor) ReplayerOption { return func(r *Replayer) { r.monitor = m } }
func WithLocker(l Locker) ReplayerOption                  { return func(r *Replayer) { r.locker = l } }

// WithAttemptTimeout bounds each individual send. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) ReplayerOption {
	return func(r *Replayer) { r.attemptTimeout = d }
}

func NewReplayer(q *Queue, baseURL string, bus *offline.Bus, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		queue:          q,
		client:         &http.Client{},
		baseURL:        strings.TrimRight(baseURL, "/"),
		bus:            bus,
		attemptTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether a pass is in flight in this process.
func (r *Replayer) Running() bool { return r.running.Load() }

// ReplayAll sends every pending submission once, oldest first, and waits for
// each answer before moving to the next. 2xx marks a submission synced. 4xx
// marks it synced and rejected, since resending the same payload cannot
// succeed. 5xx and network errors leave it pending for the next pass.
func (r *Replayer) ReplayAll(ctx context.Context) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer r.running.Store(false)

	if r.monitor != nil && !r.monitor.IsOnline() {
		return Report{Skipped: true}, nil
	}

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, replayLockKey)
		if errors.Is(err, store.ErrLockHeld) {
			log.Printf("queue: replay running in another process")
			return Report{Skipped: true}, nil
		}
		if err != nil {
			return Report{}, fmt.Errorf("queue: replay lock: %w", err)
		}
		defer unlock()
	}

	pending, err := r.queue.ListPending()
	if err != nil {
		return Report{}, fmt.Errorf("queue: list pending: %w", err)
	}
	rep := Report{Total: len(pending)}
	if rep.Total == 0 {
		return rep, nil
	}

	log.Printf("queue: replaying %d submission(s)", rep.Total)
	r.bus.Publish(offline.SyncStarted{Total: rep.Total})

	for _, sub := range pending {
		if ctx.Err() != nil {
			rep.Failed += rep.Total - rep.Succeeded - rep.Rejected - rep.Failed
			break
		}
		r.replayOne(ctx, sub, &rep)
	}

	log.Printf("queue: replay done: %d ok, %d rejected, %d failed", rep.Succeeded, rep.Rejected, rep.Failed)
	r.bus.Publish(offline.SyncCompleted{
		Total:     rep.Total,
		Succeeded: rep.Succeeded,
		Rejected:  rep.Rejected,
		Failed:    rep.Failed,
	})
	r.queue.publishCount()
	return rep, ctx.Err()
}

func (r *Replayer) replayOne(ctx context.Context, sub Submission, rep *Report) {
	if _, err := r.queue.RecordAttempt(sub.ID); err != nil {
		log.Printf("queue: #%d: record attempt: %v", sub.ID, err)
		rep.Failed++
		return
	}

	status, herr, err := r.send(ctx, sub)
	switch {
	case err != nil:
		log.Printf("queue: #%d: %v", sub.ID, err)
		rep.Failed++

	case status >= 200 && status < 300:
		if err := r.queue.MarkSynced(sub.ID); err != nil {
			log.Printf("queue: #%d: mark synced: %v", sub.ID, err)
			rep.Failed++
			return
		}
		rep.Succeeded++
		r.bus.Publish(offline.SubmissionSynced{ID: sub.ID, FormID: sub.FormID})
		r.bus.Publish(offline.SyncProgress{Total: rep.Total, Succeeded: rep.Succeeded})

	case herr != nil && herr.ClientError():
		if err := r.queue.MarkRejected(sub.ID, status, herr.Message); err != nil {
			log.Printf("queue: #%d: mark rejected: %v", sub.ID, err)
			rep.Failed++
			return
		}
		rep.Rejected++
		log.Printf("queue: #%d rejected by server: %v", sub.ID, herr)
		r.bus.Publish(offline.SubmissionRejected{
			ID:      sub.ID,
			FormID:  sub.FormID,
			Status:  status,
			Message: herr.Message,
		})

	default:
		log.Printf("queue: #%d: server answered %d, will retry", sub.ID, status)
		rep.Failed++
	}
}

func (r *Replayer) send(ctx context.Context, sub Submission) (int, *offline.HTTPError, error) {
	if r.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()
	}
	req, err := newSubmissionRequest(ctx, r.baseURL, sub.Method, sub.Endpoint, sub.Payload, r.csrfToken)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Was-Offline", "true")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, offline.NewHTTPError(resp), nil
}

func newSubmissionRequest(ctx context.Context, baseURL, method, endpoint string, payload []byte, csrf string) (*http.Request, error) {
	target := endpoint
	if strings.HasPrefix(endpoint, "/") {
		target = baseURL + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if csrf != "" {
		req.Header.Set(offline.CSRFHeader, csrf)
	}
	return req, nil
}

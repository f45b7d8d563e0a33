package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"sgkoffline/internal/offline"
)

// Form is one submission as the page hands it over.
type Form struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Payload  json.RawMessage `json:"payload"`
	FormID   string          `json:"formId,omitempty"`
}

type OutcomeKind string

const (
	Accepted OutcomeKind = "accepted"
	Queued   OutcomeKind = "queued"
	Redirect OutcomeKind = "redirect"
)

// Outcome tells the page what happened to a submission. Location is empty for
// a Redirect that should reload the current page.
type Outcome struct {
	Kind     OutcomeKind     `json:"kind"`
	ID       uint64          `json:"id,omitempty"`
	Status   int             `json:"status,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Location string          `json:"location,omitempty"`
}

// Submitter sends forms live and falls back to the queue when there is no
// network.
type Submitter struct {
	queue     *Queue
	client    Doer
	baseURL   string
	csrfToken string
	monitor   *offline.Monitor
	bus       *offline.Bus
}

func NewSubmitter(q *Queue, baseURL string, monitor *offline.Monitor, bus *offline.Bus, client Doer, csrfToken string) *Submitter {
	if client == nil {
		client = &http.Client{}
	}
	return &Submitter{
		queue:     q,
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		csrfToken: csrfToken,
		monitor:   monitor,
		bus:       bus,
	}
}

var locationAssign = regexp.MustCompile(`window\.location(?:\.href)?\s*=\s*['"]([^'"]+)['"]`)

// Submit delivers f. Offline, or on a network error, the form is queued and
// Queued is returned; a queueing failure is returned as an error so the user
// is never told their data was saved when it was not. A non-2xx answer from a
// reachable server is returned as *offline.HTTPError and nothing is queued.
func (s *Submitter) Submit(ctx context.Context, f Form) (Outcome, error) {
	method, err := NormalizeMethod(f.Method)
	if err != nil {
		return Outcome{}, err
	}
	if len(f.Payload) == 0 {
		f.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(f.Payload) {
		return Outcome{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}
	if strings.TrimSpace(f.Endpoint) == "" {
		return Outcome{}, fmt.Errorf("%w: endpoint is required", ErrInvalid)
	}

	if s.monitor != nil && !s.monitor.IsOnline() {
		return s.enqueue(ctx, f, method)
	}

	req, err := newSubmissionRequest(ctx, s.baseURL, method, f.Endpoint, f.Payload, s.csrfToken)
	if err != nil {
		return Outcome{}, err
	}
	target := req.URL.String()

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Printf("queue: submit %s %s: %v, queueing", method, f.Endpoint, err)
		return s.enqueue(ctx, f, method)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, offline.NewHTTPError(resp)
	}

	if resp.Request != nil && resp.Request.URL.String() != target {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Outcome{Kind: Redirect, Status: resp.StatusCode, Location: resp.Request.URL.String()}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, err
	}
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct == "text/html" {
		out := Outcome{Kind: Redirect, Status: resp.StatusCode}
		if m := locationAssign.FindSubmatch(body); m != nil {
			out.Location = string(m[1])
		}
		return out, nil
	}

	out := Outcome{Kind: Accepted, Status: resp.StatusCode}
	if json.Valid(body) {
		out.Body = body
	}
	s.bus.Publish(offline.SubmissionAccepted{FormID: f.FormID, Status: resp.StatusCode})
	return out, nil
}

func (s *Submitter) enqueue(ctx context.Context, f Form, method string) (Outcome, error) {
	id, err := s.queue.Enqueue(ctx, f.Endpoint, method, f.Payload, f.FormID)
	if err != nil {
		return Outcome{}, fmt.Errorf("queue: could not save submission: %w", err)
	}
	return Outcome{Kind: Queued, ID: id}, nil
}

package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"sgkoffline/internal/apicache"
	"sgkoffline/internal/nav"
	"sgkoffline/internal/offline"
	"sgkoffline/internal/queue"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (a *App) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/__offline").Subrouter()
	api.HandleFunc("/connectivity", a.handleConnectivity).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/submit", a.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/pending", a.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/replay", a.handleReplay).Methods(http.MethodPost)
	api.HandleFunc("/purge", a.handlePurge).Methods(http.MethodPost)
	api.HandleFunc("/routes", a.handleRoutes).Methods(http.MethodGet)
	api.HandleFunc("/intercept", a.handleIntercept).Methods(http.MethodPost)
	api.HandleFunc("/api", a.handleAPIFetch).Methods(http.MethodGet)
	api.HandleFunc("/api", a.handleAPIClear).Methods(http.MethodDelete)
	api.HandleFunc("/api/sweep", a.handleAPISweep).Methods(http.MethodPost)

	sw := r.PathPrefix("/__sw").Subrouter()
	sw.HandleFunc("/sync", a.handleSync).Methods(http.MethodPost)
	sw.Handle("/ws", a.Hub).Methods(http.MethodGet)

	r.PathPrefix("/").Handler(a.Worker)
	return r
}

func (a *App) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			Online *bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: `body must be {"online": true|false}`})
			return
		}
		a.Monitor.SetOnline(*body.Online)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": a.Monitor.IsOnline()})
}

func (a *App) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var f queue.Form
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid submission: " + err.Error()})
		return
	}
	out, err := a.Submitter.Submit(r.Context(), f)
	if err != nil {
		var httpErr *offline.HTTPError
		switch {
		case errors.Is(err, queue.ErrInvalidMethod), errors.Is(err, queue.ErrInvalid):
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		case errors.As(err, &httpErr):
			writeJSON(w, httpErr.Status, ErrorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return
	}
	status := http.StatusOK
	if out.Kind == queue.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (a *App) handlePending(w http.ResponseWriter, r *http.Request) {
	list := a.Queue.ListPending
	if r.URL.Query().Get("all") != "" {
		list = a.Queue.List
	}
	subs, err := list()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if subs == nil {
		subs = []queue.Submission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(subs), "submissions": subs})
}

func (a *App) handleReplay(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Replayer.ReplayAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *App) handlePurge(w http.ResponseWriter, r *http.Request) {
	olderThan := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid olderThan duration"})
			return
		}
		olderThan = d
	}
	n, err := a.Queue.Purge(time.Now().Add(-olderThan))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// handleRoutes lists the offline routes; with ?href=... it also reports
// availability for each link so a page can mark unavailable ones.
func (a *App) handleRoutes(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"routes": a.Nav.Routes()}
	if hrefs := r.URL.Query()["href"]; len(hrefs) > 0 {
		resp["availability"] = a.Nav.Availability(hrefs)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		nav.Link
		Current string `json:"current,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid link: " + err.Error()})
		return
	}
	if body.Current != "" {
		a.SetCurrentPath(body.Current)
	}
	d := a.Nav.Intercept(body.Link, a.Monitor.IsOnline())
	writeJSON(w, http.StatusOK, map[string]nav.Decision{"decision": d})
}

// handleAPIFetch reads a JSON endpoint through the request cache:
// ?url=/api/x&ttl=10m&force=1&nocache=1.
func (a *App) handleAPIFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}
	var opts apicache.Options
	if v := q.Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid ttl"})
			return
		}
		opts.CacheDuration = d
	}
	opts.ForceRefresh, _ = strconv.ParseBool(q.Get("force"))
	opts.NoCache, _ = strconv.ParseBool(q.Get("nocache"))

	data, err := a.API.Fetch(r.Context(), target, apicache.Request{}, opts)
	if err != nil {
		var httpErr *offline.HTTPError
		switch {
		case errors.Is(err, offline.ErrOffline):
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Offline: true})
		case errors.As(err, &httpErr):
			writeJSON(w, httpErr.Status, ErrorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (a *App) handleAPIClear(w http.ResponseWriter, r *http.Request) {
	if err := a.API.Clear(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (a *App) handleAPISweep(w http.ResponseWriter, r *http.Request) {
	n, err := a.API.Sweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"swept": n})
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := a.Worker.Sync(r.URL.Query().Get("tag")); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"scheduled": true})
}

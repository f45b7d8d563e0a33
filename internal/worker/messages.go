package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"sgkoffline/internal/offline"
)

var (
	ErrUnknownMessage = errors.New("worker: unknown message type")
	ErrInvalidMessage = errors.New("worker: invalid message")
	ErrUnknownSyncTag = errors.New("worker: unknown sync tag")
)

// SyncFormsTag is the background sync tag that asks pages to replay queued
// submissions.
const SyncFormsTag = "sync-forms"

const (
	TypeSkipWaiting   = "SKIP_WAITING"
	TypeCheckVersion  = "CHECK_VERSION"
	TypeVersionStatus = "VERSION_STATUS"
	TypeCachePage     = "CACHE_PAGE"
	TypePageCached    = "PAGE_CACHED"
	TypeClearCache    = "CLEAR_CACHE"
	TypeCacheCleared  = "CACHE_CLEARED"
	TypeSyncForms     = "SYNC_FORMS"
	TypeActivated     = "ACTIVATED"
	TypeNotify        = "NOTIFY"
	TypeError         = "ERROR"
)

// Message is exchanged between pages and the worker. The set of
// implementations below is closed; DecodeMessage rejects anything else.
type Message interface {
	Type() string
}

type SkipWaiting struct{}

type CheckVersion struct {
	Version string `json:"version"`
}

type VersionStatus struct {
	Version     string `json:"version"`
	NeedsUpdate bool   `json:"needsUpdate"`
}

type CachePage struct {
	URL string `json:"url"`
}

type PageCached struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ClearCache struct{}

type CacheCleared struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SyncForms struct{}

// Activated tells open pages that a new worker version took control.
type Activated struct {
	Version string `json:"version"`
}

// Notify carries a notification bus event to pages.
type Notify struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorReply answers a message that could not be handled.
type ErrorReply struct {
	Error string `json:"error"`
}

func (SkipWaiting) Type() string   { return TypeSkipWaiting }
func (CheckVersion) Type() string  { return TypeCheckVersion }
func (VersionStatus) Type() string { return TypeVersionStatus }
func (CachePage) Type() string     { return TypeCachePage }
func (PageCached) Type() string    { return TypePageCached }
func (ClearCache) Type() string    { return TypeClearCache }
func (CacheCleared) Type() string  { return TypeCacheCleared }
func (SyncForms) Type() string     { return TypeSyncForms }
func (Activated) Type() string     { return TypeActivated }
func (Notify) Type() string        { return TypeNotify }
func (ErrorReply) Type() string    { return TypeError }

func (m CheckVersion) validate() error {
	if m.Version == "" {
		return errors.New("version is required")
	}
	return nil
}

func (m CachePage) validate() error {
	if m.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

// NewNotify wraps a bus event for delivery to pages.
func NewNotify(e offline.Event) Notify {
	data, _ := json.Marshal(e)
	return Notify{Event: e.Kind(), Data: data}
}

// EncodeMessage renders m as a flat JSON object with a "type" field.
func EncodeMessage(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(m.Type())
	out := append([]byte(`{"type":`), typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// DecodeMessage parses and validates a message received from a page.
func DecodeMessage(b []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var (
		m   Message
		err error
	)
	switch env.Type {
	case TypeSkipWaiting:
		m, err = decodeAs[SkipWaiting](b)
	case TypeCheckVersion:
		m, err = decodeAs[CheckVersion](b)
	case TypeVersionStatus:
		m, err = decodeAs[VersionStatus](b)
	case TypeCachePage:
		m, err = decodeAs[CachePage](b)
	case TypePageCached:
		m, err = decodeAs[PageCached](b)
	case TypeClearCache:
		m, err = decodeAs[ClearCache](b)
	case TypeCacheCleared:
		m, err = decodeAs[CacheCleared](b)
	case TypeSyncForms:
		m, err = decodeAs[SyncForms](b)
	case TypeActivated:
		m, err = decodeAs[Activated](b)
	case TypeNotify:
		m, err = decodeAs[Notify](b)
	case TypeError:
		m, err = decodeAs[ErrorReply](b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	if v, ok := m.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
		}
	}
	return m, nil
}

func decodeAs[T Message](b []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sgkoffline/internal/offline"
)

func TestEncodeMessage(t *testing.T) {
	b, err := EncodeMessage(SkipWaiting{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"SKIP_WAITING"}`, string(b))

	b, err = EncodeMessage(CheckVersion{Version: "2"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"CHECK_VERSION","version":"2"}`, string(b))

	b, err = EncodeMessage(NewNotify(offline.PendingCount{Count: 3}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"NOTIFY","event":"pending-count","data":{"count":3}}`, string(b))
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"CACHE_PAGE","url":"/reports"}`))
	require.NoError(t, err)
	assert.Equal(t, CachePage{URL: "/reports"}, m)

	m, err = DecodeMessage([]byte(`{"type":"CLEAR_CACHE"}`))
	require.NoError(t, err)
	assert.Equal(t, ClearCache{}, m)

	_, err = DecodeMessage([]byte(`{"type":"CACHE_PAGE"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = DecodeMessage([]byte(`{"type":"CHECK_VERSION","version":""}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = DecodeMessage([]byte(`{"type":"CACHE_PAGE","url":42}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = DecodeMessage([]byte(`{"type":"REBOOT"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestHub_SubscriberPanicIsContained(t *testing.T) {
	h := NewHub(1)
	var got []Message
	h.Subscribe(func(Message) { panic("boom") })
	h.Subscribe(func(m Message) { got = append(got, m) })

	h.Broadcast(SyncForms{})
	assert.Equal(t, []Message{SyncForms{}}, got)
}

func TestHub_DispatchWithoutHandler(t *testing.T) {
	_, err := NewHub(1).Dispatch(context.Background(), ClearCache{})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func dialHub(t *testing.T, h *Hub) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHub_WebsocketRoundTrip(t *testing.T) {
	o := newOrigin(t)
	hub := NewHub(1)
	w := newWorker(t, testConfig(t, o.URL), openDB(t), hub)
	require.NoError(t, w.Start(context.Background()))

	c := dialHub(t, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := c.Request(ctx, CheckVersion{Version: "9"})
	require.NoError(t, err)
	assert.Equal(t, VersionStatus{Version: "9", NeedsUpdate: true}, reply)
	assert.Equal(t, 1, hub.Clients())

	reply, err = c.Request(ctx, CachePage{URL: "/reports"})
	require.NoError(t, err)
	assert.Equal(t, PageCached{URL: "/reports", Success: true}, reply)

	reply, err = c.Request(ctx, CachePage{URL: "/settings"})
	require.NoError(t, err)
	assert.Equal(t, PageCached{URL: "/settings", Error: "rate limited"}, reply)

	require.NoError(t, w.Sync(SyncFormsTag))
	m, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncForms{}, m)
}

func TestHub_RejectsMalformedFrames(t *testing.T) {
	hub := NewHub(1)
	hub.Handle(func(context.Context, Message) (Message, error) { return nil, nil })
	c := dialHub(t, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Send(ctx, Notify{Event: "x", Data: json.RawMessage(`{}`)}))
	require.NoError(t, c.Send(ctx, CachePage{}))

	m, err := c.Receive(ctx)
	require.NoError(t, err)
	require.IsType(t, ErrorReply{}, m)
	assert.Contains(t, m.(ErrorReply).Error, "url is required")
}

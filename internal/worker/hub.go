package worker

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// Handler answers a message from a page. A nil reply means there is nothing
// to send back.
type Handler func(ctx context.Context, m Message) (Message, error)

type wsClient struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
}

// Hub is the page/worker message channel. Pages connect over a websocket;
// in-process listeners subscribe directly. Broadcast reaches both.
type Hub struct {
	limit rate.Limit
	burst int

	mu      sync.RWMutex
	handler Handler
	clients map[string]*wsClient
	subs    []func(Message)
}

// NewHub builds a hub allowing cachePagePerSecond CACHE_PAGE requests per
// connection.
func NewHub(cachePagePerSecond float64) *Hub {
	burst := int(cachePagePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Hub{
		limit:   rate.Limit(cachePagePerSecond),
		burst:   burst,
		clients: map[string]*wsClient{},
	}
}

func (h *Hub) Handle(fn Handler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *Hub) Subscribe(fn func(Message)) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatch runs the handler for m as if it came from a page.
func (h *Hub) Dispatch(ctx context.Context, m Message) (Message, error) {
	h.mu.RLock()
	fn := h.handler
	h.mu.RUnlock()
	if fn == nil {
		return nil, ErrUnknownMessage
	}
	return fn(ctx, m)
}

// Broadcast delivers m to every subscriber and every connected page. A client
// whose write fails is dropped.
func (h *Hub) Broadcast(m Message) {
	h.mu.RLock()
	subs := append([]func(Message){}, h.subs...)
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		callSubscriber(m, fn)
	}
	if len(clients) == 0 {
		return
	}
	b, err := EncodeMessage(m)
	if err != nil {
		log.Printf("worker: encode %s: %v", m.Type(), err)
		return
	}
	for _, c := range clients {
		if err := writeFrame(context.Background(), c.conn, b); err != nil {
			log.Printf("worker: drop client %s: %v", c.id, err)
			h.remove(c)
		}
	}
}

func callSubscriber(m Message, fn func(Message)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: %s subscriber panic: %v", m.Type(), r)
		}
	}()
	fn(m)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// ServeHTTP upgrades the request to a websocket and serves one page until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("worker: websocket accept: %v", err)
		return
	}
	c := &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(h.limit, h.burst),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	defer h.remove(c)

	ctx := r.Context()
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Printf("worker: client %s: %v", c.id, err)
			}
			return
		}
		reply := h.answer(ctx, c, b)
		if reply == nil {
			continue
		}
		out, err := EncodeMessage(reply)
		if err != nil {
			log.Printf("worker: encode %s: %v", reply.Type(), err)
			continue
		}
		if err := writeFrame(ctx, conn, out); err != nil {
			return
		}
	}
}

func (h *Hub) answer(ctx context.Context, c *wsClient, b []byte) Message {
	m, err := DecodeMessage(b)
	if err != nil {
		return ErrorReply{Error: err.Error()}
	}
	if cp, ok := m.(CachePage); ok && !c.limiter.Allow() {
		return PageCached{URL: cp.URL, Error: "rate limited"}
	}
	reply, err := h.Dispatch(ctx, m)
	if err != nil && reply == nil {
		return ErrorReply{Error: err.Error()}
	}
	return reply
}

// Package ws is the websocket transport of the conversation engine.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/event"
	"github.com/convo/internal/logger"
)

type Options struct {
	MaxConnections int
	SendBuffer     int
	InboundQueue   int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

func (o Options) PingPeriod() time.Duration { return o.PongWait * 9 / 10 }

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10000
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = 32
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 << 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

// Hub owns the set of live connections and routes their commands to the engine.
type Hub struct {
	engine *chat.Engine
	opts   Options

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	total   int

	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	quitOnce   sync.Once
	done       chan struct{}

	// regMu orders Register against shutdown: once closed is set no client
	// can enter the register buffer, so the final drain sees all of them.
	regMu  sync.RWMutex
	closed bool
}

func NewHub(engine *chat.Engine, opts Options) *Hub {
	return &Hub{
		engine:     engine,
		opts:       opts.withDefaults(),
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

// Done is closed once Run has returned and every connection is gone.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	h.quitOnce.Do(func() { close(h.quit) })
	h.regMu.Lock()
	h.closed = true
	h.regMu.Unlock()

	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
	// drain registrations that raced with shutdown
	for {
		select {
		case c := <-h.register:
			c.reject(websocket.CloseGoingAway, "server shutting down")
		default:
			logger.Infof("ws hub stopped, closed %d connections", len(all))
			return
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.opts.MaxConnections {
		h.mu.Unlock()
		logger.Warnf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConnections, c.userID)
		c.reject(websocket.ClosePolicyViolation, "connection limit reached")
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	c.start()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, exists := clients[c]; !exists {
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
}

// Accept wraps an upgraded connection for userID and hands it to Run.
func (h *Hub) Accept(conn *websocket.Conn, userID string) *Client {
	c := NewClient(h, conn, userID)
	h.Register(c)
	return c
}

// Register hands c to Run. After shutdown has begun c is closed with 1001
// instead.
func (h *Hub) Register(c *Client) {
	h.regMu.RLock()
	queued := false
	if !h.closed {
		select {
		case h.register <- c:
			queued = true
		case <-h.quit:
		}
	}
	h.regMu.RUnlock()
	if !queued {
		c.reject(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Stats reports open connections and distinct connected users.
func (h *Hub) Stats() (connections, users int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total, len(h.clients)
}

// dispatch runs one command for c. Results and errors go to c only; room
// events are published by the engine.
func (h *Hub) dispatch(ctx context.Context, c *Client, in Inbound) {
	if err := h.engine.AllowCommand(ctx, c.userID); err != nil {
		c.fail(in.AckID, err)
		return
	}
	var err error
	switch cmd := in.Cmd.(type) {
	case JoinCommand:
		if err = h.engine.JoinConversation(ctx, c, cmd.ConversationID); err == nil && in.AckID != "" {
			c.ack(in.AckID, cmd)
		}
	case LeaveCommand:
		h.engine.LeaveConversation(c, cmd.ConversationID)
		if in.AckID != "" {
			c.ack(in.AckID, cmd)
		}
	case SendCommand:
		err = h.engine.SendMessage(ctx, c, chat.SendInput{
			ConversationID: cmd.ConversationID,
			Content:        cmd.Content,
			TemporaryID:    cmd.TemporaryID,
			ParentID:       cmd.ParentID,
		}, func(res chat.SendResult) { c.ack(in.AckID, res) })
	case EditCommand:
		err = h.engine.EditMessage(ctx, c, chat.EditInput{MessageID: cmd.MessageID, NewContent: cmd.NewContent},
			func(delta event.MessageEdited) { c.ack(in.AckID, delta) })
	case ReadCommand:
		res, rerr := h.engine.MarkRead(ctx, c, chat.ReadInput{ConversationID: cmd.ConversationID, MessageID: cmd.MessageID})
		if err = rerr; err == nil && in.AckID != "" {
			c.ack(in.AckID, res)
		}
	case TypingCommand:
		if err = h.engine.SetTyping(ctx, c, chat.TypingInput{ConversationID: cmd.ConversationID, IsTyping: cmd.IsTyping}); err == nil && in.AckID != "" {
			c.ack(in.AckID, okPayload{OK: true})
		}
	default:
		err = badRequest("unknown event")
	}
	if err != nil {
		c.fail(in.AckID, err)
	}
}

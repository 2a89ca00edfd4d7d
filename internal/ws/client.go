package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/event"
	"github.com/convo/internal/logger"
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

var errQueueFull = &chat.Error{Code: chat.CodeBadRequest, Message: "too many pending commands"}

// Client is one websocket connection.
// Lifecycle: NewClient -> Hub.Register -> start [readPump, serve, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	userID string

	send    chan Frame
	inbound chan Inbound

	// done guards enqueue after Close.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		id:      uuid.NewString(),
		userID:  userID,
		send:    make(chan Frame, hub.opts.SendBuffer),
		inbound: make(chan Inbound, hub.opts.InboundQueue),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Deliver queues a room event. It never blocks: a full queue closes the client.
func (c *Client) Deliver(ev event.Event) bool {
	return c.enqueue(Frame{Event: string(ev.Name), Data: ev.Data})
}

func (c *Client) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(3)
	go c.writePump(ctx)
	go c.readPump(ctx)
	go c.serve(ctx)
}

// Wait blocks until every pump goroutine has exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		} else {
			c.conn.Close()
		}
	})
}

// reject refuses a connection that was never started.
func (c *Client) reject(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.hub.opts.WriteWait))
	c.Close()
}

func (c *Client) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Warnf("ws send buffer full, closing slow client user=%s conn=%s", c.userID, c.id)
		c.Close()
		return false
	}
}

func (c *Client) ack(ackID string, data any) {
	c.enqueue(Frame{Event: EventAck, AckID: ackID, Data: data})
}

// fail reports err to this connection only: as an ack when the command asked
// for one, as an error event otherwise.
func (c *Client) fail(ackID string, err error) {
	e := chat.AsError(err)
	if ackID != "" {
		c.enqueue(Frame{Event: EventAck, AckID: ackID, Error: e})
		return
	}
	c.enqueue(Frame{Event: EventError, Error: e})
}

// readPump decodes frames onto the inbound queue. It never runs a command
// itself, so a slow pipeline cannot stall ping/pong handling.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer c.Close()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(opts.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("ws read error user=%s conn=%s: %v", c.userID, c.id, err)
			}
			return
		}
		in, err := Decode(raw)
		if err != nil {
			c.fail(in.AckID, err)
			continue
		}
		select {
		case c.inbound <- in:
		case <-ctx.Done():
			return
		default:
			c.fail(in.AckID, errQueueFull)
		}
	}
}

// serve bootstraps the session and then runs commands one at a time in
// arrival order. Leaving it tears the session down.
func (c *Client) serve(ctx context.Context) {
	defer c.wg.Done()
	defer c.hub.Unregister(c)

	engine := c.hub.engine
	if _, err := engine.Connect(ctx, c); err != nil {
		c.fail("", err)
		c.Close()
		return
	}
	defer engine.Disconnect(c)

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-c.inbound:
			c.hub.dispatch(ctx, c, in)
		}
	}
}

// writePump writes queued frames and pings. On shutdown it sends a close
// frame and closes the socket, which unblocks readPump.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(opts.WriteWait))
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(f); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal %s user=%s: %v", f.Event, c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for websocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

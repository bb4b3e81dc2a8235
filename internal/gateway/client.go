package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

const (
	maxFrameBytes = 512 << 10
	sendQueueLen  = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingEvery     = pongWait / 2

	// retryAfterMs is advertised on rate-limited requests.
	retryAfterMs = 1000
)

// Client is one display connection (head unit UI or CLI).
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	out    chan []byte

	mu            sync.Mutex
	authenticated bool
	name          string
	closed        bool
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		out:    make(chan []byte, sendQueueLen),
	}
}

// Run serves the connection until the peer goes away.
func (c *Client) Run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
}

func (c *Client) extendDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameBytes)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway: read failed", "client", c.id, "error", err)
			}
			return
		}
		c.extendDeadline()
		c.dispatch(ctx, data)
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		var (
			kind    = websocket.PingMessage
			payload []byte
		)
		select {
		case msg, ok := <-c.out:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			kind, payload = websocket.TextMessage, msg
		case <-ping.C:
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

// dispatch runs one inbound frame through decoding, the connect gate and the
// rate limiter before handing it to the router.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	req, err := protocol.DecodeRequest(data)
	switch {
	case err != nil:
		var id string
		if req != nil {
			id = req.ID
		}
		c.Fail(id, protocol.ErrInvalidRequest, err.Error())
	case !c.Authenticated() && req.Method != protocol.MethodConnect:
		c.Fail(req.ID, protocol.ErrUnauthorized, "first request must be 'connect'")
	case c.server.rateLimiter.Enabled() && !c.server.rateLimiter.Allow(c.id):
		c.SendResponse(protocol.NewRetryableError(req.ID, protocol.ErrResourceExhausted,
			"rate limit exceeded", retryAfterMs))
	default:
		c.server.router.Handle(ctx, c, req)
	}
}

func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	c.push(resp, "response")
}

func (c *Client) SendEvent(event protocol.EventFrame) {
	c.push(event, event.Event)
}

// Reply answers req with payload.
func (c *Client) Reply(id string, payload any) {
	c.SendResponse(protocol.NewOKResponse(id, payload))
}

func (c *Client) Fail(id, code, message string) {
	c.SendResponse(protocol.NewErrorResponse(id, code, message))
}

// push encodes v and queues it. A full queue drops the frame; frames pushed
// after Close are discarded.
func (c *Client) push(v any, what string) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: encode frame", "frame", what, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		slog.Warn("gateway: send queue full, frame dropped", "client", c.id, "frame", what)
	}
}

func (c *Client) ID() string { return c.id }

// Name is the client label sent with connect.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) markConnected(name string) {
	c.mu.Lock()
	c.authenticated, c.name = true, name
	c.mu.Unlock()
}

// Close stops the writer. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

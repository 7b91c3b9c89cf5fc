package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a websocket connection attached to the hub.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	id        string
	send      chan []byte
	guard     *ratelimit.Guard
	heartbeat *Heartbeat

	mu    sync.Mutex
	state State
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	opts := hub.opts
	client := &Client{
		hub:       hub,
		conn:      conn,
		id:        uuid.NewString(),
		send:      make(chan []byte, opts.SendBuffer),
		guard:     ratelimit.NewGuard(opts.MessagesPerSecond, opts.MessageBurst, opts.MaxViolations),
		heartbeat: NewHeartbeat(opts.PongTimeout, opts.Now()),
		state:     StateConnecting,
	}

	if !hub.Register(client) {
		conn.Close()
		return
	}
	client.transition(EventOpened)

	log.Info().Str("client", client.id).Str("remote", conn.RemoteAddr().String()).Msg("connection opened")

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition applies e and reports whether the state changed.
func (c *Client) transition(e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.state.Next(e)
	if err != nil {
		log.Warn().Err(err).Str("client", c.id).Msg("ignored lifecycle event")
		return false
	}
	changed := next != c.state
	c.state = next
	return changed
}

// Send queues data for the write pump. It never blocks.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close asks the write pump to send a close frame and shut the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosing || c.state == StateClosed {
		return nil
	}
	next, err := c.state.Next(EventCloseRequested)
	if err != nil {
		return err
	}
	c.state = next
	close(c.send)
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.transition(EventTransportClosed)
	}()

	opts := c.hub.opts
	deadline := opts.PingInterval + opts.PongTimeout

	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.heartbeat.PongReceived(opts.Now())
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Err(err).Str("client", c.id).Msg("connection lost")
			}
			return
		}

		// Any frame proves the peer is alive.
		c.heartbeat.PongReceived(opts.Now())
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		switch verdict, violations := c.guard.Check(); verdict {
		case ratelimit.Drop:
			if violations%100 == 1 {
				log.Warn().Str("client", c.id).Int("violations", violations).Msg("rate limit exceeded, frame dropped")
			}
			continue
		case ratelimit.Disconnect:
			log.Warn().Str("client", c.id).Int("violations", violations).Msg("disconnecting client for excessive rate limit violations")
			return
		}

		if !c.hub.Dispatch(c, message) {
			return
		}
	}
}

func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// Server-side closes are never a voluntary leave, so clients
				// are told to reconnect.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if c.heartbeat.Check(opts.Now()) == TimedOut {
				log.Info().Str("client", c.id).Time("last_seen", c.heartbeat.LastSeen()).Msg("heartbeat timeout, terminating connection")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.heartbeat.PingSent(opts.Now())
		}
	}
}

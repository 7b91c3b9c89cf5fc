package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/advisory"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
	// Rate limit violations tolerated before a client is disconnected.
	MaxViolations int
	EditingWindow time.Duration
	// Optional. Receives join, leave and edit frames for every room.
	Mirror Mirror
	Now    func() time.Time
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       30 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    1024 * 1024,
		SendBuffer:        512,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		MaxViolations:     1000,
		EditingWindow:     advisory.DefaultEditingWindow,
		Now:               time.Now,
	}
}

// Mirror receives copies of room events. Publish must not block.
type Mirror interface {
	Publish(roomID string, frame []byte)
}

// session is the hub-side record of a connection. The connection only knows
// its room by id; the document stays in the registry.
type session struct {
	conn   Conn
	roomID string
	name   string
}

type frame struct {
	conn Conn
	data []byte
}

// Hub is the single dispatch path for every room. Register, unregister,
// inbound frames and control calls are consumed by one Run goroutine in
// arrival order, so all members of a room observe the same version order.
type Hub struct {
	opts     Options
	registry *room.Registry

	// Owned by the Run goroutine.
	sessions map[string]*session
	handlers map[string]handlerFunc
	external map[string]ExternalHandler

	register   chan Conn
	unregister chan Conn
	inbound    chan frame
	control    chan func()

	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	clients atomic.Int64
}

func NewHub(opts Options) *Hub {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:       opts,
		registry:   room.NewRegistry(opts.EditingWindow),
		sessions:   make(map[string]*session),
		external:   make(map[string]ExternalHandler),
		register:   make(chan Conn),
		unregister: make(chan Conn),
		inbound:    make(chan frame),
		control:    make(chan func()),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.handlers = coreHandlers()
	return h
}

// Handle routes frames of msgType to an external collaborator. Handlers must be
// registered before Run.
func (h *Hub) Handle(msgType string, fn ExternalHandler) {
	if _, core := h.handlers[msgType]; core {
		log.Warn().Str("type", msgType).Msg("refusing to override core handler")
		return
	}
	h.external[msgType] = fn
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.shutdown()
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case f := <-h.inbound:
			h.handleFrame(f.conn, f.data)
		case fn := <-h.control:
			fn()
		}
	}
}

// Stop ends Run and closes every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) Register(c Conn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch queues a raw inbound frame from c.
func (h *Hub) Dispatch(c Conn, data []byte) bool {
	select {
	case h.inbound <- frame{conn: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

// do runs fn on the dispatch path and waits for it.
func (h *Hub) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.control <- func() { fn(); close(finished) }:
	case <-h.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-h.done:
		return false
	}
}

// post runs fn on the dispatch path without waiting for it.
func (h *Hub) post(fn func()) bool {
	select {
	case h.control <- fn:
		return true
	case <-h.done:
		return false
	}
}

// Sweep removes rooms that have been empty for at least idleAfter.
func (h *Hub) Sweep(idleAfter time.Duration) []string {
	var removed []string
	h.do(func() {
		removed = h.registry.SweepIdle(h.opts.Now(), idleAfter)
	})
	for _, id := range removed {
		log.Debug().Str("room", id).Msg("idle room removed")
	}
	return removed
}

// Registry is safe for concurrent reads. Mutations belong to the hub.
func (h *Hub) Registry() *room.Registry {
	return h.registry
}

func (h *Hub) GetClientCount() int {
	return int(h.clients.Load())
}

func (h *Hub) GetRoomCount() int {
	return h.registry.Stats().ActiveRooms
}

func (h *Hub) GetActiveRooms() map[string]int {
	return h.registry.ActiveRooms()
}

func (h *Hub) handleRegister(c Conn) {
	if _, exists := h.sessions[c.ID()]; exists {
		return
	}
	h.sessions[c.ID()] = &session{conn: c}
	n := h.clients.Add(1)
	log.Debug().Str("client", c.ID()).Int64("clients", n).Msg("client connected")
}

// handleUnregister is the implicit leave for a closed connection.
func (h *Hub) handleUnregister(c Conn) {
	s, ok := h.sessions[c.ID()]
	if !ok {
		return
	}
	if s.roomID != "" {
		h.leave(s, s.roomID)
	}
	delete(h.sessions, c.ID())
	c.Close()
	n := h.clients.Add(-1)
	log.Debug().Str("client", c.ID()).Int64("clients", n).Msg("client disconnected")
}

func (h *Hub) handleFrame(c Conn, data []byte) {
	s, ok := h.sessions[c.ID()]
	if !ok {
		log.Debug().Str("client", c.ID()).Msg("frame from unregistered client dropped")
		return
	}

	in, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("client", c.ID()).Msg("invalid frame dropped")
		return
	}

	if fn, ok := h.handlers[in.Type]; ok {
		fn(h, s, in)
		return
	}
	if ext, ok := h.external[in.Type]; ok {
		h.routeExternal(s, in, ext)
		return
	}
	log.Warn().Str("client", c.ID()).Str("type", in.Type).Msg("unknown message type ignored")
}

func (h *Hub) shutdown() {
	h.cancel()
	for id, s := range h.sessions {
		s.conn.Close()
		delete(h.sessions, id)
	}
	h.clients.Store(0)
	log.Info().Msg("hub stopped")
}

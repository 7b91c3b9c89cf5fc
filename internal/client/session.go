// Package client is the editor side of a room: it joins over a websocket,
// keeps a heartbeat, follows remote changes, and runs the conflict advisory
// before sending local edits. Lost connections are retried with backoff;
// leaving is never retried.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/advisory"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

var (
	ErrNameTaken    = errors.New("name already taken in room")
	ErrGaveUp       = errors.New("gave up reconnecting")
	ErrNotConnected = errors.New("not connected")
)

const writeWait = 10 * time.Second

// JoinError is a join_room_error reply. It keeps the room so the caller can
// retry with another name.
type JoinError struct {
	Room    string
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s: %s (%s)", e.Room, e.Message, e.Code)
}

func (e *JoinError) Unwrap() error {
	if e.Code == protocol.ErrCodeNameDuplicate {
		return ErrNameTaken
	}
	return nil
}

type Config struct {
	URL  string
	Room string
	Name string

	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Debounce          time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Advisory advisory.Config

	// Confirm is asked before a risky edit is sent. A nil Confirm declines.
	// It may be called from the debounce timer goroutine.
	Confirm func(advisory.Assessment) bool
	// OnEvent sees every frame received after the join, on the read goroutine.
	OnEvent func(protocol.Event)
	OnState func(State)

	Dialer *websocket.Dialer
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		JoinTimeout:       10 * time.Second,
		Debounce:          advisory.DefaultDebounce,
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		Advisory:          advisory.DefaultConfig(),
	}
}

// Outcome is what happened to a local edit.
type Outcome int

const (
	Sent Outcome = iota
	SentForced
	Declined
	// NotSent means there was no usable connection; the error says why.
	NotSent
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case SentForced:
		return "sent_forced"
	case Declined:
		return "declined"
	case NotSent:
		return "not_sent"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Session struct {
	cfg       Config
	reconnect *Reconnector
	advice    *advisory.Context
	debounce  *advisory.Debouncer

	mu      sync.Mutex
	conn    *websocket.Conn
	content string
	version int64
	leaving bool

	writeMu sync.Mutex
}

type codeChange struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Version int64  `json:"version"`
	Forced  bool   `json:"forced,omitempty"`
}

type cursorChange struct {
	Type     string         `json:"type"`
	Position cursorPosition `json:"position"`
}

type cursorPosition struct {
	LineNumber int `json:"lineNumber"`
}

// Dial connects and joins cfg.Room as cfg.Name. A taken name returns a
// *JoinError matching ErrNameTaken.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.URL == "" || cfg.Room == "" || cfg.Name == "" {
		return nil, errors.New("url, room and name are required")
	}
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaults.JoinTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaults.Debounce
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.Advisory == (advisory.Config{}) {
		cfg.Advisory = defaults.Advisory
	}

	s := &Session{
		cfg:       cfg,
		reconnect: NewReconnector(cfg.MaxAttempts, cfg.InitialBackoff, cfg.MaxBackoff),
		advice:    advisory.NewContext(cfg.Advisory),
		debounce:  advisory.NewDebouncer(cfg.Debounce),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	s.notify()
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	join := map[string]string{"type": protocol.TypeJoinRoom, "room": s.cfg.Room, "userName": s.cfg.Name}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.JoinTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return fmt.Errorf("await join: %w", err)
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			log.Debug().Err(err).Msg("undecodable frame before join")
			continue
		}

		switch ev.Type {
		case protocol.TypeRoomJoined:
			s.mu.Lock()
			s.conn = conn
			s.content = ev.Code
			s.version = ev.Version
			s.mu.Unlock()

			s.advice.Seed(s.cfg.Name, ev.Participants, time.Now())
			s.reconnect.Connected()
			log.Info().Str("room", s.cfg.Room).Str("user", s.cfg.Name).Int64("version", ev.Version).Msg("joined room")
			s.emit(ev)
			return nil
		case protocol.TypeJoinRoomError:
			conn.Close()
			return &JoinError{Room: s.cfg.Room, Code: ev.Error, Message: ev.Message}
		}
	}
}

// Run reads frames until the session leaves, ctx ends, or reconnecting gives
// up. It returns nil after Leave.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.serve(ctx)
		if s.isLeaving() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().Err(err).Str("room", s.cfg.Room).Msg("connection lost")
		s.reconnect.Lost()
		s.notify()
		s.advice.Reset()

		if err := s.reconnectLoop(ctx); err != nil {
			return err
		}
	}
}

func (s *Session) reconnectLoop(ctx context.Context) error {
	for {
		delay, ok := s.reconnect.Next()
		s.notify()
		if !ok {
			log.Error().Str("room", s.cfg.Room).Int("attempts", s.cfg.MaxAttempts).Msg("giving up reconnecting")
			return ErrGaveUp
		}

		attempt := s.reconnect.Attempt()
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		if s.isLeaving() {
			return nil
		}
		err := s.connect(ctx)
		if err == nil {
			s.notify()
			return nil
		}
		// A taken name usually means the server has not noticed the old
		// connection is gone yet, so it counts as a failed attempt.
		log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

func (s *Session) serve(ctx context.Context) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeat(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	readTimeout := 2 * s.cfg.HeartbeatInterval
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			return err
		}
		s.handle(data)
	}
}

// heartbeat sends a ping frame every interval. The pong, like any frame,
// refreshes the read deadline in serve.
func (s *Session) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.write(conn, map[string]string{"type": protocol.TypePing}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) handle(data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		log.Warn().Err(err).Msg("invalid frame from server dropped")
		return
	}

	now := time.Now()
	switch ev.Type {
	case protocol.TypeCodeChange:
		s.mu.Lock()
		s.content = ev.Code
		s.version = ev.Version
		s.mu.Unlock()
		s.advice.RemoteEdit(ev.UserName, now)
	case protocol.TypeCursorChanged:
		if line, ok := protocol.ParseCursorLine(ev.Position); ok {
			s.advice.RemoteCursor(ev.UserName, line)
		}
	case protocol.TypeUserLeft:
		s.advice.PeerLeft(ev.UserName)
	}
	s.emit(ev)
}

// Edit schedules content to be sent once local input has been quiet for the
// debounce delay. Only the last content of a burst is sent.
func (s *Session) Edit(content string) {
	s.debounce.Trigger(func() {
		outcome, err := s.EditNow(content)
		if err != nil {
			log.Warn().Err(err).Msg("edit not sent")
			return
		}
		log.Debug().Stringer("outcome", outcome).Msg("edit processed")
	})
}

// Assess runs the advisory for replacing the current document with content.
func (s *Session) Assess(content string) advisory.Assessment {
	current, _ := s.Document()
	return s.advice.Assess(time.Now(), advisory.ChangedLines(current, content))
}

// EditNow runs the advisory and sends content right away. A declined risky
// edit sends nothing. Without a connection it reports NotSent with
// ErrNotConnected.
func (s *Session) EditNow(content string) (Outcome, error) {
	assessment := s.Assess(content)

	outcome := Sent
	if assessment.Risky {
		if s.cfg.Confirm == nil || !s.cfg.Confirm(assessment) {
			log.Info().Str("reason", assessment.Reason()).Msg("risky edit declined")
			return Declined, nil
		}
		outcome = SentForced
	}

	s.mu.Lock()
	conn := s.conn
	base := s.version
	s.mu.Unlock()
	if conn == nil {
		return NotSent, ErrNotConnected
	}

	msg := codeChange{Type: protocol.TypeCodeChange, Code: content, Version: base, Forced: outcome == SentForced}
	if err := s.write(conn, msg); err != nil {
		return NotSent, err
	}

	s.mu.Lock()
	s.content = content
	if s.version == base {
		s.version = base + 1
	}
	s.mu.Unlock()
	return outcome, nil
}

// Cursor shares the local cursor line.
func (s *Session) Cursor(line int) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	return s.write(conn, cursorChange{Type: protocol.TypeCursorChange, Position: cursorPosition{LineNumber: line}})
}

// Leave sends leave_room and closes normally. Run returns nil afterwards and
// no reconnect is attempted.
func (s *Session) Leave() error {
	s.debounce.Stop()

	s.mu.Lock()
	s.leaving = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	defer conn.Close()

	err := s.write(conn, map[string]string{"type": protocol.TypeLeaveRoom, "room": s.cfg.Room})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
		time.Now().Add(writeWait))
	log.Info().Str("room", s.cfg.Room).Str("user", s.cfg.Name).Msg("left room")
	return err
}

// Document returns the last known content and version.
func (s *Session) Document() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, s.version
}

func (s *Session) State() State {
	return s.reconnect.State()
}

func (s *Session) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) isLeaving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaving
}

func (s *Session) write(conn *websocket.Conn, v any) error {
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) emit(ev protocol.Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

func (s *Session) notify() {
	if s.cfg.OnState != nil {
		s.cfg.OnState(s.reconnect.State())
	}
}

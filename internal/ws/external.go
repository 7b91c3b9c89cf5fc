package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

var (
	ErrSendFailed = errors.New("frame could not be queued")
	ErrNoRoom     = errors.New("sender is not in a room")
	ErrHubStopped = errors.New("hub stopped")
)

// ExternalRequest carries a frame the room engine does not interpret, along
// with who sent it and from which room.
type ExternalRequest struct {
	Type     string
	RoomID   string
	UserName string
	ConnID   string
	Frame    json.RawMessage

	hub  *Hub
	conn Conn
}

// ExternalHandler runs on its own goroutine, never on the dispatch path.
type ExternalHandler func(ctx context.Context, req ExternalRequest)

// Reply sends v to the requesting connection only.
func (r ExternalRequest) Reply(v any) error {
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	if !r.conn.Send(payload) {
		return ErrSendFailed
	}
	return nil
}

// Broadcast sends v to the sender's room through the dispatch path.
func (r ExternalRequest) Broadcast(v any, includeSelf bool) error {
	if r.RoomID == "" {
		return ErrNoRoom
	}
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	exclude := r.ConnID
	if includeSelf {
		exclude = ""
	}
	roomID := r.RoomID
	if !r.hub.post(func() { r.hub.fanout(roomID, payload, exclude) }) {
		return ErrHubStopped
	}
	return nil
}

func (h *Hub) routeExternal(s *session, in protocol.Inbound, fn ExternalHandler) {
	req := ExternalRequest{
		Type:     in.Type,
		RoomID:   s.roomID,
		UserName: s.name,
		ConnID:   s.conn.ID(),
		Frame:    in.Raw,
		hub:      h,
		conn:     s.conn,
	}
	log.Debug().Str("client", req.ConnID).Str("room", req.RoomID).Str("type", req.Type).Msg("routing external frame")
	go fn(h.ctx, req)
}

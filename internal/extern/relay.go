// Package extern holds the collaborators that own the frame types the room
// engine routes without interpreting: chat, teacher broadcasts and saved code
// history.
package extern

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/ws"
)

// Relay forwards a frame to the sender's room with the sender's name and a
// server timestamp stamped on it. Every other field passes through as sent.
type Relay struct {
	// IncludeSelf echoes the frame back to the sender.
	IncludeSelf bool
	Now         func() time.Time
}

func NewRelay(includeSelf bool) *Relay {
	return &Relay{IncludeSelf: includeSelf, Now: time.Now}
}

func (r *Relay) Handle(ctx context.Context, req ws.ExternalRequest) {
	logger := log.With().Str("room", req.RoomID).Str("user", req.UserName).Str("type", req.Type).Logger()

	if req.RoomID == "" {
		logger.Debug().Msg("relay from client outside a room ignored")
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Frame, &fields); err != nil {
		logger.Warn().Err(err).Msg("relay frame is not an object")
		return
	}
	fields["userName"] = mustRaw(req.UserName)
	fields["roomId"] = mustRaw(req.RoomID)
	fields["timestamp"] = mustRaw(r.Now().UnixMilli())

	if err := req.Broadcast(fields, r.IncludeSelf); err != nil {
		logger.Warn().Err(err).Msg("relay broadcast failed")
	}
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

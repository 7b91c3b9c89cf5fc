package ws

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

type handlerFunc func(h *Hub, s *session, in protocol.Inbound)

func coreHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypeJoinRoom:     (*Hub).handleJoin,
		protocol.TypeLeaveRoom:    (*Hub).handleLeave,
		protocol.TypeCodeChange:   (*Hub).handleCodeChange,
		protocol.TypeCursorChange: (*Hub).handleCursorChange,
		protocol.TypePing:         (*Hub).handlePing,
	}
}

func (h *Hub) handleJoin(s *session, in protocol.Inbound) {
	roomID, name := in.Room, in.UserName
	if roomID == "" || name == "" {
		h.reply(s, protocol.JoinRoomError{
			Type:    protocol.TypeJoinRoomError,
			Error:   protocol.ErrCodeMissingFields,
			Message: "room and userName are required",
			RoomID:  roomID,
		})
		return
	}

	prevRoom, prevName := s.roomID, s.name
	now := h.opts.Now()

	// A rename inside the same room is replaced by the registry; announce the
	// old name as gone before the new one arrives.
	if prevRoom == roomID && prevName != "" && prevName != name {
		if _, err := h.registry.Join(roomID, name, s.conn.ID(), now); err != nil {
			h.joinFailed(s, roomID, name, err)
			return
		}
		h.announceLeft(roomID, prevName)
		h.finishJoin(s, roomID, name, false)
		return
	}

	res, err := h.registry.Join(roomID, name, s.conn.ID(), now)
	if err != nil {
		h.joinFailed(s, roomID, name, err)
		return
	}

	if res.Created {
		log.Info().Str("room", roomID).Str("user", name).Msg("room created")
	}
	if prevRoom != "" && prevRoom != roomID {
		h.leave(s, prevRoom)
	}
	h.finishJoin(s, roomID, name, res.Rejoined)
}

func (h *Hub) joinFailed(s *session, roomID, name string, err error) {
	code := protocol.ErrCodeMissingFields
	msg := "room and userName are required"
	if errors.Is(err, room.ErrNameConflict) {
		code = protocol.ErrCodeNameDuplicate
		msg = fmt.Sprintf("the name %q is already in use in room %q, pick another one", name, roomID)
	}
	log.Info().Str("room", roomID).Str("user", name).Str("client", s.conn.ID()).Err(err).Msg("join rejected")
	h.reply(s, protocol.JoinRoomError{
		Type:    protocol.TypeJoinRoomError,
		Error:   code,
		Message: msg,
		RoomID:  roomID,
	})
}

func (h *Hub) finishJoin(s *session, roomID, name string, rejoined bool) {
	s.roomID = roomID
	s.name = name

	now := h.opts.Now()
	doc, _ := h.registry.Snapshot(roomID)
	names := h.registry.Names(roomID)
	participants := toWire(h.registry.ListParticipants(roomID, now))

	h.reply(s, protocol.RoomJoined{
		Type:         protocol.TypeRoomJoined,
		RoomID:       roomID,
		Code:         doc.Content,
		Version:      doc.Version,
		Users:        names,
		Participants: participants,
	})
	if rejoined {
		return
	}

	h.broadcast(roomID, protocol.UserJoined{
		Type:         protocol.TypeUserJoined,
		UserName:     name,
		Users:        names,
		Participants: participants,
	}, s.conn.ID(), true)

	log.Info().Str("room", roomID).Str("user", name).Str("client", s.conn.ID()).
		Int("users", len(names)).Msg("user joined")
}

func (h *Hub) handleLeave(s *session, in protocol.Inbound) {
	roomID := in.Room
	if roomID == "" {
		roomID = s.roomID
	}
	h.leave(s, roomID)
}

// leave removes the session from roomID. Leaving a room the session is not in
// changes nothing and broadcasts nothing.
func (h *Hub) leave(s *session, roomID string) {
	if roomID == "" {
		return
	}
	p, ok := h.registry.Leave(roomID, s.conn.ID(), h.opts.Now())
	if !ok {
		return
	}
	if s.roomID == roomID {
		s.roomID = ""
		s.name = ""
	}
	h.announceLeft(roomID, p.Name)
	log.Info().Str("room", roomID).Str("user", p.Name).Str("client", s.conn.ID()).Msg("user left")
}

func (h *Hub) announceLeft(roomID, name string) {
	h.broadcast(roomID, protocol.UserLeft{
		Type:     protocol.TypeUserLeft,
		UserName: name,
		Users:    h.registry.Names(roomID),
	}, "", true)
}

func (h *Hub) handleCodeChange(s *session, in protocol.Inbound) {
	if s.roomID == "" {
		h.notInRoom(s, in.Type)
		return
	}

	// An empty string is a valid document; a missing field is not.
	if in.Code == nil {
		log.Warn().Str("client", s.conn.ID()).Str("room", s.roomID).Msg("code_change without code dropped")
		return
	}

	now := h.opts.Now()
	doc, sender, err := h.registry.ApplyEdit(s.roomID, s.conn.ID(), *in.Code, now)
	if err != nil {
		h.notInRoom(s, in.Type)
		return
	}

	// Older base versions are accepted; last write wins.
	if in.Version != nil && *in.Version < doc.Version-1 {
		log.Debug().Str("room", s.roomID).Str("user", sender.Name).
			Int64("base", *in.Version).Int64("version", doc.Version).
			Msg("edit from stale base overwrote newer content")
	}

	h.broadcast(s.roomID, protocol.CodeChange{
		Type:      protocol.TypeCodeChange,
		Code:      doc.Content,
		UserName:  sender.Name,
		Version:   doc.Version,
		Timestamp: now.UnixMilli(),
		Forced:    in.Forced,
	}, s.conn.ID(), true)

	if in.Forced {
		h.broadcast(s.roomID, protocol.ForcedEdit{
			Type:     protocol.TypeForcedEdit,
			UserName: sender.Name,
			Version:  doc.Version,
			Message:  fmt.Sprintf("%s overrode a conflict warning", sender.Name),
		}, s.conn.ID(), true)
		log.Info().Str("room", s.roomID).Str("user", sender.Name).Int64("version", doc.Version).Msg("forced edit")
	}
}

func (h *Hub) handleCursorChange(s *session, in protocol.Inbound) {
	if s.roomID == "" {
		log.Debug().Str("client", s.conn.ID()).Msg("cursor change outside a room ignored")
		return
	}

	if line, ok := in.CursorLine(); ok {
		if _, err := h.registry.UpdateCursor(s.roomID, s.conn.ID(), line, h.opts.Now()); err != nil {
			return
		}
	}

	h.broadcast(s.roomID, protocol.CursorChanged{
		Type:     protocol.TypeCursorChanged,
		UserName: s.name,
		Position: in.Position,
	}, s.conn.ID(), false)
}

func (h *Hub) handlePing(s *session, in protocol.Inbound) {
	h.reply(s, protocol.Pong{
		Type:      protocol.TypePong,
		Timestamp: h.opts.Now().UnixMilli(),
	})
}

func (h *Hub) notInRoom(s *session, msgType string) {
	h.reply(s, protocol.Error{
		Type:    protocol.TypeError,
		Error:   protocol.ErrCodeNotInRoom,
		Message: fmt.Sprintf("join a room before sending %s", msgType),
	})
}

func toWire(ps []room.Participant) []protocol.Participant {
	out := make([]protocol.Participant, 0, len(ps))
	for _, p := range ps {
		wp := protocol.Participant{
			UserName:  p.Name,
			IsEditing: p.Editing,
			Active:    p.Active,
		}
		if p.HasCursor {
			line := p.CursorLine
			wp.CursorLine = &line
		}
		out = append(out, wp)
	}
	return out
}

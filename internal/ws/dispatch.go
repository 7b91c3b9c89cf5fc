package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

// reply sends v to a single session.
func (h *Hub) reply(s *session, v any) {
	payload, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("client", s.conn.ID()).Msg("reply dropped")
		return
	}
	h.deliver(s, payload)
}

// broadcast sends v to every member of roomID except excludeID. With mirror
// set the frame is also handed to the configured Mirror.
func (h *Hub) broadcast(roomID string, v any, excludeID string, mirror bool) {
	payload, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("broadcast dropped")
		return
	}
	h.fanout(roomID, payload, excludeID)
	if mirror && h.opts.Mirror != nil {
		h.opts.Mirror.Publish(roomID, payload)
	}
}

// fanout is fire-and-forget per recipient. It returns how many members the
// frame was queued for.
func (h *Hub) fanout(roomID string, payload []byte, excludeID string) int {
	delivered := 0
	for _, id := range h.registry.ConnIDs(roomID) {
		if id == excludeID {
			continue
		}
		s, ok := h.sessions[id]
		if !ok {
			continue
		}
		if h.deliver(s, payload) {
			delivered++
		}
	}
	return delivered
}

// deliver queues payload on the session's connection. A connection that
// cannot keep up is closed; its reader then unregisters it, which performs
// the leave.
func (h *Hub) deliver(s *session, payload []byte) bool {
	if s.conn.Send(payload) {
		return true
	}
	if st, ok := s.conn.(interface{ State() State }); ok && st.State() != StateOpen {
		log.Debug().Str("client", s.conn.ID()).Str("room", s.roomID).Stringer("state", st.State()).
			Msg("frame dropped for closing client")
		return false
	}
	log.Warn().Str("client", s.conn.ID()).Str("room", s.roomID).Msg("send buffer full, closing slow client")
	s.conn.Close()
	return false
}

package extern

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/room"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Store is the part of db.Database the history handlers use.
type Store interface {
	SaveCode(roomID, userName, title, code string, version int64) (*db.Snapshot, error)
	GetSnapshot(id int64) (*db.Snapshot, error)
	LatestCode(roomID string) (*db.Snapshot, error)
	ListHistory(roomID string, limit, offset int) ([]db.Snapshot, error)
}

// Documents exposes live room documents. save_code frames without code save
// the room's current document.
type Documents interface {
	Snapshot(roomID string) (room.Document, bool)
}

type History struct {
	store Store
	docs  Documents
}

func NewHistory(store Store, docs Documents) *History {
	return &History{store: store, docs: docs}
}

// Register installs the save_code, load_code and get_history handlers.
func (h *History) Register(hub *ws.Hub) {
	hub.Handle(protocol.TypeSaveCode, h.Save)
	hub.Handle(protocol.TypeLoadCode, h.Load)
	hub.Handle(protocol.TypeGetHistory, h.List)
}

type saveRequest struct {
	Title string  `json:"title"`
	Code  *string `json:"code"`
}

type loadRequest struct {
	ID *int64 `json:"id"`
}

type historyRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type CodeSaved struct {
	Type        string    `json:"type"`
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Version     int64     `json:"version"`
	ContentHash string    `json:"contentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

type CodeLoaded struct {
	Type      string    `json:"type"`
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Code      string    `json:"code"`
	Version   int64     `json:"version"`
	UserName  string    `json:"userName"`
	CreatedAt time.Time `json:"createdAt"`
}

type HistoryEntry struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	UserName    string    `json:"userName"`
	Version     int64     `json:"version"`
	ContentHash string    `json:"contentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

type HistoryData struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"roomId"`
	Entries []HistoryEntry `json:"entries"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *History) Save(ctx context.Context, req ws.ExternalRequest) {
	if req.RoomID == "" {
		h.fail(req, protocol.TypeError, protocol.ErrCodeNotInRoom, "join a room before saving")
		return
	}

	var body saveRequest
	if err := json.Unmarshal(req.Frame, &body); err != nil {
		h.fail(req, protocol.TypeError, "bad_request", "invalid save_code frame")
		return
	}

	var code string
	var version int64
	if body.Code != nil {
		code = *body.Code
	}
	if doc, ok := h.docs.Snapshot(req.RoomID); ok {
		version = doc.Version
		if body.Code == nil {
			code = doc.Content
		}
	}

	snap, err := h.store.SaveCode(req.RoomID, req.UserName, body.Title, code, version)
	if err != nil {
		log.Error().Err(err).Str("room", req.RoomID).Msg("save code failed")
		h.fail(req, protocol.TypeError, "save_failed", "could not save code")
		return
	}

	log.Info().Str("room", req.RoomID).Str("user", req.UserName).Int64("snapshot", snap.ID).Msg("code saved")
	h.reply(req, CodeSaved{
		Type:        protocol.TypeCodeSaved,
		ID:          snap.ID,
		Title:       snap.Title,
		Version:     snap.Version,
		ContentHash: snap.ContentHash,
		CreatedAt:   snap.CreatedAt,
	})
}

// Load replies with the requested snapshot, or the room's newest one when no
// id is given. Snapshots of other rooms are treated as missing.
func (h *History) Load(ctx context.Context, req ws.ExternalRequest) {
	if req.RoomID == "" {
		h.fail(req, protocol.TypeLoadCodeError, protocol.ErrCodeNotInRoom, "join a room before loading")
		return
	}

	var body loadRequest
	if err := json.Unmarshal(req.Frame, &body); err != nil {
		h.fail(req, protocol.TypeLoadCodeError, "bad_request", "invalid load_code frame")
		return
	}

	var snap *db.Snapshot
	var err error
	if body.ID != nil {
		snap, err = h.store.GetSnapshot(*body.ID)
	} else {
		snap, err = h.store.LatestCode(req.RoomID)
	}
	if err != nil {
		log.Error().Err(err).Str("room", req.RoomID).Msg("load code failed")
		h.fail(req, protocol.TypeLoadCodeError, "load_failed", "could not load code")
		return
	}
	if snap == nil || snap.RoomID != req.RoomID {
		h.fail(req, protocol.TypeLoadCodeError, "not_found", "no saved code found")
		return
	}

	h.reply(req, CodeLoaded{
		Type:      protocol.TypeCodeLoaded,
		ID:        snap.ID,
		Title:     snap.Title,
		Code:      snap.Code,
		Version:   snap.Version,
		UserName:  snap.UserName,
		CreatedAt: snap.CreatedAt,
	})
}

func (h *History) List(ctx context.Context, req ws.ExternalRequest) {
	if req.RoomID == "" {
		h.fail(req, protocol.TypeError, protocol.ErrCodeNotInRoom, "join a room before reading history")
		return
	}

	var body historyRequest
	if err := json.Unmarshal(req.Frame, &body); err != nil {
		h.fail(req, protocol.TypeError, "bad_request", "invalid get_history frame")
		return
	}
	if body.Limit <= 0 {
		body.Limit = defaultHistoryLimit
	}
	if body.Limit > maxHistoryLimit {
		body.Limit = maxHistoryLimit
	}
	if body.Offset < 0 {
		body.Offset = 0
	}

	snaps, err := h.store.ListHistory(req.RoomID, body.Limit, body.Offset)
	if err != nil {
		log.Error().Err(err).Str("room", req.RoomID).Msg("list history failed")
		h.fail(req, protocol.TypeError, "history_failed", "could not read history")
		return
	}

	entries := make([]HistoryEntry, 0, len(snaps))
	for _, s := range snaps {
		entries = append(entries, HistoryEntry{
			ID:          s.ID,
			Title:       s.Title,
			UserName:    s.UserName,
			Version:     s.Version,
			ContentHash: s.ContentHash,
			CreatedAt:   s.CreatedAt,
		})
	}
	h.reply(req, HistoryData{Type: protocol.TypeHistoryData, RoomID: req.RoomID, Entries: entries})
}

func (h *History) reply(req ws.ExternalRequest, v any) {
	if err := req.Reply(v); err != nil {
		log.Warn().Err(err).Str("client", req.ConnID).Str("type", req.Type).Msg("history reply dropped")
	}
}

func (h *History) fail(req ws.ExternalRequest, typ, code, message string) {
	h.reply(req, errorFrame{Type: typ, Error: code, Message: message})
}

// Unhandled logs frames of types no collaborator in this server owns.
func Unhandled(ctx context.Context, req ws.ExternalRequest) {
	log.Info().Str("room", req.RoomID).Str("user", req.UserName).Str("type", req.Type).
		Msgf("no %s service configured, frame ignored", req.Type)
}

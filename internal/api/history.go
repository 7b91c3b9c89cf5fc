package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/diff"
)

type SaveCodeRequest struct {
	RoomID   string  `json:"room_id"`
	Title    string  `json:"title"`
	UserName string  `json:"user_name"`
	Code     *string `json:"code"`
}

type SnapshotResponse struct {
	ID          int64     `json:"id"`
	RoomID      string    `json:"room_id"`
	Title       string    `json:"title"`
	UserName    string    `json:"user_name"`
	Code        string    `json:"code,omitempty"` // omitted in list view
	ContentHash string    `json:"content_hash"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

func snapshotResponse(s db.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:          s.ID,
		RoomID:      s.RoomID,
		Title:       s.Title,
		UserName:    s.UserName,
		Code:        s.Code,
		ContentHash: s.ContentHash,
		Version:     s.Version,
		CreatedAt:   s.CreatedAt,
	}
}

func (a *API) ListHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	limit, offset := pagination(r, 50)

	snaps, err := a.database.ListHistory(roomID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list history")
		return
	}

	response := make([]SnapshotResponse, len(snaps))
	for i, s := range snaps {
		response[i] = snapshotResponse(s)
	}

	total, _ := a.database.CountHistory(roomID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"history": response,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// SaveCodeHandler saves a snapshot. Without code in the body the room's live
// document is saved, which requires the room to be live.
func (a *API) SaveCodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req SaveCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RoomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	var code string
	var version int64
	doc, live := a.hub.Registry().Snapshot(req.RoomID)
	switch {
	case req.Code != nil:
		code = *req.Code
		version = doc.Version
	case live:
		code = doc.Content
		version = doc.Version
	default:
		errorResponse(w, http.StatusNotFound, "Room is not live and no code was given")
		return
	}

	snap, err := a.database.SaveCode(req.RoomID, req.UserName, req.Title, code, version)
	if err != nil {
		log.Error().Err(err).Str("room", req.RoomID).Msg("saving code over http")
		errorResponse(w, http.StatusInternalServerError, "Failed to save code")
		return
	}

	resp := snapshotResponse(*snap)
	resp.Code = ""
	jsonResponse(w, http.StatusCreated, resp)
}

func snapshotIDFromPath(r *http.Request) (int64, error) {
	path := strings.TrimPrefix(r.URL.Path, "/api/history/")
	return strconv.ParseInt(strings.TrimSuffix(path, "/"), 10, 64)
}

// GetSnapshotHandler retrieves a snapshot with its full code.
func (a *API) GetSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := snapshotIDFromPath(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid snapshot ID")
		return
	}

	snap, err := a.database.GetSnapshot(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get snapshot")
		return
	}
	if snap == nil {
		errorResponse(w, http.StatusNotFound, "Snapshot not found")
		return
	}

	jsonResponse(w, http.StatusOK, snapshotResponse(*snap))
}

func (a *API) DeleteSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id, err := snapshotIDFromPath(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid snapshot ID")
		return
	}

	if err := a.database.DeleteSnapshot(id); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete snapshot")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Snapshot deleted"})
}

// DiffHandler computes a line diff between two snapshots.
func (a *API) DiffHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	fromID, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'from' snapshot ID")
		return
	}

	toID, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'to' snapshot ID")
		return
	}

	from, err := a.database.GetSnapshot(fromID)
	if err != nil || from == nil {
		errorResponse(w, http.StatusNotFound, "From snapshot not found")
		return
	}

	to, err := a.database.GetSnapshot(toID)
	if err != nil || to == nil {
		errorResponse(w, http.StatusNotFound, "To snapshot not found")
		return
	}

	lines := diff.Lines(from.Code, to.Code)
	summary := map[string]int{}
	for _, l := range lines {
		summary[l.Type]++
	}

	fromResp, toResp := snapshotResponse(*from), snapshotResponse(*to)
	fromResp.Code, toResp.Code = "", ""

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from":    fromResp,
		"to":      toResp,
		"diff":    lines,
		"summary": summary,
	})
}

func (a *API) HistoryRouter(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "History storage disabled")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/history")

	// /api/history or /api/history/
	if path == "" || path == "/" {
		switch r.Method {
		case http.MethodGet:
			a.ListHistoryHandler(w, r)
		case http.MethodPost:
			a.SaveCodeHandler(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/history/diff
	if strings.HasPrefix(path, "/diff") {
		a.DiffHandler(w, r)
		return
	}

	// /api/history/{id}
	switch r.Method {
	case http.MethodGet:
		a.GetSnapshotHandler(w, r)
	case http.MethodDelete:
		a.DeleteSnapshotHandler(w, r)
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

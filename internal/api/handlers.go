package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/mirror"
	"github.com/manpreetbhatti/codeshare/internal/room"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

// MirrorStats reports how the room mirror is keeping up.
type MirrorStats interface {
	Stats() mirror.Stats
}

type API struct {
	hub      *ws.Hub
	database *db.Database
	mirror   MirrorStats
	now      func() time.Time
	roomPage int
}

func New(hub *ws.Hub, database *db.Database) *API {
	return &API{
		hub:      hub,
		database: database,
		now:      time.Now,
		roomPage: 500,
	}
}

func (a *API) SetMirror(m MirrorStats) {
	a.mirror = m
}

// Routes registers every endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/rooms", a.RoomsRouter)
	mux.HandleFunc("/api/rooms/", a.RoomsRouter)
	mux.HandleFunc("/api/history", a.HistoryRouter)
	mux.HandleFunc("/api/history/", a.HistoryRouter)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.hub.Registry().Stats()
	stats := map[string]interface{}{
		"active_rooms":   live.ActiveRooms,
		"live_rooms":     live.Rooms,
		"participants":   live.Participants,
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      a.now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["saved_rooms"] = dbStats.Rooms
			stats["saved_snapshots"] = dbStats.Snapshots
		} else {
			log.Warn().Err(err).Msg("reading database stats")
		}
	}
	if a.mirror != nil {
		stats["mirror"] = a.mirror.Stats()
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type ParticipantResponse struct {
	UserName   string `json:"user_name"`
	IsEditing  bool   `json:"is_editing"`
	CursorLine *int   `json:"cursor_line,omitempty"`
	Active     bool   `json:"active"`
}

type RoomResponse struct {
	ID             string                `json:"id"`
	Live           bool                  `json:"live"`
	Version        int64                 `json:"version"`
	ActiveUsers    int                   `json:"active_users"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	ModifiedBy     string                `json:"modified_by,omitempty"`
	Code           string                `json:"code,omitempty"`
	Participants   []ParticipantResponse `json:"participants,omitempty"`
	SavedSnapshots int                   `json:"saved_snapshots,omitempty"`
}

func liveRoom(info room.Info) RoomResponse {
	active := 0
	for _, p := range info.Participants {
		if p.Active {
			active++
		}
	}
	return RoomResponse{
		ID:          info.ID,
		Live:        true,
		Version:     info.Document.Version,
		ActiveUsers: active,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.LastActivity,
		ModifiedBy:  info.Document.ModifiedBy,
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit, offset := pagination(r, 20)

	byID := make(map[string]RoomResponse)
	for _, info := range a.hub.Registry().List(a.now()) {
		byID[info.ID] = liveRoom(info)
	}

	if a.database != nil {
		for page := 0; ; page += a.roomPage {
			saved, err := a.database.ListRooms(a.roomPage, page)
			if err != nil {
				log.Error().Err(err).Int("offset", page).Msg("listing saved rooms")
				errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
				return
			}
			for _, s := range saved {
				if _, live := byID[s.ID]; live {
					continue
				}
				byID[s.ID] = RoomResponse{ID: s.ID, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
			}
			if len(saved) < a.roomPage {
				break
			}
		}
	}

	rooms := make([]RoomResponse, 0, len(byID))
	for _, rr := range byID {
		rooms = append(rooms, rr)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	total := len(rooms)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  rooms[offset:end],
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func roomIDFromPath(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	return strings.TrimSuffix(path, "/")
}

// GetRoomHandler returns a room's live document and presence, plus how many
// snapshots were saved for it.
func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := roomIDFromPath(r)
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	var resp RoomResponse
	found := false
	if info, ok := a.hub.Registry().Info(roomID, a.now()); ok {
		found = true
		resp = liveRoom(info)
		resp.Code = info.Document.Content
		resp.Participants = make([]ParticipantResponse, 0, len(info.Participants))
		for _, p := range info.Participants {
			pr := ParticipantResponse{UserName: p.Name, IsEditing: p.Editing, Active: p.Active}
			if p.HasCursor {
				line := p.CursorLine
				pr.CursorLine = &line
			}
			resp.Participants = append(resp.Participants, pr)
		}
	}

	if a.database != nil {
		saved, err := a.database.GetRoom(roomID)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to get room")
			return
		}
		if saved != nil {
			if !found {
				resp = RoomResponse{ID: saved.ID, CreatedAt: saved.CreatedAt, UpdatedAt: saved.UpdatedAt}
				found = true
			}
			resp.SavedSnapshots, _ = a.database.CountHistory(roomID)
		}
	}

	if !found {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

// DeleteRoomHandler removes a room's saved history. Live rooms are untouched.
func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := roomIDFromPath(r)
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "History storage disabled")
		return
	}

	if err := a.database.DeleteRoom(roomID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room history deleted"})
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms")

	// /api/rooms or /api/rooms/
	if path == "" || path == "/" {
		switch r.Method {
		case http.MethodGet:
			a.ListRoomsHandler(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/rooms/{id}
	switch r.Method {
	case http.MethodGet:
		a.GetRoomHandler(w, r)
	case http.MethodDelete:
		a.DeleteRoomHandler(w, r)
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

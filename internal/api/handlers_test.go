package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/mirror"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

type nopConn struct{ id string }

func (c nopConn) ID() string            { return c.id }
func (c nopConn) Send(data []byte) bool { return true }
func (c nopConn) Close() error          { return nil }

type fixedMirror struct{}

func (fixedMirror) Stats() mirror.Stats { return mirror.Stats{Published: 7} }

func setupTestAPI(t *testing.T) (*API, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "codeshare-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(ws.DefaultOptions())
	go hub.Run()

	api := New(hub, database)

	cleanup := func() {
		hub.Stop()
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return api, cleanup
}

// joinLive puts a participant in roomID and optionally edits the document.
func joinLive(t *testing.T, api *API, connID, roomID, name, code string) {
	t.Helper()

	c := nopConn{id: connID}
	api.hub.Register(c)
	api.hub.Dispatch(c, []byte(fmt.Sprintf(`{"type":"join_room","room":%q,"userName":%q}`, roomID, name)))
	if code != "" {
		api.hub.Dispatch(c, []byte(fmt.Sprintf(`{"type":"code_change","code":%q}`, code)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, ok := api.hub.Registry().Snapshot(roomID)
		if ok && (code == "" || doc.Content == code) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never became live", roomID)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	api.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()
	api.SetMirror(fixedMirror{})

	joinLive(t, api, "c1", "stats-room", "alice", "")
	if _, err := api.database.SaveCode("stats-room", "alice", "", "x", 0); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()

	api.StatsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	for _, key := range []string{"active_rooms", "active_clients", "participants", "saved_rooms", "saved_snapshots", "mirror"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["active_rooms"] != float64(1) {
		t.Errorf("Expected 1 active room, got %v", response["active_rooms"])
	}
	if response["saved_snapshots"] != float64(1) {
		t.Errorf("Expected 1 saved snapshot, got %v", response["saved_snapshots"])
	}
}

func TestGetLiveRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	joinLive(t, api, "c1", "live-room", "alice", "print(1)")
	joinLive(t, api, "c2", "live-room", "bob", "")

	req := httptest.NewRequest("GET", "/api/rooms/live-room", nil)
	w := httptest.NewRecorder()

	api.GetRoomHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	if response["live"] != true {
		t.Error("Room should be live")
	}
	if response["code"] != "print(1)" {
		t.Errorf("Expected live code, got %v", response["code"])
	}
	if response["version"] != float64(1) {
		t.Errorf("Expected version 1, got %v", response["version"])
	}
	participants, ok := response["participants"].([]any)
	if !ok || len(participants) != 2 {
		t.Errorf("Expected 2 participants, got %v", response["participants"])
	}
}

func TestGetSavedRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.SaveCode("saved-room", "alice", "", "x", 0)
	api.database.SaveCode("saved-room", "alice", "", "y", 1)

	req := httptest.NewRequest("GET", "/api/rooms/saved-room", nil)
	w := httptest.NewRecorder()

	api.GetRoomHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	if response["live"] != false {
		t.Error("Room should not be live")
	}
	if response["saved_snapshots"] != float64(2) {
		t.Errorf("Expected 2 saved snapshots, got %v", response["saved_snapshots"])
	}
}

func TestGetRoomNotFound(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/api/rooms/non-existent", nil)
	w := httptest.NewRecorder()

	api.GetRoomHandler(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListRoomsMergesLiveAndSaved(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	joinLive(t, api, "c1", "room-a", "alice", "")
	api.database.SaveCode("room-a", "alice", "", "x", 0)
	for i := 0; i < 4; i++ {
		api.database.SaveCode("room-"+string(rune('b'+i)), "bob", "", "y", 0)
	}

	req := httptest.NewRequest("GET", "/api/rooms", nil)
	w := httptest.NewRecorder()

	api.ListRoomsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	rooms, ok := response["rooms"].([]any)
	if !ok {
		t.Fatal("Response should contain 'rooms' array")
	}
	if len(rooms) != 5 {
		t.Fatalf("Expected 5 rooms, got %d", len(rooms))
	}

	first := rooms[0].(map[string]any)
	if first["id"] != "room-a" || first["live"] != true {
		t.Errorf("Expected live room-a first, got %v", first)
	}
}

func TestListRoomsPagination(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		api.database.SaveCode("page-room-"+string(rune('a'+i)), "", "", "", 0)
	}

	req := httptest.NewRequest("GET", "/api/rooms?limit=3", nil)
	w := httptest.NewRecorder()

	api.ListRoomsHandler(w, req)

	response := decode(t, w)
	rooms := response["rooms"].([]any)
	if len(rooms) != 3 {
		t.Errorf("Expected 3 rooms with limit, got %d", len(rooms))
	}

	req = httptest.NewRequest("GET", "/api/rooms?limit=3&offset=8", nil)
	w = httptest.NewRecorder()

	api.ListRoomsHandler(w, req)

	response = decode(t, w)
	rooms = response["rooms"].([]any)
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms past offset, got %d", len(rooms))
	}
}

func TestListRoomsReadsEverySavedPage(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()
	api.roomPage = 4

	for i := 0; i < 10; i++ {
		if err := api.database.EnsureRoom(fmt.Sprintf("saved-%02d", i)); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}
	joinLive(t, api, "c1", "saved-03", "alice", "")

	req := httptest.NewRequest("GET", "/api/rooms?limit=5&offset=8", nil)
	w := httptest.NewRecorder()

	api.ListRoomsHandler(w, req)

	response := decode(t, w)
	if total := response["total"].(float64); total != 10 {
		t.Errorf("Expected total 10, got %v", total)
	}
	rooms := response["rooms"].([]any)
	if len(rooms) != 2 {
		t.Fatalf("Expected 2 rooms past offset 8, got %d", len(rooms))
	}
	if last := rooms[1].(map[string]any)["id"]; last != "saved-09" {
		t.Errorf("Expected saved-09 last, got %v", last)
	}
}

func TestDeleteRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	roomID := "delete-test-room"
	api.database.SaveCode(roomID, "alice", "", "x", 0)

	req := httptest.NewRequest("DELETE", "/api/rooms/"+roomID, nil)
	w := httptest.NewRecorder()

	api.DeleteRoomHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	room, _ := api.database.GetRoom(roomID)
	if room != nil {
		t.Error("Room should have been deleted")
	}
}

func TestRoomsRouter(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"GET /api/rooms - list", "GET", "/api/rooms", http.StatusOK},
		{"POST /api/rooms - not allowed", "POST", "/api/rooms", http.StatusMethodNotAllowed},
		{"GET /api/rooms/{id} - missing", "GET", "/api/rooms/nope", http.StatusNotFound},
		{"DELETE /api/rooms/{id}", "DELETE", "/api/rooms/nope", http.StatusOK},
		{"PUT /api/rooms/{id} - not allowed", "PUT", "/api/rooms/nope", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			api.RoomsRouter(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestSaveCodeFromLiveRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	joinLive(t, api, "c1", "save-room", "alice", "a = 1")

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"live document", `{"room_id":"save-room","title":"checkpoint"}`, http.StatusCreated},
		{"explicit code", `{"room_id":"cold-room","code":"b = 2"}`, http.StatusCreated},
		{"cold room without code", `{"room_id":"cold-room"}`, http.StatusNotFound},
		{"missing room", `{"title":"x"}`, http.StatusBadRequest},
		{"invalid json", `invalid json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/history", bytes.NewReader([]byte(tt.body)))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			api.HistoryRouter(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}

	latest, err := api.database.LatestCode("save-room")
	if err != nil || latest == nil {
		t.Fatalf("Expected a saved snapshot, got %v (%v)", latest, err)
	}
	if latest.Code != "a = 1" || latest.Version != 1 {
		t.Errorf("Expected live code at version 1, got %q at %d", latest.Code, latest.Version)
	}
}

func TestHistoryListGetAndDiff(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	from, _ := api.database.SaveCode("diff-room", "alice", "one", "a\nb\nc", 1)
	to, _ := api.database.SaveCode("diff-room", "bob", "two", "a\nB\nc\nd", 2)

	req := httptest.NewRequest("GET", "/api/history?room_id=diff-room", nil)
	w := httptest.NewRecorder()
	api.HistoryRouter(w, req)

	response := decode(t, w)
	history := response["history"].([]any)
	if len(history) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(history))
	}
	if _, hasCode := history[0].(map[string]any)["code"]; hasCode {
		t.Error("List view should omit code")
	}

	req = httptest.NewRequest("GET", fmt.Sprintf("/api/history/%d", from.ID), nil)
	w = httptest.NewRecorder()
	api.HistoryRouter(w, req)

	response = decode(t, w)
	if response["code"] != "a\nb\nc" {
		t.Errorf("Expected full code, got %v", response["code"])
	}

	req = httptest.NewRequest("GET", fmt.Sprintf("/api/history/diff?from=%d&to=%d", from.ID, to.ID), nil)
	w = httptest.NewRecorder()
	api.HistoryRouter(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	response = decode(t, w)
	summary := response["summary"].(map[string]any)
	if summary["added"] != float64(2) || summary["removed"] != float64(1) || summary["unchanged"] != float64(2) {
		t.Errorf("Unexpected diff summary %v", summary)
	}
}

func TestHistoryErrors(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"list without room", "GET", "/api/history", http.StatusBadRequest},
		{"bad id", "GET", "/api/history/abc", http.StatusBadRequest},
		{"missing snapshot", "GET", "/api/history/42", http.StatusNotFound},
		{"diff bad from", "GET", "/api/history/diff?from=x&to=1", http.StatusBadRequest},
		{"diff missing", "GET", "/api/history/diff?from=1&to=2", http.StatusNotFound},
		{"delete", "DELETE", "/api/history/42", http.StatusOK},
		{"put not allowed", "PUT", "/api/history", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			api.HistoryRouter(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

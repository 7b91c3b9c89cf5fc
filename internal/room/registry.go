// Package room holds the in-memory room table: membership, display-name
// uniqueness and the shared document of every room.
//
// Edits follow a last-write-wins, full-replace model. The registry never
// diffs or merges; every accepted edit replaces the content and bumps the
// version by one. Callers are expected to mutate a registry from a single
// dispatch path so that all members observe versions in the same order.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/advisory"
)

var (
	ErrMissingFields = errors.New("room id and display name are required")
	ErrNameConflict  = errors.New("display name already active in room")
	ErrNotInRoom     = errors.New("connection is not a member of the room")
)

type Registry struct {
	mu            sync.RWMutex
	rooms         map[string]*Room
	editingWindow time.Duration
}

func NewRegistry(editingWindow time.Duration) *Registry {
	return &Registry{
		rooms:         make(map[string]*Room),
		editingWindow: editingWindow,
	}
}

type JoinResult struct {
	RoomID       string
	Document     Document
	Participants []Participant
	Names        []string
	// Created is set when the join created the room.
	Created bool
	// Rejoined is set when the connection already held the name in the room.
	Rejoined bool
}

// Join adds connID to roomID under name, creating the room if needed. A name
// held by another connection yields ErrNameConflict and leaves the room as it
// was.
func (g *Registry) Join(roomID, name, connID string, now time.Time) (JoinResult, error) {
	if roomID == "" || name == "" || connID == "" {
		return JoinResult{}, ErrMissingFields
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, exists := g.rooms[roomID]
	if exists {
		if holder, ok := r.byName[name]; ok {
			if holder.connID != connID {
				return JoinResult{}, ErrNameConflict
			}
			r.touch(now)
			return g.result(r, now, false, true), nil
		}
	} else {
		r = newRoom(roomID, now)
		g.rooms[roomID] = r
	}

	// Same connection under a different name: the old entry goes.
	if old, ok := r.byConn[connID]; ok {
		r.remove(old, now)
	}

	r.add(&member{
		connID:   connID,
		name:     name,
		activity: advisory.NewActivity(g.editingWindow),
	})
	r.touch(now)

	return g.result(r, now, !exists, false), nil
}

func (g *Registry) result(r *Room, now time.Time, created, rejoined bool) JoinResult {
	return JoinResult{
		RoomID:       r.ID,
		Document:     r.doc,
		Participants: r.participants(now),
		Names:        r.names(),
		Created:      created,
		Rejoined:     rejoined,
	}
}

// Leave removes connID from roomID. It returns the departed participant and
// false when the connection was not a member or the room does not exist.
func (g *Registry) Leave(roomID, connID string, now time.Time) (Participant, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return Participant{}, false
	}
	m, ok := r.byConn[connID]
	if !ok {
		return Participant{}, false
	}

	p := m.snapshot(now)
	p.Active = false
	r.remove(m, now)
	r.touch(now)
	return p, true
}

// ApplyEdit replaces the document of roomID with content on behalf of connID.
// There is no stale-version check.
func (g *Registry) ApplyEdit(roomID, connID, content string, now time.Time) (Document, Participant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return Document{}, Participant{}, ErrNotInRoom
	}
	m, ok := r.byConn[connID]
	if !ok {
		return Document{}, Participant{}, ErrNotInRoom
	}

	m.activity.Observe(now)
	doc := r.replace(content, m.name, now)
	r.touch(now)
	return doc, m.snapshot(now), nil
}

// UpdateCursor records the last known cursor line of connID.
func (g *Registry) UpdateCursor(roomID, connID string, line int, now time.Time) (Participant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return Participant{}, ErrNotInRoom
	}
	m, ok := r.byConn[connID]
	if !ok {
		return Participant{}, ErrNotInRoom
	}

	m.cursorLine = line
	m.hasCursor = true
	r.touch(now)
	return m.snapshot(now), nil
}

func (g *Registry) Member(roomID, connID string, now time.Time) (Participant, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return Participant{}, false
	}
	m, ok := r.byConn[connID]
	if !ok {
		return Participant{}, false
	}
	return m.snapshot(now), true
}

func (g *Registry) ListParticipants(roomID string, now time.Time) []Participant {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	return r.participants(now)
}

// Names returns the sorted display names in roomID.
func (g *Registry) Names(roomID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	return r.names()
}

// ConnIDs returns the connections currently in roomID.
func (g *Registry) ConnIDs(roomID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.byConn))
	for id := range r.byConn {
		ids = append(ids, id)
	}
	return ids
}

func (g *Registry) Snapshot(roomID string) (Document, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return Document{}, false
	}
	return r.doc, true
}

// SweepIdle deletes rooms that have had no members for at least idleAfter and
// returns their ids.
func (g *Registry) SweepIdle(now time.Time, idleAfter time.Duration) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []string
	for id, r := range g.rooms {
		if len(r.byConn) > 0 || r.IdleSince.IsZero() {
			continue
		}
		if now.Sub(r.IdleSince) >= idleAfter {
			delete(g.rooms, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

type Stats struct {
	Rooms        int
	ActiveRooms  int
	Participants int
}

func (g *Registry) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Stats{Rooms: len(g.rooms)}
	for _, r := range g.rooms {
		if n := len(r.byConn); n > 0 {
			s.ActiveRooms++
			s.Participants += n
		}
	}
	return s
}

// ActiveRooms maps every room with members to its member count.
func (g *Registry) ActiveRooms() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	active := make(map[string]int)
	for id, r := range g.rooms {
		if n := len(r.byConn); n > 0 {
			active[id] = n
		}
	}
	return active
}

type Info struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	IdleSince    time.Time
	Document     Document
	Participants []Participant
}

func (g *Registry) Info(roomID string, now time.Time) (Info, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return r.info(now), true
}

// List returns every room, idle ones included, sorted by id.
func (g *Registry) List(now time.Time) []Info {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Info, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r.info(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Room) info(now time.Time) Info {
	return Info{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		IdleSince:    r.IdleSince,
		Document:     r.doc,
		Participants: r.participants(now),
	}
}

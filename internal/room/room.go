package room

import (
	"sort"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/advisory"
)

// Document is the shared text of a room. Version starts at 0 and grows by one
// with every accepted edit.
type Document struct {
	Content    string
	Version    int64
	ModifiedBy string
	ModifiedAt time.Time
}

// Participant is a read-only projection of a member used for presence.
type Participant struct {
	ConnID     string
	Name       string
	Editing    bool
	CursorLine int
	HasCursor  bool
	Active     bool
}

type member struct {
	connID     string
	name       string
	activity   advisory.Activity
	cursorLine int
	hasCursor  bool
}

// A collaborative editing session
type Room struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	// Zero while the room has members.
	IdleSince time.Time

	byConn map[string]*member
	byName map[string]*member
	doc    Document
}

func newRoom(id string, now time.Time) *Room {
	return &Room{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		byConn:       make(map[string]*member),
		byName:       make(map[string]*member),
	}
}

func (r *Room) touch(now time.Time) {
	if now.After(r.LastActivity) {
		r.LastActivity = now
	}
}

func (r *Room) add(m *member) {
	r.byConn[m.connID] = m
	r.byName[m.name] = m
	r.IdleSince = time.Time{}
}

func (r *Room) remove(m *member, now time.Time) {
	delete(r.byConn, m.connID)
	delete(r.byName, m.name)
	if len(r.byConn) == 0 {
		r.IdleSince = now
	}
}

// replace is the only place document content changes.
func (r *Room) replace(content, modifier string, now time.Time) Document {
	r.doc = Document{
		Content:    content,
		Version:    r.doc.Version + 1,
		ModifiedBy: modifier,
		ModifiedAt: now,
	}
	return r.doc
}

func (r *Room) participants(now time.Time) []Participant {
	out := make([]Participant, 0, len(r.byConn))
	for _, m := range r.byConn {
		out = append(out, m.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Room) names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *member) snapshot(now time.Time) Participant {
	return Participant{
		ConnID:     m.connID,
		Name:       m.name,
		Editing:    m.activity.Editing(now),
		CursorLine: m.cursorLine,
		HasCursor:  m.hasCursor,
		Active:     true,
	}
}

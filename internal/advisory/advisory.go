// Package advisory decides, on the sending side, whether an outgoing edit is
// likely to collide with someone else's work. It never blocks an edit by
// itself: a risky edit is sent only after the user confirms it, and then with
// the forced flag set.
package advisory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/diff"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

const (
	DefaultEditingWindow    = 20 * time.Second
	DefaultRemoteEditWindow = 30 * time.Second
	DefaultLineProximity    = 1
)

type Config struct {
	// How long a peer counts as editing after its last edit.
	EditingWindow time.Duration
	// A remote edit younger than this makes every local edit risky.
	RemoteEditWindow time.Duration
	// Touched lines within this distance of a peer cursor are risky.
	LineProximity int
}

func DefaultConfig() Config {
	return Config{
		EditingWindow:    DefaultEditingWindow,
		RemoteEditWindow: DefaultRemoteEditWindow,
		LineProximity:    DefaultLineProximity,
	}
}

type peer struct {
	activity   Activity
	cursorLine int
	hasCursor  bool
}

// Context is the per-sender view of the room that feeds Assess. It is rebuilt
// from received frames and never persisted.
type Context struct {
	cfg            Config
	mu             sync.Mutex
	peers          map[string]*peer
	lastRemoteEdit time.Time
}

func NewContext(cfg Config) *Context {
	return &Context{
		cfg:   cfg,
		peers: make(map[string]*peer),
	}
}

func (c *Context) peer(name string) *peer {
	p, ok := c.peers[name]
	if !ok {
		p = &peer{activity: NewActivity(c.cfg.EditingWindow)}
		c.peers[name] = p
	}
	return p
}

// Seed replaces the peer table with a participant list from a join frame.
// self is skipped.
func (c *Context) Seed(self string, participants []protocol.Participant, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peers = make(map[string]*peer, len(participants))
	for _, p := range participants {
		if p.UserName == self {
			continue
		}
		st := c.peer(p.UserName)
		if p.IsEditing {
			st.activity.Observe(now)
		}
		if p.CursorLine != nil {
			st.cursorLine = *p.CursorLine
			st.hasCursor = true
		}
	}
}

// RemoteEdit records a code_change received from another participant.
func (c *Context) RemoteEdit(user string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peer(user).activity.Observe(now)
	if now.After(c.lastRemoteEdit) {
		c.lastRemoteEdit = now
	}
}

// RemoteCursor records another participant's cursor line.
func (c *Context) RemoteCursor(user string, line int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.peer(user)
	p.cursorLine = line
	p.hasCursor = true
}

func (c *Context) PeerLeft(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, user)
}

func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = make(map[string]*peer)
	c.lastRemoteEdit = time.Time{}
}

// Assessment is the outcome of Assess.
type Assessment struct {
	Risky            bool
	EditingPeers     []string
	NearbyPeers      []string
	RecentRemoteEdit bool
	LastRemoteEdit   time.Time
}

// Assess classifies an edit touching the given 1-based lines. touched may be nil
// when the caller does not track lines; only the coarse checks apply then.
func (c *Context) Assess(now time.Time, touched []int) Assessment {
	c.mu.Lock()
	defer c.mu.Unlock()

	var a Assessment
	for name, p := range c.peers {
		if p.activity.Editing(now) {
			a.EditingPeers = append(a.EditingPeers, name)
			continue
		}
		if p.hasCursor && nearAny(p.cursorLine, touched, c.cfg.LineProximity) {
			a.NearbyPeers = append(a.NearbyPeers, name)
		}
	}
	sort.Strings(a.EditingPeers)
	sort.Strings(a.NearbyPeers)

	if !c.lastRemoteEdit.IsZero() {
		a.LastRemoteEdit = c.lastRemoteEdit
		a.RecentRemoteEdit = now.Sub(c.lastRemoteEdit) < c.cfg.RemoteEditWindow
	}

	a.Risky = len(a.EditingPeers) > 0 || len(a.NearbyPeers) > 0 || a.RecentRemoteEdit
	return a
}

func nearAny(line int, touched []int, proximity int) bool {
	for _, t := range touched {
		d := t - line
		if d < 0 {
			d = -d
		}
		if d <= proximity {
			return true
		}
	}
	return false
}

// Reason renders the assessment for a confirmation prompt.
func (a Assessment) Reason() string {
	if !a.Risky {
		return ""
	}
	var parts []string
	if len(a.EditingPeers) > 0 {
		parts = append(parts, fmt.Sprintf("%s currently editing", strings.Join(a.EditingPeers, ", ")))
	}
	if len(a.NearbyPeers) > 0 {
		parts = append(parts, fmt.Sprintf("%s has a cursor near your change", strings.Join(a.NearbyPeers, ", ")))
	}
	if a.RecentRemoteEdit {
		parts = append(parts, fmt.Sprintf("remote edit at %s", a.LastRemoteEdit.Format("15:04:05")))
	}
	return strings.Join(parts, "; ")
}

// ChangedLines returns the sorted 1-based lines an edit from old to new touches:
// removed lines by their old number and added lines by their new number.
func ChangedLines(oldContent, newContent string) []int {
	seen := make(map[int]struct{})
	for _, l := range diff.Lines(oldContent, newContent) {
		switch l.Type {
		case diff.Removed:
			seen[l.OldLine] = struct{}{}
		case diff.Added:
			seen[l.NewLine] = struct{}{}
		}
	}
	lines := make([]int, 0, len(seen))
	for l := range seen {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

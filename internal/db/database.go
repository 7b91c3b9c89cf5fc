// Package db stores saved code snapshots in sqlite. It backs the save_code,
// load_code and get_history frames and the history HTTP endpoints; live room
// documents are never written here.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is a saved copy of a room's code.
type Snapshot struct {
	ID          int64     `json:"id"`
	RoomID      string    `json:"room_id"`
	UserName    string    `json:"user_name"`
	Title       string    `json:"title"`
	Code        string    `json:"code,omitempty"`
	ContentHash string    `json:"content_hash"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// foreign_keys is per connection, so it goes in the DSN
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	// WAL lets the HTTP API read while handlers write
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS code_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		code TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_code_history_room ON code_history(room_id, id DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// HashContent is the short content fingerprint stored with each snapshot.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

// Room operations

func (d *Database) EnsureRoom(id string) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (id) VALUES (?)
		ON CONFLICT(id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, id)
	return err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow("SELECT id, created_at, updated_at FROM rooms WHERE id = ?", id)

	var room Room
	err := row.Scan(&room.ID, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) DeleteRoom(id string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	return err
}

// Snapshot operations

// SaveCode stores code for roomID. An empty title gets a timestamped default.
func (d *Database) SaveCode(roomID, userName, title, code string, version int64) (*Snapshot, error) {
	if err := d.EnsureRoom(roomID); err != nil {
		return nil, err
	}
	if title == "" {
		title = fmt.Sprintf("Saved %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	result, err := d.db.Exec(`
		INSERT INTO code_history (room_id, user_name, title, code, content_hash, version)
		VALUES (?, ?, ?, ?, ?, ?)
	`, roomID, userName, title, code, HashContent(code), version)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetSnapshot(id)
}

const snapshotColumns = "id, room_id, user_name, title, code, content_hash, version, created_at"

func scanSnapshot(scan func(dest ...any) error) (*Snapshot, error) {
	var s Snapshot
	if err := scan(&s.ID, &s.RoomID, &s.UserName, &s.Title, &s.Code, &s.ContentHash, &s.Version, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) GetSnapshot(id int64) (*Snapshot, error) {
	row := d.db.QueryRow("SELECT "+snapshotColumns+" FROM code_history WHERE id = ?", id)
	s, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// LatestCode returns the newest snapshot of roomID, or nil.
func (d *Database) LatestCode(roomID string) (*Snapshot, error) {
	row := d.db.QueryRow(
		"SELECT "+snapshotColumns+" FROM code_history WHERE room_id = ? ORDER BY id DESC LIMIT 1",
		roomID,
	)
	s, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListHistory returns snapshots of roomID newest first, without their code.
func (d *Database) ListHistory(roomID string, limit, offset int) ([]Snapshot, error) {
	rows, err := d.db.Query(
		"SELECT "+snapshotColumns+" FROM code_history WHERE room_id = ? ORDER BY id DESC LIMIT ? OFFSET ?",
		roomID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		s.Code = ""
		history = append(history, *s)
	}
	return history, rows.Err()
}

func (d *Database) CountHistory(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM code_history WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

func (d *Database) DeleteSnapshot(id int64) error {
	_, err := d.db.Exec("DELETE FROM code_history WHERE id = ?", id)
	return err
}

// PruneHistory keeps the newest keep snapshots of roomID and returns how many
// were deleted.
func (d *Database) PruneHistory(roomID string, keep int) (int64, error) {
	result, err := d.db.Exec(`
		DELETE FROM code_history
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM code_history
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

type Stats struct {
	Rooms     int `json:"rooms"`
	Snapshots int `json:"snapshots"`
}

func (d *Database) GetStats() (Stats, error) {
	var s Stats
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&s.Rooms); err != nil {
		return s, err
	}
	if err := d.db.QueryRow("SELECT COUNT(*) FROM code_history").Scan(&s.Snapshots); err != nil {
		return s, err
	}
	return s, nil
}

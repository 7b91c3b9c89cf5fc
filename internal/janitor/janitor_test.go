package janitor

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls int
	idle  []time.Duration
}

func (c *countingSweeper) Sweep(idleAfter time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.idle = append(c.idle, idleAfter)
	return nil
}

func (c *countingSweeper) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type failingPruner struct{}

func (failingPruner) ListRooms(limit, offset int) ([]db.Room, error) {
	return nil, errors.New("database is locked")
}

func (failingPruner) PruneHistory(string, int) (int64, error) { return 0, nil }

func TestRunOncePrunesHistory(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()

	for i := 0; i < 5; i++ {
		_, err := database.SaveCode("r1", "alice", "", "x", int64(i))
		require.NoError(t, err)
	}
	_, err = database.SaveCode("r2", "bob", "", "y", 0)
	require.NoError(t, err)

	sweeper := &countingSweeper{}
	svc := New(sweeper, database, Config{Interval: time.Hour, RoomIdleAfter: time.Minute, HistoryKeep: 2})

	res := svc.RunOnce()
	assert.Equal(t, int64(3), res.SnapshotsDeleted)
	assert.Equal(t, []time.Duration{time.Minute}, sweeper.idle)

	count, err := database.CountHistory("r1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	count, err = database.CountHistory("r2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunOnceSweepsIdleRooms(t *testing.T) {
	hub := ws.NewHub(ws.DefaultOptions())
	go hub.Run()
	defer hub.Stop()

	// a room only exists while it has been joined; nothing to sweep yet
	svc := New(hub, nil, Config{Interval: time.Hour, RoomIdleAfter: 0})
	res := svc.RunOnce()
	assert.Empty(t, res.RoomsRemoved)
	assert.Zero(t, res.SnapshotsDeleted)
}

func TestRunOnceSurvivesStoreErrors(t *testing.T) {
	svc := New(&countingSweeper{}, failingPruner{}, DefaultConfig())
	assert.Zero(t, svc.RunOnce().SnapshotsDeleted)
}

func TestServiceTicks(t *testing.T) {
	sweeper := &countingSweeper{}
	svc := New(sweeper, nil, Config{Interval: 10 * time.Millisecond, RoomIdleAfter: time.Minute})
	svc.Start()

	require.Eventually(t, func() bool { return sweeper.count() >= 2 }, time.Second, 5*time.Millisecond)
	svc.Stop()
	svc.Stop()

	n := sweeper.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sweeper.count(), "no sweeps after Stop")
}

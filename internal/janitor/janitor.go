// Package janitor periodically drops rooms nobody has used for a while and
// trims saved code history.
package janitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/db"
)

type Config struct {
	Interval      time.Duration
	RoomIdleAfter time.Duration
	// Snapshots kept per room. Zero disables pruning.
	HistoryKeep int
}

func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		RoomIdleAfter: 10 * time.Minute,
		HistoryKeep:   50,
	}
}

// Sweeper removes empty rooms. ws.Hub implements it through its dispatch path.
type Sweeper interface {
	Sweep(idleAfter time.Duration) []string
}

// Pruner is the part of db.Database the janitor uses.
type Pruner interface {
	ListRooms(limit, offset int) ([]db.Room, error)
	PruneHistory(roomID string, keep int) (int64, error)
}

const roomPage = 500

type Service struct {
	sweeper Sweeper
	pruner  Pruner
	config  Config
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New builds a janitor. pruner may be nil when no history store is configured.
func New(sweeper Sweeper, pruner Pruner, config Config) *Service {
	return &Service{
		sweeper: sweeper,
		pruner:  pruner,
		config:  config,
		stop:    make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Info().
		Dur("interval", s.config.Interval).
		Dur("room_idle", s.config.RoomIdleAfter).
		Int("history_keep", s.config.HistoryKeep).
		Msg("janitor started")
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Info().Msg("janitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

type Result struct {
	RoomsRemoved     []string
	SnapshotsDeleted int64
}

// RunOnce performs one sweep and one prune pass.
func (s *Service) RunOnce() Result {
	var res Result
	res.RoomsRemoved = s.sweeper.Sweep(s.config.RoomIdleAfter)
	if len(res.RoomsRemoved) > 0 {
		log.Info().Int("rooms", len(res.RoomsRemoved)).Msg("idle rooms removed")
	}

	if s.pruner != nil && s.config.HistoryKeep > 0 {
		res.SnapshotsDeleted = s.pruneAll()
	}
	return res
}

func (s *Service) pruneAll() int64 {
	var total int64
	for offset := 0; ; offset += roomPage {
		rooms, err := s.pruner.ListRooms(roomPage, offset)
		if err != nil {
			log.Error().Err(err).Msg("janitor: list rooms failed")
			return total
		}
		for _, r := range rooms {
			n, err := s.pruner.PruneHistory(r.ID, s.config.HistoryKeep)
			if err != nil {
				log.Warn().Err(err).Str("room", r.ID).Msg("janitor: prune history failed")
				continue
			}
			total += n
		}
		if len(rooms) < roomPage {
			break
		}
	}
	if total > 0 {
		log.Info().Int64("snapshots", total).Msg("history pruned")
	}
	return total
}

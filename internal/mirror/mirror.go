// Package mirror copies room events to Redis pub/sub so dashboards and other
// processes can follow a room without joining it.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultPrefix = "codeshare:room:"

type Config struct {
	Prefix         string
	QueueSize      int
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Prefix:         DefaultPrefix,
		QueueSize:      1024,
		PublishTimeout: 2 * time.Second,
	}
}

// publisher is the part of *redis.Client the mirror uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type message struct {
	channel string
	payload []byte
}

// Redis publishes frames in the order they were handed over. Publish never
// blocks; when the queue is full the frame is dropped and counted.
type Redis struct {
	client publisher
	config Config

	mu     sync.RWMutex
	closed bool
	queue  chan message
	wg     sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Dial connects to addr and checks it answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

func New(client publisher, config Config) *Redis {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultConfig().PublishTimeout
	}
	m := &Redis{
		client: client,
		config: config,
		queue:  make(chan message, config.QueueSize),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Redis) Channel(roomID string) string {
	return m.config.Prefix + roomID
}

func (m *Redis) Publish(roomID string, frame []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	select {
	case m.queue <- message{channel: m.Channel(roomID), payload: frame}:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Str("room", roomID).Uint64("dropped", n).Msg("mirror queue full, frame dropped")
		}
	}
}

func (m *Redis) run() {
	defer m.wg.Done()
	for msg := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.PublishTimeout)
		err := m.client.Publish(ctx, msg.channel, msg.payload).Err()
		cancel()
		if err != nil {
			m.failed.Add(1)
			log.Warn().Err(err).Str("channel", msg.channel).Msg("mirror publish failed")
			continue
		}
		m.published.Add(1)
	}
}

// Close stops accepting frames and waits for queued ones to be published or
// for ctx to end.
func (m *Redis) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Redis) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
		Failed:    m.failed.Load(),
	}
}

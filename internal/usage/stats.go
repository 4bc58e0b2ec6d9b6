package usage

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/secinv-io/secinv-mcp/internal/registry"
)

const statsQueueSize = 256

// Stats writes one data point per dispatch to a Store. Writes happen on a
// background goroutine; when the queue is full the event is dropped.
type Stats struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan registry.Event
	done   chan struct{}
}

type StatsOption func(*Stats)

func WithStatsLogger(l *slog.Logger) StatsOption {
	return func(s *Stats) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewStats(store *Store, opts ...StatsOption) *Stats {
	s := &Stats{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		queue:  make(chan registry.Event, statsQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *Stats) Observe(e registry.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("usage queue full, dropping event", "name", e.Name, "request_id", e.RequestID)
	}
}

// Close drains pending events. The store itself stays open.
func (s *Stats) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Stats) run() {
	defer close(s.done)
	for e := range s.queue {
		if err := s.store.Track(DispatchKey, s.now(), dispatchValues(e)); err != nil {
			s.logger.Warn("usage track failed", "name", e.Name, "request_id", e.RequestID, "error", err)
		}
	}
}

func dispatchValues(e registry.Event) map[string]any {
	return map[string]any{
		"count":       1,
		Outcome(e.Err): 1,
		"duration_ms": e.Duration.Milliseconds(),
		"surfaces": map[string]any{
			string(e.Surface): 1,
		},
		"names": map[string]any{
			eventName(e): 1,
		},
	}
}

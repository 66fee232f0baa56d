package snapshot

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/store"
)

// Scheduler runs periodic exports to one or more destinations.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger
	now          func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports from the store to the given
// destinations every interval.
func NewScheduler(st store.Store, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        st,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
		now:          time.Now,
	}
}

// Start exports once immediately, then on each tick, until Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for a running export to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce exports and writes to every destination. Destination failures
// are logged and do not stop the others; it returns how many succeeded.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := s.now()
	var buf bytes.Buffer
	if err := Export(ctx, s.store, &buf, start); err != nil {
		s.logger.Error("snapshot export failed", "err", err)
		return 0
	}
	data := buf.Bytes()

	ok := 0
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			s.logger.Error("snapshot destination write failed", "destination", i, "err", err)
			continue
		}
		ok++
	}

	s.logger.Info("snapshot completed",
		"destinations", ok,
		"bytes", len(data),
		"duration", s.now().Sub(start),
	)
	return ok
}

package tier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler periodically promotes every StoreGroup of a manager.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	clock    clockwork.Clock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats schedulerStats
}

type schedulerStats struct {
	Runs        atomic.Int64
	Failures    atomic.Int64
	ChunksMoved atomic.Int64
}

// SchedulerStats is a snapshot of scheduler counters.
type SchedulerStats struct {
	Running     bool
	Runs        int64
	Failures    int64
	ChunksMoved int64
}

// NewScheduler creates a scheduler running every interval.
func NewScheduler(m *Manager, interval time.Duration, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{manager: m, interval: interval, clock: clock}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop ends the loop and waits for a running promotion to finish.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.RunOnce(ctx)
		}
	}
}

// RunOnce promotes every timeframe once.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.stats.Runs.Add(1)
	for _, tf := range s.manager.Timeframes() {
		n, err := s.manager.Promote(ctx, tf)
		s.stats.ChunksMoved.Add(int64(n))
		if err != nil {
			s.stats.Failures.Add(1)
			s.manager.logger.Error("promotion failed", "timeframe", tf, "error", err)
		}
	}
}

// Stats returns current counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Running:     s.running.Load(),
		Runs:        s.stats.Runs.Load(),
		Failures:    s.stats.Failures.Load(),
		ChunksMoved: s.stats.ChunksMoved.Load(),
	}
}

// Package sweeper periodically reports expired task locks.
//
// Expiry is lazy: an expired lock is simply ignored at the next claim. The
// sweeper only makes that visible by emitting one lock.expired audit record
// per lock instance. It never changes a task.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"capacity-engine/pkg/audit"
	"capacity-engine/pkg/task"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = time.Minute

// Sweeper scans for in-flight tasks whose lock has expired.
type Sweeper struct {
	tasks    task.Store
	sink     audit.Sink
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	reported map[string]bool // lockKey -> already emitted
}

// New creates a Sweeper.
func New(tasks task.Store, sink audit.Sink, logger *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		tasks:    tasks,
		sink:     sink,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		reported: make(map[string]bool),
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Seed marks locks already reported in history so a restart does not repeat
// them.
func (s *Sweeper) Seed(ctx context.Context, history audit.Store, limit int) error {
	events, err := history.ByType(ctx, audit.LockExpired, limit)
	if err != nil {
		return fmt.Errorf("seed sweeper: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if acquired, ok := e.Content["acquired_at"].(string); ok {
			s.reported[e.TaskID+"|"+acquired] = true
		}
	}
	return nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper running", zap.Duration("interval", s.interval))

	s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper shutting down")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Sweeper) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sweep", zap.Any("panic", r))
		}
	}()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired locks reported", zap.Int("count", n))
	}
}

// Sweep scans every capacity concurrently and emits lock.expired for each
// expired lock not yet reported. It returns the number of records emitted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	found := make([][]task.Task, len(task.Capacities))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range task.Capacities {
		g.Go(func() error {
			ts, err := s.tasks.List(gctx, task.Filter{
				Capacity: c,
				Statuses: []task.Status{task.StatusClaimed, task.StatusActive, task.StatusBlocked},
			})
			if err != nil {
				return fmt.Errorf("scan %s: %w", c, err)
			}
			for _, t := range ts {
				if t.Lock != nil && !t.Lock.Live(now) {
					found[i] = append(found[i], t)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool)
	emitted := 0
	for _, group := range found {
		for _, t := range group {
			key := lockKey(t.ID, t.Lock)
			current[key] = true
			if s.reported[key] {
				continue
			}
			s.sink.Emit(ctx, audit.Record{
				Type:   audit.LockExpired,
				TaskID: t.ID,
				Actor:  t.Lock.HolderID,
				Content: map[string]any{
					"status":      string(t.Status),
					"capacity":    string(t.Capacity),
					"acquired_at": t.Lock.AcquiredAt.UTC().Format(time.RFC3339Nano),
					"expired_at":  t.Lock.ExpiresAt.UTC().Format(time.RFC3339Nano),
				},
			})
			s.reported[key] = true
			emitted++
		}
	}
	// Locks that were reclaimed or released no longer need remembering.
	for key := range s.reported {
		if !current[key] {
			delete(s.reported, key)
		}
	}
	return emitted, nil
}

func lockKey(taskID string, l *task.Lock) string {
	return taskID + "|" + l.AcquiredAt.UTC().Format(time.RFC3339Nano)
}

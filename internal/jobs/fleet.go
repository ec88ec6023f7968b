package jobs

import (
	"context"
	"errors"
	"sync"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
)

// Names of the jobs Register installs.
const (
	SnapshotJob = "snapshot"
	SweepJob    = "sweep"
)

// Fleet is the pair of engine jobs installed on a Scheduler.
type Fleet struct {
	Scheduler *Scheduler
	Engine    engine.Engine

	mu   sync.Mutex
	last domain.SnapshotInfo
}

// Register adds the snapshot build and retention sweep jobs for e, timed
// from e.Config.
func Register(s *Scheduler, e engine.Engine) (*Fleet, error) {
	f := &Fleet{Scheduler: s, Engine: e}
	cfg := e.Config
	if err := s.Add(Job{
		Name:         SnapshotJob,
		Interval:     cfg.Snapshot.Interval.Std(),
		InitialDelay: cfg.Snapshot.InitialDelay.Std(),
		Timeout:      cfg.Snapshot.Timeout.Std(),
		Run:          f.buildSnapshot,
	}); err != nil {
		return nil, err
	}
	if err := s.Add(Job{
		Name:         SweepJob,
		Interval:     cfg.Retention.SweepInterval.Std(),
		InitialDelay: cfg.Retention.SweepDelay.Std(),
		Run: func(ctx context.Context) error {
			_, err := e.Sweep(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fleet) buildSnapshot(ctx context.Context) error {
	info, err := f.Engine.GenerateSnapshot(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.last = info
	f.mu.Unlock()
	return nil
}

// GenerateSnapshot triggers the snapshot job and returns the snapshot it
// built. When the scheduler is not running it builds on the caller's
// goroutine instead.
func (f *Fleet) GenerateSnapshot(ctx context.Context) (domain.SnapshotInfo, error) {
	err := f.Scheduler.Trigger(ctx, SnapshotJob)
	if errors.Is(err, ErrNotRunning) {
		return f.Engine.GenerateSnapshot(ctx)
	}
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

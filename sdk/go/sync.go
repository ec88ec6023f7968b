package fleetwatchsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/projection"
)

// ErrResync is returned by CatchUp when the server can no longer serve the
// client's cursor. The local state has been discarded; call Bootstrap.
var ErrResync = errors.New("sync cursor lost, re-bootstrap required")

// ErrNoBaseline is returned by Bootstrap when the server retains no snapshot
// and has already purged the start of its log, so neither path can rebuild
// state. It clears once the server builds a snapshot.
var ErrNoBaseline = errors.New("no snapshot retained and log history purged")

// State is a copy of the Syncer's local view.
type State struct {
	Synced     bool
	SnapshotID string
	LastSeq    int64
	Agents     map[string]domain.AgentState
}

// Syncer keeps a local copy of every agent's state: it bootstraps from the
// latest snapshot and then applies delta pages, folding with the same
// registry the server projects with.
type Syncer struct {
	Client   *Client
	Registry *projection.Registry
	PageSize int
	Interval time.Duration
	Logger   *slog.Logger

	mu         sync.RWMutex
	synced     bool
	snapshotID string
	lastSeq    int64
	agents     map[string]domain.AgentState
}

// NewSyncer returns an uninitialized Syncer reading from c.
func NewSyncer(c *Client) *Syncer {
	return &Syncer{
		Client:   c,
		Registry: projection.NewRegistry(),
		PageSize: 500,
		Interval: 5 * time.Second,
	}
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Bootstrap replaces local state with the latest snapshot. With no
// snapshot retained it starts from an empty state at seq 0, provided the
// server still holds the log from its first event; otherwise it returns
// ErrNoBaseline and leaves the current state alone.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	snap, err := s.Client.LatestSnapshot(ctx)
	if isCode(err, CodeSnapshotUnavailable) {
		head, herr := s.Client.MaxSeq(ctx)
		if herr != nil {
			return fmt.Errorf("bootstrap: %w", herr)
		}
		if head.Floor > 0 {
			return fmt.Errorf("bootstrap: floor %d: %w", head.Floor, ErrNoBaseline)
		}
	} else if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	agents := make(map[string]domain.AgentState, len(snap.Agents))
	for _, a := range snap.Agents {
		agents[a.AgentID] = a
	}
	s.mu.Lock()
	s.agents = agents
	s.snapshotID = snap.SnapshotID
	s.lastSeq = snap.Seq
	s.synced = true
	s.mu.Unlock()
	s.logger().Debug("sync bootstrapped", "snapshot", snap.SnapshotID, "seq", snap.Seq, "agents", len(agents))
	return nil
}

// CatchUp applies pages until the server returns an empty one and reports
// how many events were applied. A gap resets the Syncer and returns
// ErrResync.
func (s *Syncer) CatchUp(ctx context.Context) (int, error) {
	s.mu.RLock()
	synced, since := s.synced, s.lastSeq
	s.mu.RUnlock()
	if !synced {
		return 0, ErrResync
	}
	applied := 0
	for {
		page, err := s.Client.EventsSince(ctx, since, s.PageSize)
		if IsGap(err) {
			s.reset()
			s.logger().Warn("sync cursor lost", "since", since, "err", err)
			return applied, ErrResync
		}
		if err != nil {
			return applied, err
		}
		if len(page.Events) == 0 {
			return applied, nil
		}
		s.mu.Lock()
		if err := s.Registry.Fold(s.agents, page.Events); err != nil {
			s.mu.Unlock()
			return applied, err
		}
		since = page.Events[len(page.Events)-1].Seq
		s.lastSeq = since
		s.mu.Unlock()
		applied += len(page.Events)
	}
}

func (s *Syncer) reset() {
	s.mu.Lock()
	s.synced = false
	s.snapshotID = ""
	s.lastSeq = 0
	s.agents = nil
	s.mu.Unlock()
}

// Sync bootstraps when needed and catches up, re-bootstrapping once if the
// cursor turns out to be lost.
func (s *Syncer) Sync(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		s.mu.RLock()
		synced := s.synced
		s.mu.RUnlock()
		if !synced {
			if err := s.Bootstrap(ctx); err != nil {
				return err
			}
		}
		_, err := s.CatchUp(ctx)
		if !errors.Is(err, ErrResync) {
			return err
		}
	}
	return ErrResync
}

// Run calls Sync every Interval until ctx is done. Failed rounds are logged
// and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("sync failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// State returns a copy of the local view.
func (s *Syncer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make(map[string]domain.AgentState, len(s.agents))
	for id, a := range s.agents {
		agents[id] = a
	}
	return State{Synced: s.synced, SnapshotID: s.snapshotID, LastSeq: s.lastSeq, Agents: agents}
}

package projection

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/repo"
)

// Projector applies events to the stored agent_states rows.
type Projector struct {
	Registry *Registry
	Repo     repo.Repo
	Logger   *slog.Logger
}

// Result describes what one ApplyTx did.
type Result struct {
	State   domain.AgentState
	Changed bool
	// Tool is set when the event closed a tracked tool call.
	Tool *ToolUsage
}

// ApplyTx reads the agent row, folds evt into it and writes the full row back,
// all inside tx.
func (p Projector) ApplyTx(ctx context.Context, tx *sql.Tx, evt domain.Event) (Result, error) {
	reg := p.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	prev, err := p.Repo.GetAgentTx(ctx, tx, evt.SubjectID)
	exists := true
	if errors.Is(err, repo.ErrNotFound) {
		exists = false
	} else if err != nil {
		return Result{}, err
	}

	next, changed, err := reg.Apply(prev, exists, evt)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		if !reg.Known(evt.Type) {
			p.logger().Debug("no projection for event type", "type", evt.Type, "seq", evt.Seq)
		}
		return Result{State: prev, Changed: false}, nil
	}
	if err := p.Repo.UpsertAgentTx(ctx, tx, next); err != nil {
		return Result{}, err
	}
	res := Result{State: next, Changed: true}
	if exists {
		if u, ok := ToolUsageOf(prev, evt); ok {
			res.Tool = &u
		}
	}
	return res, nil
}

func (p Projector) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

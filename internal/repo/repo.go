package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
)

// Repo reads and writes the agent_states projection.
type Repo struct {
	DB *db.DB
}

var ErrNotFound = errors.New("not found")

const agentColumns = `agent_id,server_id,framework,language,role,status,current_activity,current_tool,tool_started_at,current_task_id,memory_id,last_activity,last_seq,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (domain.AgentState, error) {
	var (
		a                              domain.AgentState
		toolStarted                    sql.NullInt64
		lastActivity, created, updated int64
	)
	err := row.Scan(&a.AgentID, &a.ServerID, &a.Framework, &a.Language, &a.Role, &a.Status,
		&a.CurrentActivity, &a.CurrentTool, &toolStarted, &a.CurrentTaskID, &a.MemoryID,
		&lastActivity, &a.LastSeq, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if toolStarted.Valid {
		ts := time.UnixMilli(toolStarted.Int64).UTC()
		a.ToolStartedAt = &ts
	}
	a.LastActivity = time.UnixMilli(lastActivity).UTC()
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, agentID string) (domain.AgentState, error) {
	return r.getAgent(ctx, r.DB, agentID)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (domain.AgentState, error) {
	return r.getAgent(ctx, tx, agentID)
}

func (r Repo) getAgent(ctx context.Context, q db.Queryer, agentID string) (domain.AgentState, error) {
	return scanAgent(q.QueryRowContext(ctx, r.DB.Rebind(`SELECT `+agentColumns+` FROM agent_states WHERE agent_id=?`), agentID))
}

// AgentFilters narrows ListAgents.
type AgentFilters struct {
	Status   string
	ServerID string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.AgentState, error) {
	return r.listAgents(ctx, r.DB, f)
}

// ListAgentsTx reads every row inside tx; snapshot builds rely on it.
func (r Repo) ListAgentsTx(ctx context.Context, tx *sql.Tx, f AgentFilters) ([]domain.AgentState, error) {
	return r.listAgents(ctx, tx, f)
}

func (r Repo) listAgents(ctx context.Context, q db.Queryer, f AgentFilters) ([]domain.AgentState, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ServerID != "" {
		clauses = append(clauses, "server_id=?")
		args = append(args, f.ServerID)
	}
	query := fmt.Sprintf(`SELECT %s FROM agent_states WHERE %s ORDER BY agent_id ASC`, agentColumns, strings.Join(clauses, " AND "))
	rows, err := q.QueryContext(ctx, r.DB.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentState
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertAgentTx writes the whole row in one statement.
func (r Repo) UpsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.AgentState) error {
	_, err := tx.ExecContext(ctx, r.DB.Rebind(`INSERT INTO agent_states(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET
  server_id=excluded.server_id,
  framework=excluded.framework,
  language=excluded.language,
  role=excluded.role,
  status=excluded.status,
  current_activity=excluded.current_activity,
  current_tool=excluded.current_tool,
  tool_started_at=excluded.tool_started_at,
  current_task_id=excluded.current_task_id,
  memory_id=excluded.memory_id,
  last_activity=excluded.last_activity,
  last_seq=excluded.last_seq,
  updated_at=excluded.updated_at`),
		a.AgentID, a.ServerID, a.Framework, a.Language, a.Role, a.Status,
		a.CurrentActivity, a.CurrentTool, nullableTime(a.ToolStartedAt), a.CurrentTaskID, a.MemoryID,
		a.LastActivity.UnixMilli(), a.LastSeq, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.AgentID, err)
	}
	return nil
}

// CountByStatus returns agent totals keyed by status.
func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM agent_states GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

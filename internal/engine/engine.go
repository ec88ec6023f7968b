package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fleetwatch/internal/broadcast"
	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/events"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/projection"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/seq"
	"fleetwatch/internal/snapshot"
)

// ErrInvalidEnvelope marks an envelope missing required fields.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Protocol is the envelope protocol name agents send.
const Protocol = "agent-monitor"

type Engine struct {
	DB        *db.DB
	Repo      repo.Repo
	Events    events.Log
	Projector projection.Projector
	Snapshots snapshot.Builder
	Sink      broadcast.Sink
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(conn *db.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	enc, err := snapshot.ParseEncoding(cfg.Snapshot.Compression)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: conn}
	log := events.New(conn)
	log.DefaultLimit = cfg.Events.DefaultLimit
	log.MaxLimit = cfg.Events.MaxLimit
	e := Engine{
		DB:        conn,
		Repo:      r,
		Events:    log,
		Projector: projection.Projector{Registry: projection.NewRegistry(), Repo: r},
		Snapshots: snapshot.Builder{
			DB:       conn,
			Log:      log,
			Repo:     r,
			TTL:      cfg.Retention.SnapshotTTL.Std(),
			Encoding: enc,
		},
		Sink:   broadcast.Nop{},
		Config: cfg,
	}
	return e.WithNow(time.Now), nil
}

// WithNow returns a copy of e whose components all read time from now.
func (e Engine) WithNow(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Snapshots.Now = now
	return e
}

// WithLogger returns a copy of e logging to logger.
func (e Engine) WithLogger(logger *slog.Logger) Engine {
	e.Logger = logger
	e.Projector.Logger = logger
	return e
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Reconcile makes sure the counter is at least the highest stored seq, so a
// restored or imported log never sees a seq reissued.
func (e Engine) Reconcile(ctx context.Context) (int64, error) {
	highest, err := e.Events.HighestStored(ctx)
	if err != nil {
		return 0, err
	}
	head, err := e.Events.Seq.Reconcile(ctx, seq.Events, highest)
	if err != nil {
		return 0, err
	}
	metrics.LogHead.Set(float64(head))
	return head, nil
}

// ValidateEnvelope checks the fields ingestion depends on.
func ValidateEnvelope(env domain.Envelope) error {
	if env.Source.AgentID == "" {
		return fmt.Errorf("%w: source.agent_id is required", ErrInvalidEnvelope)
	}
	if env.Event.Type == "" {
		return fmt.Errorf("%w: event.type is required", ErrInvalidEnvelope)
	}
	if env.Protocol != "" && env.Protocol != Protocol {
		return fmt.Errorf("%w: unsupported protocol %q", ErrInvalidEnvelope, env.Protocol)
	}
	return nil
}

// IngestResult is what one accepted envelope produced.
type IngestResult struct {
	Event   domain.Event
	State   domain.AgentState
	Changed bool
}

// Ingest appends the envelope's event and folds it into the agent row in one
// transaction, then notifies the sink.
func (e Engine) Ingest(ctx context.Context, env domain.Envelope) (IngestResult, error) {
	ctx, span := otel.Tracer("fleetwatch/engine").Start(ctx, "Engine.Ingest", trace.WithAttributes(
		attribute.String("agent.id", env.Source.AgentID),
		attribute.String("event.type", env.Event.Type),
	))
	defer span.End()

	if err := ValidateEnvelope(env); err != nil {
		metrics.AppendFailures.WithLabelValues("validate").Inc()
		return IngestResult{}, err
	}
	var (
		res  IngestResult
		tool *projection.ToolUsage
	)
	err := e.DB.InTx(ctx, nil, func(tx *sql.Tx) error {
		evt, err := e.Events.AppendTx(ctx, tx, env.Event.Type, env.Source.AgentID, domain.PayloadFromEnvelope(env))
		if err != nil {
			return err
		}
		pr, err := e.Projector.ApplyTx(ctx, tx, evt)
		if err != nil {
			return fmt.Errorf("project seq %d: %w", evt.Seq, err)
		}
		res = IngestResult{Event: evt, State: pr.State, Changed: pr.Changed}
		tool = pr.Tool
		return nil
	})
	if err != nil {
		span.RecordError(err)
		stage := "append"
		if errors.Is(err, seq.ErrAllocation) {
			stage = "allocate"
		} else if errors.Is(err, projection.ErrPayload) {
			stage = "project"
		}
		metrics.AppendFailures.WithLabelValues(stage).Inc()
		return IngestResult{}, err
	}
	span.SetAttributes(attribute.Int64("event.seq", res.Event.Seq))
	metrics.EventsAppended.WithLabelValues(res.Event.Type).Inc()
	metrics.LogHead.Set(float64(res.Event.Seq))
	if tool != nil {
		metrics.ToolUsageDuration.WithLabelValues(tool.Tool, strconv.FormatBool(tool.Success)).Observe(tool.Duration.Seconds())
		e.logger().Info("tool usage finished", "agent", tool.AgentID, "tool", tool.Tool, "success", tool.Success, "duration", tool.Duration)
	}
	e.logger().Debug("event ingested", "seq", res.Event.Seq, "type", res.Event.Type, "agent", res.Event.SubjectID, "status", res.State.Status)

	if e.Sink != nil {
		n := domain.Notice{Seq: res.Event.Seq, Type: res.Event.Type, SubjectID: res.Event.SubjectID}
		if res.Changed {
			st := res.State
			n.State = &st
		}
		if err := e.Sink.Notify(ctx, n); err != nil {
			e.logger().Warn("notify failed", "seq", n.Seq, "err", err)
		}
	}
	return res, nil
}

// BatchError reports one rejected batch item.
type BatchError struct {
	Index   int    `json:"index"`
	AgentID string `json:"agentId,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// BatchResult summarizes IngestBatch.
type BatchResult struct {
	Received  int          `json:"received"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	LastSeq   int64        `json:"lastSeq,omitempty"`
	Errors    []BatchError `json:"errors,omitempty"`
}

// IngestBatch ingests envelopes one at a time, in order. A failing item is
// logged and reported; the rest of the batch still runs.
func (e Engine) IngestBatch(ctx context.Context, envs []domain.Envelope) BatchResult {
	res := BatchResult{Received: len(envs)}
	for i, env := range envs {
		if ctx.Err() != nil {
			res.Failed += len(envs) - i
			res.Errors = append(res.Errors, BatchError{Index: i, Message: ctx.Err().Error()})
			break
		}
		out, err := e.Ingest(ctx, env)
		if err != nil {
			e.logger().Warn("batch item rejected", "index", i, "agent", env.Source.AgentID, "type", env.Event.Type, "err", err)
			res.Failed++
			res.Errors = append(res.Errors, BatchError{Index: i, AgentID: env.Source.AgentID, Type: env.Event.Type, Message: err.Error()})
			continue
		}
		res.Processed++
		res.LastSeq = out.Event.Seq
	}
	return res
}

// EventsSince serves the delta read of the sync protocol.
func (e Engine) EventsSince(ctx context.Context, since int64, limit int) (events.Page, error) {
	return e.Events.RangeAfter(ctx, since, limit)
}

// Head is the log position summary clients use to decide how to sync.
type Head struct {
	MaxSeq int64 `json:"maxSeq"`
	Floor  int64 `json:"floor"`
}

func (e Engine) Head(ctx context.Context) (Head, error) {
	maxSeq, err := e.Events.MaxSeq(ctx)
	if err != nil {
		return Head{}, err
	}
	floor, err := e.Events.Floor(ctx)
	if err != nil {
		return Head{}, err
	}
	return Head{MaxSeq: maxSeq, Floor: floor}, nil
}

func (e Engine) GenerateSnapshot(ctx context.Context) (domain.SnapshotInfo, error) {
	info, err := e.Snapshots.Build(ctx)
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	e.logger().Info("snapshot generated", "id", info.SnapshotID, "seq", info.Seq, "agents", info.AgentCount, "bytes", info.Size)
	return info, nil
}

func (e Engine) LatestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	return e.Snapshots.Latest(ctx)
}

func (e Engine) GetSnapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	return e.Snapshots.Get(ctx, id)
}

func (e Engine) ListSnapshots(ctx context.Context, limit int) ([]domain.SnapshotInfo, error) {
	return e.Snapshots.List(ctx, limit)
}

// SweepResult reports one retention pass.
type SweepResult struct {
	SnapshotsExpired int64 `json:"snapshotsExpired"`
	EventsPurged     int64 `json:"eventsPurged"`
	PurgedThrough    int64 `json:"purgedThrough"`
	// Watermark is the oldest retained snapshot seq; events above it are kept.
	Watermark int64 `json:"watermark"`
	// Skipped is true when no snapshot is retained, so no event may be purged.
	Skipped bool `json:"skipped"`
}

// Sweep expires snapshots, then purges events that are past the event TTL
// and at or below the oldest retained snapshot watermark.
func (e Engine) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := otel.Tracer("fleetwatch/engine").Start(ctx, "Engine.Sweep")
	defer span.End()

	var res SweepResult
	expired, err := e.Snapshots.Expire(ctx)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.SnapshotsExpired = expired

	keep := func(ctx context.Context, tx *sql.Tx) (int64, bool, error) {
		return e.Snapshots.OldestWatermarkTx(ctx, tx)
	}
	purge, err := e.Events.ExpireGuarded(ctx, e.Config.Retention.EventTTL.Std(), keep)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	res.PurgedThrough = purge.PurgedThrough
	if purge.Skipped {
		res.Skipped = true
		e.logger().Info("retention sweep skipped event purge: no snapshot retained", "snapshots_expired", expired)
		return res, nil
	}
	watermark := purge.KeepAbove
	res.Watermark = watermark
	res.EventsPurged = purge.Deleted
	res.PurgedThrough = purge.PurgedThrough
	span.SetAttributes(
		attribute.Int64("sweep.events_purged", res.EventsPurged),
		attribute.Int64("sweep.purged_through", res.PurgedThrough),
	)
	e.logger().Info("retention sweep", "snapshots_expired", expired, "events_purged", purge.Deleted, "purged_through", purge.PurgedThrough, "watermark", watermark)
	return res, nil
}

func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.AgentState, error) {
	return e.Repo.ListAgents(ctx, f)
}

func (e Engine) GetAgent(ctx context.Context, agentID string) (domain.AgentState, error) {
	return e.Repo.GetAgent(ctx, agentID)
}

// AgentStats is the fleet rollup served by the stats endpoint.
type AgentStats struct {
	Total    int                  `json:"total"`
	Online   int                  `json:"online"`
	ByStatus []domain.StatusCount `json:"byStatus"`
	MaxSeq   int64                `json:"maxSeq"`
}

// Stats counts agents per status. Online counts every agent not offline.
func (e Engine) Stats(ctx context.Context) (AgentStats, error) {
	counts, err := e.Repo.CountByStatus(ctx)
	if err != nil {
		return AgentStats{}, err
	}
	head, err := e.Events.MaxSeq(ctx)
	if err != nil {
		return AgentStats{}, err
	}
	out := AgentStats{MaxSeq: head, ByStatus: []domain.StatusCount{}}
	for _, status := range sortedKeys(counts) {
		n := counts[status]
		out.Total += n
		if status != domain.StatusOffline {
			out.Online += n
		}
		out.ByStatus = append(out.ByStatus, domain.StatusCount{Status: status, Count: n})
	}
	return out, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

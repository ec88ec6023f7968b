// Package snapshot stores point-in-time copies of every agent row together
// with the log seq they reflect.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/events"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/repo"
)

const DefaultTTL = 24 * time.Hour

var (
	// ErrUnavailable means no unexpired snapshot exists.
	ErrUnavailable = errors.New("no snapshot available")
	// ErrNotFound means the requested snapshot is absent or expired.
	ErrNotFound = errors.New("snapshot not found")
	// ErrCorrupt means a stored blob does not match its checksum.
	ErrCorrupt = errors.New("snapshot checksum mismatch")
	// ErrStale means retention purged past the build's watermark before it
	// could be stored. The next build succeeds.
	ErrStale = errors.New("snapshot watermark is below the retention floor")
)

// Builder creates and reads snapshots.
type Builder struct {
	DB       *db.DB
	Log      events.Log
	Repo     repo.Repo
	TTL      time.Duration
	Encoding Encoding
	Now      func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now().UTC()
}

func (b Builder) ttl() time.Duration {
	if b.TTL <= 0 {
		return DefaultTTL
	}
	return b.TTL
}

// Build captures every agent row and the committed head seq in one read
// transaction, so the rows are exactly the fold of events 1..seq.
func (b Builder) Build(ctx context.Context) (domain.SnapshotInfo, error) {
	ctx, span := otel.Tracer("fleetwatch/snapshot").Start(ctx, "Builder.Build")
	defer span.End()
	start := time.Now()

	info, err := b.build(ctx)
	if err != nil {
		span.RecordError(err)
		metrics.SnapshotBuilds.WithLabelValues("error").Inc()
		return domain.SnapshotInfo{}, err
	}
	span.SetAttributes(
		attribute.String("snapshot.id", info.SnapshotID),
		attribute.Int64("snapshot.seq", info.Seq),
		attribute.Int("snapshot.agents", info.AgentCount),
	)
	metrics.SnapshotBuilds.WithLabelValues("ok").Inc()
	metrics.SnapshotBuildDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotAgents.Set(float64(info.AgentCount))
	return info, nil
}

func (b Builder) build(ctx context.Context) (domain.SnapshotInfo, error) {
	info, blob, err := b.capture(ctx)
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	if err := b.store(ctx, info, blob); err != nil {
		return domain.SnapshotInfo{}, err
	}
	return info, nil
}

// capture reads the head seq and every agent row in one read transaction
// and encodes them.
func (b Builder) capture(ctx context.Context) (domain.SnapshotInfo, []byte, error) {
	enc := b.Encoding
	if enc == "" {
		enc = EncodingZstd
	}
	var (
		head   int64
		agents []domain.AgentState
	)
	err := b.DB.InTx(ctx, b.DB.SnapshotTxOptions(), func(tx *sql.Tx) error {
		var err error
		if head, err = b.Log.MaxSeqTx(ctx, tx); err != nil {
			return err
		}
		agents, err = b.Repo.ListAgentsTx(ctx, tx, repo.AgentFilters{})
		return err
	})
	if err != nil {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("read state for snapshot: %w", err)
	}
	if agents == nil {
		agents = []domain.AgentState{}
	}

	raw, err := json.Marshal(agents)
	if err != nil {
		return domain.SnapshotInfo{}, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	blob, err := encode(raw, enc)
	if err != nil {
		return domain.SnapshotInfo{}, nil, err
	}
	created := time.UnixMilli(b.now().UnixMilli()).UTC()
	return domain.SnapshotInfo{
		SnapshotID: uuid.NewString(),
		Seq:        head,
		Encoding:   string(enc),
		Checksum:   checksum(raw),
		AgentCount: len(agents),
		Size:       len(blob),
		CreatedAt:  created,
		ExpiresAt:  created.Add(b.ttl()),
	}, blob, nil
}

// store inserts the snapshot under the retention mark lock, refusing it if
// a purge has already passed its watermark.
func (b Builder) store(ctx context.Context, info domain.SnapshotInfo, blob []byte) error {
	return b.DB.InTx(ctx, nil, func(tx *sql.Tx) error {
		floor, err := b.Log.LockFloorTx(ctx, tx)
		if err != nil {
			return err
		}
		if info.Seq < floor {
			return fmt.Errorf("%w: seq %d, floor %d", ErrStale, info.Seq, floor)
		}
		_, err = tx.ExecContext(ctx, b.DB.Rebind(`INSERT INTO snapshots(`+snapshotColumns+`) VALUES (?,?,?,?,?,?,?,?)`),
			info.SnapshotID, info.Seq, info.Encoding, info.Checksum, info.AgentCount, blob, info.CreatedAt.UnixMilli(), info.ExpiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		return nil
	})
}

const snapshotColumns = `snapshot_id,seq,encoding,checksum,agent_count,data,created_at,expires_at`

type stored struct {
	info domain.SnapshotInfo
	blob []byte
}

func scanStored(row *sql.Row) (stored, error) {
	var (
		s                stored
		created, expires int64
	)
	err := row.Scan(&s.info.SnapshotID, &s.info.Seq, &s.info.Encoding, &s.info.Checksum, &s.info.AgentCount, &s.blob, &created, &expires)
	if err != nil {
		return s, err
	}
	s.info.Size = len(s.blob)
	s.info.CreatedAt = time.UnixMilli(created).UTC()
	s.info.ExpiresAt = time.UnixMilli(expires).UTC()
	return s, nil
}

func (s stored) decode() (domain.Snapshot, error) {
	raw, err := decode(s.blob, Encoding(s.info.Encoding))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s: %w", s.info.SnapshotID, err)
	}
	if checksum(raw) != s.info.Checksum {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", ErrCorrupt, s.info.SnapshotID)
	}
	var agents []domain.AgentState
	if err := json.Unmarshal(raw, &agents); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", s.info.SnapshotID, err)
	}
	if agents == nil {
		agents = []domain.AgentState{}
	}
	return domain.Snapshot{
		SnapshotID: s.info.SnapshotID,
		Seq:        s.info.Seq,
		Agents:     agents,
		CreatedAt:  s.info.CreatedAt,
		ExpiresAt:  s.info.ExpiresAt,
	}, nil
}

// Latest returns the unexpired snapshot with the highest seq.
func (b Builder) Latest(ctx context.Context) (domain.Snapshot, error) {
	s, err := scanStored(b.DB.QueryRowContext(ctx, b.DB.Rebind(`SELECT `+snapshotColumns+` FROM snapshots WHERE expires_at > ? ORDER BY seq DESC, created_at DESC LIMIT 1`), b.now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, ErrUnavailable
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.decode()
}

// Get returns an unexpired snapshot by id.
func (b Builder) Get(ctx context.Context, id string) (domain.Snapshot, error) {
	s, err := scanStored(b.DB.QueryRowContext(ctx, b.DB.Rebind(`SELECT `+snapshotColumns+` FROM snapshots WHERE snapshot_id=? AND expires_at > ?`), id, b.now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.decode()
}

// List returns metadata for unexpired snapshots, newest watermark first.
func (b Builder) List(ctx context.Context, limit int) ([]domain.SnapshotInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.DB.QueryContext(ctx, b.DB.Rebind(`SELECT snapshot_id,seq,encoding,checksum,agent_count,LENGTH(data),created_at,expires_at FROM snapshots WHERE expires_at > ? ORDER BY seq DESC, created_at DESC LIMIT ?`), b.now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SnapshotInfo
	for rows.Next() {
		var (
			info             domain.SnapshotInfo
			created, expires int64
		)
		if err := rows.Scan(&info.SnapshotID, &info.Seq, &info.Encoding, &info.Checksum, &info.AgentCount, &info.Size, &created, &expires); err != nil {
			return nil, err
		}
		info.CreatedAt = time.UnixMilli(created).UTC()
		info.ExpiresAt = time.UnixMilli(expires).UTC()
		res = append(res, info)
	}
	return res, rows.Err()
}

// Expire deletes snapshots whose expiry has passed and returns how many.
func (b Builder) Expire(ctx context.Context) (int64, error) {
	out, err := b.DB.ExecContext(ctx, b.DB.Rebind(`DELETE FROM snapshots WHERE expires_at <= ?`), b.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire snapshots: %w", err)
	}
	n, _ := out.RowsAffected()
	metrics.SnapshotsPurged.Add(float64(n))
	return n, nil
}

// OldestWatermark returns the lowest seq among unexpired snapshots.
// ok is false when none is retained.
func (b Builder) OldestWatermark(ctx context.Context) (seq int64, ok bool, err error) {
	return b.OldestWatermarkTx(ctx, b.DB)
}

// OldestWatermarkTx is OldestWatermark read through q. It fits
// events.KeepFunc when q is the purge transaction.
func (b Builder) OldestWatermarkTx(ctx context.Context, q db.Queryer) (seq int64, ok bool, err error) {
	var v sql.NullInt64
	err = q.QueryRowContext(ctx, b.DB.Rebind(`SELECT MIN(seq) FROM snapshots WHERE expires_at > ?`), b.now().UnixMilli()).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("oldest snapshot watermark: %w", err)
	}
	return v.Int64, v.Valid, nil
}

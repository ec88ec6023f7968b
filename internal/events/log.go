package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/seq"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	// purgeMark names the retention_marks row holding the highest purged seq.
	purgeMark = "events"
)

var (
	// ErrRangeExpired means events after the requested cursor were purged.
	ErrRangeExpired = errors.New("events since cursor expired")
	// ErrAheadOfLog means the cursor is beyond anything this log has issued.
	ErrAheadOfLog = errors.New("cursor is ahead of the log")
)

// Log is the append-only, seq-ordered event store.
type Log struct {
	DB           *db.DB
	Seq          seq.Allocator
	Now          func() time.Time
	DefaultLimit int
	MaxLimit     int
}

func New(conn *db.DB) Log {
	return Log{DB: conn, Seq: seq.Allocator{DB: conn}, Now: time.Now}
}

func (l Log) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Append allocates a seq and records the event in its own transaction.
func (l Log) Append(ctx context.Context, evtType, subjectID string, payload any) (domain.Event, error) {
	var evt domain.Event
	err := l.DB.InTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		evt, err = l.AppendTx(ctx, tx, evtType, subjectID, payload)
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	metrics.EventsAppended.WithLabelValues(evt.Type).Inc()
	metrics.LogHead.Set(float64(evt.Seq))
	return evt, nil
}

// AppendTx records the event inside tx. The seq is issued in the same tx, so
// the event becomes visible exactly when tx commits.
func (l Log) AppendTx(ctx context.Context, tx *sql.Tx, evtType, subjectID string, payload any) (domain.Event, error) {
	ctx, span := otel.Tracer("fleetwatch/events").Start(ctx, "Log.Append", trace.WithAttributes(
		attribute.String("event.type", evtType),
		attribute.String("event.subject", subjectID),
	))
	defer span.End()

	if evtType == "" {
		return domain.Event{}, fmt.Errorf("event type is required")
	}
	data, err := encodePayload(payload)
	if err != nil {
		span.RecordError(err)
		return domain.Event{}, err
	}
	n, err := l.Seq.NextTx(ctx, tx, seq.Events)
	if err != nil {
		span.RecordError(err)
		return domain.Event{}, err
	}
	created := l.now()
	_, err = tx.ExecContext(ctx, l.DB.Rebind(`INSERT INTO events(seq,type,subject_id,payload,created_at) VALUES (?,?,?,?,?)`),
		n, evtType, subjectID, string(data), created.UnixMilli())
	if err != nil {
		span.RecordError(err)
		return domain.Event{}, fmt.Errorf("insert event %d: %w", n, err)
	}
	span.SetAttributes(attribute.Int64("event.seq", n))
	return domain.Event{
		Seq:       n,
		Type:      evtType,
		SubjectID: subjectID,
		Payload:   data,
		CreatedAt: time.UnixMilli(created.UnixMilli()).UTC(),
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("event payload is not valid json")
		}
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}

// Page is one RangeAfter result.
type Page struct {
	Events []domain.Event
	// Head is the highest committed seq when the page was read.
	Head int64
}

// RangeAfter returns events with seq > since in ascending order, at most limit.
// It fails with ErrRangeExpired when events after since were purged and with
// ErrAheadOfLog when since exceeds every issued seq. An empty page with no
// error means the caller is caught up.
func (l Log) RangeAfter(ctx context.Context, since int64, limit int) (Page, error) {
	if since < 0 {
		since = 0
	}
	limit = l.clampLimit(limit)
	var page Page
	err := l.DB.InTx(ctx, l.DB.SnapshotTxOptions(), func(tx *sql.Tx) error {
		floor, err := l.purgedThrough(ctx, tx)
		if err != nil {
			return err
		}
		if since < floor {
			metrics.RangeGaps.WithLabelValues("expired").Inc()
			return fmt.Errorf("%w: since=%d purged through %d", ErrRangeExpired, since, floor)
		}
		head, err := l.Seq.Current(ctx, tx, seq.Events)
		if err != nil {
			return err
		}
		if since > head {
			metrics.RangeGaps.WithLabelValues("ahead").Inc()
			return fmt.Errorf("%w: since=%d head %d", ErrAheadOfLog, since, head)
		}
		page.Head = head
		rows, err := tx.QueryContext(ctx, l.DB.Rebind(`SELECT seq,type,subject_id,payload,created_at FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`), since, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			evt, err := scanEvent(rows)
			if err != nil {
				return err
			}
			page.Events = append(page.Events, evt)
		}
		return rows.Err()
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var (
		evt     domain.Event
		payload string
		created int64
	)
	if err := rows.Scan(&evt.Seq, &evt.Type, &evt.SubjectID, &payload, &created); err != nil {
		return domain.Event{}, err
	}
	evt.Payload = json.RawMessage(payload)
	evt.CreatedAt = time.UnixMilli(created).UTC()
	return evt, nil
}

func (l Log) clampLimit(limit int) int {
	def, ceiling := l.DefaultLimit, l.MaxLimit
	if def <= 0 {
		def = DefaultLimit
	}
	if ceiling <= 0 {
		ceiling = MaxLimit
	}
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

// MaxSeq returns the highest committed seq, 0 for a log that never issued one.
func (l Log) MaxSeq(ctx context.Context) (int64, error) {
	return l.Seq.Current(ctx, l.DB, seq.Events)
}

// MaxSeqTx is MaxSeq read inside tx.
func (l Log) MaxSeqTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	return l.Seq.Current(ctx, tx, seq.Events)
}

// Floor returns the highest seq removed by retention (0 if nothing was purged).
// Cursors below it cannot be served.
func (l Log) Floor(ctx context.Context) (int64, error) {
	return l.purgedThrough(ctx, l.DB)
}

func (l Log) purgedThrough(ctx context.Context, q db.Queryer) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, l.DB.Rebind(`SELECT seq FROM retention_marks WHERE name=?`), purgeMark).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read retention mark: %w", err)
	}
	return v, nil
}

// LockFloorTx returns the retention floor and holds the retention mark for
// the rest of tx, so purges and snapshot stores that depend on the floor
// commit one at a time.
func (l Log) LockFloorTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, l.DB.Rebind(`INSERT INTO retention_marks(name,seq) VALUES (?,0) ON CONFLICT(name) DO NOTHING`), purgeMark); err != nil {
		return 0, fmt.Errorf("init retention mark: %w", err)
	}
	query := `SELECT seq FROM retention_marks WHERE name=?`
	if l.DB.Dialect == db.Postgres {
		query += ` FOR UPDATE`
	}
	var v int64
	if err := tx.QueryRowContext(ctx, l.DB.Rebind(query), purgeMark).Scan(&v); err != nil {
		return 0, fmt.Errorf("lock retention mark: %w", err)
	}
	return v, nil
}

// Purge reports one expiry pass.
type Purge struct {
	Deleted       int64
	PurgedThrough int64
	// KeepAbove is the bound the pass ran with; Skipped is set when the
	// bound function declined to give one.
	KeepAbove     int64
	Skipped       bool
}

// KeepFunc returns the highest seq a purge may remove. It runs inside the
// purge transaction with the retention mark locked. ok=false skips the purge.
type KeepFunc func(ctx context.Context, tx *sql.Tx) (keepAbove int64, ok bool, err error)

// ExpireOlderThan deletes the longest prefix of the log whose events are all
// older than age, never going past keepAbove. The retention mark advances in
// the same transaction as the delete.
func (l Log) ExpireOlderThan(ctx context.Context, age time.Duration, keepAbove int64) (Purge, error) {
	return l.ExpireGuarded(ctx, age, func(context.Context, *sql.Tx) (int64, bool, error) {
		return keepAbove, true, nil
	})
}

// ExpireGuarded is ExpireOlderThan with the bound read inside the purge
// transaction.
func (l Log) ExpireGuarded(ctx context.Context, age time.Duration, keep KeepFunc) (Purge, error) {
	cutoff := l.now().Add(-age).UnixMilli()
	var res Purge
	err := l.DB.InTx(ctx, nil, func(tx *sql.Tx) error {
		floor, err := l.LockFloorTx(ctx, tx)
		if err != nil {
			return err
		}
		res.PurgedThrough = floor

		keepAbove, ok, err := keep(ctx, tx)
		if err != nil {
			return err
		}
		if !ok {
			res.Skipped = true
			return nil
		}
		res.KeepAbove = keepAbove

		var firstFresh sql.NullInt64
		if err := tx.QueryRowContext(ctx, l.DB.Rebind(`SELECT MIN(seq) FROM events WHERE created_at >= ?`), cutoff).Scan(&firstFresh); err != nil {
			return fmt.Errorf("find retention boundary: %w", err)
		}
		through := keepAbove
		if firstFresh.Valid && firstFresh.Int64-1 < through {
			through = firstFresh.Int64 - 1
		}
		head, err := l.Seq.Current(ctx, tx, seq.Events)
		if err != nil {
			return err
		}
		if through > head {
			through = head
		}
		if through <= floor {
			return nil
		}

		out, err := tx.ExecContext(ctx, l.DB.Rebind(`DELETE FROM events WHERE seq <= ?`), through)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		res.Deleted, _ = out.RowsAffected()
		if _, err := tx.ExecContext(ctx, l.DB.Rebind(`UPDATE retention_marks SET seq=? WHERE name=?`), through, purgeMark); err != nil {
			return fmt.Errorf("advance retention mark: %w", err)
		}
		res.PurgedThrough = through
		return nil
	})
	if err != nil {
		return Purge{}, err
	}
	metrics.EventsPurged.Add(float64(res.Deleted))
	return res, nil
}

// HighestStored returns MAX(seq) over the rows still in the log.
func (l Log) HighestStored(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read highest stored seq: %w", err)
	}
	return v.Int64, nil
}

// Package seq issues strictly increasing, durable sequence numbers.
//
// Every allocation is a single atomic upsert against the sequences table.
// The counter row stays locked until the surrounding transaction ends, so a
// caller that allocates and appends in one transaction never exposes a hole.
package seq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetwatch/internal/db"
)

// Events is the counter that orders the event log.
const Events = "events"

// ErrAllocation wraps every failure to issue a number. Callers must abort the
// operation that needed it.
var ErrAllocation = errors.New("sequence allocation failed")

type Allocator struct {
	DB *db.DB
}

// Next issues the next value for name in its own transaction.
func (a Allocator) Next(ctx context.Context, name string) (int64, error) {
	var v int64
	err := a.DB.InTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		v, err = a.NextTx(ctx, tx, name)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAllocation) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrAllocation, name, err)
	}
	return v, nil
}

// NextTx issues the next value for name inside tx. A missing counter starts at 1.
func (a Allocator) NextTx(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, a.DB.Rebind(`INSERT INTO sequences(name,value) VALUES (?,1)
ON CONFLICT(name) DO UPDATE SET value = sequences.value + 1
RETURNING value`), name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrAllocation, name, err)
	}
	return v, nil
}

// Current returns the last issued value, 0 if none was ever issued.
func (a Allocator) Current(ctx context.Context, q db.Queryer, name string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, a.DB.Rebind(`SELECT value FROM sequences WHERE name=?`), name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence %s: %w", name, err)
	}
	return v, nil
}

// Reconcile raises the counter to at least floor and returns the resulting value.
// It never lowers a counter.
func (a Allocator) Reconcile(ctx context.Context, name string, floor int64) (int64, error) {
	var v int64
	err := a.DB.QueryRowContext(ctx, a.DB.Rebind(`INSERT INTO sequences(name,value) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET value = CASE WHEN sequences.value < excluded.value THEN excluded.value ELSE sequences.value END
RETURNING value`), name, floor).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("%w: reconcile %s: %w", ErrAllocation, name, err)
	}
	return v, nil
}

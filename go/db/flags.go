package db

import (
	"context"
	"database/sql"

	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/types"
)

// GetFlag returns the flag with the given id for the backend, or nil if it
// has never been set.
func (d *DB) GetFlag(ctx context.Context, backend, id string) (*types.Flag, error) {
	f := struct {
		ID          string `db:"id"`
		Value       string `db:"value"`
		Backend     string `db:"backend"`
		TimestampNs int64  `db:"timestamp_ns"`
	}{}
	err := d.db.GetContext(ctx, &f, `SELECT id, value, backend, timestamp_ns FROM flags WHERE backend = ? AND id = ?`, backend, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &types.Flag{ID: f.ID, Value: f.Value, Backend: f.Backend, TimestampNs: f.TimestampNs}, nil
}

// SetFlag writes the flag, updating its timestamp only if the value actually
// changed. Setting a flag to its current value is a no-op.
func (d *DB) SetFlag(ctx context.Context, backend, id, value string) (*types.Flag, error) {
	existing, err := d.GetFlag(ctx, backend, id)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Value == value {
		return existing, nil
	}
	f := &types.Flag{
		ID:          id,
		Value:       value,
		Backend:     backend,
		TimestampNs: now.Now(ctx).UnixNano(),
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO flags (id, value, backend, timestamp_ns) VALUES (?, ?, ?, ?)`,
		f.ID, f.Value, f.Backend, f.TimestampNs)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return f, nil
}

// AllFlags returns every flag set for the backend, ordered by id.
func (d *DB) AllFlags(ctx context.Context, backend string) ([]*types.Flag, error) {
	rows := []struct {
		ID          string `db:"id"`
		Value       string `db:"value"`
		Backend     string `db:"backend"`
		TimestampNs int64  `db:"timestamp_ns"`
	}{}
	if err := d.db.SelectContext(ctx, &rows, `SELECT id, value, backend, timestamp_ns FROM flags WHERE backend = ? ORDER BY id`, backend); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := make([]*types.Flag, 0, len(rows))
	for _, r := range rows {
		rv = append(rv, &types.Flag{ID: r.ID, Value: r.Value, Backend: r.Backend, TimestampNs: r.TimestampNs})
	}
	return rv, nil
}

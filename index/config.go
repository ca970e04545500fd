package index

import (
	"context"
	"database/sql"

	"github.com/barecat-go/barecat/barecaterr"
)

// ShardSizeLimit returns the configured shard size limit (Unlimited
// sentinel (1<<63)-1 means no limit).
func (ix *Index) ShardSizeLimit(ctx context.Context) (int64, error) {
	var v int64
	err := ix.db.QueryRowContext(ctx, `SELECT value_int FROM config WHERE key = 'shard_size_limit'`).Scan(&v)
	return v, err
}

// SetShardSizeLimit updates the shard size limit. Shrinking is refused
// (ErrInvalidArgument) if any shard already exceeds the new limit.
func (ix *Index) SetShardSizeLimit(ctx context.Context, limit int64) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	var maxEnd sql.NullInt64
	if err := ix.db.QueryRowContext(ctx, `SELECT MAX(offset + size) FROM files`).Scan(&maxEnd); err != nil {
		return err
	}
	if maxEnd.Valid && maxEnd.Int64 > limit {
		return barecaterr.ErrInvalidArgument
	}
	_, err := ix.db.ExecContext(ctx, `UPDATE config SET value_int = ? WHERE key = 'shard_size_limit'`, limit)
	return err
}

// UseTriggers reports the current state of the use_triggers runtime flag.
func (ix *Index) UseTriggers(ctx context.Context) (bool, error) {
	var v int
	err := ix.db.QueryRowContext(ctx, `SELECT value_int FROM config WHERE key = 'use_triggers'`).Scan(&v)
	return v != 0, err
}

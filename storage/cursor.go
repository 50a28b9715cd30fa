package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCursor returns the last durably processed sequence for a stream, or 0
// when the stream has never been persisted.
func (s *Store) GetCursor(ctx context.Context, stream string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var seq int64
	err := s.db.GetContext(ctx, &seq,
		s.rebind(`SELECT seq FROM cursor_state WHERE stream = ?`), stream)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SaveCursor upserts the stream position. Upsert rather than update so the
// very first save after a fresh database cannot be lost to a missing row.
func (s *Store) SaveCursor(ctx context.Context, stream string, seq int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cursor_state (stream, seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`), stream, seq, time.Now().Unix())
	return err
}

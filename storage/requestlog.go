package storage

import (
	"context"
)

// RequestLogEntry is one immutable feed-request audit record plus its
// ordered page composition.
type RequestLogEntry struct {
	ID             string `db:"id"`
	Algorithm      string `db:"algorithm"`
	Requester      string `db:"requester"`
	CursorIn       string `db:"cursor_in"`
	CursorOut      string `db:"cursor_out"`
	PublisherCount int    `db:"publisher_count"`
	NetworkCount   int    `db:"network_count"`
	CreatedAt      int64  `db:"created_at"`

	PostURIs []string `db:"-"`
}

// FlushRequestLogs batch-inserts audit entries and their ordered post lists.
func (s *Store) FlushRequestLogs(ctx context.Context, entries []RequestLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmtLog, err := tx.PreparexContext(ctx, s.rebind(`
		INSERT OR IGNORE INTO request_log (
			id, algorithm, requester, cursor_in, cursor_out,
			publisher_count, network_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}

	stmtPost, err := tx.PreparexContext(ctx, s.rebind(`
		INSERT OR IGNORE INTO request_post (request_id, position, post_uri)
		VALUES (?, ?, ?)
	`))
	if err != nil {
		stmtLog.Close()
		return err
	}

	for _, e := range entries {
		if _, err := stmtLog.ExecContext(ctx,
			e.ID, e.Algorithm, e.Requester, e.CursorIn, e.CursorOut,
			e.PublisherCount, e.NetworkCount, e.CreatedAt); err != nil {
			stmtLog.Close()
			stmtPost.Close()
			return err
		}
		for i, uri := range e.PostURIs {
			if _, err := stmtPost.ExecContext(ctx, e.ID, i, uri); err != nil {
				stmtLog.Close()
				stmtPost.Close()
				return err
			}
		}
	}
	if err := stmtLog.Close(); err != nil {
		return err
	}
	if err := stmtPost.Close(); err != nil {
		return err
	}

	return tx.Commit()
}

// GetRequestLog reloads one audit entry with its ordered post list, or nil
// when the id is unknown.
func (s *Store) GetRequestLog(ctx context.Context, id string) (*RequestLogEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var entries []RequestLogEntry
	err := s.db.SelectContext(ctx, &entries, s.rebind(`
		SELECT id, algorithm, requester, cursor_in, cursor_out,
		       publisher_count, network_count, created_at
		FROM request_log WHERE id = ?
	`), id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	entry := entries[0]
	err = s.db.SelectContext(ctx, &entry.PostURIs, s.rebind(`
		SELECT post_uri FROM request_post WHERE request_id = ? ORDER BY position
	`), id)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

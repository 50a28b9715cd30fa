package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Engagement kind codes. Comments are never materialized here; they are
// derived from post rows whose root references the subject.
const (
	EngagementLike   = 1
	EngagementRepost = 2
	EngagementQuote  = 3
)

type Engagement struct {
	URI        string `db:"uri"`
	SubjectURI string `db:"subject_uri"`
	Author     string `db:"author"`
	Kind       int    `db:"kind"`
	CreatedAt  int64  `db:"created_at"`
	IndexedAt  int64  `db:"indexed_at"`
}

// InsertEngagements stores engagement events, ignoring uris already present.
func (s *Store) InsertEngagements(ctx context.Context, events []Engagement) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.rebind(`
		INSERT OR IGNORE INTO engagement (uri, subject_uri, author, kind, created_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return 0, err
	}

	var inserted int64
	for _, e := range events {
		res, err := stmt.ExecContext(ctx,
			e.URI, e.SubjectURI, e.Author, e.Kind, e.CreatedAt, e.IndexedAt)
		if err != nil {
			stmt.Close()
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// DeleteEngagements removes engagement events by uri in bounded chunks. The
// same call handles upstream unlikes/unreposts and the cascade that removes
// a deleted quote post's derived event, which shares the post's uri.
func (s *Store) DeleteEngagements(ctx context.Context, uris []string) (int64, error) {
	if len(uris) == 0 {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deleted int64
	for _, part := range chunk(uris, chunkSize) {
		query, args, err := sqlx.In(`DELETE FROM engagement WHERE uri IN (?)`, part)
		if err != nil {
			return deleted, err
		}
		res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return deleted, err
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}
	}
	return deleted, nil
}

// CountEngagement counts, per subject uri, events of one kind created since
// the window start. subscribersOnly restricts actors to current subscribers
// through the subscriber table rather than a bound membership list.
func (s *Store) CountEngagement(ctx context.Context, uris []string, kind int, since int64, subscribersOnly bool) (map[string]int, error) {
	out := make(map[string]int, len(uris))
	if len(uris) == 0 {
		return out, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	base := `SELECT subject_uri, COUNT(*) AS n FROM engagement
		WHERE subject_uri IN (?) AND kind = ? AND created_at >= ?`
	if subscribersOnly {
		base += ` AND author IN (SELECT did FROM subscriber)`
	}
	base += ` GROUP BY subject_uri`

	for _, part := range chunk(uris, chunkSize) {
		query, args, err := sqlx.In(base, part, kind, since)
		if err != nil {
			return nil, err
		}
		rows := []struct {
			SubjectURI string `db:"subject_uri"`
			N          int    `db:"n"`
		}{}
		if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.SubjectURI] = r.N
		}
	}
	return out, nil
}

// GetEngagement returns one engagement event or nil when unknown.
func (s *Store) GetEngagement(ctx context.Context, uri string) (*Engagement, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var events []Engagement
	err := s.db.SelectContext(ctx, &events,
		s.rebind(`SELECT * FROM engagement WHERE uri = ?`), uri)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// DeleteOldEngagements removes at most batchSize engagement rows created
// before cutoff.
func (s *Store) DeleteOldEngagements(ctx context.Context, cutoff int64, batchSize int) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM engagement WHERE rowid IN (
			SELECT rowid FROM engagement WHERE created_at < ? ORDER BY created_at LIMIT ?
		)
	`), cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

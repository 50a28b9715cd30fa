package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

type Subscriber struct {
	DID       string `db:"did"`
	Handle    string `db:"handle"`
	CreatedAt int64  `db:"created_at"`
}

// UpsertFollows records the given follow edges for subject without touching
// edges absent from the list. The scheduled per-subscriber refresh uses
// this; only the nightly full resync removes stale edges.
func (s *Store) UpsertFollows(ctx context.Context, subject string, follows []string) error {
	if len(follows) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.rebind(`
		INSERT INTO follow (subject, follows, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subject, follows) DO UPDATE SET updated_at = excluded.updated_at
	`))
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, f := range follows {
		if _, err := stmt.ExecContext(ctx, subject, f, now); err != nil {
			stmt.Close()
			return err
		}
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	return tx.Commit()
}

// ReplaceFollows makes the stored edge set for subject exactly match
// follows: new edges are inserted, stale ones deleted. Diffed against the
// current set so the delete list stays inside the parameter ceiling.
func (s *Store) ReplaceFollows(ctx context.Context, subject string, follows []string) (added, removed int64, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	var existing []string
	if err := tx.SelectContext(ctx, &existing,
		s.rebind(`SELECT follows FROM follow WHERE subject = ?`), subject); err != nil {
		return 0, 0, err
	}

	current := make(map[string]bool, len(existing))
	for _, f := range existing {
		current[f] = true
	}
	wanted := make(map[string]bool, len(follows))
	for _, f := range follows {
		wanted[f] = true
	}

	var toAdd, toRemove []string
	for _, f := range follows {
		if !current[f] {
			toAdd = append(toAdd, f)
		}
	}
	for _, f := range existing {
		if !wanted[f] {
			toRemove = append(toRemove, f)
		}
	}

	if len(toAdd) > 0 {
		stmt, err := tx.PreparexContext(ctx, s.rebind(`
			INSERT OR IGNORE INTO follow (subject, follows, updated_at) VALUES (?, ?, ?)
		`))
		if err != nil {
			return 0, 0, err
		}
		now := time.Now().Unix()
		for _, f := range toAdd {
			if _, err := stmt.ExecContext(ctx, subject, f, now); err != nil {
				stmt.Close()
				return 0, 0, err
			}
		}
		if err := stmt.Close(); err != nil {
			return 0, 0, err
		}
		added = int64(len(toAdd))
	}

	for _, part := range chunk(toRemove, chunkSize) {
		query, args, err := sqlx.In(`DELETE FROM follow WHERE subject = ? AND follows IN (?)`, subject, part)
		if err != nil {
			return added, removed, err
		}
		res, err := tx.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return added, removed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}

	if err := tx.Commit(); err != nil {
		return added, removed, err
	}
	return added, removed, nil
}

// AllFollowTargets returns the distinct set of identities followed by any
// subject. These targets form the network side of the ingestion allowlist.
func (s *Store) AllFollowTargets(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var targets []string
	err := s.db.SelectContext(ctx, &targets,
		`SELECT DISTINCT follows FROM follow ORDER BY follows`)
	if err != nil {
		return nil, err
	}
	return targets, nil
}

// UpsertSubscriber registers or renames a subscriber.
func (s *Store) UpsertSubscriber(ctx context.Context, did, handle string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO subscriber (did, handle, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET handle = excluded.handle
	`), did, handle, time.Now().Unix())
	return err
}

// SubscriberDIDs lists every registered subscriber identity.
func (s *Store) SubscriberDIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var dids []string
	err := s.db.SelectContext(ctx, &dids, `SELECT did FROM subscriber ORDER BY did`)
	if err != nil {
		return nil, err
	}
	return dids, nil
}

// HasSubscribers reports whether any subscriber is registered. The
// aggregator consults this before narrowing publisher-post counts to
// subscriber activity.
func (s *Store) HasSubscribers(ctx context.Context) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM subscriber`); err != nil {
		return false, err
	}
	return n > 0, nil
}

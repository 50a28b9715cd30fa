package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

type Post struct {
	URI             string `db:"uri"`
	CID             string `db:"cid"`
	Author          string `db:"author"`
	CreatedAt       int64  `db:"created_at"`
	IndexedAt       int64  `db:"indexed_at"`
	Text            string `db:"text"`
	RootURI         string `db:"root_uri"`
	ParentURI       string `db:"parent_uri"`
	LinkURL         string `db:"link_url"`
	LinkTitle       string `db:"link_title"`
	LinkDescription string `db:"link_description"`
	Priority        *int64 `db:"priority"`
	LikeCount       int    `db:"like_count"`
	RepostCount     int    `db:"repost_count"`
	CommentCount    int    `db:"comment_count"`
	QuoteCount      int    `db:"quote_count"`
}

// EngagementCounts is one post's recomputed aggregate set. Counts are always
// written wholesale, never incremented.
type EngagementCounts struct {
	Likes    int
	Reposts  int
	Comments int
	Quotes   int
}

// InsertPosts stores new posts, ignoring uris already present so a replayed
// batch is a no-op. Returns the number of rows actually inserted.
func (s *Store) InsertPosts(ctx context.Context, posts []Post) (int64, error) {
	if len(posts) == 0 {
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
		INSERT OR IGNORE INTO post (
			uri, cid, author, created_at, indexed_at, text,
			root_uri, parent_uri, link_url, link_title, link_description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return 0, err
	}

	var inserted int64
	for _, p := range posts {
		res, err := stmt.ExecContext(ctx,
			p.URI, p.CID, p.Author, p.CreatedAt, p.IndexedAt, p.Text,
			p.RootURI, p.ParentURI, p.LinkURL, p.LinkTitle, p.LinkDescription)
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

// DeletePosts removes posts by uri in bounded chunks.
func (s *Store) DeletePosts(ctx context.Context, uris []string) (int64, error) {
	if len(uris) == 0 {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deleted int64
	for _, part := range chunk(uris, chunkSize) {
		query, args, err := sqlx.In(`DELETE FROM post WHERE uri IN (?)`, part)
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

// GetPost returns one post or nil when the uri is unknown.
func (s *Store) GetPost(ctx context.Context, uri string) (*Post, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p Post
	err := s.db.GetContext(ctx, &p,
		s.rebind(`SELECT * FROM post WHERE uri = ?`), uri)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ExistingPostURIs filters uris down to those present in the post table.
func (s *Store) ExistingPostURIs(ctx context.Context, uris []string) (map[string]bool, error) {
	out := make(map[string]bool, len(uris))
	if len(uris) == 0 {
		return out, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, part := range chunk(uris, chunkSize) {
		query, args, err := sqlx.In(`SELECT uri FROM post WHERE uri IN (?)`, part)
		if err != nil {
			return nil, err
		}
		var found []string
		if err := s.db.SelectContext(ctx, &found, s.rebind(query), args...); err != nil {
			return nil, err
		}
		for _, uri := range found {
			out[uri] = true
		}
	}
	return out, nil
}

// PostAuthors maps each known uri to its author did.
func (s *Store) PostAuthors(ctx context.Context, uris []string) (map[string]string, error) {
	out := make(map[string]string, len(uris))
	if len(uris) == 0 {
		return out, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, part := range chunk(uris, chunkSize) {
		query, args, err := sqlx.In(`SELECT uri, author FROM post WHERE uri IN (?)`, part)
		if err != nil {
			return nil, err
		}
		rows := []struct {
			URI    string `db:"uri"`
			Author string `db:"author"`
		}{}
		if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.URI] = r.Author
		}
	}
	return out, nil
}

// TouchedPostURIs lists posts indexed inside the window plus posts whose
// engagement was indexed inside it. These are the aggregation candidates.
func (s *Store) TouchedPostURIs(ctx context.Context, since int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var uris []string
	err := s.db.SelectContext(ctx, &uris, s.rebind(`
		SELECT uri FROM post WHERE indexed_at >= ?
		UNION
		SELECT p.uri FROM post p
		JOIN engagement e ON e.subject_uri = p.uri
		WHERE e.indexed_at >= ?
		ORDER BY uri
	`), since, since)
	if err != nil {
		return nil, err
	}
	return uris, nil
}

// CountComments counts, per subject uri, the posts whose thread root
// references it and that were created since the window start. Comment
// engagement is derived from post rows only; the engagement table never
// holds it. subscribersOnly restricts authorship to current subscribers.
func (s *Store) CountComments(ctx context.Context, uris []string, since int64, subscribersOnly bool) (map[string]int, error) {
	out := make(map[string]int, len(uris))
	if len(uris) == 0 {
		return out, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	base := `SELECT root_uri, COUNT(*) AS n FROM post WHERE root_uri IN (?) AND created_at >= ?`
	if subscribersOnly {
		base += ` AND author IN (SELECT did FROM subscriber)`
	}
	base += ` GROUP BY root_uri`

	for _, part := range chunk(uris, chunkSize) {
		query, args, err := sqlx.In(base, part, since)
		if err != nil {
			return nil, err
		}
		rows := []struct {
			RootURI string `db:"root_uri"`
			N       int    `db:"n"`
		}{}
		if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.RootURI] = r.N
		}
	}
	return out, nil
}

// UpdateEngagementCounts rewrites the cached counts for every uri in counts.
// Each chunk maps all four columns through one parameterized CASE expression;
// uris absent from the table are ignored by the WHERE membership.
func (s *Store) UpdateEngagementCounts(ctx context.Context, counts map[string]EngagementCounts) error {
	if len(counts) == 0 {
		return nil
	}

	uris := make([]string, 0, len(counts))
	for uri := range counts {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, part := range chunk(uris, chunkSize) {
		if err := s.updateCountsChunk(ctx, part, counts); err != nil {
			return fmt.Errorf("update counts chunk: %w", err)
		}
	}
	return nil
}

func (s *Store) updateCountsChunk(ctx context.Context, uris []string, counts map[string]EngagementCounts) error {
	var whens strings.Builder
	for range uris {
		whens.WriteString(" WHEN ? THEN ?")
	}
	caseExpr := "CASE uri" + whens.String() + " END"

	var query strings.Builder
	query.WriteString("UPDATE post SET like_count = ")
	query.WriteString(caseExpr)
	query.WriteString(", repost_count = ")
	query.WriteString(caseExpr)
	query.WriteString(", comment_count = ")
	query.WriteString(caseExpr)
	query.WriteString(", quote_count = ")
	query.WriteString(caseExpr)
	query.WriteString(" WHERE uri IN (")
	query.WriteString(strings.TrimSuffix(strings.Repeat("?,", len(uris)), ","))
	query.WriteString(")")

	args := make([]interface{}, 0, 9*len(uris))
	for _, uri := range uris {
		args = append(args, uri, counts[uri].Likes)
	}
	for _, uri := range uris {
		args = append(args, uri, counts[uri].Reposts)
	}
	for _, uri := range uris {
		args = append(args, uri, counts[uri].Comments)
	}
	for _, uri := range uris {
		args = append(args, uri, counts[uri].Quotes)
	}
	for _, uri := range uris {
		args = append(args, uri)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(query.String()), args...)
	return err
}

// SetPostPriority sets or clears the manual ranking override.
func (s *Store) SetPostPriority(ctx context.Context, uri string, priority *int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE post SET priority = ? WHERE uri = ?`), priority, uri)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unknown post: %s", uri)
	}
	return nil
}

// DeleteOldPosts removes at most batchSize posts created before cutoff and
// reports how many went. Callers loop until a batch comes up short.
func (s *Store) DeleteOldPosts(ctx context.Context, cutoff int64, batchSize int) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM post WHERE rowid IN (
			SELECT rowid FROM post WHERE created_at < ? ORDER BY created_at LIMIT ?
		)
	`), cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// FeedOrder selects how a feed sub-query ranks posts. One engine consumes
// these; there is no per-algorithm query builder.
type FeedOrder int

const (
	// FeedOrderRecency ranks by creation time alone.
	FeedOrderRecency FeedOrder = iota
	// FeedOrderPriority ranks manual overrides first, then recency.
	FeedOrderPriority
	// FeedOrderEngagement ranks by raw cached engagement, then recency.
	FeedOrderEngagement
	// FeedOrderDecayed ranks by cached engagement scaled down
	// quadratically with age across the freshness window, then recency.
	FeedOrderDecayed
)

// FeedQuery describes one ranked sub-query page. Now and WindowStart feed
// the decay arithmetic; only FeedOrderDecayed restricts rows to the window.
type FeedQuery struct {
	Order       FeedOrder
	Publishers  []string
	Now         int64
	WindowStart int64
	Limit       int
	Offset      int
}

// PublisherFeedPage returns one ordered page of publisher-authored post
// uris. An empty publisher set yields an empty stream.
func (s *Store) PublisherFeedPage(ctx context.Context, q FeedQuery) ([]string, error) {
	if len(q.Publishers) == 0 {
		return nil, nil
	}
	return s.feedPage(ctx, q, `author IN (?)`, []interface{}{q.Publishers})
}

// NetworkFeedPage returns one ordered page of non-publisher post uris.
func (s *Store) NetworkFeedPage(ctx context.Context, q FeedQuery) ([]string, error) {
	if len(q.Publishers) == 0 {
		return s.feedPage(ctx, q, `1=1`, nil)
	}
	return s.feedPage(ctx, q, `author NOT IN (?)`, []interface{}{q.Publishers})
}

func (s *Store) feedPage(ctx context.Context, q FeedQuery, streamFilter string, filterArgs []interface{}) ([]string, error) {
	orderClause, orderArgs, err := feedOrderClause(q)
	if err != nil {
		return nil, err
	}

	query := `SELECT uri FROM post WHERE ` + streamFilter
	args := append([]interface{}{}, filterArgs...)
	if q.Order == FeedOrderDecayed {
		query += ` AND created_at >= ?`
		args = append(args, q.WindowStart)
	}
	query += ` ORDER BY ` + orderClause + ` LIMIT ? OFFSET ?`
	args = append(args, orderArgs...)
	args = append(args, q.Limit, q.Offset)

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var uris []string
	if err := s.db.SelectContext(ctx, &uris, s.rebind(expanded), expandedArgs...); err != nil {
		return nil, err
	}
	return uris, nil
}

func feedOrderClause(q FeedQuery) (string, []interface{}, error) {
	const score = `(like_count + repost_count + comment_count + quote_count)`

	switch q.Order {
	case FeedOrderRecency:
		return `created_at DESC, uri`, nil, nil
	case FeedOrderPriority:
		// DESC sorts NULL priorities after every override.
		return `priority DESC, created_at DESC, uri`, nil, nil
	case FeedOrderEngagement:
		return score + ` DESC, created_at DESC, uri`, nil, nil
	case FeedOrderDecayed:
		span := q.Now - q.WindowStart
		if span <= 0 {
			span = 1
		}
		clause := score +
			` * (1.0 - (CAST(? - created_at AS REAL) / ?) * (CAST(? - created_at AS REAL) / ?))` +
			` DESC, created_at DESC, uri`
		return clause, []interface{}{q.Now, span, q.Now, span}, nil
	default:
		return "", nil, fmt.Errorf("unknown feed order: %d", q.Order)
	}
}

package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Export scope selectors. Union keeps rows matching either classification.
const (
	ExportScopeUnion                 = "union"
	ExportScopePublisher             = "publisher"
	ExportScopeSubscriber            = "subscriber"
	ExportScopeSubscriberOnPublisher = "subscriber_on_publisher"
)

// TimelineEvent is one deduplicated engagement-timeline row, classified
// against the current publisher and subscriber sets.
type TimelineEvent struct {
	URI             string `db:"uri" json:"uri"`
	Kind            string `db:"kind" json:"kind"`
	Actor           string `db:"actor" json:"actor"`
	SubjectURI      string `db:"subject_uri" json:"subject_uri"`
	SubjectAuthor   string `db:"subject_author" json:"subject_author"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
	IndexedAt       int64  `db:"indexed_at" json:"indexed_at"`
	PublisherTarget bool   `db:"is_publisher_target" json:"is_publisher_target"`
	SubscriberActor bool   `db:"is_subscriber_actor" json:"is_subscriber_actor"`
}

// ExportFilter is the complete caller filter set for one export query.
type ExportFilter struct {
	Since      int64
	Until      int64
	Scope      string
	Kinds      []string
	Actor      string
	Publishers []string
	// OtherMode selects the secondary sub-report instead: subscriber
	// activity falling outside publisher targets.
	OtherMode bool
}

// ExportKey is the keyset position after which the next page resumes.
type ExportKey struct {
	CreatedAt int64
	URI       string
}

// ExportPage returns up to limit deduplicated timeline rows after the key,
// ordered by created_at descending then uri, plus whether more rows remain.
//
// The union folds the engagement store together with comment-shaped posts.
// Caller filters run before the dedup window so a type-restricted query
// sees the surviving classification of each event; the ROW_NUMBER pass then
// keeps, per event uri, the row with the latest creation time, ties going
// to the highest type rank (like < repost < comment < quote).
func (s *Store) ExportPage(ctx context.Context, f ExportFilter, after *ExportKey, limit int) ([]TimelineEvent, bool, error) {
	query, args, err := buildExportQuery(f, after, limit+1)
	if err != nil {
		return nil, false, err
	}

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []TimelineEvent
	if err := s.db.SelectContext(ctx, &rows, s.rebind(expanded), expandedArgs...); err != nil {
		return nil, false, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return rows, hasMore, nil
}

const exportUnionSQL = `
SELECT e.uri AS uri,
       CASE e.kind WHEN 1 THEN 'like' WHEN 2 THEN 'repost' ELSE 'quote' END AS kind,
       CASE e.kind WHEN 1 THEN 0 WHEN 2 THEN 1 ELSE 3 END AS type_rank,
       e.author AS actor,
       e.subject_uri AS subject_uri,
       substr(e.subject_uri, 6, instr(substr(e.subject_uri, 6), '/') - 1) AS subject_author,
       e.created_at AS created_at,
       e.indexed_at AS indexed_at,
       CASE WHEN e.author IN (SELECT did FROM subscriber) THEN 1 ELSE 0 END AS is_subscriber_actor
FROM engagement e
UNION ALL
SELECT p.uri, 'comment', 2, p.author, p.root_uri,
       substr(p.root_uri, 6, instr(substr(p.root_uri, 6), '/') - 1),
       p.created_at, p.indexed_at,
       CASE WHEN p.author IN (SELECT did FROM subscriber) THEN 1 ELSE 0 END
FROM post p
WHERE p.root_uri != ''`

func buildExportQuery(f ExportFilter, after *ExportKey, fetch int) (string, []interface{}, error) {
	havePubs := len(f.Publishers) > 0
	var args []interface{}

	selectPub := "0"
	if havePubs {
		selectPub = "CASE WHEN t.subject_author IN (?) THEN 1 ELSE 0 END"
		args = append(args, f.Publishers)
	}

	var conds []string
	if f.Since > 0 {
		conds = append(conds, "t.created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "t.created_at < ?")
		args = append(args, f.Until)
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "t.kind IN (?)")
		args = append(args, f.Kinds)
	}
	if f.Actor != "" {
		conds = append(conds, "t.actor = ?")
		args = append(args, f.Actor)
	}

	scopeCond, scopeArgs, err := exportScopeCondition(f, havePubs)
	if err != nil {
		return "", nil, err
	}
	conds = append(conds, scopeCond)
	args = append(args, scopeArgs...)

	where := strings.Join(conds, " AND ")

	query := `
SELECT uri, kind, actor, subject_uri, subject_author, created_at, indexed_at,
       is_publisher_target, is_subscriber_actor
FROM (
  SELECT t.uri, t.kind, t.type_rank, t.actor, t.subject_uri, t.subject_author,
         t.created_at, t.indexed_at, t.is_subscriber_actor,
         ` + selectPub + ` AS is_publisher_target,
         ROW_NUMBER() OVER (PARTITION BY t.uri ORDER BY t.created_at DESC, t.type_rank DESC) AS rn
  FROM (` + exportUnionSQL + `
  ) t
  WHERE ` + where + `
) d
WHERE d.rn = 1`

	if after != nil {
		query += ` AND (d.created_at < ? OR (d.created_at = ? AND d.uri > ?))`
		args = append(args, after.CreatedAt, after.CreatedAt, after.URI)
	}

	query += `
ORDER BY d.created_at DESC, d.uri
LIMIT ?`
	args = append(args, fetch)

	return query, args, nil
}

func exportScopeCondition(f ExportFilter, havePubs bool) (string, []interface{}, error) {
	pubCond := "1=0"
	notPubCond := "1=1"
	var pubArgs []interface{}
	if havePubs {
		pubCond = "t.subject_author IN (?)"
		notPubCond = "t.subject_author NOT IN (?)"
		pubArgs = []interface{}{f.Publishers}
	}

	if f.OtherMode {
		return "(t.is_subscriber_actor = 1 AND " + notPubCond + ")", pubArgs, nil
	}

	switch f.Scope {
	case ExportScopeUnion:
		return "(" + pubCond + " OR t.is_subscriber_actor = 1)", pubArgs, nil
	case ExportScopePublisher:
		return "(" + pubCond + ")", pubArgs, nil
	case ExportScopeSubscriber:
		return "(t.is_subscriber_actor = 1)", nil, nil
	case ExportScopeSubscriberOnPublisher:
		return "(t.is_subscriber_actor = 1 AND " + pubCond + ")", pubArgs, nil
	default:
		return "", nil, fmt.Errorf("unknown export scope: %q", f.Scope)
	}
}

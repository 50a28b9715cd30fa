package storage

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// LegacyStore reads the pre-migration interactions database. It serves the
// legacy export entry point with the same filter and pagination semantics
// as the primary store; rows are classified in Go against the current
// publisher and subscriber sets because the old file knows neither.
type LegacyStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenLegacy opens the legacy database read-only.
func OpenLegacy(path string, statementTimeout time.Duration) (*LegacyStore, error) {
	db, err := sqlx.Open("sqlite3", "file:"+path+"?mode=ro&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open legacy database: %w", err)
	}
	if statementTimeout <= 0 {
		statementTimeout = 5 * time.Second
	}
	log.Printf("Storage: legacy database attached read-only: %s", path)
	return &LegacyStore{db: db, timeout: statementTimeout}, nil
}

func (l *LegacyStore) Close() error {
	return l.db.Close()
}

type legacyRow struct {
	URI           string `db:"uri"`
	Kind          string `db:"kind"`
	Actor         string `db:"actor"`
	SubjectURI    string `db:"subject_uri"`
	SubjectAuthor string `db:"subject_author"`
	CreatedAt     int64  `db:"created_at"`
	IndexedAt     int64  `db:"indexed_at"`
}

// ExportPage mirrors Store.ExportPage over the legacy interactions table.
// Time, type and actor filters run in SQL; scope classification runs in Go
// with the supplied subscriber set, re-fetching keyset batches until the
// page fills or the table exhausts. The legacy id column is unique, so the
// dedup pass of the primary store has nothing to collapse here.
func (l *LegacyStore) ExportPage(ctx context.Context, f ExportFilter, subscribers map[string]bool, after *ExportKey, limit int) ([]TimelineEvent, bool, error) {
	if _, _, err := exportScopeCondition(f, len(f.Publishers) > 0); err != nil {
		return nil, false, err
	}

	publishers := make(map[string]bool, len(f.Publishers))
	for _, p := range f.Publishers {
		publishers[p] = true
	}

	var (
		accepted []TimelineEvent
		cursor   = after
		fetch    = limit + 1
	)
	for len(accepted) <= limit {
		rows, err := l.fetchBatch(ctx, f, cursor, fetch)
		if err != nil {
			return nil, false, err
		}
		for _, r := range rows {
			ev := TimelineEvent{
				URI:             r.URI,
				Kind:            r.Kind,
				Actor:           r.Actor,
				SubjectURI:      r.SubjectURI,
				SubjectAuthor:   r.SubjectAuthor,
				CreatedAt:       r.CreatedAt,
				IndexedAt:       r.IndexedAt,
				PublisherTarget: publishers[r.SubjectAuthor],
				SubscriberActor: subscribers[r.Actor],
			}
			if matchesExportScope(ev, f) {
				accepted = append(accepted, ev)
			}
		}
		if len(rows) < fetch {
			break
		}
		last := rows[len(rows)-1]
		cursor = &ExportKey{CreatedAt: last.CreatedAt, URI: last.URI}
	}

	hasMore := len(accepted) > limit
	if hasMore {
		accepted = accepted[:limit]
	}
	return accepted, hasMore, nil
}

func (l *LegacyStore) fetchBatch(ctx context.Context, f ExportFilter, after *ExportKey, fetch int) ([]legacyRow, error) {
	const createdExpr = `CAST(strftime('%s', created_at) AS INTEGER)`

	var (
		conds []string
		args  []interface{}
	)
	if f.Since > 0 {
		conds = append(conds, createdExpr+` >= ?`)
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, createdExpr+` < ?`)
		args = append(args, f.Until)
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, `interaction_type IN (?)`)
		args = append(args, f.Kinds)
	}
	if f.Actor != "" {
		conds = append(conds, `actor_did = ?`)
		args = append(args, f.Actor)
	}
	if after != nil {
		conds = append(conds, `(`+createdExpr+` < ? OR (`+createdExpr+` = ? AND id > ?))`)
		args = append(args, after.CreatedAt, after.CreatedAt, after.URI)
	}

	query := `
SELECT id AS uri,
       interaction_type AS kind,
       actor_did AS actor,
       post_uri AS subject_uri,
       substr(post_uri, 6, instr(substr(post_uri, 6), '/') - 1) AS subject_author,
       ` + createdExpr + ` AS created_at,
       CAST(strftime('%s', indexed_at) AS INTEGER) AS indexed_at
FROM interactions`
	if len(conds) > 0 {
		query += `
WHERE ` + strings.Join(conds, " AND ")
	}
	query += `
ORDER BY created_at DESC, id
LIMIT ?`
	args = append(args, fetch)

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var rows []legacyRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, err
	}
	return rows, nil
}

// matchesExportScope applies the scope selection to an already classified
// row. The SQL path of the primary store encodes the same predicate.
func matchesExportScope(ev TimelineEvent, f ExportFilter) bool {
	if f.OtherMode {
		return ev.SubscriberActor && !ev.PublisherTarget
	}
	switch f.Scope {
	case ExportScopeUnion:
		return ev.PublisherTarget || ev.SubscriberActor
	case ExportScopePublisher:
		return ev.PublisherTarget
	case ExportScopeSubscriber:
		return ev.SubscriberActor
	case ExportScopeSubscriberOnPublisher:
		return ev.SubscriberActor && ev.PublisherTarget
	default:
		return false
	}
}

package storage

import (
	"context"
	"fmt"
)

// TableCounts reports row counts for the diagnostics snapshot.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tables := []string{"post", "engagement", "follow", "subscriber", "request_log"}
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

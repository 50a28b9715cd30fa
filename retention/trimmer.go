// Package retention deletes aged rows in bounded batches so the database
// stays within its configured horizon without long write transactions.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/feedwright/feedwright/config"
	"github.com/feedwright/feedwright/metrics"
	"github.com/feedwright/feedwright/storage"
)

type Trimmer struct {
	store *storage.Store
	cfg   config.RetentionConfig
}

func NewTrimmer(store *storage.Store, cfg config.RetentionConfig) *Trimmer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Trimmer{store: store, cfg: cfg}
}

// Run trims engagement first, then posts. Each table is drained in batches
// of at most BatchSize rows, oldest first, until a pass comes up short, so
// no single delete holds the write lock for long however large the
// backlog.
func (t *Trimmer) Run(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	now := time.Now().Unix()

	engagement, err := t.drain(ctx, "engagement",
		now-int64(t.cfg.EngagementMaxAgeDays)*86400, t.store.DeleteOldEngagements)
	if err != nil {
		return err
	}
	posts, err := t.drain(ctx, "post",
		now-int64(t.cfg.PostMaxAgeDays)*86400, t.store.DeleteOldPosts)
	if err != nil {
		return err
	}

	if engagement > 0 || posts > 0 {
		log.Printf("Retention: trimmed %d engagement rows, %d posts", engagement, posts)
	}
	return nil
}

func (t *Trimmer) drain(ctx context.Context, table string, cutoff int64, del func(context.Context, int64, int) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := del(ctx, cutoff, t.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		metrics.RowsTrimmed.WithLabelValues(table).Add(float64(n))
		if n < int64(t.cfg.BatchSize) {
			return total, nil
		}
	}
}

package retention_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedwright/feedwright/config"
	"github.com/feedwright/feedwright/retention"
	"github.com/feedwright/feedwright/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAged(t *testing.T, s *storage.Store, oldPosts, oldEngagement int, oldAt, freshAt int64) {
	t.Helper()
	ctx := context.Background()

	posts := make([]storage.Post, 0, oldPosts+1)
	for i := 0; i < oldPosts; i++ {
		posts = append(posts, storage.Post{
			URI: fmt.Sprintf("at://did:plc:a/app.bsky.feed.post/old%d", i), CID: "c",
			Author: "did:plc:a", CreatedAt: oldAt, IndexedAt: oldAt,
		})
	}
	posts = append(posts, storage.Post{
		URI: "at://did:plc:a/app.bsky.feed.post/fresh", CID: "c",
		Author: "did:plc:a", CreatedAt: freshAt, IndexedAt: freshAt,
	})
	_, err := s.InsertPosts(ctx, posts)
	require.NoError(t, err)

	events := make([]storage.Engagement, 0, oldEngagement+1)
	for i := 0; i < oldEngagement; i++ {
		events = append(events, storage.Engagement{
			URI:        fmt.Sprintf("at://did:plc:b/app.bsky.feed.like/old%d", i),
			SubjectURI: posts[0].URI, Author: "did:plc:b",
			Kind: storage.EngagementLike, CreatedAt: oldAt, IndexedAt: oldAt,
		})
	}
	events = append(events, storage.Engagement{
		URI:        "at://did:plc:b/app.bsky.feed.like/fresh",
		SubjectURI: posts[0].URI, Author: "did:plc:b",
		Kind: storage.EngagementLike, CreatedAt: freshAt, IndexedAt: freshAt,
	})
	_, err = s.InsertEngagements(ctx, events)
	require.NoError(t, err)
}

func TestRunDrainsBacklogInBatches(t *testing.T) {
	s := newStore(t)
	now := time.Now().Unix()
	old := now - 200*86400

	// 7 aged rows per table against a batch size of 3 forces three passes.
	seedAged(t, s, 7, 7, old, now)

	trimmer := retention.NewTrimmer(s, config.RetentionConfig{
		Enabled:              true,
		PostMaxAgeDays:       90,
		EngagementMaxAgeDays: 90,
		BatchSize:            3,
	})
	require.NoError(t, trimmer.Run(context.Background()))

	counts, err := s.TableCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["post"], "fresh rows survive")
	assert.Equal(t, int64(1), counts["engagement"])
}

func TestRunDisabledLeavesRows(t *testing.T) {
	s := newStore(t)
	now := time.Now().Unix()
	seedAged(t, s, 2, 2, now-200*86400, now)

	trimmer := retention.NewTrimmer(s, config.RetentionConfig{
		Enabled:              false,
		PostMaxAgeDays:       90,
		EngagementMaxAgeDays: 90,
		BatchSize:            3,
	})
	require.NoError(t, trimmer.Run(context.Background()))

	counts, err := s.TableCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["post"])
	assert.Equal(t, int64(3), counts["engagement"])
}

func TestRunSeparateWindowsPerTable(t *testing.T) {
	s := newStore(t)
	now := time.Now().Unix()
	age := now - 60*86400 // older than 30d, newer than 90d

	seedAged(t, s, 3, 3, age, now)

	trimmer := retention.NewTrimmer(s, config.RetentionConfig{
		Enabled:              true,
		PostMaxAgeDays:       90,
		EngagementMaxAgeDays: 30,
		BatchSize:            10,
	})
	require.NoError(t, trimmer.Run(context.Background()))

	counts, err := s.TableCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts["post"], "posts inside their longer window stay")
	assert.Equal(t, int64(1), counts["engagement"], "engagement ages out on its own horizon")
}

package ingest_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedwright/feedwright/config"
	"github.com/feedwright/feedwright/ingest"
	"github.com/feedwright/feedwright/jetstream"
	"github.com/feedwright/feedwright/scope"
	"github.com/feedwright/feedwright/storage"
)

const (
	publisherDID  = "did:plc:pub"
	subscriberDID = "did:plc:sub"
	followedDID   = "did:plc:followed"
	strangerDID   = "did:plc:stranger"
)

// newProjector builds a projector over a fresh store seeded with one
// subscriber who follows followedDID, scoped to one publisher.
func newProjector(t *testing.T, scfg config.ScopeConfig) (*storage.Store, *ingest.Projector) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertSubscriber(ctx, subscriberDID, "sub.example.com"))
	require.NoError(t, s.UpsertFollows(ctx, subscriberDID, []string{followedDID}))

	return s, ingest.NewProjector(s, scope.NewResolver(s, scfg))
}

func defaultScope() config.ScopeConfig {
	return config.ScopeConfig{
		Enabled:          true,
		TrackSubscribers: true,
		Publishers:       []string{publisherDID},
		CacheTTLSeconds:  60,
	}
}

func postCreate(author, rkey, text string) jetstream.PostCreate {
	return jetstream.PostCreate{
		URI:       "at://" + author + "/app.bsky.feed.post/" + rkey,
		CID:       "bafy-" + rkey,
		Author:    author,
		CreatedAt: 1000,
		Record:    jetstream.PostRecord{Text: text},
	}
}

func TestApplyStoresScopedPostsOnly(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	batch := jetstream.CommitBatch{PostCreates: []jetstream.PostCreate{
		postCreate(followedDID, "a", "from a followed author"),
		postCreate(subscriberDID, "b", "from a subscriber"),
		postCreate(strangerDID, "c", "from a stranger"),
	}}
	require.NoError(t, p.Apply(ctx, batch))

	kept, err := s.GetPost(ctx, "at://"+followedDID+"/app.bsky.feed.post/a")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	kept, err = s.GetPost(ctx, "at://"+subscriberDID+"/app.bsky.feed.post/b")
	require.NoError(t, err)
	assert.NotNil(t, kept, "tracking keeps subscriber posts")

	dropped, err := s.GetPost(ctx, "at://"+strangerDID+"/app.bsky.feed.post/c")
	require.NoError(t, err)
	assert.Nil(t, dropped)
}

func TestApplyKeepsRepliesUnderScopedThreads(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	rootURI := "at://" + publisherDID + "/app.bsky.feed.post/root"
	reply := postCreate(strangerDID, "r1", "drive-by reply")
	reply.Record.Reply = &jetstream.ReplyRef{
		Root:   jetstream.StrongRef{URI: rootURI},
		Parent: jetstream.StrongRef{URI: rootURI},
	}
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{reply},
	}))

	got, err := s.GetPost(ctx, reply.URI)
	require.NoError(t, err)
	require.NotNil(t, got, "replies ride in on their thread")
	assert.Equal(t, rootURI, got.RootURI)
	assert.Equal(t, rootURI, got.ParentURI)
}

func TestApplySanitizesAndStoresLinkCard(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	pc := postCreate(followedDID, "a", "before\x00after")
	pc.Record.Embed = &jetstream.Embed{
		Type:     "app.bsky.embed.external",
		External: &jetstream.ExternalLink{URI: "https://example.com", Title: "Example\x00", Description: "desc"},
	}
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{pc},
	}))

	got, err := s.GetPost(ctx, pc.URI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "beforeafter", got.Text)
	assert.Equal(t, "https://example.com", got.LinkURL)
	assert.Equal(t, "Example", got.LinkTitle)
	assert.Equal(t, "desc", got.LinkDescription)
}

func TestApplyDerivesQuoteEngagement(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	quoted := "at://" + publisherDID + "/app.bsky.feed.post/orig"
	pc := postCreate(strangerDID, "q1", "look at this")
	pc.Record.Embed = &jetstream.Embed{
		Type:   "app.bsky.embed.record",
		Record: []byte(`{"uri": "` + quoted + `", "cid": "bafyq"}`),
	}
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{pc},
	}))

	// The stranger's post is out of scope, but their quote of a publisher
	// post still counts.
	post, err := s.GetPost(ctx, pc.URI)
	require.NoError(t, err)
	assert.Nil(t, post)

	ev, err := s.GetEngagement(ctx, pc.URI)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, storage.EngagementQuote, ev.Kind)
	assert.Equal(t, quoted, ev.SubjectURI)
	assert.Equal(t, strangerDID, ev.Author)
}

func TestApplyIgnoresQuotesOfUnscopedSubjects(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	quoted := "at://" + strangerDID + "/app.bsky.feed.post/orig"
	pc := postCreate(followedDID, "q2", "quoting a stranger")
	pc.Record.Embed = &jetstream.Embed{
		Type:   "app.bsky.embed.record",
		Record: []byte(`{"uri": "` + quoted + `", "cid": "bafyq"}`),
	}
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{pc},
	}))

	// The post itself is in scope, the quote subject is not a publisher
	// and the quoter is not a subscriber.
	post, err := s.GetPost(ctx, pc.URI)
	require.NoError(t, err)
	assert.NotNil(t, post)

	ev, err := s.GetEngagement(ctx, pc.URI)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestApplyReactionsRequireStoredSubject(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	subject := "at://" + followedDID + "/app.bsky.feed.post/a"
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{postCreate(followedDID, "a", "target")},
	}))

	batch := jetstream.CommitBatch{
		LikeCreates: []jetstream.EngagementCreate{
			{URI: "at://" + strangerDID + "/app.bsky.feed.like/1", Author: strangerDID, SubjectURI: subject, CreatedAt: 1100},
			{URI: "at://" + strangerDID + "/app.bsky.feed.like/2", Author: strangerDID, SubjectURI: "at://did:plc:ghost/app.bsky.feed.post/x", CreatedAt: 1100},
		},
		RepostCreates: []jetstream.EngagementCreate{
			{URI: "at://" + subscriberDID + "/app.bsky.feed.repost/1", Author: subscriberDID, SubjectURI: subject, CreatedAt: 1200},
		},
	}
	require.NoError(t, p.Apply(ctx, batch))

	like, err := s.GetEngagement(ctx, "at://"+strangerDID+"/app.bsky.feed.like/1")
	require.NoError(t, err)
	require.NotNil(t, like)
	assert.Equal(t, storage.EngagementLike, like.Kind)

	ghost, err := s.GetEngagement(ctx, "at://"+strangerDID+"/app.bsky.feed.like/2")
	require.NoError(t, err)
	assert.Nil(t, ghost, "reactions to unknown posts are dropped")

	repost, err := s.GetEngagement(ctx, "at://"+subscriberDID+"/app.bsky.feed.repost/1")
	require.NoError(t, err)
	require.NotNil(t, repost)
	assert.Equal(t, storage.EngagementRepost, repost.Kind)
}

func TestApplyPublisherRestrictionGatesReactions(t *testing.T) {
	scfg := defaultScope()
	scfg.RestrictPublisherEngagement = true
	s, p := newProjector(t, scfg)
	ctx := context.Background()

	subject := "at://" + publisherDID + "/app.bsky.feed.post/a"
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{postCreate(publisherDID, "a", "publisher post")},
	}))

	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		LikeCreates: []jetstream.EngagementCreate{
			{URI: "at://" + strangerDID + "/app.bsky.feed.like/1", Author: strangerDID, SubjectURI: subject, CreatedAt: 1100},
			{URI: "at://" + subscriberDID + "/app.bsky.feed.like/1", Author: subscriberDID, SubjectURI: subject, CreatedAt: 1100},
		},
	}))

	dropped, err := s.GetEngagement(ctx, "at://"+strangerDID+"/app.bsky.feed.like/1")
	require.NoError(t, err)
	assert.Nil(t, dropped, "restriction admits subscriber reactions only")

	kept, err := s.GetEngagement(ctx, "at://"+subscriberDID+"/app.bsky.feed.like/1")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestApplyDeletes(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	subject := "at://" + followedDID + "/app.bsky.feed.post/a"
	likeURI := "at://" + subscriberDID + "/app.bsky.feed.like/1"
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{postCreate(followedDID, "a", "target")},
	}))
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		LikeCreates: []jetstream.EngagementCreate{
			{URI: likeURI, Author: subscriberDID, SubjectURI: subject, CreatedAt: 1100},
		},
	}))

	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{LikeDeletes: []string{likeURI}}))
	gone, err := s.GetEngagement(ctx, likeURI)
	require.NoError(t, err)
	assert.Nil(t, gone, "an unlike removes the stored reaction")

	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{PostDeletes: []string{subject}}))
	post, err := s.GetPost(ctx, subject)
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestApplyPostDeleteRetractsDerivedQuote(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	quoted := "at://" + publisherDID + "/app.bsky.feed.post/orig"
	pc := postCreate(subscriberDID, "q1", "quoting")
	pc.Record.Embed = &jetstream.Embed{
		Type:   "app.bsky.embed.record",
		Record: []byte(`{"uri": "` + quoted + `", "cid": "bafyq"}`),
	}
	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{pc},
	}))

	ev, err := s.GetEngagement(ctx, pc.URI)
	require.NoError(t, err)
	require.NotNil(t, ev)

	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{PostDeletes: []string{pc.URI}}))
	ev, err = s.GetEngagement(ctx, pc.URI)
	require.NoError(t, err)
	assert.Nil(t, ev, "deleting the quoting post retracts its quote row")
}

func TestApplyIsIdempotent(t *testing.T) {
	s, p := newProjector(t, defaultScope())
	ctx := context.Background()

	batch := jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{postCreate(followedDID, "a", "hello")},
	}
	require.NoError(t, p.Apply(ctx, batch))
	require.NoError(t, p.Apply(ctx, batch))

	counts, err := s.TableCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["post"])
}

func TestApplyScopingDisabledStoresEverything(t *testing.T) {
	s, p := newProjector(t, config.ScopeConfig{CacheTTLSeconds: 60})
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, jetstream.CommitBatch{
		PostCreates: []jetstream.PostCreate{postCreate(strangerDID, "a", "anything goes")},
	}))
	post, err := s.GetPost(ctx, "at://"+strangerDID+"/app.bsky.feed.post/a")
	require.NoError(t, err)
	assert.NotNil(t, post)
}

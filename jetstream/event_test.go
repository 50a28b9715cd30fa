package jetstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var decodeNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func decode(t *testing.T, raw string) (CommitBatch, string, error) {
	t.Helper()
	ev, err := parseEvent([]byte(raw))
	require.NoError(t, err)
	return ev.batch(decodeNow)
}

func TestDecodePostCreate(t *testing.T) {
	raw := `{
		"did": "did:plc:alice",
		"time_us": 1725000000000001,
		"kind": "commit",
		"commit": {
			"rev": "abc",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3kabc",
			"cid": "bafyreia",
			"record": {
				"$type": "app.bsky.feed.post",
				"text": "hello world",
				"createdAt": "2024-06-01T10:30:00.000Z",
				"reply": {
					"root": {"uri": "at://did:plc:bob/app.bsky.feed.post/root", "cid": "bafyroot"},
					"parent": {"uri": "at://did:plc:carol/app.bsky.feed.post/parent", "cid": "bafyparent"}
				},
				"embed": {
					"$type": "app.bsky.embed.external",
					"external": {"uri": "https://example.com", "title": "Example", "description": "A page"}
				}
			}
		}
	}`

	batch, collection, err := decode(t, raw)
	require.NoError(t, err)
	assert.Equal(t, CollectionPost, collection)
	require.Len(t, batch.PostCreates, 1)

	pc := batch.PostCreates[0]
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/3kabc", pc.URI)
	assert.Equal(t, "bafyreia", pc.CID)
	assert.Equal(t, "did:plc:alice", pc.Author)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC).Unix(), pc.CreatedAt)
	require.NotNil(t, pc.Record.Reply)
	assert.Equal(t, "at://did:plc:bob/app.bsky.feed.post/root", pc.Record.Reply.Root.URI)

	link := pc.Record.ExternalLink()
	require.NotNil(t, link)
	assert.Equal(t, "https://example.com", link.URI)
	assert.Empty(t, pc.Record.QuotedURI())
}

func TestDecodePostDelete(t *testing.T) {
	raw := `{
		"did": "did:plc:alice",
		"time_us": 1725000000000002,
		"kind": "commit",
		"commit": {
			"operation": "delete",
			"collection": "app.bsky.feed.post",
			"rkey": "3kabc"
		}
	}`

	batch, _, err := decode(t, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://did:plc:alice/app.bsky.feed.post/3kabc"}, batch.PostDeletes)
	assert.Empty(t, batch.PostCreates)
}

func TestDecodeLikeAndRepost(t *testing.T) {
	like := `{
		"did": "did:plc:fan",
		"time_us": 1725000000000003,
		"kind": "commit",
		"commit": {
			"operation": "create",
			"collection": "app.bsky.feed.like",
			"rkey": "3klike",
			"record": {
				"$type": "app.bsky.feed.like",
				"subject": {"uri": "at://did:plc:alice/app.bsky.feed.post/3kabc", "cid": "bafyreia"},
				"createdAt": "2024-06-01T11:00:00Z"
			}
		}
	}`
	batch, collection, err := decode(t, like)
	require.NoError(t, err)
	assert.Equal(t, CollectionLike, collection)
	require.Len(t, batch.LikeCreates, 1)
	assert.Equal(t, "at://did:plc:fan/app.bsky.feed.like/3klike", batch.LikeCreates[0].URI)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/3kabc", batch.LikeCreates[0].SubjectURI)

	unrepost := `{
		"did": "did:plc:fan",
		"time_us": 1725000000000004,
		"kind": "commit",
		"commit": {
			"operation": "delete",
			"collection": "app.bsky.feed.repost",
			"rkey": "3krepost"
		}
	}`
	batch, _, err = decode(t, unrepost)
	require.NoError(t, err)
	assert.Equal(t, []string{"at://did:plc:fan/app.bsky.feed.repost/3krepost"}, batch.RepostDeletes)
}

func TestDecodeMalformedRecords(t *testing.T) {
	badRecord := `{
		"did": "did:plc:alice",
		"time_us": 1725000000000005,
		"kind": "commit",
		"commit": {
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3kabc",
			"record": "not an object"
		}
	}`
	_, _, err := decode(t, badRecord)
	assert.ErrorIs(t, err, ErrMalformedRecord)

	noSubject := `{
		"did": "did:plc:fan",
		"time_us": 1725000000000006,
		"kind": "commit",
		"commit": {
			"operation": "create",
			"collection": "app.bsky.feed.like",
			"rkey": "3klike",
			"record": {"$type": "app.bsky.feed.like", "createdAt": "2024-06-01T11:00:00Z"}
		}
	}`
	_, collection, err := decode(t, noSubject)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Equal(t, CollectionLike, collection, "the envelope still identifies the collection")
}

func TestDecodeIgnoresNonCommitKinds(t *testing.T) {
	raw := `{
		"did": "did:plc:alice",
		"time_us": 1725000000000007,
		"kind": "identity",
		"identity": {"did": "did:plc:alice", "handle": "alice.example.com"}
	}`
	batch, collection, err := decode(t, raw)
	require.NoError(t, err)
	assert.True(t, batch.Empty())
	assert.Empty(t, collection)
}

func TestQuotedURI(t *testing.T) {
	plain := &PostRecord{Embed: &Embed{
		Type:   "app.bsky.embed.record",
		Record: []byte(`{"uri": "at://did:plc:alice/app.bsky.feed.post/quoted", "cid": "bafyq"}`),
	}}
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/quoted", plain.QuotedURI())

	withMedia := &PostRecord{Embed: &Embed{
		Type:   "app.bsky.embed.recordWithMedia",
		Record: []byte(`{"record": {"uri": "at://did:plc:alice/app.bsky.feed.post/quoted", "cid": "bafyq"}}`),
	}}
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/quoted", withMedia.QuotedURI())

	images := &PostRecord{Embed: &Embed{Type: "app.bsky.embed.images"}}
	assert.Empty(t, images.QuotedURI())
	assert.Nil(t, images.ExternalLink())
}

func TestParseCreatedAtFallsBackToReceiptTime(t *testing.T) {
	assert.Equal(t, decodeNow.Unix(), parseCreatedAt("", decodeNow))
	assert.Equal(t, decodeNow.Unix(), parseCreatedAt("yesterday-ish", decodeNow))
	assert.Equal(t, int64(1717236000), parseCreatedAt("2024-06-01T10:00:00Z", decodeNow))
}

package aturi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feedwright/feedwright/internal/aturi"
)

func TestParse(t *testing.T) {
	did, collection, rkey, err := aturi.Parse("at://did:plc:abc123/app.bsky.feed.post/3kxyz")
	assert.NoError(t, err)
	assert.Equal(t, "did:plc:abc123", did)
	assert.Equal(t, "app.bsky.feed.post", collection)
	assert.Equal(t, "3kxyz", rkey)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"https://example.com/x/y",
		"at://did:plc:abc123",
		"at://did:plc:abc123/app.bsky.feed.post",
		"at:///app.bsky.feed.post/3kxyz",
		"at://did:plc:abc123//3kxyz",
	}
	for _, uri := range cases {
		_, _, _, err := aturi.Parse(uri)
		assert.Error(t, err, "uri %q", uri)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	uri := aturi.Build("did:plc:abc123", "app.bsky.feed.like", "3klike")
	assert.Equal(t, "at://did:plc:abc123/app.bsky.feed.like/3klike", uri)
	assert.Equal(t, "did:plc:abc123", aturi.AuthorDID(uri))
	assert.Equal(t, "3klike", aturi.RKey(uri))
}

func TestAuthorDIDEmptyOnGarbage(t *testing.T) {
	assert.Equal(t, "", aturi.AuthorDID("not a uri"))
}

func TestRKeyPassesThroughBareIDs(t *testing.T) {
	assert.Equal(t, "recent", aturi.RKey("recent"))
	assert.Equal(t, "rising", aturi.RKey("at://did:plc:gen/app.bsky.feed.generator/rising"))
}

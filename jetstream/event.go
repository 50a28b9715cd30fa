package jetstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/feedwright/feedwright/internal/aturi"
)

const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionLike   = "app.bsky.feed.like"
	CollectionRepost = "app.bsky.feed.repost"
)

const (
	embedExternal        = "app.bsky.embed.external"
	embedRecord          = "app.bsky.embed.record"
	embedRecordWithMedia = "app.bsky.embed.recordWithMedia"
)

// ErrMalformedRecord marks a commit whose record payload failed to decode.
// The event envelope around it is intact, so callers can still advance
// their cursor past it.
var ErrMalformedRecord = errors.New("malformed record")

// StrongRef is a reference to a specific version of a record.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef contains references to the parent and root of a reply chain.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// ExternalLink is the link card payload of an app.bsky.embed.external.
type ExternalLink struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Embed is the subset of the post embed union the projector inspects.
// Record holds a StrongRef for app.bsky.embed.record and a nested
// {record: StrongRef} for app.bsky.embed.recordWithMedia.
type Embed struct {
	Type     string          `json:"$type"`
	External *ExternalLink   `json:"external,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
}

// PostRecord is the decoded content of an app.bsky.feed.post record.
type PostRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
}

// ExternalLink returns the embedded link card, or nil.
func (r *PostRecord) ExternalLink() *ExternalLink {
	if r.Embed == nil || r.Embed.Type != embedExternal {
		return nil
	}
	return r.Embed.External
}

// QuotedURI returns the uri of the post this record quotes, or "".
func (r *PostRecord) QuotedURI() string {
	if r.Embed == nil || len(r.Embed.Record) == 0 {
		return ""
	}
	switch r.Embed.Type {
	case embedRecord:
		var ref StrongRef
		if err := json.Unmarshal(r.Embed.Record, &ref); err != nil {
			return ""
		}
		return ref.URI
	case embedRecordWithMedia:
		var nested struct {
			Record StrongRef `json:"record"`
		}
		if err := json.Unmarshal(r.Embed.Record, &nested); err != nil {
			return ""
		}
		return nested.Record.URI
	}
	return ""
}

// subjectRecord is the shared shape of like and repost records.
type subjectRecord struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// PostCreate is one new post with its decoded record.
type PostCreate struct {
	URI       string
	CID       string
	Author    string
	CreatedAt int64
	Record    PostRecord
}

// EngagementCreate is one new like or repost.
type EngagementCreate struct {
	URI        string
	Author     string
	SubjectURI string
	CreatedAt  int64
}

// CommitBatch groups decoded commit operations by record kind and
// operation. A live stream message carries exactly one operation; the
// grouped form is the projector's bulk interface, and tests feed it
// multi-operation batches directly.
type CommitBatch struct {
	PostCreates   []PostCreate
	PostDeletes   []string
	LikeCreates   []EngagementCreate
	LikeDeletes   []string
	RepostCreates []EngagementCreate
	RepostDeletes []string
}

func (b *CommitBatch) Empty() bool {
	return len(b.PostCreates) == 0 && len(b.PostDeletes) == 0 &&
		len(b.LikeCreates) == 0 && len(b.LikeDeletes) == 0 &&
		len(b.RepostCreates) == 0 && len(b.RepostDeletes) == 0
}

// event is the raw JSON envelope of one Jetstream frame.
type event struct {
	DID    string          `json:"did"`
	TimeUS int64           `json:"time_us"`
	Kind   string          `json:"kind"`
	Commit json.RawMessage `json:"commit,omitempty"`
}

// commit is the raw commit payload inside an event.
type commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

func parseEvent(data []byte) (*event, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// batch decodes the event's commit into a CommitBatch, reporting the
// commit's record collection ("" for non-commit kinds such as identity and
// account, which produce an empty batch). Update operations land as
// creates; the conflict-ignoring writes turn the replay into a no-op.
func (e *event) batch(now time.Time) (CommitBatch, string, error) {
	var b CommitBatch
	if e.Kind != "commit" || len(e.Commit) == 0 {
		return b, "", nil
	}

	var c commit
	if err := json.Unmarshal(e.Commit, &c); err != nil {
		return b, "", fmt.Errorf("%w: unmarshal commit: %v", ErrMalformedRecord, err)
	}

	uri := aturi.Build(e.DID, c.Collection, c.RKey)
	deleting := c.Operation == "delete"

	switch c.Collection {
	case CollectionPost:
		if deleting {
			b.PostDeletes = append(b.PostDeletes, uri)
			return b, c.Collection, nil
		}
		var rec PostRecord
		if err := json.Unmarshal(c.Record, &rec); err != nil {
			return b, c.Collection, fmt.Errorf("%w: post record: %v", ErrMalformedRecord, err)
		}
		b.PostCreates = append(b.PostCreates, PostCreate{
			URI:       uri,
			CID:       c.CID,
			Author:    e.DID,
			CreatedAt: parseCreatedAt(rec.CreatedAt, now),
			Record:    rec,
		})

	case CollectionLike, CollectionRepost:
		if deleting {
			if c.Collection == CollectionLike {
				b.LikeDeletes = append(b.LikeDeletes, uri)
			} else {
				b.RepostDeletes = append(b.RepostDeletes, uri)
			}
			return b, c.Collection, nil
		}
		var rec subjectRecord
		if err := json.Unmarshal(c.Record, &rec); err != nil {
			return b, c.Collection, fmt.Errorf("%w: %s record: %v", ErrMalformedRecord, c.Collection, err)
		}
		if rec.Subject.URI == "" {
			return b, c.Collection, fmt.Errorf("%w: %s without subject", ErrMalformedRecord, c.Collection)
		}
		ec := EngagementCreate{
			URI:        uri,
			Author:     e.DID,
			SubjectURI: rec.Subject.URI,
			CreatedAt:  parseCreatedAt(rec.CreatedAt, now),
		}
		if c.Collection == CollectionLike {
			b.LikeCreates = append(b.LikeCreates, ec)
		} else {
			b.RepostCreates = append(b.RepostCreates, ec)
		}
	}

	return b, c.Collection, nil
}

// parseCreatedAt turns a record's createdAt into unix seconds, falling
// back to the receipt time when the field is missing or unparseable.
func parseCreatedAt(s string, now time.Time) int64 {
	if s == "" {
		return now.Unix()
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return now.Unix()
	}
	return ts.Unix()
}

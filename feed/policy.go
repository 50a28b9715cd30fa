// Package feed assembles ranked feed skeletons from the stored post
// streams.
package feed

import (
	"errors"
	"sort"

	"github.com/feedwright/feedwright/internal/aturi"
	"github.com/feedwright/feedwright/storage"
)

var (
	ErrUnknownFeed = errors.New("unknown feed")
	ErrBadCursor   = errors.New("malformed cursor")
)

// Policy binds a feed identity to its ordering. One engine serves every
// policy; nothing else distinguishes the built-in feeds.
type Policy struct {
	ID    string
	Order storage.FeedOrder
}

type Registry struct {
	policies map[string]Policy
}

// NewRegistry returns the built-in feed set.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	for _, p := range []Policy{
		{ID: "recent", Order: storage.FeedOrderRecency},
		{ID: "featured", Order: storage.FeedOrderPriority},
		{ID: "popular", Order: storage.FeedOrderEngagement},
		{ID: "rising", Order: storage.FeedOrderDecayed},
	} {
		r.policies[p.ID] = p
	}
	return r
}

// Lookup resolves a feed identity. Callers may pass either the bare
// algorithm id or the full feed generator AT-URI; the uri reduces to its
// rkey.
func (r *Registry) Lookup(feedID string) (Policy, bool) {
	p, ok := r.policies[aturi.RKey(feedID)]
	return p, ok
}

// IDs lists the registered algorithm ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

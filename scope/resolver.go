// Package scope decides which stream events are worth storing. The decision
// set (followed authors, configured publishers, subscribers) lives in the
// database and changes slowly, so a TTL-cached snapshot is shared across the
// hot ingestion path.
package scope

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/feedwright/feedwright/config"
	"github.com/feedwright/feedwright/metrics"
	"github.com/feedwright/feedwright/storage"
)

// Scope is one immutable snapshot of the ingestion allowlist. Lookups on a
// snapshot are lock-free; a new snapshot replaces it wholesale on refresh.
type Scope struct {
	Enabled                     bool
	Tracking                    bool
	RestrictPublisherEngagement bool

	Allowed     map[string]bool
	Publishers  map[string]bool
	Subscribers map[string]bool
}

// AllowPost reports whether a post by author should be stored. Replies ride
// in on their thread: a post is kept when its root or parent is by an
// allowlisted author even if its own author is not.
func (s *Scope) AllowPost(author, rootAuthor, parentAuthor string) bool {
	if !s.Enabled {
		return true
	}
	if s.Allowed[author] {
		return true
	}
	if rootAuthor != "" && s.Allowed[rootAuthor] {
		return true
	}
	if parentAuthor != "" && s.Allowed[parentAuthor] {
		return true
	}
	return s.Tracking && s.Subscribers[author]
}

// AllowReaction reports whether a like or repost should be stored. The
// caller has already established that the subject is a stored post. With
// publisher restriction on, reactions to publisher-authored posts only
// count when the actor is a subscriber; tracking additionally keeps every
// subscriber reaction regardless of subject.
func (s *Scope) AllowReaction(subjectAuthor, actor string) bool {
	if !s.Enabled {
		return true
	}
	if s.Allowed[subjectAuthor] {
		restricted := s.RestrictPublisherEngagement &&
			len(s.Subscribers) > 0 &&
			s.Publishers[subjectAuthor]
		if !restricted || s.Subscribers[actor] {
			return true
		}
	}
	return s.Tracking && s.Subscribers[actor]
}

// AllowQuote reports whether a quote of subjectAuthor's post should produce
// an engagement row. Quotes are narrower than reactions: only subscriber
// activity (under tracking) and quotes of publisher posts count.
func (s *Scope) AllowQuote(subjectAuthor, actor string) bool {
	if !s.Enabled {
		return true
	}
	if s.Tracking && s.Subscribers[actor] {
		return true
	}
	return s.Publishers[subjectAuthor]
}

// Resolver caches Scope snapshots with a TTL. Concurrent cache misses
// collapse into one shared database refresh.
type Resolver struct {
	store *storage.Store
	cfg   config.ScopeConfig
	ttl   time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	cached  *Scope
	expires time.Time
}

func NewResolver(store *storage.Store, cfg config.ScopeConfig) *Resolver {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{store: store, cfg: cfg, ttl: ttl}
}

// Scope returns the current snapshot, refreshing it when stale. The refresh
// runs on the context of whichever caller reached the miss first; callers
// that pile up behind it share the result.
func (r *Resolver) Scope(ctx context.Context) (*Scope, error) {
	r.mu.RLock()
	if r.cached != nil && time.Now().Before(r.expires) {
		sc := r.cached
		r.mu.RUnlock()
		return sc, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		sc, err := r.load(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cached = sc
		r.expires = time.Now().Add(r.ttl)
		r.mu.Unlock()
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Scope), nil
}

// Invalidate expires the cached snapshot so the next caller reloads it.
// Follow sync calls this after rewriting edges.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.expires = time.Time{}
	r.mu.Unlock()
}

func (r *Resolver) load(ctx context.Context) (*Scope, error) {
	sc := &Scope{
		Enabled:                     r.cfg.Enabled,
		Tracking:                    r.cfg.TrackSubscribers,
		RestrictPublisherEngagement: r.cfg.RestrictPublisherEngagement,
		Allowed:                     make(map[string]bool),
		Publishers:                  make(map[string]bool, len(r.cfg.Publishers)),
		Subscribers:                 make(map[string]bool),
	}
	for _, did := range r.cfg.Publishers {
		sc.Publishers[did] = true
		sc.Allowed[did] = true
	}

	targets, err := r.store.AllFollowTargets(ctx)
	if err != nil {
		return nil, err
	}
	for _, did := range targets {
		sc.Allowed[did] = true
	}

	// The subscriber set only gates anything when activity tracking or
	// publisher restriction is on; skip the query otherwise.
	if r.cfg.TrackSubscribers || r.cfg.RestrictPublisherEngagement {
		dids, err := r.store.SubscriberDIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, did := range dids {
			sc.Subscribers[did] = true
		}
	}

	metrics.ScopeRefreshes.Inc()
	log.Printf("Scope: refreshed (%d allowed authors, %d publishers, %d subscribers)",
		len(sc.Allowed), len(sc.Publishers), len(sc.Subscribers))
	return sc, nil
}

package followsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/feedwright/feedwright/scope"
	"github.com/feedwright/feedwright/storage"
)

// Syncer walks the subscriber list and reconciles each one's follow edges
// against the AppView.
type Syncer struct {
	store    *storage.Store
	client   *Client
	resolver *scope.Resolver
}

func NewSyncer(store *storage.Store, client *Client, resolver *scope.Resolver) *Syncer {
	return &Syncer{store: store, client: client, resolver: resolver}
}

// RefreshAll upserts the current follow edges for every subscriber. Edges
// a subscriber dropped stay in place until the next full resync; a failed
// subscriber is logged and skipped so one flaky fetch cannot starve the
// rest.
func (s *Syncer) RefreshAll(ctx context.Context) error {
	start := time.Now()
	dids, err := s.store.SubscriberDIDs(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	var edges int
	var failed int
	for _, did := range dids {
		follows, err := s.client.Follows(ctx, did)
		if err != nil {
			log.Printf("Follow sync: failed to fetch follows for %s: %v", did, err)
			failed++
			continue
		}
		if err := s.store.UpsertFollows(ctx, did, follows); err != nil {
			log.Printf("Follow sync: failed to store follows for %s: %v", did, err)
			failed++
			continue
		}
		edges += len(follows)
	}

	if failed < len(dids) {
		s.resolver.Invalidate()
	}
	log.Printf("Follow sync: refreshed %d/%d subscribers (%d follow edges) in %v",
		len(dids)-failed, len(dids), edges, time.Since(start))

	if failed > 0 {
		return fmt.Errorf("follow refresh: %d of %d subscribers failed", failed, len(dids))
	}
	return nil
}

// ResyncAll rewrites each subscriber's stored edge set to exactly match the
// AppView, deleting edges the refresh path never touches.
func (s *Syncer) ResyncAll(ctx context.Context) error {
	start := time.Now()
	dids, err := s.store.SubscriberDIDs(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	var added, removed int64
	var failed int
	for _, did := range dids {
		follows, err := s.client.Follows(ctx, did)
		if err != nil {
			log.Printf("Follow sync: failed to fetch follows for %s: %v", did, err)
			failed++
			continue
		}
		a, r, err := s.store.ReplaceFollows(ctx, did, follows)
		if err != nil {
			log.Printf("Follow sync: failed to replace follows for %s: %v", did, err)
			failed++
			continue
		}
		added += a
		removed += r
	}

	if failed < len(dids) {
		s.resolver.Invalidate()
	}
	log.Printf("Follow sync: full resync of %d/%d subscribers (+%d/-%d edges) in %v",
		len(dids)-failed, len(dids), added, removed, time.Since(start))

	if failed > 0 {
		return fmt.Errorf("follow resync: %d of %d subscribers failed", failed, len(dids))
	}
	return nil
}

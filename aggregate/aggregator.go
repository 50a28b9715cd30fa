// Package aggregate recomputes cached engagement counts for recently
// touched posts on a schedule.
package aggregate

import (
	"context"
	"log"
	"time"

	"github.com/feedwright/feedwright/storage"
)

type Aggregator struct {
	store      *storage.Store
	publishers map[string]bool
	window     time.Duration
}

func NewAggregator(store *storage.Store, publishers []string, windowHours int) *Aggregator {
	if windowHours <= 0 {
		windowHours = 48
	}
	pubs := make(map[string]bool, len(publishers))
	for _, did := range publishers {
		pubs[did] = true
	}
	return &Aggregator{
		store:      store,
		publishers: pubs,
		window:     time.Duration(windowHours) * time.Hour,
	}
}

// Run recounts likes, reposts, comments and quotes for every post touched
// inside the rolling window and rewrites the cached counts wholesale. A
// post whose engagement aged out of the window therefore drops back to
// zero instead of keeping a stale figure.
//
// Publisher-authored posts count subscriber-originated activity only, as
// long as any subscribers exist; everything else counts all stored
// activity.
func (a *Aggregator) Run(ctx context.Context) error {
	start := time.Now()
	windowStart := start.Add(-a.window).Unix()

	candidates, err := a.store.TouchedPostURIs(ctx, windowStart)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		log.Println("Aggregator: no posts touched in window")
		return nil
	}

	authors, err := a.store.PostAuthors(ctx, candidates)
	if err != nil {
		return err
	}
	var publisherPosts, networkPosts []string
	for _, uri := range candidates {
		if a.publishers[authors[uri]] {
			publisherPosts = append(publisherPosts, uri)
		} else {
			networkPosts = append(networkPosts, uri)
		}
	}

	restrict := false
	if len(publisherPosts) > 0 {
		restrict, err = a.store.HasSubscribers(ctx)
		if err != nil {
			return err
		}
	}

	counts := make(map[string]storage.EngagementCounts, len(candidates))
	for _, uri := range candidates {
		counts[uri] = storage.EngagementCounts{}
	}
	if err := a.count(ctx, publisherPosts, windowStart, restrict, counts); err != nil {
		return err
	}
	if err := a.count(ctx, networkPosts, windowStart, false, counts); err != nil {
		return err
	}

	if err := a.store.UpdateEngagementCounts(ctx, counts); err != nil {
		return err
	}

	log.Printf("Aggregator: recounted %d posts (%d publisher-authored) in %v",
		len(candidates), len(publisherPosts), time.Since(start).Round(time.Millisecond))
	return nil
}

func (a *Aggregator) count(ctx context.Context, uris []string, windowStart int64, subscribersOnly bool, out map[string]storage.EngagementCounts) error {
	if len(uris) == 0 {
		return nil
	}

	likes, err := a.store.CountEngagement(ctx, uris, storage.EngagementLike, windowStart, subscribersOnly)
	if err != nil {
		return err
	}
	reposts, err := a.store.CountEngagement(ctx, uris, storage.EngagementRepost, windowStart, subscribersOnly)
	if err != nil {
		return err
	}
	quotes, err := a.store.CountEngagement(ctx, uris, storage.EngagementQuote, windowStart, subscribersOnly)
	if err != nil {
		return err
	}
	comments, err := a.store.CountComments(ctx, uris, windowStart, subscribersOnly)
	if err != nil {
		return err
	}

	for _, uri := range uris {
		out[uri] = storage.EngagementCounts{
			Likes:    likes[uri],
			Reposts:  reposts[uri],
			Comments: comments[uri],
			Quotes:   quotes[uri],
		}
	}
	return nil
}

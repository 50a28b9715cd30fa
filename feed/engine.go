package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feedwright/feedwright/metrics"
	"github.com/feedwright/feedwright/scope"
	"github.com/feedwright/feedwright/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// SkeletonItem references one post by AT-URI.
type SkeletonItem struct {
	Post string `json:"post"`
}

// Skeleton is the ranked page handed back to the AppView. Cursor is an
// opaque offset token, absent on a short page.
type Skeleton struct {
	Feed   []SkeletonItem `json:"feed"`
	Cursor string         `json:"cursor,omitempty"`
}

// Engine builds feed pages by interleaving a publisher stream with the
// wider network stream, one publisher post to every two network posts,
// under the ordering the requested policy selects.
type Engine struct {
	store      *storage.Store
	registry   *Registry
	tracker    *Tracker
	resolver   *scope.Resolver
	publishers []string
	window     time.Duration
}

// NewEngine wires the engine. tracker may be nil, which disables audit
// logging.
func NewEngine(store *storage.Store, registry *Registry, tracker *Tracker, resolver *scope.Resolver, publishers []string, windowHours int) *Engine {
	if windowHours <= 0 {
		windowHours = 48
	}
	return &Engine{
		store:      store,
		registry:   registry,
		tracker:    tracker,
		resolver:   resolver,
		publishers: publishers,
		window:     time.Duration(windowHours) * time.Hour,
	}
}

// BuildFeed assembles one skeleton page. The cursor is a numeric offset in
// disguise; both sub-queries page by it and the next cursor advances by
// twice the limit, matching how much of the two streams a full page can
// consume.
func (e *Engine) BuildFeed(ctx context.Context, feedID, requester, cursor string, limit int) (Skeleton, error) {
	policy, ok := e.registry.Lookup(feedID)
	if !ok {
		return Skeleton{}, fmt.Errorf("%w: %q", ErrUnknownFeed, feedID)
	}

	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Skeleton{}, ErrBadCursor
		}
		offset = n
	}

	metrics.FeedRequests.WithLabelValues(policy.ID).Inc()

	sc, err := e.resolver.Scope(ctx)
	if err != nil {
		return Skeleton{}, err
	}
	// Subscriber-gated deployments answer strangers with an empty page,
	// not an error: the feed exists, it just has nothing for them.
	if sc.Enabled && sc.Tracking && !sc.Subscribers[requester] {
		e.audit(policy.ID, requester, cursor, "", nil, 0, 0)
		return Skeleton{Feed: []SkeletonItem{}}, nil
	}

	now := time.Now()
	q := storage.FeedQuery{
		Order:       policy.Order,
		Publishers:  e.publishers,
		Now:         now.Unix(),
		WindowStart: now.Add(-e.window).Unix(),
		Limit:       limit,
		Offset:      offset,
	}

	var pubURIs, netURIs []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pubURIs, err = e.store.PublisherFeedPage(gctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		netURIs, err = e.store.NetworkFeedPage(gctx, q)
		return err
	})
	if err := g.Wait(); err != nil {
		return Skeleton{}, err
	}

	uris, pubUsed, netUsed := interleave(pubURIs, netURIs, limit)

	skeleton := Skeleton{Feed: make([]SkeletonItem, 0, len(uris))}
	for _, uri := range uris {
		skeleton.Feed = append(skeleton.Feed, SkeletonItem{Post: uri})
	}
	if len(uris) == limit {
		skeleton.Cursor = strconv.Itoa(offset + 2*limit)
	}

	e.audit(policy.ID, requester, cursor, skeleton.Cursor, uris, pubUsed, netUsed)
	return skeleton, nil
}

// Feeds lists the algorithm ids this engine serves.
func (e *Engine) Feeds() []string {
	return e.registry.IDs()
}

// interleave merges one publisher post for every two network posts until
// the page fills; once either stream runs dry the rest fills from the
// other.
func interleave(pub, net []string, limit int) (out []string, pubUsed, netUsed int) {
	out = make([]string, 0, limit)
	for len(out) < limit && pubUsed < len(pub) && netUsed < len(net) {
		out = append(out, pub[pubUsed])
		pubUsed++
		for k := 0; k < 2 && len(out) < limit && netUsed < len(net); k++ {
			out = append(out, net[netUsed])
			netUsed++
		}
	}
	for len(out) < limit && pubUsed < len(pub) {
		out = append(out, pub[pubUsed])
		pubUsed++
	}
	for len(out) < limit && netUsed < len(net) {
		out = append(out, net[netUsed])
		netUsed++
	}
	return out, pubUsed, netUsed
}

func (e *Engine) audit(algorithm, requester, cursorIn, cursorOut string, uris []string, pubUsed, netUsed int) {
	if e.tracker == nil {
		return
	}
	e.tracker.Record(storage.RequestLogEntry{
		ID:             uuid.NewString(),
		Algorithm:      algorithm,
		Requester:      requester,
		CursorIn:       cursorIn,
		CursorOut:      cursorOut,
		PublisherCount: pubUsed,
		NetworkCount:   netUsed,
		CreatedAt:      time.Now().Unix(),
		PostURIs:       uris,
	})
}

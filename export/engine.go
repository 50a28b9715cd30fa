// Package export serves the compliance-facing engagement timeline: every
// stored interaction with publisher content plus all subscriber activity,
// deduplicated and keyset-paginated.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/feedwright/feedwright/metrics"
	"github.com/feedwright/feedwright/storage"
)

var (
	// ErrInvalidRequest marks caller mistakes: unknown scopes or types,
	// bad cursors, filter/cursor mismatches.
	ErrInvalidRequest = errors.New("invalid export request")
	// ErrNoLegacyStore is returned by the legacy entry point when no
	// legacy database is configured.
	ErrNoLegacyStore = errors.New("legacy store not configured")
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

var validKinds = map[string]bool{
	"like":    true,
	"repost":  true,
	"comment": true,
	"quote":   true,
}

// Request carries the caller's filters for one export page.
type Request struct {
	Since        int64
	Until        int64
	Scope        string
	Kinds        []string
	Actor        string
	Limit        int
	Cursor       string
	IncludeOther bool
	OtherCursor  string
}

// Report is one export page. OtherEvents is only populated when the
// request asked for the other-subscriber-activity sub-report.
type Report struct {
	Events          []storage.TimelineEvent `json:"events"`
	NextCursor      string                  `json:"next_cursor,omitempty"`
	OtherEvents     []storage.TimelineEvent `json:"other_subscriber_events,omitempty"`
	OtherNextCursor string                  `json:"other_next_cursor,omitempty"`
}

// pager is one page fetch over either backing store.
type pager func(ctx context.Context, f storage.ExportFilter, after *storage.ExportKey, limit int) ([]storage.TimelineEvent, bool, error)

type Engine struct {
	store      *storage.Store
	legacy     *storage.LegacyStore
	publishers []string
}

// NewEngine wires the export engine. legacy may be nil when no legacy
// database is configured.
func NewEngine(store *storage.Store, legacy *storage.LegacyStore, publishers []string) *Engine {
	return &Engine{store: store, legacy: legacy, publishers: publishers}
}

// Export serves a page from the primary store.
func (e *Engine) Export(ctx context.Context, req Request) (*Report, error) {
	metrics.ExportRequests.WithLabelValues("primary").Inc()
	return e.export(ctx, req, e.store.ExportPage)
}

// ExportLegacy serves a page from the legacy store with identical filter
// and pagination semantics.
func (e *Engine) ExportLegacy(ctx context.Context, req Request) (*Report, error) {
	if e.legacy == nil {
		return nil, ErrNoLegacyStore
	}
	metrics.ExportRequests.WithLabelValues("legacy").Inc()

	// The legacy file predates the subscriber table; rows are classified
	// against the current set.
	dids, err := e.store.SubscriberDIDs(ctx)
	if err != nil {
		return nil, err
	}
	subscribers := make(map[string]bool, len(dids))
	for _, did := range dids {
		subscribers[did] = true
	}

	return e.export(ctx, req, func(ctx context.Context, f storage.ExportFilter, after *storage.ExportKey, limit int) ([]storage.TimelineEvent, bool, error) {
		return e.legacy.ExportPage(ctx, f, subscribers, after, limit)
	})
}

func (e *Engine) export(ctx context.Context, req Request, fetch pager) (*Report, error) {
	f, limit, err := e.buildFilter(req)
	if err != nil {
		return nil, err
	}

	primaryHash := filterHash(f, "primary")
	var after *storage.ExportKey
	if req.Cursor != "" {
		if after, err = decodeToken(req.Cursor, primaryHash); err != nil {
			return nil, err
		}
	}

	events, hasMore, err := fetch(ctx, f, after, limit)
	if err != nil {
		return nil, err
	}

	report := &Report{Events: events}
	if report.Events == nil {
		report.Events = []storage.TimelineEvent{}
	}
	if hasMore && len(events) > 0 {
		last := events[len(events)-1]
		report.NextCursor = encodeToken(storage.ExportKey{CreatedAt: last.CreatedAt, URI: last.URI}, primaryHash)
	}

	if !req.IncludeOther {
		return report, nil
	}

	other := f
	other.OtherMode = true
	otherHash := filterHash(other, "other")
	var otherAfter *storage.ExportKey
	if req.OtherCursor != "" {
		if otherAfter, err = decodeToken(req.OtherCursor, otherHash); err != nil {
			return nil, err
		}
	}

	otherEvents, otherMore, err := fetch(ctx, other, otherAfter, limit)
	if err != nil {
		return nil, err
	}
	report.OtherEvents = otherEvents
	if report.OtherEvents == nil {
		report.OtherEvents = []storage.TimelineEvent{}
	}
	if otherMore && len(otherEvents) > 0 {
		last := otherEvents[len(otherEvents)-1]
		report.OtherNextCursor = encodeToken(storage.ExportKey{CreatedAt: last.CreatedAt, URI: last.URI}, otherHash)
	}
	return report, nil
}

func (e *Engine) buildFilter(req Request) (storage.ExportFilter, int, error) {
	var f storage.ExportFilter

	scope := req.Scope
	if scope == "" {
		scope = storage.ExportScopeUnion
	}
	switch scope {
	case storage.ExportScopeUnion, storage.ExportScopePublisher,
		storage.ExportScopeSubscriber, storage.ExportScopeSubscriberOnPublisher:
	default:
		return f, 0, fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, req.Scope)
	}

	for _, kind := range req.Kinds {
		if !validKinds[kind] {
			return f, 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidRequest, kind)
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	f = storage.ExportFilter{
		Since:      req.Since,
		Until:      req.Until,
		Scope:      scope,
		Kinds:      req.Kinds,
		Actor:      req.Actor,
		Publishers: e.publishers,
	}
	return f, limit, nil
}

// Package ingest projects decoded commit batches into the relational
// store. Every write is idempotent, so replaying a stretch of the stream
// after a crash converges on the same rows.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/feedwright/feedwright/internal/aturi"
	"github.com/feedwright/feedwright/jetstream"
	"github.com/feedwright/feedwright/metrics"
	"github.com/feedwright/feedwright/scope"
	"github.com/feedwright/feedwright/storage"
)

type Projector struct {
	store *storage.Store
	scope *scope.Resolver
}

func NewProjector(store *storage.Store, resolver *scope.Resolver) *Projector {
	return &Projector{store: store, scope: resolver}
}

// Apply writes one commit batch. Deletes run before inserts so a
// delete-then-recreate replay converges; post inserts run before reaction
// inserts so a reaction can see its subject from the same batch.
func (p *Projector) Apply(ctx context.Context, batch jetstream.CommitBatch) error {
	if err := p.applyDeletes(ctx, batch); err != nil {
		return err
	}

	if len(batch.PostCreates) == 0 && len(batch.LikeCreates) == 0 && len(batch.RepostCreates) == 0 {
		return nil
	}

	sc, err := p.scope.Scope(ctx)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	engagements, err := p.applyPostCreates(ctx, sc, batch.PostCreates, now)
	if err != nil {
		return err
	}

	reactions, err := p.reactionRows(ctx, sc, batch, now)
	if err != nil {
		return err
	}
	engagements = append(engagements, reactions...)

	if len(engagements) > 0 {
		n, err := p.store.InsertEngagements(ctx, engagements)
		if err != nil {
			return err
		}
		metrics.RowsStored.WithLabelValues("engagement").Add(float64(n))
	}
	return nil
}

func (p *Projector) applyDeletes(ctx context.Context, batch jetstream.CommitBatch) error {
	if len(batch.PostDeletes) > 0 {
		n, err := p.store.DeletePosts(ctx, batch.PostDeletes)
		if err != nil {
			return err
		}
		metrics.RowsDeleted.WithLabelValues("post").Add(float64(n))

		// A quote post carries an engagement row under its own uri;
		// deleting the post retracts the quote with it.
		en, err := p.store.DeleteEngagements(ctx, batch.PostDeletes)
		if err != nil {
			return err
		}
		metrics.RowsDeleted.WithLabelValues("engagement").Add(float64(en))
	}

	retractions := make([]string, 0, len(batch.LikeDeletes)+len(batch.RepostDeletes))
	retractions = append(retractions, batch.LikeDeletes...)
	retractions = append(retractions, batch.RepostDeletes...)
	if len(retractions) > 0 {
		n, err := p.store.DeleteEngagements(ctx, retractions)
		if err != nil {
			return err
		}
		metrics.RowsDeleted.WithLabelValues("engagement").Add(float64(n))
	}
	return nil
}

// applyPostCreates stores scope-admitted posts and returns the quote
// engagement rows their embeds yield. Quote rows are gated on their own
// predicate: a quote of a publisher post counts even when the quoting post
// itself is out of scope.
func (p *Projector) applyPostCreates(ctx context.Context, sc *scope.Scope, creates []jetstream.PostCreate, now int64) ([]storage.Engagement, error) {
	if len(creates) == 0 {
		return nil, nil
	}

	var (
		posts       []storage.Post
		engagements []storage.Engagement
	)
	for _, pc := range creates {
		var rootURI, parentURI, rootAuthor, parentAuthor string
		if r := pc.Record.Reply; r != nil {
			rootURI = r.Root.URI
			parentURI = r.Parent.URI
			rootAuthor = aturi.AuthorDID(rootURI)
			parentAuthor = aturi.AuthorDID(parentURI)
		}

		if quoted := pc.Record.QuotedURI(); quoted != "" {
			if sc.AllowQuote(aturi.AuthorDID(quoted), pc.Author) {
				engagements = append(engagements, storage.Engagement{
					URI:        pc.URI,
					SubjectURI: quoted,
					Author:     pc.Author,
					Kind:       storage.EngagementQuote,
					CreatedAt:  pc.CreatedAt,
					IndexedAt:  now,
				})
			}
		}

		if !sc.AllowPost(pc.Author, rootAuthor, parentAuthor) {
			continue
		}

		post := storage.Post{
			URI:       pc.URI,
			CID:       pc.CID,
			Author:    pc.Author,
			CreatedAt: pc.CreatedAt,
			IndexedAt: now,
			Text:      sanitize(pc.Record.Text),
			RootURI:   rootURI,
			ParentURI: parentURI,
		}
		if link := pc.Record.ExternalLink(); link != nil {
			post.LinkURL = sanitize(link.URI)
			post.LinkTitle = sanitize(link.Title)
			post.LinkDescription = sanitize(link.Description)
		}
		posts = append(posts, post)
	}

	if len(posts) > 0 {
		n, err := p.store.InsertPosts(ctx, posts)
		if err != nil {
			return nil, err
		}
		metrics.RowsStored.WithLabelValues("post").Add(float64(n))
	}
	return engagements, nil
}

// reactionRows turns like and repost creates into engagement rows. A
// reaction only counts when its subject is a stored post; the stored row
// also supplies the subject author for the scope predicate.
func (p *Projector) reactionRows(ctx context.Context, sc *scope.Scope, batch jetstream.CommitBatch, now int64) ([]storage.Engagement, error) {
	if len(batch.LikeCreates) == 0 && len(batch.RepostCreates) == 0 {
		return nil, nil
	}

	subjects := make([]string, 0, len(batch.LikeCreates)+len(batch.RepostCreates))
	for _, ec := range batch.LikeCreates {
		subjects = append(subjects, ec.SubjectURI)
	}
	for _, ec := range batch.RepostCreates {
		subjects = append(subjects, ec.SubjectURI)
	}

	authors, err := p.store.PostAuthors(ctx, subjects)
	if err != nil {
		return nil, err
	}

	var rows []storage.Engagement
	add := func(creates []jetstream.EngagementCreate, kind int) {
		for _, ec := range creates {
			subjectAuthor, stored := authors[ec.SubjectURI]
			if !stored || !sc.AllowReaction(subjectAuthor, ec.Author) {
				continue
			}
			rows = append(rows, storage.Engagement{
				URI:        ec.URI,
				SubjectURI: ec.SubjectURI,
				Author:     ec.Author,
				Kind:       kind,
				CreatedAt:  ec.CreatedAt,
				IndexedAt:  now,
			})
		}
	}
	add(batch.LikeCreates, storage.EngagementLike)
	add(batch.RepostCreates, storage.EngagementRepost)
	return rows, nil
}

// sanitize strips NUL bytes, which SQLite text storage will not keep
// intact.
func sanitize(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

package aggregator

import (
	"context"

	"github.com/google/uuid"

	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/parser"
)

const dedupChunkSize = 100

// Partition is the split of one document's candidates into new and already stored articles.
type Partition struct {
	New       []*db.Article
	Duplicate int
	// Repeated counts candidates whose URL appeared earlier in the same document.
	Repeated int
	Skipped  int
}

// Total is the number of candidates that reached storage.
func (p *Partition) Total() int {
	return len(p.New) + p.Duplicate
}

// partition drains entries and inserts every candidate the feed does not have yet.
// Existing articles are never read back; the (feed_id, url) constraint decides.
func (a *Aggregator) partition(ctx context.Context, feedID uuid.UUID, entries *parser.Entries) (*Partition, error) {
	p := &Partition{}
	seen := make(map[string]struct{})
	chunk := make([]*db.Article, 0, dedupChunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		results, err := a.store.InsertArticles(ctx, chunk)
		if err != nil {
			return err
		}
		for i, r := range results {
			if r == db.Inserted {
				p.New = append(p.New, chunk[i])
			} else {
				p.Duplicate++
			}
		}
		chunk = make([]*db.Article, 0, dedupChunkSize)
		return nil
	}

	for entries.Next() {
		c := entries.Candidate()
		if _, ok := seen[c.URL]; ok {
			p.Repeated++
			continue
		}
		seen[c.URL] = struct{}{}

		chunk = append(chunk, &db.Article{
			ID:        uuid.New(),
			FeedID:    feedID,
			URL:       c.URL,
			Title:     c.Title,
			Content:   c.Content,
			Published: c.Published,
		})
		if len(chunk) == dedupChunkSize {
			if err := flush(); err != nil {
				return p, err
			}
		}
	}
	if err := flush(); err != nil {
		return p, err
	}

	p.Skipped = entries.Skipped()
	return p, nil
}

package aggregator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/fetcher"
	"github.com/romangrechin/rss-aggregator/parser"
)

// Subscribe resolves rawURL to a feed, checks that it parses and registers it.
// Empty title and description are taken from the feed document.
// The boolean result is true when a new feed row was created.
func (a *Aggregator) Subscribe(ctx context.Context, rawURL, title string, description *string) (*db.Feed, bool, error) {
	feedURL, err := a.fetcher.Discover(ctx, rawURL)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidFeed, err)
	}

	resp, err := a.fetcher.Fetch(ctx, fetcher.Request{URL: feedURL})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidFeed, err)
	}

	entries, err := a.parser.Parse(resp.Body, parser.Meta{
		URL:         resp.URL,
		ContentType: resp.ContentType,
		FetchedAt:   resp.FetchedAt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidFeed, err)
	}

	if strings.TrimSpace(title) == "" {
		title = entries.Title
	}
	if description == nil && entries.Description != "" {
		description = &entries.Description
	}

	feed, created, err := a.store.RegisterFeed(ctx, db.FeedInput{
		URL:         feedURL,
		Title:       title,
		Description: description,
	})
	if err != nil {
		return nil, false, err
	}

	a.log.InfoContext(ctx, "Feed subscribed",
		"feedID", feed.ID,
		"url", feed.URL,
		"created", created,
		"kind", entries.Kind)
	return feed, created, nil
}

// Unsubscribe deactivates the feed. Its articles are kept.
func (a *Aggregator) Unsubscribe(ctx context.Context, id uuid.UUID) error {
	if err := a.store.DeactivateFeed(ctx, id); err != nil {
		return err
	}
	a.log.InfoContext(ctx, "Feed unsubscribed", "feedID", id)
	return nil
}

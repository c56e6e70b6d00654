package aggregator

import (
	"context"
	"time"

	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/fetcher"
	"github.com/romangrechin/rss-aggregator/parser"
)

// cycle runs fetch, parse, dedup and persist for one feed. Every error is turned into
// the returned outcome. A cycle canceled before its outcome is recorded leaves storage untouched.
func (a *Aggregator) cycle(ctx context.Context, feed *db.Feed) Outcome {
	o := Outcome{
		FeedID:    feed.ID,
		URL:       feed.URL,
		StartedAt: a.now(),
	}

	a.inflight.set(feed.ID, StateFetching)
	resp, err := a.fetcher.Fetch(ctx, fetcher.Request{
		URL:          feed.URL,
		ETag:         feed.ETag,
		LastModified: feed.LastModified,
	})
	if ctx.Err() != nil {
		return a.canceled(ctx, o)
	}

	switch {
	case err != nil:
		o.fail(err)
	case resp.NotModified:
		o.Status = db.StatusNotModified
	default:
		a.ingest(ctx, feed, resp, &o)
		if o.Canceled {
			return a.canceled(ctx, o)
		}
	}

	a.inflight.set(feed.ID, StatePersisting)
	now := a.now()
	rec := a.record(feed, &o, now)
	if err = a.store.RecordFetchOutcome(ctx, feed.ID, rec); err != nil {
		if ctx.Err() != nil {
			return a.canceled(ctx, o)
		}
		a.log.Error("Failed to record fetch outcome",
			"error", err,
			"feedID", feed.ID,
			"status", o.Status)
	}

	o.Duration = a.now().Sub(o.StartedAt)
	a.logOutcome(ctx, o)
	a.publish(o)
	return o
}

func (a *Aggregator) ingest(ctx context.Context, feed *db.Feed, resp *fetcher.Response, o *Outcome) {
	a.inflight.set(feed.ID, StateParsing)
	entries, err := a.parser.Parse(resp.Body, parser.Meta{
		URL:         resp.URL,
		ContentType: resp.ContentType,
		FetchedAt:   resp.FetchedAt,
	})
	if ctx.Err() != nil {
		o.Canceled = true
		return
	}
	if err != nil {
		o.fail(err)
		return
	}

	a.inflight.set(feed.ID, StateDeduplicating)
	part, err := a.partition(ctx, feed.ID, entries)
	if part != nil {
		o.Inserted = len(part.New)
		o.Duplicates = part.Duplicate + part.Repeated
		o.Skipped = entries.Skipped()
		o.Fetched = entries.Len()
	}
	if err != nil {
		if ctx.Err() != nil {
			o.Canceled = true
			return
		}
		o.fail(err)
		return
	}

	o.Status = db.StatusSuccess
	o.etag = resp.ETag
	o.lastModified = resp.LastModified
}

func (a *Aggregator) canceled(ctx context.Context, o Outcome) Outcome {
	o.Canceled = true
	o.Status = db.StatusNone
	o.Err = ctx.Err()
	o.Duration = a.now().Sub(o.StartedAt)
	a.log.Info("Fetch cycle canceled", "feedID", o.FeedID, "url", o.URL)
	a.publish(o)
	return o
}

func (a *Aggregator) logOutcome(ctx context.Context, o Outcome) {
	fields := []any{
		"feedID", o.FeedID,
		"url", o.URL,
		"status", o.Status,
		"fetched", o.Fetched,
		"inserted", o.Inserted,
		"duplicates", o.Duplicates,
		"skipped", o.Skipped,
		"consecutiveFailures", o.ConsecutiveFailures,
		"nextFetchAt", o.NextFetchAt.Format(time.RFC3339),
		"duration", o.Duration,
	}
	if o.Err != nil {
		a.log.WarnContext(ctx, "Fetch cycle failed", append(fields, "error", o.Err)...)
		return
	}
	a.log.InfoContext(ctx, "Fetch cycle finished", fields...)
}

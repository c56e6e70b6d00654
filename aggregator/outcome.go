package aggregator

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/fetcher"
	"github.com/romangrechin/rss-aggregator/parser"
)

// Outcome is the result of one fetch cycle for one feed.
type Outcome struct {
	FeedID     uuid.UUID      `json:"feed_id"`
	URL        string         `json:"url"`
	Status     db.FetchStatus `json:"status"`
	Fetched    int            `json:"fetched"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Skipped    int            `json:"skipped"`
	Reason     string         `json:"reason,omitempty"`
	Err        error          `json:"-"`
	// RetryAfter is the server's requested delay, zero when none was given.
	RetryAfter time.Duration `json:"-"`
	// Canceled cycles were interrupted by shutdown and left no trace in storage.
	Canceled            bool          `json:"canceled,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	NextFetchAt         time.Time     `json:"next_fetch_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`

	// validators to store when the cycle succeeds
	etag         string
	lastModified string
	// persistence failures keep the previous validators and last fetch time
	persistFailed bool
}

func (o *Outcome) fail(err error) {
	o.Err = err
	o.Reason = err.Error()
	o.Status = classify(err)

	var statusErr *fetcher.StatusError
	if errors.As(err, &statusErr) {
		o.RetryAfter = statusErr.RetryAfter
	}
	var persistErr *db.PersistenceError
	if errors.As(err, &persistErr) {
		o.persistFailed = true
	}
}

// classify maps a cycle error onto the transient/permanent taxonomy.
func classify(err error) db.FetchStatus {
	var (
		netErr     *fetcher.NetworkError
		statusErr  *fetcher.StatusError
		parseErr   *parser.ParseError
		persistErr *db.PersistenceError
	)
	switch {
	case errors.As(err, &persistErr):
		return db.StatusTransientFailure
	case errors.As(err, &netErr):
		return db.StatusTransientFailure
	case errors.As(err, &statusErr):
		if statusErr.Temporary() {
			return db.StatusTransientFailure
		}
		return db.StatusPermanentFailure
	case errors.As(err, &parseErr),
		errors.Is(err, fetcher.ErrBodyTooLarge),
		errors.Is(err, fetcher.ErrInvalidURL):
		return db.StatusPermanentFailure
	default:
		return db.StatusTransientFailure
	}
}

// record projects the outcome onto the feed row.
func (a *Aggregator) record(feed *db.Feed, o *Outcome, now time.Time) *db.FetchRecord {
	rec := &db.FetchRecord{
		Status:       o.Status,
		Error:        o.Reason,
		LastFetchAt:  &now,
		ETag:         feed.ETag,
		LastModified: feed.LastModified,
	}

	switch {
	case !o.Status.Failed():
		rec.ConsecutiveFailures = 0
		rec.Backoff = 0
		rec.NextFetchAt = now.Add(a.fetchInterval)
		if o.Status == db.StatusSuccess {
			rec.ETag = o.etag
			rec.LastModified = o.lastModified
		}
	case o.persistFailed:
		rec.LastFetchAt = nil
		rec.ConsecutiveFailures = feed.ConsecutiveFailures + 1
		rec.Backoff = a.backoff.Next(rec.ConsecutiveFailures, false, 0, feed.Backoff)
		rec.NextFetchAt = now.Add(rec.Backoff)
	default:
		rec.ConsecutiveFailures = feed.ConsecutiveFailures + 1
		rec.Backoff = a.backoff.Next(rec.ConsecutiveFailures, o.Status == db.StatusPermanentFailure, o.RetryAfter, feed.Backoff)
		rec.NextFetchAt = now.Add(a.fetchInterval + rec.Backoff)
	}

	o.NextFetchAt = rec.NextFetchAt
	o.ConsecutiveFailures = rec.ConsecutiveFailures
	return rec
}

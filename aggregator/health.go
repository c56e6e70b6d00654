package aggregator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/romangrechin/rss-aggregator/db"
)

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthPending  HealthStatus = "pending"
	HealthDegraded HealthStatus = "degraded"
	HealthFailing  HealthStatus = "failing"
	HealthInactive HealthStatus = "inactive"
)

// failingThreshold is the number of consecutive failures after which a feed is reported failing.
const failingThreshold = 3

// FeedHealth is the scheduling state of one feed as seen by health checks.
type FeedHealth struct {
	ID                  uuid.UUID      `json:"id"`
	URL                 string         `json:"url"`
	Title               string         `json:"title"`
	Active              bool           `json:"active"`
	LastFetchAt         *time.Time     `json:"last_fetch_at,omitempty"`
	LastStatus          db.FetchStatus `json:"last_fetch_status,omitempty"`
	LastError           string         `json:"last_fetch_error,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	NextFetchAt         time.Time      `json:"next_fetch_at"`
	State               State          `json:"state"`
	Status              HealthStatus   `json:"status"`
}

func (a *Aggregator) Health(ctx context.Context) ([]FeedHealth, error) {
	feeds, err := a.store.ListFeeds(ctx, false)
	if err != nil {
		return nil, err
	}

	now := a.now()
	out := make([]FeedHealth, 0, len(feeds))
	for _, feed := range feeds {
		out = append(out, a.feedHealth(feed, now))
	}
	return out, nil
}

func (a *Aggregator) FeedHealth(ctx context.Context, id uuid.UUID) (*FeedHealth, error) {
	feed, err := a.store.GetFeed(ctx, id)
	if err != nil {
		return nil, err
	}
	h := a.feedHealth(feed, a.now())
	return &h, nil
}

func (a *Aggregator) feedHealth(feed *db.Feed, now time.Time) FeedHealth {
	h := FeedHealth{
		ID:                  feed.ID,
		URL:                 feed.URL,
		Title:               feed.Title,
		Active:              feed.Active,
		LastFetchAt:         feed.LastFetchAt,
		LastStatus:          feed.LastStatus,
		LastError:           feed.LastError,
		ConsecutiveFailures: feed.ConsecutiveFailures,
		NextFetchAt:         feed.NextFetchAt,
		Status:              healthStatus(feed),
	}

	if state, ok := a.inflight.state(feed.ID); ok {
		h.State = state
	} else if feed.ConsecutiveFailures > 0 && feed.NextFetchAt.After(now) {
		h.State = StateBackoff
	} else {
		h.State = StateIdle
	}
	return h
}

func healthStatus(feed *db.Feed) HealthStatus {
	switch {
	case !feed.Active:
		return HealthInactive
	case feed.LastStatus == db.StatusNone:
		return HealthPending
	case feed.ConsecutiveFailures == 0:
		return HealthOK
	case feed.LastStatus == db.StatusPermanentFailure, feed.ConsecutiveFailures >= failingThreshold:
		return HealthFailing
	default:
		return HealthDegraded
	}
}

package db

import (
	"time"

	"github.com/google/uuid"
)

// FetchStatus is the persisted outcome of the last fetch cycle of a feed.
type FetchStatus string

const (
	StatusNone             FetchStatus = ""
	StatusSuccess          FetchStatus = "success"
	StatusNotModified      FetchStatus = "not_modified"
	StatusTransientFailure FetchStatus = "transient_failure"
	StatusPermanentFailure FetchStatus = "permanent_failure"
)

// Failed reports whether the status is one of the failure outcomes.
func (s FetchStatus) Failed() bool {
	return s == StatusTransientFailure || s == StatusPermanentFailure
}

type Feed struct {
	ID                  uuid.UUID   `json:"id"`
	URL                 string      `json:"url"`
	Title               string      `json:"title"`
	Description         *string     `json:"description,omitempty"`
	Active              bool        `json:"active"`
	LastFetchAt         *time.Time  `json:"last_fetch_at,omitempty"`
	LastStatus          FetchStatus `json:"last_fetch_status,omitempty"`
	LastError           string      `json:"last_fetch_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	NextFetchAt         time.Time   `json:"next_fetch_at"`
	ETag                string      `json:"-"`
	LastModified        string      `json:"-"`

	// Backoff is the delay applied after the latest failure; zero after a success.
	Backoff time.Duration `json:"-"`
}

type Article struct {
	ID        uuid.UUID `json:"id"`
	FeedID    uuid.UUID `json:"feed_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	Published time.Time `json:"published"`
}

// FeedInput describes a subscription request.
type FeedInput struct {
	URL         string
	Title       string
	Description *string
}

// FetchRecord is the projection of one fetch outcome onto the feed row.
// A nil LastFetchAt keeps the stored timestamp.
type FetchRecord struct {
	Status              FetchStatus
	Error               string
	LastFetchAt         *time.Time
	ConsecutiveFailures int
	NextFetchAt         time.Time
	ETag                string
	LastModified        string
	Backoff             time.Duration
}

type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

type ArticleQuery struct {
	FeedID     *uuid.UUID
	UnreadOnly bool
	Limit      int
	Offset     int
}

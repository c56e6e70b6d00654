package aggregator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/fetcher"
	"github.com/romangrechin/rss-aggregator/parser"
)

// memStore is an in-memory Store keyed the same way as the database.
type memStore struct {
	mu        sync.Mutex
	feeds     map[uuid.UUID]*db.Feed
	articles  map[uuid.UUID]map[string]*db.Article
	insertErr error
	inserts   int
	records   int
}

func newMemStore() *memStore {
	return &memStore{
		feeds:    make(map[uuid.UUID]*db.Feed),
		articles: make(map[uuid.UUID]map[string]*db.Article),
	}
}

func (s *memStore) addFeed(url string, nextFetchAt time.Time) *db.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &db.Feed{ID: uuid.New(), URL: url, Title: url, Active: true, NextFetchAt: nextFetchAt}
	s.feeds[f.ID] = f
	cp := *f
	return &cp
}

func (s *memStore) feed(id uuid.UUID) db.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.feeds[id]
}

func (s *memStore) articleCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.articles[id])
}

func (s *memStore) counts() (inserts, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts, s.records
}

func (s *memStore) DueFeeds(_ context.Context, now time.Time, limit int) ([]*db.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Feed
	for _, f := range s.feeds {
		if f.Active && !f.NextFetchAt.After(now) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFetchAt.Before(out[j].NextFetchAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetFeed(_ context.Context, id uuid.UUID) (*db.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feeds[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) ListFeeds(_ context.Context, activeOnly bool) ([]*db.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Feed
	for _, f := range s.feeds {
		if activeOnly && !f.Active {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *memStore) RegisterFeed(_ context.Context, in db.FeedInput) (*db.Feed, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(in.URL) == "" {
		return nil, false, db.ErrInvalidInput
	}
	for _, f := range s.feeds {
		if f.URL == in.URL {
			if !f.Active {
				f.NextFetchAt = time.Now()
			}
			f.Active = true
			f.Title = in.Title
			cp := *f
			return &cp, false, nil
		}
	}
	f := &db.Feed{
		ID:          uuid.New(),
		URL:         in.URL,
		Title:       in.Title,
		Description: in.Description,
		Active:      true,
		NextFetchAt: time.Now(),
	}
	s.feeds[f.ID] = f
	cp := *f
	return &cp, true, nil
}

func (s *memStore) DeactivateFeed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feeds[id]
	if !ok {
		return db.ErrNotFound
	}
	f.Active = false
	return nil
}

func (s *memStore) InsertArticles(_ context.Context, articles []*db.Article) ([]db.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inserts++
	if s.insertErr != nil {
		return nil, s.insertErr
	}

	results := make([]db.InsertResult, len(articles))
	for i, a := range articles {
		byURL := s.articles[a.FeedID]
		if byURL == nil {
			byURL = make(map[string]*db.Article)
			s.articles[a.FeedID] = byURL
		}
		if _, ok := byURL[a.URL]; ok {
			results[i] = db.AlreadyExists
			continue
		}
		byURL[a.URL] = a
		results[i] = db.Inserted
	}
	return results, nil
}

func (s *memStore) RecordFetchOutcome(_ context.Context, id uuid.UUID, rec *db.FetchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records++
	f, ok := s.feeds[id]
	if !ok {
		return db.ErrNotFound
	}
	if rec.LastFetchAt != nil {
		t := *rec.LastFetchAt
		f.LastFetchAt = &t
	}
	f.LastStatus = rec.Status
	f.LastError = rec.Error
	f.ConsecutiveFailures = rec.ConsecutiveFailures
	f.NextFetchAt = rec.NextFetchAt
	f.ETag = rec.ETag
	f.LastModified = rec.LastModified
	f.Backoff = rec.Backoff
	return nil
}

// countingParser counts Parse calls on top of the real parser.
type countingParser struct {
	mu    sync.Mutex
	calls int
	p     *parser.Parser
}

func newCountingParser(t *testing.T) *countingParser {
	t.Helper()
	p, err := parser.New(parser.Options{})
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	return &countingParser{p: p}
}

func (c *countingParser) Parse(body []byte, meta parser.Meta) (*parser.Entries, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.p.Parse(body, meta)
}

func (c *countingParser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// blockingFetcher parks every Fetch until release is closed or the context ends.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	active  int
	maxSeen int
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (f *blockingFetcher) Fetch(ctx context.Context, r fetcher.Request) (*fetcher.Response, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.entered <- struct{}{}
	select {
	case <-f.release:
		return &fetcher.Response{URL: r.URL, NotModified: true, FetchedAt: time.Now()}, nil
	case <-ctx.Done():
		return nil, &fetcher.NetworkError{URL: r.URL, Err: ctx.Err()}
	}
}

func (f *blockingFetcher) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

func (f *blockingFetcher) Discover(_ context.Context, rawURL string) (string, error) {
	return rawURL, nil
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Threads:       4,
		TickInterval:  time.Hour,
		FetchInterval: 15 * time.Minute,
		DueBatch:      10,
		Backoff:       Backoff{Base: time.Minute, Max: 24 * time.Hour, PermanentFactor: 4},
	}
}

func newTestAggregator(t *testing.T, store Store, f Fetcher, p Parser, c *clock) *Aggregator {
	t.Helper()
	a := New(store, f, p, testOptions(), testLogger())
	a.now = c.Now
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func rssItems(n int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>Test feed</title>`)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `<item><title>Item %d</title><link>https://example.com/items/%d</link>`+
			`<pubDate>Mon, 01 Jan 2024 0%d:00:00 GMT</pubDate><description>body %d</description></item>`, i, i, i%10, i)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

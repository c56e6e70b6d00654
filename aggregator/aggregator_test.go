package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/fetcher"
)

func newTestFetcher() *fetcher.Fetcher {
	return fetcher.New(fetcher.Options{Timeout: 2 * time.Second})
}

func TestRunOnce_NewItemsAreInsertedOnce(t *testing.T) {
	var items atomic.Int32
	items.Store(3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssItems(int(items.Load()))))
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	feed := store.addFeed(srv.URL, c.Now())
	a := newTestAggregator(t, store, newTestFetcher(), newCountingParser(t), c)
	ctx := context.Background()

	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if n := store.articleCount(feed.ID); n != 3 {
		t.Fatalf("expected 3 articles after cycle 1, got %d", n)
	}
	got := store.feed(feed.ID)
	if got.ConsecutiveFailures != 0 || got.LastStatus != db.StatusSuccess {
		t.Fatalf("unexpected feed state after cycle 1: %+v", got)
	}
	if want := c.Now().Add(15 * time.Minute); !got.NextFetchAt.Equal(want) {
		t.Fatalf("expected next fetch at %v, got %v", want, got.NextFetchAt)
	}

	items.Store(4)
	c.Set(got.NextFetchAt)

	var outcomes []Outcome
	a.OnOutcome(func(o Outcome) { outcomes = append(outcomes, o) })
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if n := store.articleCount(feed.ID); n != 4 {
		t.Fatalf("expected 4 articles after cycle 2, got %d", n)
	}
	if len(outcomes) != 1 || outcomes[0].Fetched != 4 || outcomes[0].Inserted != 1 || outcomes[0].Duplicates != 3 {
		t.Fatalf("unexpected outcome of cycle 2: %+v", outcomes)
	}
}

func TestRunOnce_IdenticalBodyIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rssItems(5)))
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	feed := store.addFeed(srv.URL, c.Now())
	a := newTestAggregator(t, store, newTestFetcher(), newCountingParser(t), c)

	first, err := a.Refresh(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("refresh 1: %v", err)
	}
	second, err := a.Refresh(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("refresh 2: %v", err)
	}
	if first.Inserted != 5 || second.Inserted != 0 || second.Duplicates != 5 {
		t.Fatalf("expected 5 then 0 new articles, got %+v and %+v", first, second)
	}
	if n := store.articleCount(feed.ID); n != 5 {
		t.Fatalf("expected 5 articles, got %d", n)
	}
}

func TestRunOnce_ServerErrorsBackOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	feed := store.addFeed(srv.URL, c.Now())
	p := newCountingParser(t)
	a := newTestAggregator(t, store, newTestFetcher(), p, c)

	var lastMargin time.Duration
	for i := 1; i <= 3; i++ {
		now := c.Now()
		if err := a.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		got := store.feed(feed.ID)
		if got.ConsecutiveFailures != i {
			t.Fatalf("cycle %d: expected %d failures, got %d", i, i, got.ConsecutiveFailures)
		}
		if got.LastStatus != db.StatusTransientFailure {
			t.Fatalf("cycle %d: expected transient failure, got %q", i, got.LastStatus)
		}
		margin := got.NextFetchAt.Sub(now) - 15*time.Minute
		if margin <= lastMargin {
			t.Fatalf("cycle %d: backoff margin %v did not grow past %v", i, margin, lastMargin)
		}
		lastMargin = margin
		c.Set(got.NextFetchAt)
	}
	if p.count() != 0 {
		t.Fatalf("parser must not run on failed fetches, ran %d times", p.count())
	}
}

func TestRunOnce_NotModifiedSkipsParseAndDedup(t *testing.T) {
	const etag = `"v1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		_, _ = w.Write([]byte(rssItems(2)))
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	feed := store.addFeed(srv.URL, c.Now())
	p := newCountingParser(t)
	a := newTestAggregator(t, store, newTestFetcher(), p, c)

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	got := store.feed(feed.ID)
	if got.ETag != etag {
		t.Fatalf("expected etag to be stored, got %q", got.ETag)
	}

	parses := p.count()
	inserts, _ := store.counts()
	c.Set(got.NextFetchAt)
	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}

	afterInserts, _ := store.counts()
	if p.count() != parses || afterInserts != inserts {
		t.Fatalf("304 must not parse or insert: parses %d->%d inserts %d->%d", parses, p.count(), inserts, afterInserts)
	}
	got = store.feed(feed.ID)
	if got.LastStatus != db.StatusNotModified || got.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected feed state after 304: %+v", got)
	}
	if got.ETag != etag {
		t.Fatalf("etag lost after 304: %q", got.ETag)
	}
}

func TestRunOnce_PersistenceErrorKeepsFetchState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"new"`)
		_, _ = w.Write([]byte(rssItems(2)))
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	store.insertErr = &db.PersistenceError{Op: "insert articles", Err: errors.New("connection reset")}
	feed := store.addFeed(srv.URL, c.Now())
	a := newTestAggregator(t, store, newTestFetcher(), newCountingParser(t), c)

	o, err := a.Refresh(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if o.Status != db.StatusTransientFailure {
		t.Fatalf("expected transient failure, got %q", o.Status)
	}

	got := store.feed(feed.ID)
	if got.LastFetchAt != nil {
		t.Fatalf("last fetch time must not advance on persistence errors")
	}
	if got.ETag != "" {
		t.Fatalf("validators must not advance on persistence errors, got %q", got.ETag)
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 failure, got %d", got.ConsecutiveFailures)
	}
}

func TestRunOnce_ParseErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a feed</html>"))
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	feed := store.addFeed(srv.URL, c.Now())
	a := newTestAggregator(t, store, newTestFetcher(), newCountingParser(t), c)

	o, err := a.Refresh(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if o.Status != db.StatusPermanentFailure {
		t.Fatalf("expected permanent failure, got %q (%v)", o.Status, o.Err)
	}
	want := c.Now().Add(15*time.Minute + 4*time.Minute)
	if got := store.feed(feed.ID); !got.NextFetchAt.Equal(want) {
		t.Fatalf("expected next fetch at %v, got %v", want, got.NextFetchAt)
	}
}

func TestRefresh_AtMostOneInFlight(t *testing.T) {
	c := newClock()
	store := newMemStore()
	feed := store.addFeed("https://example.com/feed", c.Now())
	f := newBlockingFetcher()
	a := newTestAggregator(t, store, f, newCountingParser(t), c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := a.Refresh(context.Background(), feed.ID); err != nil {
			t.Errorf("first refresh: %v", err)
		}
	}()
	<-f.entered

	if _, err := a.Refresh(context.Background(), feed.ID); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("expected ErrCycleInFlight, got %v", err)
	}
	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if state, ok := a.inflight.state(feed.ID); !ok || state != StateFetching {
		t.Fatalf("expected feed to be fetching, got %q %v", state, ok)
	}

	close(f.release)
	wg.Wait()

	if f.maxSeen != 1 {
		t.Fatalf("expected exactly one concurrent fetch, saw %d", f.maxSeen)
	}
	if _, records := store.counts(); records != 1 {
		t.Fatalf("expected one recorded outcome, got %d", records)
	}
}

func TestRunOnce_SlowFeedDoesNotDelayOthers(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rssItems(2)))
	}))
	defer fast.Close()

	c := newClock()
	store := newMemStore()
	slowFeed := store.addFeed(slow.URL, c.Now())
	fastFeed := store.addFeed(fast.URL, c.Now())

	f := fetcher.New(fetcher.Options{Timeout: 300 * time.Millisecond})
	a := newTestAggregator(t, store, f, newCountingParser(t), c)

	var mu sync.Mutex
	outcomes := map[string]Outcome{}
	a.OnOutcome(func(o Outcome) {
		mu.Lock()
		outcomes[o.URL] = o
		mu.Unlock()
	})

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	fo := outcomes[fast.URL]
	if fo.Status != db.StatusSuccess || fo.Inserted != 2 {
		t.Fatalf("fast feed outcome: %+v", fo)
	}
	so := outcomes[slow.URL]
	var netErr *fetcher.NetworkError
	if so.Status != db.StatusTransientFailure || !errors.As(so.Err, &netErr) || !netErr.Timeout {
		t.Fatalf("slow feed outcome: %+v", so)
	}
	if store.feed(fastFeed.ID).ConsecutiveFailures != 0 || store.feed(slowFeed.ID).ConsecutiveFailures != 1 {
		t.Fatalf("failure counters leaked between feeds")
	}
}

func TestRefresh_CanceledCycleRecordsNothing(t *testing.T) {
	c := newClock()
	store := newMemStore()
	feed := store.addFeed("https://example.com/feed", c.Now())
	f := newBlockingFetcher()
	a := newTestAggregator(t, store, f, newCountingParser(t), c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.entered
		cancel()
	}()

	o, err := a.Refresh(ctx, feed.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !o.Canceled {
		t.Fatalf("expected canceled outcome, got %+v", o)
	}
	if _, records := store.counts(); records != 0 {
		t.Fatalf("canceled cycle recorded %d outcomes", records)
	}
}

func TestRefresh_Errors(t *testing.T) {
	c := newClock()
	store := newMemStore()
	feed := store.addFeed("https://example.com/feed", c.Now())
	a := newTestAggregator(t, store, newBlockingFetcher(), newCountingParser(t), c)

	if err := store.DeactivateFeed(context.Background(), feed.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := a.Refresh(context.Background(), feed.ID); !errors.Is(err, ErrFeedInactive) {
		t.Fatalf("expected ErrFeedInactive, got %v", err)
	}
	if _, ok := a.inflight.state(feed.ID); ok {
		t.Fatalf("feed left in the in-flight set")
	}
}

func TestRunOnce_SkipsInactiveAndFutureFeeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(rssItems(1)))
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	store.addFeed(srv.URL+"/later", c.Now().Add(time.Hour))
	inactive := store.addFeed(srv.URL+"/gone", c.Now())
	_ = store.DeactivateFeed(context.Background(), inactive.ID)

	a := newTestAggregator(t, store, newTestFetcher(), newCountingParser(t), c)
	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no fetches, got %d", hits.Load())
	}
}

func TestRunAndStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rssItems(1)))
	}))
	defer srv.Close()

	c := newClock()
	store := newMemStore()
	feed := store.addFeed(srv.URL, c.Now())
	a := newTestAggregator(t, store, newTestFetcher(), newCountingParser(t), c)

	done := make(chan Outcome, 1)
	a.OnOutcome(func(o Outcome) { done <- o })

	if err := a.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case o := <-done:
		if o.FeedID != feed.ID || o.Status != db.StatusSuccess {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := a.Refresh(context.Background(), feed.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestStop_CancelsAfterGracePeriod(t *testing.T) {
	c := newClock()
	store := newMemStore()
	store.addFeed("https://example.com/feed", c.Now())
	f := newBlockingFetcher()
	a := newTestAggregator(t, store, f, newCountingParser(t), c)

	if err := a.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	<-f.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if _, records := store.counts(); records != 0 {
		t.Fatalf("canceled cycle recorded %d outcomes", records)
	}
	if a.inflight.len() != 0 {
		t.Fatalf("in-flight set not drained")
	}
}

func TestRunOnce_GateCapsConcurrentFetches(t *testing.T) {
	c := newClock()
	store := newMemStore()
	for i := 0; i < 10; i++ {
		store.addFeed(fmt.Sprintf("https://example.com/%d/feed", i), c.Now())
	}
	f := newBlockingFetcher()
	a := newTestAggregator(t, store, f, newCountingParser(t), c)

	done := make(chan error, 1)
	go func() { done <- a.RunOnce(context.Background()) }()

	threads := testOptions().Threads
	for i := 0; i < threads; i++ {
		select {
		case <-f.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d fetches started, want %d", i, threads)
		}
	}
	select {
	case <-f.entered:
		t.Fatalf("fetch %d started while the gate was full", threads+1)
	case <-time.After(100 * time.Millisecond):
	}

	close(f.release)
	if err := <-done; err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := f.peak(); got != threads {
		t.Fatalf("expected at most %d concurrent fetches and the gate to fill, peak was %d", threads, got)
	}
	if _, records := store.counts(); records != 10 {
		t.Fatalf("expected every due feed to be fetched once, got %d records", records)
	}
}

func TestRefresh_ConcurrentWithStop(t *testing.T) {
	c := newClock()
	store := newMemStore()
	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		ids = append(ids, store.addFeed(fmt.Sprintf("https://example.com/%d/feed", i), c.Now()).ID)
	}
	f := newBlockingFetcher()
	close(f.release)
	a := newTestAggregator(t, store, f, newCountingParser(t), c)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			o, err := a.Refresh(context.Background(), id)
			switch {
			case errors.Is(err, ErrNotRunning):
			case err != nil:
				t.Errorf("refresh %s: %v", id, err)
			case o.Status != db.StatusNotModified:
				t.Errorf("refresh %s: unexpected outcome %+v", id, o)
			}
		}(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	if _, err := a.Refresh(context.Background(), ids[0]); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after Stop, got %v", err)
	}
}

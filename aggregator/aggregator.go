package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/romangrechin/rss-aggregator/db"
	"github.com/romangrechin/rss-aggregator/fetcher"
	"github.com/romangrechin/rss-aggregator/parser"
)

const (
	DefaultThreads       = 4
	DefaultTickInterval  = 30 * time.Second
	DefaultFetchInterval = 15 * time.Minute
	DefaultDueBatch      = 100
)

var (
	ErrCycleInFlight = errors.New("feed already has a fetch cycle in flight")
	ErrFeedInactive  = errors.New("feed is inactive")
	ErrNotRunning    = errors.New("aggregator is not running")
	ErrInvalidFeed   = errors.New("invalid feed")
)

type Fetcher interface {
	Fetch(ctx context.Context, r fetcher.Request) (*fetcher.Response, error)
	Discover(ctx context.Context, rawURL string) (string, error)
}

type Parser interface {
	Parse(body []byte, meta parser.Meta) (*parser.Entries, error)
}

// Store is the persistence gateway used by the aggregator.
type Store interface {
	DueFeeds(ctx context.Context, now time.Time, limit int) ([]*db.Feed, error)
	GetFeed(ctx context.Context, id uuid.UUID) (*db.Feed, error)
	ListFeeds(ctx context.Context, activeOnly bool) ([]*db.Feed, error)
	RegisterFeed(ctx context.Context, in db.FeedInput) (*db.Feed, bool, error)
	DeactivateFeed(ctx context.Context, id uuid.UUID) error
	InsertArticles(ctx context.Context, articles []*db.Article) ([]db.InsertResult, error)
	RecordFetchOutcome(ctx context.Context, id uuid.UUID, rec *db.FetchRecord) error
}

type Options struct {
	// Threads bounds the number of concurrent fetch cycles.
	Threads int
	// TickInterval is how often due feeds are looked up.
	TickInterval time.Duration
	// FetchInterval is the normal delay between two fetches of the same feed.
	FetchInterval time.Duration
	// DueBatch caps the number of due feeds loaded per tick.
	DueBatch int
	Backoff  Backoff
}

type Aggregator struct {
	store   Store
	fetcher Fetcher
	parser  Parser
	log     *slog.Logger

	threads       int
	tickInterval  time.Duration
	fetchInterval time.Duration
	dueBatch      int
	backoff       Backoff

	gate     *semaphore.Weighted
	inflight *inflight
	cron     *cron.Cron
	now      func() time.Time

	// ctx is the parent of every cycle; cancel interrupts them at their next checkpoint.
	ctx    context.Context
	cancel context.CancelFunc
	// dispatch is canceled as soon as Stop is called so no new cycles are admitted.
	dispatch     context.Context
	stopDispatch context.CancelFunc
	// runMu orders wg.Add in Refresh before the wg.Wait in Stop.
	runMu sync.Mutex
	wg    sync.WaitGroup

	subsMu sync.RWMutex
	subs   []func(Outcome)
}

func New(store Store, f Fetcher, p Parser, opts Options, log *slog.Logger) *Aggregator {
	if opts.Threads < 1 {
		opts.Threads = DefaultThreads
		log.Warn("Threads count must be > 0, using default", "threads", opts.Threads)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = DefaultFetchInterval
	}
	if opts.DueBatch < 1 {
		opts.DueBatch = DefaultDueBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	dispatch, stopDispatch := context.WithCancel(ctx)
	clog := cronLogger{log: log.With("component", "cron")}

	return &Aggregator{
		store:         store,
		fetcher:       f,
		parser:        p,
		log:           log,
		threads:       opts.Threads,
		tickInterval:  opts.TickInterval,
		fetchInterval: opts.FetchInterval,
		dueBatch:      opts.DueBatch,
		backoff:       opts.Backoff.withDefaults(),
		gate:          semaphore.NewWeighted(int64(opts.Threads)),
		inflight:      newInflight(),
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		dispatch:     dispatch,
		stopDispatch: stopDispatch,
	}
}

// OnOutcome registers fn to be called once for every finished cycle.
func (a *Aggregator) OnOutcome(fn func(Outcome)) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	a.subs = append(a.subs, fn)
}

// Run schedules the periodic tick and fires the first one immediately.
func (a *Aggregator) Run() error {
	schedule := fmt.Sprintf("@every %s", a.tickInterval)
	if _, err := a.cron.AddFunc(schedule, a.scheduledTick); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	a.cron.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.scheduledTick()
	}()

	a.log.Info("Aggregator started",
		"threads", a.threads,
		"tickInterval", a.tickInterval,
		"fetchInterval", a.fetchInterval)
	return nil
}

// Stop halts scheduling and waits for running cycles. When ctx expires first the
// remaining cycles are canceled at their next checkpoint and Stop waits for them to unwind.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.runMu.Lock()
	a.stopDispatch()
	a.runMu.Unlock()
	cronDone := a.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		a.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Shutdown grace period expired, canceling fetch cycles",
			"inFlight", a.inflight.len())
		err = ctx.Err()
	}

	a.cancel()
	<-done
	a.log.Info("Aggregator stopped")
	return err
}

// RunOnce performs a single tick and waits for the cycles it dispatched.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	var wg sync.WaitGroup
	err := a.tick(ctx, ctx, &wg)
	wg.Wait()
	return err
}

func (a *Aggregator) scheduledTick() {
	if err := a.tick(a.dispatch, a.ctx, &a.wg); err != nil && a.dispatch.Err() == nil {
		a.log.Error("Tick failed", "error", err)
	}
}

// tick loads due feeds and dispatches one cycle per feed through the admission gate.
// Feeds that already own a cycle are skipped.
func (a *Aggregator) tick(dispatch, ctx context.Context, wg *sync.WaitGroup) error {
	feeds, err := a.store.DueFeeds(dispatch, a.now(), a.dueBatch)
	if err != nil {
		return fmt.Errorf("load due feeds: %w", err)
	}

	dispatched := 0
	for _, feed := range feeds {
		if !a.inflight.tryAdd(feed.ID) {
			a.log.Debug("Feed cycle already in flight", "feedID", feed.ID)
			continue
		}

		if err = a.gate.Acquire(dispatch, 1); err != nil {
			a.inflight.remove(feed.ID)
			return err
		}

		dispatched++
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			defer a.gate.Release(1)
			defer a.inflight.remove(id)

			a.scheduledCycle(ctx, id)
		}(feed.ID)
	}

	if len(feeds) > 0 {
		a.log.Debug("Tick dispatched feeds", "due", len(feeds), "dispatched", dispatched)
	}
	return nil
}

// scheduledCycle reloads the feed so a cycle never runs on a stale due list entry.
func (a *Aggregator) scheduledCycle(ctx context.Context, id uuid.UUID) {
	feed, err := a.store.GetFeed(ctx, id)
	if err != nil {
		a.log.Error("Failed to load feed", "error", err, "feedID", id)
		return
	}
	if !feed.Active || feed.NextFetchAt.After(a.now()) {
		return
	}
	a.cycle(ctx, feed)
}

// Refresh runs one cycle for the feed right away, outside the regular schedule.
func (a *Aggregator) Refresh(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	a.runMu.Lock()
	if a.dispatch.Err() != nil {
		a.runMu.Unlock()
		return nil, ErrNotRunning
	}
	a.wg.Add(1)
	a.runMu.Unlock()
	defer a.wg.Done()

	if !a.inflight.tryAdd(id) {
		return nil, ErrCycleInFlight
	}
	defer a.inflight.remove(id)

	feed, err := a.store.GetFeed(ctx, id)
	if err != nil {
		return nil, err
	}
	if !feed.Active {
		return nil, ErrFeedInactive
	}

	if err = a.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.gate.Release(1)

	ctx, stop := mergeCancel(ctx, a.ctx)
	defer stop()

	o := a.cycle(ctx, feed)
	return &o, nil
}

// mergeCancel returns ctx canceled additionally when parent is.
func mergeCancel(ctx, parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (a *Aggregator) publish(o Outcome) {
	a.subsMu.RLock()
	subs := a.subs
	a.subsMu.RUnlock()

	for _, fn := range subs {
		fn(o)
	}
}

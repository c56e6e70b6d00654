package db

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
)

const feedColumns = `id, url, title, description, active, last_fetch_at, last_fetch_status,
	last_fetch_error, consecutive_failures, next_fetch_at, etag, last_modified, backoff_ms`

type DB struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func Connect(ctx context.Context, connString string, maxConns int32, log *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("database connected", "max_conns", cfg.MaxConns)

	return &DB{
		pool: pool,
		log:  log,
	}, nil
}

func (d *DB) Close() error {
	if d == nil || d.pool == nil {
		return ErrDatabaseNotInit
	}
	d.pool.Close()
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return ErrDatabaseNotInit
	}
	return persistErr("ping", d.pool.Ping(ctx))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeed(row rowScanner, extra ...interface{}) (*Feed, error) {
	feed := &Feed{}
	var (
		status    string
		backoffMs int64
	)
	dest := []interface{}{
		&feed.ID,
		&feed.URL,
		&feed.Title,
		&feed.Description,
		&feed.Active,
		&feed.LastFetchAt,
		&status,
		&feed.LastError,
		&feed.ConsecutiveFailures,
		&feed.NextFetchAt,
		&feed.ETag,
		&feed.LastModified,
		&backoffMs,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	feed.LastStatus = FetchStatus(status)
	feed.Backoff = time.Duration(backoffMs) * time.Millisecond
	return feed, nil
}

// RegisterFeed inserts a feed or reactivates the one already stored under the same URL.
// The boolean result is true when a new row was created.
func (d *DB) RegisterFeed(ctx context.Context, in FeedInput) (*Feed, bool, error) {
	if d == nil || d.pool == nil {
		return nil, false, ErrDatabaseNotInit
	}

	url := strings.TrimSpace(in.URL)
	if url == "" {
		return nil, false, ErrInvalidInput
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = url
	}

	row := d.pool.QueryRow(ctx, `
		INSERT INTO feed (id, url, title, description, active, next_fetch_at)
		VALUES ($1, $2, $3, $4, true, now())
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			description = COALESCE(EXCLUDED.description, feed.description),
			next_fetch_at = CASE WHEN feed.active THEN feed.next_fetch_at ELSE now() END,
			active = true
		RETURNING `+feedColumns+`, (xmax = 0)`,
		uuid.New(), url, title, in.Description)

	var created bool
	feed, err := scanFeed(row, &created)
	if err != nil {
		return nil, false, persistErr("register feed", err)
	}
	return feed, created, nil
}

func (d *DB) DeactivateFeed(ctx context.Context, id uuid.UUID) error {
	if d == nil || d.pool == nil {
		return ErrDatabaseNotInit
	}

	tag, err := d.pool.Exec(ctx, "UPDATE feed SET active = false WHERE id = $1", id)
	if err != nil {
		return persistErr("deactivate feed", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) GetFeed(ctx context.Context, id uuid.UUID) (*Feed, error) {
	if d == nil || d.pool == nil {
		return nil, ErrDatabaseNotInit
	}

	row := d.pool.QueryRow(ctx, "SELECT "+feedColumns+" FROM feed WHERE id = $1", id)
	feed, err := scanFeed(row)
	if err != nil {
		return nil, persistErr("get feed", err)
	}
	return feed, nil
}

func (d *DB) ListFeeds(ctx context.Context, activeOnly bool) ([]*Feed, error) {
	if d == nil || d.pool == nil {
		return nil, ErrDatabaseNotInit
	}

	query := "SELECT " + feedColumns + " FROM feed"
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY url"

	return d.queryFeeds(ctx, "list feeds", query)
}

// DueFeeds returns active feeds whose next fetch time has elapsed, oldest first.
func (d *DB) DueFeeds(ctx context.Context, now time.Time, limit int) ([]*Feed, error) {
	if d == nil || d.pool == nil {
		return nil, ErrDatabaseNotInit
	}

	return d.queryFeeds(ctx, "due feeds",
		"SELECT "+feedColumns+" FROM feed WHERE active AND next_fetch_at <= $1 ORDER BY next_fetch_at LIMIT $2",
		now, limit)
}

func (d *DB) queryFeeds(ctx context.Context, op, query string, args ...interface{}) ([]*Feed, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var feeds []*Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		feeds = append(feeds, feed)
	}
	if err = rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return feeds, nil
}

// RecordFetchOutcome stores the scheduling fields produced by one fetch cycle.
func (d *DB) RecordFetchOutcome(ctx context.Context, id uuid.UUID, rec *FetchRecord) error {
	if d == nil || d.pool == nil {
		return ErrDatabaseNotInit
	}

	tag, err := d.pool.Exec(ctx, `
		UPDATE feed SET
			last_fetch_at = COALESCE($2, last_fetch_at),
			last_fetch_status = $3,
			last_fetch_error = $4,
			consecutive_failures = $5,
			next_fetch_at = $6,
			etag = $7,
			last_modified = $8,
			backoff_ms = $9
		WHERE id = $1`,
		id,
		rec.LastFetchAt,
		string(rec.Status),
		rec.Error,
		rec.ConsecutiveFailures,
		rec.NextFetchAt,
		rec.ETag,
		rec.LastModified,
		rec.Backoff.Milliseconds())
	if err != nil {
		return persistErr("record fetch outcome", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

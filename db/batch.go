package db

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

const insertArticleSQL = `INSERT INTO article (id, feed_id, url, title, content, read, published)
	VALUES ($1, $2, $3, $4, $5, false, $6)
	ON CONFLICT (feed_id, url) DO NOTHING`

var ErrTxClosed = errors.New("transaction closed")

type articleBatch struct {
	tx       pgx.Tx
	batch    *pgx.Batch
	articles []*Article
}

func (b *articleBatch) queue(a *Article) error {
	if a.FeedID == uuid.Nil || strings.TrimSpace(a.URL) == "" {
		return ErrInvalidInput
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Published = a.Published.UTC()

	b.batch.Queue(insertArticleSQL,
		a.ID,
		a.FeedID,
		a.URL,
		a.Title,
		a.Content,
		a.Published)
	b.articles = append(b.articles, a)
	return nil
}

func (b *articleBatch) exec(ctx context.Context, pool beginner) ([]InsertResult, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	b.tx = tx

	results := make([]InsertResult, len(b.articles))
	br := tx.SendBatch(ctx, b.batch)
	for i := range b.articles {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			b.rollback(ctx)
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			results[i] = Inserted
		} else {
			results[i] = AlreadyExists
		}
	}
	if err = br.Close(); err != nil {
		b.rollback(ctx)
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *articleBatch) rollback(ctx context.Context) error {
	if b.tx == nil {
		return ErrTxClosed
	}
	return b.tx.Rollback(ctx)
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InsertIfAbsent writes one article unless the feed already has an article with the same URL.
func (d *DB) InsertIfAbsent(ctx context.Context, a *Article) (InsertResult, error) {
	results, err := d.InsertArticles(ctx, []*Article{a})
	if err != nil {
		return 0, err
	}
	return results[0], nil
}

// InsertArticles runs insert-if-absent for every article inside one transaction.
// Results are positional; either all statements commit or none do.
func (d *DB) InsertArticles(ctx context.Context, articles []*Article) ([]InsertResult, error) {
	if d == nil || d.pool == nil {
		return nil, ErrDatabaseNotInit
	}
	if len(articles) == 0 {
		return nil, nil
	}

	b := &articleBatch{batch: &pgx.Batch{}}
	for _, a := range articles {
		if err := b.queue(a); err != nil {
			return nil, err
		}
	}

	results, err := b.exec(ctx, d.pool)
	if err != nil {
		return nil, persistErr("insert articles", err)
	}
	return results, nil
}

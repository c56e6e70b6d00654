package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultArticleLimit = 50
	MaxArticleLimit     = 500
)

const articleColumns = "id, feed_id, url, title, content, read, published"

func scanArticle(row rowScanner) (*Article, error) {
	a := &Article{}
	err := row.Scan(
		&a.ID,
		&a.FeedID,
		&a.URL,
		&a.Title,
		&a.Content,
		&a.Read,
		&a.Published)
	if err != nil {
		return nil, err
	}
	a.Published = a.Published.UTC()
	return a, nil
}

// ListArticles returns articles newest first.
func (d *DB) ListArticles(ctx context.Context, q ArticleQuery) ([]*Article, error) {
	if d == nil || d.pool == nil {
		return nil, ErrDatabaseNotInit
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultArticleLimit
	}
	if limit > MaxArticleLimit {
		limit = MaxArticleLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []interface{}
	)
	if q.FeedID != nil {
		args = append(args, *q.FeedID)
		where = append(where, fmt.Sprintf("feed_id = $%d", len(args)))
	}
	if q.UnreadOnly {
		where = append(where, "NOT read")
	}

	query := "SELECT " + articleColumns + " FROM article"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY published DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list articles", err)
	}
	defer rows.Close()

	var articles []*Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, persistErr("list articles", err)
		}
		articles = append(articles, a)
	}
	if err = rows.Err(); err != nil {
		return nil, persistErr("list articles", err)
	}
	return articles, nil
}

func (d *DB) GetArticle(ctx context.Context, id uuid.UUID) (*Article, error) {
	if d == nil || d.pool == nil {
		return nil, ErrDatabaseNotInit
	}

	row := d.pool.QueryRow(ctx, "SELECT "+articleColumns+" FROM article WHERE id = $1", id)
	a, err := scanArticle(row)
	if err != nil {
		return nil, persistErr("get article", err)
	}
	return a, nil
}

func (d *DB) MarkArticleRead(ctx context.Context, id uuid.UUID, read bool) error {
	if d == nil || d.pool == nil {
		return ErrDatabaseNotInit
	}

	tag, err := d.pool.Exec(ctx, "UPDATE article SET read = $2 WHERE id = $1", id, read)
	if err != nil {
		return persistErr("mark article read", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

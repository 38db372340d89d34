package data

import (
	"bytes"
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgxutil"
)

type FeedItem struct {
	ID           pgtype.Int4
	FeedConfigID pgtype.Int4
	GUID         pgtype.Text
	Title        pgtype.Text
	URL          pgtype.Text
	Description  pgtype.Text
	Content      pgtype.Text
	Author       pgtype.Text
	Categories   []string
	PublishedAt  pgtype.Timestamptz
	CreatedAt    pgtype.Timestamptz
	UpdatedAt    pgtype.Timestamptz
}

const selectFeedItemsSQL = `select
  "id",
  "feed_config_id",
  "guid",
  "title",
  "url",
  "description",
  "content",
  "author",
  "categories",
  "published_at",
  "created_at",
  "updated_at"
from "feed_items"
where "feed_config_id"=$1
order by "published_at" desc nulls last, "id" desc`

func RowToAddrOfFeedItem(row pgx.CollectableRow) (*FeedItem, error) {
	var fi FeedItem
	err := row.Scan(
		&fi.ID,
		&fi.FeedConfigID,
		&fi.GUID,
		&fi.Title,
		&fi.URL,
		&fi.Description,
		&fi.Content,
		&fi.Author,
		&fi.Categories,
		&fi.PublishedAt,
		&fi.CreatedAt,
		&fi.UpdatedAt,
	)
	return &fi, err
}

func SelectFeedItems(ctx context.Context, db pgxutil.DB, feedConfigID int32) ([]*FeedItem, error) {
	rows, _ := db.Query(ctx, selectFeedItemsSQL, feedConfigID)
	return pgx.CollectRows(rows, RowToAddrOfFeedItem)
}

func CountFeedItems(ctx context.Context, db Queryer, feedConfigID int32) (int64, error) {
	var n int64
	err := db.QueryRow(ctx, `select count(*) from "feed_items" where "feed_config_id"=$1`, feedConfigID).Scan(&n)
	return n, err
}

// UpsertFeedItems writes items keyed by (feed_config_id, guid). A guid seen
// before updates the existing row, so re-polling an unchanged feed is
// idempotent. Returns the number of rows written.
func UpsertFeedItems(ctx context.Context, db Queryer, feedConfigID int32, items []ParsedItem) (int64, error) {
	items = dedupeByGUID(items)
	if len(items) == 0 {
		return 0, nil
	}

	sql, args := buildUpsertItemsSQL(feedConfigID, items)
	commandTag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}

	return commandTag.RowsAffected(), nil
}

// dedupeByGUID keeps the last occurrence of each guid. The server rejects a
// single insert statement touching the same conflict key twice.
func dedupeByGUID(items []ParsedItem) []ParsedItem {
	last := make(map[string]int, len(items))
	for i, item := range items {
		last[item.GUID] = i
	}

	out := make([]ParsedItem, 0, len(last))
	for i, item := range items {
		if last[item.GUID] == i {
			out = append(out, item)
		}
	}
	return out
}

func buildUpsertItemsSQL(feedConfigID int32, items []ParsedItem) (sql string, args []interface{}) {
	var buf bytes.Buffer
	args = append(args, feedConfigID)

	buf.WriteString(`
    insert into feed_items(feed_config_id, guid, title, url, description, content, author, categories, published_at)
    select $1, guid, title, url, description, content, author, categories, published_at
    from (values
  `)

	appendArg := func(v interface{}) {
		buf.WriteString("$")
		args = append(args, v)
		buf.WriteString(strconv.FormatInt(int64(len(args)), 10))
	}

	for i, item := range items {
		if i > 0 {
			buf.WriteString(",")
		}

		categories := item.Categories
		if categories == nil {
			categories = []string{}
		}

		buf.WriteString("(")
		appendArg(item.GUID)
		buf.WriteString("::varchar,")
		appendArg(item.Title)
		buf.WriteString("::varchar,")
		appendArg(item.URL)
		buf.WriteString("::varchar,")
		appendArg(item.Description)
		buf.WriteString("::varchar,")
		appendArg(item.Content)
		buf.WriteString("::varchar,")
		appendArg(item.Author)
		buf.WriteString("::varchar,")
		appendArg(categories)
		buf.WriteString("::varchar[],")
		appendArg(item.PublishedAt)
		buf.WriteString("::timestamptz)")
	}

	buf.WriteString(`
    ) t(guid, title, url, description, content, author, categories, published_at)
    on conflict (feed_config_id, guid) do update
    set title=excluded.title,
      url=excluded.url,
      description=excluded.description,
      content=excluded.content,
      author=excluded.author,
      categories=excluded.categories,
      published_at=excluded.published_at,
      updated_at=now()
  `)

	return buf.String(), args
}

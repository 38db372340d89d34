package data

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgsql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type FeedHealth struct {
	ID                      pgtype.Int4
	FeedConfigID            pgtype.Int4
	LastCheckAt             pgtype.Timestamptz
	ConsecutiveFailures     pgtype.Int4
	LastErrorCategory       pgtype.Text
	LastErrorDetail         pgtype.Text
	IsPermanentlyInvalid    pgtype.Bool
	RequiresSpecialHandling pgtype.Bool
	SpecialHandlerType      pgtype.Text
	CreatedAt               pgtype.Timestamptz
	UpdatedAt               pgtype.Timestamptz
}

const selectFeedHealthByFeedConfigIDSQL = `select
  "id",
  "feed_config_id",
  "last_check_at",
  "consecutive_failures",
  "last_error_category",
  "last_error_detail",
  "is_permanently_invalid",
  "requires_special_handling",
  "special_handler_type",
  "created_at",
  "updated_at"
from "feed_health"
where "feed_config_id"=$1`

func SelectFeedHealthByFeedConfigID(
	ctx context.Context,
	db Queryer,
	feedConfigID int32,
) (*FeedHealth, error) {
	var row FeedHealth
	err := db.QueryRow(ctx, selectFeedHealthByFeedConfigIDSQL, feedConfigID).Scan(
		&row.ID,
		&row.FeedConfigID,
		&row.LastCheckAt,
		&row.ConsecutiveFailures,
		&row.LastErrorCategory,
		&row.LastErrorDetail,
		&row.IsPermanentlyInvalid,
		&row.RequiresSpecialHandling,
		&row.SpecialHandlerType,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return &row, nil
}

// UpsertFeedHealth writes the health row for a feed, creating it on first
// update. is_permanently_invalid is sticky and requires_special_handling is
// preserved once set regardless of what the caller sends; a null
// special_handler_type never clears a stored one.
func UpsertFeedHealth(ctx context.Context, db Queryer, row *FeedHealth) error {
	args := pgsql.Args{}

	var columns, values []string

	columns = append(columns, `feed_config_id`)
	values = append(values, args.Use(&row.FeedConfigID).String())
	columns = append(columns, `last_check_at`)
	values = append(values, args.Use(&row.LastCheckAt).String())
	columns = append(columns, `consecutive_failures`)
	values = append(values, args.Use(&row.ConsecutiveFailures).String())
	columns = append(columns, `last_error_category`)
	values = append(values, args.Use(&row.LastErrorCategory).String())
	columns = append(columns, `last_error_detail`)
	values = append(values, args.Use(&row.LastErrorDetail).String())
	columns = append(columns, `is_permanently_invalid`)
	values = append(values, args.Use(&row.IsPermanentlyInvalid).String())
	columns = append(columns, `requires_special_handling`)
	values = append(values, args.Use(&row.RequiresSpecialHandling).String())
	columns = append(columns, `special_handler_type`)
	values = append(values, args.Use(&row.SpecialHandlerType).String())

	sql := `insert into "feed_health"(` + strings.Join(columns, ", ") + `)
values(` + strings.Join(values, ",") + `)
on conflict (feed_config_id) do update
set last_check_at=excluded.last_check_at,
  consecutive_failures=excluded.consecutive_failures,
  last_error_category=excluded.last_error_category,
  last_error_detail=excluded.last_error_detail,
  is_permanently_invalid=feed_health.is_permanently_invalid or excluded.is_permanently_invalid,
  requires_special_handling=feed_health.requires_special_handling or excluded.requires_special_handling,
  special_handler_type=coalesce(excluded.special_handler_type, feed_health.special_handler_type),
  updated_at=now()
returning "id"
  `

	return db.QueryRow(ctx, sql, args.Values()...).Scan(&row.ID)
}

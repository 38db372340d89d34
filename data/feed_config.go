package data

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgsql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgxrecord"
	"github.com/jackc/pgxutil"
)

type FeedConfig struct {
	ID                   pgtype.Int4
	UserID               pgtype.Int4
	FeedURL              pgtype.Text
	Title                pgtype.Text
	Description          pgtype.Text
	SiteURL              pgtype.Text
	IconURL              pgtype.Text
	LastFetchedAt        pgtype.Timestamptz
	ErrorCount           pgtype.Int4
	IsActive             pgtype.Bool
	FetchIntervalMinutes pgtype.Int4
	CreatedAt            pgtype.Timestamptz
	UpdatedAt            pgtype.Timestamptz
}

const selectFeedConfigSQL = `select
  "id",
  "user_id",
  "feed_url",
  "title",
  "description",
  "site_url",
  "icon_url",
  "last_fetched_at",
  "error_count",
  "is_active",
  "fetch_interval_minutes",
  "created_at",
  "updated_at"
from "feed_configs"`

func RowToAddrOfFeedConfig(row pgx.CollectableRow) (*FeedConfig, error) {
	var fc FeedConfig
	err := row.Scan(
		&fc.ID,
		&fc.UserID,
		&fc.FeedURL,
		&fc.Title,
		&fc.Description,
		&fc.SiteURL,
		&fc.IconURL,
		&fc.LastFetchedAt,
		&fc.ErrorCount,
		&fc.IsActive,
		&fc.FetchIntervalMinutes,
		&fc.CreatedAt,
		&fc.UpdatedAt,
	)
	return &fc, err
}

func InsertFeedConfig(ctx context.Context, db Queryer, row *FeedConfig) error {
	args := pgsql.Args{}

	var columns, values []string

	columns = append(columns, `user_id`)
	values = append(values, args.Use(&row.UserID).String())
	columns = append(columns, `feed_url`)
	values = append(values, args.Use(&row.FeedURL).String())
	columns = append(columns, `title`)
	values = append(values, args.Use(&row.Title).String())
	columns = append(columns, `description`)
	values = append(values, args.Use(&row.Description).String())
	columns = append(columns, `site_url`)
	values = append(values, args.Use(&row.SiteURL).String())
	columns = append(columns, `icon_url`)
	values = append(values, args.Use(&row.IconURL).String())
	if row.IsActive.Valid {
		columns = append(columns, `is_active`)
		values = append(values, args.Use(&row.IsActive).String())
	}
	if row.FetchIntervalMinutes.Valid {
		columns = append(columns, `fetch_interval_minutes`)
		values = append(values, args.Use(&row.FetchIntervalMinutes).String())
	}

	sql := `insert into "feed_configs"(` + strings.Join(columns, ", ") + `)
values(` + strings.Join(values, ",") + `)
returning "id"
  `

	err := db.QueryRow(ctx, sql, args.Values()...).Scan(&row.ID)
	if err != nil {
		if strings.Contains(err.Error(), "feed_configs_user_id_feed_url_key") {
			return DuplicationError{Field: "feed_url"}
		}
		return err
	}

	return nil
}

const selectFeedConfigByPKSQL = selectFeedConfigSQL + `
where "id"=$1`

func SelectFeedConfigByPK(
	ctx context.Context,
	db Queryer,
	id int32,
) (*FeedConfig, error) {
	var row FeedConfig
	err := db.QueryRow(ctx, selectFeedConfigByPKSQL, id).Scan(
		&row.ID,
		&row.UserID,
		&row.FeedURL,
		&row.Title,
		&row.Description,
		&row.SiteURL,
		&row.IconURL,
		&row.LastFetchedAt,
		&row.ErrorCount,
		&row.IsActive,
		&row.FetchIntervalMinutes,
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

const selectFeedConfigForUserSQL = selectFeedConfigSQL + `
where "id"=$1 and "user_id"=$2`

// SelectFeedConfigForUser fetches a feed only if it belongs to userID.
func SelectFeedConfigForUser(
	ctx context.Context,
	db pgxutil.DB,
	id int32,
	userID int32,
) (*FeedConfig, error) {
	rows, _ := db.Query(ctx, selectFeedConfigForUserSQL, id, userID)
	fc, err := pgx.CollectOneRow(rows, RowToAddrOfFeedConfig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return fc, nil
}

const selectFeedConfigsByUserIDSQL = selectFeedConfigSQL + `
where "user_id"=$1
order by "title", "id"`

func SelectFeedConfigsByUserID(ctx context.Context, db pgxutil.DB, userID int32) ([]*FeedConfig, error) {
	rows, _ := db.Query(ctx, selectFeedConfigsByUserIDSQL, userID)
	return pgx.CollectRows(rows, RowToAddrOfFeedConfig)
}

// A feed is due when it is active, its interval has elapsed (or it has never
// been fetched), and its health row does not mark it permanently invalid.
const selectFeedConfigsDueForUpdateSQL = `select
  fc."id",
  fc."user_id",
  fc."feed_url",
  fc."title",
  fc."description",
  fc."site_url",
  fc."icon_url",
  fc."last_fetched_at",
  fc."error_count",
  fc."is_active",
  fc."fetch_interval_minutes",
  fc."created_at",
  fc."updated_at"
from "feed_configs" fc
  left join "feed_health" fh on fh."feed_config_id"=fc."id"
where fc."is_active"
  and not coalesce(fh."is_permanently_invalid", false)
  and (fc."last_fetched_at" is null
    or fc."last_fetched_at" + make_interval(mins => fc."fetch_interval_minutes") <= $1)
order by fc."last_fetched_at" asc nulls first`

func SelectFeedConfigsDueForUpdate(ctx context.Context, db pgxutil.DB, now time.Time) ([]*FeedConfig, error) {
	rows, _ := db.Query(ctx, selectFeedConfigsDueForUpdateSQL, now)
	return pgx.CollectRows(rows, RowToAddrOfFeedConfig)
}

const updateFeedMetadataSQL = `update "feed_configs"
set "title"=$1,
  "description"=$2,
  "site_url"=$3,
  "icon_url"=$4,
  "last_fetched_at"=$5,
  "error_count"=0,
  "updated_at"=now()
where "id"=$6`

// UpdateFeedMetadata refreshes display metadata after a successful poll and
// resets the error counter.
func UpdateFeedMetadata(ctx context.Context, db Queryer, id int32, info *FeedInfo, fetchedAt time.Time) error {
	commandTag, err := db.Exec(ctx, updateFeedMetadataSQL,
		info.Title, info.Description, info.SiteURL, info.IconURL, fetchedAt, id)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

const updateFeedFetchFailureSQL = `update "feed_configs"
set "last_fetched_at"=$1,
  "error_count"="error_count"+1,
  "updated_at"=now()
where "id"=$2`

func UpdateFeedFetchFailure(ctx context.Context, db Queryer, id int32, fetchedAt time.Time) error {
	commandTag, err := db.Exec(ctx, updateFeedFetchFailureSQL, fetchedAt, id)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// UpdateFeedConfig applies the caller-settable configuration fields. Only
// fields with Valid set are written.
func UpdateFeedConfig(ctx context.Context, db Queryer,
	id int32,
	isActive pgtype.Bool,
	fetchIntervalMinutes pgtype.Int4,
) error {
	sets := make([]string, 0, 3)
	args := pgsql.Args{}

	if isActive.Valid {
		sets = append(sets, `is_active`+"="+args.Use(&isActive).String())
	}
	if fetchIntervalMinutes.Valid {
		sets = append(sets, `fetch_interval_minutes`+"="+args.Use(&fetchIntervalMinutes).String())
	}

	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, `updated_at=now()`)

	sql := `update "feed_configs" set ` + strings.Join(sets, ", ") + ` where ` + `"id"=` + args.Use(id).String()

	commandTag, err := db.Exec(ctx, sql, args.Values()...)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// ResetLastFetchedAt clears the fetch timestamp so the feed becomes due on
// the next scheduler pass. It does not touch the health row, so a
// permanently invalid feed stays excluded.
func ResetLastFetchedAt(ctx context.Context, db Queryer, id int32) error {
	_, err := pgxrecord.ExecRow(ctx, db, `update "feed_configs" set "last_fetched_at"=null, "updated_at"=now() where "id"=$1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	return nil
}

// DeleteFeedConfig removes a user's feed. Items and the health row go with
// it via cascade.
func DeleteFeedConfig(ctx context.Context, db Queryer, id int32, userID int32) error {
	_, err := pgxrecord.ExecRow(ctx, db, `delete from "feed_configs" where "id"=$1 and "user_id"=$2`, id, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	return nil
}

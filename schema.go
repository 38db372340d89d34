package main

import (
	"context"

	"github.com/jlowell/gleaner/data"
)

// Schema statements are idempotent so they can run at every startup.
var schemaDDL = []string{
	`create table if not exists feed_configs(
    id serial primary key,
    user_id integer not null,
    feed_url varchar not null check(feed_url<>''),
    title varchar not null default '',
    description varchar not null default '',
    site_url varchar not null default '',
    icon_url varchar not null default '',
    last_fetched_at timestamp with time zone,
    error_count integer not null default 0,
    is_active boolean not null default true,
    fetch_interval_minutes integer not null default 60 check(fetch_interval_minutes > 0),
    created_at timestamp with time zone not null default now(),
    updated_at timestamp with time zone not null default now(),
    unique(user_id, feed_url)
  )`,

	`create index if not exists feed_configs_last_fetched_at_idx on feed_configs (last_fetched_at)`,

	`create table if not exists feed_items(
    id serial primary key,
    feed_config_id integer not null references feed_configs on delete cascade,
    guid varchar not null,
    title varchar not null default '',
    url varchar not null default '',
    description varchar not null default '',
    content varchar not null default '',
    author varchar not null default '',
    categories varchar[] not null default '{}',
    published_at timestamp with time zone,
    created_at timestamp with time zone not null default now(),
    updated_at timestamp with time zone not null default now(),
    unique(feed_config_id, guid)
  )`,

	`create index if not exists feed_items_feed_config_id_idx on feed_items (feed_config_id)`,

	`create table if not exists feed_health(
    id serial primary key,
    feed_config_id integer not null unique references feed_configs on delete cascade,
    last_check_at timestamp with time zone,
    consecutive_failures integer not null default 0,
    last_error_category varchar,
    last_error_detail varchar,
    is_permanently_invalid boolean not null default false,
    requires_special_handling boolean not null default false,
    special_handler_type varchar,
    created_at timestamp with time zone not null default now(),
    updated_at timestamp with time zone not null default now()
  )`,
}

func createSchema(ctx context.Context, db data.Queryer) error {
	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

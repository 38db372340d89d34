package main

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jlowell/gleaner/data"
	"golang.org/x/sync/errgroup"
	log "gopkg.in/inconshreveable/log15.v2"
)

const (
	defaultPollInterval             = 5 * time.Minute
	defaultMaxConcurrentFeedFetches = 10
)

// FeedPoller is the scheduler-facing entry point. It selects feeds due for a
// refresh and runs the fetch, parse, persist, health-update pipeline per
// feed. Each feed's work runs in its own transaction so one bad feed cannot
// abort the batch or roll back another feed's update.
type FeedPoller struct {
	pool     *pgxpool.Pool
	fetcher  *Fetcher
	parser   *Parser
	handlers []SpecialSourceHandler
	logger   log.Logger

	maxConcurrentFeedFetches int
	pollInterval             time.Duration
	validationTimeout        time.Duration
}

type FeedPollerConfig struct {
	MaxConcurrentFeedFetches int
	PollInterval             time.Duration
	ValidationTimeout        time.Duration
}

func NewFeedPoller(
	pool *pgxpool.Pool,
	fetcher *Fetcher,
	parser *Parser,
	handlers []SpecialSourceHandler,
	config FeedPollerConfig,
	logger log.Logger,
) *FeedPoller {
	if config.MaxConcurrentFeedFetches <= 0 {
		config.MaxConcurrentFeedFetches = defaultMaxConcurrentFeedFetches
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.ValidationTimeout <= 0 {
		config.ValidationTimeout = defaultValidationTimeout
	}

	return &FeedPoller{
		pool:                     pool,
		fetcher:                  fetcher,
		parser:                   parser,
		handlers:                 handlers,
		logger:                   logger,
		maxConcurrentFeedFetches: config.MaxConcurrentFeedFetches,
		pollInterval:             config.PollInterval,
		validationTimeout:        config.ValidationTimeout,
	}
}

// PollResult is the structured outcome of a single-feed poll. Err is set
// when the poll failed; it never doubles as a Go error because callers need
// to render per-feed outcomes without exception handling.
type PollResult struct {
	FeedID    int32      `json:"feed_id"`
	Success   bool       `json:"success"`
	ItemCount int64      `json:"item_count"`
	Err       *FeedError `json:"error,omitempty"`
}

// KeepFeedsFresh runs UpdateFeeds on the poll cadence until ctx is done.
func (p *FeedPoller) KeepFeedsFresh(ctx context.Context) {
	for {
		startTime := time.Now()

		if err := p.UpdateFeeds(ctx); err != nil {
			p.logger.Error("UpdateFeeds failed", "error", err)
		}

		if !sleepUntil(ctx, startTime.Add(p.pollInterval)) {
			return
		}
	}
}

// sleepUntil sleeps until t or ctx is done, reporting whether it slept the
// whole way. If t is in the past it returns immediately.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}

	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// UpdateFeeds polls every due feed. Feed failures are recorded in health
// rows, not returned; the only error is a failure to load the due set.
func (p *FeedPoller) UpdateFeeds(ctx context.Context) error {
	dueFeeds, err := data.SelectFeedConfigsDueForUpdate(ctx, p.pool, time.Now())
	if err != nil {
		return err
	}
	p.logger.Info("polling due feeds", "n", len(dueFeeds))

	g := &errgroup.Group{}
	g.SetLimit(p.maxConcurrentFeedFetches)

	for _, feed := range dueFeeds {
		feed := feed
		g.Go(func() error {
			result := p.refreshFeed(ctx, feed)
			if result.Success {
				p.logger.Info("feed refreshed", "id", feed.ID.Int32, "url", feed.FeedURL.String, "items", result.ItemCount)
			} else if result.Err != nil {
				p.logger.Error("feed refresh failed", "id", feed.ID.Int32, "url", feed.FeedURL.String,
					"category", result.Err.Category, "error", result.Err.Message)
			}
			return nil
		})
	}

	return g.Wait()
}

// PollFeed runs the single-feed pipeline synchronously for manual refresh
// triggers. A missing feed is a hard error; fetch/parse failures come back
// inside the PollResult.
func (p *FeedPoller) PollFeed(ctx context.Context, feedID int32) (*PollResult, error) {
	feed, err := data.SelectFeedConfigByPK(ctx, p.pool, feedID)
	if err != nil {
		return nil, err
	}

	result := p.refreshFeed(ctx, feed)
	return result, nil
}

// refreshFeed runs fetch, parse, persist, and health update for one feed.
// All writes happen in a single transaction.
func (p *FeedPoller) refreshFeed(ctx context.Context, feed *data.FeedConfig) *PollResult {
	feedID := feed.ID.Int32
	result := &PollResult{FeedID: feedID}

	info, handlerType, ferr := p.runPipeline(ctx, feed.FeedURL.String, p.fetcher.Fetch)

	now := time.Now()
	outcome := Outcome{Err: ferr, HandlerType: handlerType, CheckedAt: now}

	err := data.ExecTx(ctx, p.pool, data.TxOptions{}, func(tx pgx.Tx) error {
		prev, err := data.SelectFeedHealthByFeedConfigID(ctx, tx, feedID)
		if err != nil && !errors.Is(err, data.ErrNotFound) {
			return err
		}

		health := NextHealth(feedID, prev, outcome)

		if ferr == nil {
			if err := data.UpdateFeedMetadata(ctx, tx, feedID, info, now); err != nil {
				return err
			}
			n, err := data.UpsertFeedItems(ctx, tx, feedID, info.Items)
			if err != nil {
				return err
			}
			result.ItemCount = n
		} else {
			if err := data.UpdateFeedFetchFailure(ctx, tx, feedID, now); err != nil {
				return err
			}
		}

		return data.UpsertFeedHealth(ctx, tx, &health)
	})
	if err != nil {
		// Storage failure, not a feed failure. Surface it as best we can.
		p.logger.Error("feed refresh persist failed", "id", feedID, "error", err)
		result.Err = ClassifyError(err)
		return result
	}

	result.Success = ferr == nil
	result.Err = ferr
	return result
}

type fetchFunc func(ctx context.Context, feedURL string) (*FetchResult, *FeedError)

// runPipeline routes to a special-source handler when one matches,
// otherwise runs the standard fetch+parse. Any error that escapes
// uncategorized is classified here so health records always carry a
// category.
func (p *FeedPoller) runPipeline(ctx context.Context, feedURL string, fetch fetchFunc) (info *data.FeedInfo, handlerType string, ferr *FeedError) {
	if handler := selectSpecialSourceHandler(p.handlers, feedURL); handler != nil {
		info, ferr = handler.Fetch(ctx, feedURL)
		return info, handler.Type(), ferr
	}

	result, ferr := fetch(ctx, feedURL)
	if ferr != nil {
		return nil, "", ferr
	}

	info, ferr = p.parser.Parse(result.Body)
	return info, "", ferr
}

// AddFeed validates feedURL with a shorter fetch and creates the feed. A
// permanently invalid validation failure rejects the add; any other failure
// still creates the feed with placeholder metadata pending its first
// successful poll.
func (p *FeedPoller) AddFeed(ctx context.Context, userID int32, feedURL string) (*data.FeedConfig, error) {
	validationFetch := func(ctx context.Context, url string) (*FetchResult, *FeedError) {
		return p.fetcher.FetchWithTimeout(ctx, url, p.validationTimeout)
	}

	info, handlerType, ferr := p.runPipeline(ctx, feedURL, validationFetch)
	if ferr != nil && ferr.PermanentlyInvalid {
		return nil, ferr
	}

	row := &data.FeedConfig{
		UserID:  pgtype.Int4{Int32: userID, Valid: true},
		FeedURL: pgtype.Text{String: feedURL, Valid: true},
	}
	if ferr == nil {
		row.Title = pgtype.Text{String: info.Title, Valid: true}
		row.Description = pgtype.Text{String: info.Description, Valid: true}
		row.SiteURL = pgtype.Text{String: info.SiteURL, Valid: true}
		row.IconURL = pgtype.Text{String: info.IconURL, Valid: true}
	} else {
		// Degraded mode: placeholder metadata until the first good poll.
		row.Title = pgtype.Text{String: feedURL, Valid: true}
		row.Description = pgtype.Text{String: "", Valid: true}
		row.SiteURL = pgtype.Text{String: "", Valid: true}
		row.IconURL = pgtype.Text{String: "", Valid: true}
	}

	now := time.Now()
	err := data.ExecTx(ctx, p.pool, data.TxOptions{}, func(tx pgx.Tx) error {
		if err := data.InsertFeedConfig(ctx, tx, row); err != nil {
			return err
		}

		if ferr == nil && len(info.Items) > 0 {
			if _, err := data.UpsertFeedItems(ctx, tx, row.ID.Int32, info.Items); err != nil {
				return err
			}
		}

		health := NextHealth(row.ID.Int32, nil, Outcome{Err: ferr, HandlerType: handlerType, CheckedAt: now})
		return data.UpsertFeedHealth(ctx, tx, &health)
	})
	if err != nil {
		return nil, err
	}

	return row, nil
}

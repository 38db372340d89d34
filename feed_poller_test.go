package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jlowell/gleaner/data"
	"github.com/stretchr/testify/require"
)

func newTestPoller(pool *pgxpool.Pool, handlers []SpecialSourceHandler) *FeedPoller {
	return NewFeedPoller(pool, newTestFetcher(), NewParser(), handlers, FeedPollerConfig{}, discardLogger())
}

func insertTestFeedConfig(t testing.TB, pool *pgxpool.Pool, feedURL string) *data.FeedConfig {
	t.Helper()
	fc := newFeedConfig(1, feedURL)
	require.NoError(t, data.InsertFeedConfig(context.Background(), pool, fc))
	return fc
}

func TestFeedPollerPollFeedSuccess(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	ts := serveRSS(t)
	defer ts.Close()

	fc := insertTestFeedConfig(t, pool, ts.URL)
	poller := newTestPoller(pool, nil)

	result, err := poller.PollFeed(ctx, fc.ID.Int32)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 2, result.ItemCount)
	require.Nil(t, result.Err)

	fc, err = data.SelectFeedConfigByPK(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.Equal(t, "News", fc.Title.String)
	require.True(t, fc.LastFetchedAt.Valid)
	require.EqualValues(t, 0, fc.ErrorCount.Int32)

	count, err := data.CountFeedItems(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// Re-polling the unchanged feed rewrites items in place.
	result, err = poller.PollFeed(ctx, fc.ID.Int32)
	require.NoError(t, err)
	require.True(t, result.Success)

	count, err = data.CountFeedItems(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 0, fh.ConsecutiveFailures.Int32)
	require.False(t, fh.IsPermanentlyInvalid.Bool)
	require.False(t, fh.RequiresSpecialHandling.Bool)
}

func TestFeedPollerPollFeedConcurrentSameFeed(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	ts := serveRSS(t)
	defer ts.Close()

	fc := insertTestFeedConfig(t, pool, ts.URL)
	poller := newTestPoller(pool, nil)

	const n = 4
	results := make(chan *PollResult, n)
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := poller.PollFeed(ctx, fc.ID.Int32)
			results <- result
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for result := range results {
		require.True(t, result.Success)
		require.Nil(t, result.Err)
	}

	count, err := data.CountFeedItems(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 0, fh.ConsecutiveFailures.Int32)
	require.False(t, fh.LastErrorCategory.Valid)
	require.False(t, fh.IsPermanentlyInvalid.Bool)

	fc, err = data.SelectFeedConfigByPK(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 0, fc.ErrorCount.Int32)
	require.True(t, fc.LastFetchedAt.Valid)
}

func TestFeedPollerPollFeedFailure(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer ts.Close()

	fc := insertTestFeedConfig(t, pool, ts.URL)
	poller := newTestPoller(pool, nil)

	result, err := poller.PollFeed(ctx, fc.ID.Int32)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotNil(t, result.Err)
	require.Equal(t, ErrorHTTPStatus, result.Err.Category)

	fc, err = data.SelectFeedConfigByPK(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 1, fc.ErrorCount.Int32)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 1, fh.ConsecutiveFailures.Int32)
	require.Equal(t, "HTTP_STATUS", fh.LastErrorCategory.String)
	require.True(t, fh.IsPermanentlyInvalid.Bool)

	// The permanently invalid feed is out of the scheduler's reach for good.
	require.NoError(t, data.ResetLastFetchedAt(ctx, pool, fc.ID.Int32))
	due, err := data.SelectFeedConfigsDueForUpdate(ctx, pool, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestFeedPollerPollFeedRepeatedTransientFailures(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer ts.Close()

	fc := insertTestFeedConfig(t, pool, ts.URL)
	poller := newTestPoller(pool, nil)

	for i := 0; i < 3; i++ {
		result, err := poller.PollFeed(ctx, fc.ID.Int32)
		require.NoError(t, err)
		require.False(t, result.Success)
	}

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 3, fh.ConsecutiveFailures.Int32)
	require.False(t, fh.IsPermanentlyInvalid.Bool)

	// Still pollable once due.
	require.NoError(t, data.ResetLastFetchedAt(ctx, pool, fc.ID.Int32))
	due, err := data.SelectFeedConfigsDueForUpdate(ctx, pool, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestFeedPollerPollFeedRecovery(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	failing := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(500)
			return
		}
		w.Write([]byte(`<?xml version='1.0'?><rss version="2.0"><channel><title>News</title><item><title>A</title><link>http://example.org/a</link></item></channel></rss>`))
	}))
	defer ts.Close()

	fc := insertTestFeedConfig(t, pool, ts.URL)
	poller := newTestPoller(pool, nil)

	result, err := poller.PollFeed(ctx, fc.ID.Int32)
	require.NoError(t, err)
	require.False(t, result.Success)

	failing = false
	result, err = poller.PollFeed(ctx, fc.ID.Int32)
	require.NoError(t, err)
	require.True(t, result.Success)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 0, fh.ConsecutiveFailures.Int32)
	require.False(t, fh.LastErrorCategory.Valid)

	fc, err = data.SelectFeedConfigByPK(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 0, fc.ErrorCount.Int32)
}

func TestFeedPollerPollFeedNotFound(t *testing.T) {
	pool := newConnPool(t)

	poller := newTestPoller(pool, nil)
	_, err := poller.PollFeed(context.Background(), 123456)
	require.ErrorIs(t, err, data.ErrNotFound)
}

func TestFeedPollerPollFeedSpecialHandler(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<rss version="2.0">
  <channel>
    <title>listings</title>
    <description>all listings</description>
    <link>https://listings.example.com</link>
    <item>
      <title>2BR downtown</title>
      <link>https://listings.example.com/apa/123.html</link>
    </item>
  </channel>
</rss>`))
	}))
	defer ts.Close()

	handler := NewClassifiedsHandler(newTestFetcher(), "127.0.0.1", discardLogger())
	fc := insertTestFeedConfig(t, pool, ts.URL)
	poller := newTestPoller(pool, []SpecialSourceHandler{handler})

	result, err := poller.PollFeed(ctx, fc.ID.Int32)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 1, result.ItemCount)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.True(t, fh.RequiresSpecialHandling.Bool)
	require.Equal(t, "classifieds", fh.SpecialHandlerType.String)
}

func TestFeedPollerUpdateFeeds(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	good := serveRSS(t)
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer bad.Close()

	goodFeed := insertTestFeedConfig(t, pool, good.URL)
	badFeed := insertTestFeedConfig(t, pool, bad.URL)

	poller := newTestPoller(pool, nil)
	require.NoError(t, poller.UpdateFeeds(ctx))

	count, err := data.CountFeedItems(ctx, pool, goodFeed.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, badFeed.ID.Int32)
	require.NoError(t, err)
	require.True(t, fh.IsPermanentlyInvalid.Bool)

	// Everything was just checked, so nothing is due.
	due, err := data.SelectFeedConfigsDueForUpdate(ctx, pool, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestFeedPollerAddFeedSuccess(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	ts := serveRSS(t)
	defer ts.Close()

	poller := newTestPoller(pool, nil)
	fc, err := poller.AddFeed(ctx, 1, ts.URL)
	require.NoError(t, err)
	require.Equal(t, "News", fc.Title.String)

	count, err := data.CountFeedItems(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 0, fh.ConsecutiveFailures.Int32)
}

func TestFeedPollerAddFeedRejectsPermanentFailure(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer ts.Close()

	poller := newTestPoller(pool, nil)
	_, err := poller.AddFeed(ctx, 1, ts.URL)
	require.Error(t, err)

	var ferr *FeedError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, ErrorHTTPStatus, ferr.Category)

	feeds, err := data.SelectFeedConfigsByUserID(ctx, pool, 1)
	require.NoError(t, err)
	require.Empty(t, feeds)
}

func TestFeedPollerAddFeedDegradedOnTransientFailure(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	// A server that is down right now is a transient failure: the feed is
	// created with placeholder metadata pending its first good poll.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	poller := newTestPoller(pool, nil)
	fc, err := poller.AddFeed(ctx, 1, url)
	require.NoError(t, err)
	require.Equal(t, url, fc.Title.String)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 1, fh.ConsecutiveFailures.Int32)
	require.Equal(t, "NETWORK_ERROR", fh.LastErrorCategory.String)
	require.False(t, fh.IsPermanentlyInvalid.Bool)

	// It stays in the scheduler's rotation.
	due, err := data.SelectFeedConfigsDueForUpdate(ctx, pool, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestFeedPollerAddFeedDegradedOnAuthFailure(t *testing.T) {
	pool := newConnPool(t)
	ctx := context.Background()

	// An auth rejection is neither transient nor permanently invalid. Only
	// the latter rejects the add, so the feed is created degraded.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	}))
	defer ts.Close()

	poller := newTestPoller(pool, nil)
	fc, err := poller.AddFeed(ctx, 1, ts.URL)
	require.NoError(t, err)
	require.Equal(t, ts.URL, fc.Title.String)

	fh, err := data.SelectFeedHealthByFeedConfigID(ctx, pool, fc.ID.Int32)
	require.NoError(t, err)
	require.EqualValues(t, 1, fh.ConsecutiveFailures.Int32)
	require.Equal(t, "AUTH_ERROR", fh.LastErrorCategory.String)
	require.False(t, fh.IsPermanentlyInvalid.Bool)

	due, err := data.SelectFeedConfigsDueForUpdate(ctx, pool, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestFeedPollerKeepFeedsFreshStopsOnContextCancel(t *testing.T) {
	pool := newConnPool(t)

	poller := newTestPoller(pool, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		poller.KeepFeedsFresh(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected KeepFeedsFresh to return after context cancellation")
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jlowell/gleaner/data"
	log "gopkg.in/inconshreveable/log15.v2"
)

// The HTTP layer is a thin collaborator surface over the feed core. User
// identity arrives in the X-User-ID header, supplied by the authenticating
// front end; no session mechanics live here.

type environment struct {
	userID int32
	pool   *pgxpool.Pool
	poller *FeedPoller
	logger log.Logger
}

type envHandlerFunc func(w http.ResponseWriter, req *http.Request, env *environment)

func envHandler(pool *pgxpool.Pool, poller *FeedPoller, logger log.Logger, f envHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		env := &environment{pool: pool, poller: poller, logger: logger}

		if s := req.Header.Get("X-User-ID"); s != "" {
			n, err := strconv.ParseInt(s, 10, 32)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, "Bad X-User-ID header")
				return
			}
			env.userID = int32(n)
		}

		f(w, req, env)
	}
}

func userRequiredHandler(f envHandlerFunc) envHandlerFunc {
	return func(w http.ResponseWriter, req *http.Request, env *environment) {
		if env.userID == 0 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "Bad or missing X-User-ID header")
			return
		}
		f(w, req, env)
	}
}

func NewAPIHandler(pool *pgxpool.Pool, poller *FeedPoller, logger log.Logger) http.Handler {
	router := chi.NewRouter()

	router.Post("/feeds", envHandler(pool, poller, logger, userRequiredHandler(createFeedHandler)))
	router.Get("/feeds", envHandler(pool, poller, logger, userRequiredHandler(getFeedsHandler)))
	router.Get("/feeds/{id}", envHandler(pool, poller, logger, userRequiredHandler(getFeedHandler)))
	router.Patch("/feeds/{id}", envHandler(pool, poller, logger, userRequiredHandler(updateFeedConfigHandler)))
	router.Delete("/feeds/{id}", envHandler(pool, poller, logger, userRequiredHandler(deleteFeedHandler)))
	router.Get("/feeds/{id}/health", envHandler(pool, poller, logger, getFeedHealthHandler))
	router.Get("/feeds/{id}/items", envHandler(pool, poller, logger, userRequiredHandler(getFeedItemsHandler)))
	router.Post("/feeds/{id}/poll", envHandler(pool, poller, logger, pollFeedHandler))
	router.Post("/poll", envHandler(pool, poller, logger, updateFeedsHandler))

	return router
}

func feedIDParam(req *http.Request) (int32, error) {
	n, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 32)
	return int32(n), err
}

func writeJSON(w http.ResponseWriter, logger log.Logger, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("writing JSON response failed", "error", err)
	}
}

type feedConfigJSON struct {
	ID                   int32  `json:"id"`
	FeedURL              string `json:"feed_url"`
	Title                string `json:"title"`
	Description          string `json:"description"`
	SiteURL              string `json:"site_url"`
	IconURL              string `json:"icon_url"`
	LastFetchedAt        *int64 `json:"last_fetched_at"`
	ErrorCount           int32  `json:"error_count"`
	IsActive             bool   `json:"is_active"`
	FetchIntervalMinutes int32  `json:"fetch_interval_minutes"`
}

func feedConfigToJSON(fc *data.FeedConfig) feedConfigJSON {
	j := feedConfigJSON{
		ID:                   fc.ID.Int32,
		FeedURL:              fc.FeedURL.String,
		Title:                fc.Title.String,
		Description:          fc.Description.String,
		SiteURL:              fc.SiteURL.String,
		IconURL:              fc.IconURL.String,
		ErrorCount:           fc.ErrorCount.Int32,
		IsActive:             fc.IsActive.Bool,
		FetchIntervalMinutes: fc.FetchIntervalMinutes.Int32,
	}
	if fc.LastFetchedAt.Valid {
		epoch := fc.LastFetchedAt.Time.Unix()
		j.LastFetchedAt = &epoch
	}
	return j
}

func createFeedHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	var body struct {
		FeedURL string `json:"feed_url"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.FeedURL == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `feed_url is required`)
		return
	}

	fc, err := env.poller.AddFeed(req.Context(), env.userID, body.FeedURL)
	if err != nil {
		var dupErr data.DuplicationError
		var feedErr *FeedError
		switch {
		case errors.As(err, &dupErr):
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, dupErr.Error())
		case errors.As(err, &feedErr):
			writeJSON(w, env.logger, http.StatusUnprocessableEntity, feedErr)
		default:
			env.logger.Error("AddFeed failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, env.logger, http.StatusCreated, feedConfigToJSON(fc))
}

func getFeedsHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feeds, err := data.SelectFeedConfigsByUserID(req.Context(), env.pool, env.userID)
	if err != nil {
		env.logger.Error("SelectFeedConfigsByUserID failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	out := make([]feedConfigJSON, 0, len(feeds))
	for _, fc := range feeds {
		out = append(out, feedConfigToJSON(fc))
	}
	writeJSON(w, env.logger, http.StatusOK, out)
}

func getFeedHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feedID, err := feedIDParam(req)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	fc, err := data.SelectFeedConfigForUser(req.Context(), env.pool, feedID, env.userID)
	if errors.Is(err, data.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		env.logger.Error("SelectFeedConfigForUser failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, env.logger, http.StatusOK, feedConfigToJSON(fc))
}

func updateFeedConfigHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feedID, err := feedIDParam(req)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var body struct {
		IsActive             *bool  `json:"is_active"`
		FetchIntervalMinutes *int32 `json:"fetch_interval_minutes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	if body.FetchIntervalMinutes != nil && *body.FetchIntervalMinutes <= 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, "fetch_interval_minutes must be greater than 0")
		return
	}

	var isActive pgtype.Bool
	if body.IsActive != nil {
		isActive = pgtype.Bool{Bool: *body.IsActive, Valid: true}
	}
	var interval pgtype.Int4
	if body.FetchIntervalMinutes != nil {
		interval = pgtype.Int4{Int32: *body.FetchIntervalMinutes, Valid: true}
	}

	err = data.ExecTx(req.Context(), env.pool, data.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := data.SelectFeedConfigForUser(req.Context(), tx, feedID, env.userID); err != nil {
			return err
		}
		return data.UpdateFeedConfig(req.Context(), tx, feedID, isActive, interval)
	})
	if errors.Is(err, data.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		env.logger.Error("UpdateFeedConfig failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func deleteFeedHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feedID, err := feedIDParam(req)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	err = data.DeleteFeedConfig(req.Context(), env.pool, feedID, env.userID)
	if errors.Is(err, data.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		env.logger.Error("DeleteFeedConfig failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func getFeedHealthHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feedID, err := feedIDParam(req)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	fh, err := data.SelectFeedHealthByFeedConfigID(req.Context(), env.pool, feedID)
	if errors.Is(err, data.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		env.logger.Error("SelectFeedHealthByFeedConfigID failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var j struct {
		FeedConfigID            int32   `json:"feed_config_id"`
		LastCheckAt             *int64  `json:"last_check_at"`
		ConsecutiveFailures     int32   `json:"consecutive_failures"`
		LastErrorCategory       *string `json:"last_error_category"`
		LastErrorDetail         *string `json:"last_error_detail"`
		IsPermanentlyInvalid    bool    `json:"is_permanently_invalid"`
		RequiresSpecialHandling bool    `json:"requires_special_handling"`
		SpecialHandlerType      *string `json:"special_handler_type"`
	}
	j.FeedConfigID = fh.FeedConfigID.Int32
	j.ConsecutiveFailures = fh.ConsecutiveFailures.Int32
	j.IsPermanentlyInvalid = fh.IsPermanentlyInvalid.Bool
	j.RequiresSpecialHandling = fh.RequiresSpecialHandling.Bool
	if fh.LastCheckAt.Valid {
		epoch := fh.LastCheckAt.Time.Unix()
		j.LastCheckAt = &epoch
	}
	if fh.LastErrorCategory.Valid {
		j.LastErrorCategory = &fh.LastErrorCategory.String
	}
	if fh.LastErrorDetail.Valid {
		j.LastErrorDetail = &fh.LastErrorDetail.String
	}
	if fh.SpecialHandlerType.Valid {
		j.SpecialHandlerType = &fh.SpecialHandlerType.String
	}

	writeJSON(w, env.logger, http.StatusOK, j)
}

func getFeedItemsHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feedID, err := feedIDParam(req)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if _, err := data.SelectFeedConfigForUser(req.Context(), env.pool, feedID, env.userID); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			env.logger.Error("SelectFeedConfigForUser failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	items, err := data.SelectFeedItems(req.Context(), env.pool, feedID)
	if err != nil {
		env.logger.Error("SelectFeedItems failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	type itemJSON struct {
		ID          int32    `json:"id"`
		GUID        string   `json:"guid"`
		Title       string   `json:"title"`
		URL         string   `json:"url"`
		Description string   `json:"description"`
		Author      string   `json:"author"`
		Categories  []string `json:"categories"`
		PublishedAt *int64   `json:"published_at"`
	}
	out := make([]itemJSON, 0, len(items))
	for _, item := range items {
		j := itemJSON{
			ID:          item.ID.Int32,
			GUID:        item.GUID.String,
			Title:       item.Title.String,
			URL:         item.URL.String,
			Description: item.Description.String,
			Author:      item.Author.String,
			Categories:  item.Categories,
		}
		if item.PublishedAt.Valid {
			epoch := item.PublishedAt.Time.Unix()
			j.PublishedAt = &epoch
		}
		out = append(out, j)
	}

	writeJSON(w, env.logger, http.StatusOK, out)
}

func pollFeedHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feedID, err := feedIDParam(req)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	result, err := env.poller.PollFeed(req.Context(), feedID)
	if errors.Is(err, data.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		env.logger.Error("PollFeed failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, env.logger, http.StatusOK, result)
}

func updateFeedsHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	// Run the batch outside the request so a slow upstream cannot hold the
	// connection open.
	go func() {
		if err := env.poller.UpdateFeeds(context.Background()); err != nil {
			env.logger.Error("UpdateFeeds failed", "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

package main

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jlowell/gleaner/data"
)

// Outcome describes the result of one poll attempt for health tracking.
type Outcome struct {
	// Err is nil on success.
	Err *FeedError

	// ForcePermanent marks the feed permanently invalid regardless of the
	// error category, e.g. after the caller has exhausted its own retries.
	ForcePermanent bool

	// HandlerType names the special-source handler that served the poll, or
	// is empty for the standard pipeline.
	HandlerType string

	CheckedAt time.Time
}

// NextHealth computes the feed's next health row from the previous one (nil
// when no row exists yet) and the latest outcome. Success resets the failure
// counter and clears the error fields; failure increments the counter and
// records the category. is_permanently_invalid is sticky: once true it stays
// true. Special handling is derived from the handler selection, not from the
// success/failure branch.
func NextHealth(feedConfigID int32, prev *data.FeedHealth, outcome Outcome) data.FeedHealth {
	next := data.FeedHealth{
		FeedConfigID: pgtype.Int4{Int32: feedConfigID, Valid: true},
		LastCheckAt:  pgtype.Timestamptz{Time: outcome.CheckedAt, Valid: true},
	}

	if prev != nil {
		next.IsPermanentlyInvalid = prev.IsPermanentlyInvalid
		next.RequiresSpecialHandling = prev.RequiresSpecialHandling
		next.SpecialHandlerType = prev.SpecialHandlerType
	}
	if !next.IsPermanentlyInvalid.Valid {
		next.IsPermanentlyInvalid = pgtype.Bool{Bool: false, Valid: true}
	}
	if !next.RequiresSpecialHandling.Valid {
		next.RequiresSpecialHandling = pgtype.Bool{Bool: false, Valid: true}
	}

	if outcome.HandlerType != "" {
		next.RequiresSpecialHandling = pgtype.Bool{Bool: true, Valid: true}
		next.SpecialHandlerType = pgtype.Text{String: outcome.HandlerType, Valid: true}
	}

	if outcome.Err == nil {
		next.ConsecutiveFailures = pgtype.Int4{Int32: 0, Valid: true}
		return next
	}

	var failures int32 = 1
	if prev != nil && prev.ConsecutiveFailures.Valid {
		failures = prev.ConsecutiveFailures.Int32 + 1
	}
	next.ConsecutiveFailures = pgtype.Int4{Int32: failures, Valid: true}
	next.LastErrorCategory = pgtype.Text{String: string(outcome.Err.Category), Valid: true}
	next.LastErrorDetail = pgtype.Text{String: outcome.Err.Message, Valid: true}

	if outcome.Err.PermanentlyInvalid || outcome.ForcePermanent {
		next.IsPermanentlyInvalid = pgtype.Bool{Bool: true, Valid: true}
	}

	return next
}

package main

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jlowell/gleaner/data"
)

func TestNextHealthFirstSuccess(t *testing.T) {
	now := time.Now()
	next := NextHealth(7, nil, Outcome{CheckedAt: now})

	if next.FeedConfigID.Int32 != 7 {
		t.Errorf("Expected feedConfigID 7, got %v", next.FeedConfigID)
	}
	if next.ConsecutiveFailures.Int32 != 0 || !next.ConsecutiveFailures.Valid {
		t.Errorf("Expected 0 consecutive failures, got %v", next.ConsecutiveFailures)
	}
	if next.IsPermanentlyInvalid.Bool {
		t.Error("Expected not permanently invalid")
	}
	if next.RequiresSpecialHandling.Bool {
		t.Error("Expected no special handling")
	}
	if next.LastErrorCategory.Valid {
		t.Errorf("Expected no error category, got %v", next.LastErrorCategory)
	}
	if !next.LastCheckAt.Time.Equal(now) {
		t.Errorf("Expected lastCheckAt %v, got %v", now, next.LastCheckAt.Time)
	}
}

func TestNextHealthFailureIncrementsCounter(t *testing.T) {
	prev := &data.FeedHealth{
		ConsecutiveFailures:     pgtype.Int4{Int32: 2, Valid: true},
		IsPermanentlyInvalid:    pgtype.Bool{Bool: false, Valid: true},
		RequiresSpecialHandling: pgtype.Bool{Bool: false, Valid: true},
	}
	ferr := NewFeedError(ErrorTimeout, "request timed out")

	next := NextHealth(7, prev, Outcome{Err: ferr, CheckedAt: time.Now()})

	if next.ConsecutiveFailures.Int32 != 3 {
		t.Errorf("Expected 3 consecutive failures, got %v", next.ConsecutiveFailures)
	}
	if next.LastErrorCategory.String != "TIMEOUT" {
		t.Errorf("Expected category TIMEOUT, got %v", next.LastErrorCategory)
	}
	if next.LastErrorDetail.String != "request timed out" {
		t.Errorf("Expected detail to carry the error message, got %v", next.LastErrorDetail)
	}
	if next.IsPermanentlyInvalid.Bool {
		t.Error("Expected a transient failure to leave the feed pollable")
	}
}

func TestNextHealthPermanentError(t *testing.T) {
	ferr := NewFeedError(ErrorHTTPStatus, "bad HTTP response: 404 Not Found")

	next := NextHealth(7, nil, Outcome{Err: ferr, CheckedAt: time.Now()})

	if next.ConsecutiveFailures.Int32 != 1 {
		t.Errorf("Expected 1 consecutive failure, got %v", next.ConsecutiveFailures)
	}
	if !next.IsPermanentlyInvalid.Bool {
		t.Error("Expected HTTP_STATUS failure to mark the feed permanently invalid")
	}
}

func TestNextHealthForcePermanent(t *testing.T) {
	ferr := NewFeedError(ErrorTimeout, "request timed out")

	next := NextHealth(7, nil, Outcome{Err: ferr, ForcePermanent: true, CheckedAt: time.Now()})

	if !next.IsPermanentlyInvalid.Bool {
		t.Error("Expected forced failure to mark the feed permanently invalid")
	}
}

func TestNextHealthPermanentlyInvalidIsSticky(t *testing.T) {
	prev := &data.FeedHealth{
		ConsecutiveFailures:     pgtype.Int4{Int32: 4, Valid: true},
		IsPermanentlyInvalid:    pgtype.Bool{Bool: true, Valid: true},
		RequiresSpecialHandling: pgtype.Bool{Bool: false, Valid: true},
	}

	next := NextHealth(7, prev, Outcome{CheckedAt: time.Now()})

	if !next.IsPermanentlyInvalid.Bool {
		t.Error("Expected permanently invalid to survive a later success")
	}
	if next.ConsecutiveFailures.Int32 != 0 {
		t.Errorf("Expected success to reset the failure counter, got %v", next.ConsecutiveFailures)
	}
}

func TestNextHealthHandlerTypeSetsSpecialHandling(t *testing.T) {
	next := NextHealth(7, nil, Outcome{HandlerType: "classifieds", CheckedAt: time.Now()})

	if !next.RequiresSpecialHandling.Bool {
		t.Error("Expected special handling to be set")
	}
	if next.SpecialHandlerType.String != "classifieds" {
		t.Errorf("Expected handler type classifieds, got %v", next.SpecialHandlerType)
	}
}

func TestNextHealthSpecialHandlingPreserved(t *testing.T) {
	prev := &data.FeedHealth{
		ConsecutiveFailures:     pgtype.Int4{Int32: 0, Valid: true},
		IsPermanentlyInvalid:    pgtype.Bool{Bool: false, Valid: true},
		RequiresSpecialHandling: pgtype.Bool{Bool: true, Valid: true},
		SpecialHandlerType:      pgtype.Text{String: "classifieds", Valid: true},
	}

	next := NextHealth(7, prev, Outcome{CheckedAt: time.Now()})

	if !next.RequiresSpecialHandling.Bool {
		t.Error("Expected special handling to be preserved")
	}
	if next.SpecialHandlerType.String != "classifieds" {
		t.Errorf("Expected handler type classifieds, got %v", next.SpecialHandlerType)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassifyErrorPassesThroughFeedError(t *testing.T) {
	original := NewFeedError(ErrorEmptyFeed, "document contains no channel")

	classified := ClassifyError(original)
	if classified != original {
		t.Errorf("Expected the original *FeedError back, got %v", classified)
	}

	wrapped := fmt.Errorf("polling: %w", original)
	classified = ClassifyError(wrapped)
	if classified != original {
		t.Errorf("Expected the wrapped *FeedError back, got %v", classified)
	}
}

var classifyErrorTests = []struct {
	name     string
	err      error
	category ErrorCategory
}{
	{"deadline exceeded", context.DeadlineExceeded, ErrorTimeout},
	{"wrapped deadline exceeded", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrorTimeout},
	{"dns error", &net.DNSError{Err: "no such host", Name: "feeds.example.com"}, ErrorDNS},
	{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ErrorNetwork},
	{"no such host text", errors.New("dial tcp: lookup feeds.example.com: no such host"), ErrorDNS},
	{"tls text", errors.New("remote error: tls: handshake failure"), ErrorSSL},
	{"certificate text", errors.New("x509: certificate has expired or is not yet valid"), ErrorSSL},
	{"timeout text", errors.New("read tcp 10.0.0.1:443: i/o timeout"), ErrorTimeout},
	{"connection reset text", errors.New("read: connection reset by peer"), ErrorNetwork},
	{"unexpected eof text", errors.New("unexpected EOF"), ErrorNetwork},
	{"opaque error", errors.New("something inexplicable happened"), ErrorUnknown},
}

func TestClassifyError(t *testing.T) {
	for i, tt := range classifyErrorTests {
		ferr := ClassifyError(tt.err)
		if ferr == nil {
			t.Errorf("%d. %s: Expected a FeedError, got nil", i, tt.name)
			continue
		}
		if ferr.Category != tt.category {
			t.Errorf("%d. %s: Expected category %s, got %s", i, tt.name, tt.category, ferr.Category)
		}
	}
}

var errorPolicyTests = []struct {
	category           ErrorCategory
	transient          bool
	permanentlyInvalid bool
}{
	{ErrorHTTPStatus, false, true},
	{ErrorSSL, true, false},
	{ErrorDNS, false, true},
	{ErrorTimeout, true, false},
	{ErrorParse, true, false},
	{ErrorEmptyFeed, false, true},
	{ErrorEmptyResponse, false, true},
	{ErrorNetwork, true, false},
	{ErrorAuth, false, false},
	{ErrorValidation, false, false},
	{ErrorUnknown, true, false},
}

func TestNewFeedErrorPolicy(t *testing.T) {
	for i, tt := range errorPolicyTests {
		ferr := NewFeedError(tt.category, "boom")
		if ferr.Transient != tt.transient {
			t.Errorf("%d. %s: Expected transient %v, got %v", i, tt.category, tt.transient, ferr.Transient)
		}
		if ferr.PermanentlyInvalid != tt.permanentlyInvalid {
			t.Errorf("%d. %s: Expected permanentlyInvalid %v, got %v", i, tt.category, tt.permanentlyInvalid, ferr.PermanentlyInvalid)
		}
	}
}

func TestFeedErrorError(t *testing.T) {
	ferr := NewFeedError(ErrorHTTPStatus, "bad HTTP response: %s", "404 Not Found")
	expected := "HTTP_STATUS: bad HTTP response: 404 Not Found"
	if ferr.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, ferr.Error())
	}
}

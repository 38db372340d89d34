package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

type ErrorCategory string

const (
	ErrorHTTPStatus    ErrorCategory = "HTTP_STATUS"
	ErrorSSL           ErrorCategory = "SSL_ERROR"
	ErrorDNS           ErrorCategory = "DNS_ERROR"
	ErrorTimeout       ErrorCategory = "TIMEOUT"
	ErrorParse         ErrorCategory = "PARSE_ERROR"
	ErrorEmptyFeed     ErrorCategory = "EMPTY_FEED"
	ErrorEmptyResponse ErrorCategory = "EMPTY_RESPONSE"
	ErrorNetwork       ErrorCategory = "NETWORK_ERROR"
	ErrorAuth          ErrorCategory = "AUTH_ERROR"
	ErrorValidation    ErrorCategory = "VALIDATION_ERROR"
	ErrorUnknown       ErrorCategory = "UNKNOWN_ERROR"
)

// Retry policy per category. Transient means the feed is worth polling
// again; permanently invalid means the scheduler should never try it again.
var errorPolicy = map[ErrorCategory]struct {
	transient          bool
	permanentlyInvalid bool
}{
	ErrorHTTPStatus:    {transient: false, permanentlyInvalid: true},
	ErrorSSL:           {transient: true, permanentlyInvalid: false},
	ErrorDNS:           {transient: false, permanentlyInvalid: true},
	ErrorTimeout:       {transient: true, permanentlyInvalid: false},
	ErrorParse:         {transient: true, permanentlyInvalid: false},
	ErrorEmptyFeed:     {transient: false, permanentlyInvalid: true},
	ErrorEmptyResponse: {transient: false, permanentlyInvalid: true},
	ErrorNetwork:       {transient: true, permanentlyInvalid: false},
	ErrorAuth:          {transient: false, permanentlyInvalid: false},
	ErrorValidation:    {transient: false, permanentlyInvalid: false},
	ErrorUnknown:       {transient: true, permanentlyInvalid: false},
}

// FeedError is the self-describing failure record every fetch/parse failure
// is normalized to before it reaches persistence.
type FeedError struct {
	Category           ErrorCategory `json:"category"`
	Message            string        `json:"message"`
	Transient          bool          `json:"is_transient"`
	PermanentlyInvalid bool          `json:"is_permanently_invalid"`
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// NewFeedError builds a FeedError with the policy flags for category.
func NewFeedError(category ErrorCategory, format string, a ...interface{}) *FeedError {
	policy := errorPolicy[category]
	return &FeedError{
		Category:           category,
		Message:            fmt.Sprintf(format, a...),
		Transient:          policy.transient,
		PermanentlyInvalid: policy.permanentlyInvalid,
	}
}

// ClassifyError maps any error to a FeedError. Structured transport errors
// are matched by type first; message substrings are a last resort for opaque
// errors. Unrecognized errors become UNKNOWN_ERROR.
func ClassifyError(err error) *FeedError {
	var feedErr *FeedError
	if errors.As(err, &feedErr) {
		return feedErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewFeedError(ErrorTimeout, "request timed out: %v", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewFeedError(ErrorDNS, "DNS lookup failed: %v", dnsErr)
	}

	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &recordHeaderErr) {
		return NewFeedError(ErrorSSL, "TLS handshake failed: %v", recordHeaderErr)
	}
	var unknownAuthorityErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthorityErr) {
		return NewFeedError(ErrorSSL, "TLS certificate signed by unknown authority: %v", unknownAuthorityErr)
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return NewFeedError(ErrorSSL, "TLS certificate hostname mismatch: %v", hostnameErr)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return NewFeedError(ErrorTimeout, "request timed out: %v", urlErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewFeedError(ErrorTimeout, "request timed out: %v", netErr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewFeedError(ErrorNetwork, "network error: %v", opErr)
	}

	return classifyErrorMessage(err.Error())
}

// classifyErrorMessage is the fallback for errors that reach us as bare
// text. Keep all substring matching here.
func classifyErrorMessage(msg string) *FeedError {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "no such host"), strings.Contains(lower, "dns"):
		return NewFeedError(ErrorDNS, "%s", msg)
	case strings.Contains(lower, "certificate"), strings.Contains(lower, "tls"), strings.Contains(lower, "ssl"):
		return NewFeedError(ErrorSSL, "%s", msg)
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return NewFeedError(ErrorTimeout, "%s", msg)
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"), strings.Contains(lower, "broken pipe"), strings.Contains(lower, "eof"):
		return NewFeedError(ErrorNetwork, "%s", msg)
	default:
		return NewFeedError(ErrorUnknown, "%s", msg)
	}
}

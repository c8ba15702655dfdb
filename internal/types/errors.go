package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind buckets a dispatch failure into the category that drives the
// retry decision.
type ErrorKind string

const (
	// KindNetwork covers connection failures, timeouts, and 5xx answers;
	// always retried via failover.
	KindNetwork ErrorKind = "network"
	// KindAuth is a rejected credential (401/403); retried via failover and
	// eligible for cooldown attribution.
	KindAuth ErrorKind = "auth"
	// KindWAF marks a recognized firewall challenge; solved inline, retried
	// once, then reclassified if still failing.
	KindWAF ErrorKind = "waf_challenge"
	// KindRateLimited is a 429; treated as transient and subject to the
	// breaker like any other failure.
	KindRateLimited ErrorKind = "rate_limited"
	// KindExhausted means no eligible candidate remains. Terminal.
	KindExhausted ErrorKind = "exhausted"
	// KindConfig marks a malformed provider entry; logged and skipped.
	KindConfig ErrorKind = "config_invalid"
)

// RelayError is the typed failure passed around the dispatch path.
type RelayError struct {
	Kind     ErrorKind
	Status   int
	Provider string
	Err      error
}

func (e *RelayError) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg += " (provider " + e.Provider + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": upstream status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the dispatcher should fail over to the next
// candidate rather than surface the error.
func (e *RelayError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindAuth, KindWAF, KindRateLimited:
		return true
	}
	return false
}

// NewRelayError builds a RelayError for the given provider and cause.
func NewRelayError(kind ErrorKind, provider string, status int, err error) *RelayError {
	return &RelayError{Kind: kind, Status: status, Provider: provider, Err: err}
}

// NewConfigError marks a malformed provider record.
func NewConfigError(providerID, msg string) *RelayError {
	return &RelayError{Kind: KindConfig, Provider: providerID, Err: errors.New(msg)}
}

// NewExhausted signals that the selector returned no eligible candidate.
func NewExhausted(family Family) *RelayError {
	return &RelayError{
		Kind: KindExhausted,
		Err:  fmt.Errorf("no eligible provider remains for family %s", family),
	}
}

// IsKind reports whether err is (or wraps) a RelayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// ClassifyStatus maps an upstream HTTP status to an error kind. Statuses
// outside the retry taxonomy return "" and the response is passed through
// to the caller untouched.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindNetwork
	case status >= 500:
		return KindNetwork
	}
	return ""
}

// ClassifyErr maps a transport-level error to an error kind. A timed-out
// call is treated identically to a connection failure. Context
// cancellation is not classified; the dispatcher checks it separately.
func ClassifyErr(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ""
	}
	return KindNetwork
}

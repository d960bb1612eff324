package domain

import (
	"errors"
	"fmt"
)

// Ingress rejection errors. Surfaced as HTTP error statuses by the webhook
// handler, always before any side effects.
var (
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrAccountNotFound  = errors.New("channel account not found")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Persistence errors.
var (
	// ErrDuplicateEvent marks an idempotency-key collision: the event was
	// already recorded and must produce no further side effects.
	ErrDuplicateEvent = errors.New("webhook event already recorded")

	// ErrDuplicateMessage marks a message-id collision: the message row
	// already exists, so callers must not repeat its side effects (counters,
	// conversation sync, notifications).
	ErrDuplicateMessage = errors.New("message already persisted")

	// ErrNotFound is the generic not-found for single-row lookups.
	ErrNotFound = errors.New("record not found")
)

// ErrUndecryptable indicates a stored credential that could not be decrypted.
// Read paths log it and fall back to the raw stored value instead of
// crashing.
var ErrUndecryptable = errors.New("stored credential undecryptable")

// RateLimitedError means the per-(account, endpoint) call budget is
// exhausted. The caller must back off; WaitSeconds carries the remaining
// window time.
type RateLimitedError struct {
	Endpoint    string
	WaitSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, wait %d seconds", e.Endpoint, e.WaitSeconds)
}

// ChannelAPIError is the single translation of any remote-call failure:
// network error, timeout, non-2xx, or malformed response body.
type ChannelAPIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ChannelAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("channel api error (code %s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("channel api error: %s", e.Message)
}

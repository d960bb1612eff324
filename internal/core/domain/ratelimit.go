package domain

import "time"

// Rate limiting defaults for the Graph API: 100 calls per 60-minute fixed
// window per (account, endpoint).
const (
	DefaultCallLimit     = 100
	DefaultWindowMinutes = 60
)

// RateLimitWindow tracks the fixed-window call budget for one
// (account, endpoint) pair. The counter resets to zero exactly when the
// window expires, atomically with advancing the window boundaries. Mutated
// only by the rate limiter.
type RateLimitWindow struct {
	AccountID     int64     `json:"account_id" db:"account_id"`
	Endpoint      string    `json:"endpoint" db:"endpoint"`
	CallsMade     int       `json:"calls_made" db:"calls_made"`
	WindowStart   time.Time `json:"window_start" db:"window_start"`
	ResetTime     time.Time `json:"reset_time" db:"reset_time"`
	CallLimit     int       `json:"call_limit" db:"call_limit"`
	WindowMinutes int       `json:"window_minutes" db:"window_minutes"`
}

// NewRateLimitWindow returns a window opened at now with default limits.
func NewRateLimitWindow(accountID int64, endpoint string, now time.Time) *RateLimitWindow {
	return &RateLimitWindow{
		AccountID:     accountID,
		Endpoint:      endpoint,
		WindowStart:   now,
		ResetTime:     now.Add(DefaultWindowMinutes * time.Minute),
		CallLimit:     DefaultCallLimit,
		WindowMinutes: DefaultWindowMinutes,
	}
}

// resetIfExpired rolls the window forward when now has passed the reset time.
func (w *RateLimitWindow) resetIfExpired(now time.Time) {
	if now.Before(w.ResetTime) {
		return
	}
	w.CallsMade = 0
	w.WindowStart = now
	w.ResetTime = now.Add(time.Duration(w.WindowMinutes) * time.Minute)
}

// CanCall reports whether the budget allows another call, resetting the
// window first if it has expired.
func (w *RateLimitWindow) CanCall(now time.Time) bool {
	w.resetIfExpired(now)
	return w.CallsMade < w.CallLimit
}

// RecordCall counts one attempted call against the window. Must be invoked
// exactly once per attempted call, after the dispatch decision.
func (w *RateLimitWindow) RecordCall(now time.Time) {
	w.resetIfExpired(now)
	w.CallsMade++
}

// WaitSeconds returns the remaining seconds until the window resets, floored
// at zero. Partial seconds round up so a caller sleeping the returned time
// never retries early. Zero means a call may be made now.
func (w *RateLimitWindow) WaitSeconds(now time.Time) int {
	if w.CanCall(now) {
		return 0
	}
	remaining := w.ResetTime.Sub(now)
	if remaining <= 0 {
		return 0
	}
	wait := int(remaining / time.Second)
	if remaining%time.Second > 0 {
		wait++
	}
	return wait
}

package token

import (
	"sync"
	"time"
)

// Recovery policy constants. The backoff keeps the manager quiet during
// known-bad periods instead of hammering the authorization server; the
// deletion threshold is intentionally high because wiping the stored
// credential forces a manual re-authorization.
const (
	baseBackoff             = 15 * time.Minute
	maxBackoff              = 120 * time.Minute
	alertThreshold          = 3
	deleteThreshold         = 10
	minNotificationInterval = 30 * time.Minute
)

// recoveryState tracks renewal failures. It is process-local and never
// persisted: a restart starts healthy and lets the first renewal attempt
// re-discover the situation.
type recoveryState struct {
	mu                  sync.Mutex
	consecutiveFailures int
	inError             bool
	lastFailureAt       time.Time
	lastNotificationAt  time.Time
}

// backoffWindow computes the wait imposed after the current failure count:
// min(baseBackoff * 2^(failures-1), maxBackoff).
func backoffWindow(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	w := baseBackoff
	for i := 1; i < failures; i++ {
		w *= 2
		if w >= maxBackoff {
			return maxBackoff
		}
	}
	if w > maxBackoff {
		return maxBackoff
	}
	return w
}

// shouldAttempt reports whether a renewal attempt is currently permitted.
// Healthy state always permits; in error state the attempt is allowed only
// once the backoff window since the last failure has elapsed.
func (r *recoveryState) shouldAttempt(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inError {
		return true
	}
	return now.Sub(r.lastFailureAt) >= backoffWindow(r.consecutiveFailures)
}

// recordFailure counts one renewal failure and returns the new consecutive
// total.
func (r *recoveryState) recordFailure(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	r.inError = true
	r.lastFailureAt = now
	return r.consecutiveFailures
}

// reset clears all recovery state after a successful renewal.
func (r *recoveryState) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.inError = false
	r.lastFailureAt = time.Time{}
	r.lastNotificationAt = time.Time{}
}

// mayNotify reports whether an outbound alert should be sent for the given
// failure count, and if so reserves the notification slot. Alerts start at
// the threshold and are rate-limited afterwards.
func (r *recoveryState) mayNotify(now time.Time, failures int) bool {
	if failures < alertThreshold {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastNotificationAt.IsZero() && now.Sub(r.lastNotificationAt) < minNotificationInterval {
		return false
	}
	r.lastNotificationAt = now
	return true
}

// clearErrorIfElapsed speculatively drops the error flag once the backoff
// window has passed, so a stale error state cannot block the background job
// forever. The failure counter is kept: if the next attempt fails again the
// backoff resumes where it left off.
func (r *recoveryState) clearErrorIfElapsed(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inError {
		return false
	}
	if now.Sub(r.lastFailureAt) < backoffWindow(r.consecutiveFailures) {
		return false
	}
	r.inError = false
	return true
}

// snapshot returns the current failure count and error flag.
func (r *recoveryState) snapshot() (failures int, inError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures, r.inError
}

package token

import (
	"time"
)

// Staleness margins. The on-demand margin is deliberately short so that a
// nearly-expired token is still handed out instead of blocking the caller;
// the background job uses a wider margin to renew well ahead of real expiry.
const (
	OnDemandMargin   = 10 * time.Minute
	BackgroundMargin = 30 * time.Minute

	// maxClockSkew is the tolerated gap between a record's creation
	// timestamp and the local clock. Anything further in the future is a
	// corrupt or foreign-clock record and must not be trusted.
	maxClockSkew = time.Hour
)

// Record is the persisted credential set as returned by the Bling token
// endpoint, plus the local creation timestamp added before saving.
type Record struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

// ValidUntil returns the moment the record expires according to its own
// declared lifetime.
func (r *Record) ValidUntil() time.Time {
	return time.Unix(r.CreatedAt+r.ExpiresIn, 0)
}

// Stale reports whether the record needs renewal, judged against now with
// the given safety margin. A nil record, a record missing required fields,
// or a record whose creation timestamp is implausibly in the future all
// count as stale.
func (r *Record) Stale(now time.Time, margin time.Duration) bool {
	if r == nil || r.AccessToken == "" {
		return true
	}
	if r.ExpiresIn <= 0 || r.CreatedAt <= 0 {
		return true
	}
	if time.Unix(r.CreatedAt, 0).After(now.Add(maxClockSkew)) {
		return true
	}
	return !now.Before(r.ValidUntil().Add(-margin))
}

// ExpiredFor returns how long ago the record expired, or zero if it has not
// expired yet.
func (r *Record) ExpiredFor(now time.Time) time.Duration {
	if r == nil || r.CreatedAt <= 0 {
		return 0
	}
	d := now.Sub(r.ValidUntil())
	if d < 0 {
		return 0
	}
	return d
}

// clampClockSkew rewrites an implausibly-future creation timestamp so the
// record reads as already expired, forcing renewal on the next check instead
// of trusting a clock we cannot explain.
func (r *Record) clampClockSkew(now time.Time) bool {
	if r == nil || r.CreatedAt <= 0 {
		return false
	}
	if !time.Unix(r.CreatedAt, 0).After(now.Add(maxClockSkew)) {
		return false
	}
	r.CreatedAt = now.Unix() - r.ExpiresIn
	return true
}

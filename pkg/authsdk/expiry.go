package authsdk

import "time"

// ExpiryPolicy answers the two questions asked about a stored record. It is
// pure and safe to call at any frequency.
type ExpiryPolicy struct {
	AutoRefresh bool
	LeadTime    time.Duration
	Now         func() time.Time
}

// NewExpiryPolicy derives the policy from cfg. A nil now uses time.Now.
func NewExpiryPolicy(cfg Config, now func() time.Time) ExpiryPolicy {
	return ExpiryPolicy{
		AutoRefresh: cfg.AutoRefresh,
		LeadTime:    cfg.RefreshLeadTime,
		Now:         now,
	}
}

func (p ExpiryPolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// IsExpired is true when the expiry is absent or not in the future.
func (p ExpiryPolicy) IsExpired(rec TokenRecord) bool {
	if !rec.HasExpiry() {
		return true
	}
	return !p.now().Before(rec.ExpiresAt)
}

// ShouldProactivelyRefresh is true when auto refresh is on, an expiry is
// known, and less than LeadTime remains before it.
func (p ExpiryPolicy) ShouldProactivelyRefresh(rec TokenRecord) bool {
	if !p.AutoRefresh || !rec.HasExpiry() {
		return false
	}
	return rec.ExpiresAt.Sub(p.now()) < p.LeadTime
}

// TimeUntilExpiry is the time left before the record expires. It is zero
// when the expiry is absent or already passed.
func (p ExpiryPolicy) TimeUntilExpiry(rec TokenRecord) time.Duration {
	if !rec.HasExpiry() {
		return 0
	}
	return max(rec.ExpiresAt.Sub(p.now()), 0)
}

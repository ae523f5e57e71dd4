package authsdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpiryPolicyIsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	policy := ExpiryPolicy{AutoRefresh: true, LeadTime: 5 * time.Minute, Now: func() time.Time { return now }}

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"absent", time.Time{}, true},
		{"past", now.Add(-time.Second), true},
		{"exactly now", now, true},
		{"one millisecond ahead", now.Add(time.Millisecond), false},
		{"far future", now.Add(24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, policy.IsExpired(TokenRecord{AccessToken: "t", ExpiresAt: tt.expiresAt}))
		})
	}
}

func TestExpiryPolicyShouldProactivelyRefresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name      string
		auto      bool
		expiresAt time.Time
		want      bool
	}{
		{"inside lead time", true, now.Add(4 * time.Minute), true},
		{"exactly lead time", true, now.Add(5 * time.Minute), false},
		{"outside lead time", true, now.Add(6 * time.Minute), false},
		{"already expired", true, now.Add(-time.Minute), true},
		{"no expiry", true, time.Time{}, false},
		// Disabled auto refresh wins regardless of timing.
		{"disabled inside lead time", false, now.Add(time.Minute), false},
		{"disabled expired", false, now.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ExpiryPolicy{AutoRefresh: tt.auto, LeadTime: 5 * time.Minute, Now: clock}
			require.Equal(t, tt.want, p.ShouldProactivelyRefresh(TokenRecord{ExpiresAt: tt.expiresAt}))
		})
	}
}

func TestNewExpiryPolicyFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := DefaultConfig().With(WithAutoRefresh(true, 90*time.Second, time.Minute))
	require.NoError(t, err)

	p := NewExpiryPolicy(cfg, nil)
	require.True(t, p.AutoRefresh)
	require.Equal(t, 90*time.Second, p.LeadTime)

	// A nil clock falls back to wall time.
	require.False(t, p.IsExpired(TokenRecord{ExpiresAt: time.Now().Add(time.Hour)}))
}

func TestExpiryPolicyTimeUntilExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	policy := ExpiryPolicy{Now: func() time.Time { return now }}

	tests := []struct {
		name      string
		expiresAt time.Time
		want      time.Duration
	}{
		{"absent", time.Time{}, 0},
		{"past", now.Add(-time.Minute), 0},
		{"exactly now", now, 0},
		{"ahead", now.Add(90 * time.Second), 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, policy.TimeUntilExpiry(TokenRecord{ExpiresAt: tt.expiresAt}))
		})
	}
}

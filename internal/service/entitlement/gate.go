package entitlement

import (
	"errors"
	"time"

	"copyhub/internal/domain"
	"copyhub/internal/store"
)

// Gate derives the effective entitlement snapshot for an account from its
// active subscription tier: the daily signal quota and the per-account
// broadcast delay. It holds no state of its own; the store is the source
// of truth for both the tier tables and today's consumption.
type Gate struct {
	store store.Store
}

func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

// Check computes the quota snapshot for userID at now. A missing or lapsed
// subscription yields allowed=false with zero limits; an unlimited tier
// yields the -1 sentinel for both limit and remaining.
func (g *Gate) Check(userID string, now time.Time) (domain.QuotaStatus, error) {
	tier, err := g.store.ActiveTierFor(userID, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.QuotaStatus{Allowed: false, Remaining: 0, Limit: 0}, nil
		}
		return domain.QuotaStatus{}, err
	}
	if tier.DailySignalLimit == domain.UnlimitedSignals {
		return domain.QuotaStatus{
			Allowed:   true,
			Remaining: domain.UnlimitedSignals,
			Limit:     domain.UnlimitedSignals,
		}, nil
	}

	used, err := g.store.CountExecutionsReceivedSince(userID, startOfDay(now))
	if err != nil {
		return domain.QuotaStatus{}, err
	}
	remaining := tier.DailySignalLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return domain.QuotaStatus{
		Allowed:   remaining > 0,
		Remaining: remaining,
		Limit:     tier.DailySignalLimit,
	}, nil
}

// Delay returns the tier's broadcast delay for userID. No subscription
// means no delay; such callers are already stopped by Check.
func (g *Gate) Delay(userID string, now time.Time) (time.Duration, error) {
	tier, err := g.store.ActiveTierFor(userID, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return time.Duration(tier.DelaySeconds) * time.Second, nil
}

// MaxAccounts returns the tier's linked receiver account ceiling, or 0 when
// the user has no subscription.
func (g *Gate) MaxAccounts(userID string, now time.Time) (int, error) {
	tier, err := g.store.ActiveTierFor(userID, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return tier.MaxAccounts, nil
}

// startOfDay truncates to the calendar day in server time, which is what
// the daily quota window is defined against.
func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

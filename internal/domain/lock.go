package domain

import "time"

// InitLockLease is how long an initialization lock stays live before it is
// considered abandoned.
const InitLockLease = 5 * time.Minute

// InitializationLock guards the on-chain commitment of a single market.
type InitializationLock struct {
	MarketID  string
	Holder    string
	ExpiresAt time.Time
}

// Expired reports whether the lock may be reclaimed at now.
func (l InitializationLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

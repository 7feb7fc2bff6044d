package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Resolution is the metadata written when a market is resolved.
type Resolution struct {
	Outcome    Outcome
	ResolvedBy string
	ResolvedAt time.Time
	Note       *string
}

// MarketStore persists markets and their cached pool projection.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	// GetForUpdate reads a market and, inside a transaction, locks its row
	// until commit.
	GetForUpdate(ctx context.Context, id string) (Market, error)
	ListByGroup(ctx context.Context, filter MarketFilter) ([]Market, error)
	// ListSyncable returns ACTIVE markets whose on-chain id is a contract
	// market number. Markets recorded under a tx-hash fallback are skipped.
	ListSyncable(ctx context.Context) ([]Market, error)
	// Activate moves a PENDING market to ACTIVE with the given on-chain id.
	// It returns ErrNotFound when no PENDING market with that id exists.
	Activate(ctx context.Context, id, onChainID string) error
	// ApplyChainState overwrites status, outcome and pools in one statement.
	// A RESOLVED or CANCELLED market keeps its status unless the new one is
	// also terminal, and a nil outcome leaves the stored outcome in place.
	ApplyChainState(ctx context.Context, id string, status MarketStatus, outcome *Outcome, pools Pools) error
	UpdatePools(ctx context.Context, id string, pools Pools) error
	// Resolve marks a market RESOLVED. It returns ErrNotFound when the market
	// does not exist or is already resolved.
	Resolve(ctx context.Context, id string, r Resolution) error
}

// VoteStore persists votes keyed by (market, voter).
type VoteStore interface {
	// Create inserts a vote and returns ErrAlreadyExists on a duplicate
	// (market, voter) pair.
	Create(ctx context.Context, v Vote) error
	Get(ctx context.Context, marketID, voter string) (Vote, error)
	GetForUpdate(ctx context.Context, marketID, voter string) (Vote, error)
	ListByMarket(ctx context.Context, marketID string) ([]Vote, error)
	SetRewards(ctx context.Context, payouts []Payout) error
	// MarkClaimed flips claimed from false to true. It returns ErrNotFound if
	// the vote is missing or already claimed.
	MarkClaimed(ctx context.Context, voteID string) error
}

// UserStore persists wallet identities and aggregate statistics.
type UserStore interface {
	Ensure(ctx context.Context, address string) error
	Get(ctx context.Context, address string) (User, error)
	ApplyResolutionStats(ctx context.Context, deltas []StatDelta) error
	AddEarnings(ctx context.Context, address string, amount decimal.Decimal) error
}

// GroupStore answers group membership questions.
type GroupStore interface {
	// Role returns ErrNotFound if address is not a member of the group.
	Role(ctx context.Context, groupID, address string) (GroupRole, error)
	AddMember(ctx context.Context, groupID, address string, role GroupRole) error
}

// InitLockStore persists initialization leases.
type InitLockStore interface {
	// Acquire inserts the lock or reclaims an expired one. It returns
	// ErrLockHeld when a live lock exists for the market.
	Acquire(ctx context.Context, lock InitializationLock) error
	// Release deletes the lock if it is still owned by holder. Idempotent.
	Release(ctx context.Context, marketID, holder string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Repositories groups the stores that share one connection or transaction.
type Repositories interface {
	Markets() MarketStore
	Votes() VoteStore
	Users() UserStore
	Groups() GroupStore
	Locks() InitLockStore
	Audit() AuditStore
}

// Store is the transactional persistence boundary. WithinTx runs fn inside a
// single all-or-nothing transaction bounded by timeout; the repositories
// passed to fn are bound to that transaction.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx Repositories) error) error
}

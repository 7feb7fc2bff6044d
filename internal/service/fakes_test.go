package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memData is the full state of memStore. Values are replaced, never mutated
// in place, so a shallow map copy is a consistent snapshot.
type memData struct {
	markets map[string]domain.Market
	votes   map[string]domain.Vote
	users   map[string]domain.User
	roles   map[string]domain.GroupRole
	locks   map[string]domain.InitializationLock
	audit   []domain.AuditEntry
}

func (d memData) clone() memData {
	return memData{
		markets: maps.Clone(d.markets),
		votes:   maps.Clone(d.votes),
		users:   maps.Clone(d.users),
		roles:   maps.Clone(d.roles),
		locks:   maps.Clone(d.locks),
		audit:   slices.Clone(d.audit),
	}
}

// memStore is an in-memory domain.Store. Transactions are serialized under one
// mutex and rolled back by restoring a snapshot.
type memStore struct {
	mu   sync.Mutex
	data memData

	// Failure injection, consumed in order.
	activateErrs []error
	statsErr     error
}

func newMemStore() *memStore {
	return &memStore{data: memData{
		markets: map[string]domain.Market{},
		votes:   map[string]domain.Vote{},
		users:   map[string]domain.User{},
		roles:   map[string]domain.GroupRole{},
		locks:   map[string]domain.InitializationLock{},
	}}
}

var _ domain.Store = (*memStore)(nil)

func (s *memStore) repos(locked bool) *memRepos { return &memRepos{s: s, locked: locked} }

func (s *memStore) Markets() domain.MarketStore { return s.repos(false) }
func (s *memStore) Votes() domain.VoteStore { return memVotes{s.repos(false)} }
func (s *memStore) Users() domain.UserStore { return memUsers{s.repos(false)} }
func (s *memStore) Groups() domain.GroupStore { return memGroups{s.repos(false)} }
func (s *memStore) Locks() domain.InitLockStore { return memLocks{s.repos(false)} }
func (s *memStore) Audit() domain.AuditStore { return memAudit{s.repos(false)} }

func (s *memStore) WithinTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx domain.Repositories) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(ctx, memTx{s.repos(true)}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// snapshot returns a copy of the state for assertions.
func (s *memStore) snapshot() memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

func (s *memStore) putMarket(m domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.markets[m.ID] = m
}

func (s *memStore) putVote(v domain.Vote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.votes[v.ID] = v
}

func (s *memStore) addMember(groupID, addr string, role domain.GroupRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.roles[groupID+"|"+addr] = role
}

func (s *memStore) auditEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data.audit))
	for _, e := range s.data.audit {
		out = append(out, e.Event)
	}
	return out
}

type memTx struct{ r *memRepos }

func (t memTx) Markets() domain.MarketStore { return t.r }
func (t memTx) Votes() domain.VoteStore { return memVotes{t.r} }
func (t memTx) Users() domain.UserStore { return memUsers{t.r} }
func (t memTx) Groups() domain.GroupStore { return memGroups{t.r} }
func (t memTx) Locks() domain.InitLockStore { return memLocks{t.r} }
func (t memTx) Audit() domain.AuditStore { return memAudit{t.r} }

type memRepos struct {
	s      *memStore
	locked bool
}

func (r *memRepos) lock() func() {
	if r.locked {
		return func() {}
	}
	r.s.mu.Lock()
	return r.s.mu.Unlock
}

func (r *memRepos) Create(_ context.Context, m domain.Market) error {
	defer r.lock()()
	if _, ok := r.s.data.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.s.data.markets[m.ID] = m
	return nil
}

func (r *memRepos) GetByID(_ context.Context, id string) (domain.Market, error) {
	defer r.lock()()
	m, ok := r.s.data.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (r *memRepos) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return r.GetByID(ctx, id)
}

func (r *memRepos) ListByGroup(_ context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	defer r.lock()()
	var out []domain.Market
	for _, m := range r.s.data.markets {
		if m.GroupID != f.GroupID || (f.Status != nil && m.Status != *f.Status) {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b domain.Market) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Offset > 0 {
		out = out[min(f.Offset, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepos) ListSyncable(context.Context) ([]domain.Market, error) {
	defer r.lock()()
	var out []domain.Market
	for _, m := range r.s.data.markets {
		if m.Initialized() && m.ChainNumbered() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepos) Activate(_ context.Context, id, onChainID string) error {
	defer r.lock()()
	if len(r.s.activateErrs) > 0 {
		err := r.s.activateErrs[0]
		r.s.activateErrs = r.s.activateErrs[1:]
		return err
	}
	m, ok := r.s.data.markets[id]
	if !ok || m.Status != domain.MarketStatusPending {
		return domain.ErrNotFound
	}
	m.Status = domain.MarketStatusActive
	m.OnChainID = &onChainID
	r.s.data.markets[id] = m
	return nil
}

func (r *memRepos) ApplyChainState(_ context.Context, id string, status domain.MarketStatus, outcome *domain.Outcome, pools domain.Pools) error {
	defer r.lock()()
	m, ok := r.s.data.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !m.Status.Terminal() || status.Terminal() {
		m.Status = status
	}
	if outcome != nil {
		m.Outcome = outcome
	}
	m.Pools = pools
	r.s.data.markets[id] = m
	return nil
}

func (r *memRepos) UpdatePools(_ context.Context, id string, pools domain.Pools) error {
	defer r.lock()()
	m, ok := r.s.data.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Pools = pools
	r.s.data.markets[id] = m
	return nil
}

func (r *memRepos) Resolve(_ context.Context, id string, res domain.Resolution) error {
	defer r.lock()()
	m, ok := r.s.data.markets[id]
	if !ok || m.Status == domain.MarketStatusResolved {
		return domain.ErrNotFound
	}
	m.Status = domain.MarketStatusResolved
	m.Outcome = &res.Outcome
	m.ResolvedBy = &res.ResolvedBy
	m.ResolvedAt = &res.ResolvedAt
	m.ResolutionNote = res.Note
	r.s.data.markets[id] = m
	return nil
}

type memVotes struct{ *memRepos }

func (r memVotes) Create(_ context.Context, v domain.Vote) error {
	defer r.lock()()
	for _, existing := range r.s.data.votes {
		if existing.MarketID == v.MarketID && existing.Voter == v.Voter {
			return domain.ErrAlreadyExists
		}
	}
	r.s.data.votes[v.ID] = v
	return nil
}

func (r memVotes) Get(_ context.Context, marketID, voter string) (domain.Vote, error) {
	defer r.lock()()
	for _, v := range r.s.data.votes {
		if v.MarketID == marketID && v.Voter == voter {
			return v, nil
		}
	}
	return domain.Vote{}, domain.ErrNotFound
}

func (r memVotes) GetForUpdate(ctx context.Context, marketID, voter string) (domain.Vote, error) {
	return r.Get(ctx, marketID, voter)
}

func (r memVotes) ListByMarket(_ context.Context, marketID string) ([]domain.Vote, error) {
	defer r.lock()()
	var out []domain.Vote
	for _, v := range r.s.data.votes {
		if v.MarketID == marketID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b domain.Vote) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r memVotes) SetRewards(_ context.Context, payouts []domain.Payout) error {
	defer r.lock()()
	for _, p := range payouts {
		v, ok := r.s.data.votes[p.VoteID]
		if !ok {
			return domain.ErrNotFound
		}
		reward := p.Reward
		v.Reward = &reward
		r.s.data.votes[p.VoteID] = v
	}
	return nil
}

func (r memVotes) MarkClaimed(_ context.Context, voteID string) error {
	defer r.lock()()
	v, ok := r.s.data.votes[voteID]
	if !ok || v.Claimed {
		return domain.ErrNotFound
	}
	v.Claimed = true
	r.s.data.votes[voteID] = v
	return nil
}

type memUsers struct{ *memRepos }

func (r memUsers) Ensure(_ context.Context, addr string) error {
	defer r.lock()()
	if _, ok := r.s.data.users[addr]; !ok {
		r.s.data.users[addr] = domain.User{Address: addr, TotalEarnings: decimal.Zero}
	}
	return nil
}

func (r memUsers) Get(_ context.Context, addr string) (domain.User, error) {
	defer r.lock()()
	u, ok := r.s.data.users[addr]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (r memUsers) ApplyResolutionStats(_ context.Context, deltas []domain.StatDelta) error {
	defer r.lock()()
	if r.s.statsErr != nil {
		return r.s.statsErr
	}
	for _, d := range deltas {
		u := r.s.data.users[d.Address]
		u.Address = d.Address
		u.TotalPredictions++
		if d.Correct {
			u.CorrectPredictions++
		}
		r.s.data.users[d.Address] = u
	}
	return nil
}

func (r memUsers) AddEarnings(_ context.Context, addr string, amount decimal.Decimal) error {
	defer r.lock()()
	u, ok := r.s.data.users[addr]
	if !ok {
		return domain.ErrNotFound
	}
	u.TotalEarnings = u.TotalEarnings.Add(amount)
	r.s.data.users[addr] = u
	return nil
}

type memGroups struct{ *memRepos }

func (r memGroups) Role(_ context.Context, groupID, addr string) (domain.GroupRole, error) {
	defer r.lock()()
	role, ok := r.s.data.roles[groupID+"|"+addr]
	if !ok {
		return "", domain.ErrNotFound
	}
	return role, nil
}

func (r memGroups) AddMember(_ context.Context, groupID, addr string, role domain.GroupRole) error {
	defer r.lock()()
	r.s.data.roles[groupID+"|"+addr] = role
	return nil
}

type memLocks struct{ *memRepos }

func (r memLocks) Acquire(_ context.Context, l domain.InitializationLock) error {
	defer r.lock()()
	if cur, ok := r.s.data.locks[l.MarketID]; ok && !cur.Expired(time.Now()) {
		return domain.ErrLockHeld
	}
	r.s.data.locks[l.MarketID] = l
	return nil
}

func (r memLocks) Release(_ context.Context, marketID, holder string) error {
	defer r.lock()()
	if cur, ok := r.s.data.locks[marketID]; ok && cur.Holder == holder {
		delete(r.s.data.locks, marketID)
	}
	return nil
}

func (r memLocks) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	defer r.lock()()
	var n int64
	for id, l := range r.s.data.locks {
		if l.Expired(now) {
			delete(r.s.data.locks, id)
			n++
		}
	}
	return n, nil
}

type memAudit struct{ *memRepos }

func (r memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	defer r.lock()()
	r.s.data.audit = append(r.s.data.audit, domain.AuditEntry{
		ID:        int64(len(r.s.data.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (r memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	defer r.lock()()
	return slices.Clone(r.s.data.audit), nil
}

// fakeRelay records submissions. Each creation takes a little while so that
// concurrent initialize calls overlap.
type fakeRelay struct {
	mu           sync.Mutex
	insufficient bool
	noKey        bool
	createErr    error
	resolveErr   error
	delay        time.Duration
	creates      int
	resolves     []string
	last         domain.CreateMarketParams
}

func (r *fakeRelay) Address() (string, error) {
	if r.noKey {
		return "", domain.NewError(domain.KindWalletNotConfigured, "no relay key")
	}
	return "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", nil
}

func (r *fakeRelay) HasSufficientBalance(context.Context) bool { return !r.insufficient }

func (r *fakeRelay) SubmitMarketCreation(_ context.Context, p domain.CreateMarketParams) (domain.Submission, error) {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	r.last = p
	if r.createErr != nil {
		return domain.Submission{}, r.createErr
	}
	return domain.Submission{
		OnChainID: fmt.Sprint(r.creates),
		TxHash:    fmt.Sprintf("0x%064x", r.creates),
		FromEvent: true,
	}, nil
}

func (r *fakeRelay) SubmitResolution(_ context.Context, onChainID string, o domain.Outcome) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolveErr != nil {
		return "", r.resolveErr
	}
	r.resolves = append(r.resolves, onChainID+":"+string(o))
	return "0xresolve", nil
}

func (r *fakeRelay) createCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

type fakeReader struct {
	mu     sync.Mutex
	states map[string]domain.ChainMarketState
	errs   map[string]error
	reads  int

	// When set, MarketState signals entered and then waits for gate.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeReader) MarketState(_ context.Context, id string) (domain.ChainMarketState, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.errs[id]; err != nil {
		return domain.ChainMarketState{}, err
	}
	st, ok := f.states[id]
	if !ok {
		return domain.ChainMarketState{}, fmt.Errorf("market %s not on chain", id)
	}
	return st, nil
}

func (f *fakeReader) MarketCount(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.states)), nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, path string, r io.Reader, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[path] = data
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.events)
}

package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/core/wire"
)

var (
	// ErrSettling is returned by Drain while an earlier claim for the account
	// is still being settled.
	ErrSettling = errors.New("ledger: settlement in progress")
	// ErrNothingPending is returned by Drain when no rounds await settlement.
	ErrNothingPending = errors.New("ledger: no pending rounds")
	// ErrUnknownAccount is returned for accounts that were never funded or
	// reconciled.
	ErrUnknownAccount = errors.New("ledger: unknown account")
)

type account struct {
	mu          sync.Mutex
	seq         uint32
	remaining   uint64
	pending     []Round
	settling    bool
	synced      bool
	syncedBlock uint64
	deposits    map[string]struct{}
}

func (a *account) status() Status {
	st := Status{
		Seq:             a.seq,
		RemainingTokens: a.remaining,
		PendingRounds:   len(a.pending),
		Settling:        a.settling,
		Synced:          a.synced,
		SyncedBlock:     a.syncedBlock,
	}
	for _, r := range a.pending {
		st.PendingTokens += r.TokensConsumed
	}
	return st
}

// Ledger mirrors the contract's per-account balances and sequence numbers and
// holds the rounds confirmed since the last settlement. Every operation on an
// account runs under that account's lock.
type Ledger struct {
	mu       sync.Mutex
	accounts map[AccountKey]*account
	store    Store
	logger   *slog.Logger
}

// Option customises the ledger.
type Option func(*Ledger)

// WithStore persists pending rounds in s.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New constructs a ledger and restores pending rounds from the store. Restored
// accounts are unsynced until Reconcile is called for them.
func New(opts ...Option) (*Ledger, error) {
	l := &Ledger{accounts: make(map[AccountKey]*account)}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = nopStore{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	restored, err := l.store.LoadRounds()
	if err != nil {
		return nil, fmt.Errorf("ledger: restore rounds: %w", err)
	}
	for key, rounds := range restored {
		sort.Slice(rounds, func(i, j int) bool { return rounds[i].Seq < rounds[j].Seq })
		l.accounts[key] = &account{pending: rounds, deposits: make(map[string]struct{})}
		l.logger.Info("restored pending rounds", "account", key.String(), "rounds", len(rounds))
	}
	return l, nil
}

func (l *Ledger) lookup(key AccountKey, create bool) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[key]
	if !ok && create {
		acct = &account{deposits: make(map[string]struct{})}
		l.accounts[key] = acct
	}
	return acct
}

// Status returns the account view and whether the account is known.
func (l *Ledger) Status(key AccountKey) (Status, bool) {
	acct := l.lookup(key, false)
	if acct == nil {
		return Status{}, false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.status(), true
}

// Keys lists the accounts held with provider in ascending client order.
func (l *Ledger) Keys(provider common.Address) []AccountKey {
	l.mu.Lock()
	keys := make([]AccountKey, 0, len(l.accounts))
	for key := range l.accounts {
		if key.Provider == provider {
			keys = append(keys, key)
		}
	}
	l.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Pending returns a copy of the rounds awaiting settlement.
func (l *Ledger) Pending(key AccountKey) []Round {
	acct := l.lookup(key, false)
	if acct == nil {
		return nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return append([]Round(nil), acct.pending...)
}

// CheckAndReserve verifies that a round at seq bounded by maxTokens may start.
// It never mutates the account: tokens are only debited at settlement.
func (l *Ledger) CheckAndReserve(key AccountKey, seq, maxTokens uint32) error {
	acct := l.lookup(key, false)
	if acct == nil {
		if seq != 1 {
			return fmt.Errorf("%w: account %s expects seq 1, got %d", wire.ErrSequenceConflict, key, seq)
		}
		return fmt.Errorf("%w: account %s has no balance", wire.ErrInsufficientTokens, key)
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	st := acct.status()
	if seq != st.NextSeq() {
		return fmt.Errorf("%w: account %s expects seq %d, got %d", wire.ErrSequenceConflict, key, st.NextSeq(), seq)
	}
	if st.Available() < uint64(maxTokens) {
		return fmt.Errorf("%w: account %s has %d tokens available, round needs up to %d", wire.ErrInsufficientTokens, key, st.Available(), maxTokens)
	}
	return nil
}

// Commit appends a confirmed round to the pending journal. Authoritative
// balances are left untouched until the round is settled.
func (l *Ledger) Commit(key AccountKey, round Round) error {
	acct := l.lookup(key, false)
	if acct == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, key)
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	st := acct.status()
	if round.Seq != st.NextSeq() {
		return fmt.Errorf("%w: account %s expects seq %d, got %d", wire.ErrSequenceConflict, key, st.NextSeq(), round.Seq)
	}
	if st.Available() < round.TokensConsumed {
		return fmt.Errorf("%w: account %s has %d tokens available, round consumed %d", wire.ErrInsufficientTokens, key, st.Available(), round.TokensConsumed)
	}
	if err := l.store.PutRound(key, round); err != nil {
		return fmt.Errorf("ledger: persist round %d: %w", round.Seq, err)
	}
	acct.pending = append(acct.pending, round)
	return nil
}

// TopUp credits a deposit. Redelivered deposits, and deposits already covered
// by the last reconciliation, report wire.ErrDuplicateTopUp without crediting.
func (l *Ledger) TopUp(key AccountKey, dep Deposit) error {
	if dep.ID == "" {
		return errors.New("ledger: deposit id required")
	}
	acct := l.lookup(key, true)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if _, seen := acct.deposits[dep.ID]; seen {
		return fmt.Errorf("%w: %s", wire.ErrDuplicateTopUp, dep.ID)
	}
	if acct.syncedBlock > 0 && dep.Block > 0 && dep.Block <= acct.syncedBlock {
		acct.deposits[dep.ID] = struct{}{}
		return fmt.Errorf("%w: %s at block %d already reconciled at block %d", wire.ErrDuplicateTopUp, dep.ID, dep.Block, acct.syncedBlock)
	}
	if acct.remaining+dep.Tokens < acct.remaining {
		return fmt.Errorf("ledger: deposit %s overflows balance", dep.ID)
	}
	acct.deposits[dep.ID] = struct{}{}
	acct.remaining += dep.Tokens
	acct.synced = true
	return nil
}

// Reconcile replaces the authoritative view with what the contract reports at
// block and prunes rounds the contract has already settled.
func (l *Ledger) Reconcile(key AccountKey, seq uint32, remaining uint64, block uint64) error {
	acct := l.lookup(key, true)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	kept := make([]Round, 0, len(acct.pending))
	for _, r := range acct.pending {
		if r.Seq > seq {
			kept = append(kept, r)
		}
	}
	// The account is left untouched when the settled rounds cannot be pruned.
	if pruned := len(acct.pending) - len(kept); pruned > 0 {
		if err := l.store.DeleteRounds(key, seq); err != nil {
			return fmt.Errorf("ledger: prune settled rounds: %w", err)
		}
		l.logger.Info("pruned settled rounds", "account", key.String(), "rounds", pruned, "seq", seq)
	}
	acct.seq = seq
	acct.remaining = remaining
	acct.synced = true
	if block > acct.syncedBlock {
		acct.syncedBlock = block
	}
	acct.pending = kept
	acct.settling = false
	if len(kept) > 0 && kept[0].Seq != seq+1 {
		l.logger.Warn("pending rounds do not continue the settled seq",
			"account", key.String(), "seq", seq, "first_pending", kept[0].Seq)
	}
	return nil
}

// Drain runs build over a snapshot of the pending rounds inside the account's
// critical section. On success the rounds covered by the returned claim are
// fenced until SettleBatch or Release, so no round lands in two claims.
func (l *Ledger) Drain(key AccountKey, build func(rounds []Round, st Status) (wire.Claim, error)) (wire.Claim, error) {
	acct := l.lookup(key, false)
	if acct == nil {
		return wire.Claim{}, fmt.Errorf("%w: %s", ErrUnknownAccount, key)
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.settling {
		return wire.Claim{}, fmt.Errorf("%w: %s", ErrSettling, key)
	}
	if len(acct.pending) == 0 {
		return wire.Claim{}, ErrNothingPending
	}
	claim, err := build(append([]Round(nil), acct.pending...), acct.status())
	if err != nil {
		return wire.Claim{}, err
	}
	if claim.ClientPK != key.Client || claim.Rounds == 0 || claim.Seq != acct.pending[0].Seq || int(claim.Rounds) > len(acct.pending) {
		return wire.Claim{}, fmt.Errorf("ledger: claim does not cover a prefix of the pending rounds of %s", key)
	}
	acct.settling = true
	return claim, nil
}

// Release lifts the settlement fence of keys after a rejected or abandoned
// settlement. Pending rounds stay in place for a retry.
func (l *Ledger) Release(keys ...AccountKey) {
	for _, key := range keys {
		acct := l.lookup(key, false)
		if acct == nil {
			continue
		}
		acct.mu.Lock()
		acct.settling = false
		acct.mu.Unlock()
	}
}

// SettleBatch mirrors an accepted settlement: for every claim the balance is
// debited, seq advances by the claim's rounds and the covered rounds are
// dropped. Either every claim applies or none does.
func (l *Ledger) SettleBatch(provider common.Address, claims []wire.Claim) error {
	keys := make([]AccountKey, 0, len(claims))
	byKey := make(map[AccountKey]wire.Claim, len(claims))
	for _, c := range claims {
		key := AccountKey{Provider: provider, Client: c.ClientPK}
		if _, dup := byKey[key]; dup {
			return fmt.Errorf("ledger: batch holds two claims for %s", key)
		}
		byKey[key] = c
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	accts := make([]*account, 0, len(keys))
	for _, key := range keys {
		acct := l.lookup(key, false)
		if acct == nil {
			for _, held := range accts {
				held.mu.Unlock()
			}
			return fmt.Errorf("%w: %s", ErrUnknownAccount, key)
		}
		acct.mu.Lock()
		accts = append(accts, acct)
	}
	defer func() {
		for _, acct := range accts {
			acct.mu.Unlock()
		}
	}()

	for i, key := range keys {
		c, acct := byKey[key], accts[i]
		if c.Seq != acct.seq+1 {
			return fmt.Errorf("%w: account %s at seq %d, claim starts at %d", wire.ErrSequenceConflict, key, acct.seq, c.Seq)
		}
		if c.TokensConsumed > acct.remaining {
			return fmt.Errorf("%w: account %s holds %d tokens, claim consumes %d", wire.ErrInsufficientTokens, key, acct.remaining, c.TokensConsumed)
		}
	}
	for i, key := range keys {
		c, acct := byKey[key], accts[i]
		last := c.LastSeq()
		if err := l.store.DeleteRounds(key, last); err != nil {
			// the mirror still applies: Reconcile prunes leftovers on restart
			l.logger.Error("delete settled rounds", "account", key.String(), "error", err)
		}
		acct.seq += c.Rounds
		acct.remaining -= c.TokensConsumed
		kept := acct.pending[:0]
		for _, r := range acct.pending {
			if r.Seq > last {
				kept = append(kept, r)
			}
		}
		acct.pending = kept
		acct.settling = false
	}
	return nil
}

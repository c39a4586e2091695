package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"deopenchat/core/wire"
)

type memKey struct {
	provider common.Address
	client   wire.PublicKey
}

type memProvider struct {
	cost     *uint256.Int
	endpoint string
	model    string
}

type statusAt struct {
	block  uint64
	status AccountStatus
}

// Memory is an in-process rendition of the settlement contract. Every
// mutating call is atomic and mines one block. Wei moves between the caller,
// the contract escrow and providers.
type Memory struct {
	mu        sync.Mutex
	verifier  Verifier
	imageID   common.Hash
	block     uint64
	txs       uint64
	providers []common.Address
	records   map[common.Address]memProvider
	accounts  map[memKey][]statusAt
	balances  map[common.Address]*uint256.Int
	escrow    *uint256.Int
	deposits  []Deposit
}

// NewMemory constructs an empty contract that accepts proofs for imageID.
func NewMemory(verifier Verifier, imageID common.Hash) *Memory {
	return &Memory{
		verifier: verifier,
		imageID:  imageID,
		records:  make(map[common.Address]memProvider),
		accounts: make(map[memKey][]statusAt),
		balances: make(map[common.Address]*uint256.Int),
		escrow:   new(uint256.Int),
	}
}

// Fund credits wei to addr.
func (m *Memory) Fund(addr common.Address, wei *big.Int) {
	amount, _ := uint256.FromBig(wei)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance(addr).Add(m.balance(addr), amount)
}

// Balance returns the wei held by addr.
func (m *Memory) Balance(addr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(addr).ToBig()
}

// As returns a Ledger whose transactions are sent by caller.
func (m *Memory) As(caller common.Address) Ledger {
	return &memorySession{m: m, caller: caller}
}

func (m *Memory) balance(addr common.Address) *uint256.Int {
	b, ok := m.balances[addr]
	if !ok {
		b = new(uint256.Int)
		m.balances[addr] = b
	}
	return b
}

func (m *Memory) status(key memKey) AccountStatus {
	history := m.accounts[key]
	if len(history) == 0 {
		return AccountStatus{}
	}
	return history[len(history)-1].status
}

func (m *Memory) mine() Receipt {
	m.block++
	m.txs++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], m.txs)
	return Receipt{TxHash: crypto.Keccak256Hash([]byte("deopenchat-memory-tx"), nonce[:]), Block: m.block}
}

type memorySession struct {
	m      *Memory
	caller common.Address
}

func (s *memorySession) ProviderRegister(_ context.Context, costPerKTokens *big.Int, endpoint, model string) (Receipt, error) {
	if costPerKTokens == nil || costPerKTokens.Sign() < 0 {
		return Receipt{}, fmt.Errorf("%w: cost out of range", ErrReverted)
	}
	cost, overflow := uint256.FromBig(costPerKTokens)
	if overflow {
		return Receipt{}, fmt.Errorf("%w: cost out of range", ErrReverted)
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[s.caller]; !ok {
		m.providers = append(m.providers, s.caller)
	}
	m.records[s.caller] = memProvider{cost: cost, endpoint: endpoint, model: model}
	return m.mine(), nil
}

func (s *memorySession) GetProvider(_ context.Context, provider common.Address) (Provider, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[provider]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider.Hex())
	}
	return Provider{Address: provider, CostPerKTokens: rec.cost.ToBig(), Endpoint: rec.endpoint, Model: rec.model}, nil
}

func (s *memorySession) GetAllProviders(_ context.Context) ([]Provider, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Provider, 0, len(m.providers))
	for _, addr := range m.providers {
		rec := m.records[addr]
		out = append(out, Provider{Address: addr, CostPerKTokens: rec.cost.ToBig(), Endpoint: rec.endpoint, Model: rec.model})
	}
	return out, nil
}

func (s *memorySession) FetchTokens(_ context.Context, provider common.Address, ktokens uint32, client wire.PublicKey, value *big.Int) (Receipt, error) {
	if value == nil || value.Sign() < 0 {
		return Receipt{}, fmt.Errorf("%w: value out of range", ErrReverted)
	}
	paid, overflow := uint256.FromBig(value)
	if overflow {
		return Receipt{}, fmt.Errorf("%w: value out of range", ErrReverted)
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[provider]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider.Hex())
	}
	due, overflow := new(uint256.Int).MulOverflow(rec.cost, uint256.NewInt(uint64(ktokens)))
	if overflow {
		return Receipt{}, fmt.Errorf("%w: price overflow", ErrReverted)
	}
	if paid.Lt(due) {
		return Receipt{}, fmt.Errorf("%w: paid %s wei, due %s", ErrInsufficientPayment, paid.Dec(), due.Dec())
	}
	from := m.balance(s.caller)
	if from.Lt(paid) {
		return Receipt{}, fmt.Errorf("%w: sender balance %s below value %s", ErrReverted, from.Dec(), paid.Dec())
	}
	key := memKey{provider: provider, client: client}
	st := m.status(key)
	tokens := uint64(ktokens) * TokensPerKToken
	if st.RemainingTokens+tokens < st.RemainingTokens {
		return Receipt{}, fmt.Errorf("%w: token balance overflow", ErrReverted)
	}
	st.RemainingTokens += tokens

	from.Sub(from, paid)
	m.escrow.Add(m.escrow, paid)
	receipt := m.mine()
	m.accounts[key] = append(m.accounts[key], statusAt{block: receipt.Block, status: st})
	m.deposits = append(m.deposits, Deposit{
		ID:       fmt.Sprintf("%s:0", receipt.TxHash.Hex()),
		Provider: provider,
		Client:   client,
		KTokens:  ktokens,
		Tokens:   tokens,
		Block:    receipt.Block,
		TxHash:   receipt.TxHash,
	})
	return receipt, nil
}

func (s *memorySession) ViewStatus(_ context.Context, provider common.Address, client wire.PublicKey) (AccountStatus, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status(memKey{provider: provider, client: client}), nil
}

func (s *memorySession) ViewStatusAt(_ context.Context, provider common.Address, client wire.PublicKey, block uint64) (AccountStatus, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.accounts[memKey{provider: provider, client: client}]
	i := sort.Search(len(history), func(i int) bool { return history[i].block > block })
	if i == 0 {
		return AccountStatus{}, nil
	}
	return history[i-1].status, nil
}

// Claim runs the proof verifier without holding the contract lock and
// re-checks the batch against current state before applying it, so a
// concurrent claim for the same accounts still reverts one of the two.
func (s *memorySession) Claim(ctx context.Context, claims []wire.Claim, seal []byte) (Receipt, error) {
	m := s.m
	m.mu.Lock()
	_, _, err := m.planClaims(s.caller, claims)
	m.mu.Unlock()
	if err != nil {
		return Receipt{}, err
	}

	digest := wire.JournalDigest(wire.EncodeJournal(claims))
	if err := m.verifier.Verify(ctx, seal, m.imageID, digest); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", wire.ErrProofRejected, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	working, total, err := m.planClaims(s.caller, claims)
	if err != nil {
		return Receipt{}, err
	}
	rec := m.records[s.caller]
	ktokens := new(uint256.Int).Div(total, uint256.NewInt(TokensPerKToken))
	payout, overflow := new(uint256.Int).MulOverflow(ktokens, rec.cost)
	if overflow || m.escrow.Lt(payout) {
		return Receipt{}, fmt.Errorf("%w: escrow cannot cover payout", ErrReverted)
	}

	m.escrow.Sub(m.escrow, payout)
	m.balance(s.caller).Add(m.balance(s.caller), payout)
	receipt := m.mine()
	for key, st := range working {
		m.accounts[key] = append(m.accounts[key], statusAt{block: receipt.Block, status: st})
	}
	receipt.Payout = payout.ToBig()
	return receipt, nil
}

// planClaims must be called with m.mu held. It returns the post-claim status
// of every touched account and the total tokens claimed.
func (m *Memory) planClaims(caller common.Address, claims []wire.Claim) (map[memKey]AccountStatus, *uint256.Int, error) {
	if _, ok := m.records[caller]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProvider, caller.Hex())
	}
	working := make(map[memKey]AccountStatus, len(claims))
	total := new(uint256.Int)
	for i, c := range claims {
		key := memKey{provider: caller, client: c.ClientPK}
		st, seen := working[key]
		if !seen {
			st = m.status(key)
		}
		if st.Seq+1 != c.Seq {
			return nil, nil, fmt.Errorf("%w: claim %d for %s starts at %d, account at %d", wire.ErrSequenceConflict, i, c.ClientPK, c.Seq, st.Seq)
		}
		if st.RemainingTokens < c.TokensConsumed {
			return nil, nil, fmt.Errorf("%w: claim %d for %s consumes %d, account holds %d", wire.ErrInsufficientTokens, i, c.ClientPK, c.TokensConsumed, st.RemainingTokens)
		}
		st.RemainingTokens -= c.TokensConsumed
		st.Seq += c.Rounds
		working[key] = st
		total.Add(total, uint256.NewInt(c.TokensConsumed))
	}
	return working, total, nil
}

func (s *memorySession) ImageID(context.Context) (common.Hash, error) {
	return s.m.imageID, nil
}

func (s *memorySession) BlockNumber(context.Context) (uint64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.block, nil
}

func (s *memorySession) Deposits(_ context.Context, provider common.Address, from, to uint64) ([]Deposit, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deposit
	for _, d := range m.deposits {
		if d.Provider == provider && d.Block >= from && d.Block <= to {
			out = append(out, d)
		}
	}
	return out, nil
}

var _ Ledger = (*memorySession)(nil)

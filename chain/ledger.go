// Package chain talks to the settlement contract that holds client balances
// and pays providers for proven usage.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/core/wire"
)

var (
	// ErrUnknownProvider is returned for addresses that never registered.
	ErrUnknownProvider = errors.New("chain: unknown provider")
	// ErrInsufficientPayment is returned when a top-up carries less value than
	// ktokens * costPerKTokens.
	ErrInsufficientPayment = errors.New("chain: insufficient payment")
	// ErrReverted is returned for reverts without a recognised reason.
	ErrReverted = errors.New("chain: transaction reverted")
)

// TokensPerKToken converts purchased ktokens into tokens.
const TokensPerKToken = 1000

// Provider is a registered provider record.
type Provider struct {
	Address        common.Address `json:"address"`
	CostPerKTokens *big.Int       `json:"cost_per_ktokens"`
	Endpoint       string         `json:"endpoint"`
	Model          string         `json:"model"`
}

// AccountStatus is the contract's view of one client account.
type AccountStatus struct {
	RemainingTokens uint64 `json:"remaining_tokens"`
	Seq             uint32 `json:"seq"`
}

// Deposit is a TokensFetched event.
type Deposit struct {
	ID       string
	Provider common.Address
	Client   wire.PublicKey
	KTokens  uint32
	Tokens   uint64
	Block    uint64
	TxHash   common.Hash
}

// Receipt describes a mined transaction.
type Receipt struct {
	TxHash common.Hash
	Block  uint64
	// Payout is the wei paid to the provider by a claim; nil otherwise.
	Payout *big.Int
}

// Ledger is the contract surface. Transactions are sent from the wallet the
// implementation was constructed with.
type Ledger interface {
	ProviderRegister(ctx context.Context, costPerKTokens *big.Int, endpoint, model string) (Receipt, error)
	GetProvider(ctx context.Context, provider common.Address) (Provider, error)
	GetAllProviders(ctx context.Context) ([]Provider, error)
	// FetchTokens buys ktokens*1000 tokens for client with provider; value
	// must cover ktokens * costPerKTokens.
	FetchTokens(ctx context.Context, provider common.Address, ktokens uint32, client wire.PublicKey, value *big.Int) (Receipt, error)
	ViewStatus(ctx context.Context, provider common.Address, client wire.PublicKey) (AccountStatus, error)
	ViewStatusAt(ctx context.Context, provider common.Address, client wire.PublicKey, block uint64) (AccountStatus, error)
	// Claim settles a batch for the sending provider. Every claim applies or
	// the call reverts.
	Claim(ctx context.Context, claims []wire.Claim, seal []byte) (Receipt, error)
	ImageID(ctx context.Context) (common.Hash, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Deposits(ctx context.Context, provider common.Address, from, to uint64) ([]Deposit, error)
}

// Verifier checks a proof that digest was produced by the program imageID.
type Verifier interface {
	Verify(ctx context.Context, seal []byte, imageID common.Hash, digest [32]byte) error
}

// Cost returns the wei due for ktokens at costPerKTokens.
func Cost(costPerKTokens *big.Int, ktokens uint32) *big.Int {
	if costPerKTokens == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(costPerKTokens, new(big.Int).SetUint64(uint64(ktokens)))
}

// Payout returns the wei paid for tokens. Tokens beyond the last full
// thousand are not paid for.
func Payout(costPerKTokens *big.Int, tokens uint64) *big.Int {
	if costPerKTokens == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(tokens/TokensPerKToken), costPerKTokens)
}

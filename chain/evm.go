package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"deopenchat/core/wire"
	"deopenchat/crypto"
)

// Backend is the subset of the Ethereum RPC the contract binding needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// DialEVM initialises an RPC client for the provided endpoint.
func DialEVM(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMOption customises an EVM binding.
type EVMOption func(*EVM)

// WithSigner sets the wallet transactions are sent from.
func WithSigner(key *crypto.PrivateKey) EVMOption {
	return func(e *EVM) { e.key = key }
}

// WithReceiptPollInterval sets how often receipts are polled.
func WithReceiptPollInterval(d time.Duration) EVMOption {
	return func(e *EVM) { e.pollInterval = d }
}

// WithGasLimit fixes the gas limit instead of estimating it.
func WithGasLimit(limit uint64) EVMOption {
	return func(e *EVM) { e.gasLimit = limit }
}

// WithEVMLogger overrides the default logger.
func WithEVMLogger(logger *slog.Logger) EVMOption {
	return func(e *EVM) { e.logger = logger }
}

// EVM implements Ledger against a deployed contract.
type EVM struct {
	backend      Backend
	contract     common.Address
	chainID      *big.Int
	key          *crypto.PrivateKey
	pollInterval time.Duration
	gasLimit     uint64
	logger       *slog.Logger
}

// NewEVM binds the contract at address.
func NewEVM(backend Backend, contract common.Address, chainID *big.Int, opts ...EVMOption) *EVM {
	e := &EVM{
		backend:      backend,
		contract:     contract,
		chainID:      chainID,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func (e *EVM) from() common.Address {
	if e.key == nil {
		return common.Address{}
	}
	return e.key.Address()
}

func (e *EVM) call(ctx context.Context, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{From: e.from(), To: &e.contract, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, decodeRevert(err))
	}
	values, err := parsedABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", wire.ErrFormat, method, err)
	}
	return values, nil
}

func (e *EVM) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (*gethtypes.Receipt, error) {
	if e.key == nil {
		return nil, fmt.Errorf("chain: %s needs a signing wallet", method)
	}
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := e.key.Address()
	msg := ethereum.CallMsg{From: from, To: &e.contract, Value: value, Data: data}

	gas := e.gasLimit
	if gas == 0 {
		if gas, err = e.backend.EstimateGas(ctx, msg); err != nil {
			return nil, fmt.Errorf("chain: %s: %w", method, decodeRevert(err))
		}
	}
	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &e.contract,
		Value:    value,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("chain: sign %s: %w", method, err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send %s: %w", method, decodeRevert(err))
	}
	e.logger.Info("transaction sent", "method", method, "tx", signed.Hash().Hex(), "nonce", nonce)

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, e.revertReason(ctx, msg, receipt)
	}
	return receipt, nil
}

func (e *EVM) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Warn("fetch receipt", "tx", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: transaction %s not mined: %v", wire.ErrTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// revertReason replays a failed transaction against the parent block to
// recover its revert data.
func (e *EVM) revertReason(ctx context.Context, msg ethereum.CallMsg, receipt *gethtypes.Receipt) error {
	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	if _, err := e.backend.CallContract(ctx, msg, block); err != nil {
		if decoded, ok := revertError(err); ok {
			return fmt.Errorf("chain: transaction %s: %w", receipt.TxHash.Hex(), decoded)
		}
	}
	return fmt.Errorf("%w: transaction %s", ErrReverted, receipt.TxHash.Hex())
}

func receiptOf(r *gethtypes.Receipt) Receipt {
	out := Receipt{TxHash: r.TxHash}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	return out
}

func (e *EVM) ProviderRegister(ctx context.Context, costPerKTokens *big.Int, endpoint, model string) (Receipt, error) {
	r, err := e.transact(ctx, nil, "providerRegister", costPerKTokens, endpoint, model)
	if err != nil {
		return Receipt{}, err
	}
	return receiptOf(r), nil
}

func (e *EVM) GetProvider(ctx context.Context, provider common.Address) (Provider, error) {
	out, err := e.call(ctx, nil, "getProvider", provider)
	if err != nil {
		return Provider{}, err
	}
	t := *abi.ConvertType(out[0], new(providerTuple)).(*providerTuple)
	if t.ProviderAddress == (common.Address{}) {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider.Hex())
	}
	return t.record(), nil
}

func (e *EVM) GetAllProviders(ctx context.Context) ([]Provider, error) {
	out, err := e.call(ctx, nil, "getAllProviders")
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(out[0], new([]providerTuple)).(*[]providerTuple)
	providers := make([]Provider, 0, len(tuples))
	for _, t := range tuples {
		providers = append(providers, t.record())
	}
	return providers, nil
}

func (e *EVM) FetchTokens(ctx context.Context, provider common.Address, ktokens uint32, client wire.PublicKey, value *big.Int) (Receipt, error) {
	r, err := e.transact(ctx, value, "fetchTokens", provider, ktokens, [32]byte(client))
	if err != nil {
		return Receipt{}, err
	}
	return receiptOf(r), nil
}

func (e *EVM) ViewStatus(ctx context.Context, provider common.Address, client wire.PublicKey) (AccountStatus, error) {
	return e.viewStatus(ctx, nil, provider, client)
}

func (e *EVM) ViewStatusAt(ctx context.Context, provider common.Address, client wire.PublicKey, block uint64) (AccountStatus, error) {
	return e.viewStatus(ctx, new(big.Int).SetUint64(block), provider, client)
}

func (e *EVM) viewStatus(ctx context.Context, block *big.Int, provider common.Address, client wire.PublicKey) (AccountStatus, error) {
	out, err := e.call(ctx, block, "viewStatus", provider, [32]byte(client))
	if err != nil {
		return AccountStatus{}, err
	}
	t := *abi.ConvertType(out[0], new(statusTuple)).(*statusTuple)
	return AccountStatus{RemainingTokens: t.RemainingTokens, Seq: t.Seq}, nil
}

func (e *EVM) Claim(ctx context.Context, claims []wire.Claim, seal []byte) (Receipt, error) {
	tuples := make([]claimTuple, len(claims))
	for i, c := range claims {
		tuples[i] = claimTuple{ClientPk: c.ClientPK, Seq: c.Seq, Rounds: c.Rounds, NumberTokensConsumed: c.TokensConsumed}
	}
	r, err := e.transact(ctx, nil, "claim", tuples, seal)
	if err != nil {
		return Receipt{}, err
	}
	out := receiptOf(r)
	claimed := parsedABI.Events["Claimed"]
	for _, log := range r.Logs {
		if log == nil || log.Address != e.contract || len(log.Topics) == 0 || log.Topics[0] != claimed.ID {
			continue
		}
		values, err := parsedABI.Unpack("Claimed", log.Data)
		if err != nil || len(values) != 2 {
			e.logger.Warn("undecodable Claimed event", "tx", r.TxHash.Hex(), "error", err)
			continue
		}
		if payout, ok := values[1].(*big.Int); ok {
			out.Payout = payout
		}
	}
	return out, nil
}

func (e *EVM) ImageID(ctx context.Context) (common.Hash, error) {
	out, err := e.call(ctx, nil, "getImageId")
	if err != nil {
		return common.Hash{}, err
	}
	id, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: getImageId returned %T", wire.ErrFormat, out[0])
	}
	return common.Hash(id), nil
}

func (e *EVM) BlockNumber(ctx context.Context) (uint64, error) {
	return e.backend.BlockNumber(ctx)
}

func (e *EVM) Deposits(ctx context.Context, provider common.Address, from, to uint64) ([]Deposit, error) {
	event := parsedABI.Events["TokensFetched"]
	logs, err := e.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{e.contract},
		Topics:    [][]common.Hash{{event.ID}, {common.BytesToHash(provider.Bytes())}},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter deposits: %w", err)
	}
	deposits := make([]Deposit, 0, len(logs))
	for _, log := range logs {
		if log.Removed || len(log.Topics) < 3 {
			continue
		}
		values, err := parsedABI.Unpack("TokensFetched", log.Data)
		if err != nil || len(values) != 2 {
			return nil, fmt.Errorf("%w: TokensFetched in %s: %v", wire.ErrFormat, log.TxHash.Hex(), err)
		}
		ktokens, _ := values[0].(uint32)
		tokens, _ := values[1].(uint64)
		deposits = append(deposits, Deposit{
			ID:       fmt.Sprintf("%s:%d", log.TxHash.Hex(), log.Index),
			Provider: common.BytesToAddress(log.Topics[1].Bytes()),
			Client:   wire.PublicKey(log.Topics[2]),
			KTokens:  ktokens,
			Tokens:   tokens,
			Block:    log.BlockNumber,
			TxHash:   log.TxHash,
		})
	}
	return deposits, nil
}

var _ Ledger = (*EVM)(nil)

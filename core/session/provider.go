package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/core/ledger"
	"deopenchat/core/wire"
	"deopenchat/crypto"
)

// Usage is the token count the provider charges for a round.
type Usage struct {
	InputTokens  uint32
	OutputTokens uint32
}

// Total is input plus output tokens.
func (u Usage) Total() uint64 {
	return uint64(u.InputTokens) + uint64(u.OutputTokens)
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithWallet signs responses with the provider wallet.
func WithWallet(key *crypto.PrivateKey) ProviderOption {
	return func(p *Provider) { p.wallet = key }
}

// WithRoundTimeout bounds how long a round may wait for its response and for
// its confirmation.
func WithRoundTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.timeout = d }
}

// WithBlockOnBusy makes BeginRound wait for an outstanding round of the same
// client instead of failing with wire.ErrSequenceExhausted.
func WithBlockOnBusy(block bool) ProviderOption {
	return func(p *Provider) { p.blocking = block }
}

// WithCommitHook registers fn to run after each round is committed.
func WithCommitHook(fn func(key ledger.AccountKey, round ledger.Round)) ProviderOption {
	return func(p *Provider) { p.onCommit = fn }
}

// WithProviderLogger overrides the default logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// Provider drives the provider side of rounds for every client of one
// provider address.
type Provider struct {
	ledger   *ledger.Ledger
	address  common.Address
	wallet   *crypto.PrivateKey
	timeout  time.Duration
	blocking bool
	logger   *slog.Logger
	onCommit func(ledger.AccountKey, ledger.Round)

	mu     sync.Mutex
	slots  map[wire.PublicKey]chan struct{}
	active map[wire.PublicKey]*Round
}

// NewProvider constructs a provider session driver over l.
func NewProvider(l *ledger.Ledger, address common.Address, opts ...ProviderOption) *Provider {
	p := &Provider{
		ledger:  l,
		address: address,
		timeout: 30 * time.Second,
		slots:   make(map[wire.PublicKey]chan struct{}),
		active:  make(map[wire.PublicKey]*Round),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Address is the provider address the driver charges rounds to.
func (p *Provider) Address() common.Address {
	return p.address
}

func (p *Provider) key(pk wire.PublicKey) ledger.AccountKey {
	return ledger.AccountKey{Provider: p.address, Client: pk}
}

func (p *Provider) slot(pk wire.PublicKey) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.slots[pk]
	if !ok {
		ch = make(chan struct{}, 1)
		p.slots[pk] = ch
	}
	return ch
}

func (p *Provider) acquire(ctx context.Context, pk wire.PublicKey) error {
	ch := p.slot(pk)
	if !p.blocking {
		select {
		case ch <- struct{}{}:
			return nil
		default:
			return fmt.Errorf("%w: client %s has a round outstanding", wire.ErrSequenceExhausted, pk)
		}
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for outstanding round of %s: %v", wire.ErrTimeout, pk, ctx.Err())
	}
}

func (p *Provider) release(r *Round) {
	pk := r.request.ClientPK
	p.mu.Lock()
	if p.active[pk] == r {
		delete(p.active, pk)
	}
	ch := p.slots[pk]
	p.mu.Unlock()
	<-ch
}

// BeginRound validates a signed request and opens a round for it. The
// account is checked against the ledger but nothing is debited.
func (p *Provider) BeginRound(ctx context.Context, req wire.SignedRequest) (*Round, error) {
	if err := crypto.VerifyClient(req.ClientPK, req.Envelope.Payload, req.Envelope.Signature); err != nil {
		return nil, fmt.Errorf("request %d: %w", req.Seq, err)
	}
	if err := p.acquire(ctx, req.ClientPK); err != nil {
		return nil, err
	}
	if err := p.ledger.CheckAndReserve(p.key(req.ClientPK), req.Seq, req.MaxTokens); err != nil {
		ch := p.slot(req.ClientPK)
		<-ch
		return nil, err
	}

	round := newRound(p.release)
	round.mu.Lock()
	defer round.mu.Unlock()
	round.request = req
	if err := round.transition(AwaitingResponse); err != nil {
		return nil, err
	}
	round.arm(p.timeout)

	p.mu.Lock()
	p.active[req.ClientPK] = round
	p.mu.Unlock()
	p.logger.Debug("round opened", "client", req.ClientPK.String(), "seq", req.Seq, "max_tokens", req.MaxTokens)
	return round, nil
}

// Respond records the backend result and returns the response envelope the
// client must confirm.
func (p *Provider) Respond(round *Round, result []byte, usage Usage) (wire.Envelope, error) {
	round.mu.Lock()
	defer round.mu.Unlock()
	if round.state == Failed {
		return wire.Envelope{}, round.cause
	}
	if round.state != AwaitingResponse {
		return wire.Envelope{}, fmt.Errorf("%w: respond in state %s", ErrInvalidTransition, round.state)
	}
	req := round.request
	if usage.Total() > uint64(req.MaxTokens) {
		return wire.Envelope{}, round.fail(fmt.Errorf("%w: round %d used %d tokens, client allowed %d",
			wire.ErrInsufficientTokens, req.Seq, usage.Total(), req.MaxTokens))
	}
	resp := wire.Response{
		ClientPK:     req.ClientPK,
		Seq:          req.Seq,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Result:       result,
	}
	payload := resp.Encode()
	var sig []byte
	if p.wallet != nil {
		var err error
		if sig, err = p.wallet.SignPayload(payload); err != nil {
			return wire.Envelope{}, round.fail(fmt.Errorf("sign response %d: %w", req.Seq, err))
		}
	}
	if err := round.transition(AwaitingConfirmation); err != nil {
		return wire.Envelope{}, err
	}
	round.response = payload
	round.respSig = sig
	round.arm(p.timeout)
	return wire.Envelope{Payload: payload, Signature: sig}, nil
}

// Abort fails the round, typically after a backend error.
func (p *Provider) Abort(round *Round, cause error) {
	round.mu.Lock()
	defer round.mu.Unlock()
	round.fail(cause)
}

// OnConfirmation completes the outstanding round of pk. The confirmation must
// carry the round's seq and the client's signature over the exact response
// bytes; the round is then committed to the ledger. A confirmation whose
// signature does not verify is rejected and the round keeps waiting.
func (p *Provider) OnConfirmation(ctx context.Context, pk wire.PublicKey, conf wire.Confirmation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	round := p.active[pk]
	p.mu.Unlock()
	if round == nil {
		return fmt.Errorf("%w: no outstanding round for %s", wire.ErrSequenceConflict, pk)
	}

	round.mu.Lock()
	defer round.mu.Unlock()
	if round.state != AwaitingConfirmation {
		return fmt.Errorf("%w: confirmation in state %s", ErrInvalidTransition, round.state)
	}
	// An unauthenticated confirmation leaves the round waiting for the real one.
	if err := crypto.VerifyClient(pk, round.response, conf.Signature[:]); err != nil {
		return fmt.Errorf("confirmation %d: %w", conf.Seq, err)
	}
	if conf.Seq != round.request.Seq {
		return round.fail(fmt.Errorf("%w: confirmation for seq %d, round is %d", wire.ErrSequenceConflict, conf.Seq, round.request.Seq))
	}
	resp, err := wire.DecodeResponse(round.response)
	if err != nil {
		return round.fail(err)
	}
	committed := ledger.Round{
		Seq:            conf.Seq,
		TokensConsumed: resp.TokensConsumed(),
		Request:        round.request.Envelope,
		Response:       append([]byte(nil), round.response...),
		Confirmation:   conf.Encode(),
	}
	if err := p.ledger.Commit(p.key(pk), committed); err != nil {
		return round.fail(err)
	}
	if err := round.transition(Completed); err != nil {
		return err
	}
	p.logger.Debug("round completed", "client", pk.String(), "seq", conf.Seq, "tokens", committed.TokensConsumed)
	if p.onCommit != nil {
		p.onCommit(p.key(pk), committed)
	}
	return nil
}

// Status is the reconciliation view of pk's account.
func (p *Provider) Status(pk wire.PublicKey) (ledger.Status, bool) {
	return p.ledger.Status(p.key(pk))
}

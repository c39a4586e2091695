package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/core/wire"
	"deopenchat/crypto"
)

// Transport carries messages between a client and its provider.
type Transport interface {
	Request(ctx context.Context, pk wire.PublicKey, req wire.Envelope) (wire.Envelope, error)
	Confirm(ctx context.Context, pk wire.PublicKey, conf wire.Confirmation) error
	// Seq returns the provider's view of the account: the last accepted seq
	// and the tokens still available.
	Seq(ctx context.Context, pk wire.PublicKey) (uint32, uint64, error)
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithProviderAddress requires responses to carry a wallet signature that
// recovers to addr.
func WithProviderAddress(addr common.Address) ClientOption {
	return func(c *Client) { c.provider = addr }
}

// WithClientTimeout bounds each round driven by Do.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithFailFast makes BeginRound fail with wire.ErrSequenceExhausted instead of
// waiting while a round is outstanding.
func WithFailFast(failFast bool) ClientOption {
	return func(c *Client) { c.failFast = failFast }
}

// WithClientLogger overrides the default logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Result is the outcome of a completed round.
type Result struct {
	Seq      uint32
	Response wire.Response
}

// Client drives rounds for one client key against one provider.
type Client struct {
	key       *crypto.ClientKey
	transport Transport
	provider  common.Address
	timeout   time.Duration
	failFast  bool
	logger    *slog.Logger
	slot      chan struct{}

	mu        sync.Mutex
	seq       uint32
	remaining uint64
}

// NewClient constructs a client with an empty account; call Sync or
// SetAccount before the first round.
func NewClient(key *crypto.ClientKey, transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		key:       key,
		transport: transport,
		timeout:   30 * time.Second,
		slot:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// PublicKey is the client identity.
func (c *Client) PublicKey() wire.PublicKey {
	return c.key.PublicKey()
}

// Account returns the locally tracked seq and remaining tokens.
func (c *Client) Account() (uint32, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, c.remaining
}

// SetAccount overwrites the local account view.
func (c *Client) SetAccount(seq uint32, remaining uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq, c.remaining = seq, remaining
}

// Sync reloads the account view from the provider.
func (c *Client) Sync(ctx context.Context) error {
	seq, remaining, err := c.transport.Seq(ctx, c.PublicKey())
	if err != nil {
		return fmt.Errorf("session: sync account: %w", err)
	}
	c.SetAccount(seq, remaining)
	c.logger.Info("account synchronised", "client", c.PublicKey().String(), "seq", seq, "remaining_tokens", remaining)
	return nil
}

func (c *Client) releaseSlot(*Round) {
	<-c.slot
}

// BeginRound signs a request for the next seq. It fails with
// wire.ErrInsufficientTokens before any I/O when the account cannot cover
// maxTokens.
func (c *Client) BeginRound(ctx context.Context, content []byte, maxTokens uint32) (*Round, error) {
	if _, remaining := c.Account(); remaining < uint64(maxTokens) {
		return nil, fmt.Errorf("%w: %d tokens remaining, round needs up to %d", wire.ErrInsufficientTokens, remaining, maxTokens)
	}
	if c.failFast {
		select {
		case c.slot <- struct{}{}:
		default:
			return nil, fmt.Errorf("%w: a round is outstanding", wire.ErrSequenceExhausted)
		}
	} else {
		select {
		case c.slot <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for outstanding round: %v", wire.ErrTimeout, ctx.Err())
		}
	}

	seq, _ := c.Account()
	round := newRound(c.releaseSlot)
	round.mu.Lock()
	defer round.mu.Unlock()
	req := wire.Request{ClientPK: c.PublicKey(), Seq: seq + 1, MaxTokens: maxTokens, Content: content}
	round.request.Request = req
	if err := round.transition(RequestBuilt); err != nil {
		return nil, err
	}
	payload := req.Encode()
	sig := c.key.Sign(payload)
	round.request.Envelope = wire.Envelope{Payload: payload, Signature: sig[:]}
	if err := round.transition(AwaitingResponse); err != nil {
		return nil, err
	}
	return round, nil
}

// OnResponse validates the provider's answer and returns the confirmation
// signed over the exact response bytes.
func (c *Client) OnResponse(round *Round, resp wire.SignedResponse) (wire.Confirmation, error) {
	round.mu.Lock()
	defer round.mu.Unlock()
	if round.state != AwaitingResponse {
		return wire.Confirmation{}, fmt.Errorf("%w: response in state %s", ErrInvalidTransition, round.state)
	}
	req := round.request
	if resp.ClientPK != req.ClientPK {
		return wire.Confirmation{}, round.fail(fmt.Errorf("%w: response addressed to %s", wire.ErrSequenceConflict, resp.ClientPK))
	}
	if resp.Seq != req.Seq {
		return wire.Confirmation{}, round.fail(fmt.Errorf("%w: response for seq %d, round is %d", wire.ErrSequenceConflict, resp.Seq, req.Seq))
	}
	if resp.TokensConsumed() > uint64(req.MaxTokens) {
		return wire.Confirmation{}, round.fail(fmt.Errorf("%w: response charges %d tokens, round allowed %d",
			wire.ErrInsufficientTokens, resp.TokensConsumed(), req.MaxTokens))
	}
	if c.provider != (common.Address{}) {
		signer, err := crypto.RecoverSigner(resp.Envelope.Payload, resp.Envelope.Signature)
		if err != nil {
			return wire.Confirmation{}, round.fail(err)
		}
		if signer != c.provider {
			return wire.Confirmation{}, round.fail(fmt.Errorf("%w: response signed by %s, provider is %s",
				wire.ErrInvalidSignature, signer.Hex(), c.provider.Hex()))
		}
	}
	if err := round.transition(AwaitingConfirmation); err != nil {
		return wire.Confirmation{}, err
	}
	round.response = append([]byte(nil), resp.Envelope.Payload...)
	round.respSig = append([]byte(nil), resp.Envelope.Signature...)
	return wire.Confirmation{Seq: req.Seq, Signature: c.key.Sign(round.response)}, nil
}

// Complete marks the round confirmed and advances the local account.
func (c *Client) Complete(round *Round) error {
	round.mu.Lock()
	defer round.mu.Unlock()
	resp, err := wire.DecodeResponse(round.response)
	if err != nil {
		return round.fail(err)
	}
	if err := round.transition(Completed); err != nil {
		return err
	}
	c.mu.Lock()
	c.seq = resp.Seq
	if resp.TokensConsumed() > c.remaining {
		c.remaining = 0
	} else {
		c.remaining -= resp.TokensConsumed()
	}
	c.mu.Unlock()
	return nil
}

// Fail abandons the round. The local account is left untouched so the next
// round reuses the same seq.
func (c *Client) Fail(round *Round, cause error) {
	round.mu.Lock()
	defer round.mu.Unlock()
	round.fail(cause)
}

// Do runs a full round over the transport within the configured deadline.
func (c *Client) Do(ctx context.Context, content []byte, maxTokens uint32) (Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	round, err := c.BeginRound(ctx, content, maxTokens)
	if err != nil {
		return Result{}, err
	}
	res, err := c.exchange(ctx, round)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, wire.ErrTimeout) {
			err = fmt.Errorf("%w: round %d: %v", wire.ErrTimeout, round.Seq(), err)
		}
		c.Fail(round, err)
		if errors.Is(err, wire.ErrSequenceConflict) {
			if syncErr := c.Sync(context.WithoutCancel(ctx)); syncErr != nil {
				c.logger.Warn("resynchronise after sequence conflict", "error", syncErr)
			}
		}
		return Result{}, err
	}
	return res, nil
}

func (c *Client) exchange(ctx context.Context, round *Round) (Result, error) {
	req := round.Request()
	env, err := c.transport.Request(ctx, req.ClientPK, req.Envelope)
	if err != nil {
		return Result{}, fmt.Errorf("request %d: %w", req.Seq, err)
	}
	resp, err := wire.OpenResponse(env)
	if err != nil {
		return Result{}, err
	}
	conf, err := c.OnResponse(round, resp)
	if err != nil {
		return Result{}, err
	}
	if err := c.transport.Confirm(ctx, req.ClientPK, conf); err != nil {
		return Result{}, fmt.Errorf("confirm %d: %w", req.Seq, err)
	}
	if err := c.Complete(round); err != nil {
		return Result{}, err
	}
	return Result{Seq: req.Seq, Response: resp.Response}, nil
}

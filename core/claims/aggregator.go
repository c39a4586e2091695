package claims

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"deopenchat/core/ledger"
	"deopenchat/core/wire"
)

var (
	// ErrNothingToSettle is returned by Build when no account has a claimable
	// prefix of rounds.
	ErrNothingToSettle = errors.New("claims: nothing to settle")
	// ErrJournalMismatch is returned when the prover attests to a journal that
	// differs from the one built locally.
	ErrJournalMismatch = errors.New("claims: prover journal mismatch")

	errUnsynced     = errors.New("claims: account not reconciled")
	errUnaffordable = errors.New("claims: balance covers no pending round")
)

// ClientRounds pairs a claim with the rounds it aggregates.
type ClientRounds struct {
	Claim  wire.Claim
	Rounds []ledger.Round
}

// ProofRequest is what a prover needs to attest to a journal.
type ProofRequest struct {
	ImageID common.Hash
	Batches []ClientRounds
	Journal []byte
	Digest  [32]byte
}

// Receipt is a prover's answer.
type Receipt struct {
	Seal    []byte
	Journal []byte
}

// Prover produces a proof that a journal follows from signed rounds.
type Prover interface {
	Prove(ctx context.Context, req ProofRequest) (Receipt, error)
}

// Batch is a proven set of claims ready for settlement.
type Batch struct {
	ID       uuid.UUID
	Provider common.Address
	Keys     []ledger.AccountKey
	Claims   []wire.Claim
	Journal  []byte
	Digest   [32]byte
	Seal     []byte
}

// TokensConsumed sums the batch's claims.
func (b *Batch) TokensConsumed() uint64 {
	var total uint64
	for _, c := range b.Claims {
		total += c.TokensConsumed
	}
	return total
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithImageID sets the program identifier proofs are requested for.
func WithImageID(id common.Hash) Option {
	return func(a *Aggregator) { a.imageID = id }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// Aggregator turns the pending rounds of one provider into proven batches.
type Aggregator struct {
	ledger   *ledger.Ledger
	provider common.Address
	prover   Prover
	imageID  common.Hash
	logger   *slog.Logger
}

// NewAggregator constructs an aggregator for provider.
func NewAggregator(l *ledger.Ledger, provider common.Address, prover Prover, opts ...Option) *Aggregator {
	a := &Aggregator{ledger: l, provider: provider, prover: prover}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Collect drains one claim per account. Each account's rounds are folded
// under its lock; a gap limits the claim to the contiguous prefix and the
// claim is trimmed to what the settled balance covers. Accounts with nothing
// claimable are skipped. Every returned account stays fenced until the
// caller settles or releases it.
func (a *Aggregator) Collect(ctx context.Context) ([]ClientRounds, error) {
	var out []ClientRounds
	for _, key := range a.ledger.Keys(a.provider) {
		if err := ctx.Err(); err != nil {
			a.release(out)
			return nil, err
		}
		var batch ClientRounds
		_, err := a.ledger.Drain(key, func(rounds []ledger.Round, st ledger.Status) (wire.Claim, error) {
			if !st.Synced {
				return wire.Claim{}, errUnsynced
			}
			claim, rounds, err := a.fold(key, st, rounds)
			if err != nil {
				return wire.Claim{}, err
			}
			batch = ClientRounds{Claim: claim, Rounds: rounds}
			return claim, nil
		})
		switch {
		case err == nil:
			out = append(out, batch)
		case errors.Is(err, ledger.ErrNothingPending), errors.Is(err, ledger.ErrSettling):
		default:
			a.logger.Warn("skip account", "account", key.String(), "error", err)
		}
	}
	return out, nil
}

func (a *Aggregator) fold(key ledger.AccountKey, st ledger.Status, rounds []ledger.Round) (wire.Claim, []ledger.Round, error) {
	claim, err := Fold(key.Client, st.Seq+1, rounds)
	var gap *ContiguityError
	if errors.As(err, &gap) && gap.Prefix > 0 {
		a.logger.Warn("claiming contiguous prefix", "account", key.String(), "rounds", gap.Prefix, "expected", gap.Expected, "found", gap.Got)
		rounds = rounds[:gap.Prefix]
		claim, err = Fold(key.Client, st.Seq+1, rounds)
	}
	if err != nil {
		return wire.Claim{}, nil, err
	}
	for claim.TokensConsumed > st.RemainingTokens && len(rounds) > 0 {
		last := rounds[len(rounds)-1]
		rounds = rounds[:len(rounds)-1]
		claim.Rounds--
		claim.TokensConsumed -= last.TokensConsumed
	}
	if len(rounds) == 0 {
		return wire.Claim{}, nil, errUnaffordable
	}
	return claim, rounds, nil
}

func (a *Aggregator) release(batches []ClientRounds) {
	keys := make([]ledger.AccountKey, 0, len(batches))
	for _, b := range batches {
		keys = append(keys, ledger.AccountKey{Provider: a.provider, Client: b.Claim.ClientPK})
	}
	a.ledger.Release(keys...)
}

// Build collects claims, assembles the journal in client-key order and has it
// proven. On any failure every fenced account is released.
func (a *Aggregator) Build(ctx context.Context) (*Batch, error) {
	batches, err := a.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, ErrNothingToSettle
	}
	batch := &Batch{ID: uuid.New(), Provider: a.provider}
	for _, b := range batches {
		batch.Claims = append(batch.Claims, b.Claim)
		batch.Keys = append(batch.Keys, ledger.AccountKey{Provider: a.provider, Client: b.Claim.ClientPK})
	}
	batch.Journal = wire.EncodeJournal(batch.Claims)
	batch.Digest = wire.JournalDigest(batch.Journal)

	receipt, err := a.prover.Prove(ctx, ProofRequest{
		ImageID: a.imageID,
		Batches: batches,
		Journal: batch.Journal,
		Digest:  batch.Digest,
	})
	if err != nil {
		a.release(batches)
		return nil, fmt.Errorf("claims: prove batch %s: %w", batch.ID, err)
	}
	if !bytes.Equal(receipt.Journal, batch.Journal) {
		a.release(batches)
		return nil, fmt.Errorf("%w: batch %s", ErrJournalMismatch, batch.ID)
	}
	batch.Seal = receipt.Seal
	a.logger.Info("batch proven", "batch", batch.ID.String(), "claims", len(batch.Claims), "tokens", batch.TokensConsumed())
	return batch, nil
}

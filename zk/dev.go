// Package zk holds the proving and verification capabilities settlement
// depends on.
package zk

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/chain"
	"deopenchat/core/claims"
	"deopenchat/core/wire"
	"deopenchat/crypto"
)

// ErrEvidence is returned when the rounds handed to a prover do not support
// the claim they are filed under.
var ErrEvidence = errors.New("zk: rounds do not support claim")

// Execute replays the checks the proving program performs over one client's
// rounds and returns the claim they support.
func Execute(batch claims.ClientRounds) (wire.Claim, error) {
	pk := batch.Claim.ClientPK
	out := wire.Claim{ClientPK: pk, Seq: batch.Claim.Seq}
	next := batch.Claim.Seq
	for _, round := range batch.Rounds {
		req, err := wire.OpenRequest(round.Request)
		if err != nil {
			return wire.Claim{}, fmt.Errorf("round %d request: %w", round.Seq, err)
		}
		if req.ClientPK != pk || req.Seq != next || round.Seq != next {
			return wire.Claim{}, fmt.Errorf("%w: round %d out of order for %s", wire.ErrNonContiguousRounds, round.Seq, pk)
		}
		if err := crypto.VerifyClient(pk, req.Envelope.Payload, req.Envelope.Signature); err != nil {
			return wire.Claim{}, fmt.Errorf("round %d request: %w", round.Seq, err)
		}
		resp, err := wire.DecodeResponse(round.Response)
		if err != nil {
			return wire.Claim{}, fmt.Errorf("round %d response: %w", round.Seq, err)
		}
		if resp.ClientPK != pk || resp.Seq != next {
			return wire.Claim{}, fmt.Errorf("%w: round %d response does not answer its request", ErrEvidence, round.Seq)
		}
		if resp.TokensConsumed() != round.TokensConsumed || resp.TokensConsumed() > uint64(req.MaxTokens) {
			return wire.Claim{}, fmt.Errorf("%w: round %d charges %d tokens", ErrEvidence, round.Seq, round.TokensConsumed)
		}
		conf, err := wire.DecodeConfirmation(round.Confirmation)
		if err != nil {
			return wire.Claim{}, fmt.Errorf("round %d confirmation: %w", round.Seq, err)
		}
		if conf.Seq != next {
			return wire.Claim{}, fmt.Errorf("%w: round %d confirmation for seq %d", ErrEvidence, round.Seq, conf.Seq)
		}
		if err := crypto.VerifyClient(pk, round.Response, conf.Signature[:]); err != nil {
			return wire.Claim{}, fmt.Errorf("round %d confirmation: %w", round.Seq, err)
		}
		out.Rounds++
		out.TokensConsumed += round.TokensConsumed
		next++
	}
	if out != batch.Claim {
		return wire.Claim{}, fmt.Errorf("%w: rounds support %+v", ErrEvidence, out)
	}
	return out, nil
}

func sealMessage(imageID common.Hash, digest [32]byte) []byte {
	msg := make([]byte, 0, len(imageID)+len(digest))
	msg = append(msg, imageID[:]...)
	return append(msg, digest[:]...)
}

// DevProver executes the program checks in process and seals the resulting
// journal with a development key. Its seals are only accepted by a
// DevVerifier holding the matching public key.
type DevProver struct {
	key *crypto.ClientKey
}

// NewDevProver constructs a development prover sealing with key.
func NewDevProver(key *crypto.ClientKey) *DevProver {
	return &DevProver{key: key}
}

// Prove re-executes every batch and seals the journal they produce.
func (p *DevProver) Prove(ctx context.Context, req claims.ProofRequest) (claims.Receipt, error) {
	proven := make([]wire.Claim, 0, len(req.Batches))
	for _, batch := range req.Batches {
		if err := ctx.Err(); err != nil {
			return claims.Receipt{}, err
		}
		claim, err := Execute(batch)
		if err != nil {
			return claims.Receipt{}, err
		}
		proven = append(proven, claim)
	}
	journal := wire.EncodeJournal(proven)
	sig := p.key.Sign(sealMessage(req.ImageID, wire.JournalDigest(journal)))
	return claims.Receipt{Seal: sig[:], Journal: journal}, nil
}

// DevVerifier accepts seals produced by a DevProver.
type DevVerifier struct {
	key wire.PublicKey
}

// NewDevVerifier trusts seals made by the holder of key.
func NewDevVerifier(key wire.PublicKey) *DevVerifier {
	return &DevVerifier{key: key}
}

func (v *DevVerifier) Verify(_ context.Context, seal []byte, imageID common.Hash, digest [32]byte) error {
	if err := crypto.VerifyClient(v.key, sealMessage(imageID, digest), seal); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrProofRejected, err)
	}
	return nil
}

var (
	_ claims.Prover  = (*DevProver)(nil)
	_ claims.Prover  = (*RemoteProver)(nil)
	_ chain.Verifier = (*DevVerifier)(nil)
)

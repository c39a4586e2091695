package claims

import (
	"errors"
	"fmt"

	"deopenchat/core/ledger"
	"deopenchat/core/wire"
)

// ErrNoRounds is returned when there is nothing to fold.
var ErrNoRounds = errors.New("claims: no rounds to fold")

// ContiguityError reports a gap in a round sequence. Prefix is the number of
// leading rounds that are contiguous and may still be claimed on their own.
type ContiguityError struct {
	Client   wire.PublicKey
	Expected uint32
	Got      uint32
	Prefix   int
}

func (e *ContiguityError) Error() string {
	return fmt.Sprintf("%v: client %s expected seq %d, found %d after %d rounds",
		wire.ErrNonContiguousRounds, e.Client, e.Expected, e.Got, e.Prefix)
}

func (e *ContiguityError) Unwrap() error {
	return wire.ErrNonContiguousRounds
}

// Fold aggregates rounds into one claim. Rounds must carry strictly
// consecutive seqs starting at expectedSeq.
func Fold(client wire.PublicKey, expectedSeq uint32, rounds []ledger.Round) (wire.Claim, error) {
	if len(rounds) == 0 {
		return wire.Claim{}, ErrNoRounds
	}
	claim := wire.Claim{ClientPK: client, Seq: expectedSeq}
	next := expectedSeq
	for i, r := range rounds {
		if r.Seq != next {
			return wire.Claim{}, &ContiguityError{Client: client, Expected: next, Got: r.Seq, Prefix: i}
		}
		if claim.TokensConsumed+r.TokensConsumed < claim.TokensConsumed {
			return wire.Claim{}, fmt.Errorf("claims: token total overflows at seq %d", r.Seq)
		}
		claim.TokensConsumed += r.TokensConsumed
		claim.Rounds++
		next++
	}
	return claim, nil
}

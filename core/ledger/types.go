package ledger

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"deopenchat/core/wire"
)

// AccountKey identifies a client account held with one provider.
type AccountKey struct {
	Provider common.Address
	Client   wire.PublicKey
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s", k.Provider.Hex(), k.Client)
}

func (k AccountKey) less(other AccountKey) bool {
	if c := bytes.Compare(k.Provider[:], other.Provider[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(k.Client[:], other.Client[:]) < 0
}

// Round is a completed, confirmed round awaiting settlement. The envelope,
// response bytes and confirmation are the evidence a prover checks.
type Round struct {
	Seq            uint32        `json:"seq"`
	TokensConsumed uint64        `json:"tokens_consumed"`
	Request        wire.Envelope `json:"request"`
	Response       hexutil.Bytes `json:"response"`
	Confirmation   hexutil.Bytes `json:"confirmation"`
}

// Deposit is a top-up observed on the contract.
type Deposit struct {
	ID     string
	Tokens uint64
	// Block is the block that included the deposit; zero when unknown.
	Block uint64
}

// Status is a point-in-time view of one account.
type Status struct {
	Seq             uint32 `json:"seq"`
	RemainingTokens uint64 `json:"remaining_tokens"`
	PendingRounds   int    `json:"pending_rounds"`
	PendingTokens   uint64 `json:"pending_tokens"`
	Settling        bool   `json:"settling"`
	Synced          bool   `json:"synced"`
	SyncedBlock     uint64 `json:"synced_block"`
}

// LastSeq is the last accepted seq including rounds not yet settled.
func (s Status) LastSeq() uint32 {
	return s.Seq + uint32(s.PendingRounds)
}

// NextSeq is the seq the next round must carry.
func (s Status) NextSeq() uint32 {
	return s.LastSeq() + 1
}

// Available is the settled balance minus tokens already committed to
// unsettled rounds.
func (s Status) Available() uint64 {
	if s.PendingTokens >= s.RemainingTokens {
		return 0
	}
	return s.RemainingTokens - s.PendingTokens
}

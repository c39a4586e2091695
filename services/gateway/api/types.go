// Package api holds the JSON surface of the provider gateway and a client
// for it.
package api

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"deopenchat/core/wire"
)

// HeaderClientKey carries the client public key so requests can be limited
// per key before their bodies are read.
const HeaderClientKey = "X-Client-Key"

// MaxBodyBytes bounds request and response bodies.
const MaxBodyBytes = wire.MaxPayloadSize + 64<<10

// CompletionRequest opens a round.
type CompletionRequest struct {
	ClientPK wire.PublicKey `json:"client_pk"`
	Request  wire.Envelope  `json:"request"`
}

// CompletionResponse carries the provider's signed response.
type CompletionResponse struct {
	Response wire.Envelope `json:"response"`
}

// ConfirmRequest delivers the client's confirmation.
type ConfirmRequest struct {
	ClientPK     wire.PublicKey `json:"client_pk"`
	Confirmation hexutil.Bytes  `json:"confirmation"`
}

// SeqResponse is the provider's view of an account.
type SeqResponse struct {
	Seq             uint32 `json:"seq"`
	RemainingTokens uint64 `json:"remaining_tokens"`
}

// SettleResponse reports an on-demand settlement.
type SettleResponse struct {
	BatchID  string       `json:"batch_id,omitempty"`
	Result   string       `json:"result"`
	Accepted bool         `json:"accepted"`
	Claims   []wire.Claim `json:"claims,omitempty"`
	Tokens   uint64       `json:"tokens"`
	TxHash   string       `json:"tx_hash,omitempty"`
	Payout   string       `json:"payout,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// FundRequest credits a client on a development chain.
type FundRequest struct {
	ClientPK wire.PublicKey `json:"client_pk"`
	KTokens  uint32         `json:"ktokens"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

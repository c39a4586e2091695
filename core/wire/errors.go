package wire

import (
	"errors"
	"net/http"
)

// Protocol error taxonomy. Every failure surfaced by the session, ledger,
// aggregation and settlement layers wraps exactly one of these sentinels.
var (
	ErrInvalidSignature    = errors.New("deopenchat: invalid signature")
	ErrSequenceConflict    = errors.New("deopenchat: sequence conflict")
	ErrSequenceExhausted   = errors.New("deopenchat: round already outstanding")
	ErrInsufficientTokens  = errors.New("deopenchat: insufficient tokens")
	ErrNonContiguousRounds = errors.New("deopenchat: non-contiguous rounds")
	ErrProofRejected       = errors.New("deopenchat: proof rejected")
	ErrTimeout             = errors.New("deopenchat: timeout")
	ErrFormat              = errors.New("deopenchat: format error")
	ErrDuplicateTopUp      = errors.New("deopenchat: duplicate top-up")
)

// Code is the stable identifier of a taxonomy error on the HTTP surface.
type Code string

const (
	CodeInvalidSignature    Code = "invalid_signature"
	CodeSequenceConflict    Code = "sequence_conflict"
	CodeSequenceExhausted   Code = "sequence_exhausted"
	CodeInsufficientTokens  Code = "insufficient_tokens"
	CodeNonContiguousRounds Code = "non_contiguous_rounds"
	CodeProofRejected       Code = "proof_rejected"
	CodeTimeout             Code = "timeout"
	CodeFormat              Code = "format_error"
	CodeDuplicateTopUp      Code = "duplicate_top_up"
	CodeInternal            Code = "internal"
)

var taxonomy = []struct {
	err    error
	code   Code
	status int
}{
	{ErrInvalidSignature, CodeInvalidSignature, http.StatusUnauthorized},
	{ErrSequenceConflict, CodeSequenceConflict, http.StatusConflict},
	{ErrSequenceExhausted, CodeSequenceExhausted, http.StatusTooManyRequests},
	{ErrInsufficientTokens, CodeInsufficientTokens, http.StatusPaymentRequired},
	{ErrNonContiguousRounds, CodeNonContiguousRounds, http.StatusConflict},
	{ErrProofRejected, CodeProofRejected, http.StatusUnprocessableEntity},
	{ErrTimeout, CodeTimeout, http.StatusGatewayTimeout},
	{ErrFormat, CodeFormat, http.StatusBadRequest},
	{ErrDuplicateTopUp, CodeDuplicateTopUp, http.StatusConflict},
}

// CodeOf maps err onto its wire code. Errors outside the taxonomy map to
// CodeInternal.
func CodeOf(err error) Code {
	for _, entry := range taxonomy {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the status code a server should answer err with.
func HTTPStatus(err error) int {
	for _, entry := range taxonomy {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// ErrorForCode returns the sentinel registered for code, or nil when the code
// is unknown or internal.
func ErrorForCode(code Code) error {
	for _, entry := range taxonomy {
		if entry.code == code {
			return entry.err
		}
	}
	return nil
}

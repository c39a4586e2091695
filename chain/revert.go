package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"deopenchat/core/wire"
)

var customErrors = map[string]error{
	"SequenceConflict":    wire.ErrSequenceConflict,
	"InsufficientTokens":  wire.ErrInsufficientTokens,
	"ProofRejected":       wire.ErrProofRejected,
	"InsufficientPayment": ErrInsufficientPayment,
	"UnknownProvider":     ErrUnknownProvider,
}

// decodeRevert maps revert data carried by err onto the error taxonomy and
// returns err unchanged when it carries none.
func decodeRevert(err error) error {
	if decoded, ok := revertError(err); ok {
		return decoded
	}
	return err
}

func revertError(err error) (error, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	data, ok := revertData(dataErr.ErrorData())
	if !ok {
		return nil, false
	}
	return classifyRevert(data), true
}

func revertData(raw interface{}) ([]byte, bool) {
	switch v := raw.(type) {
	case string:
		data, err := hexutil.Decode(v)
		return data, err == nil
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

func classifyRevert(data []byte) error {
	if len(data) >= 4 {
		for name, def := range parsedABI.Errors {
			if bytes.Equal(def.ID[:4], data[:4]) {
				if sentinel, ok := customErrors[name]; ok {
					return fmt.Errorf("%w: contract reverted with %s", sentinel, name)
				}
			}
		}
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return fmt.Errorf("%w: revert data %s", ErrReverted, hexutil.Encode(data))
	}
	for name, sentinel := range customErrors {
		if strings.Contains(reason, name) {
			return fmt.Errorf("%w: %s", sentinel, reason)
		}
	}
	return fmt.Errorf("%w: %s", ErrReverted, reason)
}

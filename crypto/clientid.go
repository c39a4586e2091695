package crypto

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"

	"deopenchat/core/wire"
)

// ClientIDPrefix is the human readable part of bech32 client identifiers.
const ClientIDPrefix = "dcpk"

// EncodeClientID renders pk as a bech32 string for display and copy-paste.
func EncodeClientID(pk wire.PublicKey) (string, error) {
	conv, err := bech32.ConvertBits(pk[:], 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(ClientIDPrefix, conv)
}

// ParseClientID accepts a bech32 client identifier or a hex public key.
func ParseClientID(raw string) (wire.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(raw), ClientIDPrefix+"1") {
		return wire.ParsePublicKey(raw)
	}
	prefix, decoded, err := bech32.Decode(raw)
	if err != nil {
		return wire.PublicKey{}, fmt.Errorf("%w: invalid bech32 client id: %v", wire.ErrFormat, err)
	}
	if prefix != ClientIDPrefix {
		return wire.PublicKey{}, fmt.Errorf("%w: client id prefix %q", wire.ErrFormat, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return wire.PublicKey{}, fmt.Errorf("%w: %v", wire.ErrFormat, err)
	}
	var pk wire.PublicKey
	if len(conv) != len(pk) {
		return wire.PublicKey{}, fmt.Errorf("%w: client id holds %d bytes", wire.ErrFormat, len(conv))
	}
	copy(pk[:], conv)
	return pk, nil
}

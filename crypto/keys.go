package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"deopenchat/core/wire"
)

// --- Wallet keys (secp256k1) ---

// PrivateKey is a wallet key used to send contract transactions and to sign
// provider responses.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the account address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

// SignPayload signs keccak256(payload) and returns a 65-byte [R || S || V]
// signature.
func (k *PrivateKey) SignPayload(payload []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(crypto.Keccak256(payload), k.PrivateKey)
}

// RecoverSigner returns the address that produced sig over payload.
func RecoverSigner(payload, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: wallet signature must be %d bytes", wire.ErrInvalidSignature, crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", wire.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded wallet key with optional 0x prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	key, err := crypto.HexToECDSA(strip0x(raw))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse wallet key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// --- Client keys (ed25519) ---

// ClientKey authenticates a client's requests and confirmations.
type ClientKey struct {
	priv ed25519.PrivateKey
}

func GenerateClientKey() (*ClientKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ClientKey{priv: priv}, nil
}

// ClientKeyFromSeed derives the key from a 32-byte seed.
func ClientKeyFromSeed(seed []byte) (*ClientKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: client key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &ClientKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// ClientKeyFromHex parses a hex encoded seed.
func ClientKeyFromHex(raw string) (*ClientKey, error) {
	seed, err := hex.DecodeString(strip0x(raw))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode client key: %w", err)
	}
	return ClientKeyFromSeed(seed)
}

// Seed returns the 32-byte seed the key was derived from.
func (k *ClientKey) Seed() []byte {
	return k.priv.Seed()
}

// PublicKey returns the wire identity of the client.
func (k *ClientKey) PublicKey() wire.PublicKey {
	var pk wire.PublicKey
	copy(pk[:], k.priv.Public().(ed25519.PublicKey))
	return pk
}

// Sign signs msg with the client key.
func (k *ClientKey) Sign(msg []byte) [wire.SignatureSize]byte {
	var sig [wire.SignatureSize]byte
	copy(sig[:], ed25519.Sign(k.priv, msg))
	return sig
}

// VerifyClient checks an ed25519 signature made by pk over msg.
func VerifyClient(pk wire.PublicKey, msg, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes", wire.ErrInvalidSignature, ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig) {
		return wire.ErrInvalidSignature
	}
	return nil
}

func strip0x(raw string) string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	return strings.TrimPrefix(trimmed, "0X")
}

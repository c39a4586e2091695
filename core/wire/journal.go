package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// PublicKeySize is the length of a client ed25519 public key.
	PublicKeySize = 32
	// SignatureSize is the length of a client ed25519 signature.
	SignatureSize = 64
	// ClaimSize is the fixed serialized width of one Claim in a journal.
	ClaimSize = PublicKeySize + 4 + 4 + 8
)

// PublicKey identifies a client towards a provider.
type PublicKey [PublicKeySize]byte

// String renders the key as lowercase hex without prefix.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// ParsePublicKey decodes a hex encoded key with or without 0x prefix.
func ParsePublicKey(raw string) (PublicKey, error) {
	var pk PublicKey
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return pk, fmt.Errorf("%w: public key: %v", ErrFormat, err)
	}
	if len(decoded) != PublicKeySize {
		return pk, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrFormat, PublicKeySize, len(decoded))
	}
	copy(pk[:], decoded)
	return pk, nil
}

// Claim aggregates a contiguous batch of rounds for one client. Seq is the
// first sequence number of the batch and must equal the ledger's seq + 1 at
// settlement time.
type Claim struct {
	ClientPK       PublicKey `json:"client_pk"`
	Seq            uint32    `json:"seq"`
	Rounds         uint32    `json:"rounds"`
	TokensConsumed uint64    `json:"number_tokens_consumed"`
}

// LastSeq is the ledger seq once the claim has been applied.
func (c Claim) LastSeq() uint32 {
	if c.Rounds == 0 {
		return c.Seq - 1
	}
	return c.Seq + c.Rounds - 1
}

// AppendBinary appends the 48-byte layout of c to dst.
func (c Claim) AppendBinary(dst []byte) []byte {
	dst = append(dst, c.ClientPK[:]...)
	dst = binary.BigEndian.AppendUint32(dst, c.Seq)
	dst = binary.BigEndian.AppendUint32(dst, c.Rounds)
	return binary.BigEndian.AppendUint64(dst, c.TokensConsumed)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c Claim) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(make([]byte, 0, ClaimSize)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Claim) UnmarshalBinary(data []byte) error {
	decoded, err := DecodeClaim(data)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// DecodeClaim parses exactly one serialized claim.
func DecodeClaim(data []byte) (Claim, error) {
	var c Claim
	if len(data) != ClaimSize {
		return c, fmt.Errorf("%w: claim must be %d bytes, got %d", ErrFormat, ClaimSize, len(data))
	}
	copy(c.ClientPK[:], data[:PublicKeySize])
	rest := data[PublicKeySize:]
	c.Seq = binary.BigEndian.Uint32(rest[0:4])
	c.Rounds = binary.BigEndian.Uint32(rest[4:8])
	c.TokensConsumed = binary.BigEndian.Uint64(rest[8:16])
	return c, nil
}

// EncodeJournal concatenates claims in submission order.
func EncodeJournal(claims []Claim) []byte {
	out := make([]byte, 0, len(claims)*ClaimSize)
	for _, c := range claims {
		out = c.AppendBinary(out)
	}
	return out
}

// DecodeJournal splits a journal back into claims.
func DecodeJournal(journal []byte) ([]Claim, error) {
	if len(journal) == 0 {
		return nil, fmt.Errorf("%w: empty journal", ErrFormat)
	}
	if len(journal)%ClaimSize != 0 {
		return nil, fmt.Errorf("%w: journal length %d is not a multiple of %d", ErrFormat, len(journal), ClaimSize)
	}
	claims := make([]Claim, 0, len(journal)/ClaimSize)
	for off := 0; off < len(journal); off += ClaimSize {
		c, err := DecodeClaim(journal[off : off+ClaimSize])
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// JournalDigest is the sha256 digest the proof attests to.
func JournalDigest(journal []byte) [32]byte {
	return sha256.Sum256(journal)
}

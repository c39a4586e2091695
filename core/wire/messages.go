package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind tags prefix every canonical message encoding.
const (
	KindRequest      byte = 0x01
	KindResponse     byte = 0x02
	KindConfirmation byte = 0x03
)

// MaxPayloadSize bounds request content and response results.
const MaxPayloadSize = 16 << 20

const (
	requestHeaderSize  = 1 + PublicKeySize + 4 + 4 + 4
	responseHeaderSize = 1 + PublicKeySize + 4 + 4 + 4 + 4
	confirmationSize   = 1 + 4 + SignatureSize
)

// Request opens a round. It is signed by the client key it names.
type Request struct {
	ClientPK  PublicKey
	Seq       uint32
	MaxTokens uint32
	Content   []byte
}

// Encode returns the canonical encoding:
// kind | pk[32] | seq | maxTokens | len | content.
func (r Request) Encode() []byte {
	out := make([]byte, 0, requestHeaderSize+len(r.Content))
	out = append(out, KindRequest)
	out = append(out, r.ClientPK[:]...)
	out = binary.BigEndian.AppendUint32(out, r.Seq)
	out = binary.BigEndian.AppendUint32(out, r.MaxTokens)
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.Content)))
	return append(out, r.Content...)
}

// DecodeRequest parses a canonical request encoding.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := expectKind(data, KindRequest, requestHeaderSize); err != nil {
		return r, err
	}
	copy(r.ClientPK[:], data[1:1+PublicKeySize])
	off := 1 + PublicKeySize
	r.Seq = binary.BigEndian.Uint32(data[off:])
	r.MaxTokens = binary.BigEndian.Uint32(data[off+4:])
	content, err := readPayload(data, off+8)
	if err != nil {
		return r, fmt.Errorf("request content: %w", err)
	}
	r.Content = content
	return r, nil
}

// Response answers a request. InputTokens and OutputTokens are the usage the
// provider charges for the round.
type Response struct {
	ClientPK     PublicKey
	Seq          uint32
	InputTokens  uint32
	OutputTokens uint32
	Result       []byte
}

// TokensConsumed is the total charged for the round.
func (r Response) TokensConsumed() uint64 {
	return uint64(r.InputTokens) + uint64(r.OutputTokens)
}

// Encode returns the canonical encoding:
// kind | pk[32] | seq | input | output | len | result.
func (r Response) Encode() []byte {
	out := make([]byte, 0, responseHeaderSize+len(r.Result))
	out = append(out, KindResponse)
	out = append(out, r.ClientPK[:]...)
	out = binary.BigEndian.AppendUint32(out, r.Seq)
	out = binary.BigEndian.AppendUint32(out, r.InputTokens)
	out = binary.BigEndian.AppendUint32(out, r.OutputTokens)
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.Result)))
	return append(out, r.Result...)
}

// DecodeResponse parses a canonical response encoding.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := expectKind(data, KindResponse, responseHeaderSize); err != nil {
		return r, err
	}
	copy(r.ClientPK[:], data[1:1+PublicKeySize])
	off := 1 + PublicKeySize
	r.Seq = binary.BigEndian.Uint32(data[off:])
	r.InputTokens = binary.BigEndian.Uint32(data[off+4:])
	r.OutputTokens = binary.BigEndian.Uint32(data[off+8:])
	result, err := readPayload(data, off+12)
	if err != nil {
		return r, fmt.Errorf("response result: %w", err)
	}
	r.Result = result
	return r, nil
}

// Confirmation closes a round: the client's signature over the exact bytes
// of the response it received.
type Confirmation struct {
	Seq       uint32
	Signature [SignatureSize]byte
}

// Encode returns the fixed encoding kind | seq | signature[64].
func (c Confirmation) Encode() []byte {
	out := make([]byte, 0, confirmationSize)
	out = append(out, KindConfirmation)
	out = binary.BigEndian.AppendUint32(out, c.Seq)
	return append(out, c.Signature[:]...)
}

// DecodeConfirmation parses a canonical confirmation encoding.
func DecodeConfirmation(data []byte) (Confirmation, error) {
	var c Confirmation
	if err := expectKind(data, KindConfirmation, confirmationSize); err != nil {
		return c, err
	}
	if len(data) != confirmationSize {
		return c, fmt.Errorf("%w: confirmation must be %d bytes, got %d", ErrFormat, confirmationSize, len(data))
	}
	c.Seq = binary.BigEndian.Uint32(data[1:5])
	copy(c.Signature[:], data[5:])
	return c, nil
}

// Envelope carries a canonical encoding and a detached signature over it.
type Envelope struct {
	Payload   hexutil.Bytes `json:"payload"`
	Signature hexutil.Bytes `json:"signature"`
}

// SignedRequest is a decoded request together with its envelope.
type SignedRequest struct {
	Request
	Envelope Envelope
}

// OpenRequest decodes the payload of env. Signature checks are left to the
// session layer which owns the keys.
func OpenRequest(env Envelope) (SignedRequest, error) {
	req, err := DecodeRequest(env.Payload)
	if err != nil {
		return SignedRequest{}, err
	}
	if len(env.Signature) != SignatureSize {
		return SignedRequest{}, fmt.Errorf("%w: request signature must be %d bytes, got %d", ErrFormat, SignatureSize, len(env.Signature))
	}
	return SignedRequest{Request: req, Envelope: env}, nil
}

// SignedResponse is a decoded response together with its envelope. The
// envelope signature is the provider wallet's and may be empty.
type SignedResponse struct {
	Response
	Envelope Envelope
}

// OpenResponse decodes the payload of env.
func OpenResponse(env Envelope) (SignedResponse, error) {
	resp, err := DecodeResponse(env.Payload)
	if err != nil {
		return SignedResponse{}, err
	}
	return SignedResponse{Response: resp, Envelope: env}, nil
}

func expectKind(data []byte, kind byte, minLen int) error {
	if len(data) < minLen {
		return fmt.Errorf("%w: truncated message: %d < %d bytes", ErrFormat, len(data), minLen)
	}
	if data[0] != kind {
		return fmt.Errorf("%w: unexpected message kind 0x%02x, want 0x%02x", ErrFormat, data[0], kind)
	}
	return nil
}

// readPayload reads the length-prefixed tail starting at off and rejects
// truncated or trailing bytes.
func readPayload(data []byte, off int) ([]byte, error) {
	size := binary.BigEndian.Uint32(data[off:])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrFormat, size)
	}
	body := data[off+4:]
	if uint32(len(body)) < size {
		return nil, fmt.Errorf("%w: truncated payload: %d < %d bytes", ErrFormat, len(body), size)
	}
	if uint32(len(body)) > size {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, uint32(len(body))-size)
	}
	if size == 0 {
		return nil, nil
	}
	out := make([]byte, size)
	copy(out, body)
	return out, nil
}

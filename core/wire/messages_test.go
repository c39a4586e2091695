package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRequestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var pk PublicKey
		copy(pk[:], rapid.SliceOfN(rapid.Byte(), PublicKeySize, PublicKeySize).Draw(t, "pk"))
		req := Request{
			ClientPK:  pk,
			Seq:       rapid.Uint32().Draw(t, "seq"),
			MaxTokens: rapid.Uint32().Draw(t, "max"),
			Content:   rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "content"),
		}
		encoded := req.Encode()
		decoded, err := DecodeRequest(encoded)
		require.NoError(t, err)
		require.Equal(t, encoded, decoded.Encode())
		require.Equal(t, req.Seq, decoded.Seq)
		require.Equal(t, req.MaxTokens, decoded.MaxTokens)
		require.Equal(t, req.ClientPK, decoded.ClientPK)
	})
}

func TestResponseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resp := Response{
			Seq:          rapid.Uint32().Draw(t, "seq"),
			InputTokens:  rapid.Uint32().Draw(t, "in"),
			OutputTokens: rapid.Uint32().Draw(t, "out"),
			Result:       rapid.SliceOfN(rapid.Byte(), 1, 256).Draw(t, "result"),
		}
		decoded, err := DecodeResponse(resp.Encode())
		require.NoError(t, err)
		require.Equal(t, resp, decoded)
		require.Equal(t, uint64(resp.InputTokens)+uint64(resp.OutputTokens), decoded.TokensConsumed())
	})
}

func TestConfirmationRoundTrip(t *testing.T) {
	conf := Confirmation{Seq: 42}
	for i := range conf.Signature {
		conf.Signature[i] = byte(i)
	}
	encoded := conf.Encode()
	require.Len(t, encoded, 69)
	decoded, err := DecodeConfirmation(encoded)
	require.NoError(t, err)
	require.Equal(t, conf, decoded)

	_, err = DecodeConfirmation(append(encoded, 0))
	require.ErrorIs(t, err, ErrFormat)
	_, err = DecodeConfirmation(encoded[:10])
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecodeRejectsMalformedMessages(t *testing.T) {
	req := Request{Seq: 1, MaxTokens: 100, Content: []byte("hello")}
	encoded := req.Encode()

	_, err := DecodeRequest(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrFormat)

	_, err = DecodeRequest(append(append([]byte{}, encoded...), 'x'))
	require.ErrorIs(t, err, ErrFormat)

	wrongKind := append([]byte{}, encoded...)
	wrongKind[0] = KindResponse
	_, err = DecodeRequest(wrongKind)
	require.ErrorIs(t, err, ErrFormat)

	_, err = DecodeResponse(encoded)
	require.ErrorIs(t, err, ErrFormat)

	_, err = DecodeRequest(nil)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	encoded := Request{Seq: 1}.Encode()
	// overwrite the length prefix with a value above the limit
	encoded[len(encoded)-4] = 0xff
	_, err := DecodeRequest(encoded)
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpenRequestChecksSignatureLength(t *testing.T) {
	env := Envelope{Payload: Request{Seq: 1}.Encode(), Signature: make([]byte, 10)}
	_, err := OpenRequest(env)
	require.ErrorIs(t, err, ErrFormat)

	env.Signature = make([]byte, SignatureSize)
	opened, err := OpenRequest(env)
	require.NoError(t, err)
	require.Equal(t, uint32(1), opened.Seq)
}

func TestEnvelopeJSONUsesHex(t *testing.T) {
	env := Envelope{Payload: []byte{0x01, 0x02}, Signature: []byte{0xff}}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"payload":"0x0102","signature":"0xff"}`, string(raw))

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, env, back)
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("round 7: %w", ErrSequenceConflict)
	require.Equal(t, CodeSequenceConflict, CodeOf(wrapped))
	require.Equal(t, http.StatusConflict, HTTPStatus(wrapped))
	require.Equal(t, ErrSequenceConflict, ErrorForCode(CodeSequenceConflict))

	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	require.Nil(t, ErrorForCode(CodeInternal))
}

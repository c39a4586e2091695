package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func claimGen() *rapid.Generator[Claim] {
	return rapid.Custom(func(t *rapid.T) Claim {
		var pk PublicKey
		copy(pk[:], rapid.SliceOfN(rapid.Byte(), PublicKeySize, PublicKeySize).Draw(t, "pk"))
		return Claim{
			ClientPK:       pk,
			Seq:            rapid.Uint32().Draw(t, "seq"),
			Rounds:         rapid.Uint32().Draw(t, "rounds"),
			TokensConsumed: rapid.Uint64().Draw(t, "tokens"),
		}
	})
}

func TestClaimLayoutIsFixed(t *testing.T) {
	var pk PublicKey
	for i := range pk {
		pk[i] = byte(i)
	}
	claim := Claim{ClientPK: pk, Seq: 1, Rounds: 2, TokensConsumed: 1000}
	encoded, err := claim.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, encoded, ClaimSize)
	require.Equal(t, 48, ClaimSize)

	want := hex.EncodeToString(pk[:]) + "00000001" + "00000002" + "00000000000003e8"
	require.Equal(t, want, hex.EncodeToString(encoded))
}

func TestClaimRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		claim := claimGen().Draw(t, "claim")
		encoded, err := claim.MarshalBinary()
		require.NoError(t, err)
		decoded, err := DecodeClaim(encoded)
		require.NoError(t, err)
		require.Equal(t, claim, decoded)
	})
}

func TestJournalRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		claims := rapid.SliceOfN(claimGen(), 1, 16).Draw(t, "claims")
		journal := EncodeJournal(claims)
		require.Len(t, journal, len(claims)*ClaimSize)
		decoded, err := DecodeJournal(journal)
		require.NoError(t, err)
		require.Equal(t, claims, decoded)
	})
}

func TestJournalDigestIsDeterministicAndOrderSensitive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := claimGen().Draw(t, "a")
		b := claimGen().Draw(t, "b")
		forward := EncodeJournal([]Claim{a, b})
		require.Equal(t, JournalDigest(forward), JournalDigest(EncodeJournal([]Claim{a, b})))
		if a == b {
			return
		}
		reversed := EncodeJournal([]Claim{b, a})
		require.NotEqual(t, JournalDigest(forward), JournalDigest(reversed))
	})
}

func TestDecodeJournalRejectsBadLengths(t *testing.T) {
	claim := Claim{Seq: 1, Rounds: 1, TokensConsumed: 10}
	journal := EncodeJournal([]Claim{claim, claim})

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": journal[:len(journal)-1],
		"overlong":  append(append([]byte{}, journal...), 0x00),
		"short":     journal[:ClaimSize-8],
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJournal(input)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrFormat))
		})
	}

	_, err := DecodeClaim(journal)
	require.ErrorIs(t, err, ErrFormat)
}

func TestClaimLastSeq(t *testing.T) {
	require.Equal(t, uint32(1), Claim{Seq: 1, Rounds: 1}.LastSeq())
	require.Equal(t, uint32(5), Claim{Seq: 3, Rounds: 3}.LastSeq())
}

func TestParsePublicKey(t *testing.T) {
	var pk PublicKey
	pk[0], pk[31] = 0xab, 0xcd
	parsed, err := ParsePublicKey("0x" + pk.String())
	require.NoError(t, err)
	require.Equal(t, pk, parsed)

	_, err = ParsePublicKey("abcd")
	require.ErrorIs(t, err, ErrFormat)
	_, err = ParsePublicKey("zz")
	require.ErrorIs(t, err, ErrFormat)

	text, err := pk.MarshalText()
	require.NoError(t, err)
	var back PublicKey
	require.NoError(t, back.UnmarshalText(text))
	require.True(t, bytes.Equal(pk[:], back[:]))
}

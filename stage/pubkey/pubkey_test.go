package pubkey

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stagebridge/ovlink/wire"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	var sAlice, sBob Sealer
	sAlice.Establish(alice, bob.Public)
	sBob.Establish(bob, alice.Public)

	hdr := wire.Header{Secret: 42, CallerID: 3, DestPort: 100, Sequence: 7}
	msg := []byte("stage audio payload")

	sealed := sAlice.Seal(hdr, msg)
	require.NotEqual(t, msg, sealed)

	opened, ok := sBob.Open(hdr, sealed)
	require.True(t, ok)
	require.Equal(t, msg, opened)
}

func TestUnestablishedSealerPassesThrough(t *testing.T) {
	var s Sealer
	require.False(t, s.Ready())

	hdr := wire.Header{Secret: 1, CallerID: 0, DestPort: 100, Sequence: 1}
	msg := []byte("plaintext")

	sealed := s.Seal(hdr, msg)
	require.Equal(t, msg, sealed)

	opened, ok := s.Open(hdr, sealed)
	require.True(t, ok)
	require.Equal(t, msg, opened)
}

func TestOpenFailsOnWrongSharedSecret(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)
	mallory, err := Generate()
	require.NoError(t, err)

	var sAlice, sMallory Sealer
	sAlice.Establish(alice, bob.Public)
	sMallory.Establish(mallory, bob.Public)

	hdr := wire.Header{Secret: 1, CallerID: 0, DestPort: 100, Sequence: 1}
	sealed := sAlice.Seal(hdr, []byte("secret"))

	_, ok := sMallory.Open(hdr, sealed)
	require.False(t, ok)
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	var sAlice, sBob Sealer
	sAlice.Establish(alice, bob.Public)
	sBob.Establish(bob, alice.Public)

	hdr := wire.Header{Secret: 1, CallerID: 0, DestPort: 100, Sequence: 1}
	sealed := sAlice.Seal(hdr, []byte("secret"))
	sealed[0] ^= 0xFF

	_, ok := sBob.Open(hdr, sealed)
	require.False(t, ok)
}

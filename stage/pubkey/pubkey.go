// Package pubkey implements the opportunistic payload encryption a stage
// client layers on top of the plain wire protocol: an X25519 keypair is
// generated at startup and broadcast via the PUBKEY control opcode, and once
// two peers have exchanged keys their subsequent payloads are sealed with
// the resulting shared secret. A peer that never sends a key, or whose key
// hasn't arrived yet, is talked to in the clear: sealing here is a
// best-effort upgrade, not an assumed property of the session.
package pubkey

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/stagebridge/ovlink/wire"
)

// KeyLen is the size in bytes of an X25519 public or private key.
const KeyLen = 32

// KeyPair is one X25519 keypair, generated fresh for every session.
type KeyPair struct {
	Public  [KeyLen]byte
	Private [KeyLen]byte
}

// Generate creates a new random X25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "pubkey: failed to generate keypair")
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// Sealer seals and opens payloads for one remote peer once that peer's
// public key is known. The zero value has no shared secret and passes
// payloads through unsealed.
type Sealer struct {
	shared [32]byte
	ready  bool
}

// Establish precomputes the shared secret for peerPublic under ours,
// enabling sealing for subsequent calls.
func (s *Sealer) Establish(ours *KeyPair, peerPublic [KeyLen]byte) {
	box.Precompute(&s.shared, &peerPublic, &ours.Private)
	s.ready = true
}

// Ready reports whether a shared secret has been established.
func (s *Sealer) Ready() bool { return s.ready }

// Seal encrypts payload under the peer's header, returning the sealed bytes,
// or payload unchanged if no shared secret has been established yet.
func (s *Sealer) Seal(hdr wire.Header, payload []byte) []byte {
	if !s.ready {
		return payload
	}
	nonce := nonceFromHeader(hdr)
	return secretbox.Seal(nil, payload, &nonce, &s.shared)
}

// Open decrypts a payload sealed by Seal. If no shared secret has been
// established, sealed is returned unchanged with ok true (plaintext path).
func (s *Sealer) Open(hdr wire.Header, sealed []byte) (payload []byte, ok bool) {
	if !s.ready {
		return sealed, true
	}
	nonce := nonceFromHeader(hdr)
	return secretbox.Open(nil, sealed, &nonce, &s.shared)
}

// nonceFromHeader derives a 24-byte secretbox nonce deterministically from
// the packet's own header fields, so no nonce ever needs to be carried
// alongside the ciphertext: both ends already agree on secret/caller
// id/sequence for every datagram.
func nonceFromHeader(hdr wire.Header) [24]byte {
	var nonce [24]byte
	binary.LittleEndian.PutUint32(nonce[0:4], hdr.Secret)
	nonce[4] = hdr.CallerID
	binary.LittleEndian.PutUint16(nonce[5:7], uint16(hdr.DestPort))
	binary.LittleEndian.PutUint16(nonce[7:9], uint16(hdr.Sequence))
	return nonce
}

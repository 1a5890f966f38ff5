// Package kex implements the Curve25519-SHA256 key-exchange engine: the
// exchange-hash computation, the ECDH_INIT/ECDH_REPLY handshake, and the
// derivation of the six directional key-material strings from §4.4.
package kex

import (
	"fmt"
	"math/big"

	"github.com/coregate/sshd/internal/hostkey"
	"github.com/coregate/sshd/internal/sshcrypto"
	"github.com/coregate/sshd/internal/wire"
)

// ExchangeContext holds the byte strings that feed the exchange hash,
// spec §3's HashData. Each field is captured at the moment it is sent or
// received and is immutable thereafter within a single kex round.
type ExchangeContext struct {
	ClientBanner         []byte
	ServerBanner         []byte
	ClientKexInitPayload []byte
	ServerKexInitPayload []byte
}

// State is the key-exchange algorithm instance while a round is running.
// It is ephemeral: constructed when KEXINIT completes negotiation and
// discarded once NEWKEYS has been processed by both directions.
type State struct {
	hostKey hostkey.KeyPair

	serverScalar [sshcrypto.KeySize]byte
	serverPoint  [sshcrypto.KeySize]byte

	sharedSecret *big.Int // K, as a non-negative integer
	exchangeHash []byte   // H
}

// NewState starts a kex round against the given host key pair.
func NewState(hk hostkey.KeyPair) *State {
	return &State{hostKey: hk}
}

// Reply is the result of processing SSH_MSG_KEX_ECDH_INIT: the
// SSH_MSG_KEX_ECDH_REPLY packet to send, plus the derived secret and hash
// now available via SharedSecret/ExchangeHash.
type Reply struct {
	Packet *wire.Packet
}

// HandleECDHInit implements spec §4.4 step 2: given the client's
// ephemeral public key Q_C, generate the server's ephemeral key pair,
// compute the shared secret K and exchange hash H, sign H with the host
// key, and build the KEX_ECDH_REPLY packet.
func (s *State) HandleECDHInit(ctx *ExchangeContext, qc []byte) (*Reply, error) {
	if len(qc) != sshcrypto.KeySize {
		return nil, fmt.Errorf("kex: Q_C must be %d bytes, got %d", sshcrypto.KeySize, len(qc))
	}
	var clientPoint [sshcrypto.KeySize]byte
	copy(clientPoint[:], qc)

	scalar, point, err := sshcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, fmt.Errorf("kex: generate server ephemeral key pair: %w", err)
	}
	s.serverScalar = scalar
	s.serverPoint = point

	sharedPoint, err := sshcrypto.ScalarMult(scalar, clientPoint)
	if err != nil {
		return nil, fmt.Errorf("kex: scalar multiplication: %w", err)
	}
	K := new(big.Int).SetBytes(reverseBytes(sharedPoint[:]))
	s.sharedSecret = K

	hostPublicWire := s.hostKey.WirePublicKey()

	h := exchangeHash(ctx, hostPublicWire, qc, point[:], K)
	s.exchangeHash = h[:]

	sig := s.hostKey.Sign(h[:])
	sigBlob := wire.NewWriter().Utf8(hostkey.Algorithm).String(sig).Bytes()

	p := wire.NewPacket(wire.MsgKexECDHReply)
	p.Append(wire.NewWriter().
		String(hostPublicWire).
		String(point[:]).
		String(sigBlob).
		Bytes())

	return &Reply{Packet: p}, nil
}

// reverseBytes returns a reversed copy of b. sshcrypto.ScalarMult returns
// the RFC 7748 little-endian u-coordinate, but K must be encoded as a
// big-endian mpint per RFC 8731's X25519-in-SSH byte-order rule; this
// swap has to happen before the bytes are ever treated as a big.Int.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// exchangeHash computes
//
//	H = SHA256(string(V_C) || string(V_S) || string(I_C) || string(I_S) ||
//	           string(K_S) || string(Q_C) || string(Q_S) || mpint(K))
//
// per spec §4.4 step 2. V_C/V_S exclude the trailing CR-LF; I_C/I_S are
// the captured KEXINIT payloads including their leading message-type
// byte.
func exchangeHash(ctx *ExchangeContext, hostPublicWire, qc, qs []byte, K *big.Int) [32]byte {
	w := wire.NewWriter()
	w.String(ctx.ClientBanner)
	w.String(ctx.ServerBanner)
	w.String(ctx.ClientKexInitPayload)
	w.String(ctx.ServerKexInitPayload)
	w.String(hostPublicWire)
	w.String(qc)
	w.String(qs)
	w.Mpint(K)
	return sshcrypto.Sum256(w.Bytes())
}

// SharedSecret returns K (the Curve25519 scalarmult output, as a
// non-negative big.Int), available after a successful HandleECDHInit.
func (s *State) SharedSecret() *big.Int {
	return s.sharedSecret
}

// ExchangeHash returns H, available after a successful HandleECDHInit.
func (s *State) ExchangeHash() []byte {
	return s.exchangeHash
}

// DirectionalKeys are the six byte strings derived from (K, H, session_id)
// at a NEWKEYS boundary, per spec §4.4 step 3's labels A-F.
type DirectionalKeys struct {
	IVClientToServer  []byte // A, 16 bytes
	IVServerToClient  []byte // B, 16 bytes
	EncClientToServer []byte // C, 32 bytes
	EncServerToClient []byte // D, 32 bytes
	MACClientToServer []byte // E, 32 bytes
	MACServerToClient []byte // F, 32 bytes
}

// DeriveKeys computes the six directional key-material strings. sessionID
// is H of the very first kex on this connection (persists across rekeys).
func DeriveKeys(K *big.Int, H, sessionID []byte) *DirectionalKeys {
	return &DirectionalKeys{
		IVClientToServer:  deriveKeyMaterial(K, H, 'A', sessionID, 16),
		IVServerToClient:  deriveKeyMaterial(K, H, 'B', sessionID, 16),
		EncClientToServer: deriveKeyMaterial(K, H, 'C', sessionID, 32),
		EncServerToClient: deriveKeyMaterial(K, H, 'D', sessionID, 32),
		MACClientToServer: deriveKeyMaterial(K, H, 'E', sessionID, 32),
		MACServerToClient: deriveKeyMaterial(K, H, 'F', sessionID, 32),
	}
}

// deriveKeyMaterial implements
//
//	HASH_k(X) = SHA256(mpint(K) || H || X || session_id)
//
// extended by SHA256(mpint(K) || H || previous_bytes) until at least n
// bytes are available, per spec §4.4 step 3.
func deriveKeyMaterial(K *big.Int, H []byte, label byte, sessionID []byte, n int) []byte {
	mpintK := wire.NewWriter().Mpint(K).Bytes()

	first := sshcrypto.Sum256(mpintK, H, []byte{label}, sessionID)
	out := append([]byte{}, first[:]...)

	for len(out) < n {
		next := sshcrypto.Sum256(mpintK, H, out)
		out = append(out, next[:]...)
	}
	return out[:n]
}

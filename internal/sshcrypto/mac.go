package sshcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// MACKeySize and MACSize are the hmac-sha2-256 key and output sizes.
const (
	MACKeySize = 32
	MACSize    = sha256.Size
)

// PacketMAC computes and verifies the per-packet HMAC-SHA-256 defined in
// spec §4.3: HMAC(key, seq:u32-be || unencrypted_packet_without_mac).
type PacketMAC struct {
	key []byte
}

// NewPacketMAC constructs a directional MAC instance from a 32-byte key.
func NewPacketMAC(key []byte) (*PacketMAC, error) {
	if len(key) != MACKeySize {
		return nil, fmt.Errorf("sshcrypto: hmac-sha2-256 key must be %d bytes, got %d", MACKeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &PacketMAC{key: k}, nil
}

// Sign returns the HMAC over seq || framedPacket.
func (m *PacketMAC) Sign(seq uint32, framedPacket []byte) []byte {
	h := hmac.New(sha256.New, m.key)
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write(framedPacket)
	return h.Sum(nil)
}

// Verify recomputes the HMAC and compares it to tag in constant time.
func (m *PacketMAC) Verify(seq uint32, framedPacket, tag []byte) bool {
	expected := m.Sign(seq, framedPacket)
	return subtle.ConstantTimeCompare(expected, tag) == 1
}

// Size returns the MAC output size in bytes.
func (m *PacketMAC) Size() int {
	return MACSize
}

// Sum256 is the SHA-256 hash function used for the exchange hash and key
// derivation. PacketMAC builds its HMAC on sha256.New directly.
func Sum256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

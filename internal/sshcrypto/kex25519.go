// Package sshcrypto implements the cryptographic primitives consumed by
// the key-exchange engine and packet transport: Curve25519 scalar
// multiplication, Ed25519 host-key signing, AES-256-CTR stream encryption
// and HMAC-SHA-256 packet authentication.
package sshcrypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of a Curve25519 scalar or point in bytes.
const KeySize = 32

// GenerateEphemeralKeyPair generates a fresh Curve25519 scalar/point pair
// for one key-exchange round, applying the RFC 7748 clamp to the scalar.
func GenerateEphemeralKeyPair() (scalar, point [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, scalar[:]); err != nil {
		return scalar, point, fmt.Errorf("sshcrypto: generate scalar: %w", err)
	}
	clamp(&scalar)

	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return scalar, point, fmt.Errorf("sshcrypto: derive base point: %w", err)
	}
	copy(point[:], pub)
	return scalar, point, nil
}

// clamp applies the Curve25519 scalar clamp specified in RFC 7748 §5 and
// spec §4.4: s[0] &= 248; s[31] &= 127; s[31] |= 64.
func clamp(s *[KeySize]byte) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}

// ScalarMult computes the Curve25519 shared point scalar*point, returning
// an error if the result is the low-order all-zero point (an invalid or
// maliciously crafted peer public key).
func ScalarMult(scalar, point [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte

	var zero [KeySize]byte
	if point == zero {
		return out, fmt.Errorf("sshcrypto: peer public key is the zero point")
	}

	shared, err := curve25519.X25519(scalar[:], point[:])
	if err != nil {
		return out, fmt.Errorf("sshcrypto: scalar multiplication: %w", err)
	}
	copy(out[:], shared)

	if out == zero {
		return out, fmt.Errorf("sshcrypto: scalar multiplication produced the zero point")
	}
	return out, nil
}

package sshcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519 key and signature sizes, per RFC 8032.
const (
	Ed25519SeedSize      = ed25519.SeedSize
	Ed25519PublicKeySize = ed25519.PublicKeySize
	Ed25519SignatureSize = ed25519.SignatureSize
)

// Ed25519KeyPair holds a host key's seed and derived public key.
type Ed25519KeyPair struct {
	Seed      [Ed25519SeedSize]byte
	PublicKey [Ed25519PublicKeySize]byte
}

// GenerateEd25519KeyPair generates a fresh Ed25519 host key.
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	var seed [Ed25519SeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("sshcrypto: generate ed25519 seed: %w", err)
	}
	return Ed25519KeyPairFromSeed(seed)
}

// Ed25519KeyPairFromSeed derives the full key pair from a 32-byte seed,
// the form in which Ed25519 private keys are persisted to disk.
func Ed25519KeyPairFromSeed(seed [Ed25519SeedSize]byte) (*Ed25519KeyPair, error) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sshcrypto: unexpected public key type")
	}
	kp := &Ed25519KeyPair{Seed: seed}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// Sign signs message with the key pair's private key, returning a raw
// 64-byte Ed25519 signature.
func (kp *Ed25519KeyPair) Sign(message []byte) [Ed25519SignatureSize]byte {
	priv := ed25519.NewKeyFromSeed(kp.Seed[:])
	sig := ed25519.Sign(priv, message)
	var out [Ed25519SignatureSize]byte
	copy(out[:], sig)
	return out
}

// VerifyEd25519 checks a raw Ed25519 signature against a public key.
func VerifyEd25519(publicKey [Ed25519PublicKeySize]byte, message []byte, signature [Ed25519SignatureSize]byte) bool {
	return ed25519.Verify(publicKey[:], message, signature[:])
}

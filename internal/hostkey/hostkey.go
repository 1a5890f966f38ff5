// Package hostkey manages the server's Ed25519 host key: generation,
// atomic on-disk persistence, and the wire-form encoding used both inside
// KEX_ECDH_REPLY's K_S field and in the "ssh-ed25519" signature blob.
package hostkey

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coregate/sshd/internal/sshcrypto"
	"github.com/coregate/sshd/internal/wire"
)

// Algorithm is the public-key algorithm name this server advertises and
// signs with, per spec §4.3/§6.
const Algorithm = "ssh-ed25519"

// KeyPair is the host-key contract the key-exchange engine signs against
// (spec §6's KeyPair contract).
type KeyPair interface {
	// WirePublicKey returns K_S: the "ssh-ed25519" algorithm name followed
	// by the raw 32-byte public key, each length-prefixed.
	WirePublicKey() []byte
	// Sign returns a raw 64-byte Ed25519 signature over data.
	Sign(data []byte) []byte
}

// Ed25519HostKey is the concrete KeyPair backing this server.
type Ed25519HostKey struct {
	kp *sshcrypto.Ed25519KeyPair
}

// New wraps a generated or loaded key pair.
func New(kp *sshcrypto.Ed25519KeyPair) *Ed25519HostKey {
	return &Ed25519HostKey{kp: kp}
}

// Generate creates a fresh host key.
func Generate() (*Ed25519HostKey, error) {
	kp, err := sshcrypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("hostkey: generate: %w", err)
	}
	return New(kp), nil
}

// WirePublicKey implements KeyPair, matching original_source's Ed25519
// wire-form import: string("ssh-ed25519") || string(32-byte public key).
func (h *Ed25519HostKey) WirePublicKey() []byte {
	return wire.NewWriter().
		Utf8(Algorithm).
		String(h.kp.PublicKey[:]).
		Bytes()
}

// Sign implements KeyPair.
func (h *Ed25519HostKey) Sign(data []byte) []byte {
	sig := h.kp.Sign(data)
	return sig[:]
}

// PublicKey returns the raw 32-byte Ed25519 public key.
func (h *Ed25519HostKey) PublicKey() [sshcrypto.Ed25519PublicKeySize]byte {
	return h.kp.PublicKey
}

// ErrNoHostKey is returned by Load when no key file exists at path.
var ErrNoHostKey = errors.New("hostkey: no host key found")

// Load reads the 32-byte seed from the file at path.
func Load(path string) (*Ed25519HostKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoHostKey
		}
		return nil, fmt.Errorf("hostkey: read %s: %w", path, err)
	}
	if len(data) != sshcrypto.Ed25519SeedSize {
		return nil, fmt.Errorf("hostkey: %s has %d bytes, want %d", path, len(data), sshcrypto.Ed25519SeedSize)
	}
	var seed [sshcrypto.Ed25519SeedSize]byte
	copy(seed[:], data)
	kp, err := sshcrypto.Ed25519KeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("hostkey: derive key pair: %w", err)
	}
	return New(kp), nil
}

// Store persists the key pair's seed to the file at path, writing
// atomically via a temp file and rename, mode 0600.
func (h *Ed25519HostKey) Store(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("hostkey: create %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, h.kp.Seed[:], 0600); err != nil {
		return fmt.Errorf("hostkey: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("hostkey: persist %s: %w", path, err)
	}
	return nil
}

// LoadOrGenerate loads an existing host key from path, generating and
// persisting a new one if none exists.
func LoadOrGenerate(path string) (*Ed25519HostKey, error) {
	hk, err := Load(path)
	if err == nil {
		return hk, nil
	}
	if !errors.Is(err, ErrNoHostKey) {
		return nil, err
	}
	hk, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := hk.Store(path); err != nil {
		return nil, err
	}
	return hk, nil
}

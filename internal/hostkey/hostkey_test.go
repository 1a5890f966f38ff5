package hostkey

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/coregate/sshd/internal/sshcrypto"
	"github.com/coregate/sshd/internal/wire"
)

func TestWirePublicKeyFormat(t *testing.T) {
	hk, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	blob := hk.WirePublicKey()

	r := wire.NewReader(blob)
	alg, err := r.Utf8()
	if err != nil {
		t.Fatalf("Utf8() error = %v", err)
	}
	if alg != Algorithm {
		t.Errorf("algorithm = %q, want %q", alg, Algorithm)
	}
	pub, err := r.String()
	if err != nil {
		t.Fatalf("String() error = %v", err)
	}
	if !bytes.Equal(pub, hk.kp.PublicKey[:]) {
		t.Error("encoded public key does not match key pair")
	}
	if r.Len() != 0 {
		t.Errorf("%d trailing bytes after decoding wire public key", r.Len())
	}
}

func TestSignVerifiesAgainstPublicKey(t *testing.T) {
	hk, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	msg := []byte("exchange hash")
	sig := hk.Sign(msg)
	if len(sig) != sshcrypto.Ed25519SignatureSize {
		t.Fatalf("Sign() returned %d bytes, want %d", len(sig), sshcrypto.Ed25519SignatureSize)
	}
	var sigArr [sshcrypto.Ed25519SignatureSize]byte
	copy(sigArr[:], sig)
	if !sshcrypto.VerifyEd25519(hk.PublicKey(), msg, sigArr) {
		t.Error("signature does not verify against the key pair's public key")
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_ed25519")

	hk, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := hk.Store(path); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.PublicKey() != hk.PublicKey() {
		t.Error("loaded host key has a different public key than the stored one")
	}
}

func TestLoadMissingReturnsErrNoHostKey(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "nonexistent")); !errors.Is(err, ErrNoHostKey) {
		t.Errorf("Load() on missing file error = %v, want ErrNoHostKey", err)
	}
}

func TestLoadOrGenerateGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_ed25519")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate() first call error = %v", err)
	}
	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate() second call error = %v", err)
	}
	if first.PublicKey() != second.PublicKey() {
		t.Error("LoadOrGenerate() generated a new key on the second call instead of loading the first")
	}
}

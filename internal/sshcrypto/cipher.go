package sshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// CipherKeySize and CipherIVSize are the AES-256-CTR key/IV sizes used by
// the "aes256-ctr" algorithm (spec §4.3).
const (
	CipherKeySize = 32
	CipherIVSize  = 16
	BlockSize     = aes.BlockSize
)

// StreamCipher is a directional AES-256-CTR instance. Its internal counter
// advances with every byte processed and must never be reused across
// directions or reconstructed mid-stream; a fresh StreamCipher is built
// for each side of every rekey.
type StreamCipher struct {
	stream cipher.Stream
}

// NewStreamCipher constructs an AES-256-CTR stream from a 32-byte key and
// 16-byte IV, as derived in the key-exchange engine's §4.4 step 3.
func NewStreamCipher(key, iv []byte) (*StreamCipher, error) {
	if len(key) != CipherKeySize {
		return nil, fmt.Errorf("sshcrypto: aes256-ctr key must be %d bytes, got %d", CipherKeySize, len(key))
	}
	if len(iv) != CipherIVSize {
		return nil, fmt.Errorf("sshcrypto: aes256-ctr iv must be %d bytes, got %d", CipherIVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sshcrypto: construct aes cipher: %w", err)
	}
	return &StreamCipher{stream: cipher.NewCTR(block, iv)}, nil
}

// XORKeyStream encrypts or decrypts src into dst in place (CTR mode is
// its own inverse); dst and src may be the same slice.
func (c *StreamCipher) XORKeyStream(dst, src []byte) {
	c.stream.XORKeyStream(dst, src)
}

// Package transport implements the encrypted, MAC'd packet transport that
// sits on top of a raw TCP byte stream: binary packet framing with a
// per-direction stream cipher, a per-direction HMAC, and per-direction
// sequence numbers that never reset, even across a rekey.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coregate/sshd/internal/sshcrypto"
	"github.com/coregate/sshd/internal/wire"
)

// Direction distinguishes the two halves of a duplex transport; the cipher,
// MAC key and sequence number are independent per direction.
type Direction struct {
	cipher *sshcrypto.StreamCipher
	mac    *sshcrypto.PacketMAC
	seq    uint32
}

// NewDirection constructs a keyed direction. cipher/mac are nil before the
// first NEWKEYS exchange, in which case the transport runs in cleartext
// with a fixed 8-byte block size and no MAC, as during initial KEXINIT.
func NewDirection(cipher *sshcrypto.StreamCipher, mac *sshcrypto.PacketMAC) *Direction {
	return &Direction{cipher: cipher, mac: mac}
}

// Rekey replaces this direction's cipher and MAC in place, for use after a
// NEWKEYS boundary. The sequence number is untouched: it never resets.
func (d *Direction) Rekey(cipher *sshcrypto.StreamCipher, mac *sshcrypto.PacketMAC) {
	d.cipher = cipher
	d.mac = mac
}

func (d *Direction) blockSize() int {
	if d.cipher == nil {
		return 8
	}
	return sshcrypto.BlockSize
}

// Transport reads and writes SSH binary packets over a byte stream,
// maintaining independent send and receive directions.
type Transport struct {
	rw  io.ReadWriter
	in  *Direction
	out *Direction
}

// New wraps rw (typically a net.Conn) with independent cleartext
// directions; Rekey is called on each Direction once keys are derived.
func New(rw io.ReadWriter) *Transport {
	return &Transport{
		rw:  rw,
		in:  NewDirection(nil, nil),
		out: NewDirection(nil, nil),
	}
}

// In and Out expose the receive and send directions so the session layer
// can rekey them after a NEWKEYS boundary.
func (t *Transport) In() *Direction  { return t.in }
func (t *Transport) Out() *Direction { return t.out }

// Recv reads, decrypts, verifies and returns one packet's payload. It
// implements spec §4.5's receive algorithm: read the first cipher block
// to learn packet_length (decrypting it in the process), read the
// remainder of the framed packet, verify the MAC over seq||cleartext
// frame, then strip padding. The receive sequence number is incremented
// whether or not verification succeeds, so re-synchronization never
// occurs after a MAC failure — the connection must be torn down instead.
func (t *Transport) Recv() ([]byte, error) {
	blockSize := t.in.blockSize()

	firstBlock := make([]byte, blockSize)
	if _, err := io.ReadFull(t.rw, firstBlock); err != nil {
		return nil, fmt.Errorf("transport: read first block: %w", err)
	}
	if t.in.cipher != nil {
		t.in.cipher.XORKeyStream(firstBlock, firstBlock)
	}

	packetLen := binary.BigEndian.Uint32(firstBlock[:4])
	if packetLen > wire.MaxPacketLength {
		return nil, wire.ErrPacketTooLarge
	}
	// The 4-byte length field itself does not count toward packet_length.
	remaining := int(packetLen) - (blockSize - 4)
	if remaining < 0 {
		return nil, wire.ErrMalformedPacket
	}

	rest := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(t.rw, rest); err != nil {
			return nil, fmt.Errorf("transport: read packet body: %w", err)
		}
		if t.in.cipher != nil {
			t.in.cipher.XORKeyStream(rest, rest)
		}
	}

	frame := append(firstBlock, rest...)

	if t.in.mac != nil {
		tag := make([]byte, t.in.mac.Size())
		if _, err := io.ReadFull(t.rw, tag); err != nil {
			return nil, fmt.Errorf("transport: read MAC tag: %w", err)
		}
		if !t.in.mac.Verify(t.in.seq, frame, tag) {
			t.in.seq++
			return nil, fmt.Errorf("transport: MAC verification failed")
		}
	}
	t.in.seq++

	return wire.ParseFrame(frame)
}

// Send frames, authenticates and encrypts payload, then writes it. It
// implements spec §4.5's send algorithm. The MAC signs the frame using
// the sequence number as it stood *before* this send — the pre-increment
// rule spec §9 resolves as correct; the sequence is incremented only
// after the MAC has been computed, never before.
func (t *Transport) Send(payload []byte) error {
	blockSize := t.out.blockSize()
	randomPad := t.out.cipher != nil

	frame, err := wire.Frame(payload, blockSize, randomPad)
	if err != nil {
		return fmt.Errorf("transport: frame packet: %w", err)
	}

	var tag []byte
	if t.out.mac != nil {
		tag = t.out.mac.Sign(t.out.seq, frame)
	}
	t.out.seq++

	if t.out.cipher != nil {
		t.out.cipher.XORKeyStream(frame, frame)
	}
	if tag != nil {
		frame = append(frame, tag...)
	}

	if _, err := t.rw.Write(frame); err != nil {
		return fmt.Errorf("transport: write packet: %w", err)
	}
	return nil
}

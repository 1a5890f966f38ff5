package wire

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Message type constants (RFC 4253/4254 message numbers).
const (
	MsgDisconnect      uint8 = 1
	MsgServiceRequest  uint8 = 5
	MsgServiceAccept   uint8 = 6
	MsgKexInit         uint8 = 20
	MsgNewKeys         uint8 = 21
	MsgKexECDHInit     uint8 = 30
	MsgKexECDHReply    uint8 = 31
	MsgUserAuthRequest uint8 = 50
	MsgUserAuthFailure uint8 = 51
	MsgUserAuthSuccess uint8 = 52

	MsgChannelOpen             uint8 = 90
	MsgChannelOpenConfirmation uint8 = 91
	MsgChannelOpenFailure      uint8 = 92
	MsgChannelWindowAdjust     uint8 = 93
	MsgChannelData             uint8 = 94
	MsgChannelEOF              uint8 = 96
	MsgChannelClose            uint8 = 97
	MsgChannelRequest          uint8 = 98
	MsgChannelSuccess          uint8 = 99
	MsgChannelFailure          uint8 = 100
)

// MsgTypeName returns a human-readable name for a message type, for logging.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgServiceRequest:
		return "SERVICE_REQUEST"
	case MsgServiceAccept:
		return "SERVICE_ACCEPT"
	case MsgKexInit:
		return "KEXINIT"
	case MsgNewKeys:
		return "NEWKEYS"
	case MsgKexECDHInit:
		return "KEX_ECDH_INIT"
	case MsgKexECDHReply:
		return "KEX_ECDH_REPLY"
	case MsgUserAuthRequest:
		return "USERAUTH_REQUEST"
	case MsgUserAuthFailure:
		return "USERAUTH_FAILURE"
	case MsgUserAuthSuccess:
		return "USERAUTH_SUCCESS"
	case MsgChannelOpen:
		return "CHANNEL_OPEN"
	case MsgChannelOpenConfirmation:
		return "CHANNEL_OPEN_CONFIRMATION"
	case MsgChannelOpenFailure:
		return "CHANNEL_OPEN_FAILURE"
	case MsgChannelWindowAdjust:
		return "CHANNEL_WINDOW_ADJUST"
	case MsgChannelData:
		return "CHANNEL_DATA"
	case MsgChannelEOF:
		return "CHANNEL_EOF"
	case MsgChannelClose:
		return "CHANNEL_CLOSE"
	case MsgChannelRequest:
		return "CHANNEL_REQUEST"
	case MsgChannelSuccess:
		return "CHANNEL_SUCCESS"
	case MsgChannelFailure:
		return "CHANNEL_FAILURE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// MaxPacketLength bounds packet_length per RFC 4253 to prevent resource
// exhaustion from a hostile or confused peer.
const MaxPacketLength = 35000

// MinPadding and MaxPadding bound RFC 4253's padding_length field.
const (
	MinPadding = 4
	MaxPadding = 255
)

var (
	// ErrPacketTooLarge is returned when packet_length exceeds MaxPacketLength.
	ErrPacketTooLarge = errors.New("wire: packet exceeds maximum length")
	// ErrMalformedPacket is returned when framing fields are inconsistent.
	ErrMalformedPacket = errors.New("wire: malformed packet")
)

// Packet is an SSH binary packet payload: the message-type byte followed
// by message-specific fields. It carries no padding or MAC — those belong
// to the framed wire representation built by Frame/ParseFrame.
type Packet struct {
	Payload []byte
}

// NewPacket starts a packet builder for the given message type.
func NewPacket(msgType uint8) *Packet {
	return &Packet{Payload: []byte{msgType}}
}

// MsgType returns the packet's message-type byte.
func (p *Packet) MsgType() uint8 {
	if len(p.Payload) == 0 {
		return 0
	}
	return p.Payload[0]
}

// Reader returns a Reader positioned after the message-type byte.
func (p *Packet) Reader() *Reader {
	if len(p.Payload) == 0 {
		return NewReader(nil)
	}
	return NewReader(p.Payload[1:])
}

// Append adds raw encoded fields (from a Writer) to the packet body.
func (p *Packet) Append(b []byte) *Packet {
	p.Payload = append(p.Payload, b...)
	return p
}

// Frame serializes a packet to the RFC 4253 §6 wire representation:
//
//	packet_length:u32 || padding_length:u8 || payload || padding
//
// packet_length counts padding_length + payload + padding (not itself).
// blockSize is the cipher block size in use (8 when no cipher is active).
// randomPad selects whether padding bytes are filled from crypto/rand
// (required once encryption is active) or left zero (plaintext packets).
func Frame(payload []byte, blockSize int, randomPad bool) ([]byte, error) {
	if len(payload) > MaxPacketLength {
		return nil, ErrPacketTooLarge
	}
	if blockSize < 8 {
		blockSize = 8
	}

	// packet_length(4) + padding_length(1) + payload + padding must be a
	// multiple of blockSize, with padding in [MinPadding, MaxPadding].
	padLen := blockSize - ((5 + len(payload)) % blockSize)
	if padLen < MinPadding {
		padLen += blockSize
	}
	for padLen > MaxPadding {
		padLen -= blockSize
	}

	packetLen := 1 + len(payload) + padLen
	buf := make([]byte, 4+packetLen)
	w := NewWriter()
	w.Uint32(uint32(packetLen))
	w.Byte(uint8(padLen))
	w.RawBytes(payload)
	copy(buf, w.Bytes())

	pad := buf[4+5+len(payload):]
	if randomPad {
		if _, err := rand.Read(pad); err != nil {
			return nil, fmt.Errorf("wire: generate padding: %w", err)
		}
	}
	return buf, nil
}

// ParseFrame extracts packet_length, padding_length and payload from a
// fully-assembled cleartext frame (as produced by Frame, post-decryption).
func ParseFrame(buf []byte) (payload []byte, err error) {
	if len(buf) < 5 {
		return nil, ErrMalformedPacket
	}
	r := NewReader(buf)
	packetLen, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if packetLen > MaxPacketLength {
		return nil, ErrPacketTooLarge
	}
	if uint32(len(buf)-4) != packetLen {
		return nil, ErrMalformedPacket
	}
	padLen, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if int(padLen) < MinPadding || int(padLen) > MaxPadding {
		return nil, ErrMalformedPacket
	}
	payloadLen := int(packetLen) - 1 - int(padLen)
	if payloadLen < 0 {
		return nil, ErrMalformedPacket
	}
	payload, err = r.RawBytes(payloadLen)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

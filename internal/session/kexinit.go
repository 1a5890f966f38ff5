package session

import (
	"crypto/rand"
	"fmt"

	"github.com/coregate/sshd/internal/algo"
	"github.com/coregate/sshd/internal/wire"
)

// kexInitFields is a parsed SSH_MSG_KEXINIT payload (RFC 4253 §7.1),
// cookie discarded after validation since it has no cryptographic role
// beyond preventing replay of a stale KEXINIT against a new one.
type kexInitFields struct {
	kexAlgorithms           []string
	serverHostKeyAlgorithms []string
	encryptionC2S           []string
	encryptionS2C           []string
	macC2S                  []string
	macS2C                  []string
	compressionC2S          []string
	compressionS2C          []string
}

func parseKexInit(p *wire.Packet) (*kexInitFields, error) {
	r := p.Reader()
	if _, err := r.RawBytes(16); err != nil {
		return nil, fmt.Errorf("session: read KEXINIT cookie: %w", err)
	}

	var f kexInitFields
	fields := []*[]string{
		&f.kexAlgorithms, &f.serverHostKeyAlgorithms,
		&f.encryptionC2S, &f.encryptionS2C,
		&f.macC2S, &f.macS2C,
		&f.compressionC2S, &f.compressionS2C,
	}
	for _, dst := range fields {
		names, err := r.NameList()
		if err != nil {
			return nil, fmt.Errorf("session: read KEXINIT name-list: %w", err)
		}
		*dst = names
	}

	// Two empty language name-lists, first_kex_packet_follows, reserved.
	if _, err := r.NameList(); err != nil {
		return nil, err
	}
	if _, err := r.NameList(); err != nil {
		return nil, err
	}
	if _, err := r.Bool(); err != nil {
		return nil, err
	}
	if _, err := r.Uint32(); err != nil {
		return nil, err
	}
	return &f, nil
}

// negotiated holds the result of running RFC 4253 §7.1 negotiation over
// a parsed client KEXINIT against this server's algo registry.
type negotiated struct {
	kex         string
	hostKey     string
	encryption  string
	mac         string
	compression string
}

func negotiate(f *kexInitFields) (*negotiated, error) {
	kex, err := algo.Negotiate("kex", algo.KeyExchange, f.kexAlgorithms)
	if err != nil {
		return nil, err
	}
	hostKey, err := algo.Negotiate("host-key", algo.HostKey, f.serverHostKeyAlgorithms)
	if err != nil {
		return nil, err
	}
	// RFC 4253 negotiates encryption/MAC/compression independently per
	// direction; this server supports exactly one algorithm in each
	// category so both directions necessarily agree.
	encC2S, err := algo.Negotiate("encryption", algo.Encryption, f.encryptionC2S)
	if err != nil {
		return nil, err
	}
	if _, err := algo.Negotiate("encryption", algo.Encryption, f.encryptionS2C); err != nil {
		return nil, err
	}
	macC2S, err := algo.Negotiate("mac", algo.MAC, f.macC2S)
	if err != nil {
		return nil, err
	}
	if _, err := algo.Negotiate("mac", algo.MAC, f.macS2C); err != nil {
		return nil, err
	}
	comp, err := algo.Negotiate("compression", algo.Compression, f.compressionC2S)
	if err != nil {
		return nil, err
	}
	if _, err := algo.Negotiate("compression", algo.Compression, f.compressionS2C); err != nil {
		return nil, err
	}
	return &negotiated{kex: kex, hostKey: hostKey, encryption: encC2S, mac: macC2S, compression: comp}, nil
}

// buildServerKexInit constructs this server's own SSH_MSG_KEXINIT packet,
// advertising the full algo registry preference lists.
func buildServerKexInit() (*wire.Packet, error) {
	var cookie [16]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return nil, fmt.Errorf("session: generate KEXINIT cookie: %w", err)
	}

	p := wire.NewPacket(wire.MsgKexInit)
	w := wire.NewWriter()
	w.RawBytes(cookie[:])
	w.NameList(algo.KeyExchange)
	w.NameList(algo.HostKey)
	w.NameList(algo.Encryption)
	w.NameList(algo.Encryption)
	w.NameList(algo.MAC)
	w.NameList(algo.MAC)
	w.NameList(algo.Compression)
	w.NameList(algo.Compression)
	w.NameList(nil) // languages client-to-server
	w.NameList(nil) // languages server-to-client
	w.Bool(false)   // first_kex_packet_follows
	w.Uint32(0)     // reserved
	p.Append(w.Bytes())
	return p, nil
}

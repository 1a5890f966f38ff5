// Package session implements the connection-level state machine: version
// banner exchange, KEXINIT negotiation, the Curve25519-SHA256 key
// exchange and its rekeys, the ssh-userauth password service, and
// dispatch into the channel multiplexer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/coregate/sshd/internal/channel"
	"github.com/coregate/sshd/internal/hostkey"
	"github.com/coregate/sshd/internal/kex"
	"github.com/coregate/sshd/internal/pty"
	"github.com/coregate/sshd/internal/sshcrypto"
	"github.com/coregate/sshd/internal/transport"
	"github.com/coregate/sshd/internal/wire"
)

// State is the connection's coarse lifecycle state, per spec §3.
type State int32

const (
	StateInitial State = iota
	StateKeyExchange
	StateEstablished
)

// Authenticator verifies a password userauth attempt.
type Authenticator func(username, password string) bool

// Metrics is the optional observability collaborator a Session reports
// to; every method is called at most once per relevant event, and a nil
// Metrics is valid (all reporting calls are skipped).
type Metrics interface {
	ConnectionAccepted()
	ConnectionClosed()
	HandshakeSucceeded()
	HandshakeFailed(reason string)
	AuthSucceeded(username string)
	AuthFailed(username string)
	ChannelOpened()
	ChannelClosed()
	RecordBytesSent(n int)
	RecordBytesReceived(n int)
}

// Config configures a Session's dependencies.
type Config struct {
	HostKey      hostkey.KeyPair
	Authenticate Authenticator
	Logger       *slog.Logger
	Metrics      Metrics
}

// errGracefulDisconnect signals the client sent SSH_MSG_DISCONNECT or
// closed its side cleanly; Serve returns nil in this case.
type errGracefulDisconnect struct{}

func (errGracefulDisconnect) Error() string { return "session: peer disconnected" }

// recvResult is one entry from the background packet reader.
type recvResult struct {
	packet *wire.Packet
	err    error
}

// Session is the per-connection state machine. One goroutine (the caller
// of Serve) owns it; a background reader goroutine only decodes incoming
// packets into packetCh, and each channel with an active PTY runs one
// auxiliary goroutine publishing into the shared channel event queue —
// all mutation of Session fields happens on the Serve goroutine itself.
type Session struct {
	ctx       context.Context
	cfg       *Config
	conn      net.Conn
	transport *transport.Transport
	logger    *slog.Logger

	state      State
	exCtx      *kex.ExchangeContext
	kexState   *kex.State
	sessionID  []byte
	negotiated *negotiated

	authenticated bool
	username      string

	channels *channel.Manager
	events   chan channel.Event
}

// Serve runs the full connection lifecycle on conn until the peer
// disconnects or a protocol-level Error occurs. It always closes conn
// before returning.
func Serve(ctx context.Context, conn net.Conn, cfg *Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))

	s := &Session{
		ctx:       ctx,
		cfg:       cfg,
		conn:      conn,
		transport: transport.New(conn),
		logger:    logger,
		state:     StateInitial,
		events:    make(chan channel.Event, 256),
	}
	s.channels = channel.NewManager(s.events)

	defer conn.Close()
	defer s.channels.CloseAll()

	if cfg.Metrics != nil {
		cfg.Metrics.ConnectionAccepted()
		defer cfg.Metrics.ConnectionClosed()
	}

	if err := transport.SendBanner(conn); err != nil {
		return newError(ErrKindIO, err)
	}
	clientBanner, err := transport.ReadBanner(conn)
	if err != nil {
		return newError(ErrKindIO, err)
	}
	logger.Debug("peer identified", slog.String("banner", string(clientBanner)))

	s.exCtx = &kex.ExchangeContext{
		ClientBanner: clientBanner,
		ServerBanner: []byte(transport.ServerBanner),
	}
	s.state = StateKeyExchange

	packetCh := make(chan recvResult, 1)
	go s.readLoop(packetCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-packetCh:
			if res.err != nil {
				if _, ok := res.err.(errGracefulDisconnect); ok {
					return nil
				}
				if se, ok := res.err.(*Error); ok && cfg.Metrics != nil && s.state != StateEstablished {
					cfg.Metrics.HandshakeFailed(se.Kind.String())
				}
				return res.err
			}
			if err := s.dispatch(res.packet); err != nil {
				if _, ok := err.(errGracefulDisconnect); ok {
					return nil
				}
				if se, ok := err.(*Error); ok && cfg.Metrics != nil && s.state != StateEstablished {
					cfg.Metrics.HandshakeFailed(se.Kind.String())
				}
				return err
			}
		case ev := <-s.events:
			if err := s.handleChannelEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(out chan<- recvResult) {
	for {
		payload, err := s.transport.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				out <- recvResult{err: errGracefulDisconnect{}}
				return
			}
			out <- recvResult{err: newError(ErrKindIO, err)}
			return
		}
		out <- recvResult{packet: &wire.Packet{Payload: payload}}
	}
}

func (s *Session) send(p *wire.Packet) error {
	if err := s.transport.Send(p.Payload); err != nil {
		return newError(ErrKindIO, err)
	}
	return nil
}

func (s *Session) dispatch(p *wire.Packet) error {
	switch p.MsgType() {
	case wire.MsgDisconnect:
		return errGracefulDisconnect{}
	case wire.MsgKexInit:
		return s.handleKexInit(p)
	case wire.MsgKexECDHInit:
		return s.handleECDHInit(p)
	case wire.MsgNewKeys:
		return s.handleNewKeys(p)
	case wire.MsgServiceRequest:
		return s.handleServiceRequest(p)
	case wire.MsgUserAuthRequest:
		return s.handleUserAuthRequest(p)
	case wire.MsgChannelOpen:
		return s.handleChannelOpen(p)
	case wire.MsgChannelRequest:
		return s.handleChannelRequest(p)
	case wire.MsgChannelData:
		return s.handleChannelData(p)
	case wire.MsgChannelWindowAdjust:
		return s.handleChannelWindowAdjust(p)
	case wire.MsgChannelEOF:
		return nil
	case wire.MsgChannelClose:
		return s.handleChannelClose(p)
	default:
		s.logger.Warn("unhandled message", slog.String("type", wire.MsgTypeName(p.MsgType())))
		return newError(ErrKindProtocol, fmt.Errorf("unhandled message type %s", wire.MsgTypeName(p.MsgType())))
	}
}

// handleKexInit parses the peer's SSH_MSG_KEXINIT, negotiates algorithms,
// and always replies with a fresh server KEXINIT of our own — on the
// initial handshake and on every subsequent client-initiated rekey alike,
// mirroring the dispatch in original_source's kex_init.
func (s *Session) handleKexInit(p *wire.Packet) error {
	fields, err := parseKexInit(p)
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	neg, err := negotiate(fields)
	if err != nil {
		return newError(ErrKindNegotiation, err)
	}
	s.negotiated = neg
	s.exCtx.ClientKexInitPayload = p.Payload

	reply, err := buildServerKexInit()
	if err != nil {
		return newError(ErrKindKeyExchange, err)
	}
	s.exCtx.ServerKexInitPayload = reply.Payload

	s.kexState = kex.NewState(s.cfg.HostKey)
	s.state = StateKeyExchange

	return s.send(reply)
}

func (s *Session) handleECDHInit(p *wire.Packet) error {
	if s.state != StateKeyExchange || s.kexState == nil {
		return newError(ErrKindProtocol, fmt.Errorf("KEX_ECDH_INIT outside a key-exchange round"))
	}
	r := p.Reader()
	qc, err := r.String()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}

	reply, err := s.kexState.HandleECDHInit(s.exCtx, qc)
	if err != nil {
		return newError(ErrKindKeyExchange, err)
	}
	if err := s.send(reply.Packet); err != nil {
		return err
	}

	if s.sessionID == nil {
		s.sessionID = append([]byte(nil), s.kexState.ExchangeHash()...)
	}

	// Send our own NEWKEYS immediately, in the current (pre-rekey) keys;
	// both directions switch together only once the peer's own NEWKEYS
	// is received back, in handleNewKeys.
	return s.send(wire.NewPacket(wire.MsgNewKeys))
}

func (s *Session) handleNewKeys(p *wire.Packet) error {
	if s.kexState == nil || s.sessionID == nil {
		return newError(ErrKindKeyGeneration, fmt.Errorf("NEWKEYS received before a completed key exchange"))
	}

	keys := kex.DeriveKeys(s.kexState.SharedSecret(), s.kexState.ExchangeHash(), s.sessionID)

	inCipher, err := sshcrypto.NewStreamCipher(keys.EncClientToServer, keys.IVClientToServer)
	if err != nil {
		return newError(ErrKindKeyGeneration, err)
	}
	inMac, err := sshcrypto.NewPacketMAC(keys.MACClientToServer)
	if err != nil {
		return newError(ErrKindKeyGeneration, err)
	}
	outCipher, err := sshcrypto.NewStreamCipher(keys.EncServerToClient, keys.IVServerToClient)
	if err != nil {
		return newError(ErrKindKeyGeneration, err)
	}
	outMac, err := sshcrypto.NewPacketMAC(keys.MACServerToClient)
	if err != nil {
		return newError(ErrKindKeyGeneration, err)
	}

	s.transport.In().Rekey(inCipher, inMac)
	s.transport.Out().Rekey(outCipher, outMac)

	wasFirstHandshake := s.state != StateEstablished
	s.state = StateEstablished
	s.kexState = nil

	if wasFirstHandshake {
		s.logger.Info("key exchange established")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HandshakeSucceeded()
		}
	} else {
		s.logger.Info("rekey complete")
	}
	return nil
}

const userAuthService = "ssh-userauth"

func (s *Session) handleServiceRequest(p *wire.Packet) error {
	r := p.Reader()
	name, err := r.Utf8()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	if name != userAuthService {
		return newError(ErrKindProtocol, fmt.Errorf("unsupported service %q", name))
	}

	res := wire.NewPacket(wire.MsgServiceAccept)
	res.Append(wire.NewWriter().Utf8(name).Bytes())
	return s.send(res)
}

func (s *Session) handleUserAuthRequest(p *wire.Packet) error {
	r := p.Reader()
	username, err := r.Utf8()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	service, err := r.Utf8()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	method, err := r.Utf8()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}

	success := false
	if method == "password" && s.cfg.Authenticate != nil {
		changeReq, err := r.Bool()
		if err != nil {
			return newError(ErrKindProtocol, err)
		}
		password, err := r.Utf8()
		if err != nil {
			return newError(ErrKindProtocol, err)
		}
		// A password-change request (CHANGE-REQUEST boolean true) is not
		// offered by this server; treat it as a failed attempt rather
		// than erroring the connection.
		if !changeReq {
			success = s.cfg.Authenticate(username, password)
		}
	}

	s.logger.Debug("userauth attempt",
		slog.String("username", username),
		slog.String("service", service),
		slog.String("method", method),
		slog.Bool("success", success))

	if success {
		s.username = username
		s.authenticated = true
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthSucceeded(username)
		}
		return s.send(wire.NewPacket(wire.MsgUserAuthSuccess))
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AuthFailed(username)
	}
	res := wire.NewPacket(wire.MsgUserAuthFailure)
	res.Append(wire.NewWriter().NameList([]string{"password"}).Bool(false).Bytes())
	return s.send(res)
}

// Open failure reason codes, RFC 4254 §5.1.
const (
	openAdministrativelyProhibited uint32 = 1
	openUnknownChannelType         uint32 = 3
)

func (s *Session) handleChannelOpen(p *wire.Packet) error {
	r := p.Reader()
	channelType, err := r.Utf8()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	senderChannel, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	windowSize, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	maxPacket, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}

	if !s.authenticated {
		return s.channelOpenFailure(senderChannel, openAdministrativelyProhibited, "authentication required")
	}

	ch, err := s.channels.Open(channelType, senderChannel, windowSize, maxPacket)
	if err != nil {
		return s.channelOpenFailure(senderChannel, openUnknownChannelType, err.Error())
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChannelOpened()
	}

	res := wire.NewPacket(wire.MsgChannelOpenConfirmation)
	res.Append(wire.NewWriter().
		Uint32(ch.RemoteID).
		Uint32(ch.LocalID).
		Uint32(channel.InitialWindowSize()).
		Uint32(channel.MaxPacketSize()).
		Bytes())
	return s.send(res)
}

func (s *Session) channelOpenFailure(recipientChannel, reason uint32, description string) error {
	res := wire.NewPacket(wire.MsgChannelOpenFailure)
	res.Append(wire.NewWriter().
		Uint32(recipientChannel).
		Uint32(reason).
		Utf8(description).
		Utf8("").
		Bytes())
	return s.send(res)
}

func (s *Session) handleChannelRequest(p *wire.Packet) error {
	r := p.Reader()
	localID, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	requestType, err := r.Utf8()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	wantReply, err := r.Bool()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}

	ch, ok := s.channels.Get(localID)
	if !ok {
		s.logger.Warn("channel request for unknown channel", slog.Uint64("channel", uint64(localID)))
		return nil
	}

	var reqErr error
	switch requestType {
	case "pty-req":
		reqErr = s.handlePTYRequest(ch, r)
	case "shell":
		reqErr = ch.StartPTY(s.ctx, &pty.Request{
			Term: ch.PendingTerm(),
			Rows: ch.PendingRows(),
			Cols: ch.PendingCols(),
		})
	case "window-change":
		reqErr = s.handleWindowChange(ch, r)
	default:
		reqErr = fmt.Errorf("unsupported channel request %q", requestType)
	}

	if !wantReply {
		return nil
	}
	if reqErr != nil {
		s.logger.Debug("channel request failed",
			slog.String("type", requestType), slog.String("error", reqErr.Error()))
		res := wire.NewPacket(wire.MsgChannelFailure)
		res.Append(wire.NewWriter().Uint32(ch.RemoteID).Bytes())
		return s.send(res)
	}
	res := wire.NewPacket(wire.MsgChannelSuccess)
	res.Append(wire.NewWriter().Uint32(ch.RemoteID).Bytes())
	return s.send(res)
}

func (s *Session) handlePTYRequest(ch *channel.Channel, r *wire.Reader) error {
	term, err := r.Utf8()
	if err != nil {
		return err
	}
	cols, err := r.Uint32()
	if err != nil {
		return err
	}
	rows, err := r.Uint32()
	if err != nil {
		return err
	}
	if _, err := r.Uint32(); err != nil { // pixel width
		return err
	}
	if _, err := r.Uint32(); err != nil { // pixel height
		return err
	}
	if _, err := r.String(); err != nil { // encoded terminal modes
		return err
	}
	ch.SetPendingTerminal(term, uint16(rows), uint16(cols))
	return nil
}

func (s *Session) handleWindowChange(ch *channel.Channel, r *wire.Reader) error {
	cols, err := r.Uint32()
	if err != nil {
		return err
	}
	rows, err := r.Uint32()
	if err != nil {
		return err
	}
	if _, err := r.Uint32(); err != nil { // pixel width
		return err
	}
	if _, err := r.Uint32(); err != nil { // pixel height
		return err
	}
	return ch.Resize(uint16(rows), uint16(cols))
}

func (s *Session) handleChannelData(p *wire.Packet) error {
	r := p.Reader()
	localID, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	data, err := r.String()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}

	ch, ok := s.channels.Get(localID)
	if !ok {
		return nil
	}
	adjust, err := ch.ConsumeLocalWindow(uint32(len(data)))
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordBytesReceived(len(data))
	}
	if err := ch.WriteInput(data); err != nil {
		s.logger.Debug("write to channel input failed", slog.String("error", err.Error()))
	}
	if adjust > 0 {
		res := wire.NewPacket(wire.MsgChannelWindowAdjust)
		res.Append(wire.NewWriter().Uint32(ch.RemoteID).Uint32(adjust).Bytes())
		return s.send(res)
	}
	return nil
}

func (s *Session) handleChannelWindowAdjust(p *wire.Packet) error {
	r := p.Reader()
	localID, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	n, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	if ch, ok := s.channels.Get(localID); ok {
		ch.AdjustRemoteWindow(n)
	}
	return nil
}

func (s *Session) handleChannelClose(p *wire.Packet) error {
	r := p.Reader()
	localID, err := r.Uint32()
	if err != nil {
		return newError(ErrKindProtocol, err)
	}
	ch, ok := s.channels.Get(localID)
	if !ok {
		return nil
	}
	res := wire.NewPacket(wire.MsgChannelClose)
	res.Append(wire.NewWriter().Uint32(ch.RemoteID).Bytes())
	if err := s.send(res); err != nil {
		return err
	}
	s.channels.Remove(localID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChannelClosed()
	}
	return nil
}

func (s *Session) handleChannelEvent(ev channel.Event) error {
	ch, ok := s.channels.Get(ev.ChannelID)
	if !ok {
		return nil
	}
	switch ev.Kind {
	case channel.EventData:
		remaining := ev.Data
		for len(remaining) > 0 {
			n := ch.TakeRemoteWindow(uint32(len(remaining)))
			if n == 0 {
				// The peer's advertised window is exhausted; drop the
				// remainder rather than block the connection goroutine.
				// A well-behaved client keeps the window large enough
				// that interactive shell output never hits this path.
				break
			}
			chunk := remaining[:n]
			remaining = remaining[n:]
			res := wire.NewPacket(wire.MsgChannelData)
			res.Append(wire.NewWriter().Uint32(ch.RemoteID).String(chunk).Bytes())
			if err := s.send(res); err != nil {
				return err
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordBytesSent(len(chunk))
			}
		}
		return nil
	case channel.EventClosed:
		eof := wire.NewPacket(wire.MsgChannelEOF)
		eof.Append(wire.NewWriter().Uint32(ch.RemoteID).Bytes())
		if err := s.send(eof); err != nil {
			return err
		}
		closeMsg := wire.NewPacket(wire.MsgChannelClose)
		closeMsg.Append(wire.NewWriter().Uint32(ch.RemoteID).Bytes())
		if err := s.send(closeMsg); err != nil {
			return err
		}
		s.channels.Remove(ev.ChannelID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ChannelClosed()
		}
		return nil
	default:
		return nil
	}
}

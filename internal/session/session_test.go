package session

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/coregate/sshd/internal/channel"
	"github.com/coregate/sshd/internal/hostkey"
	"github.com/coregate/sshd/internal/kex"
	"github.com/coregate/sshd/internal/sshcrypto"
	"github.com/coregate/sshd/internal/transport"
	"github.com/coregate/sshd/internal/wire"
)

func newTestSession(t *testing.T, cfg *Config) (*Session, *bytes.Buffer) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	var buf bytes.Buffer
	s := &Session{
		ctx:       context.Background(),
		cfg:       cfg,
		transport: transport.New(&buf),
		logger:    slog.Default(),
		state:     StateKeyExchange,
		events:    make(chan channel.Event, 16),
	}
	s.channels = channel.NewManager(s.events)
	s.exCtx = &kex.ExchangeContext{
		ClientBanner: []byte("SSH-2.0-test"),
		ServerBanner: []byte(transport.ServerBanner),
	}
	return s, &buf
}

func recvPayload(t *testing.T, tr *transport.Transport) []byte {
	t.Helper()
	payload, err := tr.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	return payload
}

func TestHandleServiceRequestAcceptsUserAuth(t *testing.T) {
	s, _ := newTestSession(t, nil)
	req := wire.NewPacket(wire.MsgServiceRequest)
	req.Append(wire.NewWriter().Utf8("ssh-userauth").Bytes())

	if err := s.handleServiceRequest(req); err != nil {
		t.Fatalf("handleServiceRequest() error = %v", err)
	}

	payload := recvPayload(t, s.transport)
	if payload[0] != wire.MsgServiceAccept {
		t.Fatalf("reply type = %d, want MsgServiceAccept", payload[0])
	}
	name, err := wire.NewReader(payload[1:]).Utf8()
	if err != nil || name != "ssh-userauth" {
		t.Errorf("accepted service = %q, err = %v, want ssh-userauth", name, err)
	}
}

func TestHandleServiceRequestRejectsUnknownService(t *testing.T) {
	s, _ := newTestSession(t, nil)
	req := wire.NewPacket(wire.MsgServiceRequest)
	req.Append(wire.NewWriter().Utf8("ssh-connection").Bytes())

	err := s.handleServiceRequest(req)
	if err == nil {
		t.Fatal("handleServiceRequest() with unknown service expected error, got nil")
	}
	sErr, ok := err.(*Error)
	if !ok || sErr.Kind != ErrKindProtocol {
		t.Errorf("error = %v, want ErrKindProtocol", err)
	}
}

func buildUserAuthRequest(username, service, method string, extra ...func(*wire.Writer)) *wire.Packet {
	w := wire.NewWriter().Utf8(username).Utf8(service).Utf8(method)
	for _, f := range extra {
		f(w)
	}
	p := wire.NewPacket(wire.MsgUserAuthRequest)
	p.Append(w.Bytes())
	return p
}

func TestHandleUserAuthRequestSuccess(t *testing.T) {
	cfg := &Config{Authenticate: func(username, password string) bool {
		return username == "alice" && password == "secret"
	}}
	s, _ := newTestSession(t, cfg)

	req := buildUserAuthRequest("alice", "ssh-connection", "password", func(w *wire.Writer) {
		w.Bool(false).Utf8("secret")
	})
	if err := s.handleUserAuthRequest(req); err != nil {
		t.Fatalf("handleUserAuthRequest() error = %v", err)
	}
	if !s.authenticated || s.username != "alice" {
		t.Errorf("authenticated = %v, username = %q, want true, \"alice\"", s.authenticated, s.username)
	}

	payload := recvPayload(t, s.transport)
	if payload[0] != wire.MsgUserAuthSuccess {
		t.Errorf("reply type = %d, want MsgUserAuthSuccess", payload[0])
	}
}

func TestHandleUserAuthRequestWrongPassword(t *testing.T) {
	cfg := &Config{Authenticate: func(username, password string) bool { return false }}
	s, _ := newTestSession(t, cfg)

	req := buildUserAuthRequest("bob", "ssh-connection", "password", func(w *wire.Writer) {
		w.Bool(false).Utf8("wrong")
	})
	if err := s.handleUserAuthRequest(req); err != nil {
		t.Fatalf("handleUserAuthRequest() error = %v", err)
	}
	if s.authenticated {
		t.Error("authenticated = true after a failed attempt")
	}

	payload := recvPayload(t, s.transport)
	if payload[0] != wire.MsgUserAuthFailure {
		t.Fatalf("reply type = %d, want MsgUserAuthFailure", payload[0])
	}
	r := wire.NewReader(payload[1:])
	methods, err := r.NameList()
	if err != nil || len(methods) != 1 || methods[0] != "password" {
		t.Errorf("failure methods = %v, err = %v, want [password]", methods, err)
	}
}

func TestHandleUserAuthRequestUnsupportedMethod(t *testing.T) {
	cfg := &Config{Authenticate: func(username, password string) bool { return true }}
	s, _ := newTestSession(t, cfg)

	req := buildUserAuthRequest("alice", "ssh-connection", "publickey")
	if err := s.handleUserAuthRequest(req); err != nil {
		t.Fatalf("handleUserAuthRequest() error = %v", err)
	}
	if s.authenticated {
		t.Error("authenticated = true for an unsupported method")
	}
	payload := recvPayload(t, s.transport)
	if payload[0] != wire.MsgUserAuthFailure {
		t.Errorf("reply type = %d, want MsgUserAuthFailure", payload[0])
	}
}

func buildChannelOpen(channelType string, senderChannel, window, maxPacket uint32) *wire.Packet {
	p := wire.NewPacket(wire.MsgChannelOpen)
	p.Append(wire.NewWriter().Utf8(channelType).Uint32(senderChannel).Uint32(window).Uint32(maxPacket).Bytes())
	return p
}

func TestHandleChannelOpenRequiresAuthentication(t *testing.T) {
	s, _ := newTestSession(t, nil)
	req := buildChannelOpen(channel.SupportedChannelType, 3, 1<<20, 1<<15)

	if err := s.handleChannelOpen(req); err != nil {
		t.Fatalf("handleChannelOpen() error = %v", err)
	}
	payload := recvPayload(t, s.transport)
	if payload[0] != wire.MsgChannelOpenFailure {
		t.Fatalf("reply type = %d, want MsgChannelOpenFailure", payload[0])
	}
	r := wire.NewReader(payload[1:])
	recipient, _ := r.Uint32()
	reason, _ := r.Uint32()
	if recipient != 3 || reason != openAdministrativelyProhibited {
		t.Errorf("recipient = %d, reason = %d, want 3, %d", recipient, reason, openAdministrativelyProhibited)
	}
}

func TestHandleChannelOpenUnknownType(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.authenticated = true
	req := buildChannelOpen("direct-tcpip", 5, 1<<20, 1<<15)

	if err := s.handleChannelOpen(req); err != nil {
		t.Fatalf("handleChannelOpen() error = %v", err)
	}
	payload := recvPayload(t, s.transport)
	r := wire.NewReader(payload[1:])
	_, _ = r.Uint32()
	reason, _ := r.Uint32()
	if reason != openUnknownChannelType {
		t.Errorf("reason = %d, want %d", reason, openUnknownChannelType)
	}
}

func TestHandleChannelOpenSuccess(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.authenticated = true
	req := buildChannelOpen(channel.SupportedChannelType, 7, 1<<20, 1<<15)

	if err := s.handleChannelOpen(req); err != nil {
		t.Fatalf("handleChannelOpen() error = %v", err)
	}
	payload := recvPayload(t, s.transport)
	if payload[0] != wire.MsgChannelOpenConfirmation {
		t.Fatalf("reply type = %d, want MsgChannelOpenConfirmation", payload[0])
	}
	r := wire.NewReader(payload[1:])
	recipient, _ := r.Uint32()
	localID, _ := r.Uint32()
	if recipient != 7 {
		t.Errorf("recipient channel = %d, want 7 (the client's sender channel)", recipient)
	}
	if _, ok := s.channels.Get(localID); !ok {
		t.Errorf("channel %d not registered after a successful open", localID)
	}
}

func TestHandleChannelWindowAdjustReplenishesOutgoingWindow(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.authenticated = true
	if err := s.handleChannelOpen(buildChannelOpen(channel.SupportedChannelType, 0, 0, 100)); err != nil {
		t.Fatalf("handleChannelOpen() error = %v", err)
	}
	recvPayload(t, s.transport) // drain CHANNEL_OPEN_CONFIRMATION

	ch, ok := s.channels.Get(0)
	if !ok {
		t.Fatal("channel 0 not found")
	}
	if got := ch.TakeRemoteWindow(10); got != 0 {
		t.Fatalf("TakeRemoteWindow() before any adjust = %d, want 0", got)
	}

	adjust := wire.NewPacket(wire.MsgChannelWindowAdjust)
	adjust.Append(wire.NewWriter().Uint32(0).Uint32(50).Bytes())
	if err := s.handleChannelWindowAdjust(adjust); err != nil {
		t.Fatalf("handleChannelWindowAdjust() error = %v", err)
	}
	if got := ch.TakeRemoteWindow(30); got != 30 {
		t.Errorf("TakeRemoteWindow(30) after adjust = %d, want 30", got)
	}
}

func TestHandleChannelCloseRespondsAndRemoves(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.authenticated = true
	if err := s.handleChannelOpen(buildChannelOpen(channel.SupportedChannelType, 9, 1<<20, 1<<15)); err != nil {
		t.Fatalf("handleChannelOpen() error = %v", err)
	}
	recvPayload(t, s.transport) // drain CHANNEL_OPEN_CONFIRMATION

	closeReq := wire.NewPacket(wire.MsgChannelClose)
	closeReq.Append(wire.NewWriter().Uint32(0).Bytes())
	if err := s.handleChannelClose(closeReq); err != nil {
		t.Fatalf("handleChannelClose() error = %v", err)
	}

	payload := recvPayload(t, s.transport)
	if payload[0] != wire.MsgChannelClose {
		t.Fatalf("reply type = %d, want MsgChannelClose", payload[0])
	}
	r := wire.NewReader(payload[1:])
	recipient, _ := r.Uint32()
	if recipient != 9 {
		t.Errorf("recipient channel = %d, want 9 (the client's sender channel)", recipient)
	}
	if _, ok := s.channels.Get(0); ok {
		t.Error("channel 0 still present after CHANNEL_CLOSE")
	}
}

func TestDispatchDisconnectIsGraceful(t *testing.T) {
	s, _ := newTestSession(t, nil)
	err := s.dispatch(wire.NewPacket(wire.MsgDisconnect))
	if _, ok := err.(errGracefulDisconnect); !ok {
		t.Errorf("dispatch(DISCONNECT) error = %v, want errGracefulDisconnect", err)
	}
}

func TestDispatchUnknownMessageIsProtocolError(t *testing.T) {
	s, _ := newTestSession(t, nil)
	err := s.dispatch(wire.NewPacket(200))
	sErr, ok := err.(*Error)
	if !ok || sErr.Kind != ErrKindProtocol {
		t.Errorf("dispatch(200) error = %v, want ErrKindProtocol", err)
	}
}

// buildClientKexInit constructs a client KEXINIT payload advertising
// exactly the algorithms this server supports, so negotiation always
// succeeds in tests exercising the handshake sequence.
func buildClientKexInit() *wire.Packet {
	w := wire.NewWriter()
	w.RawBytes(make([]byte, 16))
	for i := 0; i < 8; i++ {
		switch i {
		case 0:
			w.NameList([]string{"curve25519-sha256"})
		case 1:
			w.NameList([]string{"ssh-ed25519"})
		case 2, 3:
			w.NameList([]string{"aes256-ctr"})
		case 4, 5:
			w.NameList([]string{"hmac-sha2-256"})
		case 6, 7:
			w.NameList([]string{"none"})
		}
	}
	w.NameList(nil)
	w.NameList(nil)
	w.Bool(false)
	w.Uint32(0)
	p := wire.NewPacket(wire.MsgKexInit)
	p.Append(w.Bytes())
	return p
}

func TestFullHandshakeSequenceEstablishesSession(t *testing.T) {
	hk, err := hostkey.Generate()
	if err != nil {
		t.Fatalf("hostkey.Generate() error = %v", err)
	}
	s, _ := newTestSession(t, &Config{HostKey: hk})

	if err := s.handleKexInit(buildClientKexInit()); err != nil {
		t.Fatalf("handleKexInit() error = %v", err)
	}
	if s.kexState == nil {
		t.Fatal("kexState is nil after handleKexInit")
	}
	serverKexInit := recvPayload(t, s.transport)
	if serverKexInit[0] != wire.MsgKexInit {
		t.Fatalf("first reply type = %d, want MsgKexInit", serverKexInit[0])
	}

	_, clientPoint, err := sshcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeyPair() error = %v", err)
	}
	ecdhInit := wire.NewPacket(wire.MsgKexECDHInit)
	ecdhInit.Append(wire.NewWriter().String(clientPoint[:]).Bytes())

	if err := s.handleECDHInit(ecdhInit); err != nil {
		t.Fatalf("handleECDHInit() error = %v", err)
	}
	if s.sessionID == nil {
		t.Fatal("sessionID not set after handleECDHInit")
	}

	reply := recvPayload(t, s.transport)
	if reply[0] != wire.MsgKexECDHReply {
		t.Fatalf("reply type = %d, want MsgKexECDHReply", reply[0])
	}
	serverNewKeys := recvPayload(t, s.transport)
	if serverNewKeys[0] != wire.MsgNewKeys {
		t.Fatalf("second reply type = %d, want MsgNewKeys (sent immediately after the ECDH reply)", serverNewKeys[0])
	}

	if s.state != StateKeyExchange {
		t.Fatalf("state = %v before client NEWKEYS, want StateKeyExchange", s.state)
	}
	if err := s.handleNewKeys(wire.NewPacket(wire.MsgNewKeys)); err != nil {
		t.Fatalf("handleNewKeys() error = %v", err)
	}
	if s.state != StateEstablished {
		t.Errorf("state = %v after NEWKEYS, want StateEstablished", s.state)
	}
	if s.kexState != nil {
		t.Error("kexState not cleared after handleNewKeys")
	}
}

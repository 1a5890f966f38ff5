// Package channel implements the RFC 4254 connection-protocol channel
// multiplexer: channel open/request/data/close and the window-based flow
// control that gates CHANNEL_DATA in each direction.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coregate/sshd/internal/pty"
)

// initialWindowSize and maxPacketSize are advertised to the client in
// CHANNEL_OPEN_CONFIRMATION; they bound how much unacknowledged data the
// client may have in flight toward us at once.
const (
	initialWindowSize = 1 << 20
	maxPacketSize     = 1 << 15
	// windowAdjustThreshold is how low the local (receive) window may
	// drop before a CHANNEL_WINDOW_ADJUST is due.
	windowAdjustThreshold = initialWindowSize / 2
)

// EventKind distinguishes the events a channel's auxiliary PTY-reader
// goroutine publishes for the connection goroutine to drain.
type EventKind int

const (
	// EventData carries shell output to be framed as CHANNEL_DATA.
	EventData EventKind = iota
	// EventClosed signals the shell process has exited.
	EventClosed
)

// Event is one entry in a channel's outbound event queue.
type Event struct {
	ChannelID  uint32
	Kind       EventKind
	Data       []byte
	ExitStatus int32
}

// State is a channel's lifecycle state.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// Channel is one multiplexed RFC 4254 channel. Only the "session" channel
// type is supported, per spec scope.
type Channel struct {
	LocalID  uint32
	RemoteID uint32

	state atomic.Int32

	mu           sync.Mutex
	localWindow  uint32 // bytes we can still accept from the peer
	remoteWindow uint32 // bytes the peer can still accept from us
	remoteMaxPkt uint32

	pty       pty.Session
	ptyTerm   string
	ptyRows   uint16
	ptyCols   uint16
	closeOnce sync.Once

	events chan<- Event // shared sink owned by the Manager
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// ConsumeLocalWindow accounts for n bytes of CHANNEL_DATA just received,
// returning the amount to grant back via CHANNEL_WINDOW_ADJUST, or 0 if
// the window does not yet need replenishing.
func (c *Channel) ConsumeLocalWindow(n uint32) (adjust uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.localWindow {
		return 0, fmt.Errorf("channel %d: peer sent %d bytes, exceeding window of %d", c.LocalID, n, c.localWindow)
	}
	c.localWindow -= n
	if c.localWindow <= windowAdjustThreshold {
		adjust = initialWindowSize - c.localWindow
		c.localWindow += adjust
	}
	return adjust, nil
}

// AdjustRemoteWindow applies a CHANNEL_WINDOW_ADJUST received from the peer.
func (c *Channel) AdjustRemoteWindow(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteWindow += n
}

// TakeRemoteWindow reserves up to want bytes of the remote window for an
// outgoing CHANNEL_DATA write, returning how many bytes may actually be
// sent right now (which may be less than want, or zero).
func (c *Channel) TakeRemoteWindow(want uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if want > c.remoteMaxPkt {
		want = c.remoteMaxPkt
	}
	if want > c.remoteWindow {
		want = c.remoteWindow
	}
	c.remoteWindow -= want
	return want
}

// SetPendingTerminal records the terminal type and dimensions requested by
// a "pty-req" channel request, for the "shell" request that follows it.
func (c *Channel) SetPendingTerminal(term string, rows, cols uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ptyTerm = term
	c.ptyRows = rows
	c.ptyCols = cols
}

// PendingTerm returns the terminal type recorded by SetPendingTerminal.
func (c *Channel) PendingTerm() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptyTerm
}

// PendingRows returns the row count recorded by SetPendingTerminal.
func (c *Channel) PendingRows() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptyRows
}

// PendingCols returns the column count recorded by SetPendingTerminal.
func (c *Channel) PendingCols() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptyCols
}

// StartPTY launches a shell under a pseudo-terminal per a "pty-req"
// followed by a "shell" request, and starts the auxiliary goroutine that
// forwards its output into the channel's shared event sink.
func (c *Channel) StartPTY(ctx context.Context, req *pty.Request) error {
	c.mu.Lock()
	if c.pty != nil {
		c.mu.Unlock()
		return fmt.Errorf("channel %d: PTY already started", c.LocalID)
	}
	c.mu.Unlock()

	session, err := pty.Start(ctx, req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pty = session
	c.ptyTerm = req.Term
	c.mu.Unlock()

	go c.forwardPTYOutput(session)
	return nil
}

func (c *Channel) forwardPTYOutput(session pty.Session) {
	buf := make([]byte, maxPacketSize)
	for {
		n, err := session.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.events <- Event{ChannelID: c.LocalID, Kind: EventData, Data: data}
		}
		if err != nil {
			break
		}
	}
	exitStatus := session.Wait()
	c.events <- Event{ChannelID: c.LocalID, Kind: EventClosed, ExitStatus: exitStatus}
}

// WriteInput forwards CHANNEL_DATA payload bytes to the shell's stdin.
func (c *Channel) WriteInput(data []byte) error {
	c.mu.Lock()
	session := c.pty
	c.mu.Unlock()
	if session == nil {
		return fmt.Errorf("channel %d: no PTY started", c.LocalID)
	}
	_, err := session.Write(data)
	return err
}

// Resize applies a window-change request's new terminal dimensions.
func (c *Channel) Resize(rows, cols uint16) error {
	c.mu.Lock()
	session := c.pty
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Resize(rows, cols)
}

// Close terminates any running PTY and marks the channel closed. Safe to
// call multiple times.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		session := c.pty
		c.mu.Unlock()
		if session != nil {
			session.Close()
		}
	})
}

// Manager owns the set of channels open on one connection, keyed by the
// server-assigned local channel id.
type Manager struct {
	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	events   chan Event
}

// NewManager creates an empty channel table. events is the shared sink
// every channel's PTY-forwarder goroutine publishes to; the connection's
// main loop drains it alongside incoming wire packets.
func NewManager(events chan Event) *Manager {
	return &Manager{
		channels: make(map[uint32]*Channel),
		events:   events,
	}
}

// SupportedChannelType is the only RFC 4254 channel type this server
// accepts, per spec scope.
const SupportedChannelType = "session"

// Open allocates a new local channel id and registers the channel,
// rejecting any type other than "session".
func (m *Manager) Open(channelType string, remoteID, remoteWindow, remoteMaxPkt uint32) (*Channel, error) {
	if channelType != SupportedChannelType {
		return nil, fmt.Errorf("channel: unsupported channel type %q", channelType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	c := &Channel{
		LocalID:      id,
		RemoteID:     remoteID,
		localWindow:  initialWindowSize,
		remoteWindow: remoteWindow,
		remoteMaxPkt: remoteMaxPkt,
		events:       m.events,
	}
	c.state.Store(int32(StateOpen))
	m.channels[id] = c
	return c, nil
}

// Get looks up a channel by its local id.
func (m *Manager) Get(localID uint32) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[localID]
	return c, ok
}

// Remove deletes a channel from the table after CHANNEL_CLOSE, closing
// its PTY if still running.
func (m *Manager) Remove(localID uint32) {
	m.mu.Lock()
	c, ok := m.channels[localID]
	delete(m.channels, localID)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CloseAll closes every open channel, for connection teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		chans = append(chans, c)
	}
	m.channels = make(map[uint32]*Channel)
	m.mu.Unlock()
	for _, c := range chans {
		c.Close()
	}
}

// InitialWindowSize returns the receive window advertised to new channels.
func InitialWindowSize() uint32 { return initialWindowSize }

// MaxPacketSize returns the maximum CHANNEL_DATA payload this server
// advertises and will honor.
func MaxPacketSize() uint32 { return maxPacketSize }

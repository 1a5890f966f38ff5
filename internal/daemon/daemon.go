// Package daemon runs the TCP accept loop that hands each inbound
// connection to a new session.Session.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coregate/sshd/internal/logging"
	"github.com/coregate/sshd/internal/session"
)

// Daemon owns the listener and the set of in-flight connections.
type Daemon struct {
	cfg      *session.Config
	logger   *slog.Logger
	listener net.Listener

	running  atomic.Bool
	total    atomic.Int64
	active   atomic.Int64
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Stats is a snapshot of daemon-wide connection counts.
type Stats struct {
	ActiveConnections int
	TotalConnections  int
}

// New builds a Daemon. cfg is reused unmodified for every accepted
// connection; callers must not mutate it after calling Start.
func New(cfg *session.Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start binds address and begins accepting connections in the background.
func (d *Daemon) Start(address string) error {
	if d.running.Load() {
		return errors.New("daemon: already running")
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	d.listener = ln
	d.running.Store(true)

	d.wg.Add(1)
	go d.acceptLoop()

	return nil
}

// Stop closes the listener and waits until every in-flight connection's
// session has ended (it does not forcibly terminate them).
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.running.Store(false)
		close(d.stopCh)
		if d.listener != nil {
			err = d.listener.Close()
		}
	})
	d.wg.Wait()
	return err
}

// Address returns the bound listen address.
func (d *Daemon) Address() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// IsRunning reports whether the daemon is accepting connections.
func (d *Daemon) IsRunning() bool {
	return d.running.Load()
}

// Stats reports current connection counts.
func (d *Daemon) Stats() Stats {
	return Stats{
		ActiveConnections: int(d.active.Load()),
		TotalConnections:  int(d.total.Load()),
	}
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		d.total.Add(1)
		d.active.Add(1)
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer d.active.Add(-1)
	defer conn.Close()

	if err := session.Serve(context.Background(), conn, d.cfg); err != nil {
		d.logger.Warn("session ended with error",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err,
		)
	}
}

//go:build !windows

package pty

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// unixSession adapts github.com/creack/pty to the Session contract, one
// instance per channel that has issued a "pty-req".
type unixSession struct {
	ptmx     *os.File
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int32
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
}

// Start launches req.Command (or the caller's login shell, when empty)
// attached to a new pseudo-terminal sized to req.Rows/req.Cols.
func Start(ctx context.Context, req *Request) (Session, error) {
	shellPath := req.Command
	if shellPath == "" {
		shellPath = loginShell()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(sessionCtx, shellPath)

	cmd.Env = os.Environ()
	if req.Term != "" {
		cmd.Env = append(cmd.Env, "TERM="+req.Term)
	} else {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	winsize := &pty.Winsize{Rows: 24, Cols: 80}
	if req.Rows > 0 {
		winsize.Rows = req.Rows
	}
	if req.Cols > 0 {
		winsize.Cols = req.Cols
	}

	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pty: start %s: %w", shellPath, err)
	}

	s := &unixSession{
		ptmx:     ptmx,
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
		ctx:      sessionCtx,
		cancel:   cancel,
	}

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.exitCode = int32(exitErr.ExitCode())
		} else if err == nil {
			s.exitCode = 0
		}
		s.mu.Unlock()
		close(s.done)
	}()

	return s, nil
}

func loginShell() string {
	if u, err := user.Current(); err == nil {
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh
		}
		_ = u
	}
	return "/bin/sh"
}

func (s *unixSession) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *unixSession) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *unixSession) Resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (s *unixSession) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd.Process == nil {
		return fmt.Errorf("pty: no process")
	}
	return s.cmd.Process.Signal(sig)
}

func (s *unixSession) Wait() int32 {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *unixSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.ptmx != nil {
		s.ptmx.Close()
	}
	s.mu.Lock()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.mu.Unlock()
}

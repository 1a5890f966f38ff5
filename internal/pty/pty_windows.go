//go:build windows

package pty

import (
	"context"
	"fmt"
)

// Start is not supported on Windows in this server: the daemon targets
// Unix-like shell hosts only, matching the scope of its pty-req/shell
// handling.
func Start(ctx context.Context, req *Request) (Session, error) {
	return nil, fmt.Errorf("pty: PTY sessions are not supported on Windows")
}

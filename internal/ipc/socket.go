package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ErrPeerCredentialsUnsupported is returned where the platform cannot
// report the peer of a unix socket.
var ErrPeerCredentialsUnsupported = errors.New("peer credentials not supported")

// PeerCredentials holds the credentials of a peer process.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// ParsePermissions parses an octal file mode such as "0600".
func ParsePermissions(s string) (os.FileMode, error) {
	if s == "" {
		return 0600, nil
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parse permissions %q: %w", s, err)
	}
	return os.FileMode(n) & os.ModePerm, nil
}

// CleanupSocket removes a stale socket file. It refuses to remove a
// socket another daemon is still listening on, or a non-socket file.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	if IsSocketListening(path) {
		return fmt.Errorf("socket %s is in use by another process", path)
	}
	return os.Remove(path)
}

// IsSocketListening checks if a socket is already listening.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

//go:build !linux

package ipc

import "net"

// GetPeerCredentials is only implemented on Linux.
func GetPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerCredentialsUnsupported
}

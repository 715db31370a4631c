//go:build !linux

package main

import (
	"fmt"
	"net"
)

// listenVsock is unavailable off Linux; the agent still builds on macOS for
// local testing over TCP or a Unix socket.
func listenVsock(port uint32) (net.Listener, error) {
	return nil, fmt.Errorf("vsock port %d: AF_VSOCK requires linux", port)
}

package types

import (
	"fmt"
	"strings"
)

// ConnectionState is the kernel-reported state of a socket.
type ConnectionState string

const (
	ConnEstablished ConnectionState = "ESTABLISHED"
	ConnSynSent     ConnectionState = "SYN_SENT"
	ConnSynRecv     ConnectionState = "SYN_RECV"
	ConnFinWait1    ConnectionState = "FIN_WAIT1"
	ConnFinWait2    ConnectionState = "FIN_WAIT2"
	ConnTimeWait    ConnectionState = "TIME_WAIT"
	ConnClose       ConnectionState = "CLOSE"
	ConnCloseWait   ConnectionState = "CLOSE_WAIT"
	ConnLastAck     ConnectionState = "LAST_ACK"
	ConnListen      ConnectionState = "LISTEN"
	ConnClosing     ConnectionState = "CLOSING"
	ConnNone        ConnectionState = "NONE" // connectionless sockets (UDP)
)

var connectionStates = []ConnectionState{
	ConnEstablished, ConnSynSent, ConnSynRecv, ConnFinWait1, ConnFinWait2, ConnTimeWait,
	ConnClose, ConnCloseWait, ConnLastAck, ConnListen, ConnClosing, ConnNone,
}

// ConnectionStates returns every known connection state.
func ConnectionStates() []ConnectionState {
	out := make([]ConnectionState, len(connectionStates))
	copy(out, connectionStates)
	return out
}

// ParseConnectionState accepts a state name case-insensitively.
func ParseConnectionState(s string) (ConnectionState, error) {
	up := ConnectionState(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range connectionStates {
		if st == up {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown connection state %q", s)
}

// Connection is one socket held open by a process.
type Connection struct {
	Family     string          `json:"family"` // "inet", "inet6"
	Type       string          `json:"type"`   // "tcp", "udp"
	LocalAddr  string          `json:"localAddr,omitempty"`
	RemoteAddr string          `json:"remoteAddr,omitempty"`
	State      ConnectionState `json:"state"`
}

// Process describes a process observed on an agent.
type Process struct {
	PID         int          `json:"pid"`
	PPID        int          `json:"ppid"`
	Name        string       `json:"name"`
	Exe         string       `json:"exe,omitempty"` // empty for kernel threads and unreadable links
	Cmdline     []string     `json:"cmdline,omitempty"`
	UID         int          `json:"uid"`
	Connections []Connection `json:"connections,omitempty"`
}

// FileStat is the metadata of a file retrieved from an agent.
type FileStat struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime string `json:"modTime"`
	SHA256  string `json:"sha256,omitempty"`
	BlobKey string `json:"blobKey,omitempty"` // object storage key when the content was uploaded
}

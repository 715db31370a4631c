package agent

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opensandbox/proclist/pkg/types"
)

// ListProcesses enumerates processes from procfs together with the sockets
// each one holds open.
func (s *Server) ListProcesses(ctx context.Context, req *ListProcessesRequest) (*ListProcessesResponse, error) {
	procs, err := listProcesses(s.procRoot)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list processes: %v", err)
	}
	return &ListProcessesResponse{Processes: procs}, nil
}

// listProcesses reads the procfs mounted at root (normally /proc).
// Processes that exit while being read are skipped.
func listProcesses(root string) ([]types.Process, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", root, err)
	}
	all, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	sort.Sort(all)
	sockets := readSockets(fs)

	procs := make([]types.Process, 0, len(all))
	for _, p := range all {
		proc, err := readProcess(p, sockets)
		if err != nil {
			continue
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

func readProcess(p procfs.Proc, sockets map[uint64]types.Connection) (types.Process, error) {
	stat, err := p.Stat()
	if err != nil {
		return types.Process{}, err
	}
	proc := types.Process{PID: p.PID, PPID: stat.PPID, Name: stat.Comm, UID: -1}

	// Kernel threads have no exe link and unprivileged agents cannot read
	// other users' links; both report an empty path.
	if exe, err := p.Executable(); err == nil {
		proc.Exe = exe
	}
	if args, err := p.CmdLine(); err == nil && len(args) > 0 {
		proc.Cmdline = args
	}
	if st, err := p.NewStatus(); err == nil {
		proc.UID = int(st.UIDs[0])
	}
	if targets, err := p.FileDescriptorTargets(); err == nil {
		proc.Connections = joinSockets(targets, sockets)
	}
	return proc, nil
}

// joinSockets maps fd targets to the inet sockets they refer to. The
// result is ordered so repeated listings compare equal.
func joinSockets(targets []string, sockets map[uint64]types.Connection) []types.Connection {
	var conns []types.Connection
	for _, target := range targets {
		inode, ok := socketInode(target)
		if !ok {
			continue
		}
		if c, ok := sockets[inode]; ok {
			conns = append(conns, c)
		}
	}
	sort.Slice(conns, func(i, j int) bool {
		a, b := conns[i], conns[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.LocalAddr != b.LocalAddr {
			return a.LocalAddr < b.LocalAddr
		}
		return a.RemoteAddr < b.RemoteAddr
	})
	return conns
}

// socketInode parses an fd link of the form "socket:[12345]".
func socketInode(link string) (uint64, bool) {
	if !strings.HasPrefix(link, "socket:[") || !strings.HasSuffix(link, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(link[len("socket:["):len(link)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// tcpStates maps the st column of /proc/net/tcp{,6}.
var tcpStates = map[uint64]types.ConnectionState{
	0x01: types.ConnEstablished,
	0x02: types.ConnSynSent,
	0x03: types.ConnSynRecv,
	0x04: types.ConnFinWait1,
	0x05: types.ConnFinWait2,
	0x06: types.ConnTimeWait,
	0x07: types.ConnClose,
	0x08: types.ConnCloseWait,
	0x09: types.ConnLastAck,
	0x0A: types.ConnListen,
	0x0B: types.ConnClosing,
}

type socketTable struct {
	family string
	proto  string
	read   func() (procfs.NetIPSocket, error)
}

// readSockets indexes the host's inet sockets by inode. Missing or
// unparseable tables (no IPv6, restricted procfs) are ignored.
func readSockets(fs procfs.FS) map[uint64]types.Connection {
	tables := []socketTable{
		{"inet", "tcp", func() (procfs.NetIPSocket, error) { t, err := fs.NetTCP(); return procfs.NetIPSocket(t), err }},
		{"inet6", "tcp", func() (procfs.NetIPSocket, error) { t, err := fs.NetTCP6(); return procfs.NetIPSocket(t), err }},
		{"inet", "udp", func() (procfs.NetIPSocket, error) { t, err := fs.NetUDP(); return procfs.NetIPSocket(t), err }},
		{"inet6", "udp", func() (procfs.NetIPSocket, error) { t, err := fs.NetUDP6(); return procfs.NetIPSocket(t), err }},
	}

	sockets := make(map[uint64]types.Connection)
	for _, t := range tables {
		lines, err := t.read()
		if err != nil {
			continue
		}
		for _, l := range lines {
			if l.Inode == 0 {
				continue
			}
			state := types.ConnNone
			if t.proto == "tcp" {
				st, ok := tcpStates[l.St]
				if !ok {
					continue
				}
				state = st
			}
			sockets[l.Inode] = types.Connection{
				Family:     t.family,
				Type:       t.proto,
				LocalAddr:  formatAddr(l.LocalAddr, l.LocalPort),
				RemoteAddr: formatAddr(l.RemAddr, l.RemPort),
				State:      state,
			}
		}
	}
	return sockets
}

// formatAddr renders a socket endpoint; an unspecified address with port 0
// renders as "".
func formatAddr(ip net.IP, port uint64) string {
	if (ip == nil || ip.IsUnspecified()) && port == 0 {
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.FormatUint(port, 10))
}

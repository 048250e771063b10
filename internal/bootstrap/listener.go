// Package bootstrap builds the reuse-port listening socket each worker
// accepts on. The CPU-pinned worker goroutines and their restart loop live
// in cmd/tachyond, which calls Listen once per worker (re)start.
package bootstrap

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/tachyon/internal/steering"
)

// MinBacklog is the smallest listen backlog the spec allows.
const MinBacklog = 32768

// Listen builds one non-blocking IPv4 TCP listening socket on addr with
// SO_REUSEADDR and SO_REUSEPORT set, a backlog of at least MinBacklog, and
// the classic-BPF CPU-steering filter attached so the kernel load-balances
// accepted connections across however many sockets share this port.
func Listen(addr string) (fd int, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, fmt.Errorf("bootstrap: resolve %q: %w", addr, err)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("bootstrap: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bootstrap: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bootstrap: SO_REUSEPORT: %w", err)
	}
	if err := steering.AttachCPUSteering(fd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bootstrap: cpu steering: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bootstrap: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, MinBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bootstrap: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bootstrap: nonblock: %w", err)
	}
	return fd, nil
}

// Package socktune applies the socket options the worker wants on every
// accepted connection: Nagle disabled, a generous send buffer, a busy-poll
// hint, and an opportunistic zero-copy hint.
package socktune

import "golang.org/x/sys/unix"

const (
	sndBufSize   = 1 << 20 // 1 MiB
	busyPollUsec = 50
)

// Apply tunes fd for low-latency, high-throughput send behavior. Failures
// to set the best-effort zero-copy hint are not propagated; every other
// failure is returned.
func Apply(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndBufSize); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BUSY_POLL, busyPollUsec); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	// SO_ZEROCOPY is opportunistic: older kernels or restricted containers
	// may reject it, and that is not a reason to refuse the connection.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1)
	return nil
}

// BoostPriority raises fd's outbound IP type-of-service. Used by the
// speculative-read path to avoid starving a connection whose optimistic
// parse attempt came up empty.
func BoostPriority(fd int, tos int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
}

// BoostTOS is the class the original worker uses when an optimistic
// speculative parse yields nothing: DSCP 46 (expedited forwarding), a class
// ordinarily used for latency-critical real-time traffic rather than
// best-effort HTTP. It is
// preserved here unchanged because it is a documented, deliberate choice,
// not a default recommendation.
const BoostTOS = 0xB8

// Package uring provides the thin ring facade the worker drives: submit a
// batch of entries, wait for completions, drain them one at a time. Two
// build-tagged Linux implementations exist: one backed by
// github.com/pawelgaczynski/giouring (selected with the "giouring" build
// tag) and a portable one using raw io_uring syscalls directly (used on
// Linux whenever that tag is absent). A non-Linux stub satisfies the
// interface with ErrUnsupported so the module still builds elsewhere.
package uring

import "errors"

// ErrUnsupported is returned by every Ring operation on platforms without
// kernel support for ring-based asynchronous I/O.
var ErrUnsupported = errors.New("uring: not supported on this platform")

// ErrRingFull is returned when the submission queue has no free entry left
// for a prepare call. Callers should flush and retry.
var ErrRingFull = errors.New("uring: submission queue full")

// Config configures a new Ring.
type Config struct {
	Entries    uint32 // submission queue depth
	SQPoll     bool   // enable kernel-side submission polling
	SQPollIdle uint32 // SQ thread idle timeout in milliseconds
	SQPollCPU  int    // CPU to pin the SQ poll thread to, if SQPoll is set
}

// CQE is a single completion queue entry: the echoed user-data cookie, the
// syscall result (byte count for success, negative errno for failure), and
// completion flags (IORING_CQE_F_MORE, IORING_CQE_F_BUFFER, etc).
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// HasMore reports whether this completion belongs to a multi-shot
// operation that will produce further completions.
func (c CQE) HasMore() bool { return c.Flags&CQEFMore != 0 }

// BufferID extracts the kernel-selected provided-buffer id from a
// completion's flags. Callers must first check HasBuffer.
func (c CQE) BufferID() uint16 { return uint16(c.Flags >> CQEBufferShift) }

// HasBuffer reports whether the completion carries a provided-buffer id.
func (c CQE) HasBuffer() bool { return c.Flags&CQEFBuffer != 0 }

const (
	CQEFMore       = 1 << 1
	CQEFBuffer     = 1 << 0
	CQEBufferShift = 16
)

// Ring is the contract the I/O loop drives. All operations that "prepare"
// an entry only stage it in ring memory; nothing is visible to the kernel
// until Submit or SubmitAndWait is called.
type Ring interface {
	Close() error

	// PrepareProvideBuffers stages a provide-buffers entry registering
	// count buffers of size length starting at ptr into group. userData
	// is normally the reserved buffer-registration cookie so completions
	// route to the buffer-register handler rather than the request path.
	PrepareProvideBuffers(ptr *byte, length uint32, count int, group uint16, startID uint16, userData uint64) error

	// PrepareMultishotAccept stages a single submission that will yield a
	// completion for every accepted connection on fd.
	PrepareMultishotAccept(fd int, userData uint64) error

	// PrepareRecvMultishot stages a submission that yields a completion
	// for every receive on fd, selecting a buffer from group each time.
	PrepareRecvMultishot(fd int, group uint16, userData uint64) error

	// PreparePollMultishot stages a readiness-notification submission on
	// fd for the given poll event mask.
	PreparePollMultishot(fd int, mask uint32, userData uint64) error

	// PrepareSend stages a send of buf on fd. skipSuccess requests the
	// kernel omit a completion when the send fully succeeds.
	PrepareSend(fd int, buf []byte, skipSuccess bool, userData uint64) error

	// Submit flushes staged entries without waiting for any completion.
	Submit() (uint32, error)

	// SubmitAndWait flushes staged entries and blocks until at least
	// waitNr completions are available.
	SubmitAndWait(waitNr uint32) (uint32, error)

	// PeekCQEs drains up to len(out) ready completions into out without
	// blocking, returning how many were written.
	PeekCQEs(out []CQE) int
}

const (
	// PollIn/PollRdHup/PollHup mirror the poll(2) event bits the
	// speculative-read readiness path waits on.
	PollIn   = 0x001
	PollHup  = 0x010
	PollRdHup = 0x2000
)

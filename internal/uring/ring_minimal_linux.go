//go:build linux && !giouring

// Package uring: portable Ring implementation using raw io_uring syscalls
// directly, for builds that cannot or do not want the cgo-free giouring
// dependency. Opcode and flag values below are the kernel UAPI constants
// for io_uring, not specific to any binding library.
package uring

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysIoUringSetup = 425
	sysIoUringEnter = 426
)

const (
	opPollAdd         = 6
	opAccept          = 13
	opAsyncCancel     = 14
	opSend            = 26
	opRecv            = 27
	opProvideBuffers  = 31
)

const (
	sqeBufferSelect   = 1 << 5
	sqeCQESkipSuccess = 1 << 6
	pollAddMulti      = 1 << 0
	enterGetEvents    = 1 << 0
	setupSQPoll       = 1 << 1
	setupSQAff        = 1 << 2
)

// sqe mirrors the kernel's 64-byte struct io_uring_sqe for the operations
// this ring issues (accept, recv, send, poll_add, provide_buffers).
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	length      uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_           uint64
}

// cqe mirrors the kernel's 16-byte struct io_uring_cqe.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type ringOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array uint32
}

type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ringOffsets
	sqOffUserAddr uint64
	cqOff        ringOffsets
	cqOffCqes     uint32
	cqOffResv     uint32
	cqOffUserAddr uint64
}

// minimalRing drives the submission and completion rings directly via
// mmap'd shared memory and the raw io_uring_setup/io_uring_enter syscalls.
type minimalRing struct {
	fd int

	sqMem []byte
	cqMem []byte

	sqHead, sqTail, sqMask *uint32
	sqArray                []uint32
	sqes                   []sqe

	cqHead, cqTail, cqMask *uint32
	cqes                   []cqe

	toSubmit uint32
}

// NewRing creates the portable raw-syscall implementation of Ring.
func NewRing(cfg Config) (Ring, error) {
	p := params{sqEntries: cfg.Entries}
	if cfg.SQPoll {
		p.flags |= setupSQPoll
		p.sqThreadIdle = cfg.SQPollIdle
		if cfg.SQPollCPU >= 0 {
			p.flags |= setupSQAff
			p.sqThreadCPU = uint32(cfg.SQPollCPU)
		}
	}

	fd, _, errno := syscall.Syscall(sysIoUringSetup, uintptr(cfg.Entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("uring: io_uring_setup: %w", errno)
	}

	r := &minimalRing{fd: int(fd)}
	if err := r.mapRings(&p); err != nil {
		syscall.Close(int(fd))
		return nil, err
	}
	return r, nil
}

func (r *minimalRing) mapRings(p *params) error {
	sqSize := int(p.sqOff.array) + int(p.sqEntries)*4
	sqeSize := int(p.sqEntries) * int(unsafe.Sizeof(sqe{}))
	cqSize := int(p.cqOffCqes) + int(p.cqEntries)*int(unsafe.Sizeof(cqe{}))

	sqMem, err := unix.Mmap(r.fd, 0, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("uring: mmap SQ ring: %w", err)
	}
	sqeMem, err := unix.Mmap(r.fd, 0x10000000, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		return fmt.Errorf("uring: mmap SQEs: %w", err)
	}
	cqMem, err := unix.Mmap(r.fd, 0x8000000, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		unix.Munmap(sqeMem)
		return fmt.Errorf("uring: mmap CQ ring: %w", err)
	}

	r.sqMem = sqMem
	r.cqMem = cqMem
	r.sqHead = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.tail]))
	r.sqMask = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.ringMask]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&sqMem[p.sqOff.array])), p.sqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&sqeMem[0])), p.sqEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&cqMem[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&cqMem[p.cqOff.tail]))
	r.cqMask = (*uint32)(unsafe.Pointer(&cqMem[p.cqOff.ringMask]))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&cqMem[p.cqOffCqes])), p.cqEntries)
	return nil
}

func (r *minimalRing) Close() error {
	return syscall.Close(r.fd)
}

func (r *minimalRing) nextSQE() (*sqe, error) {
	tail := *r.sqTail
	head := *r.sqHead
	if tail-head >= uint32(len(r.sqes)) {
		return nil, ErrRingFull
	}
	idx := tail & *r.sqMask
	e := &r.sqes[idx]
	*e = sqe{}
	r.sqArray[idx] = idx
	*r.sqTail = tail + 1
	r.toSubmit++
	return e, nil
}

func (r *minimalRing) PrepareProvideBuffers(ptr *byte, length uint32, count int, group uint16, startID uint16, userData uint64) error {
	e, err := r.nextSQE()
	if err != nil {
		return err
	}
	e.opcode = opProvideBuffers
	e.fd = int32(count)
	e.off = uint64(startID)
	e.addr = uint64(uintptr(unsafe.Pointer(ptr)))
	e.length = length
	e.bufIndex = group
	e.userData = userData
	return nil
}

func (r *minimalRing) PrepareMultishotAccept(fd int, userData uint64) error {
	e, err := r.nextSQE()
	if err != nil {
		return err
	}
	e.opcode = opAccept
	e.fd = int32(fd)
	e.opFlags = unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC
	e.ioprio = 1 << 0 // IORING_ACCEPT_MULTISHOT
	e.userData = userData
	return nil
}

func (r *minimalRing) PrepareRecvMultishot(fd int, group uint16, userData uint64) error {
	e, err := r.nextSQE()
	if err != nil {
		return err
	}
	e.opcode = opRecv
	e.fd = int32(fd)
	e.flags = sqeBufferSelect
	e.bufIndex = group
	e.ioprio = 1 << 1 // IORING_RECV_MULTISHOT
	e.userData = userData
	return nil
}

func (r *minimalRing) PreparePollMultishot(fd int, mask uint32, userData uint64) error {
	e, err := r.nextSQE()
	if err != nil {
		return err
	}
	e.opcode = opPollAdd
	e.fd = int32(fd)
	e.opFlags = mask
	e.length = pollAddMulti // poll_add command flags are read from the len field
	e.userData = userData
	return nil
}

func (r *minimalRing) PrepareSend(fd int, buf []byte, skipSuccess bool, userData uint64) error {
	e, err := r.nextSQE()
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return fmt.Errorf("uring: PrepareSend with empty buffer")
	}
	e.opcode = opSend
	e.fd = int32(fd)
	e.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	e.length = uint32(len(buf))
	e.opFlags = unix.MSG_DONTWAIT
	if skipSuccess {
		e.flags |= sqeCQESkipSuccess
	}
	e.userData = userData
	return nil
}

func (r *minimalRing) Submit() (uint32, error) {
	return r.enter(0)
}

func (r *minimalRing) SubmitAndWait(waitNr uint32) (uint32, error) {
	return r.enter(waitNr)
}

func (r *minimalRing) enter(waitNr uint32) (uint32, error) {
	toSubmit := r.toSubmit
	r.toSubmit = 0
	flags := uint32(0)
	if waitNr > 0 {
		flags |= enterGetEvents
	}
	ret, _, errno := syscall.Syscall6(sysIoUringEnter, uintptr(r.fd), uintptr(toSubmit), uintptr(waitNr), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("uring: io_uring_enter: %w", errno)
	}
	return uint32(ret), nil
}

func (r *minimalRing) PeekCQEs(out []CQE) int {
	head := *r.cqHead
	tail := *r.cqTail
	n := 0
	for head != tail && n < len(out) {
		idx := head & *r.cqMask
		e := r.cqes[idx]
		out[n] = CQE{UserData: e.userData, Res: e.res, Flags: e.flags}
		n++
		head++
	}
	*r.cqHead = head
	return n
}

//go:build linux && giouring

// Package uring: giouring-backed Ring implementation.
package uring

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// giouringRing wraps github.com/pawelgaczynski/giouring. It is compiled
// only with the "giouring" build tag: the library binds the kernel's
// liburing-style ring API directly rather than going through a cgo shim.
type giouringRing struct {
	ring *giouring.Ring
}

// NewRing creates the giouring-backed implementation of Ring.
func NewRing(cfg Config) (Ring, error) {
	ring, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, fmt.Errorf("uring: CreateRing: %w", err)
	}
	return &giouringRing{ring: ring}, nil
}

func (r *giouringRing) Close() error {
	r.ring.QueueExit()
	return nil
}

func (r *giouringRing) getSQE() (*giouring.SubmissionQueueEntry, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, ErrRingFull
	}
	return sqe, nil
}

func (r *giouringRing) PrepareProvideBuffers(ptr *byte, length uint32, count int, group uint16, startID uint16, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareProvideBuffers(uintptr(unsafe.Pointer(ptr)), int32(length), int32(count), int32(group), int32(startID))
	sqe.UserData = userData
	return nil
}

func (r *giouringRing) PrepareMultishotAccept(fd int, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareMultishotAccept(fd, 0, 0, 0)
	sqe.UserData = userData
	return nil
}

func (r *giouringRing) PrepareRecvMultishot(fd int, group uint16, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareRecvMultishot(fd, 0, 0, 0)
	sqe.Flags |= giouring.SqeBufferSelect
	sqe.BufIG = group
	sqe.UserData = userData
	return nil
}

func (r *giouringRing) PreparePollMultishot(fd int, mask uint32, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PreparePollAdd(fd, mask)
	sqe.Flags |= giouring.SqePollAddMulti
	sqe.UserData = userData
	return nil
}

func (r *giouringRing) PrepareSend(fd int, buf []byte, skipSuccess bool, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return fmt.Errorf("uring: PrepareSend with empty buffer")
	}
	sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
	if skipSuccess {
		sqe.Flags |= giouring.SqeCqeSkipSuccess
	}
	sqe.UserData = userData
	return nil
}

func (r *giouringRing) Submit() (uint32, error) {
	return r.ring.Submit()
}

func (r *giouringRing) SubmitAndWait(waitNr uint32) (uint32, error) {
	return r.ring.SubmitAndWait(waitNr)
}

func (r *giouringRing) PeekCQEs(out []CQE) int {
	raw := make([]*giouring.CompletionQueueEvent, len(out))
	n := r.ring.PeekBatchCQE(raw)
	for i := uint32(0); i < n; i++ {
		out[i] = CQE{UserData: raw[i].UserData, Res: raw[i].Res, Flags: raw[i].Flags}
	}
	if n > 0 {
		r.ring.CQAdvance(n)
	}
	return int(n)
}

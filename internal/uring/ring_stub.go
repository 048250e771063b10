//go:build !linux

// Package uring: non-Linux stub. Ring-based asynchronous I/O with buffer
// groups and multishot operations is a Linux-only kernel feature.
package uring

type stubRing struct{}

// NewRing returns a Ring that fails every operation with ErrUnsupported.
func NewRing(cfg Config) (Ring, error) {
	return stubRing{}, nil
}

func (stubRing) Close() error { return nil }

func (stubRing) PrepareProvideBuffers(ptr *byte, length uint32, count int, group uint16, startID uint16, userData uint64) error {
	return ErrUnsupported
}

func (stubRing) PrepareMultishotAccept(fd int, userData uint64) error { return ErrUnsupported }

func (stubRing) PrepareRecvMultishot(fd int, group uint16, userData uint64) error {
	return ErrUnsupported
}

func (stubRing) PreparePollMultishot(fd int, mask uint32, userData uint64) error {
	return ErrUnsupported
}

func (stubRing) PrepareSend(fd int, buf []byte, skipSuccess bool, userData uint64) error {
	return ErrUnsupported
}

func (stubRing) Submit() (uint32, error) { return 0, ErrUnsupported }

func (stubRing) SubmitAndWait(waitNr uint32) (uint32, error) { return 0, ErrUnsupported }

func (stubRing) PeekCQEs(out []CQE) int { return 0 }

package tachyon

import (
	"sync"

	"github.com/ehrlich-b/tachyon/internal/uring"
)

// MockRing is a test double implementing uring.Ring entirely in memory,
// for worker-level unit tests that need to drive the I/O loop without a
// real kernel ring. It records every prepared entry for assertions and
// lets the test inject completions via PushCQE/PushCQEs, mirroring the
// teacher's MockBackend call-tracking pattern.
type MockRing struct {
	mu sync.Mutex

	closed bool

	ProvideBuffersCalls int
	AcceptCalls         int
	RecvMultishotCalls  int
	PollMultishotCalls  int
	SendCalls           int
	SubmitCalls         int
	SubmitAndWaitCalls  int

	// LastProvideBuffersUserData records the userData of the most recent
	// PrepareProvideBuffers call, for tests that assert it carries the
	// reserved buffer-registration cookie rather than a zero value.
	LastProvideBuffersUserData uint64

	// LastSend records the most recent PrepareSend payload, for tests that
	// assert on what the outbound batcher flushed.
	LastSend []byte

	pending []uring.CQE

	// SubmitErr, when set, is returned by Submit/SubmitAndWait instead of
	// succeeding, for exercising the "kernel submission failure, retry
	// indefinitely" error path (§7.6).
	SubmitErr error

	// RingFullAfter, if non-zero, makes the Nth PrepareX call (1-indexed)
	// and every call after it fail with uring.ErrRingFull.
	RingFullAfter int
	prepareCount  int
}

// NewMockRing returns an empty MockRing.
func NewMockRing() *MockRing {
	return &MockRing{}
}

func (m *MockRing) checkRingFull() error {
	m.prepareCount++
	if m.RingFullAfter > 0 && m.prepareCount >= m.RingFullAfter {
		return uring.ErrRingFull
	}
	return nil
}

func (m *MockRing) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockRing) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockRing) PrepareProvideBuffers(ptr *byte, length uint32, count int, group uint16, startID uint16, userData uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRingFull(); err != nil {
		return err
	}
	m.ProvideBuffersCalls++
	m.LastProvideBuffersUserData = userData
	return nil
}

func (m *MockRing) PrepareMultishotAccept(fd int, userData uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRingFull(); err != nil {
		return err
	}
	m.AcceptCalls++
	return nil
}

func (m *MockRing) PrepareRecvMultishot(fd int, group uint16, userData uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRingFull(); err != nil {
		return err
	}
	m.RecvMultishotCalls++
	return nil
}

func (m *MockRing) PreparePollMultishot(fd int, mask uint32, userData uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRingFull(); err != nil {
		return err
	}
	m.PollMultishotCalls++
	return nil
}

func (m *MockRing) PrepareSend(fd int, buf []byte, skipSuccess bool, userData uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRingFull(); err != nil {
		return err
	}
	m.SendCalls++
	m.LastSend = append([]byte(nil), buf...)
	return nil
}

func (m *MockRing) Submit() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls++
	if m.SubmitErr != nil {
		return 0, m.SubmitErr
	}
	return 0, nil
}

func (m *MockRing) SubmitAndWait(waitNr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitAndWaitCalls++
	if m.SubmitErr != nil {
		return 0, m.SubmitErr
	}
	return uint32(len(m.pending)), nil
}

// PushCQE queues a completion to be returned by the next PeekCQEs call.
func (m *MockRing) PushCQE(c uring.CQE) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, c)
}

// PushCQEs queues several completions at once, preserving order.
func (m *MockRing) PushCQEs(cs ...uring.CQE) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, cs...)
}

func (m *MockRing) PeekCQEs(out []uring.CQE) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(out, m.pending)
	m.pending = m.pending[n:]
	return n
}

var _ uring.Ring = (*MockRing)(nil)

// Package stage implements the per-connection outbound staging area: a
// fixed-capacity byte buffer with an append cursor that wraps to zero when
// a write would not fit in the remaining space.
package stage

// DefaultSize is twice the receive buffer size, matching the reference
// worker's outbound staging allocation.
const DefaultSize = 7168 * 2

// Stage is a fixed-capacity scratch buffer with a write cursor. It is not
// safe for concurrent use; each connection owns exactly one Stage.
type Stage struct {
	buf []byte
	pos int
}

// New allocates a Stage of the given capacity.
func New(size int) *Stage {
	if size <= 0 {
		size = DefaultSize
	}
	return &Stage{buf: make([]byte, size)}
}

// Write appends p to the stage, wrapping the cursor to the start if p does
// not fit in the remaining space. It panics if p is larger than the
// stage's total capacity, mirroring the source behavior of refusing writes
// that could never fit regardless of cursor position.
func (s *Stage) Write(p []byte) {
	if len(p) > len(s.buf) {
		panic("stage: write exceeds buffer capacity")
	}
	if s.pos+len(p) > len(s.buf) {
		s.pos = 0
	}
	n := copy(s.buf[s.pos:], p)
	s.pos += n
}

// Len returns the number of bytes written since the last Reset.
func (s *Stage) Len() int { return s.pos }

// Bytes returns the written prefix of the stage buffer. The returned slice
// aliases the stage's memory and is only valid until the next Write or
// Reset.
func (s *Stage) Bytes() []byte { return s.buf[:s.pos] }

// Reset zeros the cursor, logically emptying the stage without touching
// the backing memory.
func (s *Stage) Reset() { s.pos = 0 }

// Empty reports whether the stage has no pending bytes.
func (s *Stage) Empty() bool { return s.pos == 0 }

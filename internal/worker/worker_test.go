package worker

import (
	"syscall"
	"testing"
	"time"

	"github.com/ehrlich-b/tachyon"
	"github.com/ehrlich-b/tachyon/internal/connpool"
	"github.com/ehrlich-b/tachyon/internal/cookie"
	"github.com/ehrlich-b/tachyon/internal/stage"
	"github.com/ehrlich-b/tachyon/internal/uring"
)

func newTestWorker(cfg Config) (*Worker, *tachyon.MockRing) {
	ring := tachyon.NewMockRing()
	cfg.BufferCount = 4
	cfg.BufferSize = 64
	cfg.StageSize = 512
	w := New(cfg, ring, 3, nil, nil)
	return w, ring
}

func TestInitRegistersBuffersAndAccept(t *testing.T) {
	w, ring := newTestWorker(Config{})
	if err := w.init(); err != nil {
		t.Fatalf("init() error = %v", err)
	}
	if ring.ProvideBuffersCalls != 1 {
		t.Errorf("ProvideBuffersCalls = %d, want 1 (single bulk registration)", ring.ProvideBuffersCalls)
	}
	if ring.LastProvideBuffersUserData != cookie.BufferRegister {
		t.Errorf("provide-buffers userData = %#x, want reserved cookie %#x", ring.LastProvideBuffersUserData, cookie.BufferRegister)
	}
	if ring.AcceptCalls != 1 {
		t.Errorf("AcceptCalls = %d, want 1", ring.AcceptCalls)
	}
	if ring.SubmitCalls != 2 {
		t.Errorf("SubmitCalls = %d, want 2", ring.SubmitCalls)
	}
}

func TestDispatchRoutesBufferRegisterCookie(t *testing.T) {
	w, _ := newTestWorker(Config{})
	// handleBufferRegister only logs on failure; dispatch must route the
	// reserved cookie there instead of falling through to the unrecognized
	// tag path, which is what a zero-valued completion cookie did before
	// PrepareProvideBuffers carried a userData.
	w.dispatch(uring.CQE{UserData: cookie.BufferRegister, Res: 0})
	w.dispatch(uring.CQE{UserData: cookie.BufferRegister, Res: -1})
}

func TestRunRejectsRealtimeAndUBDMA(t *testing.T) {
	w, _ := newTestWorker(Config{Realtime: true, UBDMA: true})
	stop := make(chan struct{})
	close(stop)
	err := w.Run(stop)
	if !tachyon.IsCode(err, tachyon.ErrCodeConfigConflict) {
		t.Fatalf("Run() error = %v, want ErrCodeConfigConflict", err)
	}
}

func TestHandleAcceptInsertsConnectionAndPostsRecv(t *testing.T) {
	w, ring := newTestWorker(Config{})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 42})

	if w.table.Len() != 1 {
		t.Fatalf("table.Len() = %d, want 1", w.table.Len())
	}
	if ring.RecvMultishotCalls != 1 {
		t.Errorf("RecvMultishotCalls = %d, want 1", ring.RecvMultishotCalls)
	}
	if ring.AcceptCalls != 1 {
		t.Errorf("accept should be rearmed when HasMore is false")
	}
}

func TestHandleAcceptHasMoreDoesNotRearm(t *testing.T) {
	w, ring := newTestWorker(Config{})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 42, Flags: uring.CQEFMore})
	if ring.AcceptCalls != 0 {
		t.Errorf("AcceptCalls = %d, want 0 when completion has more", ring.AcceptCalls)
	}
}

func TestHandleRecvParsesRequestAndStagesResponse(t *testing.T) {
	w, _ := newTestWorker(Config{})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	conn := w.table.Get(0)
	if conn == nil {
		t.Fatal("expected connection at id 0")
	}

	req := []byte("GET /plaintext HTTP/1.1\r\nHost: x\r\n\r\n")
	copy(w.pool.Slice(0, uint32(len(req))), req)

	ud := cookie.Pack(0, 0, cookie.TagInitRecv)
	flags := uring.CQEFBuffer | uring.CQEFMore
	w.dispatch(uring.CQE{UserData: ud, Res: int32(len(req)), Flags: uint32(flags)})

	if conn.Stage.Empty() {
		t.Fatal("expected a staged response after a parsed request")
	}
	body := string(conn.Stage.Bytes())
	if !contains(body, "200 OK") || !contains(body, "Hello, World!") {
		t.Fatalf("unexpected staged response: %q", body)
	}
}

func TestHandleRecvZeroByteClosesConnection(t *testing.T) {
	w, _ := newTestWorker(Config{})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})

	ud := cookie.Pack(0, 0, cookie.TagInitRecv)
	w.dispatch(uring.CQE{UserData: ud, Res: 0, Flags: uint32(uring.CQEFBuffer)})

	if w.table.Get(0) != nil {
		t.Fatal("connection should be removed after a zero-byte recv")
	}
}

func TestCloseConnRefusesFDZero(t *testing.T) {
	w, _ := newTestWorker(Config{})
	id := w.table.Insert(&connpool.Conn{FD: 0, Stage: stage.New(64)})
	w.closeConnForced(id, w.table.Get(id))
	if w.table.Get(id) == nil {
		t.Fatal("a connection with fd=0 must not be torn down from the table")
	}
}

func TestFlushOutboundThrottlesAtHighRPS(t *testing.T) {
	w, ring := newTestWorker(Config{})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	conn := w.table.Get(0)
	conn.Stage.Write([]byte("hello"))

	w.lastRPS = 1_000_000
	w.lastFlush = time.Unix(1000, 0)
	now := w.lastFlush.Add(500 * time.Nanosecond)

	submitted := w.flushOutbound(now)
	if submitted {
		t.Fatal("flushOutbound should be throttled at 1M RPS within 2000ns")
	}
	if ring.SendCalls != 0 {
		t.Errorf("SendCalls = %d, want 0 while throttled", ring.SendCalls)
	}
}

func TestFlushOutboundSendsWhenDue(t *testing.T) {
	w, ring := newTestWorker(Config{})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	conn := w.table.Get(0)
	conn.Stage.Write([]byte("hello"))

	w.lastRPS = 0
	w.lastFlush = time.Unix(1000, 0)
	now := w.lastFlush.Add(time.Second)

	submitted := w.flushOutbound(now)
	if !submitted {
		t.Fatal("expected flushOutbound to submit a send")
	}
	if ring.SendCalls != 1 {
		t.Fatalf("SendCalls = %d, want 1", ring.SendCalls)
	}
	if string(ring.LastSend) != "hello" {
		t.Fatalf("LastSend = %q, want %q", ring.LastSend, "hello")
	}
	if !conn.Stage.Empty() {
		t.Fatal("stage should be reset after a flushed send")
	}
}

func TestFlushOutboundBypassesThrottleWhenUBDMAEnabled(t *testing.T) {
	w, ring := newTestWorker(Config{UBDMA: true})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	conn := w.table.Get(0)
	conn.Stage.Write([]byte("hello"))

	w.lastRPS = 5_000_000
	w.lastFlush = time.Unix(1000, 0)
	now := w.lastFlush.Add(time.Nanosecond)

	if !w.flushOutbound(now) {
		t.Fatal("UBDMA mode must bypass the rate throttle entirely")
	}
	if ring.SendCalls != 1 {
		t.Fatalf("SendCalls = %d, want 1", ring.SendCalls)
	}
}

func TestHandleRecvENOBUFSFlushesReleasedBuffers(t *testing.T) {
	w, _ := newTestWorker(Config{})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	w.pool.Release(0)
	w.pool.Release(1)
	w.pool.Release(2)

	ud := cookie.Pack(0, 0, cookie.TagInitRecv)
	w.dispatch(uring.CQE{UserData: ud, Res: -int32(syscall.ENOBUFS), Flags: 0})

	if !w.pool.Idle() {
		t.Fatal("expected the released queue to have been flushed")
	}
}

func TestHandlePollSkipsWhenStageNonEmpty(t *testing.T) {
	w, _ := newTestWorker(Config{UBDMA: true})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	conn := w.table.Get(0)
	conn.Stage.Write([]byte("pending"))
	conn.HasBufferHint = true

	ud := cookie.Pack(0, 0, cookie.TagPollEvent)
	before := string(conn.Stage.Bytes())
	w.dispatch(uring.CQE{UserData: ud, Res: 1, Flags: uint32(uring.CQEFMore)})

	if string(conn.Stage.Bytes()) != before {
		t.Fatal("a non-empty stage must not be touched by the speculative poll path")
	}
}

func TestHandlePollParsesSpeculativeRequest(t *testing.T) {
	w, _ := newTestWorker(Config{UBDMA: true})
	w.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	conn := w.table.Get(0)
	conn.HasBufferHint = true
	conn.KernelBufferID = 0

	req := []byte("GET /json HTTP/1.1\r\n\r\n")
	copy(w.pool.Slice(0, uint32(len(req))), req)

	ud := cookie.Pack(0, 0, cookie.TagPollEvent)
	w.dispatch(uring.CQE{UserData: ud, Res: 1, Flags: uint32(uring.CQEFMore)})

	if conn.Stage.Empty() {
		t.Fatal("expected the speculative path to stage a response")
	}
}

func TestWorkerIsolation(t *testing.T) {
	w1, ring1 := newTestWorker(Config{})
	w2, ring2 := newTestWorker(Config{})

	w1.handleAccept(uring.CQE{UserData: cookie.Accept, Res: 7, Flags: uring.CQEFMore})
	if w2.table.Len() != 0 {
		t.Fatal("a connection accepted on one worker must not appear on another")
	}
	if ring1 == ring2 {
		t.Fatal("each worker must own a distinct ring")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

package worker

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/tachyon"
	"github.com/ehrlich-b/tachyon/internal/bufferpool"
	"github.com/ehrlich-b/tachyon/internal/compose"
	"github.com/ehrlich-b/tachyon/internal/connpool"
	"github.com/ehrlich-b/tachyon/internal/cookie"
	"github.com/ehrlich-b/tachyon/internal/httpscan"
	"github.com/ehrlich-b/tachyon/internal/logging"
	"github.com/ehrlich-b/tachyon/internal/socktune"
	"github.com/ehrlich-b/tachyon/internal/stage"
	"github.com/ehrlich-b/tachyon/internal/uring"
)

// Worker drives one CPU-pinned I/O loop end to end: ring facade (A),
// buffer pool (B), cookie codec (C), connection table (D), request
// extractor (F), response composer (G), outbound batcher (H), the loop
// itself (I), and the speculative-read path (J). It is not safe for
// concurrent use — exactly one goroutine, pinned to one OS thread, should
// call Run.
type Worker struct {
	cfg        Config
	ring       uring.Ring
	listenerFD int

	pool  *bufferpool.Pool
	table *connpool.Table
	date  *compose.DateClock

	metrics *tachyon.Metrics
	logger  *logging.Logger

	keepAlive     [][]byte
	cqeBuf        []uring.CQE
	respScratch   [512]byte
	lastFlush     time.Time
	lastRPS       uint64
	sendsInFlight int
}

// New constructs a Worker. ring must already be created (giouring or the
// minimal fallback); listenerFD is the shared, already-steered listening
// socket.
func New(cfg Config, ring uring.Ring, listenerFD int, logger *logging.Logger, metrics *tachyon.Metrics) *Worker {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	if metrics == nil {
		metrics = tachyon.NewMetrics()
	}
	return &Worker{
		cfg:        cfg,
		ring:       ring,
		listenerFD: listenerFD,
		pool:       bufferpool.New(cfg.BufferCount, cfg.BufferSize),
		table:      connpool.New(RegisteredFDTableSize),
		date:       compose.NewDateClock(),
		metrics:    metrics,
		logger:     logger,
		cqeBuf:     make([]uring.CQE, MaxCompletionsPerPeek),
	}
}

// Run drives the worker loop until stop is closed or setup (buffer
// registration, the initial accept) fails. Config conflicts (realtime +
// UBDMA) are rejected before anything is submitted to the ring, per §7.5.
func (w *Worker) Run(stop <-chan struct{}) error {
	if w.cfg.Realtime && w.cfg.UBDMA {
		return tachyon.NewError("configure", tachyon.ErrCodeConfigConflict, "realtime and speculative-read (ubdma) are mutually exclusive")
	}
	if w.cfg.UBDMA {
		w.logger.Warn("speculative-read (ubdma) mode enabled: this path reads kernel receive buffers before completion and is deliberately memory-unsound")
	}
	if err := w.init(); err != nil {
		return err
	}
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := w.iterate(defaultNow()); err != nil {
			return err
		}
	}
}

func (w *Worker) init() error {
	ptr, length, count := w.pool.Base()
	if err := w.retryPrepare(func() error {
		return w.ring.PrepareProvideBuffers(ptr, length, count, BufferGroupID, 0, cookie.BufferRegister)
	}); err != nil {
		return tachyon.WrapError("init-provide-buffers", err)
	}
	if _, err := w.ring.Submit(); err != nil {
		return tachyon.WrapError("init-submit", err)
	}
	if err := w.retryPrepare(func() error {
		return w.ring.PrepareMultishotAccept(w.listenerFD, cookie.Accept)
	}); err != nil {
		return tachyon.WrapError("init-accept", err)
	}
	if _, err := w.ring.Submit(); err != nil {
		return tachyon.WrapError("init-submit", err)
	}
	w.lastFlush = defaultNow()
	return nil
}

// iterate runs one pass of the per-iteration procedure in §4.I.
func (w *Worker) iterate(now time.Time) error {
	if w.date.Refresh(now) {
		snap := w.metrics.Snapshot(now)
		w.lastRPS = snap.RPS
		w.logStatus(snap)
	}

	n := w.ring.PeekCQEs(w.cqeBuf)
	queueWasEmpty := n == 0
	if queueWasEmpty {
		w.flushOutbound(now)
		if _, err := w.ring.SubmitAndWait(1); err != nil {
			return w.handleSubmitFailure(err)
		}
		n = w.ring.PeekCQEs(w.cqeBuf)
	} else if _, err := w.ring.Submit(); err != nil {
		return w.handleSubmitFailure(err)
	}

	for i := 0; i < n; i++ {
		w.dispatch(w.cqeBuf[i])
	}

	if w.lastRPS == 0 {
		w.flushReleasedBuffers()
	}
	return nil
}

func (w *Worker) logStatus(snap tachyon.Snapshot) {
	w.logger.Info("status", "cpu", w.cfg.CPU, "rps", snap.RPS, "conns", w.table.Len(),
		"total_requests", snap.RequestsTotal)
}

func (w *Worker) handleSubmitFailure(err error) error {
	w.logger.Error("ring submission failed, will retry next iteration", "err", err)
	return nil
}

// retryPrepare retries a prepare call that failed because the submission
// queue was full, flushing to make room, per §7.6's "retry indefinitely"
// policy. Callers only use this for setup-path and per-connection prepares
// where an unbounded retry loop cannot itself stall the worker (the ring
// always drains once submitted).
func (w *Worker) retryPrepare(fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if err == uring.ErrRingFull {
			if _, serr := w.ring.Submit(); serr != nil {
				w.logger.Warn("submit while draining full ring failed", "err", serr)
			}
			continue
		}
		return err
	}
}

func (w *Worker) dispatch(c uring.CQE) {
	switch c.UserData {
	case cookie.Accept:
		w.handleAccept(c)
		return
	case cookie.BufferRegister:
		w.handleBufferRegister(c)
		return
	}

	clientID, bufferID, tag := cookie.Unpack(c.UserData)
	switch tag {
	case cookie.TagInitRecv:
		w.handleRecv(clientID, bufferID, c)
	case cookie.TagPollEvent:
		w.handlePoll(clientID, c)
	case cookie.TagSend:
		w.handleSendCompletion(clientID, c)
	default:
		w.logger.Warn("unrecognized cookie tag, dropping completion", "tag", tag)
	}
}

func (w *Worker) handleAccept(c uring.CQE) {
	if c.Res < 0 {
		errno := syscall.Errno(-c.Res)
		if isTransient(errno) {
			return
		}
		w.logger.Warn("accept completion error", "errno", errno)
		if !c.HasMore() {
			w.rearmAccept()
		}
		return
	}

	fd := int(c.Res)
	if err := socktune.Apply(fd); err != nil {
		w.logger.Debug("socket tuning failed", "fd", fd, "err", err)
	}

	conn := &connpool.Conn{FD: fd, Stage: stage.New(w.cfg.StageSize)}
	id := w.table.Insert(conn)
	w.metrics.RecordAccept()

	w.postRecv(uint32(id), fd)
	if w.cfg.UBDMA {
		w.postPoll(uint32(id), fd)
	}

	if !c.HasMore() {
		w.rearmAccept()
	}
}

func (w *Worker) rearmAccept() {
	if err := w.retryPrepare(func() error {
		return w.ring.PrepareMultishotAccept(w.listenerFD, cookie.Accept)
	}); err != nil {
		w.logger.Error("failed to rearm multishot accept", "err", err)
	}
}

func (w *Worker) handleBufferRegister(c uring.CQE) {
	if c.Res < 0 {
		errno := syscall.Errno(-c.Res)
		w.logger.Warn("buffer registration failed", "errno", errno)
	}
}

func (w *Worker) postRecv(clientID uint32, fd int) {
	ud := cookie.Pack(clientID, 0, cookie.TagInitRecv)
	if err := w.retryPrepare(func() error {
		return w.ring.PrepareRecvMultishot(fd, BufferGroupID, ud)
	}); err != nil {
		w.logger.Error("failed to post recv-multi", "fd", fd, "err", err)
	}
}

func (w *Worker) postPoll(clientID uint32, fd int) {
	ud := cookie.Pack(clientID, 0, cookie.TagPollEvent)
	mask := uint32(uring.PollIn | uring.PollHup | uring.PollRdHup)
	if err := w.retryPrepare(func() error {
		return w.ring.PreparePollMultishot(fd, mask, ud)
	}); err != nil {
		w.logger.Error("failed to post poll-multi", "fd", fd, "err", err)
	}
}

func (w *Worker) handleRecv(clientID uint32, _ uint16, c uring.CQE) {
	id := int32(clientID)
	conn := w.table.Get(id)
	if conn == nil {
		w.logger.Warn("recv completion for unknown connection", "client", clientID)
		return
	}

	if c.Res < 0 {
		errno := syscall.Errno(-c.Res)
		if isTransient(errno) {
			return
		}
		if errno == syscall.ENOBUFS {
			w.flushReleasedBuffers()
			if !c.HasMore() {
				w.postRecv(clientID, conn.FD)
			}
			return
		}
		w.closeConnForced(id, conn)
		return
	}
	if c.Res == 0 {
		w.closeConnForced(id, conn)
		return
	}
	if !c.HasBuffer() {
		w.logger.Warn("recv completion missing provided-buffer id", "client", clientID)
		return
	}

	bufID := c.BufferID()
	result := uint32(c.Res)
	if int(bufID) >= w.pool.Count() || result > uint32(w.pool.Size()) {
		w.logger.Warn("bounds violation on recv completion", "buffer", bufID, "result", result)
		return
	}

	data := w.pool.Slice(bufID, result)
	if w.cfg.UBDMA {
		conn.KernelBufferID = bufID
		conn.HasBufferHint = true
	}

	for _, req := range httpscan.ParseRequests(data) {
		w.respond(conn, req)
	}

	if w.cfg.UBDMA && len(data) > 0 && data[len(data)-1] == 0 {
		full := w.pool.Slice(bufID, uint32(w.pool.Size()))
		httpscan.ShiftToTail(full, len(data))
	}

	if flush := w.pool.Release(bufID); flush {
		w.flushReleasedBuffers()
	}

	if !c.HasMore() {
		w.postRecv(clientID, conn.FD)
	}
}

func (w *Worker) respond(conn *connpool.Conn, req httpscan.Request) {
	n := compose.Compose(string(req.Method), string(req.Path), w.date.String(), w.respScratch[:])
	conn.Stage.Write(w.respScratch[:n])
	w.metrics.RecordRequest()
}

// handlePoll implements the speculative-read path (§4.J). It only fires
// ahead of a confirmed recv completion, which is the entire point — and
// the entire risk — of the mode.
func (w *Worker) handlePoll(clientID uint32, c uring.CQE) {
	id := int32(clientID)
	conn := w.table.Get(id)
	if conn == nil {
		return
	}
	if c.Res < 0 {
		errno := syscall.Errno(-c.Res)
		if isTransient(errno) {
			return
		}
		w.closeConnForced(id, conn)
		return
	}

	defer func() {
		if !c.HasMore() {
			w.postPoll(clientID, conn.FD)
		}
	}()

	if !conn.Stage.Empty() {
		// A pending response would be clobbered by a speculative parse
		// racing a genuine recv completion; skip this readiness signal.
		return
	}
	if !conn.HasBufferHint {
		return
	}

	raw := w.pool.Slice(conn.KernelBufferID, uint32(w.pool.Size()))
	trimmed := httpscan.TrimLeadingZeros(raw)
	reqs := httpscan.ParseFast(trimmed)
	if len(reqs) == 0 {
		// Suspicious but preserved verbatim from the original: boosting a
		// connection's TOS after an empty speculative parse is meant to
		// keep low-rate connections from starving, though expedited
		// forwarding is an odd class to use for best-effort HTTP traffic.
		if err := socktune.BoostPriority(conn.FD, socktune.BoostTOS); err != nil {
			w.logger.Debug("speculative TOS boost failed", "fd", conn.FD, "err", err)
		}
		return
	}
	for _, req := range reqs {
		w.respond(conn, req)
	}
}

func (w *Worker) handleSendCompletion(clientID uint32, c uring.CQE) {
	w.sendsInFlight--
	if w.sendsInFlight < 0 {
		w.sendsInFlight = 0
	}
	if c.Res >= 0 {
		return
	}
	errno := syscall.Errno(-c.Res)
	if isTransient(errno) {
		return
	}
	id := int32(clientID)
	conn := w.table.Get(id)
	if conn == nil {
		return
	}
	w.closeConnForced(id, conn)
}

// flushOutbound implements the outbound batcher (§4.H): one pass over
// every connection with pending staged bytes, gated by the rate-adaptive
// throttle when UBDMA is disabled.
func (w *Worker) flushOutbound(now time.Time) bool {
	if !w.cfg.UBDMA {
		threshold := tachyon.ThrottleThreshold(w.lastRPS)
		if threshold > 0 && now.Sub(w.lastFlush) < threshold {
			return false
		}
	}

	submitted := false
	w.table.Range(func(id int32, conn *connpool.Conn) bool {
		if conn.Stage.Empty() {
			return true
		}
		snapshot := append([]byte(nil), conn.Stage.Bytes()...)
		w.keepAlive = append(w.keepAlive, snapshot)
		if len(w.keepAlive) > KeepAliveCeiling {
			w.keepAlive = append([][]byte(nil), w.keepAlive[len(w.keepAlive)-KeepAliveTruncateTo:]...)
		}

		ud := cookie.Pack(uint32(id), 0, cookie.TagSend)
		if err := w.ring.PrepareSend(conn.FD, snapshot, true, ud); err != nil {
			if err == uring.ErrRingFull {
				return false
			}
			w.logger.Warn("prepare send failed", "conn", id, "err", err)
			return true
		}
		submitted = true
		w.sendsInFlight++
		conn.Stage.Reset()
		return true
	})

	w.lastFlush = now
	return submitted
}

func (w *Worker) flushReleasedBuffers() {
	ids := w.pool.Drain()
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		ptr, length := w.pool.Addr(id)
		bid := id
		if err := w.retryPrepare(func() error {
			return w.ring.PrepareProvideBuffers(ptr, length, 1, BufferGroupID, bid, cookie.BufferRegister)
		}); err != nil {
			w.logger.Error("failed to re-register released buffer", "buffer", id, "err", err)
		}
	}
	if _, err := w.ring.Submit(); err != nil {
		w.logger.Warn("submit after buffer release failed", "err", err)
	}
	w.metrics.RecordBufferRelease(len(ids))
}

// closeConnSoft closes the descriptor only, leaving the connection's table
// slot and staging area intact. Used sparingly — forced teardown is the
// default path for any destructive completion.
func (w *Worker) closeConnSoft(conn *connpool.Conn) {
	if conn.FD == 0 {
		w.logger.Error("refusing to close connection with fd=0")
		return
	}
	_ = unix.Close(conn.FD)
}

func (w *Worker) closeConnForced(id int32, conn *connpool.Conn) {
	if conn.FD == 0 {
		w.logger.Error("refusing to close connection with fd=0", "conn", id)
		return
	}
	w.closeConnSoft(conn)
	w.table.Remove(id)
	w.metrics.RecordClose()
}

func isTransient(errno syscall.Errno) bool {
	return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK || errno == syscall.EINTR
}

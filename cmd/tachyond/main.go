package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/tachyon"
	"github.com/ehrlich-b/tachyon/internal/bootstrap"
	"github.com/ehrlich-b/tachyon/internal/logging"
	"github.com/ehrlich-b/tachyon/internal/uring"
	"github.com/ehrlich-b/tachyon/internal/worker"
)

func main() {
	var (
		addr       = flag.String("addr", "0.0.0.0:8080", "listen address")
		workers    = flag.Int("workers", runtime.NumCPU(), "number of CPU-pinned worker loops")
		ringSize   = flag.Uint("uring-size", 4096, "submission queue entries per worker ring")
		sqpoll     = flag.Bool("sqpoll", false, "enable kernel-side submission queue polling")
		sqpollIdle = flag.Uint("sqpoll-idle", 5000, "SQ poll thread idle timeout in milliseconds")
		realtime   = flag.Bool("realtime", false, "realtime-priority mode, mutually exclusive with -ubdma (this flag does not change scheduling priority itself)")
		ubdma      = flag.Bool("ubdma", false, "enable the speculative-read fast path (unsound, mutually exclusive with -realtime)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	logConfig.Level = parseLevel(*logLevel)
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *realtime && *ubdma {
		logger.Error("configuration conflict: -realtime and -ubdma are mutually exclusive")
		os.Exit(1)
	}

	stop := make(chan struct{})
	done := make(chan int, *workers)

	for cpu := 0; cpu < *workers; cpu++ {
		metrics := tachyon.NewMetrics()
		go runWorker(cpu, *addr, worker.Config{
			CPU:         cpu,
			UBDMA:       *ubdma,
			Realtime:    *realtime,
			RingEntries: uint32(*ringSize),
			SQPoll:      *sqpoll,
			SQPollIdle:  uint32(*sqpollIdle),
		}, logger, metrics, stop, done)
	}

	go dumpStacksOnSIGUSR1(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")
	close(stop)

	exitCode := 0
	for i := 0; i < *workers; i++ {
		select {
		case code := <-done:
			if code != 0 {
				exitCode = code
			}
		case <-time.After(2 * time.Second):
			logger.Warn("worker shutdown timed out, exiting anyway")
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// runWorker pins the calling goroutine's OS thread to cpu, builds a
// listener and ring, and runs the worker loop inside a restart loop: any
// fatal error it returns is logged and the listener/ring/worker are rebuilt
// from scratch, mirroring the teacher's outer thread-restart loop.
func runWorker(cpu int, addr string, cfg worker.Config, logger *logging.Logger, metrics *tachyon.Metrics, stop <-chan struct{}, done chan<- int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logger.Warn("failed to pin worker to cpu, continuing unpinned", "cpu", cpu, "err", err)
	}

	for {
		select {
		case <-stop:
			done <- 0
			return
		default:
		}

		fd, err := bootstrap.Listen(addr)
		if err != nil {
			logger.Error("failed to build listener", "cpu", cpu, "err", err)
			done <- 1
			return
		}

		ring, err := uring.NewRing(uring.Config{
			Entries:    cfg.RingEntries,
			SQPoll:     cfg.SQPoll,
			SQPollIdle: cfg.SQPollIdle,
			SQPollCPU:  cpu,
		})
		if err != nil {
			logger.Error("failed to create ring", "cpu", cpu, "err", err)
			unix.Close(fd)
			done <- 1
			return
		}

		w := worker.New(cfg, ring, fd, logger, metrics)
		runErr := w.Run(stop)
		ring.Close()
		unix.Close(fd)

		if runErr == nil {
			done <- 0
			return
		}
		if tachyon.IsCode(runErr, tachyon.ErrCodeConfigConflict) {
			logger.Error("fatal configuration conflict, worker will not restart", "cpu", cpu, "err", runErr)
			done <- 1
			return
		}
		logger.Error("worker exited, restarting", "cpu", cpu, "err", runErr)
	}
}

func parseLevel(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func dumpStacksOnSIGUSR1(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "=== goroutine stack dump ===\n%s\n", buf[:n])
		pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		logger.Info("dumped goroutine stacks on SIGUSR1")
	}
}

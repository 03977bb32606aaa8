package source

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/WakuwakuP/roon-librespot-streamer/internal/metrics"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/pcm"
)

// Reader lifecycle states.
const (
	StateClosed        = "closed"
	StateOpening       = "opening"
	StateOpen          = "open"
	StateRetryShort    = "retry_short"     // writer closed after producing data
	StateRetryLong     = "retry_long"      // transient read error
	StateRetryNoWriter = "retry_no_writer" // no writer has attached
)

// retryDelay maps a retry state to the wait before the next open attempt.
var retryDelay = map[string]time.Duration{
	StateRetryShort:    100 * time.Millisecond,
	StateRetryLong:     500 * time.Millisecond,
	StateRetryNoWriter: time.Second,
}

// pollTimeoutMs bounds how long a poll sleeps while an attached writer is
// idle. Detach and new data both wake the poll immediately.
const pollTimeoutMs = 100

// Reader consumes the audio FIFO for one session. Open and read never
// block: an absent or idle writer is a steady state handled by the retry
// table, not an error. Chunks are handed to the sink in arrival order.
type Reader struct {
	path   string
	sink   func([]byte)
	logger *zap.Logger

	state     atomic.Value // string
	receiving atomic.Bool
	chunks    atomic.Uint64
}

func New(path string, sink func([]byte), logger *zap.Logger) *Reader {
	r := &Reader{
		path:   path,
		sink:   sink,
		logger: logger,
	}
	r.state.Store(StateClosed)
	return r
}

// Receiving reports whether the writer is attached and has delivered data
// since the current handle was opened.
func (r *Reader) Receiving() bool {
	return r.receiving.Load()
}

// Chunks returns the number of chunks delivered so far.
func (r *Reader) Chunks() uint64 {
	return r.chunks.Load()
}

// State returns the reader's current lifecycle state.
func (r *Reader) State() string {
	return r.state.Load().(string)
}

// Run opens the FIFO and keeps consuming it until ctx is cancelled,
// reopening after the state-specific delay whenever the writer disappears
// or a read fails. The open handle is always released before Run returns.
func (r *Reader) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("fifo watcher unavailable", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(r.path)); err != nil {
			r.logger.Warn("fifo watcher unavailable", zap.Error(err))
			watcher.Close()
			watcher = nil
		}
	}

	defer r.state.Store(StateClosed)

	for ctx.Err() == nil {
		r.state.Store(StateOpening)
		fd, err := unix.Open(r.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			// The pipe does not exist yet. An expected steady state
			// while the producer has not started.
			r.state.Store(StateRetryNoWriter)
			metrics.SourceReopensTotal.WithLabelValues(StateRetryNoWriter).Inc()
			if !r.wait(ctx, watcher, retryDelay[StateRetryNoWriter]) {
				return
			}
			continue
		}

		r.state.Store(StateOpen)
		next := r.consume(ctx, fd)
		unix.Close(fd)
		r.receiving.Store(false)

		if next == "" {
			return
		}
		r.state.Store(next)
		metrics.SourceReopensTotal.WithLabelValues(next).Inc()
		if !r.wait(ctx, watcher, retryDelay[next]) {
			return
		}
	}
}

// consume reads from an open handle until the writer goes away, a read
// fails, or ctx is cancelled. It returns the retry state to enter, or ""
// when ctx ended.
func (r *Reader) consume(ctx context.Context, fd int) string {
	buf := make([]byte, pcm.ChunkSize)
	hadData := false

	for {
		if ctx.Err() != nil {
			return ""
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.Warn("fifo poll failed", zap.Error(err))
			return StateRetryLong
		}
		if n == 0 {
			// Writer attached but idle. The silence timer covers the gap.
			continue
		}

		nr, err := unix.Read(fd, buf)
		switch {
		case nr > 0:
			hadData = true
			r.receiving.Store(true)
			r.chunks.Add(1)
			metrics.SourceBytesTotal.Add(float64(nr))
			chunk := make([]byte, nr)
			copy(chunk, buf[:nr])
			r.sink(chunk)

		case err == unix.EAGAIN || err == unix.EINTR:
			// Poll raced with the writer; nothing to read after all.

		case err != nil:
			r.logger.Warn("fifo read failed", zap.Error(err))
			return StateRetryLong

		default:
			// EOF. Either the writer detached or none ever attached.
			if hadData {
				return StateRetryShort
			}
			return StateRetryNoWriter
		}
	}
}

// wait sleeps for d, waking early when the FIFO path is created. Returns
// false when ctx was cancelled.
func (r *Reader) wait(ctx context.Context, watcher *fsnotify.Watcher, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case ev := <-events:
			if ev.Name == r.path && ev.Op&fsnotify.Create != 0 {
				return true
			}
		case err := <-errs:
			r.logger.Debug("fifo watcher error", zap.Error(err))
		}
	}
}

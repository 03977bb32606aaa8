package encoder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/WakuwakuP/roon-librespot-streamer/internal/config"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/metrics"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/pcm"
)

// Encoder runs one ffmpeg process for one client session. Raw PCM goes in
// on stdin, the configured container format comes out on stdout.
type Encoder struct {
	path   string
	args   []string
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	mu     sync.Mutex
	killed bool

	// wmu serializes stdin writes; held only while writing, never by Kill.
	wmu sync.Mutex

	done    chan struct{}
	exitErr error
}

// New prepares an encoder with the fixed argument contract for the
// configured output format. Start must be called before use.
func New(cfg *config.Config, logger *zap.Logger) *Encoder {
	return &Encoder{
		path:   cfg.FFmpegPath,
		args:   Args(cfg.Format, cfg.Bitrate),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Args builds the ffmpeg argument list: raw s16le 44.1 kHz stereo from
// stdin, the requested container to stdout. Lossy formats get the bitrate;
// FLAC gets a fixed compression level; WAV gets neither.
func Args(format, bitrate string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(pcm.SampleRate),
		"-ac", strconv.Itoa(pcm.Channels),
		"-i", "pipe:0",
		"-f", format,
	}
	switch format {
	case "flac":
		args = append(args, "-compression_level", "5")
	case "wav":
	default:
		args = append(args, "-b:a", bitrate)
	}
	return append(args, "pipe:1")
}

// Start launches the process. Stdout is wired through a pipe owned by this
// wrapper so the read side simply sees EOF when the process exits.
func (e *Encoder) Start() error {
	cmd := exec.Command(e.path, e.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = outW

	stderr, err := cmd.StderrPipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return fmt.Errorf("start %s: %w", e.path, err)
	}
	outW.Close()

	e.cmd = cmd
	e.stdin = stdin
	e.stdout = outR

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.logger.Debug("encoder stderr", zap.String("line", scanner.Text()))
		}
		e.exitErr = cmd.Wait()
		metrics.EncoderExitsTotal.Inc()
		close(e.done)
	}()

	return nil
}

// Stdout is the encoded output stream. It reaches EOF when the process
// exits; the caller owns closing it.
func (e *Encoder) Stdout() io.ReadCloser {
	return e.stdout
}

// Write feeds PCM to the encoder. The return value reports whether the
// chunk was accepted; chunks are dropped once the process has been killed
// or its stdin is gone. A drop is a normal outcome, never an error.
// Concurrent callers are serialized, so a chunk always enters the stream
// whole and frame alignment survives producer handoffs.
func (e *Encoder) Write(p []byte) bool {
	e.mu.Lock()
	if e.killed || e.stdin == nil {
		e.mu.Unlock()
		return false
	}
	stdin := e.stdin
	e.mu.Unlock()

	// The write happens outside the state lock so Kill can always
	// proceed; a concurrent close just turns this write into a drop.
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if _, err := stdin.Write(p); err != nil {
		return false
	}
	return true
}

// Kill terminates the process: stdin is closed first so ffmpeg can flush
// its output, then SIGTERM is sent. Idempotent.
func (e *Encoder) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.killed {
		return
	}
	e.killed = true

	if e.stdin != nil {
		e.stdin.Close()
	}
	if e.cmd != nil && e.cmd.Process != nil {
		e.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Done is closed when the process has exited.
func (e *Encoder) Done() <-chan struct{} {
	return e.done
}

// Err returns the process exit error. Valid only after Done is closed.
func (e *Encoder) Err() error {
	return e.exitErr
}

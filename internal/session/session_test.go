package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/WakuwakuP/roon-librespot-streamer/internal/config"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/metrics"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/registry"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/testutil"
)

// safeBuffer is a goroutine-safe response stand-in.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// fakeEncoder writes a shell script that ignores the ffmpeg argument list
// and passes stdin through to stdout, so sessions can run without ffmpeg.
func fakeEncoder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\nexec cat\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake encoder: %v", err)
	}
	return path
}

func testConfig(t *testing.T, fifoPath string) *config.Config {
	return &config.Config{
		FIFOPath:         fifoPath,
		Format:           "flac",
		Bitrate:          "320k",
		SilenceOnNoInput: true,
		FFmpegPath:       fakeEncoder(t),
	}
}

func mkfifo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.fifo")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	return path
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSilenceFlowsWithoutSource(t *testing.T) {
	baseline := runtime.NumGoroutine()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "no-such-fifo"))
	reg := registry.New()
	out := &safeBuffer{}

	s := New("test-silence", cfg, reg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, out)
		close(done)
	}()

	eventually(t, 2*time.Second, func() bool { return reg.Count() == 1 },
		"session did not register")

	// With no source at all, zero-filled PCM must keep flowing through
	// the encoder to the client.
	eventually(t, 3*time.Second, func() bool {
		return len(out.Bytes()) >= 2*17640
	}, "silence did not reach the client")
	for i, b := range out.Bytes() {
		if b != 0 {
			t.Fatalf("non-silence byte %#x at offset %d with no source attached", b, i)
		}
	}
	if s.Receiving() {
		t.Error("session must not report receiving without a source")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish after disconnect")
	}
	if reg.Count() != 0 {
		t.Errorf("session still registered after teardown: %d", reg.Count())
	}
	testutil.AssertNoGoroutineLeaks(t, baseline, 4)
}

func TestRealAudioPassesThrough(t *testing.T) {
	fifo := mkfifo(t)
	cfg := testConfig(t, fifo)
	reg := registry.New()
	out := &safeBuffer{}

	s := New("test-audio", cfg, reg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx, out)
		close(done)
	}()

	payload := bytes.Repeat([]byte{0xAA, 0x55}, 2048)
	writeFIFO(t, fifo, payload)

	eventually(t, 3*time.Second, func() bool {
		return bytes.Contains(out.Bytes(), payload)
	}, "source audio did not reach the client")
	eventually(t, 2*time.Second, func() bool { return s.Receiving() },
		"session did not report receiving")

	cancel()
	<-done
}

func TestSilenceSuppressedWhileReceiving(t *testing.T) {
	fifo := mkfifo(t)
	cfg := testConfig(t, fifo)
	reg := registry.New()
	out := &safeBuffer{}

	s := New("test-suppress", cfg, reg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, out)

	w := attachWriter(t, fifo)
	defer w.Close()

	eventually(t, 3*time.Second, func() bool { return s.Receiving() },
		"session did not start receiving")

	// Feed real chunks faster than the injection interval; the timer must
	// see fresh data at every tick and stay quiet.
	before := promtest.ToFloat64(metrics.SilenceChunksTotal)
	stop := time.After(600 * time.Millisecond)
	chunk := bytes.Repeat([]byte{0x01}, 1764)
feed:
	for {
		select {
		case <-stop:
			break feed
		default:
			if _, err := w.Write(chunk); err != nil {
				t.Fatalf("feed fifo: %v", err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	after := promtest.ToFloat64(metrics.SilenceChunksTotal)

	if delta := after - before; delta > 2 {
		t.Errorf("silence injected %v times while real audio was flowing", delta)
	}
}

func TestSilenceResumesAfterDetach(t *testing.T) {
	fifo := mkfifo(t)
	cfg := testConfig(t, fifo)
	reg := registry.New()
	out := &safeBuffer{}

	s := New("test-resume", cfg, reg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, out)

	w := attachWriter(t, fifo)
	chunk := bytes.Repeat([]byte{0x01}, 1764)
	for i := 0; i < 5; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("feed fifo: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	eventually(t, 2*time.Second, func() bool { return s.Receiving() },
		"session did not start receiving")

	w.Close()
	eventually(t, 2*time.Second, func() bool { return !s.Receiving() },
		"receiving flag did not drop after detach")

	// With the source gone again, the injection timer must produce zero
	// chunks on its very next ticks.
	before := promtest.ToFloat64(metrics.SilenceChunksTotal)
	eventually(t, time.Second, func() bool {
		return promtest.ToFloat64(metrics.SilenceChunksTotal) > before
	}, "silence did not resume after the writer detached")
}

func TestTeardownIsIdempotent(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "no-such-fifo"))
	reg := registry.New()
	out := &safeBuffer{}

	s := New("test-teardown", cfg, reg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx, out)
		close(done)
	}()

	eventually(t, 2*time.Second, func() bool { return reg.Count() == 1 },
		"session did not register")

	// Concurrent terminal events must release exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.teardown()
		}()
	}
	wg.Wait()

	if reg.Count() != 0 {
		t.Errorf("registry not cleaned up: %d", reg.Count())
	}
	if s.enc.Write([]byte{0}) {
		t.Error("encoder accepted a write after teardown")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after teardown")
	}
}

func TestIndependentFanOut(t *testing.T) {
	fifo := mkfifo(t)
	cfg := testConfig(t, fifo)
	reg := registry.New()

	outA, outB := &safeBuffer{}, &safeBuffer{}
	a := New("client-a", cfg, reg, zap.NewNop())
	b := New("client-b", cfg, reg, zap.NewNop())

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	doneA, doneB := make(chan struct{}), make(chan struct{})
	go func() { a.Run(ctxA, outA); close(doneA) }()
	go func() { b.Run(ctxB, outB); close(doneB) }()

	eventually(t, 2*time.Second, func() bool { return reg.Count() == 2 },
		"both sessions should register")

	// Tearing one down must not disturb the other.
	cancelA()
	<-doneA
	if reg.Count() != 1 {
		t.Fatalf("expected exactly one session left, got %d", reg.Count())
	}

	sizeAfterA := len(outB.Bytes())
	eventually(t, 2*time.Second, func() bool {
		return len(outB.Bytes()) > sizeAfterA
	}, "surviving session stopped streaming")

	cancelB()
	<-doneB
	if reg.Count() != 0 {
		t.Errorf("registry not empty at the end: %d", reg.Count())
	}
}

// writeFIFO attaches, writes once, and detaches.
func writeFIFO(t *testing.T, path string, p []byte) {
	t.Helper()
	w := attachWriter(t, path)
	if _, err := w.Write(p); err != nil {
		t.Fatalf("write fifo: %v", err)
	}
	w.Close()
}

// attachWriter opens the FIFO for writing, retrying while the session's
// reader cycles its handle.
func attachWriter(t *testing.T, path string) *os.File {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			// A one-byte test write confirms the reader still has its
			// end open.
			if _, werr := w.Write([]byte{0}); werr == nil {
				return w
			}
			w.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("could not attach a writer to the fifo")
	return nil
}

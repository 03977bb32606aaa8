package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WakuwakuP/roon-librespot-streamer/internal/config"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/encoder"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/metrics"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/pcm"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/registry"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/source"
)

// ErrServerFull reports that the client cap left no room for the session.
// Nothing has been registered or spawned when Run returns it.
var ErrServerFull = errors.New("client limit reached")

// Session wires one HTTP client to its own encoder process and FIFO
// reader. Whichever of the client, encoder, or response stream fails
// first, everything the session owns is released exactly once.
type Session struct {
	ID     string
	cfg    *config.Config
	reg    *registry.Registry
	logger *zap.Logger

	enc *encoder.Encoder
	src *source.Reader

	cancel context.CancelFunc

	mu       sync.Mutex
	tornDown bool
}

func New(id string, cfg *config.Config, reg *registry.Registry, logger *zap.Logger) *Session {
	s := &Session{
		ID:     id,
		cfg:    cfg,
		reg:    reg,
		logger: logger,
	}
	s.enc = encoder.New(cfg, logger)
	s.src = source.New(cfg.FIFOPath, func(chunk []byte) {
		s.enc.Write(chunk)
	}, logger)
	return s
}

// Receiving implements registry.Member.
func (s *Session) Receiving() bool {
	return s.src.Receiving()
}

// Run drives the pipeline until the client disconnects, the encoder
// exits, or the response stream fails. It returns only after teardown has
// completed and no goroutine can touch w anymore.
func (s *Session) Run(ctx context.Context, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Registered before any spawn or open, so the registry count is an
	// upper bound on sessions that may still hold resources. The cap is
	// checked and the slot taken under the registry's lock.
	if !s.reg.TryAdd(s.ID, s, s.cfg.MaxClients) {
		cancel()
		return ErrServerFull
	}

	if err := s.enc.Start(); err != nil {
		s.teardown()
		return fmt.Errorf("start encoder: %w", err)
	}

	out := s.enc.Stdout()
	defer out.Close()

	copyErr := make(chan error, 1)
	go func() {
		copyErr <- s.copyOutput(out, w)
	}()

	go s.src.Run(ctx)

	if s.cfg.SilenceOnNoInput {
		go s.injectSilence(ctx)
	}

	copyDone := false
	select {
	case <-ctx.Done():
		s.logger.Info("client disconnected")
	case err := <-copyErr:
		copyDone = true
		if err != nil && ctx.Err() == nil {
			// Response stream errors are expected traffic, not faults.
			s.logger.Info("response stream closed", zap.Error(err))
		}
	case <-s.enc.Done():
		if err := s.enc.Err(); err != nil {
			s.logger.Warn("encoder exited", zap.Error(err))
		} else {
			s.logger.Info("encoder exited")
		}
	}

	s.teardown()

	// The copy goroutine stops once the killed encoder's output reaches
	// EOF; it must be joined before the response writer goes out of scope.
	if !copyDone {
		<-copyErr
	}
	return nil
}

// copyOutput drains the encoder's output into the response, flushing each
// chunk so clients hear audio immediately.
func (s *Session) copyOutput(out io.Reader, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// injectSilence writes one zero chunk per tick whenever the source has not
// delivered real audio since the previous tick. The ticker always runs;
// the chunk counter alone decides whether a tick's write is needed.
func (s *Session) injectSilence(ctx context.Context) {
	chunk := pcm.Silence(pcm.ChunkDuration)
	ticker := time.NewTicker(pcm.ChunkDuration)
	defer ticker.Stop()

	last := s.src.Chunks()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if now := s.src.Chunks(); now != last {
				last = now
				continue
			}
			if s.enc.Write(chunk) {
				metrics.SilenceChunksTotal.Inc()
			}
		}
	}
}

// teardown releases every resource the session owns. Safe to call from
// any goroutine; concurrent terminal events release exactly once.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.mu.Unlock()

	// Order matters: stop the silence ticker and the reader's retry loop
	// first so no stale callback writes into a dying encoder, then end
	// the encoder, then leave the registry.
	s.cancel()
	s.enc.Kill()
	s.reg.Remove(s.ID)
	s.logger.Info("session closed")
}

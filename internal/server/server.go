package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/WakuwakuP/roon-librespot-streamer/internal/config"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/metrics"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/registry"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/session"
)

// Server is the HTTP boundary: it accepts stream requests, applies the
// rate limit, and constructs one client session per accepted request.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger *zap.Logger
}

func New(cfg *config.Config, reg *registry.Registry, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, reg: reg, logger: logger}
}

// Handler builds the router. The rate limit sits ahead of every route, so
// over-limit clients are never handed a session.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow))
	r.Use(s.logRequests)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			MaxAge:         300,
		}))
		r.Get("/", s.handleRoot)
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	r.Get("/stream", s.handleStream)
	return r
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		s.logger.Error("response writer does not support flushing")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType(s.cfg.Format))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Accept-Ranges", "none")
	if s.cfg.StreamName != "" {
		w.Header().Set("icy-name", s.cfg.StreamName)
		w.Header().Set("icy-description", s.cfg.StreamDescription)
	}

	id := uuid.New().String()
	logger := s.logger.With(
		zap.String("session", id),
		zap.String("remote", r.RemoteAddr),
	)
	logger.Info("client connected")

	// The session claims its registry slot under the registry lock, so
	// racing requests cannot overshoot the cap. No body bytes have been
	// written yet when the claim fails.
	sess := session.New(id, s.cfg, s.reg, logger)
	switch err := sess.Run(r.Context(), w); {
	case errors.Is(err, session.ErrServerFull):
		metrics.ClientsRejectedTotal.Inc()
		logger.Info("client rejected", zap.Int("limit", s.cfg.MaxClients))
		http.Error(w, "maximum number of clients reached", http.StatusServiceUnavailable)
	case err != nil:
		logger.Error("session failed", zap.Error(err))
	}
}

type healthResponse struct {
	Status          string `json:"status"`
	Clients         int    `json:"clients"`
	SourceAvailable bool   `json:"sourceAvailable"`
	ReceivingAudio  bool   `json:"receivingAudio"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, err := os.Stat(s.cfg.FIFOPath)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:          "ok",
		Clients:         s.reg.Count(),
		SourceAvailable: err == nil,
		ReceivingAudio:  s.reg.ReceivingAudio(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	receiving := "no"
	if s.reg.ReceivingAudio() {
		receiving = "yes"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html>
  <head><title>%s</title></head>
  <body>
    <h1>%s</h1>
    <p>Active clients: %d</p>
    <p>Receiving audio: %s</p>
    <p>Stream URL: <a href="/stream">/stream</a></p>
    <p>Health check: <a href="/health">/health</a></p>
  </body>
</html>
`, s.cfg.StreamName, s.cfg.StreamName, s.reg.Count(), receiving)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// contentType maps the configured output format to its MIME type.
func contentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "ogg", "vorbis":
		return "audio/ogg"
	default:
		return "audio/" + format
	}
}

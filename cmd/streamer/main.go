package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/WakuwakuP/roon-librespot-streamer/internal/config"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/registry"
	"github.com/WakuwakuP/roon-librespot-streamer/internal/server"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("streaming server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("fifo", cfg.FIFOPath),
		zap.String("format", cfg.Format),
		zap.String("bitrate", cfg.Bitrate),
		zap.Bool("silenceOnNoInput", cfg.SilenceOnNoInput),
	)

	reg := registry.New()
	srv := server.New(cfg, reg, logger)

	// Cancelling the base context tears down the open-ended stream
	// sessions, which srv.Shutdown alone would wait on forever.
	rootCtx, stop := context.WithCancel(context.Background())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}

	go func() {
		logger.Info("stream available", zap.String("url", "http://0.0.0.0"+cfg.ListenAddr+"/stream"))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "librespot_streamer_active_clients",
		Help: "Number of currently connected stream clients",
	})
)

// Counters
var (
	ClientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librespot_streamer_clients_total",
		Help: "Total stream clients accepted",
	})
	ClientsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librespot_streamer_clients_rejected_total",
		Help: "Stream clients rejected due to the client cap",
	})
	SourceBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librespot_streamer_source_bytes_total",
		Help: "Total PCM bytes read from the audio FIFO across all sessions",
	})
	SilenceChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librespot_streamer_silence_chunks_total",
		Help: "Total silence chunks injected while the source was idle",
	})
	SourceReopensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "librespot_streamer_source_reopens_total",
		Help: "FIFO reopen attempts by reason",
	}, []string{"reason"})
	EncoderExitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "librespot_streamer_encoder_exits_total",
		Help: "Total encoder process exits",
	})
)

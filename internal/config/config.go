package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process configuration, read once from the environment at
// startup. There is no hot reload.
type Config struct {
	ListenAddr        string
	FIFOPath          string
	Format            string
	Bitrate           string
	SilenceOnNoInput  bool
	FFmpegPath        string
	StreamName        string
	StreamDescription string

	// MaxClients caps concurrent stream sessions. 0 means unlimited.
	MaxClients int

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

func Load() *Config {
	return &Config{
		ListenAddr:        ":" + getEnv("STREAMING_PORT", "3000"),
		FIFOPath:          getEnv("FIFO_PATH", "/tmp/librespot-audio"),
		Format:            getEnv("STREAM_FORMAT", "flac"),
		Bitrate:           getEnv("BITRATE", "320k"),
		SilenceOnNoInput:  getEnvBool("SILENCE_ON_NO_INPUT", true),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		StreamName:        getEnv("STREAM_NAME", "Spotify via librespot"),
		StreamDescription: getEnv("STREAM_DESCRIPTION", "Streaming from Spotify Connect"),
		MaxClients:        getEnvInt("MAX_CLIENTS", 0),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MINUTES", 15)) * time.Minute,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

package pcm

import "time"

// Stream parameters fixed by the librespot pipe contract: raw s16le,
// 44.1 kHz, stereo.
const (
	SampleRate     = 44100
	Channels       = 2
	BytesPerSample = 2

	// BytesPerSecond is the byte rate of the raw PCM stream.
	// 44100 samples/sec * 2 channels * 2 bytes/sample = 176400 bytes/sec.
	BytesPerSecond = SampleRate * Channels * BytesPerSample

	// FrameSize is the byte length of one sample across all channels.
	FrameSize = Channels * BytesPerSample

	// ChunkDuration is the unit of both FIFO reads and silence injection.
	ChunkDuration = 100 * time.Millisecond

	// ChunkSize is the byte length of ChunkDuration of audio (4410 samples).
	ChunkSize = BytesPerSecond / 10
)

// Silence returns a zero-filled buffer covering d of audio, truncated to a
// whole number of frames.
func Silence(d time.Duration) []byte {
	n := int(int64(d) * BytesPerSecond / int64(time.Second))
	n -= n % FrameSize
	return make([]byte, n)
}

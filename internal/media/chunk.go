package media

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultChunkInterval is how often the remote-only recorder flushes.
const DefaultChunkInterval = 3 * time.Second

// Chunk is a slice of remote-party audio, encoded as G.711 u-law.
type Chunk struct {
	SessionID  string        `json:"session_id"`
	Seq        int           `json:"seq"`
	Offset     time.Duration `json:"offset"`
	Encoding   string        `json:"encoding"`
	SampleRate int           `json:"sample_rate"`
	Data       []byte        `json:"data"`
	Final      bool          `json:"final"`
}

// ChunkSink receives flushed chunks for downstream consumers.
type ChunkSink interface {
	Deliver(ctx context.Context, c Chunk) error
}

// ChunkRecorder records the remote party only. Audio is flushed to a sink
// every interval rather than delivered once at the end of the call. An
// optional archive recorder keeps the full remote-only file for upload.
type ChunkRecorder struct {
	sessionID string
	interval  time.Duration
	sink      ChunkSink
	archive   FrameRecorder
	logger    *slog.Logger

	mu      sync.Mutex
	pending []int16
	seq     int
	offset  int
	stopped bool

	quit chan struct{}
	done chan struct{}
}

// NewChunkRecorder starts the flush loop. sink and archive may be nil.
func NewChunkRecorder(sessionID string, interval time.Duration, sink ChunkSink, archive FrameRecorder, logger *slog.Logger) *ChunkRecorder {
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	r := &ChunkRecorder{
		sessionID: sessionID,
		interval:  interval,
		sink:      sink,
		archive:   archive,
		logger:    logger.With("subsystem", "chunk-recorder", "session_id", sessionID),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// Feed appends a remote frame to the current chunk.
func (r *ChunkRecorder) Feed(f Frame) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, f...)
	r.mu.Unlock()

	if r.archive != nil {
		r.archive.Feed(f)
	}
}

func (r *ChunkRecorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			r.flush(ctx, false)
			cancel()
		}
	}
}

// flush hands the pending audio to the sink. The final chunk is sent even
// when empty so consumers can close the stream.
func (r *ChunkRecorder) flush(ctx context.Context, final bool) {
	r.mu.Lock()
	if len(r.pending) == 0 && !final {
		r.mu.Unlock()
		return
	}
	samples := r.pending
	r.pending = nil
	c := Chunk{
		SessionID:  r.sessionID,
		Seq:        r.seq,
		Offset:     Duration(r.offset),
		Encoding:   "audio/PCMU",
		SampleRate: SampleRate,
		Data:       EncodeUlaw(samples),
		Final:      final,
	}
	r.seq++
	r.offset += len(samples)
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	if err := r.sink.Deliver(ctx, c); err != nil {
		r.logger.Warn("chunk delivery failed", "seq", c.Seq, "error", err)
	}
}

// Stop ends the flush loop, delivers the final chunk and stops the archive.
// The returned recording is the archive's, if any.
func (r *ChunkRecorder) Stop(ctx context.Context) (Recording, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return Recording{}, nil
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.quit)
	select {
	case <-r.done:
	case <-ctx.Done():
		return Recording{}, &RecorderError{Recorder: "remote", Err: ctx.Err()}
	}

	r.flush(ctx, true)

	if r.archive == nil {
		return Recording{}, nil
	}
	return r.archive.Stop(ctx)
}

// Chunks returns how many chunks have been produced.
func (r *ChunkRecorder) Chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

const (
	// recorderChanSize holds ~2.5 seconds of 20ms frames.
	recorderChanSize = 128

	// recorderFlushSamples is one second of audio at 8kHz.
	recorderFlushSamples = 8000
)

// Recording describes a finished recording file.
type Recording struct {
	Path     string
	Duration time.Duration
}

// FrameRecorder consumes PCM frames and produces a recording when stopped.
type FrameRecorder interface {
	Feed(f Frame)
	Stop(ctx context.Context) (Recording, error)
}

// WAVRecorder captures PCM frames to a 16-bit 8kHz mono WAV file. A
// dedicated goroutine drains a buffered channel and writes through the
// go-audio encoder.
//
// Feed never blocks: if the writer falls behind, frames are dropped.
// Stop is idempotent and honours its context as a soft deadline.
type WAVRecorder struct {
	name     string
	filePath string
	file     *os.File
	enc      *wav.Encoder
	logger   *slog.Logger

	mu      sync.Mutex
	samples int
	stopped bool
	result  Recording
	err     error

	frames chan Frame
	done   chan struct{}
}

// NewWAVRecorder creates the file (and its parent directories) and starts
// the write goroutine. name labels log lines and errors.
func NewWAVRecorder(name, filePath string, logger *slog.Logger) (*WAVRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, &RecorderError{Recorder: name, Err: fmt.Errorf("creating recording directory: %w", err)}
	}
	f, err := os.Create(filePath)
	if err != nil {
		return nil, &RecorderError{Recorder: name, Err: fmt.Errorf("creating recording file: %w", err)}
	}

	r := &WAVRecorder{
		name:     name,
		filePath: filePath,
		file:     f,
		enc:      wav.NewEncoder(f, SampleRate, 16, 1, 1),
		logger:   logger.With("subsystem", "recorder", "recorder", name, "file", filePath),
		frames:   make(chan Frame, recorderChanSize),
		done:     make(chan struct{}),
	}

	go r.writeLoop()

	r.logger.Info("recording started")
	return r, nil
}

// Feed queues a frame. The frame is copied.
func (r *WAVRecorder) Feed(f Frame) {
	if len(f) == 0 {
		return
	}
	buf := make(Frame, len(f))
	copy(buf, f)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.frames <- buf:
	default:
	}
}

// Stop drains queued frames and finalizes the WAV header. If ctx ends first
// a RecorderError is returned and the file is finished in the background.
func (r *WAVRecorder) Stop(ctx context.Context) (Recording, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return r.wait(ctx)
	}
	r.stopped = true
	close(r.frames)
	r.mu.Unlock()

	return r.wait(ctx)
}

func (r *WAVRecorder) wait(ctx context.Context) (Recording, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("recorder did not drain in time")
		return Recording{}, &RecorderError{Recorder: r.name, Err: ctx.Err()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Path returns the recording file path.
func (r *WAVRecorder) Path() string {
	return r.filePath
}

func (r *WAVRecorder) writeLoop() {
	defer close(r.done)

	pending := make([]int16, 0, recorderFlushSamples)
	var writeErr error

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := r.enc.Write(intBuffer(pending)); err != nil && writeErr == nil {
			writeErr = err
			r.logger.Error("failed to write recording data", "error", err)
		}
		r.mu.Lock()
		r.samples += len(pending)
		r.mu.Unlock()
		pending = pending[:0]
	}

	for f := range r.frames {
		pending = append(pending, f...)
		if len(pending) >= recorderFlushSamples {
			flush()
		}
	}
	flush()

	err := r.enc.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = writeErr
	}

	r.mu.Lock()
	r.result = Recording{Path: r.filePath, Duration: Duration(r.samples)}
	if err != nil {
		r.err = &RecorderError{Recorder: r.name, Err: err}
	}
	r.mu.Unlock()

	r.logger.Info("recording stopped",
		"duration", r.result.Duration,
		"samples", r.samples,
	)
}

// RecordingPath returns the dated path for a session recording:
// $dataDir/recordings/YYYY/MM/DD/call_{id}_{kind}.wav
func RecordingPath(dataDir, sessionID, kind string, t time.Time) string {
	return filepath.Join(
		dataDir,
		"recordings",
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
		fmt.Sprintf("call_%s_%s.wav", sessionID, kind),
	)
}

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Microphone is a paced local audio source. ReadFrame blocks until the next
// frame is available.
type Microphone interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// OpenMicFunc opens the underlying capture device.
type OpenMicFunc func() (Microphone, error)

// MicProvider acquires the microphone once and hands the same stream to
// every session that asks for it.
type MicProvider struct {
	open OpenMicFunc

	mu  sync.Mutex
	mic Microphone
}

// NewMicProvider creates a provider around the given device opener.
func NewMicProvider(open OpenMicFunc) *MicProvider {
	return &MicProvider{open: open}
}

// Acquire returns the shared microphone, opening it on first use. A failed
// open is not cached, so a later call may succeed.
func (p *MicProvider) Acquire() (Microphone, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mic != nil {
		return p.mic, nil
	}
	mic, err := p.open()
	if err != nil {
		return nil, &MediaPermissionError{Err: err}
	}
	p.mic = mic
	return mic, nil
}

// Close releases the shared microphone.
func (p *MicProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mic == nil {
		return nil
	}
	err := p.mic.Close()
	p.mic = nil
	return err
}

// pacedSource emits frames from next at FrameDuration intervals.
type pacedSource struct {
	ticker *time.Ticker
	next   func() Frame

	mu     sync.Mutex
	closed bool
}

func newPacedSource(pace time.Duration, next func() Frame) *pacedSource {
	return &pacedSource{ticker: time.NewTicker(pace), next: next}
}

func (s *pacedSource) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, io.EOF
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	return s.next(), nil
}

func (s *pacedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.ticker.Stop()
	}
	return nil
}

// NewSilentMicrophone returns a microphone producing silence, for agents
// without a capture device.
func NewSilentMicrophone() Microphone {
	return newPacedSource(FrameDuration, Silence)
}

// OpenWAVMicrophone returns an opener for a microphone that loops the PCM
// content of a 16-bit 8kHz mono WAV file.
func OpenWAVMicrophone(path string) OpenMicFunc {
	return func() (Microphone, error) {
		samples, err := readWAV(path)
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 {
			return nil, fmt.Errorf("wav file %s has no audio", path)
		}
		pos := 0
		return newPacedSource(FrameDuration, func() Frame {
			f := make(Frame, FrameSamples)
			for i := range f {
				f[i] = samples[pos]
				pos = (pos + 1) % len(samples)
			}
			return f
		}), nil
	}
}

func readWAV(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	if dec.SampleRate != SampleRate || dec.NumChans != 1 || dec.BitDepth != 16 {
		return nil, fmt.Errorf("wav %s: want 8000Hz 16-bit mono, got %dHz %d-bit %d channels",
			path, dec.SampleRate, dec.BitDepth, dec.NumChans)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding wav: %w", err)
	}
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v)
	}
	return out, nil
}

// Playback is the agent's local audio output.
type Playback interface {
	WriteFrame(samples []int16) error
}

// DiscardPlayback drops audio but counts frames.
type DiscardPlayback struct {
	mu     sync.Mutex
	frames int
}

func (d *DiscardPlayback) WriteFrame(samples []int16) error {
	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
	return nil
}

// Frames returns the number of frames written so far.
func (d *DiscardPlayback) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// WAVPlayback writes played audio to a WAV file, for headless agents that
// want to audit what they heard.
type WAVPlayback struct {
	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
}

// NewWAVPlayback creates (or truncates) path and returns a playback writing
// into it.
func NewWAVPlayback(path string) (*WAVPlayback, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating playback file: %w", err)
	}
	return &WAVPlayback{file: f, enc: wav.NewEncoder(f, SampleRate, 16, 1, 1)}, nil
}

func (p *WAVPlayback) WriteFrame(samples []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc == nil {
		return errors.New("playback closed")
	}
	return p.enc.Write(intBuffer(samples))
}

// Close finalizes the WAV header and closes the file.
func (p *WAVPlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc == nil {
		return nil
	}
	err := p.enc.Close()
	p.enc = nil
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func intBuffer(samples []int16) *audio.IntBuffer {
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           Frame(samples).Ints(),
		SourceBitDepth: 16,
	}
}

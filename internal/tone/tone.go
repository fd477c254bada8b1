package tone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// SampleRate is the output rate of generated tones.
	SampleRate = 8000

	// FrameDuration is the length of audio written per tick.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples in one frame.
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// DefaultBusyDuration bounds how long the busy tone plays.
	DefaultBusyDuration = 3000 * time.Millisecond

	// per-oscillator gain; two oscillators summed stay well below full scale
	oscillatorGain = 0.15
)

// ErrClosed is returned when starting a tone on a closed generator.
var ErrClosed = errors.New("tone: generator closed")

// Pattern describes a cadenced dual-frequency tone.
type Pattern struct {
	Low, High float64
	On, Off   time.Duration
}

var (
	// Ringback is the North American ringback cadence.
	Ringback = Pattern{Low: 440, High: 480, On: 2 * time.Second, Off: 4 * time.Second}

	// Busy is the North American busy cadence.
	Busy = Pattern{Low: 480, High: 620, On: 500 * time.Millisecond, Off: 500 * time.Millisecond}
)

// Fill writes samples for the pattern starting at sample position pos into
// buf. Positions inside the off part of the cadence produce silence.
func (p Pattern) Fill(buf []int16, pos int) {
	onSamples := int(p.On.Seconds() * SampleRate)
	cycle := onSamples + int(p.Off.Seconds()*SampleRate)
	for i := range buf {
		n := pos + i
		if cycle > 0 && n%cycle >= onSamples {
			buf[i] = 0
			continue
		}
		t := float64(n) / SampleRate
		v := oscillatorGain*math.Sin(2*math.Pi*p.Low*t) + oscillatorGain*math.Sin(2*math.Pi*p.High*t)
		buf[i] = int16(v * math.MaxInt16)
	}
}

// Sink receives generated PCM frames (8kHz, 16-bit, mono).
type Sink interface {
	WriteFrame(samples []int16) error
}

// OpenFunc lazily opens the output sink on first use.
type OpenFunc func() (Sink, error)

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) stop() {
	l.cancel()
	<-l.done
}

// Generator plays ringback and busy tones on independent, cancellable loops.
// Stopping a loop waits for its goroutine to exit, so no frame is written
// after Stop or Close returns.
type Generator struct {
	open   OpenFunc
	pace   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	sink     Sink
	ringback *loop
	busy     *loop
	closed   bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithPace overrides the wall-clock interval between frames. Frame content is
// unaffected; only delivery speed changes.
func WithPace(d time.Duration) Option {
	return func(g *Generator) { g.pace = d }
}

// WithLogger sets the generator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator creates a tone generator. The sink is not opened until the
// first tone starts.
func NewGenerator(open OpenFunc, opts ...Option) *Generator {
	g := &Generator{
		open:   open,
		pace:   FrameDuration,
		logger: slog.Default().With("subsystem", "tone"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// StartRingback starts the ringback loop. It is a no-op if ringback is
// already playing.
func (g *Generator) StartRingback() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ringback != nil {
		return nil
	}
	l, err := g.startLocked(Ringback, 0, func() {
		g.mu.Lock()
		g.ringback = nil
		g.mu.Unlock()
	})
	if err != nil {
		return err
	}
	g.ringback = l
	g.logger.Debug("ringback started")
	return nil
}

// StopRingback stops ringback and waits for its loop to exit.
func (g *Generator) StopRingback() {
	g.mu.Lock()
	l := g.ringback
	g.ringback = nil
	g.mu.Unlock()
	if l != nil {
		l.stop()
		g.logger.Debug("ringback stopped")
	}
}

// StartBusy plays the busy tone for d, then stops by itself. A non-positive
// d uses DefaultBusyDuration.
func (g *Generator) StartBusy(d time.Duration) error {
	if d <= 0 {
		d = DefaultBusyDuration
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy != nil {
		return nil
	}
	var self *loop
	l, err := g.startLocked(Busy, d, func() {
		g.mu.Lock()
		if g.busy == self {
			g.busy = nil
		}
		g.mu.Unlock()
	})
	if err != nil {
		return err
	}
	self = l
	g.busy = l
	g.logger.Debug("busy tone started", "duration", d)
	return nil
}

// StopBusy stops the busy tone early and waits for its loop to exit.
func (g *Generator) StopBusy() {
	g.mu.Lock()
	l := g.busy
	g.busy = nil
	g.mu.Unlock()
	if l != nil {
		l.stop()
	}
}

// Playing reports which loops are currently running.
func (g *Generator) Playing() (ringback, busy bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ringback != nil, g.busy != nil
}

// Close stops both loops and releases the sink. Close is idempotent.
func (g *Generator) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	rb, busy := g.ringback, g.busy
	g.ringback, g.busy = nil, nil
	sink := g.sink
	g.sink = nil
	g.mu.Unlock()

	if rb != nil {
		rb.stop()
	}
	if busy != nil {
		busy.stop()
	}
	if c, ok := sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// startLocked launches a loop for p. A positive limit stops the loop after
// that much audio. onExit runs when the loop ends by itself.
func (g *Generator) startLocked(p Pattern, limit time.Duration, onExit func()) (*loop, error) {
	if g.closed {
		return nil, ErrClosed
	}
	if g.sink == nil {
		sink, err := g.open()
		if err != nil {
			return nil, err
		}
		g.sink = sink
	}
	sink := g.sink

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}

	maxFrames := -1
	if limit > 0 {
		maxFrames = int(limit / FrameDuration)
	}

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(g.pace)
		defer ticker.Stop()

		buf := make([]int16, FrameSamples)
		pos := 0
		for frame := 0; maxFrames < 0 || frame < maxFrames; frame++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// Re-check after waking so a stop racing the tick writes nothing.
			if ctx.Err() != nil {
				return
			}
			p.Fill(buf, pos)
			pos += FrameSamples
			if err := sink.WriteFrame(buf); err != nil {
				g.logger.Warn("tone frame write failed", "error", err)
			}
		}
		onExit()
	}()

	return l, nil
}

package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultStopTimeout bounds how long Stop waits for each recorder to drain.
const DefaultStopTimeout = 2 * time.Second

// ConnState is the state of a peer media connection.
type ConnState string

const (
	ConnNew       ConnState = "new"
	ConnConnected ConnState = "connected"
	ConnClosed    ConnState = "closed"
)

// Track is a remote audio source on a connection.
type Track interface {
	ID() string
	ReadFrame(ctx context.Context) (Frame, error)
}

// Connection is the media side of a call as the pipeline sees it.
type Connection interface {
	// OnTrack registers a callback for newly added remote tracks.
	OnTrack(func(Track))
	// OnStateChange registers a callback for connection state changes.
	OnStateChange(func(ConnState))
	// Receivers returns the remote tracks currently being received.
	Receivers() []Track
	// WriteFrame sends local audio to the peer.
	WriteFrame(f Frame) error
}

// PipelineConfig wires a pipeline to its devices and recorders.
type PipelineConfig struct {
	SessionID string
	Mic       *MicProvider
	Playback  Playback

	// NewMixedRecorder opens the recorder for local+remote audio.
	NewMixedRecorder func() (FrameRecorder, error)
	// NewRemoteRecorder opens the recorder for remote-only audio.
	NewRemoteRecorder func() (FrameRecorder, error)

	StopTimeout time.Duration
	Pace        time.Duration
	Logger      *slog.Logger
}

// Result is what a stopped pipeline leaves behind for the uploader.
type Result struct {
	Mixed  *Recording
	Remote *Recording
	Errors []error
}

// Pipeline mixes local and remote audio for one session and feeds the
// mixed and remote-only recorders. Remote tracks are attached from the
// connection's track callback and, as a fallback, by scanning receivers
// whenever the connection reports connected.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      Connection
	tracks    map[string]chan Frame
	micFrames chan Frame
	muted     bool
	recording bool
	mixed     FrameRecorder
	remote    FrameRecorder
	looping   bool
	stopped   bool
	result    *Result
	errs      []error
}

// NewPipeline creates an idle pipeline. Nothing runs until Attach.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Pace <= 0 {
		cfg.Pace = FrameDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger.With("subsystem", "pipeline", "session_id", cfg.SessionID),
		ctx:    ctx,
		cancel: cancel,
		tracks: make(map[string]chan Frame),
	}
}

// Attach binds the pipeline to a connection and starts playing any remote
// audio. Attaching a second time is a no-op.
func (p *Pipeline) Attach(conn Connection) {
	p.mu.Lock()
	if p.stopped || p.conn != nil {
		p.mu.Unlock()
		return
	}
	p.conn = conn
	p.startLoopLocked()
	p.mu.Unlock()

	conn.OnTrack(p.addTrack)
	conn.OnStateChange(func(s ConnState) {
		if s == ConnConnected {
			p.scanReceivers(conn)
		}
	})
	p.scanReceivers(conn)
}

func (p *Pipeline) scanReceivers(conn Connection) {
	for _, t := range conn.Receivers() {
		p.addTrack(t)
	}
}

func (p *Pipeline) addTrack(t Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.tracks[t.ID()]; ok {
		return
	}
	ch := make(chan Frame, 8)
	p.tracks[t.ID()] = ch
	p.logger.Info("remote track attached", "track_id", t.ID())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pump(t.ReadFrame, ch)
		p.mu.Lock()
		delete(p.tracks, t.ID())
		p.mu.Unlock()
	}()
}

// pump copies frames from read into ch, dropping the oldest frame when the
// mixer falls behind.
func (p *Pipeline) pump(read func(context.Context) (Frame, error), ch chan Frame) {
	for {
		f, err := read(p.ctx)
		if err != nil {
			return
		}
		select {
		case ch <- f:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
			}
		}
	}
}

// StartRecording acquires the shared microphone and opens both recorders.
// A microphone failure is returned as *MediaPermissionError. Recorder
// failures are soft: the pipeline records what it can.
func (p *Pipeline) StartRecording() error {
	p.mu.Lock()
	if p.stopped || p.recording {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	mic, err := p.cfg.Mic.Acquire()
	if err != nil {
		return err
	}

	var mixed, remote FrameRecorder
	var errs []error
	if p.cfg.NewMixedRecorder != nil {
		if mixed, err = p.cfg.NewMixedRecorder(); err != nil {
			p.logger.Warn("mixed recorder unavailable", "error", err)
			errs = append(errs, err)
			mixed = nil
		}
	}
	if p.cfg.NewRemoteRecorder != nil {
		if remote, err = p.cfg.NewRemoteRecorder(); err != nil {
			p.logger.Warn("remote recorder unavailable", "error", err)
			errs = append(errs, err)
			remote = nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		// Stopped while opening: nothing will ever feed these.
		go stopQuietly(mixed, p.cfg.StopTimeout)
		go stopQuietly(remote, p.cfg.StopTimeout)
		return nil
	}
	p.errs = append(p.errs, errs...)
	p.mixed = mixed
	p.remote = remote
	p.recording = true
	p.micFrames = make(chan Frame, 8)
	micFrames := p.micFrames

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pump(mic.ReadFrame, micFrames)
	}()

	p.startLoopLocked()
	p.logger.Info("recording started")
	return nil
}

func stopQuietly(r FrameRecorder, timeout time.Duration) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	r.Stop(ctx)
}

// SetMuted toggles the local microphone. Muted audio is replaced by
// silence towards the peer and in the mixed recording.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Muted reports the local mute state.
func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *Pipeline) startLoopLocked() {
	if p.looping {
		return
	}
	p.looping = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.mixLoop()
	}()
}

func (p *Pipeline) mixLoop() {
	ticker := time.NewTicker(p.cfg.Pace)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		p.mixCycle()
	}
}

func (p *Pipeline) mixCycle() {
	p.mu.Lock()
	remoteFrames := make([]Frame, 0, len(p.tracks))
	for _, ch := range p.tracks {
		select {
		case f := <-ch:
			remoteFrames = append(remoteFrames, f)
		default:
		}
	}
	var local Frame
	if p.micFrames != nil {
		select {
		case local = <-p.micFrames:
		default:
		}
	}
	if p.muted || local == nil {
		local = Silence()
	}
	conn, recording, mixed, remote := p.conn, p.recording, p.mixed, p.remote
	haveTracks := len(p.tracks) > 0
	haveMic := p.micFrames != nil
	p.mu.Unlock()

	remoteMix := Mix(remoteFrames...)

	if haveTracks && p.cfg.Playback != nil {
		if err := p.cfg.Playback.WriteFrame(remoteMix); err != nil {
			p.logger.Debug("playback write failed", "error", err)
		}
	}
	if haveMic && conn != nil {
		if err := conn.WriteFrame(local); err != nil {
			p.logger.Debug("sending local audio failed", "error", err)
		}
	}
	if !recording {
		return
	}
	if mixed != nil {
		mixed.Feed(Mix(local, remoteMix))
	}
	if remote != nil {
		remote.Feed(remoteMix)
	}
}

// Stop closes the recording gate, stops every pump and drains both
// recorders. Each recorder gets at most StopTimeout; one that misses it is
// reported in Result.Errors and left out. Stop is idempotent.
func (p *Pipeline) Stop(ctx context.Context) Result {
	p.mu.Lock()
	if p.stopped {
		res := p.result
		p.mu.Unlock()
		if res == nil {
			return Result{}
		}
		return *res
	}
	p.stopped = true
	p.recording = false
	mixed, remote := p.mixed, p.remote
	errs := append([]error(nil), p.errs...)
	p.mu.Unlock()

	p.cancel()
	if !waitTimeout(&p.wg, p.cfg.StopTimeout) {
		p.logger.Warn("media sources did not stop in time")
	}

	res := Result{}
	var wg sync.WaitGroup
	var mu sync.Mutex
	stop := func(r FrameRecorder, out **Recording) {
		defer wg.Done()
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StopTimeout)
		defer cancel()
		rec, err := r.Stop(sctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			p.logger.Warn("recorder stop failed", "error", err)
		}
		if rec.Path != "" {
			*out = &rec
		}
	}
	if mixed != nil {
		wg.Add(1)
		go stop(mixed, &res.Mixed)
	}
	if remote != nil {
		wg.Add(1)
		go stop(remote, &res.Remote)
	}
	wg.Wait()
	res.Errors = errs

	p.mu.Lock()
	p.result = &res
	p.mu.Unlock()

	p.logger.Info("pipeline stopped",
		"mixed", res.Mixed != nil,
		"remote", res.Remote != nil,
		"errors", len(res.Errors),
	)
	return res
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// RecorderErrors extracts the RecorderErrors from a result.
func (r Result) RecorderErrors() []*RecorderError {
	var out []*RecorderError
	for _, err := range r.Errors {
		var re *RecorderError
		if errors.As(err, &re) {
			out = append(out, re)
		}
	}
	return out
}

// Package call owns the agent's single active call session: a pure
// transition function over signaling and operator events, and a controller
// that carries out the resulting effects.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/disposition"
	"github.com/flowpbx/agentphone/internal/media"
	"github.com/flowpbx/agentphone/internal/phonenumber"
)

const (
	// DefaultDigitTone and DefaultDigitGap pace operator DTMF.
	DefaultDigitTone = 250 * time.Millisecond
	DefaultDigitGap  = 250 * time.Millisecond

	tickInterval     = time.Second
	signalingTimeout = 5 * time.Second
	uploadTimeout    = 60 * time.Second
	drainTimeout     = 10 * time.Second
	eventQueueSize   = 64
)

// Config wires a Controller to its collaborators. Phone, Registration,
// Tones, NewPipeline and Uploader are required.
type Config struct {
	Phone        Phone
	Registration Registration
	Tones        Tones
	NewPipeline  func(sessionID string) Pipeline
	Uploader     Uploader
	Dispositions disposition.Store
	Phases       PhaseNotifier
	Archive      Archiver
	Transfer     Transferer

	Username        string
	DefaultCampaign string
	DefaultRegion   string
	DigitTone       time.Duration
	DigitGap        time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

type envelope struct {
	// sessionID scopes the event to one session. Empty means "current".
	sessionID string
	ev        Event
	fn        func()
	reply     chan error
}

// Controller runs the session state machine on a single goroutine.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	events  chan envelope
	done    chan struct{}
	closing chan struct{}

	mu        sync.RWMutex
	snapshot  Session
	observers []func(Session)

	// Owned by the run goroutine.
	session    Session
	call       Call
	pipeline   Pipeline
	drain      chan media.Result
	dialCancel context.CancelFunc
	tickStop   chan struct{}
	bg         sync.WaitGroup

	// retired is the last signaling handle of a session that is no longer
	// current. A late answer on it is hung up.
	retired struct {
		sessionID string
		call      Call
	}
}

// NewController creates a controller. Call Run to start it.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DigitTone <= 0 {
		cfg.DigitTone = DefaultDigitTone
	}
	if cfg.DigitGap <= 0 {
		cfg.DigitGap = DefaultDigitGap
	}
	c := &Controller{
		cfg:      cfg,
		logger:   cfg.Logger.With("subsystem", "call"),
		events:   make(chan envelope, eventQueueSize),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		session:  Session{State: StateIdle},
		snapshot: Session{State: StateIdle},
	}
	cfg.Phone.OnIncoming(c.incoming)
	return c
}

// OnChange registers fn to be called with every new session value. It
// runs on the controller goroutine and must not block or call back into
// the controller synchronously.
func (c *Controller) OnChange(fn func(Session)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Run processes events until ctx is cancelled, then tears down any active
// call and waits for in-flight uploads.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case env := <-c.events:
			c.handle(env)
		}
	}
}

// Snapshot returns the current session for display.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	s := c.snapshot
	c.mu.RUnlock()
	return s.snapshot(c.cfg.Now())
}

// PlaceCall dials destination. It waits for an in-flight registration
// within the registration manager's bounded timeout.
func (c *Controller) PlaceCall(ctx context.Context, destination, campaign string) (Snapshot, error) {
	if err := c.cfg.Registration.Await(ctx); err != nil {
		return c.Snapshot(), err
	}
	if campaign == "" {
		campaign = c.cfg.DefaultCampaign
	}
	err := c.submit(ctx, PlaceCall{
		ID:          uuid.NewString(),
		Destination: destination,
		Campaign:    campaign,
		At:          c.cfg.Now(),
	})
	return c.Snapshot(), err
}

// Hangup ends the current call. It is a no-op when idle.
func (c *Controller) Hangup(ctx context.Context) error {
	return c.submit(ctx, Hangup{At: c.cfg.Now()})
}

// Answer accepts a ringing inbound call.
func (c *Controller) Answer(ctx context.Context) error { return c.submit(ctx, Answer{}) }

// Hold and Unhold are no-ops unless a call is connected.
func (c *Controller) Hold(ctx context.Context) error   { return c.submit(ctx, Hold{}) }
func (c *Controller) Unhold(ctx context.Context) error { return c.submit(ctx, Unhold{}) }

func (c *Controller) Mute(ctx context.Context) error   { return c.submit(ctx, Mute{}) }
func (c *Controller) Unmute(ctx context.Context) error { return c.submit(ctx, Unmute{}) }

// SendDigits sends DTMF on a connected call.
func (c *Controller) SendDigits(ctx context.Context, digits string) error {
	return c.submit(ctx, Digits{Digits: digits})
}

// SubmitFeedback completes the post-call step and releases the upload.
func (c *Controller) SubmitFeedback(ctx context.Context, remark string) error {
	return c.submit(ctx, Feedback{Remark: remark})
}

// Transfer hands the connected call to extension.
func (c *Controller) Transfer(ctx context.Context, extension string) error {
	if c.cfg.Transfer == nil {
		return errors.New("transfer is not configured")
	}
	var leg Call
	var sid string
	if err := c.exec(ctx, func() {
		if c.session.State.Connected() {
			leg, sid = c.call, c.session.ID
		}
	}); err != nil {
		return err
	}
	if leg == nil {
		return ErrNoActiveCall
	}
	if err := c.cfg.Transfer.Transfer(ctx, leg, extension); err != nil {
		return err
	}
	c.post(sid, Transferring{Target: extension})
	return nil
}

// submit delivers a command for the current session and waits for it to
// be applied.
func (c *Controller) submit(ctx context.Context, ev Event) error {
	return c.send(ctx, envelope{ev: ev, reply: make(chan error, 1)})
}

// exec runs fn on the controller goroutine.
func (c *Controller) exec(ctx context.Context, fn func()) error {
	return c.send(ctx, envelope{fn: fn, reply: make(chan error, 1)})
}

func (c *Controller) send(ctx context.Context, env envelope) error {
	select {
	case c.events <- env:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrControllerClosed
	}
	select {
	case err := <-env.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrControllerClosed
	}
}

// post delivers an asynchronous event scoped to sessionID without waiting.
// Events posted once shutdown has begun are dropped.
func (c *Controller) post(sessionID string, ev Event) {
	select {
	case c.events <- envelope{sessionID: sessionID, ev: ev}:
	case <-c.closing:
	case <-c.done:
	}
}

func (c *Controller) signalFunc(sessionID string) SignalFunc {
	return func(sig Signal) {
		now := c.cfg.Now()
		var ev Event
		switch sig.Kind {
		case SignalProgress:
			ev = Progress{EarlyMedia: sig.EarlyMedia}
		case SignalAccepted:
			ev = Accepted{At: now}
		case SignalFailed:
			ev = Failed{StatusCode: sig.StatusCode, Reason: sig.Reason, Cause: sig.Cause, At: now}
		case SignalEnded:
			ev = Ended{Cause: sig.Cause, At: now}
		default:
			return
		}
		c.post(sessionID, ev)
	}
}

func (c *Controller) incoming(call Call, from string) (SignalFunc, bool) {
	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
	defer cancel()
	err := c.submit(ctx, Offer{
		ID:       id,
		Call:     call,
		From:     from,
		Campaign: c.cfg.DefaultCampaign,
		At:       c.cfg.Now(),
	})
	if err != nil {
		c.logger.Info("rejecting inbound call", "from", from, "call_id", call.ID(), "reason", err)
		return nil, false
	}
	return c.signalFunc(id), true
}

func (c *Controller) handle(env envelope) {
	if env.fn != nil {
		env.fn()
		env.reply <- nil
		return
	}
	if env.sessionID != "" && env.sessionID != c.session.ID {
		c.dropStale(env.sessionID, env.ev)
		if env.reply != nil {
			env.reply <- nil
		}
		return
	}

	prev := c.session
	next, effects, err := Transition(prev, env.ev)
	if err != nil {
		if env.reply != nil {
			env.reply <- err
		}
		return
	}

	if next.ID != prev.ID {
		c.release(prev.ID)
	}
	c.session = next
	if next.State != prev.State {
		c.logger.Info("call state changed",
			"session_id", next.ID,
			"from", prev.State,
			"to", next.State,
			"event", eventName(env.ev),
		)
	}
	for _, eff := range effects {
		c.apply(eff)
	}
	c.publish(next)

	if env.reply != nil {
		env.reply <- nil
	}
}

// dropStale handles an event for a session that is no longer current.
// Signaling handles that surface late still belong to the far end, so
// they are hung up rather than left ringing.
func (c *Controller) dropStale(sid string, ev Event) {
	switch e := ev.(type) {
	case Dialed:
		c.logger.Info("hanging up leg of finished session", "session_id", sid, "call_id", e.Call.ID())
		c.retire(sid, e.Call)
		c.hangupAsync(sid, e.Call)
		return
	case Accepted:
		if c.retired.sessionID == sid && c.retired.call != nil {
			c.logger.Info("late answer on finished session", "session_id", sid, "call_id", c.retired.call.ID())
			c.hangupAsync(sid, c.retired.call)
			return
		}
	}
	c.logger.Debug("dropping stale event", "event", eventName(ev), "session_id", sid)
}

func (c *Controller) retire(sid string, call Call) {
	c.retired.sessionID = sid
	c.retired.call = call
}

// release drops references to the previous session's resources. They have
// already been told to stop by earlier effects.
func (c *Controller) release(sid string) {
	c.stopTicker()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.call != nil {
		c.retire(sid, c.call)
	}
	c.call = nil
	c.pipeline = nil
	c.drain = nil
}

func (c *Controller) publish(s Session) {
	c.mu.Lock()
	c.snapshot = s
	observers := c.observers
	c.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (c *Controller) apply(eff Effect) {
	sid := c.session.ID
	switch e := eff.(type) {
	case OpenMedia:
		c.pipeline = c.cfg.NewPipeline(sid)

	case Dial:
		ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
		c.dialCancel = cancel
		onSignal := c.signalFunc(sid)
		c.goBackground(func() {
			defer cancel()
			call, err := c.cfg.Phone.Dial(ctx, e.Destination, onSignal)
			if err != nil {
				c.logger.Warn("dial failed", "session_id", sid, "destination", e.Destination, "error", err)
				c.post(sid, Failed{Cause: CauseDialFailed, Reason: err.Error(), At: c.cfg.Now()})
				return
			}
			c.post(sid, Dialed{Call: call})
		})

	case AdoptCall:
		c.call = e.Call
		if conn := e.Call.Connection(); conn != nil && c.pipeline != nil {
			c.pipeline.Attach(conn)
		}

	case DiscardCall:
		c.retire(sid, e.Call)
		c.hangupAsync(sid, e.Call)

	case AnswerCall:
		call := c.call
		if call == nil {
			go c.post(sid, Failed{Cause: "answer_failed", At: c.cfg.Now()})
			return
		}
		c.goBackground(func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			defer cancel()
			if err := call.Answer(ctx); err != nil {
				c.logger.Warn("answering call failed", "session_id", sid, "error", err)
				c.post(sid, Failed{Cause: "answer_failed", Reason: err.Error(), At: c.cfg.Now()})
				return
			}
			c.post(sid, Accepted{At: c.cfg.Now()})
		})

	case TerminateCall:
		if c.dialCancel != nil {
			c.dialCancel()
			c.dialCancel = nil
		}
		switch {
		case c.call != nil:
			c.hangupAsync(sid, c.call)
		case c.retired.sessionID == sid && c.retired.call != nil:
			c.hangupAsync(sid, c.retired.call)
		}

	case StartRingback:
		if err := c.cfg.Tones.StartRingback(); err != nil {
			c.logger.Warn("ringback unavailable", "session_id", sid, "error", err)
		}
	case StopRingback:
		c.cfg.Tones.StopRingback()
	case PlayBusy:
		if err := c.cfg.Tones.StartBusy(e.Duration); err != nil {
			c.logger.Warn("busy tone unavailable", "session_id", sid, "error", err)
		}
	case StopBusy:
		c.cfg.Tones.StopBusy()

	case StartRecording:
		p := c.pipeline
		if p == nil {
			return
		}
		c.goBackground(func() {
			err := p.StartRecording()
			if err != nil {
				c.logger.Error("starting recording failed", "session_id", sid, "error", err)
			}
			c.post(sid, RecordingStarted{Err: err, At: c.cfg.Now()})
		})

	case StartTicker:
		c.startTicker(sid)
	case StopTicker:
		c.stopTicker()

	case StopMedia:
		p := c.pipeline
		c.pipeline = nil
		if p == nil {
			if e.Drain {
				go c.post(sid, Drained{})
			}
			return
		}
		var drain chan media.Result
		if e.Drain {
			drain = make(chan media.Result, 1)
			c.drain = drain
		}
		c.goBackground(func() {
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			res := p.Stop(ctx)
			for _, re := range res.RecorderErrors() {
				c.logger.Warn("recording incomplete", "session_id", sid, "recorder", re.Recorder, "error", re.Err)
			}
			if drain != nil {
				drain <- res
				c.post(sid, Drained{Result: res})
			}
		})

	case HoldCall:
		call := c.call
		if call == nil {
			return
		}
		c.goBackground(func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			defer cancel()
			if err := call.Hold(ctx, e.On); err != nil {
				c.logger.Warn("hold request failed", "session_id", sid, "hold", e.On, "error", err)
			}
		})

	case MuteMic:
		if c.pipeline != nil {
			c.pipeline.SetMuted(e.On)
		}

	case SendDTMF:
		call := c.call
		if call == nil {
			return
		}
		tone, gap := c.cfg.DigitTone, c.cfg.DigitGap
		c.goBackground(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(e.Digits)+1)*(tone+gap)+signalingTimeout)
			defer cancel()
			if err := call.SendDTMF(ctx, e.Digits, tone, gap); err != nil {
				c.logger.Warn("sending dtmf failed", "session_id", sid, "error", err)
			}
		})

	case NotifyPhase:
		if c.cfg.Phases != nil {
			c.cfg.Phases.Notify(e.Phase, sid)
		}

	case Persist:
		c.persist(e.Session)

	case Upload:
		c.upload(e.Session)
	}
}

func (c *Controller) hangupAsync(sid string, call Call) {
	c.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
		defer cancel()
		if err := call.Hangup(ctx); err != nil {
			c.logger.Warn("hangup failed", "session_id", sid, "call_id", call.ID(), "error", err)
		}
	})
}

func (c *Controller) goBackground(fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
}

func (c *Controller) startTicker(sid string) {
	c.stopTicker()
	stop := make(chan struct{})
	c.tickStop = stop
	go func() {
		t := time.NewTicker(tickInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
			}
			select {
			case c.events <- envelope{sessionID: sid, ev: Tick{}}:
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Controller) stopTicker() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

func (c *Controller) persist(s Session) {
	if c.cfg.Dispositions == nil || s.Campaign == "" {
		return
	}
	rec := disposition.Record{
		Campaign:  s.Campaign,
		SessionID: s.ID,
		Label:     s.Disposition,
		Remark:    s.Remark,
		UpdatedAt: c.cfg.Now(),
	}
	c.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
		defer cancel()
		if err := c.cfg.Dispositions.Upsert(ctx, rec); err != nil {
			c.logger.Warn("persisting disposition failed", "session_id", s.ID, "error", err)
		}
	})
}

func (c *Controller) upload(s Session) {
	rec := c.callRecord(s)
	c.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		err := c.cfg.Uploader.UploadCallRecord(ctx, rec)
		if err != nil {
			c.logger.Error("call record dropped", "session_id", s.ID, "error", err)
		}
		if c.cfg.Archive != nil {
			if aerr := c.cfg.Archive.Archive(ctx, rec, err == nil); aerr != nil {
				c.logger.Warn("archiving session failed", "session_id", s.ID, "error", aerr)
			}
		}
		c.post(s.ID, Uploaded{})
	})
}

func (c *Controller) callRecord(s Session) backend.CallRecord {
	end := c.cfg.Now()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	rec := backend.CallRecord{
		SessionID:   s.ID,
		Username:    c.cfg.Username,
		Campaign:    s.Campaign,
		Extension:   c.cfg.Registration.Extension(),
		Destination: s.Destination,
		Direction:   string(s.Direction),
		StartTime:   s.DialedAt,
		AnswerTime:  s.AnsweredAt,
		EndTime:     end,
		SIPStatus:   s.SIPStatus,
		SIPReason:   s.SIPReason,
		HangupCause: s.HangupCause,
		Disposition: string(s.Disposition),
		Remarks:     s.Remark,
	}
	if n, err := phonenumber.Parse(s.Destination, c.cfg.DefaultRegion); err == nil {
		if n.E164 != "" {
			rec.Destination = n.E164
		}
		rec.Region = n.Region
		rec.Country = n.Country
	}
	if s.Recording != nil {
		rec.RecordingPath = s.Recording.Path
	}
	if s.RemoteRecording != nil {
		rec.RemoteRecordingPath = s.RemoteRecording.Path
	}
	return rec
}

// shutdown ends any live call, closes out the session so it still gets
// its upload, then waits for background work.
func (c *Controller) shutdown() {
	close(c.closing)
	c.stopTicker()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.cfg.Tones.StopRingback()
	c.cfg.Tones.StopBusy()

	now := c.cfg.Now()
	s := c.session
	if s.State.Active() && s.State != StateEnding {
		if c.call != nil {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			if err := c.call.Hangup(ctx); err != nil {
				c.logger.Warn("hangup on shutdown failed", "error", err)
			}
			cancel()
		}
		s, _, _ = Transition(s, Hangup{At: now})
	}

	var res media.Result
	switch {
	case c.pipeline != nil:
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		res = c.pipeline.Stop(ctx)
		cancel()
		c.pipeline = nil
	case s.State == StateEnding && c.drain != nil:
		select {
		case res = <-c.drain:
		case <-time.After(drainTimeout):
			c.logger.Warn("recordings still draining at shutdown", "session_id", s.ID)
		}
	}
	if s.State == StateEnding {
		s, _, _ = Transition(s, Drained{Result: res})
	}

	if s.ID != "" {
		c.session = s
		effects := flush(s)
		if s.AwaitingFeedback && !s.Uploaded {
			c.logger.Info("uploading session without feedback at shutdown", "session_id", s.ID, "state", s.State)
			s.AwaitingFeedback = false
			s.Uploaded = true
		}
		for _, eff := range effects {
			c.apply(eff)
		}
		c.publish(s)
	}

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(uploadTimeout):
		c.logger.Warn("background call work still running at shutdown")
	}
	c.logger.Info("call controller stopped")
}

func eventName(ev Event) string {
	switch ev.(type) {
	case PlaceCall:
		return "place_call"
	case Offer:
		return "offer"
	case Dialed:
		return "dialed"
	case Progress:
		return "progress"
	case Accepted:
		return "accepted"
	case Failed:
		return "failed"
	case Ended:
		return "ended"
	case RecordingStarted:
		return "recording_started"
	case Drained:
		return "drained"
	case Uploaded:
		return "uploaded"
	case Tick:
		return "tick"
	case Hangup:
		return "hangup"
	case Answer:
		return "answer"
	case Hold:
		return "hold"
	case Unhold:
		return "unhold"
	case Mute:
		return "mute"
	case Unmute:
		return "unmute"
	case Digits:
		return "digits"
	case Feedback:
		return "feedback"
	case Transferring:
		return "transferring"
	}
	return "unknown"
}

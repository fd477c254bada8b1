// Package dialer works through an imported prospect list, placing the
// next call a fixed delay after the previous session returns to idle.
package dialer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/agentphone/internal/call"
)

// DefaultDelay is the pause between a session returning to idle and the
// next dial.
const DefaultDelay = 30 * time.Second

const placeTimeout = 20 * time.Second

var (
	ErrEmptyQueue = errors.New("no pending prospects")
	ErrRunning    = errors.New("dialer is running")
	ErrNotRunning = errors.New("dialer is not running")
)

// RunState is the dialer's mode.
type RunState string

const (
	Stopped RunState = "stopped"
	Running RunState = "running"
	Paused  RunState = "paused"
)

// ProspectStatus tracks one prospect through the queue.
type ProspectStatus string

const (
	StatusPending ProspectStatus = "pending"
	StatusDialing ProspectStatus = "dialing"
	StatusDone    ProspectStatus = "done"
	StatusSkipped ProspectStatus = "skipped"
	StatusFailed  ProspectStatus = "failed"
)

// Prospect is one number to call.
type Prospect struct {
	Number      string         `json:"number"`
	Name        string         `json:"name,omitempty"`
	Status      ProspectStatus `json:"status"`
	SessionID   string         `json:"session_id,omitempty"`
	Disposition string         `json:"disposition,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Status is a snapshot of the dialer.
type Status struct {
	State      RunState   `json:"state"`
	Campaign   string     `json:"campaign,omitempty"`
	Total      int        `json:"total"`
	Pending    int        `json:"pending"`
	Current    *Prospect  `json:"current,omitempty"`
	NextDialAt *time.Time `json:"next_dial_at,omitempty"`
}

// Placer is the part of the call controller the dialer drives.
type Placer interface {
	PlaceCall(ctx context.Context, destination, campaign string) (call.Snapshot, error)
	OnChange(fn func(call.Session))
}

// Options tune a Dialer.
type Options struct {
	Delay  time.Duration
	Logger *slog.Logger
}

// Dialer is the auto-dial queue for one agent.
type Dialer struct {
	placer Placer
	delay  time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	prospects []*Prospect
	state     RunState
	campaign  string
	idle      bool
	current   *Prospect
	timer     *time.Timer
	nextAt    time.Time
}

// New creates a stopped dialer and subscribes it to placer's session
// changes.
func New(placer Placer, opts Options) *Dialer {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dialer{
		placer: placer,
		delay:  opts.Delay,
		logger: opts.Logger.With("subsystem", "dialer"),
		state:  Stopped,
		idle:   true,
	}
	placer.OnChange(d.observe)
	return d
}

// Load replaces the queue. It fails while the dialer is running.
func (d *Dialer) Load(prospects []Prospect) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Running {
		return ErrRunning
	}
	d.prospects = make([]*Prospect, 0, len(prospects))
	for i := range prospects {
		p := prospects[i]
		if p.Status == "" {
			p.Status = StatusPending
		}
		d.prospects = append(d.prospects, &p)
	}
	d.logger.Info("prospects loaded", "count", len(prospects))
	return nil
}

// Prospects returns a copy of the queue.
func (d *Dialer) Prospects() []Prospect {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Prospect, len(d.prospects))
	for i, p := range d.prospects {
		out[i] = *p
	}
	return out
}

// Status returns the dialer snapshot.
func (d *Dialer) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		State:    d.state,
		Campaign: d.campaign,
		Total:    len(d.prospects),
	}
	for _, p := range d.prospects {
		if p.Status == StatusPending {
			st.Pending++
		}
	}
	if d.current != nil {
		cur := *d.current
		st.Current = &cur
	}
	if d.timer != nil {
		at := d.nextAt
		st.NextDialAt = &at
	}
	return st
}

// Start begins dialing pending prospects for campaign. The first call is
// placed as soon as the phone is idle.
func (d *Dialer) Start(campaign string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Running {
		return ErrRunning
	}
	if d.nextPendingLocked() == nil {
		return ErrEmptyQueue
	}
	d.state = Running
	d.campaign = campaign
	d.logger.Info("dialer started", "campaign", campaign)
	d.scheduleLocked(0)
	return nil
}

// Pause stops scheduling new calls. A call in progress continues.
func (d *Dialer) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Running {
		return ErrNotRunning
	}
	d.state = Paused
	d.cancelTimerLocked()
	d.logger.Info("dialer paused")
	return nil
}

// Resume continues a paused dialer, dialing immediately if the phone is
// idle.
func (d *Dialer) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Paused {
		return ErrNotRunning
	}
	d.state = Running
	d.logger.Info("dialer resumed")
	d.scheduleLocked(0)
	return nil
}

// Skip marks the next pending prospect as skipped and returns it.
func (d *Dialer) Skip() (Prospect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.nextPendingLocked()
	if p == nil {
		return Prospect{}, ErrEmptyQueue
	}
	p.Status = StatusSkipped
	d.logger.Info("prospect skipped", "number", p.Number)
	return *p, nil
}

// Stop ends the run. Pending prospects stay queued for the next Start.
func (d *Dialer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return
	}
	d.state = Stopped
	d.cancelTimerLocked()
	d.logger.Info("dialer stopped")
}

// observe follows the controller's sessions. It runs on the controller
// goroutine, so it only updates state and arms timers.
func (d *Dialer) observe(s call.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.State != call.StateIdle {
		d.idle = false
		if cur := d.current; cur != nil && s.Direction == call.Outbound {
			if cur.SessionID == "" && s.Destination == cur.Number {
				cur.SessionID = s.ID
			}
			if s.ID == cur.SessionID && s.State.Terminal() {
				cur.Status = StatusDone
				cur.Disposition = string(s.Disposition)
			}
		}
		return
	}

	d.idle = true
	if cur := d.current; cur != nil {
		if cur.Status == StatusDialing {
			cur.Status = StatusDone
		}
		d.current = nil
	}
	if d.state == Running {
		d.scheduleLocked(d.delay)
	}
}

func (d *Dialer) scheduleLocked(after time.Duration) {
	if d.timer != nil || d.current != nil || !d.idle {
		return
	}
	d.nextAt = time.Now().Add(after)
	d.timer = time.AfterFunc(after, d.dialNext)
}

func (d *Dialer) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Dialer) nextPendingLocked() *Prospect {
	for _, p := range d.prospects {
		if p.Status == StatusPending {
			return p
		}
	}
	return nil
}

func (d *Dialer) dialNext() {
	d.mu.Lock()
	d.timer = nil
	if d.state != Running || d.current != nil || !d.idle {
		d.mu.Unlock()
		return
	}
	p := d.nextPendingLocked()
	if p == nil {
		d.state = Stopped
		d.mu.Unlock()
		d.logger.Info("dialer finished, queue empty")
		return
	}
	p.Status = StatusDialing
	d.current = p
	number, campaign := p.Number, d.campaign
	d.mu.Unlock()

	d.logger.Info("auto-dialing", "number", number, "campaign", campaign)
	ctx, cancel := context.WithTimeout(context.Background(), placeTimeout)
	snap, err := d.placer.PlaceCall(ctx, number, campaign)
	cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		if p.SessionID == "" && snap.ID != "" {
			p.SessionID = snap.ID
		}
		return
	}

	d.current = nil
	if errors.Is(err, call.ErrSessionActive) {
		// The agent is on another call; retry once the phone is idle.
		p.Status = StatusPending
		d.idle = false
		return
	}
	d.logger.Warn("auto-dial failed", "number", number, "error", err)
	p.Status = StatusFailed
	p.Error = err.Error()
	if d.state == Running {
		d.scheduleLocked(d.delay)
	}
}

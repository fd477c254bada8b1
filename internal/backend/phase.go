package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Phase is a call progress milestone reported to live-monitoring views.
type Phase string

const (
	PhaseDialing    Phase = "dialing"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
)

type phaseRequest struct {
	Phase  Phase  `json:"phase"`
	CallID string `json:"callId"`
}

// NotifyPhase posts a single phase notification.
func (c *Client) NotifyPhase(ctx context.Context, phase Phase, callID string) error {
	if phase == "" || callID == "" {
		return fmt.Errorf("backend: phase and call id are required")
	}
	if err := c.sendJSON(ctx, http.MethodPost, "/calls/phase", phaseRequest{Phase: phase, CallID: callID}); err != nil {
		return fmt.Errorf("backend: notifying phase: %w", err)
	}
	return nil
}

// PhaseSender is anything that can deliver a phase notification.
type PhaseSender interface {
	NotifyPhase(ctx context.Context, phase Phase, callID string) error
}

// PhaseNotifier delivers phase notifications in the background. Delivery
// is best effort: failures are logged, and notifications beyond the rate
// limit or the queue capacity are dropped.
type PhaseNotifier struct {
	senders []PhaseSender
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan phaseRequest
	wg     sync.WaitGroup
}

const phaseQueueSize = 32

// NewPhaseNotifier starts a background sender. perSecond bounds the
// notification rate with a burst of 5.
func NewPhaseNotifier(perSecond float64, senders ...PhaseSender) *PhaseNotifier {
	n := &PhaseNotifier{
		senders: senders,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 5),
		logger:  slog.Default().With("subsystem", "phase-notifier"),
		queue:   make(chan phaseRequest, phaseQueueSize),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Notify queues a notification without blocking.
func (n *PhaseNotifier) Notify(phase Phase, callID string) {
	if !n.limiter.Allow() {
		n.logger.Debug("phase notification rate limited", "phase", phase, "call_id", callID)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- phaseRequest{Phase: phase, CallID: callID}:
	default:
		n.logger.Warn("phase notification queue full", "phase", phase, "call_id", callID)
	}
}

func (n *PhaseNotifier) run() {
	defer n.wg.Done()
	for req := range n.queue {
		for _, s := range n.senders {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.NotifyPhase(ctx, req.Phase, req.CallID); err != nil {
				n.logger.Warn("phase notification failed",
					"phase", req.Phase,
					"call_id", req.CallID,
					"error", err,
				)
			}
			cancel()
		}
	}
}

// Close drains queued notifications and stops the sender.
func (n *PhaseNotifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

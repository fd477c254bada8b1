package call

import (
	"context"
	"time"

	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/media"
	"github.com/flowpbx/agentphone/internal/transfer"
)

// SignalKind classifies a signaling callback.
type SignalKind int

const (
	SignalProgress SignalKind = iota
	SignalAccepted
	SignalFailed
	SignalEnded
)

// Signal is what a Call reports about its signaling session.
type Signal struct {
	Kind       SignalKind
	EarlyMedia bool
	StatusCode int
	Reason     string
	Cause      string
}

// SignalFunc receives signals for one call, in delivery order. It may
// block until the controller has queued the event.
type SignalFunc func(Signal)

// Phone is the signaling capability the controller drives.
type Phone interface {
	// Dial sends an INVITE to destination and returns once it is on the
	// wire. Responses arrive through onSignal.
	Dial(ctx context.Context, destination string, onSignal SignalFunc) (Call, error)
	// OnIncoming registers the handler for inbound offers. The handler
	// returns the signal callback for the call, or ok=false to reject it
	// with 486 Busy Here.
	OnIncoming(func(c Call, from string) (onSignal SignalFunc, ok bool))
}

// Call is one signaling session.
type Call interface {
	ID() string
	// Connection is the call's media, or nil if none was negotiated.
	Connection() media.Connection
	Answer(ctx context.Context) error
	// Hangup cancels an unanswered outbound call, declines an unanswered
	// inbound call, and sends BYE on an answered one. It is idempotent.
	Hangup(ctx context.Context) error
	Hold(ctx context.Context, on bool) error
	SendDTMF(ctx context.Context, digits string, tone, gap time.Duration) error
	Refer(ctx context.Context, extension string) error
}

// Registration is the part of the registration manager the controller
// needs.
type Registration interface {
	// Await blocks until registered, failed, or its bounded timeout.
	Await(ctx context.Context) error
	Extension() string
}

// Tones plays locally synthesized progress tones.
type Tones interface {
	StartRingback() error
	StopRingback()
	StartBusy(d time.Duration) error
	StopBusy()
}

// Pipeline is a session's audio graph.
type Pipeline interface {
	Attach(conn media.Connection)
	StartRecording() error
	SetMuted(muted bool)
	Stop(ctx context.Context) media.Result
}

// Uploader ships call records.
type Uploader interface {
	UploadCallRecord(ctx context.Context, rec backend.CallRecord) error
}

// PhaseNotifier publishes call phases, best effort.
type PhaseNotifier interface {
	Notify(phase backend.Phase, callID string)
}

// Archiver keeps a local journal of finished sessions.
type Archiver interface {
	Archive(ctx context.Context, rec backend.CallRecord, uploaded bool) error
}

// Transferer moves an answered call elsewhere.
type Transferer interface {
	Transfer(ctx context.Context, leg transfer.Leg, extension string) error
}

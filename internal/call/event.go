package call

import (
	"time"

	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/media"
)

// Event is an input to Transition.
type Event interface{ event() }

// PlaceCall starts an outbound session.
type PlaceCall struct {
	ID          string
	Destination string
	Campaign    string
	At          time.Time
}

// Offer is an inbound INVITE.
type Offer struct {
	ID       string
	Call     Call
	From     string
	Campaign string
	At       time.Time
}

// Dialed delivers the signaling handle of an outbound session.
type Dialed struct{ Call Call }

// Progress is a 1xx response. EarlyMedia is set when it carried SDP.
type Progress struct{ EarlyMedia bool }

// Accepted is a 2xx answer, or the local answer of an inbound call.
type Accepted struct{ At time.Time }

// Failed is a final non-2xx response or a transport failure.
type Failed struct {
	StatusCode int
	Reason     string
	Cause      string
	At         time.Time
}

// Ended is a BYE, in either direction.
type Ended struct {
	Cause string
	At    time.Time
}

// RecordingStarted reports the outcome of starting the pipeline recorders.
type RecordingStarted struct {
	Err error
	At  time.Time
}

// Drained reports that the pipeline has stopped and flushed its recorders.
type Drained struct{ Result media.Result }

// Uploaded reports that the call record upload finished or was dropped.
type Uploaded struct{}

// Tick is the 1s duration ticker.
type Tick struct{}

type (
	Hangup struct{ At time.Time }
	Answer struct{}
	Hold   struct{}
	Unhold struct{}
	Mute   struct{}
	Unmute struct{}
)

// Digits sends DTMF on the active call.
type Digits struct{ Digits string }

// Feedback is the operator's mandatory post-call remark.
type Feedback struct{ Remark string }

// Transferring records the target of a transfer about to start.
type Transferring struct{ Target string }

func (PlaceCall) event()        {}
func (Offer) event()            {}
func (Dialed) event()           {}
func (Progress) event()         {}
func (Accepted) event()         {}
func (Failed) event()           {}
func (Ended) event()            {}
func (RecordingStarted) event() {}
func (Drained) event()          {}
func (Uploaded) event()         {}
func (Tick) event()             {}
func (Hangup) event()           {}
func (Answer) event()           {}
func (Hold) event()             {}
func (Unhold) event()           {}
func (Mute) event()             {}
func (Unmute) event()           {}
func (Digits) event()           {}
func (Feedback) event()         {}
func (Transferring) event()     {}

// Effect is a side effect requested by Transition and carried out by the
// Controller.
type Effect interface{ effect() }

type (
	// OpenMedia creates the session's audio pipeline.
	OpenMedia struct{}
	// Dial sends the INVITE.
	Dial struct{ Destination string }
	// AdoptCall binds a signaling handle to the session.
	AdoptCall struct{ Call Call }
	// DiscardCall terminates a handle that arrived for a finished session.
	DiscardCall struct{ Call Call }
	// AnswerCall accepts an inbound offer.
	AnswerCall struct{}
	// TerminateCall cancels, rejects or hangs up the signaling session.
	TerminateCall struct{}

	StartRingback struct{}
	StopRingback  struct{}
	PlayBusy      struct{ Duration time.Duration }
	StopBusy      struct{}

	StartRecording struct{}
	StartTicker    struct{}
	StopTicker     struct{}
	// StopMedia stops the pipeline. With Drain set the controller reports
	// back with a Drained event.
	StopMedia struct{ Drain bool }

	HoldCall struct{ On bool }
	MuteMic  struct{ On bool }
	SendDTMF struct{ Digits string }

	NotifyPhase struct{ Phase backend.Phase }
	// Persist upserts the session's disposition.
	Persist struct{ Session Session }
	// Upload ships the call record. Emitted at most once per session.
	Upload struct{ Session Session }
)

func (OpenMedia) effect()      {}
func (Dial) effect()           {}
func (AdoptCall) effect()      {}
func (DiscardCall) effect()    {}
func (AnswerCall) effect()     {}
func (TerminateCall) effect()  {}
func (StartRingback) effect()  {}
func (StopRingback) effect()   {}
func (PlayBusy) effect()       {}
func (StopBusy) effect()       {}
func (StartRecording) effect() {}
func (StartTicker) effect()    {}
func (StopTicker) effect()     {}
func (StopMedia) effect()      {}
func (HoldCall) effect()       {}
func (MuteMic) effect()        {}
func (SendDTMF) effect()       {}
func (NotifyPhase) effect()    {}
func (Persist) effect()        {}
func (Upload) effect()         {}

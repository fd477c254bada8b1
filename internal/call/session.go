package call

import (
	"fmt"
	"time"

	"github.com/flowpbx/agentphone/internal/disposition"
	"github.com/flowpbx/agentphone/internal/media"
)

// State is a call session state.
type State string

const (
	StateIdle     State = "IDLE"
	StateDialing  State = "DIALING"
	StateRinging  State = "RINGING"
	StateInCall   State = "IN_CALL"
	StateOnHold   State = "ON_HOLD"
	StateEnding   State = "ENDING"
	StateEnded    State = "ENDED"
	StateBusy     State = "BUSY"
	StateNoAnswer State = "NO_ANSWER"
	StateFailed   State = "FAILED"
)

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateBusy, StateNoAnswer, StateFailed:
		return true
	}
	return false
}

// Active reports whether a session in state s still owns signaling or
// media resources.
func (s State) Active() bool {
	switch s {
	case StateDialing, StateRinging, StateInCall, StateOnHold, StateEnding:
		return true
	}
	return false
}

// Connected reports whether s is an answered, live call.
func (s State) Connected() bool {
	return s == StateInCall || s == StateOnHold
}

func (s State) preAnswer() bool {
	return s == StateDialing || s == StateRinging
}

// Direction of a call relative to the agent.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Session is one call attempt. Only Transition produces new values.
type Session struct {
	ID          string    `json:"id,omitempty"`
	CallID      string    `json:"call_id,omitempty"`
	Direction   Direction `json:"direction,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Campaign    string    `json:"campaign,omitempty"`
	State       State     `json:"state"`

	DialedAt   time.Time  `json:"dialed_at,omitzero"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	SIPStatus      int               `json:"sip_status,omitempty"`
	SIPReason      string            `json:"sip_reason,omitempty"`
	HangupCause    string            `json:"hangup_cause,omitempty"`
	Disposition    disposition.Label `json:"disposition,omitempty"`
	TransferTarget string            `json:"transfer_target,omitempty"`
	Remark         string            `json:"remark,omitempty"`

	EarlyMedia       bool `json:"early_media,omitempty"`
	RecordingWanted  bool `json:"recording,omitempty"`
	Uploaded         bool `json:"uploaded,omitempty"`
	AwaitingFeedback bool `json:"awaiting_feedback,omitempty"`
	Muted            bool `json:"muted,omitempty"`

	Recording       *media.Recording `json:"-"`
	RemoteRecording *media.Recording `json:"-"`

	// Error is the last operator-visible failure, e.g. a denied microphone.
	Error string `json:"error,omitempty"`
}

// Answered reports whether the call was ever accepted.
func (s *Session) Answered() bool {
	return s.AnsweredAt != nil
}

// Elapsed is the talk time so far, or the final talk time once ended.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.AnsweredAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(*s.AnsweredAt)
	if d < 0 {
		return 0
	}
	return d
}

// FormatElapsed renders d as mm:ss. Minutes are not wrapped into hours.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Snapshot is a session as reported to the control API.
type Snapshot struct {
	Session
	Elapsed string `json:"elapsed"`
}

func (s Session) snapshot(now time.Time) Snapshot {
	return Snapshot{Session: s, Elapsed: FormatElapsed(s.Elapsed(now))}
}

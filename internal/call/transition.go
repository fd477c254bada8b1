package call

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/disposition"
	"github.com/flowpbx/agentphone/internal/media"
	"github.com/flowpbx/agentphone/internal/tone"
)

// Hangup causes recorded on sessions that end without a failure response.
const (
	CauseCanceled     = "canceled"
	CauseLocalHangup  = "local_hangup"
	CauseRemoteHangup = "normal_clearing"
	CauseMediaDenied  = "media_permission_denied"
	CauseDialFailed   = "dial_failed"
)

const (
	statusRequestTerminated = 487
	reasonRequestTerminated = "Request Terminated"
)

// Transition applies e to s and returns the next session and the effects
// the controller must carry out, in order. It does no I/O. An error leaves
// s unchanged and means the event was not valid in the current state.
func Transition(s Session, e Event) (Session, []Effect, error) {
	switch e := e.(type) {
	case PlaceCall:
		return placeCall(s, e)
	case Offer:
		return offer(s, e)
	case Dialed:
		return dialed(s, e)
	case Progress:
		return progress(s, e)
	case Accepted:
		return accepted(s, e)
	case Failed:
		return failed(s, e)
	case Ended:
		return ended(s, e)
	case RecordingStarted:
		return recordingStarted(s, e)
	case Drained:
		return drained(s, e)
	case Uploaded:
		if s.State.Terminal() && s.Uploaded {
			return Session{State: StateIdle}, nil, nil
		}
		return s, nil, nil
	case Tick:
		return s, nil, nil
	case Hangup:
		return hangup(s, e)
	case Answer:
		if s.State != StateRinging || s.Direction != Inbound {
			return s, nil, ErrNotRinging
		}
		return s, []Effect{AnswerCall{}, NotifyPhase{backend.PhaseConnecting}}, nil
	case Hold:
		if s.State != StateInCall {
			return s, nil, nil
		}
		s.State = StateOnHold
		return s, []Effect{HoldCall{On: true}}, nil
	case Unhold:
		if s.State != StateOnHold {
			return s, nil, nil
		}
		s.State = StateInCall
		return s, []Effect{HoldCall{On: false}}, nil
	case Mute:
		if !s.State.Active() || s.Muted {
			return s, nil, nil
		}
		s.Muted = true
		return s, []Effect{MuteMic{On: true}}, nil
	case Unmute:
		if !s.State.Active() || !s.Muted {
			return s, nil, nil
		}
		s.Muted = false
		return s, []Effect{MuteMic{On: false}}, nil
	case Digits:
		if !s.State.Connected() {
			return s, nil, ErrNoActiveCall
		}
		if !media.ValidDigits(e.Digits) {
			return s, nil, ErrInvalidDigits
		}
		return s, []Effect{SendDTMF{Digits: e.Digits}}, nil
	case Feedback:
		return feedback(s, e)
	case Transferring:
		if !s.State.Connected() {
			return s, nil, ErrNoActiveCall
		}
		s.TransferTarget = e.Target
		return s, nil, nil
	}
	return s, nil, fmt.Errorf("unknown event %T", e)
}

// flush closes out a finished session that is still waiting for operator
// feedback so that it still gets its single upload. A busy tone outlives
// its session's return to IDLE, so it is always stopped here.
func flush(s Session) []Effect {
	effects := []Effect{StopBusy{}}
	if s.AwaitingFeedback && !s.Uploaded {
		s.AwaitingFeedback = false
		s.Uploaded = true
		effects = append(effects, Persist{Session: s}, Upload{Session: s})
	}
	return effects
}

func placeCall(s Session, e PlaceCall) (Session, []Effect, error) {
	if s.State.Active() {
		return s, nil, ErrSessionActive
	}
	dest := strings.TrimSpace(e.Destination)
	if dest == "" {
		return s, nil, ErrEmptyDestination
	}
	effects := flush(s)
	next := Session{
		ID:          e.ID,
		Direction:   Outbound,
		Destination: dest,
		Campaign:    e.Campaign,
		State:       StateDialing,
		DialedAt:    e.At,
	}
	effects = append(effects,
		OpenMedia{},
		NotifyPhase{backend.PhaseDialing},
		Dial{Destination: dest},
	)
	return next, effects, nil
}

func offer(s Session, e Offer) (Session, []Effect, error) {
	if s.State.Active() {
		return s, nil, ErrSessionActive
	}
	effects := flush(s)
	next := Session{
		ID:          e.ID,
		CallID:      e.Call.ID(),
		Direction:   Inbound,
		Destination: e.From,
		Campaign:    e.Campaign,
		State:       StateRinging,
		DialedAt:    e.At,
	}
	effects = append(effects,
		OpenMedia{},
		AdoptCall{Call: e.Call},
		NotifyPhase{backend.PhaseRinging},
	)
	return next, effects, nil
}

func dialed(s Session, e Dialed) (Session, []Effect, error) {
	if !s.State.Active() || s.State == StateEnding {
		return s, []Effect{DiscardCall{Call: e.Call}}, nil
	}
	s.CallID = e.Call.ID()
	return s, []Effect{AdoptCall{Call: e.Call}}, nil
}

func progress(s Session, e Progress) (Session, []Effect, error) {
	switch s.State {
	case StateDialing:
		s.State = StateRinging
		s.EarlyMedia = e.EarlyMedia
		effects := []Effect{NotifyPhase{backend.PhaseRinging}}
		if !e.EarlyMedia {
			effects = append(effects, StartRingback{})
		}
		return s, effects, nil
	case StateRinging:
		if e.EarlyMedia && !s.EarlyMedia && s.Direction == Outbound {
			s.EarlyMedia = true
			return s, []Effect{StopRingback{}}, nil
		}
	}
	return s, nil, nil
}

func accepted(s Session, e Accepted) (Session, []Effect, error) {
	if !s.State.preAnswer() {
		if s.State.Terminal() && !s.Answered() && s.Direction == Outbound {
			// A 2xx that crossed our CANCEL still opens a dialog.
			return s, []Effect{TerminateCall{}}, nil
		}
		return s, nil, nil
	}
	at := e.At
	s.State = StateInCall
	s.AnsweredAt = &at
	s.RecordingWanted = true
	return s, []Effect{
		StopRingback{},
		NotifyPhase{backend.PhaseConnecting},
		StartRecording{},
		StartTicker{},
	}, nil
}

func failed(s Session, e Failed) (Session, []Effect, error) {
	if s.State.Connected() {
		cause := e.Cause
		if cause == "" {
			cause = strings.ToLower(e.Reason)
		}
		return endConnected(s, cause, e.At, nil)
	}
	if !s.State.preAnswer() {
		return s, nil, nil
	}

	at := e.At
	s.SIPStatus = e.StatusCode
	s.SIPReason = e.Reason
	s.HangupCause = e.Cause
	s.EndedAt = &at
	s.RecordingWanted = false

	label := disposition.Classify(disposition.Facts{
		WasAnswered: false,
		StatusCode:  e.StatusCode,
		Reason:      e.Reason,
		Cause:       e.Cause,
	})
	s.Disposition = label
	s.Error = (&SignalingFailure{
		StatusCode: e.StatusCode,
		Reason:     e.Reason,
		Cause:      e.Cause,
		Label:      label,
	}).Error()

	effects := []Effect{StopRingback{}, StopMedia{}, NotifyPhase{backend.PhaseEnded}}

	switch label {
	case disposition.Busy:
		s.State = StateBusy
		s.HangupCause = label.HangupCause()
		s.Uploaded = true
		effects = append(effects,
			TerminateCall{},
			PlayBusy{Duration: tone.DefaultBusyDuration},
			Persist{Session: s},
			Upload{Session: s},
		)
	case disposition.NoAnswer:
		s.State = StateNoAnswer
		s.AwaitingFeedback = true
	default:
		s.State = StateFailed
		s.AwaitingFeedback = true
	}
	return s, effects, nil
}

func ended(s Session, e Ended) (Session, []Effect, error) {
	switch {
	case s.State.Connected():
		cause := e.Cause
		if cause == "" {
			cause = CauseRemoteHangup
		}
		return endConnected(s, cause, e.At, nil)
	case s.State.preAnswer():
		// The far end gave up before answer, e.g. an inbound CANCEL.
		return failed(s, Failed{
			StatusCode: statusRequestTerminated,
			Reason:     reasonRequestTerminated,
			Cause:      CauseCanceled,
			At:         e.At,
		})
	}
	return s, nil, nil
}

// endConnected moves an answered call to ENDING. The session reaches
// ENDED once the pipeline reports Drained.
func endConnected(s Session, cause string, at time.Time, extra []Effect) (Session, []Effect, error) {
	s.State = StateEnding
	s.EndedAt = &at
	s.HangupCause = cause
	s.RecordingWanted = false
	effects := append(extra, StopTicker{}, StopMedia{Drain: true})
	return s, effects, nil
}

func hangup(s Session, e Hangup) (Session, []Effect, error) {
	switch {
	case s.State.preAnswer():
		next, effects, err := failed(s, Failed{
			StatusCode: statusRequestTerminated,
			Reason:     reasonRequestTerminated,
			Cause:      CauseCanceled,
			At:         e.At,
		})
		return next, append([]Effect{TerminateCall{}}, effects...), err
	case s.State.Connected():
		return endConnected(s, CauseLocalHangup, e.At, []Effect{TerminateCall{}})
	case s.State == StateBusy:
		return s, []Effect{StopBusy{}}, nil
	}
	return s, nil, nil
}

func recordingStarted(s Session, e RecordingStarted) (Session, []Effect, error) {
	if !s.State.Connected() {
		return s, nil, nil
	}
	if e.Err == nil {
		return s, []Effect{NotifyPhase{backend.PhaseConnected}}, nil
	}
	var permErr *media.MediaPermissionError
	if !errors.As(e.Err, &permErr) {
		return s, nil, nil
	}
	// A call without a microphone cannot continue.
	s.Error = e.Err.Error()
	return endConnected(s, CauseMediaDenied, e.At, []Effect{TerminateCall{}})
}

func drained(s Session, e Drained) (Session, []Effect, error) {
	if s.State != StateEnding {
		return s, nil, nil
	}
	s.State = StateEnded
	s.Recording = e.Result.Mixed
	s.RemoteRecording = e.Result.Remote
	s.Disposition = disposition.Classify(disposition.Facts{
		WasAnswered: s.Answered(),
		StatusCode:  s.SIPStatus,
		Reason:      s.SIPReason,
		Cause:       s.HangupCause,
	})
	s.AwaitingFeedback = !s.Uploaded
	return s, []Effect{NotifyPhase{backend.PhaseEnded}}, nil
}

func feedback(s Session, e Feedback) (Session, []Effect, error) {
	if !s.AwaitingFeedback || s.Uploaded {
		return s, nil, ErrNoFeedbackPending
	}
	s.Remark = strings.TrimSpace(e.Remark)
	s.AwaitingFeedback = false
	s.Uploaded = true
	return s, []Effect{Persist{Session: s}, Upload{Session: s}}, nil
}

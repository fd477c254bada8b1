package call

import (
	"errors"
	"fmt"

	"github.com/flowpbx/agentphone/internal/disposition"
)

var (
	ErrSessionActive     = errors.New("a call is already in progress")
	ErrEmptyDestination  = errors.New("destination is required")
	ErrNoActiveCall      = errors.New("no active call")
	ErrNotRinging        = errors.New("no inbound call to answer")
	ErrInvalidDigits     = errors.New("invalid dtmf digits")
	ErrNoFeedbackPending = errors.New("no call is awaiting feedback")
	ErrControllerClosed  = errors.New("call controller closed")
)

// SignalingFailure is a failed call attempt, already reduced to a label.
type SignalingFailure struct {
	StatusCode int
	Reason     string
	Cause      string
	Label      disposition.Label
}

func (e *SignalingFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("call failed: %d %s (%s)", e.StatusCode, e.Reason, e.Label)
	}
	return fmt.Sprintf("call failed: %s (%s)", e.Cause, e.Label)
}

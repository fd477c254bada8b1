package disposition

import "strings"

// Label is the classified outcome of a call.
type Label string

const (
	Answered Label = "ANSWERED"
	Busy     Label = "BUSY"
	NoAnswer Label = "NO_ANSWER"
	Failed   Label = "FAILED"
)

// Facts are the terminal signaling facts a label is derived from.
type Facts struct {
	WasAnswered bool
	StatusCode  int
	Reason      string
	Cause       string
}

var busyStatuses = map[int]bool{486: true, 603: true, 600: true, 403: true, 406: true}

var noAnswerStatuses = map[int]bool{408: true, 480: true, 487: true, 404: true}

var busyPhrases = []string{
	"busy",
	"decline",
	"forbidden",
	"not acceptable",
	"user busy",
	"call rejected",
	"busy here",
	"declined",
}

var noAnswerPhrases = []string{
	"no answer",
	"timeout",
	"temporarily unavailable",
	"unavailable",
	"not reachable",
	"no response",
	"rejected",
}

// Classify maps terminal facts to exactly one label. Priority is
// ANSWERED, then BUSY, then NO_ANSWER, then FAILED, so a busy signal wins
// over a no-answer signal when both are present.
func Classify(f Facts) Label {
	if f.WasAnswered {
		return Answered
	}

	text := strings.ToLower(f.Reason + " " + f.Cause)

	if busyStatuses[f.StatusCode] || containsAny(text, busyPhrases) {
		return Busy
	}
	if noAnswerStatuses[f.StatusCode] || containsAny(text, noAnswerPhrases) {
		return NoAnswer
	}
	return Failed
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	switch l {
	case Answered, Busy, NoAnswer, Failed:
		return true
	}
	return false
}

// HangupCause returns the hangup cause recorded alongside a label, or the
// empty string when the label carries none.
func (l Label) HangupCause() string {
	if l == Busy {
		return "busy"
	}
	return ""
}

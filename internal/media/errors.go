package media

import "fmt"

// MediaPermissionError reports that the local microphone could not be
// acquired. It is fatal to the call attempt that needed it.
type MediaPermissionError struct {
	Err error
}

func (e *MediaPermissionError) Error() string {
	return fmt.Sprintf("microphone unavailable: %v", e.Err)
}

func (e *MediaPermissionError) Unwrap() error { return e.Err }

// RecorderError reports a recorder that failed to start or to drain in
// time. The pipeline continues without that recording.
type RecorderError struct {
	Recorder string
	Err      error
}

func (e *RecorderError) Error() string {
	return fmt.Sprintf("%s recorder: %v", e.Recorder, e.Err)
}

func (e *RecorderError) Unwrap() error { return e.Err }

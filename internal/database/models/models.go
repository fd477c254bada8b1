package models

import "time"

// CallHistory is one finished session in the local journal.
type CallHistory struct {
	ID                  int64      `json:"id"`
	SessionID           string     `json:"session_id"`
	Direction           string     `json:"direction"`
	Destination         string     `json:"destination"`
	Region              string     `json:"region,omitempty"`
	Country             string     `json:"country,omitempty"`
	Campaign            string     `json:"campaign,omitempty"`
	Username            string     `json:"username"`
	Extension           string     `json:"extension"`
	StartTime           time.Time  `json:"start_time"`
	AnswerTime          *time.Time `json:"answer_time,omitempty"`
	EndTime             time.Time  `json:"end_time"`
	Duration            *int       `json:"duration,omitempty"`
	SIPStatus           int        `json:"sip_status"`
	SIPReason           string     `json:"sip_reason,omitempty"`
	HangupCause         string     `json:"hangup_cause,omitempty"`
	Disposition         string     `json:"disposition"`
	Remarks             string     `json:"remarks,omitempty"`
	RecordingFile       string     `json:"recording_file,omitempty"`
	RemoteRecordingFile string     `json:"remote_recording_file,omitempty"`
	Uploaded            bool       `json:"uploaded"`
	ArchivedAt          time.Time  `json:"archived_at"`
}

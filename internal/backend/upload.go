package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// allowedRecordingExts mirrors what the CRM accepts for recording files.
var allowedRecordingExts = map[string]bool{
	".webm": true,
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
}

// CallRecord is the immutable envelope uploaded once per call session.
type CallRecord struct {
	SessionID   string
	Username    string
	Campaign    string
	Extension   string
	Destination string
	Region      string
	Country     string
	Direction   string // "outbound" or "inbound"

	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    time.Time

	SIPStatus   int
	SIPReason   string
	HangupCause string
	Disposition string
	Remarks     string

	RecordingPath       string
	RemoteRecordingPath string
}

// Duration returns whole seconds between answer and end, or false if the
// call was never answered.
func (r *CallRecord) Duration() (int, bool) {
	if r.AnswerTime == nil {
		return 0, false
	}
	d := int(r.EndTime.Sub(*r.AnswerTime) / time.Second)
	if d < 0 {
		d = 0
	}
	return d, true
}

// UploadError reports a failed call record upload. Uploads are not
// retried; callers log and drop it.
type UploadError struct {
	SessionID string
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading call record %s: %v", e.SessionID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// UploadCallRecord sends the record and its recordings as one multipart
// POST to /calls. Any failure is returned as *UploadError.
func (c *Client) UploadCallRecord(ctx context.Context, rec CallRecord) error {
	body, contentType, err := buildMultipart(rec)
	if err != nil {
		return &UploadError{SessionID: rec.SessionID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", body)
	if err != nil {
		return &UploadError{SessionID: rec.SessionID, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)

	if _, err := c.do(req); err != nil {
		return &UploadError{SessionID: rec.SessionID, Err: err}
	}

	slog.Info("call record uploaded",
		"session_id", rec.SessionID,
		"disposition", rec.Disposition,
		"has_recording", rec.RecordingPath != "",
	)
	return nil
}

func buildMultipart(rec CallRecord) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"username", rec.Username},
		{"unique_id", rec.SessionID},
		{"campaign_name", rec.Campaign},
		{"start_time", rec.StartTime.UTC().Format(time.RFC3339Nano)},
		{"end_time", rec.EndTime.UTC().Format(time.RFC3339Nano)},
		{"source", "web"},
		{"extension", rec.Extension},
		{"destination", rec.Destination},
		{"region", rec.Region},
		{"country", rec.Country},
		{"direction", rec.Direction},
		{"sip_reason", rec.SIPReason},
		{"hangup_cause", rec.HangupCause},
		{"platform", "web"},
		{"disposition", rec.Disposition},
		{"remarks", rec.Remarks},
	}
	if rec.AnswerTime != nil {
		fields = append(fields, [2]string{"answer_time", rec.AnswerTime.UTC().Format(time.RFC3339Nano)})
	}
	if d, ok := rec.Duration(); ok {
		fields = append(fields,
			[2]string{"call_duration", strconv.Itoa(d)},
			[2]string{"billed_duration", strconv.Itoa(d)},
		)
	}
	if rec.SIPStatus != 0 {
		fields = append(fields, [2]string{"sip_status", strconv.Itoa(rec.SIPStatus)})
	}

	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", f[0], err)
		}
	}

	if err := attachFile(w, "recording", rec.RecordingPath); err != nil {
		return nil, "", err
	}
	if err := attachFile(w, "remote_recording", rec.RemoteRecordingPath); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// attachFile adds path as a file part. A missing or empty path is skipped:
// a call record without audio is still worth sending.
func attachFile(w *multipart.Writer, field, path string) error {
	if path == "" {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedRecordingExts[ext] {
		return fmt.Errorf("unsupported recording type %q", ext)
	}
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("recording file unavailable, uploading without it", "field", field, "path", path, "error", err)
		return nil
	}
	defer f.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating form file %s: %w", field, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copying %s: %w", field, err)
	}
	return nil
}

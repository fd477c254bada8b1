package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/agentphone/internal/disposition"
)

func TestCredentials_Envelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/api/agents/me/credentials" {
			t.Errorf("expected path /api/agents/me/credentials, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer agent-token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{Data: json.RawMessage(`{"extensionId":"1001","password":"s3cret"}`)})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", "agent-token", "alice")
	creds, err := c.Credentials(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Extension != "1001" || creds.Password != "s3cret" {
		t.Errorf("got %+v", creds)
	}
}

func TestSIPConfig_BareObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sip/config" {
			t.Errorf("expected path /sip/config, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"wssUrl":"wss://pbx.example.com:8089/ws","domain":"pbx.example.com","stunServer":"stun:stun.l.google.com:19302"}`))
	}))
	defer srv.Close()

	cfg, err := NewClient(srv.URL, "t", "").SIPConfig(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Domain != "pbx.example.com" || cfg.WSSURL == "" || cfg.STUNServer == "" {
		t.Errorf("got %+v", cfg)
	}
}

func TestSIPConfig_Incomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"domain":"pbx.example.com"}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "t", "").SIPConfig(context.Background()); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(envelope{Error: "token expired"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t", "").Credentials(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Code != http.StatusUnauthorized || se.Message != "token expired" {
		t.Errorf("got %+v", se)
	}
}

func TestNotifyPhase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calls/phase" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req phaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Phase != PhaseRinging || req.CallID != "call-1" {
			t.Errorf("got %+v", req)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", "")
	if err := c.NotifyPhase(context.Background(), PhaseRinging, "call-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.NotifyPhase(context.Background(), "", "call-1"); err == nil {
		t.Error("expected error for empty phase")
	}
}

type recordingSender struct {
	mu     sync.Mutex
	phases []Phase
	err    error
}

func (s *recordingSender) NotifyPhase(ctx context.Context, phase Phase, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
	return s.err
}

func TestPhaseNotifier_DeliversInOrder(t *testing.T) {
	good := &recordingSender{}
	bad := &recordingSender{err: errors.New("unreachable")}
	n := NewPhaseNotifier(100, good, bad)

	for _, p := range []Phase{PhaseDialing, PhaseRinging, PhaseConnected, PhaseEnded} {
		n.Notify(p, "call-1")
	}
	n.Close()
	n.Notify(PhaseDialing, "late")

	want := []Phase{PhaseDialing, PhaseRinging, PhaseConnected, PhaseEnded}
	for _, s := range []*recordingSender{good, bad} {
		if len(s.phases) != len(want) {
			t.Fatalf("phases = %v, want %v", s.phases, want)
		}
		for i := range want {
			if s.phases[i] != want[i] {
				t.Errorf("phase %d = %s, want %s", i, s.phases[i], want[i])
			}
		}
	}
}

func TestPhaseNotifier_RateLimited(t *testing.T) {
	s := &recordingSender{}
	n := NewPhaseNotifier(0.001, s)
	for i := 0; i < 20; i++ {
		n.Notify(PhaseRinging, "call-1")
	}
	n.Close()
	if len(s.phases) != 5 {
		t.Errorf("delivered = %d, want burst of 5", len(s.phases))
	}
}

func TestUploadCallRecord(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "call_abc_mixed.wav")
	if err := os.WriteFile(recPath, []byte("RIFFfake"), 0o644); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	answer := start.Add(5 * time.Second)
	end := answer.Add(65*time.Second + 900*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calls" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart: %v", err)
		}
		want := map[string]string{
			"username":        "alice",
			"unique_id":       "abc",
			"campaign_name":   "spring",
			"direction":       "outbound",
			"destination":     "+14155551234",
			"source":          "web",
			"platform":        "web",
			"disposition":     "ANSWERED",
			"call_duration":   "65",
			"billed_duration": "65",
			"sip_status":      "200",
			"answer_time":     answer.Format(time.RFC3339Nano),
			"remarks":         "interested",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("field %s = %q, want %q", k, got, v)
			}
		}
		if got := r.FormValue("hangup_cause"); got != "" {
			t.Errorf("hangup_cause = %q, want empty", got)
		}
		f, hdr, err := r.FormFile("recording")
		if err != nil {
			t.Fatalf("recording part: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "call_abc_mixed.wav" || string(data) != "RIFFfake" {
			t.Errorf("recording = %s %q", hdr.Filename, data)
		}
		if _, _, err := r.FormFile("remote_recording"); err == nil {
			t.Error("unexpected remote_recording part")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "t", "alice").UploadCallRecord(context.Background(), CallRecord{
		SessionID:     "abc",
		Username:      "alice",
		Campaign:      "spring",
		Destination:   "+14155551234",
		Direction:     "outbound",
		StartTime:     start,
		AnswerTime:    &answer,
		EndTime:       end,
		SIPStatus:     200,
		Disposition:   "ANSWERED",
		Remarks:       "interested",
		RecordingPath: recPath,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUploadCallRecord_Unanswered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart: %v", err)
		}
		for _, k := range []string{"call_duration", "billed_duration", "answer_time"} {
			if _, ok := r.MultipartForm.Value[k]; ok {
				t.Errorf("unanswered call sent %s", k)
			}
		}
		if got := r.FormValue("hangup_cause"); got != "busy" {
			t.Errorf("hangup_cause = %q, want busy", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now()
	err := NewClient(srv.URL, "t", "").UploadCallRecord(context.Background(), CallRecord{
		SessionID:   "s1",
		StartTime:   now,
		EndTime:     now.Add(time.Second),
		SIPStatus:   486,
		SIPReason:   "Busy Here",
		HangupCause: "busy",
		Disposition: "BUSY",
		// Missing files are skipped, not fatal.
		RecordingPath: filepath.Join(t.TempDir(), "missing.wav"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUploadCallRecord_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "t", "").UploadCallRecord(context.Background(), CallRecord{SessionID: "s1"})
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UploadError, got %v", err)
	}
	if ue.SessionID != "s1" {
		t.Errorf("SessionID = %q", ue.SessionID)
	}

	err = NewClient(srv.URL, "t", "").UploadCallRecord(context.Background(), CallRecord{SessionID: "s2", RecordingPath: "x.exe"})
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UploadError for bad extension, got %v", err)
	}
}

func TestDispositionStore_Upsert(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.URL.EscapedPath() != "/campaigns/spring%20sale/dispositions/abc" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		var req dispositionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Disposition != "BUSY" {
			t.Errorf("disposition = %q", req.Disposition)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewDispositionStore(NewClient(srv.URL, "t", ""))
	rec := disposition.Record{Campaign: "spring sale", SessionID: "abc", Label: disposition.Busy}
	for i := 0; i < 2; i++ {
		if err := store.Upsert(context.Background(), rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if err := store.Upsert(context.Background(), disposition.Record{SessionID: "abc"}); err == nil {
		t.Error("expected error without campaign")
	}
}

func TestCallRecordDuration(t *testing.T) {
	now := time.Now()
	r := CallRecord{EndTime: now}
	if _, ok := r.Duration(); ok {
		t.Error("unanswered record reported a duration")
	}
	later := now.Add(time.Second)
	r.AnswerTime = &later
	if d, ok := r.Duration(); !ok || d != 0 {
		t.Errorf("Duration = %d, %v; want 0, true", d, ok)
	}
}

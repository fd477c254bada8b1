package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusCreated, map[string]string{"state": "DIALING"})

	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), `"error"`) {
		t.Errorf("error field not omitted: %s", rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	data, ok := env.Data.(map[string]any)
	if !ok || data["state"] != "DIALING" {
		t.Errorf("data = %v", env.Data)
	}
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusConflict, "a call is already in progress")

	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	if env.Error != "a call is already in progress" || env.Data != nil {
		t.Errorf("envelope = %+v", env)
	}
}

func TestReadJSON(t *testing.T) {
	type target struct {
		Destination string `json:"destination"`
		Retries     int    `json:"retries"`
	}
	tests := []struct {
		name string
		body string
		want string
	}{
		{"valid", `{"destination":"+14155550101","retries":2}`, ""},
		{"empty", ``, "request body must not be empty"},
		{"malformed", `{"destination":`, "malformed json"},
		{"syntax", `{bad`, "malformed json"},
		{"unknown field", `{"destination":"1","campaign":"x"}`, `unknown field "campaign"`},
		{"wrong type", `{"retries":"two"}`, "invalid value for field retries"},
		{"two objects", `{"retries":1}{"retries":2}`, "request body must contain a single json object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst target
			if got := readJSON(r, &dst); got != tt.want {
				t.Errorf("readJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{"", defaultLimit, 0, ""},
		{"?limit=50&offset=10", 50, 10, ""},
		{"?limit=5000", maxLimit, 0, ""},
		{"?offset=0", defaultLimit, 0, ""},
		{"?limit=abc", 0, 0, "limit must be a positive integer"},
		{"?limit=0", 0, 0, "limit must be a positive integer"},
		{"?limit=-5", 0, 0, "limit must be a positive integer"},
		{"?offset=abc", 0, 0, "offset must be a non-negative integer"},
		{"?offset=-1", 0, 0, "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/history"+tt.query, nil)
		pg, errMsg := parsePagination(r)
		if errMsg != tt.wantErr {
			t.Errorf("%q: error = %q, want %q", tt.query, errMsg, tt.wantErr)
			continue
		}
		if tt.wantErr == "" && (pg.Limit != tt.wantLimit || pg.Offset != tt.wantOffset) {
			t.Errorf("%q: got limit %d offset %d", tt.query, pg.Limit, pg.Offset)
		}
	}
}

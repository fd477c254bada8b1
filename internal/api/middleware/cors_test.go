package middleware

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func corsHandler(origins []string) http.Handler {
	return CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
		wantVary   bool
	}{
		{"listed origin", []string{"https://crm.example.com"}, "https://crm.example.com", "https://crm.example.com", true},
		{"listed with trailing slash", []string{"https://crm.example.com/"}, "https://crm.example.com", "https://crm.example.com", true},
		{"unlisted origin", []string{"https://crm.example.com"}, "https://evil.example.com", "", false},
		{"wildcard", []string{"*"}, "https://anything.example.com", "*", false},
		{"no origin header", []string{"*"}, "", "", false},
		{"cors disabled", nil, "https://crm.example.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/call", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			corsHandler(tt.allowed).ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d", rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Vary") == "Origin"; got != tt.wantVary {
				t.Errorf("Vary: Origin set = %v, want %v", got, tt.wantVary)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "" {
				t.Errorf("Allow-Credentials = %q, want unset", got)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := corsHandler([]string{"https://crm.example.com"})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/call", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := preflight("https://crm.example.com"); rr.Code != http.StatusNoContent {
		t.Errorf("allowed preflight status = %d, want 204", rr.Code)
	} else if rr.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("preflight missing Allow-Headers")
	}
	if rr := preflight("https://evil.example.com"); rr.Code != http.StatusForbidden {
		t.Errorf("disallowed preflight status = %d, want 403", rr.Code)
	}
}

func TestParseCORSOrigins(t *testing.T) {
	tests := map[string][]string{
		"":                                   nil,
		"  ":                                 nil,
		"*":                                  {"*"},
		"https://a.example.com":              {"https://a.example.com"},
		"https://a.example.com, ,https://b": {"https://a.example.com", "https://b"},
	}
	for raw, want := range tests {
		if got := ParseCORSOrigins(raw); !reflect.DeepEqual(got, want) {
			t.Errorf("ParseCORSOrigins(%q) = %v, want %v", raw, got, want)
		}
	}
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 64 << 10

// Credentials are the agent's SIP account.
type Credentials struct {
	Extension string `json:"extensionId"`
	Password  string `json:"password"`
}

// SIPConfig describes how to reach the PBX.
type SIPConfig struct {
	WSSURL     string `json:"wssUrl"`
	Domain     string `json:"domain"`
	STUNServer string `json:"stunServer,omitempty"`
}

// envelope is the CRM's standard response wrapper. Some endpoints return
// the bare object instead; decode handles both.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client talks to the CRM backend on behalf of one agent.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	username   string
}

// NewClient creates a backend client. baseURL includes the API prefix
// (e.g. "https://crm.example.com/api"). token is the agent's bearer token.
func NewClient(baseURL, token, username string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		username:   username,
	}
}

// Configured returns true if the client has a base URL and token.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.token != ""
}

// Username is the agent identity sent with call records.
func (c *Client) Username() string {
	return c.username
}

// Credentials fetches the agent's SIP extension and secret.
func (c *Client) Credentials(ctx context.Context) (*Credentials, error) {
	var creds Credentials
	if err := c.getJSON(ctx, "/agents/me/credentials", &creds); err != nil {
		return nil, fmt.Errorf("backend: fetching credentials: %w", err)
	}
	if creds.Extension == "" || creds.Password == "" {
		return nil, fmt.Errorf("backend: credentials response missing extension or password")
	}
	return &creds, nil
}

// SIPConfig fetches the signaling URL, domain and optional STUN server.
func (c *Client) SIPConfig(ctx context.Context) (*SIPConfig, error) {
	var cfg SIPConfig
	if err := c.getJSON(ctx, "/sip/config", &cfg); err != nil {
		return nil, fmt.Errorf("backend: fetching sip config: %w", err)
	}
	if cfg.WSSURL == "" || cfg.Domain == "" {
		return nil, fmt.Errorf("backend: sip config missing url or domain")
	}
	return &cfg, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return decode(body, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req)
	return err
}

// do sends req with the agent's bearer token and returns the body of a 2xx
// response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Error != "" {
			return nil, &StatusError{Code: resp.StatusCode, Message: env.Error}
		}
		return nil, &StatusError{Code: resp.StatusCode}
	}

	slog.Debug("backend request completed",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
	)
	return body, nil
}

func decode(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		body = env.Data
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned status %d", e.Code)
}

package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the agent phone daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string

	BackendURL   string // CRM API base, e.g. "https://crm.example.com/api"
	BackendToken string // agent bearer token for the CRM
	Username     string // agent identity recorded on every call

	SIPListen       string
	SIPPublicHost   string // advertised in Contact and SDP (defaults to the UA hostname)
	SIPTransport    string // overrides the transport derived from the PBX config
	RegisterExpiry  int
	RegisterTimeout time.Duration
	ReferEnabled    bool

	RecordingsDir    string
	RecordingMaxDays int    // days uploaded recordings are kept locally (0 = forever)
	MicWAV           string // WAV file played as the microphone (silence if empty)
	PlaybackWAV      string // WAV file receiving the speaker output (discarded if empty)
	DefaultRegion    string

	DispositionDSN string // PostgreSQL DSN; dispositions go to the CRM when empty
	RedisAddr      string
	RedisChannel   string
	AMQPURL        string
	AMQPQueue      string
	ChunkInterval  time.Duration
	PhaseRate      float64

	APIPINHash string // argon2id hash of the control API PIN
	JWTSecret  string // hex-encoded 32-byte secret for control API tokens

	Campaign      string
	AutoDialDelay time.Duration
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPAddr        = "127.0.0.1:8780"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultSIPListen       = "0.0.0.0:5060"
	defaultRegisterExpiry  = 300
	defaultRegisterTimeout = 8 * time.Second
	defaultRegion          = "US"
	defaultRedisChannel    = "agentphone:phases"
	defaultAMQPQueue       = "agentphone.chunks"
	defaultChunkInterval   = 3 * time.Second
	defaultPhaseRate       = 5
	defaultAutoDialDelay   = 30 * time.Second
)

// envPrefix is the prefix for all agent phone environment variables.
const envPrefix = "AGENTPHONE_"

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse parses configuration from args and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("agentphone", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database and recordings")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", defaultHTTPAddr, "control API listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")

	fs.StringVar(&cfg.BackendURL, "backend-url", "", "CRM API base URL")
	fs.StringVar(&cfg.BackendToken, "backend-token", "", "agent bearer token for the CRM API")
	fs.StringVar(&cfg.Username, "username", "", "agent username recorded on call records")

	fs.StringVar(&cfg.SIPListen, "sip-listen", defaultSIPListen, "SIP listen address")
	fs.StringVar(&cfg.SIPPublicHost, "sip-public-host", "", "host advertised in SIP Contact headers and SDP")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", "", "override the PBX transport (udp, tcp, tls, ws, wss)")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested registration lifetime in seconds")
	fs.DurationVar(&cfg.RegisterTimeout, "register-timeout", defaultRegisterTimeout, "how long a call waits for an in-flight registration (5s-10s)")
	fs.BoolVar(&cfg.ReferEnabled, "refer-enabled", true, "transfer with SIP REFER before falling back to the DTMF feature code")

	fs.StringVar(&cfg.RecordingsDir, "recordings-dir", "", "recordings directory (defaults to the data directory)")
	fs.IntVar(&cfg.RecordingMaxDays, "recording-max-days", 0, "days to keep uploaded recordings on disk (0 keeps them)")
	fs.StringVar(&cfg.MicWAV, "mic-wav", "", "8kHz mono WAV file used as the microphone")
	fs.StringVar(&cfg.PlaybackWAV, "playback-wav", "", "WAV file that receives the speaker output")
	fs.StringVar(&cfg.DefaultRegion, "region", defaultRegion, "default region for numbers without a country code")

	fs.StringVar(&cfg.DispositionDSN, "disposition-dsn", "", "PostgreSQL DSN for dispositions (uses the CRM API if empty)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for live call-phase events")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", defaultRedisChannel, "Redis channel for call-phase events")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", "", "AMQP URL for streaming remote audio chunks")
	fs.StringVar(&cfg.AMQPQueue, "amqp-queue", defaultAMQPQueue, "AMQP queue for audio chunks")
	fs.DurationVar(&cfg.ChunkInterval, "chunk-interval", defaultChunkInterval, "flush interval for streamed audio chunks")
	fs.Float64Var(&cfg.PhaseRate, "phase-rate", defaultPhaseRate, "maximum call-phase notifications per second")

	fs.StringVar(&cfg.APIPINHash, "api-pin-hash", "", "argon2id hash of the control API PIN (see agentphone hash-pin)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for control API tokens (auto-generated if empty)")

	fs.StringVar(&cfg.Campaign, "campaign", "", "default campaign for calls placed without one")
	fs.DurationVar(&cfg.AutoDialDelay, "auto-dial-delay", defaultAutoDialDelay, "pause between auto-dialed calls")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. "data-dir"
// to AGENTPHONE_DATA_DIR.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("parsing %s: %w", envName(f.Name), serr)
		}
	})
	return err
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend-url is required")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend-url must be an http or https url, got %q", c.BackendURL)
	}
	if c.BackendToken == "" {
		return fmt.Errorf("backend-token is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.APIPINHash == "" {
		return fmt.Errorf("api-pin-hash is required")
	}

	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return fmt.Errorf("http-addr must be host:port, got %q", c.HTTPAddr)
	}
	if _, _, err := net.SplitHostPort(c.SIPListen); err != nil {
		return fmt.Errorf("sip-listen must be host:port, got %q", c.SIPListen)
	}

	validTransports := map[string]bool{"": true, "udp": true, "tcp": true, "tls": true, "ws": true, "wss": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp, tls, ws, wss; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	if c.RegisterExpiry < 60 || c.RegisterExpiry > 3600 {
		return fmt.Errorf("register-expiry must be between 60 and 3600, got %d", c.RegisterExpiry)
	}
	if c.RegisterTimeout < 5*time.Second || c.RegisterTimeout > 10*time.Second {
		return fmt.Errorf("register-timeout must be between 5s and 10s, got %s", c.RegisterTimeout)
	}
	if c.AutoDialDelay < time.Second {
		return fmt.Errorf("auto-dial-delay must be at least 1s, got %s", c.AutoDialDelay)
	}
	if c.ChunkInterval < 500*time.Millisecond {
		return fmt.Errorf("chunk-interval must be at least 500ms, got %s", c.ChunkInterval)
	}
	if c.RecordingMaxDays < 0 {
		return fmt.Errorf("recording-max-days must not be negative, got %d", c.RecordingMaxDays)
	}
	if c.PhaseRate <= 0 {
		return fmt.Errorf("phase-rate must be positive, got %v", c.PhaseRate)
	}
	if len(c.DefaultRegion) != 2 {
		return fmt.Errorf("region must be a two-letter country code, got %q", c.DefaultRegion)
	}
	c.DefaultRegion = strings.ToUpper(c.DefaultRegion)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.RecordingsDir == "" {
		c.RecordingsDir = c.DataDir
	}
	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package monitor publishes call-phase events to Redis so live-monitoring
// views can follow an agent without polling the backend.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpbx/agentphone/internal/backend"
)

// DefaultChannel is the pub/sub channel phase events are published on.
const DefaultChannel = "agentphone:phases"

// lastPhaseTTL bounds how long an agent's last phase stays readable after
// the daemon stops reporting.
const lastPhaseTTL = 12 * time.Hour

// RedisConfig controls the Redis client.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 4
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis creates a client and checks connectivity with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Client is the subset of the Redis client the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Event is the JSON payload published for every phase change.
type Event struct {
	Agent     string        `json:"agent"`
	Extension string        `json:"extension,omitempty"`
	Phase     backend.Phase `json:"phase"`
	CallID    string        `json:"call_id"`
	At        time.Time     `json:"at"`
}

// PhasePublisher implements backend.PhaseSender over Redis pub/sub. Each
// event is published on the channel and also stored under a per-agent key
// holding the latest phase.
type PhasePublisher struct {
	client    Client
	channel   string
	agent     string
	extension func() string
	now       func() time.Time
}

// NewPhasePublisher returns a publisher for agent. extension, if non-nil,
// is consulted on every event since the extension is only known once
// credentials have been fetched.
func NewPhasePublisher(client Client, channel, agent string, extension func() string) *PhasePublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PhasePublisher{
		client:    client,
		channel:   channel,
		agent:     agent,
		extension: extension,
		now:       time.Now,
	}
}

// NotifyPhase publishes one phase event.
func (p *PhasePublisher) NotifyPhase(ctx context.Context, phase backend.Phase, callID string) error {
	ev := Event{
		Agent:  p.agent,
		Phase:  phase,
		CallID: callID,
		At:     p.now().UTC(),
	}
	if p.extension != nil {
		ev.Extension = p.extension()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("monitor: encoding event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("monitor: publishing phase: %w", err)
	}
	if err := p.client.Set(ctx, p.lastPhaseKey(), payload, lastPhaseTTL).Err(); err != nil {
		return fmt.Errorf("monitor: storing last phase: %w", err)
	}
	return nil
}

func (p *PhasePublisher) lastPhaseKey() string {
	return p.channel + ":last:" + p.agent
}

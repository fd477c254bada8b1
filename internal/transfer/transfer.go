// Package transfer hands an answered call to another extension, by SIP
// REFER when the PBX allows it and by DTMF feature codes otherwise.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSettleDelay is the pause after "#1" while the PBX plays its
	// transfer prompt.
	DefaultSettleDelay = 3000 * time.Millisecond
	// DefaultCooldown blocks new attempts after a transfer starts.
	DefaultCooldown = 6000 * time.Millisecond
	// DefaultDigitTone and DefaultDigitGap pace feature-code digits.
	DefaultDigitTone = 250 * time.Millisecond
	DefaultDigitGap  = 250 * time.Millisecond

	// transferPrefix opens the PBX transfer prompt.
	transferPrefix = "#1"
)

var (
	// ErrTransferCooldown is returned while a transfer is in flight or
	// finished less than the cool-down ago.
	ErrTransferCooldown = errors.New("transfer already in progress")
	// ErrInvalidExtension is returned for an empty or non-numeric target.
	ErrInvalidExtension = errors.New("invalid transfer extension")
)

// Leg is the signaling capability a transfer needs from the active call.
type Leg interface {
	Refer(ctx context.Context, extension string) error
	SendDTMF(ctx context.Context, digits string, tone, gap time.Duration) error
}

// Options tunes a Coordinator. Zero durations take the defaults.
type Options struct {
	ReferEnabled bool
	SettleDelay  time.Duration
	Cooldown     time.Duration
	DigitTone    time.Duration
	DigitGap     time.Duration
	Logger       *slog.Logger
}

// Coordinator serializes transfers for one agent.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	inFlight  bool
	busyUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator returns a coordinator with defaults applied.
func NewCoordinator(opts Options) *Coordinator {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.DigitTone <= 0 {
		opts.DigitTone = DefaultDigitTone
	}
	if opts.DigitGap <= 0 {
		opts.DigitGap = DefaultDigitGap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		opts:   opts,
		logger: opts.Logger.With("subsystem", "transfer"),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Transfer moves the call on leg to extension. It blocks until the REFER
// is accepted or the fallback digits have been sent.
func (c *Coordinator) Transfer(ctx context.Context, leg Leg, extension string) error {
	extension = strings.TrimSpace(extension)
	if !validExtension(extension) {
		return ErrInvalidExtension
	}

	c.mu.Lock()
	start := c.now()
	if c.inFlight || start.Before(c.busyUntil) {
		c.mu.Unlock()
		return ErrTransferCooldown
	}
	c.inFlight = true
	c.busyUntil = start.Add(c.opts.Cooldown)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	if c.opts.ReferEnabled {
		err := leg.Refer(ctx, extension)
		if err == nil {
			c.logger.Info("call transferred by refer", "extension", extension)
			return nil
		}
		c.logger.Warn("refer failed, falling back to dtmf", "extension", extension, "error", err)
	}

	if err := c.featureCode(ctx, leg, extension); err != nil {
		return fmt.Errorf("transferring to %s: %w", extension, err)
	}
	c.logger.Info("call transferred by feature code", "extension", extension)
	return nil
}

func (c *Coordinator) featureCode(ctx context.Context, leg Leg, extension string) error {
	if err := leg.SendDTMF(ctx, transferPrefix, c.opts.DigitTone, c.opts.DigitGap); err != nil {
		return fmt.Errorf("sending %s: %w", transferPrefix, err)
	}
	if err := c.sleep(ctx, c.opts.SettleDelay); err != nil {
		return err
	}
	code := "*" + extension + "#"
	if err := leg.SendDTMF(ctx, code, c.opts.DigitTone, c.opts.DigitGap); err != nil {
		return fmt.Errorf("sending %s: %w", code, err)
	}
	return nil
}

func validExtension(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

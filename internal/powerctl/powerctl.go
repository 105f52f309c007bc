// Package powerctl power-cycles the modem through a GPIO line wired to its
// reset input.
package powerctl

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// line is one requested GPIO output.
type line interface {
	SetValue(v int) error
	Close() error
}

type Config struct {
	// Pin is BCM GPIO numbering. 0 disables resets.
	Pin   int
	Pulse time.Duration
	// Settle is how long to wait after releasing reset before the device
	// nodes are expected back.
	Settle time.Duration
}

type Resetter struct {
	cfg    Config
	resets atomic.Uint64
}

func New(cfg Config) (*Resetter, error) {
	if cfg.Pin < 0 {
		return nil, fmt.Errorf("powerctl: invalid gpio pin %d", cfg.Pin)
	}
	if cfg.Pulse <= 0 {
		cfg.Pulse = 500 * time.Millisecond
	}
	return &Resetter{cfg: cfg}, nil
}

func (r *Resetter) Enabled() bool {
	return r != nil && r.cfg.Pin > 0
}

// Resets returns how many reset pulses were issued.
func (r *Resetter) Resets() uint64 {
	if r == nil {
		return 0
	}
	return r.resets.Load()
}

// Reset pulses the reset line. The line is requested for the duration of the
// pulse only so other tools can inspect it in between. Without a pin it is a
// no-op.
func (r *Resetter) Reset(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	l, err := openLineFn(r.cfg.Pin)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.SetValue(0)
		_ = l.Close()
	}()

	log.Info().Int("gpio", r.cfg.Pin).Dur("pulse", r.cfg.Pulse).Msg("resetting modem")
	if err := l.SetValue(1); err != nil {
		return fmt.Errorf("powerctl: assert reset: %w", err)
	}
	r.resets.Add(1)
	if err := wait(ctx, r.cfg.Pulse); err != nil {
		return err
	}
	if err := l.SetValue(0); err != nil {
		return fmt.Errorf("powerctl: release reset: %w", err)
	}
	return wait(ctx, r.cfg.Settle)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

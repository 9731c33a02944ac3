// Package chaos injects seeded latency and failures into venue quotes and
// swap execution so retry and failure paths can be exercised on demand.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInjected is returned by MaybeFail when a fault fires
var ErrInjected = errors.New("chaos: injected failure")

// Chaos provides deterministic failure injection. A nil *Chaos is valid and
// never injects anything.
type Chaos struct {
	cfg    *Config
	logger *zap.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	start  time.Time
}

// New creates a new Chaos instance
func New(cfg *Config, logger *zap.Logger) *Chaos {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chaos{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}

	// Apply profile if set
	if cfg.Profile != "" {
		failPct, delayMin, delayMax, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.Error(err))
		} else {
			if failPct > 0 {
				cfg.FailPct = failPct
			}
			if delayMin > 0 || delayMax > 0 {
				cfg.DelayMsMin = delayMin
				cfg.DelayMsMax = delayMax
			}
		}
	}

	return c
}

// EnabledFor checks if chaos is enabled for a target
func (c *Chaos) EnabledFor(target string) bool {
	if c == nil || !c.cfg.Enabled {
		return false
	}

	// Check if window expired
	if c.cfg.WindowMs > 0 {
		elapsed := time.Since(c.start).Milliseconds()
		if elapsed > int64(c.cfg.WindowMs) {
			return false
		}
	}

	if c.cfg.Target != "" && c.cfg.Target != target {
		return false
	}

	return true
}

// MaybeDelay injects a random delay if chaos is enabled
func (c *Chaos) MaybeDelay(ctx context.Context, target, op string) error {
	if !c.EnabledFor(target) {
		return nil
	}

	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		c.logger.Info("chaos delay injected",
			zap.String("target", target),
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeFail returns ErrInjected with probability FailPct
func (c *Chaos) MaybeFail(target, op string) error {
	if !c.EnabledFor(target) {
		return nil
	}

	if c.cfg.FailPct == 0 {
		return nil
	}

	c.mu.Lock()
	fail := c.rng.Intn(100) < c.cfg.FailPct
	c.mu.Unlock()

	if !fail {
		return nil
	}

	c.logger.Info("chaos failure injected",
		zap.String("target", target),
		zap.String("op", op),
	)
	return ErrInjected
}

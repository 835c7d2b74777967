package procgroup

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig paces retries while peers come up.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff starts at 20ms and doubles up to one
// second, with jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 20 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     time.Second,
		Jitter:       true,
	}
}

// nextBackoffDelay returns the retry delay for attempt N
// (1-based).
func nextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// retry calls f until it succeeds, returns a permanent
// error, or ctx ends.
// When ctx ends first, the error wraps both ctx.Err()
// and the last failure.
func retry(ctx context.Context, cfg BackoffConfig, f func() (permanent bool, err error)) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		permanent, err := f()
		if err == nil || permanent {
			return err
		}
		timer := time.NewTimer(nextBackoffDelay(cfg, attempt, rng))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	}
}

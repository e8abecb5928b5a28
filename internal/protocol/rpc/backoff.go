package rpc

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextBackoffDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

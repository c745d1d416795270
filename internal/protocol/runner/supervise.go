package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrSessionTerminated is returned by Supervise when a session ends with a
// terminal cause that a restart cannot fix.
var ErrSessionTerminated = errors.New("runner: session terminated")

// BackoffConfig paces restarts between sessions.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the delay before restart N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
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

// RestartPolicy bounds Supervise. MaxRestarts <= 0 restarts until ctx ends.
type RestartPolicy struct {
	Backoff     BackoffConfig
	MaxRestarts int
}

// Supervise runs one session after another. Sessions are never reused, so
// build must return a runner over a fresh session each time. It returns nil
// when ctx ends, ErrSessionTerminated when a session reports a terminal cause,
// and the build error if construction fails.
func Supervise(ctx context.Context, policy RestartPolicy, build func() (*Runner, error)) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		r, err := build()
		if err != nil {
			return err
		}
		if err := r.Run(ctx); err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("runner.Supervise session error")
		}
		if ctx.Err() != nil {
			return nil
		}
		if cause, terminal := r.Protocol().TerminalCause(); terminal {
			return fmt.Errorf("%w: %s", ErrSessionTerminated, cause.Description())
		}
		if policy.MaxRestarts > 0 && attempt > policy.MaxRestarts {
			return nil
		}

		delay := NextBackoffDelay(policy.Backoff, attempt, rng)
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("runner.Supervise restarting session")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

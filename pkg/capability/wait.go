package capability

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultPollInterval is how often WaitReady re-checks the registry
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxAttempts bounds the readiness wait to roughly five seconds
	DefaultMaxAttempts = 50
)

// WaitOptions configures a readiness wait
type WaitOptions struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// WaitReady blocks until every expected capability is registered, or
// until the attempt budget runs out. On exhaustion it returns the
// missing names with a nil error: UI components mount asynchronously
// and out of order, and tool execution must not deadlock the host if
// one never mounts. Readiness degrades to proceed-anyway.
func (r *Registry) WaitReady(ctx context.Context, expected []string, opts WaitOptions) ([]string, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	for i := 0; i < attempts; i++ {
		if r.IsReady(expected) {
			log.Debug().
				Strs("capabilities", expected).
				Int("attempts", i+1).
				Msg("Capability set ready")
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return r.Missing(expected), ctx.Err()
		case <-time.After(interval):
		}
	}

	missing := r.Missing(expected)
	log.Warn().
		Strs("missing", missing).
		Int("attempts", attempts).
		Dur("interval", interval).
		Msg("Capability readiness wait exhausted, proceeding with degraded set")

	return missing, nil
}

package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errNotReady signals a probe that completed but found the capability absent.
var errNotReady = errors.New("start capability not present")

// Probe checks whether the required capability is present on the external
// control surface. It must not start production.
type Probe func(ctx context.Context) (bool, error)

// Policy bounds the gate's polling. Before retry k (k >= 1) the gate waits
// Base^k units; the first probe runs immediately. A Base of 1 degrades to
// fixed unit-length spacing, so callers wanting real exponential growth
// should pass Base > 1.
type Policy struct {
	Base        int
	MaxAttempts int
	Unit        time.Duration // defaults to time.Millisecond
}

// TimeoutError reports that the capability never became available within the
// attempt budget.
type TimeoutError struct {
	Capability string
	Attempts   int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("capability %q not available after %d attempts", e.Capability, e.Attempts)
}

// Gate polls a capability probe with exponential backoff until the capability
// is confirmed present or the attempt budget is exhausted. It bounds how long
// callers wait for an asynchronously initializing runtime.
type Gate struct {
	capability string
	probe      Probe
	policy     Policy
	logger     *slog.Logger
}

// New creates a readiness gate for the named capability
func New(capability string, probe Probe, policy Policy, logger *slog.Logger) *Gate {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Base < 1 {
		policy.Base = 1
	}
	if policy.Unit <= 0 {
		policy.Unit = time.Millisecond
	}

	return &Gate{
		capability: capability,
		probe:      probe,
		policy:     policy,
		logger:     logger,
	}
}

// Wait blocks until the capability is confirmed present. It fails with a
// *TimeoutError once the attempt budget is exhausted, or with the context
// error if the caller is cancelled between probes. No resources are held on
// either failure path.
func (g *Gate) Wait(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.policy.Unit
	bo.RandomizationFactor = 0
	bo.Multiplier = float64(g.policy.Base)
	bo.MaxInterval = time.Duration(math.MaxInt64)
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	operation := func() error {
		attempts++

		ok, err := g.probe(ctx)
		if err != nil {
			g.logger.Debug("capability probe errored",
				slog.String("capability", g.capability),
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()),
			)
			return err
		}

		if !ok {
			g.logger.Debug("capability not present yet",
				slog.String("capability", g.capability),
				slog.Int("attempt", attempts),
			)
			return errNotReady
		}

		return nil
	}

	retries := uint64(g.policy.MaxAttempts - 1)
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
	if err == nil {
		g.logger.Debug("capability confirmed",
			slog.String("capability", g.capability),
			slog.Int("attempts", attempts),
		)
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return &TimeoutError{Capability: g.capability, Attempts: attempts}
}

package restart

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atvirokodosprendimai/tunelis/internal/db"
	"github.com/atvirokodosprendimai/tunelis/internal/logger"
)

const (
	// InitialBackoff is the wait before the first retry after a failed
	// restart attempt.
	InitialBackoff = 5 * time.Second
	// MaxBackoff caps the wait between attempts. Attempts themselves are
	// never capped: the tunnel is critical infrastructure and is never
	// permanently abandoned.
	MaxBackoff = 5 * time.Minute
)

// Restarter executes the actual tunnel restart.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Controller runs recovery attempts with doubling, capped backoff. It is
// invoked only by the health monitor and never mutates runtime state
// itself; it reports results back to the monitor.
type Controller struct {
	restarter Restarter
	store     *db.Store
	log       logger.Logger
	policy    *backoff.ExponentialBackOff
}

// NewController builds a controller with the standard backoff policy.
func NewController(restarter Restarter, store *db.Store, log logger.Logger) *Controller {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = InitialBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = MaxBackoff
	policy.MaxElapsedTime = 0 // unlimited retries
	policy.Reset()

	return &Controller{
		restarter: restarter,
		store:     store,
		log:       log,
		policy:    policy,
	}
}

// AttemptRestart runs one restart attempt and returns the backoff to wait
// before the next one. The backoff advances only after failed attempts
// and is capped at MaxBackoff. Every attempt is audited regardless of
// outcome.
func (c *Controller) AttemptRestart(ctx context.Context, current time.Duration) (time.Duration, error) {
	err := c.restarter.Restart(ctx)
	if err != nil {
		c.log.Error("tunnel restart attempt failed", logger.Error(err), logger.Duration("backoff", current))
		c.audit(false, err.Error())
		next := c.policy.NextBackOff()
		if next < current {
			// NextBackOff never exceeds MaxInterval but must also never
			// regress below what the monitor already waited.
			next = current
		}
		if next > MaxBackoff {
			next = MaxBackoff
		}
		return next, fmt.Errorf("restart attempt failed: %w", err)
	}

	c.log.Info("tunnel restart attempt issued", logger.Duration("backoff", current))
	c.audit(true, "restart command issued")
	return current, nil
}

// ResetBackoff is called by the monitor after a healthy transition.
func (c *Controller) ResetBackoff() {
	c.policy.Reset()
}

func (c *Controller) audit(success bool, reason string) {
	if err := c.store.AppendAudit("health-monitor", "tunnel.restart", "tunnel", success, db.SeverityInfo, reason); err != nil {
		c.log.Error("could not record restart audit entry", logger.Error(err))
	}
}

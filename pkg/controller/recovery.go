package controller

import (
	"context"
	"time"
)

// Outcome tags the post-run session-lifecycle decision.
type Outcome int

const (
	// OutcomeDrained means the persistent session's event bus was
	// flushed cleanly and the session is kept as-is.
	OutcomeDrained Outcome = iota

	// OutcomeRefreshed means the compatibility path replaced the bus
	// and resynchronized the agent's reference.
	OutcomeRefreshed

	// OutcomeRotated means the session must be discarded; the next run
	// builds a fresh one.
	OutcomeRotated

	// OutcomeStopped means a non-persistent session was stopped
	// unconditionally.
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDrained:
		return "drained"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeRotated:
		return "rotated"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Optional session capabilities, detected by assertion so older
// session implementations keep working through the fallback path.
type eventBusDrainer interface {
	DrainEventBus(timeout time.Duration) (bool, error)
}

type eventBusResetter interface {
	ResetEventBusState() error
}

// Optional agent hooks for resynchronizing a replaced session bus.
type agentBusResetter interface {
	ResetEventBus() error
}

type agentBusRefresher interface {
	RefreshEventBus() error
}

// recoverSession decides the session's fate after a run and returns
// the decision as a tag. The caller branches on the tag; this function
// never stops or kills a persistent session itself.
func (c *Controller) recoverSession(ctx context.Context, sess Session, ag Agent) Outcome {
	if !sess.KeepAlive() {
		if err := sess.Stop(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("failed to stop non-persistent session")
		}
		return OutcomeStopped
	}

	if drainer, ok := sess.(eventBusDrainer); ok {
		clean, err := drainer.DrainEventBus(c.drainTimeout)
		if err != nil {
			c.drainFailed()
			c.logger.Warn().Err(err).Msg("failed to drain browser event bus; rotating for safety")
			return OutcomeRotated
		}
		if !clean {
			c.drainFailed()
			c.logger.Warn().Msg("browser event bus drain timed out; pending events cleared, rotating")
			return OutcomeRotated
		}
		return OutcomeDrained
	}

	// Compatibility path for sessions without a drain primitive: the
	// bus state is reset in place and the agent's reference is
	// resynchronized through whichever hook it exposes.
	c.logger.Debug().Msg("session does not expose an event bus drain; applying compatibility cleanup")

	resetter, ok := sess.(eventBusResetter)
	if !ok {
		c.logger.Warn().Msg("session exposes neither drain nor bus reset; rotating")
		return OutcomeRotated
	}
	if err := resetter.ResetEventBusState(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to reset session event bus state; rotating")
		return OutcomeRotated
	}

	if hook, ok := ag.(agentBusResetter); ok {
		err := hook.ResetEventBus()
		if err == nil {
			return OutcomeRefreshed
		}
		c.logger.Warn().Err(err).Msg("agent event bus reset failed; trying refresh hook")
	}
	if hook, ok := ag.(agentBusRefresher); ok {
		if err := hook.RefreshEventBus(); err != nil {
			c.logger.Warn().Err(err).Msg("agent event bus refresh failed; rotating")
			return OutcomeRotated
		}
		return OutcomeRefreshed
	}

	// Without either hook the agent would keep a stale bus reference,
	// so the session is rotated instead.
	c.logger.Warn().Msg("agent exposes no event bus hooks after legacy refresh; rotating")
	return OutcomeRotated
}

func (c *Controller) drainFailed() {
	if c.metrics != nil {
		c.metrics.DrainFailuresTotal.Inc()
	}
}

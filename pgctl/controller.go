package pgctl

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signal18/pg-ha-keeper/keeper"
)

// Controller is the "start/stop controller" spec.md §2's control-flow line
// names as a sibling of the Node-Active Loop under the Supervisor: it reads
// ExpectedPostgresStatus (spec.md §3 Ownership: read-only for this side) and
// calls Start/Stop to converge the managed instance's run-state, independent
// of the FSM transition actions that call other Driver methods directly.
// Grounded on the teacher's own watchdog-style goroutines that compare a
// desired state to an observed one on a timer (the same shape as the
// Node-Active Loop's own cycle, spec.md §4.6).
type Controller struct {
	Store    keeper.ExpectedStatusReader
	Driver   Driver
	Log      *logrus.Entry
	Interval time.Duration
}

func NewController(store keeper.ExpectedStatusReader, driver Driver, log *logrus.Entry) *Controller {
	return &Controller{Store: store, Driver: driver, Log: log}
}

// RunOnce compares the persisted expectation to the observed run-state and
// issues at most one Start or Stop to close the gap. A missing or unknown
// expectation is a no-op: the keeper has not registered yet, or the loop has
// not decided a role, and the controller has nothing to converge toward.
func (c *Controller) RunOnce(ctx context.Context) error {
	expected, err := c.Store.ReadExpectedStatus()
	if err != nil {
		if err == keeper.ErrStateMissing {
			return nil
		}
		return err
	}

	switch expected.Status {
	case keeper.ExpectedRunning, keeper.ExpectedRunningAsSubprocess:
		obs := c.Driver.Observe(ctx)
		if !obs.Running {
			return c.Driver.Start(ctx)
		}
	case keeper.ExpectedStopped:
		obs := c.Driver.Observe(ctx)
		if obs.Running {
			return c.Driver.Stop(ctx, StopGraceful)
		}
	}
	return nil
}

// Run polls on a fixed interval until ctx is cancelled (spec.md §5: every
// component but the notification subscriber makes progress on a bounded
// timer rather than blocking indefinitely).
func (c *Controller) Run(ctx context.Context) error {
	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		if err := c.RunOnce(ctx); err != nil {
			if c.Log != nil {
				c.Log.WithError(err).Warn("db controller reconcile failed, retrying next cycle")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

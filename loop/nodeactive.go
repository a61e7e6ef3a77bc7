// Package loop is the Node-Active Loop (C6, spec.md §4.6): the periodic
// cycle that observes the local database, reports to the monitor, drives the
// FSM or reconciles run-state, and persists state. Grounded on the teacher's
// main monitoring cycle (cluster.Cluster's periodic refresh of servers and
// proxies, e.g. refreshProxies in cluster/prx.go), generalized from "refresh
// a slice of backends" to "drive one local node through node_active".
package loop

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signal18/pg-ha-keeper/fsm"
	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/keeper"
	"github.com/signal18/pg-ha-keeper/monitor"
	"github.com/signal18/pg-ha-keeper/pgctl"
	"github.com/signal18/pg-ha-keeper/retry"
)

// Wakeable is satisfied by monitor.Listener; kept as a narrow interface so
// the loop doesn't need to import the concrete listener type for tests.
type Wakeable interface {
	Wakeup() <-chan struct{}
}

// Loop drives one keeper's node-active cycle (spec.md §4.6).
type Loop struct {
	Store     *keeper.Store
	DB        pgctl.Driver
	Monitor   monitor.Client
	Notifier  Wakeable
	Log       *logrus.Entry
	Formation string
	NodeID    int64
	GroupID   int
	Interval  time.Duration
	Policy    retry.Policy
	HBALevel  pgctl.HBALevel

	// Fatal is called when the loop must exit the process (spec.md §4.6
	// step 2, §7 "it exits on Consistency or Programmer errors"). In
	// cmd/pg-keeper it records the error and cancels the loop's context, so
	// the supervised service returns that error to the supervisor's restart
	// policy; tests substitute a recorder.
	Fatal func(code int, err error)
}

// RunOnce executes exactly one cycle (spec.md §4.6, steps 1-6). It is
// exported separately from Run so tests can drive individual cycles
// deterministically.
func (l *Loop) RunOnce(ctx context.Context) {
	// Step 1: observe local DB; never fails the loop.
	obs := l.DB.Observe(ctx)

	st, err := l.Store.ReadState()
	if err != nil && !isMissing(err) {
		l.Log.WithError(err).Warn("failed to read local state, continuing with in-memory defaults")
	}

	// Step 2: call node_active under the Service retry policy.
	assigned, err := l.Monitor.NodeActive(ctx, monitor.NodeActiveParams{
		Formation:   l.Formation,
		NodeID:      l.NodeID,
		GroupID:     l.GroupID,
		CurrentRole: st.CurrentRole,
		PGRunning:   obs.Running,
		Timeline:    obs.TimelineID,
		CurrentLSN:  obs.CurrentReplayPosition,
		SyncState:   obs.SyncState,
	})
	if err != nil {
		// The Service retry policy (spec.md §4.4) already absorbed every
		// retryable failure inside Monitor.NodeActive; anything that still
		// reaches here is, per spec.md §4.6 step 2, an unrecoverable
		// failure -- except a Transient-classified error, which can only
		// mean the retry loop was cut short by context cancellation
		// (process shutdown), not a real unrecoverable condition.
		class, _ := kerrors.ClassOf(err)
		if class == kerrors.Transient {
			l.Log.WithError(err).Warn("node_active retry loop interrupted, will retry next cycle")
			return
		}
		l.fatal(class.ExitCode(), err)
		return
	}

	// Step 3: copy the returned assigned_role into the state.
	st.CurrentNodeID = assigned.NodeID
	st.CurrentGroupID = int32(assigned.GroupID)
	st.AssignedRole = assigned.AssignedRole
	if st.CurrentRole == keeper.NoState {
		st.CurrentRole = keeper.Init
	}

	m := &fsm.Machine{
		DB:        l.DB,
		Monitor:   l.Monitor,
		Log:       l.Log,
		Formation: l.Formation,
		GroupID:   l.GroupID,
		HBALevel:  l.HBALevel,
	}

	// Step 4: FSM transition, taken only when assigned_role has moved.
	if st.AssignedRole != st.CurrentRole {
		if err := fsm.Run(ctx, m, st.CurrentRole, st.AssignedRole); err != nil {
			// spec.md §3: an unmatched (current_role, assigned_role) pair is
			// "a fatal internal error for that cycle" -- fatal-for-the-cycle,
			// not fatal-for-the-process. Only a Programmer-class error (a
			// genuine invariant violation) exits the process here; every
			// other class, including the Consistency error fsm.Run returns
			// for a missing table row, is logged and absorbed so the loop
			// keeps receiving future assignments.
			class, _ := kerrors.ClassOf(err)
			if class == kerrors.Programmer {
				l.fatal(class.ExitCode(), err)
				return
			}
			l.Log.WithError(err).Error("transition failed, current_role unchanged")
			// current_role intentionally left unchanged; retried next cycle.
		} else {
			st.CurrentRole = st.AssignedRole
		}
	}

	// Step 5: derive and persist the run-state the DB controller should
	// converge toward. The loop never calls Driver.Start/Stop itself for
	// this -- spec.md §3 Ownership gives the DB-controller process (a
	// separate supervised component, pgctl.Controller) the exclusive right
	// to act on ExpectedPostgresStatus; the loop only writes it.
	expected := fsm.ExpectedStatusFor(st.CurrentRole)
	if err := l.Store.WriteExpectedStatus(keeper.ExpectedPostgresStatus{Status: expected}); err != nil {
		l.Log.WithError(err).Error("failed to persist expected postgres status")
	}

	st.LastMonitorContact = nowUnix()

	// Step 6: persist state.
	if err := l.Store.WriteState(st); err != nil {
		l.Log.WithError(err).Error("failed to persist state")
	}
}

// Run loops forever until ctx is cancelled, sleeping between cycles (spec.md
// §4.6 step 7) unless cut short by a notification.
func (l *Loop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		l.RunOnce(ctx)

		timer := time.NewTimer(interval)
		var wake <-chan struct{}
		if l.Notifier != nil {
			wake = l.Notifier.Wakeup()
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

func (l *Loop) fatal(code int, err error) {
	l.Log.WithError(err).Error("fatal error, exiting for supervisor restart")
	if l.Fatal != nil {
		l.Fatal(code, err)
	}
}

func isMissing(err error) bool {
	return err == keeper.ErrStateMissing
}

func nowUnix() int64 { return time.Now().Unix() }

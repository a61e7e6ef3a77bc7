package fsm

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/keeper"
	"github.com/signal18/pg-ha-keeper/monitor"
	"github.com/signal18/pg-ha-keeper/pgctl"
)

// Machine bundles everything a transition action needs: the local database
// driver, the monitor client, and identity/context for the node being
// driven. It holds no back-pointer to any owning struct (spec.md §9: "model
// data flows as arguments; store no back-pointers").
type Machine struct {
	DB        pgctl.Driver
	Monitor   monitor.Client
	Log       *logrus.Entry
	Formation string
	GroupID   int
	Self      keeper.NodeAddress
	HBALevel  pgctl.HBALevel
}

// Run executes the transition from current to assigned, per spec.md §4.5:
// "Transition actions are idempotent and restartable. If an action fails,
// the loop reports the failure but keeps current_role unchanged and retries
// next cycle." Run itself never mutates current_role; the caller (the
// node-active loop) does that only on success.
func Run(ctx context.Context, m *Machine, from, to keeper.NodeRole) error {
	t, ok := Lookup(from, to)
	if !ok {
		return kerrors.New(kerrors.Consistency, "fsm_lookup", from.String(), to.String(),
			errors.New("no transition defined for this (current_role, assigned_role) pair"))
	}
	if m.Log != nil {
		m.Log.Info(t.String())
	}
	if t.Action == nil {
		return nil
	}
	if err := t.Action(ctx, m); err != nil {
		return kerrors.New(kerrors.LocalDB, "fsm_action", from.String(), to.String(), err)
	}
	return nil
}

func actionNoop(ctx context.Context, m *Machine) error { return nil }

func actionInitAsPrimary(ctx context.Context, m *Machine) error {
	if err := m.DB.InitPrimary(ctx); err != nil {
		return err
	}
	if err := m.DB.EditHBA(ctx, m.HBALevel); err != nil {
		return err
	}
	return m.DB.Start(ctx)
}

func actionInitAsStandby(ctx context.Context, m *Machine) error {
	return initStandbyFromPrimary(ctx, m, pgctl.ModeFallback)
}

func initStandbyFromPrimary(ctx context.Context, m *Machine, mode pgctl.InitStandbyMode) error {
	primaries, err := m.Monitor.GetPrimary(ctx, m.Formation, m.GroupID)
	if err != nil {
		return err
	}
	if len(primaries) == 0 {
		return errors.New("monitor returned no primary to stream from")
	}
	if err := m.DB.InitStandby(ctx, primaries[0], mode); err != nil {
		return err
	}
	if err := m.DB.EditHBA(ctx, m.HBALevel); err != nil {
		return err
	}
	return m.DB.Start(ctx)
}

func actionInitStandbyCatchup(ctx context.Context, m *Machine) error {
	obs := m.DB.Observe(ctx)
	if obs.Running {
		return nil
	}
	return initStandbyFromPrimary(ctx, m, pgctl.ModeFallback)
}

func actionApplySettings(ctx context.Context, m *Machine) error {
	others, err := m.Monitor.GetOtherNodes(ctx, m.Formation, m.GroupID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(others))
	for _, n := range others {
		names = append(names, n.Name)
	}
	if len(names) == 0 {
		return m.DB.DisableSyncRep(ctx)
	}
	return m.DB.EnableSyncRep(ctx, names)
}

func actionFastForward(ctx context.Context, m *Machine) error {
	advanced, err := m.Monitor.GetMostAdvancedStandby(ctx, m.Formation, m.GroupID)
	if err != nil {
		return err
	}
	if len(advanced) == 0 {
		return errors.New("no advanced standby available to fast-forward from")
	}
	return m.DB.InitStandby(ctx, advanced[0], pgctl.ModeRewind)
}

func actionStopReplication(ctx context.Context, m *Machine) error {
	return m.DB.StopReplicationSlot(ctx, "")
}

func actionPromote(ctx context.Context, m *Machine) error {
	return m.DB.Promote(ctx)
}

func actionBeginDraining(ctx context.Context, m *Machine) error {
	return m.DB.DisableSyncRep(ctx)
}

func actionForceDemote(ctx context.Context, m *Machine) error {
	return m.DB.Demote(ctx)
}

func actionDisableReplication(ctx context.Context, m *Machine) error {
	if err := m.DB.DisableSyncRep(ctx); err != nil {
		return err
	}
	return nil
}

func actionPromoteStandby(ctx context.Context, m *Machine) error {
	return m.DB.Promote(ctx)
}

func actionDropNode(ctx context.Context, m *Machine) error {
	return m.DB.Stop(ctx, pgctl.StopFast)
}

func actionEnterMaintenance(ctx context.Context, m *Machine) error {
	return m.DB.Stop(ctx, pgctl.StopGraceful)
}

func actionExitMaintenance(ctx context.Context, m *Machine) error {
	obs := m.DB.Observe(ctx)
	if obs.Running {
		return nil
	}
	return m.DB.Start(ctx)
}

// ExpectedStatusFor is the "ensure current state" branch (spec.md §4.5)
// reduced to the decision it actually makes: whether a converged role implies
// Postgres should be running or stopped. It used to call Driver.Start/Stop
// directly; per spec.md §3's Ownership rule that responsibility belongs to
// the DB controller, a separate supervised component that only has read
// access to ExpectedPostgresStatus. The Node-Active Loop calls this after
// every cycle and persists the result; the DB controller (pgctl.Controller)
// is the only thing that ever calls Start/Stop on its behalf.
func ExpectedStatusFor(role keeper.NodeRole) keeper.ExpectedStatus {
	switch role {
	case keeper.Demoted, keeper.Dropped, keeper.Maintenance:
		return keeper.ExpectedStopped
	default:
		return keeper.ExpectedRunning
	}
}

// Package fsm is the Finite-State Machine (C5, spec.md §4.5): a single
// static, table-driven transition engine mapping (current_role,
// assigned_role) pairs to actions. Grounded on the teacher's approach to
// closed-enumeration dispatch (cluster/prx.go's proxyList + per-type
// switches), generalized here into spec.md §9's suggested shape: a table of
// (RoleMatch, RoleMatch, comment, action) rows scanned top to bottom,
// first-match-wins.
//
// SPEC_FULL.md §C resolves the canonical-table Open Question: this is the
// fast_forward-without-wait-states variant. wait_forward/wait_cascade are
// not reachable from this table; keeper.WaitForward exists only so an old
// on-disk record naming it still decodes (additive wire compatibility).
package fsm

import (
	"context"

	"github.com/signal18/pg-ha-keeper/keeper"
)

// Transition is one row of the static table (spec.md §3 FSMTransition).
type Transition struct {
	From    keeper.NodeRole
	To      keeper.NodeRole
	Comment string
	Action  ActionFunc // nil == no-op transition (role change only)
}

// ActionFunc performs the concrete local/monitor work for a transition. It
// must be idempotent and restartable (spec.md §4.5): running it twice with
// the same inputs leaves the database in the same observable state.
type ActionFunc func(ctx context.Context, m *Machine) error

// Table is the authoritative, exhaustive description of legal moves
// (spec.md §3, §4.5). Order matters: it is scanned top to bottom and the
// first matching (From, To) row wins. Wildcard (Any) rows are placed last so
// explicit rows always take precedence, preserving the scan discipline
// spec.md requires.
var Table = []Transition{
	// --- Initial (spec.md §4.5 "Initial") ---
	{keeper.Init, keeper.Single, "new formation, becomes the only node", actionInitAsPrimary},
	{keeper.Init, keeper.WaitStandby, "joins an existing primary", actionInitAsStandby},
	{keeper.Init, keeper.ReportLSN, "joins an existing standby fleet with no candidate", actionInitAsStandby},

	// --- Normal primary life (spec.md §4.5 "Normal primary life") ---
	{keeper.Single, keeper.WaitPrimary, "preparing to accept a first standby", actionNoop},
	{keeper.WaitPrimary, keeper.Single, "standby departed before joining", actionDisableReplication},
	{keeper.WaitPrimary, keeper.Primary, "first standby caught up", actionNoop},
	{keeper.Primary, keeper.WaitPrimary, "standby set changed, waiting for catch-up", actionNoop},
	{keeper.Primary, keeper.JoinPrimary, "a new standby is joining", actionNoop},
	{keeper.JoinPrimary, keeper.Primary, "new standby has joined", actionNoop},
	{keeper.Primary, keeper.ApplySettings, "refreshing replication parameters", actionNoop},
	{keeper.WaitPrimary, keeper.ApplySettings, "refreshing replication parameters before first standby", actionNoop},
	{keeper.ApplySettings, keeper.Primary, "replication parameters applied", actionApplySettings},

	// --- Normal standby life (spec.md §4.5 "Normal standby life") ---
	{keeper.WaitStandby, keeper.CatchingUp, "starting to stream from the primary", actionInitStandbyCatchup},
	{keeper.CatchingUp, keeper.Secondary, "caught up with the primary", actionNoop},
	{keeper.Secondary, keeper.CatchingUp, "fell behind, resynchronizing", actionNoop},
	{keeper.Secondary, keeper.PrepareMaintenance, "entering maintenance", actionNoop},
	{keeper.PrepareMaintenance, keeper.Maintenance, "maintenance in effect", actionEnterMaintenance},
	{keeper.Maintenance, keeper.WaitMaintenance, "leaving maintenance", actionNoop},
	{keeper.WaitMaintenance, keeper.Secondary, "maintenance concluded, resuming replication", actionExitMaintenance},

	// --- Failover, multiple standbys (spec.md §4.5 "Failover") ---
	{keeper.Secondary, keeper.ReportLSN, "asked to report replay position for an election", actionNoop},
	{keeper.CatchingUp, keeper.ReportLSN, "asked to report replay position for an election", actionNoop},
	{keeper.ReportLSN, keeper.PrepPromotion, "selected as the promotion candidate, already caught up", actionNoop},
	{keeper.ReportLSN, keeper.FastForward, "selected as the promotion candidate, must fetch missing WAL first", actionFastForward},
	{keeper.FastForward, keeper.PrepPromotion, "caught up to the most advanced peer", actionNoop},
	{keeper.PrepPromotion, keeper.StopReplication, "preparing to promote", actionStopReplication},
	{keeper.StopReplication, keeper.WaitPrimary, "promoting to primary", actionPromote},
	{keeper.ReportLSN, keeper.JoinSecondary, "not the promotion candidate, following the new primary", actionNoop},
	{keeper.JoinSecondary, keeper.Secondary, "now replicating from the new primary", actionInitStandbyCatchup},

	// --- Old primary rejoin (spec.md §8 scenario S3) ---
	{keeper.Primary, keeper.Draining, "unhealthy primary being replaced", actionBeginDraining},
	{keeper.WaitPrimary, keeper.Draining, "unhealthy primary being replaced before any standby joined", actionBeginDraining},
	{keeper.Draining, keeper.ReportLSN, "demoted promptly, rejoining the standby fleet", actionNoop},
	{keeper.Draining, keeper.DemoteTimeout, "demote did not complete in time", actionNoop},
	{keeper.DemoteTimeout, keeper.Demoted, "forcibly stopped after demote timeout", actionForceDemote},
	{keeper.Demoted, keeper.ReportLSN, "rejoining the standby fleet after a forced demote", actionInitStandbyCatchup},

	// --- Forced single, on removal of peers (spec.md §4.5 "Forced single") ---
	{keeper.Single, keeper.Single, "already single", actionNoop},
	{keeper.Primary, keeper.Single, "last standby removed", actionDisableReplication},
	{keeper.JoinPrimary, keeper.Single, "last standby removed while one was joining", actionDisableReplication},
	{keeper.ApplySettings, keeper.Single, "last standby removed while applying settings", actionDisableReplication},
	{keeper.WaitStandby, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.CatchingUp, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.Secondary, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.PrepPromotion, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.StopReplication, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.FastForward, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.ReportLSN, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.JoinSecondary, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.Draining, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.DemoteTimeout, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.Demoted, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.PrepareMaintenance, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.WaitMaintenance, keeper.Single, "promoted, no peers left", actionPromoteStandby},
	{keeper.Maintenance, keeper.Single, "promoted, no peers left", actionPromoteStandby},

	// --- Drop (spec.md §4.5 "Drop") ---
	{keeper.Any, keeper.Dropped, "node removed from the formation", actionDropNode},
}

// Lookup finds the first row matching (from, to), per the first-match
// discipline (spec.md §4.5 "Transition tie-breaks"). The Any wildcard only
// matches as the From role, never as To, and is only ever reached if no
// explicit row matched first (it is physically last in Table).
func Lookup(from, to keeper.NodeRole) (Transition, bool) {
	for _, t := range Table {
		if t.To != to {
			continue
		}
		if t.From == from || t.From == keeper.Any {
			return t, true
		}
	}
	return Transition{}, false
}

// String renders a transition for operator logs; spec.md §4.5 says any-rows
// are printed without the From label.
func (t Transition) String() string {
	if t.From == keeper.Any {
		return "-> " + t.To.String() + ": " + t.Comment
	}
	return t.From.String() + " -> " + t.To.String() + ": " + t.Comment
}

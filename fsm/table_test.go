package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/signal18/pg-ha-keeper/keeper"
)

// TestFirstMatchWins exercises spec.md §8 property 1: for every reachable
// (current_role, assigned_role) pair, the table yields exactly one matching
// row under first-match semantics.
func TestFirstMatchWins(t *testing.T) {
	pairs := []struct {
		from, to keeper.NodeRole
	}{
		{keeper.Init, keeper.Single},
		{keeper.Init, keeper.WaitStandby},
		{keeper.Init, keeper.ReportLSN},
		{keeper.Single, keeper.WaitPrimary},
		{keeper.WaitPrimary, keeper.Primary},
		{keeper.Primary, keeper.JoinPrimary},
		{keeper.JoinPrimary, keeper.Primary},
		{keeper.Primary, keeper.ApplySettings},
		{keeper.ApplySettings, keeper.Primary},
		{keeper.WaitStandby, keeper.CatchingUp},
		{keeper.CatchingUp, keeper.Secondary},
		{keeper.Secondary, keeper.CatchingUp},
		{keeper.Secondary, keeper.ReportLSN},
		{keeper.ReportLSN, keeper.PrepPromotion},
		{keeper.ReportLSN, keeper.FastForward},
		{keeper.FastForward, keeper.PrepPromotion},
		{keeper.PrepPromotion, keeper.StopReplication},
		{keeper.StopReplication, keeper.WaitPrimary},
		{keeper.ReportLSN, keeper.JoinSecondary},
		{keeper.JoinSecondary, keeper.Secondary},
		{keeper.Primary, keeper.Draining},
		{keeper.Draining, keeper.ReportLSN},
		{keeper.Draining, keeper.DemoteTimeout},
		{keeper.DemoteTimeout, keeper.Demoted},
		{keeper.Demoted, keeper.ReportLSN},
		{keeper.Primary, keeper.Single},
		{keeper.Secondary, keeper.Single},
		{keeper.Secondary, keeper.PrepareMaintenance},
		{keeper.PrepareMaintenance, keeper.Maintenance},
		{keeper.Maintenance, keeper.WaitMaintenance},
		{keeper.WaitMaintenance, keeper.Secondary},
		{keeper.Primary, keeper.Dropped},
		{keeper.Secondary, keeper.Dropped},
		{keeper.Init, keeper.Dropped},
	}

	for _, p := range pairs {
		matches := 0
		for _, row := range Table {
			if row.To == p.to && (row.From == p.from || row.From == keeper.Any) {
				matches++
			}
		}
		assert.Equalf(t, 1, matches, "pair (%s -> %s) should have exactly one matching row", p.from, p.to)

		got, ok := Lookup(p.from, p.to)
		assert.True(t, ok, "Lookup should find (%s -> %s)", p.from, p.to)
		assert.Equal(t, p.to, got.To)
	}
}

func TestLookupUnknownPairFails(t *testing.T) {
	_, ok := Lookup(keeper.Maintenance, keeper.PrepPromotion)
	assert.False(t, ok)
}

func TestAnyRowIsPhysicallyLast(t *testing.T) {
	for i, row := range Table {
		if row.From == keeper.Any {
			assert.Equal(t, len(Table)-1, i, "wildcard rows must be physically last per spec.md §4.5 tie-break discipline")
		}
	}
}

func TestAnyRowStringOmitsFromLabel(t *testing.T) {
	row, ok := Lookup(keeper.Secondary, keeper.Dropped)
	assert.True(t, ok)
	s := row.String()
	assert.Contains(t, s, "-> dropped")
	assert.NotContains(t, s, "secondary ->")
}

package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/pg-ha-keeper/keeper"
)

// TestNotificationRoundTripPositional exercises spec.md §8 property 4 for
// the canonical positional encoding.
func TestNotificationRoundTripPositional(t *testing.T) {
	want := keeper.StateNotification{
		Type:          "S",
		FormationID:   "default",
		GroupID:       0,
		NodeID:        3,
		NodeName:      "node-3",
		Host:          "10.0.0.3",
		Port:          5432,
		ReportedState: keeper.Secondary,
		GoalState:     keeper.Secondary,
	}

	encoded := EncodeNotification(want)
	got, err := DecodeNotification(encoded)
	require.NoError(t, err)

	assert.Equal(t, want.ReportedState, got.ReportedState)
	assert.Equal(t, want.GoalState, got.GoalState)
	assert.Equal(t, want.NodeID, got.NodeID)
	assert.Equal(t, want.Port, got.Port)
	assert.Equal(t, want.FormationID, got.FormationID)
	assert.Equal(t, want.NodeName, got.NodeName)
	assert.Equal(t, want.Host, got.Host)
}

func TestNotificationRoundTripJSON(t *testing.T) {
	payload := `{"type":"S","formation":"default","group_id":0,"node_id":5,"name":"node-5","host":"10.0.0.5","port":5433,"reported_state":"catchingup","goal_state":"secondary","health":"good"}`
	got, err := DecodeNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.NodeID)
	assert.Equal(t, 5433, got.Port)
	assert.Equal(t, keeper.CatchingUp, got.ReportedState)
	assert.Equal(t, keeper.Secondary, got.GoalState)
	require.NotNil(t, got.Health)
	assert.Equal(t, keeper.HealthGood, *got.Health)
}

func TestNotificationFieldWithColonSurvivesPositionalEncoding(t *testing.T) {
	want := keeper.StateNotification{
		FormationID:   "weird:formation:name",
		NodeName:      "node:with:colons",
		Host:          "host:with:colon",
		GroupID:       1,
		NodeID:        9,
		Port:          5555,
		ReportedState: keeper.Primary,
		GoalState:     keeper.Primary,
	}
	encoded := EncodeNotification(want)
	got, err := DecodeNotification(encoded)
	require.NoError(t, err)
	assert.Equal(t, want.FormationID, got.FormationID)
	assert.Equal(t, want.NodeName, got.NodeName)
	assert.Equal(t, want.Host, got.Host)
}

func TestDecodeNotificationRejectsMalformed(t *testing.T) {
	_, err := DecodeNotification("not-a-valid-payload")
	assert.Error(t, err)
}

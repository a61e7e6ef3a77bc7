package keeper

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStateRoundTrip exercises spec.md §8 property 3: writing a state record
// and reading it back yields an equal record.
func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	want := KeeperState{
		PGVersion:          150002,
		ControlVersion:     1300,
		CatalogVersion:     202209061,
		SystemIdentifier:   7123456789012345678,
		CurrentNodeID:      2,
		CurrentGroupID:     0,
		AssignedRole:       Secondary,
		CurrentRole:        CatchingUp,
		LastMonitorContact: 1700000000,
		LastPeerContact:    1700000001,
		XlogLag:            -1,
		Paused:             false,
	}

	require.NoError(t, store.WriteState(want))
	got, err := store.ReadState()
	require.NoError(t, err)
	assert.Equal(t, want.CurrentNodeID, got.CurrentNodeID)
	assert.Equal(t, want.AssignedRole, got.AssignedRole)
	assert.Equal(t, want.CurrentRole, got.CurrentRole)
	assert.Equal(t, want.XlogLag, got.XlogLag)
	assert.Equal(t, StateFormatVersion, int(got.FormatVersion))

	info, err := os.Stat(dir + "/state")
	require.NoError(t, err)
	assert.EqualValues(t, recordSize, info.Size())
}

func TestStateMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.ReadState()
	assert.ErrorIs(t, err, ErrStateMissing)
}

func TestStateCorruptSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/state", []byte("not a valid record"), 0600))
	store := NewStore(dir)
	_, err := store.ReadState()
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestStateVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.WriteState(KeeperState{CurrentRole: Single}))

	// Corrupt just the version field (first 4 bytes, little-endian int32).
	b, err := os.ReadFile(dir + "/state")
	require.NoError(t, err)
	b[0] = 0xFF
	b[1] = 0xFF
	require.NoError(t, os.WriteFile(dir+"/state", b, 0600))

	_, err = store.ReadState()
	assert.ErrorIs(t, err, ErrStateVersionMismatch)
}

func TestInitAndExpectedStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.WriteInit(InitState{Stage: InitPrimary}))
	gotInit, err := store.ReadInit()
	require.NoError(t, err)
	assert.Equal(t, InitPrimary, gotInit.Stage)

	require.NoError(t, store.WriteExpectedStatus(ExpectedPostgresStatus{Status: ExpectedRunning}))
	gotStatus, err := store.ReadExpectedStatus()
	require.NoError(t, err)
	assert.Equal(t, ExpectedRunning, gotStatus.Status)
}

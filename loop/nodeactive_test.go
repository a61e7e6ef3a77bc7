package loop

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/keeper"
	"github.com/signal18/pg-ha-keeper/monitor"
	"github.com/signal18/pg-ha-keeper/pgctl"
)

type fakeDriver struct {
	running bool
	started int
	stopped int
}

func (f *fakeDriver) Start(ctx context.Context) error                  { f.started++; f.running = true; return nil }
func (f *fakeDriver) Stop(ctx context.Context, m pgctl.StopMode) error  { f.stopped++; f.running = false; return nil }
func (f *fakeDriver) Reload(ctx context.Context) error                 { return nil }
func (f *fakeDriver) Restart(ctx context.Context) error                { return nil }
func (f *fakeDriver) Observe(ctx context.Context) pgctl.Observation {
	return pgctl.Observation{Running: f.running}
}
func (f *fakeDriver) InitPrimary(ctx context.Context) error { f.running = true; return nil }
func (f *fakeDriver) InitStandby(ctx context.Context, from keeper.NodeAddress, mode pgctl.InitStandbyMode) error {
	f.running = true
	return nil
}
func (f *fakeDriver) Promote(ctx context.Context) error                          { return nil }
func (f *fakeDriver) Demote(ctx context.Context) error                           { f.running = false; return nil }
func (f *fakeDriver) Rewind(ctx context.Context, from keeper.NodeAddress) error  { return nil }
func (f *fakeDriver) StopReplicationSlot(ctx context.Context, slot string) error { return nil }
func (f *fakeDriver) EnableSyncRep(ctx context.Context, names []string) error    { return nil }
func (f *fakeDriver) DisableSyncRep(ctx context.Context) error                   { return nil }
func (f *fakeDriver) EditHBA(ctx context.Context, level pgctl.HBALevel) error    { return nil }
func (f *fakeDriver) CreateSelfSignedCert(ctx context.Context, hostname string) error {
	return nil
}

type fakeMonitor struct {
	assigned keeper.AssignedState
	err      error
}

func (f *fakeMonitor) RegisterNode(ctx context.Context, p monitor.RegisterParams, commitLocal func(keeper.AssignedState) error) (keeper.AssignedState, error) {
	return f.assigned, commitLocal(f.assigned)
}
func (f *fakeMonitor) NodeActive(ctx context.Context, p monitor.NodeActiveParams) (keeper.AssignedState, error) {
	if f.err != nil {
		return keeper.AssignedState{}, kerrors.New(kerrors.Protocol, "node_active", "", "", f.err)
	}
	return f.assigned, nil
}
func (f *fakeMonitor) GetPrimary(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error) {
	return []keeper.NodeAddress{{NodeID: 1, Host: "primary.local", Port: 5432}}, nil
}
func (f *fakeMonitor) GetOtherNodes(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error) {
	return nil, nil
}
func (f *fakeMonitor) GetMostAdvancedStandby(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error) {
	return nil, nil
}
func (f *fakeMonitor) StartMaintenance(ctx context.Context, nodeID int64) error { return nil }
func (f *fakeMonitor) StopMaintenance(ctx context.Context, nodeID int64) error  { return nil }
func (f *fakeMonitor) PerformFailover(ctx context.Context, formation string, group int) error {
	return nil
}
func (f *fakeMonitor) PerformPromotion(ctx context.Context, formation string, group int, nodeID int64) error {
	return nil
}
func (f *fakeMonitor) SetNodeCandidatePriority(ctx context.Context, nodeID int64, priority int) error {
	return nil
}
func (f *fakeMonitor) SetNodeReplicationQuorum(ctx context.Context, nodeID int64, quorum bool) error {
	return nil
}
func (f *fakeMonitor) GetFormationNumberSyncStandbys(ctx context.Context, formation string) (int, error) {
	return 0, nil
}
func (f *fakeMonitor) SetFormationNumberSyncStandbys(ctx context.Context, formation string, n int) error {
	return nil
}
func (f *fakeMonitor) EnsureExtensionVersion(ctx context.Context, expected string) error { return nil }
func (f *fakeMonitor) Close() error                                                     { return nil }

func TestRunOnceFirstRegistrationReachesSingle(t *testing.T) {
	dir := t.TempDir()
	store := keeper.NewStore(dir)
	require.NoError(t, store.WriteState(keeper.KeeperState{CurrentRole: keeper.Init}))

	drv := &fakeDriver{}
	mon := &fakeMonitor{assigned: keeper.AssignedState{NodeID: 1, GroupID: 0, AssignedRole: keeper.Single}}

	l := &Loop{
		Store:     store,
		DB:        drv,
		Monitor:   mon,
		Log:       logrus.NewEntry(logrus.New()),
		Formation: "default",
		NodeID:    1,
		GroupID:   0,
	}

	l.RunOnce(context.Background())

	got, err := store.ReadState()
	require.NoError(t, err)
	assert.Equal(t, keeper.Single, got.CurrentRole)
	assert.Equal(t, keeper.Single, got.AssignedRole)
	assert.Equal(t, 1, drv.started)
}

func TestRunOnceUnknownPairLeavesCurrentRoleUnchanged(t *testing.T) {
	dir := t.TempDir()
	store := keeper.NewStore(dir)
	require.NoError(t, store.WriteState(keeper.KeeperState{CurrentRole: keeper.Maintenance}))

	drv := &fakeDriver{}
	mon := &fakeMonitor{assigned: keeper.AssignedState{NodeID: 1, GroupID: 0, AssignedRole: keeper.PrepPromotion}}

	fatalCalled := false
	l := &Loop{
		Store:   store,
		DB:      drv,
		Monitor: mon,
		Log:     logrus.NewEntry(logrus.New()),
		NodeID:  1,
		Fatal:   func(code int, err error) { fatalCalled = true },
	}

	l.RunOnce(context.Background())

	got, err := store.ReadState()
	require.NoError(t, err)
	assert.Equal(t, keeper.Maintenance, got.CurrentRole, "current_role must not advance on an undefined transition")
	assert.False(t, fatalCalled, "an unmatched FSM pair is fatal-for-the-cycle only, per spec.md §3; the process must not exit")
}

func TestRunOnceFatalOnMonitorProtocolError(t *testing.T) {
	dir := t.TempDir()
	store := keeper.NewStore(dir)
	require.NoError(t, store.WriteState(keeper.KeeperState{CurrentRole: keeper.Single}))

	drv := &fakeDriver{running: true}
	mon := &fakeMonitor{err: assertProtocolError()}

	var gotCode int
	l := &Loop{
		Store:   store,
		DB:      drv,
		Monitor: mon,
		Log:     logrus.NewEntry(logrus.New()),
		Fatal:   func(code int, err error) { gotCode = code },
	}
	l.RunOnce(context.Background())
	assert.NotZero(t, gotCode)
}

func TestRunCutShortBySignal(t *testing.T) {
	dir := t.TempDir()
	store := keeper.NewStore(dir)
	require.NoError(t, store.WriteState(keeper.KeeperState{CurrentRole: keeper.Single}))

	wakeupCh := make(chan struct{}, 1)
	wakeupCh <- struct{}{}

	l := &Loop{
		Store:    store,
		DB:       &fakeDriver{running: true},
		Monitor:  &fakeMonitor{assigned: keeper.AssignedState{AssignedRole: keeper.Single}},
		Log:      logrus.NewEntry(logrus.New()),
		Notifier: stubWakeable{ch: wakeupCh},
		Interval: time.Hour,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

type stubWakeable struct{ ch chan struct{} }

func (s stubWakeable) Wakeup() <-chan struct{} { return s.ch }

func assertProtocolError() error {
	return &protoErr{}
}

type protoErr struct{}

func (p *protoErr) Error() string { return "protocol: unexpected shape" }

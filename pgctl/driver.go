// Package pgctl is the Local Database Driver (C2, spec.md §4.2): a thin
// abstraction over the managed Postgres installation. Grounded on the
// teacher's DatabaseProxy/ServerMonitor split in cluster/prx.go — a typed
// interface describing everything a caller needs from "the managed backend"
// (IsRunning, GetState, Refresh, Failover, SetMaintenance...), backed by a
// concrete struct that drives real processes and SQL. Here the managed
// backend is the local Postgres instance rather than a proxy.
package pgctl

import (
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/keeper"
)

// StopMode distinguishes the three Postgres shutdown styles (spec.md §4.2).
type StopMode int

const (
	StopGraceful StopMode = iota
	StopFast
	StopImmediate
)

func (m StopMode) pgCtlFlag() string {
	switch m {
	case StopFast:
		return "fast"
	case StopImmediate:
		return "immediate"
	default:
		return "smart"
	}
}

// InitStandbyMode picks between rewind and full base backup (spec.md §4.2).
type InitStandbyMode int

const (
	ModeRewind InitStandbyMode = iota
	ModeBasebackup
	ModeFallback // try rewind, fall back to basebackup
)

// Observation is the result of Observe() (spec.md §4.2). Observe must never
// fail the overall loop: on error it returns a zero Observation with
// Running=false and the error logged, never propagated.
type Observation struct {
	Running             bool
	CurrentReplayPosition string
	TimelineID           int
	SyncState            string // "sync" / "async" / "potential" / ""
	IsInRecovery         bool
	LastError            error
}

// Driver is the public contract of the Local Database Driver (spec.md §4.2).
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, mode StopMode) error
	Reload(ctx context.Context) error
	Restart(ctx context.Context) error

	Observe(ctx context.Context) Observation

	InitPrimary(ctx context.Context) error
	InitStandby(ctx context.Context, from keeper.NodeAddress, mode InitStandbyMode) error
	Promote(ctx context.Context) error
	Demote(ctx context.Context) error
	Rewind(ctx context.Context, from keeper.NodeAddress) error
	StopReplicationSlot(ctx context.Context, slotName string) error
	EnableSyncRep(ctx context.Context, standbyNames []string) error
	DisableSyncRep(ctx context.Context) error

	EditHBA(ctx context.Context, level HBALevel) error
	CreateSelfSignedCert(ctx context.Context, hostname string) error
}

// Config carries everything the driver needs to locate and connect to the
// managed instance. Connection-string composition itself is an external
// collaborator (spec.md §1); Config holds only the already-composed DSN.
type Config struct {
	PGData                string
	BinDir                string // directory containing pg_ctl/pg_basebackup/pg_rewind; "" uses PATH
	DSN                   string // already-composed connection string, owned by an external collaborator
	BaseBackupMaxRateKBps int64

	// ForceOverwrite is the operator override spec.md §4.2 requires before a
	// partially populated PGData may be rewound or base-backed-up over. Unset
	// by default: InitStandby refuses to touch an existing, non-empty
	// directory unless the operator has explicitly opted in.
	ForceOverwrite bool
}

// LocalDriver is the concrete, process/SQL-backed implementation.
type LocalDriver struct {
	cfg Config
	log *logrus.Entry

	mu  sync.Mutex
	db  *sqlx.DB
}

func New(cfg Config, log *logrus.Entry) *LocalDriver {
	return &LocalDriver{cfg: cfg, log: log}
}

func (d *LocalDriver) bin(name string) string {
	if d.cfg.BinDir == "" {
		return name
	}
	return d.cfg.BinDir + "/" + name
}

func (d *LocalDriver) run(ctx context.Context, op string, args ...string) error {
	name := args[0]
	cmd := exec.CommandContext(ctx, d.bin(name), args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return kerrors.New(kerrors.LocalDB, op, "", "", errors.Wrapf(err, "command output: %s", strings.TrimSpace(string(out))))
	}
	return nil
}

func (d *LocalDriver) Start(ctx context.Context) error {
	return d.run(ctx, "start", "pg_ctl", "start", "-D", d.cfg.PGData, "-w")
}

func (d *LocalDriver) Stop(ctx context.Context, mode StopMode) error {
	return d.run(ctx, "stop", "pg_ctl", "stop", "-D", d.cfg.PGData, "-w", "-m", mode.pgCtlFlag())
}

func (d *LocalDriver) Reload(ctx context.Context) error {
	return d.run(ctx, "reload", "pg_ctl", "reload", "-D", d.cfg.PGData)
}

func (d *LocalDriver) Restart(ctx context.Context) error {
	return d.run(ctx, "restart", "pg_ctl", "restart", "-D", d.cfg.PGData, "-w")
}

// conn lazily opens (and caches) the driver's SQL connection. A failure here
// is always surfaced to Observe as running=false rather than panicking the
// caller, per spec.md §4.2.
func (d *LocalDriver) conn() (*sqlx.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return d.db, nil
	}
	db, err := sqlx.Open("postgres", d.cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	d.db = db
	return db, nil
}

// Observe never fails the overall loop (spec.md §4.2): any error collapses
// to a zero Observation with LastError set and logged.
func (d *LocalDriver) Observe(ctx context.Context) Observation {
	db, err := d.conn()
	if err != nil {
		d.logObserveError(err)
		return Observation{LastError: err}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var inRecovery bool
	if err := db.GetContext(ctx, &inRecovery, "SELECT pg_is_in_recovery()"); err != nil {
		d.logObserveError(err)
		return Observation{LastError: err}
	}

	var lsn sql.NullString
	lsnQuery := "SELECT pg_current_wal_lsn()::text"
	if inRecovery {
		lsnQuery = "SELECT pg_last_wal_replay_lsn()::text"
	}
	if err := db.GetContext(ctx, &lsn, lsnQuery); err != nil {
		d.logObserveError(err)
		return Observation{LastError: err}
	}

	var timeline int
	_ = db.GetContext(ctx, &timeline, "SELECT timeline_id FROM pg_control_checkpoint()")

	syncState := ""
	if !inRecovery {
		_ = db.GetContext(ctx, &syncState, `
			SELECT COALESCE(sync_state, '') FROM pg_stat_replication
			ORDER BY CASE sync_state WHEN 'sync' THEN 0 WHEN 'potential' THEN 1 ELSE 2 END
			LIMIT 1`)
	}

	return Observation{
		Running:                true,
		CurrentReplayPosition: lsn.String,
		TimelineID:            timeline,
		SyncState:             syncState,
		IsInRecovery:          inRecovery,
	}
}

func (d *LocalDriver) logObserveError(err error) {
	if d.log != nil {
		d.log.WithError(err).Warn("Observe failed, reporting running=false")
	}
}

// InitPrimary idempotently prepares a fresh data directory as a standalone
// primary (spec.md §4.2): initdb is only run if PGData is empty.
func (d *LocalDriver) InitPrimary(ctx context.Context) error {
	if dirHasContent(d.cfg.PGData) {
		return nil
	}
	return d.run(ctx, "init_primary", "initdb", "-D", d.cfg.PGData)
}

// InitStandby first attempts a rewind from the candidate upstream; if the
// local history does not match it falls back to a full base backup, unless
// the caller pinned ModeRewind/ModeBasebackup explicitly (spec.md §4.2).
// Both paths are idempotent: a partially populated directory is only
// accepted when the caller has set an operator override via ForceOverwrite.
func (d *LocalDriver) InitStandby(ctx context.Context, from keeper.NodeAddress, mode InitStandbyMode) error {
	if dirHasContent(d.cfg.PGData) && !d.cfg.ForceOverwrite {
		return kerrors.New(kerrors.LocalDB, "init_standby", "", "",
			errors.New("PGData is not empty; set ForceOverwrite to rewind or base-backup over it"))
	}

	if mode == ModeRewind || mode == ModeFallback {
		err := d.Rewind(ctx, from)
		if err == nil {
			return nil
		}
		if mode == ModeRewind {
			return err
		}
		if d.log != nil {
			d.log.WithError(err).Info("rewind failed, falling back to base backup")
		}
	}
	return d.baseBackup(ctx, from)
}

func (d *LocalDriver) baseBackup(ctx context.Context, from keeper.NodeAddress) error {
	args := []string{"pg_basebackup", "-D", d.cfg.PGData, "-h", from.Host, "-p", fmt.Sprint(from.Port), "-R"}
	if d.cfg.BaseBackupMaxRateKBps > 0 {
		args = append(args, "--max-rate", fmt.Sprintf("%dk", d.cfg.BaseBackupMaxRateKBps))
	}
	return d.run(ctx, "basebackup", args...)
}

func (d *LocalDriver) Rewind(ctx context.Context, from keeper.NodeAddress) error {
	sourceDSN := fmt.Sprintf("host=%s port=%d", from.Host, from.Port)
	return d.run(ctx, "rewind", "pg_rewind", "-D", d.cfg.PGData, "--source-server", sourceDSN)
}

// Promote detaches from replication, confirms write-availability, and
// publishes a new timeline by calling pg_promote() (spec.md §4.2).
func (d *LocalDriver) Promote(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "promote", "", "", err)
	}
	if _, err := db.ExecContext(ctx, "SELECT pg_promote(wait := true, wait_seconds := 60)"); err != nil {
		return kerrors.New(kerrors.LocalDB, "promote", "", "", err)
	}
	var inRecovery bool
	if err := db.GetContext(ctx, &inRecovery, "SELECT pg_is_in_recovery()"); err != nil {
		return kerrors.New(kerrors.LocalDB, "promote", "", "", err)
	}
	if inRecovery {
		return kerrors.New(kerrors.LocalDB, "promote", "", "", errors.New("still in recovery after pg_promote"))
	}
	return nil
}

// Demote stops the instance and leaves it ready to be reinitialized as a
// standby; the FSM's demoted-family transitions call InitStandby afterward.
func (d *LocalDriver) Demote(ctx context.Context) error {
	return d.Stop(ctx, StopFast)
}

func (d *LocalDriver) StopReplicationSlot(ctx context.Context, slotName string) error {
	db, err := d.conn()
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "stop_replication_slot", "", "", err)
	}
	_, err = db.ExecContext(ctx, "SELECT pg_drop_replication_slot($1)", slotName)
	if err != nil && !strings.Contains(err.Error(), "does not exist") {
		return kerrors.New(kerrors.LocalDB, "stop_replication_slot", "", "", err)
	}
	return nil
}

// EnableSyncRep recomputes synchronous_standby_names from the monitor-
// supplied list of standby names on every call (spec.md §4.2).
func (d *LocalDriver) EnableSyncRep(ctx context.Context, standbyNames []string) error {
	db, err := d.conn()
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "enable_sync_rep", "", "", err)
	}
	quoted := make([]string, len(standbyNames))
	for i, n := range standbyNames {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	value := "ANY 1 (" + strings.Join(quoted, ",") + ")"
	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER SYSTEM SET synchronous_standby_names = '%s'", value)); err != nil {
		return kerrors.New(kerrors.LocalDB, "enable_sync_rep", "", "", err)
	}
	return d.Reload(ctx)
}

func (d *LocalDriver) DisableSyncRep(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return kerrors.New(kerrors.LocalDB, "disable_sync_rep", "", "", err)
	}
	if _, err := db.ExecContext(ctx, "ALTER SYSTEM SET synchronous_standby_names = ''"); err != nil {
		return kerrors.New(kerrors.LocalDB, "disable_sync_rep", "", "", err)
	}
	return d.Reload(ctx)
}

func dirHasContent(dir string) bool {
	entries, err := readDir(dir)
	return err == nil && len(entries) > 0
}

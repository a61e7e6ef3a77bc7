// Package monitor is the Monitor Client (C3, spec.md §4.3): typed RPC-style
// calls against the monitor's SQL functions, plus (in listener.go) the
// long-lived LISTEN/NOTIFY subscription (C7). Grounded on the teacher's
// cluster package, which talks to MariaDB/MySQL through
// github.com/jmoiron/sqlx (cluster/prx.go imports it for every backend
// call); here the backend is the monitor's Postgres database and the calls
// are SELECT ... FROM <function>(...) instead of proxy admin queries.
package monitor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/keeper"
	"github.com/signal18/pg-ha-keeper/retry"
)

// RegisterParams are the inputs to register_node (spec.md §4.3).
type RegisterParams struct {
	Formation         string
	Host              string
	Port              int
	SystemIdentifier  uint64
	DesiredGroupID    int
	DesiredNodeID     int64
	InitialRole       keeper.NodeRole
	Kind              string
	CandidatePriority int
	ReplicationQuorum bool
}

// NodeActiveParams are the inputs to node_active (spec.md §4.3).
type NodeActiveParams struct {
	Formation   string
	NodeID      int64
	GroupID     int
	CurrentRole keeper.NodeRole
	PGRunning   bool
	Timeline    int
	CurrentLSN  string
	SyncState   string
}

// Client is the public contract of the Monitor Client (spec.md §4.3, table).
type Client interface {
	RegisterNode(ctx context.Context, p RegisterParams, commitLocal func(keeper.AssignedState) error) (keeper.AssignedState, error)
	NodeActive(ctx context.Context, p NodeActiveParams) (keeper.AssignedState, error)

	GetPrimary(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error)
	GetOtherNodes(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error)
	GetMostAdvancedStandby(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error)

	StartMaintenance(ctx context.Context, nodeID int64) error
	StopMaintenance(ctx context.Context, nodeID int64) error
	PerformFailover(ctx context.Context, formation string, group int) error
	PerformPromotion(ctx context.Context, formation string, group int, nodeID int64) error

	SetNodeCandidatePriority(ctx context.Context, nodeID int64, priority int) error
	SetNodeReplicationQuorum(ctx context.Context, nodeID int64, quorum bool) error
	GetFormationNumberSyncStandbys(ctx context.Context, formation string) (int, error)
	SetFormationNumberSyncStandbys(ctx context.Context, formation string, n int) error

	EnsureExtensionVersion(ctx context.Context, expected string) error

	Close() error
}

type client struct {
	db       *sqlx.DB
	log      *logrus.Entry
	policy   retry.Policy
}

// New dials the monitor using an already-composed DSN (connection-string
// composition is an external collaborator, spec.md §1) and wraps
// register_node, node_active, the address queries and the maintenance,
// failover and promotion calls with the given retry policy (spec.md §4.3,
// §4.4). The settings setters and getters and EnsureExtensionVersion make a
// single attempt each, without retry.
func New(dsn string, policy retry.Policy, log *logrus.Entry) (Client, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, kerrors.New(kerrors.Protocol, "connect", "", "", err)
	}
	return &client{db: db, log: log, policy: policy}, nil
}

func (c *client) Close() error { return c.db.Close() }

// isRetryable inspects the error code when available (spec.md §4.4):
// connection failures and Postgres class-40/53 errors (deadlocks, admin
// shutdown, insufficient resources) are retried; everything else is Fatal
// for the call.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "40", "53", "08": // transaction rollback, insufficient resources, connection exception
			return true
		}
		return false
	}
	// No structured code: treat as a transient network condition (monitor
	// restart window, connection refused).
	return true
}

func (c *client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	reqID := correlationID()
	log := c.log
	if log != nil {
		log = log.WithField("request_id", reqID)
	}
	err := c.policy.Do(ctx, log, isRetryable, fn)
	if err != nil {
		class := kerrors.Protocol
		if isRetryable(err) {
			class = kerrors.Transient
		}
		return kerrors.New(class, op, "", "", err)
	}
	return nil
}

// RegisterNode implements the transactional registration guarantee of
// spec.md §4.3: the monitor-side transaction is held open until commitLocal
// (the caller's local state-file write) succeeds; on any local failure the
// client rolls back, and a crash mid-handshake is resolved by the monitor's
// own rollback-on-disconnect.
func (c *client) RegisterNode(ctx context.Context, p RegisterParams, commitLocal func(keeper.AssignedState) error) (keeper.AssignedState, error) {
	var result keeper.AssignedState
	err := c.do(ctx, "register_node", func(ctx context.Context) error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}

		var row struct {
			NodeID            int64  `db:"node_id"`
			GroupID           int    `db:"group_id"`
			AssignedRole      string `db:"assigned_role"`
			CandidatePriority int    `db:"candidate_priority"`
			ReplicationQuorum bool   `db:"replication_quorum"`
		}
		err = tx.GetContext(ctx, &row,
			`SELECT node_id, group_id, assigned_role, candidate_priority, replication_quorum
			 FROM register_node($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			p.Formation, p.Host, p.Port, int64(p.SystemIdentifier), p.DesiredGroupID,
			p.DesiredNodeID, p.InitialRole.String(), p.Kind, p.CandidatePriority, p.ReplicationQuorum)
		if err != nil {
			tx.Rollback()
			return err
		}

		role, err := keeper.ParseNodeRole(row.AssignedRole)
		if err != nil {
			tx.Rollback()
			return err
		}
		assigned := keeper.AssignedState{
			NodeID:            row.NodeID,
			GroupID:           row.GroupID,
			AssignedRole:      role,
			CandidatePriority: row.CandidatePriority,
			ReplicationQuorum: row.ReplicationQuorum,
		}

		if err := commitLocal(assigned); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = assigned
		return nil
	})
	return result, err
}

func (c *client) NodeActive(ctx context.Context, p NodeActiveParams) (keeper.AssignedState, error) {
	var result keeper.AssignedState
	err := c.do(ctx, "node_active", func(ctx context.Context) error {
		var row struct {
			NodeID            int64  `db:"node_id"`
			GroupID           int    `db:"group_id"`
			AssignedRole      string `db:"assigned_role"`
			CandidatePriority int    `db:"candidate_priority"`
			ReplicationQuorum bool   `db:"replication_quorum"`
		}
		err := c.db.GetContext(ctx, &row,
			`SELECT node_id, group_id, assigned_role, candidate_priority, replication_quorum
			 FROM node_active($1,$2,$3,$4,$5,$6,$7,$8)`,
			p.Formation, p.NodeID, p.GroupID, p.CurrentRole.String(), p.PGRunning,
			p.Timeline, p.CurrentLSN, p.SyncState)
		if err != nil {
			return err
		}
		role, err := keeper.ParseNodeRole(row.AssignedRole)
		if err != nil {
			return err
		}
		result = keeper.AssignedState{
			NodeID:            row.NodeID,
			GroupID:           row.GroupID,
			AssignedRole:      role,
			CandidatePriority: row.CandidatePriority,
			ReplicationQuorum: row.ReplicationQuorum,
		}
		return nil
	})
	return result, err
}

func (c *client) queryAddresses(ctx context.Context, op, query string, args ...any) ([]keeper.NodeAddress, error) {
	var result []keeper.NodeAddress
	err := c.do(ctx, op, func(ctx context.Context) error {
		var rows []struct {
			NodeID                  int64  `db:"node_id"`
			Name                    string `db:"node_name"`
			Host                    string `db:"node_host"`
			Port                    int    `db:"node_port"`
			LastKnownReplayPosition string `db:"last_known_replay_position"`
			IsPrimary               bool   `db:"is_primary"`
			Health                  int    `db:"health"`
			Timeline                int    `db:"timeline"`
		}
		if err := c.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return err
		}
		result = make([]keeper.NodeAddress, 0, len(rows))
		for _, r := range rows {
			result = append(result, keeper.NodeAddress{
				NodeID:                  r.NodeID,
				Name:                    r.Name,
				Host:                    r.Host,
				Port:                    r.Port,
				LastKnownReplayPosition: r.LastKnownReplayPosition,
				IsPrimary:               r.IsPrimary,
				Health:                  keeper.NodeHealth(r.Health),
				Timeline:                r.Timeline,
			})
		}
		return nil
	})
	return result, err
}

// GetPrimary, GetOtherNodes, GetMostAdvancedStandby may legitimately return
// an empty slice (spec.md §4.3 "MayBeEmpty"): that is not an error.
func (c *client) GetPrimary(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error) {
	return c.queryAddresses(ctx, "get_primary", "SELECT * FROM get_primary($1,$2)", formation, group)
}

func (c *client) GetOtherNodes(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error) {
	return c.queryAddresses(ctx, "get_other_nodes", "SELECT * FROM get_other_nodes($1,$2)", formation, group)
}

func (c *client) GetMostAdvancedStandby(ctx context.Context, formation string, group int) ([]keeper.NodeAddress, error) {
	return c.queryAddresses(ctx, "get_most_advanced_standby", "SELECT * FROM get_most_advanced_standby($1,$2)", formation, group)
}

func (c *client) StartMaintenance(ctx context.Context, nodeID int64) error {
	return c.do(ctx, "start_maintenance", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, "SELECT start_maintenance($1)", nodeID)
		return err
	})
}

func (c *client) StopMaintenance(ctx context.Context, nodeID int64) error {
	return c.do(ctx, "stop_maintenance", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, "SELECT stop_maintenance($1)", nodeID)
		return err
	})
}

func (c *client) PerformFailover(ctx context.Context, formation string, group int) error {
	return c.do(ctx, "perform_failover", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, "SELECT perform_failover($1,$2)", formation, group)
		return err
	})
}

func (c *client) PerformPromotion(ctx context.Context, formation string, group int, nodeID int64) error {
	return c.do(ctx, "perform_promotion", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, "SELECT perform_promotion($1,$2,$3)", formation, group, nodeID)
		return err
	})
}

// SetNodeCandidatePriority and similar setters are Fatal on validation
// (spec.md §4.3): no retry classification needed, a rejected value is a
// programmer/caller error, not a transient one.
func (c *client) SetNodeCandidatePriority(ctx context.Context, nodeID int64, priority int) error {
	_, err := c.db.ExecContext(ctx, "SELECT set_node_candidate_priority($1,$2)", nodeID, priority)
	if err != nil {
		return kerrors.New(kerrors.Protocol, "set_node_candidate_priority", "", "", err)
	}
	return nil
}

func (c *client) SetNodeReplicationQuorum(ctx context.Context, nodeID int64, quorum bool) error {
	_, err := c.db.ExecContext(ctx, "SELECT set_node_replication_quorum($1,$2)", nodeID, quorum)
	if err != nil {
		return kerrors.New(kerrors.Protocol, "set_node_replication_quorum", "", "", err)
	}
	return nil
}

func (c *client) GetFormationNumberSyncStandbys(ctx context.Context, formation string) (int, error) {
	var n int
	err := c.db.GetContext(ctx, &n, "SELECT get_formation_number_sync_standbys($1)", formation)
	if err != nil {
		return 0, kerrors.New(kerrors.Protocol, "get_formation_number_sync_standbys", "", "", err)
	}
	return n, nil
}

func (c *client) SetFormationNumberSyncStandbys(ctx context.Context, formation string, n int) error {
	_, err := c.db.ExecContext(ctx, "SELECT set_formation_number_sync_standbys($1,$2)", formation, n)
	if err != nil {
		return kerrors.New(kerrors.Protocol, "set_formation_number_sync_standbys", "", "", err)
	}
	return nil
}

// EnsureExtensionVersion attempts alter_extension_update_to as the database
// owner exactly once when the installed version mismatches; any mismatch
// after that retry is Fatal (spec.md §4.3).
func (c *client) EnsureExtensionVersion(ctx context.Context, expected string) error {
	var installed string
	if err := c.db.GetContext(ctx, &installed, "SELECT extversion FROM pg_extension WHERE extname = 'pgautofailover'"); err != nil {
		return kerrors.New(kerrors.Protocol, "extension_version", "", "", err)
	}
	if installed == expected {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER EXTENSION pgautofailover UPDATE TO %s", pq.QuoteLiteral(expected))); err != nil {
		return kerrors.New(kerrors.Protocol, "extension_version", "", "", errors.Wrap(err, "alter_extension_update_to failed"))
	}
	if err := c.db.GetContext(ctx, &installed, "SELECT extversion FROM pg_extension WHERE extname = 'pgautofailover'"); err != nil {
		return kerrors.New(kerrors.Protocol, "extension_version", "", "", err)
	}
	if installed != expected {
		return kerrors.New(kerrors.Protocol, "extension_version", "", "", fmt.Errorf("extension still at %s after update, expected %s", installed, expected))
	}
	return nil
}

// correlationID stamps every RPC with a request id for log correlation, the
// way the teacher stamps every proxy with a crc64-derived Id.
func correlationID() string { return uuid.NewString() }

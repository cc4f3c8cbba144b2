package southbound

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/datastore"
)

// OperCacheListener tracks which nodes have an operational record. A session whose record does
// not appear in time is disconnected, and a record of an owned session that disappears is
// written again.
type OperCacheListener struct {
	manager *ConnectionManager
	timeout time.Duration

	present *xsync.MapOf[string, struct{}]
	timers  *xsync.MapOf[*ConnectionInstance, *time.Timer]
}

func NewOperCacheListener(manager *ConnectionManager, timeout time.Duration) *OperCacheListener {
	return &OperCacheListener{
		manager: manager,
		timeout: timeout,
		present: xsync.NewMapOf[string, struct{}](),
		timers:  xsync.NewMapOf[*ConnectionInstance, *time.Timer](),
	}
}

func (l *OperCacheListener) Start(ctx context.Context) error {
	return l.manager.broker.RegisterChangeListener(ctx, common.OPER, l.onChange)
}

// HasRecord returns true if the operational record of the node exists.
func (l *OperCacheListener) HasRecord(nodeID string) bool {
	_, ok := l.present.Load(nodeID)
	return ok
}

func (l *OperCacheListener) onChange(change datastore.Change) {
	if !change.Key.IsNodeKey() {
		return
	}
	nodeID := change.Key.NodeID
	switch change.Type {
	case datastore.Created, datastore.Updated:
		if _, loaded := l.present.LoadOrStore(nodeID, struct{}{}); !loaded {
			klog.V(4).Infof("%s: operational record appeared", nodeID)
			if inst, ok := l.manager.GetByNodeID(nodeID); ok {
				l.forget(inst)
			}
		}
	case datastore.Deleted:
		l.present.Delete(nodeID)
		klog.V(4).Infof("%s: operational record removed", nodeID)
		if inst, ok := l.manager.GetByNodeID(nodeID); ok && inst.IsOwner() {
			klog.Warningf("%s: operational record of an owned session removed, writing it again", inst)
			inst.createOperRecord()
		}
	}
}

// watch starts the handshake timer of a new instance.
func (l *OperCacheListener) watch(inst *ConnectionInstance) {
	if l.timeout <= 0 || l.HasRecord(inst.nodeID) {
		return
	}
	timer := time.AfterFunc(l.timeout, func() {
		l.timers.Delete(inst)
		if l.HasRecord(inst.nodeID) {
			return
		}
		if cur, ok := l.manager.GetByAddress(inst.address); !ok || cur != inst {
			return
		}
		l.manager.forceDisconnect(inst, "no operational record after "+l.timeout.String())
	})
	if old, loaded := l.timers.LoadAndStore(inst, timer); loaded {
		old.Stop()
	}
}

func (l *OperCacheListener) forget(inst *ConnectionInstance) {
	if timer, ok := l.timers.LoadAndDelete(inst); ok {
		timer.Stop()
	}
}

package southbound

import (
	"context"
	"encoding/json"

	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/datastore"
	"github.com/ibm/ovsdb-southbound/pkg/model"
)

// ConfigListener routes changes of the desired configuration to the sessions.
type ConfigListener struct {
	manager *ConnectionManager
	ctx     context.Context
}

func NewConfigListener(manager *ConnectionManager) *ConfigListener {
	return &ConfigListener{manager: manager}
}

func (l *ConfigListener) Start(ctx context.Context) error {
	l.ctx = ctx
	return l.manager.broker.RegisterChangeListener(ctx, common.CONFIG, l.onChange)
}

func decodeConfig(data []byte, nodeID string) (*model.NodeConfig, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var cfg model.NodeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		klog.Errorf("%s: invalid configuration record: %v", nodeID, err)
		return nil, false
	}
	if cfg.NodeID == "" {
		cfg.NodeID = nodeID
	}
	return &cfg, true
}

func (l *ConfigListener) onChange(change datastore.Change) {
	if !change.Key.IsNodeKey() {
		return
	}
	nodeID := change.Key.NodeID
	klog.V(4).Infof("%s: configuration %s", nodeID, change.Type)
	switch change.Type {
	case datastore.Created, datastore.Updated:
		cfg, ok := decodeConfig(change.Value, nodeID)
		if !ok {
			return
		}
		if inst, connected := l.manager.GetByNodeID(nodeID); connected {
			if inst.IsOwner() {
				l.manager.reconciler.Enqueue(newBridgeConfigTask(l.manager, nodeID, cfg))
			}
			return
		}
		if _, active := cfg.RemoteAddress(); active {
			// dialing must not hold up the delivery of later changes
			go func() {
				if err := l.manager.Connect(l.ctx, nodeID, cfg); err != nil {
					klog.V(3).Infof("%s: connect: %v", nodeID, err)
				}
			}()
		}
	case datastore.Deleted:
		prev, _ := decodeConfig(change.PrevValue, nodeID)
		if _, active := prev.RemoteAddress(); active {
			if err := l.manager.Disconnect(l.ctx, nodeID, prev); err != nil {
				klog.Errorf("%s: disconnect: %v", nodeID, err)
			}
			return
		}
		l.manager.reconciler.DequeueTarget(nodeID)
		if inst, connected := l.manager.GetByNodeID(nodeID); connected && inst.IsOwner() {
			// removes the bridges created for the deleted configuration
			l.manager.reconciler.Enqueue(newBridgeConfigTask(l.manager, nodeID, &model.NodeConfig{NodeID: nodeID}))
		}
	}
}

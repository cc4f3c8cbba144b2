package southbound

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ebay/libovsdb"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/datastore"
	"github.com/ibm/ovsdb-southbound/pkg/metrics"
	"github.com/ibm/ovsdb-southbound/pkg/model"
	"github.com/ibm/ovsdb-southbound/pkg/ownership"
	"github.com/ibm/ovsdb-southbound/pkg/reconciliation"
	"github.com/ibm/ovsdb-southbound/pkg/wire"
)

type Config struct {
	DBListTimeout     time.Duration
	ReadTimeout       time.Duration
	DialTimeout       time.Duration
	OperTimeout       time.Duration
	OperDeleteTimeout time.Duration
	InvokerQueueSize  int
}

func DefaultConfig() Config {
	return Config{
		DBListTimeout:     10 * time.Second,
		ReadTimeout:       10 * time.Second,
		DialTimeout:       30 * time.Second,
		OperTimeout:       60 * time.Second,
		OperDeleteTimeout: 10 * time.Second,
		InvokerQueueSize:  DefaultInvokerQueueSize,
	}
}

// Dialer opens a controller initiated session, wire.Dial in production.
type Dialer func(ctx context.Context, addr model.SwitchAddress, timeout time.Duration, listener wire.ConnectionListener) (wire.Client, error)

// ConnectionManager is the registry of the management sessions of this process. It keeps at
// most one ConnectionInstance per switch address.
type ConnectionManager struct {
	config     Config
	broker     datastore.Broker
	reconciler *reconciliation.Manager
	dial       Dialer

	coordinator *OwnershipCoordinator
	operCache   *OperCacheListener
	configs     *ConfigListener
	// cleanup writes records of switches without a live instance
	cleanup *TransactionInvoker

	// clients already reported as connected
	clients   *xsync.MapOf[wire.Client, struct{}]
	instances *xsync.MapOf[model.SwitchAddress, *ConnectionInstance]
	nodeIDs   *xsync.MapOf[string, model.SwitchAddress]
	// node ids of the controller initiated sessions being dialed
	requested *xsync.MapOf[model.SwitchAddress, string]
	actors    *addressActors

	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ wire.ConnectionListener = &ConnectionManager{}

func NewConnectionManager(config Config, broker datastore.Broker, service ownership.Service, reconciler *reconciliation.Manager, dial Dialer) *ConnectionManager {
	if dial == nil {
		dial = wire.Dial
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		config:     config,
		broker:     broker,
		reconciler: reconciler,
		dial:       dial,
		cleanup:    NewTransactionInvoker("cleanup", broker, config.InvokerQueueSize),
		clients:    xsync.NewMapOf[wire.Client, struct{}](),
		instances:  xsync.NewMapOf[model.SwitchAddress, *ConnectionInstance](),
		nodeIDs:    xsync.NewMapOf[string, model.SwitchAddress](),
		requested:  xsync.NewMapOf[model.SwitchAddress, string](),
		actors:     newAddressActors(),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.coordinator = NewOwnershipCoordinator(service, m)
	m.operCache = NewOperCacheListener(m, config.OperTimeout)
	m.configs = NewConfigListener(m)
	return m
}

func (m *ConnectionManager) Coordinator() *OwnershipCoordinator {
	return m.coordinator
}

// Start registers the ownership and datastore listeners.
func (m *ConnectionManager) Start() error {
	if err := m.coordinator.Start(); err != nil {
		return err
	}
	if err := m.operCache.Start(m.ctx); err != nil {
		return err
	}
	return m.configs.Start(m.ctx)
}

// Close disconnects all sessions and stops the listeners.
func (m *ConnectionManager) Close() {
	m.closing.Store(true)
	m.instances.Range(func(_ model.SwitchAddress, inst *ConnectionInstance) bool {
		inst.client.Disconnect()
		m.Disconnected(inst.client)
		return true
	})
	m.cancel()
	m.coordinator.Close()
	m.cleanup.Close()
}

// Connected handles a new session reported by the wire layer.
func (m *ConnectionManager) Connected(client wire.Client) {
	if _, loaded := m.clients.LoadOrStore(client, struct{}{}); loaded {
		klog.Warningf("session %s already connected", client.ConnectionInfo().Address(client.IsActive()))
		return
	}
	addr := client.ConnectionInfo().Address(client.IsActive())
	ctx, cancel := context.WithTimeout(m.ctx, m.config.DBListTimeout)
	dbs, err := client.ListDbs(ctx)
	cancel()
	if err != nil {
		klog.Errorf("session %s: list databases: %v, disconnecting", addr, err)
		m.clients.Delete(client)
		client.Disconnect()
		return
	}
	if !lo.Contains(dbs, model.DatabaseName) {
		klog.Infof("session %s does not serve %s, ignored, databases %v", addr, model.DatabaseName, dbs)
		return
	}
	m.actors.Do(addr, func() {
		m.install(client, addr)
	})
}

func (m *ConnectionManager) install(client wire.Client, addr model.SwitchAddress) {
	if old, ok := m.instances.Load(addr); ok {
		m.teardown(old, "superseded by a new session")
	}
	nodeID := m.resolveNodeID(client, addr)
	nodeKey := common.NewOperNodeKey(m.broker.Prefix(), nodeID)
	invoker := NewTransactionInvoker(nodeID, m.broker, m.config.InvokerQueueSize)
	inst := newConnectionInstance(client, addr, nodeID, nodeKey, invoker, m.config.ReadTimeout)
	m.coordinator.evictStale(inst)

	client.SetUpdateHandler(inst)
	m.instances.Store(addr, inst)
	m.nodeIDs.Store(nodeID, addr)
	metrics.MetricConnectedSwitches.Set(float64(m.instances.Size()))
	m.reconciler.Dequeue(reconciliation.TaskKey{Kind: reconciliation.ConnectionTask, Target: nodeID})
	klog.Infof("%s: connected, active %t", inst, client.IsActive())

	if err := m.coordinator.RegisterEntity(inst); err != nil {
		klog.Errorf("%s: ownership registration: %v", inst, err)
	}
	m.operCache.watch(inst)
}

// resolveNodeID returns the node id requested by a controller initiated connect, otherwise the
// id derived from the Open_vSwitch row, falling back to the address.
func (m *ConnectionManager) resolveNodeID(client wire.Client, addr model.SwitchAddress) string {
	if client.IsActive() {
		if nodeID, ok := m.requested.LoadAndDelete(addr.Remote()); ok {
			return nodeID
		}
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ReadTimeout)
	defer cancel()
	results, err := client.Transact(ctx, model.DatabaseName, selectOp(model.OpenVSwitchTable, model.ColUUID))
	if err == nil && len(results) > 0 && len(results[0].Rows) == 1 {
		row, err := model.DecodeRow(model.OpenVSwitchTable, "", results[0].Rows[0])
		if err == nil {
			return model.NodeIDFromOpenVSwitchUUID(row.RowUUID())
		}
		klog.V(3).Infof("session %s: decode Open_vSwitch row: %v", addr, err)
	} else if err != nil {
		klog.V(3).Infof("session %s: read Open_vSwitch row: %v", addr, err)
	}
	return model.NodeIDFromAddress(addr)
}

// teardown withdraws the candidacy, disconnects the client and cancels the tasks of an
// instance, then removes it from the registry.
func (m *ConnectionManager) teardown(inst *ConnectionInstance, reason string) {
	klog.Infof("%s: tearing down, %s", inst, reason)
	m.coordinator.UnregisterEntity(inst)
	inst.client.Disconnect()
	m.reconciler.DequeueTarget(inst.nodeID)
	m.operCache.forget(inst)
	if inst.setOwner(false) {
		metrics.MetricOwnedSwitches.Dec()
	}
	m.remove(inst)
	inst.close()
}

func (m *ConnectionManager) remove(inst *ConnectionInstance) {
	m.instances.Compute(inst.address, func(old *ConnectionInstance, loaded bool) (*ConnectionInstance, bool) {
		return old, loaded && old == inst
	})
	m.nodeIDs.Compute(inst.nodeID, func(old model.SwitchAddress, loaded bool) (model.SwitchAddress, bool) {
		return old, loaded && old == inst.address
	})
	metrics.MetricConnectedSwitches.Set(float64(m.instances.Size()))
}

// Disconnected handles the end of a session.
func (m *ConnectionManager) Disconnected(client wire.Client) {
	m.clients.Delete(client)
	addr := client.ConnectionInfo().Address(client.IsActive())
	m.actors.Do(addr, func() {
		m.disconnected(client, addr)
	})
}

func (m *ConnectionManager) disconnected(client wire.Client, addr model.SwitchAddress) {
	inst, ok := m.instances.Load(addr)
	if !ok || inst.client != client {
		klog.V(3).Infof("session %s: disconnect of an unknown session", addr)
		return
	}
	klog.Infof("%s: disconnected", inst)
	m.operCache.forget(inst)
	m.reconciler.DequeueTarget(inst.nodeID)
	if inst.setOwner(false) {
		metrics.MetricOwnedSwitches.Dec()
		// the record must be gone before another member can be elected
		if !inst.removeOperRecord(m.config.OperDeleteTimeout) {
			klog.Errorf("%s: operational record removal failed", inst)
		}
	}
	m.coordinator.UnregisterEntity(inst)
	m.remove(inst)
	inst.close()
	if client.IsActive() && !m.closing.Load() {
		m.retryIfConfigured(inst.nodeID)
	}
}

// retryIfConfigured schedules a reconnect if the configuration of the node still requests a
// controller initiated session. A failed read counts as no configuration.
func (m *ConnectionManager) retryIfConfigured(nodeID string) {
	cfg, err := m.readConfig(nodeID)
	if err != nil {
		klog.Warningf("%s: read configuration: %v, not reconnecting", nodeID, err)
		return
	}
	if _, ok := cfg.RemoteAddress(); !ok {
		return
	}
	klog.Infof("%s: scheduling reconnect", nodeID)
	m.reconciler.EnqueueForRetry(newConnectionTask(m, nodeID))
}

func (m *ConnectionManager) readConfig(nodeID string) (*model.NodeConfig, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ReadTimeout)
	defer cancel()
	var cfg model.NodeConfig
	ok, err := datastore.ReadJSON(ctx, m.broker.NewReadOnlyTransaction(), common.NewConfigNodeKey(m.broker.Prefix(), nodeID), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// Connect opens a controller initiated session for a node. A failed attempt is retried by the
// reconciliation manager.
func (m *ConnectionManager) Connect(ctx context.Context, nodeID string, cfg *model.NodeConfig) error {
	err := m.connect(ctx, nodeID, cfg)
	if err != nil {
		klog.Warningf("%s: connect: %v, scheduling retry", nodeID, err)
		m.reconciler.EnqueueForRetry(newConnectionTask(m, nodeID))
	}
	return err
}

func (m *ConnectionManager) connect(ctx context.Context, nodeID string, cfg *model.NodeConfig) error {
	remote, ok := cfg.RemoteAddress()
	if !ok {
		return fmt.Errorf("configuration of %s has no remote address", nodeID)
	}
	addr, err := model.ParseSwitchAddress(remote.String())
	if err != nil {
		return err
	}
	if _, ok := m.GetByNodeID(nodeID); ok {
		klog.V(3).Infof("%s: already connected", nodeID)
		return nil
	}
	if _, ok := m.instances.Load(addr); ok {
		klog.V(3).Infof("%s: session to %s already exists", nodeID, addr)
		return nil
	}
	m.requested.Store(addr, nodeID)
	client, err := m.dial(ctx, addr, m.config.DialTimeout, m)
	if err != nil {
		m.requested.Delete(addr)
		return err
	}
	m.Connected(client)
	if _, ok := m.GetByNodeID(nodeID); !ok {
		m.requested.Delete(addr)
		return fmt.Errorf("session to %s was not established", addr)
	}
	return nil
}

// Disconnect closes the controller initiated session of a node and cancels its reconnects.
func (m *ConnectionManager) Disconnect(_ context.Context, nodeID string, cfg *model.NodeConfig) error {
	m.reconciler.DequeueTarget(nodeID)
	inst, ok := m.GetByNodeID(nodeID)
	if !ok {
		if addr, hasAddr := cfg.RemoteAddress(); hasAddr {
			inst, ok = m.instances.Load(addr)
		}
	}
	if !ok {
		klog.V(3).Infof("%s: disconnect, no session", nodeID)
		return nil
	}
	inst.client.Disconnect()
	m.Disconnected(inst.client)
	return nil
}

func (m *ConnectionManager) GetByAddress(addr model.SwitchAddress) (*ConnectionInstance, bool) {
	return m.instances.Load(addr)
}

func (m *ConnectionManager) GetByNodeID(nodeID string) (*ConnectionInstance, bool) {
	addr, ok := m.nodeIDs.Load(nodeID)
	if !ok {
		return nil, false
	}
	return m.instances.Load(addr)
}

// GetByChildKey returns the instance of the switch an operational record belongs to.
func (m *ConnectionManager) GetByChildKey(key common.Key) (*ConnectionInstance, bool) {
	inst, ok := m.GetByNodeID(key.NodeID)
	if !ok {
		return nil, false
	}
	if key.IsNodeKey() || inst.HasChild(key) {
		return inst, true
	}
	return nil, false
}

// GetByRecordID looks the node up in the registry and then through the connection info of its
// operational record.
func (m *ConnectionManager) GetByRecordID(ctx context.Context, nodeID string) (*ConnectionInstance, bool) {
	if inst, ok := m.GetByNodeID(nodeID); ok {
		return inst, true
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.ReadTimeout)
	defer cancel()
	var node model.Node
	ok, err := datastore.ReadJSON(ctx, m.broker.NewReadOnlyTransaction(), common.NewOperNodeKey(m.broker.Prefix(), nodeID), &node)
	if err != nil {
		klog.Warningf("%s: read operational record: %v", nodeID, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	for _, active := range []bool{true, false} {
		if inst, found := m.instances.Load(node.ConnectionInfo.Address(active)); found {
			return inst, true
		}
	}
	return nil, false
}

// Instances returns a snapshot of the registry.
func (m *ConnectionManager) Instances() []*ConnectionInstance {
	var ret []*ConnectionInstance
	m.instances.Range(func(_ model.SwitchAddress, inst *ConnectionInstance) bool {
		ret = append(ret, inst)
		return true
	})
	return ret
}

// forceDisconnect drops a session that did not complete its handshake.
func (m *ConnectionManager) forceDisconnect(inst *ConnectionInstance, reason string) {
	klog.Warningf("%s: forcing disconnect, %s", inst, reason)
	inst.client.Disconnect()
	m.Disconnected(inst.client)
}

const zeroUUID = "00000000-0000-0000-0000-000000000000"

// selectOp selects all rows of a table; RFC 7047 requires a where clause.
func selectOp(table string, columns ...string) libovsdb.Operation {
	return libovsdb.Operation{
		Op:      "select",
		Table:   table,
		Where:   []interface{}{libovsdb.NewCondition(model.ColUUID, "!=", common.ToUUID(zeroUUID))},
		Columns: columns,
	}
}

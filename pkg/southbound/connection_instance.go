package southbound

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebay/libovsdb"
	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/model"
	"github.com/ibm/ovsdb-southbound/pkg/ownership"
	"github.com/ibm/ovsdb-southbound/pkg/wire"
)

// ConnectionInstance is the state of one management session with a switch.
type ConnectionInstance struct {
	client  wire.Client
	address model.SwitchAddress
	nodeID  string
	nodeKey common.Key
	invoker *TransactionInvoker
	timeout time.Duration

	isOwner            atomic.Bool
	monitorsRegistered atomic.Bool
	closed             atomic.Bool

	// row uuid -> operational record key of bridges, ports and interfaces
	children *xsync.MapOf[string, common.Key]
	schemas  *xsync.MapOf[string, *libovsdb.DatabaseSchema]

	mu           sync.Mutex
	registration ownership.Registration
	connectedAt  time.Time
}

func newConnectionInstance(client wire.Client, address model.SwitchAddress, nodeID string, nodeKey common.Key, invoker *TransactionInvoker, timeout time.Duration) *ConnectionInstance {
	return &ConnectionInstance{
		client:      client,
		address:     address,
		nodeID:      nodeID,
		nodeKey:     nodeKey,
		invoker:     invoker,
		timeout:     timeout,
		children:    xsync.NewMapOf[string, common.Key](),
		schemas:     xsync.NewMapOf[string, *libovsdb.DatabaseSchema](),
		connectedAt: time.Now(),
	}
}

func (ci *ConnectionInstance) Client() wire.Client {
	return ci.client
}

func (ci *ConnectionInstance) Address() model.SwitchAddress {
	return ci.address
}

func (ci *ConnectionInstance) NodeID() string {
	return ci.nodeID
}

func (ci *ConnectionInstance) NodeKey() common.Key {
	return ci.nodeKey
}

func (ci *ConnectionInstance) Entity() ownership.Entity {
	return ownership.NewSwitchEntity(ci.nodeID)
}

func (ci *ConnectionInstance) IsOwner() bool {
	return ci.isOwner.Load()
}

func (ci *ConnectionInstance) ConnectedAt() time.Time {
	return ci.connectedAt
}

// setOwner returns false if the flag already had the value.
func (ci *ConnectionInstance) setOwner(owner bool) bool {
	return ci.isOwner.CompareAndSwap(!owner, owner)
}

func (ci *ConnectionInstance) MonitorsRegistered() bool {
	return ci.monitorsRegistered.Load()
}

// HasChild returns true if the operational record key belongs to a row of this switch.
func (ci *ConnectionInstance) HasChild(key common.Key) bool {
	found := false
	ci.children.Range(func(_ string, k common.Key) bool {
		found = k == key
		return !found
	})
	return found
}

func (ci *ConnectionInstance) setRegistration(reg ownership.Registration) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.registration = reg
}

// closeRegistration withdraws the ownership candidacy, if any.
func (ci *ConnectionInstance) closeRegistration() {
	ci.mu.Lock()
	reg := ci.registration
	ci.registration = nil
	ci.mu.Unlock()
	if reg != nil {
		reg.Close()
	}
}

func (ci *ConnectionInstance) hasRegistration() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.registration != nil
}

// RegisterMonitors monitors the switch tables. Only the first call registers, later calls
// return immediately.
func (ci *ConnectionInstance) RegisterMonitors(ctx context.Context) error {
	if !ci.monitorsRegistered.CompareAndSwap(false, true) {
		klog.V(4).Infof("%s: monitors already registered", ci.nodeID)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ci.timeout)
	defer cancel()
	schema, err := ci.client.GetSchema(ctx, model.DatabaseName)
	if err != nil {
		ci.monitorsRegistered.Store(false)
		return fmt.Errorf("%s: get schema: %w", ci.nodeID, err)
	}
	ci.schemas.Store(model.DatabaseName, schema)
	requests := make(map[string]libovsdb.MonitorRequest, len(model.MonitoredTables))
	for _, table := range model.MonitoredTables {
		requests[table] = libovsdb.MonitorRequest{
			Columns: model.MonitoredColumns[table],
			Select:  libovsdb.MonitorSelect{Initial: true, Insert: true, Delete: true, Modify: true},
		}
	}
	initial, err := ci.client.Monitor(ctx, model.DatabaseName, ci.nodeID, requests)
	if err != nil {
		ci.monitorsRegistered.Store(false)
		return fmt.Errorf("%s: monitor: %w", ci.nodeID, err)
	}
	klog.Infof("%s: monitors registered, schema version %s", ci.nodeID, schema.Version)
	if initial != nil {
		ci.Update(ci.nodeID, *initial)
	}
	return nil
}

// CancelMonitors cancels the monitors of the switch, so the next RegisterMonitors
// requests a fresh initial dump.
func (ci *ConnectionInstance) CancelMonitors(ctx context.Context) error {
	if !ci.monitorsRegistered.CompareAndSwap(true, false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ci.timeout)
	defer cancel()
	if err := ci.client.MonitorCancel(ctx, ci.nodeID); err != nil {
		return fmt.Errorf("%s: monitor cancel: %w", ci.nodeID, err)
	}
	klog.Infof("%s: monitors cancelled", ci.nodeID)
	return nil
}

// SchemaVersion returns the version of the Open_vSwitch schema, empty before monitors are
// registered.
func (ci *ConnectionInstance) SchemaVersion() string {
	if s, ok := ci.schemas.Load(model.DatabaseName); ok && s != nil {
		return s.Version
	}
	return ""
}

// Update turns a monitor notification into a transaction command. Notifications of a switch
// that is not owned are not written.
func (ci *ConnectionInstance) Update(_ interface{}, updates libovsdb.TableUpdates) {
	if !ci.IsOwner() {
		klog.V(5).Infof("%s: update dropped, not the owner", ci.nodeID)
		return
	}
	changes, err := wire.ParseTableUpdates(updates)
	if err != nil {
		klog.Errorf("%s: parse table updates: %v", ci.nodeID, err)
		return
	}
	if len(changes) == 0 {
		return
	}
	ci.invoker.Invoke(newDataChangedCommand(ci.nodeKey, changes, ci.children))
}

// Transact sends operations to the switch, bounded by the read timeout.
func (ci *ConnectionInstance) Transact(ctx context.Context, ops ...libovsdb.Operation) ([]libovsdb.OperationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ci.timeout)
	defer cancel()
	return ci.client.Transact(ctx, model.DatabaseName, ops...)
}

func (ci *ConnectionInstance) nodeRecord() model.Node {
	return model.Node{
		NodeID:         ci.nodeID,
		ConnectionInfo: ci.client.ConnectionInfo(),
		SchemaVersion:  ci.SchemaVersion(),
	}
}

// createOperRecord queues the operational node record.
func (ci *ConnectionInstance) createOperRecord() {
	ci.invoker.Invoke(newNodeCreateCommand(ci.nodeKey, ci.nodeRecord()))
}

// removeOperRecord deletes the operational records and waits, at most timeout, for the commit.
func (ci *ConnectionInstance) removeOperRecord(timeout time.Duration) bool {
	cmd := newNodeRemoveCommand(ci.nodeKey)
	if !ci.invoker.Invoke(cmd) {
		return false
	}
	select {
	case <-cmd.done:
		return true
	case <-time.After(timeout):
		klog.Errorf("%s: operational record not removed within %s", ci.nodeID, timeout)
		return false
	}
}

// close stops the session resources. It is safe to call more than once.
func (ci *ConnectionInstance) close() {
	if !ci.closed.CompareAndSwap(false, true) {
		return
	}
	ci.client.SetUpdateHandler(nil)
	ci.invoker.Close()
}

func (ci *ConnectionInstance) String() string {
	return fmt.Sprintf("%s(%s)", ci.nodeID, ci.address)
}

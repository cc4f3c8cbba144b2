package southbound

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/datastore"
	"github.com/ibm/ovsdb-southbound/pkg/model"
	"github.com/ibm/ovsdb-southbound/pkg/wire"
)

// TransactionCommand writes a snapshot of switch state into a datastore transaction. Commands
// may be executed more than once, against a fresh transaction each time.
type TransactionCommand interface {
	Execute(ctx context.Context, tx datastore.ReadWriteTransaction) error
}

// CompletionHook is implemented by commands that need to know when their transaction committed.
type CompletionHook interface {
	Committed()
}

// nodeCreateCommand writes the operational node record.
type nodeCreateCommand struct {
	key  common.Key
	node model.Node
}

func newNodeCreateCommand(key common.Key, node model.Node) *nodeCreateCommand {
	return &nodeCreateCommand{key: key, node: node}
}

func (c *nodeCreateCommand) Execute(ctx context.Context, tx datastore.ReadWriteTransaction) error {
	klog.V(5).Infof("create operational node %s", c.key.ShortString())
	if c.node.OpenVSwitch == nil {
		// keep the root row a previous session of the same switch may have reported
		return datastore.MergeJSON(tx, c.key, c.node)
	}
	return datastore.PutJSON(tx, c.key, c.node)
}

// nodeRemoveCommand deletes the operational node record and all its child records.
type nodeRemoveCommand struct {
	key  common.Key
	done chan struct{}
}

func newNodeRemoveCommand(key common.Key) *nodeRemoveCommand {
	return &nodeRemoveCommand{key: key, done: make(chan struct{})}
}

func (c *nodeRemoveCommand) Execute(_ context.Context, tx datastore.ReadWriteTransaction) error {
	klog.V(5).Infof("remove operational node %s", c.key.ShortString())
	tx.Delete(c.key)
	return nil
}

func (c *nodeRemoveCommand) Committed() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// dataChangedCommand applies the row changes of one update notification to the operational
// records of a node.
type dataChangedCommand struct {
	nodeKey common.Key
	changes []wire.RowChange
	// children maps row uuids to their operational record keys, shared with the instance
	children *xsync.MapOf[string, common.Key]
}

func newDataChangedCommand(nodeKey common.Key, changes []wire.RowChange, children *xsync.MapOf[string, common.Key]) *dataChangedCommand {
	return &dataChangedCommand{nodeKey: nodeKey, changes: changes, children: children}
}

func (c *dataChangedCommand) Execute(_ context.Context, tx datastore.ReadWriteTransaction) error {
	for _, change := range c.changes {
		var err error
		switch ch := change.(type) {
		case wire.RowCreated:
			err = c.write(tx, ch.Row, "")
		case wire.RowUpdated:
			oldName := ""
			if ch.Old != nil {
				oldName = ch.Old.RowName()
			}
			err = c.write(tx, ch.New, oldName)
		case wire.RowRemoved:
			c.remove(tx, ch.Row)
		default:
			err = fmt.Errorf("unexpected row change %T", change)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *dataChangedCommand) childKey(table, name string) common.Key {
	return common.NewChildKey(c.nodeKey.Prefix, c.nodeKey.Datastore, c.nodeKey.NodeID, table, name)
}

func (c *dataChangedCommand) write(tx datastore.ReadWriteTransaction, row model.Row, oldName string) error {
	if ovs, ok := row.(*model.OpenVSwitch); ok {
		return datastore.MergeJSON(tx, c.nodeKey, map[string]interface{}{"open_vswitch": ovs})
	}
	if row.RowName() == "" {
		return fmt.Errorf("%s row %s without a name", row.TableName(), row.RowUUID())
	}
	key := c.childKey(row.TableName(), row.RowName())
	if prev, ok := c.children.Load(row.RowUUID()); ok && prev != key {
		tx.Delete(prev)
	} else if oldName != "" && oldName != row.RowName() {
		tx.Delete(c.childKey(row.TableName(), oldName))
	}
	c.children.Store(row.RowUUID(), key)
	return datastore.PutJSON(tx, key, row)
}

func (c *dataChangedCommand) remove(tx datastore.ReadWriteTransaction, row model.Row) {
	if _, ok := row.(*model.OpenVSwitch); ok {
		klog.Warningf("%s: Open_vSwitch row %s removed", c.nodeKey.ShortString(), row.RowUUID())
		return
	}
	key, ok := c.children.LoadAndDelete(row.RowUUID())
	if !ok {
		if row.RowName() == "" {
			klog.V(4).Infof("%s: unknown %s row %s removed", c.nodeKey.ShortString(), row.TableName(), row.RowUUID())
			return
		}
		key = c.childKey(row.TableName(), row.RowName())
	}
	tx.Delete(key)
}

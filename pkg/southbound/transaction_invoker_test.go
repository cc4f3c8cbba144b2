package southbound

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/datastore"
	"github.com/ibm/ovsdb-southbound/pkg/model"
	"github.com/ibm/ovsdb-southbound/pkg/wire"
)

const testPrefix = "test"

type putCommand struct {
	key   common.Key
	value string
}

func (c *putCommand) Execute(_ context.Context, tx datastore.ReadWriteTransaction) error {
	tx.Put(c.key, []byte(c.value))
	return nil
}

type blockingCommand struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingCommand) Execute(context.Context, datastore.ReadWriteTransaction) error {
	close(c.started)
	<-c.release
	return nil
}

func testKey(name string) common.Key {
	return common.NewChildKey(testPrefix, common.OPER, "node", model.BridgeTable, name)
}

// commitLog records the keys of every commit attempt.
type commitLog struct {
	mu      sync.Mutex
	commits []string
}

func (l *commitLog) add(writes []datastore.Write) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range writes {
		l.commits = append(l.commits, w.Key)
	}
}

func (l *commitLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commits...)
}

func TestInvokerAppliesInOrder(t *testing.T) {
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	log := &commitLog{}
	store.SetCommitHook(func(writes []datastore.Write) error {
		log.add(writes)
		return nil
	})
	ti := NewTransactionInvoker("test", store, 0)
	defer ti.Close()

	var expected []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.True(t, ti.Invoke(&putCommand{key: testKey(name), value: name}))
		expected = append(expected, testKey(name).String())
	}
	assert.Eventually(t, func() bool { return len(log.get()) == len(expected) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, expected, log.get())
	assert.Eventually(t, func() bool { return ti.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInvokerReplaysAfterChainFailure(t *testing.T) {
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	log := &commitLog{}
	release := make(chan struct{})
	first := true
	store.SetCommitHook(func(writes []datastore.Write) error {
		log.add(writes)
		if first {
			first = false
			<-release
			return errors.New("injected failure")
		}
		return nil
	})
	ti := NewTransactionInvoker("test", store, 0)
	defer ti.Close()

	c1 := &putCommand{key: testKey("c1"), value: "1"}
	c2 := &putCommand{key: testKey("c2"), value: "2"}
	require.True(t, ti.Invoke(c1))
	require.True(t, ti.Invoke(c2))
	// t1 is committing and t2 waits behind it on the chain
	assert.Eventually(t, func() bool { return ti.PendingCount() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	require.True(t, ti.Invoke(&putCommand{key: testKey("c3"), value: "3"}))

	assert.Eventually(t, func() bool { return len(log.get()) == 4 }, time.Second, 5*time.Millisecond)
	// t2 was never attempted, c1 and c2 were replayed on a new chain before c3
	assert.Equal(t, []string{testKey("c1").String(), testKey("c1").String(), testKey("c2").String(), testKey("c3").String()}, log.get())
	dump := store.Dump()
	assert.Equal(t, "1", string(dump[testKey("c1").String()]))
	assert.Equal(t, "2", string(dump[testKey("c2").String()]))
	assert.Equal(t, "3", string(dump[testKey("c3").String()]))
}

func TestInvokerDropsOnlyTheFailingCommand(t *testing.T) {
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	bad := testKey("bad").String()
	var attempts atomic.Int32
	store.SetCommitHook(func(writes []datastore.Write) error {
		for _, w := range writes {
			if w.Key == bad {
				attempts.Add(1)
				return errors.New("rejected write")
			}
		}
		return nil
	})
	ti := NewTransactionInvoker("test", store, 0)
	defer ti.Close()

	require.True(t, ti.Invoke(&putCommand{key: testKey("bad"), value: "x"}))
	require.True(t, ti.Invoke(&putCommand{key: testKey("good"), value: "ok"}))

	assert.Eventually(t, func() bool {
		_, ok := store.Dump()[testKey("good").String()]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := store.Dump()[bad]
	assert.False(t, ok)
	assert.Equal(t, int32(maxCommandFailures), attempts.Load())
	assert.Eventually(t, func() bool { return ti.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInvokerIgnoresChainFailureAfterClose(t *testing.T) {
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	ti := NewTransactionInvoker("test", store, 0)
	ti.Close()

	ti.mu.Lock()
	chain := ti.chain
	ti.mu.Unlock()
	ti.OnTransactionChainFailed(chain, nil, errors.New("late failure"))

	ti.mu.Lock()
	defer ti.mu.Unlock()
	assert.Same(t, chain, ti.chain)
	assert.False(t, ti.chainReset)
	assert.Empty(t, ti.replay)
}

func TestInvokerDropsOnOverflow(t *testing.T) {
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	ti := NewTransactionInvoker("test", store, 1)
	defer ti.Close()

	blocker := &blockingCommand{started: make(chan struct{}), release: make(chan struct{})}
	require.True(t, ti.Invoke(blocker))
	<-blocker.started
	assert.True(t, ti.Invoke(&putCommand{key: testKey("queued"), value: "q"}))
	assert.False(t, ti.Invoke(&putCommand{key: testKey("dropped"), value: "d"}))
	close(blocker.release)

	assert.Eventually(t, func() bool {
		_, ok := store.Dump()[testKey("queued").String()]
		return ok
	}, time.Second, 5*time.Millisecond)
	_, ok := store.Dump()[testKey("dropped").String()]
	assert.False(t, ok)
}

func TestInvokerClosedRejects(t *testing.T) {
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	ti := NewTransactionInvoker("test", store, 0)
	ti.Close()
	assert.False(t, ti.Invoke(&putCommand{key: testKey("late"), value: "x"}))
}

func TestNodeRemoveCommandSignalsCommit(t *testing.T) {
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	ti := NewTransactionInvoker("test", store, 0)
	defer ti.Close()
	nodeKey := common.NewOperNodeKey(testPrefix, "node")
	require.True(t, ti.Invoke(newNodeCreateCommand(nodeKey, model.Node{NodeID: "node"})))
	require.True(t, ti.Invoke(&putCommand{key: testKey("br0"), value: "{}"}))

	cmd := newNodeRemoveCommand(nodeKey)
	require.True(t, ti.Invoke(cmd))
	select {
	case <-cmd.done:
	case <-time.After(time.Second):
		t.Fatal("remove was not committed")
	}
	assert.Empty(t, store.Dump())
}

func TestDataChangedCommand(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemoryStore(testPrefix, logr.Discard())
	nodeKey := common.NewOperNodeKey(testPrefix, "ovsdb://uuid/u1")
	children := xsync.NewMapOf[string, common.Key]()
	childKey := func(table, name string) string {
		return common.NewChildKey(testPrefix, common.OPER, nodeKey.NodeID, table, name).String()
	}
	apply := func(changes ...wire.RowChange) {
		tx := store.NewReadWriteTransaction()
		require.Nil(t, newDataChangedCommand(nodeKey, changes, children).Execute(ctx, tx))
		require.Nil(t, <-tx.Submit(ctx))
	}

	apply(
		wire.RowCreated{Row: &model.OpenVSwitch{UUID: "u1", OvsVersion: "3.1.0"}},
		wire.RowCreated{Row: &model.Bridge{UUID: "b1", Name: "br0"}},
		wire.RowCreated{Row: &model.Port{UUID: "p1", Name: "eth0"}},
	)
	dump := store.Dump()
	assert.Contains(t, string(dump[nodeKey.String()]), `"ovs_version":"3.1.0"`)
	assert.Contains(t, dump, childKey(model.BridgeTable, "br0"))
	assert.Contains(t, dump, childKey(model.PortTable, "eth0"))

	apply(wire.RowUpdated{Old: &model.Bridge{UUID: "b1", Name: "br0"}, New: &model.Bridge{UUID: "b1", Name: "br1"}})
	dump = store.Dump()
	assert.NotContains(t, dump, childKey(model.BridgeTable, "br0"))
	assert.Contains(t, dump, childKey(model.BridgeTable, "br1"))

	// removal notifications resolve the record through the uuid cache
	apply(wire.RowRemoved{Row: &model.Port{UUID: "p1"}})
	dump = store.Dump()
	assert.NotContains(t, dump, childKey(model.PortTable, "eth0"))
	_, cached := children.Load("p1")
	assert.False(t, cached)
}

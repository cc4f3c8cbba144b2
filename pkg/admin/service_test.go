package admin

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibm/ovsdb-southbound/pkg/datastore"
	"github.com/ibm/ovsdb-southbound/pkg/model"
	"github.com/ibm/ovsdb-southbound/pkg/ownership"
	"github.com/ibm/ovsdb-southbound/pkg/reconciliation"
	"github.com/ibm/ovsdb-southbound/pkg/southbound"
	"github.com/ibm/ovsdb-southbound/pkg/wire"
)

func newManager(t *testing.T) *southbound.ConnectionManager {
	config := southbound.DefaultConfig()
	config.OperTimeout = 0
	config.DBListTimeout = time.Second
	config.ReadTimeout = time.Second
	reconciler := reconciliation.NewManager(reconciliation.Config{Workers: 1, MaxRetries: 1, RetryBaseDelay: time.Millisecond, RetryMaxDelay: time.Millisecond})
	reconciler.Start()
	store := datastore.NewMemoryStore("admin", logr.Discard())
	manager := southbound.NewConnectionManager(config, store, ownership.NewMemoryCluster().Member("m1"), reconciler, nil)
	require.Nil(t, manager.Start())
	t.Cleanup(func() {
		manager.Close()
		reconciler.Stop()
	})
	return manager
}

func newClient(t *testing.T, service *Service) *jrpc2.Client {
	server, client := net.Pipe()
	go NewServer(service, 1).ServeConn(server)
	cli := jrpc2.NewClient(channel.RawJSON(client, client), &jrpc2.ClientOptions{AllowV1: true})
	t.Cleanup(func() {
		cli.Close()
		server.Close()
	})
	return cli
}

func TestAdminMethods(t *testing.T) {
	ctx := context.Background()
	manager := newManager(t)
	sw := wire.NewFakeClient("10.0.0.7", 41000, model.DatabaseName)
	sw.SetListener(manager)
	manager.Connected(sw)
	inst, ok := manager.GetByAddress(sw.ConnectionInfo().Address(false))
	require.True(t, ok)
	require.Eventually(t, func() bool {
		state, known := manager.Coordinator().LastKnown(inst.NodeID())
		return known && state.HasOwner && inst.IsOwner() && inst.MonitorsRegistered()
	}, 2*time.Second, 5*time.Millisecond)

	cli := newClient(t, NewService(manager))

	var conns []Connection
	require.Nil(t, cli.CallResult(ctx, "list_connections", nil, &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, inst.NodeID(), conns[0].NodeID)
	assert.Equal(t, "10.0.0.7:41000", conns[0].Remote)
	assert.True(t, conns[0].Owner)
	assert.True(t, conns[0].MonitorsRegistered)
	assert.False(t, conns[0].Active)

	var conn Connection
	require.Nil(t, cli.CallResult(ctx, "get_connection", NodeParams{NodeID: inst.NodeID()}, &conn))
	assert.Equal(t, conns[0].Address, conn.Address)
	assert.True(t, conn.HasOwner)

	err := cli.CallResult(ctx, "get_connection", NodeParams{NodeID: "ovsdb://unknown"}, &conn)
	assert.NotNil(t, err)

	var leader Leader
	require.Nil(t, cli.CallResult(ctx, "leader", nil, &leader))
	assert.Equal(t, Leader{MemberID: "m1", Elected: true}, leader)
}

func TestGetConnectionRequiresNodeID(t *testing.T) {
	service := NewService(newManager(t))
	_, err := service.GetConnection(context.Background(), NodeParams{})
	assert.NotNil(t, err)
	conns, err := service.ListConnections(context.Background())
	require.Nil(t, err)
	assert.Empty(t, conns)
}

func TestServeStopsOnCancel(t *testing.T) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	server := NewServer(NewService(newManager(t)), 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, lst) }()

	conn, err := net.Dial("tcp", lst.Addr().String())
	require.Nil(t, err)
	defer conn.Close()
	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("admin server did not stop")
	}
}

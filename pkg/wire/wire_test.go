package wire

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ebay/libovsdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibm/ovsdb-southbound/pkg/model"
)

const updateJSON = `{
  "Bridge": {
    "b2": {"new": {"name": "br-ex", "ports": ["set", []]}},
    "b1": {"new": {"name": "br-int", "fail_mode": "secure"}, "old": {"fail_mode": ["set", []]}}
  },
  "Interface": {
    "i1": {"old": {"name": "eth0", "type": ""}}
  },
  "Open_vSwitch": {
    "o1": {"new": {"ovs_version": "2.17.0", "bridges": ["set", [["uuid", "b1"], ["uuid", "b2"]]]}}
  },
  "SSL": {
    "s1": {"new": {"private_key": "x"}}
  }
}`

func TestParseTableUpdates(t *testing.T) {
	var raw interface{}
	require.Nil(t, json.Unmarshal([]byte(updateJSON), &raw))
	updates, err := DecodeTableUpdates(raw)
	require.Nil(t, err)

	changes, err := ParseTableUpdates(*updates)
	require.Nil(t, err)
	require.Len(t, changes, 4)

	created, ok := changes[0].(RowCreated)
	require.True(t, ok, "expected Open_vSwitch first, got %T", changes[0])
	assert.Equal(t, model.OpenVSwitchTable, created.Table())
	assert.Equal(t, "2.17.0", created.Row.(*model.OpenVSwitch).OvsVersion)

	updated, ok := changes[1].(RowUpdated)
	require.True(t, ok)
	assert.Equal(t, "b1", updated.UUID())
	assert.Equal(t, "secure", updated.New.(*model.Bridge).FailMode)
	assert.Equal(t, "", updated.Old.(*model.Bridge).FailMode)

	created, ok = changes[2].(RowCreated)
	require.True(t, ok)
	assert.Equal(t, "br-ex", created.Row.RowName())

	removed, ok := changes[3].(RowRemoved)
	require.True(t, ok)
	assert.Equal(t, model.InterfaceTable, removed.Table())
	assert.Equal(t, "eth0", removed.Row.RowName())
}

func TestCheckOperationResults(t *testing.T) {
	ops := []libovsdb.Operation{{Op: "insert", Table: "Bridge"}, {Op: "mutate", Table: "Open_vSwitch"}}
	assert.Nil(t, CheckOperationResults(ops, []libovsdb.OperationResult{{}, {Count: 1}}))
	assert.Error(t, CheckOperationResults(ops, []libovsdb.OperationResult{{}}))
	err := CheckOperationResults(ops, []libovsdb.OperationResult{{}, {Error: "constraint violation", Details: "dup"}})
	assert.ErrorContains(t, err, "operation 1 (mutate Open_vSwitch)")
	err = CheckOperationResults(ops, []libovsdb.OperationResult{{}, {}, {Error: "timed out"}})
	assert.ErrorContains(t, err, "transaction failed")
}

type recordingListener struct {
	connected    chan Client
	disconnected chan Client
}

func newRecordingListener() *recordingListener {
	return &recordingListener{connected: make(chan Client, 4), disconnected: make(chan Client, 4)}
}

func (l *recordingListener) Connected(c Client)    { l.connected <- c }
func (l *recordingListener) Disconnected(c Client) { l.disconnected <- c }

func TestServerAndDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvListener := newRecordingListener()
	srv := NewServer("127.0.0.1:0", srvListener)
	require.Nil(t, srv.Listen())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	addr, err := model.ParseSwitchAddress(srv.Addr().String())
	require.Nil(t, err)

	cliListener := newRecordingListener()
	active, err := Dial(ctx, addr, time.Second, cliListener)
	require.Nil(t, err)
	assert.True(t, active.IsActive())
	assert.Equal(t, addr.Port, active.ConnectionInfo().RemotePort)

	var passive Client
	select {
	case passive = <-srvListener.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("passive session was not reported")
	}
	assert.False(t, passive.IsActive())
	assert.Equal(t, active.ConnectionInfo().LocalPort, passive.ConnectionInfo().RemotePort)

	active.Disconnect()
	select {
	case c := <-srvListener.disconnected:
		assert.Equal(t, passive, c)
	case <-time.After(2 * time.Second):
		t.Fatal("passive session close was not reported")
	}
	_, err = active.ListDbs(ctx)
	assert.Error(t, err)

	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestDialRefused(t *testing.T) {
	srv := NewServer("127.0.0.1:0", newRecordingListener())
	require.Nil(t, srv.Listen())
	addr, err := model.ParseSwitchAddress(srv.Addr().String())
	require.Nil(t, err)
	srv.ln.Close()

	_, err = Dial(context.Background(), addr, 500*time.Millisecond, nil)
	assert.Error(t, err)
}

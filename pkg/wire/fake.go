package wire

import (
	"context"
	"sync"
	"time"

	"github.com/ebay/libovsdb"

	"github.com/ibm/ovsdb-southbound/pkg/model"
)

// FakeClient is an in-memory Client used by tests.
type FakeClient struct {
	Dbs          []string
	ListDbsErr   error
	ListDbsDelay time.Duration
	Info         model.ConnectionInfo
	Active       bool
	// SelectRows are returned for select operations, keyed by table name
	SelectRows    map[string][]libovsdb.ResultRow
	TransactErr   error
	InitialUpdate *libovsdb.TableUpdates

	mu           sync.Mutex
	listener     ConnectionListener
	handler      UpdateHandler
	monitorCalls int
	monitorIDs   []interface{}
	cancelled    []interface{}
	transactions [][]libovsdb.Operation
	disconnected bool
}

var _ Client = &FakeClient{}

func NewFakeClient(remote string, remotePort uint16, dbs ...string) *FakeClient {
	return &FakeClient{
		Dbs:  dbs,
		Info: model.ConnectionInfo{RemoteIP: remote, RemotePort: remotePort, LocalIP: "127.0.0.1", LocalPort: model.DefaultOvsdbPort},
	}
}

// SetListener sets the listener notified by SimulateDisconnect.
func (f *FakeClient) SetListener(l ConnectionListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *FakeClient) ListDbs(ctx context.Context) ([]string, error) {
	if f.ListDbsDelay > 0 {
		select {
		case <-time.After(f.ListDbsDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.ListDbsErr != nil {
		return nil, f.ListDbsErr
	}
	return f.Dbs, nil
}

func (f *FakeClient) GetSchema(_ context.Context, dbName string) (*libovsdb.DatabaseSchema, error) {
	return &libovsdb.DatabaseSchema{Name: dbName, Version: "8.3.0"}, nil
}

func (f *FakeClient) Monitor(_ context.Context, _ string, id interface{}, _ map[string]libovsdb.MonitorRequest) (*libovsdb.TableUpdates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitorCalls++
	f.monitorIDs = append(f.monitorIDs, id)
	if f.InitialUpdate != nil {
		return f.InitialUpdate, nil
	}
	return &libovsdb.TableUpdates{Updates: map[string]libovsdb.TableUpdate{}}, nil
}

func (f *FakeClient) MonitorCancel(_ context.Context, id interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return ErrNotConnected
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *FakeClient) Transact(_ context.Context, _ string, ops ...libovsdb.Operation) ([]libovsdb.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return nil, ErrNotConnected
	}
	var results []libovsdb.OperationResult
	var mutating []libovsdb.Operation
	for _, op := range ops {
		r := libovsdb.OperationResult{}
		if op.Op == "select" {
			r.Rows = f.SelectRows[op.Table]
		} else {
			mutating = append(mutating, op)
		}
		results = append(results, r)
	}
	if len(mutating) > 0 {
		f.transactions = append(f.transactions, mutating)
	}
	if f.TransactErr != nil {
		return nil, f.TransactErr
	}
	return results, nil
}

func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *FakeClient) ConnectionInfo() model.ConnectionInfo {
	return f.Info
}

func (f *FakeClient) IsActive() bool {
	return f.Active
}

func (f *FakeClient) SetUpdateHandler(handler UpdateHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

// PushUpdate delivers an update notification to the registered handler.
func (f *FakeClient) PushUpdate(updates libovsdb.TableUpdates) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.Update(nil, updates)
	}
}

// SimulateDisconnect marks the session closed and notifies the listener.
func (f *FakeClient) SimulateDisconnect() {
	f.mu.Lock()
	f.disconnected = true
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.Disconnected(f)
	}
}

// MonitorIDs returns the ids of the monitor requests and of the cancelled monitors.
func (f *FakeClient) MonitorIDs() (requested []interface{}, cancelled []interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.monitorIDs...), append([]interface{}(nil), f.cancelled...)
}

func (f *FakeClient) MonitorCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitorCalls
}

// Transactions returns the mutating operations sent to the switch, one entry per transact call.
func (f *FakeClient) Transactions() [][]libovsdb.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]libovsdb.Operation(nil), f.transactions...)
}

func (f *FakeClient) IsDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

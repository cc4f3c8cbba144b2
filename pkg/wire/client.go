package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"
	"github.com/ebay/libovsdb"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/model"
)

var ErrNotConnected = errors.New("ovsdb session is not connected")

// UpdateHandler receives monitor update notifications of a session.
type UpdateHandler interface {
	Update(jsonContext interface{}, updates libovsdb.TableUpdates)
}

// ConnectionListener is notified about session life cycle events.
type ConnectionListener interface {
	Connected(client Client)
	Disconnected(client Client)
}

// Client is a single management session with a switch.
type Client interface {
	ListDbs(ctx context.Context) ([]string, error)
	GetSchema(ctx context.Context, dbName string) (*libovsdb.DatabaseSchema, error)
	Monitor(ctx context.Context, dbName string, jsonContext interface{}, requests map[string]libovsdb.MonitorRequest) (*libovsdb.TableUpdates, error)
	MonitorCancel(ctx context.Context, jsonContext interface{}) error
	Transact(ctx context.Context, dbName string, ops ...libovsdb.Operation) ([]libovsdb.OperationResult, error)
	Disconnect()
	ConnectionInfo() model.ConnectionInfo
	// IsActive returns true if the controller initiated the session
	IsActive() bool
	SetUpdateHandler(handler UpdateHandler)
}

type rpcClient struct {
	rpc    *rpc2.Client
	info   model.ConnectionInfo
	active bool

	mu      sync.RWMutex
	handler UpdateHandler
	closed  bool
}

func newRPCClient(conn net.Conn, active bool, listener ConnectionListener) *rpcClient {
	c := &rpcClient{
		rpc:    rpc2.NewClientWithCodec(jsonrpc.NewJSONCodec(conn)),
		info:   connectionInfo(conn),
		active: active,
	}
	c.rpc.SetBlocking(true)
	c.rpc.Handle("echo", c.echo)
	c.rpc.Handle("update", c.update)
	go c.rpc.Run()
	go func() {
		<-c.rpc.DisconnectNotify()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		klog.V(3).Infof("ovsdb session %s closed", c.info.Address(active))
		if listener != nil {
			listener.Disconnected(c)
		}
	}()
	return c
}

func connectionInfo(conn net.Conn) model.ConnectionInfo {
	var ci model.ConnectionInfo
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ci.RemoteIP = addr.IP.String()
		ci.RemotePort = uint16(addr.Port)
	}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		ci.LocalIP = addr.IP.String()
		ci.LocalPort = uint16(addr.Port)
	}
	return ci
}

// RFC 7047 section 4.1.11
func (c *rpcClient) echo(_ *rpc2.Client, args []interface{}, reply *[]interface{}) error {
	*reply = args
	return nil
}

// RFC 7047 section 4.1.6, "params": [<json-value>, <table-updates>]
func (c *rpcClient) update(_ *rpc2.Client, params []interface{}, _ *interface{}) error {
	if len(params) < 2 {
		return fmt.Errorf("invalid update notification, %d params", len(params))
	}
	updates, err := DecodeTableUpdates(params[1])
	if err != nil {
		klog.Errorf("ovsdb session %s: decode update: %v", c.info.Address(c.active), err)
		return err
	}
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		klog.V(5).Infof("ovsdb session %s: update without handler dropped", c.info.Address(c.active))
		return nil
	}
	h.Update(params[0], *updates)
	return nil
}

func (c *rpcClient) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrNotConnected
	}
	if err := c.rpc.CallWithContext(ctx, method, args, reply); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *rpcClient) ListDbs(ctx context.Context) ([]string, error) {
	var dbs []string
	if err := c.call(ctx, "list_dbs", []interface{}{}, &dbs); err != nil {
		return nil, err
	}
	return dbs, nil
}

func (c *rpcClient) GetSchema(ctx context.Context, dbName string) (*libovsdb.DatabaseSchema, error) {
	var schema libovsdb.DatabaseSchema
	if err := c.call(ctx, "get_schema", []interface{}{dbName}, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

func (c *rpcClient) Monitor(ctx context.Context, dbName string, jsonContext interface{}, requests map[string]libovsdb.MonitorRequest) (*libovsdb.TableUpdates, error) {
	var raw map[string]map[string]libovsdb.RowUpdate
	if err := c.call(ctx, "monitor", []interface{}{dbName, jsonContext, requests}, &raw); err != nil {
		return nil, err
	}
	updates := tableUpdatesFromRaw(raw)
	return &updates, nil
}

func (c *rpcClient) MonitorCancel(ctx context.Context, jsonContext interface{}) error {
	var reply interface{}
	return c.call(ctx, "monitor_cancel", []interface{}{jsonContext}, &reply)
}

func (c *rpcClient) Transact(ctx context.Context, dbName string, ops ...libovsdb.Operation) ([]libovsdb.OperationResult, error) {
	args := make([]interface{}, 0, len(ops)+1)
	args = append(args, dbName)
	for _, op := range ops {
		args = append(args, op)
	}
	var reply []libovsdb.OperationResult
	if err := c.call(ctx, "transact", args, &reply); err != nil {
		return nil, err
	}
	return reply, CheckOperationResults(ops, reply)
}

func (c *rpcClient) Disconnect() {
	if err := c.rpc.Close(); err != nil {
		klog.V(5).Infof("ovsdb session %s close: %v", c.info.Address(c.active), err)
	}
}

func (c *rpcClient) ConnectionInfo() model.ConnectionInfo {
	return c.info
}

func (c *rpcClient) IsActive() bool {
	return c.active
}

func (c *rpcClient) SetUpdateHandler(handler UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// CheckOperationResults returns the first operation error of a transact reply. Per RFC 7047
// the reply may carry one more result than operations, reporting a commit failure.
func CheckOperationResults(ops []libovsdb.Operation, results []libovsdb.OperationResult) error {
	if len(results) < len(ops) {
		return fmt.Errorf("transact returned %d results for %d operations", len(results), len(ops))
	}
	for i, r := range results {
		if r.Error == "" {
			continue
		}
		if i < len(ops) {
			return fmt.Errorf("operation %d (%s %s) failed: %s: %s", i, ops[i].Op, ops[i].Table, r.Error, r.Details)
		}
		return fmt.Errorf("transaction failed: %s: %s", r.Error, r.Details)
	}
	return nil
}

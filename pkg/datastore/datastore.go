package datastore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ibm/ovsdb-southbound/pkg/common"
)

var (
	// ErrChainFailed is returned for transactions of a chain after an earlier transaction failed.
	ErrChainFailed = errors.New("transaction chain failed")
	ErrChainClosed = errors.New("transaction chain closed")

	errConflict  = errors.New("concurrent modification")
	errSubmitted = errors.New("transaction already submitted or cancelled")
)

type ReadTransaction interface {
	// Read returns the value of a single record and false if it does not exist.
	Read(ctx context.Context, key common.Key) ([]byte, bool, error)
	// List returns the record and its subtree, keyed by the record key string.
	List(ctx context.Context, key common.Key) (map[string][]byte, error)
}

// ReadWriteTransaction buffers modifications until Submit. Reads observe the buffered
// modifications.
type ReadWriteTransaction interface {
	ReadTransaction
	Put(key common.Key, value []byte)
	// Merge merges JSON objects recursively into the existing record, creating it if needed.
	Merge(key common.Key, value []byte)
	// Delete removes the record and its subtree.
	Delete(key common.Key)
	// Submit commits the transaction, the returned channel receives exactly one result.
	Submit(ctx context.Context) <-chan error
	Cancel()
}

type TransactionChain interface {
	NewReadWriteTransaction() ReadWriteTransaction
	Close()
}

// ChainListener is notified once about the first failure of a chain.
type ChainListener interface {
	OnTransactionChainFailed(chain TransactionChain, txn ReadWriteTransaction, err error)
}

type Broker interface {
	Prefix() string
	NewReadOnlyTransaction() ReadTransaction
	NewReadWriteTransaction() ReadWriteTransaction
	// CreateTransactionChain returns a chain whose transactions commit in submit order.
	CreateTransactionChain(listener ChainListener) TransactionChain
	// RegisterChangeListener delivers the existing records of a datastore as Created changes
	// followed by subsequent changes, in order, until the context is cancelled.
	RegisterChangeListener(ctx context.Context, datastore string, fn func(Change)) error
}

type ChangeType int

const (
	Created ChangeType = iota
	Updated
	Deleted
)

func (t ChangeType) String() string {
	switch t {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

type Change struct {
	Type      ChangeType
	Key       common.Key
	Value     []byte
	PrevValue []byte
}

// Write is a resolved modification of a single record.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

func PutJSON(tx ReadWriteTransaction, key common.Key, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key.ShortString())
	}
	tx.Put(key, data)
	return nil
}

func MergeJSON(tx ReadWriteTransaction, key common.Key, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key.ShortString())
	}
	tx.Merge(key, data)
	return nil
}

// ReadJSON reads and unmarshals a record, returns false if it does not exist.
func ReadJSON(ctx context.Context, tx ReadTransaction, key common.Key, obj interface{}) (bool, error) {
	data, ok, err := tx.Read(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return false, errors.Wrapf(err, "unmarshal %s", key.ShortString())
	}
	return true, nil
}

package datastore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/ibm/ovsdb-southbound/pkg/common"
)

const maxCommitAttempts = 5

type kv struct {
	key   string
	value []byte
	rev   int64
}

// backend is a versioned key value store. Revisions are per key modification revisions, zero
// for an absent key.
type backend interface {
	get(ctx context.Context, key string) (kv, bool, error)
	// list returns the key and all keys below it
	list(ctx context.Context, key string) ([]kv, error)
	// commit applies the writes if every read key still has the expected revision,
	// errConflict otherwise
	commit(ctx context.Context, writes []Write, reads map[string]int64) error
	watch(ctx context.Context, prefix string, fn func(Change)) error
}

// Store implements Broker on top of a backend.
type Store struct {
	prefix  string
	backend backend
	log     logr.Logger
}

func newStore(prefix string, b backend, log logr.Logger) *Store {
	return &Store{prefix: prefix, backend: b, log: log}
}

func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) NewReadOnlyTransaction() ReadTransaction {
	return &rwTransaction{store: s, done: true}
}

func (s *Store) NewReadWriteTransaction() ReadWriteTransaction {
	return &rwTransaction{store: s}
}

func (s *Store) CreateTransactionChain(listener ChainListener) TransactionChain {
	return &chain{store: s, listener: listener}
}

func (s *Store) RegisterChangeListener(ctx context.Context, datastore string, fn func(Change)) error {
	if datastore != common.CONFIG && datastore != common.OPER {
		return errors.Errorf("unknown datastore %q", datastore)
	}
	q := newEventQueue(ctx, fn)
	return s.backend.watch(ctx, common.NewDatastoreKey(s.prefix, datastore).String(), q.push)
}

func (s *Store) parseChange(key string, typ ChangeType, value, prev []byte) (Change, bool) {
	k, err := common.ParseKey(s.prefix, key)
	if err != nil {
		s.log.V(5).Info("skipping foreign key", "key", key, "err", err)
		return Change{}, false
	}
	return Change{Type: typ, Key: *k, Value: value, PrevValue: prev}, true
}

type opKind int

const (
	opPut opKind = iota
	opMerge
	opDelete
)

type op struct {
	kind  opKind
	key   string
	value []byte
}

type rwTransaction struct {
	store *Store
	chain *chain

	mu   sync.Mutex
	ops  []op
	done bool
}

func covers(parent, key string) bool {
	return key == parent || strings.HasPrefix(key, parent+common.KEY_DELIMETER)
}

func (tx *rwTransaction) snapshotOps() []op {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]op(nil), tx.ops...)
}

func (tx *rwTransaction) Read(ctx context.Context, key common.Key) ([]byte, bool, error) {
	k := key.String()
	cur, found, err := tx.store.backend.get(ctx, k)
	if err != nil {
		return nil, false, err
	}
	value := cur.value
	for _, o := range tx.snapshotOps() {
		if value, found, err = applyOp(o, k, value, found); err != nil {
			return nil, false, err
		}
	}
	if !found {
		return nil, false, nil
	}
	return value, true, nil
}

func (tx *rwTransaction) List(ctx context.Context, key common.Key) (map[string][]byte, error) {
	k := key.String()
	kvs, err := tx.store.backend.list(ctx, k)
	if err != nil {
		return nil, err
	}
	state := make(map[string][]byte, len(kvs))
	for _, e := range kvs {
		state[e.key] = e.value
	}
	for _, o := range tx.snapshotOps() {
		if o.kind == opDelete {
			for sk := range state {
				if covers(o.key, sk) {
					delete(state, sk)
				}
			}
			continue
		}
		if !covers(k, o.key) {
			continue
		}
		cur, found := state[o.key]
		value, found, err := applyOp(o, o.key, cur, found)
		if err != nil {
			return nil, err
		}
		if found {
			state[o.key] = value
		}
	}
	return state, nil
}

// applyOp returns the value of key after the operation.
func applyOp(o op, key string, value []byte, found bool) ([]byte, bool, error) {
	switch o.kind {
	case opPut:
		if o.key == key {
			return o.value, true, nil
		}
	case opMerge:
		if o.key == key {
			if !found {
				return o.value, true, nil
			}
			merged, err := mergeJSON(value, o.value)
			return merged, true, err
		}
	case opDelete:
		if covers(o.key, key) {
			return nil, false, nil
		}
	}
	return value, found, nil
}

func (tx *rwTransaction) add(o op) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		tx.store.log.Info("modification of a finished transaction ignored", "key", o.key)
		return
	}
	tx.ops = append(tx.ops, o)
}

func (tx *rwTransaction) Put(key common.Key, value []byte) {
	tx.add(op{kind: opPut, key: key.String(), value: value})
}

func (tx *rwTransaction) Merge(key common.Key, value []byte) {
	tx.add(op{kind: opMerge, key: key.String(), value: value})
}

func (tx *rwTransaction) Delete(key common.Key) {
	tx.add(op{kind: opDelete, key: key.String()})
}

func (tx *rwTransaction) Cancel() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.ops = nil
}

func (tx *rwTransaction) finish() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return false
	}
	tx.done = true
	return true
}

func (tx *rwTransaction) Submit(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	if !tx.finish() {
		result <- errSubmitted
		return result
	}
	if tx.chain != nil {
		tx.chain.submit(ctx, tx, result)
		return result
	}
	go func() {
		result <- tx.commit(ctx)
	}()
	return result
}

func (tx *rwTransaction) commit(ctx context.Context) error {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		writes, reads, err := tx.resolve(ctx)
		if err != nil {
			return err
		}
		if len(writes) == 0 {
			return nil
		}
		err = tx.store.backend.commit(ctx, writes, reads)
		if !errors.Is(err, errConflict) {
			return err
		}
		tx.store.log.V(5).Info("commit conflict, retrying", "attempt", attempt)
	}
	return errors.Wrapf(errConflict, "commit failed after %d attempts", maxCommitAttempts)
}

// resolve folds the buffered operations into one write per key, so that a backend never sees
// a key twice in a single commit.
func (tx *rwTransaction) resolve(ctx context.Context) ([]Write, map[string]int64, error) {
	ops := tx.ops
	type entry struct {
		value []byte
		found bool
	}
	state := map[string]*entry{}
	reads := map[string]int64{}
	var order []string
	touch := func(key string) *entry {
		e, ok := state[key]
		if !ok {
			e = &entry{}
			state[key] = e
			order = append(order, key)
		}
		return e
	}
	for _, o := range ops {
		switch o.kind {
		case opPut:
			e := touch(o.key)
			e.value, e.found = o.value, true
		case opMerge:
			e, seen := state[o.key]
			if !seen {
				cur, found, err := tx.store.backend.get(ctx, o.key)
				if err != nil {
					return nil, nil, err
				}
				reads[o.key] = cur.rev
				e = touch(o.key)
				e.value, e.found = cur.value, found
			}
			if !e.found {
				e.value, e.found = o.value, true
				continue
			}
			merged, err := mergeJSON(e.value, o.value)
			if err != nil {
				return nil, nil, err
			}
			e.value = merged
		case opDelete:
			kvs, err := tx.store.backend.list(ctx, o.key)
			if err != nil {
				return nil, nil, err
			}
			for _, cur := range kvs {
				if _, seen := state[cur.key]; !seen {
					reads[cur.key] = cur.rev
				}
				touch(cur.key)
			}
			for key, e := range state {
				if covers(o.key, key) {
					e.value, e.found = nil, false
				}
			}
		}
	}
	writes := make([]Write, 0, len(order))
	for _, key := range order {
		e := state[key]
		if e.found {
			writes = append(writes, Write{Key: key, Value: e.value})
		} else {
			writes = append(writes, Write{Key: key, Delete: true})
		}
	}
	return writes, reads, nil
}

// mergeJSON merges patch into base. Objects are merged recursively, any other value of the
// patch replaces the base value.
func mergeJSON(base, patch []byte) ([]byte, error) {
	var b, p interface{}
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, errors.Wrap(err, "merge base")
	}
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, errors.Wrap(err, "merge patch")
	}
	return json.Marshal(mergeValues(b, p))
}

func mergeValues(base, patch interface{}) interface{} {
	bm, ok := base.(map[string]interface{})
	if !ok {
		return patch
	}
	pm, ok := patch.(map[string]interface{})
	if !ok {
		return patch
	}
	for k, v := range pm {
		bm[k] = mergeValues(bm[k], v)
	}
	return bm
}

type chain struct {
	store    *Store
	listener ChainListener

	mu     sync.Mutex
	last   chan struct{}
	failed error
	closed bool
}

func (c *chain) NewReadWriteTransaction() ReadWriteTransaction {
	return &rwTransaction{store: c.store, chain: c}
}

func (c *chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// submit commits the transaction after all earlier transactions of the chain finished.
func (c *chain) submit(ctx context.Context, tx *rwTransaction, result chan<- error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		result <- ErrChainClosed
		return
	}
	prev := c.last
	done := make(chan struct{})
	c.last = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		c.mu.Lock()
		failed := c.failed
		c.mu.Unlock()
		if failed != nil {
			result <- ErrChainFailed
			return
		}
		err := tx.commit(ctx)
		if err != nil {
			c.mu.Lock()
			first := c.failed == nil
			if first {
				c.failed = err
			}
			c.mu.Unlock()
			c.store.log.Error(err, "transaction chain failed")
			if first && c.listener != nil {
				c.listener.OnTransactionChainFailed(c, tx, err)
			}
		}
		result <- err
	}()
}

// eventQueue delivers changes to a listener in order on its own goroutine.
type eventQueue struct {
	fn     func(Change)
	mu     sync.Mutex
	items  []Change
	signal chan struct{}
}

func newEventQueue(ctx context.Context, fn func(Change)) *eventQueue {
	q := &eventQueue{fn: fn, signal: make(chan struct{}, 1)}
	go q.run(ctx)
	return q
}

func (q *eventQueue) push(c Change) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
		for {
			q.mu.Lock()
			items := q.items
			q.items = nil
			q.mu.Unlock()
			if len(items) == 0 {
				break
			}
			for _, c := range items {
				if ctx.Err() != nil {
					return
				}
				q.fn(c)
			}
		}
	}
}

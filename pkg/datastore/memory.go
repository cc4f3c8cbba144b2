package datastore

import (
	"context"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// MemoryStore is a process local Broker, used for tests and standalone deployments.
type MemoryStore struct {
	*Store
	mem *memoryBackend
}

func NewMemoryStore(prefix string, log logr.Logger) *MemoryStore {
	mem := &memoryBackend{data: map[string]kv{}}
	ms := &MemoryStore{mem: mem}
	ms.Store = newStore(prefix, mem, log)
	mem.store = ms.Store
	return ms
}

// FailNextSubmit makes the next commit fail with the given error.
func (ms *MemoryStore) FailNextSubmit(err error) {
	ms.mem.mu.Lock()
	defer ms.mem.mu.Unlock()
	ms.mem.failNext = err
}

// SetCommitHook installs a hook called before every commit; a returned error fails the commit.
// The hook may block.
func (ms *MemoryStore) SetCommitHook(hook func(writes []Write) error) {
	ms.mem.mu.Lock()
	defer ms.mem.mu.Unlock()
	ms.mem.hook = hook
}

// Dump returns a copy of all records.
func (ms *MemoryStore) Dump() map[string][]byte {
	ms.mem.mu.Lock()
	defer ms.mem.mu.Unlock()
	ret := make(map[string][]byte, len(ms.mem.data))
	for k, v := range ms.mem.data {
		ret[k] = v.value
	}
	return ret
}

type memoryWatcher struct {
	ctx    context.Context
	prefix string
	fn     func(Change)
}

type memoryBackend struct {
	store *Store

	mu       sync.Mutex
	rev      int64
	data     map[string]kv
	watchers []*memoryWatcher
	failNext error
	hook     func(writes []Write) error
}

func (m *memoryBackend) get(_ context.Context, key string) (kv, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return e, ok, nil
}

func (m *memoryBackend) list(_ context.Context, key string) ([]kv, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ret []kv
	for k, e := range m.data {
		if covers(key, k) {
			ret = append(ret, e)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].key < ret[j].key })
	return ret, nil
}

func (m *memoryBackend) commit(_ context.Context, writes []Write, reads map[string]int64) error {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(writes); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	for key, rev := range reads {
		if m.data[key].rev != rev {
			return errConflict
		}
	}
	m.rev++
	var changes []Change
	for _, w := range writes {
		prev, existed := m.data[w.Key]
		if w.Delete {
			if !existed {
				continue
			}
			delete(m.data, w.Key)
			if c, ok := m.store.parseChange(w.Key, Deleted, nil, prev.value); ok {
				changes = append(changes, c)
			}
			continue
		}
		m.data[w.Key] = kv{key: w.Key, value: w.Value, rev: m.rev}
		typ := Created
		if existed {
			typ = Updated
		}
		if c, ok := m.store.parseChange(w.Key, typ, w.Value, prev.value); ok {
			changes = append(changes, c)
		}
	}
	m.notify(changes)
	return nil
}

// notify is called with the lock held, so watchers observe commits in order.
func (m *memoryBackend) notify(changes []Change) {
	live := m.watchers[:0]
	for _, w := range m.watchers {
		if w.ctx.Err() != nil {
			continue
		}
		live = append(live, w)
		for _, c := range changes {
			if covers(w.prefix, c.Key.String()) {
				w.fn(c)
			}
		}
	}
	m.watchers = live
}

func (m *memoryBackend) watch(ctx context.Context, prefix string, fn func(Change)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for k := range m.data {
		if covers(prefix, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c, ok := m.store.parseChange(k, Created, m.data[k].value, nil); ok {
			fn(c)
		}
	}
	m.watchers = append(m.watchers, &memoryWatcher{ctx: ctx, prefix: prefix, fn: fn})
	return nil
}

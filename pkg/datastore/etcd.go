package datastore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var EtcdClientTimeout = time.Second

// NewEtcdClient connects to the etcd cluster and waits until it answers a status request.
func NewEtcdClient(ctx context.Context, endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cfg := clientv3.Config{
		Endpoints:          endpoints,
		DialTimeout:        dialTimeout,
		MaxCallSendMsgSize: 120 * 1024 * 1024,
		MaxCallRecvMsgSize: 0, /* max */
	}
	cli, err := clientv3.New(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create etcd client")
	}
	ping := func() error {
		cctx, cancel := context.WithTimeout(ctx, EtcdClientTimeout)
		defer cancel()
		_, err := cli.Status(cctx, endpoints[0])
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = dialTimeout
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		cli.Close()
		return nil, errors.Wrapf(err, "etcd %v is not reachable", endpoints)
	}
	return cli, nil
}

type EtcdStore struct {
	*Store
	cli *clientv3.Client
}

func NewEtcdStore(cli *clientv3.Client, prefix string, log logr.Logger) *EtcdStore {
	es := &EtcdStore{cli: cli}
	es.Store = newStore(prefix, &etcdBackend{cli: cli, es: es, log: log}, log)
	return es
}

type etcdBackend struct {
	cli *clientv3.Client
	es  *EtcdStore
	log logr.Logger
}

func (b *etcdBackend) get(ctx context.Context, key string) (kv, bool, error) {
	resp, err := b.cli.Get(ctx, key)
	if err != nil {
		return kv{}, false, errors.Wrapf(err, "etcd get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return kv{key: key}, false, nil
	}
	e := resp.Kvs[0]
	return kv{key: key, value: e.Value, rev: e.ModRevision}, true, nil
}

func (b *etcdBackend) list(ctx context.Context, key string) ([]kv, error) {
	resp, err := b.cli.Get(ctx, key, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrapf(err, "etcd list %s", key)
	}
	ret := make([]kv, 0, len(resp.Kvs))
	for _, e := range resp.Kvs {
		// the etcd prefix also matches siblings sharing the key as a string prefix
		if !covers(key, string(e.Key)) {
			continue
		}
		ret = append(ret, kv{key: string(e.Key), value: e.Value, rev: e.ModRevision})
	}
	return ret, nil
}

func (b *etcdBackend) commit(ctx context.Context, writes []Write, reads map[string]int64) error {
	cmps := make([]clientv3.Cmp, 0, len(reads))
	for key, rev := range reads {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", rev))
	}
	ops := make([]clientv3.Op, 0, len(writes))
	for _, w := range writes {
		if w.Delete {
			ops = append(ops, clientv3.OpDelete(w.Key))
		} else {
			ops = append(ops, clientv3.OpPut(w.Key, string(w.Value)))
		}
	}
	b.log.V(6).Info("etcd transaction", "compares", len(cmps), "ops", len(ops))
	resp, err := b.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return errors.Wrap(err, "etcd transaction")
	}
	if !resp.Succeeded {
		return errConflict
	}
	return nil
}

func (b *etcdBackend) watch(ctx context.Context, prefix string, fn func(Change)) error {
	rev, err := b.listNotify(ctx, prefix, fn)
	if err != nil {
		return err
	}
	w := &EtcdWatcher{
		Open: func(ctx context.Context, rev int64) clientv3.WatchChan {
			return b.cli.Watch(clientv3.WithRequireLeader(ctx), prefix+"/",
				clientv3.WithPrefix(),
				clientv3.WithPrevKV(),
				clientv3.WithRev(rev))
		},
		Resync: func(ctx context.Context) (int64, error) {
			return b.listNotify(ctx, prefix, fn)
		},
		Handle: func(ev *clientv3.Event) {
			b.dispatch(ev, fn)
		},
		Log: b.log.WithValues("prefix", prefix),
	}
	go w.Run(ctx, rev+1)
	return nil
}

// listNotify reports every key under the prefix as created and returns the revision of the read.
func (b *etcdBackend) listNotify(ctx context.Context, prefix string, fn func(Change)) (int64, error) {
	resp, err := b.cli.Get(ctx, prefix+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return 0, errors.Wrapf(err, "etcd get %s", prefix)
	}
	for _, e := range resp.Kvs {
		if c, ok := b.es.parseChange(string(e.Key), Created, e.Value, nil); ok {
			fn(c)
		}
	}
	return resp.Header.Revision, nil
}

func (b *etcdBackend) dispatch(ev *clientv3.Event, fn func(Change)) {
	var prev []byte
	if ev.PrevKv != nil {
		prev = ev.PrevKv.Value
	}
	var c Change
	var ok bool
	switch ev.Type {
	case mvccpb.PUT:
		typ := Updated
		if ev.IsCreate() {
			typ = Created
		}
		c, ok = b.es.parseChange(string(ev.Kv.Key), typ, ev.Kv.Value, prev)
	case mvccpb.DELETE:
		c, ok = b.es.parseChange(string(ev.Kv.Key), Deleted, nil, prev)
	}
	if ok {
		fn(c)
	}
}

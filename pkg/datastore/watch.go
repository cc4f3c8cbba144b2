package datastore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdWatcher follows a key range from a revision. When the watch channel closes or fails it
// is opened again from the revision after the last event seen; when that revision has been
// compacted the range is listed again by Resync.
type EtcdWatcher struct {
	// Open starts a watch of the range from rev
	Open func(ctx context.Context, rev int64) clientv3.WatchChan
	// Resync replays the current state of the range and returns the revision it was read at
	Resync func(ctx context.Context) (int64, error)
	Handle func(ev *clientv3.Event)
	// Backoff paces the reopen attempts, an exponential backoff without time limit when nil
	Backoff backoff.BackOff
	Log     logr.Logger
}

// Run follows the range from rev until ctx is done.
func (w *EtcdWatcher) Run(ctx context.Context, rev int64) {
	b := w.Backoff
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		b = eb
	}
	b.Reset()
	next := rev
	for {
		seen, compacted := w.follow(ctx, next)
		if ctx.Err() != nil {
			w.Log.V(3).Info("etcd watch closed", "revision", seen)
			return
		}
		if seen > next {
			b.Reset()
		}
		next = seen
		if compacted {
			w.Log.Info("etcd watch revision compacted, listing again", "revision", next)
			current, err := w.Resync(ctx)
			if err == nil {
				next = current + 1
				continue
			}
			w.Log.Error(err, "etcd watch resync")
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			w.Log.Info("etcd watch abandoned", "revision", next)
			return
		}
		w.Log.Info("etcd watch interrupted, watching again", "revision", next, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// follow handles the events of one watch channel and returns the next revision to watch from.
func (w *EtcdWatcher) follow(ctx context.Context, next int64) (int64, bool) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wresp := range w.Open(wctx, next) {
		if wresp.CompactRevision != 0 {
			return next, true
		}
		if err := wresp.Err(); err != nil {
			w.Log.Error(err, "etcd watch")
			return next, false
		}
		for _, ev := range wresp.Events {
			w.Handle(ev)
			if ev.Kv != nil && ev.Kv.ModRevision >= next {
				next = ev.Kv.ModRevision + 1
			}
		}
	}
	return next, false
}

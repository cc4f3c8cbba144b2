package datastore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// scriptedWatch serves one scripted response sequence per opened watch. The channel of the
// last script stays open until the watch context is done.
type scriptedWatch struct {
	mu      sync.Mutex
	scripts [][]clientv3.WatchResponse
	revs    []int64
	handled []string
	resyncs int
}

func (s *scriptedWatch) open(ctx context.Context, rev int64) clientv3.WatchChan {
	s.mu.Lock()
	s.revs = append(s.revs, rev)
	var script []clientv3.WatchResponse
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	last := len(s.scripts) == 0
	s.mu.Unlock()
	ch := make(chan clientv3.WatchResponse)
	go func() {
		defer close(ch)
		for _, r := range script {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
		if last {
			<-ctx.Done()
		}
	}()
	return ch
}

func (s *scriptedWatch) handle(ev *clientv3.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, string(ev.Kv.Key))
}

func (s *scriptedWatch) opened() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.revs...)
}

func (s *scriptedWatch) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.handled...)
}

func putEvent(key string, rev int64) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(key), ModRevision: rev}}
}

func runWatcher(t *testing.T, s *scriptedWatch, resync func(context.Context) (int64, error), rev int64) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := &EtcdWatcher{
		Open:    s.open,
		Resync:  resync,
		Handle:  s.handle,
		Backoff: backoff.NewConstantBackOff(time.Millisecond),
		Log:     logr.Discard(),
	}
	go func() {
		defer close(done)
		w.Run(ctx, rev)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEtcdWatcherReopensAfterClose(t *testing.T) {
	s := &scriptedWatch{scripts: [][]clientv3.WatchResponse{
		{{Events: []*clientv3.Event{putEvent("a", 11), putEvent("b", 12)}}},
		{{Events: []*clientv3.Event{putEvent("c", 13)}}, {Canceled: true}},
		{{Events: []*clientv3.Event{putEvent("d", 14)}}},
	}}
	runWatcher(t, s, func(context.Context) (int64, error) {
		t.Error("unexpected resync")
		return 0, nil
	}, 11)

	assert.Eventually(t, func() bool { return len(s.events()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, s.events())
	assert.Equal(t, []int64{11, 13, 14}, s.opened())
}

func TestEtcdWatcherResyncsAfterCompaction(t *testing.T) {
	s := &scriptedWatch{scripts: [][]clientv3.WatchResponse{
		{{CompactRevision: 9}},
		{{CompactRevision: 9}},
		{{Events: []*clientv3.Event{putEvent("a", 31)}}},
	}}
	resync := func(context.Context) (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.resyncs++
		if s.resyncs == 1 {
			return 0, errors.New("etcd unavailable")
		}
		return 30, nil
	}
	runWatcher(t, s, resync, 5)

	assert.Eventually(t, func() bool { return len(s.events()) == 1 }, time.Second, time.Millisecond)
	// the failed resync is retried from the compacted revision
	assert.Equal(t, []int64{5, 5, 31}, s.opened())
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2, s.resyncs)
}

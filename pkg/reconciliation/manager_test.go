package reconciliation

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTask struct {
	key     TaskKey
	runs    atomic.Int32
	failFor int32
	block   chan struct{}
	started chan struct{}
}

func newTestTask(kind TaskKind, target string) *testTask {
	return &testTask{key: TaskKey{Kind: kind, Target: target}, started: make(chan struct{}, 10)}
}

func (t *testTask) Key() TaskKey { return t.key }

func (t *testTask) Reconcile(context.Context) error {
	n := t.runs.Add(1)
	t.started <- struct{}{}
	if t.block != nil {
		<-t.block
	}
	if n <= t.failFor {
		return fmt.Errorf("attempt %d failed", n)
	}
	return nil
}

func testManager() *Manager {
	return NewManager(Config{Workers: 2, MaxRetries: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 10 * time.Millisecond})
}

func TestEnqueueRunsOnce(t *testing.T) {
	m := testManager()
	m.Start()
	defer m.Stop()
	task := newTestTask(BridgeConfigTask, "n1")
	assert.True(t, m.Enqueue(task))
	assert.Eventually(t, func() bool { return task.runs.Load() == 1 && !m.IsScheduled(task.Key()) }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), task.runs.Load())
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	m := testManager()
	first := newTestTask(ConnectionTask, "n1")
	second := newTestTask(ConnectionTask, "n1")
	assert.True(t, m.EnqueueForRetry(first))
	assert.False(t, m.Enqueue(second))
	m.Start()
	defer m.Stop()
	// the latest payload runs, once
	assert.Eventually(t, func() bool { return second.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), first.runs.Load())
	assert.Equal(t, int32(1), second.runs.Load())
}

func TestDequeuedTaskNeverRuns(t *testing.T) {
	m := testManager()
	task := newTestTask(ConnectionTask, "n1")
	require.True(t, m.Enqueue(task))
	assert.True(t, m.Dequeue(task.Key()))
	assert.False(t, m.Dequeue(task.Key()))
	m.Start()
	defer m.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), task.runs.Load())

	// the identity can be scheduled again afterwards
	assert.True(t, m.Enqueue(task))
	assert.Eventually(t, func() bool { return task.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDequeueTarget(t *testing.T) {
	m := testManager()
	conn := newTestTask(ConnectionTask, "n1")
	cfg := newTestTask(BridgeConfigTask, "n1")
	other := newTestTask(BridgeConfigTask, "n2")
	m.EnqueueForRetry(conn)
	m.Enqueue(cfg)
	m.Enqueue(other)
	m.DequeueTarget("n1")
	m.Start()
	defer m.Stop()
	assert.Eventually(t, func() bool { return other.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), conn.runs.Load())
	assert.Equal(t, int32(0), cfg.runs.Load())
}

func TestFailedTaskRetriedUpToMax(t *testing.T) {
	m := testManager()
	m.Start()
	defer m.Stop()
	recovering := newTestTask(BridgeConfigTask, "n1")
	recovering.failFor = 2
	hopeless := newTestTask(BridgeConfigTask, "n2")
	hopeless.failFor = 100
	m.Enqueue(recovering)
	m.Enqueue(hopeless)
	assert.Eventually(t, func() bool { return recovering.runs.Load() == 3 && !m.IsScheduled(recovering.Key()) }, 2*time.Second, 5*time.Millisecond)
	// one run plus MaxRetries retries
	assert.Eventually(t, func() bool { return hopeless.runs.Load() == 4 && !m.IsScheduled(hopeless.Key()) }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), hopeless.runs.Load())
}

func TestEnqueueWhileRunningRunsAgain(t *testing.T) {
	m := testManager()
	m.Start()
	defer m.Stop()
	task := newTestTask(BridgeConfigTask, "n1")
	task.block = make(chan struct{})
	m.Enqueue(task)
	<-task.started
	assert.False(t, m.Enqueue(task))
	close(task.block)
	assert.Eventually(t, func() bool { return task.runs.Load() == 2 && !m.IsScheduled(task.Key()) }, time.Second, 5*time.Millisecond)
}

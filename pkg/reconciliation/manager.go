package reconciliation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/metrics"
)

type TaskKind string

const (
	// ConnectionTask re-establishes a controller initiated session
	ConnectionTask TaskKind = "connection"
	// BridgeConfigTask pushes the desired bridge configuration to a switch
	BridgeConfigTask TaskKind = "bridge-config"
)

// TaskKey is the identity of a task; at most one task per key is scheduled.
type TaskKey struct {
	Kind   TaskKind
	Target string
}

// Task is a diff based, re-runnable unit of repair work.
type Task interface {
	Key() TaskKey
	Reconcile(ctx context.Context) error
}

type Config struct {
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type queueItem struct {
	Key TaskKey
	Gen uint64
}

type entry struct {
	task    Task
	gen     uint64
	running bool
	// dirty is set when the task was enqueued again while running
	dirty bool
}

type Manager struct {
	config Config
	queue  workqueue.TypedRateLimitingInterface[queueItem]
	tasks  *xsync.MapOf[TaskKey, entry]
	gen    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(config Config) *Manager {
	if config.Workers < 1 {
		config.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.NewTypedItemExponentialFailureRateLimiter[queueItem](config.RetryBaseDelay, config.RetryMaxDelay),
			workqueue.TypedRateLimitingQueueConfig[queueItem]{Name: "ovsdb-reconciliation"},
		),
		tasks:  xsync.NewMapOf[TaskKey, entry](),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Manager) Start() {
	klog.Infof("Starting reconciliation manager with %d workers", m.config.Workers)
	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for m.processNextItem() {
			}
		}()
	}
}

func (m *Manager) Stop() {
	m.cancel()
	m.queue.ShutDown()
	m.wg.Wait()
}

// Enqueue schedules the task to run as soon as a worker is free. It returns false if a task
// with the same identity is already scheduled; that task then runs with the new payload.
func (m *Manager) Enqueue(task Task) bool {
	return m.add(task, false)
}

// EnqueueForRetry schedules the task after the backoff delay.
func (m *Manager) EnqueueForRetry(task Task) bool {
	return m.add(task, true)
}

func (m *Manager) add(task Task, rateLimited bool) bool {
	key := task.Key()
	var item queueItem
	accepted := false
	m.tasks.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded {
			old.task = task
			if old.running {
				old.dirty = true
			}
			return old, false
		}
		accepted = true
		item = queueItem{Key: key, Gen: m.gen.Add(1)}
		return entry{task: task, gen: item.Gen}, false
	})
	if !accepted {
		klog.V(4).Infof("reconciliation %s/%s already scheduled", key.Kind, key.Target)
		return false
	}
	klog.V(4).Infof("reconciliation %s/%s scheduled, rate limited %t", key.Kind, key.Target, rateLimited)
	if rateLimited {
		m.queue.AddRateLimited(item)
	} else {
		m.queue.Add(item)
	}
	return true
}

// Dequeue cancels a scheduled task; a dequeued task never runs. A running task completes but
// is not retried.
func (m *Manager) Dequeue(key TaskKey) bool {
	var item queueItem
	found := false
	m.tasks.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded {
			found = true
			item = queueItem{Key: key, Gen: old.gen}
		}
		return old, true
	})
	if found {
		m.queue.Forget(item)
		klog.V(4).Infof("reconciliation %s/%s dequeued", key.Kind, key.Target)
	}
	return found
}

// DequeueTarget cancels all tasks of a target.
func (m *Manager) DequeueTarget(target string) {
	var keys []TaskKey
	m.tasks.Range(func(key TaskKey, _ entry) bool {
		if key.Target == target {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		m.Dequeue(key)
	}
}

func (m *Manager) IsScheduled(key TaskKey) bool {
	_, ok := m.tasks.Load(key)
	return ok
}

// processNextItem returns false when the queue is shut down.
func (m *Manager) processNextItem() bool {
	item, shutdown := m.queue.Get()
	if shutdown {
		return false
	}
	defer m.queue.Done(item)

	var task Task
	m.tasks.Compute(item.Key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if old.gen == item.Gen && !old.running {
			old.running = true
			task = old.task
		}
		return old, false
	})
	if task == nil {
		// dequeued or superseded
		m.queue.Forget(item)
		return true
	}

	kind := string(item.Key.Kind)
	start := time.Now()
	err := task.Reconcile(m.ctx)
	metrics.MetricReconcileDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	retry := false
	if err != nil {
		metrics.MetricReconciliations.WithLabelValues(kind, "error").Inc()
		if m.queue.NumRequeues(item) < m.config.MaxRetries && m.ctx.Err() == nil {
			klog.Infof("reconciliation %s/%s failed, retrying: %v", item.Key.Kind, item.Key.Target, err)
			retry = true
		} else {
			klog.Warningf("reconciliation %s/%s dropped after %d attempts: %v", item.Key.Kind, item.Key.Target, m.queue.NumRequeues(item)+1, err)
		}
	} else {
		metrics.MetricReconciliations.WithLabelValues(kind, "success").Inc()
	}

	var requeue *queueItem
	stillScheduled := false
	m.tasks.Compute(item.Key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if old.gen != item.Gen {
			return old, false
		}
		old.running = false
		if retry {
			old.dirty = false
			stillScheduled = true
			return old, false
		}
		if old.dirty {
			old.dirty = false
			old.gen = m.gen.Add(1)
			requeue = &queueItem{Key: item.Key, Gen: old.gen}
			return old, false
		}
		return old, true
	})
	if stillScheduled {
		m.queue.AddRateLimited(item)
		return true
	}
	m.queue.Forget(item)
	if requeue != nil {
		m.queue.Add(*requeue)
	}
	return true
}

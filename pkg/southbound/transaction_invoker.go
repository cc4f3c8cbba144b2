package southbound

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/datastore"
	"github.com/ibm/ovsdb-southbound/pkg/metrics"
)

const (
	DefaultInvokerQueueSize = 10000
	// a command whose own transaction keeps failing is dropped after this many failures
	maxCommandFailures = 10
	maxBatchSize         = 256
)

type queuedCommand struct {
	cmd TransactionCommand
	// failures counts the chain failures caused by the transaction of this command
	failures int
}

type pendingTransaction struct {
	queuedCommand
	tx datastore.ReadWriteTransaction
}

// TransactionInvoker applies commands to the datastore in the order they were submitted, one
// transaction per command on a shared transaction chain. When the chain fails, the commands
// of the failed transaction and of all later ones are replayed on a new chain before any new
// work.
type TransactionInvoker struct {
	name   string
	broker datastore.Broker
	queue  chan TransactionCommand

	mu      sync.Mutex
	chain   datastore.TransactionChain
	pending []*pendingTransaction
	replay  []queuedCommand
	// chainReset is set by a chain failure until the worker picked up the replay batch
	chainReset bool
	wakeup     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTransactionInvoker(name string, broker datastore.Broker, queueSize int) *TransactionInvoker {
	if queueSize <= 0 {
		queueSize = DefaultInvokerQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	ti := &TransactionInvoker{
		name:   name,
		broker: broker,
		queue:  make(chan TransactionCommand, queueSize),
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ti.chain = broker.CreateTransactionChain(ti)
	go ti.run()
	return ti
}

// Invoke queues a command. It returns false and drops the command if the queue is full or the
// invoker is closed.
func (ti *TransactionInvoker) Invoke(cmd TransactionCommand) bool {
	if ti.ctx.Err() != nil {
		klog.Warningf("invoker %s is closed, command %T dropped", ti.name, cmd)
		return false
	}
	select {
	case ti.queue <- cmd:
		return true
	default:
		metrics.MetricInvokerQueueDropped.Inc()
		klog.Errorf("invoker %s queue is full, command %T dropped", ti.name, cmd)
		return false
	}
}

// Close stops the worker and closes the chain. Queued and pending commands are abandoned.
func (ti *TransactionInvoker) Close() {
	ti.cancel()
	<-ti.done
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.chain.Close()
}

func (ti *TransactionInvoker) OnTransactionChainFailed(chain datastore.TransactionChain, txn datastore.ReadWriteTransaction, err error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.ctx.Err() != nil {
		klog.V(4).Infof("invoker %s: chain failure after close ignored: %v", ti.name, err)
		return
	}
	if chain != ti.chain {
		klog.V(4).Infof("invoker %s: failure of a replaced chain ignored: %v", ti.name, err)
		return
	}
	metrics.MetricChainFailures.Inc()
	idx := -1
	for i, p := range ti.pending {
		if p.tx == txn {
			idx = i
			break
		}
	}
	var replay []queuedCommand
	if idx < 0 {
		klog.Errorf("invoker %s: failed transaction is not pending: %v", ti.name, err)
		idx = 0
	}
	rest := idx
	if idx < len(ti.pending) && ti.pending[idx].tx == txn {
		failed := ti.pending[idx].queuedCommand
		failed.failures++
		if failed.failures >= maxCommandFailures {
			metrics.MetricInvokerCommands.WithLabelValues("dropped").Inc()
			klog.Errorf("invoker %s: command %T dropped after %d failed commits: %v", ti.name, failed.cmd, failed.failures, err)
		} else {
			replay = append(replay, failed)
		}
		rest++
	}
	for _, p := range ti.pending[rest:] {
		replay = append(replay, p.queuedCommand)
	}
	klog.Warningf("invoker %s: transaction chain failed, replaying %d commands: %v", ti.name, len(replay), err)
	// earlier transactions committed before the failed one was attempted
	ti.pending = ti.pending[:idx]
	ti.replay = append(replay, ti.replay...)
	ti.chainReset = true
	ti.chain.Close()
	ti.chain = ti.broker.CreateTransactionChain(ti)
	select {
	case ti.wakeup <- struct{}{}:
	default:
	}
}

func (ti *TransactionInvoker) run() {
	defer close(ti.done)
	for {
		batch := ti.takeReplay()
		if len(batch) == 0 {
			select {
			case <-ti.ctx.Done():
				return
			case <-ti.wakeup:
				continue
			case cmd := <-ti.queue:
				batch = append(batch, queuedCommand{cmd: cmd})
			}
			batch = ti.drain(batch)
		}
		ti.process(batch)
	}
}

func (ti *TransactionInvoker) takeReplay() []queuedCommand {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	batch := ti.replay
	ti.replay = nil
	ti.chainReset = false
	return batch
}

func (ti *TransactionInvoker) drain(batch []queuedCommand) []queuedCommand {
	for len(batch) < maxBatchSize {
		select {
		case cmd := <-ti.queue:
			batch = append(batch, queuedCommand{cmd: cmd})
		default:
			return batch
		}
	}
	return batch
}

func (ti *TransactionInvoker) process(batch []queuedCommand) {
	for i, qc := range batch {
		if ti.ctx.Err() != nil {
			return
		}
		if !ti.execute(qc) {
			// the chain was reset, the rest of the batch runs after the replayed commands
			ti.mu.Lock()
			ti.replay = append(ti.replay, batch[i:]...)
			ti.mu.Unlock()
			return
		}
	}
}

// execute returns false if a chain reset is waiting to be processed.
func (ti *TransactionInvoker) execute(qc queuedCommand) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.chainReset {
		return false
	}
	tx := ti.chain.NewReadWriteTransaction()
	if err := qc.cmd.Execute(ti.ctx, tx); err != nil {
		tx.Cancel()
		metrics.MetricInvokerCommands.WithLabelValues("error").Inc()
		klog.Errorf("invoker %s: command %T failed: %v", ti.name, qc.cmd, err)
		return true
	}
	p := &pendingTransaction{queuedCommand: qc, tx: tx}
	ti.pending = append(ti.pending, p)
	result := tx.Submit(ti.ctx)
	go ti.awaitCommit(p, result)
	return true
}

func (ti *TransactionInvoker) awaitCommit(p *pendingTransaction, result <-chan error) {
	if err := <-result; err != nil {
		// chain failures are handled by OnTransactionChainFailed
		klog.V(5).Infof("invoker %s: command %T not committed: %v", ti.name, p.cmd, err)
		return
	}
	ti.mu.Lock()
	for i, pt := range ti.pending {
		if pt == p {
			ti.pending = append(ti.pending[:i], ti.pending[i+1:]...)
			break
		}
	}
	ti.mu.Unlock()
	metrics.MetricInvokerCommands.WithLabelValues("committed").Inc()
	if hook, ok := p.cmd.(CompletionHook); ok {
		hook.Committed()
	}
}

// PendingCount returns the number of submitted but not yet committed commands.
func (ti *TransactionInvoker) PendingCount() int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return len(ti.pending)
}

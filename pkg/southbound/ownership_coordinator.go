package southbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/metrics"
	"github.com/ibm/ovsdb-southbound/pkg/ownership"
)

// OwnershipCoordinator makes one cluster member the owner of each connected switch. Only the
// owner monitors the switch, writes its operational records and pushes its configuration.
//
// A switch whose ownership is lost while it is still connected is left passive: the flag is
// cleared and its monitors are cancelled until ownership is granted again or the session ends.
type OwnershipCoordinator struct {
	service ownership.Service
	manager *ConnectionManager

	entities *xsync.MapOf[ownership.Entity, *ConnectionInstance]
	// last known state of every switch entity reported to this member
	lastKnown *xsync.MapOf[ownership.Entity, ownership.State]

	started  atomic.Bool
	mu       sync.Mutex
	listener ownership.ListenerRegistration
	provider ownership.Registration
}

func NewOwnershipCoordinator(service ownership.Service, manager *ConnectionManager) *OwnershipCoordinator {
	return &OwnershipCoordinator{
		service:   service,
		manager:   manager,
		entities:  xsync.NewMapOf[ownership.Entity, *ConnectionInstance](),
		lastKnown: xsync.NewMapOf[ownership.Entity, ownership.State](),
	}
}

// Start registers the switch entity listener and the provider candidacy. Later calls are
// no-ops.
func (c *OwnershipCoordinator) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	lr, err := c.service.RegisterListener(ownership.SwitchEntityType, c)
	if err != nil {
		c.started.Store(false)
		return fmt.Errorf("register ownership listener: %w", err)
	}
	provider, err := c.service.RegisterCandidate(ownership.ProviderEntity())
	if err != nil && !errors.Is(err, ownership.ErrCandidateRegistered) {
		lr.Close()
		c.started.Store(false)
		return fmt.Errorf("register provider candidacy: %w", err)
	}
	c.mu.Lock()
	c.listener = lr
	c.provider = provider
	c.mu.Unlock()
	return nil
}

func (c *OwnershipCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	if c.provider != nil {
		c.provider.Close()
		c.provider = nil
	}
}

// Leader returns the member owning the provider entity.
func (c *OwnershipCoordinator) Leader(ctx context.Context) (string, bool, error) {
	return c.service.GetOwner(ctx, ownership.ProviderEntity())
}

// LastKnown returns the last ownership state reported for a node.
func (c *OwnershipCoordinator) LastKnown(nodeID string) (ownership.State, bool) {
	return c.lastKnown.Load(ownership.NewSwitchEntity(nodeID))
}

// evictStale tears down an older instance that still holds the candidacy of the entity.
func (c *OwnershipCoordinator) evictStale(inst *ConnectionInstance) {
	old, ok := c.entities.Load(inst.Entity())
	if !ok || old == inst {
		return
	}
	klog.Errorf("%s: entity %s still registered by %s, tearing it down", inst, inst.Entity(), old)
	c.manager.teardown(old, "stale ownership candidacy")
}

// RegisterEntity registers the instance as candidate for its switch and applies the current
// ownership state right away.
func (c *OwnershipCoordinator) RegisterEntity(inst *ConnectionInstance) error {
	entity := inst.Entity()
	c.evictStale(inst)
	reg, err := c.service.RegisterCandidate(entity)
	if err != nil {
		if errors.Is(err, ownership.ErrCandidateRegistered) {
			klog.Errorf("%s: candidacy for %s already registered", inst, entity)
		}
		return err
	}
	inst.setRegistration(reg)
	c.entities.Store(entity, inst)
	klog.V(3).Infof("%s: registered candidacy for %s", inst, entity)

	ctx, cancel := context.WithTimeout(c.manager.ctx, c.manager.config.ReadTimeout)
	state, err := c.service.GetOwnershipState(ctx, entity)
	cancel()
	if err != nil {
		klog.Warningf("%s: ownership state unknown, waiting for notification: %v", inst, err)
		return nil
	}
	switch {
	case state.IsOwner:
		// an already decided state is not notified again
		c.grant(inst)
	case state.HasOwner:
		klog.Infof("%s: owned by another member", inst)
	}
	return nil
}

// UnregisterEntity withdraws the candidacy of the instance, it may be called more than once.
func (c *OwnershipCoordinator) UnregisterEntity(inst *ConnectionInstance) {
	inst.closeRegistration()
	c.entities.Compute(inst.Entity(), func(old *ConnectionInstance, loaded bool) (*ConnectionInstance, bool) {
		return old, loaded && old == inst
	})
}

func (c *OwnershipCoordinator) OwnershipChanged(change ownership.Change) {
	klog.V(3).Infof("ownership changed: %s", change)
	entity := change.Entity
	c.lastKnown.Store(entity, ownership.State{IsOwner: change.IsOwner, HasOwner: change.HasOwner})
	metrics.MetricOwnershipChanges.WithLabelValues(transition(change)).Inc()
	if !change.HasOwner {
		// the last owner may have crashed before removing the record
		klog.Infof("%s has no owner, removing its operational record", entity)
		c.manager.cleanup.Invoke(newNodeRemoveCommand(common.NewOperNodeKey(c.manager.broker.Prefix(), entity.ID)))
	}
	inst, ok := c.entities.Load(entity)
	if !ok {
		klog.V(4).Infof("%s: no local instance", entity)
		return
	}
	// serialized with the connect and disconnect of the switch
	c.manager.actors.Post(inst.Address(), func() {
		c.applyChange(inst, change)
	})
}

func (c *OwnershipCoordinator) applyChange(inst *ConnectionInstance, change ownership.Change) {
	if current, ok := c.entities.Load(change.Entity); !ok || current != inst || inst.closed.Load() {
		klog.V(4).Infof("%s: ownership change for a closed session ignored", inst)
		return
	}
	if change.IsOwner == inst.IsOwner() {
		klog.V(4).Infof("%s: ownership unchanged", inst)
		return
	}
	if change.IsOwner {
		c.grant(inst)
		return
	}
	if inst.setOwner(false) {
		metrics.MetricOwnedSwitches.Dec()
	}
	if err := inst.CancelMonitors(c.manager.ctx); err != nil {
		klog.Warningf("%s: %v", inst, err)
	}
	klog.Errorf("%s: ownership lost while connected, the session stays passive", inst)
}

func (c *OwnershipCoordinator) grant(inst *ConnectionInstance) {
	if !inst.setOwner(true) {
		return
	}
	metrics.MetricOwnedSwitches.Inc()
	klog.Infof("%s: this member is the owner", inst)
	inst.createOperRecord()
	if err := inst.RegisterMonitors(c.manager.ctx); err != nil {
		klog.Errorf("%s: register monitors: %v", inst, err)
	}
	c.manager.reconciler.Enqueue(newBridgeConfigTask(c.manager, inst.nodeID, nil))
}

func transition(change ownership.Change) string {
	switch {
	case !change.HasOwner:
		return "no-owner"
	case change.IsOwner && !change.WasOwner:
		return "granted"
	case !change.IsOwner && change.WasOwner:
		return "revoked"
	}
	return "unchanged"
}

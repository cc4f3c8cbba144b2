package ownership

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	// SwitchEntityType is the entity type of managed switches, the id is the node id
	SwitchEntityType = "ovsdb"
	// ProviderEntityType is the singleton entity of the southbound provider role
	ProviderEntityType = "ovsdb-southbound-provider"
	ProviderEntityID   = "ovsdb-southbound-provider"
)

var ErrCandidateRegistered = errors.New("candidate already registered")

type Entity struct {
	Type string
	ID   string
}

func (e Entity) String() string {
	return fmt.Sprintf("%s[%s]", e.Type, e.ID)
}

func NewSwitchEntity(nodeID string) Entity {
	return Entity{Type: SwitchEntityType, ID: nodeID}
}

func ProviderEntity() Entity {
	return Entity{Type: ProviderEntityType, ID: ProviderEntityID}
}

type State struct {
	IsOwner  bool
	HasOwner bool
}

type Change struct {
	Entity   Entity
	WasOwner bool
	IsOwner  bool
	HasOwner bool
}

func (c Change) String() string {
	return fmt.Sprintf("%s wasOwner=%t isOwner=%t hasOwner=%t", c.Entity, c.WasOwner, c.IsOwner, c.HasOwner)
}

// Registration is a candidacy, Close withdraws it and may be called more than once.
type Registration interface {
	Entity() Entity
	Close()
}

type Listener interface {
	OwnershipChanged(change Change)
}

type ListenerRegistration interface {
	Close()
}

// Service elects one owner per entity among the registered candidates of the cluster.
type Service interface {
	RegisterCandidate(entity Entity) (Registration, error)
	GetOwnershipState(ctx context.Context, entity Entity) (State, error)
	// GetOwner returns the member id of the entity owner
	GetOwner(ctx context.Context, entity Entity) (string, bool, error)
	// RegisterListener delivers ownership changes of all entities of the type, in the order the
	// changes happened.
	RegisterListener(entityType string, listener Listener) (ListenerRegistration, error)
	Close()
}

// notifier delivers changes to a listener on a dedicated goroutine, preserving order.
type notifier struct {
	listener Listener

	mu      sync.Mutex
	pending []Change
	signal  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newNotifier(l Listener) *notifier {
	n := &notifier{listener: l, signal: make(chan struct{}, 1), stop: make(chan struct{})}
	go n.run()
	return n
}

func (n *notifier) notify(c Change) {
	n.mu.Lock()
	n.pending = append(n.pending, c)
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.stop:
			return
		case <-n.signal:
		}
		for {
			n.mu.Lock()
			batch := n.pending
			n.pending = nil
			n.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, c := range batch {
				select {
				case <-n.stop:
					return
				default:
				}
				n.listener.OwnershipChanged(c)
			}
		}
	}
}

func (n *notifier) Close() {
	n.once.Do(func() { close(n.stop) })
}

package ownership

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// MemoryCluster is an in-process ownership service shared by its members. The first
// registered candidate of an entity owns it until it withdraws.
type MemoryCluster struct {
	mu         sync.Mutex
	candidates map[Entity][]string
	listeners  map[string][]*memoryListener
}

func NewMemoryCluster() *MemoryCluster {
	return &MemoryCluster{
		candidates: map[Entity][]string{},
		listeners:  map[string][]*memoryListener{},
	}
}

// Member returns the Service of a cluster member.
func (c *MemoryCluster) Member(memberID string) *MemoryMember {
	return &MemoryMember{cluster: c, id: memberID}
}

// Crash withdraws all candidacies of a member, as the expiry of its session would.
func (c *MemoryCluster) Crash(memberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for entity, members := range c.candidates {
		if lo.Contains(members, memberID) {
			c.updateLocked(entity, lo.Without(members, memberID))
		}
	}
	for _, l := range c.listeners[memberID] {
		l.notifier.Close()
	}
	delete(c.listeners, memberID)
}

func (c *MemoryCluster) owner(entity Entity) string {
	if members := c.candidates[entity]; len(members) > 0 {
		return members[0]
	}
	return ""
}

func (c *MemoryCluster) updateLocked(entity Entity, members []string) {
	oldOwner := c.owner(entity)
	if len(members) == 0 {
		delete(c.candidates, entity)
	} else {
		c.candidates[entity] = members
	}
	newOwner := c.owner(entity)
	if oldOwner == newOwner {
		return
	}
	for memberID, listeners := range c.listeners {
		change := Change{
			Entity:   entity,
			WasOwner: oldOwner == memberID,
			IsOwner:  newOwner == memberID,
			HasOwner: newOwner != "",
		}
		for _, l := range listeners {
			if l.entityType == entity.Type {
				l.notify(change)
			}
		}
	}
}

type MemoryMember struct {
	cluster *MemoryCluster
	id      string
}

var _ Service = &MemoryMember{}

func (m *MemoryMember) ID() string {
	return m.id
}

func (m *MemoryMember) RegisterCandidate(entity Entity) (Registration, error) {
	c := m.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	members := c.candidates[entity]
	if lo.Contains(members, m.id) {
		return nil, ErrCandidateRegistered
	}
	c.updateLocked(entity, append(append([]string(nil), members...), m.id))
	return &memoryRegistration{member: m, entity: entity}, nil
}

func (m *MemoryMember) GetOwnershipState(_ context.Context, entity Entity) (State, error) {
	c := m.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	owner := c.owner(entity)
	return State{IsOwner: owner == m.id, HasOwner: owner != ""}, nil
}

func (m *MemoryMember) GetOwner(_ context.Context, entity Entity) (string, bool, error) {
	c := m.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	owner := c.owner(entity)
	return owner, owner != "", nil
}

func (m *MemoryMember) RegisterListener(entityType string, listener Listener) (ListenerRegistration, error) {
	c := m.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &memoryListener{notifier: newNotifier(listener), member: m, entityType: entityType}
	c.listeners[m.id] = append(c.listeners[m.id], l)
	return l, nil
}

// InjectChange delivers a change to the listeners of this member without changing ownership.
func (m *MemoryMember) InjectChange(change Change) {
	c := m.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.listeners[m.id] {
		if l.entityType == change.Entity.Type {
			l.notify(change)
		}
	}
}

// Close withdraws every candidacy of the member.
func (m *MemoryMember) Close() {
	m.cluster.Crash(m.id)
}

type memoryRegistration struct {
	member *MemoryMember
	entity Entity
	once   sync.Once
}

func (r *memoryRegistration) Entity() Entity {
	return r.entity
}

func (r *memoryRegistration) Close() {
	r.once.Do(func() {
		c := r.member.cluster
		c.mu.Lock()
		defer c.mu.Unlock()
		members := c.candidates[r.entity]
		if lo.Contains(members, r.member.id) {
			c.updateLocked(r.entity, lo.Without(members, r.member.id))
		}
	})
}

type memoryListener struct {
	*notifier
	member     *MemoryMember
	entityType string
}

func (l *memoryListener) Close() {
	c := l.member.cluster
	c.mu.Lock()
	c.listeners[l.member.id] = lo.Without(c.listeners[l.member.id], l)
	c.mu.Unlock()
	l.notifier.Close()
}

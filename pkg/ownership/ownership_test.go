package ownership

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type changeRecorder chan Change

func (r changeRecorder) OwnershipChanged(c Change) { r <- c }

func (r changeRecorder) next(t *testing.T) Change {
	select {
	case c := <-r:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no ownership change delivered")
	}
	return Change{}
}

func (r changeRecorder) none(t *testing.T) {
	select {
	case c := <-r:
		t.Fatalf("unexpected change %s", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryFirstCandidateOwns(t *testing.T) {
	ctx := context.Background()
	cluster := NewMemoryCluster()
	m1, m2 := cluster.Member("m1"), cluster.Member("m2")
	rec1, rec2 := make(changeRecorder, 10), make(changeRecorder, 10)
	_, err := m1.RegisterListener(SwitchEntityType, rec1)
	require.Nil(t, err)
	_, err = m2.RegisterListener(SwitchEntityType, rec2)
	require.Nil(t, err)

	e := NewSwitchEntity("ovsdb://uuid/1")
	reg1, err := m1.RegisterCandidate(e)
	require.Nil(t, err)
	_, err = m1.RegisterCandidate(e)
	assert.ErrorIs(t, err, ErrCandidateRegistered)
	reg2, err := m2.RegisterCandidate(e)
	require.Nil(t, err)

	assert.Equal(t, Change{Entity: e, IsOwner: true, HasOwner: true}, rec1.next(t))
	assert.Equal(t, Change{Entity: e, HasOwner: true}, rec2.next(t))
	rec1.none(t)

	state, err := m2.GetOwnershipState(ctx, e)
	require.Nil(t, err)
	assert.Equal(t, State{IsOwner: false, HasOwner: true}, state)
	owner, ok, err := m2.GetOwner(ctx, e)
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "m1", owner)

	reg1.Close()
	reg1.Close()
	assert.Equal(t, Change{Entity: e, WasOwner: true, IsOwner: false, HasOwner: true}, rec1.next(t))
	assert.Equal(t, Change{Entity: e, IsOwner: true, HasOwner: true}, rec2.next(t))

	reg2.Close()
	assert.Equal(t, Change{Entity: e, WasOwner: true, HasOwner: false}, rec2.next(t))
	assert.Equal(t, Change{Entity: e, HasOwner: false}, rec1.next(t))
}

func TestMemoryCrashLeavesNoOwner(t *testing.T) {
	cluster := NewMemoryCluster()
	m1, m2 := cluster.Member("m1"), cluster.Member("m2")
	rec := make(changeRecorder, 10)
	_, err := m2.RegisterListener(SwitchEntityType, rec)
	require.Nil(t, err)
	e := NewSwitchEntity("n1")
	_, err = m1.RegisterCandidate(e)
	require.Nil(t, err)
	assert.Equal(t, Change{Entity: e, HasOwner: true}, rec.next(t))

	cluster.Crash("m1")
	assert.Equal(t, Change{Entity: e, HasOwner: false}, rec.next(t))
}

func TestMemoryListenerFiltersTypeAndKeepsOrder(t *testing.T) {
	cluster := NewMemoryCluster()
	m := cluster.Member("m1")
	rec := make(changeRecorder, 100)
	lr, err := m.RegisterListener(SwitchEntityType, rec)
	require.Nil(t, err)
	_, err = m.RegisterCandidate(ProviderEntity())
	require.Nil(t, err)
	for i := 0; i < 20; i++ {
		m.InjectChange(Change{Entity: NewSwitchEntity(fmt.Sprintf("n%d", i)), IsOwner: true, HasOwner: true})
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("n%d", i), rec.next(t).Entity.ID)
	}
	rec.none(t)
	lr.Close()
	m.InjectChange(Change{Entity: NewSwitchEntity("late"), HasOwner: true})
	rec.none(t)
}

func TestEtcdElection(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS is not set")
	}
	ctx := context.Background()
	cli, err := clientv3.New(clientv3.Config{Endpoints: strings.Split(endpoints, ","), DialTimeout: 5 * time.Second})
	require.Nil(t, err)
	defer cli.Close()
	prefix := fmt.Sprintf("test-%d", time.Now().UnixNano())
	defer cli.Delete(ctx, prefix, clientv3.WithPrefix())

	s1, err := NewEtcdService(ctx, cli, prefix, "m1", 5*time.Second, logr.Discard())
	require.Nil(t, err)
	defer s1.Close()
	s2, err := NewEtcdService(ctx, cli, prefix, "m2", 5*time.Second, logr.Discard())
	require.Nil(t, err)
	defer s2.Close()

	rec2 := make(changeRecorder, 10)
	_, err = s2.RegisterListener(SwitchEntityType, rec2)
	require.Nil(t, err)

	e := NewSwitchEntity("ovsdb://10.0.0.1:6640")
	reg1, err := s1.RegisterCandidate(e)
	require.Nil(t, err)
	assert.Equal(t, Change{Entity: e, HasOwner: true}, rec2.next(t))

	_, err = s2.RegisterCandidate(e)
	require.Nil(t, err)
	state, err := s2.GetOwnershipState(ctx, e)
	require.Nil(t, err)
	assert.Equal(t, State{IsOwner: false, HasOwner: true}, state)
	owner, ok, err := s2.GetOwner(ctx, e)
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "m1", owner)

	reg1.Close()
	assert.Equal(t, Change{Entity: e, IsOwner: true, HasOwner: true}, rec2.next(t))
}

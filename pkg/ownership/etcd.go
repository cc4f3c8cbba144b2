package ownership

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/ibm/ovsdb-southbound/pkg/datastore"
)

const ownershipSegment = "ownership"

// EtcdService elects entity owners with etcd elections. All candidacies of the process share
// one lease, so a crashed process loses all its entities when the lease expires.
type EtcdService struct {
	cli     *clientv3.Client
	session *concurrency.Session
	prefix  string
	nodeID  string
	log     logr.Logger

	candidates *xsync.MapOf[Entity, *etcdRegistration]
	ctx        context.Context
	cancel     context.CancelFunc
}

var _ Service = &EtcdService{}

func NewEtcdService(ctx context.Context, cli *clientv3.Client, prefix, nodeID string, ttl time.Duration, log logr.Logger) (*EtcdService, error) {
	sctx, cancel := context.WithCancel(ctx)
	session, err := concurrency.NewSession(cli, concurrency.WithTTL(int(ttl.Seconds())), concurrency.WithContext(sctx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create etcd session: %w", err)
	}
	return &EtcdService{
		cli:        cli,
		session:    session,
		prefix:     prefix,
		nodeID:     nodeID,
		log:        log,
		candidates: xsync.NewMapOf[Entity, *etcdRegistration](),
		ctx:        sctx,
		cancel:     cancel,
	}, nil
}

func (s *EtcdService) typePrefix(entityType string) string {
	return strings.Join([]string{s.prefix, ownershipSegment, url.PathEscape(entityType)}, "/")
}

func (s *EtcdService) entityPrefix(entity Entity) string {
	return s.typePrefix(entity.Type) + "/" + url.PathEscape(entity.ID)
}

// entityFromKey parses <prefix>/ownership/<type>/<id>/<lease>
func (s *EtcdService) entityFromKey(key string) (Entity, bool) {
	rest := strings.TrimPrefix(key, s.prefix+"/"+ownershipSegment+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return Entity{}, false
	}
	t, err1 := url.PathUnescape(parts[0])
	id, err2 := url.PathUnescape(parts[1])
	if err1 != nil || err2 != nil {
		return Entity{}, false
	}
	return Entity{Type: t, ID: id}, true
}

func (s *EtcdService) RegisterCandidate(entity Entity) (Registration, error) {
	reg := &etcdRegistration{service: s, entity: entity, done: make(chan struct{})}
	if _, loaded := s.candidates.LoadOrStore(entity, reg); loaded {
		return nil, ErrCandidateRegistered
	}
	ctx, cancel := context.WithCancel(s.ctx)
	reg.cancel = cancel
	reg.election = concurrency.NewElection(s.session, s.entityPrefix(entity))
	go func() {
		defer close(reg.done)
		// Campaign returns once elected; a cancelled campaign withdraws its key itself
		if err := reg.election.Campaign(ctx, s.nodeID); err != nil && ctx.Err() == nil {
			s.log.Error(err, "campaign failed", "entity", entity.String())
			return
		}
		if ctx.Err() == nil {
			s.log.V(3).Info("elected", "entity", entity.String())
		}
	}()
	return reg, nil
}

func (s *EtcdService) owner(ctx context.Context, entity Entity) (*ownerInfo, error) {
	resp, err := s.cli.Get(ctx, s.entityPrefix(entity)+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return nil, fmt.Errorf("get owner of %s: %w", entity, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	kv := resp.Kvs[0]
	return &ownerInfo{member: string(kv.Value), lease: clientv3.LeaseID(kv.Lease)}, nil
}

type ownerInfo struct {
	member string
	lease  clientv3.LeaseID
}

func (s *EtcdService) isSelf(o *ownerInfo) bool {
	return o != nil && o.lease == s.session.Lease()
}

func (s *EtcdService) GetOwnershipState(ctx context.Context, entity Entity) (State, error) {
	o, err := s.owner(ctx, entity)
	if err != nil {
		return State{}, err
	}
	return State{IsOwner: s.isSelf(o), HasOwner: o != nil}, nil
}

func (s *EtcdService) GetOwner(ctx context.Context, entity Entity) (string, bool, error) {
	o, err := s.owner(ctx, entity)
	if err != nil || o == nil {
		return "", false, err
	}
	return o.member, true, nil
}

func (s *EtcdService) RegisterListener(entityType string, listener Listener) (ListenerRegistration, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	l := &etcdListener{notifier: newNotifier(listener), cancel: cancel, owners: map[Entity]*ownerInfo{}}
	typePrefix := s.typePrefix(entityType) + "/"
	resp, err := s.cli.Get(ctx, typePrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("list %s candidates: %w", entityType, err)
	}
	for _, kv := range resp.Kvs {
		entity, ok := s.entityFromKey(string(kv.Key))
		if !ok {
			continue
		}
		if _, known := l.owners[entity]; known {
			continue
		}
		o, err := s.owner(ctx, entity)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.owners[entity] = o
	}
	w := &datastore.EtcdWatcher{
		Open: func(ctx context.Context, rev int64) clientv3.WatchChan {
			return s.cli.Watch(clientv3.WithRequireLeader(ctx), typePrefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
		},
		Resync: func(ctx context.Context) (int64, error) {
			return s.resync(ctx, l, typePrefix)
		},
		Handle: func(ev *clientv3.Event) {
			if entity, ok := s.entityFromKey(string(ev.Kv.Key)); ok {
				s.evaluate(ctx, l, entity)
			}
		},
		Log: s.log.WithValues("entityType", entityType),
	}
	go w.Run(ctx, resp.Header.Revision+1)
	return l, nil
}

// resync evaluates every entity with candidates and every entity known to the listener, the
// latter may have lost all its candidates while the watch was down.
func (s *EtcdService) resync(ctx context.Context, l *etcdListener, typePrefix string) (int64, error) {
	resp, err := s.cli.Get(ctx, typePrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return 0, fmt.Errorf("list candidates: %w", err)
	}
	entities := map[Entity]struct{}{}
	for entity := range l.owners {
		entities[entity] = struct{}{}
	}
	for _, kv := range resp.Kvs {
		if entity, ok := s.entityFromKey(string(kv.Key)); ok {
			entities[entity] = struct{}{}
		}
	}
	for entity := range entities {
		s.evaluate(ctx, l, entity)
	}
	return resp.Header.Revision, nil
}

// evaluate reads the current owner and emits a change when it differs from the last one seen.
func (s *EtcdService) evaluate(ctx context.Context, l *etcdListener, entity Entity) {
	o, err := s.owner(ctx, entity)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error(err, "evaluate ownership", "entity", entity.String())
		}
		return
	}
	prev := l.owners[entity]
	if (prev == nil && o == nil) || (prev != nil && o != nil && prev.lease == o.lease) {
		return
	}
	l.owners[entity] = o
	change := Change{Entity: entity, WasOwner: s.isSelf(prev), IsOwner: s.isSelf(o), HasOwner: o != nil}
	s.log.V(3).Info("ownership changed", "change", change.String())
	l.notify(change)
}

func (s *EtcdService) Close() {
	s.candidates.Range(func(_ Entity, reg *etcdRegistration) bool {
		reg.Close()
		return true
	})
	if err := s.session.Close(); err != nil {
		s.log.Error(err, "close etcd session")
	}
	s.cancel()
}

type etcdRegistration struct {
	service  *EtcdService
	entity   Entity
	election *concurrency.Election
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (r *etcdRegistration) Entity() Entity {
	return r.entity
}

func (r *etcdRegistration) Close() {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.election.Resign(ctx); err != nil {
			r.service.log.Error(err, "resign", "entity", r.entity.String())
		}
		r.service.candidates.Delete(r.entity)
	})
}

type etcdListener struct {
	*notifier
	cancel context.CancelFunc
	// owned by the watch goroutine after registration
	owners map[Entity]*ownerInfo
}

func (l *etcdListener) Close() {
	l.cancel()
	l.notifier.Close()
}

package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/creachadair/jrpc2/handler"
	"github.com/samber/lo"

	"github.com/ibm/ovsdb-southbound/pkg/southbound"
)

// Connection describes one live switch session of this process.
type Connection struct {
	NodeID             string    `json:"node_id"`
	Address            string    `json:"address"`
	Remote             string    `json:"remote"`
	Active             bool      `json:"active"`
	Owner              bool      `json:"owner"`
	HasOwner           bool      `json:"has_owner"`
	MonitorsRegistered bool      `json:"monitors_registered"`
	SchemaVersion      string    `json:"schema_version,omitempty"`
	ConnectedAt        time.Time `json:"connected_at"`
}

type Leader struct {
	MemberID string `json:"member_id,omitempty"`
	Elected  bool   `json:"elected"`
}

type NodeParams struct {
	NodeID string `json:"node_id"`
}

// Service answers operator requests about the connection registry.
type Service struct {
	manager *southbound.ConnectionManager
}

func NewService(manager *southbound.ConnectionManager) *Service {
	return &Service{manager: manager}
}

func (s *Service) describe(inst *southbound.ConnectionInstance) Connection {
	c := Connection{
		NodeID:             inst.NodeID(),
		Address:            inst.Address().String(),
		Remote:             inst.Address().Remote().String(),
		Active:             inst.Client().IsActive(),
		Owner:              inst.IsOwner(),
		MonitorsRegistered: inst.MonitorsRegistered(),
		SchemaVersion:      inst.SchemaVersion(),
		ConnectedAt:        inst.ConnectedAt(),
	}
	if state, ok := s.manager.Coordinator().LastKnown(inst.NodeID()); ok {
		c.HasOwner = state.HasOwner
	}
	return c
}

func (s *Service) ListConnections(ctx context.Context) ([]Connection, error) {
	conns := lo.Map(s.manager.Instances(), func(inst *southbound.ConnectionInstance, _ int) Connection {
		return s.describe(inst)
	})
	sort.Slice(conns, func(i, j int) bool { return conns[i].NodeID < conns[j].NodeID })
	return conns, nil
}

func (s *Service) GetConnection(ctx context.Context, params NodeParams) (*Connection, error) {
	if params.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}
	inst, ok := s.manager.GetByNodeID(params.NodeID)
	if !ok {
		inst, ok = s.manager.GetByRecordID(ctx, params.NodeID)
	}
	if !ok {
		return nil, fmt.Errorf("node %s is not connected to this member", params.NodeID)
	}
	c := s.describe(inst)
	return &c, nil
}

func (s *Service) Leader(ctx context.Context) (Leader, error) {
	member, elected, err := s.manager.Coordinator().Leader(ctx)
	if err != nil {
		return Leader{}, err
	}
	return Leader{MemberID: member, Elected: elected}, nil
}

// Methods returns the method table of the service.
func (s *Service) Methods() handler.Map {
	return handler.Map{
		"list_connections": handler.New(s.ListConnections),
		"get_connection":   handler.New(s.GetConnection),
		"leader":           handler.New(s.Leader),
	}
}

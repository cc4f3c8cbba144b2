package southbound

import (
	"testing"

	"github.com/ebay/libovsdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibm/ovsdb-southbound/pkg/model"
)

func opNames(ops []libovsdb.Operation) []string {
	var ret []string
	for _, op := range ops {
		ret = append(ret, op.Op+" "+op.Table)
	}
	return ret
}

func TestPlanBridgeOps(t *testing.T) {
	const nodeID = "ovsdb://uuid/u1"
	tag := int64(100)
	live := []*model.Bridge{
		{UUID: "b-int", Name: "br-int", FailMode: "standalone", Ports: []string{"p-int"}},
		{UUID: "b-old", Name: "br-old", ExternalIDs: map[string]string{model.ManagedByExternalID: nodeID}},
		{UUID: "b-foreign", Name: "br-foreign", ExternalIDs: map[string]string{model.ManagedByExternalID: "other"}},
	}
	livePorts := map[string]*model.Port{"p-int": {UUID: "p-int", Name: "br-int"}}

	tests := []struct {
		name     string
		desired  *model.NodeConfig
		expected []string
	}{
		{
			name:     "nothing desired removes managed bridges only",
			desired:  &model.NodeConfig{},
			expected: []string{"mutate Open_vSwitch"},
		},
		{
			name: "up to date",
			desired: &model.NodeConfig{Bridges: []model.BridgeConfig{
				{Name: "br-int", FailMode: "standalone", Ports: []model.PortConfig{{Name: "br-int"}}},
				{Name: "br-old"},
			}},
		},
		{
			name: "changed fail mode and new port",
			desired: &model.NodeConfig{Bridges: []model.BridgeConfig{
				{Name: "br-int", FailMode: "secure", Ports: []model.PortConfig{{Name: "br-int"}, {Name: "vlan100", Tag: &tag}}},
				{Name: "br-old"},
			}},
			expected: []string{"update Bridge", "insert Interface", "insert Port", "mutate Bridge"},
		},
		{
			name: "new bridge",
			desired: &model.NodeConfig{Bridges: []model.BridgeConfig{
				{Name: "br-int", FailMode: "standalone"},
				{Name: "br-old"},
				{Name: "br-ex", DatapathType: "netdev"},
			}},
			expected: []string{"insert Bridge", "mutate Open_vSwitch"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := planBridgeOps(nodeID, "u1", tt.desired, live, livePorts)
			assert.Equal(t, tt.expected, opNames(ops))
		})
	}
}

func TestPlanBridgeOpsReferences(t *testing.T) {
	const nodeID = "ovsdb://uuid/u1"
	desired := &model.NodeConfig{Bridges: []model.BridgeConfig{{
		Name:        "br-ex",
		ExternalIDs: map[string]string{"purpose": "uplink"},
		Ports:       []model.PortConfig{{Name: "eth1", Type: "system"}},
	}}}
	stale := []*model.Bridge{{UUID: "b-old", Name: "br-old", ExternalIDs: map[string]string{model.ManagedByExternalID: nodeID}}}
	ops := planBridgeOps(nodeID, "u1", desired, stale, nil)
	require.Equal(t, []string{"insert Interface", "insert Port", "insert Bridge", "mutate Open_vSwitch"}, opNames(ops))

	iface, port, bridge, ovs := ops[0], ops[1], ops[2], ops[3]
	assert.NotEmpty(t, iface.UUIDName)
	assert.Equal(t, model.UUIDSet(iface.UUIDName), port.Row[model.ColInterfaces])
	assert.Equal(t, model.UUIDSet(port.UUIDName), bridge.Row[model.ColPorts])
	assert.Equal(t, model.StringMap(map[string]string{"purpose": "uplink", model.ManagedByExternalID: nodeID}), bridge.Row[model.ColExternalIDs])
	assert.Equal(t, []interface{}{
		libovsdb.NewMutation(model.ColBridges, "insert", model.UUIDSet(bridge.UUIDName)),
		libovsdb.NewMutation(model.ColBridges, "delete", model.UUIDSet("b-old")),
	}, ovs.Mutations)
	// the configured external ids are not modified
	assert.Equal(t, map[string]string{"purpose": "uplink"}, desired.Bridges[0].ExternalIDs)
}

func TestBridgeConfigTaskCopiesPayload(t *testing.T) {
	cfg := &model.NodeConfig{NodeID: "n1", Bridges: []model.BridgeConfig{{Name: "br0", ExternalIDs: map[string]string{"a": "b"}}}}
	task := newBridgeConfigTask(nil, "n1", cfg)
	cfg.Bridges[0].Name = "changed"
	cfg.Bridges[0].ExternalIDs["a"] = "changed"
	require.NotNil(t, task.payload)
	assert.Equal(t, "br0", task.payload.Bridges[0].Name)
	assert.Equal(t, "b", task.payload.Bridges[0].ExternalIDs["a"])
}

package southbound

import (
	"context"
	"fmt"
	"sort"

	"github.com/ebay/libovsdb"
	"github.com/jinzhu/copier"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/ibm/ovsdb-southbound/pkg/common"
	"github.com/ibm/ovsdb-southbound/pkg/model"
	"github.com/ibm/ovsdb-southbound/pkg/reconciliation"
)

// connectionTask re-establishes the controller initiated session of a node while its
// configuration still requests one.
type connectionTask struct {
	manager *ConnectionManager
	nodeID  string
}

func newConnectionTask(manager *ConnectionManager, nodeID string) *connectionTask {
	return &connectionTask{manager: manager, nodeID: nodeID}
}

func (t *connectionTask) Key() reconciliation.TaskKey {
	return reconciliation.TaskKey{Kind: reconciliation.ConnectionTask, Target: t.nodeID}
}

func (t *connectionTask) Reconcile(ctx context.Context) error {
	cfg, err := t.manager.readConfig(t.nodeID)
	if err != nil {
		return fmt.Errorf("read configuration of %s: %w", t.nodeID, err)
	}
	if _, ok := cfg.RemoteAddress(); !ok {
		klog.V(3).Infof("%s: no longer configured for a controller initiated session", t.nodeID)
		return nil
	}
	return t.manager.connect(ctx, t.nodeID, cfg)
}

// bridgeConfigTask makes the bridges and ports of an owned switch match its configuration.
// Bridges the controller created and that are no longer configured are removed.
type bridgeConfigTask struct {
	manager *ConnectionManager
	nodeID  string
	// payload is a snapshot of the configuration; nil reads the current one when the task runs
	payload *model.NodeConfig
}

func newBridgeConfigTask(manager *ConnectionManager, nodeID string, cfg *model.NodeConfig) *bridgeConfigTask {
	t := &bridgeConfigTask{manager: manager, nodeID: nodeID}
	if cfg != nil {
		payload := &model.NodeConfig{}
		if err := copier.CopyWithOption(payload, cfg, copier.Option{DeepCopy: true}); err != nil {
			klog.Errorf("%s: copy configuration: %v", nodeID, err)
		} else {
			t.payload = payload
		}
	}
	return t
}

func (t *bridgeConfigTask) Key() reconciliation.TaskKey {
	return reconciliation.TaskKey{Kind: reconciliation.BridgeConfigTask, Target: t.nodeID}
}

func (t *bridgeConfigTask) Reconcile(ctx context.Context) error {
	inst, ok := t.manager.GetByNodeID(t.nodeID)
	if !ok || !inst.IsOwner() {
		klog.V(3).Infof("%s: not connected or not owned, bridge reconciliation skipped", t.nodeID)
		return nil
	}
	desired := t.payload
	if desired == nil {
		cfg, err := t.manager.readConfig(t.nodeID)
		if err != nil {
			return fmt.Errorf("read configuration of %s: %w", t.nodeID, err)
		}
		desired = cfg
	}
	if desired == nil {
		desired = &model.NodeConfig{NodeID: t.nodeID}
	}

	results, err := inst.Transact(ctx,
		selectOp(model.OpenVSwitchTable, model.ColUUID),
		selectOp(model.BridgeTable, model.ColUUID, model.ColName, model.ColFailMode, model.ColDatapath, model.ColExternalIDs, model.ColPorts),
		selectOp(model.PortTable, model.ColUUID, model.ColName),
	)
	if err != nil {
		return fmt.Errorf("read bridges of %s: %w", t.nodeID, err)
	}
	if len(results) < 3 || len(results[0].Rows) == 0 {
		return fmt.Errorf("%s: no Open_vSwitch row", t.nodeID)
	}
	ovs, err := model.DecodeRow(model.OpenVSwitchTable, "", results[0].Rows[0])
	if err != nil {
		return err
	}
	var bridges []*model.Bridge
	for _, r := range results[1].Rows {
		row, err := model.DecodeRow(model.BridgeTable, "", r)
		if err != nil {
			return err
		}
		bridges = append(bridges, row.(*model.Bridge))
	}
	ports := map[string]*model.Port{}
	for _, r := range results[2].Rows {
		row, err := model.DecodeRow(model.PortTable, "", r)
		if err != nil {
			return err
		}
		ports[row.RowUUID()] = row.(*model.Port)
	}

	ops := planBridgeOps(t.nodeID, ovs.RowUUID(), desired, bridges, ports)
	if len(ops) == 0 {
		klog.V(4).Infof("%s: bridges are up to date", t.nodeID)
		return nil
	}
	klog.Infof("%s: reconciling bridges, %d operations", t.nodeID, len(ops))
	if _, err := inst.Transact(ctx, ops...); err != nil {
		return fmt.Errorf("update bridges of %s: %w", t.nodeID, err)
	}
	return nil
}

func uuidCondition(uuid string) []interface{} {
	return []interface{}{libovsdb.NewCondition(model.ColUUID, "==", common.ToUUID(uuid))}
}

// planBridgeOps returns the operations turning the live bridges into the desired ones.
func planBridgeOps(nodeID, ovsUUID string, desired *model.NodeConfig, live []*model.Bridge, livePorts map[string]*model.Port) []libovsdb.Operation {
	var ops []libovsdb.Operation
	liveByName := lo.KeyBy(live, func(b *model.Bridge) string { return b.Name })
	var newBridges []string
	for _, bc := range desired.Bridges {
		br, exists := liveByName[bc.Name]
		if !exists {
			var portRefs []string
			for _, pc := range bc.Ports {
				portOps, ref := insertPortOps(pc)
				ops = append(ops, portOps...)
				portRefs = append(portRefs, ref)
			}
			ref := common.NewNamedUUID()
			row := bridgeRow(bc)
			row[model.ColExternalIDs] = model.StringMap(lo.Assign(bc.ExternalIDs, map[string]string{model.ManagedByExternalID: nodeID}))
			row[model.ColPorts] = model.UUIDSet(portRefs...)
			ops = append(ops, libovsdb.Operation{Op: "insert", Table: model.BridgeTable, Row: row, UUIDName: ref})
			newBridges = append(newBridges, ref)
			continue
		}
		if row := bridgeUpdate(bc, br); len(row) > 0 {
			ops = append(ops, libovsdb.Operation{Op: "update", Table: model.BridgeTable, Row: row, Where: uuidCondition(br.UUID)})
		}
		livePortNames := lo.FilterMap(br.Ports, func(uuid string, _ int) (string, bool) {
			p, ok := livePorts[uuid]
			if !ok {
				return "", false
			}
			return p.Name, true
		})
		var added []string
		for _, pc := range bc.Ports {
			if lo.Contains(livePortNames, pc.Name) {
				continue
			}
			portOps, ref := insertPortOps(pc)
			ops = append(ops, portOps...)
			added = append(added, ref)
		}
		if len(added) > 0 {
			ops = append(ops, libovsdb.Operation{
				Op:        "mutate",
				Table:     model.BridgeTable,
				Where:     uuidCondition(br.UUID),
				Mutations: []interface{}{libovsdb.NewMutation(model.ColPorts, "insert", model.UUIDSet(added...))},
			})
		}
	}

	desiredNames := lo.Map(desired.Bridges, func(bc model.BridgeConfig, _ int) string { return bc.Name })
	stale := lo.FilterMap(live, func(b *model.Bridge, _ int) (string, bool) {
		return b.UUID, b.ExternalIDs[model.ManagedByExternalID] == nodeID && !lo.Contains(desiredNames, b.Name)
	})
	sort.Strings(stale)

	var mutations []interface{}
	if len(newBridges) > 0 {
		mutations = append(mutations, libovsdb.NewMutation(model.ColBridges, "insert", model.UUIDSet(newBridges...)))
	}
	if len(stale) > 0 {
		// unreferenced bridges and their ports are garbage collected
		mutations = append(mutations, libovsdb.NewMutation(model.ColBridges, "delete", model.UUIDSet(stale...)))
	}
	if len(mutations) > 0 {
		ops = append(ops, libovsdb.Operation{Op: "mutate", Table: model.OpenVSwitchTable, Where: uuidCondition(ovsUUID), Mutations: mutations})
	}
	return ops
}

func bridgeRow(bc model.BridgeConfig) map[string]interface{} {
	row := map[string]interface{}{model.ColName: bc.Name}
	if bc.FailMode != "" {
		row[model.ColFailMode] = bc.FailMode
	}
	if bc.DatapathType != "" {
		row[model.ColDatapath] = bc.DatapathType
	}
	return row
}

// bridgeUpdate returns the changed columns of a live bridge. External ids that are not
// configured are kept.
func bridgeUpdate(bc model.BridgeConfig, br *model.Bridge) map[string]interface{} {
	row := map[string]interface{}{}
	if bc.FailMode != "" && bc.FailMode != br.FailMode {
		row[model.ColFailMode] = bc.FailMode
	}
	if bc.DatapathType != "" && bc.DatapathType != br.DatapathType {
		row[model.ColDatapath] = bc.DatapathType
	}
	for k, v := range bc.ExternalIDs {
		if br.ExternalIDs[k] != v {
			row[model.ColExternalIDs] = model.StringMap(lo.Assign(br.ExternalIDs, bc.ExternalIDs))
			break
		}
	}
	return row
}

// insertPortOps inserts a port with a single interface of the same name and returns the
// named uuid of the port.
func insertPortOps(pc model.PortConfig) ([]libovsdb.Operation, string) {
	ifaceRef, portRef := common.NewNamedUUID(), common.NewNamedUUID()
	iface := map[string]interface{}{model.ColName: pc.Name}
	if pc.Type != "" {
		iface[model.ColType] = pc.Type
	}
	if len(pc.Options) > 0 {
		iface[model.ColOptions] = model.StringMap(pc.Options)
	}
	port := map[string]interface{}{
		model.ColName:       pc.Name,
		model.ColInterfaces: model.UUIDSet(ifaceRef),
	}
	if pc.Tag != nil {
		port[model.ColTag] = *pc.Tag
	}
	return []libovsdb.Operation{
		{Op: "insert", Table: model.InterfaceTable, Row: iface, UUIDName: ifaceRef},
		{Op: "insert", Table: model.PortTable, Row: port, UUIDName: portRef},
	}, portRef
}

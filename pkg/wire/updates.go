package wire

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ebay/libovsdb"
	"github.com/samber/lo"

	"github.com/ibm/ovsdb-southbound/pkg/model"
)

// RowChange is one of RowCreated, RowUpdated or RowRemoved.
type RowChange interface {
	Table() string
	UUID() string
}

type RowCreated struct {
	Row model.Row
}

// RowUpdated carries the complete new row, Old holds only the columns that changed.
type RowUpdated struct {
	Old model.Row
	New model.Row
}

type RowRemoved struct {
	Row model.Row
}

func (c RowCreated) Table() string { return c.Row.TableName() }
func (c RowCreated) UUID() string  { return c.Row.RowUUID() }
func (c RowUpdated) Table() string { return c.New.TableName() }
func (c RowUpdated) UUID() string  { return c.New.RowUUID() }
func (c RowRemoved) Table() string { return c.Row.TableName() }
func (c RowRemoved) UUID() string  { return c.Row.RowUUID() }

// DecodeTableUpdates decodes the <table-updates> member of an update notification.
func DecodeTableUpdates(raw interface{}) (*libovsdb.TableUpdates, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rowUpdates map[string]map[string]libovsdb.RowUpdate
	if err := json.Unmarshal(b, &rowUpdates); err != nil {
		return nil, fmt.Errorf("unmarshal table updates: %w", err)
	}
	updates := tableUpdatesFromRaw(rowUpdates)
	return &updates, nil
}

func tableUpdatesFromRaw(raw map[string]map[string]libovsdb.RowUpdate) libovsdb.TableUpdates {
	updates := libovsdb.TableUpdates{Updates: make(map[string]libovsdb.TableUpdate, len(raw))}
	for table, rows := range raw {
		updates.Updates[table] = libovsdb.TableUpdate{Rows: rows}
	}
	return updates
}

// ParseTableUpdates converts table updates of the monitored tables into row changes. Changes
// are ordered parents first (Open_vSwitch, Bridge, Port, Interface) and by uuid within a table.
// Tables that are not monitored are skipped.
func ParseTableUpdates(updates libovsdb.TableUpdates) ([]RowChange, error) {
	var changes []RowChange
	for _, table := range model.MonitoredTables {
		tu, ok := updates.Updates[table]
		if !ok {
			continue
		}
		uuids := lo.Keys(tu.Rows)
		sort.Strings(uuids)
		for _, uuid := range uuids {
			change, err := parseRowUpdate(table, uuid, tu.Rows[uuid])
			if err != nil {
				return nil, err
			}
			if change != nil {
				changes = append(changes, change)
			}
		}
	}
	return changes, nil
}

func parseRowUpdate(table, uuid string, ru libovsdb.RowUpdate) (RowChange, error) {
	hasNew := len(ru.New.Fields) > 0
	hasOld := len(ru.Old.Fields) > 0
	switch {
	case hasNew && hasOld:
		newRow, err := model.DecodeRow(table, uuid, ru.New.Fields)
		if err != nil {
			return nil, err
		}
		oldRow, err := model.DecodeRow(table, uuid, ru.Old.Fields)
		if err != nil {
			return nil, err
		}
		return RowUpdated{Old: oldRow, New: newRow}, nil
	case hasNew:
		row, err := model.DecodeRow(table, uuid, ru.New.Fields)
		if err != nil {
			return nil, err
		}
		return RowCreated{Row: row}, nil
	case hasOld:
		row, err := model.DecodeRow(table, uuid, ru.Old.Fields)
		if err != nil {
			return nil, err
		}
		return RowRemoved{Row: row}, nil
	}
	return nil, nil
}

package model

import (
	"fmt"

	"github.com/ebay/libovsdb"

	"github.com/ibm/ovsdb-southbound/pkg/common"
)

const (
	ColUUID        = "_uuid"
	ColName        = "name"
	ColExternalIDs = "external_ids"
	ColOtherConfig = "other_config"
	ColBridges     = "bridges"
	ColPorts       = "ports"
	ColInterfaces  = "interfaces"
	ColType        = "type"
	ColOptions     = "options"
	ColTag         = "tag"
	ColTrunks      = "trunks"
	ColFailMode    = "fail_mode"
	ColDatapath    = "datapath_type"
)

// MonitoredColumns lists the columns requested per table. An empty list means all columns.
var MonitoredColumns = map[string][]string{
	OpenVSwitchTable: {"ovs_version", "db_version", ColExternalIDs, ColOtherConfig, "datapath_types", "iface_types", ColBridges},
	BridgeTable:      {ColName, ColDatapath, "datapath_id", ColFailMode, ColPorts, "controller", ColExternalIDs, ColOtherConfig},
	PortTable:        {ColName, ColInterfaces, ColTag, ColTrunks, ColExternalIDs},
	InterfaceTable:   {ColName, ColType, ColOptions, ColExternalIDs, "ofport", "mac_in_use", "link_state"},
}

// DecodeRow converts OVSDB row fields into a typed record. Fields may carry libovsdb notation
// values (monitor updates) or raw JSON arrays (select results). When uuid is empty it is
// taken from the _uuid column.
func DecodeRow(table, uuid string, fields map[string]interface{}) (Row, error) {
	if uuid == "" {
		uuid = toString(fields[ColUUID])
	}
	if uuid == "" {
		return nil, fmt.Errorf("row of table %s without uuid", table)
	}
	switch table {
	case OpenVSwitchTable:
		return &OpenVSwitch{
			UUID:           uuid,
			OvsVersion:     toString(fields["ovs_version"]),
			DBVersion:      toString(fields["db_version"]),
			ExternalIDs:    toStringMap(fields[ColExternalIDs]),
			OtherConfig:    toStringMap(fields[ColOtherConfig]),
			DatapathTypes:  toStrings(fields["datapath_types"]),
			InterfaceTypes: toStrings(fields["iface_types"]),
			Bridges:        toStrings(fields[ColBridges]),
		}, nil
	case BridgeTable:
		return &Bridge{
			UUID:         uuid,
			Name:         toString(fields[ColName]),
			DatapathType: toString(fields[ColDatapath]),
			DatapathID:   toString(fields["datapath_id"]),
			FailMode:     toString(fields[ColFailMode]),
			Ports:        toStrings(fields[ColPorts]),
			Controllers:  toStrings(fields["controller"]),
			ExternalIDs:  toStringMap(fields[ColExternalIDs]),
			OtherConfig:  toStringMap(fields[ColOtherConfig]),
		}, nil
	case PortTable:
		return &Port{
			UUID:        uuid,
			Name:        toString(fields[ColName]),
			Interfaces:  toStrings(fields[ColInterfaces]),
			Tag:         toInt64(fields[ColTag]),
			Trunks:      toInt64s(fields[ColTrunks]),
			ExternalIDs: toStringMap(fields[ColExternalIDs]),
		}, nil
	case InterfaceTable:
		return &Interface{
			UUID:        uuid,
			Name:        toString(fields[ColName]),
			Type:        toString(fields[ColType]),
			Options:     toStringMap(fields[ColOptions]),
			ExternalIDs: toStringMap(fields[ColExternalIDs]),
			OfPort:      toInt64(fields["ofport"]),
			MACInUse:    toString(fields["mac_in_use"]),
			LinkState:   toString(fields["link_state"]),
		}, nil
	}
	return nil, fmt.Errorf("unsupported table %s", table)
}

// StringSet encodes a Go slice as an OVSDB set.
func StringSet(values []string) libovsdb.OvsSet {
	set := libovsdb.OvsSet{GoSet: make([]interface{}, 0, len(values))}
	for _, v := range values {
		set.GoSet = append(set.GoSet, v)
	}
	return set
}

// UUIDSet encodes uuids or named-uuids as an OVSDB set of references.
func UUIDSet(uuids ...string) libovsdb.OvsSet {
	set := libovsdb.OvsSet{GoSet: make([]interface{}, 0, len(uuids))}
	for _, u := range common.ToUUIDSlice(uuids) {
		set.GoSet = append(set.GoSet, u)
	}
	return set
}

func StringMap(m map[string]string) libovsdb.OvsMap {
	om := libovsdb.OvsMap{GoMap: make(map[interface{}]interface{}, len(m))}
	for k, v := range m {
		om.GoMap[k] = v
	}
	return om
}

func atom(v interface{}) interface{} {
	switch t := v.(type) {
	case libovsdb.UUID:
		return t.GoUUID
	case *libovsdb.UUID:
		if t == nil {
			return nil
		}
		return t.GoUUID
	case []interface{}:
		if len(t) == 2 {
			if tag, ok := t[0].(string); ok && (tag == "uuid" || tag == "named-uuid") {
				return t[1]
			}
		}
	}
	return v
}

// setElems returns the members of a set value; OVSDB encodes a single member set as the bare atom.
func setElems(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case libovsdb.OvsSet:
		return t.GoSet
	case *libovsdb.OvsSet:
		if t == nil {
			return nil
		}
		return t.GoSet
	case []interface{}:
		if len(t) == 2 {
			if tag, ok := t[0].(string); ok && tag == "set" {
				inner, _ := t[1].([]interface{})
				return inner
			}
		}
	}
	return []interface{}{v}
}

func toString(v interface{}) string {
	elems := setElems(v)
	if len(elems) == 0 {
		return ""
	}
	s, _ := atom(elems[0]).(string)
	return s
}

func toStrings(v interface{}) []string {
	var ret []string
	for _, e := range setElems(v) {
		if s, ok := atom(e).(string); ok {
			ret = append(ret, s)
		}
	}
	return ret
}

func toInteger(v interface{}) (int64, bool) {
	switch n := atom(v).(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func toInt64(v interface{}) *int64 {
	elems := setElems(v)
	if len(elems) == 0 {
		return nil
	}
	n, ok := toInteger(elems[0])
	if !ok {
		return nil
	}
	return &n
}

func toInt64s(v interface{}) []int64 {
	var ret []int64
	for _, e := range setElems(v) {
		if n, ok := toInteger(e); ok {
			ret = append(ret, n)
		}
	}
	return ret
}

func toStringMap(v interface{}) map[string]string {
	ret := map[string]string{}
	switch t := v.(type) {
	case libovsdb.OvsMap:
		for k, val := range t.GoMap {
			ret[fmt.Sprint(atom(k))] = fmt.Sprint(atom(val))
		}
	case *libovsdb.OvsMap:
		if t != nil {
			for k, val := range t.GoMap {
				ret[fmt.Sprint(atom(k))] = fmt.Sprint(atom(val))
			}
		}
	case map[string]string:
		for k, val := range t {
			ret[k] = val
		}
	case []interface{}:
		if len(t) != 2 || t[0] != "map" {
			break
		}
		pairs, _ := t[1].([]interface{})
		for _, p := range pairs {
			pair, ok := p.([]interface{})
			if !ok || len(pair) != 2 {
				continue
			}
			ret[fmt.Sprint(atom(pair[0]))] = fmt.Sprint(atom(pair[1]))
		}
	}
	if len(ret) == 0 {
		return nil
	}
	return ret
}

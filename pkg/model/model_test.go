package model

import (
	"encoding/json"
	"testing"

	"github.com/ebay/libovsdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSwitchAddress(t *testing.T) {
	tests := []struct {
		in     string
		exp    SwitchAddress
		expErr bool
	}{
		{in: "10.0.0.1:6641", exp: SwitchAddress{IP: "10.0.0.1", Port: 6641}},
		{in: "tcp:10.0.0.1:6640", exp: SwitchAddress{IP: "10.0.0.1", Port: 6640}},
		{in: "10.0.0.2", exp: SwitchAddress{IP: "10.0.0.2", Port: DefaultOvsdbPort}},
		{in: "[fd00::1]:6640", exp: SwitchAddress{IP: "fd00::1", Port: 6640}},
		{in: "host:6640", expErr: true},
		{in: "10.0.0.1:0", expErr: true},
		{in: "garbage", expErr: true},
	}
	for _, tcase := range tests {
		addr, err := ParseSwitchAddress(tcase.in)
		if tcase.expErr {
			assert.Errorf(t, err, "[%s] expected error", tcase.in)
			continue
		}
		assert.Nilf(t, err, "[%s] unexpected error", tcase.in)
		assert.Equal(t, tcase.exp, addr)
	}
}

func TestConnectionInfoAddress(t *testing.T) {
	ci := ConnectionInfo{RemoteIP: "10.0.0.1", RemotePort: 40000, LocalIP: "10.0.0.254", LocalPort: 6640}
	assert.Equal(t, SwitchAddress{IP: "10.0.0.1", Port: 40000, LocalPort: 6640}, ci.Address(false))
	assert.Equal(t, SwitchAddress{IP: "10.0.0.1", Port: 40000}, ci.Address(true))
	assert.Equal(t, "10.0.0.1:40000(local 6640)", ci.Address(false).String())
	assert.Equal(t, "ovsdb://10.0.0.1:40000", NodeIDFromAddress(ci.Address(false)))
}

func TestNodeConfigRemoteAddress(t *testing.T) {
	var nilCfg *NodeConfig
	_, ok := nilCfg.RemoteAddress()
	assert.False(t, ok)
	_, ok = (&NodeConfig{NodeID: "n"}).RemoteAddress()
	assert.False(t, ok)
	addr, ok := (&NodeConfig{NodeID: "n", RemoteIP: "10.1.1.1"}).RemoteAddress()
	assert.True(t, ok)
	assert.Equal(t, SwitchAddress{IP: "10.1.1.1", Port: DefaultOvsdbPort}, addr)
}

func TestDecodeRawSelectRow(t *testing.T) {
	raw := `{"_uuid":["uuid","2f3c"],"name":"br-int","datapath_type":"system","fail_mode":["set",[]],
		"ports":["set",[["uuid","p1"],["uuid","p2"]]],"external_ids":["map",[["owner","me"]]]}`
	var fields map[string]interface{}
	require.Nil(t, json.Unmarshal([]byte(raw), &fields))
	row, err := DecodeRow(BridgeTable, "", fields)
	require.Nil(t, err)
	br, ok := row.(*Bridge)
	require.True(t, ok)
	assert.Equal(t, "2f3c", br.UUID)
	assert.Equal(t, "br-int", br.RowName())
	assert.Equal(t, "system", br.DatapathType)
	assert.Equal(t, "", br.FailMode)
	assert.Equal(t, []string{"p1", "p2"}, br.Ports)
	assert.Equal(t, map[string]string{"owner": "me"}, br.ExternalIDs)
}

func TestDecodeSingleMemberSet(t *testing.T) {
	raw := `{"name":"eth0","interfaces":["uuid","i1"],"tag":12}`
	var fields map[string]interface{}
	require.Nil(t, json.Unmarshal([]byte(raw), &fields))
	row, err := DecodeRow(PortTable, "p1", fields)
	require.Nil(t, err)
	port := row.(*Port)
	assert.Equal(t, []string{"i1"}, port.Interfaces)
	require.NotNil(t, port.Tag)
	assert.Equal(t, int64(12), *port.Tag)
}

func TestDecodeNotationRow(t *testing.T) {
	fields := map[string]interface{}{
		"name":    "vxlan0",
		"type":    "vxlan",
		"options": libovsdb.OvsMap{GoMap: map[interface{}]interface{}{"remote_ip": "10.0.0.9"}},
		"ofport":  libovsdb.OvsSet{GoSet: []interface{}{float64(3)}},
	}
	row, err := DecodeRow(InterfaceTable, "i1", fields)
	require.Nil(t, err)
	iface := row.(*Interface)
	assert.Equal(t, InterfaceTable, iface.TableName())
	assert.Equal(t, map[string]string{"remote_ip": "10.0.0.9"}, iface.Options)
	require.NotNil(t, iface.OfPort)
	assert.Equal(t, int64(3), *iface.OfPort)
}

func TestDecodeRowErrors(t *testing.T) {
	_, err := DecodeRow(BridgeTable, "", map[string]interface{}{"name": "br0"})
	assert.Error(t, err)
	_, err = DecodeRow("Controller", "c1", map[string]interface{}{})
	assert.Error(t, err)
}

func TestSetAndMapEncoding(t *testing.T) {
	b, err := json.Marshal(StringSet([]string{"a"}))
	require.Nil(t, err)
	assert.JSONEq(t, `["set",["a"]]`, string(b))
	b, err = json.Marshal(StringMap(map[string]string{"k": "v"}))
	require.Nil(t, err)
	assert.JSONEq(t, `["map",[["k","v"]]]`, string(b))
}

func TestUUIDSetEncoding(t *testing.T) {
	named := "row1"
	id := "8a1b2c3d-0000-4000-8000-0123456789ab"
	b, err := json.Marshal(UUIDSet(named, id))
	require.Nil(t, err)
	assert.JSONEq(t, `["set",[["named-uuid","row1"],["uuid","8a1b2c3d-0000-4000-8000-0123456789ab"]]]`, string(b))
	assert.Equal(t, []interface{}{libovsdb.UUID{GoUUID: named}, libovsdb.UUID{GoUUID: id}}, UUIDSet(named, id).GoSet)
	assert.Empty(t, UUIDSet().GoSet)
}

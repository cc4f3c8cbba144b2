package model

const (
	DatabaseName = "Open_vSwitch"

	OpenVSwitchTable = "Open_vSwitch"
	BridgeTable      = "Bridge"
	PortTable        = "Port"
	InterfaceTable   = "Interface"

	// ManagedByExternalID marks bridges created by the controller, the value is the node id
	ManagedByExternalID = "southbound-iid"
)

// MonitoredTables are the tables a connection registers monitors for.
var MonitoredTables = []string{OpenVSwitchTable, BridgeTable, PortTable, InterfaceTable}

// Row is a decoded OVSDB row of one of the monitored tables.
type Row interface {
	RowUUID() string
	TableName() string
	// RowName is the operational record name, empty for the root table
	RowName() string
}

type OpenVSwitch struct {
	UUID           string            `json:"uuid"`
	OvsVersion     string            `json:"ovs_version,omitempty"`
	DBVersion      string            `json:"db_version,omitempty"`
	ExternalIDs    map[string]string `json:"external_ids,omitempty"`
	OtherConfig    map[string]string `json:"other_config,omitempty"`
	DatapathTypes  []string          `json:"datapath_types,omitempty"`
	InterfaceTypes []string          `json:"iface_types,omitempty"`
	Bridges        []string          `json:"bridges,omitempty"`
}

func (r *OpenVSwitch) RowUUID() string   { return r.UUID }
func (r *OpenVSwitch) TableName() string { return OpenVSwitchTable }
func (r *OpenVSwitch) RowName() string   { return "" }

type Bridge struct {
	UUID         string            `json:"uuid"`
	Name         string            `json:"name"`
	DatapathType string            `json:"datapath_type,omitempty"`
	DatapathID   string            `json:"datapath_id,omitempty"`
	FailMode     string            `json:"fail_mode,omitempty"`
	Ports        []string          `json:"ports,omitempty"`
	Controllers  []string          `json:"controller,omitempty"`
	ExternalIDs  map[string]string `json:"external_ids,omitempty"`
	OtherConfig  map[string]string `json:"other_config,omitempty"`
}

func (r *Bridge) RowUUID() string   { return r.UUID }
func (r *Bridge) TableName() string { return BridgeTable }
func (r *Bridge) RowName() string   { return r.Name }

type Port struct {
	UUID        string            `json:"uuid"`
	Name        string            `json:"name"`
	Interfaces  []string          `json:"interfaces,omitempty"`
	Tag         *int64            `json:"tag,omitempty"`
	Trunks      []int64           `json:"trunks,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
}

func (r *Port) RowUUID() string   { return r.UUID }
func (r *Port) TableName() string { return PortTable }
func (r *Port) RowName() string   { return r.Name }

type Interface struct {
	UUID        string            `json:"uuid"`
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	OfPort      *int64            `json:"ofport,omitempty"`
	MACInUse    string            `json:"mac_in_use,omitempty"`
	LinkState   string            `json:"link_state,omitempty"`
}

func (r *Interface) RowUUID() string   { return r.UUID }
func (r *Interface) TableName() string { return InterfaceTable }
func (r *Interface) RowName() string   { return r.Name }

// Node is the operational record of a connected switch.
type Node struct {
	NodeID         string         `json:"node_id"`
	ConnectionInfo ConnectionInfo `json:"connection_info"`
	SchemaVersion  string         `json:"schema_version,omitempty"`
	OpenVSwitch    *OpenVSwitch   `json:"open_vswitch,omitempty"`
}

// NodeConfig is the desired configuration of a switch. A record carrying a remote address
// requests a controller initiated connection.
type NodeConfig struct {
	NodeID     string         `json:"node_id"`
	RemoteIP   string         `json:"remote_ip,omitempty"`
	RemotePort uint16         `json:"remote_port,omitempty"`
	Bridges    []BridgeConfig `json:"bridges,omitempty"`
}

func (c *NodeConfig) RemoteAddress() (SwitchAddress, bool) {
	if c == nil || c.RemoteIP == "" {
		return SwitchAddress{}, false
	}
	port := c.RemotePort
	if port == 0 {
		port = DefaultOvsdbPort
	}
	return SwitchAddress{IP: c.RemoteIP, Port: port}, true
}

type BridgeConfig struct {
	Name         string            `json:"name"`
	DatapathType string            `json:"datapath_type,omitempty"`
	FailMode     string            `json:"fail_mode,omitempty"`
	ExternalIDs  map[string]string `json:"external_ids,omitempty"`
	Ports        []PortConfig      `json:"ports,omitempty"`
}

type PortConfig struct {
	Name    string            `json:"name"`
	Type    string            `json:"type,omitempty"`
	Options map[string]string `json:"options,omitempty"`
	Tag     *int64            `json:"tag,omitempty"`
}

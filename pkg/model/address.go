package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultOvsdbPort is the IANA registered OVSDB management port
	DefaultOvsdbPort = 6640

	NodeIDScheme     = "ovsdb://"
	uuidNodeIDPrefix = NodeIDScheme + "uuid/"
)

// SwitchAddress identifies a management session. LocalPort is zero for sessions the
// controller initiated, the locally bound port of those is ephemeral.
type SwitchAddress struct {
	IP        string
	Port      uint16
	LocalPort uint16
}

func (a SwitchAddress) String() string {
	s := net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
	if a.LocalPort != 0 {
		s = fmt.Sprintf("%s(local %d)", s, a.LocalPort)
	}
	return s
}

// Remote returns the address without the local part.
func (a SwitchAddress) Remote() SwitchAddress {
	return SwitchAddress{IP: a.IP, Port: a.Port}
}

// ParseSwitchAddress parses "ip:port" or a bare ip (default port).
func ParseSwitchAddress(s string) (SwitchAddress, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "tcp:"), "ssl:")
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			return SwitchAddress{IP: ip.String(), Port: DefaultOvsdbPort}, nil
		}
		return SwitchAddress{}, fmt.Errorf("invalid switch address %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return SwitchAddress{}, fmt.Errorf("invalid switch address %q: bad ip", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return SwitchAddress{}, fmt.Errorf("invalid switch address %q: bad port", s)
	}
	return SwitchAddress{IP: ip.String(), Port: uint16(port)}, nil
}

// ConnectionInfo describes both ends of a session as recorded in the operational node.
type ConnectionInfo struct {
	RemoteIP   string `json:"remote_ip"`
	RemotePort uint16 `json:"remote_port"`
	LocalIP    string `json:"local_ip,omitempty"`
	LocalPort  uint16 `json:"local_port,omitempty"`
}

// Address returns the registry key of the session; the local port is suppressed for
// controller initiated sessions.
func (ci ConnectionInfo) Address(active bool) SwitchAddress {
	addr := SwitchAddress{IP: ci.RemoteIP, Port: ci.RemotePort}
	if !active {
		addr.LocalPort = ci.LocalPort
	}
	return addr
}

func NodeIDFromAddress(addr SwitchAddress) string {
	return NodeIDScheme + net.JoinHostPort(addr.IP, strconv.Itoa(int(addr.Port)))
}

func NodeIDFromOpenVSwitchUUID(uuid string) string {
	return uuidNodeIDPrefix + uuid
}

package common

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	KEY_DELIMETER = "/"

	CONFIG = "config"
	OPER   = "oper"
)

type Key struct {
	Prefix    string
	Datastore string
	NodeID    string
	// TableName and Name are empty for a node record
	TableName string
	Name      string
}

// Parses a key from a given string, the prefix must match the given one.
func ParseKey(prefix, keyStr string) (*Key, error) {
	if !strings.HasPrefix(keyStr, prefix+KEY_DELIMETER) {
		return nil, fmt.Errorf("wrong key, unmatched prefix %q, %q", keyStr, prefix)
	}
	keyParts := strings.Split(strings.TrimPrefix(keyStr, prefix+KEY_DELIMETER), KEY_DELIMETER)
	// <prefix>/<datastore>/<node> or <prefix>/<datastore>/<node>/<table>/<name>
	if len(keyParts) != 2 && len(keyParts) != 4 {
		return nil, fmt.Errorf("wrong formatted key %q", keyStr)
	}
	unescaped := make([]string, len(keyParts))
	for i, p := range keyParts {
		s, err := url.PathUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("wrong formatted key %q: %w", keyStr, err)
		}
		if s == "" {
			return nil, fmt.Errorf("wrong formatted key %q", keyStr)
		}
		unescaped[i] = s
	}
	retKey := Key{Prefix: prefix, Datastore: unescaped[0], NodeID: unescaped[1]}
	if retKey.Datastore != CONFIG && retKey.Datastore != OPER {
		return nil, fmt.Errorf("wrong key, unknown datastore %q", keyStr)
	}
	if len(unescaped) == 4 {
		retKey.TableName = unescaped[2]
		retKey.Name = unescaped[3]
	}
	return &retKey, nil
}

func (k Key) String() string {
	if len(k.TableName) == 0 {
		return k.NodeKeyString()
	}
	return k.NodeKeyString() + KEY_DELIMETER + url.PathEscape(k.TableName) + KEY_DELIMETER + url.PathEscape(k.Name)
}

func (k Key) NodeKeyString() string {
	if len(k.NodeID) == 0 {
		return k.DatastoreKeyString()
	}
	return k.DatastoreKeyString() + KEY_DELIMETER + url.PathEscape(k.NodeID)
}

func (k Key) DatastoreKeyString() string {
	return k.Prefix + KEY_DELIMETER + k.Datastore
}

// The helper function, that can be used for logging, when we don't need the prefix.
func (k Key) ShortString() string {
	if len(k.TableName) == 0 {
		return fmt.Sprintf("%s%s%s", k.Datastore, KEY_DELIMETER, k.NodeID)
	}
	return fmt.Sprintf("%s%s%s%s%s%s%s", k.Datastore, KEY_DELIMETER, k.NodeID, KEY_DELIMETER, k.TableName, KEY_DELIMETER, k.Name)
}

func (k Key) IsNodeKey() bool {
	return len(k.NodeID) != 0 && len(k.TableName) == 0
}

// Covers returns true if the other key is this key or lies in its subtree.
func (k Key) Covers(other Key) bool {
	if k.Prefix != other.Prefix || k.Datastore != other.Datastore {
		return false
	}
	if k.NodeID == "" {
		return true
	}
	if k.NodeID != other.NodeID {
		return false
	}
	if k.TableName == "" {
		return true
	}
	return k.TableName == other.TableName && k.Name == other.Name
}

func (k Key) ToNodeKey() Key {
	return Key{Prefix: k.Prefix, Datastore: k.Datastore, NodeID: k.NodeID}
}

func (k Key) ToDatastoreKey() Key {
	return Key{Prefix: k.Prefix, Datastore: k.Datastore}
}

func NewNodeKey(prefix, datastore, nodeID string) Key {
	return Key{Prefix: prefix, Datastore: datastore, NodeID: nodeID}
}

// Returns a key to a child row of a node, e.g. an operational Bridge or Port record.
func NewChildKey(prefix, datastore, nodeID, tableName, name string) Key {
	return Key{Prefix: prefix, Datastore: datastore, NodeID: nodeID, TableName: tableName, Name: name}
}

func NewConfigNodeKey(prefix, nodeID string) Key {
	return NewNodeKey(prefix, CONFIG, nodeID)
}

func NewOperNodeKey(prefix, nodeID string) Key {
	return NewNodeKey(prefix, OPER, nodeID)
}

// Returns a key to an entire datastore of this deployment
func NewDatastoreKey(prefix, datastore string) Key {
	return Key{Prefix: prefix, Datastore: datastore}
}

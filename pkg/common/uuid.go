package common

import (
	"strings"

	ovsdbjson "github.com/ebay/libovsdb"
	guuid "github.com/google/uuid"
)

func ToUUID(s string) ovsdbjson.UUID {
	return ovsdbjson.UUID{GoUUID: s}
}

func ToUUIDSlice(v []string) []ovsdbjson.UUID {
	res := make([]ovsdbjson.UUID, len(v))
	for i := range res {
		res[i] = ToUUID(v[i])
	}
	return res
}

// NewNamedUUID returns a uuid-name usable inside a single OVSDB transaction. The name must
// not parse as a uuid, otherwise it is encoded as a plain uuid reference.
func NewNamedUUID() string {
	return "row" + strings.ReplaceAll(guuid.NewString(), "-", "_")
}

package message

import "strings"

// HeartbeatName is the name heartbeats travel under on the wire.
const HeartbeatName = "_rpc_hb"

// PrivatePrefix marks a name segment that is never exposed by a service.
const PrivatePrefix = "_"

// ReservedNames returns the names the protocol uses for its own control
// messages. No user procedure may be registered or called under them.
func ReservedNames() []string {
	names := make([]string, 0, len(kindNames))
	for k := Request; k <= GenEnd; k++ {
		names = append(names, kindNames[k])
	}
	return append(names, HeartbeatName)
}

// LastSegment returns the final dotted segment of name.
func LastSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// IsReserved reports whether name, or its final namespace segment, is one
// of the protocol reserved names.
func IsReserved(name string) bool {
	last := LastSegment(name)
	for _, r := range ReservedNames() {
		if name == r || last == r {
			return true
		}
	}
	return false
}

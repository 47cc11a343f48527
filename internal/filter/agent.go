package filter

import "github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"

// Lookup builds the flat key namespace filter expressions evaluate against:
// "name" and "role" are first-class, everything else falls through to
// metadata.
func Lookup(a broker.AgentInfo) func(key string) (string, bool) {
	return func(key string) (string, bool) {
		switch key {
		case "name":
			return a.AgentName, true
		case "role":
			return a.Role, true
		default:
			if a.Metadata == nil {
				return "", false
			}
			v, ok := a.Metadata[key]
			return v, ok
		}
	}
}

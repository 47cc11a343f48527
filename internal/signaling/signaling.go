// Package signaling holds the routing conventions for the peer-negotiation
// side channels: WEBRTC_SIGNALING for SDP/ICE exchange and the
// PASSWORD_REQUEST/PASSWORD_REPLY pair that lets an agent joining only by
// channelId obtain the channel secret from an already-present member. The
// server never inspects the content of these events; this package only
// validates envelope shape before they enter the pipeline.
package signaling

import (
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

var knownTypes = map[broker.EventType]struct{}{
	broker.EventChatText:        {},
	broker.EventConnect:         {},
	broker.EventDisconnect:      {},
	broker.EventUDPData:         {},
	broker.EventCustom:          {},
	broker.EventPasswordRequest: {},
	broker.EventPasswordReply:   {},
	broker.EventWebRTCSignaling: {},
	broker.EventFile:            {},
}

// IsSignaling reports whether the event type belongs to a peer-negotiation
// side channel.
func IsSignaling(t broker.EventType) bool {
	switch t {
	case broker.EventWebRTCSignaling, broker.EventPasswordRequest, broker.EventPasswordReply:
		return true
	}
	return false
}

// DefaultEphemeral returns the durability a transport should assume when the
// caller left the ephemeral flag unset. Signaling traffic is point-in-time
// negotiation state with no replay value, so it defaults to the ephemeral
// cache; everything else defaults to the durable log.
func DefaultEphemeral(t broker.EventType) bool {
	return IsSignaling(t)
}

// Validate rejects envelopes the pipeline must not accept: unknown event
// types, both `to` and `filter` set, and client-sent CONNECT/DISCONNECT
// (those are server-originated lifecycle events).
func Validate(msg broker.EventMessage) error {
	if _, ok := knownTypes[msg.Type]; !ok {
		return broker.NewError(broker.ErrBadRequest, "unknown event type %q", string(msg.Type))
	}
	if msg.Type == broker.EventConnect || msg.Type == broker.EventDisconnect {
		return broker.NewError(broker.ErrBadRequest, "%s events are server-originated", string(msg.Type))
	}
	if msg.To != "" && msg.Filter != "" {
		return broker.NewError(broker.ErrBadRequest, "to and filter are mutually exclusive")
	}
	return nil
}

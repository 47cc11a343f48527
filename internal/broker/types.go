// Package broker implements the per-channel message pipeline: channel and
// session lifecycle, durable/ephemeral delivery, and the signaling and
// password-exchange conventions layered on top of plain event routing.
package broker

import "time"

// EventType enumerates the wire-level event kinds. Values are serialized
// lowercase-with-hyphens at the transport boundary (see internal/api).
type EventType string

const (
	EventChatText        EventType = "CHAT_TEXT"
	EventConnect         EventType = "CONNECT"
	EventDisconnect      EventType = "DISCONNECT"
	EventUDPData         EventType = "UDP_DATA"
	EventCustom          EventType = "CUSTOM"
	EventPasswordRequest EventType = "PASSWORD_REQUEST"
	EventPasswordReply   EventType = "PASSWORD_REPLY"
	EventWebRTCSignaling EventType = "WEBRTC_SIGNALING"
	EventFile            EventType = "FILE"
)

// BroadcastTo is the sentinel `to` value meaning "every session in the channel".
const BroadcastTo = "*"

// APIKeyScope controls how a channelId is derived from (devKey, name, password).
type APIKeyScope string

const (
	ScopePrivate APIKeyScope = "private"
	ScopePublic  APIKeyScope = "public"
)

// ChannelState is the server's authoritative view of a channel. Offsets are
// monotonic for the lifetime of the channelId; see Registry.AllocateOffsets.
type ChannelState struct {
	ChannelID             string
	ChannelName           string
	HashedChannelPassword string
	DevKeyID              string
	TopicName             string
	GlobalOffset          int64
	LocalOffset           int64
	OriginalGlobalOffset  int64
	OriginalLocalOffset   int64
	PublicChannel         bool
	AllowedAgentNames     []string
	AgeMs                 int64
	CreatedAt             time.Time
}

// ChannelStateDto is the externally-visible projection of ChannelState.
type ChannelStateDto struct {
	ChannelID            string   `json:"channelId"`
	ChannelName          string   `json:"channelName"`
	GlobalOffset         int64    `json:"globalOffset"`
	LocalOffset          int64    `json:"localOffset"`
	OriginalGlobalOffset int64    `json:"originalGlobalOffset"`
	OriginalLocalOffset  int64    `json:"originalLocalOffset"`
	PublicChannel        bool     `json:"publicChannel"`
	AllowedAgentNames    []string `json:"allowedAgentNames,omitempty"`
	AgeMs                int64    `json:"ageMs"`
}

// ToDto projects a ChannelState for transport.
func (c *ChannelState) ToDto() ChannelStateDto {
	return ChannelStateDto{
		ChannelID:            c.ChannelID,
		ChannelName:          c.ChannelName,
		GlobalOffset:         c.GlobalOffset,
		LocalOffset:          c.LocalOffset,
		OriginalGlobalOffset: c.OriginalGlobalOffset,
		OriginalLocalOffset:  c.OriginalLocalOffset,
		PublicChannel:        c.PublicChannel,
		AllowedAgentNames:    c.AllowedAgentNames,
		AgeMs:                c.AgeMs,
	}
}

// ChannelOffsetInfo is the registry's admin self-check projection.
type ChannelOffsetInfo struct {
	CacheLocalCounter int64
	DBLocalOffset     int64
	DBGlobalOffset    int64
	LogLastOffset     int64
}

// Session is a live attachment of a named agent to a channel.
type Session struct {
	SessionID               string
	ChannelID               string
	AgentName               string
	AgentType               string
	Descriptor              string
	AgentContext            string
	IPAddress               string
	ConnectionTime          time.Time
	Role                    string
	CustomEventType         string
	LastPersistenceReadTime time.Time
	LastEphemeralReadTime   time.Time
	Metadata                map[string]string
	RestrictedCapabilities  []string
}

// AgentInfo is the roster-facing projection of a Session.
type AgentInfo struct {
	AgentName              string            `json:"agentName"`
	AgentType              string            `json:"agentType"`
	Descriptor             string            `json:"descriptor"`
	IPAddress              string            `json:"ipAddress,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	Role                   string            `json:"role"`
	CustomEventType        string            `json:"customEventType,omitempty"`
	RestrictedCapabilities []string          `json:"restrictedCapabilities,omitempty"`
	ConnectionTime         time.Time         `json:"connectionTime"`
}

// ToAgentInfo projects a Session for roster reads.
func (s *Session) ToAgentInfo() AgentInfo {
	return AgentInfo{
		AgentName:              s.AgentName,
		AgentType:              s.AgentType,
		Descriptor:             s.Descriptor,
		IPAddress:              s.IPAddress,
		Metadata:               s.Metadata,
		Role:                   s.Role,
		CustomEventType:        s.CustomEventType,
		RestrictedCapabilities: s.RestrictedCapabilities,
		ConnectionTime:         s.ConnectionTime,
	}
}

// SystemAgentPrefix marks session roles reserved for server-internal agents
// (relay/cleanup).
const SystemAgentPrefix = "system-"

// EventMessage is a single routed event, durable or ephemeral.
type EventMessage struct {
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Filter       string    `json:"filter,omitempty"`
	Type         EventType `json:"type"`
	CustomType   string    `json:"customType,omitempty"`
	Encrypted    bool      `json:"encrypted,omitempty"`
	Content      string    `json:"content"`
	Date         time.Time `json:"date"`
	GlobalOffset int64     `json:"globalOffset"`
	LocalOffset  int64     `json:"localOffset,omitempty"`
	Ephemeral    bool      `json:"ephemeral,omitempty"`
}

// PollSource hints at long-poll timing.
type PollSource string

const (
	PollAuto     PollSource = "AUTO"
	PollBlocking PollSource = "BLOCKING"
	PollNone     PollSource = "POLL"
)

// ReceiveConfig carries the caller's read position and limits. A nil offset
// means "start of this instance". Limit zero is an explicit "no durable
// events" probe (it still advances the ephemeral watermark); a negative
// limit selects the configured default.
type ReceiveConfig struct {
	GlobalOffset *int64
	LocalOffset  *int64
	Limit        int
	PollSource   PollSource
}

// EventMessageResult is returned from receive().
type EventMessageResult struct {
	Events           []EventMessage `json:"events"`
	EphemeralEvents  []EventMessage `json:"ephemeralEvents"`
	NextGlobalOffset int64          `json:"nextGlobalOffset"`
	NextLocalOffset  int64          `json:"nextLocalOffset"`
}

// ConnectResponse is returned from connect().
type ConnectResponse struct {
	SessionID  string          `json:"sessionId"`
	ChannelID  string          `json:"channelId"`
	Date       time.Time       `json:"date"`
	State      ChannelStateDto `json:"state"`
	IceServers []string        `json:"iceServers,omitempty"`
	ClientKey  string          `json:"clientKey,omitempty"`
}

// ConnectRequest carries the union of supported connect shapes.
type ConnectRequest struct {
	DevAPIKey         string
	APIKeyScope       APIKeyScope
	ChannelName       string
	HashedPassword    string
	ChannelID         string
	AgentName         string
	AgentType         string
	Descriptor        string
	AgentContext      string
	IPAddress         string
	EnableWebrtcRelay bool
	Metadata          map[string]string
	CustomEventType   string
	Role              string
}

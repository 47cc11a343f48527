package api

import (
	"strings"
	"time"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

// envelope is the uniform response wrapper: every operation returns
// {status, data?, statusMessage?} regardless of transport.
type envelope struct {
	Status        string      `json:"status"`
	Data          interface{} `json:"data,omitempty"`
	StatusMessage string      `json:"statusMessage,omitempty"`
}

func success(data interface{}) envelope {
	return envelope{Status: "success", Data: data}
}

func failure(message string) envelope {
	return envelope{Status: "error", StatusMessage: message}
}

// WireEventType serializes an EventType as lowercase-with-hyphens
// (CHAT_TEXT → "chat-text") for the wire.
func WireEventType(t broker.EventType) string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

// ParseEventType inverts WireEventType. The canonical uppercase form is also
// accepted so internal tools can post events without re-encoding.
func ParseEventType(s string) broker.EventType {
	return broker.EventType(strings.ReplaceAll(strings.ToUpper(s), "-", "_"))
}

// eventDto is the wire shape of an EventMessage. Ephemeral is a pointer so
// an absent flag can fall back to the per-type default (signaling traffic is
// ephemeral unless the caller says otherwise).
type eventDto struct {
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Filter       string `json:"filter,omitempty"`
	Type         string `json:"type"`
	CustomType   string `json:"customType,omitempty"`
	Encrypted    bool   `json:"encrypted,omitempty"`
	Content      string `json:"content"`
	Date         int64  `json:"date,omitempty"`
	GlobalOffset int64  `json:"globalOffset,omitempty"`
	LocalOffset  int64  `json:"localOffset,omitempty"`
	Ephemeral    *bool  `json:"ephemeral,omitempty"`
}

func eventToWire(e broker.EventMessage) eventDto {
	eph := e.Ephemeral
	return eventDto{
		From:         e.From,
		To:           e.To,
		Filter:       e.Filter,
		Type:         WireEventType(e.Type),
		CustomType:   e.CustomType,
		Encrypted:    e.Encrypted,
		Content:      e.Content,
		Date:         e.Date.UnixMilli(),
		GlobalOffset: e.GlobalOffset,
		LocalOffset:  e.LocalOffset,
		Ephemeral:    &eph,
	}
}

func eventFromWire(d eventDto, defaultEphemeral func(broker.EventType) bool) broker.EventMessage {
	t := ParseEventType(d.Type)
	ephemeral := defaultEphemeral(t)
	if d.Ephemeral != nil {
		ephemeral = *d.Ephemeral
	}
	return broker.EventMessage{
		To:         d.To,
		Filter:     d.Filter,
		Type:       t,
		CustomType: d.CustomType,
		Encrypted:  d.Encrypted,
		Content:    d.Content,
		Ephemeral:  ephemeral,
	}
}

func eventsToWire(events []broker.EventMessage) []eventDto {
	out := make([]eventDto, 0, len(events))
	for _, e := range events {
		out = append(out, eventToWire(e))
	}
	return out
}

// connectRequest is the wire shape of connect() inputs.
type connectRequest struct {
	DevAPIKey         string            `json:"devApiKey,omitempty"`
	APIKeyScope       string            `json:"apiKeyScope,omitempty"`
	ChannelName       string            `json:"channelName,omitempty"`
	HashedPassword    string            `json:"hashedPassword,omitempty"`
	ChannelID         string            `json:"channelId,omitempty"`
	ClientKey         string            `json:"clientKey,omitempty"`
	AgentName         string            `json:"agentName"`
	AgentType         string            `json:"agentType,omitempty"`
	Descriptor        string            `json:"descriptor,omitempty"`
	AgentContext      string            `json:"agentContext,omitempty"`
	Role              string            `json:"role,omitempty"`
	CustomEventType   string            `json:"customEventType,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	EnableWebrtcRelay bool              `json:"enableWebrtcRelay,omitempty"`
}

// sendRequest is the wire shape of send() inputs.
type sendRequest struct {
	SessionID string   `json:"sessionId"`
	Event     eventDto `json:"event"`
}

// receiveRequest is the wire shape of receive() inputs. Offsets are
// pointers because null means "start of this instance".
type receiveRequest struct {
	SessionID    string `json:"sessionId"`
	GlobalOffset *int64 `json:"globalOffset"`
	LocalOffset  *int64 `json:"localOffset"`
	Limit        *int   `json:"limit,omitempty"`
	PollSource   string `json:"pollSource,omitempty"`
}

func (r receiveRequest) toConfig() broker.ReceiveConfig {
	cfg := broker.ReceiveConfig{
		GlobalOffset: r.GlobalOffset,
		LocalOffset:  r.LocalOffset,
		PollSource:   broker.PollAuto,
	}
	if r.Limit != nil {
		cfg.Limit = *r.Limit
	} else {
		cfg.Limit = -1
	}
	switch strings.ToUpper(r.PollSource) {
	case "BLOCKING":
		cfg.PollSource = broker.PollBlocking
	case "POLL":
		cfg.PollSource = broker.PollNone
	}
	return cfg
}

// disconnectRequest is the wire shape of disconnect() inputs.
type disconnectRequest struct {
	SessionID       string `json:"sessionId"`
	AsyncDisconnect bool   `json:"asyncDisconnect,omitempty"`
}

// receiveResponse is the wire shape of EventMessageResult.
type receiveResponse struct {
	Events           []eventDto `json:"events"`
	EphemeralEvents  []eventDto `json:"ephemeralEvents"`
	NextGlobalOffset int64      `json:"nextGlobalOffset"`
	NextLocalOffset  int64      `json:"nextLocalOffset"`
}

// connectResponse is the wire shape of ConnectResponse.
type connectResponse struct {
	SessionID  string                 `json:"sessionId"`
	ChannelID  string                 `json:"channelId"`
	Date       time.Time              `json:"date"`
	State      broker.ChannelStateDto `json:"state"`
	IceServers []string               `json:"iceServers,omitempty"`
	ClientKey  string                 `json:"clientKey,omitempty"`
}

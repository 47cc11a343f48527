// Package api binds the broker's service operations to concrete
// transports: HTTP/JSON routes for every operation plus a WebSocket stream
// that multiplexes the same operations as JSON frames. Both paths marshal
// onto the identical service methods; no semantics live here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/metrics"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/service"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/signaling"
)

// ClientKeyTTL bounds how long a derived client key stays valid before the
// client must reconnect through an authenticated path.
const ClientKeyTTL = 15 * time.Minute

// Handlers holds the HTTP handlers for every broker operation.
type Handlers struct {
	svc       *service.Service
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	jwtSecret []byte
}

// NewHandlers creates a handlers instance. jwtSecret signs the derived
// client keys returned from connect; empty disables key minting.
func NewHandlers(svc *service.Service, m *metrics.Metrics, logger *logrus.Logger, jwtSecret []byte) *Handlers {
	return &Handlers{svc: svc, metrics: m, logger: logger, jwtSecret: jwtSecret}
}

// RegisterRoutes wires every operation under /v1.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/connect", h.HandleConnect)
	v1.POST("/disconnect", h.HandleDisconnect)
	v1.POST("/send", h.HandleSend)
	v1.POST("/receive", h.HandleReceive)
	v1.GET("/agents", h.HandleListAgents)
	v1.GET("/system-agents", h.HandleListSystemAgents)
	v1.GET("/status", h.HandleStatus)
	v1.DELETE("/channels/:channelId", h.HandleDeleteChannel)
	v1.GET("/channels/:channelId/offsets", h.HandleChannelOffsets)
	v1.GET("/stream", h.HandleStream)
}

// httpStatus maps the broker error taxonomy to HTTP codes.
func httpStatus(kind broker.ErrorKind) int {
	switch kind {
	case broker.ErrUnauthorized:
		return http.StatusUnauthorized
	case broker.ErrChannelNotFound, broker.ErrSessionNotFound:
		return http.StatusNotFound
	case broker.ErrAgentNameConflict, broker.ErrNameConflict:
		return http.StatusConflict
	case broker.ErrBadRequest:
		return http.StatusBadRequest
	case broker.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func respondErr(c *gin.Context, err error) {
	kind := broker.KindOf(err)
	message := err.Error()
	if kind == broker.ErrSessionNotFound {
		// Clients key reconnect logic off this exact string.
		message = broker.SessionNotFoundMessage
	}
	c.JSON(httpStatus(kind), failure(message))
}

// HandleConnect serves POST /v1/connect. A request may authenticate with a
// developer API key (create-or-join by name, or join by channelId) or with a
// previously minted client key (reconnect path for untrusted clients).
func (h *Handlers) HandleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("malformed connect request: "+err.Error()))
		return
	}

	breq := broker.ConnectRequest{
		DevAPIKey:         req.DevAPIKey,
		APIKeyScope:       broker.APIKeyScope(req.APIKeyScope),
		ChannelName:       req.ChannelName,
		HashedPassword:    req.HashedPassword,
		ChannelID:         req.ChannelID,
		AgentName:         req.AgentName,
		AgentType:         req.AgentType,
		Descriptor:        req.Descriptor,
		AgentContext:      req.AgentContext,
		IPAddress:         c.ClientIP(),
		Role:              req.Role,
		CustomEventType:   req.CustomEventType,
		Metadata:          req.Metadata,
		EnableWebrtcRelay: req.EnableWebrtcRelay,
	}
	if breq.APIKeyScope == "" {
		breq.APIKeyScope = broker.ScopePrivate
	}

	if req.ClientKey != "" {
		claims, err := ValidateClientKey(req.ClientKey, h.jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, failure("invalid client key"))
			return
		}
		breq.ChannelID = claims.ChannelID
		breq.AgentName = claims.AgentName
		breq.ChannelName = ""
	}

	resp, err := h.svc.Connect(c.Request.Context(), breq)
	if err != nil {
		respondErr(c, err)
		return
	}

	if len(h.jwtSecret) > 0 {
		if key, mintErr := MintClientKey(h.jwtSecret, resp.ChannelID, breq.AgentName, ClientKeyTTL); mintErr == nil {
			resp.ClientKey = key
		} else {
			h.logger.WithError(mintErr).Warn("connect: failed to mint client key")
		}
	}

	c.Set("channel_id", resp.ChannelID)
	c.Set("session_id", resp.SessionID)
	if h.metrics != nil {
		h.metrics.ActiveSessions.WithLabelValues(resp.ChannelID).Inc()
	}

	c.JSON(http.StatusOK, success(connectResponse{
		SessionID:  resp.SessionID,
		ChannelID:  resp.ChannelID,
		Date:       resp.Date,
		State:      resp.State,
		IceServers: resp.IceServers,
		ClientKey:  resp.ClientKey,
	}))
}

// HandleDisconnect serves POST /v1/disconnect. asyncDisconnect makes the
// teardown fire-and-forget so page-unload beacons get an instant 200.
func (h *Handlers) HandleDisconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("malformed disconnect request: "+err.Error()))
		return
	}
	c.Set("session_id", req.SessionID)

	if channelID, ok := h.svc.ChannelOf(req.SessionID); ok && h.metrics != nil {
		h.metrics.ActiveSessions.WithLabelValues(channelID).Dec()
	}

	if req.AsyncDisconnect {
		ctx := context.WithoutCancel(c.Request.Context())
		go func() {
			if err := h.svc.Disconnect(ctx, req.SessionID); err != nil {
				h.logger.WithError(err).Warn("async disconnect failed")
			}
		}()
		c.JSON(http.StatusOK, success(nil))
		return
	}

	if err := h.svc.Disconnect(c.Request.Context(), req.SessionID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, success(nil))
}

// HandleSend serves POST /v1/send.
func (h *Handlers) HandleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("malformed send request: "+err.Error()))
		return
	}
	c.Set("session_id", req.SessionID)

	msg := eventFromWire(req.Event, signaling.DefaultEphemeral)
	if err := signaling.Validate(msg); err != nil {
		respondErr(c, err)
		return
	}

	state, err := h.svc.Send(c.Request.Context(), req.SessionID, msg)
	if err != nil {
		respondErr(c, err)
		return
	}

	if h.metrics != nil {
		durability := "durable"
		if msg.Ephemeral {
			durability = "ephemeral"
		}
		h.metrics.EventsRouted.WithLabelValues(WireEventType(msg.Type), durability).Inc()
	}
	c.JSON(http.StatusOK, success(state))
}

// HandleReceive serves POST /v1/receive; the call may long-poll up to the
// configured budget, so the HTTP server's write timeout must exceed it.
func (h *Handlers) HandleReceive(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("malformed receive request: "+err.Error()))
		return
	}
	c.Set("session_id", req.SessionID)

	start := time.Now()
	cfg := req.toConfig()
	result, err := h.svc.Receive(c.Request.Context(), req.SessionID, cfg)
	if h.metrics != nil {
		h.metrics.ReceiveLatency.WithLabelValues(string(cfg.PollSource)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, success(receiveResponse{
		Events:           eventsToWire(result.Events),
		EphemeralEvents:  eventsToWire(result.EphemeralEvents),
		NextGlobalOffset: result.NextGlobalOffset,
		NextLocalOffset:  result.NextLocalOffset,
	}))
}

// HandleListAgents serves GET /v1/agents?sessionId=...
func (h *Handlers) HandleListAgents(c *gin.Context) {
	agents, err := h.svc.ListAgents(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, success(agents))
}

// HandleListSystemAgents serves GET /v1/system-agents?sessionId=...
func (h *Handlers) HandleListSystemAgents(c *gin.Context) {
	agents, err := h.svc.ListSystemAgents(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, success(agents))
}

// HandleStatus serves GET /v1/status?sessionId=...
func (h *Handlers) HandleStatus(c *gin.Context) {
	status, err := h.svc.Status(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, success(status))
}

// HandleDeleteChannel serves DELETE /v1/channels/:channelId, authorized by
// the X-Dev-Api-Key header.
func (h *Handlers) HandleDeleteChannel(c *gin.Context) {
	channelID := c.Param("channelId")
	devAPIKey := c.GetHeader("X-Dev-Api-Key")
	if devAPIKey == "" {
		devAPIKey = c.Query("devApiKey")
	}
	c.Set("channel_id", channelID)

	deleted, err := h.svc.DeleteChannel(c.Request.Context(), channelID, devAPIKey)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, success(gin.H{"deleted": deleted}))
}

// HandleChannelOffsets serves GET /v1/channels/:channelId/offsets, the
// registry's offset self-check probe.
func (h *Handlers) HandleChannelOffsets(c *gin.Context) {
	channelID := c.Param("channelId")
	devAPIKey := c.GetHeader("X-Dev-Api-Key")
	if devAPIKey == "" {
		devAPIKey = c.Query("devApiKey")
	}

	info, err := h.svc.PeekChannelOffsets(c.Request.Context(), channelID, devAPIKey)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, success(gin.H{
		"cacheLocalCounter": info.CacheLocalCounter,
		"dbLocalOffset":     info.DBLocalOffset,
		"dbGlobalOffset":    info.DBGlobalOffset,
		"logLastOffset":     info.LogLastOffset,
	}))
}

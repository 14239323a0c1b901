// -----------------------------------------------------------------------
// WebSocket Handler - Live export job event streaming over /ws/events
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/events"
	"github.com/gitnexus/capsuled/internal/services/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin policy is enforced by the bearer key, not the Origin header
	},
}

// heartbeatThrottleInterval bounds how often stage-heartbeat events are
// forwarded per subscription. Progress and terminal events always pass.
const heartbeatThrottleInterval = time.Second

// WSMessage is the frame envelope exchanged with WebSocket clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// wsClientRequest is a client-to-server frame: subscribe or unsubscribe
// to one export job's event stream.
type wsClientRequest struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	SinceSeq int64  `json:"sinceSeq"`
}

// WebSocketHandler upgrades /ws/events connections and multiplexes
// per-job event subscriptions over them. Clients authenticate with the
// bearer key, or the access_token query parameter since browsers cannot
// set headers on WebSocket dials.
type WebSocketHandler struct {
	config   *common.Config
	registry *registry.Service
	events   *events.Service
	logger   arbor.ILogger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(config *common.Config, reg *registry.Service, eventService *events.Service, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		config:   config,
		registry: reg,
		events:   eventService,
		logger:   logger,
	}
}

// wsClient is one upgraded connection. Writes are serialized through
// writeMu; cancels holds one bus cancel func per subscribed job.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	cancels   map[string]func()
	throttles map[string]*rate.Limiter

	logger arbor.ILogger
}

func newWSClient(conn *websocket.Conn, logger arbor.ILogger) *wsClient {
	return &wsClient{
		conn:      conn,
		cancels:   make(map[string]func()),
		throttles: make(map[string]*rate.Limiter),
		logger:    logger,
	}
}

// HandleWebSocket handles WebSocket connections on /ws/events.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if apiErr := Authorize(r, h.config.Auth.APIKey, true); apiErr != nil {
		WriteAPIError(w, apiErr)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := newWSClient(conn, h.logger)
	defer client.close()

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	for {
		var req wsClientRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch req.Type {
		case "subscribe":
			h.subscribe(client, req)
		case "unsubscribe":
			client.unsubscribe(req.JobID)
		default:
			client.send(WSMessage{Type: "error", Payload: map[string]interface{}{
				"code":    models.ErrCodeInvalidArgument,
				"message": "Unknown message type: " + req.Type,
			}})
		}
	}
}

// subscribe replays the job's persisted events past sinceSeq, then
// forwards live events until the stream closes or the client leaves.
func (h *WebSocketHandler) subscribe(client *wsClient, req wsClientRequest) {
	if req.JobID == "" {
		client.send(WSMessage{Type: "error", Payload: map[string]interface{}{
			"code":    models.ErrCodeInvalidArgument,
			"message": "subscribe requires a jobId",
		}})
		return
	}

	ch, cancel, subscribed := h.events.Bus().Subscribe(req.JobID)
	if !subscribed {
		apiErr := models.NewEventStreamNotFound()
		if _, err := h.registry.ReplayEvents(req.JobID, req.SinceSeq); err != nil {
			apiErr = asAPIError(err)
		}
		client.send(WSMessage{Type: "error", Payload: map[string]interface{}{
			"jobId":   req.JobID,
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}})
		return
	}

	replay, err := h.registry.ReplayEvents(req.JobID, req.SinceSeq)
	if err != nil {
		cancel()
		apiErr := asAPIError(err)
		client.send(WSMessage{Type: "error", Payload: map[string]interface{}{
			"jobId":   req.JobID,
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}})
		return
	}

	client.track(req.JobID, cancel)
	client.send(WSMessage{Type: "subscribed", Payload: map[string]interface{}{"jobId": req.JobID}})

	lastSeq := req.SinceSeq
	for _, event := range replay {
		if !client.sendEvent(event) {
			client.unsubscribe(req.JobID)
			return
		}
		lastSeq = event.Seq
	}

	h.logger.Debug().
		Str("job_id", req.JobID).
		Int64("since_seq", req.SinceSeq).
		Int("replayed", len(replay)).
		Msg("WebSocket subscription attached")

	common.SafeGo(h.logger, "ws-event-forward", func() {
		defer client.untrack(req.JobID)
		for event := range ch {
			if event.Seq <= lastSeq {
				continue
			}
			if event.Kind == models.EventStageHeartbeat && !client.throttle(req.JobID).Allow() {
				continue
			}
			if !client.sendEvent(event) {
				return
			}
			lastSeq = event.Seq
		}
	})
}

// send writes one frame under the connection's write mutex.
func (c *wsClient) send(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal WebSocket message")
		return false
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send WebSocket message")
		return false
	}
	return true
}

func (c *wsClient) sendEvent(event models.ExportEvent) bool {
	return c.send(WSMessage{Type: "job_event", Payload: event})
}

func (c *wsClient) track(jobID string, cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, ok := c.cancels[jobID]; ok {
		previous()
	}
	c.cancels[jobID] = cancel
}

func (c *wsClient) untrack(jobID string) {
	c.mu.Lock()
	delete(c.cancels, jobID)
	delete(c.throttles, jobID)
	c.mu.Unlock()
}

func (c *wsClient) unsubscribe(jobID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	delete(c.cancels, jobID)
	delete(c.throttles, jobID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *wsClient) throttle(jobID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.throttles[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(heartbeatThrottleInterval), 1)
		c.throttles[jobID] = limiter
	}
	return limiter
}

// close cancels every live subscription and closes the connection.
func (c *wsClient) close() {
	c.mu.Lock()
	cancels := make([]func(), 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.cancels = make(map[string]func())
	c.throttles = make(map[string]*rate.Limiter)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.conn.Close()
	c.logger.Debug().Msg("WebSocket client disconnected")
}

// -----------------------------------------------------------------------
// Event Handlers - Historical event pages and live SSE streaming
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
	"github.com/gitnexus/capsuled/internal/services/events"
	"github.com/gitnexus/capsuled/internal/services/registry"
)

const (
	eventsDefaultLimit = 200
	eventsMaxLimit     = 2000

	// sseKeepAliveInterval paces the ": ping" comment frames that keep
	// idle proxies from closing the stream.
	sseKeepAliveInterval = 2 * time.Second
)

// EventsHandler serves the event history and SSE stream for export jobs.
type EventsHandler struct {
	config   *common.Config
	registry *registry.Service
	events   *events.Service
	logger   arbor.ILogger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(config *common.Config, reg *registry.Service, eventService *events.Service, logger arbor.ILogger) *EventsHandler {
	return &EventsHandler{
		config:   config,
		registry: reg,
		events:   eventService,
		logger:   logger,
	}
}

func (h *EventsHandler) authorize(w http.ResponseWriter, r *http.Request, allowQueryToken bool) bool {
	if apiErr := Authorize(r, h.config.Auth.APIKey, allowQueryToken); apiErr != nil {
		WriteAPIError(w, apiErr)
		return false
	}
	return true
}

// ListHandler handles GET /v1/exports/{id}/events?sinceSeq=N&limit=M.
func (h *EventsHandler) ListHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !h.authorize(w, r, false) {
		return
	}

	sinceSeq := parseQueryInt64(r, "sinceSeq", 0)
	limit := int(parseQueryInt64(r, "limit", eventsDefaultLimit))
	if limit < 1 {
		limit = 1
	}
	if limit > eventsMaxLimit {
		limit = eventsMaxLimit
	}

	response, err := h.registry.EventsSince(jobID, sinceSeq, limit)
	if err != nil {
		WriteAPIError(w, asAPIError(err))
		return
	}

	WriteJSON(w, http.StatusOK, response)
}

// StreamHandler handles GET /v1/exports/{id}/events/stream: replay the
// persisted events past sinceSeq, then forward live events until the
// client disconnects or the stream closes. Subscription happens before
// the replay so nothing published in between is lost; duplicates are
// filtered by sequence number.
func (h *EventsHandler) StreamHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !h.authorize(w, r, true) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteAPIError(w, models.NewInternal("Streaming is not supported by this connection."))
		return
	}

	sinceSeq := parseQueryInt64(r, "sinceSeq", 0)

	ch, cancel, subscribed := h.events.Bus().Subscribe(jobID)
	if !subscribed {
		// Distinguish unknown/expired jobs from a torn-down stream.
		if _, err := h.registry.ReplayEvents(jobID, sinceSeq); err != nil {
			WriteAPIError(w, asAPIError(err))
			return
		}
		WriteAPIError(w, models.NewEventStreamNotFound())
		return
	}
	defer cancel()

	replay, err := h.registry.ReplayEvents(jobID, sinceSeq)
	if err != nil {
		WriteAPIError(w, asAPIError(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastSeq := sinceSeq
	for _, event := range replay {
		writeSSEEvent(w, event)
		lastSeq = event.Seq
	}
	flusher.Flush()

	h.logger.Debug().
		Str("job_id", jobID).
		Int64("since_seq", sinceSeq).
		Int("replayed", len(replay)).
		Msg("SSE stream attached")

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			writeSSEEvent(w, event)
			lastSeq = event.Seq
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent renders one event as an SSE frame with the sequence as
// the frame id and the event kind as the frame type.
func writeSSEEvent(w io.Writer, event models.ExportEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		data = []byte(`{"type":"stage-heartbeat","message":"encode_error"}`)
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, data)
}

func parseQueryInt64(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sandboxagent/agentd/internal/schema"
)

type listEventsResponse struct {
	Events  []schema.UniversalEvent `json:"events"`
	HasMore bool                    `json:"hasMore"`
}

// handleListEvents serves GET /v1/sessions/{id}/events?offset=&limit=
// (§6, §4.3 Range).
func (s *Server) handleListEvents(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))

	offset, err := parseInt64Query(c, "offset", 0)
	if err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, "offset must be an integer"))
		return
	}
	limit, err := parseIntQuery(c, "limit", 0)
	if err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, "limit must be an integer"))
		return
	}

	log, err := s.mgr.Events(id)
	if err != nil {
		writeError(c, err)
		return
	}

	events, hasMore, err := log.Range(offset, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listEventsResponse{Events: events, HasMore: hasMore})
}

// handleEventsSSE serves GET /v1/sessions/{id}/events/sse?offset= (§6): a
// text/event-stream of UniversalEvents, each carrying an `id:` field so a
// client can resume via Last-Event-ID after a reconnect.
func (s *Server) handleEventsSSE(c *gin.Context) {
	id := schema.SessionID(c.Param("id"))

	offset, err := parseInt64Query(c, "offset", 0)
	if err != nil {
		writeError(c, schema.NewAgentError(schema.ErrorInvalidRequest, "offset must be an integer"))
		return
	}
	if last := c.GetHeader("Last-Event-ID"); last != "" {
		if parsed, perr := strconv.ParseInt(last, 10, 64); perr == nil {
			offset = parsed
		}
	}

	log, err := s.mgr.Events(id)
	if err != nil {
		writeError(c, err)
		return
	}

	stream, unsubscribe, err := log.Subscribe(offset)
	if err != nil {
		writeError(c, err)
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)

	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return
			}
			payload, err := event.MarshalJSON()
			if err != nil {
				s.log.WithSession(string(id)).Warn("failed marshaling event for sse")
				continue
			}
			fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", event.ID, payload)
			if canFlush {
				flusher.Flush()
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

func parseInt64Query(c *gin.Context, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func parseIntQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

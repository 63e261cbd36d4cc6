package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
)

const (
	EventProgress  = "progress"
	EventNotes     = "notes"
	EventHeartbeat = "heartbeat"
)

func (h *httpHandler) handleProgressStream(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates := make(chan []byte, 1)
	cancel, err := h.documents.SubscribeProgress(ctx, userID, func(snapshot progress.Snapshot) {
		payload, err := progress.EncodeSnapshot(snapshot)
		if err != nil {
			h.logger.Error("failed to encode progress event", zap.String("user_id", userID.String()), zap.Error(err))
			return
		}
		offerLatest(updates, payload)
	})
	if err != nil {
		h.respondServiceError(c, "subscribe_failed", err)
		return
	}
	defer cancel()
	h.stream(c, EventProgress, updates)
}

func (h *httpHandler) handleNotesStream(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates := make(chan []byte, 1)
	cancel, err := h.documents.SubscribeNotes(ctx, userID, func(list []notes.Note) {
		payload, err := json.Marshal(NotesPayload{Notes: list})
		if err != nil {
			h.logger.Error("failed to encode notes event", zap.String("user_id", userID.String()), zap.Error(err))
			return
		}
		offerLatest(updates, payload)
	})
	if err != nil {
		h.respondServiceError(c, "subscribe_failed", err)
		return
	}
	defer cancel()
	h.stream(c, EventNotes, updates)
}

// offerLatest keeps only the newest full document for a slow reader.
// It must have a single sender.
func offerLatest(updates chan []byte, payload []byte) {
	select {
	case updates <- payload:
		return
	default:
	}
	select {
	case <-updates:
	default:
	}
	updates <- payload
}

func (h *httpHandler) stream(c *gin.Context, event string, updates <-chan []byte) {
	ctx := c.Request.Context()
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case payload := <-updates:
			c.SSEvent(event, string(payload))
			return true
		case <-heartbeat.C:
			c.SSEvent(EventHeartbeat, "{}")
			return true
		}
	})
}

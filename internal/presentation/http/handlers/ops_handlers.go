// Package handlers provides the read-only ops/introspection HTTP surface of
// a running identity daemon.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AtRiskMedia/visitorid-go/internal/application/container"
	domainEvents "github.com/AtRiskMedia/visitorid-go/internal/domain/events"
	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
	"github.com/gin-gonic/gin"
)

// opsResponseTimeout bounds how long an ops query waits on the event worker.
const opsResponseTimeout = 2 * time.Second

// OpsHandlers exposes identity snapshot, queue status, and log level
// management endpoints.
type OpsHandlers struct {
	container *container.Container
	started   time.Time
}

// NewOpsHandlers creates the ops handler set.
func NewOpsHandlers(c *container.Container) *OpsHandlers {
	return &OpsHandlers{
		container: c,
		started:   time.Now().UTC(),
	}
}

// GetIdentity answers with the current identity snapshot. The query rides
// through the event bus like any other identifier request, so the answer is
// always a consistent snapshot taken on the event worker.
func (h *OpsHandlers) GetIdentity(c *gin.Context) {
	response, ok := h.container.Dispatcher.DispatchAndWait(domainEvents.Event{
		Type:   domainEvents.TypeIdentity,
		Source: domainEvents.SourceRequestIdentity,
	}, opsResponseTimeout)
	if !ok {
		h.container.Logger.Ops().Warn("Identity snapshot request timed out")
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "identity snapshot timed out"})
		return
	}

	c.JSON(http.StatusOK, response.Data)
}

// GetQueue reports hit queue depth and suspension status.
func (h *OpsHandlers) GetQueue(c *gin.Context) {
	depth, err := h.container.HitQueueService.Depth()
	if err != nil {
		h.container.Logger.Ops().Error("Failed to read queue depth", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"depth":     depth,
		"suspended": h.container.HitQueueService.Suspended(),
	})
}

// Health is a liveness probe.
func (h *OpsHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	})
}

// GetLogLevels returns the current per-channel log levels.
func (h *OpsHandlers) GetLogLevels(c *gin.Context) {
	c.JSON(http.StatusOK, h.container.Logger.GetChannelLevels())
}

// SetLogLevel updates one channel's log level at runtime.
func (h *OpsHandlers) SetLogLevel(c *gin.Context) {
	var req struct {
		Channel string `json:"channel" binding:"required"`
		Level   string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(req.Level)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level: " + req.Level})
		return
	}

	if err := h.container.Logger.SetChannelLevel(logging.Channel(req.Channel), level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"channel": req.Channel, "level": level.String()})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-sync/internal/rabbitmq"
	"dm-sync/internal/telemetry"
	"dm-sync/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.Emitter, publisher rabbitmq.Publisher, hub *ws.Hub, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Audit(c.Request.Context(), "INFO", "audit test", participantIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/publisher", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mode":   rabbitmq.PublisherMode(publisher),
			"reason": rabbitmq.PublisherNoopReason(publisher),
		})
	})

	router.GET("/debug/conversations/:conversation_id/clients", func(c *gin.Context) {
		id := c.Param("conversation_id")
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": id,
			"clients":         hub.Count(id),
			"participants":    hub.Participants(id),
		})
	})
}

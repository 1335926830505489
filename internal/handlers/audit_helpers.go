package handlers

import (
	"github.com/gin-gonic/gin"

	"dm-sync/internal/middleware"
)

func participantIDFromContext(c *gin.Context) *string {
	if p, ok := middleware.Participant(c); ok {
		id := p.ID
		return &id
	}
	if header := c.GetHeader("X-Participant-Id"); header != "" {
		return &header
	}
	return nil
}

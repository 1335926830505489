package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-sync/internal/models"
	"dm-sync/internal/telemetry"
)

const (
	participantContextKey = "participant"
	requestIDContextKey   = "request_id"
)

// Identity reads the caller's participant identity set by the gateway.
// Websocket clients cannot set headers, so query parameters are accepted as well.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := models.Participant{
			ID:          firstNonEmpty(c.GetHeader("X-Participant-Id"), c.Query("participant_id")),
			DisplayName: firstNonEmpty(c.GetHeader("X-Participant-Name"), c.Query("name")),
			AvatarURL:   firstNonEmpty(c.GetHeader("X-Participant-Avatar"), c.Query("avatar")),
		}
		if p.ID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing participant identity"})
			return
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		c.Set(participantContextKey, p)
		c.Next()
	}
}

// Participant returns the identity stored by Identity.
func Participant(c *gin.Context) (models.Participant, bool) {
	val, ok := c.Get(participantContextKey)
	if !ok {
		return models.Participant{}, false
	}
	p, ok := val.(models.Participant)
	return p, ok && p.ID != ""
}

// RequestID makes sure every request carries an id, echoes it back and
// stores it on the request context for event envelopes.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header("X-Request-ID", id)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// RequestIDFrom returns the id stored by RequestID.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDContextKey)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

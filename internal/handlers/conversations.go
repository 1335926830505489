package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dm-sync/internal/middleware"
	"dm-sync/internal/models"
	"dm-sync/internal/remote"
	"dm-sync/internal/repositories"
	"dm-sync/internal/telemetry"
	"dm-sync/internal/ws"
)

// ConversationHandler manages the conversation list and conversation lifecycle.
type ConversationHandler struct {
	repo    repositories.ConversationRepository
	hub     *ws.Hub
	emitter *telemetry.Emitter
	now     func() time.Time
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(repo repositories.ConversationRepository, hub *ws.Hub, emitter *telemetry.Emitter) *ConversationHandler {
	return &ConversationHandler{repo: repo, hub: hub, emitter: emitter, now: time.Now}
}

// Register mounts the conversation routes on an authenticated group.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.ListConversations)
	r.POST("/conversations", h.StartConversation)
	r.GET("/conversations/:conversation_id", h.GetConversation)
	r.DELETE("/conversations/:conversation_id", h.DeleteConversation)
}

// ListConversations returns the caller's conversations, most recent first,
// optionally filtered by the other participant's display name.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	self, _ := middleware.Participant(c)

	convs, err := h.repo.ListConversations(c.Request.Context(), self.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	query := strings.ToLower(strings.TrimSpace(c.Query("q")))
	now := h.now()
	summaries := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := conv.SummaryFor(self.ID, now)
		if query != "" && !strings.Contains(strings.ToLower(summary.Other.DisplayName), query) {
			continue
		}
		summaries = append(summaries, summary)
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// StartConversation creates or returns the conversation with another participant.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		Participant models.Participant `json:"participant"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	other := req.Participant
	other.ID = strings.TrimSpace(other.ID)
	if other.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant id is required"})
		return
	}
	if other.DisplayName == "" {
		other.DisplayName = other.ID
	}

	self, _ := middleware.Participant(c)
	conv, err := h.repo.CreateOrGetConversation(c.Request.Context(), self, other)
	if err != nil {
		if errors.Is(err, models.ErrSameParticipant) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv.SummaryFor(self.ID, h.now())})
}

// GetConversation returns one conversation of the caller.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, ok := h.loadOwn(c)
	if !ok {
		return
	}
	self, _ := middleware.Participant(c)
	c.JSON(http.StatusOK, gin.H{"conversation": conv.SummaryFor(self.ID, h.now())})
}

// DeleteConversation removes the conversation with all of its messages and
// disconnects every open session on it.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	conv, ok := h.loadOwn(c)
	if !ok {
		return
	}

	if err := h.repo.DeleteConversation(c.Request.Context(), conv.ID); err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete conversation"})
		return
	}

	evicted := 0
	if h.hub != nil {
		evicted = h.hub.Evict(conv.ID, "conversation deleted")
	}
	h.emitter.Audit(c.Request.Context(), "INFO", "conversation deleted: "+conv.ID, participantIDFromContext(c))
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "disconnected": evicted})
}

func (h *ConversationHandler) loadOwn(c *gin.Context) (models.Conversation, bool) {
	self, _ := middleware.Participant(c)
	conv, err := h.repo.Conversation(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, remote.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return models.Conversation{}, false
	}
	if !conv.HasParticipant(self.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return models.Conversation{}, false
	}
	return conv, true
}

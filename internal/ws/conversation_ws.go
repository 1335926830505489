package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dm-sync/internal/middleware"
	"dm-sync/internal/observability"
	"dm-sync/internal/remote"
	"dm-sync/internal/session"
)

const disposeTimeout = 5 * time.Second

// Options configures the sessions opened by ConversationWebSocketHandler.
type Options struct {
	PageSize    int
	ReadWindow  time.Duration
	EditFanOut  bool
	ActionRate  float64
	ActionBurst int
	Uploader    session.Uploader
	Events      session.EventEmitter
	Logger      *zap.Logger
}

// ConversationWebSocketHandler opens one session per connection.
type ConversationWebSocketHandler struct {
	hub    *Hub
	stream remote.Stream
	opts   Options
	log    *zap.Logger
}

// NewConversationWebSocketHandler constructs a ConversationWebSocketHandler.
func NewConversationWebSocketHandler(hub *Hub, stream remote.Stream, opts Options) *ConversationWebSocketHandler {
	if opts.PageSize <= 0 {
		opts.PageSize = session.DefaultPageSize
	}
	if opts.ActionRate <= 0 {
		opts.ActionRate = 10
	}
	if opts.ActionBurst <= 0 {
		opts.ActionBurst = 20
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationWebSocketHandler{hub: hub, stream: stream, opts: opts, log: log}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle binds a session, upgrades the connection and serves it until it closes.
func (h *ConversationWebSocketHandler) Handle(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	self, ok := middleware.Participant(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing participant identity"})
		return
	}

	ctx, span := otel.Tracer("dm-sync/ws").Start(c.Request.Context(), "ws.session")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	info := ConnInfo{
		ConnID:         newConnID(),
		ConversationID: conversationID,
		ParticipantID:  self.ID,
		IP:             observability.IPFromRequest(c.Request),
		RequestID:      middleware.RequestIDFrom(c),
		TraceID:        span.SpanContext().TraceID().String(),
		ConnectedAt:    time.Now(),
	}
	log := h.log.With(zap.String("conn_id", info.ConnID), zap.String("conversation_id", conversationID))
	client := newClient(info, rate.NewLimiter(rate.Limit(h.opts.ActionRate), h.opts.ActionBurst), 4*h.opts.PageSize+64, log)

	sess := session.New(h.stream, session.Options{
		Self:       self,
		PageSize:   h.opts.PageSize,
		ReadWindow: h.opts.ReadWindow,
		EditFanOut: h.opts.EditFanOut,
		Logger:     log,
		Uploader:   h.opts.Uploader,
		Events:     h.opts.Events,
		OnEvent:    client.push,
	})
	if err := sess.Bind(ctx, conversationID); err != nil {
		span.RecordError(err)
		c.JSON(bindStatus(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		disposeCtx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		sess.Dispose(disposeCtx)
		cancel()
		return
	}
	client.attach(conn, sess)
	h.hub.Add(client)
	observability.IncWSActive("conversation")
	publishConnEvent(ctx, "ws_connect", info, "")

	go client.writePump()
	readErr := client.readPump(ctx)

	client.closeWith("client closed")
	if !client.drain(disposeTimeout) {
		log.Warn("ws_actions_still_running")
	}
	disposeCtx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	sess.Dispose(disposeCtx)
	cancel()
	h.hub.Remove(client)
	close(client.finished)

	observability.DecWSActive("conversation")
	if readErr != nil {
		publishConnEvent(ctx, "ws_error", info, readErr.Error())
	}
	publishConnEvent(ctx, "ws_disconnect", info, client.closeReason())
}

func bindStatus(err error) int {
	switch {
	case errors.Is(err, remote.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dm-sync/internal/logger"
	"dm-sync/internal/observability"
)

// Publisher delivers envelopes to the event bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// Domain event types. The routing key is "<prefix>.<type>".
const (
	EventMessageSent     = "message_sent"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventReactionChanged = "reaction_changed"
	EventAuditLog        = "audit_log"
)

// Emitter publishes domain and audit events.
type Emitter struct {
	publisher   Publisher
	prefix      string
	auditKey    string
	service     string
	environment string
}

// Envelope wraps every event published by the service.
type Envelope struct {
	SchemaVersion  int     `json:"schema_version"`
	EventType      string  `json:"event_type"`
	OccurredAt     string  `json:"occurred_at"`
	Service        string  `json:"service"`
	Environment    string  `json:"environment"`
	RequestID      string  `json:"request_id,omitempty"`
	TraceID        string  `json:"trace_id,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	ParticipantID  *string `json:"participant_id,omitempty"`
	Payload        any     `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func NewEmitter(publisher Publisher, prefix, auditKey, service, environment string) *Emitter {
	return &Emitter{
		publisher:   publisher,
		prefix:      prefix,
		auditKey:    auditKey,
		service:     service,
		environment: environment,
	}
}

// Emit publishes a domain event. Failures are logged and counted, never returned.
func (e *Emitter) Emit(ctx context.Context, eventType, conversationID, participantID string, payload any) {
	if e == nil || e.publisher == nil {
		return
	}
	env := e.envelope(ctx, eventType, payload)
	env.ConversationID = conversationID
	if participantID != "" {
		env.ParticipantID = &participantID
	}
	e.publish(ctx, e.prefix+"."+eventType, env)
}

// Audit publishes a free-form audit record.
func (e *Emitter) Audit(ctx context.Context, level, text string, participantID *string) {
	if e == nil || e.publisher == nil {
		return
	}
	logger.Log.Info("audit_emit", zap.String("level", level), zap.String("request_id", RequestID(ctx)), zap.Stringp("participant_id", participantID), zap.String("text", text))
	env := e.envelope(ctx, EventAuditLog, AuditPayload{Level: level, Text: text})
	env.ParticipantID = participantID
	e.publish(ctx, e.auditKey, env)
}

func (e *Emitter) envelope(ctx context.Context, eventType string, payload any) Envelope {
	env := Envelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     RequestID(ctx),
		Payload:       payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env
}

func (e *Emitter) publish(ctx context.Context, routingKey string, env Envelope) {
	headers := observability.BuildHeaders(env.RequestID, env.TraceID)
	if err := e.publisher.Publish(ctx, routingKey, env, headers); err != nil {
		observability.IncAMQPPublishError()
		logger.Log.Warn("event_publish_failed", zap.String("routing_key", routingKey), zap.String("event_type", env.EventType), zap.Error(err))
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dm-sync/internal/observability"
)

const wsRoutingKey = "ws_events.conversations"

func newConnID() string {
	return uuid.NewString()
}

// publishConnEvent reports a connection lifecycle event on the operational bus.
func publishConnEvent(ctx context.Context, name string, info ConnInfo, reason string) {
	duration := int64(0)
	if name != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":            "conversation",
			"conversation_id": info.ConversationID,
			"event":           name,
			"conn_id":         info.ConnID,
			"duration_ms":     duration,
			"reason":          reason,
		},
		"identity": map[string]interface{}{
			"participant_id": info.ParticipantID,
			"ip":             info.IP,
		},
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent("conversation", name)
}

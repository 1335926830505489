package ws

import "time"

type ConnInfo struct {
	ConnID         string
	ConversationID string
	ParticipantID  string
	IP             string
	RequestID      string
	TraceID        string
	ConnectedAt    time.Time
}

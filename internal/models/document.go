package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageDoc is the wire form of a message as stored remotely.
type MessageDoc struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Text           string            `json:"text"`
	Image          string            `json:"image,omitempty"`
	CreatedAt      *time.Time        `json:"createdAt"`
	Read           bool              `json:"read"`
	Edited         bool              `json:"edited"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	ReplyTo        *ReplyRef         `json:"replyTo,omitempty"`
}

// InvalidDocumentError describes a remote document that could not be projected into a Message.
type InvalidDocumentError struct {
	ID     string
	Reason string
}

func (e *InvalidDocumentError) Error() string {
	return fmt.Sprintf("invalid message document %q: %s", e.ID, e.Reason)
}

// DecodeMessage validates a raw remote document and projects it into a confirmed Message.
func DecodeMessage(id string, raw []byte) (Message, error) {
	var doc MessageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Message{}, &InvalidDocumentError{ID: id, Reason: err.Error()}
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if id != "" && doc.ID != id {
		return Message{}, &InvalidDocumentError{ID: id, Reason: "id mismatch " + doc.ID}
	}
	if strings.TrimSpace(doc.ConversationID) == "" {
		return Message{}, &InvalidDocumentError{ID: doc.ID, Reason: "missing conversationId"}
	}
	if strings.TrimSpace(doc.SenderID) == "" {
		return Message{}, &InvalidDocumentError{ID: doc.ID, Reason: "missing senderId"}
	}
	if doc.CreatedAt == nil || doc.CreatedAt.IsZero() {
		return Message{}, &InvalidDocumentError{ID: doc.ID, Reason: "missing createdAt"}
	}
	body := Body{Text: doc.Text, ImageURL: doc.Image}
	if err := body.Validate(); err != nil {
		return Message{}, &InvalidDocumentError{ID: doc.ID, Reason: err.Error()}
	}
	if doc.ReplyTo != nil && doc.ReplyTo.TargetID == "" {
		doc.ReplyTo = nil
	}

	var reactions Reactions
	if len(doc.Reactions) > 0 {
		reactions = Reactions(doc.Reactions)
	}
	return Message{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		SenderID:       doc.SenderID,
		Body:           body,
		CreatedAt:      doc.CreatedAt.UTC(),
		Read:           doc.Read,
		Edited:         doc.Edited,
		Reactions:      reactions,
		ReplyTo:        doc.ReplyTo,
	}, nil
}

// EncodeMessage renders m in the wire form. Pending state is local and never encoded.
func EncodeMessage(m Message) ([]byte, error) {
	doc := MessageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Body.Text,
		Image:          m.Body.ImageURL,
		Read:           m.Read,
		Edited:         m.Edited,
		Reactions:      m.Reactions,
		ReplyTo:        m.ReplyTo,
	}
	if !m.CreatedAt.IsZero() {
		ts := m.CreatedAt.UTC()
		doc.CreatedAt = &ts
	}
	return json.Marshal(doc)
}

package models

import (
	"errors"
	"strings"
	"time"
)

const (
	// ImagePreviewText is shown wherever an image-only message needs a text form.
	ImagePreviewText = "📸 Image"
	// DeletedReplyText replaces the reply snapshot of a deleted message.
	DeletedReplyText = "original message deleted"
)

var ErrEmptyBody = errors.New("message body needs text or an image")

// BodyKind tags which parts of a message body are present.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyText
	BodyImage
	BodyBoth
)

func (k BodyKind) String() string {
	switch k {
	case BodyText:
		return "text"
	case BodyImage:
		return "image"
	case BodyBoth:
		return "both"
	default:
		return "empty"
	}
}

// Body is the content of a message: text, an image URL, or both.
type Body struct {
	Text     string `json:"text"`
	ImageURL string `json:"image,omitempty"`
}

// Kind reports which variant the body is.
func (b Body) Kind() BodyKind {
	hasText := strings.TrimSpace(b.Text) != ""
	hasImage := b.ImageURL != ""
	switch {
	case hasText && hasImage:
		return BodyBoth
	case hasText:
		return BodyText
	case hasImage:
		return BodyImage
	default:
		return BodyEmpty
	}
}

// Validate rejects bodies with neither text nor image.
func (b Body) Validate() error {
	if b.Kind() == BodyEmpty {
		return ErrEmptyBody
	}
	return nil
}

// PreviewText is the one-line form used for conversation previews and reply snapshots.
func (b Body) PreviewText() string {
	if b.Kind() == BodyImage {
		return ImagePreviewText
	}
	return b.Text
}

// ReplyRef is a point-in-time copy of the message being replied to.
// It is only rewritten by fan-out when the target is edited or deleted.
type ReplyRef struct {
	TargetID   string `json:"targetId"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
	ImageURL   string `json:"image,omitempty"`
}

// Message is a direct message inside a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           Body      `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
	Edited         bool      `json:"edited"`
	Reactions      Reactions `json:"reactions,omitempty"`
	ReplyTo        *ReplyRef `json:"replyTo,omitempty"`
	Pending        bool      `json:"pending"`
}

// Confirmed reports whether the server has acknowledged the message.
func (m Message) Confirmed() bool {
	return !m.Pending && !m.CreatedAt.IsZero()
}

// Snapshot builds the reply reference other messages keep for m.
func (m Message) Snapshot(senderName string) ReplyRef {
	return ReplyRef{
		TargetID:   m.ID,
		Text:       m.Body.Text,
		SenderName: senderName,
		ImageURL:   m.Body.ImageURL,
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (m Message) Clone() Message {
	out := m
	out.Reactions = m.Reactions.Clone()
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	return out
}

// DeletedSnapshot is the sentinel written into replies of a deleted message.
func DeletedSnapshot(ref ReplyRef) ReplyRef {
	return ReplyRef{
		TargetID:   ref.TargetID,
		Text:       DeletedReplyText,
		SenderName: ref.SenderName,
	}
}

// Less orders messages by (createdAt, id). Unconfirmed messages sort after confirmed ones.
func Less(a, b Message) bool {
	az, bz := a.CreatedAt.IsZero(), b.CreatedAt.IsZero()
	if az != bz {
		return bz
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ChatEvent is pushed to websocket clients whenever the local view changes.
type ChatEvent struct {
	Type      string    `json:"type"`
	Message   *Message  `json:"message,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	HasMore   *bool     `json:"has_more,omitempty"`
	AnchorID  string    `json:"anchor_id,omitempty"`
	Count     int       `json:"count,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Draft     *Draft    `json:"draft,omitempty"`
}

// Draft is the compose buffer a send was issued from.
type Draft struct {
	ID        string      `json:"id,omitempty"`
	Text      string      `json:"text"`
	ReplyToID string      `json:"reply_to_id,omitempty"`
	ImageURL  string      `json:"image_url,omitempty"`
	Upload    *Attachment `json:"-"`
}

// Attachment is a binary waiting to be uploaded before the message is created.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

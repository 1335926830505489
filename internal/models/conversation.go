package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrSameParticipant = errors.New("conversation needs two different participants")

// Participant is the display identity of one side of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"photoURL,omitempty"`
}

// Preview is the cached last-message summary shown in the conversation list.
type Preview struct {
	Text           string     `json:"lastMessagePreview"`
	SenderID       string     `json:"lastMessageSenderId"`
	Timestamp      *time.Time `json:"lastMessageTimestamp"`
	UnreadForOther bool       `json:"unreadForOtherParticipant"`
}

// PreviewOf builds the preview for a freshly sent message.
func PreviewOf(m Message) Preview {
	p := Preview{
		Text:           m.Body.PreviewText(),
		SenderID:       m.SenderID,
		UnreadForOther: true,
	}
	if !m.CreatedAt.IsZero() {
		ts := m.CreatedAt
		p.Timestamp = &ts
	}
	return p
}

// Conversation is a private conversation between exactly two participants.
type Conversation struct {
	ID             string                 `db:"id" json:"id"`
	ParticipantIDs [2]string              `json:"users"`
	Participants   map[string]Participant `json:"participantDetails"`
	Preview        Preview                `json:"preview"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
}

// SortedPair orders two participant ids the way conversations are keyed.
func SortedPair(a, b string) ([2]string, error) {
	if a == b {
		return [2]string{}, ErrSameParticipant
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return [2]string{ids[0], ids[1]}, nil
}

// HasParticipant reports whether id is one of the two sides.
func (c Conversation) HasParticipant(id string) bool {
	return id != "" && (c.ParticipantIDs[0] == id || c.ParticipantIDs[1] == id)
}

// Other returns the participant that is not self.
func (c Conversation) Other(self string) Participant {
	otherID := c.ParticipantIDs[0]
	if otherID == self {
		otherID = c.ParticipantIDs[1]
	}
	if p, ok := c.Participants[otherID]; ok {
		return p
	}
	return Participant{ID: otherID, DisplayName: "Unknown"}
}

// DisplayName resolves a participant id to the denormalized name.
func (c Conversation) DisplayName(id string) string {
	if p, ok := c.Participants[id]; ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return "Unknown"
}

// IsUnreadFor reports whether self has an unread inbound last message.
func (c Conversation) IsUnreadFor(self string) bool {
	return c.Preview.SenderID != "" && c.Preview.SenderID != self && c.Preview.UnreadForOther
}

// ConversationSummary is the API view of a conversation for one participant.
type ConversationSummary struct {
	ConversationID string      `json:"conversationId"`
	Other          Participant `json:"otherUser"`
	Preview
	IsUnread   bool   `json:"isUnread"`
	TimeString string `json:"timeString"`
}

// SummaryFor renders the conversation as self sees it in the list.
func (c Conversation) SummaryFor(self string, now time.Time) ConversationSummary {
	s := ConversationSummary{
		ConversationID: c.ID,
		Other:          c.Other(self),
		Preview:        c.Preview,
		IsUnread:       c.IsUnreadFor(self),
	}
	if c.Preview.Timestamp != nil {
		s.TimeString = RelativeTime(*c.Preview.Timestamp, now)
	}
	return s
}

// RelativeTime formats ts the way the conversation list shows it: "now",
// minutes, hours and days up to a week, then the calendar date.
func RelativeTime(ts, now time.Time) string {
	diff := now.Sub(ts)
	switch {
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm", int(diff/time.Minute))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh", int(diff/time.Hour))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(diff/(24*time.Hour)))
	}
	return ts.Format("2006-01-02")
}

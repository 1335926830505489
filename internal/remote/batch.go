package remote

import (
	"fmt"

	"dm-sync/internal/models"
)

// DefaultMaxBatchSize matches the write limit of the hosted document stores we target.
const DefaultMaxBatchSize = 500

// OpKind names a single write inside a batch.
type OpKind string

const (
	OpPutMessage           OpKind = "put_message"
	OpUpdateMessage        OpKind = "update_message"
	OpSetReaction          OpKind = "set_reaction"
	OpDeleteMessage        OpKind = "delete_message"
	OpSetPreview           OpKind = "set_preview"
	OpUpdatePreviewText    OpKind = "update_preview_text"
	OpClearPreview         OpKind = "clear_preview"
	OpMarkConversationRead OpKind = "mark_conversation_read"
)

// MessagePatch lists the message fields an update touches. Nil means unchanged.
type MessagePatch struct {
	Text     *string
	ImageURL *string
	Edited   *bool
	Read     *bool
	ReplyTo  *models.ReplyRef
}

// Op is one write. Which fields matter depends on Kind.
type Op struct {
	Kind           OpKind
	ConversationID string
	MessageID      string

	// put_message
	Message *models.Message
	// update_message
	Patch MessagePatch
	// set_reaction: an empty Emoji clears the participant's slot
	ParticipantID string
	Emoji         string
	// set_preview: the timestamp is taken from MessageID on the server
	Preview *models.Preview
	// mark_conversation_read
	ReaderID string

	// IgnoreMissing turns a missing target into a no-op instead of failing the batch.
	IgnoreMissing bool
}

func (o Op) String() string {
	if o.MessageID != "" {
		return fmt.Sprintf("%s %s/%s", o.Kind, o.ConversationID, o.MessageID)
	}
	return fmt.Sprintf("%s %s", o.Kind, o.ConversationID)
}

// Batch is an ordered set of writes committed all-or-nothing.
type Batch struct {
	ops []Op
}

// NewBatch returns a batch holding ops.
func NewBatch(ops ...Op) *Batch {
	b := &Batch{}
	b.ops = append(b.ops, ops...)
	return b
}

// Add appends an operation.
func (b *Batch) Add(op Op) *Batch {
	b.ops = append(b.ops, op)
	return b
}

// Ops returns a copy of the operations in order.
func (b *Batch) Ops() []Op {
	out := make([]Op, len(b.ops))
	copy(out, b.ops)
	return out
}

// Len is the number of operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Split chunks ops into batches of at most size operations, preserving order.
func Split(ops []Op, size int) []*Batch {
	if size <= 0 {
		size = DefaultMaxBatchSize
	}
	batches := make([]*Batch, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		batches = append(batches, NewBatch(ops[start:end]...))
	}
	return batches
}

// PutMessage creates m if no message with its id exists yet.
func PutMessage(m models.Message) Op {
	msg := m.Clone()
	msg.Pending = false
	return Op{Kind: OpPutMessage, ConversationID: m.ConversationID, MessageID: m.ID, Message: &msg}
}

// UpdateMessage patches an existing message.
func UpdateMessage(conversationID, messageID string, patch MessagePatch) Op {
	return Op{Kind: OpUpdateMessage, ConversationID: conversationID, MessageID: messageID, Patch: patch}
}

// SetReaction writes one participant's reaction slot.
func SetReaction(conversationID, messageID, participantID, emoji string) Op {
	return Op{Kind: OpSetReaction, ConversationID: conversationID, MessageID: messageID, ParticipantID: participantID, Emoji: emoji}
}

// DeleteMessage removes a message.
func DeleteMessage(conversationID, messageID string) Op {
	return Op{Kind: OpDeleteMessage, ConversationID: conversationID, MessageID: messageID}
}

// SetPreview rewrites the conversation preview from the message messageID.
func SetPreview(conversationID, messageID string, preview models.Preview) Op {
	p := preview
	return Op{Kind: OpSetPreview, ConversationID: conversationID, MessageID: messageID, Preview: &p}
}

// UpdatePreviewText rewrites only the preview text, leaving sender, time and unread state alone.
func UpdatePreviewText(conversationID, text string) Op {
	return Op{Kind: OpUpdatePreviewText, ConversationID: conversationID, Preview: &models.Preview{Text: text}}
}

// ClearPreview empties the conversation preview.
func ClearPreview(conversationID string) Op {
	return Op{Kind: OpClearPreview, ConversationID: conversationID}
}

// MarkConversationRead clears the unread aggregate unless readerID sent the last message.
func MarkConversationRead(conversationID, readerID string) Op {
	return Op{Kind: OpMarkConversationRead, ConversationID: conversationID, ReaderID: readerID}
}

// StringPtr and BoolPtr help build patches.
func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }

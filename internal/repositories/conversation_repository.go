package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dm-sync/internal/models"
	"dm-sync/internal/remote"
)

var ErrConversationNotFound = fmt.Errorf("conversation %w", remote.ErrNotFound)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGetConversation(ctx context.Context, self, other models.Participant) (models.Conversation, error)
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
	ListConversations(ctx context.Context, participantID string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, user1_id, user2_id, participants, last_message_preview,
        last_message_sender_id, last_message_at, unread_for_other, created_at`

type conversationRow struct {
	ID            string         `db:"id"`
	User1ID       string         `db:"user1_id"`
	User2ID       string         `db:"user2_id"`
	Participants  []byte         `db:"participants"`
	PreviewText   sql.NullString `db:"last_message_preview"`
	PreviewSender sql.NullString `db:"last_message_sender_id"`
	PreviewAt     sql.NullTime   `db:"last_message_at"`
	Unread        bool           `db:"unread_for_other"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r conversationRow) conversation() (models.Conversation, error) {
	conv := models.Conversation{
		ID:             r.ID,
		ParticipantIDs: [2]string{r.User1ID, r.User2ID},
		Participants:   map[string]models.Participant{},
		CreatedAt:      r.CreatedAt.UTC(),
		Preview: models.Preview{
			Text:           r.PreviewText.String,
			SenderID:       r.PreviewSender.String,
			UnreadForOther: r.Unread,
		},
	}
	if r.PreviewAt.Valid {
		ts := r.PreviewAt.Time.UTC()
		conv.Preview.Timestamp = &ts
	}
	if len(r.Participants) > 0 {
		if err := json.Unmarshal(r.Participants, &conv.Participants); err != nil {
			return models.Conversation{}, fmt.Errorf("decode participants of %s: %w", r.ID, err)
		}
	}
	return conv, nil
}

// CreateOrGetConversation returns the conversation between self and other,
// creating it when missing. Display details of both sides are refreshed.
func (r *ConversationRepo) CreateOrGetConversation(ctx context.Context, self, other models.Participant) (models.Conversation, error) {
	pair, err := models.SortedPair(self.ID, other.ID)
	if err != nil {
		return models.Conversation{}, err
	}
	details, err := json.Marshal(map[string]models.Participant{self.ID: self, other.ID: other})
	if err != nil {
		return models.Conversation{}, err
	}

	var row conversationRow
	query := `INSERT INTO conversations (id, user1_id, user2_id, participants)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user1_id, user2_id)
        DO UPDATE SET participants = conversations.participants || EXCLUDED.participants
        RETURNING ` + conversationColumns
	if err := r.db.GetContext(ctx, &row, query, uuid.NewString(), pair[0], pair[1], string(details)); err != nil {
		return models.Conversation{}, classify(err)
	}
	return row.conversation()
}

// Conversation fetches a conversation by id.
func (r *ConversationRepo) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, classify(err)
	}
	return row.conversation()
}

// ListConversations returns the participant's conversations, most recent activity first.
func (r *ConversationRepo) ListConversations(ctx context.Context, participantID string) ([]models.Conversation, error) {
	var rows []conversationRow
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE user1_id=$1 OR user2_id=$1
        ORDER BY COALESCE(last_message_at, created_at) DESC, id`
	if err := r.db.SelectContext(ctx, &rows, query, participantID); err != nil {
		return nil, classify(err)
	}
	out := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := row.conversation()
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// DeleteConversation removes the conversation. Messages go with it through the cascade.
func (r *ConversationRepo) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

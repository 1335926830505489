package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dm-sync/internal/models"
	"dm-sync/internal/observability"
	"dm-sync/internal/remote"
	"dm-sync/internal/store"
	"dm-sync/internal/telemetry"
)

type messageEvent struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body_kind,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	Repliers  int    `json:"repliers,omitempty"`
}

// Send creates a message from draft. An attachment is uploaded first. The
// message shows up as pending at the tail right away and is confirmed by the
// live feed. On failure the pending entry is removed and a *DraftError carries
// the draft back, with its id kept so a retry stays idempotent.
func (s *Session) Send(ctx context.Context, draft models.Draft) (models.Message, error) {
	st, conv, err := s.current()
	if err != nil {
		return models.Message{}, err
	}
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "dm.send", conv.ID, draft.ID)
	defer span.End()

	if existing, ok := s.confirmedDuplicate(st, draft.ID); ok {
		observability.ObserveMutation("send", "duplicate", time.Since(start))
		return existing, nil
	}

	if draft.Upload != nil {
		url, err := s.upload(ctx, *draft.Upload)
		if err != nil {
			span.RecordError(err)
			observability.ObserveMutation("send", "upload_failed", time.Since(start))
			return models.Message{}, &DraftError{Draft: draft, Err: err}
		}
		draft.ImageURL = url
		draft.Upload = nil
	}

	body := models.Body{Text: strings.TrimSpace(draft.Text), ImageURL: draft.ImageURL}
	if err := body.Validate(); err != nil {
		observability.ObserveMutation("send", "rejected", time.Since(start))
		return models.Message{}, &DraftError{Draft: draft, Err: err}
	}

	if draft.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Message{}, &DraftError{Draft: draft, Err: err}
		}
		draft.ID = id.String()
	}

	msg := models.Message{
		ID:             draft.ID,
		ConversationID: conv.ID,
		SenderID:       s.opts.Self.ID,
		Body:           body,
		Pending:        true,
	}
	if draft.ReplyToID != "" {
		target, ok := st.Get(draft.ReplyToID)
		if !ok {
			observability.ObserveMutation("send", "rejected", time.Since(start))
			return models.Message{}, &DraftError{Draft: draft, Err: ErrReplyTargetMissing}
		}
		ref := target.Snapshot(conv.DisplayName(target.SenderID))
		msg.ReplyTo = &ref
	}

	if !st.InsertPending(msg) {
		existing, _ := st.Get(msg.ID)
		observability.ObserveMutation("send", "duplicate", time.Since(start))
		return existing, nil
	}

	batch := remote.NewBatch(
		remote.PutMessage(msg),
		remote.SetPreview(conv.ID, msg.ID, models.PreviewOf(msg)),
	)
	if err := s.stream.Commit(ctx, batch); err != nil {
		if current, ok := st.Get(msg.ID); ok && current.Pending {
			st.Remove(msg.ID)
		}
		span.RecordError(err)
		observability.ObserveMutation("send", "rolled_back", time.Since(start))
		s.log.Warn("send_failed", zap.String("message_id", msg.ID), zap.Error(err))
		return msg, &DraftError{Draft: draft, Err: remote.Wrap("send", msg.ID, err)}
	}

	observability.ObserveMutation("send", "ok", time.Since(start))
	s.publish(ctx, telemetry.EventMessageSent, messageEvent{MessageID: msg.ID, SenderID: msg.SenderID, Body: body.Kind().String(), ReplyTo: draft.ReplyToID})
	if current, ok := st.Get(msg.ID); ok {
		return current, nil
	}
	return msg, nil
}

// confirmedDuplicate finds a message the store already confirmed under a
// reused client id.
func (s *Session) confirmedDuplicate(st *store.Store, id string) (models.Message, bool) {
	if id == "" {
		return models.Message{}, false
	}
	m, ok := st.Get(id)
	if !ok || !m.Confirmed() {
		return models.Message{}, false
	}
	s.log.Debug("send_duplicate", zap.String("message_id", id))
	return m, true
}

func (s *Session) upload(ctx context.Context, a models.Attachment) (string, error) {
	if s.opts.Uploader == nil {
		return "", &remote.Error{Kind: remote.ErrUpload, Op: "upload", Err: errors.New("no uploader configured")}
	}
	url, err := s.opts.Uploader.Upload(ctx, a)
	if err != nil {
		return "", &remote.Error{Kind: remote.ErrUpload, Op: "upload", Err: err}
	}
	return url, nil
}

// ownConfirmed validates that m may be changed by its sender.
func (s *Session) ownConfirmed(op string, m models.Message) error {
	if m.Pending || !m.Confirmed() {
		return pendingError(op, m.ID)
	}
	if m.SenderID != s.opts.Self.ID {
		return permissionError(op, m.ID)
	}
	return nil
}

// Edit replaces the text of one of the participant's own messages.
func (s *Session) Edit(ctx context.Context, id, text string) error {
	st, conv, err := s.current()
	if err != nil {
		return err
	}
	start := time.Now()
	text = strings.TrimSpace(text)

	var reason error
	before, changed := st.Update(id, func(m *models.Message) bool {
		if reason = s.ownConfirmed("edit", *m); reason != nil {
			return false
		}
		if m.Body.Text == text {
			return false
		}
		if reason = (models.Body{Text: text, ImageURL: m.Body.ImageURL}).Validate(); reason != nil {
			return false
		}
		m.Body.Text = text
		m.Edited = true
		return true
	})
	switch {
	case reason != nil:
		observability.ObserveMutation("edit", "rejected", time.Since(start))
		return reason
	case !changed && before.ID == "":
		s.unknownMessage("edit", id, start)
		return nil
	case !changed:
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "dm.edit", conv.ID, id)
	defer span.End()

	after := before.Clone()
	after.Body.Text = text
	after.Edited = true

	batch := remote.NewBatch(remote.UpdateMessage(conv.ID, id, remote.MessagePatch{
		Text:   remote.StringPtr(text),
		Edited: remote.BoolPtr(true),
	}))
	if last, ok := st.LastConfirmed(); ok && last.ID == id {
		batch.Add(remote.UpdatePreviewText(conv.ID, after.Body.PreviewText()))
	}

	if err := s.stream.Commit(ctx, batch); err != nil {
		st.Update(id, func(m *models.Message) bool {
			if m.Body.Text != text {
				return false
			}
			m.Body.Text = before.Body.Text
			m.Edited = before.Edited
			return true
		})
		span.RecordError(err)
		if remote.Kind(err) == remote.ErrNotFound {
			observability.ObserveMutation("edit", "not_found", time.Since(start))
			return nil
		}
		observability.ObserveMutation("edit", "rolled_back", time.Since(start))
		s.log.Warn("edit_failed", zap.String("message_id", id), zap.Error(err))
		return remote.Wrap("edit", id, err)
	}
	observability.ObserveMutation("edit", "ok", time.Since(start))

	var fanErr error
	repliers := 0
	if s.opts.EditFanOut {
		repliers, fanErr = s.fanOut(ctx, st, conv.ID, id, after.Snapshot(conv.DisplayName(after.SenderID)))
	}
	s.publish(ctx, telemetry.EventMessageEdited, messageEvent{MessageID: id, SenderID: after.SenderID, Body: after.Body.Kind().String(), Repliers: repliers})
	return fanErr
}

// Delete removes one of the participant's own messages, recomputes the
// conversation preview when it was the last one, and rewrites reply snapshots
// of its repliers to the deletion sentinel.
func (s *Session) Delete(ctx context.Context, id string) error {
	st, conv, err := s.current()
	if err != nil {
		return err
	}
	start := time.Now()

	current, ok := st.Get(id)
	if !ok {
		s.unknownMessage("delete", id, start)
		return nil
	}
	if err := s.ownConfirmed("delete", current); err != nil {
		observability.ObserveMutation("delete", "rejected", time.Since(start))
		return err
	}

	ctx, span := observability.StartSpan(ctx, "dm.delete", conv.ID, id)
	defer span.End()

	lastBefore, _ := st.LastConfirmed()
	removed, ok := st.Tombstone(id)
	if !ok {
		return nil
	}

	batch := remote.NewBatch(remote.DeleteMessage(conv.ID, id))
	if lastBefore.ID == id {
		if next, ok := st.LastConfirmed(); ok {
			preview := models.PreviewOf(next)
			preview.UnreadForOther = !next.Read
			batch.Add(remote.SetPreview(conv.ID, next.ID, preview))
		} else {
			batch.Add(remote.ClearPreview(conv.ID))
		}
	}

	if err := s.stream.Commit(ctx, batch); err != nil {
		span.RecordError(err)
		if remote.Kind(err) == remote.ErrNotFound {
			st.Forget(id)
			observability.ObserveMutation("delete", "not_found", time.Since(start))
			return nil
		}
		st.Restore(id)
		observability.ObserveMutation("delete", "rolled_back", time.Since(start))
		s.log.Warn("delete_failed", zap.String("message_id", id), zap.Error(err))
		return remote.Wrap("delete", id, err)
	}
	st.Forget(id)
	observability.ObserveMutation("delete", "ok", time.Since(start))

	sentinel := models.DeletedSnapshot(removed.Snapshot(conv.DisplayName(removed.SenderID)))
	repliers, fanErr := s.fanOut(ctx, st, conv.ID, id, sentinel)
	s.publish(ctx, telemetry.EventMessageDeleted, messageEvent{MessageID: id, SenderID: removed.SenderID, Repliers: repliers})
	return fanErr
}

// React toggles the participant's reaction on any confirmed message.
func (s *Session) React(ctx context.Context, id, emoji string) error {
	st, conv, err := s.current()
	if err != nil {
		return err
	}
	start := time.Now()
	self := s.opts.Self.ID

	var (
		reason error
		slot   string
	)
	before, changed := st.Update(id, func(m *models.Message) bool {
		if !m.Confirmed() {
			reason = pendingError("react", m.ID)
			return false
		}
		m.Reactions = models.ToggleReaction(m.Reactions, self, emoji)
		slot = m.Reactions[self]
		return true
	})
	switch {
	case reason != nil:
		observability.ObserveMutation("react", "rejected", time.Since(start))
		return reason
	case !changed:
		s.unknownMessage("react", id, start)
		return nil
	}
	previous := before.Reactions[self]

	ctx, span := observability.StartSpan(ctx, "dm.react", conv.ID, id)
	defer span.End()

	if err := s.stream.Commit(ctx, remote.NewBatch(remote.SetReaction(conv.ID, id, self, slot))); err != nil {
		rollbackReaction(st, id, self, slot, previous)
		span.RecordError(err)
		if remote.Kind(err) == remote.ErrNotFound {
			observability.ObserveMutation("react", "not_found", time.Since(start))
			return nil
		}
		observability.ObserveMutation("react", "rolled_back", time.Since(start))
		s.log.Warn("react_failed", zap.String("message_id", id), zap.Error(err))
		return remote.Wrap("react", id, err)
	}
	observability.ObserveMutation("react", "ok", time.Since(start))
	s.publish(ctx, telemetry.EventReactionChanged, messageEvent{MessageID: id, SenderID: self, Emoji: slot})
	return nil
}

// unknownMessage records a mutation aimed at an id the store no longer holds,
// usually one the feed removed concurrently.
func (s *Session) unknownMessage(op, id string, start time.Time) {
	observability.ObserveMutation(op, "not_found", time.Since(start))
	s.log.Debug("mutation_target_missing", zap.String("op", op), zap.String("message_id", id))
}

// rollbackReaction restores one slot, only if nothing else changed it since.
func rollbackReaction(st *store.Store, id, participantID, applied, previous string) {
	st.Update(id, func(m *models.Message) bool {
		if m.Reactions[participantID] != applied {
			return false
		}
		m.Reactions = m.Reactions.With(participantID, previous)
		return true
	})
}

func (s *Session) publish(ctx context.Context, eventType string, payload messageEvent) {
	if s.opts.Events == nil {
		return
	}
	s.opts.Events.Emit(ctx, eventType, s.Conversation().ID, s.opts.Self.ID, payload)
}

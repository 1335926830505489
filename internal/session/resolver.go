package session

import (
	"context"

	"go.uber.org/zap"

	"dm-sync/internal/models"
	"dm-sync/internal/observability"
	"dm-sync/internal/remote"
	"dm-sync/internal/store"
)

// fanOut rewrites the reply snapshot of every message that replies to targetID.
// Loaded repliers change locally first. Writes go out in sequential batches of
// at most MaxBatchSize; the first failing batch stops the run and the loaded
// repliers it did not cover are rolled back.
func (s *Session) fanOut(ctx context.Context, st *store.Store, conversationID, targetID string, snapshot models.ReplyRef) (int, error) {
	ctx, span := observability.StartSpan(ctx, "dm.fanout", conversationID, targetID)
	defer span.End()

	ids, err := s.stream.ListReplies(ctx, conversationID, targetID)
	if err != nil {
		span.RecordError(err)
		return 0, &FanOutError{TargetID: targetID, Err: remote.Wrap("list_replies", targetID, err)}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	previous := make(map[string]models.ReplyRef)
	for _, id := range ids {
		st.Update(id, func(m *models.Message) bool {
			if m.ReplyTo == nil || m.ReplyTo.TargetID != targetID {
				return false
			}
			previous[id] = *m.ReplyTo
			ref := snapshot
			m.ReplyTo = &ref
			return true
		})
	}

	ops := make([]remote.Op, 0, len(ids))
	for _, id := range ids {
		ref := snapshot
		op := remote.UpdateMessage(conversationID, id, remote.MessagePatch{ReplyTo: &ref})
		op.IgnoreMissing = true
		ops = append(ops, op)
	}

	committed := make([]string, 0, len(ids))
	for _, batch := range remote.Split(ops, s.stream.MaxBatchSize()) {
		if err := s.stream.Commit(ctx, batch); err != nil {
			observability.IncFanOutBatch("error", 0)
			span.RecordError(err)
			for _, op := range ops[len(committed):] {
				prev, ok := previous[op.MessageID]
				if !ok {
					continue
				}
				st.Update(op.MessageID, func(m *models.Message) bool {
					if m.ReplyTo == nil || *m.ReplyTo != snapshot {
						return false
					}
					ref := prev
					m.ReplyTo = &ref
					return true
				})
			}
			s.log.Warn("fanout_failed", zap.String("target_id", targetID), zap.Int("committed", len(committed)), zap.Int("remaining", len(ops)-len(committed)), zap.Error(err))
			return len(committed), &FanOutError{
				TargetID:  targetID,
				Committed: committed,
				Remaining: len(ops) - len(committed),
				Err:       remote.Wrap("fanout", targetID, err),
			}
		}
		for _, op := range batch.Ops() {
			committed = append(committed, op.MessageID)
		}
		observability.IncFanOutBatch("ok", batch.Len())
	}

	s.log.Debug("fanout_done", zap.String("target_id", targetID), zap.Int("repliers", len(committed)))
	return len(committed), nil
}

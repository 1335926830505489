package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dm-sync/internal/models"
	"dm-sync/internal/observability"
	"dm-sync/internal/remote"
	"dm-sync/internal/store"
)

// Batcher debounces read receipts. Visible inbound messages are collected and
// written in one batch after the window passes without new arrivals, followed
// by one write clearing the conversation's unread flag. Failures are logged,
// never returned.
type Batcher struct {
	stream         remote.Stream
	store          *store.Store
	conversationID string
	self           string
	window         time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	queued  map[string]struct{}
	order   []string
	timer   *time.Timer
	stopped bool

	flushMu sync.Mutex
}

func newBatcher(stream remote.Stream, st *store.Store, conversationID, self string, window time.Duration, log *zap.Logger) *Batcher {
	return &Batcher{
		stream:         stream,
		store:          st,
		conversationID: conversationID,
		self:           self,
		window:         window,
		log:            log,
		queued:         make(map[string]struct{}),
	}
}

// MarkVisible queues the eligible ids and restarts the window. It returns how
// many ids were newly queued.
func (b *Batcher) MarkVisible(ids ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return 0
	}

	added := 0
	for _, id := range ids {
		if _, dup := b.queued[id]; dup {
			continue
		}
		m, ok := b.store.Get(id)
		if !ok || !b.eligible(m) {
			continue
		}
		b.queued[id] = struct{}{}
		b.order = append(b.order, id)
		added++
	}
	if len(b.order) == 0 {
		return added
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.window, func() {
		b.Flush(context.Background())
	})
	return added
}

func (b *Batcher) eligible(m models.Message) bool {
	return m.Confirmed() && !m.Read && m.SenderID != b.self
}

// Pending returns how many ids wait for the next write.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Flush writes whatever is queued now.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	ids := b.takeLocked()
	b.mu.Unlock()

	b.write(ctx, ids)
}

// Close stops the window and flushes queued ids instead of dropping them.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	ids := b.takeLocked()
	b.mu.Unlock()

	b.write(ctx, ids)
}

func (b *Batcher) takeLocked() []string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	ids := b.order
	b.order = nil
	b.queued = make(map[string]struct{})
	return ids
}

func (b *Batcher) write(ctx context.Context, ids []string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if len(ids) == 0 {
		return
	}

	ops := make([]remote.Op, 0, len(ids))
	for _, id := range ids {
		op := remote.UpdateMessage(b.conversationID, id, remote.MessagePatch{Read: remote.BoolPtr(true)})
		op.IgnoreMissing = true
		ops = append(ops, op)
	}

	marked := 0
	for _, batch := range remote.Split(ops, b.stream.MaxBatchSize()) {
		if err := b.stream.Commit(ctx, batch); err != nil {
			observability.IncReadFlush("error", 0)
			b.log.Warn("read_receipts_failed", zap.Int("ids", batch.Len()), zap.Error(err))
			if remote.Retryable(err) {
				b.requeue(ids[marked:])
			}
			return
		}
		for _, op := range batch.Ops() {
			b.store.Update(op.MessageID, func(m *models.Message) bool {
				if m.Read {
					return false
				}
				m.Read = true
				return true
			})
		}
		marked += batch.Len()
		observability.IncReadFlush("ok", batch.Len())
	}

	if err := b.stream.Commit(ctx, remote.NewBatch(remote.MarkConversationRead(b.conversationID, b.self))); err != nil {
		observability.IncReadFlush("error", 0)
		b.log.Warn("conversation_read_failed", zap.Error(err))
		return
	}
	b.log.Debug("read_receipts_flushed", zap.Int("marked", marked))
}

// requeue puts ids back for the next window unless the batcher was closed.
func (b *Batcher) requeue(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	for _, id := range ids {
		if _, dup := b.queued[id]; dup {
			continue
		}
		b.queued[id] = struct{}{}
		b.order = append(b.order, id)
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, func() {
			b.Flush(context.Background())
		})
	}
}

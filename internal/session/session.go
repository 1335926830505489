// Package session binds one participant's view to one conversation: it keeps the
// local store in sync with the remote stream and applies user actions optimistically.
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

const (
	DefaultPageSize   = 25
	DefaultReadWindow = time.Second
)

// Uploader stores an attachment and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, a models.Attachment) (string, error)
}

// EventEmitter receives domain events after successful mutations.
type EventEmitter interface {
	Emit(ctx context.Context, eventType, conversationID, participantID string, payload any)
}

// Options configures a Session.
type Options struct {
	Self       models.Participant
	PageSize   int
	ReadWindow time.Duration
	// EditFanOut rewrites reply snapshots of repliers when a message is edited.
	// Deletes always fan out.
	EditFanOut bool
	Logger     *zap.Logger
	Uploader   Uploader
	Events     EventEmitter
	// OnEvent observes every change of the local view. It runs on the goroutine
	// that caused the change and must not block or call back into the session.
	OnEvent func(models.ChatEvent)
}

// Session is one participant's engine for one conversation.
type Session struct {
	stream remote.Stream
	opts   Options
	log    *zap.Logger

	mu           sync.Mutex
	bound        bool
	disposed     bool
	conv         models.Conversation
	store        *store.Store
	sub          remote.Subscription
	receipts     *Batcher
	snapshotSeen bool
	hasMore      bool
	loadingOlder bool
}

// New builds an unbound session.
func New(stream remote.Stream, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ReadWindow <= 0 {
		opts.ReadWindow = DefaultReadWindow
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		stream: stream,
		opts:   opts,
		log:    log.With(zap.String("participant_id", opts.Self.ID)),
	}
}

// Bind loads the conversation and opens the live feed of its newest messages.
// The caller must be one of the two participants.
func (s *Session) Bind(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.bound || s.disposed {
		s.mu.Unlock()
		return ErrAlreadyBound
	}
	s.bound = true
	s.mu.Unlock()

	conv, err := s.stream.Conversation(ctx, conversationID)
	if err != nil {
		s.unbind()
		return remote.Wrap("bind", "", err)
	}
	if !conv.HasParticipant(s.opts.Self.ID) {
		s.unbind()
		return &remote.Error{Kind: remote.ErrPermission, Op: "bind"}
	}

	log := s.log.With(zap.String("conversation_id", conversationID))
	st := store.New(conversationID, store.WithLogger(log), store.WithObserver(s.onStoreEvent))

	s.mu.Lock()
	s.log = log
	s.conv = conv
	s.store = st
	s.hasMore = true
	s.receipts = newBatcher(s.stream, st, conversationID, s.opts.Self.ID, s.opts.ReadWindow, log)
	s.mu.Unlock()

	sub, err := s.stream.Watch(ctx, conversationID, s.opts.PageSize, remote.WatchHandlers{
		OnChange: s.onChanges,
		OnError:  s.onStreamError,
	})
	if err != nil {
		s.unbind()
		return remote.Wrap("watch", "", err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		sub.Stop()
		return ErrNotBound
	}
	s.sub = sub
	s.mu.Unlock()

	observability.IncSessions()
	log.Info("session_bound", zap.Int("page_size", s.opts.PageSize))
	return nil
}

func (s *Session) unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = false
	s.store = nil
	s.receipts = nil
}

// Dispose detaches the live feed and flushes queued read receipts. Once it
// returns no delta touches the store.
func (s *Session) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	wasBound := s.sub != nil
	sub, receipts := s.sub, s.receipts
	s.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	if receipts != nil {
		receipts.Close(ctx)
	}
	if wasBound {
		observability.DecSessions()
		s.log.Info("session_disposed")
	}
}

func (s *Session) onChanges(changes []remote.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.store == nil {
		return
	}

	res := s.store.ApplyChanges(changes)
	observability.AddInvalidDocuments(res.Invalid)

	if !s.snapshotSeen {
		s.snapshotSeen = true
		if len(changes) < s.opts.PageSize {
			s.hasMore = false
		}
		hasMore := s.hasMore
		s.emit(models.ChatEvent{Type: "ready", HasMore: &hasMore, Count: s.store.Len()})
	}
}

func (s *Session) onStreamError(err error) {
	observability.IncStreamError("subscription")
	s.log.Warn("subscription_error", zap.Error(err))
}

func (s *Session) onStoreEvent(ev store.Event) {
	switch ev.Type {
	case store.EventUpsert:
		m := ev.Message
		s.emit(models.ChatEvent{Type: "upsert", Message: &m, MessageID: ev.MessageID})
	case store.EventRemove:
		s.emit(models.ChatEvent{Type: "remove", MessageID: ev.MessageID})
	}
}

func (s *Session) emit(ev models.ChatEvent) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// current returns the bound store and conversation.
func (s *Session) current() (*store.Store, models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil || s.disposed || s.sub == nil {
		return nil, models.Conversation{}, ErrNotBound
	}
	return s.store, s.conv, nil
}

// Messages returns the local view in display order.
func (s *Session) Messages() []models.Message {
	st, _, err := s.current()
	if err != nil {
		return nil
	}
	return st.Messages()
}

// Message returns one message of the local view.
func (s *Session) Message(id string) (models.Message, bool) {
	st, _, err := s.current()
	if err != nil {
		return models.Message{}, false
	}
	return st.Get(id)
}

// Conversation returns the conversation loaded at Bind.
func (s *Session) Conversation() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// HasMore reports whether older history may exist.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Self is the participant the session acts as.
func (s *Session) Self() models.Participant {
	return s.opts.Self
}

// MarkVisible queues inbound unread messages for the next read-receipt write.
func (s *Session) MarkVisible(ids ...string) int {
	s.mu.Lock()
	receipts := s.receipts
	ok := !s.disposed && s.sub != nil
	s.mu.Unlock()
	if !ok || receipts == nil {
		return 0
	}
	return receipts.MarkVisible(ids...)
}

// FlushReceipts writes queued read receipts now.
func (s *Session) FlushReceipts(ctx context.Context) {
	s.mu.Lock()
	receipts := s.receipts
	s.mu.Unlock()
	if receipts != nil {
		receipts.Flush(ctx)
	}
}

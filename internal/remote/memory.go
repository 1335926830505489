package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dm-sync/internal/models"
)

// MemoryStream is an in-process Stream. It assigns strictly increasing server
// timestamps and delivers deltas synchronously from Commit, which makes it the
// backend of choice for tests and single-node development.
type MemoryStream struct {
	mu            sync.Mutex
	deliverMu     sync.Mutex
	conversations map[string]models.Conversation
	messages      map[string]map[string]models.Message
	watchers      map[string]map[*memorySubscription]struct{}
	commits       []*Batch
	commitHook    func(*Batch) error
	maxBatch      int
	now           func() time.Time
	last          time.Time
}

// NewMemoryStream builds an empty stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]map[string]models.Message),
		watchers:      make(map[string]map[*memorySubscription]struct{}),
		maxBatch:      DefaultMaxBatchSize,
		now:           time.Now,
	}
}

// SetMaxBatchSize changes the per-commit operation limit.
func (s *MemoryStream) SetMaxBatchSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBatch = n
}

// SetCommitHook installs a function consulted before every commit; a non-nil
// error rejects the whole batch.
func (s *MemoryStream) SetCommitHook(hook func(*Batch) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = hook
}

// Commits returns every batch that was applied, in order.
func (s *MemoryStream) Commits() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Batch, len(s.commits))
	copy(out, s.commits)
	return out
}

// PutConversation stores or replaces a conversation document.
func (s *MemoryStream) PutConversation(conv models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.tick()
	}
	s.conversations[conv.ID] = conv
	if _, ok := s.messages[conv.ID]; !ok {
		s.messages[conv.ID] = make(map[string]models.Message)
	}
}

// Seed inserts confirmed messages directly, without notifying watchers.
// Messages without a timestamp get the next server time.
func (s *MemoryStream) Seed(msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		m = m.Clone()
		m.Pending = false
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.tick()
		} else if m.CreatedAt.After(s.last) {
			s.last = m.CreatedAt
		}
		if _, ok := s.messages[m.ConversationID]; !ok {
			s.messages[m.ConversationID] = make(map[string]models.Message)
		}
		s.messages[m.ConversationID][m.ID] = m
	}
}

// Message returns the stored copy of a message.
func (s *MemoryStream) Message(conversationID, messageID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[conversationID][messageID]
	return m.Clone(), ok
}

// Messages returns the conversation's stored messages in ascending order.
func (s *MemoryStream) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(conversationID, false)
}

func (s *MemoryStream) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return conv, nil
}

func (s *MemoryStream) Watch(ctx context.Context, conversationID string, limit int, handlers WatchHandlers) (Subscription, error) {
	if handlers.OnChange == nil {
		return nil, fmt.Errorf("watch %s: OnChange is required", conversationID)
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch %s: %w", conversationID, ErrNotFound)
	}
	sub := &memorySubscription{stream: s, conversationID: conversationID, handlers: handlers}
	if _, ok := s.watchers[conversationID]; !ok {
		s.watchers[conversationID] = make(map[*memorySubscription]struct{})
	}
	s.watchers[conversationID][sub] = struct{}{}

	newest := s.sortedLocked(conversationID, true)
	if limit > 0 && len(newest) > limit {
		newest = newest[:limit]
	}
	changes := make([]Change, 0, len(newest))
	for _, m := range newest {
		raw, err := models.EncodeMessage(m)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		changes = append(changes, Change{Type: ChangeAdded, Doc: Document{ID: m.ID, Data: raw}})
	}
	s.mu.Unlock()

	sub.deliver(changes)
	return sub, nil
}

func (s *MemoryStream) Page(ctx context.Context, conversationID string, before Cursor, limit int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("page %s: %w", conversationID, ErrNotFound)
	}
	docs := make([]Document, 0, limit)
	for _, m := range s.sortedLocked(conversationID, true) {
		if !CursorOf(m).Before(before) {
			continue
		}
		if limit > 0 && len(docs) == limit {
			break
		}
		raw, err := models.EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: m.ID, Data: raw})
	}
	return docs, nil
}

func (s *MemoryStream) ListReplies(ctx context.Context, conversationID, targetID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, m := range s.sortedLocked(conversationID, false) {
		if m.ReplyTo != nil && m.ReplyTo.TargetID == targetID {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStream) MaxBatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBatch
}

func (s *MemoryStream) Commit(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return Wrap("commit", "", err)
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.maxBatch > 0 && batch.Len() > s.maxBatch {
		s.mu.Unlock()
		return fmt.Errorf("commit: batch of %d exceeds limit %d", batch.Len(), s.maxBatch)
	}
	if s.commitHook != nil {
		if err := s.commitHook(batch); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	// Work on copies so a failing op leaves nothing behind.
	staged := make(map[string]map[string]models.Message)
	stagedConvs := make(map[string]models.Conversation)
	touched := make(map[string][]Change)
	for _, op := range batch.Ops() {
		if err := s.applyLocked(op, staged, stagedConvs, touched); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	for convID, msgs := range staged {
		s.messages[convID] = msgs
	}
	for convID, conv := range stagedConvs {
		s.conversations[convID] = conv
	}
	s.commits = append(s.commits, batch)

	type delivery struct {
		sub     *memorySubscription
		changes []Change
	}
	var deliveries []delivery
	for convID, changes := range touched {
		for sub := range s.watchers[convID] {
			deliveries = append(deliveries, delivery{sub: sub, changes: s.materializeLocked(convID, changes)})
		}
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		d.sub.deliver(d.changes)
	}
	return nil
}

func (s *MemoryStream) applyLocked(op Op, staged map[string]map[string]models.Message, stagedConvs map[string]models.Conversation, touched map[string][]Change) error {
	convID := op.ConversationID
	conv, ok := stagedConvs[convID]
	if !ok {
		conv, ok = s.conversations[convID]
		if !ok {
			return Wrap(string(op.Kind), op.MessageID, fmt.Errorf("conversation %s: %w", convID, ErrNotFound))
		}
	}
	msgs, ok := staged[convID]
	if !ok {
		msgs = make(map[string]models.Message, len(s.messages[convID]))
		for id, m := range s.messages[convID] {
			msgs[id] = m
		}
		staged[convID] = msgs
	}
	missing := func() error {
		return Wrap(string(op.Kind), op.MessageID, ErrNotFound)
	}

	switch op.Kind {
	case OpPutMessage:
		if _, exists := msgs[op.MessageID]; exists {
			return nil
		}
		m := op.Message.Clone()
		m.Pending = false
		m.Read = false
		m.CreatedAt = s.tick()
		msgs[m.ID] = m
		touched[convID] = append(touched[convID], Change{Type: ChangeAdded, Doc: Document{ID: m.ID}})
	case OpUpdateMessage:
		m, exists := msgs[op.MessageID]
		if !exists {
			if op.IgnoreMissing {
				return nil
			}
			return missing()
		}
		m = m.Clone()
		if op.Patch.Text != nil {
			m.Body.Text = *op.Patch.Text
		}
		if op.Patch.ImageURL != nil {
			m.Body.ImageURL = *op.Patch.ImageURL
		}
		if op.Patch.Edited != nil {
			m.Edited = *op.Patch.Edited
		}
		if op.Patch.Read != nil {
			m.Read = *op.Patch.Read
		}
		if op.Patch.ReplyTo != nil {
			ref := *op.Patch.ReplyTo
			m.ReplyTo = &ref
		}
		msgs[m.ID] = m
		touched[convID] = append(touched[convID], Change{Type: ChangeModified, Doc: Document{ID: m.ID}})
	case OpSetReaction:
		m, exists := msgs[op.MessageID]
		if !exists {
			if op.IgnoreMissing {
				return nil
			}
			return missing()
		}
		m = m.Clone()
		m.Reactions = m.Reactions.With(op.ParticipantID, op.Emoji)
		msgs[m.ID] = m
		touched[convID] = append(touched[convID], Change{Type: ChangeModified, Doc: Document{ID: m.ID}})
	case OpDeleteMessage:
		if _, exists := msgs[op.MessageID]; !exists {
			if op.IgnoreMissing {
				return nil
			}
			return missing()
		}
		delete(msgs, op.MessageID)
		touched[convID] = append(touched[convID], Change{Type: ChangeRemoved, Doc: Document{ID: op.MessageID}})
	case OpSetPreview:
		preview := *op.Preview
		if m, exists := msgs[op.MessageID]; exists {
			ts := m.CreatedAt
			preview.Timestamp = &ts
		} else if preview.Timestamp == nil {
			ts := s.tick()
			preview.Timestamp = &ts
		}
		conv.Preview = preview
	case OpUpdatePreviewText:
		if conv.Preview.SenderID != "" {
			conv.Preview.Text = op.Preview.Text
		}
	case OpClearPreview:
		conv.Preview = models.Preview{}
	case OpMarkConversationRead:
		if conv.Preview.SenderID != op.ReaderID {
			conv.Preview.UnreadForOther = false
		}
	default:
		return fmt.Errorf("commit: unknown op %q", op.Kind)
	}
	stagedConvs[convID] = conv
	return nil
}

// materializeLocked fills document bodies for added and modified changes from the committed state.
func (s *MemoryStream) materializeLocked(convID string, changes []Change) []Change {
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if c.Type == ChangeRemoved {
			out = append(out, c)
			continue
		}
		m, ok := s.messages[convID][c.Doc.ID]
		if !ok {
			out = append(out, Change{Type: ChangeRemoved, Doc: Document{ID: c.Doc.ID}})
			continue
		}
		raw, err := models.EncodeMessage(m)
		if err != nil {
			continue
		}
		out = append(out, Change{Type: c.Type, Doc: Document{ID: m.ID, Data: raw}})
	}
	return out
}

func (s *MemoryStream) sortedLocked(conversationID string, desc bool) []models.Message {
	msgs := make([]models.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		msgs = append(msgs, m.Clone())
	}
	sort.Slice(msgs, func(i, j int) bool {
		if desc {
			return models.Less(msgs[j], msgs[i])
		}
		return models.Less(msgs[i], msgs[j])
	})
	return msgs
}

// tick returns a server timestamp strictly greater than every previous one.
func (s *MemoryStream) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// CreateOrGetConversation returns the conversation between self and other, creating it when missing.
func (s *MemoryStream) CreateOrGetConversation(ctx context.Context, self, other models.Participant) (models.Conversation, error) {
	pair, err := models.SortedPair(self.ID, other.ID)
	if err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if conv.ParticipantIDs == pair {
			return conv, nil
		}
	}
	conv := models.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: pair,
		Participants:   map[string]models.Participant{self.ID: self, other.ID: other},
		CreatedAt:      s.tick(),
	}
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make(map[string]models.Message)
	return conv, nil
}

// ListConversations returns the participant's conversations, most recent activity first.
func (s *MemoryStream) ListConversations(ctx context.Context, participantID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(participantID) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return activity(out[i]).After(activity(out[j]))
	})
	return out, nil
}

// DeleteConversation removes the conversation and every message in it.
func (s *MemoryStream) DeleteConversation(ctx context.Context, conversationID string) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	changes := make([]Change, 0, len(s.messages[conversationID]))
	for id := range s.messages[conversationID] {
		changes = append(changes, Change{Type: ChangeRemoved, Doc: Document{ID: id}})
	}
	subs := make([]*memorySubscription, 0, len(s.watchers[conversationID]))
	for sub := range s.watchers[conversationID] {
		subs = append(subs, sub)
	}
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(changes)
	}
	return nil
}

func activity(c models.Conversation) time.Time {
	if c.Preview.Timestamp != nil {
		return *c.Preview.Timestamp
	}
	return c.CreatedAt
}

type memorySubscription struct {
	stream         *MemoryStream
	conversationID string
	handlers       WatchHandlers

	mu      sync.Mutex
	stopped bool
}

func (m *memorySubscription) deliver(changes []Change) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}
	m.handlers.OnChange(changes)
}

func (m *memorySubscription) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.stream.mu.Lock()
	delete(m.stream.watchers[m.conversationID], m)
	m.stream.mu.Unlock()
}

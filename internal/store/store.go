// Package store keeps the local, id-keyed view of one conversation's messages.
package store

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dm-sync/internal/models"
	"dm-sync/internal/remote"
)

// EventType tells an observer what happened to a message.
type EventType string

const (
	EventUpsert EventType = "upsert"
	EventRemove EventType = "remove"
)

// Event describes one change of the local view.
type Event struct {
	Type      EventType
	Message   models.Message
	MessageID string
}

type entry struct {
	msg models.Message
	seq uint64
}

// Store is safe for concurrent use. The observer runs under the store lock and
// must neither block nor call back into the store.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	entries        map[string]*entry
	tombstones     map[string]*entry
	seq            uint64
	observer       func(Event)
	log            *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers the change observer.
func WithObserver(fn func(Event)) Option {
	return func(s *Store) { s.observer = fn }
}

// WithLogger sets the logger used for dropped documents.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns an empty store for conversationID.
func New(conversationID string, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		entries:        make(map[string]*entry),
		tombstones:     make(map[string]*entry),
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the conversation the store holds.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// ApplyResult counts what a batch of deltas did.
type ApplyResult struct {
	Applied int
	Ignored int
	Invalid int
}

// ApplyChanges reconciles live deltas into the view. Unknown ids older than the
// oldest loaded message are ignored, as are upserts for tombstoned ids.
func (s *Store) ApplyChanges(changes []remote.Change) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult
	floor, hasFloor := s.oldestLocked()
	for _, c := range changes {
		if c.Type == remote.ChangeRemoved {
			delete(s.tombstones, c.Doc.ID)
			if s.removeLocked(c.Doc.ID) {
				res.Applied++
			} else {
				res.Ignored++
			}
			continue
		}

		msg, err := models.DecodeMessage(c.Doc.ID, c.Doc.Data)
		if err != nil {
			s.log.Warn("store_invalid_document", zap.String("conversation_id", s.conversationID), zap.String("message_id", c.Doc.ID), zap.Error(err))
			res.Invalid++
			continue
		}
		if msg.ConversationID != s.conversationID {
			s.log.Warn("store_foreign_document", zap.String("conversation_id", s.conversationID), zap.String("message_id", msg.ID), zap.String("document_conversation_id", msg.ConversationID))
			res.Invalid++
			continue
		}
		if _, dead := s.tombstones[msg.ID]; dead {
			res.Ignored++
			continue
		}
		if _, known := s.entries[msg.ID]; !known && hasFloor && remote.CursorOf(msg).Before(floor) {
			res.Ignored++
			continue
		}
		s.upsertLocked(msg)
		res.Applied++
	}
	return res
}

// MergePage adds an older page of documents without the floor rule and returns
// the newly inserted messages in ascending order.
func (s *Store) MergePage(docs []remote.Document) ([]models.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		added   []models.Message
		invalid int
	)
	for _, d := range docs {
		msg, err := models.DecodeMessage(d.ID, d.Data)
		if err != nil || msg.ConversationID != s.conversationID {
			s.log.Warn("store_invalid_page_document", zap.String("conversation_id", s.conversationID), zap.String("message_id", d.ID), zap.Error(err))
			invalid++
			continue
		}
		if _, dead := s.tombstones[msg.ID]; dead {
			continue
		}
		if _, known := s.entries[msg.ID]; known {
			continue
		}
		s.seq++
		s.entries[msg.ID] = &entry{msg: msg, seq: s.seq}
		added = append(added, msg.Clone())
	}
	sort.Slice(added, func(i, j int) bool { return models.Less(added[i], added[j]) })
	return added, invalid
}

// InsertPending appends an unconfirmed message at the tail. Reinserting a
// pending id keeps its position. It reports false and leaves the entry alone
// when the id is already confirmed.
func (s *Store) InsertPending(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[m.ID]; ok && e.msg.Confirmed() {
		return false
	}
	m = m.Clone()
	m.Pending = true
	m.CreatedAt = time.Time{}
	delete(s.tombstones, m.ID)
	s.upsertLocked(m)
	return true
}

// Upsert writes m by id.
func (s *Store) Upsert(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(m.Clone())
}

// Update applies fn to a copy of the message and stores the result. It returns
// the previous value, or false when the id is unknown or fn declines.
func (s *Store) Update(id string, fn func(m *models.Message) bool) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return models.Message{}, false
	}
	before := e.msg.Clone()
	next := e.msg.Clone()
	if !fn(&next) {
		return before, false
	}
	e.msg = next
	s.emit(Event{Type: EventUpsert, Message: next.Clone(), MessageID: id})
	return before, true
}

// Remove deletes an entry outright.
func (s *Store) Remove(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return models.Message{}, false
	}
	s.removeLocked(id)
	return e.msg.Clone(), true
}

// Tombstone removes an entry and blocks upserts for its id until Restore or Forget.
func (s *Store) Tombstone(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return models.Message{}, false
	}
	s.tombstones[id] = e
	s.removeLocked(id)
	return e.msg.Clone(), true
}

// Restore undoes a Tombstone, putting the message back at its old position.
func (s *Store) Restore(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tombstones[id]
	if !ok {
		return false
	}
	delete(s.tombstones, id)
	if _, exists := s.entries[id]; exists {
		return false
	}
	s.entries[id] = e
	s.emit(Event{Type: EventUpsert, Message: e.msg.Clone(), MessageID: id})
	return true
}

// Forget drops a tombstone once the removal is final.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tombstones, id)
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return models.Message{}, false
	}
	return e.msg.Clone(), true
}

// Len is the number of visible messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Messages returns the view in display order: confirmed by (createdAt, id),
// then pending in insertion order.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Oldest returns the cursor of the oldest confirmed message.
func (s *Store) Oldest() (remote.Cursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oldestLocked()
}

// LastConfirmed returns the newest confirmed message.
func (s *Store) LastConfirmed() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		last  models.Message
		found bool
	)
	for _, e := range s.entries {
		if !e.msg.Confirmed() {
			continue
		}
		if !found || models.Less(last, e.msg) {
			last = e.msg
			found = true
		}
	}
	return last.Clone(), found
}

// Referencing returns loaded messages whose reply snapshot points at targetID.
func (s *Store) Referencing(targetID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.sortedLocked() {
		if m.ReplyTo != nil && m.ReplyTo.TargetID == targetID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) upsertLocked(m models.Message) {
	if e, ok := s.entries[m.ID]; ok {
		e.msg = m
	} else {
		s.seq++
		s.entries[m.ID] = &entry{msg: m, seq: s.seq}
	}
	s.emit(Event{Type: EventUpsert, Message: m.Clone(), MessageID: m.ID})
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	s.emit(Event{Type: EventRemove, MessageID: id})
	return true
}

func (s *Store) oldestLocked() (remote.Cursor, bool) {
	var (
		oldest models.Message
		found  bool
	)
	for _, e := range s.entries {
		if !e.msg.Confirmed() {
			continue
		}
		if !found || models.Less(e.msg, oldest) {
			oldest = e.msg
			found = true
		}
	}
	if !found {
		return remote.Cursor{}, false
	}
	return remote.CursorOf(oldest), true
}

func (s *Store) sortedLocked() []models.Message {
	list := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].msg, list[j].msg
		if a.CreatedAt.IsZero() && b.CreatedAt.IsZero() {
			return list[i].seq < list[j].seq
		}
		return models.Less(a, b)
	})
	out := make([]models.Message, len(list))
	for i, e := range list {
		out[i] = e.msg.Clone()
	}
	return out
}

func (s *Store) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"dm-sync/internal/db"
	"dm-sync/internal/models"
	"dm-sync/internal/observability"
	"dm-sync/internal/remote"
)

const (
	listenerMinReconnect = 500 * time.Millisecond
	listenerMaxReconnect = time.Minute
	listenerPing         = 90 * time.Second
	fetchTimeout         = 5 * time.Second
)

const messageColumns = `id, conversation_id, sender_id, text, image_url, created_at, read, edited, reactions, reply_to`

type messageRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	SenderID       string    `db:"sender_id"`
	Text           string    `db:"text"`
	ImageURL       string    `db:"image_url"`
	CreatedAt      time.Time `db:"created_at"`
	Read           bool      `db:"read"`
	Edited         bool      `db:"edited"`
	Reactions      []byte    `db:"reactions"`
	ReplyTo        []byte    `db:"reply_to"`
}

// document renders the row in the wire form sessions decode.
func (r messageRow) document() (remote.Document, error) {
	doc := models.MessageDoc{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Text:           r.Text,
		Image:          r.ImageURL,
		Read:           r.Read,
		Edited:         r.Edited,
	}
	ts := r.CreatedAt.UTC()
	doc.CreatedAt = &ts
	if len(r.Reactions) > 0 {
		if err := json.Unmarshal(r.Reactions, &doc.Reactions); err != nil {
			return remote.Document{}, fmt.Errorf("decode reactions of %s: %w", r.ID, err)
		}
	}
	if len(r.ReplyTo) > 0 && string(r.ReplyTo) != "null" {
		var ref models.ReplyRef
		if err := json.Unmarshal(r.ReplyTo, &ref); err != nil {
			return remote.Document{}, fmt.Errorf("decode reply_to of %s: %w", r.ID, err)
		}
		doc.ReplyTo = &ref
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return remote.Document{}, err
	}
	return remote.Document{ID: r.ID, Data: data}, nil
}

// notification is the payload the messages trigger sends.
type notification struct {
	Op             remote.ChangeType `json:"op"`
	ConversationID string            `json:"conversation_id"`
	ID             string            `json:"id"`
}

func parseNotification(extra string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return notification{}, err
	}
	switch n.Op {
	case remote.ChangeAdded, remote.ChangeModified, remote.ChangeRemoved:
	default:
		return notification{}, fmt.Errorf("unknown op %q", n.Op)
	}
	if n.ConversationID == "" || n.ID == "" {
		return notification{}, errors.New("notification without ids")
	}
	return n, nil
}

// MessageStream implements remote.Stream on PostgreSQL. Writes run in one
// transaction per batch; live feeds are driven by LISTEN/NOTIFY on the
// messages trigger, one shared listener per process.
type MessageStream struct {
	*ConversationRepo

	db       *sqlx.DB
	listener *pq.Listener
	log      *zap.Logger
	maxBatch int

	mu   sync.Mutex
	subs map[string]map[*pgSubscription]struct{}

	done chan struct{}
	once sync.Once
}

// NewMessageStream starts listening on the notify channel with its own connection.
func NewMessageStream(conn *sqlx.DB, dsn string, log *zap.Logger) (*MessageStream, error) {
	s := &MessageStream{
		ConversationRepo: NewConversationRepo(conn),
		db:               conn,
		log:              log,
		maxBatch:         remote.DefaultMaxBatchSize,
		subs:             make(map[string]map[*pgSubscription]struct{}),
		done:             make(chan struct{}),
	}
	s.listener = pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, s.onListenerEvent)
	if err := s.listener.Listen(db.NotifyChannel); err != nil {
		s.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", db.NotifyChannel, err)
	}
	go s.run()
	return s, nil
}

// Close stops the listener. Open subscriptions receive no more changes.
func (s *MessageStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	return err
}

func (s *MessageStream) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		observability.IncStreamError("postgres")
		s.log.Warn("stream_listener_down", zap.Error(err))
		s.broadcastError(fmt.Errorf("%w: %v", remote.ErrTransient, err))
	case pq.ListenerEventReconnected:
		s.log.Info("stream_listener_reconnected")
	}
}

func (s *MessageStream) run() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// notifications may have been lost while reconnecting
				s.resyncAll()
				continue
			}
			s.dispatch(n.Extra)
		case <-time.After(listenerPing):
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.log.Debug("stream_listener_ping_failed", zap.Error(err))
				}
			}()
		}
	}
}

func (s *MessageStream) subscribers(conversationID string) []*pgSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pgSubscription, 0, len(s.subs[conversationID]))
	for sub := range s.subs[conversationID] {
		out = append(out, sub)
	}
	return out
}

func (s *MessageStream) dispatch(extra string) {
	n, err := parseNotification(extra)
	if err != nil {
		s.log.Warn("stream_bad_notification", zap.String("payload", extra), zap.Error(err))
		return
	}
	subs := s.subscribers(n.ConversationID)
	if len(subs) == 0 {
		return
	}

	change := remote.Change{Type: remote.ChangeRemoved, Doc: remote.Document{ID: n.ID}}
	if n.Op != remote.ChangeRemoved {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		doc, err := s.fetch(ctx, n.ID)
		cancel()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// gone before we could read it
		case err != nil:
			observability.IncStreamError("postgres")
			s.log.Warn("stream_fetch_failed", zap.String("message_id", n.ID), zap.Error(err))
			return
		default:
			change = remote.Change{Type: n.Op, Doc: doc}
		}
	}
	for _, sub := range subs {
		sub.enqueue([]remote.Change{change})
	}
}

// resyncAll replays the current window of every open feed after the listener
// reconnected. Known ids missing from the window are delivered as removals.
func (s *MessageStream) resyncAll() {
	s.mu.Lock()
	var all []*pgSubscription
	for _, set := range s.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range all {
		known := sub.known()
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		docs, err := s.newest(ctx, sub.conversationID, sub.limit)
		cancel()
		if err != nil {
			sub.fail(classify(err))
			continue
		}
		sub.enqueue(resyncChanges(known, docs, sub.limit))
	}
}

// resyncChanges turns a fresh newest-first window into modifications, plus a
// removal for every known id inside the window that is no longer there. A
// full window says nothing about ids older than its last row.
func resyncChanges(known map[string]remote.Cursor, docs []remote.Document, limit int) []remote.Change {
	changes := make([]remote.Change, 0, len(docs))
	fresh := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		fresh[doc.ID] = struct{}{}
		changes = append(changes, remote.Change{Type: remote.ChangeModified, Doc: doc})
	}
	var floor remote.Cursor
	if len(docs) > 0 && len(docs) >= limit {
		floor = positionOf(docs[len(docs)-1])
	}
	var gone []string
	for id, pos := range known {
		if _, ok := fresh[id]; ok {
			continue
		}
		if pos.Before(floor) {
			continue
		}
		gone = append(gone, id)
	}
	sort.Strings(gone)
	for _, id := range gone {
		changes = append(changes, remote.Change{Type: remote.ChangeRemoved, Doc: remote.Document{ID: id}})
	}
	return changes
}

// positionOf reads the ordering key of a document. Undecodable documents sort first.
func positionOf(doc remote.Document) remote.Cursor {
	var pos struct {
		CreatedAt *time.Time `json:"createdAt"`
	}
	if len(doc.Data) > 0 && json.Unmarshal(doc.Data, &pos) == nil && pos.CreatedAt != nil {
		return remote.Cursor{CreatedAt: pos.CreatedAt.UTC(), ID: doc.ID}
	}
	return remote.Cursor{ID: doc.ID}
}

func (s *MessageStream) broadcastError(err error) {
	s.mu.Lock()
	var all []*pgSubscription
	for _, set := range s.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range all {
		sub.fail(err)
	}
}

func (s *MessageStream) fetch(ctx context.Context, messageID string) (remote.Document, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID); err != nil {
		return remote.Document{}, err
	}
	return row.document()
}

func (s *MessageStream) newest(ctx context.Context, conversationID string, limit int) ([]remote.Document, error) {
	var rows []messageRow
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`
	if err := s.db.SelectContext(ctx, &rows, query, conversationID, limit); err != nil {
		return nil, err
	}
	return documents(rows)
}

func documents(rows []messageRow) ([]remote.Document, error) {
	docs := make([]remote.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Watch registers the feed before reading the snapshot, so nothing committed
// in between is lost. Notifications arriving early are held back until the
// snapshot has been queued.
func (s *MessageStream) Watch(ctx context.Context, conversationID string, limit int, handlers remote.WatchHandlers) (remote.Subscription, error) {
	sub := newPGSubscription(s, conversationID, limit, handlers)
	s.mu.Lock()
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[*pgSubscription]struct{})
	}
	s.subs[conversationID][sub] = struct{}{}
	s.mu.Unlock()

	docs, err := s.newest(ctx, conversationID, limit)
	if err != nil {
		sub.Stop()
		return nil, remote.Wrap("watch", "", classify(err))
	}
	snapshot := make([]remote.Change, 0, len(docs))
	for _, doc := range docs {
		snapshot = append(snapshot, remote.Change{Type: remote.ChangeAdded, Doc: doc})
	}
	sub.prime(snapshot)
	go sub.loop()
	return sub, nil
}

// Page returns up to limit messages strictly older than before, newest first.
func (s *MessageStream) Page(ctx context.Context, conversationID string, before remote.Cursor, limit int) ([]remote.Document, error) {
	var rows []messageRow
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1 AND (created_at, id) < ($2, $3)
        ORDER BY created_at DESC, id DESC
        LIMIT $4`
	if err := s.db.SelectContext(ctx, &rows, query, conversationID, before.CreatedAt, before.ID, limit); err != nil {
		return nil, classify(err)
	}
	return documents(rows)
}

// ListReplies returns the ids of messages replying to targetID, oldest first.
func (s *MessageStream) ListReplies(ctx context.Context, conversationID, targetID string) ([]string, error) {
	var ids []string
	query := `SELECT id FROM messages
        WHERE conversation_id=$1 AND reply_to IS NOT NULL AND reply_to->>'targetId' = $2
        ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &ids, query, conversationID, targetID); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// MaxBatchSize bounds the number of operations in one Commit.
func (s *MessageStream) MaxBatchSize() int {
	return s.maxBatch
}

// Commit applies the batch in one transaction.
func (s *MessageStream) Commit(ctx context.Context, batch *remote.Batch) error {
	if batch.Len() > s.maxBatch {
		return fmt.Errorf("batch of %d exceeds limit %d", batch.Len(), s.maxBatch)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, op := range batch.Ops() {
		if err := applyOp(ctx, tx, op); err != nil {
			return remote.Wrap(string(op.Kind), op.MessageID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func applyOp(ctx context.Context, tx *sqlx.Tx, op remote.Op) error {
	query, args, err := opStatement(op)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	if !mustMatch(op) {
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	}
	return nil
}

// mustMatch reports whether a statement touching no row fails the batch.
func mustMatch(op remote.Op) bool {
	switch op.Kind {
	case remote.OpPutMessage, remote.OpUpdatePreviewText, remote.OpMarkConversationRead:
		return false
	}
	return !op.IgnoreMissing
}

// opStatement builds the SQL for one batch operation.
func opStatement(op remote.Op) (string, []interface{}, error) {
	switch op.Kind {
	case remote.OpPutMessage:
		if op.Message == nil {
			return "", nil, errors.New("put_message without message")
		}
		m := op.Message
		var reply interface{}
		if m.ReplyTo != nil {
			raw, err := json.Marshal(m.ReplyTo)
			if err != nil {
				return "", nil, err
			}
			reply = string(raw)
		}
		reactions := "{}"
		if len(m.Reactions) > 0 {
			raw, err := json.Marshal(m.Reactions)
			if err != nil {
				return "", nil, err
			}
			reactions = string(raw)
		}
		return `INSERT INTO messages (id, conversation_id, sender_id, text, image_url, edited, reactions, reply_to)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            ON CONFLICT (id) DO NOTHING`,
			[]interface{}{m.ID, op.ConversationID, m.SenderID, m.Body.Text, m.Body.ImageURL, m.Edited, reactions, reply}, nil

	case remote.OpUpdateMessage:
		return updateStatement(op)

	case remote.OpSetReaction:
		if op.Emoji == "" {
			return `UPDATE messages SET reactions = reactions - $3::text WHERE conversation_id=$1 AND id=$2`,
				[]interface{}{op.ConversationID, op.MessageID, op.ParticipantID}, nil
		}
		return `UPDATE messages SET reactions = jsonb_set(reactions, ARRAY[$3::text], to_jsonb($4::text))
            WHERE conversation_id=$1 AND id=$2`,
			[]interface{}{op.ConversationID, op.MessageID, op.ParticipantID, op.Emoji}, nil

	case remote.OpDeleteMessage:
		return `DELETE FROM messages WHERE conversation_id=$1 AND id=$2`,
			[]interface{}{op.ConversationID, op.MessageID}, nil

	case remote.OpSetPreview:
		if op.Preview == nil {
			return "", nil, errors.New("set_preview without preview")
		}
		return `UPDATE conversations SET
                last_message_preview=$2,
                last_message_sender_id=$3,
                last_message_at=COALESCE((SELECT created_at FROM messages WHERE id=$4), clock_timestamp()),
                unread_for_other=$5
            WHERE id=$1`,
			[]interface{}{op.ConversationID, op.Preview.Text, op.Preview.SenderID, op.MessageID, op.Preview.UnreadForOther}, nil

	case remote.OpUpdatePreviewText:
		if op.Preview == nil {
			return "", nil, errors.New("update_preview_text without preview")
		}
		return `UPDATE conversations SET last_message_preview=$2
            WHERE id=$1 AND last_message_sender_id IS NOT NULL`,
			[]interface{}{op.ConversationID, op.Preview.Text}, nil

	case remote.OpClearPreview:
		return `UPDATE conversations SET
                last_message_preview=NULL,
                last_message_sender_id=NULL,
                last_message_at=NULL,
                unread_for_other=FALSE
            WHERE id=$1`,
			[]interface{}{op.ConversationID}, nil

	case remote.OpMarkConversationRead:
		return `UPDATE conversations SET unread_for_other=FALSE
            WHERE id=$1 AND last_message_sender_id IS DISTINCT FROM $2`,
			[]interface{}{op.ConversationID, op.ReaderID}, nil
	}
	return "", nil, fmt.Errorf("unsupported op %q", op.Kind)
}

func updateStatement(op remote.Op) (string, []interface{}, error) {
	p := op.Patch
	args := []interface{}{op.ConversationID, op.MessageID}
	var sets []string
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if p.Text != nil {
		add("text", *p.Text)
	}
	if p.ImageURL != nil {
		add("image_url", *p.ImageURL)
	}
	if p.Edited != nil {
		add("edited", *p.Edited)
	}
	if p.Read != nil {
		add("read", *p.Read)
	}
	if p.ReplyTo != nil {
		raw, err := json.Marshal(p.ReplyTo)
		if err != nil {
			return "", nil, err
		}
		add("reply_to", string(raw))
	}
	if len(sets) == 0 {
		return "", nil, errors.New("update_message without fields")
	}
	return `UPDATE messages SET ` + strings.Join(sets, ", ") + ` WHERE conversation_id=$1 AND id=$2`, args, nil
}

// pgSubscription queues changes for one feed and hands them to OnChange from
// its own goroutine, in arrival order.
type pgSubscription struct {
	stream         *MessageStream
	conversationID string
	limit          int
	handlers       remote.WatchHandlers

	mu      sync.Mutex
	primed  bool
	early   [][]remote.Change
	queue   [][]remote.Change
	window  map[string]remote.Cursor
	stopped bool
	signal  chan struct{}
	stop    chan struct{}
}

func newPGSubscription(s *MessageStream, conversationID string, limit int, handlers remote.WatchHandlers) *pgSubscription {
	return &pgSubscription{
		stream:         s,
		conversationID: conversationID,
		limit:          limit,
		handlers:       handlers,
		window:         make(map[string]remote.Cursor),
		signal:         make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

func (p *pgSubscription) prime(snapshot []remote.Change) {
	p.mu.Lock()
	p.primed = true
	p.trackLocked(snapshot)
	p.queue = append([][]remote.Change{snapshot}, p.early...)
	p.early = nil
	p.mu.Unlock()
	p.wake()
}

func (p *pgSubscription) enqueue(changes []remote.Change) {
	if len(changes) == 0 {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.trackLocked(changes)
	if !p.primed {
		p.early = append(p.early, changes)
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, changes)
	p.mu.Unlock()
	p.wake()
}

// trackLocked records the position of every id handed to the feed.
func (p *pgSubscription) trackLocked(changes []remote.Change) {
	for _, c := range changes {
		if c.Type == remote.ChangeRemoved {
			delete(p.window, c.Doc.ID)
			continue
		}
		p.window[c.Doc.ID] = positionOf(c.Doc)
	}
}

// known copies the tracked positions.
func (p *pgSubscription) known() map[string]remote.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]remote.Cursor, len(p.window))
	for id, pos := range p.window {
		out[id] = pos
	}
	return out
}

func (p *pgSubscription) fail(err error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || p.handlers.OnError == nil {
		return
	}
	p.handlers.OnError(err)
}

func (p *pgSubscription) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest queued delivery.
func (p *pgSubscription) next() ([]remote.Change, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || len(p.queue) == 0 {
		return nil, false
	}
	changes := p.queue[0]
	p.queue = p.queue[1:]
	return changes, true
}

func (p *pgSubscription) loop() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.signal:
		}
		for {
			changes, ok := p.next()
			if !ok {
				break
			}
			p.handlers.OnChange(changes)
		}
	}
}

// Stop detaches the feed. Safe to call twice.
func (p *pgSubscription) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.queue = nil
	p.early = nil
	p.mu.Unlock()
	close(p.stop)

	p.stream.mu.Lock()
	delete(p.stream.subs[p.conversationID], p)
	if len(p.stream.subs[p.conversationID]) == 0 {
		delete(p.stream.subs, p.conversationID)
	}
	p.stream.mu.Unlock()
}

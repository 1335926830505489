package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-sync/internal/models"
	"dm-sync/internal/remote"
)

var (
	alice = models.Participant{ID: "alice", DisplayName: "Alice"}
	bob   = models.Participant{ID: "bob", DisplayName: "Bob"}
	t0    = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
)

type countingStream struct {
	*remote.MemoryStream
	pages atomic.Int32
}

func (c *countingStream) Page(ctx context.Context, conversationID string, before remote.Cursor, limit int) ([]remote.Document, error) {
	c.pages.Add(1)
	return c.MemoryStream.Page(ctx, conversationID, before, limit)
}

type eventLog struct {
	mu     sync.Mutex
	events []models.ChatEvent
}

func (l *eventLog) add(ev models.ChatEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(typ string) []models.ChatEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ChatEvent
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type uploaderStub struct {
	url string
	err error
}

func (u uploaderStub) Upload(ctx context.Context, a models.Attachment) (string, error) {
	return u.url, u.err
}

func newConversationStream() *countingStream {
	ms := remote.NewMemoryStream()
	ms.PutConversation(models.Conversation{
		ID:             "c1",
		ParticipantIDs: [2]string{"alice", "bob"},
		Participants:   map[string]models.Participant{"alice": alice, "bob": bob},
	})
	return &countingStream{MemoryStream: ms}
}

func seedMessage(id, sender string, offset int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           models.Body{Text: "text " + id},
		CreatedAt:      t0.Add(time.Duration(offset) * time.Second),
	}
}

func bindSession(t *testing.T, stream remote.Stream, opts Options) (*Session, *eventLog) {
	t.Helper()
	events := &eventLog{}
	if opts.Self.ID == "" {
		opts.Self = alice
	}
	opts.OnEvent = events.add
	s := New(stream, opts)
	require.NoError(t, s.Bind(context.Background(), "c1"))
	t.Cleanup(func() { s.Dispose(context.Background()) })
	return s, events
}

func messageIDs(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestBindRejectsNonParticipant(t *testing.T) {
	stream := newConversationStream()
	s := New(stream, Options{Self: models.Participant{ID: "carol"}})

	err := s.Bind(context.Background(), "c1")
	assert.ErrorIs(t, err, remote.ErrPermission)

	err = New(stream, Options{Self: alice}).Bind(context.Background(), "missing")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestPaginationFortyMessagesPageSizeTwentyFive(t *testing.T) {
	stream := newConversationStream()
	for i := 0; i < 40; i++ {
		stream.Seed(seedMessage(fmt.Sprintf("m%02d", i), "bob", i))
	}
	s, events := bindSession(t, stream, Options{PageSize: 25})

	require.Len(t, s.Messages(), 25)
	assert.True(t, s.HasMore())
	assert.Equal(t, "m15", s.Messages()[0].ID)
	ready := events.ofType("ready")
	require.Len(t, ready, 1)
	assert.True(t, *ready[0].HasMore)

	page, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Messages, 15)
	assert.False(t, page.HasMore)
	assert.Equal(t, "m15", page.AnchorID)
	assert.Equal(t, "m00", page.Messages[0].ID)

	all := s.Messages()
	require.Len(t, all, 40)
	for i, m := range all {
		assert.Equal(t, fmt.Sprintf("m%02d", i), m.ID)
	}

	page, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Equal(t, int32(1), stream.pages.Load(), "no remote call once hasMore is false")
	assert.Len(t, s.Messages(), 40)
}

func TestShortSnapshotEndsHistory(t *testing.T) {
	stream := newConversationStream()
	for i := 0; i < 10; i++ {
		stream.Seed(seedMessage(fmt.Sprintf("m%02d", i), "bob", i))
	}
	s, _ := bindSession(t, stream, Options{PageSize: 25})

	assert.False(t, s.HasMore())
	page, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Zero(t, stream.pages.Load())
}

func TestLoadOlderMergesWithLiveArrivals(t *testing.T) {
	stream := newConversationStream()
	for i := 0; i < 30; i++ {
		stream.Seed(seedMessage(fmt.Sprintf("m%02d", i), "bob", i))
	}
	s, _ := bindSession(t, stream, Options{PageSize: 25})

	incoming := seedMessage("z", "bob", 0)
	incoming.CreatedAt = time.Time{}
	require.NoError(t, stream.Commit(context.Background(), remote.NewBatch(remote.PutMessage(incoming))))

	page, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5)

	ids := messageIDs(s.Messages())
	assert.Len(t, ids, 31)
	assert.Equal(t, "z", ids[len(ids)-1])
}

func TestSendIsConfirmedByTheLiveFeed(t *testing.T) {
	stream := newConversationStream()
	s, events := bindSession(t, stream, Options{})

	var optimistic models.Message
	stream.SetCommitHook(func(b *remote.Batch) error {
		if id := b.Ops()[0].MessageID; id != "" {
			optimistic, _ = s.Message(id)
		}
		return nil
	})

	msg, err := s.Send(context.Background(), models.Draft{Text: "  hello  "})
	require.NoError(t, err)
	assert.True(t, optimistic.Pending)
	assert.Equal(t, "hello", optimistic.Body.Text)

	confirmed, ok := s.Message(msg.ID)
	require.True(t, ok)
	assert.False(t, confirmed.Pending)
	assert.False(t, confirmed.CreatedAt.IsZero())
	assert.Equal(t, optimistic.Body, confirmed.Body)
	assert.Equal(t, optimistic.SenderID, confirmed.SenderID)
	assert.Len(t, s.Messages(), 1, "the confirmed copy replaces the pending one")

	conv, err := stream.Conversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.Preview.Text)
	assert.Equal(t, "alice", conv.Preview.SenderID)
	assert.True(t, conv.Preview.UnreadForOther)

	upserts := events.ofType("upsert")
	require.Len(t, upserts, 2)
	assert.True(t, upserts[0].Message.Pending)
	assert.False(t, upserts[1].Message.Pending)
}

func TestSendFailureRestoresDraft(t *testing.T) {
	stream := newConversationStream()
	s, _ := bindSession(t, stream, Options{})
	stream.SetCommitHook(func(*remote.Batch) error {
		return remote.Wrap("commit", "", remote.ErrTransient)
	})

	_, err := s.Send(context.Background(), models.Draft{Text: "hello"})

	var de *DraftError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "hello", de.Draft.Text)
	assert.NotEmpty(t, de.Draft.ID)
	assert.ErrorIs(t, err, remote.ErrTransient)
	assert.True(t, remote.Retryable(err))
	assert.Empty(t, s.Messages())

	stream.SetCommitHook(nil)
	msg, err := s.Send(context.Background(), de.Draft)
	require.NoError(t, err)
	assert.Equal(t, de.Draft.ID, msg.ID, "a retry reuses the client id")
	assert.Len(t, stream.Messages("c1"), 1)
}

func TestResendOfConfirmedIDKeepsTheConfirmedCopy(t *testing.T) {
	stream := newConversationStream()
	s, _ := bindSession(t, stream, Options{})
	ctx := context.Background()

	msg, err := s.Send(ctx, models.Draft{Text: "hello"})
	require.NoError(t, err)
	require.False(t, msg.Pending)
	stream.SetCommitHook(func(*remote.Batch) error {
		t.Error("a resend of a confirmed id must not reach the remote")
		return nil
	})

	again, err := s.Send(ctx, models.Draft{ID: msg.ID, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	assert.False(t, again.Pending)
	assert.Equal(t, msg.CreatedAt, again.CreatedAt)

	stored, ok := s.Message(msg.ID)
	require.True(t, ok)
	assert.False(t, stored.Pending)
	assert.Equal(t, msg.CreatedAt, stored.CreatedAt)
	assert.Len(t, s.Messages(), 1)
	assert.Len(t, stream.Commits(), 1)

	stream.SetCommitHook(nil)
	require.NoError(t, s.Edit(ctx, msg.ID, "still editable"))
	stored, _ = s.Message(msg.ID)
	assert.Equal(t, "still editable", stored.Body.Text)
}

func TestSendUploadsAttachmentFirst(t *testing.T) {
	stream := newConversationStream()
	s, _ := bindSession(t, stream, Options{Uploader: uploaderStub{url: "https://cdn/img.png"}})

	msg, err := s.Send(context.Background(), models.Draft{Upload: &models.Attachment{Filename: "a.png", Data: []byte{1}}})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/img.png", msg.Body.ImageURL)

	conv, _ := stream.Conversation(context.Background(), "c1")
	assert.Equal(t, models.ImagePreviewText, conv.Preview.Text)
}

func TestSendUploadFailureAbortsBeforeCommit(t *testing.T) {
	stream := newConversationStream()
	s, _ := bindSession(t, stream, Options{Uploader: uploaderStub{err: assert.AnError}})

	_, err := s.Send(context.Background(), models.Draft{Text: "look", Upload: &models.Attachment{Filename: "a.png"}})
	var de *DraftError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, remote.ErrUpload)
	assert.Equal(t, "look", de.Draft.Text)
	assert.Empty(t, stream.Commits())
	assert.Empty(t, s.Messages())
}

func TestSendRejectsEmptyBody(t *testing.T) {
	stream := newConversationStream()
	s, _ := bindSession(t, stream, Options{})

	_, err := s.Send(context.Background(), models.Draft{Text: "   "})
	assert.ErrorIs(t, err, models.ErrEmptyBody)
	assert.Empty(t, stream.Commits())
}

func TestSendReplyCarriesSnapshot(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("m1", "bob", 1))
	s, _ := bindSession(t, stream, Options{})

	msg, err := s.Send(context.Background(), models.Draft{Text: "yes", ReplyToID: "m1"})
	require.NoError(t, err)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, models.ReplyRef{TargetID: "m1", Text: "text m1", SenderName: "Bob"}, *msg.ReplyTo)
}

func TestReactToggleAndReplace(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("m1", "bob", 1))
	s, _ := bindSession(t, stream, Options{})
	ctx := context.Background()

	require.NoError(t, s.React(ctx, "m1", "❤️"))
	m, _ := s.Message("m1")
	assert.Equal(t, models.Reactions{"alice": "❤️"}, m.Reactions)

	require.NoError(t, s.React(ctx, "m1", "❤️"))
	m, _ = s.Message("m1")
	assert.Nil(t, m.Reactions)

	require.NoError(t, s.React(ctx, "m1", "👍"))
	require.NoError(t, s.React(ctx, "m1", "😂"))
	m, _ = s.Message("m1")
	assert.Equal(t, models.Reactions{"alice": "😂"}, m.Reactions)

	stored, _ := stream.Message("c1", "m1")
	assert.Equal(t, m.Reactions, stored.Reactions)
}

func TestReactRollsBackOnlyItsSlot(t *testing.T) {
	stream := newConversationStream()
	m1 := seedMessage("m1", "bob", 1)
	m1.Reactions = models.Reactions{"bob": "🔥"}
	stream.Seed(m1)
	s, _ := bindSession(t, stream, Options{})
	stream.SetCommitHook(func(*remote.Batch) error { return status503() })

	err := s.React(context.Background(), "m1", "👍")
	assert.ErrorIs(t, err, remote.ErrTransient)

	m, _ := s.Message("m1")
	assert.Equal(t, models.Reactions{"bob": "🔥"}, m.Reactions)
}

func TestEditOwnMessageOnly(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("mine", "alice", 1), seedMessage("theirs", "bob", 2))
	s, _ := bindSession(t, stream, Options{})
	ctx := context.Background()

	err := s.Edit(ctx, "theirs", "hijack")
	assert.ErrorIs(t, err, remote.ErrPermission)

	err = s.Delete(ctx, "theirs")
	assert.ErrorIs(t, err, remote.ErrPermission)

	require.NoError(t, s.Edit(ctx, "mine", "fixed"))
	m, _ := s.Message("mine")
	assert.Equal(t, "fixed", m.Body.Text)
	assert.True(t, m.Edited)

	stored, _ := stream.Message("c1", "mine")
	assert.Equal(t, m.Body, stored.Body)
	assert.True(t, stored.Edited)
}

func TestEditLastMessageUpdatesPreviewAndFansOut(t *testing.T) {
	stream := newConversationStream()
	ctx := context.Background()
	s, _ := bindSession(t, stream, Options{EditFanOut: true})

	target, err := s.Send(ctx, models.Draft{Text: "original"})
	require.NoError(t, err)

	bobSession, _ := bindSession(t, stream, Options{Self: bob})
	reply, err := bobSession.Send(ctx, models.Draft{Text: "re", ReplyToID: target.ID})
	require.NoError(t, err)

	require.NoError(t, s.Edit(ctx, target.ID, "revised"))

	stored, _ := stream.Message("c1", reply.ID)
	require.NotNil(t, stored.ReplyTo)
	assert.Equal(t, "revised", stored.ReplyTo.Text)
	local, _ := s.Message(reply.ID)
	assert.Equal(t, "revised", local.ReplyTo.Text)

	conv, _ := stream.Conversation(ctx, "c1")
	assert.Equal(t, "re", conv.Preview.Text, "only the last message drives the preview")
}

func TestEditWithoutFanOutLeavesSnapshots(t *testing.T) {
	stream := newConversationStream()
	target := seedMessage("t", "alice", 1)
	reply := seedMessage("r", "bob", 2)
	reply.ReplyTo = &models.ReplyRef{TargetID: "t", Text: "text t", SenderName: "Alice"}
	stream.Seed(target, reply)
	s, _ := bindSession(t, stream, Options{EditFanOut: false})

	require.NoError(t, s.Edit(context.Background(), "t", "changed"))
	stored, _ := stream.Message("c1", "r")
	assert.Equal(t, "text t", stored.ReplyTo.Text)
	assert.Len(t, stream.Commits(), 1)
}

func TestEditRollbackOnFailure(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("mine", "alice", 1))
	s, _ := bindSession(t, stream, Options{})
	stream.SetCommitHook(func(*remote.Batch) error { return status503() })

	err := s.Edit(context.Background(), "mine", "new text")
	assert.ErrorIs(t, err, remote.ErrTransient)

	var re *remote.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "edit", re.Op)
	assert.Equal(t, "mine", re.MessageID)

	m, _ := s.Message("mine")
	assert.Equal(t, "text mine", m.Body.Text)
	assert.False(t, m.Edited)
}

func TestNotFoundIsSilent(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("mine", "alice", 1))
	s, _ := bindSession(t, stream, Options{})
	stream.SetCommitHook(func(*remote.Batch) error {
		return remote.Wrap("commit", "mine", remote.ErrNotFound)
	})

	assert.NoError(t, s.Edit(context.Background(), "mine", "late"))
	m, _ := s.Message("mine")
	assert.Equal(t, "text mine", m.Body.Text)

	assert.NoError(t, s.Delete(context.Background(), "mine"))
	_, ok := s.Message("mine")
	assert.False(t, ok)
}

func TestMutationsOnUnknownMessageAreSilent(t *testing.T) {
	stream := newConversationStream()
	s, events := bindSession(t, stream, Options{})
	ctx := context.Background()

	assert.NoError(t, s.Edit(ctx, "gone", "late"))
	assert.NoError(t, s.Delete(ctx, "gone"))
	assert.NoError(t, s.React(ctx, "gone", "👍"))

	assert.Empty(t, stream.Commits())
	assert.Empty(t, events.ofType("error"))
	assert.Empty(t, s.Messages())
}

func TestMutationsOnPendingMessageAreRejected(t *testing.T) {
	stream := newConversationStream()
	s, _ := bindSession(t, stream, Options{})

	var editErr, deleteErr, reactErr error
	var once sync.Once
	stream.SetCommitHook(func(b *remote.Batch) error {
		once.Do(func() {
			id := b.Ops()[0].MessageID
			ctx := context.Background()
			editErr = s.Edit(ctx, id, "too soon")
			deleteErr = s.Delete(ctx, id)
			reactErr = s.React(ctx, id, "👍")
		})
		return nil
	})

	_, err := s.Send(context.Background(), models.Draft{Text: "hello"})
	require.NoError(t, err)

	for _, err := range []error{editErr, deleteErr, reactErr} {
		assert.ErrorIs(t, err, ErrMessagePending)
		assert.True(t, remote.Retryable(err))
	}
}

// settled drops the fields that only the server settles.
func settled(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		m = m.Clone()
		m.Pending = false
		m.CreatedAt = time.Time{}
		out[i] = m
	}
	return out
}

func TestMixedSequenceReconcilesToOptimisticState(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("m1", "bob", 1), seedMessage("m2", "alice", 2))
	s, events := bindSession(t, stream, Options{})

	var optimistic []models.Message
	stream.SetCommitHook(func(*remote.Batch) error {
		optimistic = settled(s.Messages())
		return nil
	})

	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"send d1", func(ctx context.Context) error {
			_, err := s.Send(ctx, models.Draft{ID: "d1", Text: "first"})
			return err
		}},
		{"send d2 replying to m1", func(ctx context.Context) error {
			_, err := s.Send(ctx, models.Draft{ID: "d2", Text: "second", ReplyToID: "m1"})
			return err
		}},
		{"edit d1", func(ctx context.Context) error { return s.Edit(ctx, "d1", "first, edited") }},
		{"react on m1", func(ctx context.Context) error { return s.React(ctx, "m1", "👍") }},
		{"react on d2", func(ctx context.Context) error { return s.React(ctx, "d2", "❤️") }},
		{"delete m2", func(ctx context.Context) error { return s.Delete(ctx, "m2") }},
		{"edit d2", func(ctx context.Context) error { return s.Edit(ctx, "d2", "second!") }},
		{"toggle m1 reaction off", func(ctx context.Context) error { return s.React(ctx, "m1", "👍") }},
		{"delete d1", func(ctx context.Context) error { return s.Delete(ctx, "d1") }},
	}

	for _, step := range steps {
		optimistic = nil
		require.NoError(t, step.run(context.Background()), step.name)
		require.NotNil(t, optimistic, step.name)
		assert.Equal(t, optimistic, settled(s.Messages()), step.name)
	}

	final := settled(s.Messages())
	assert.Equal(t, optimistic, final)
	assert.Equal(t, final, settled(stream.Messages("c1")))
	assert.Equal(t, []string{"m1", "d2"}, messageIDs(final))
	assert.Empty(t, events.ofType("error"))
	for _, m := range s.Messages() {
		assert.False(t, m.Pending, m.ID)
	}
}

func TestDeleteRecomputesPreview(t *testing.T) {
	stream := newConversationStream()
	s, _ := bindSession(t, stream, Options{})
	ctx := context.Background()

	first, err := s.Send(ctx, models.Draft{Text: "first"})
	require.NoError(t, err)
	second, err := s.Send(ctx, models.Draft{Text: "second"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, second.ID))
	conv, _ := stream.Conversation(ctx, "c1")
	assert.Equal(t, "first", conv.Preview.Text)
	assert.True(t, conv.Preview.UnreadForOther)
	assert.Equal(t, []string{first.ID}, messageIDs(s.Messages()))

	require.NoError(t, s.Delete(ctx, first.ID))
	conv, _ = stream.Conversation(ctx, "c1")
	assert.Equal(t, models.Preview{}, conv.Preview)
	assert.Empty(t, s.Messages())
}

func TestDeleteRollbackRestoresMessage(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("a", "alice", 1), seedMessage("b", "alice", 2))
	s, _ := bindSession(t, stream, Options{})
	stream.SetCommitHook(func(*remote.Batch) error {
		return remote.Wrap("commit", "", remote.ErrPermission)
	})

	err := s.Delete(context.Background(), "a")
	assert.ErrorIs(t, err, remote.ErrPermission)
	assert.False(t, remote.Retryable(err))
	assert.Equal(t, []string{"a", "b"}, messageIDs(s.Messages()))
}

func seedReplies(stream *countingStream, n int, target models.Message) {
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		m := seedMessage(fmt.Sprintf("r%04d", i), "bob", i)
		m.ReplyTo = &models.ReplyRef{TargetID: target.ID, Text: target.Body.Text, SenderName: "Alice"}
		msgs = append(msgs, m)
	}
	stream.Seed(msgs...)
}

func TestDeleteFansOutInBatchesOfFiveHundred(t *testing.T) {
	stream := newConversationStream()
	target := seedMessage("t", "alice", 5000)
	target.Body.ImageURL = "https://cdn/t.png"
	seedReplies(stream, 1200, target)
	stream.Seed(target)
	s, _ := bindSession(t, stream, Options{PageSize: 25})

	require.NoError(t, s.Delete(context.Background(), "t"))

	commits := stream.Commits()
	require.Len(t, commits, 4)
	assert.Equal(t, remote.OpDeleteMessage, commits[0].Ops()[0].Kind)
	assert.Equal(t, 500, commits[1].Len())
	assert.Equal(t, 500, commits[2].Len())
	assert.Equal(t, 200, commits[3].Len())

	seen := make(map[string]struct{})
	for _, b := range commits[1:] {
		for _, op := range b.Ops() {
			seen[op.MessageID] = struct{}{}
		}
	}
	assert.Len(t, seen, 1200)

	want := models.ReplyRef{TargetID: "t", Text: models.DeletedReplyText, SenderName: "Alice"}
	for _, m := range stream.Messages("c1") {
		require.NotNil(t, m.ReplyTo)
		assert.Equal(t, want, *m.ReplyTo)
	}
	local, ok := s.Message("r1199")
	require.True(t, ok)
	assert.Equal(t, want, *local.ReplyTo)
}

func TestFanOutFailureReportsCommittedAndRollsBack(t *testing.T) {
	stream := newConversationStream()
	target := seedMessage("t", "alice", 5000)
	seedReplies(stream, 1200, target)
	stream.Seed(target)
	s, _ := bindSession(t, stream, Options{PageSize: 25})

	var calls atomic.Int32
	stream.SetCommitHook(func(*remote.Batch) error {
		if calls.Add(1) == 3 {
			return status503()
		}
		return nil
	})

	err := s.Delete(context.Background(), "t")
	var fe *FanOutError
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fe.Committed, 500)
	assert.Equal(t, 700, fe.Remaining)
	assert.ErrorIs(t, err, remote.ErrTransient)

	_, ok := s.Message("t")
	assert.False(t, ok, "the delete itself stays committed")
	local, ok := s.Message("r1199")
	require.True(t, ok)
	assert.Equal(t, "text t", local.ReplyTo.Text)
}

func TestReadReceiptsBatchIntoOneWrite(t *testing.T) {
	stream := newConversationStream()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		stream.Seed(seedMessage(fmt.Sprintf("m%d", i), "bob", i))
	}
	last := seedMessage("m9", "bob", 9)
	require.NoError(t, stream.Commit(ctx, remote.NewBatch(remote.SetPreview("c1", "m9", models.PreviewOf(last)))))
	before := len(stream.Commits())

	s, _ := bindSession(t, stream, Options{ReadWindow: 20 * time.Millisecond})
	for i := 0; i < 10; i++ {
		s.MarkVisible(fmt.Sprintf("m%d", i))
	}

	require.Eventually(t, func() bool {
		return len(stream.Commits()) == before+2
	}, time.Second, 5*time.Millisecond)

	commits := stream.Commits()[before:]
	assert.Equal(t, 10, commits[0].Len())
	assert.Equal(t, remote.OpMarkConversationRead, commits[1].Ops()[0].Kind)

	for _, m := range s.Messages() {
		assert.True(t, m.Read, m.ID)
	}
	conv, _ := stream.Conversation(ctx, "c1")
	assert.False(t, conv.Preview.UnreadForOther)
}

func TestReadReceiptsSkipOwnAndFlushOnDispose(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("own", "alice", 1), seedMessage("in", "bob", 2))
	s := New(stream, Options{Self: alice, ReadWindow: time.Hour})
	require.NoError(t, s.Bind(context.Background(), "c1"))

	assert.Equal(t, 1, s.MarkVisible("own", "in", "missing"))
	assert.Zero(t, s.MarkVisible("in"), "already queued")
	assert.Empty(t, stream.Commits())

	s.Dispose(context.Background())

	commits := stream.Commits()
	require.Len(t, commits, 2)
	assert.Equal(t, "in", commits[0].Ops()[0].MessageID)
	stored, _ := stream.Message("c1", "in")
	assert.True(t, stored.Read)
	own, _ := stream.Message("c1", "own")
	assert.False(t, own.Read)
}

func TestReadReceiptFailureIsNotSurfaced(t *testing.T) {
	stream := newConversationStream()
	stream.Seed(seedMessage("in", "bob", 1))
	s, _ := bindSession(t, stream, Options{ReadWindow: time.Hour})
	stream.SetCommitHook(func(*remote.Batch) error {
		return remote.Wrap("commit", "", remote.ErrPermission)
	})

	s.MarkVisible("in")
	assert.NotPanics(t, func() { s.FlushReceipts(context.Background()) })
	m, _ := s.Message("in")
	assert.False(t, m.Read)
}

func TestDisposeDetachesSynchronously(t *testing.T) {
	stream := newConversationStream()
	s := New(stream, Options{Self: alice})
	require.NoError(t, s.Bind(context.Background(), "c1"))
	st := s.store

	s.Dispose(context.Background())
	s.Dispose(context.Background())

	msg := seedMessage("late", "bob", 0)
	msg.CreatedAt = time.Time{}
	require.NoError(t, stream.Commit(context.Background(), remote.NewBatch(remote.PutMessage(msg))))
	assert.Zero(t, st.Len())

	_, err := s.Send(context.Background(), models.Draft{Text: "x"})
	assert.ErrorIs(t, err, ErrNotBound)
}

func status503() error {
	return remote.Wrap("commit", "", fmt.Errorf("upstream unavailable: %w", remote.ErrTransient))
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-sync/internal/models"
)

func newTestStream(t *testing.T) *MemoryStream {
	t.Helper()
	s := NewMemoryStream()
	s.PutConversation(models.Conversation{ID: "c1", ParticipantIDs: [2]string{"alice", "bob"}})
	return s
}

type recorder struct {
	mu    sync.Mutex
	calls [][]Change
}

func (r *recorder) handlers() WatchHandlers {
	return WatchHandlers{OnChange: func(changes []Change) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, changes)
	}}
}

func (r *recorder) all() [][]Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Change(nil), r.calls...)
}

func TestSplitKeepsOrderAndCap(t *testing.T) {
	ops := make([]Op, 1200)
	for i := range ops {
		ops[i] = DeleteMessage("c1", fmt.Sprintf("m%04d", i))
	}

	batches := Split(ops, 500)
	require.Len(t, batches, 3)
	assert.Equal(t, 500, batches[0].Len())
	assert.Equal(t, 500, batches[1].Len())
	assert.Equal(t, 200, batches[2].Len())
	assert.Equal(t, "m0500", batches[1].Ops()[0].MessageID)

	assert.Empty(t, Split(nil, 500))
}

func TestPutMessageClearsPending(t *testing.T) {
	op := PutMessage(models.Message{ID: "m1", ConversationID: "c1", Pending: true})
	assert.False(t, op.Message.Pending)
	assert.Equal(t, "put_message c1/m1", op.String())
}

func TestKindClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"permission sentinel", fmt.Errorf("x: %w", ErrPermission), ErrPermission},
		{"wrapped not found", fmt.Errorf("commit: %w", ErrNotFound), ErrNotFound},
		{"canceled", context.Canceled, ErrTransient},
		{"deadline", context.DeadlineExceeded, ErrTransient},
		{"unknown", errors.New("boom"), ErrTransient},
		{"upload", ErrUpload, ErrUpload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Kind(tc.err))
		})
	}
	assert.Nil(t, Kind(nil))
}

func TestWrapKeepsKindAndRetags(t *testing.T) {
	base := Wrap("commit", "", fmt.Errorf("row gone: %w", ErrNotFound))
	err := Wrap("edit", "m1", base)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "edit", re.Op)
	assert.Equal(t, "m1", re.MessageID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Retryable(err))
	assert.True(t, Retryable(Wrap("send", "m2", errors.New("reset"))))
	assert.Nil(t, Wrap("x", "", nil))
}

func TestMemoryStreamWatchSnapshotNewestFirst(t *testing.T) {
	s := newTestStream(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Seed(models.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c1", SenderID: "bob", Body: models.Body{Text: "x"}, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	rec := &recorder{}
	sub, err := s.Watch(context.Background(), "c1", 3, rec.handlers())
	require.NoError(t, err)
	defer sub.Stop()

	calls := rec.all()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 3)
	assert.Equal(t, "m4", calls[0][0].Doc.ID)
	assert.Equal(t, "m2", calls[0][2].Doc.ID)
	assert.Equal(t, ChangeAdded, calls[0][0].Type)
}

func TestMemoryStreamCommitDeliversDeltas(t *testing.T) {
	s := newTestStream(t)
	rec := &recorder{}
	sub, err := s.Watch(context.Background(), "c1", 25, rec.handlers())
	require.NoError(t, err)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: models.Body{Text: "hi"}, Pending: true}
	require.NoError(t, s.Commit(context.Background(), NewBatch(PutMessage(msg), SetPreview("c1", "m1", models.PreviewOf(msg)))))

	calls := rec.all()
	require.Len(t, calls, 2)
	require.Len(t, calls[1], 1)
	got, err := models.DecodeMessage("m1", calls[1][0].Doc.Data)
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.Pending)

	conv, err := s.Conversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", conv.Preview.Text)
	assert.True(t, conv.Preview.UnreadForOther)
	require.NotNil(t, conv.Preview.Timestamp)
	assert.True(t, conv.Preview.Timestamp.Equal(got.CreatedAt))

	// put is insert-if-absent
	require.NoError(t, s.Commit(context.Background(), NewBatch(PutMessage(msg))))
	assert.Len(t, rec.all(), 2)

	sub.Stop()
	sub.Stop()
	require.NoError(t, s.Commit(context.Background(), NewBatch(DeleteMessage("c1", "m1"))))
	assert.Len(t, rec.all(), 2, "stopped subscriptions receive nothing")
}

func TestMemoryStreamCommitIsAtomic(t *testing.T) {
	s := newTestStream(t)
	s.Seed(models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: models.Body{Text: "a"}})

	err := s.Commit(context.Background(), NewBatch(
		UpdateMessage("c1", "m1", MessagePatch{Text: StringPtr("changed")}),
		UpdateMessage("c1", "missing", MessagePatch{Text: StringPtr("x")}),
	))
	assert.ErrorIs(t, err, ErrNotFound)

	m, ok := s.Message("c1", "m1")
	require.True(t, ok)
	assert.Equal(t, "a", m.Body.Text)
	assert.Empty(t, s.Commits())
}

func TestMemoryStreamCommitHookAndLimit(t *testing.T) {
	s := newTestStream(t)
	s.SetMaxBatchSize(2)
	ops := []Op{ClearPreview("c1"), ClearPreview("c1"), ClearPreview("c1")}
	assert.Error(t, s.Commit(context.Background(), NewBatch(ops...)))

	s.SetCommitHook(func(*Batch) error { return Wrap("commit", "", ErrTransient) })
	err := s.Commit(context.Background(), NewBatch(ClearPreview("c1")))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Empty(t, s.Commits())
}

func TestMemoryStreamPageAndReplies(t *testing.T) {
	s := newTestStream(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		m := models.Message{ID: fmt.Sprintf("m%02d", i), ConversationID: "c1", SenderID: "bob", Body: models.Body{Text: "x"}, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if i%3 == 0 && i > 0 {
			m.ReplyTo = &models.ReplyRef{TargetID: "m00", Text: "x", SenderName: "Bob"}
		}
		s.Seed(m)
	}

	docs, err := s.Page(context.Background(), "c1", Cursor{CreatedAt: base.Add(5 * time.Minute), ID: "m05"}, 3)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"m04", "m03", "m02"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})

	ids, err := s.ListReplies(context.Background(), "c1", "m00")
	require.NoError(t, err)
	assert.Equal(t, []string{"m03", "m06", "m09"}, ids)
}

func TestMemoryStreamMarkConversationReadIsConditional(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()
	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Body: models.Body{Text: "yo"}}
	require.NoError(t, s.Commit(ctx, NewBatch(PutMessage(msg), SetPreview("c1", "m1", models.PreviewOf(msg)))))

	require.NoError(t, s.Commit(ctx, NewBatch(MarkConversationRead("c1", "bob"))))
	conv, _ := s.Conversation(ctx, "c1")
	assert.True(t, conv.Preview.UnreadForOther, "the sender cannot clear their own unread flag")

	require.NoError(t, s.Commit(ctx, NewBatch(MarkConversationRead("c1", "alice"))))
	conv, _ = s.Conversation(ctx, "c1")
	assert.False(t, conv.Preview.UnreadForOther)
}

func TestMemoryStreamConversationLifecycle(t *testing.T) {
	s := NewMemoryStream()
	ctx := context.Background()
	alice := models.Participant{ID: "alice", DisplayName: "Alice"}
	bob := models.Participant{ID: "bob", DisplayName: "Bob"}

	first, err := s.CreateOrGetConversation(ctx, alice, bob)
	require.NoError(t, err)
	again, err := s.CreateOrGetConversation(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	list, err := s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	rec := &recorder{}
	s.Seed(models.Message{ID: "m1", ConversationID: first.ID, SenderID: "bob", Body: models.Body{Text: "x"}})
	_, err = s.Watch(ctx, first.ID, 25, rec.handlers())
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, first.ID))
	calls := rec.all()
	require.Len(t, calls, 2)
	assert.Equal(t, ChangeRemoved, calls[1][0].Type)
	_, err = s.Conversation(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeParticipants(t *testing.T) {
	got, err := NormalizeParticipants([]string{"bob", " alice ", "bob", "", "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, got)

	_, err = NormalizeParticipants([]string{"", "  "})
	require.ErrorIs(t, err, ErrNoParticipants)
}

func TestFindOrCreateReturnsExisting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.FindOrCreate(ctx, []string{"alice", "bob"}, "job-1")
	require.NoError(t, err)

	// Same set, different order and a duplicate entry: same conversation.
	second, err := store.FindOrCreate(ctx, []string{"bob", "alice", "bob"}, "job-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// Different context: a new thread.
	third, err := store.FindOrCreate(ctx, []string{"alice", "bob"}, "job-2")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func TestParticipantSetNeverHoldsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.FindOrCreate(ctx, []string{"alice", "alice", "bob", "bob"}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, conv.Participants)
}

func TestRecordMessageUpdatesUnreadCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.FindOrCreate(ctx, []string{"alice", "bob", "carol"}, "job-1")
	require.NoError(t, err)

	msg, err := store.RecordMessage(ctx, conv.ID, "alice", "hello there")
	require.NoError(t, err)
	require.Equal(t, "alice", msg.SenderID)

	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "hello there", got.LastMessage)
	require.Equal(t, 0, got.UnreadCounts["alice"])
	require.Equal(t, 1, got.UnreadCounts["bob"])
	require.Equal(t, 1, got.UnreadCounts["carol"])

	_, err = store.RecordMessage(ctx, conv.ID, "bob", "hi alice")
	require.NoError(t, err)

	got, err = store.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.UnreadCounts["alice"])
	require.Equal(t, 1, got.UnreadCounts["bob"])
	require.Equal(t, 2, got.UnreadCounts["carol"])
}

func TestRecordMessageRejectsOutsider(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.FindOrCreate(ctx, []string{"alice", "bob"}, "")
	require.NoError(t, err)
	_, err = store.RecordMessage(ctx, conv.ID, "alice", "hello")
	require.NoError(t, err)

	before, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)

	_, err = store.RecordMessage(ctx, conv.ID, "mallory", "let me in")
	require.ErrorIs(t, err, ErrNotAParticipant)

	after, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, before.LastMessage, after.LastMessage)
	require.Equal(t, before.UnreadCounts, after.UnreadCounts)

	msgs, err := store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.FindOrCreate(ctx, []string{"alice", "bob"}, "")
	require.NoError(t, err)
	_, err = store.RecordMessage(ctx, conv.ID, "alice", "ping")
	require.NoError(t, err)

	require.NoError(t, store.MarkRead(ctx, conv.ID, "bob"))
	require.NoError(t, store.MarkRead(ctx, conv.ID, "bob"))

	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.UnreadCounts["bob"])
}

func TestRecordMessageValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conv, err := store.FindOrCreate(ctx, []string{"alice", "bob"}, "")
	require.NoError(t, err)

	_, err = store.RecordMessage(ctx, conv.ID, "alice", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = store.RecordMessage(ctx, "missing", "alice", "hello")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListByParticipant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a, err := store.FindOrCreate(ctx, []string{"alice", "bob"}, "job-1")
	require.NoError(t, err)
	_, err = store.FindOrCreate(ctx, []string{"bob", "carol"}, "job-2")
	require.NoError(t, err)

	list, err := store.ListByParticipant(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, a.ID, list[0].ID)

	list, err = store.ListByParticipant(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

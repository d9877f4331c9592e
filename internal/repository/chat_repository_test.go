package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/testutil"
)

func text(room, sender, body string, at time.Time) *db.Message {
	return &db.Message{RoomID: room, SenderID: sender, Type: db.MessageText, Content: &body, SentAt: at}
}

func TestUpsertChatRoom_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewChatRepository(testutil.DB(t))

	a, err := repo.UpsertChatRoom(ctx, "u2", "u1")
	require.NoError(t, err)
	b, err := repo.UpsertChatRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, repository.RoomIDFor("u1", "u2"), a.ID)
	assert.Equal(t, "u1", a.Participant1ID)
	assert.Equal(t, "u2", a.Participant2ID)
}

func TestMessages_OldestFirstWithOffsetFromNewest(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewChatRepository(testutil.DB(t))
	room, err := repo.UpsertChatRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, body := range []string{"A", "B", "C", "D"} {
		require.NoError(t, repo.AppendMessage(ctx, text(room.ID, "u1", body, base.Add(time.Duration(i)*time.Millisecond))))
	}

	latest, err := repo.GetMessagesByRoom(ctx, room.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "C", *latest[0].Content)
	assert.Equal(t, "D", *latest[1].Content)

	older, err := repo.GetMessagesByRoom(ctx, room.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "A", *older[0].Content)

	last, err := repo.LastSentAt(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, last.Equal(base.Add(3*time.Millisecond)))
}

func TestMessages_SameInstantOrderedByID(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewChatRepository(testutil.DB(t))
	room, err := repo.UpsertChatRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	at := time.Now().UTC()
	require.NoError(t, repo.AppendMessage(ctx, text(room.ID, "u1", "A", at)))
	require.NoError(t, repo.AppendMessage(ctx, text(room.ID, "u1", "B", at)))

	got, err := repo.GetMessagesByRoom(ctx, room.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", *got[0].Content)
	assert.Equal(t, "B", *got[1].Content)
}

func TestMarkReadAndClear(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewChatRepository(testutil.DB(t))
	room, err := repo.UpsertChatRoom(ctx, "u1", "u2")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, repo.AppendMessage(ctx, text(room.ID, "u1", "hi", now)))
	require.NoError(t, repo.AppendMessage(ctx, text(room.ID, "u2", "hey", now.Add(time.Millisecond))))
	require.NoError(t, repo.AppendMessage(ctx, text(room.ID, "u1", "how are you", now.Add(2*time.Millisecond))))

	n, err := repo.MarkRead(ctx, room.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.ClearMessages(ctx, room.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.ClearMessages(ctx, room.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := repo.GetMessagesByRoom(ctx, room.ID, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

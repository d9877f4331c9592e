package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/testutil"
)

func TestCreateMatch_CanonicalOrder(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(testutil.DB(t))

	m, err := repo.CreateMatch(ctx, "u2", "u1", 0.67, db.MatchPending)
	require.NoError(t, err)
	assert.Equal(t, "u1", m.User1ID)
	assert.Equal(t, "u2", m.User2ID)
	require.NotNil(t, m.PendingKey)
	assert.Equal(t, "u1:u2", *m.PendingKey)
}

func TestCreateMatch_OnePendingPerPair(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(testutil.DB(t))

	_, err := repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchPending)
	require.NoError(t, err)

	_, err = repo.CreateMatch(ctx, "u2", "u1", 0.5, db.MatchPending)
	assert.ErrorIs(t, err, svcErr.ErrDuplicatePending)
	assert.ErrorIs(t, err, svcErr.ErrConflict)

	// non-pending matches never collide
	_, err = repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchAccepted)
	assert.NoError(t, err)
}

func TestCreateMatch_ConcurrentProposals(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(testutil.DB(t))

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.CreateMatch(ctx, "a", "b", 0.4, db.MatchPending); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestTransitionMatch_CAS(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(testutil.DB(t))

	m, err := repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchPending)
	require.NoError(t, err)

	declined, err := repo.TransitionMatch(ctx, m.ID, db.MatchPending, db.MatchDeclined)
	require.NoError(t, err)
	assert.Equal(t, db.MatchDeclined, declined.Status)
	assert.Nil(t, declined.PendingKey)
	assert.NotNil(t, declined.RespondedAt)

	_, err = repo.TransitionMatch(ctx, m.ID, db.MatchPending, db.MatchAccepted)
	assert.ErrorIs(t, err, svcErr.ErrStale)

	_, err = repo.TransitionMatch(ctx, "missing", db.MatchPending, db.MatchAccepted)
	assert.ErrorIs(t, err, svcErr.ErrNotFound)

	// the pair is free for a new proposal once the old one left PENDING
	_, err = repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchPending)
	assert.NoError(t, err)
}

func TestMarkAccepted(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(testutil.DB(t))

	m, err := repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchPending)
	require.NoError(t, err)

	m, err = repo.MarkAccepted(ctx, m, "u2")
	require.NoError(t, err)
	assert.False(t, m.User1Accepted)
	assert.True(t, m.User2Accepted)

	// idempotent for the same user
	again, err := repo.MarkAccepted(ctx, m, "u2")
	require.NoError(t, err)
	assert.True(t, again.User2Accepted)

	_, err = repo.TransitionMatch(ctx, m.ID, db.MatchPending, db.MatchExpired)
	require.NoError(t, err)
	_, err = repo.MarkAccepted(ctx, m, "u1")
	assert.ErrorIs(t, err, svcErr.ErrStale)
}

func TestListPendingFor_OldestFirst(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.DB(t)
	repo := repository.NewMatchRepository(gdb)

	older, err := repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchPending)
	require.NoError(t, err)
	require.NoError(t, gdb.Model(older).Update("created_at", time.Now().UTC().Add(-time.Minute)).Error)
	newer, err := repo.CreateMatch(ctx, "u3", "u1", 0.5, db.MatchPending)
	require.NoError(t, err)
	_, err = repo.CreateMatch(ctx, "u3", "u4", 0.5, db.MatchPending)
	require.NoError(t, err)

	got, err := repo.ListPendingFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older.ID, got[0].ID)
	assert.Equal(t, newer.ID, got[1].ID)
}

func TestDeclinedPairsSince(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.DB(t)
	repo := repository.NewMatchRepository(gdb)

	m, err := repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchPending)
	require.NoError(t, err)
	_, err = repo.TransitionMatch(ctx, m.ID, db.MatchPending, db.MatchDeclined)
	require.NoError(t, err)

	old, err := repo.CreateMatch(ctx, "u1", "u3", 0.5, db.MatchPending)
	require.NoError(t, err)
	_, err = repo.TransitionMatch(ctx, old.ID, db.MatchPending, db.MatchDeclined)
	require.NoError(t, err)
	require.NoError(t, gdb.Model(&db.Match{}).Where("id = ?", old.ID).
		Update("updated_at", time.Now().UTC().Add(-48*time.Hour)).Error)

	pairs, err := repo.DeclinedPairsSince(ctx, []string{"u1"}, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, pairs["u1:u2"])
	assert.False(t, pairs["u1:u3"])
}

func TestAcceptedPairs(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMatchRepository(testutil.DB(t))

	_, err := repo.CreateMatch(ctx, "u1", "u2", 1, db.MatchAccepted)
	require.NoError(t, err)
	_, err = repo.CreateMatch(ctx, "u1", "u3", 0.5, db.MatchPending)
	require.NoError(t, err)
	gone, err := repo.CreateMatch(ctx, "u4", "u1", 1, db.MatchAccepted)
	require.NoError(t, err)
	_, err = repo.TransitionMatch(ctx, gone.ID, db.MatchAccepted, db.MatchDeclined)
	require.NoError(t, err)

	pairs, err := repo.AcceptedPairs(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u1:u2": true}, pairs)

	none, err := repo.AcceptedPairs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListExpiredPending(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.DB(t)
	repo := repository.NewMatchRepository(gdb)

	stale, err := repo.CreateMatch(ctx, "u1", "u2", 0.5, db.MatchPending)
	require.NoError(t, err)
	require.NoError(t, gdb.Model(stale).Update("created_at", time.Now().UTC().Add(-3*time.Minute)).Error)
	_, err = repo.CreateMatch(ctx, "u3", "u4", 0.5, db.MatchPending)
	require.NoError(t, err)

	got, err := repo.ListExpiredPending(ctx, time.Now().UTC().Add(-2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/matchcore/internal/db"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/testutil"
)

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.DB(t)
	repo := repository.NewUserRepository(gdb)

	age := 27
	require.NoError(t, repo.Upsert(ctx, &db.UserRef{ID: "u1", DisplayName: "Ann", Age: &age, Interests: []string{"coffee"}}))
	require.NoError(t, repo.Upsert(ctx, &db.UserRef{ID: "u1", DisplayName: "Ann B", Age: &age, Interests: []string{"coffee", "travel"}, IsPhotoVerified: true}))

	u, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann B", u.DisplayName)
	assert.True(t, u.IsPhotoVerified)
	assert.ElementsMatch(t, []string{"coffee", "travel"}, u.Interests)

	_, err = repo.Get(ctx, "ghost")
	assert.ErrorIs(t, err, svcErr.ErrNotFound)

	many, err := repo.GetMany(ctx, []string{"u1", "ghost"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
}

func TestConnectionRepository(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewConnectionRepository(testutil.DB(t))

	require.NoError(t, repo.Ensure(ctx, "u2", "u1", nil))
	require.NoError(t, repo.Ensure(ctx, "u1", "u2", nil))

	list, err := repo.ListFor(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u1", list[0].User1ID)

	got, err := repo.Get(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, got.ID)

	n, err := repo.DeletePair(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestActivityAndReports(t *testing.T) {
	ctx := context.Background()
	gdb := testutil.DB(t)
	activity := repository.NewActivityRepository(gdb)
	reports := repository.NewReportRepository(gdb)

	require.NoError(t, activity.Append(ctx,
		db.ActivityEvent{UserID: "u1", Kind: db.ActivityCallStarted, PeerID: "u2", RefID: "s1"},
		db.ActivityEvent{UserID: "u2", Kind: db.ActivityCallStarted, PeerID: "u1", RefID: "s1"},
	))
	events, err := activity.ListFor(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, db.ActivityCallStarted, events[0].Kind)

	rep := &db.Report{ReporterID: "u1", ReportedUserID: "u2", Reason: "SPAM", Description: "sent links all day"}
	require.NoError(t, reports.CreateReport(ctx, rep))
	assert.Equal(t, db.ReportOpen, rep.Status)
	list, err := reports.ListByReporter(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestQueueRepository(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewQueueRepository(testutil.DB(t))

	now := time.Now().UTC()
	prefs := db.QueuePreferences{AgeRange: db.AgeRange{Min: 25, Max: 35}, GenderPreference: db.GenderAny, MaxDistanceKm: 50}
	require.NoError(t, repo.Save(ctx, &db.QueueEntry{UserID: "u1", Status: db.QueueWaiting, Preferences: prefs, EnqueuedAt: now, LastSeenAt: now}))
	require.NoError(t, repo.Save(ctx, &db.QueueEntry{UserID: "u2", Status: db.QueueWaiting, Preferences: prefs, EnqueuedAt: now.Add(time.Second), LastSeenAt: now}))

	// re-saving replaces the entry instead of adding a second one
	prefs.MaxDistanceKm = 10
	require.NoError(t, repo.Save(ctx, &db.QueueEntry{UserID: "u1", Status: db.QueueWaiting, Preferences: prefs, EnqueuedAt: now.Add(2 * time.Second), LastSeenAt: now}))

	waiting, err := repo.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "u2", waiting[0].UserID)
	assert.Equal(t, 10, waiting[1].Preferences.MaxDistanceKm)

	require.NoError(t, repo.SetStatus(ctx, db.QueueMatched, "u1", "u2"))
	waiting, err = repo.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	e, found, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, db.QueueMatched, e.Status)

	_, found, err = repo.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

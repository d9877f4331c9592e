package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/notify"
	"github.com/oggyb/matchcore/internal/presence"
	"github.com/oggyb/matchcore/internal/queue"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/testutil"
)

type pushLog struct {
	mu     sync.Mutex
	frames map[string][]presence.Frame
}

func (p *pushLog) FanoutToUser(userID string, f presence.Frame) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[userID] = append(p.frames[userID], f)
	return 1
}

type harness struct {
	db      *gorm.DB
	queue   *queue.Queue
	matcher *Matcher
	matches *repository.MatchRepository
	notes   *repository.NotificationRepository
	pushed  *pushLog
}

func setup(t *testing.T) *harness {
	t.Helper()
	gdb := testutil.DB(t)
	rc, _ := testutil.Redis(t)
	log := testutil.Logger()

	users := repository.NewUserRepository(gdb)
	matches := repository.NewMatchRepository(gdb)
	notes := repository.NewNotificationRepository(gdb)
	pushed := &pushLog{frames: map[string][]presence.Frame{}}

	q := queue.New(log, repository.NewQueueRepository(gdb), users, rc, 90*time.Second)
	m := New(log, q, users, matches, repository.NewSessionRepository(gdb), rc,
		notify.New(log, notes, pushed), Options{})
	return &harness{db: gdb, queue: q, matcher: m, matches: matches, notes: notes, pushed: pushed}
}

func workedExampleUsers(t *testing.T, gdb *gorm.DB) {
	testutil.SeedUsers(t, gdb,
		testutil.User{ID: "u1", Name: "Ali", Age: 27, Gender: db.GenderMan, Interests: []string{"coffee", "travel"}},
		testutil.User{ID: "u2", Name: "Sara", Age: 29, Gender: db.GenderWoman, Interests: []string{"travel", "music"}},
	)
}

func anyPrefs() db.QueuePreferences {
	return db.QueuePreferences{
		AgeRange:         db.AgeRange{Min: 25, Max: 35},
		GenderPreference: db.GenderAny,
		MaxDistanceKm:    100,
		Interests:        []string{"travel"},
	}
}

func TestTick_ProposesAndNotifiesBoth(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	workedExampleUsers(t, h.db)

	_, err := h.queue.Enqueue(ctx, "u1", anyPrefs())
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, "u2", anyPrefs())
	require.NoError(t, err)

	proposed, err := h.matcher.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, proposed, 1)
	m := proposed[0]
	assert.Equal(t, db.MatchPending, m.Status)
	assert.InDelta(t, 0.6667, m.TotalScore, 0.001)

	for _, pair := range [][2]string{{"u1", "Sara"}, {"u2", "Ali"}} {
		n, err := h.notes.Get(ctx, db.NotifyNewMatch, m.ID, pair[0])
		require.NoError(t, err)
		assert.Equal(t, m.ID, n.Data["matchId"])
		assert.Equal(t, pair[1], n.Data["partnerName"])
		assert.Equal(t, false, n.Data["matchActionTaken"])
		require.Len(t, h.pushed.frames[pair[0]], 1)
		assert.Equal(t, notify.EventMatchFound, h.pushed.frames[pair[0]][0].Event)
	}

	st, err := h.queue.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, db.QueueMatched, st.State)

	again, err := h.matcher.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "matched users are no longer waiting")
}

func TestTick_DeclineCooldown(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	workedExampleUsers(t, h.db)

	first, err := h.matches.CreateMatch(ctx, "u1", "u2", 0.6, db.MatchPending)
	require.NoError(t, err)
	_, err = h.matches.TransitionMatch(ctx, first.ID, db.MatchPending, db.MatchDeclined)
	require.NoError(t, err)

	_, err = h.queue.Enqueue(ctx, "u1", anyPrefs())
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, "u2", anyPrefs())
	require.NoError(t, err)

	proposed, err := h.matcher.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, proposed)
	assert.True(t, h.queue.IsWaiting("u1"))

	// a day later the pair is eligible again
	h.matcher.SetClock(func() time.Time { return time.Now().UTC().Add(25 * time.Hour) })
	proposed, err = h.matcher.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, proposed, 1)
}

func TestTick_ExistingPendingReleasesBoth(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	workedExampleUsers(t, h.db)

	_, err := h.matches.CreateMatch(ctx, "u1", "u2", 0.6, db.MatchPending)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, "u1", anyPrefs())
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, "u2", anyPrefs())
	require.NoError(t, err)

	proposed, err := h.matcher.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, proposed)
	assert.True(t, h.queue.IsWaiting("u1"))
	assert.True(t, h.queue.IsWaiting("u2"))

	var count int64
	require.NoError(t, h.db.Model(&db.Match{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestTick_IncompatibleStayWaiting(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	testutil.SeedUsers(t, h.db,
		testutil.User{ID: "a", Age: 22},
		testutil.User{ID: "b", Age: 50},
	)
	_, err := h.queue.Enqueue(ctx, "a", anyPrefs())
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, "b", anyPrefs())
	require.NoError(t, err)

	proposed, err := h.matcher.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, proposed)
}

func TestRun_KickTriggersTick(t *testing.T) {
	h := setup(t)
	workedExampleUsers(t, h.db)
	h.matcher.opts.Tick = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.matcher.Run(ctx)
		close(done)
	}()

	_, err := h.queue.Enqueue(context.Background(), "u1", anyPrefs())
	require.NoError(t, err)
	_, err = h.queue.Enqueue(context.Background(), "u2", anyPrefs())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		pending, err := h.matches.ListPendingFor(context.Background(), "u1")
		return err == nil && len(pending) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

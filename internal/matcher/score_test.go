package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oggyb/matchcore/internal/db"
)

func ptr[T any](v T) *T { return &v }

func prefs(lo, hi int, gender string, km int, interests ...string) db.QueuePreferences {
	return db.QueuePreferences{
		AgeRange:         db.AgeRange{Min: lo, Max: hi},
		GenderPreference: gender,
		MaxDistanceKm:    km,
		Interests:        interests,
	}
}

func TestScore_WorkedExample(t *testing.T) {
	p := prefs(25, 35, db.GenderAny, 100, "travel")
	u1 := Candidate{UserID: "u1", Prefs: p, Age: ptr(27), Gender: ptr(db.GenderMan),
		Interests: []string{"coffee", "travel", "travel"}}
	u2 := Candidate{UserID: "u2", Prefs: p, Age: ptr(29), Gender: ptr(db.GenderWoman),
		Interests: []string{"travel", "music", "travel"}}

	assert.True(t, Compatible(u1, u2))
	assert.InDelta(t, 0.5*(1.0/3)+0.3+0.2, Score(u1, u2), 1e-9)
	assert.InDelta(t, Score(u1, u2), Score(u2, u1), 1e-12)
}

func TestCompatible_Gating(t *testing.T) {
	base := Candidate{UserID: "a", Prefs: prefs(25, 35, db.GenderAny, 50), Age: ptr(30), Gender: ptr(db.GenderMan)}

	tooOld := Candidate{UserID: "b", Prefs: prefs(18, 99, db.GenderAny, 50), Age: ptr(40)}
	assert.False(t, Compatible(base, tooOld), "age outside the viewer's range")

	unknownAge := Candidate{UserID: "c", Prefs: prefs(18, 99, db.GenderAny, 50)}
	assert.True(t, Compatible(base, unknownAge), "unknown age counts as in range")

	picky := Candidate{UserID: "d", Prefs: prefs(18, 99, db.GenderWoman, 50), Age: ptr(30)}
	assert.False(t, Compatible(base, picky), "the other side's gender preference gates too")

	noGender := Candidate{UserID: "e", Prefs: prefs(18, 99, db.GenderAny, 50), Age: ptr(30)}
	strict := base
	strict.Prefs.GenderPreference = db.GenderWoman
	assert.False(t, Compatible(strict, noGender))
}

func TestCompatible_Distance(t *testing.T) {
	// Berlin and Hamburg are roughly 255 km apart.
	berlin := Candidate{UserID: "a", Prefs: prefs(18, 99, db.GenderAny, 100)}
	berlin.Prefs.Location = ptr("52.52,13.405")
	hamburg := Candidate{UserID: "b", Prefs: prefs(18, 99, db.GenderAny, 100)}
	hamburg.Prefs.Location = ptr("53.551, 9.993")
	assert.False(t, Compatible(berlin, hamburg))

	berlin.Prefs.MaxDistanceKm, hamburg.Prefs.MaxDistanceKm = 300, 300
	assert.True(t, Compatible(berlin, hamburg))
	aff := distanceAffinity(berlin, hamburg)
	assert.Greater(t, aff, 0.1)
	assert.Less(t, aff, 0.2)

	freeform := hamburg
	freeform.Prefs.Location = ptr("somewhere near the sea")
	freeform.Prefs.MaxDistanceKm = 1
	assert.True(t, Compatible(berlin, freeform), "unresolvable locations ignore distance")
	assert.Equal(t, 1.0, distanceAffinity(berlin, freeform))
}

func TestParseLocation(t *testing.T) {
	lat, lng, ok := ParseLocation(ptr(" -33.86 , 151.21 "))
	assert.True(t, ok)
	assert.InDelta(t, -33.86, lat, 1e-9)
	assert.InDelta(t, 151.21, lng, 1e-9)

	for _, s := range []string{"", "London", "1,2,3", "91,0", "0,181"} {
		_, _, ok := ParseLocation(ptr(s))
		assert.False(t, ok, s)
	}
	_, _, ok = ParseLocation(nil)
	assert.False(t, ok)
}

func TestPrefOverlap(t *testing.T) {
	same := prefs(25, 35, db.GenderAny, 100)
	assert.InDelta(t, 1.0, prefOverlap(same, same), 1e-9)

	disjoint := prefs(40, 50, db.GenderWoman, 50)
	assert.InDelta(t, 0.25*0.5, prefOverlap(same, disjoint), 1e-9)
}

func TestPairGreedy_OldestFirstBestScore(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := prefs(18, 99, db.GenderAny, 100)
	a := Candidate{UserID: "a", Prefs: p, EnqueuedAt: t0, Interests: []string{"x"}}
	b := Candidate{UserID: "b", Prefs: p, EnqueuedAt: t0.Add(time.Second), Interests: []string{"y"}}
	c := Candidate{UserID: "c", Prefs: p, EnqueuedAt: t0.Add(2 * time.Second), Interests: []string{"x"}}
	d := Candidate{UserID: "d", Prefs: p, EnqueuedAt: t0.Add(3 * time.Second), Interests: []string{"y"}}

	pairs := PairGreedy([]Candidate{d, c, b, a}, nil)
	assert.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0].A.UserID)
	assert.Equal(t, "c", pairs[0].B.UserID, "a takes its highest scoring partner")
	assert.Equal(t, "b", pairs[1].A.UserID)
	assert.Equal(t, "d", pairs[1].B.UserID)
}

func TestPairGreedy_TieGoesToOlderPartner(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := prefs(18, 99, db.GenderAny, 100)
	a := Candidate{UserID: "a", Prefs: p, EnqueuedAt: t0}
	b := Candidate{UserID: "b", Prefs: p, EnqueuedAt: t0.Add(2 * time.Second)}
	c := Candidate{UserID: "c", Prefs: p, EnqueuedAt: t0.Add(time.Second)}

	pairs := PairGreedy([]Candidate{a, b, c}, nil)
	assert.Len(t, pairs, 1)
	assert.Equal(t, "c", pairs[0].B.UserID)
}

func TestPairGreedy_Blocked(t *testing.T) {
	p := prefs(18, 99, db.GenderAny, 100)
	a := Candidate{UserID: "a", Prefs: p}
	b := Candidate{UserID: "b", Prefs: p}

	pairs := PairGreedy([]Candidate{a, b}, func(x, y string) bool { return db.PairKey(x, y) == "a:b" })
	assert.Empty(t, pairs)
}

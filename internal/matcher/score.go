package matcher

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oggyb/matchcore/internal/db"
)

const (
	weightInterests = 0.5
	weightDistance  = 0.3
	weightPrefs     = 0.2

	earthRadiusKm = 6371.0
)

// Candidate is a waiter joined with the user reference fields scoring needs.
type Candidate struct {
	UserID     string
	Prefs      db.QueuePreferences
	EnqueuedAt time.Time
	Age        *int
	Gender     *string
	// Interests is the union of profile and preference interests.
	Interests []string
}

// Compatible reports whether a and b accept each other. Both points of view are checked.
func Compatible(a, b Candidate) bool {
	return accepts(a, b) && accepts(b, a)
}

func accepts(viewer, other Candidate) bool {
	if other.Age != nil {
		if *other.Age < viewer.Prefs.AgeRange.Min || *other.Age > viewer.Prefs.AgeRange.Max {
			return false
		}
	}
	if pref := viewer.Prefs.GenderPreference; pref != "" && pref != db.GenderAny {
		if other.Gender == nil || *other.Gender != pref {
			return false
		}
	}
	if d, ok := distanceKm(viewer.Prefs.Location, other.Prefs.Location); ok {
		if d > float64(viewer.Prefs.MaxDistanceKm) {
			return false
		}
	}
	return true
}

// Score = 0.5·interests + 0.3·distanceAffinity + 0.2·prefOverlap, bounded to [0,1].
func Score(a, b Candidate) float64 {
	s := weightInterests*interestSimilarity(a.Interests, b.Interests) +
		weightDistance*distanceAffinity(a, b) +
		weightPrefs*prefOverlap(a.Prefs, b.Prefs)
	return math.Max(0, math.Min(1, s))
}

// interestSimilarity is |A∩B| / max(|A∪B|, 1), case-insensitive.
func interestSimilarity(a, b []string) float64 {
	setA := normalise(a)
	setB := normalise(b)
	union := len(setA)
	inter := 0
	for k := range setB {
		if _, ok := setA[k]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		union = 1
	}
	return float64(inter) / float64(union)
}

// distanceAffinity is 1 - d/min(maxA, maxB) when both locations resolve, else 1.
func distanceAffinity(a, b Candidate) float64 {
	d, ok := distanceKm(a.Prefs.Location, b.Prefs.Location)
	if !ok {
		return 1
	}
	limit := math.Min(float64(a.Prefs.MaxDistanceKm), float64(b.Prefs.MaxDistanceKm))
	if limit <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, 1-d/limit))
}

// prefOverlap measures how alike the two requests are: age-range overlap
// (Jaccard over the integer ranges), equal gender preference and the ratio of
// the distance limits.
func prefOverlap(a, b db.QueuePreferences) float64 {
	lo := max(a.AgeRange.Min, b.AgeRange.Min)
	hi := min(a.AgeRange.Max, b.AgeRange.Max)
	var age float64
	if hi >= lo {
		inter := hi - lo + 1
		union := (a.AgeRange.Max - a.AgeRange.Min + 1) + (b.AgeRange.Max - b.AgeRange.Min + 1) - inter
		if union > 0 {
			age = float64(inter) / float64(union)
		}
	}

	var gender float64
	if a.GenderPreference == b.GenderPreference {
		gender = 1
	}

	var dist float64
	if hiKm := max(a.MaxDistanceKm, b.MaxDistanceKm); hiKm > 0 {
		dist = float64(min(a.MaxDistanceKm, b.MaxDistanceKm)) / float64(hiKm)
	}
	return 0.5*age + 0.25*gender + 0.25*dist
}

// ParseLocation resolves "lat,lng" in decimal degrees. Anything else is unresolvable.
func ParseLocation(s *string) (lat, lng float64, ok bool) {
	if s == nil {
		return 0, 0, false
	}
	parts := strings.Split(*s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, false
	}
	return lat, lng, true
}

func distanceKm(a, b *string) (float64, bool) {
	lat1, lng1, ok1 := ParseLocation(a)
	lat2, lng2, ok2 := ParseLocation(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	return haversine(lat1, lng1, lat2, lng2), true
}

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func normalise(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// Pair is a proposed pairing with its score.
type Pair struct {
	A, B  Candidate
	Score float64
}

// PairGreedy walks waiters oldest first and gives each the highest scoring
// compatible partner still free.
//
// Behavior:
//   - Ties on score go to the pair with the smaller sum of enqueuedAt, then
//     the lexically smaller partner id, so results are deterministic.
//   - blocked(a, b) removes a pair from consideration (decline cooldown).
//   - Each user appears in at most one pair per call.
func PairGreedy(cands []Candidate, blocked func(a, b string) bool) []Pair {
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].EnqueuedAt.Equal(sorted[j].EnqueuedAt) {
			return sorted[i].EnqueuedAt.Before(sorted[j].EnqueuedAt)
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	taken := make(map[string]bool, len(sorted))
	var pairs []Pair
	for i, a := range sorted {
		if taken[a.UserID] {
			continue
		}
		best := -1
		var bestScore float64
		for j, b := range sorted {
			if j == i || taken[b.UserID] || b.UserID == a.UserID {
				continue
			}
			if blocked != nil && blocked(a.UserID, b.UserID) {
				continue
			}
			if !Compatible(a, b) {
				continue
			}
			s := Score(a, b)
			if best < 0 || s > bestScore+1e-9 ||
				(math.Abs(s-bestScore) <= 1e-9 && better(b, sorted[best])) {
				best, bestScore = j, s
			}
		}
		if best < 0 {
			continue
		}
		taken[a.UserID], taken[sorted[best].UserID] = true, true
		pairs = append(pairs, Pair{A: a, B: sorted[best], Score: bestScore})
	}
	return pairs
}

// better breaks a score tie: for a fixed A, a smaller enqueuedAt sum means an older B.
func better(b, current Candidate) bool {
	if !b.EnqueuedAt.Equal(current.EnqueuedAt) {
		return b.EnqueuedAt.Before(current.EnqueuedAt)
	}
	return b.UserID < current.UserID
}

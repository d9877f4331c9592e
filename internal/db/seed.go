package db

import (
	"fmt"
	"math/rand/v2"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var seedInterests = []string{
	"coffee", "travel", "music", "hiking", "books", "cooking",
	"gaming", "art", "running", "movies", "yoga", "photography",
}

// SeedTestData resets the core tables and mirrors a set of demo users.
//
// Behavior:
//  1. Clears matches, sessions, chat, notifications and the queue.
//  2. Upserts 20 user references (user1..user20), alternating MAN/WOMAN,
//     aged 21-40, each with three to five interests.
//  3. Every user except user20 is photo-verified, so user20 exercises the
//     queue's admission check.
//
// Returns the seeded user ids.
func SeedTestData(db *gorm.DB) ([]string, error) {
	r := rand.New(rand.NewPCG(uint64(len(seedInterests)), 42))

	// --- Fresh start ---
	for _, m := range []any{
		&ActiveSessionGuard{}, &Message{}, &ChatRoom{}, &Session{}, &Match{},
		&Notification{}, &ActivityEvent{}, &Connection{}, &Report{}, &QueueEntry{},
	} {
		if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
			return nil, fmt.Errorf("failed to clear %T: %w", m, err)
		}
	}

	// --- Seed users ---
	ids := make([]string, 0, 20)
	for i := 1; i <= 20; i++ {
		gender := "MAN"
		if i%2 == 0 {
			gender = "WOMAN"
		}
		age := 21 + r.IntN(20)
		picked := r.Perm(len(seedInterests))[:3+r.IntN(3)]
		interests := make([]string, len(picked))
		for j, k := range picked {
			interests[j] = seedInterests[k]
		}

		u := UserRef{
			ID:              fmt.Sprintf("user%d", i),
			DisplayName:     fmt.Sprintf("User %d", i),
			Gender:          &gender,
			Age:             &age,
			Interests:       interests,
			IsPhotoVerified: i != 20,
		}
		err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&u).Error
		if err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", u.ID, err)
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// Package testutil spins up the in-memory stores shared by package tests.
package testutil

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oggyb/matchcore/internal/cache"
	"github.com/oggyb/matchcore/internal/db"
	applog "github.com/oggyb/matchcore/internal/logger"
)

// DB opens a private in-memory SQLite database with the full schema.
func DB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	// one connection: shared-cache SQLite serialises writers anyway
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(database))
	return database
}

// Redis starts a miniredis and returns a cache bound to it.
func Redis(t testing.TB) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

// Logger drops everything.
func Logger() *slog.Logger {
	return applog.Discard()
}

// User describes a seeded user reference.
type User struct {
	ID        string
	Name      string
	Age       int
	Gender    string
	Interests []string
	// Unverified users are refused by the queue.
	Unverified bool
}

// SeedUsers inserts user references.
func SeedUsers(t testing.TB, gdb *gorm.DB, users ...User) {
	t.Helper()
	for _, u := range users {
		ref := db.UserRef{
			ID:              u.ID,
			DisplayName:     u.Name,
			Interests:       u.Interests,
			IsPhotoVerified: !u.Unverified,
		}
		if ref.DisplayName == "" {
			ref.DisplayName = u.ID
		}
		if u.Age > 0 {
			age := u.Age
			ref.Age = &age
		}
		if u.Gender != "" {
			g := u.Gender
			ref.Gender = &g
		}
		require.NoError(t, gdb.Create(&ref).Error)
	}
}

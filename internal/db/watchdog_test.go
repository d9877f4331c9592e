package db

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Discard, TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return gdb
}

func TestWatch_StopsWithContext(t *testing.T) {
	gdb := openMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), gdb, 10*time.Millisecond, time.Second)
	assert.NoError(t, err)
}

func TestWatch_FailsAfterGrace(t *testing.T) {
	gdb := openMemory(t)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), gdb, 10*time.Millisecond, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
}

func TestSeedTestData(t *testing.T) {
	gdb := openMemory(t)
	require.NoError(t, Migrate(gdb))

	ids, err := SeedTestData(gdb)
	require.NoError(t, err)
	assert.Len(t, ids, 20)

	// idempotent: seeding twice keeps one row per user
	_, err = SeedTestData(gdb)
	require.NoError(t, err)
	var n int64
	require.NoError(t, gdb.Model(&UserRef{}).Count(&n).Error)
	assert.Equal(t, int64(20), n)

	var last UserRef
	require.NoError(t, gdb.First(&last, "id = ?", "user20").Error)
	assert.False(t, last.IsPhotoVerified)
}

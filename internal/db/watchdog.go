package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// Watch pings the store every interval. It returns an error once pings have
// failed without interruption for longer than grace, and nil when ctx ends.
func Watch(ctx context.Context, log *slog.Logger, database *gorm.DB, interval, grace time.Duration) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := sqlDB.PingContext(pingCtx)
			cancel()
			switch {
			case err == nil:
				if !downSince.IsZero() {
					log.Info("store reachable again", "down_for", now.Sub(downSince))
					downSince = time.Time{}
				}
			case ctx.Err() != nil:
				return nil
			case downSince.IsZero():
				downSince = now
				log.Warn("store unreachable", "err", err)
			case now.Sub(downSince) > grace:
				return fmt.Errorf("store unreachable for %s: %w", now.Sub(downSince).Round(time.Second), err)
			}
		}
	}
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/oggyb/matchcore/internal/auth"
	"github.com/oggyb/matchcore/internal/config"
	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/logger"
)

// seed mirrors demo users into the store and prints a dev token for each.
func main() {
	cfg := config.New()
	logger.InitFromConfig(cfg)
	log := logger.L()

	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		os.Exit(1)
	}

	ids, err := db.SeedTestData(database)
	if err != nil {
		log.Error("failed to seed", "err", err)
		os.Exit(1)
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	for _, id := range ids {
		token, err := verifier.Issue(id, 24*time.Hour)
		if err != nil {
			log.Error("failed to issue token", "user_id", id, "err", err)
			os.Exit(1)
		}
		fmt.Printf("%s\t%s\n", id, token)
	}
	log.Info("seeding completed", "users", len(ids))
}

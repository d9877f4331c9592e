package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App struct {
		ENV string
	}

	Log struct {
		Level     string
		Format    string
		Component string
		Source    bool
	}

	DB struct {
		Driver   string // mysql | postgres | sqlite
		DSN      string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		// GraceWindow is how long the store may stay unreachable before the process gives up.
		GraceWindow time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	GRPC struct {
		Host string
		Port string
	}

	HTTP struct {
		Addr           string
		AllowedOrigins []string
	}

	Auth struct {
		JWTSecret string
		Issuer    string
	}

	// Match holds the matchmaking and call-session knobs.
	Match struct {
		QueueTick          time.Duration
		ProposalTTL        time.Duration
		CallRing           time.Duration
		QueueHeartbeat     time.Duration
		NegotiationTTL     time.Duration
		DeclineCooldown    time.Duration
		DisconnectGrace    time.Duration
		PingInterval       time.Duration
		RateLimitPerMinute int
	}
}

func New() *Config {
	cfg := &Config{}

	cfg.App.ENV = getEnvDefault("APP_ENV", "development")

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "matchcore")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// Database
	cfg.DB.Driver = strings.ToLower(getEnvDefault("DB_DRIVER", "mysql"))
	cfg.DB.DSN = os.Getenv("DB_DSN")
	cfg.DB.GraceWindow = getEnvMillis("STORE_GRACE_MS", 30_000)
	if cfg.DB.DSN == "" {
		cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
		cfg.DB.User = getEnvDefault("DB_USER", "root")
		cfg.DB.Password = getEnvDefault("DB_PASSWORD", "root")
		cfg.DB.Name = getEnvDefault("DB_NAME", "matchcore")

		switch cfg.DB.Driver {
		case "postgres":
			cfg.DB.Port = getEnvDefault("DB_PORT", "5432")
			cfg.DB.DSN = fmt.Sprintf(
				"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
				cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name,
			)
		case "sqlite":
			cfg.DB.DSN = getEnvDefault("DB_PATH", "matchcore.db")
		default:
			cfg.DB.Port = getEnvDefault("DB_PORT", "3306")
			cfg.DB.DSN = fmt.Sprintf(
				"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
				cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name,
			)
		}
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// gRPC
	cfg.GRPC.Host = getEnvDefault("GRPC_HOST", "127.0.0.1")
	cfg.GRPC.Port = getEnvDefault("GRPC_PORT", "50051")

	// HTTP (signaling + health)
	cfg.HTTP.Addr = getEnvDefault("HTTP_ADDR", ":8080")
	cfg.HTTP.AllowedOrigins = splitList(getEnvDefault("CORS_ALLOWED_ORIGINS", "*"))

	// Auth
	cfg.Auth.JWTSecret = getEnvDefault("JWT_SECRET", "dev-secret")
	cfg.Auth.Issuer = getEnvDefault("JWT_ISSUER", "")

	// Matchmaking
	cfg.Match.QueueTick = getEnvMillis("QUEUE_TICK_MS", 500)
	cfg.Match.ProposalTTL = getEnvMillis("PROPOSAL_TTL_MS", 120_000)
	cfg.Match.CallRing = getEnvMillis("CALL_RING_MS", 7_000)
	cfg.Match.QueueHeartbeat = getEnvMillis("QUEUE_HEARTBEAT_MS", 90_000)
	cfg.Match.NegotiationTTL = getEnvMillis("NEGOTIATION_TTL_MS", 30_000)
	cfg.Match.DeclineCooldown = time.Duration(getEnvInt("DECLINE_COOLDOWN_HOURS", 24)) * time.Hour
	cfg.Match.DisconnectGrace = getEnvMillis("DISCONNECT_GRACE_MS", 5_000)
	cfg.Match.PingInterval = getEnvMillis("PING_INTERVAL_MS", 20_000)
	cfg.Match.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", 120)

	return cfg
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvMillis(k string, def int) time.Duration {
	return time.Duration(getEnvInt(k, def)) * time.Millisecond
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

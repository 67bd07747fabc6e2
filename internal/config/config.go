package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string
	NATSURL     string

	JWTSecret          string
	JWTIssuer          string
	GuestSecret        string
	IdentityServiceURL string
	AllowGuests        bool

	AllowedOrigins []string
	InstanceID     string

	Policy Policy
}

// Load reads an optional .env file, the process environment and the lobby policy.
func Load() (*AppConfig, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	cfg := &AppConfig{
		ListenAddr:  ":8080",
		AllowGuests: true,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))

	cfg.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	cfg.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	cfg.GuestSecret = strings.TrimSpace(os.Getenv("GUEST_SECRET"))
	cfg.IdentityServiceURL = strings.TrimSpace(os.Getenv("IDENTITY_SERVICE_URL"))
	if v := strings.TrimSpace(os.Getenv("ALLOW_GUESTS")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowGuests = b
		}
	}

	cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))
	cfg.InstanceID = strings.TrimSpace(os.Getenv("INSTANCE_ID"))
	if cfg.InstanceID == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.InstanceID = h
		}
	}

	policy, err := LoadPolicy(os.Getenv("LOBBY_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(os.Getenv("LOBBY_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			policy.LobbyTTL = d
		}
	}
	cfg.Policy = policy

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if !cfg.AllowGuests && cfg.JWTSecret == "" && cfg.IdentityServiceURL == "" {
		return nil, errors.New("JWT_SECRET or IDENTITY_SERVICE_URL is required when guests are disabled")
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

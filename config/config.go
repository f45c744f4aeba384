// Package config loads application configuration from the environment once at
// startup. Values never change for the process lifetime.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ActivityQueueName is the Cloud Tasks queue handling activity processing.
const ActivityQueueName = "activity-processing"

// Config holds all runtime configuration. Secrets arrive through the
// environment (populated from Secret Manager by the deployment).
type Config struct {
	// StravaClientID is the public Strava OAuth client id.
	StravaClientID string
	// StravaClientSecret is the Strava OAuth client secret.
	StravaClientSecret string
	// FrontendURL receives OAuth redirects.
	FrontendURL string
	// APIURL is this service's public URL; Cloud Tasks OIDC tokens carry it
	// as their audience.
	APIURL string
	// GCPProjectID hosts the task queue and service account.
	GCPProjectID string
	// GCPRegion hosts the task queue.
	GCPRegion string
	// Port the HTTP server listens on.
	Port int

	// JWTSigningKey signs end-user session tokens (HS256).
	JWTSigningKey []byte
	// WebhookVerifyToken is echoed during Strava webhook subscription.
	WebhookVerifyToken string
	// StravaSubscriptionID is the expected subscription id on webhook
	// events. Zero disables the check (no subscription created yet).
	StravaSubscriptionID uint64
	// WebhookPathID is the unguessable path segment webhook callbacks use.
	WebhookPathID string
	// TokenSealKey is the 32-byte key (hex-encoded in the environment) that
	// seals Strava OAuth tokens at rest.
	TokenSealKey []byte

	// DatabaseURL is the Postgres DSN.
	DatabaseURL string
	// RedisAddr is the Redis host:port for the OAuth state cache; empty
	// selects the in-memory cache.
	RedisAddr string
	// PreservesGeoJSON is the path to the preserve boundary file.
	PreservesGeoJSON string
}

// FromEnv loads configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		FrontendURL:      envDefault("FRONTEND_URL", "http://localhost:5173"),
		APIURL:           envDefault("API_URL", "http://localhost:8080"),
		GCPProjectID:     envDefault("GCP_PROJECT_ID", "local-dev"),
		GCPRegion:        envDefault("GCP_REGION", "us-west1"),
		DatabaseURL:      envDefault("DATABASE_URL", "postgres://localhost:5432/midpen?sslmode=disable"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		PreservesGeoJSON: envDefault("PRESERVES_GEOJSON", "data/preserves.geojson"),
		WebhookPathID:    envDefault("WEBHOOK_PATH_ID", "webhook"),
	}

	var err error
	if cfg.StravaClientID, err = requireEnv("STRAVA_CLIENT_ID"); err != nil {
		return nil, err
	}
	if cfg.StravaClientSecret, err = requireEnv("STRAVA_CLIENT_SECRET"); err != nil {
		return nil, err
	}
	if cfg.WebhookVerifyToken, err = requireEnv("WEBHOOK_VERIFY_TOKEN"); err != nil {
		return nil, err
	}

	signingKey, err := requireEnv("JWT_SIGNING_KEY")
	if err != nil {
		return nil, err
	}
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("config: JWT_SIGNING_KEY must be at least 32 bytes")
	}
	cfg.JWTSigningKey = []byte(signingKey)

	sealHex, err := requireEnv("TOKEN_SEAL_KEY")
	if err != nil {
		return nil, err
	}
	cfg.TokenSealKey, err = hex.DecodeString(strings.TrimSpace(sealHex))
	if err != nil {
		return nil, fmt.Errorf("config: TOKEN_SEAL_KEY is not valid hex: %w", err)
	}
	if len(cfg.TokenSealKey) != 32 {
		return nil, fmt.Errorf("config: TOKEN_SEAL_KEY must decode to 32 bytes, got %d", len(cfg.TokenSealKey))
	}

	if sub := envDefault("STRAVA_SUBSCRIPTION_ID", "0"); sub != "" {
		cfg.StravaSubscriptionID, err = strconv.ParseUint(sub, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid STRAVA_SUBSCRIPTION_ID %q", sub)
		}
	}

	port := envDefault("PORT", "8080")
	cfg.Port, err = strconv.Atoi(port)
	if err != nil || cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config: invalid PORT %q", port)
	}

	return cfg, nil
}

// ServiceAccountEmail derives the Cloud Tasks invoker identity for this
// deployment. Only tokens carrying exactly this email are accepted on task
// callbacks.
func (c *Config) ServiceAccountEmail() string {
	return fmt.Sprintf("midpen-tracker-api@%s.iam.gserviceaccount.com", c.GCPProjectID)
}

// QueuePath is the fully qualified Cloud Tasks queue resource name.
func (c *Config) QueuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.GCPProjectID, c.GCPRegion, ActivityQueueName)
}

func requireEnv(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("config: missing required environment variable %s", name)
	}
	return v, nil
}

func envDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// Package config provides configuration loading for the marketplace service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment always wins over .env and .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the marketplace service.
type Config struct {
	Env           string // Deployment environment (dev, staging, prod)
	Port          string // HTTP server port
	DatabaseDSN   string // PostgreSQL connection string
	MongoURI      string // MongoDB connection string, used when no DSN is set
	MongoDatabase string // MongoDB database name
	NATSURL       string // NATS server URL

	S3Endpoint      string // S3-compatible storage endpoint
	S3Region        string // S3 region
	S3Bucket        string // Bucket holding provider drone images
	S3AccessKey     string // S3 access key
	S3SecretKey     string // S3 secret key
	S3PublicBaseURL string // Base URL images are served from

	// Media limits
	MaxImageSize      int64    // Maximum drone image size in bytes
	AllowedImageTypes []string // Allowed MIME types for drone images

	JWTIssuer   string // Expected issuer of wallet session tokens
	JWTAudience string // Expected audience of wallet session tokens
	JWKSURL     string // JWKS endpoint of the session issuer

	// Chain
	RPCURL          string        // JSON-RPC endpoint of the escrow chain
	ContractAddress string        // Escrow contract address
	ChainID         int64         // Chain ID the agent key signs for
	AgentAPIKey     string        // Shared secret for the agent routes
	AgentPrivateKey string        // Hex private key the agent routes sign with
	ConfirmTimeout  time.Duration // Upper bound on waiting for a receipt

	// Rate limiting
	RateLimitWindow  time.Duration // Fixed window length
	RateLimitRead    int           // Requests per window for reads
	RateLimitWrite   int           // Requests per window for writes
	RateLimitBackend string        // memory or nats

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// AgentsEnabled reports whether the server-signed agent routes can run.
func (c Config) AgentsEnabled() bool {
	return c.AgentAPIKey != "" && c.AgentPrivateKey != "" && c.RPCURL != "" && c.ContractAddress != ""
}

// Default configuration values used when environment variables are not set
const (
	defaultPort             = "8080"
	defaultEnv              = "dev"
	defaultS3Region         = "us-east-1"
	defaultMongoDatabase    = "dronebid"
	defaultChainID          = 31337 // local hardhat node
	defaultConfirmTimeout   = 60 * time.Second
	defaultRateLimitWindow  = time.Minute
	defaultRateLimitRead    = 60
	defaultRateLimitWrite   = 10
	defaultRateLimitBackend = "memory"
	defaultMaxImageSize     = 5 * 1024 * 1024
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("MKT_ENV", defaultEnv),
		Port:             getEnv("MKT_PORT", defaultPort),
		DatabaseDSN:      os.Getenv("MKT_DB_DSN"),
		MongoURI:         os.Getenv("MKT_MONGO_URI"),
		MongoDatabase:    getEnv("MKT_MONGO_DATABASE", defaultMongoDatabase),
		NATSURL:          os.Getenv("MKT_NATS_URL"),
		S3Endpoint:       os.Getenv("MKT_S3_ENDPOINT"),
		S3Region:         getEnv("MKT_S3_REGION", defaultS3Region),
		S3Bucket:         os.Getenv("MKT_S3_BUCKET"),
		S3AccessKey:      os.Getenv("MKT_S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("MKT_S3_SECRET_KEY"),
		S3PublicBaseURL:  os.Getenv("MKT_S3_PUBLIC_BASE_URL"),
		JWTIssuer:        os.Getenv("MKT_JWT_ISSUER"),
		JWTAudience:      os.Getenv("MKT_JWT_AUDIENCE"),
		JWKSURL:          os.Getenv("MKT_JWKS_URL"),
		RPCURL:           os.Getenv("MKT_RPC_URL"),
		ContractAddress:  os.Getenv("MKT_CONTRACT_ADDRESS"),
		AgentAPIKey:      os.Getenv("MKT_AGENT_API_KEY"),
		AgentPrivateKey:  os.Getenv("MKT_AGENT_PRIVATE_KEY"),
		RateLimitBackend: getEnv("MKT_RATE_LIMIT_BACKEND", defaultRateLimitBackend),
	}

	var err error
	if cfg.MaxImageSize, err = getInt64("MKT_IMAGE_MAX_SIZE", defaultMaxImageSize); err != nil {
		return cfg, err
	}
	if cfg.ChainID, err = getInt64("MKT_CHAIN_ID", defaultChainID); err != nil {
		return cfg, err
	}
	if cfg.ConfirmTimeout, err = getDuration("MKT_CONFIRM_TIMEOUT", defaultConfirmTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitWindow, err = getDuration("MKT_RATE_LIMIT_WINDOW", defaultRateLimitWindow); err != nil {
		return cfg, err
	}
	read, err := getInt64("MKT_RATE_LIMIT_READ", defaultRateLimitRead)
	if err != nil {
		return cfg, err
	}
	write, err := getInt64("MKT_RATE_LIMIT_WRITE", defaultRateLimitWrite)
	if err != nil {
		return cfg, err
	}
	cfg.RateLimitRead, cfg.RateLimitWrite = int(read), int(write)

	if v, exists := os.LookupEnv("MKT_IMAGE_ALLOWED_MIME"); exists {
		cfg.AllowedImageTypes = splitList(v)
	} else {
		cfg.AllowedImageTypes = []string{"image/jpeg", "image/png", "image/webp"}
	}

	if v, exists := os.LookupEnv("MKT_CORS_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("MKT_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("MKT_JWT_AUDIENCE is required")
	}
	if cfg.ContractAddress != "" && !addressPattern.MatchString(cfg.ContractAddress) {
		return cfg, fmt.Errorf("MKT_CONTRACT_ADDRESS %q is not a 0x-prefixed 20-byte address", cfg.ContractAddress)
	}
	if cfg.ConfirmTimeout <= 0 {
		return cfg, fmt.Errorf("MKT_CONFIRM_TIMEOUT must be positive")
	}
	if cfg.RateLimitWindow <= 0 || cfg.RateLimitRead <= 0 || cfg.RateLimitWrite <= 0 {
		return cfg, fmt.Errorf("rate limit window and limits must be positive")
	}
	if cfg.RateLimitBackend != "memory" && cfg.RateLimitBackend != "nats" {
		return cfg, fmt.Errorf("MKT_RATE_LIMIT_BACKEND must be memory or nats, got %q", cfg.RateLimitBackend)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

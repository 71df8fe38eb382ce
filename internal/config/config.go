// Package config provides configuration loading for the report service.
// Settings come from the environment, with optional .env files in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // REPORT_TIMEZONE must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
)

// init loads .env and then .env.local when present. godotenv never overrides
// variables already set in the process environment, so OS env > .env.local > .env.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Capture device selections.
const (
	DeviceSynthetic = "synthetic"
	DeviceNone      = "none"
)

// Config captures environment-driven settings for the report service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL DSN; empty selects the in-memory store
	StoreKey    string // KV key holding the report sequence
	NATSURL     string // NATS server URL; empty disables event publishing
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Operator auth. Dashboard endpoints are open when JWTSecret is empty.
	JWTSecret         string
	AdminUsername     string
	AdminPassword     string
	AdminPasswordHash string
	TokenTTL          time.Duration

	MaxMediaSize int64          // Maximum upload size in bytes
	Location     *time.Location // Zone for report dates and the "today" filter

	// Capture and preview
	CaptureDevice string
	FrameWidth    int
	FrameHeight   int
	RefreshHz     int
	ChunkInterval time.Duration
	PixelSize     int
	BlurRadius    int

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set.
const (
	defaultEnv           = "dev"
	defaultPort          = "8080"
	defaultStoreKey      = "uploadedVideos"
	defaultS3Region      = "us-east-1"
	defaultTokenTTL      = 60 * time.Minute
	defaultMaxMediaSize  = 100 << 20
	defaultTimezone      = "Asia/Jakarta"
	defaultFrameWidth    = 1280
	defaultFrameHeight   = 720
	defaultRefreshHz     = 30
	defaultChunkInterval = 100 * time.Millisecond
	defaultPixelSize     = 20
	defaultBlurRadius    = 10
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Malformed values fail with an error naming the variable.
func Load() (Config, error) {
	cfg := Config{
		Env:               getEnv("REPORT_ENV", defaultEnv),
		Port:              getEnv("REPORT_PORT", defaultPort),
		DatabaseDSN:       os.Getenv("REPORT_DB_DSN"),
		StoreKey:          getEnv("REPORT_STORE_KEY", defaultStoreKey),
		NATSURL:           os.Getenv("REPORT_NATS_URL"),
		S3Endpoint:        os.Getenv("REPORT_S3_ENDPOINT"),
		S3Region:          getEnv("REPORT_S3_REGION", defaultS3Region),
		S3Bucket:          os.Getenv("REPORT_S3_BUCKET"),
		S3AccessKey:       os.Getenv("REPORT_S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("REPORT_S3_SECRET_KEY"),
		JWTSecret:         os.Getenv("REPORT_JWT_SECRET"),
		AdminUsername:     os.Getenv("REPORT_ADMIN_USERNAME"),
		AdminPassword:     os.Getenv("REPORT_ADMIN_PASSWORD"),
		AdminPasswordHash: os.Getenv("REPORT_ADMIN_PASSWORD_HASH"),
		CaptureDevice:     strings.ToLower(getEnv("REPORT_CAPTURE_DEVICE", DeviceSynthetic)),
	}

	var err error
	if cfg.TokenTTL, err = getDuration("REPORT_TOKEN_TTL", defaultTokenTTL); err != nil {
		return cfg, err
	}
	if cfg.ChunkInterval, err = getDuration("REPORT_CHUNK_INTERVAL", defaultChunkInterval); err != nil {
		return cfg, err
	}
	if cfg.MaxMediaSize, err = getInt64("REPORT_MAX_MEDIA_SIZE", defaultMaxMediaSize); err != nil {
		return cfg, err
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"REPORT_FRAME_WIDTH", defaultFrameWidth, &cfg.FrameWidth},
		{"REPORT_FRAME_HEIGHT", defaultFrameHeight, &cfg.FrameHeight},
		{"REPORT_REFRESH_HZ", defaultRefreshHz, &cfg.RefreshHz},
		{"REPORT_PIXEL_SIZE", defaultPixelSize, &cfg.PixelSize},
		{"REPORT_BLUR_RADIUS", defaultBlurRadius, &cfg.BlurRadius},
	}
	for _, v := range ints {
		n, err := getInt64(v.key, int64(v.fallback))
		if err != nil {
			return cfg, err
		}
		*v.dst = int(n)
	}

	tz := getEnv("REPORT_TIMEZONE", defaultTimezone)
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return cfg, fmt.Errorf("REPORT_TIMEZONE: %w", err)
	}

	if corsOrigins, exists := os.LookupEnv("REPORT_CORS_ALLOWED_ORIGINS"); exists && corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	// Validate
	switch cfg.CaptureDevice {
	case DeviceSynthetic, DeviceNone:
	default:
		return cfg, fmt.Errorf("REPORT_CAPTURE_DEVICE must be %q or %q, got %q", DeviceSynthetic, DeviceNone, cfg.CaptureDevice)
	}
	if cfg.JWTSecret != "" {
		if cfg.AdminUsername == "" || (cfg.AdminPassword == "" && cfg.AdminPasswordHash == "") {
			return cfg, fmt.Errorf("REPORT_JWT_SECRET requires REPORT_ADMIN_USERNAME and REPORT_ADMIN_PASSWORD or REPORT_ADMIN_PASSWORD_HASH")
		}
	}

	return cfg, nil
}

// AuthEnabled reports whether dashboard endpoints require a token.
func (c Config) AuthEnabled() bool { return c.JWTSecret != "" }

// S3Enabled reports whether artifacts go to S3.
func (c Config) S3Enabled() bool { return c.S3Endpoint != "" && c.S3Bucket != "" }

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
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

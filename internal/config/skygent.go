package config

import (
	"errors"
	"strings"
	"time"
)

const (
	defaultStoreRoot       = "./.skygent"
	defaultOutputFormat    = "json"
	defaultProfileBatch    = 25
	maxProfileBatch        = 25
	defaultProfileCapacity = 5000
	defaultProfileTTL      = 6 * time.Hour
	defaultImageMaxBytes   = 8 << 20 // 8 MiB
	defaultImageBatchWin   = 50 * time.Millisecond
	defaultImageConcurrent = 4
	defaultImageCacheTTL   = 24 * time.Hour
	defaultImageFailTTL    = 10 * time.Minute
	defaultCheckpointEvery   = 100
	defaultCheckpointEveryMS = 5000
)

// ErrProfileBatchSizeInvalid is returned when SKYGENT_PROFILE_BATCH_SIZE falls
// outside the 1..25 range the batching resolver can actually flush in one
// request.
var ErrProfileBatchSizeInvalid = errors.New("profile batch size must be between 1 and 25")

// Config holds every SKYGENT_* environment-derived setting shared across
// store, sync, and derive operations. It is loaded once per process and
// passed by value to the components that need it, mirroring the teacher's
// storage.Config split between ambient connection settings and per-component
// tuning knobs.
type Config struct {
	StoreRoot    string
	OutputFormat string

	ProfileBatchSize     int
	ProfileCacheCapacity int
	ProfileCacheTTL      time.Duration
	IdentityStrict       bool

	ImageCacheEnabled     bool
	ImageFetchMaxBytes    int64
	ImageFetchBatchWindow time.Duration
	ImageFetchConcurrency int
	ImageCacheTTL         time.Duration
	ImageFailureTTL       time.Duration

	DerivationCheckpointEvery      int
	DerivationCheckpointIntervalMS time.Duration

	LogLevel string
}

// LoadConfig loads the skygent process configuration from environment
// variables with fallback to the documented defaults.
func LoadConfig() *Config {
	return &Config{
		StoreRoot:    GetEnvStr("SKYGENT_STORE_ROOT", defaultStoreRoot),
		OutputFormat: GetEnvStr("SKYGENT_OUTPUT_FORMAT", defaultOutputFormat),

		ProfileBatchSize:     GetEnvInt("SKYGENT_PROFILE_BATCH_SIZE", defaultProfileBatch),
		ProfileCacheCapacity: GetEnvInt("SKYGENT_PROFILE_CACHE_CAPACITY", defaultProfileCapacity),
		ProfileCacheTTL:      GetEnvDuration("SKYGENT_PROFILE_CACHE_TTL", defaultProfileTTL),
		IdentityStrict:       GetEnvBool("SKYGENT_IDENTITY_STRICT", false),

		ImageCacheEnabled:     GetEnvBool("SKYGENT_IMAGE_CACHE_ENABLED", true),
		ImageFetchMaxBytes:    GetEnvInt64("SKYGENT_IMAGE_FETCH_MAX_BYTES", defaultImageMaxBytes),
		ImageFetchBatchWindow: GetEnvDurationMS("SKYGENT_IMAGE_FETCH_BATCH_WINDOW", defaultImageBatchWin),
		ImageFetchConcurrency: GetEnvInt("SKYGENT_IMAGE_FETCH_CONCURRENCY", defaultImageConcurrent),
		ImageCacheTTL:         GetEnvDuration("SKYGENT_IMAGE_CACHE_TTL", defaultImageCacheTTL),
		ImageFailureTTL:       GetEnvDuration("SKYGENT_IMAGE_FAILURE_TTL", defaultImageFailTTL),

		DerivationCheckpointEvery:      GetEnvInt("SKYGENT_DERIVATION_CHECKPOINT_EVERY", defaultCheckpointEvery),
		DerivationCheckpointIntervalMS: GetEnvDurationMS("SKYGENT_DERIVATION_CHECKPOINT_INTERVAL_MS", defaultCheckpointEveryMS*time.Millisecond),

		LogLevel: GetEnvStr("SKYGENT_LOG_LEVEL", "info"),
	}
}

// Validate checks that the loaded configuration is internally consistent.
// StoreRoot emptiness is treated as a config error the same way the teacher's
// storage.Config rejects an empty DATABASE_URL: a setting every component
// depends on cannot silently fall through.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreRoot) == "" {
		return errors.New("store root cannot be empty")
	}

	if c.ProfileBatchSize < 1 || c.ProfileBatchSize > maxProfileBatch {
		return ErrProfileBatchSizeInvalid
	}

	return nil
}

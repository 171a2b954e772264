package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds the resolved runtime configuration for a worker process.
// It is built once in main and passed explicitly; nothing reads the
// environment after Load returns.
type Config struct {
	Env string

	// Queue service connection.
	VQURL            string
	VQKey            string
	OrganisationUUID uuid.UUID

	// rawOrganisationUUID keeps the unparsed env value so Validate can
	// distinguish unset from malformed without touching the environment.
	rawOrganisationUUID string

	// Offline mode: process a fixed local folder instead of polling.
	FilesFolder string

	// Continuous keeps the worker polling instead of draining after one
	// job; container deployments set it instead of the --cloud flag.
	Continuous bool

	Debug bool

	// Worker identity and claim behavior.
	ServiceName       string
	Channel           string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ClaimDuration     time.Duration
	HTTPTimeout       time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxLoopErrors     int
	DrainGrace        time.Duration

	MetricsAddr string

	// Optional node-wide GPU lease via Redis. Empty addr means the lease
	// is process-local only.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	GPULeaseWait  time.Duration

	// Optional Postgres run journal.
	PostgresDSN string

	// Artifact archive destinations.
	ArchiveDir         string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3PathStyle bool

	// External capture tool invoked by the capture handler.
	CaptureTool string
}

// Load reads configuration from environment variables with defaults
// suitable for local development.
func Load() Config {
	cfg := Config{
		Env:                getEnv("APP_ENV", "dev"),
		VQURL:              getEnv("VQ_URL", ""),
		VQKey:              getEnv("VQ_KEY", ""),
		FilesFolder:        getEnv("VQ_FILES_FOLDER", ""),
		Continuous:         getEnvBool("CONTINUOUS", false),
		Debug:              getEnvBool("DEBUG", false),
		ServiceName:        getEnv("SERVICE_NAME", "pdf-merge"),
		Channel:            getEnv("WORKER_CHANNEL", "generic"),
		PollInterval:       getEnvSeconds("SLEEP_TIME", 60*time.Second),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		ClaimDuration:      getEnvSeconds("CLAIM_DURATION", 600*time.Second),
		HTTPTimeout:        getEnvDuration("VQ_HTTP_TIMEOUT", 60*time.Second),
		BackoffInitial:     getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		MaxLoopErrors:      getEnvInt("MAX_LOOP_ERRORS", 5),
		DrainGrace:         getEnvDuration("DRAIN_GRACE", 30*time.Second),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		GPULeaseWait:       getEnvDuration("GPU_LEASE_WAIT", 0),
		PostgresDSN:        getEnv("POSTGRES_DSN", ""),
		ArchiveDir:         getEnv("ARCHIVE_DIR", ""),
		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3PathStyle: getEnvBool("ARCHIVE_S3_PATH_STYLE", false),
		CaptureTool:        getEnv("CAPTURE_TOOL", ""),
	}
	cfg.rawOrganisationUUID = os.Getenv("ORGANISATION_UUID")
	if cfg.rawOrganisationUUID != "" {
		if id, err := uuid.Parse(cfg.rawOrganisationUUID); err == nil {
			cfg.OrganisationUUID = id
		}
	}
	return cfg
}

// Validate checks that the configuration can support the selected mode.
// Queue credentials are not needed when a fixed local folder is set.
func (c Config) Validate() error {
	if c.Offline() {
		return nil
	}
	if c.VQURL == "" {
		return errors.New("no VQ_URL available (check yaml?)")
	}
	if c.VQKey == "" {
		return errors.New("no VQ_KEY available (check secrets?)")
	}
	if c.OrganisationUUID == uuid.Nil {
		if c.rawOrganisationUUID == "" {
			return errors.New("ORGANISATION_UUID env variable must be set for read/write to VQ Files")
		}
		return fmt.Errorf("ORGANISATION_UUID is not a valid uuid: %q", c.rawOrganisationUUID)
	}
	return nil
}

// Offline reports whether the worker should run against a fixed local
// input folder rather than the queue service.
func (c Config) Offline() bool {
	return c.FilesFolder != ""
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvSeconds accepts a bare integer number of seconds, which is how
// the deployment manifests express SLEEP_TIME and CLAIM_DURATION.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage selects and parameterizes the video storage provider.
type Storage struct {
	Provider           string // localfs | gdrive
	LocalRoot          string
	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

// API holds everything cmd/api needs.
type API struct {
	HTTPPort    string
	DatabaseURL string
	RedisAddr   string
	QueueName   string

	UploadDir     string
	InfoDir       string
	MaxUploadMB   int64
	AdminPassword string

	Storage Storage
}

// Worker holds everything cmd/worker needs.
type Worker struct {
	DatabaseURL string
	RedisAddr   string
	QueueName   string

	Slots         int
	RenderCommand []string
	RenderWorkDir string
	RenderTimeout time.Duration
	UploadDir     string
	InfoDir       string

	RetentionAge  time.Duration
	SweepSchedule string

	Storage Storage
}

func LoadAPI() (API, error) {
	dbURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return API{}, err
	}
	redisAddr, err := mustEnv("REDIS_ADDR")
	if err != nil {
		return API{}, err
	}

	return API{
		HTTPPort:      Env("HTTP_PORT", "8080"),
		DatabaseURL:   dbURL,
		RedisAddr:     redisAddr,
		QueueName:     Env("JOB_QUEUE_NAME", "replaymill:jobs"),
		UploadDir:     Env("UPLOAD_DIR", "/data/uploads"),
		InfoDir:       Env("INFO_DIR", "/data/info"),
		MaxUploadMB:   int64(IntEnv("MAX_UPLOAD_MB", 256)),
		AdminPassword: Env("ADMIN_PASSWORD", ""),
		Storage:       loadStorage(),
	}, nil
}

func LoadWorker() (Worker, error) {
	dbURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Worker{}, err
	}
	redisAddr, err := mustEnv("REDIS_ADDR")
	if err != nil {
		return Worker{}, err
	}
	renderCmd, err := mustEnv("RENDER_COMMAND")
	if err != nil {
		return Worker{}, err
	}

	return Worker{
		DatabaseURL:   dbURL,
		RedisAddr:     redisAddr,
		QueueName:     Env("JOB_QUEUE_NAME", "replaymill:jobs"),
		Slots:         IntEnv("WORKER_SLOTS", 2),
		RenderCommand: strings.Fields(renderCmd),
		RenderWorkDir: Env("RENDER_WORKDIR", ""),
		RenderTimeout: DurationEnv("RENDER_TIMEOUT", 30*time.Minute),
		UploadDir:     Env("UPLOAD_DIR", "/data/uploads"),
		InfoDir:       Env("INFO_DIR", "/data/info"),
		RetentionAge:  DurationEnv("RETENTION_AGE", 7*24*time.Hour),
		SweepSchedule: Env("SWEEP_SCHEDULE", "@hourly"),
		Storage:       loadStorage(),
	}, nil
}

func loadStorage() Storage {
	return Storage{
		Provider:           Env("STORAGE_PROVIDER", "localfs"),
		LocalRoot:          Env("STORAGE_LOCAL_ROOT", "/data/store"),
		GDriveClientID:     Env("GDRIVE_CLIENT_ID", ""),
		GDriveClientSecret: Env("GDRIVE_CLIENT_SECRET", ""),
		GDriveRefreshToken: Env("GDRIVE_REFRESH_TOKEN", ""),
		GDriveFolderID:     Env("GDRIVE_FOLDER_ID", ""),
	}
}

func Env(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func mustEnv(k string) (string, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return "", fmt.Errorf("missing required environment variable: %s", k)
	}
	return v, nil
}

// BoolEnv reads an env var as bool. If empty or invalid, returns def.
func BoolEnv(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func IntEnv(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func DurationEnv(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// CSVEnv reads a comma-separated env var, trimming blanks.
func CSVEnv(k string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

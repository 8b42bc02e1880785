package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type config struct {
	Addr           string
	QueueDSN       string
	StoreDSN       string
	FeedsFile      string
	JWTSecret      string
	Workers        int
	BatchSize      int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxDeliveries  int
	QueueSize      int
	QueueVisible   time.Duration
	FetchTimeout   time.Duration
	ImportInterval time.Duration
	RateLimitMax   int
	RateLimitWin   time.Duration
	LogLimit       int
	OriginPatterns []string
}

func configFromEnv() (config, error) {
	cfg := config{
		Addr:           os.Getenv("JOBIMPORT_ADDR"),
		QueueDSN:       strings.TrimSpace(os.Getenv("JOBIMPORT_QUEUE_DSN")),
		StoreDSN:       strings.TrimSpace(os.Getenv("JOBIMPORT_STORE_DSN")),
		FeedsFile:      strings.TrimSpace(os.Getenv("JOBIMPORT_FEEDS_FILE")),
		JWTSecret:      os.Getenv("JOBIMPORT_JWT_SECRET"),
		Workers:        intEnv("JOBIMPORT_MAX_CONCURRENCY", 5),
		BatchSize:      intEnv("JOBIMPORT_BATCH_SIZE", 100),
		RetryAttempts:  intEnv("JOBIMPORT_RETRY_ATTEMPTS", 3),
		RetryBaseDelay: durationEnv("JOBIMPORT_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:  durationEnv("JOBIMPORT_RETRY_MAX_DELAY", 30*time.Second),
		MaxDeliveries:  intEnv("JOBIMPORT_MAX_DELIVERIES", 5),
		QueueSize:      intEnv("JOBIMPORT_QUEUE_SIZE", 1024),
		QueueVisible:   durationEnv("JOBIMPORT_QUEUE_VISIBILITY", 5*time.Minute),
		FetchTimeout:   durationEnv("JOBIMPORT_FETCH_TIMEOUT", 10*time.Second),
		ImportInterval: durationEnv("JOBIMPORT_IMPORT_INTERVAL", 0),
		RateLimitMax:   intEnv("JOBIMPORT_RATE_LIMIT_MAX", 0),
		RateLimitWin:   durationEnv("JOBIMPORT_RATE_LIMIT_WINDOW", time.Minute),
		LogLimit:       intEnv("JOBIMPORT_LOG_LIMIT", 20),
		OriginPatterns: listEnv("JOBIMPORT_ALLOWED_ORIGINS"),
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	profileQueueDSN, profileStoreDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return config{}, err
	}
	if cfg.QueueDSN == "" {
		cfg.QueueDSN = profileQueueDSN
	}
	if cfg.StoreDSN == "" {
		cfg.StoreDSN = profileStoreDSN
	}
	return cfg, nil
}

// storageProfileDefaultsFromEnv maps JOBIMPORT_BACKEND_PROFILE to queue and
// store DSNs. Explicit DSN variables still win.
func storageProfileDefaultsFromEnv() (queueDSN, storeDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("JOBIMPORT_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("JOBIMPORT_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".jobimport"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("JOBIMPORT_POSTGRES_DSN"))
		if dsn == "" {
			return "", "", fmt.Errorf("JOBIMPORT_POSTGRES_DSN is required when JOBIMPORT_BACKEND_PROFILE=%s", profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "unit-queue.json"),
			"sqlite://" + filepath.Join(dataDir, "jobimport.db"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported JOBIMPORT_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

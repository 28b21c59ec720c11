package app

import (
	"time"

	"github.com/noetl/noetl/internal/pkg/envutil"
	"github.com/noetl/noetl/internal/pkg/logger"
)

type Config struct {
	Port          string
	CredentialKey string

	ReaperInterval time.Duration
	PurgeGrace     time.Duration

	// EmbedWorker runs a worker pool inside the server process; the
	// single-binary deployment. Remote pools connect over the queue API.
	EmbedWorker       bool
	WorkerConcurrency int
	LeaseDuration     time.Duration
	PollInterval      time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Port:              envutil.GetEnv("PORT", "8082", log),
		CredentialKey:     envutil.GetEnv("NOETL_CREDENTIAL_KEY", "", log),
		ReaperInterval:    envutil.GetEnvAsDuration("NOETL_REAPER_INTERVAL", 5*time.Second, log),
		PurgeGrace:        envutil.GetEnvAsDuration("NOETL_PURGE_GRACE", 24*time.Hour, log),
		EmbedWorker:       envutil.GetEnvAsBool("NOETL_EMBED_WORKER", true, log),
		WorkerConcurrency: envutil.GetEnvAsInt("NOETL_WORKER_CONCURRENCY", 4, log),
		LeaseDuration:     envutil.GetEnvAsDuration("NOETL_LEASE_DURATION", 30*time.Second, log),
		PollInterval:      envutil.GetEnvAsDuration("NOETL_POLL_INTERVAL", 500*time.Millisecond, log),
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/noetl/noetl/internal/client"
	"github.com/noetl/noetl/internal/pkg/envutil"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/worker"
)

// Standalone worker pool: connects to a server over the queue API and runs
// leased jobs. Scale out by running more of these.
func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	serverURL := envutil.GetEnv("NOETL_SERVER_URL", "http://localhost:8082", log)
	concurrency := envutil.GetEnvAsInt("NOETL_WORKER_CONCURRENCY", 4, log)
	lease := envutil.GetEnvAsDuration("NOETL_LEASE_DURATION", 0, log)
	poll := envutil.GetEnvAsDuration("NOETL_POLL_INTERVAL", 0, log)

	api := client.New(serverURL, log)
	// the renderer here only evaluates retry conditions; credential lookups
	// go through the server
	renderer := render.New(apiResolver{api})
	registry := worker.DefaultRegistry(api, log)
	pool := worker.NewPool(api, registry, renderer, worker.Config{
		WorkerID:      os.Getenv("NOETL_WORKER_ID"),
		Concurrency:   concurrency,
		LeaseDuration: lease,
		PollInterval:  poll,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Worker connecting", "server", serverURL, "worker_id", pool.WorkerID())
	if err := pool.Run(ctx); err != nil {
		log.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

type apiResolver struct {
	api *client.Client
}

func (r apiResolver) Resolve(ctx context.Context, name string) (map[string]any, error) {
	return r.api.ResolveCredential(ctx, name)
}

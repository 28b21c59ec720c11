package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/data/repos"
	"github.com/noetl/noetl/internal/event"
	noetlhttp "github.com/noetl/noetl/internal/http"
	httpH "github.com/noetl/noetl/internal/http/handlers"
	"github.com/noetl/noetl/internal/observability"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/platform/db"
	"github.com/noetl/noetl/internal/queue"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/secrets"
	"github.com/noetl/noetl/internal/transient"
	"github.com/noetl/noetl/internal/trigger"
	"github.com/noetl/noetl/internal/worker"
)

/*
App wires the whole server: storage, repos, services, broker, trigger bus,
HTTP surface and (optionally) an embedded worker pool.
*/
type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Router *gin.Engine
	Cfg    Config

	Catalog *catalog.Service
	Broker  *broker.Broker
	Queue   *queue.Service

	bus    trigger.Bus
	pool   *worker.Pool
	cancel context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	// Repos
	eventRepo := repos.NewEventRepo(theDB, log)
	executionRepo := repos.NewExecutionRepo(theDB, log)
	playbookRepo := repos.NewPlaybookRepo(theDB, log)
	queueJobRepo := repos.NewQueueJobRepo(theDB, log)
	transientRepo := repos.NewTransientVarRepo(theDB, log)
	credentialRepo := repos.NewCredentialRepo(theDB, log)

	// Services
	credKey := cfg.CredentialKey
	if credKey == "" {
		// all-zero dev key; set NOETL_CREDENTIAL_KEY in any real deployment
		credKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
		log.Warn("NOETL_CREDENTIAL_KEY not set, using insecure development key")
	}
	secretStore, err := secrets.NewStore(credentialRepo, credKey, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init secret store: %w", err)
	}

	eventLog := event.NewLog(eventRepo, log)
	catalogService := catalog.NewService(playbookRepo, log)
	transientService := transient.NewService(transientRepo, log)
	queueService := queue.NewService(queueJobRepo, nil, log)

	renderer := render.New(secrets.NewResolver(secretStore))
	scopes := render.NewScopeBuilder(executionRepo, eventLog, transientRepo)
	renderService := render.NewService(renderer, scopes, log)

	brokerService := broker.New(theDB, executionRepo, eventLog, catalogService, queueService, renderService, log)

	// Trigger bus: redis when configured, in-process otherwise. Either way
	// queue acks publish and the forwarder evaluates.
	var bus trigger.Bus
	if os.Getenv("REDIS_ADDR") != "" {
		bus, err = trigger.NewRedisBus(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init trigger bus: %w", err)
		}
	} else {
		bus = trigger.NewLocalBus()
	}
	queueService.SetTrigger(trigger.NewBusTrigger(bus, log))

	// Handlers
	handlerCfg := noetlhttp.RouterConfig{
		Log:                log,
		CatalogHandler:     httpH.NewCatalogHandler(catalogService),
		ExecutionHandler:   httpH.NewExecutionHandler(brokerService, executionRepo, eventLog, queueService),
		QueueHandler:       httpH.NewQueueHandler(queueService),
		EventHandler:       httpH.NewEventHandler(eventLog),
		VarsHandler:        httpH.NewVarsHandler(transientService),
		CredentialsHandler: httpH.NewCredentialsHandler(secretStore),
		RenderHandler:      httpH.NewRenderHandler(renderService),
		HealthHandler:      httpH.NewHealthHandler(theDB),
	}
	router := noetlhttp.NewRouter(handlerCfg)

	app := &App{
		Log:     log,
		DB:      theDB,
		Router:  router,
		Cfg:     cfg,
		Catalog: catalogService,
		Broker:  brokerService,
		Queue:   queueService,
		bus:     bus,
	}

	if cfg.EmbedWorker {
		api := worker.NewLocalAPI(queueService, renderService, eventLog, transientService, secretStore, brokerService, executionRepo)
		registry := worker.DefaultRegistry(api, log)
		app.pool = worker.NewPool(api, registry, renderer, worker.Config{
			Concurrency:   cfg.WorkerConcurrency,
			LeaseDuration: cfg.LeaseDuration,
			PollInterval:  cfg.PollInterval,
		}, log)
	}

	return app, nil
}

// Start launches the background loops: trigger forwarder, lease reaper and
// the embedded worker pool.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: "noetl",
		Environment: os.Getenv("ENV"),
	})

	if err := a.bus.StartForwarder(ctx, func(executionID int64) {
		go func() {
			if err := a.Broker.Evaluate(context.Background(), executionID); err != nil {
				a.Log.Error("Evaluation failed", "execution_id", executionID, "error", err)
			}
		}()
	}); err != nil {
		a.Log.Error("Trigger forwarder failed to start", "error", err)
	}

	a.Queue.StartReaper(ctx, queue.ReaperConfig{
		Interval:   a.Cfg.ReaperInterval,
		PurgeGrace: a.Cfg.PurgeGrace,
	})

	if a.pool != nil {
		go func() {
			if err := a.pool.Run(ctx); err != nil {
				a.Log.Error("Embedded worker stopped", "error", err)
			}
		}()
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

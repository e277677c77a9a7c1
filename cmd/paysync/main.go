package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PaySync/app/controllers"
	"github.com/ManuelReschke/PaySync/app/repository"
	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
	"github.com/ManuelReschke/PaySync/internal/pkg/credential"
	"github.com/ManuelReschke/PaySync/internal/pkg/database"
	"github.com/ManuelReschke/PaySync/internal/pkg/dedup"
	"github.com/ManuelReschke/PaySync/internal/pkg/env"
	"github.com/ManuelReschke/PaySync/internal/pkg/events"
	"github.com/ManuelReschke/PaySync/internal/pkg/gateway"
	"github.com/ManuelReschke/PaySync/internal/pkg/reconcile"
	"github.com/ManuelReschke/PaySync/internal/pkg/renewal"
	"github.com/ManuelReschke/PaySync/internal/pkg/router"
)

const shutdownTimeout = 20 * time.Second

// Application bundles the HTTP server with the background workers that
// have to be stopped alongside it.
type Application struct {
	App        *fiber.App
	Renewals   *renewal.Manager
	publisher  events.Publisher
	closeDedup func() error
}

func main() {
	application, err := NewApplication()
	if err != nil {
		log.Fatalf("[Startup] %v", err)
	}

	application.Renewals.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("[Shutdown] Signal received, stopping")
		application.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := application.App.Listen(addr); err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*Application, error) {
	if err := env.SetupEnvFile(); err != nil {
		log.Warnf("[Startup] %v, using process environment", err)
	}

	cfg, err := gateway.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}

	if err := database.SetupDatabase(); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	cache.SetupCache()

	store, closeDedup, err := dedup.New(dedup.Options{
		Backend:  env.GetEnv("DEDUP_BACKEND", dedup.BackendMySQL),
		DB:       database.GetDB(),
		Redis:    cache.GetClient(),
		BoltPath: env.GetEnv("DEDUP_BOLT_PATH", "data/dedup.db"),
	})
	if err != nil {
		return nil, err
	}

	sealer, err := credential.NewSealer(env.GetEnv("CREDENTIAL_SECRET", ""))
	if err != nil {
		return nil, fmt.Errorf("CREDENTIAL_SECRET: %w", err)
	}

	publisher := events.FromEnv(env.GetEnv("KAFKA_BROKERS", ""), env.GetEnv("KAFKA_TOPIC", ""))
	client := gateway.NewClient(cfg)
	repos := repository.NewFactory(database.GetDB()).GetRepositories()

	coordinator := reconcile.NewCoordinator(client.Codec(), repos.Transaction, store,
		reconcile.WithPublisher(publisher),
		reconcile.WithSubscriptions(repos.Subscription, sealer),
	)
	initiator := reconcile.NewInitiator(client, repos.Transaction)

	machine := renewal.NewMachine(repos.Subscription, repos.Transaction, client, sealer,
		renewal.WithPublisher(publisher),
		renewal.WithMode(cfg.Mode),
		renewal.WithBatchSize(env.GetEnvInt("RENEWAL_BATCH_SIZE", renewal.DefaultBatchSize)),
	)
	manager := renewal.NewManager(machine, store, tickLockClient(),
		env.GetEnvMinutes("RENEWAL_TICK_MINUTES", renewal.DefaultTickInterval),
		env.GetEnvMinutes("DEDUP_CLEANUP_MINUTES", renewal.DefaultCleanupInterval),
	)

	basePath := findBasePath()

	app := fiber.New(fiber.Config{
		AppName:   "PaySync",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	} else {
		log.Warn("[Startup] openapi.yml not found, API docs disabled")
	}

	// ROUTER
	router.InstallRouter(app,
		controllers.NewGatewayController(coordinator, initiator, repos.Transaction),
		env.GetEnvList("CHECKOUT_API_KEYS"),
		cache.NewLimiterStorage(cache.GetClient(), cache.LimiterDatabase),
	)

	log.Infof("[Startup] Gateway mode %s, dedup backend %s", cfg.Mode, env.GetEnv("DEDUP_BACKEND", dedup.BackendMySQL))

	return &Application{
		App:        app,
		Renewals:   manager,
		publisher:  publisher,
		closeDedup: closeDedup,
	}, nil
}

// Shutdown stops the workers first so no renewal is cut off mid-charge by
// a closed store.
func (a *Application) Shutdown() {
	a.Renewals.Stop()
	if err := a.App.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[Shutdown] HTTP server: %v", err)
	}
	if err := a.publisher.Close(); err != nil {
		log.Errorf("[Shutdown] Event publisher: %v", err)
	}
	if err := a.closeDedup(); err != nil {
		log.Errorf("[Shutdown] Dedup store: %v", err)
	}
}

func findBasePath() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/paysync to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	return ""
}

// tickLockClient returns nil when the cache is unreachable so a single
// instance still renews without the cross-instance lock.
func tickLockClient() redis.UniversalClient {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rdb := cache.GetClient()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnf("[Renewal] Tick lock disabled: %v", err)
		return nil
	}
	return rdb
}

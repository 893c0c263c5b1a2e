// Command relay runs the transactional-outbox relay service: it drains
// unpublished rows from the outbox table, publishes them to the broker,
// and back-marks both publish and broker-receive confirmation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chris-alexander-pop/outbox-relay/pkg/database"
	dbsql "github.com/chris-alexander-pop/outbox-relay/pkg/database/sql"
	"github.com/chris-alexander-pop/outbox-relay/pkg/database/sql/adapters/mssql"
	"github.com/chris-alexander-pop/outbox-relay/pkg/database/sql/adapters/mysql"
	"github.com/chris-alexander-pop/outbox-relay/pkg/database/sql/adapters/postgres"
	"github.com/chris-alexander-pop/outbox-relay/pkg/database/sql/adapters/sqlite"

	"github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/outbox-relay/pkg/concurrency/distlock"
	redisdistlock "github.com/chris-alexander-pop/outbox-relay/pkg/concurrency/distlock/adapters/redis"

	"github.com/chris-alexander-pop/outbox-relay/pkg/config"
	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging/adapters/kafka"
	membroker "github.com/chris-alexander-pop/outbox-relay/pkg/messaging/adapters/memory"
	"github.com/chris-alexander-pop/outbox-relay/pkg/telemetry"

	"github.com/chris-alexander-pop/outbox-relay/internal/httpapi"
	"github.com/chris-alexander-pop/outbox-relay/internal/relay"
	"github.com/chris-alexander-pop/outbox-relay/internal/schemaregistry"
)

// appConfig aggregates every ambient and domain configuration block the
// relay needs; config.Load reads it from .env/environment variables.
type appConfig struct {
	Logger    logger.Config
	Telemetry telemetry.Config

	Database  dbsql.Config
	Messaging messaging.Config
	Kafka     kafka.Config
	Memory    membroker.Config

	SchemaRegistry schemaregistry.Config
	Broker         messaging.ResilientBrokerConfig

	Relay relay.Config

	HTTPPort int `env:"HTTP_PORT" env-default:"8080"`

	RedisAddr string `env:"REDIS_ADDR"`
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logger)

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		logger.L().Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db dbsql.SQL
	var brokerImpl messaging.Broker

	err = relay.BootstrapWithRetry(ctx, func() error {
		var bootErr error
		db, bootErr = openDatabase(cfg.Database)
		if bootErr != nil {
			return bootErr
		}
		brokerImpl, bootErr = openBroker(cfg.Messaging, cfg.Kafka, cfg.Memory)
		return bootErr
	})
	if err != nil {
		logger.L().Error("failed to bootstrap dependencies", "error", err)
		os.Exit(1)
	}

	db = database.NewInstrumentedManager(db)

	var wiredBroker messaging.Broker = messaging.NewResilientBroker(brokerImpl, cfg.Broker)
	wiredBroker = messaging.NewInstrumentedBroker(wiredBroker)
	schemaRegistry := schemaregistry.New(cfg.SchemaRegistry)

	var locker distlock.Locker
	if cfg.Relay.EnableDistributedKeyLock && cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker = redisdistlock.New(redisClient, "relay:keylock:")
	}

	svc, err := relay.New(cfg.Relay, db, wiredBroker, schemaRegistry, locker)
	if err != nil {
		logger.L().Error("failed to assemble relay service", "error", err)
		os.Exit(1)
	}

	svc.Start(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpapi.NewHandler(svc),
	}

	go func() {
		logger.L().Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.L().Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L().Error("http server shutdown error", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.L().Error("relay shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.L().Error("database close error", "error", err)
	}
}

// openBroker selects the messaging adapter matching cfg.Driver. The memory
// broker exists for local development against the full pipeline without a
// Kafka cluster; "kafka" goes through sarama, and any other driver is
// rejected.
func openBroker(cfg messaging.Config, kafkaCfg kafka.Config, memCfg membroker.Config) (messaging.Broker, error) {
	switch cfg.Driver {
	case "memory":
		return membroker.New(memCfg), nil
	case "kafka":
		return kafka.New(kafkaCfg)
	default:
		return nil, fmt.Errorf("unsupported messaging driver %q", cfg.Driver)
	}
}

// openDatabase selects the sql.SQL adapter matching cfg.Driver behind a
// single dbsql.SQL interface.
func openDatabase(cfg dbsql.Config) (dbsql.SQL, error) {
	switch cfg.Driver {
	case database.DriverPostgres:
		return postgres.New(cfg)
	case database.DriverMySQL:
		return mysql.New(cfg)
	case database.DriverSQLite:
		return sqlite.New(cfg)
	case database.DriverSQLServer:
		return mssql.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

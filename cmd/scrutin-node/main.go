package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vocdoni/scrutin-node/aggregator"
	"github.com/vocdoni/scrutin-node/api"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/config"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/db"
	"github.com/vocdoni/scrutin-node/db/metadb"
	"github.com/vocdoni/scrutin-node/log"
	"github.com/vocdoni/scrutin-node/service"
	"github.com/vocdoni/scrutin-node/store"
	"github.com/vocdoni/scrutin-node/store/kvstore"
	"github.com/vocdoni/scrutin-node/store/mongostore"
	"github.com/vocdoni/scrutin-node/types"
	"github.com/vocdoni/scrutin-node/validator"
)

// storeCloseTimeout bounds the results store disconnect on shutdown.
const storeCloseTimeout = 5 * time.Second

// Services holds all the running services
type Services struct {
	BusDB       db.Database
	StoreDB     db.Database
	Bus         *bus.Bus
	Credentials credstore.Store
	Results     store.Store
	API         *service.APIService
	Validator   *service.ValidatorService
	Aggregator  *service.AggregatorService
	Monitor     *service.StatsMonitor
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting scrutin-node", "version", Version)

	// Validate configuration
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	// Initialize the queue database
	log.Infow("initializing queue storage",
		"datadir", cfg.Datadir,
		"type", db.TypePebble)
	busdb, err := metadb.New(db.TypePebble, filepath.Join(cfg.Datadir, config.BusDir))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue storage: %w", err)
	}
	services.BusDB = busdb

	services.Bus, err = bus.New(busdb, bus.Options{
		Queues:         bus.PipelineQueues(),
		MaxLength:      cfg.Queue.MaxLength,
		ReservationTTL: cfg.Queue.ReservationTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open the queue bus: %w", err)
	}

	// Initialize the credential store
	switch cfg.Credentials.Backend {
	case config.CredentialsBackendRedis:
		log.Infow("connecting credential store", "backend", cfg.Credentials.Backend)
		services.Credentials, err = credstore.NewRedis(ctx, credstore.RedisOptions{
			URL:          cfg.Credentials.RedisURL,
			DuplicateTTL: cfg.Credentials.DuplicateTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	default:
		// Claims do not survive a restart with this backend; the audit
		// uniqueness check in the validators still stops double counting.
		log.Warnw("using in-memory credential store", "backend", cfg.Credentials.Backend)
		services.Credentials = credstore.NewMemory()
	}

	// Initialize the results store
	switch cfg.Results.Backend {
	case config.ResultsBackendMongo:
		log.Infow("connecting results store",
			"backend", cfg.Results.Backend,
			"database", cfg.Results.MongoDB)
		services.Results, err = mongostore.New(ctx, mongostore.Options{
			URL:      cfg.Results.MongoURL,
			Database: cfg.Results.MongoDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
	default:
		log.Infow("initializing results storage",
			"datadir", cfg.Datadir,
			"type", db.TypePebble)
		storedb, err := metadb.New(db.TypePebble, filepath.Join(cfg.Datadir, config.StoreDir))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize results storage: %w", err)
		}
		services.StoreDB = storedb
		services.Results = kvstore.New(storedb)
	}

	// Load election definitions
	if cfg.Elections.Seed != "" {
		n, err := loadElectionSeed(ctx, services.Results, cfg.Elections.Seed)
		if err != nil {
			return nil, fmt.Errorf("failed to load election seed: %w", err)
		}
		log.Infow("election definitions loaded", "file", cfg.Elections.Seed, "count", n)
	}

	// Start API service
	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API = service.NewAPI(&api.APIConfig{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		Bus:            services.Bus,
		Credentials:    services.Credentials,
		Results:        services.Results,
		MaxBodyBytes:   cfg.API.MaxBodyBytes,
		ConfirmTimeout: cfg.API.ConfirmTimeout,
		WindowCacheTTL: cfg.API.WindowCacheTTL,
	}, false)
	if err := services.API.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start API service: %w", err)
	}

	// Start validator service
	log.Infow("starting validator service",
		"workers", cfg.Validator.Workers,
		"enforceWindow", cfg.Validator.EnforceWindow)
	services.Validator = service.NewValidator(services.Bus, services.Credentials, services.Results,
		validator.Options{
			Workers:        cfg.Validator.Workers,
			Prefetch:       cfg.Validator.Prefetch,
			MessageTimeout: cfg.Validator.MessageTimeout,
			RequeueDelay:   cfg.Validator.RequeueDelay,
			EnforceWindow:  cfg.Validator.EnforceWindow,
		})
	if err := services.Validator.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start validator service: %w", err)
	}

	// Start aggregator service
	log.Infow("starting aggregator service",
		"batchSize", cfg.Aggregator.BatchSize,
		"batchInterval", cfg.Aggregator.BatchInterval.String())
	services.Aggregator = service.NewAggregator(services.Bus, services.Results,
		aggregator.Options{
			BatchSize:        cfg.Aggregator.BatchSize,
			BatchInterval:    cfg.Aggregator.BatchInterval,
			MaxRetry:         cfg.Aggregator.MaxRetry,
			RetryBase:        cfg.Aggregator.RetryBase,
			StatementTimeout: cfg.Aggregator.StatementTimeout,
		})
	if err := services.Aggregator.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start aggregator service: %w", err)
	}

	// Start stats monitor
	services.Monitor = service.NewStatsMonitor(services.Bus, services.Credentials,
		services.Validator.Pool, services.Aggregator.Aggregator, cfg.Monitor.Interval)
	if err := services.Monitor.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start stats monitor: %w", err)
	}

	log.Info("scrutin-node is running, ready to process votes!")
	return services, nil
}

// loadElectionSeed reads a JSON array of election definitions and upserts
// them into the results store.
func loadElectionSeed(ctx context.Context, st store.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var elections []*types.Election
	if err := json.Unmarshal(data, &elections); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, e := range elections {
		if e.ID <= 0 {
			return 0, fmt.Errorf("election with non-positive ID %d", e.ID)
		}
		if !e.Method.Valid() {
			return 0, fmt.Errorf("election %d: unknown method %q", e.ID, e.Method)
		}
		if err := st.UpsertElection(ctx, e); err != nil {
			return 0, fmt.Errorf("store election %d: %w", e.ID, err)
		}
	}
	return len(elections), nil
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop the intake first so the stages can drain, then the stages in
	// pipeline order.
	if services.API != nil {
		services.API.Stop()
	}
	if services.Monitor != nil {
		services.Monitor.Stop()
	}
	if services.Validator != nil {
		services.Validator.Stop()
	}
	if services.Aggregator != nil {
		services.Aggregator.Stop()
	}
	if services.Bus != nil {
		services.Bus.Close()
	}
	if services.Credentials != nil {
		if err := services.Credentials.Close(); err != nil {
			log.Warnw("credential store close failed", "error", err)
		}
	}
	if services.Results != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
		if err := services.Results.Close(ctx); err != nil {
			log.Warnw("results store close failed", "error", err)
		}
		cancel()
	}
	if services.StoreDB != nil {
		if err := services.StoreDB.Close(); err != nil {
			log.Warnw("results database close failed", "error", err)
		}
	}
	if services.BusDB != nil {
		if err := services.BusDB.Close(); err != nil {
			log.Warnw("queue database close failed", "error", err)
		}
	}
}

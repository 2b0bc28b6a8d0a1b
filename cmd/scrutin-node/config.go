package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/scrutin-node/config"
	"github.com/vocdoni/scrutin-node/internal"
)

const (
	defaultAPIHost   = "0.0.0.0"
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".scrutin" // Will be prefixed with user's home directory
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*config.Config, error) {
	v := viper.New()

	// Set up default values
	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", config.DefaultAPIPort)
	v.SetDefault("api.maxbody", config.DefaultMaxBodyBytes)
	v.SetDefault("api.confirmtimeout", config.DefaultConfirmTimeout)
	v.SetDefault("api.windowcachettl", config.DefaultWindowCacheTTL)
	v.SetDefault("queue.maxlength", config.DefaultQueueMaxLength)
	v.SetDefault("queue.reservationttl", config.DefaultReservationTTL)
	v.SetDefault("credentials.backend", config.CredentialsBackendMemory)
	v.SetDefault("credentials.redisurl", "")
	v.SetDefault("credentials.duplicatettl", time.Duration(0))
	v.SetDefault("results.backend", config.ResultsBackendKV)
	v.SetDefault("results.mongourl", "")
	v.SetDefault("results.mongodb", "scrutin")
	v.SetDefault("validator.workers", config.DefaultWorkerCount)
	v.SetDefault("validator.prefetch", config.DefaultWorkerPrefetch)
	v.SetDefault("validator.messagetimeout", config.DefaultMessageTimeout)
	v.SetDefault("validator.requeuedelay", config.DefaultRequeueDelay)
	v.SetDefault("validator.enforcewindow", false)
	v.SetDefault("aggregator.batchsize", config.DefaultBatchSize)
	v.SetDefault("aggregator.batchinterval", config.DefaultBatchInterval)
	v.SetDefault("aggregator.maxretry", config.DefaultMaxRetry)
	v.SetDefault("aggregator.retrybase", config.DefaultRetryBase)
	v.SetDefault("aggregator.statementtimeout", config.DefaultStatementTimeout)
	v.SetDefault("elections.seed", "")
	v.SetDefault("monitor.interval", config.DefaultMonitorInterval)

	// Configure flags
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the queue and results databases")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", config.DefaultAPIPort, "API port")
	flag.Int64("api.maxbody", config.DefaultMaxBodyBytes, "maximum vote request body size in bytes")
	flag.Duration("api.confirmtimeout", config.DefaultConfirmTimeout, "how long to wait for a queue publish confirmation")
	flag.Duration("api.windowcachettl", config.DefaultWindowCacheTTL, "election voting window cache TTL")
	flag.Int64("queue.maxlength", config.DefaultQueueMaxLength, "maximum depth of each queue (0 = unbounded)")
	flag.Duration("queue.reservationttl", config.DefaultReservationTTL, "redeliver unacknowledged envelopes after this age")
	flag.StringP("credentials.backend", "c", config.CredentialsBackendMemory, "credential store backend (memory or redis)")
	flag.String("credentials.redisurl", "", "redis connection URL, e.g. redis://localhost:6379/0")
	flag.Duration("credentials.duplicatettl", 0, "expire duplicate counters after this duration (0 = keep forever)")
	flag.StringP("results.backend", "r", config.ResultsBackendKV, "results store backend (kv or mongo)")
	flag.String("results.mongourl", "", "mongodb connection URL")
	flag.String("results.mongodb", "scrutin", "mongodb database name")
	flag.IntP("validator.workers", "w", config.DefaultWorkerCount, "number of validation workers")
	flag.Int("validator.prefetch", config.DefaultWorkerPrefetch, "envelopes buffered per validation worker")
	flag.Duration("validator.messagetimeout", config.DefaultMessageTimeout, "processing deadline per envelope")
	flag.Duration("validator.requeuedelay", config.DefaultRequeueDelay, "redelivery delay after a transient failure")
	flag.Bool("validator.enforcewindow", false, "re-check election voting windows at validation time")
	flag.IntP("aggregator.batchsize", "b", config.DefaultBatchSize, "envelopes per tally batch")
	flag.Duration("aggregator.batchinterval", config.DefaultBatchInterval, "maximum age of a buffered envelope before a partial flush")
	flag.Int("aggregator.maxretry", config.DefaultMaxRetry, "commit attempts per batch before dead-lettering")
	flag.Duration("aggregator.retrybase", config.DefaultRetryBase, "initial backoff between commit attempts")
	flag.Duration("aggregator.statementtimeout", config.DefaultStatementTimeout, "deadline for a single tally commit")
	flag.StringP("elections.seed", "s", "", "JSON file with election definitions to load at startup")
	flag.Duration("monitor.interval", config.DefaultMonitorInterval, "pipeline statistics logging interval")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "scrutin-node v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: scrutin-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, SCRUTIN_API_PORT or SCRUTIN_CREDENTIALS_REDISURL\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start a single node with embedded stores\n")
		fmt.Fprintf(os.Stderr, "  scrutin-node --elections.seed=elections.json\n\n")
		fmt.Fprintf(os.Stderr, "  # Start a node sharing credentials and results with other nodes\n")
		fmt.Fprintf(os.Stderr, "  scrutin-node --credentials.backend=redis --credentials.redisurl=redis://localhost:6379/0 \\\n")
		fmt.Fprintf(os.Stderr, "               --results.backend=mongo --results.mongourl=mongodb://localhost:27017\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("SCRUTIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// Unmarshal configuration into struct
	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *config.Config) error {
	switch cfg.Credentials.Backend {
	case config.CredentialsBackendMemory:
	case config.CredentialsBackendRedis:
		if cfg.Credentials.RedisURL == "" {
			return fmt.Errorf("credentials.redisurl is required with the redis backend")
		}
	default:
		return fmt.Errorf("invalid credentials backend %q, available backends: [%s %s]",
			cfg.Credentials.Backend, config.CredentialsBackendMemory, config.CredentialsBackendRedis)
	}

	switch cfg.Results.Backend {
	case config.ResultsBackendKV:
	case config.ResultsBackendMongo:
		if cfg.Results.MongoURL == "" {
			return fmt.Errorf("results.mongourl is required with the mongo backend")
		}
		if cfg.Results.MongoDB == "" {
			return fmt.Errorf("results.mongodb is required with the mongo backend")
		}
	default:
		return fmt.Errorf("invalid results backend %q, available backends: [%s %s]",
			cfg.Results.Backend, config.ResultsBackendKV, config.ResultsBackendMongo)
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("invalid API port %d", cfg.API.Port)
	}
	return nil
}

// Package config defines the configuration types shared by the scrutin-node
// binaries and the default values for the vote processing pipeline.
package config

import "time"

// Default values for the pipeline tunables. They match the documented
// operational defaults and can all be overridden via flags or environment
// variables (see cmd/scrutin-node).
const (
	// DefaultAPIPort is the port the ingestion API listens on.
	DefaultAPIPort = 8080
	// DefaultQueueMaxLength is the maximum number of pending envelopes per
	// queue before publishes are rejected with a back-pressure error.
	DefaultQueueMaxLength = 100000
	// DefaultReservationTTL is how long a delivered envelope may stay
	// unacknowledged before it is returned to its queue.
	DefaultReservationTTL = 5 * time.Minute
	// DefaultWorkerCount is the number of concurrent validation workers.
	DefaultWorkerCount = 4
	// DefaultWorkerPrefetch is the number of envelopes a validation worker
	// may hold in flight.
	DefaultWorkerPrefetch = 10
	// DefaultMessageTimeout bounds the processing of a single envelope.
	DefaultMessageTimeout = 30 * time.Second
	// DefaultRequeueDelay is the delay applied to an envelope returned to
	// the queue after a transient failure.
	DefaultRequeueDelay = time.Second
	// DefaultBatchSize is the aggregator flush threshold.
	DefaultBatchSize = 100
	// DefaultBatchInterval is the maximum age of a buffered envelope before
	// the aggregator flushes a partial batch.
	DefaultBatchInterval = time.Second
	// DefaultMaxRetry is the number of attempts to commit a tally batch
	// before its envelopes are dead-lettered.
	DefaultMaxRetry = 3
	// DefaultRetryBase is the initial backoff between tally commit
	// attempts. It doubles on every retry.
	DefaultRetryBase = time.Second
	// DefaultStatementTimeout bounds a single tally commit.
	DefaultStatementTimeout = 10 * time.Second
	// DefaultConfirmTimeout is how long the ingestion API waits for the
	// queue to confirm a publish before answering 503.
	DefaultConfirmTimeout = 5 * time.Second
	// DefaultMaxBodyBytes is the maximum accepted request body size for
	// vote submissions.
	DefaultMaxBodyBytes = 1024
	// DefaultWindowCacheTTL is how long a cached election voting window is
	// trusted before it is re-read from the results store.
	DefaultWindowCacheTTL = time.Minute
	// DefaultMonitorInterval is the period of the pipeline stats monitor.
	DefaultMonitorInterval = 30 * time.Second
)

// Subdirectories created under the node data directory.
const (
	BusDir   = "bus"
	StoreDir = "store"
)

// Credential store backends.
const (
	CredentialsBackendMemory = "memory"
	CredentialsBackendRedis  = "redis"
)

// Results store backends.
const (
	ResultsBackendKV    = "kv"
	ResultsBackendMongo = "mongo"
)

// Config is the global configuration for a scrutin node. Every field can be
// set via command line flags or SCRUTIN_* environment variables.
type Config struct {
	Datadir     string            `mapstructure:"datadir"`
	Log         LogConfig         `mapstructure:"log"`
	API         APIConfig         `mapstructure:"api"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Results     ResultsConfig     `mapstructure:"results"`
	Validator   ValidatorConfig   `mapstructure:"validator"`
	Aggregator  AggregatorConfig  `mapstructure:"aggregator"`
	Elections   ElectionsConfig   `mapstructure:"elections"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

// LogConfig groups the logging options.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// APIConfig groups the ingestion API options.
type APIConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	MaxBodyBytes   int64         `mapstructure:"maxbody"`
	ConfirmTimeout time.Duration `mapstructure:"confirmtimeout"`
	WindowCacheTTL time.Duration `mapstructure:"windowcachettl"`
}

// QueueConfig groups the embedded queue options.
type QueueConfig struct {
	MaxLength      int64         `mapstructure:"maxlength"`
	ReservationTTL time.Duration `mapstructure:"reservationttl"`
}

// CredentialsConfig selects and configures the credential store backend.
type CredentialsConfig struct {
	Backend      string        `mapstructure:"backend"` // redis or memory
	RedisURL     string        `mapstructure:"redisurl"`
	DuplicateTTL time.Duration `mapstructure:"duplicatettl"`
}

// ResultsConfig selects and configures the audit and tally store backend.
type ResultsConfig struct {
	Backend  string `mapstructure:"backend"` // kv or mongo
	MongoURL string `mapstructure:"mongourl"`
	MongoDB  string `mapstructure:"mongodb"`
}

// ValidatorConfig groups the validation worker pool options.
type ValidatorConfig struct {
	Workers        int           `mapstructure:"workers"`
	Prefetch       int           `mapstructure:"prefetch"`
	MessageTimeout time.Duration `mapstructure:"messagetimeout"`
	RequeueDelay   time.Duration `mapstructure:"requeuedelay"`
	EnforceWindow  bool          `mapstructure:"enforcewindow"`
}

// AggregatorConfig groups the tally aggregator options.
type AggregatorConfig struct {
	BatchSize        int           `mapstructure:"batchsize"`
	BatchInterval    time.Duration `mapstructure:"batchinterval"`
	MaxRetry         int           `mapstructure:"maxretry"`
	RetryBase        time.Duration `mapstructure:"retrybase"`
	StatementTimeout time.Duration `mapstructure:"statementtimeout"`
}

// ElectionsConfig points to an optional JSON seed file with the election
// definitions to load into the results store at startup.
type ElectionsConfig struct {
	Seed string `mapstructure:"seed"`
}

// MonitorConfig groups the stats monitor options.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

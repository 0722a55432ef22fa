package couchodm

import (
	"time"
)

// Config consolidates settings for a document manager
type Config struct {
	CouchDB        CouchDBConfig        `json:"couchdb"`
	UnitOfWork     UnitOfWorkConfig     `json:"unitOfWork"`
	Identifiers    IdentifierConfig     `json:"identifiers"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	Logging        LoggingConfig        `json:"logging"`
	Metrics        MetricsConfig        `json:"metrics"`
}

// CouchDBConfig contains server connection settings
type CouchDBConfig struct {
	URL             string        `json:"url"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	CreateIfMissing bool          `json:"createIfMissing"`
	RequestTimeout  time.Duration `json:"requestTimeout"`
}

// UnitOfWorkConfig contains flush settings
type UnitOfWorkConfig struct {
	// CommitTimeout bounds the single bulk request of a flush.
	CommitTimeout time.Duration `json:"commitTimeout"`
	// ParallelThreshold is the number of managed documents above which change
	// sets are computed concurrently.
	ParallelThreshold  int    `json:"parallelThreshold"`
	MaxParallelWorkers int    `json:"maxParallelWorkers"`
	DiscriminatorField string `json:"discriminatorField"`
	ValidateSchemas    bool   `json:"validateSchemas"`
}

// IdentifierConfig contains identifier pool settings
type IdentifierConfig struct {
	Source    IdentifierSource `json:"source"`
	BatchSize int              `json:"batchSize"`
}

// IdentifierSource selects where new document identifiers come from.
type IdentifierSource string

const (
	IdentifierSourceServer IdentifierSource = "server" // CouchDB /_uuids
	IdentifierSourceLocal  IdentifierSource = "local"  // UUIDv7 generated in-process
)

// CircuitBreakerConfig contains transport breaker settings
type CircuitBreakerConfig struct {
	Enabled      bool          `json:"enabled"`
	Threshold    int           `json:"threshold"`
	Window       time.Duration `json:"window"`
	OpenDuration time.Duration `json:"openDuration"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level          string `json:"level"`
	Format         string `json:"format"`
	LogOperations  bool   `json:"logOperations"`
	LogChangeSets  bool   `json:"logChangeSets"`
	LogConflicts   bool   `json:"logConflicts"`
	LogMigrations  bool   `json:"logMigrations"`
	LogFlushPhases bool   `json:"logFlushPhases"`
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		CouchDB: CouchDBConfig{
			URL:             "http://localhost:5984",
			Database:        "couchodm",
			CreateIfMissing: false,
			RequestTimeout:  30 * time.Second,
		},
		UnitOfWork: UnitOfWorkConfig{
			CommitTimeout:      30 * time.Second,
			ParallelThreshold:  64,
			MaxParallelWorkers: 4,
			DiscriminatorField: "type",
			ValidateSchemas:    true,
		},
		Identifiers: IdentifierConfig{
			Source:    IdentifierSourceServer,
			BatchSize: 20,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      true,
			Threshold:    5,
			Window:       30 * time.Second,
			OpenDuration: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			LogOperations:  false,
			LogChangeSets:  false,
			LogConflicts:   true,
			LogMigrations:  true,
			LogFlushPhases: false,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "couchodm",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CouchDB.URL == "" {
		return &ConfigError{Field: "couchdb.url", Message: "must not be empty"}
	}

	if c.CouchDB.Database == "" {
		return &ConfigError{Field: "couchdb.database", Message: "must not be empty"}
	}

	if c.UnitOfWork.CommitTimeout <= 0 {
		return &ConfigError{Field: "unitOfWork.commitTimeout", Message: "must be greater than 0"}
	}

	if c.UnitOfWork.MaxParallelWorkers <= 0 {
		return &ConfigError{Field: "unitOfWork.maxParallelWorkers", Message: "must be greater than 0"}
	}

	if c.UnitOfWork.ParallelThreshold < 0 {
		return &ConfigError{Field: "unitOfWork.parallelThreshold", Message: "must not be negative"}
	}

	if c.UnitOfWork.DiscriminatorField == "" || c.UnitOfWork.DiscriminatorField[0] == '_' {
		return &ConfigError{Field: "unitOfWork.discriminatorField", Message: "must be a non-empty key not starting with '_'"}
	}

	if c.Identifiers.BatchSize <= 0 {
		return &ConfigError{Field: "identifiers.batchSize", Message: "must be greater than 0"}
	}

	switch c.Identifiers.Source {
	case IdentifierSourceServer, IdentifierSourceLocal:
	default:
		return &ConfigError{Field: "identifiers.source", Message: "must be 'server' or 'local'"}
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.Threshold <= 0 {
		return &ConfigError{Field: "circuitBreaker.threshold", Message: "must be greater than 0"}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}

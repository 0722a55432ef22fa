package couchodm

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by LoadConfig,
// e.g. COUCHODM_COUCHDB_URL.
const EnvPrefix = "COUCHODM"

// LoadConfig builds a Config from defaults, an optional config file (any
// format viper reads: yaml, json, toml) and COUCHODM_* environment variables,
// in increasing order of precedence. The result is validated.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		CouchDB: CouchDBConfig{
			URL:             v.GetString("couchdb.url"),
			Database:        v.GetString("couchdb.database"),
			Username:        v.GetString("couchdb.username"),
			Password:        v.GetString("couchdb.password"),
			CreateIfMissing: v.GetBool("couchdb.create_if_missing"),
			RequestTimeout:  v.GetDuration("couchdb.request_timeout"),
		},
		UnitOfWork: UnitOfWorkConfig{
			CommitTimeout:      v.GetDuration("unit_of_work.commit_timeout"),
			ParallelThreshold:  v.GetInt("unit_of_work.parallel_threshold"),
			MaxParallelWorkers: v.GetInt("unit_of_work.max_parallel_workers"),
			DiscriminatorField: v.GetString("unit_of_work.discriminator_field"),
			ValidateSchemas:    v.GetBool("unit_of_work.validate_schemas"),
		},
		Identifiers: IdentifierConfig{
			Source:    IdentifierSource(v.GetString("identifiers.source")),
			BatchSize: v.GetInt("identifiers.batch_size"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      v.GetBool("circuit_breaker.enabled"),
			Threshold:    v.GetInt("circuit_breaker.threshold"),
			Window:       v.GetDuration("circuit_breaker.window"),
			OpenDuration: v.GetDuration("circuit_breaker.open_duration"),
		},
		Logging: LoggingConfig{
			Level:          v.GetString("logging.level"),
			Format:         v.GetString("logging.format"),
			LogOperations:  v.GetBool("logging.log_operations"),
			LogChangeSets:  v.GetBool("logging.log_change_sets"),
			LogConflicts:   v.GetBool("logging.log_conflicts"),
			LogMigrations:  v.GetBool("logging.log_migrations"),
			LogFlushPhases: v.GetBool("logging.log_flush_phases"),
		},
		Metrics: MetricsConfig{
			Enabled:   v.GetBool("metrics.enabled"),
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("couchdb.url", d.CouchDB.URL)
	v.SetDefault("couchdb.database", d.CouchDB.Database)
	v.SetDefault("couchdb.username", d.CouchDB.Username)
	v.SetDefault("couchdb.password", d.CouchDB.Password)
	v.SetDefault("couchdb.create_if_missing", d.CouchDB.CreateIfMissing)
	v.SetDefault("couchdb.request_timeout", d.CouchDB.RequestTimeout)

	v.SetDefault("unit_of_work.commit_timeout", d.UnitOfWork.CommitTimeout)
	v.SetDefault("unit_of_work.parallel_threshold", d.UnitOfWork.ParallelThreshold)
	v.SetDefault("unit_of_work.max_parallel_workers", d.UnitOfWork.MaxParallelWorkers)
	v.SetDefault("unit_of_work.discriminator_field", d.UnitOfWork.DiscriminatorField)
	v.SetDefault("unit_of_work.validate_schemas", d.UnitOfWork.ValidateSchemas)

	v.SetDefault("identifiers.source", string(d.Identifiers.Source))
	v.SetDefault("identifiers.batch_size", d.Identifiers.BatchSize)

	v.SetDefault("circuit_breaker.enabled", d.CircuitBreaker.Enabled)
	v.SetDefault("circuit_breaker.threshold", d.CircuitBreaker.Threshold)
	v.SetDefault("circuit_breaker.window", d.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.open_duration", d.CircuitBreaker.OpenDuration)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.log_operations", d.Logging.LogOperations)
	v.SetDefault("logging.log_change_sets", d.Logging.LogChangeSets)
	v.SetDefault("logging.log_conflicts", d.Logging.LogConflicts)
	v.SetDefault("logging.log_migrations", d.Logging.LogMigrations)
	v.SetDefault("logging.log_flush_phases", d.Logging.LogFlushPhases)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

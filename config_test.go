package couchodm

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.CouchDB.URL != "http://localhost:5984" {
		t.Errorf("Expected couchdb url to be 'http://localhost:5984', got %s", config.CouchDB.URL)
	}
	if config.UnitOfWork.CommitTimeout != 30*time.Second {
		t.Errorf("Expected commit timeout to be 30s, got %v", config.UnitOfWork.CommitTimeout)
	}
	if config.UnitOfWork.DiscriminatorField != "type" {
		t.Errorf("Expected discriminator field to be 'type', got %s", config.UnitOfWork.DiscriminatorField)
	}
	if config.Identifiers.Source != IdentifierSourceServer {
		t.Errorf("Expected identifier source to be 'server', got %s", config.Identifiers.Source)
	}
	if config.Identifiers.BatchSize != 20 {
		t.Errorf("Expected identifier batch size to be 20, got %d", config.Identifiers.BatchSize)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"empty url", func(c *Config) { c.CouchDB.URL = "" }, "couchdb.url"},
		{"empty database", func(c *Config) { c.CouchDB.Database = "" }, "couchdb.database"},
		{"zero commit timeout", func(c *Config) { c.UnitOfWork.CommitTimeout = 0 }, "unitOfWork.commitTimeout"},
		{"zero workers", func(c *Config) { c.UnitOfWork.MaxParallelWorkers = 0 }, "unitOfWork.maxParallelWorkers"},
		{"negative threshold", func(c *Config) { c.UnitOfWork.ParallelThreshold = -1 }, "unitOfWork.parallelThreshold"},
		{"reserved discriminator", func(c *Config) { c.UnitOfWork.DiscriminatorField = "_type" }, "unitOfWork.discriminatorField"},
		{"zero batch size", func(c *Config) { c.Identifiers.BatchSize = 0 }, "identifiers.batchSize"},
		{"unknown source", func(c *Config) { c.Identifiers.Source = "magic" }, "identifiers.source"},
		{"breaker threshold", func(c *Config) { c.CircuitBreaker.Threshold = 0 }, "circuitBreaker.threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error for %s", tt.field)
			}
			cfgErr, ok := err.(*ConfigError)
			if !ok {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if cfgErr.Field != tt.field {
				t.Fatalf("Field = %s, want %s", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("COUCHODM_COUCHDB_URL", "http://couch.internal:5984")
	t.Setenv("COUCHODM_COUCHDB_DATABASE", "cms")
	t.Setenv("COUCHODM_UNIT_OF_WORK_COMMIT_TIMEOUT", "5s")
	t.Setenv("COUCHODM_IDENTIFIERS_SOURCE", "local")
	t.Setenv("COUCHODM_IDENTIFIERS_BATCH_SIZE", "50")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.CouchDB.URL != "http://couch.internal:5984" {
		t.Errorf("URL = %s", cfg.CouchDB.URL)
	}
	if cfg.CouchDB.Database != "cms" {
		t.Errorf("Database = %s", cfg.CouchDB.Database)
	}
	if cfg.UnitOfWork.CommitTimeout != 5*time.Second {
		t.Errorf("CommitTimeout = %v", cfg.UnitOfWork.CommitTimeout)
	}
	if cfg.Identifiers.Source != IdentifierSourceLocal {
		t.Errorf("Source = %s", cfg.Identifiers.Source)
	}
	if cfg.Identifiers.BatchSize != 50 {
		t.Errorf("BatchSize = %d", cfg.Identifiers.BatchSize)
	}
	// untouched keys keep their defaults
	if cfg.UnitOfWork.DiscriminatorField != "type" {
		t.Errorf("DiscriminatorField = %s", cfg.UnitOfWork.DiscriminatorField)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "couchodm.yaml")
	content := []byte("couchdb:\n  database: from_file\nidentifiers:\n  batch_size: 7\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.CouchDB.Database != "from_file" {
		t.Errorf("Database = %s", cfg.CouchDB.Database)
	}
	if cfg.Identifiers.BatchSize != 7 {
		t.Errorf("BatchSize = %d", cfg.Identifiers.BatchSize)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("COUCHODM_IDENTIFIERS_BATCH_SIZE", "0")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected validation error")
	}
}

package factory

import (
	"context"
	"fmt"

	"github.com/lychee-technology/couchodm"
	"github.com/lychee-technology/couchodm/internal"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Factory builds document managers that share one CouchDB connection, one
// identifier pool and one circuit breaker. Document managers themselves are
// per session and must not be shared between goroutines.
type Factory struct {
	config    *couchodm.Config
	registry  couchodm.MetadataRegistry
	persister couchodm.Persister
	ids       couchodm.IdentifierAllocator
	logger    *zap.Logger
	closer    func() error
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	persister  couchodm.Persister
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger handed to every component. Defaults to zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets where metrics are registered when config.Metrics is
// enabled. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPersister replaces the CouchDB persister, e.g. with an in-memory one.
func WithPersister(p couchodm.Persister) Option {
	return func(o *options) { o.persister = p }
}

// NewMetadataRegistry validates classes against config and returns a
// registry that can be shared by every session.
func NewMetadataRegistry(config *couchodm.Config, classes ...*couchodm.ClassMetadata) (couchodm.MetadataRegistry, error) {
	if config == nil {
		config = couchodm.DefaultConfig()
	}
	return internal.NewMetadataRegistry(config.UnitOfWork.DiscriminatorField, classes...)
}

// New wires the CouchDB persister, identifier source, circuit breaker and
// metrics described by config.
//
// Usage:
//
//	config, _ := couchodm.LoadConfig("")
//	registry, _ := factory.NewMetadataRegistry(config, userClass, addressClass)
//	f, err := factory.New(ctx, config, registry)
//	if err != nil {
//	    // handle error
//	}
//	defer f.Close()
//	dm := f.NewDocumentManager()
func New(ctx context.Context, config *couchodm.Config, registry couchodm.MetadataRegistry, opts ...Option) (*Factory, error) {
	if config == nil {
		config = couchodm.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("metadata registry is required")
	}

	o := options{logger: zap.L(), registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	f := &Factory{
		config:   config,
		registry: registry,
		logger:   o.logger,
		closer:   func() error { return nil },
	}

	var base couchodm.Persister
	if o.persister != nil {
		base = o.persister
	} else {
		couch, err := internal.NewCouchDBPersister(ctx, config.CouchDB, o.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to couchdb: %w", err)
		}
		base = couch
		f.closer = couch.Close
	}

	f.persister = base
	if config.CircuitBreaker.Enabled {
		breaker := internal.NewCircuitBreaker(
			config.CircuitBreaker.Threshold,
			config.CircuitBreaker.Window,
			config.CircuitBreaker.OpenDuration,
		)
		f.persister = internal.NewCircuitBreakerPersister(base, breaker)
	}

	var source couchodm.IdentifierAllocator = f.persister
	if config.Identifiers.Source == couchodm.IdentifierSourceLocal {
		source = internal.LocalIdentifierAllocator{}
	}
	f.ids = internal.NewIdentifierPool(source, config.Identifiers.BatchSize)

	if config.Metrics.Enabled {
		emitter, err := internal.NewPrometheusEmitter(o.registerer, config.Metrics.Namespace)
		if err != nil {
			_ = f.closer()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		internal.RegisterTelemetryEmitter(emitter)
	}

	o.logger.Sugar().Infow("document manager factory ready",
		"url", config.CouchDB.URL,
		"database", config.CouchDB.Database,
		"identifierSource", string(config.Identifiers.Source),
		"circuitBreaker", config.CircuitBreaker.Enabled)
	return f, nil
}

// NewDocumentManager starts a new session.
func (f *Factory) NewDocumentManager() couchodm.DocumentManager {
	return internal.NewDocumentManager(
		f.registry,
		f.persister,
		f.ids,
		internal.UnitOfWorkOptionsFromConfig(f.config),
		f.logger,
	)
}

// Close releases the CouchDB connection.
func (f *Factory) Close() error {
	return f.closer()
}

// NewDocumentManagerWithConfig is a shortcut for a single-session program:
// it builds a Factory and returns one document manager together with the
// function that closes the connection.
func NewDocumentManagerWithConfig(ctx context.Context, config *couchodm.Config, registry couchodm.MetadataRegistry, opts ...Option) (couchodm.DocumentManager, func() error, error) {
	f, err := New(ctx, config, registry, opts...)
	if err != nil {
		return nil, nil, err
	}
	return f.NewDocumentManager(), f.Close, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/semgov/activation"
	"github.com/c360studio/semgov/api"
	"github.com/c360studio/semgov/audit"
	"github.com/c360studio/semgov/compiler"
	"github.com/c360studio/semgov/config"
	"github.com/c360studio/semgov/ensemble"
	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/metrics"
	"github.com/c360studio/semgov/model"
	"github.com/c360studio/semgov/pipeline"
	"github.com/c360studio/semgov/reliability"
	"github.com/c360studio/semgov/storage"
	"github.com/c360studio/semgov/telemetry"
	"github.com/c360studio/semgov/verification"
)

// App wires the configured components together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsConn *nats.Conn
	js       jetstream.JetStream

	store    storage.ChainStore
	signer   *compiler.Signer
	compiler *compiler.Compiler

	registry *model.Registry
	breakers *reliability.Registry
	metrics  *metrics.Metrics
	sink     audit.Sink
	reader   audit.Reader
	pipeline *pipeline.Pipeline

	closers []func(context.Context) error
}

// NewApp creates an application for cfg. Nothing is opened until Start
// or OpenChain.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

func (a *App) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

// Close releases everything in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenChain opens the signer, the chain store and the compiler. It is all
// the read-only commands need.
func (a *App) OpenChain(ctx context.Context) error {
	signer, err := a.openSigner()
	if err != nil {
		return err
	}
	a.signer = signer

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.store = store
	a.onClose(func(context.Context) error { return store.Close() })

	comp, err := compiler.New(signer, store, compiler.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.compiler = comp
	return nil
}

// Start builds the full governance pipeline on top of OpenChain.
func (a *App) Start(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry, a.logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.onClose(shutdown)

	if err := a.OpenChain(ctx); err != nil {
		return err
	}

	a.metrics = metrics.New()
	a.breakers = reliability.NewRegistry(a.cfg.Breaker, reliability.WithStateObserver(a.metrics.CircuitObserver))
	guard := reliability.NewGuard(a.breakers, a.cfg.Retry, reliability.WithLogger(a.logger))

	registry, err := model.NewRegistry(a.cfg.EnabledAdapters())
	if err != nil {
		return fmt.Errorf("adapters: %w", err)
	}
	a.registry = registry
	adapters, err := llm.NewAdapters(registry, llm.WithLogger(a.logger))
	if err != nil {
		return err
	}

	if err := a.openAudit(ctx); err != nil {
		return err
	}
	auditLog := audit.NewLogger(a.sink, a.logger)

	coord, err := ensemble.NewCoordinator(guard, a.cfg.Ensemble,
		ensemble.WithCatalog(registry),
		ensemble.WithObserver(pipeline.AdapterObserver(auditLog, a.metrics)),
		ensemble.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}

	verifier := verification.NewHTTPVerifier(a.cfg.Verification.URL, a.cfg.Verification.Timeout,
		verification.WithBearerToken(os.Getenv("SEMGOV_VERIFIER_TOKEN")))
	gate, err := verification.NewGate(verifier, a.cfg.Verification, verification.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("verification: %w", err)
	}

	publisher, err := a.openPublishers(ctx)
	if err != nil {
		return err
	}

	a.pipeline, err = pipeline.New(coord, adapters, gate, a.compiler, a.cfg.Pipeline,
		pipeline.WithPublisher(publisher),
		pipeline.WithAudit(auditLog),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTracer(telemetry.Tracer()),
		pipeline.WithLogger(a.logger))
	if err != nil {
		return err
	}

	a.logger.Info("Governance pipeline ready",
		"adapters", registry.IDs(),
		"storage", a.cfg.Storage.Backend,
		"key_id", a.signer.KeyID())
	return nil
}

// Server returns the HTTP API for the started pipeline.
func (a *App) Server() *api.Server {
	return &api.Server{
		Pipeline: a.pipeline,
		Breakers: a.breakers,
		Audit:    a.reader,
		Metrics:  a.metrics,
		Adapters: a.registry,
		Logger:   a.logger,
	}
}

func (a *App) openSigner() (*compiler.Signer, error) {
	switch {
	case a.cfg.Signing.KeyFile != "":
		return compiler.LoadSigner(a.cfg.Signing.KeyFile)
	case a.cfg.Signing.Seed != "":
		return compiler.NewSignerFromSeed(a.cfg.Signing.Seed)
	case a.cfg.Signing.Required:
		return nil, fmt.Errorf("signing: key_file or seed is required")
	}
	seed, err := compiler.GenerateSeed()
	if err != nil {
		return nil, err
	}
	a.logger.Warn("Signing with an ephemeral key; chains will not verify after restart")
	return compiler.NewSignerFromSeed(seed)
}

func (a *App) connectNATS() (jetstream.JetStream, error) {
	if a.js != nil {
		return a.js, nil
	}
	conn, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("semgov"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	a.natsConn = conn
	a.js = js
	a.onClose(func(context.Context) error { return conn.Drain() })
	a.logger.Info("Connected to NATS", "url", a.cfg.NATS.URL)
	return js, nil
}

func (a *App) openStore(ctx context.Context) (storage.ChainStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryChainStore(), nil
	case config.BackendSQLite:
		if err := ensureParent(a.cfg.Storage.Path); err != nil {
			return nil, err
		}
		return storage.NewSQLiteChainStore(a.cfg.Storage.Path)
	case config.BackendJetStream:
		js, err := a.connectNATS()
		if err != nil {
			return nil, err
		}
		return storage.NewKVChainStore(ctx, js)
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Storage.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return storage.NewRedisChainStore(client, a.cfg.Storage.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) openAudit(ctx context.Context) error {
	var sinks audit.Multi
	if path := a.cfg.Audit.SQLitePath; path != "" {
		if err := ensureParent(path); err != nil {
			return err
		}
		s, err := audit.NewSQLiteSink(path)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return s.Close() })
		sinks = append(sinks, s)
		a.reader = s
	}
	if dsn := a.cfg.Audit.PostgresDSN; dsn != "" {
		s, pool, err := audit.NewPostgresSink(ctx, dsn)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		mem := audit.NewMemorySink()
		a.logger.Warn("No audit sink configured; records are kept in memory only")
		sinks = append(sinks, mem)
		a.reader = mem
	}
	a.sink = sinks
	return nil
}

func (a *App) openPublishers(ctx context.Context) (activation.Publisher, error) {
	var pubs activation.Multi
	if a.cfg.Activation.JetStream {
		js, err := a.connectNATS()
		if err != nil {
			return nil, err
		}
		p, err := activation.NewJetStreamPublisher(ctx, js)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	if len(a.cfg.Activation.Kafka.Brokers) > 0 {
		p, err := activation.NewKafkaPublisher(a.cfg.Activation.Kafka)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return p.Close() })
		pubs = append(pubs, p)
	}
	if len(pubs) == 0 {
		return activation.Nop, nil
	}
	return pubs, nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pesio-ai/be-plt-workflow/internal/client"
	"github.com/pesio-ai/be-plt-workflow/internal/config"
	"github.com/pesio-ai/be-plt-workflow/internal/metrics"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/database"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.DB
	nc       *nats.Conn
	registry *prometheus.Registry

	steps    *service.StepRegistry
	audit    *service.AuditTrail
	matcher  *service.AbacMatcher
	rules    *service.AbacRuleService
	entities *service.EntityStoreRegistry
	executor *service.TransitionExecutor
	bus      *client.ChangeBus
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flagStorage != "" {
		cfg.Storage = flagStorage
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

// newApp wires stores, services and messaging for the configured backend.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(a.registry)

	var (
		stepStore  service.StepStore
		ruleStore  service.RuleStore
		auditStore service.AuditStore
	)
	entities, err := service.NewEntityStoreRegistry(cfg.Workflow.EntityModules)
	if err != nil {
		return nil, err
	}
	a.entities = entities

	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		log.Info().Msg("Database connection established")

		stepStore = repository.NewWorkflowStepRepository(db)
		ruleStore = repository.NewAbacRuleRepository(db)
		auditStore = repository.NewWorkflowAuditRepository(db)
		for _, entityType := range entities.EntityTypes() {
			table, ok := cfg.Workflow.EntityTables[entityType]
			if !ok {
				a.close()
				return nil, fmt.Errorf("no table configured for entity type %s", entityType)
			}
			store, err := repository.NewEntityStateRepository(db, table)
			if err != nil {
				a.close()
				return nil, err
			}
			entities.Register(entityType, store)
		}
	default:
		stepStore = repository.NewMemoryStepStore()
		ruleStore = repository.NewMemoryRuleStore()
		auditStore = repository.NewMemoryAuditStore()
		for _, entityType := range entities.EntityTypes() {
			entities.Register(entityType, repository.NewMemoryEntityStore())
		}
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	}

	var publisher client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nc = nc
		publisher = nc
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	a.bus = client.NewChangeBus(a.nc, cfg.NATS.RuleChangeSubject, log.Component("change_bus").Logger)
	notifier := client.NewNotificationPublisher(publisher, cfg.NATS.NotificationPrefix, rec, log.Component("notifications").Logger)

	a.steps = service.NewStepRegistry(stepStore, a.bus, rec, log)
	a.audit = service.NewAuditTrail(auditStore, log)
	a.matcher = service.NewAbacMatcher(ruleStore, cfg.ABAC.DefaultPolicy, rec, log)
	a.rules = service.NewAbacRuleService(ruleStore, a.matcher, a.bus, log)
	a.rules.RegisterEndpoints(cfg.ABAC.Endpoints...)
	a.executor = service.NewTransitionExecutor(a.steps, entities, a.audit, notifier, rec, log)
	return a, nil
}

func (a *app) close() {
	if a.nc != nil {
		_ = a.nc.Drain()
	}
	if a.db != nil {
		a.db.Close()
	}
}

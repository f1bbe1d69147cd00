package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/trunk-fallback-gateway/internal/capacity"
	"github.com/acme/trunk-fallback-gateway/internal/config"
	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/enrich"
	"github.com/acme/trunk-fallback-gateway/internal/fallback"
	"github.com/acme/trunk-fallback-gateway/internal/gateway"
	"github.com/acme/trunk-fallback-gateway/internal/infra/db"
	"github.com/acme/trunk-fallback-gateway/internal/infra/redis"
	"github.com/acme/trunk-fallback-gateway/internal/queue"
	"github.com/acme/trunk-fallback-gateway/internal/repository"
	pgrepo "github.com/acme/trunk-fallback-gateway/internal/repository/postgres"
	scyllarepo "github.com/acme/trunk-fallback-gateway/internal/repository/scylla"
	"github.com/acme/trunk-fallback-gateway/internal/switchctl"
	"github.com/acme/trunk-fallback-gateway/internal/tracker"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		switchMgr    switchctl.Manager
		gateway      *gateway.Gateway
		tracker      *tracker.Tracker
		guard        capacity.Guard
		lifecycle    *queue.LifecyclePublisher
		orchestrator *fallback.Orchestrator
	}
}

type repositories struct {
	Trunks    *pgrepo.TrunkRepository
	Providers *pgrepo.ProviderRepository
	Calls     *scyllarepo.CallRecordStore
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Trunks:    pgrepo.NewTrunkRepository(c.Postgres.DB()),
			Providers: pgrepo.NewProviderRepository(c.Postgres.DB()),
			Calls:     scyllarepo.NewCallRecordStore(c.Scylla.Session()),
		}

		guard := capacity.NewRedisGuard(c.Redis.Inner(), c.Config.Fallback.CapacitySlotTTL)
		manager := switchctl.New(c.Config.Switch, c.Logger)
		gw := gateway.New(manager, c.Config.Switch, c.Logger)
		trk := tracker.New(c.Logger)
		lifecycle := queue.NewLifecyclePublisher(c.Kafka, c.Config.Kafka.LifecycleTopic)

		deps := fallback.Deps{
			Gateway:   gw,
			Switch:    manager,
			Guard:     guard,
			Trunks:    repos.Trunks,
			Providers: repos.Providers,
			Tracker:   trk,
			Records: &callRecordSink{
				attempts:  repos.Calls,
				lifecycle: lifecycle,
			},
		}
		if c.Config.AI.Enabled {
			deps.Transcriber = enrich.NewWhisperClient(c.Config.AI.OpenAIAPIKey)
			deps.Sentiment = enrich.NewHuggingFaceClient(c.Config.AI.HuggingFaceAPIKey)
		}

		c.components.repositories = repos
		c.components.guard = guard
		c.components.switchMgr = manager
		c.components.gateway = gw
		c.components.tracker = trk
		c.components.lifecycle = lifecycle
		c.components.orchestrator = fallback.New(deps, c.Config.Fallback, c.Logger)
	})
}

// callRecordSink routes per-attempt records straight to Scylla while terminal
// records go through Kafka so the CDR worker owns the final write.
type callRecordSink struct {
	attempts  *scyllarepo.CallRecordStore
	lifecycle *queue.LifecyclePublisher
}

func (s *callRecordSink) RecordAttempt(ctx context.Context, attempt domain.OriginationAttempt) error {
	return s.attempts.RecordAttempt(ctx, attempt)
}

func (s *callRecordSink) RecordFinal(ctx context.Context, record repository.FinalCallRecord) error {
	return s.lifecycle.PublishLifecycle(ctx, queue.LifecycleMessage{
		ExternalID:      record.ExternalID,
		TrunkID:         record.TrunkID,
		State:           string(record.State),
		DurationSeconds: record.DurationSeconds,
		Cause:           record.Cause,
		Cost:            record.Cost,
		OccurredAt:      record.OccurredAt,
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Switch exposes the telephony control-plane manager.
func (c *Container) Switch() switchctl.Manager {
	c.initComponents()
	return c.components.switchMgr
}

// Gateway exposes the origination gateway.
func (c *Container) Gateway() *gateway.Gateway {
	c.initComponents()
	return c.components.gateway
}

// Tracker exposes the call state tracker.
func (c *Container) Tracker() *tracker.Tracker {
	c.initComponents()
	return c.components.tracker
}

// Guard exposes the trunk capacity guard.
func (c *Container) Guard() capacity.Guard {
	c.initComponents()
	return c.components.guard
}

// Lifecycle exposes the Kafka lifecycle publisher.
func (c *Container) Lifecycle() *queue.LifecyclePublisher {
	c.initComponents()
	return c.components.lifecycle
}

// Orchestrator exposes the trunk fallback orchestrator.
func (c *Container) Orchestrator() *fallback.Orchestrator {
	c.initComponents()
	return c.components.orchestrator
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.LifecycleTopic}, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.switchMgr != nil {
		c.components.switchMgr.Disconnect()
	}
	if c.components.lifecycle != nil {
		if err := c.components.lifecycle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

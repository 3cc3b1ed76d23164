package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/bundle"
	"github.com/dasmlab/textbundle/pkg/cache"
	"github.com/dasmlab/textbundle/pkg/catalog"
	"github.com/dasmlab/textbundle/pkg/crontoken"
	"github.com/dasmlab/textbundle/pkg/extract"
	"github.com/dasmlab/textbundle/pkg/queue"
	"github.com/dasmlab/textbundle/pkg/service"
	"github.com/dasmlab/textbundle/pkg/storage"
	"github.com/dasmlab/textbundle/pkg/templates"
	"github.com/dasmlab/textbundle/pkg/translate"
)

// app holds the collaborators shared by the subcommands.
type app struct {
	db      *sql.DB
	redis   *redis.Client
	catalog *catalog.Store
	queue   *queue.Queue
	tokens  crontoken.Store
	cache   cache.Cache
	rules   *extract.Rules
}

func openApp(ctx context.Context) (*app, error) {
	db, err := storage.Open(cfg.Database.Path,
		storage.WithMkdirAll(),
		storage.WithBusyTimeout(cfg.Database.BusyTimeoutMS),
		storage.WithSynchronous(cfg.Database.Synchronous),
		storage.WithMigrate(),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{
		db:      db,
		catalog: catalog.New(db, catalog.WithLogger(logger)),
		queue:   queue.New(db, queue.WithLogger(logger)),
		rules:   cfg.Rules(),
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.cache = cache.NewRedis(a.redis, cfg.Redis.Prefix+"bundle:")
		a.tokens = crontoken.NewRedis(a.redis, cfg.Redis.Prefix+"cron:", cfg.Cron.TokenTTL)
	} else {
		a.cache = cache.NewMemory(cfg.Cache.MaxEntries)
		a.tokens = crontoken.NewMemory(cfg.Cron.TokenTTL)
	}

	logger.WithFields(logrus.Fields{
		"database": cfg.Database.Path,
		"redis":    cfg.Redis.Addr != "",
	}).Debug("Storage opened")
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close redis client")
		}
	}
	if err := a.db.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close database")
	}
}

// translator builds the engine the configured policy allows.
func (a *app) translator() (translate.Translator, error) {
	return translate.Select(cfg.Policy(), cfg.TranslatorConfig(logger))
}

// processor builds a queue worker. batch <= 0 uses queue.batch_size.
func (a *app) processor(tr translate.Translator, scope queue.Scope, batch int) (*service.JobProcessor, error) {
	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = cfg.Queue.BatchSize
	}
	return service.NewJobProcessor(a.queue, a.catalog, tr, a.rules, service.ProcessorConfig{
		BatchSize:  batch,
		StaleAfter: cfg.Queue.StaleAfter,
		Scope:      scope,
		Backoff:    cfg.Backoff(),
		Classifier: classifier,
	}, logger), nil
}

// assembler builds the bundle assembler, with a worker spawner when
// queue.spawn_on_miss is set.
func (a *app) assembler() (*bundle.Assembler, error) {
	opts := []bundle.Option{
		bundle.WithLogger(logger),
		bundle.WithCache(a.cache),
		bundle.WithTokens(a.tokens),
		bundle.WithExcludes(a.rules),
		bundle.WithLanguageMapper(translate.NewLanguageMapper(cfg.Languages.Map)),
	}
	if cfg.Queue.SpawnOnMiss {
		spawner, err := service.NewSpawner(service.SpawnConfig{
			BaseArgs: baseArgs(),
			Seconds:  cfg.Queue.SpawnSeconds,
			Batch:    cfg.Queue.BatchSize,
			Throttle: cfg.Queue.SpawnThrottle,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bundle.WithSpawner(spawner))
	}
	return bundle.NewAssembler(templates.NewFS(cfg.Templates.Root, logger), a.catalog, a.queue, bundle.Config{
		BaseLanguage: cfg.Languages.Base,
		CacheTTL:     cfg.Cache.TTL,
		Priority:     cfg.Queue.InteractivePriority,
	}, opts...), nil
}

func (a *app) runOptions(seconds int, untilIdle bool) service.RunOptions {
	return service.RunOptions{
		Duration:     time.Duration(seconds) * time.Second,
		PollInterval: cfg.Queue.PollInterval,
		IdleJitter:   cfg.Queue.IdleJitter,
		StopWhenIdle: untilIdle,
	}
}

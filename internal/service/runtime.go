package service

import (
	"context"

	"github.com/ignatij/leadflow/internal/channel"
	"github.com/ignatij/leadflow/internal/config"
	"github.com/ignatij/leadflow/internal/log"
	internal_storage "github.com/ignatij/leadflow/internal/storage"
	"github.com/ignatij/leadflow/migrations"
	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/ignatij/leadflow/pkg/service"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// Runtime is the wired set of components one leadflow process runs.
type Runtime struct {
	Config    *config.Config
	Store     storage.Store
	Leads     internal_storage.Leads
	Engine    *service.Engine
	Scheduler *service.Scheduler
	Workflows *WorkflowService
}

// NewRuntime opens the configured store and builds the engine around it.
// With migrate set, pending PostgreSQL migrations are applied first.
func NewRuntime(cfg *config.Config, migrate bool) (*Runtime, error) {
	if migrate && cfg.Database.Driver == internal_storage.PostgresDriver {
		if err := migrations.Up(cfg.Database.DSN); err != nil {
			return nil, err
		}
		log.GetLogger().Infof("Database migrations applied")
	}
	store, leads, err := internal_storage.InitStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.Database.Driver)
	}

	labels := &defaultLabels{source: leads, defaults: cfg.Labels}
	dispatcher := dispatch.New(dispatch.Deps{
		Messaging: channel.NewMessaging(cfg.Channels.Messaging),
		Voice:     channel.NewVoice(cfg.Channels.Voice),
		Leads:     leads,
		Labels:    labels,
		Analytics: channel.NewLogAnalytics(log.GetLogger()),
		Logger:    log.Component("dispatch"),
	})
	engine := service.NewEngine(store, dispatcher, log.Component("engine"),
		service.WithLeadStore(leads),
		service.WithConfig(cfg.EngineConfig()),
	)
	return &Runtime{
		Config:    cfg,
		Store:     store,
		Leads:     leads,
		Engine:    engine,
		Scheduler: service.NewScheduler(engine, log.Component("scheduler"), cfg.SchedulerConfig()),
		Workflows: NewWorkflowService(engine, leads),
	}, nil
}

func (r *Runtime) Close() error {
	return r.Store.Close()
}

// defaultLabels overlays an organization's labels on the configured defaults.
type defaultLabels struct {
	source   dispatch.LabelSource
	defaults map[string]string
}

func (l *defaultLabels) Labels(ctx context.Context, organizationID string) (map[string]string, error) {
	out := make(map[string]string, len(l.defaults))
	for k, v := range l.defaults {
		out[k] = v
	}
	own, err := l.source.Labels(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	for k, v := range own {
		out[k] = v
	}
	return out, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/salesmail/internal/config"
	"github.com/kalambet/salesmail/internal/customer"
	"github.com/kalambet/salesmail/internal/evaluation"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/links"
	"github.com/kalambet/salesmail/internal/mlflow"
	"github.com/kalambet/salesmail/internal/prompt"
	"github.com/kalambet/salesmail/internal/serving"
	"github.com/kalambet/salesmail/internal/storage"
	"github.com/kalambet/salesmail/internal/tracking"
)

// app holds the collaborators shared by the server and the setup commands.
type app struct {
	cfg       config.Config
	store     *storage.Store
	tracker   tracking.Tracker
	registry  prompt.Registry
	model     *serving.Client
	customers *customer.Store
	log       *slog.Logger
}

// newApp connects to the workspace when one is configured. Without it,
// traces are only logged and prompts live in memory, seeded with the
// original template under the configured alias.
func newApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{
		cfg:       cfg,
		store:     store,
		customers: customer.NewStore(cfg.Data.Customers),
		log:       slog.Default(),
		model: serving.NewClient(serving.Options{
			BaseURL:    links.EnsureHTTPS(cfg.ServingBaseURL()),
			Token:      cfg.Databricks.Token,
			Timeout:    cfg.Model.Timeout,
			MaxRetries: cfg.Model.MaxRetries,
		}),
	}

	if cfg.Remote() {
		c := mlflow.NewClient(links.EnsureHTTPS(cfg.Databricks.Host), cfg.Databricks.Token, cfg.Databricks.ExperimentID)
		a.tracker, a.registry = c, c
	} else {
		reg := prompt.NewMemoryRegistry()
		coord := cfg.PromptCoordinate()
		reg.Seed(coord.FullName(), coord.Alias, prompt.Original())
		a.tracker, a.registry = tracking.NewLocal(a.log), reg
		a.log.Info("no workspace configured, using local tracking and prompt registry")
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// generator builds a Generator for the prompt under alias, or the
// configured alias when empty.
func (a *app) generator(ctx context.Context, alias string, observer generator.Observer) (*generator.Generator, error) {
	coord := a.cfg.PromptCoordinate()
	if alias != "" {
		coord = coord.WithAlias(alias)
	}
	return generator.New(ctx, generator.Config{
		Endpoint:         a.cfg.Model.Endpoint,
		Prompt:           coord,
		ReloadPerRequest: a.cfg.Prompt.ReloadPerRequest,
	}, generator.Deps{
		Model:     a.model,
		Customers: a.customers,
		Prompts:   a.registry,
		Tracer:    a.tracker,
		Observer:  observer,
		Logger:    a.log,
	})
}

func (a *app) scorers() []evaluation.Scorer {
	return evaluation.Scorers(evaluation.NewJudge(a.model, a.cfg.Judge.Model))
}

func (a *app) runner() *evaluation.Runner {
	return evaluation.NewRunner(evaluation.RunnerDeps{
		Tracker:    a.tracker,
		Store:      a.store,
		Scorers:    a.scorers(),
		JudgeModel: a.cfg.Judge.Model,
		Logger:     a.log,
	})
}

func (a *app) monitor() *evaluation.Monitor {
	return evaluation.NewMonitor(a.store, a.tracker, a.scorers(), evaluation.MonitorConfig{
		SampleRate:   a.cfg.Monitor.SampleRate,
		PollInterval: a.cfg.Monitor.PollInterval,
		JudgeModel:   a.cfg.Judge.Model,
	}).WithLogger(a.log)
}

func (a *app) experiment() links.Experiment {
	return links.NewExperiment(a.cfg.Databricks.Host, a.cfg.Databricks.ExperimentID)
}

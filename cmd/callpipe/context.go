package main

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"callpipe/internal/config"
	"callpipe/internal/disposal"
	"callpipe/internal/export"
	"callpipe/internal/ingest"
	"callpipe/internal/logging"
	"callpipe/internal/services/analysis"
	"callpipe/internal/services/retrieval"
	"callpipe/internal/services/source"
	"callpipe/internal/services/transcription"
	"callpipe/internal/stages"
	"callpipe/internal/store"
	"callpipe/internal/workflow"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) openStore() (*config.Config, *store.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func (c *commandContext) buildLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.NewFromConfig(cfg)
}

// buildManager wires the production collaborators into a workflow manager.
func buildManager(cfg *config.Config, st *store.Store, logger *slog.Logger) (*workflow.Manager, error) {
	sourceClient := source.NewClient(cfg.Source)
	gate := ingest.New(
		st,
		sourceClient,
		logger,
		time.Duration(cfg.Source.RateLimitSeconds*float64(time.Second)),
		time.Duration(cfg.Source.DedupToleranceSecs)*time.Second,
	)

	pipe, err := stages.Build(cfg, stages.Deps{
		Store:       st,
		Downloader:  sourceClient,
		Transcriber: transcription.NewClient(cfg.Transcription),
		Analyzer:    analysis.NewClient(cfg.Analysis),
	})
	if err != nil {
		return nil, err
	}

	tracker := export.NewTracker(
		st,
		retrieval.NewClient(cfg.Retrieval),
		logger,
		pipe.StageNames(),
		cfg.Export.MaxRetries,
		cfg.Export.BatchSize,
	)
	disposer := disposal.New(st, logger, cfg.Disposal)

	return workflow.NewManager(cfg, st, logger, workflow.Deps{
		Gate:     gate,
		Pipeline: pipe,
		Tracker:  tracker,
		Disposer: disposer,
	}), nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

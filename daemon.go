package main

import (
	"context"
	"fmt"

	"github.com/adestefa/tm-isync-adapter/internal/api"
	"github.com/adestefa/tm-isync-adapter/internal/config"
	"github.com/adestefa/tm-isync-adapter/internal/logging"
	"github.com/adestefa/tm-isync-adapter/internal/sync"
)

// runDaemon is the root command: load config, bring up the logger and the
// state store, and run the sync engine until a termination signal.
func runDaemon(ctx context.Context) error {
	bootstrap := bootstrapLogger()

	cfg, err := config.Load(flagConfigPath, bootstrap)
	if err != nil {
		return err
	}

	layout, err := config.ResolveLayout()
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		// Validate already vouched for the level; this is a programmer error.
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:        level,
		LogPath:      layout.LogPath(),
		ErrorLogPath: layout.ErrorLogPath(),
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logCloser.Close()

	logger.Info("tm-isync-adapter starting",
		"version", version,
		"config", flagConfigPath,
		"data_dir", layout.DataDir,
	)

	root, err := config.ResolveWatchedRoot(cfg.ParentFolder)
	if err != nil {
		return err
	}

	releasePID, err := acquirePIDLock(layout.PIDPath())
	if err != nil {
		return err
	}
	defer releasePID()

	store, err := sync.OpenStore(layout.StatePath(), logger)
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.APIEndpoint, cfg.APIKey, cfg.UploadTimeout(),
		logger, "tm-isync-adapter/"+version)

	engine := sync.NewEngine(sync.EngineOptions{
		Root:             root,
		Extensions:       cfg.NormalizedExtensions(),
		Endpoint:         client,
		Store:            store,
		SyncInterval:     cfg.SyncInterval(),
		Workers:          cfg.MaxConcurrentUploads,
		PropagateDeletes: cfg.PropagateDeletes,
		Logger:           logger,
	})

	return engine.Run(shutdownContext(ctx, logger))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/ctxsync/internal/cache"
	"github.com/tonimelisma/ctxsync/internal/config"
	"github.com/tonimelisma/ctxsync/internal/convert"
	"github.com/tonimelisma/ctxsync/internal/service"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

// EngineSession bundles the engine, the cache and the read service built
// from one effective configuration. Every command that touches documents
// opens one and closes it on exit.
type EngineSession struct {
	Engine  *sync.Engine
	Cache   *cache.Manager
	Service *service.Service
	Holder  *config.Holder

	// Watcher is the process that owned the state directory when a read
	// command opened the session; nil when the command synced itself.
	Watcher *lockHolder

	logger *slog.Logger
}

// NewEngineSession wires the stack for cfg.
func NewEngineSession(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger) (*EngineSession, error) {
	d := cfg.Durations()

	compression, err := cache.ParseCompression(cfg.Cache.Compression)
	if err != nil {
		return nil, err
	}

	var maxBytes int64
	if cfg.Cache.DurableMaxBytes != "" {
		maxBytes, err = config.ParseSize(cfg.Cache.DurableMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing durable_max_bytes: %w", err)
		}
	}

	cm := cache.New(cache.Options{
		Dir:             cfg.Cache.Dir,
		MemoryEntries:   cfg.Cache.MemoryEntries,
		MemoryTTL:       d.MemoryTTL,
		DurableTTL:      d.DurableTTL,
		DurableMaxBytes: maxBytes,
		Compression:     compression,
	}, logger)

	engine, err := sync.NewEngine(ctx, &sync.EngineConfig{
		SourceDir:          cfg.Sync.SourceDir,
		StateDir:           cfg.Sync.StateDir,
		Filter:             cfg.Filter,
		Cache:              cm,
		Converter:          convert.New(),
		Workers:            cfg.Sync.Workers,
		ScanWorkers:        cfg.Sync.ScanWorkers,
		QueueSize:          cfg.Sync.QueueSize,
		ReadRetries:        cfg.Sync.ReadRetries,
		ReadRetryBase:      d.ReadRetryBase,
		OrphanGrace:        d.OrphanGrace,
		SafetyScanInterval: d.SafetyScanInterval,
		Alerts:             alertLogger(logger),
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	holder := config.NewHolder(cfg, cfgPath)

	svc := service.New(service.Options{
		Engine:           engine,
		Cache:            cm,
		Sections:         holder,
		SessionLimit:     cfg.Budget.SessionLimit,
		Multipliers:      cfg.Loader.Multipliers,
		BudgetStartLevel: cfg.Loader.BudgetStartLevel,
		SnapshotWait:     d.SnapshotWait,
		Logger:           logger,
	})

	return &EngineSession{
		Engine:  engine,
		Cache:   cm,
		Service: svc,
		Holder:  holder,
		logger:  logger,
	}, nil
}

// Close releases the registry database.
func (s *EngineSession) Close() {
	if err := s.Engine.Close(); err != nil {
		s.logger.Warn("closing engine", slog.String("error", err.Error()))
	}
}

// openSession builds an EngineSession for a read command. When no other
// process owns the state directory it takes the lock, runs one sync cycle
// so reads see current sources, and releases it again. Otherwise it reads
// whatever the owner last committed.
func openSession(ctx context.Context, cc *CLIContext, command string) (*EngineSession, error) {
	stateDir := cc.Cfg.Sync.StateDir

	lock, err := acquireStateLock(stateDir, newLockHolder(command, cc.Cfg.Sync.SourceDir))
	if err != nil && !errors.Is(err, errAlreadyRunning) {
		return nil, err
	}

	session, sessErr := NewEngineSession(ctx, cc.Cfg, cc.CfgPath, cc.Logger)
	if sessErr != nil {
		if lock != nil {
			lock.Release()
		}

		return nil, sessErr
	}

	if lock == nil {
		if h, readErr := readLockHolder(stateDir); readErr == nil {
			session.Watcher = &h
		}

		cc.Logger.Debug("state directory owned elsewhere, reading current state",
			slog.String("owner", err.Error()))

		return session, nil
	}

	defer lock.Release()

	if _, err := session.Engine.RunOnce(ctx, sync.RunOpts{}); err != nil {
		session.Close()
		return nil, err
	}

	return session, nil
}

// alertLogger reports engine alerts at error level.
func alertLogger(logger *slog.Logger) sync.AlertHandler {
	return func(a sync.Alert) {
		attrs := []any{
			slog.String("kind", string(a.Kind)),
			slog.String("doc_id", a.DocID),
		}

		if a.Err != nil {
			attrs = append(attrs, slog.String("error", a.Err.Error()))
		}

		logger.Error("sync alert", attrs...)
	}
}

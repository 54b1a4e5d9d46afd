package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lilphil/homeassistant-classcharts/internal/api"
	"github.com/lilphil/homeassistant-classcharts/internal/buildinfo"
	"github.com/lilphil/homeassistant-classcharts/internal/connwatch"
	"github.com/lilphil/homeassistant-classcharts/internal/executor"
	"github.com/lilphil/homeassistant-classcharts/internal/integration"
	"github.com/lilphil/homeassistant-classcharts/internal/journal"
	"github.com/lilphil/homeassistant-classcharts/internal/mqtt"
)

// journalRetention is how long refresh history is kept.
const journalRetention = 30 * 24 * time.Hour

// runServe sets up every configured account, then serves the HTTP API
// and (when configured) the MQTT publisher until SIGINT or SIGTERM.
//
// Shutdown order: MQTT goes offline first so Home Assistant marks the
// entities unavailable, then HTTP drains, then the refresh loops stop.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting classcharts bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"accounts", len(cfg.ClassCharts.Accounts),
		"refresh_interval", cfg.ClassCharts.RefreshInterval(),
		"timezone", loc.String(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory and refresh journal ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	journalPath := filepath.Join(cfg.DataDir, "journal.db")
	jrnl, err := journal.Open(journalPath)
	if err != nil {
		return fmt.Errorf("open refresh journal %s: %w", journalPath, err)
	}
	defer jrnl.Close()
	if n, err := jrnl.Prune(ctx, time.Now().Add(-journalRetention)); err != nil {
		logger.Warn("refresh journal prune failed", "error", err)
	} else if n > 0 {
		logger.Info("refresh journal pruned", "removed", n)
	}

	// --- Coordinators ---
	pool := executor.New(cfg.ClassCharts.Workers, logger)
	defer pool.Wait()

	registry := integration.NewRegistry(integration.RegistryConfig{
		NewClient: clientFactory(cfg, logger),
		Executor:  pool,
		Interval:  cfg.ClassCharts.RefreshInterval(),
		Location:  loc,
		Logger:    logger,
	})
	defer registry.Close()

	// Accounts are set up concurrently. A transient failure (ClassCharts
	// down, network not ready) is retried with backoff; bad credentials
	// are not.
	watches := connwatch.NewManager(logger)
	for _, account := range cfg.ClassCharts.Accounts {
		entry := integration.NewEntry(account)
		watches.Watch(ctx, connwatch.WatcherConfig{
			Name: entry.Title,
			Probe: func(ctx context.Context) error {
				_, err := registry.Setup(ctx, entry)
				return err
			},
			Permanent: integration.IsPermanent,
		})
	}
	if watches.Wait() == 0 {
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("no account could be set up")
	}
	for _, st := range watches.Status() {
		if !st.Ready {
			logger.Error("entry setup failed",
				"title", st.Name,
				"attempts", st.Attempts,
				"error", st.LastError,
			)
		}
	}
	for _, inst := range registry.Entries() {
		detach := jrnl.Attach(inst.Entry.ID, inst.Coordinator, logger)
		defer detach()
	}

	// --- MQTT publisher ---
	var publisher *mqtt.Publisher
	mqttDone := make(chan struct{})
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, registry, logger)
		go func() {
			defer close(mqttDone)
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		close(mqttDone)
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- HTTP API ---
	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Registry: registry,
		Journal:  jrnl,
		Logger:   logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	<-mqttDone
	logger.Info("classcharts bridge stopped")
	return nil
}

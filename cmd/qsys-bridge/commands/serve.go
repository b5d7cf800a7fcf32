package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qsysbridge/core/internal/batch"
	"github.com/qsysbridge/core/internal/bridgecfg"
	"github.com/qsysbridge/core/internal/cache"
	"github.com/qsysbridge/core/internal/changegroup"
	"github.com/qsysbridge/core/internal/connmgr"
	"github.com/qsysbridge/core/internal/dispatcher"
	"github.com/qsysbridge/core/internal/errors"
	"github.com/qsysbridge/core/internal/eventbuffer"
	"github.com/qsysbridge/core/internal/logging"
	"github.com/qsysbridge/core/internal/persist"
	"github.com/qsysbridge/core/internal/qrwc"
	"github.com/qsysbridge/core/internal/qsysapi"
	"github.com/qsysbridge/core/internal/tools"
	"github.com/qsysbridge/core/internal/version"
)

// ServeCmd starts the bridge server: it loads configuration, dials the
// Q-SYS Core, wires every internal component together, and serves the
// MCP tool surface over stdio until the process receives a termination
// signal.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to a Q-SYS Core and serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	ServeCmd.Flags().Bool("json-logs", false, "emit structured JSON logs instead of the console encoder")
}

func runServe(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	logger, err := logging.New(jsonLogs)
	if err != nil {
		return errors.Wrap(err, "initializing logger")
	}
	defer func() { _ = logger.Sync() }()

	logger.Infow("starting qsys-bridge", "version", version.Get().Version, "host", cfg.Host, "port", cfg.Port)

	if configPath != "" {
		if watcher, err := bridgecfg.NewWatcher(configPath); err != nil {
			logger.Warnw("not watching config file for changes", "path", configPath, "error", err)
		} else {
			defer watcher.Close()
			watcher.OnReload(func(*bridgecfg.Config) {
				logger.Infow("config file changed on disk; restart qsys-bridge to apply it", "path", configPath)
			})
		}
	}

	stateCache := cache.New(cache.Config{
		MaxEntries:      cfg.CacheMaxEntries,
		TTL:             time.Duration(cfg.CacheTTLMs) * time.Millisecond,
		CleanupInterval: time.Duration(cfg.CleanupIntervalMs) * time.Millisecond,
	})
	defer stateCache.Close()

	snapshotStop := make(chan struct{})
	var snapshotStore *persist.SnapshotStore
	if cfg.Persist.Enabled {
		snapshotStore = persist.NewSnapshotStore(cfg.Persist.Path, cfg.Persist.Backups, logger)
		if states, err := snapshotStore.Load(); err != nil {
			logger.Warnw("failed to load control state snapshot, starting with an empty cache", "error", err)
		} else {
			for name, state := range states {
				stateCache.Set(name, state)
			}
			logger.Infow("seeded control state cache from snapshot", "entries", len(states))
		}
		go snapshotStore.Run(snapshotStop, time.Minute, stateCache)
		defer close(snapshotStop)
	}

	events := eventbuffer.NewManager(eventbuffer.Config{
		MaxEventsPerGroup:   cfg.EventBuffer.MaxEvents,
		MaxAge:              time.Duration(cfg.EventBuffer.MaxAgeMs) * time.Millisecond,
		GlobalMemoryLimitMB: cfg.EventBuffer.GlobalMemoryLimitMB,
		MemoryCheckInterval: time.Duration(cfg.EventBuffer.MemoryCheckIntervalMs) * time.Millisecond,
	}, logger)
	defer events.Close()

	var eventLog *persist.EventLogStore
	if cfg.Persist.EventLog.Enabled {
		eventLog, err = persist.OpenEventLogStore(cfg.Persist.EventLog.Path, logger)
		if err != nil {
			return errors.Wrap(err, "opening event log store")
		}
		defer eventLog.Close()
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: !cfg.RejectUnauthorized} //nolint:gosec // operator-configured, Q-SYS Cores commonly run self-signed certs
	conn := connmgr.New(connmgr.Config{
		URL:                coreURL(cfg),
		TLSConfig:          tlsConfig,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
		ReconnectBaseDelay: time.Duration(cfg.ReconnectIntervalMs) * time.Millisecond,
	}, connmgr.GorillaDial, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = conn.Connect(ctx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "connecting to Q-SYS Core")
	}
	defer conn.Disconnect()

	// The qrwc client holds the connection manager, not a Transport:
	// a reconnect swaps the underlying socket without anyone upstream
	// holding a stale pointer to the old one.
	client := qrwc.New(conn, logger)
	adapter := qsysapi.New(client, stateCache, logger)

	thresholds := changegroup.Thresholds{
		ByControl: cfg.Thresholds.ByControl,
		ByPattern: cfg.Thresholds.ByPattern,
	}
	registry := changegroup.New(adapter, stateCache, events, thresholds, logger)
	if eventLog != nil {
		registry.SetEventSink(func(groupID string, ev eventbuffer.Event) {
			if err := eventLog.Append(groupID, ev); err != nil {
				logger.Warnw("event log append failed", "groupId", groupID, "control", ev.ControlName, "error", err)
			}
		})
	}

	executor := batch.New(adapter, logger)

	auth := dispatcher.NewAuthenticator(cfg.Auth)
	limiter := dispatcher.NewRateLimiter(cfg.RateLimit)
	dispatch := dispatcher.New(auth, limiter, logger)

	server := tools.New("qsys-bridge", version.Get().Version, adapter, registry, events, executor, dispatch, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infow("received signal, shutting down", "signal", sig.String())
		if snapshotStore != nil {
			if err := snapshotStore.Save(stateCache); err != nil {
				logger.Warnw("final control state snapshot failed", "error", err)
			}
		}
		conn.Disconnect()
		os.Exit(0)
	}()

	if err := server.ServeStdio(); err != nil {
		return errors.Wrap(err, "serving MCP tools over stdio")
	}
	return nil
}

func loadConfig(path string) (*bridgecfg.Config, error) {
	if path != "" {
		return bridgecfg.LoadFromFile(path)
	}
	return bridgecfg.Load()
}

func coreURL(cfg *bridgecfg.Config) string {
	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/qrc-public-api/v0", scheme, cfg.Host, cfg.Port)
}

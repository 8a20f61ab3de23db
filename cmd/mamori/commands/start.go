package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shizukutanaka/mamori/internal/audit"
	"github.com/shizukutanaka/mamori/internal/config"
	"github.com/shizukutanaka/mamori/internal/deadline"
	"github.com/shizukutanaka/mamori/internal/incident"
	"github.com/shizukutanaka/mamori/internal/logging"
	"github.com/shizukutanaka/mamori/internal/monitoring"
	"github.com/shizukutanaka/mamori/internal/notify"
	"github.com/shizukutanaka/mamori/internal/ops"
	"github.com/shizukutanaka/mamori/internal/storage"
	"github.com/shizukutanaka/mamori/internal/vault"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the incident response engine",
	Long: `Start the engine with the specified configuration.

Examples:
  # Start with default config
  mamori start

  # Start with a specific config
  mamori start --config /etc/mamori/mamori.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, logLevel, err := logging.NewReloadableLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting mamori",
		zap.String("version", Version),
		zap.String("config", cfgFile),
	)

	// Key vault; the master secret only ever travels through the
	// environment.
	secret := os.Getenv(cfg.Vault.MasterSecretEnv)
	if secret == "" {
		return fmt.Errorf("master secret not set: export %s", cfg.Vault.MasterSecretEnv)
	}
	kv, err := vault.NewKeyVault(logging.WithComponent(logger, "vault"), []byte(secret))
	if err != nil {
		return fmt.Errorf("failed to initialize key vault: %w", err)
	}

	// Storage
	var (
		repo       incident.Repository
		auditStore audit.Store
		closeStore func() error
	)
	switch cfg.Storage.Driver {
	case "memory":
		repo = storage.NewMemoryRepository()
		auditStore = audit.NewMemoryStore()
	default:
		sqlStore, err := storage.NewSQLStore(logging.WithComponent(logger, "storage"), storage.SQLConfig{
			Driver: cfg.Storage.Driver,
			DSN:    cfg.Storage.DSN,
		})
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		repo = sqlStore
		auditStore = sqlStore
		closeStore = sqlStore.Close
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	// Audit entries mirror into their own JSON sink alongside the store.
	auditLogger, err := logging.NewAuditSink(cfg.Logging.AuditPath)
	if err != nil {
		logger.Warn("Audit sink unavailable, using application log", zap.Error(err))
		auditLogger = logging.WithComponent(logger, "audit")
	}
	recorder := audit.NewRecorder(auditLogger, auditStore, kv)
	notifier := notify.NewZapNotifier(logging.WithComponent(logger, "notify"))

	manager := incident.NewManager(
		logging.WithComponent(logger, "incident"),
		incident.ManagerConfig{
			NotificationWindow:       cfg.Incident.NotificationWindow,
			HighRiskSubjectThreshold: cfg.Incident.HighRiskSubjectThreshold,
		},
		repo,
		recorder,
		notifier,
		notify.NewNopSubjectQueue(logger),
		nil,
		metrics,
	)

	monitor := deadline.NewMonitor(
		logging.WithComponent(logger, "deadline"),
		deadline.Config{
			ScanInterval:  cfg.Deadline.ScanInterval,
			WarningWindow: cfg.Deadline.WarningWindow,
		},
		repo,
		notifier,
		metrics,
	)
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("failed to start deadline monitor: %w", err)
	}

	var server *ops.Server
	if cfg.Ops.Enabled {
		server = ops.NewServer(
			logging.WithComponent(logger, "ops"),
			cfg.Ops.ListenAddr,
			manager,
			repo,
			kv,
			cfg.Vault.KeyRetention,
			metrics,
			registry,
		)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Ops server exited", zap.Error(err))
			}
		}()
	}

	// Config hot reload: log level and monitor timing follow the file;
	// storage and vault changes need a restart.
	watcher, err := config.NewWatcher(logging.WithComponent(logger, "config"), cfgFile)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(func(updated *config.Config) {
			if level, err := zapcore.ParseLevel(updated.Logging.Level); err == nil {
				logLevel.SetLevel(level)
			}
			monitor.UpdateTiming(updated.Deadline.ScanInterval, updated.Deadline.WarningWindow)
			logger.Info("Configuration reloaded",
				zap.String("log_level", updated.Logging.Level),
				zap.Duration("scan_interval", updated.Deadline.ScanInterval),
				zap.Duration("warning_window", updated.Deadline.WarningWindow),
			)
		}); err != nil {
			logger.Warn("Failed to start config watcher", zap.Error(err))
		}
	}

	logger.Info("Mamori started",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("ops_enabled", cfg.Ops.Enabled),
		zap.Duration("notification_window", cfg.Incident.NotificationWindow),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	if watcher != nil {
		watcher.Stop()
	}
	monitor.Stop()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logging.LogIf(logger, server.Shutdown(ctx), "Ops server shutdown failed")
	}

	if closeStore != nil {
		logging.LogIf(logger, closeStore(), "Failed to close storage")
	}

	logger.Info("Mamori stopped")
	return nil
}

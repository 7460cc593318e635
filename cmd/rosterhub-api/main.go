package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/auth"
	"github.com/stafflink/rosterhub/internal/config"
	"github.com/stafflink/rosterhub/internal/conflict"
	"github.com/stafflink/rosterhub/internal/database"
	"github.com/stafflink/rosterhub/internal/hub"
	"github.com/stafflink/rosterhub/internal/limiter"
	"github.com/stafflink/rosterhub/internal/logging"
	"github.com/stafflink/rosterhub/internal/metrics"
	"github.com/stafflink/rosterhub/internal/pool"
	"github.com/stafflink/rosterhub/internal/server"
	"github.com/stafflink/rosterhub/internal/store"
	"github.com/stafflink/rosterhub/internal/version"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rosterhub-api",
		Short: "RosterHub realtime state synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-mode", defaults.GetString("store.mode"), "Durable store backend (sqlite or remote)")
	cmd.PersistentFlags().String("store-base-url", defaults.GetString("store.base_url"), "Remote store base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("batch.size"), "Broadcast batch size threshold")
	cmd.PersistentFlags().Duration("flush-interval", defaults.GetDuration("batch.flush_interval"), "Broadcast batch flush interval")
	cmd.PersistentFlags().Int("workers", defaults.GetInt("workers.count"), "Resolution worker count")
	cmd.PersistentFlags().String("conflict-strategy", defaults.GetString("conflict.strategy"), "Conflict resolution strategy")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.mode", "store-mode")
	bindFlag(cmd, "store.base_url", "store-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "batch.size", "batch-size")
	bindFlag(cmd, "batch.flush_interval", "flush-interval")
	bindFlag(cmd, "workers.count", "workers")
	bindFlag(cmd, "conflict.strategy", "conflict-strategy")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	entityStore, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "rosterhub-auth",
		Audience:      "rosterhub-api",
	})

	strategy, err := buildStrategy(appConfig)
	if err != nil {
		return err
	}
	resolver, err := conflict.NewResolver(conflict.ResolverConfig{
		Strategy: strategy,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	reporter := metrics.NewReporter(registry, time.Now)

	syncHub, err := hub.NewHub(hub.Config{
		Store:         entityStore,
		Resolver:      resolver,
		Versions:      version.NewController(),
		Limiter:       limiter.NewClientLimiter(appConfig.RateLimitPerSecond, appConfig.RateLimitBurst),
		Workers:       pool.NewWorkerPool(appConfig.WorkerCount, appConfig.QueueCapacity, logger),
		Reporter:      reporter,
		Logger:        logger,
		PoolCapacity:  appConfig.PoolCapacity,
		BatchSize:     appConfig.BatchSize,
		FlushInterval: appConfig.FlushInterval,
		PingInterval:  appConfig.PingInterval,
	})
	if err != nil {
		return err
	}
	if err := syncHub.SeedVersions(ctx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:          syncHub,
		TokenManager: tokenManager,
		Store:        entityStore,
		Gatherer:     registry,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_mode", appConfig.StoreMode),
			zap.String("strategy", appConfig.Strategy))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		syncHub.Stop(appConfig.ShutdownGrace)
		return shutdownErr
	case err := <-errCh:
		syncHub.Stop(appConfig.ShutdownGrace)
		return err
	}
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (store.EntityStore, func(), error) {
	if appConfig.StoreMode == "remote" {
		remote, err := store.NewRemoteStore(store.RemoteStoreConfig{
			BaseURL: appConfig.StoreBaseURL,
			Token:   appConfig.StoreToken,
			Timeout: appConfig.StoreTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return remote, func() {}, nil
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	sqliteStore, err := store.NewSQLiteStore(db, logger)
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, nil, err
	}
	return sqliteStore, func() { sqlDB.Close() }, nil //nolint:errcheck
}

func buildStrategy(appConfig config.AppConfig) (conflict.Strategy, error) {
	kind, err := conflict.ParseStrategyKind(appConfig.Strategy)
	if err != nil {
		return nil, err
	}
	switch kind {
	case conflict.StrategyLastWriterWins:
		return conflict.LastWriterWins{}, nil
	case conflict.StrategyFirstWriterWins:
		return conflict.FirstWriterWins{}, nil
	case conflict.StrategyMerge:
		return conflict.Merge{}, nil
	case conflict.StrategyUserChoice:
		return conflict.UserChoice{}, nil
	default:
		return conflict.NewHeuristic(nil, appConfig.ConfidenceThreshold, conflict.Merge{}), nil
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/config"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/logging"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/server"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	daemonOrigin      = "daemon"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "stockpile-sync",
		Short:        "Offline mutation queue and sync daemon for Stockpile",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newQueueCommand(),
		newConflictsCommand(),
		newTokenCommand(),
		newWatchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", "", "Stockpile server base URL")
	cmd.PersistentFlags().String("workspace-id", "", "Workspace the queue syncs into")
	cmd.PersistentFlags().String("access-token", "", "Bearer token for the Stockpile server (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("control-address", defaults.GetString("control.address"), "Control API listen address")
	cmd.PersistentFlags().String("signing-secret", "", "Control API signing secret (overrides env)")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Periodic sync interval in seconds")
	cmd.PersistentFlags().String("events-channel", defaults.GetString("events.channel"), "Event channel name")

	bindFlag(cmd, "server.base_url", "server-url")
	bindFlag(cmd, "server.workspace_id", "workspace-id")
	bindFlag(cmd, "server.access_token", "access-token")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "control.address", "control-address")
	bindFlag(cmd, "control.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "events.channel", "events-channel")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	core, err := openCore(appConfig, daemonOrigin, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	recovered, err := core.store.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("interrupted mutations returned to pending", zap.Int64("count", recovered))
	}

	orchestrator, probe, err := newOrchestrator(appConfig, core, logger)
	if err != nil {
		return err
	}

	scheduler, err := syncer.NewScheduler(syncer.SchedulerConfig{
		Runner:        orchestrator,
		Subscriber:    core.bus,
		Connectivity:  probe,
		Expirer:       core.store,
		Interval:      appConfig.SyncInterval(),
		ProbeInterval: appConfig.ProbeInterval(),
		Retention:     appConfig.Retention(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queue:        core.store,
		Conflicts:    core.log,
		Resolver:     orchestrator,
		Bus:          core.bus,
		TokenManager: tokenManager,
		Channel:      appConfig.EventsChannel,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.ControlAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("control api starting", zap.String("address", appConfig.ControlAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return scheduler.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		handler.Close(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("daemon stopped")
	return err
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/campfit/relay/internal/cache"
	"github.com/campfit/relay/internal/config"
	"github.com/campfit/relay/internal/database"
	"github.com/campfit/relay/internal/gateway"
	"github.com/campfit/relay/internal/linebot"
	"github.com/campfit/relay/internal/logging"
	"github.com/campfit/relay/internal/proxy"
	"github.com/campfit/relay/internal/reportlog"
	"github.com/campfit/relay/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-api",
		Short: "Fitness-camp proxy and cache backend",
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
	cmd.PersistentFlags().String("gateway-base-url", defaults.GetString("gateway.base_url"), "Backend gateway base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("movement-ttl-hours", defaults.GetInt("cache.movement_ttl_hours"), "Movement library cache TTL in hours")
	cmd.PersistentFlags().Int("progress-ttl-hours", defaults.GetInt("cache.progress_ttl_hours"), "Training progress cache TTL in hours")
	cmd.PersistentFlags().Int("diary-ttl-hours", defaults.GetInt("cache.diary_ttl_hours"), "Diary cache TTL in hours")
	cmd.PersistentFlags().String("bridge-refresh-url", defaults.GetString("bridge.refresh_url"), "Force-refresh endpoint URL called by the messaging bridge")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "gateway.base_url", "gateway-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "cache.movement_ttl_hours", "movement-ttl-hours")
	bindFlag(cmd, "cache.progress_ttl_hours", "progress-ttl-hours")
	bindFlag(cmd, "cache.diary_ttl_hours", "diary-ttl-hours")
	bindFlag(cmd, "bridge.refresh_url", "bridge-refresh-url")
	bindFlag(cmd, "log.level", "log-level")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cacheStore, err := cache.NewStore(cache.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	reportWriter, err := reportlog.NewWriter(reportlog.WriterConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gatewayClient, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL: appConfig.GatewayBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	proxyService, err := proxy.NewService(proxy.ServiceConfig{
		Gateway:        gatewayClient,
		Cache:          cacheStore,
		ReportLog:      reportWriter,
		Logger:         logger,
		MovementLibTTL: appConfig.MovementLibTTL,
		ProgressTTL:    appConfig.ProgressTTL,
		DiaryTTL:       appConfig.DiaryTTL,
	})
	if err != nil {
		return err
	}

	var bridge *linebot.Bridge
	if appConfig.BridgeChannelToken != "" {
		bridge, err = linebot.NewBridge(linebot.BridgeConfig{
			ChannelToken:   appConfig.BridgeChannelToken,
			ReplyURL:       appConfig.BridgeReplyURL,
			RefreshCommand: appConfig.BridgeRefreshCommand,
			RefreshURL:     appConfig.BridgeRefreshURL,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Info("bridge channel token not set, webhook route disabled")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ProxyService: proxyService,
		Bridge:       bridge,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/config"
	"github.com/MarcoPoloResearchLab/coedit/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/MarcoPoloResearchLab/coedit/internal/logging"
	"github.com/MarcoPoloResearchLab/coedit/internal/metrics"
	"github.com/MarcoPoloResearchLab/coedit/internal/realtime"
	"github.com/MarcoPoloResearchLab/coedit/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-api",
		Short: "Collaborative document editor backend",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("revision-retention", defaults.GetInt("revisions.retention"), "Revisions kept per document")
	cmd.PersistentFlags().Int("revision-limit", defaults.GetInt("revisions.default_limit"), "Default revision list size")
	cmd.PersistentFlags().Duration("write-timeout", defaults.GetDuration("realtime.write_timeout"), "WebSocket write timeout")
	cmd.PersistentFlags().Int("send-queue-size", defaults.GetInt("realtime.send_queue_size"), "Outbound messages buffered per connection")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed browser origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "revisions.retention", "revision-retention")
	bindFlag(cmd, "revisions.default_limit", "revision-limit")
	bindFlag(cmd, "realtime.write_timeout", "write-timeout")
	bindFlag(cmd, "realtime.send_queue_size", "send-queue-size")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
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

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:         db,
		Clock:            time.Now,
		Logger:           logger,
		RetentionCap:     appConfig.RevisionRetention,
		DefaultListLimit: appConfig.RevisionListLimit,
	})
	if err != nil {
		return err
	}

	document, err := documentService.LoadDocument(ctx)
	if err != nil {
		return err
	}
	registry := realtime.NewRegistry()
	registry.Seed(document)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	realtimeMetrics := metrics.NewCollectors()
	realtimeMetrics.Register(promRegistry)

	engine, err := realtime.NewEngine(realtime.EngineConfig{
		Registry:  registry,
		Persister: documentService,
		Clock:     time.Now,
		Logger:    logger,
		Metrics:   realtimeMetrics,
	})
	if err != nil {
		return err
	}

	connections, err := realtime.NewConnectionHandler(realtime.ConnectionHandlerConfig{
		Engine:         engine,
		IDProvider:     realtime.NewUUIDProvider(),
		Logger:         logger,
		WriteTimeout:   appConfig.RealtimeWriteTimeout,
		SendQueueSize:  appConfig.RealtimeSendQueue,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	if !logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Documents:      documentService,
		Connections:    connections,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		Gatherer:       promRegistry,
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
			zap.Int("revision_retention", appConfig.RevisionRetention))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

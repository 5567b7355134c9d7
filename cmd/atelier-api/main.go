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

	"github.com/ateliercollab/atelier-backend/internal/auth"
	"github.com/ateliercollab/atelier-backend/internal/config"
	"github.com/ateliercollab/atelier-backend/internal/database"
	"github.com/ateliercollab/atelier-backend/internal/logging"
	"github.com/ateliercollab/atelier-backend/internal/realtime"
	"github.com/ateliercollab/atelier-backend/internal/server"
	"github.com/ateliercollab/atelier-backend/internal/session"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atelier-api",
		Short: "Atelier collaborative drawing backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Guest token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Guest token TTL in minutes")
	cmd.PersistentFlags().Int("max-participants", defaults.GetInt("session.max_participants"), "Participant cap per session")
	cmd.PersistentFlags().Bool("auto-create", defaults.GetBool("session.auto_create"), "Create sessions for unknown rooms")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "session.max_participants", "max-participants")
	bindFlag(cmd, "session.auto_create", "auto-create")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})

	store, err := session.NewStore(session.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: session.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry, err := realtime.NewRegistry(store, realtime.Config{
		MaxParticipants:   appConfig.MaxParticipants,
		OutboundQueueSize: appConfig.OutboundQueueSize,
		JoinGrace:         time.Duration(appConfig.JoinGraceSeconds) * time.Second,
		Snapshot: realtime.SnapshotPolicy{
			Interval:         time.Duration(appConfig.SnapshotInterval) * time.Second,
			MessageThreshold: appConfig.SnapshotMessages,
			CompactionMargin: int64(appConfig.CompactionMargin),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        store,
		Engine:       registry,
		Logger:       logger,
		AutoCreate:   appConfig.AutoCreate,
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
		// Actors first so sockets drain before the listener stops.
		if err := registry.Close(shutdownCtx); err != nil {
			logger.Warn("registry shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

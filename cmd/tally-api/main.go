package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/billparse"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/expenses"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/groups"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/relay"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tally-api",
		Short: "Tally expense tracking and bill splitting backend",
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
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS and websocket origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "User token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("gemini-model", defaults.GetString("gemini.model"), "Hosted model used for bill parsing")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for cross-instance realtime fan-out")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "gemini.model", "gemini-model")
	bindFlag(cmd, "redis.address", "redis-address")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "tally-auth",
		Audience:      "tally-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Hasher:   auth.NewPasswordHasher(appConfig.BcryptCost),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	groupService, err := groups.NewService(groups.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	expenseService, err := expenses.NewService(expenses.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var billParser server.BillParser
	if appConfig.GeminiAPIKey != "" {
		client, err := billparse.NewClient(ctx, billparse.Config{
			APIKey:   appConfig.GeminiAPIKey,
			Model:    appConfig.GeminiModel,
			Endpoint: appConfig.GeminiEndpoint,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		billParser = client
	} else {
		logger.Warn("gemini.api_key not set, bill upload endpoints are disabled")
	}

	var redisRelay *relay.RedisRelay
	var realtimeRelay realtime.Relay
	if appConfig.RelayEnabled() {
		redisRelay, err = relay.NewRedisRelay(relay.Config{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			Prefix:   appConfig.RedisPrefix,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		realtimeRelay = redisRelay
	}

	var authorizer realtime.RoomAuthorizer
	if appConfig.RealtimeRequireMembership {
		authorizer = groupService
	}
	ids := realtime.NewUUIDProvider()
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry:   realtime.NewSessionRegistry(),
		Router:     realtime.NewRoomRouter(realtime.RouterConfig{BufferSize: appConfig.RealtimeBufferSize, Logger: logger}),
		IDProvider: ids,
		Authorizer: authorizer,
		Relay:      realtimeRelay,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Users:          userService,
		Groups:         groupService,
		Expenses:       expenseService,
		BillParser:     billParser,
		Realtime:       dispatcher,
		IDProvider:     ids,
		AllowedOrigins: appConfig.AllowedOrigins,
		MaxUploadBytes: appConfig.UploadMaxBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if redisRelay != nil {
		if err := redisRelay.Start(signalCtx, dispatcher); err != nil {
			logger.Warn("redis relay unavailable, realtime delivery stays local", zap.Error(err))
		}
		defer redisRelay.Stop() //nolint:errcheck
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

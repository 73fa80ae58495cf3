package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/collab/internal/config"
	"github.com/MarcoPoloResearchLab/collab/internal/database"
	"github.com/MarcoPoloResearchLab/collab/internal/datastore"
	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/collab/internal/server"
	"github.com/joho/godotenv"
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
		Use:   "collab-api",
		Short: "Chat and shared notes backend service",
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("trusted-proxies", defaults.GetString("http.trusted_proxies"), "Comma separated proxy addresses or CIDRs allowed to set X-Forwarded-For")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	flags.String("anon-key", defaults.GetString("api.anon_key"), "Public API key clients must present")
	flags.String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated CORS origins")
	flags.Float64("writes-per-second", defaults.GetFloat64("ratelimit.writes_per_second"), "Sustained write requests per client")
	flags.Int("write-burst", defaults.GetInt("ratelimit.burst"), "Write burst per client")
	flags.Int("realtime-buffer-size", defaults.GetInt("realtime.buffer_size"), "Per-subscriber realtime event buffer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "api.anon_key", "anon-key")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "ratelimit.writes_per_second", "writes-per-second")
	bindFlag(cmd, "ratelimit.burst", "write-burst")
	bindFlag(cmd, "realtime.buffer_size", "realtime-buffer-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
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

	if appConfig.AnonKey == "" {
		logger.Warn("api.anon_key is empty; requests are accepted without an api key")
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := ids.NewUUIDProvider()
	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize: appConfig.RealtimeBufferSize,
		Logger:     logger,
	})

	rowsService, err := datastore.NewService(datastore.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Publisher:  hub,
	})
	if err != nil {
		return err
	}

	accounts, err := auth.NewAccounts(auth.AccountsConfig{
		Database:   db,
		Hasher:     auth.NewBcryptPasswordHasher(auth.DefaultBcryptCost),
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Publisher:  hub,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	writeLimiter := server.NewWriteLimiter(server.WriteLimiterConfig{
		RequestsPerSecond: appConfig.WritesPerSecond,
		Burst:             appConfig.WriteBurst,
	})
	defer writeLimiter.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rows:           rowsService,
		Feed:           hub,
		Accounts:       accounts,
		TokenManager:   tokenManager,
		WriteLimiter:   writeLimiter,
		AnonKey:        appConfig.AnonKey,
		AllowedOrigins: appConfig.AllowedOrigins,
		TrustedProxies: appConfig.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// Realtime handlers derive their context from baseCtx, so cancelling it on
	// shutdown ends hijacked websocket connections.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
	httpServer.RegisterOnShutdown(cancelBase)

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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

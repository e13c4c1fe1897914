package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mzolotarev/authd/internal/authcore"
	"github.com/mzolotarev/authd/internal/authcorepg"
	"github.com/mzolotarev/authd/internal/httpapi"
	"github.com/mzolotarev/authd/internal/mailer"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "authd",
		Short:   "Auth service with password login, JWT access tokens, rotating refresh sessions, and one-time tokens",
		PreRunE: prepareServiceConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("jwt_issuer", "authd", "Issuer claim for access tokens")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 60*24*time.Hour, "Refresh session TTL")
	rootCmd.Flags().Duration("verify_email_ttl", 48*time.Hour, "Verify-email token TTL")
	rootCmd.Flags().Duration("reset_password_ttl", 24*time.Hour, "Reset-password token TTL")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().Bool("pgx_token_stores", false, "Serve refresh sessions and one-time tokens through pgx instead of GORM (postgres only)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	rootCmd.Flags().String("mail_api_key", "", "Mail provider API key; leave empty to log notifications instead of sending")
	rootCmd.Flags().String("mail_from", "", "From-address for outbound mail")
	rootCmd.Flags().String("mail_base_url", "", "Mail provider base URL override")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("jwt_issuer", rootCmd.Flags().Lookup("jwt_issuer"))
	_ = viper.BindPFlag("access_ttl", rootCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", rootCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("verify_email_ttl", rootCmd.Flags().Lookup("verify_email_ttl"))
	_ = viper.BindPFlag("reset_password_ttl", rootCmd.Flags().Lookup("reset_password_ttl"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("pgx_token_stores", rootCmd.Flags().Lookup("pgx_token_stores"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("mail_api_key", rootCmd.Flags().Lookup("mail_api_key"))
	_ = viper.BindPFlag("mail_from", rootCmd.Flags().Lookup("mail_from"))
	_ = viper.BindPFlag("mail_base_url", rootCmd.Flags().Lookup("mail_base_url"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey = "config.missing_jwt_signing_key"
	configCodeMissingJWTIssuer     = "config.missing_jwt_issuer"
	configCodeInvalidAccessTTL     = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL    = "config.invalid_refresh_ttl"
	configCodeInvalidOneTimeTTL    = "config.invalid_onetime_ttl"
	configCodeUninitializedConf    = "config.uninitialized_service_config"
	configCodeMailerInit           = "config.mailer_init"
	configCodePgxStores            = "config.pgx_requires_postgres"
)

type contextKey string

const serviceConfigContextKey contextKey = "serviceConfig"

func prepareServiceConfig(command *cobra.Command, arguments []string) error {
	serviceConfig, loadErr := LoadServiceConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serviceConfigContextKey, serviceConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServiceConfig reads and validates the core configuration from viper.
func LoadServiceConfig() (authcore.ServiceConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authcore.ServiceConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	jwtIssuer := viper.GetString("jwt_issuer")
	if jwtIssuer == "" {
		return authcore.ServiceConfig{}, configError(configCodeMissingJWTIssuer, "jwt_issuer must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authcore.ServiceConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authcore.ServiceConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	verifyEmailTTL := viper.GetDuration("verify_email_ttl")
	if verifyEmailTTL <= 0 {
		return authcore.ServiceConfig{}, configError(configCodeInvalidOneTimeTTL, "verify_email_ttl must be greater than zero")
	}

	resetPasswordTTL := viper.GetDuration("reset_password_ttl")
	if resetPasswordTTL <= 0 {
		return authcore.ServiceConfig{}, configError(configCodeInvalidOneTimeTTL, "reset_password_ttl must be greater than zero")
	}

	return authcore.ServiceConfig{
		AccessTokenSigningKey: []byte(jwtSigningKey),
		AccessTokenIssuer:     jwtIssuer,
		AccessTokenTTL:        accessTTL,
		RefreshSessionTTL:     refreshTTL,
		VerifyEmailTokenTTL:   verifyEmailTTL,
		ResetPasswordTokenTTL: resetPasswordTTL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serviceConfigContextKey)
	}
	serviceConfig, ok := contextValue.(authcore.ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedConf, "service configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := httpapi.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	var accounts authcore.AccountStore
	var sessions authcore.RefreshSessionStore
	var oneTimeTokens authcore.OneTimeTokenStore

	if databaseURL != "" {
		persistentStore, storeErr := authcore.NewDatabaseStore(context.Background(), databaseURL)
		if storeErr != nil {
			return storeErr
		}
		accounts = persistentStore
		sessions = persistentStore
		oneTimeTokens = persistentStore
		logger.Info("using persistent stores", zap.String("driver", persistentStore.Driver()))

		if viper.GetBool("pgx_token_stores") {
			if persistentStore.Driver() != "postgres" {
				return configError(configCodePgxStores, "pgx_token_stores requires a postgres database_url")
			}
			pool, poolErr := authcorepg.BuildPool(context.Background(), databaseURL)
			if poolErr != nil {
				return poolErr
			}
			if schemaErr := authcorepg.EnsureSchema(context.Background(), pool); schemaErr != nil {
				return schemaErr
			}
			sessions = authcorepg.NewPostgresRefreshSessionStore(pool)
			oneTimeTokens = authcorepg.NewPostgresOneTimeTokenStore(pool)
			logger.Info("token stores served through pgx")
		}
	} else {
		accounts = authcore.NewMemoryAccountStore()
		sessions = authcore.NewMemoryRefreshSessionStore()
		oneTimeTokens = authcore.NewMemoryOneTimeTokenStore()
		logger.Info("using in-memory stores")
	}

	var notifier authcore.Notifier
	if mailAPIKey := viper.GetString("mail_api_key"); mailAPIKey != "" {
		httpMailer, mailerErr := mailer.NewHTTPMailer(mailAPIKey, viper.GetString("mail_from"), viper.GetString("mail_base_url"))
		if mailerErr != nil {
			return fmt.Errorf("%s: %w", configCodeMailerInit, mailerErr)
		}
		notifier = httpMailer
	} else {
		notifier = mailer.NewLogNotifier(logger)
		logger.Info("mail delivery disabled; notifications will be logged")
	}

	clock := authcore.NewSystemClock()
	metricsRecorder := authcore.NewCounterMetrics()
	signer := authcore.NewSigner(serviceConfig, clock)
	cascade := authcore.NewCascadeController(sessions, logger, metricsRecorder)
	service := authcore.NewService(serviceConfig, accounts, sessions, oneTimeTokens, signer, cascade, notifier, logger, metricsRecorder, clock)

	handler := httpapi.NewHandler(service, signer, logger)
	handler.MountRoutes(router)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

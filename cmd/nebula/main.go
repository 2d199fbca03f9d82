package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nebula-cp/nebula/internal/actions"
	"github.com/nebula-cp/nebula/internal/approval"
	"github.com/nebula-cp/nebula/internal/auth"
	"github.com/nebula-cp/nebula/internal/enums"
	"github.com/nebula-cp/nebula/internal/health"
	"github.com/nebula-cp/nebula/internal/notify"
	"github.com/nebula-cp/nebula/internal/repository"
	"github.com/nebula-cp/nebula/internal/scope"
	"github.com/nebula-cp/nebula/internal/server"
	"github.com/nebula-cp/nebula/internal/server/handler"
	"github.com/nebula-cp/nebula/internal/store"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("nebula exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("nebula")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.base_url", "")
	viper.SetDefault("server.open_rate_limit_rps", 10)
	viper.SetDefault("server.open_rate_limit_burst", 20)
	viper.SetDefault("server.rate_limit_window", "1m")
	viper.SetDefault("server.rate_limit_max", 600)
	viper.SetDefault("store.host", "localhost")
	viper.SetDefault("store.port", 5432)
	viper.SetDefault("store.database", "nebula")
	viper.SetDefault("store.user", "nebula")
	viper.SetDefault("store.password", "")
	viper.SetDefault("store.sslmode", "disable")
	viper.SetDefault("store.min_conns", 2)
	viper.SetDefault("store.max_conns", 10)
	viper.SetDefault("store.command_timeout", "30s")
	viper.SetDefault("auth.session_secret", "")
	viper.SetDefault("auth.session_ttl", "1h")
	viper.SetDefault("auth.strict_admin_bypass", false)
	viper.SetDefault("bootstrap.enabled", false)
	viper.SetDefault("bootstrap.local_insecure", false)
	viper.SetDefault("approval.max_pending", approval.DefaultMaxPending)
	viper.SetDefault("enroll.ttl", "15m")
	viper.SetDefault("email.smtp_host", "")
	viper.SetDefault("email.smtp_port", 587)
	viper.SetDefault("email.smtp_username", "")
	viper.SetDefault("email.smtp_password", "")
	viper.SetDefault("email.from_address", "noreply@nebula.local")
	viper.SetDefault("email.reviewer_address", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Database ─────────────────────────────────────────────────────────────
	dsn, err := databaseURL()
	if err != nil {
		return err
	}
	ctx := context.Background()
	db, err := store.New(ctx, dsn, store.Options{
		MinConns:       viper.GetInt32("store.min_conns"),
		MaxConns:       viper.GetInt32("store.max_conns"),
		CommandTimeout: viper.GetDuration("store.command_timeout"),
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to postgres")

	// ── Core components ──────────────────────────────────────────────────────
	repos := repository.New(db.Pool())

	registry := enums.New(repos.Taxonomy, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load enum registry: %w", err)
	}

	adminScopes := scope.DefaultAdminScopeNames
	if viper.GetBool("auth.strict_admin_bypass") {
		// Strict mode: only the admin scope itself grants bypass, holding a
		// sensitive scope does not.
		adminScopes = []string{"admin"}
	}
	mediator := scope.New(repos, adminScopes)

	var sender notify.Sender
	smtpHost := viper.GetString("email.smtp_host")
	if smtpHost != "" {
		sender = notify.NewSMTPSender(
			smtpHost,
			viper.GetInt("email.smtp_port"),
			viper.GetString("email.smtp_username"),
			viper.GetString("email.smtp_password"),
			viper.GetString("email.from_address"),
		)
		logger.Info("SMTP notifications configured", zap.String("host", smtpHost))
	} else {
		sender = notify.NewNoopSender(logger)
	}
	reviewer := notify.NewReviewer(sender, viper.GetString("email.reviewer_address"), viper.GetString("server.base_url"), logger)

	engine := approval.NewEngine(repos, db, mediator, reviewer, logger, viper.GetInt("approval.max_pending"))
	enrollment := approval.NewEnrollment(repos, db, registry, reviewer, logger, viper.GetDuration("enroll.ttl"))
	dispatcher := actions.NewDispatcher(db, registry, mediator, engine, logger)

	authn := auth.NewAuthenticator(repos, registry, logger)
	sessionSecret := viper.GetString("auth.session_secret")
	if sessionSecret == "" {
		logger.Warn("auth.session_secret is empty; /keys/login is disabled until one is set")
	}
	sessions := auth.NewSessionIssuer(sessionSecret, viper.GetDuration("auth.session_ttl"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	checker := health.New(db, health.Config{}, logger)
	go checker.Start(quit)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.New(server.Config{
		CORSOrigins: viper.GetStringSlice("server.cors_origins"),
		OpenRPS:     viper.GetInt("server.open_rate_limit_rps"),
		OpenBurst:   viper.GetInt("server.open_rate_limit_burst"),
		Window:      viper.GetDuration("server.rate_limit_window"),
		Max:         viper.GetInt("server.rate_limit_max"),
		Auth: handler.AuthConfig{
			BootstrapEnabled: viper.GetBool("bootstrap.enabled"),
			LocalInsecure:    viper.GetBool("bootstrap.local_insecure"),
		},
	}, server.Deps{
		Store:      db,
		Repos:      repos,
		Registry:   registry,
		Mediator:   mediator,
		Authn:      authn,
		Sessions:   sessions,
		Engine:     engine,
		Enrollment: enrollment,
		Dispatcher: dispatcher,
		Health:     checker,
		Logger:     logger,
	})

	if viper.GetBool("bootstrap.local_insecure") {
		logger.Warn("bootstrap.local_insecure is set — loopback requests authenticate as the 'local' agent; do not use in production")
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("nebula HTTP listening", zap.Int("port", viper.GetInt("server.port")))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down nebula...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("nebula stopped")
	return nil
}

// databaseURL assembles the store DSN. An explicit database.url wins;
// otherwise the store.* parts are used and the password is mandatory.
func databaseURL() (string, error) {
	if dsn := viper.GetString("database.url"); dsn != "" {
		return dsn, nil
	}
	password := viper.GetString("store.password")
	if password == "" {
		return "", errors.New("store.password is required (or set database.url)")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(viper.GetString("store.user")),
		url.QueryEscape(password),
		viper.GetString("store.host"),
		viper.GetInt("store.port"),
		viper.GetString("store.database"),
		viper.GetString("store.sslmode"),
	), nil
}

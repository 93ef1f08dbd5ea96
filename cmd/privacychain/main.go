// cmd/privacychain: the PrivacyChain tracking API.
//
// It wires the tracking coordinator to an index store (memory, SQLite or
// PostgreSQL), one ledger adapter per ledger id (in-process chain,
// PostgreSQL chain or a remote ledgerd node) and optional audit sinks (Kafka,
// signed webhooks), and serves the compliance operations over HTTP.
//
// Usage:
//
//	go run ./cmd/privacychain
//	INDEX_DRIVER=postgres INDEX_DSN=postgres://... go run ./cmd/privacychain
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/anonymizer"
	"github.com/jmerrifield20/privacychain/internal/audit"
	"github.com/jmerrifield20/privacychain/internal/auth"
	"github.com/jmerrifield20/privacychain/internal/health"
	"github.com/jmerrifield20/privacychain/internal/tracking/handler"
	"github.com/jmerrifield20/privacychain/internal/tracking/model"
	"github.com/jmerrifield20/privacychain/internal/tracking/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("privacychain exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("privacychain")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("tracking.default_ledger", string(model.DefaultLedgerID))
	viper.SetDefault("tracking.default_hash_method", string(anonymizer.DefaultHashMethod))
	viper.SetDefault("tracking.ledger_timeout", "10s")
	viper.SetDefault("index.driver", "memory")
	viper.SetDefault("index.dsn", "")
	for _, id := range model.LedgerIDs {
		viper.SetDefault(ledgerKey(id, "driver"), "memory")
	}
	viper.SetDefault("ledger.cache.driver", "none")
	viper.SetDefault("ledger.cache.redis_url", "redis://localhost:6379/0")
	viper.SetDefault("ledger.cache.ttl", "1h")
	viper.SetDefault("ledger.verify_interval", "10m")
	viper.SetDefault("audit.sinks", []string{})
	viper.SetDefault("audit.brokers", []string{"localhost:9092"})
	viper.SetDefault("audit.topic", "privacychain.compliance")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.issuer", "privacychain")
	viper.SetDefault("auth.token_ttl", "1h")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers closeStack
	defer closers.closeAll(logger)

	// ── Index store ──────────────────────────────────────────────────────────
	store, err := openIndexStore(ctx, &closers, logger)
	if err != nil {
		return err
	}

	// ── Ledgers ──────────────────────────────────────────────────────────────
	ledgers, err := openLedgers(ctx, &closers, logger)
	if err != nil {
		return err
	}

	// ── Coordinator ──────────────────────────────────────────────────────────
	defaultLedger, err := model.ParseLedgerID(viper.GetString("tracking.default_ledger"))
	if err != nil {
		return fmt.Errorf("tracking.default_ledger: %w", err)
	}
	hashMethod, err := anonymizer.ParseHashMethod(viper.GetString("tracking.default_hash_method"))
	if err != nil {
		return fmt.Errorf("tracking.default_hash_method: %w", err)
	}
	svc, err := service.NewCoordinator(store, ledgers.adapters, service.Config{
		DefaultLedger:     defaultLedger,
		DefaultHashMethod: hashMethod,
		LedgerTimeout:     viper.GetDuration("tracking.ledger_timeout"),
	}, logger)
	if err != nil {
		return err
	}
	svc.SetOperationObserver(handler.RecordComplianceOperation)

	publisher, err := openPublisher(&closers, logger)
	if err != nil {
		return err
	}
	svc.SetPublisher(publisher)

	logger.Info("tracking coordinator ready",
		zap.String("default_ledger", string(svc.DefaultLedger())),
		zap.String("default_hash_method", string(svc.DefaultHashMethod())),
		zap.Int("ledgers", len(svc.Ledgers())),
	)

	// ── Background: chain integrity ──────────────────────────────────────────
	if len(ledgers.chains) > 0 {
		checker := health.New(ledgers.chains, health.Config{
			CheckInterval: viper.GetDuration("ledger.verify_interval"),
		}, logger)
		checker.SetAlert(func(ctx context.Context, eventType string, payload map[string]string) {
			if err := publisher.Emit(ctx, audit.Event{
				Type:       eventType,
				LedgerID:   payload["chain"],
				Attributes: payload,
				OccurredAt: time.Now().UTC(),
			}); err != nil {
				logger.Error("audit publish failed (non-fatal)", zap.String("event", eventType), zap.Error(err))
			}
		})
		checker.CheckAll(ctx)
		go checker.Start(ctx)
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	tokens, clients, err := openAuth(logger)
	if err != nil {
		return err
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit())

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())
	if tokens != nil && clients != nil {
		router.POST("/oauth/token", gin.WrapF(auth.TokenHandler(clients, tokens, logger)))
	}

	handler.NewTrackingHandler(svc, tokens, logger).Register(router.Group("/v1"))

	// ── Serve ────────────────────────────────────────────────────────────────
	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("privacychain HTTP listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http listen: %w", err)
	}
	logger.Info("shutting down privacychain...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("privacychain stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

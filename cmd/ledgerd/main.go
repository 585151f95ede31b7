// Command ledgerd runs the audit ledger: HTTP ingestion and query API,
// gRPC query service, and the snapshot scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/auditledger/internal/anchor"
	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/handler"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/notify"
	"github.com/jmerrifield20/auditledger/internal/queryrpc"
	"github.com/jmerrifield20/auditledger/internal/scheduler"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	bootLogger, _ := zap.NewProduction()
	cfg, err := config.Load(config.New(), bootLogger)
	if err != nil {
		bootLogger.Fatal("load config", zap.Error(err))
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		bootLogger.Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ───────────────────────────────────────────────────────────────
	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := auditledger.NewService(store, logger)
	svc.SetMetrics(handler.LedgerMetrics{})
	svc.SetProofCacheTTL(cfg.Snapshot.ProofCacheTTL)
	svc.StartCacheEviction(ctx, time.Minute)

	report, err := svc.VerifyChain(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("read ledger: %w", err)
	case !report.OK:
		logger.Warn("audit ledger integrity check FAILED",
			zap.Int64("first_divergent_id", report.FirstBrokenID),
			zap.String("reason", report.Reason),
		)
	default:
		logger.Info("audit ledger verified",
			zap.Int("events", report.Checked),
			zap.String("last_hash", report.LastHash),
		)
	}

	// ── Signing key + tokens ──────────────────────────────────────────────────
	var (
		keys   *identity.KeyProvider
		tokens *identity.TokenIssuer
	)
	if cfg.Signing.Enabled {
		keys = identity.NewKeyProvider(cfg.Signing.KeyDir)
		if err := keys.LoadOrCreate(); err != nil {
			return fmt.Errorf("signing key setup failed: %w", err)
		}
		signer, err := identity.NewSnapshotSigner(keys)
		if err != nil {
			return err
		}
		svc.SetSigner(signer)

		tokens, err = identity.NewTokenIssuer(keys, cfg.Server.IssuerURL, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		logger.Info("signing key ready",
			zap.String("key_dir", cfg.Signing.KeyDir),
			zap.String("kid", keys.KeyID()),
		)
	} else {
		logger.Warn("snapshot signing disabled; snapshots stay pending_signature and write endpoints are not mounted")
	}

	// ── Anchoring + notifications ─────────────────────────────────────────────
	if cfg.Anchor.Enabled {
		svc.SetAnchorer(anchor.NewJSONRPCAnchorer(anchor.Config{
			Endpoint: cfg.Anchor.Endpoint,
			Method:   cfg.Anchor.Method,
			Timeout:  cfg.Anchor.Timeout,
		}, logger))
		logger.Info("anchoring enabled", zap.String("endpoint", cfg.Anchor.Endpoint))
	} else {
		svc.SetAnchorer(anchor.NoopAnchorer{})
	}

	publisher, err := openPublisher(ctx, cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer publisher.Close() //nolint:errcheck
	svc.SetPublisher(publisher)

	// ── Scheduler ─────────────────────────────────────────────────────────────
	sched, err := scheduler.New(svc, cfg.Snapshot.Schedule, 0, logger)
	if err != nil {
		return err
	}
	sched.Start()

	// ── grpc-gateway HTTP/JSON proxy onto the local gRPC server ──────────────
	grpcAddr := fmt.Sprintf("localhost:%d", cfg.Server.GRPCPort)
	loopback, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial local gRPC %s: %w", grpcAddr, err)
	}
	defer loopback.Close() //nolint:errcheck
	gateway, err := queryrpc.NewGateway(loopback)
	if err != nil {
		return fmt.Errorf("register grpc-gateway: %w", err)
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	router := newRouter(ctx, cfg, svc, keys, tokens, gateway, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := queryrpc.NewGRPCServer(logger)
	queryrpc.Register(grpcServer, queryrpc.NewServer(svc, logger))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("ledgerd gRPC listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	sched.Stop(shutCtx)
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	svc.Wait()
	cancel()

	logger.Info("ledgerd stopped")
	return nil
}

// openStore selects the storage backend named by database.driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (auditledger.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		db, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return auditledger.NewPostgresStore(db, logger), db.Close, nil

	case "sqlite":
		s, err := auditledger.OpenSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite ledger", zap.String("path", cfg.SQLitePath))
		return s, func() { _ = s.Close() }, nil

	default:
		logger.Warn("using in-memory ledger; events are lost on restart")
		return auditledger.NewMemoryStore(), func() {}, nil
	}
}

// openPublisher selects the snapshot notification transport.
func openPublisher(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (notify.Publisher, error) {
	switch cfg.Driver {
	case "redis":
		p, err := notify.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.Topic, logger)
		if err != nil {
			return nil, fmt.Errorf("redis publisher: %w", err)
		}
		logger.Info("snapshot notifications via redis", zap.String("addr", cfg.RedisAddr), zap.String("channel", cfg.Topic))
		return p, nil
	case "nats":
		p, err := notify.NewNATSPublisher(cfg.NATSURL, cfg.Topic, logger)
		if err != nil {
			return nil, fmt.Errorf("nats publisher: %w", err)
		}
		logger.Info("snapshot notifications via nats", zap.String("url", cfg.NATSURL), zap.String("subject", cfg.Topic))
		return p, nil
	case "webhook":
		p, err := notify.NewWebhookPublisher(notify.WebhookConfig{
			URLs:   cfg.WebhookURLs,
			Secret: cfg.WebhookSecret,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("snapshot notifications via webhook", zap.Int("urls", len(cfg.WebhookURLs)))
		return p, nil
	default:
		return notify.NewNoopPublisher(), nil
	}
}

func newRouter(ctx context.Context, cfg *config.Config, svc *auditledger.Service, keys *identity.KeyProvider, tokens *identity.TokenIssuer, gateway http.Handler, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	origins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", handler.Health(svc))
	router.GET("/metrics", handler.MetricsHandler())

	// LedgerQuery over HTTP/JSON, served through the gRPC service.
	router.Any("/v1/*path", gin.WrapH(gateway))

	v1 := router.Group("/api/v1")
	ledgerHandler := handler.NewLedgerHandler(svc, logger)
	ledgerHandler.Register(v1)

	if keys != nil && tokens != nil {
		identity.NewWellKnown(cfg.Server.IssuerURL, keys).Register(router)
		ledgerHandler.RegisterWrite(v1,
			identity.RequireToken(tokens, identity.ScopeWrite),
			identity.RequireToken(tokens, identity.ScopeSnapshot),
		)
		handler.NewTokenHandler(identity.NewClients(cfg.Auth.Clients), tokens, logger).Register(v1)
		if len(cfg.Auth.Clients) == 0 {
			logger.Warn("no auth.clients configured; the token endpoint will reject every request")
		}
	}
	return router
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

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

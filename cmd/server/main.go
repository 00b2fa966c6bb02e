package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"brokerdesk/backend/internal/config"
	"brokerdesk/backend/internal/health"
	"brokerdesk/backend/internal/logger"
	"brokerdesk/backend/internal/mailbox"
	"brokerdesk/backend/internal/monitoring"
	"brokerdesk/backend/internal/outbound"
	"brokerdesk/backend/internal/scan"
	"brokerdesk/backend/internal/service"
	"brokerdesk/backend/internal/storage"
	"brokerdesk/backend/internal/storage/filesystem"
	"brokerdesk/backend/internal/storage/memory"
	"brokerdesk/backend/internal/storage/postgres"
	"brokerdesk/backend/internal/storage/redis"
	sqlstore "brokerdesk/backend/internal/storage/sql"
	httptransport "brokerdesk/backend/internal/transport/http"
	"brokerdesk/backend/internal/websocket"
)

// main 启动 HTTP API、扫描任务注册表与外发调度器。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting brokerdesk server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := initializeStorage(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, log)

	// pgx 连接池只用于就绪探测与连接池指标
	if cfg.Database.Type == "postgres" {
		pg, err := postgres.NewClient(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("connect pgx pool: %w", err)
		}
		defer pg.Close()
		healthChecker.AddPinger("postgres", pg)
		metrics.RegisterGauge("db", "pool_total_conns", "Open connections in the pgx pool", func() float64 {
			return float64(pg.Stats().TotalConns())
		})
	}

	var ledger storage.LedgerRepository = store
	if cfg.Redis.Enabled {
		rdb, err := redis.New(ctx, cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		healthChecker.AddPinger("redis", rdb)
		ledger = redis.NewLedgerCache(store, rdb, cfg.Redis.LedgerTTL)
		log.Info("redis ledger cache enabled", zap.String("address", cfg.Redis.Address))
	}

	files, err := filesystem.NewStore(cfg.Storage.AttachmentDir)
	if err != nil {
		return fmt.Errorf("initialize attachment storage: %w", err)
	}
	healthChecker.AddWritableDir("attachments", cfg.Storage.AttachmentDir)
	log.Info("attachment storage initialized", zap.String("path", cfg.Storage.AttachmentDir))

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)

	registry := scan.NewRegistry(cfg.Scan.MaxConcurrentJobs, log)
	metrics.RegisterGauge("scan", "active_jobs", "Scan jobs currently pending, running or paused", func() float64 {
		return float64(len(registry.Live()))
	})

	companies := scan.NewCompanyResolver(store, cfg.Scan.CompanyCacheTTL)
	defer companies.Close()

	scanService := service.NewScanService(cfg.Scan, store, registry, scan.Deps{
		Jobs:        store,
		Ledger:      ledger,
		Attachments: store,
		Accounts:    store,
		Files:       files,
		Dialer:      mailbox.NewIMAPDialer(cfg.IMAP.DefaultHost, cfg.IMAP.DefaultPort, log),
		Companies:   companies,
		Events:      wsHub,
		Metrics:     metrics,
		Logger:      log,
	})

	deps := outbound.Deps{
		Messages:    store,
		Contacts:    store,
		Attachments: store,
		Metrics:     metrics,
		Logger:      log,
	}
	if cfg.Outbound.Mode == outbound.ModeAPI {
		deps.Transport = outbound.NewWhatsAppClient(cfg.Outbound, log)
	}
	dispatcher := outbound.NewDispatcher(cfg.Outbound, deps)
	healthChecker.AddRunner("outbound_dispatcher", dispatcher)
	outboundService := service.NewOutboundService(store, dispatcher, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:          cfg,
		ScanService:     scanService,
		OutboundService: outboundService,
		WebSocketHub:    wsHub,
		Metrics:         metrics,
		Health:          healthChecker,
		Logger:          log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		dispatcher.Start(groupCtx)
		<-groupCtx.Done()
		dispatcher.Stop()
		return nil
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Error("scan registry shutdown error", zap.Error(err))
		}
		return nil
	})

	return group.Wait()
}

// initializeStorage 按配置选择数据库或内存存储
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Warn("using memory storage, data is lost on restart")
		return memory.NewStore(), nil
	}

	opts := sqlstore.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	var (
		store storage.Store
		err   error
	)
	switch cfg.Database.Type {
	case "postgres", "postgresql":
		store, err = sqlstore.NewStore(cfg.Database.DSN, opts)
	case "mysql":
		store, err = sqlstore.NewMySQLStore(cfg.Database.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
	if err != nil {
		return nil, err
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))
	return store, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-warehouse-api/api/swagger"
	"github.com/noah-isme/sma-warehouse-api/internal/catalog"
	"github.com/noah-isme/sma-warehouse-api/internal/handler"
	internalmiddleware "github.com/noah-isme/sma-warehouse-api/internal/middleware"
	"github.com/noah-isme/sma-warehouse-api/internal/migrations"
	"github.com/noah-isme/sma-warehouse-api/internal/models"
	"github.com/noah-isme/sma-warehouse-api/internal/repository"
	"github.com/noah-isme/sma-warehouse-api/internal/service"
	"github.com/noah-isme/sma-warehouse-api/pkg/cache"
	"github.com/noah-isme/sma-warehouse-api/pkg/config"
	"github.com/noah-isme/sma-warehouse-api/pkg/database"
	"github.com/noah-isme/sma-warehouse-api/pkg/jobs"
	"github.com/noah-isme/sma-warehouse-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-warehouse-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-warehouse-api/pkg/middleware/requestid"
)

// @title SMA Warehouse API
// @version 0.2.0
// @description Catalog queries over pre-aggregated school analytics
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("warehouse stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	primaryDB, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect primary: %w", err)
	}
	defer primaryDB.Close()

	if err := migrations.Run(primaryDB.DB, cfg.Database.AutoMigrate, logr); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var replicaDB *sqlx.DB
	if cfg.Replica.Enabled {
		replicaDB, err = database.Open(cfg.Replica.Database)
		if err != nil {
			return fmt.Errorf("configure replica: %w", err)
		}
		defer replicaDB.Close()
	}

	metrics := service.NewMetricsService()

	cacheEnabled := cfg.Warehouse.CacheEnabled
	var cacheRepo *repository.CacheRepository
	if cacheEnabled {
		client, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unreachable, serving without result cache", zap.Error(err))
			cacheEnabled = false
		} else {
			cacheRepo = repository.NewCacheRepository(client, logr)
			defer cacheRepo.Close()
		}
	}

	views := catalog.NewViewRegistry(nil)
	queries := catalog.NewQueryCatalog(views, cfg.Warehouse.MaxResultRows, nil)
	if err := catalog.Bootstrap(views, queries, catalog.DefaultViews(), catalog.DefaultQueries()); err != nil {
		return err
	}

	var cacheBackend service.CacheRepository
	if cacheEnabled {
		cacheBackend = cacheRepo
	}
	cacheSvc := service.NewCacheService(cacheBackend, metrics, cfg.Warehouse.CacheTTL, logr, cacheEnabled)

	runRepo := repository.NewExecutionRunRepository(primaryDB)
	recorder := service.NewRunRecorder(runRepo, metrics, logr, cfg.Recorder.Workers, cfg.Recorder.BufferSize)
	recorder.Start(ctx)
	defer recorder.Stop()

	var replica service.QueryRunner
	if replicaDB != nil {
		replica = repository.NewQueryRepository(replicaDB, models.SourceReplica)
	}
	engine := service.NewQueryEngine(queries, views,
		repository.NewQueryRepository(primaryDB, models.SourcePrimary),
		replica,
		cacheSvc,
		recorder,
		metrics,
		logr,
		service.EngineConfig{
			StatementTimeout:     cfg.Warehouse.StatementTimeout,
			CacheTTL:             cfg.Warehouse.CacheTTL,
			SlowQueryThreshold:   cfg.Warehouse.SlowQueryThreshold,
			ReplicaRetryInterval: cfg.Replica.RetryInterval,
			ViewStaleAfter:       cfg.Warehouse.ViewStaleAfter,
		},
	)

	refresher := service.NewViewRefreshService(views, repository.NewViewRepository(primaryDB), cacheSvc, metrics, logr, cfg.Warehouse.RefreshTimeout)
	if err := refresher.LoadState(ctx); err != nil {
		logr.Warn("could not load view refresh state", zap.Error(err))
	}
	statistics := service.NewStatisticsService(runRepo, logr, cfg.Warehouse.RunRetention)

	orchestrator, err := newOrchestrator(cfg.Scheduler, metrics, logr, refresher, statistics, engine)
	if err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		orchestrator.Start()
	}
	defer orchestrator.Stop()

	var readiness interface {
		Ping(ctx context.Context) error
	}
	if cacheEnabled {
		readiness = cacheRepo
	}

	router := newRouter(cfg, logr, metrics,
		handler.NewQueryHandler(engine),
		handler.NewAdminHandler(handler.AdminDeps{
			Cache:       cacheSvc,
			Engine:      engine,
			Views:       refresher,
			Jobs:        orchestrator,
			Metrics:     metrics,
			WarmQueries: cfg.Scheduler.WarmQueries,
			Logger:      logr,
		}),
		handler.NewMetricsHandler(metrics, engine, readiness),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newOrchestrator(cfg config.SchedulerConfig, metrics *service.MetricsService, logr *zap.Logger, refresher *service.ViewRefreshService, statistics *service.StatisticsService, engine *service.QueryEngine) (*service.JobOrchestrator, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	orchestrator := service.NewJobOrchestrator(service.OrchestratorConfig{
		Location:    location,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     jobs.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Multiplier: 2},
	}, metrics, logr)

	registrations := []struct {
		name     models.JobName
		schedule string
		factory  service.TaskFactory
	}{
		{models.JobRefreshViews, cfg.RefreshSchedule, service.RefreshViewsJob(refresher)},
		{models.JobGenerateStatistics, cfg.StatisticsSchedule, service.GenerateStatisticsJob(statistics)},
		{models.JobWarmCache, cfg.WarmSchedule, service.WarmCacheJob(engine, cfg.WarmQueries)},
	}
	for _, r := range registrations {
		if err := orchestrator.Register(r.name, r.schedule, r.factory); err != nil {
			return nil, err
		}
	}
	return orchestrator, nil
}

func newRouter(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, queries *handler.QueryHandler, admin *handler.AdminHandler, probes *handler.MetricsHandler) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))
	r.Use(internalmiddleware.WithResponseMeta())

	r.GET("/health", probes.Health)
	r.GET("/ready", probes.Ready)
	r.GET("/metrics", probes.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.GET("/queries", queries.List)
	api.GET("/queries/:name", queries.ExecuteGet)
	api.POST("/queries/:name", queries.ExecutePost)

	adminGroup := api.Group("/admin")
	adminGroup.POST("/cache/invalidate", admin.Invalidate)
	adminGroup.POST("/cache/warm", admin.Warm)
	adminGroup.GET("/views", admin.Views)
	adminGroup.POST("/views/:name/refresh", admin.RefreshView)
	adminGroup.GET("/jobs", admin.Jobs)
	adminGroup.POST("/jobs/:name/run", admin.RunJob)
	adminGroup.GET("/metrics", admin.Metrics)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	return r
}

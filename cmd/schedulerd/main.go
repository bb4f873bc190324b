// schedulerd is the single long-running process: it claims and dispatches
// tasks, fans cron schedules out into tasks, reaps stale runs, and serves
// the admin HTTP surface and Prometheus metrics.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsbatch/scheduler/config"
	"github.com/opsbatch/scheduler/internal/compensators/filerestore"
	"github.com/opsbatch/scheduler/internal/cronfanout"
	"github.com/opsbatch/scheduler/internal/engine"
	"github.com/opsbatch/scheduler/internal/handlers/codeindex"
	"github.com/opsbatch/scheduler/internal/health"
	"github.com/opsbatch/scheduler/internal/infrastructure/postgres"
	"github.com/opsbatch/scheduler/internal/infrastructure/sqlite"
	ctxlog "github.com/opsbatch/scheduler/internal/log"
	"github.com/opsbatch/scheduler/internal/metrics"
	"github.com/opsbatch/scheduler/internal/notify"
	"github.com/opsbatch/scheduler/internal/pool"
	"github.com/opsbatch/scheduler/internal/registry"
	"github.com/opsbatch/scheduler/internal/repository"
	httptransport "github.com/opsbatch/scheduler/internal/transport/http"
	"github.com/opsbatch/scheduler/internal/transport/http/handler"
	"github.com/opsbatch/scheduler/internal/txservice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	store, closeStore, pinger, err := openStore(ctx, cfg)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer closeStore()
	logger.Info("db connected", "driver", cfg.DBDriver)

	metrics.Register()
	metrics.ProcessStartTime.SetToCurrentTime()
	checker := health.NewChecker(pinger, logger, prometheus.DefaultRegisterer)

	svc := txservice.New(store)

	handlers := registry.NewHandlerRegistry(cfg.RegistrationStrict, cfg.AllowedPackages, logger)
	handlers.Register(codeindex.TypeCode, codeindex.New(logger, svc, cfg.DefaultRoot))
	if err := handlers.LoadManifest(cfg.ManifestPath); err != nil {
		logger.Warn("handler manifest load failed, continuing without it", "path", cfg.ManifestPath, "error", err)
	}

	compensators := registry.NewCompensatorRegistry(logger)
	compensators.Register(filerestore.ActionType, filerestore.New(cfg.DefaultRoot))

	workers := pool.New(poolSizes(cfg))

	owner := ownerName()
	eng := engine.New(svc, handlers, compensators, workers, owner, logger)

	sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, cfg.NotifyTo, logger)
	eng.SetNotifier(notify.New(sender, cfg.NotifyTo, logger))

	pollDelay := time.Duration(cfg.PollDelayMS) * time.Millisecond
	go runPollLoop(ctx, eng, pollDelay, cfg.PollBatch)
	go eng.StartHeartbeatRefresh(ctx, time.Duration(cfg.HeartbeatIntervalSec)*time.Second)

	reaper := engine.NewReaper(
		store.Tasks, logger,
		time.Duration(cfg.ReaperIntervalSec)*time.Second,
		time.Duration(cfg.ReaperHeartbeatSec)*time.Second,
		cfg.ReaperBatchLimit,
	)
	go reaper.Start(ctx)

	fanout := cronfanout.New(
		store.Schedules, store.Tasks,
		time.Duration(cfg.CronFanoutDelaySec)*time.Second,
		time.Duration(cfg.CronFanoutPeriodSec)*time.Second,
		logger,
	)
	go fanout.Start(ctx)

	admin := handler.NewAdmin(store, handlers, eng, logger)
	auth := handler.NewAuth(cfg.OperatorToken, cfg.SessionSecret, cfg.Env != "local")
	router := httptransport.NewRouter(admin, auth, checker, []byte(cfg.SessionSecret), logger)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	go func() {
		logger.Info("admin server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server", "error", err)
		}
	}()
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")
	metrics.ProcessShutdownsTotal.Inc()

	workers.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

// runPollLoop is the engine's tick driver: claim up to batch tasks every
// pollDelay until ctx is canceled.
func runPollLoop(ctx context.Context, eng *engine.Engine, pollDelay time.Duration, batch int) {
	ticker := time.NewTicker(pollDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.RunTick(ctx, batch)
		}
	}
}

// poolSizes applies the defaults of max(16, NumCPU*8) core workers and
// max(32, NumCPU*16) max workers, overridable via config for deployments
// that need to hand-tune concurrency against a smaller database pool.
func poolSizes(cfg *config.Config) (coreSize, maxSize, queueSize int) {
	cores := runtime.NumCPU()

	coreSize = cfg.PoolCoreSize
	if coreSize == 0 {
		coreSize = max(16, cores*8)
	}
	maxSize = cfg.PoolMaxSize
	if maxSize == 0 {
		maxSize = max(32, cores*16)
	}
	queueSize = cfg.PoolQueueSize
	return coreSize, maxSize, queueSize
}

func ownerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "schedulerd"
	}
	return host
}

// openStore selects the storage dialect named by cfg.DBDriver and returns
// the wired repository.Store alongside a close func and a health.Pinger.
func openStore(ctx context.Context, cfg *config.Config) (*repository.Store, func(), health.Pinger, error) {
	switch cfg.DBDriver {
	case "sqlite":
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return sqlite.NewStore(db), func() { db.Close() }, sqlitePinger{db}, nil
	default:
		dbPool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return postgres.NewStore(dbPool), dbPool.Close, dbPool, nil
	}
}

// sqlitePinger adapts *sql.DB to health.Pinger.
type sqlitePinger struct {
	db *sql.DB
}

func (p sqlitePinger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}

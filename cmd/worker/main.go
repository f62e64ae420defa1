// The backrun worker: runs the per-lane executor pools, the watchdog
// election and the retention sweeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourorg/backrun/internal/backoff"
	"github.com/yourorg/backrun/internal/config"
	"github.com/yourorg/backrun/internal/engine"
	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/logging"
	"github.com/yourorg/backrun/internal/ratelimit"
	"github.com/yourorg/backrun/internal/resultstore"
	"github.com/yourorg/backrun/internal/store/postgres"
	"github.com/yourorg/backrun/internal/worker"
)

func main() {
	configPath := flag.String("config", "backrun.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := worker.EnableParentDeathSignal(); err != nil {
		logger.Warn("failed to enable parent-death signal", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("connecting to database")
	pool, err := postgres.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("connect to database failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Error("run migrations failed", "err", err)
		os.Exit(1)
	}
	jobs := postgres.New(pool)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("parse redis URL failed", "err", err)
		os.Exit(1)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	logger.Info("connecting to redis")
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		os.Exit(1)
	}
	broker := lanes.NewRedisBroker(rc)

	results := resultstore.New(cfg.Results.Root)

	reg := engine.NewRegistry()
	reg.Register("momentum-alpha", &engine.SimEngine{})
	reg.Register("mean-reversion", &engine.SimEngine{})

	var limiter ratelimit.Limiter
	if n := cfg.Worker.PrincipalMaxActive; n > 0 {
		limiter = ratelimit.NewRedisLimiter(rc, int64(n))
	}

	hostname, _ := os.Hostname()
	w := worker.New(worker.Config{
		ID:                 uuid.New().String(),
		Hostname:           hostname,
		PoolSizes:          cfg.PoolSizes(),
		Tick:               cfg.Worker.Tick,
		MemoryCeilingBytes: cfg.MemoryCeilingBytes(),
	}, jobs, broker, reg, results, limiter, backoff.Default(), logger)

	// Every worker process competes for the watchdog lock; exactly one
	// holds it at a time.
	watchdog := worker.NewWatchdog(jobs, broker, logger)
	watchdog.Limiter = limiter
	go watchdog.Run(ctx)

	sweeper := resultstore.NewSweeper(jobs, results, cfg.Results.RetentionAge, logger)
	go sweeper.Run(ctx, cfg.Results.SweepInterval)

	logger.Info("worker ready", "engines", reg.Names())
	go w.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
	defer drainCancel()
	if err := w.DrainAndWait(drainCtx); err != nil {
		logger.Warn("drain timeout; in-flight jobs left for the watchdog", "err", err)
	}
	logger.Info("shutdown complete")
}

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/auth"
	"github.com/permitdesk/staffsec/internal/config"
	"github.com/permitdesk/staffsec/internal/deletion"
	"github.com/permitdesk/staffsec/internal/httpapi"
	"github.com/permitdesk/staffsec/internal/lockout"
	"github.com/permitdesk/staffsec/internal/mfa"
	"github.com/permitdesk/staffsec/internal/notify"
	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/recovery"
	"github.com/permitdesk/staffsec/internal/risk"
	"github.com/permitdesk/staffsec/internal/schedule"
	"github.com/permitdesk/staffsec/internal/staff"
	"github.com/permitdesk/staffsec/internal/store/pg"
	"github.com/permitdesk/staffsec/internal/store/redisip"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer obs.SetLogger(logger)()
	defer func() { _ = logger.Sync() }()

	// метрики и build_info
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("staffsec-api stopped", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	probe := httpapi.ReadyProbe{Checks: map[string]httpapi.PingFunc{}}

	var (
		store        staff.Store
		ips          risk.IPHistoryStore
		schedules    risk.ScheduleSource
		deletionOpts []deletion.Option
	)

	// Основное хранилище: PostgreSQL, если задан DSN, иначе in-memory.
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		probe.Checks["postgres"] = pgStore.Ping
		store, ips, schedules = pgStore, pgStore, pgStore
		deletionOpts = append(deletionOpts, deletion.WithForgetter(pgStore))
	} else {
		logger.Warn("STAFFSEC_PG_DSN not set; state is kept in memory and lost on restart")
		mem := staff.NewInMemory()
		store, ips = mem, mem
		deletionOpts = append(deletionOpts, deletion.WithForgetter(mem))
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisip.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		probe.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		redisStore := redisip.New(rdb)
		ips = redisStore
		deletionOpts = append(deletionOpts, deletion.WithForgetter(redisStore))
	}

	if cfg.OfficeHoursFile != "" {
		static, err := risk.LoadScheduleFile(cfg.OfficeHoursFile)
		if err != nil {
			return err
		}
		schedules = static
	}

	var trailOpts []audit.Option
	if cfg.AMQPURL != "" {
		pub, err := notify.NewPublisher(cfg.AMQPURL, notify.WithQueue(cfg.AMQPQueue))
		if err != nil {
			return err
		}
		defer pub.Close()
		trailOpts = append(trailOpts, audit.WithSink(pub))
	}

	trail := audit.NewTrail(trailOpts...)
	engine := schedule.NewEngine()
	guard := lockout.NewGuard(store, trail,
		lockout.WithThreshold(cfg.LockoutThreshold),
		lockout.WithDuration(cfg.LockoutDuration),
		lockout.WithTxAttempts(cfg.TxAttempts),
	)
	evaluator := risk.NewEvaluator(schedules, ips, risk.WithDefaultLocation(cfg.Location()))

	mfaSvc := mfa.NewService(store, engine, trail,
		mfa.WithDelay(cfg.MFADisableDelay),
		mfa.WithTxAttempts(cfg.TxAttempts),
	)
	deletionSvc := deletion.NewService(store, engine, trail, guard, evaluator,
		append([]deletion.Option{
			deletion.WithDelay(cfg.DeletionDelay),
			deletion.WithTxAttempts(cfg.TxAttempts),
		}, deletionOpts...)...,
	)
	recoverySvc := recovery.NewService(store, trail, guard, evaluator,
		recovery.WithMaxAge(cfg.RecoveryMaxAge),
		recovery.WithTxAttempts(cfg.TxAttempts),
	)

	registry := schedule.NewRegistry()
	mfaSvc.Register(registry)
	deletionSvc.Register(registry)
	sweeper := schedule.NewSweeper(store, engine, registry,
		schedule.WithInterval(cfg.SweepInterval),
		schedule.WithBatch(cfg.SweepBatch),
		schedule.WithTxAttempts(cfg.TxAttempts),
		schedule.WithJob(recoverySvc.ExpiryJob()),
	)

	sessions, err := auth.NewSessions(store, []byte(cfg.AuthSecret), auth.WithTTL(cfg.TokenTTL))
	if err != nil {
		return err
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	api := httpapi.New(probe, version, httpapi.Services{
		Store:    store,
		Sessions: sessions,
		MFA:      mfaSvc,
		Deletion: deletionSvc,
		Recovery: recoverySvc,
	},
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithTrustedProxies(proxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(probe)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	logger.Info("starting staffsec-api",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		health.Watch(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarm-scheduler/internal/audit"
	"swarm-scheduler/internal/auth"
	"swarm-scheduler/internal/calendar"
	"swarm-scheduler/internal/campaign"
	"swarm-scheduler/internal/config"
	"swarm-scheduler/internal/directory"
	"swarm-scheduler/internal/events"
	"swarm-scheduler/internal/jobs"
	"swarm-scheduler/internal/reporting"
	"swarm-scheduler/internal/softlock"
	"swarm-scheduler/internal/telephony"
	"swarm-scheduler/internal/tools"
	"swarm-scheduler/pkg/logger"
	"swarm-scheduler/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/time/rate"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := campaign.EnsureSchema(rootCtx, db); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	locks, err := softlock.NewRedisStore(rdb)
	if err != nil {
		log.Error("softlock init failed", "err", err)
		os.Exit(1)
	}

	dir, err := directory.Load(cfg.Directory.File)
	if err != nil {
		log.Error("directory load failed", "err", err, "file", cfg.Directory.File)
		os.Exit(1)
	}
	log.Info("provider directory loaded", "providers", dir.Len())

	carrier, err := newCarrier(cfg)
	if err != nil {
		log.Error("carrier init failed", "err", err, "mode", cfg.Carrier.Mode)
		os.Exit(1)
	}

	repo := campaign.NewPostgresRepo(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	cal, err := calendar.NewPostgres(db, cfg.Location())
	if err != nil {
		log.Error("calendar init failed", "err", err)
		os.Exit(1)
	}

	// Background jobs
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	jobClient := asynq.NewClient(redisOpt)
	defer jobClient.Close()

	worker := jobs.NewWorker(redisOpt, jobs.ServerConfig{Concurrency: cfg.Worker.Concurrency},
		jobs.NewMux(&jobs.CalendarSyncHandler{Store: repo, Calendar: cal, Audit: auditSvc, Log: log}), log)
	if err := worker.Start(); err != nil {
		log.Error("worker start failed", "err", err)
		os.Exit(1)
	}

	burst := int(cfg.Campaign.DialRate)
	if burst < 1 {
		burst = 1
	}
	registry := campaign.NewRegistry(
		campaign.RegistryConfig{
			Settings: campaign.Settings{
				MaxConcurrentCalls: cfg.Campaign.MaxConcurrentCalls,
				MaxProviders:       cfg.Campaign.MaxProviders,
				TaskBudget:         cfg.Campaign.TaskBudget,
				Budget:             cfg.Campaign.Budget,
				RankingGrace:       cfg.Campaign.RankingGrace,
				HoldTTL:            cfg.Campaign.HoldTTL,
				BookingLockTTL:     cfg.Campaign.BookingLockTTL,
				Location:           cfg.Location(),
			},
			ReaperInterval: cfg.Campaign.ReaperInterval,
			StaleAfter:     cfg.Campaign.StaleAfter,
			Retention:      cfg.Campaign.Retention,
			OfferTTL:       cfg.Campaign.OfferTTL,
		},
		campaign.Deps{
			Repo:      repo,
			Directory: dir,
			Carrier:   carrier,
			Calendar:  cal,
			Locks:     locks,
			Distance:  dir,
			Dialer:    rate.NewLimiter(rate.Limit(cfg.Campaign.DialRate), burst),
			Bus:       events.NewBus[campaign.Snapshot](0),
			Audit:     auditSvc,
			Sync:      jobs.NewEnqueuer(jobClient, log),
			Log:       log,
		},
		campaign.NewRedisQuota(rdb, cfg.Campaign.MaxActivePerUser, cfg.Campaign.Budget),
	)
	go registry.RunReaper(rootCtx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		auth:     authManager,
		registry: registry,
		tools:    tools.NewDispatcher(registry, cfg.Agent.ToolTimeout, tools.WithLocation(cfg.Location()), tools.WithLogger(log)),
		reports:  reporting.NewService(repo),
		audit:    auditSvc,
		ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: SSE streams stay open for the whole campaign
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "carrier", carrier.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Error("campaign shutdown incomplete", "err", err)
	}
	worker.Shutdown()
	log.Info("shutdown complete")
}

func newCarrier(cfg config.Config) (telephony.Carrier, error) {
	targets := telephony.NewTargetRotator(cfg.Carrier.TargetPhones)
	if cfg.Carrier.Mode == config.CarrierLoopback {
		return telephony.NewLoopbackCarrier(targets), nil
	}
	tw, err := telephony.NewTwilioCarrier(telephony.TwilioConfig{
		AccountSID:    cfg.Twilio.AccountSID,
		AuthToken:     cfg.Twilio.AuthToken,
		FromNumber:    cfg.Twilio.FromNumber,
		PublicBaseURL: cfg.Twilio.PublicBaseURL,
	}, targets)
	if err != nil {
		return nil, err
	}
	return tw, nil
}

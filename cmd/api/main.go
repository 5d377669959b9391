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

	"consultline/internal/audit"
	"consultline/internal/auth"
	"consultline/internal/calls"
	"consultline/internal/config"
	"consultline/internal/finance"
	"consultline/internal/httpapi"
	"consultline/internal/metrics"
	"consultline/internal/notify"
	"consultline/internal/payments"
	"consultline/internal/pricing"
	"consultline/internal/rbac"
	"consultline/internal/reporting"
	"consultline/internal/sessions"
	"consultline/internal/tasks"
	"consultline/internal/telephony"
	"consultline/internal/webhooks"
	"consultline/pkg/logger"
	"consultline/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
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

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	rootCtx = logger.With(rootCtx, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth, auth.WithRoles(rbac.All()...))
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns: cfg.DB.MaxOpenConns,
		MaxIdleConns: cfg.DB.MaxIdleConns,
	})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		TLS:      cfg.Redis.TLS,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	m := metrics.New(cfg.App.MetricsNamespace)

	// Persistence
	sessionStore := sessions.NewPostgresRepo(db)
	auditRepo := audit.NewPostgresRepo(db)
	auditSvc := audit.NewService(auditRepo)
	financeSvc := finance.NewService(finance.NewPostgresRepo(db))

	// External providers
	gateway := payments.NewStripeGateway(payments.StripeConfig{
		SecretKey:               cfg.Stripe.SecretKey,
		BreakerInterval:         cfg.Stripe.BreakerInterval,
		BreakerConsecutiveFails: cfg.Stripe.BreakerConsecutiveFails,
	}, log, m)
	paySvc := payments.NewService(payments.NewPostgresRepo(db), payments.NewPostgresParties(db), gateway, m)

	voice := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID:              cfg.Twilio.AccountSID,
		AuthToken:               cfg.Twilio.AuthToken,
		FromNumber:              cfg.Twilio.FromNumber,
		BreakerInterval:         cfg.Twilio.BreakerInterval,
		BreakerConsecutiveFails: cfg.Twilio.BreakerConsecutiveFails,
	}, log, m)

	var notifier notify.Notifier = notify.NewHTTPDispatcher(notify.HTTPConfig{
		URL:     cfg.Notify.URL,
		APIKey:  cfg.Notify.APIKey,
		Timeout: cfg.Notify.Timeout,
	})
	if cfg.Notify.URL == "" {
		log.Warn("NOTIFY_URL not set; notifications are recorded in memory only")
		notifier = &notify.Recorder{}
	}

	// Saga
	scheduler := tasks.NewScheduler(rdb, cfg.Tasks.DefaultDelay)
	dialer := calls.NewDialer(sessionStore, voice, auditSvc, m, calls.DialerConfig{
		CallStatusURL: cfg.CallbackURL("/webhooks/twilio/call-status"),
		ConferenceURL: cfg.CallbackURL("/webhooks/twilio/conference"),
		RecordingURL:  cfg.CallbackURL("/webhooks/twilio/recording"),
	})
	manager := calls.NewManager(calls.Deps{
		Sessions:  sessionStore,
		Payments:  paySvc,
		Dialer:    dialer,
		Records:   auditSvc,
		Finance:   financeSvc,
		Notifier:  notifier,
		Scheduler: scheduler,
		Locker:    calls.NewRedisLocker(rdb),
		Metrics:   m,
	})

	dispatchPool, err := ants.NewPool(cfg.Tasks.DispatchPoolSize)
	if err != nil {
		log.Error("dispatch pool init failed", "err", err)
		os.Exit(1)
	}
	defer dispatchPool.Release()

	sagaPool, err := ants.NewPool(cfg.Tasks.SagaPoolSize)
	if err != nil {
		log.Error("saga pool init failed", "err", err)
		os.Exit(1)
	}
	defer sagaPool.Release()

	dispatcher := tasks.NewDispatcher(scheduler, tasks.DispatcherConfig{
		CallbackURL:  cfg.Tasks.CallbackURL,
		Secret:       cfg.Tasks.Secret,
		PollInterval: cfg.Tasks.PollInterval,
		MaxAttempts:  cfg.Tasks.MaxAttempts,
		RetryBackoff: cfg.Tasks.RetryBackoff,
	}, dispatchPool, manager, m, log)
	runner := tasks.NewSagaRunner(rootCtx, sagaPool, manager, log)

	sweeper := sessions.NewSweeper(sessionStore, sessions.RetentionPolicy{
		FailedAfter:    cfg.Retention.FailedAfter,
		CompletedAfter: cfg.Retention.CompletedAfter,
		Interval:       cfg.Retention.Interval,
	}, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		db:        db,
		rdb:       rdb,
		metrics:   m,
		authMW:    auth.RequireAccessToken(authManager),
		twilioSig: telephony.RequireTwilioSignature(cfg.Twilio.AuthToken, cfg.App.PublicBaseURL, cfg.Twilio.SkipSignature),
		webhooks:  webhooks.NewHandler(sessionStore, manager, paySvc, m, cfg.Stripe.WebhookSecret),
		tasks:     tasks.NewCallbackHandler(cfg.Tasks.Secret, sessionStore, runner),
		api: httpapi.Handlers{
			Sessions: manager,
			Payments: paySvc,
			Stats:    reporting.NewService(paySvc, auditRepo),
			Audit:    auditSvc,
			Finance:  financeSvc,
			Pricing:  pricing.NewService(pricing.NewMemoryRepo()),

			DefaultCurrency: cfg.Stripe.Currency,
			StartDelay:      cfg.Tasks.DefaultDelay,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
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
	_ = g.Wait()

	// Running sagas finish their current step against the cancelled root
	// context; give them the remaining shutdown budget.
	if err := sagaPool.ReleaseTimeout(15 * time.Second); err != nil {
		log.Warn("saga pool did not drain", "err", err)
	}
}

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

	"vtu-ledger/internal/audit"
	"vtu-ledger/internal/auth"
	"vtu-ledger/internal/config"
	"vtu-ledger/internal/events"
	"vtu-ledger/internal/gateway"
	"vtu-ledger/internal/httpapi"
	"vtu-ledger/internal/idempotency"
	"vtu-ledger/internal/reporting"
	"vtu-ledger/internal/risk"
	"vtu-ledger/internal/settlement"
	"vtu-ledger/internal/vtu"
	"vtu-ledger/internal/wallet"
	"vtu-ledger/pkg/logger"
	"vtu-ledger/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local runs.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
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

	// Event fan-out
	sinks := []events.Sink{events.NewRedisSink(rdb, cfg.Events.RedisChannel)}
	var kafkaSink *events.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink = events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		sinks = append(sinks, kafkaSink)
	}
	dispatcher := events.NewDispatcher(log, 1024, 5*time.Second, sinks...)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go dispatcher.Run(dispatchCtx)

	// Ledger core
	store := wallet.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	gate := risk.NewGate(store, risk.Config{
		FailOpen:            cfg.Risk.FailOpen,
		DefaultDailyLimit:   cfg.Risk.DefaultDailyLimit,
		DefaultMonthlyLimit: cfg.Risk.DefaultMonthlyLimit,
	}, auditSvc, log)
	ledger := wallet.NewLedger(store, wallet.Config{
		MaxRetries:            cfg.Ledger.MaxRetries,
		RejectCreditsToFrozen: cfg.Ledger.RejectCreditsToFrozen,
	},
		wallet.WithGate(gate),
		wallet.WithNotifier(dispatcher),
		wallet.WithAudit(auditSvc),
		wallet.WithLogger(log),
	)

	// Settlement
	payments := settlement.NewPostgresRepo(db)
	registry := idempotency.NewRegistry(store, rdb, cfg.Settlement.MarkerTTL, log)
	reconciler := settlement.NewReconciler(payments, ledger, registry, newGateway(cfg), settlement.Config{
		Currency:     cfg.Gateway.Currency,
		RedirectURL:  cfg.Gateway.RedirectURL,
		AbandonAfter: cfg.Settlement.AbandonAfter,
	}, log)

	pollerDone := make(chan struct{})
	if cfg.Settlement.PollerEnabled {
		poller := settlement.NewPoller(reconciler, payments, rdb, settlement.PollerConfig{
			Interval:   cfg.Settlement.PollInterval,
			Batch:      cfg.Settlement.PollBatch,
			StaleAfter: cfg.Settlement.StaleAfter,
		}, log)
		go func() {
			defer close(pollerDone)
			poller.Run(rootCtx)
		}()
	} else {
		close(pollerDone)
	}

	// VTU purchases are disabled without a provider.
	var provider vtu.Provider
	if cfg.VTU.BaseURL != "" {
		provider = vtu.NewHTTPProvider(cfg.VTU.BaseURL, cfg.VTU.APIKey, cfg.VTU.Timeout)
	}

	h := httpapi.Handlers{
		Ledger:     ledger,
		Settlement: reconciler,
		Risk:       gate,
		VTU:        vtu.NewService(ledger, provider, cfg.VTU.Timeout, log),
		Reporting:  reporting.NewService(reporting.NewStoreRepo(store)),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	ready := func(ctx context.Context) error {
		if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}
	registerRoutes(r, h, routeDeps{
		authMW:  auth.RequireAccessToken(authManager),
		wallets: store,
		ready:   ready,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "gateway", cfg.Gateway.Provider)
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
	<-pollerDone

	// Drain queued events after the last request has committed.
	stopDispatch()
	dispatcher.Wait()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			log.Error("kafka writer close failed", "err", err)
		}
	}
}

func newGateway(cfg config.Config) gateway.Gateway {
	switch cfg.Gateway.Provider {
	case "razorpay":
		return gateway.NewRazorpay(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, cfg.Razorpay.WebhookSecret)
	default:
		return gateway.NewFlutterwave(gateway.FlutterwaveConfig{
			BaseURL:       cfg.Gateway.BaseURL,
			SecretKey:     cfg.Gateway.SecretKey,
			WebhookSecret: cfg.Gateway.WebhookSecret,
			Timeout:       cfg.Gateway.Timeout,
		})
	}
}

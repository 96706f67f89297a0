package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentpay/agentpay-api/internal/config"
	"github.com/agentpay/agentpay-api/internal/domain/commission"
	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/domain/payment"
	"github.com/agentpay/agentpay-api/internal/middleware"
	"github.com/agentpay/agentpay-api/internal/pkg/archive"
	"github.com/agentpay/agentpay-api/internal/pkg/database"
	"github.com/agentpay/agentpay-api/internal/pkg/events"
	"github.com/agentpay/agentpay-api/internal/pkg/flutterwave"
	"github.com/agentpay/agentpay-api/internal/pkg/jwt"
	"github.com/agentpay/agentpay-api/internal/pkg/lock"
	"github.com/agentpay/agentpay-api/internal/pkg/logger"
	"github.com/agentpay/agentpay-api/internal/pkg/momo"
	"github.com/agentpay/agentpay-api/internal/pkg/orangemoney"
	pkgresponse "github.com/agentpay/agentpay-api/internal/pkg/response"
	"github.com/agentpay/agentpay-api/internal/pkg/retry"
	"github.com/agentpay/agentpay-api/internal/pkg/wave"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "agentpay-api",
	})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("ledger_store", cfg.LedgerStore).
		Msg("Starting AgentPay API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise application")
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}

	log.Info().Msg("Server exited properly")
}

// app holds every long-lived component so shutdown can stop them in order.
type app struct {
	cfg *config.Config

	db        *sqlx.DB
	redis     *redis.Client
	publisher events.Publisher

	engine     *ledger.Engine
	ledger     *ledger.Service
	payments   *payment.Service
	reconciler *payment.Reconciler
	expiry     *payment.ExpiryWorker
	commission *commission.Service
	tracker    *commission.Tracker
	scheduler  *commission.Scheduler

	router http.Handler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var (
		store          ledger.Store
		paymentRepo    payment.Repository
		commissionRepo commission.Repository
	)
	if cfg.MemoryLedger() {
		if cfg.IsProduction() {
			return nil, errors.New("LEDGER_STORE=memory is not allowed in production")
		}
		log.Warn().Msg("LEDGER_STORE=memory: balances are lost on restart")
		store = ledger.NewMemoryStore()
		paymentRepo = payment.NewMemoryRepository()
		commissionRepo = commission.NewMemoryRepository()
	} else {
		db, err := database.NewPostgres(cfg.DatabaseURL, database.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.db = db
		if cfg.AutoMigrate {
			if err := database.Migrate(ctx, db); err != nil {
				a.close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		store = ledger.NewPostgresStore(db)
		paymentRepo = payment.NewRepository(db)
		commissionRepo = commission.NewRepository(db)
	}

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.redis = redisClient
	a.publisher = events.NewPublisher(cfg.AMQPURL, cfg.EventsExchange)

	// ---------- Ledger ----------
	a.engine = ledger.NewEngine(store, ledger.LimitPolicy{
		ledger.OpAgentDeposit: {Daily: cfg.LimitDepositDaily, Monthly: cfg.LimitDepositMonthly},
		ledger.OpWithdrawal:   {Daily: cfg.LimitWithdrawalDaily, Monthly: cfg.LimitWithdrawalMonthly},
		ledger.OpTransfer:     {Daily: cfg.LimitTransferDaily, Monthly: cfg.LimitTransferMonthly},
		ledger.OpBillPayment:  {Daily: cfg.LimitBillPayDaily, Monthly: cfg.LimitBillPayMonthly},
	})
	a.ledger = ledger.NewService(a.engine, ledger.FeeSchedule{
		WithdrawalBps: cfg.WithdrawalFeeBps,
		TransferBps:   cfg.TransferFeeBps,
		BillPayBps:    cfg.BillPayFeeBps,
		AgentShareBps: cfg.AgentFeeShareBps,
	})
	if err := a.ledger.SetDefaultTimezone(cfg.DefaultTimezone); err != nil {
		a.close()
		return nil, fmt.Errorf("default timezone: %w", err)
	}

	providers := make([]string, 0, len(payment.Providers()))
	for _, p := range payment.Providers() {
		providers = append(providers, string(p))
	}
	if err := a.ledger.EnsurePlatformAccounts(ctx, providers); err != nil {
		a.close()
		return nil, fmt.Errorf("platform accounts: %w", err)
	}
	a.engine.Subscribe(ledger.NewEventListener(a.publisher))

	// ---------- Payments ----------
	providerRetry := retry.DefaultPolicy()
	if cfg.ProviderMaxRetries > 0 {
		providerRetry.MaxAttempts = cfg.ProviderMaxRetries
	}

	a.payments = payment.NewService(paymentRepo, a.ledger, a.publisher)
	a.payments.SetRetryPolicy(providerRetry)
	a.payments.SetSessionTTL(cfg.SessionTTL)
	registerGateways(a.payments, cfg)

	a.reconciler = payment.NewReconciler(a.payments, payment.NewAdapters(payment.WebhookSecrets{
		MoMo:            cfg.MoMoWebhookSecret,
		OrangeMoney:     cfg.OrangeWebhookSecret,
		Wave:            cfg.WaveWebhookSecret,
		WaveTolerance:   cfg.WebhookTolerance,
		FlutterwaveHash: cfg.FlutterwaveSecretHash,
	}))
	a.reconciler.SetTimeout(cfg.WebhookTimeout)

	callbackArchive, err := archive.NewS3Archive(archive.Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Callback archive disabled")
	} else if callbackArchive != nil {
		a.reconciler.SetArchive(callbackArchive)
	}

	a.expiry = payment.NewExpiryWorker(a.payments, cfg.ExpiryInterval)

	// ---------- Commission ----------
	policy := commission.DefaultPolicy()
	if cfg.QuotaDailyThreshold > 0 {
		policy.QuotaThreshold = cfg.QuotaDailyThreshold
	}
	policy.CutoffHour = cfg.QuotaCutoffHour
	policy.HighRate = cfg.QuotaHighRate
	policy.LowRate = cfg.QuotaLowRate

	a.commission = commission.NewService(commissionRepo, a.ledger, lock.NewLocker(redisClient), a.publisher)
	a.commission.SetPolicy(policy)
	a.tracker = commission.NewTracker(a.commission, cfg.TrackerWorkers, cfg.TrackerQueue)
	a.engine.Subscribe(a.tracker)
	a.scheduler = commission.NewScheduler(a.commission, cfg.SettlementSchedule, cfg.RecalcSchedule)

	a.router = newRouter(cfg, a.db, a.ledger, a.payments, a.reconciler, a.commission)
	return a, nil
}

// registerGateways enables every provider that has credentials configured.
func registerGateways(svc *payment.Service, cfg *config.Config) {
	if cfg.MoMoSubscriptionKey != "" {
		svc.RegisterGateway(payment.NewMoMoGateway(momo.NewClient(momo.Config{
			BaseURL:           cfg.MoMoBaseURL,
			SubscriptionKey:   cfg.MoMoSubscriptionKey,
			APIKey:            cfg.MoMoAPIKey,
			TargetEnvironment: cfg.MoMoEnvironment,
			CallbackURL:       cfg.MoMoCallbackURL,
			WebhookSecret:     cfg.MoMoWebhookSecret,
			Currency:          cfg.Currency,
			USSDCode:          cfg.MoMoUSSDCode,
			Timeout:           cfg.ProviderTimeout,
		})))
	}
	if cfg.OrangeMerchantKey != "" {
		svc.RegisterGateway(payment.NewOrangeMoneyGateway(orangemoney.NewClient(orangemoney.Config{
			BaseURL:       cfg.OrangeBaseURL,
			MerchantKey:   cfg.OrangeMerchantKey,
			AccessToken:   cfg.OrangeAccessToken,
			NotifURL:      cfg.OrangeNotifURL,
			WebhookSecret: cfg.OrangeWebhookSecret,
			Currency:      cfg.Currency,
			USSDCode:      cfg.OrangeUSSDCode,
			Timeout:       cfg.ProviderTimeout,
		})))
	}
	if cfg.WaveAPIKey != "" {
		svc.RegisterGateway(payment.NewWaveGateway(wave.NewClient(wave.Config{
			BaseURL:       cfg.WaveBaseURL,
			APIKey:        cfg.WaveAPIKey,
			WebhookSecret: cfg.WaveWebhookSecret,
			SuccessURL:    cfg.WaveSuccessURL,
			ErrorURL:      cfg.WaveErrorURL,
			Currency:      cfg.Currency,
			Timeout:       cfg.ProviderTimeout,
		})))
	}
	if cfg.FlutterwaveSecretKey != "" {
		svc.RegisterGateway(payment.NewFlutterwaveGateway(flutterwave.NewClient(flutterwave.Config{
			BaseURL:     cfg.FlutterwaveBaseURL,
			SecretKey:   cfg.FlutterwaveSecretKey,
			SecretHash:  cfg.FlutterwaveSecretHash,
			RedirectURL: cfg.FlutterwaveRedirectURL,
			Currency:    cfg.Currency,
			Timeout:     cfg.ProviderTimeout,
		})))
	}
}

func newRouter(
	cfg *config.Config,
	db *sqlx.DB,
	ledgerSvc *ledger.Service,
	paymentSvc *payment.Service,
	reconciler *payment.Reconciler,
	commissionSvc *commission.Service,
) http.Handler {
	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	authMiddleware := middleware.Auth(jwtService)

	ledgerHandler := ledger.NewHandler(ledgerSvc)
	paymentHandler := payment.NewHandler(paymentSvc, reconciler)
	commissionHandler := commission.NewHandler(commissionSvc)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				status = "degraded"
			}
		}
		pkgresponse.OK(w, map[string]string{
			"status":  status,
			"version": "1.0.0",
		})
	})

	r.Mount("/webhooks/payments", paymentHandler.WebhookRoutes())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/accounts", ledgerHandler.AccountRoutes(authMiddleware))
		r.Mount("/ledger", ledgerHandler.LedgerRoutes(authMiddleware))
		r.Mount("/transfers", ledgerHandler.TransferRoutes(authMiddleware))
		r.Mount("/payments", paymentHandler.Routes(authMiddleware))
		r.Mount("/agents", commissionHandler.AgentRoutes(authMiddleware))
		r.Mount("/complaints", commissionHandler.ComplaintRoutes(authMiddleware))

		r.Route("/admin", func(r chi.Router) {
			r.Mount("/ledger", ledgerHandler.AdminRoutes(authMiddleware))
			r.Mount("/payments", paymentHandler.AdminRoutes(authMiddleware))
			r.Mount("/", commissionHandler.AdminRoutes(authMiddleware))
		})
	})

	return r
}

// run serves HTTP and the background workers until ctx is cancelled, then
// drains them: no new requests, no new ledger commits, then the listeners.
func (a *app) run(ctx context.Context) error {
	a.tracker.Start()
	a.expiry.Start()
	if err := a.scheduler.Start(); err != nil {
		a.expiry.Stop()
		a.tracker.Stop()
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		select {
		case <-a.scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn().Msg("Scheduled job still running at shutdown")
		}
		a.expiry.Stop()
		a.reconciler.Wait()
		a.engine.Wait()
		a.tracker.Stop()
		return err
	})

	return g.Wait()
}

func (a *app) close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	database.CloseRedis(a.redis)
	if a.db != nil {
		database.ClosePostgres(a.db)
	}
}

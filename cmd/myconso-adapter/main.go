package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/api"
	"github.com/Checker-Finance/myconso/internal/auth"
	"github.com/Checker-Finance/myconso/internal/httpclient"
	"github.com/Checker-Finance/myconso/internal/jobs"
	"github.com/Checker-Finance/myconso/internal/myconso"
	"github.com/Checker-Finance/myconso/internal/publisher"
	"github.com/Checker-Finance/myconso/internal/rate"
	internalsecrets "github.com/Checker-Finance/myconso/internal/secrets"
	"github.com/Checker-Finance/myconso/internal/store"
	"github.com/Checker-Finance/myconso/pkg/config"
	"github.com/Checker-Finance/myconso/pkg/logger"
	"github.com/Checker-Finance/myconso/pkg/secrets"
	"github.com/Checker-Finance/myconso/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()
	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()

	if err := cfg.Validate(); err != nil {
		logg.Fatalw("invalid configuration", "error", err)
	}
	logg.Infow("starting [myconso-adapter]...",
		"base_url", cfg.BaseURL,
		"dsn", utils.MaskDSN(cfg.DatabaseURL))

	// --- Credentials ---
	creds, account, stopCleaner := resolveCredentials(ctx, cfg, logg.Desugar())
	defer close(stopCleaner)

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns: int32(cfg.PGMaxConns),
		MinConns: int32(cfg.PGMinConns),
	}, logg.Desugar())
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	st.WithTokenTTL(cfg.TokenTTL)

	// --- Event bus ---
	pub, nc := newPublisher(cfg, logg.Desugar())

	// --- myconso client ---
	var rateMgr *rate.Manager
	if cfg.RateLimitRPS > 0 {
		rateMgr = rate.NewManager(rate.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateBurst,
		})
	}
	retryOn := make(map[int]bool, len(cfg.RetryOn))
	for _, code := range cfg.RetryOn {
		retryOn[code] = true
	}

	client, err := myconso.New(myconso.Options{
		BaseURL:     cfg.BaseURL,
		Credentials: creds,
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		UserAgent:   cfg.UserAgent,
		Backoff: httpclient.BackoffPolicy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.BackoffBase,
			Max:        cfg.BackoffMax,
			Jitter:     cfg.Jitter,
			RetryOn:    retryOn,
		},
		RateLimit: rateMgr,
		Store:     st,
		Account:   account,
		Logger:    logg.Desugar(),
	})
	if err != nil {
		logg.Fatalw("failed to create myconso client", "error", err)
	}
	svc := myconso.NewService(client, st, cfg.DashboardTTL, logg.Desugar())

	// --- Background jobs ---
	keeper := jobs.NewSessionKeeper(logg.Desugar(), client.Session(), cfg.KeepaliveEvery, cfg.RefreshLeadTime)
	go keeper.Start(ctx)

	var poller *jobs.MeterPoller
	if cfg.PollInterval > 0 {
		poller = jobs.NewMeterPoller(logg.Desugar(), client, st, pub, account,
			client.Session().HousingID, cfg.PollInterval)
		go poller.Start(ctx)
	}

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.HTTPTimeout + 10*time.Second,
		DisableStartupMessage: cfg.Env != "dev",
	})

	checks := map[string]api.HealthCheck{"store": st.HealthCheck}
	if nc != nil {
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	var history api.HistoryReader
	if st.PG != nil {
		history = st
	}
	api.RegisterRoutes(app, checks, api.NewHandler(logg.Desugar(), svc, history))

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Main process stays alive until interrupted ---
	logg.Infow("[myconso-adapter] running",
		"account", utils.MaskEmail(account),
		"env", cfg.Env,
		"event_bus", cfg.EventBus,
		"poll_interval", cfg.PollInterval)

	<-ctx.Done()
	logg.Info("shutting down [myconso-adapter]...")

	keeper.Stop()
	if poller != nil {
		poller.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if err := pub.Close(); err != nil {
		logg.Warnw("publisher.close_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}

// resolveCredentials reads the account credentials from the environment, or from
// AWS Secrets Manager when MYCONSO_SECRET_ENV is set. The returned channel stops
// the secret cache cleaner.
func resolveCredentials(ctx context.Context, cfg *config.Config, log *zap.Logger) (auth.Credentials, string, chan struct{}) {
	stopCleaner := make(chan struct{})
	account := cfg.Account
	if account == "" {
		account = cfg.Username
	}

	if cfg.SecretEnv == "" {
		return auth.Credentials{
			Username:     cfg.Username,
			Password:     cfg.Password,
			Token:        cfg.Token,
			RefreshToken: cfg.RefreshToken,
		}, account, stopCleaner
	}

	provider, err := secrets.NewAWSProvider(cfg.AWSRegion)
	if err != nil {
		log.Fatal("failed to create AWS Secrets Manager provider", zap.Error(err))
	}
	cache := secrets.NewCache[auth.Credentials](cfg.CacheTTL)
	go cache.StartCleaner(cfg.CleanupFreq, stopCleaner)
	resolver := internalsecrets.NewCredentialResolver(log, cfg.SecretEnv, provider, cache)

	if account == "" {
		accounts, err := resolver.DiscoverAccounts(ctx)
		if err != nil || len(accounts) == 0 {
			log.Fatal("no myconso account configured or discovered", zap.Error(err))
		}
		if len(accounts) > 1 {
			log.Warn("several myconso accounts discovered, using the first",
				zap.Strings("accounts", accounts))
		}
		account = accounts[0]
	}

	creds, err := resolver.Resolve(ctx, account)
	if err != nil {
		log.Fatal("failed to resolve myconso credentials", zap.String("account", account), zap.Error(err))
	}
	return creds, account, stopCleaner
}

// newPublisher connects the configured event bus. The NATS connection is
// returned for health checks and is nil for the other buses.
func newPublisher(cfg *config.Config, log *zap.Logger) (publisher.Publisher, *nats.Conn) {
	switch cfg.EventBus {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		pub, err := publisher.NewNATS(nc, cfg.OutboundSubject, cfg.ServiceName, log)
		if err != nil {
			log.Fatal("failed to init NATS publisher", zap.Error(err))
		}
		return pub, nc
	case "amqp":
		pub, err := publisher.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			log.Fatal("failed to init AMQP publisher", zap.Error(err))
		}
		return pub, nil
	default:
		log.Warn("EVENT_BUS=none; meter readings are recorded but not published")
		return publisher.Nop{}, nil
	}
}

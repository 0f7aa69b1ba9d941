package main

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/config"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/database"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/pkce"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/scan"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/server"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/verification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired components shared by every command.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	authFlow *pkce.Manager
	scanner  *scan.Scheduler
	jobs     *jobs.Scheduler
	handler  http.Handler
}

func buildApp() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	cfg := a.config
	logger := a.logger

	db, err := database.Open(database.Options{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	a.db = db

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collectorSet := metrics.New(registry)

	client, err := platform.NewClient(platform.Config{
		APIBase:        cfg.Platform.APIBase,
		ClientID:       cfg.Platform.ClientID,
		ClientSecret:   cfg.Platform.ClientSecret,
		BearerToken:    cfg.Platform.BearerToken,
		RequestTimeout: cfg.Platform.RequestTimeout,
		RatePerSecond:  cfg.Platform.RatePerSecond,
		RateBurst:      cfg.Platform.RateBurst,
		Logger:         logger.Named("platform"),
		Metrics:        collectorSet,
	})
	if err != nil {
		return err
	}
	if !client.HasAppToken() {
		logger.Warn("x.bearer_token is not set; reply checks and re-scans will fail")
	}

	pendingStore, err := pkce.NewGormStore(db)
	if err != nil {
		return err
	}
	stateBinder, err := auth.NewStateBinder(auth.StateBinderConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		TTL:           cfg.PendingTTL,
	})
	if err != nil {
		return err
	}
	authFlow, err := pkce.NewManager(pkce.ManagerConfig{
		Store:        pendingStore,
		Binder:       stateBinder,
		ClientID:     cfg.Platform.ClientID,
		RedirectURI:  cfg.Platform.RedirectURI,
		AuthorizeURL: cfg.Platform.AuthorizeURL,
		TTL:          cfg.PendingTTL,
		Logger:       logger.Named("pkce"),
		Metrics:      collectorSet,
	})
	if err != nil {
		return err
	}
	a.authFlow = authFlow

	credentialBinder, err := auth.NewCredentialBinder(auth.CredentialBinderConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		TTL:           cfg.CredentialTTL,
	})
	if err != nil {
		return err
	}
	tokenManager, err := tokens.NewManager(tokens.ManagerConfig{
		Tiers:     []tokens.Tier{tokens.NewMemoryTier(), tokens.NewGormTier(db)},
		Refresher: client,
		Logger:    logger.Named("tokens"),
		Metrics:   collectorSet,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger.Named("users")})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:  db,
		Logger:    logger.Named("ledger"),
		Metrics:   collectorSet,
		Publisher: realtime,
	})
	if err != nil {
		return err
	}

	engine, err := verification.NewEngine(verification.Config{
		Database:       db,
		Credentials:    tokenManager,
		Platform:       client,
		Identities:     identities,
		Ledger:         ledgerService,
		TargetHandle:   cfg.Target.Handle,
		TargetUserID:   cfg.Target.UserID,
		TargetPostID:   cfg.Target.PostID,
		RequiredPhrase: cfg.RequiredPhrase,
		Rewards: verification.Rewards{
			Follow: int64(cfg.Rewards.Follow),
			Post:   int64(cfg.Rewards.Post),
			Reply:  int64(cfg.Rewards.Reply),
		},
		FollowingMaxPages: cfg.Platform.FollowingMaxPages,
		PostsMaxPages:     cfg.Platform.PostsMaxPages,
		Logger:            logger.Named("verification"),
	})
	if err != nil {
		return err
	}

	scanner, err := scan.NewScheduler(scan.Config{
		Searcher:       client,
		Subjects:       identities,
		Ledger:         ledgerService,
		TargetHandle:   cfg.Target.Handle,
		RequiredPhrase: cfg.RequiredPhrase,
		PostReward:     int64(cfg.Rewards.ScanPost),
		TagReward:      int64(cfg.Rewards.ScanTag),
		WindowHours:    cfg.Scan.WindowHours,
		Concurrency:    cfg.Scan.Concurrency,
		Logger:         logger.Named("scan"),
		Metrics:        collectorSet,
	})
	if err != nil {
		return err
	}
	a.scanner = scanner

	jobScheduler, err := jobs.NewScheduler(jobs.Config{
		Sweeper:      authFlow,
		Scanner:      scanner,
		ScanSchedule: cfg.Scan.Schedule,
		Logger:       logger.Named("jobs"),
	})
	if err != nil {
		return err
	}
	a.jobs = jobScheduler

	handler, err := server.NewHTTPHandler(server.Dependencies{
		AuthFlow:         authFlow,
		Exchanger:        client,
		Credentials:      tokenManager,
		CredentialBinder: credentialBinder,
		Verifier:         engine,
		Leaderboard:      ledgerService,
		Identities:       identities,
		Scanner:          scanner,
		ScanSecret:       auth.NewSharedSecret(cfg.Scan.Secret),
		Realtime:         realtime,
		Metrics:          collectorSet,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSOrigins:      cfg.CORSOrigins,
		ReturnURL:        cfg.ReturnURL,
		Logger:           logger.Named("http"),
	})
	if err != nil {
		return err
	}
	a.handler = handler
	return nil
}

// Close releases the database and flushes the logger.
func (a *application) Close() {
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = a.logger.Sync()
}

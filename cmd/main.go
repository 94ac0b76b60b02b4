package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/joho/godotenv"

	"github.com/clyro-labs/enroller/internal/allocator"
	"github.com/clyro-labs/enroller/internal/api/v1/handlers"
	"github.com/clyro-labs/enroller/internal/app"
	"github.com/clyro-labs/enroller/internal/browser"
	"github.com/clyro-labs/enroller/internal/config"
	"github.com/clyro-labs/enroller/internal/creation"
	"github.com/clyro-labs/enroller/internal/db"
	"github.com/clyro-labs/enroller/internal/db/repos"
	"github.com/clyro-labs/enroller/internal/ledger"
	"github.com/clyro-labs/enroller/internal/logger"
	"github.com/clyro-labs/enroller/internal/orchestrator"
	"github.com/clyro-labs/enroller/internal/provider"
	"github.com/clyro-labs/enroller/internal/reporting"
)

// sweepInterval is how often orphaned identity reservations are
// reclaimed.
const sweepInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()
	logger.Initialize()

	cfg, err := config.New()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	gormDB, err := db.NewFromEnv()
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Migrate(gormDB); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}

	identityRepo := repos.NewIdentityRepository(gormDB)
	batchRepo := repos.NewBatchRepository(gormDB)
	attemptRepo := repos.NewAttemptRepository(gormDB)
	ledgerRepo := repos.NewLedgerRepository(gormDB)
	outcomeRepo := repos.NewOutcomeRepository(gormDB)

	alloc := allocator.New(identityRepo, cfg.IdentityPrefix)
	ledgerSvc := ledger.NewService(ledgerRepo, cfg.PerAccountFee)
	agg := reporting.NewAggregator(outcomeRepo, attemptRepo, identityRepo, cfg.IdentityPrefix)
	prov := provider.NewClient(cfg.Provider, cfg.OtpPollInterval)
	driver := browser.NewBridge(cfg.Browser)

	runner := creation.NewRunner(attemptRepo, alloc, prov, driver, ledgerSvc, agg, creation.Options{
		Domain:     cfg.IdentityDomain,
		OtpTimeout: cfg.OtpTimeout,
	})
	orch := orchestrator.New(batchRepo, attemptRepo, runner, orchestrator.Options{
		SystemMaxParallel: cfg.SystemMaxParallel,
		LaunchStagger:     cfg.LaunchStagger,
		StopGrace:         cfg.StopGrace,
		ReplacementFactor: cfg.ReplacementFactor,
	})

	batchHandler := handlers.NewBatchHandler(orch, ledgerSvc, agg, cfg.IdentityDomain)
	ledgerHandler := handlers.NewLedgerHandler(ledgerSvc)
	reportsHandler := handlers.NewReportsHandler(agg, cfg.IdentityDomain)

	fiberApp := app.New(batchHandler, ledgerHandler, reportsHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweepStaleReservations(ctx, identityRepo, cfg)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
		if err := orch.Stop(context.Background()); err != nil {
			logger.Debugf("no batch to stop on shutdown: %v", err)
		}
		_ = fiberApp.Shutdown()
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := fiberApp.Listen(":" + port); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}

// sweepStaleReservations periodically frees identity integers whose
// reservations were orphaned by a crash.
func sweepStaleReservations(ctx context.Context, identities *repos.IdentityRepository, cfg *config.Config) {
	for {
		if err := linger.Sleep(ctx, sweepInterval); err != nil {
			return
		}
		n, err := identities.ReclaimStale(ctx, cfg.StaleReservation)
		if err != nil {
			logger.Warnf("stale reservation sweep failed: %v", err)
			continue
		}
		if n > 0 {
			logger.Infof("reclaimed %d stale identity reservations", n)
		}
	}
}

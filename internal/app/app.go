// Package app wires the configured components into a runnable system.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/assets"
	"github.com/ternarybob/venari/internal/browser"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/extract"
	"github.com/ternarybob/venari/internal/fetcher"
	"github.com/ternarybob/venari/internal/httpclient"
	"github.com/ternarybob/venari/internal/llm"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/pipeline"
	"github.com/ternarybob/venari/internal/queue"
	"github.com/ternarybob/venari/internal/scoring"
	"github.com/ternarybob/venari/internal/selector"
	badgerstore "github.com/ternarybob/venari/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB       *badgerstore.BadgerDB
	QueueDB  *badger.DB
	Listings *badgerstore.ListingStorage

	Pool    *llm.CredentialPool
	Gateway *llm.Gateway

	Fetcher     *fetcher.Fetcher
	BrowserPool *browser.Pool
	Mirror      *assets.Mirror

	Pipeline     *pipeline.Pipeline
	Orchestrator *pipeline.Orchestrator
}

// New builds the application from configuration. Components come up in
// dependency order: storage, credential pool and gateway, fetcher,
// browser, then the pipeline and orchestrator on top.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	db, err := badgerstore.NewBadgerDB(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open listing storage: %w", err)
	}
	a.DB = db
	a.Listings = badgerstore.NewListingStorage(db, logger)

	queueOpts := badger.DefaultOptions(cfg.Storage.Badger.Path + "-queue").WithLogger(nil)
	queueDB, err := badger.Open(queueOpts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	a.QueueDB = queueDB

	pool, err := llm.NewCredentialPool(cfg.Gemini.Credentials, llm.Limits{
		RPM: cfg.Gemini.RPM,
		TPM: cfg.Gemini.TPM,
		RPD: cfg.Gemini.RPD,
	}, llm.WithPoolLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build credential pool: %w", err)
	}
	a.Pool = pool

	gatewayCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	gateway, err := llm.NewGateway(gatewayCtx, &cfg.Gemini, pool, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build extraction gateway: %w", err)
	}
	a.Gateway = gateway

	a.Fetcher = fetcher.New(
		fetcher.WithLogger(logger),
		fetcher.WithHTTPClient(httpclient.NewDefaultHTTPClient(time.Duration(cfg.Fetcher.RequestTimeout))),
		fetcher.WithMinInterval(time.Duration(cfg.Fetcher.MinInterval)),
		fetcher.WithRandomDelay(time.Duration(cfg.Fetcher.RandomDelay)),
		fetcher.WithUserAgents(cfg.Fetcher.UserAgents),
	)

	var capturer pipeline.Capturer
	if cfg.Browser.Enabled {
		a.BrowserPool = browser.NewPool(logger)
		if err := a.BrowserPool.Init(&cfg.Browser); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to start browser pool: %w", err)
		}
		capturer = browser.NewCapturer(a.BrowserPool, &cfg.Browser, logger)
	}

	if cfg.Storage.Assets.Dir != "" {
		mirror, err := assets.NewMirror(&cfg.Storage.Assets, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create asset mirror: %w", err)
		}
		a.Mirror = mirror
	}

	a.Pipeline = pipeline.NewPipeline(
		a.Fetcher,
		extract.NewService(gateway, logger),
		pipeline.NewEnricher(gateway, cfg.Browser.FanOut, logger),
		capturer,
		scoring.NewEngine(&cfg.Scoring),
		a.Listings,
		a.Mirror,
		cfg,
		logger,
	)

	searchQueue, err := queue.NewManager(queueDB, models.QueueSearchPages, &cfg.Queue, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create search queue: %w", err)
	}
	parseQueue, err := queue.NewManager(queueDB, models.QueueParseListings, &cfg.Queue, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create parse queue: %w", err)
	}

	a.Orchestrator = pipeline.NewOrchestrator(
		cfg,
		a.Fetcher,
		selector.New(gateway, &cfg.Selector, logger),
		a.Pipeline,
		a.Listings,
		searchQueue,
		parseQueue,
		logger,
	)

	return a, nil
}

// Close releases all resources in reverse dependency order
func (a *App) Close() {
	if a.BrowserPool != nil {
		a.BrowserPool.Shutdown()
	}
	if a.QueueDB != nil {
		if err := a.QueueDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue storage")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close listing storage")
		}
	}
}

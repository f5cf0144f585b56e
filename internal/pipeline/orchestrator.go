package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/fetcher"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/parser"
	"github.com/ternarybob/venari/internal/queue"
	"github.com/ternarybob/venari/internal/selector"
	badgerstore "github.com/ternarybob/venari/internal/storage/badger"
)

// Orchestrator connects the search and parse queues: search sweeps
// discover listing URLs, the selector picks the promising ones, and
// parse workers run them through the pipeline.
type Orchestrator struct {
	cfg         *common.Config
	fetcher     *fetcher.Fetcher
	selector    *selector.Selector
	pipeline    *Pipeline
	listings    *badgerstore.ListingStorage
	searchQueue *queue.Manager
	parseQueue  *queue.Manager
	searchPool  *queue.WorkerPool
	parsePool   *queue.WorkerPool
	cron        *cron.Cron
	logger      arbor.ILogger
}

// NewOrchestrator wires the search/parse worker topology
func NewOrchestrator(
	cfg *common.Config,
	f *fetcher.Fetcher,
	sel *selector.Selector,
	pipe *Pipeline,
	listings *badgerstore.ListingStorage,
	searchQueue, parseQueue *queue.Manager,
	logger arbor.ILogger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		fetcher:     f,
		selector:    sel,
		pipeline:    pipe,
		listings:    listings,
		searchQueue: searchQueue,
		parseQueue:  parseQueue,
		logger:      logger,
	}

	o.searchPool = queue.NewWorkerPool(searchQueue, &cfg.Queue, logger)
	o.searchPool.RegisterHandler(models.QueueSearchPages, o.handleSearchPage)

	o.parsePool = queue.NewWorkerPool(parseQueue, &cfg.Queue, logger)
	o.parsePool.RegisterHandler(models.QueueParseListings, o.handleParseListing)

	return o
}

// Start launches the workers, seeds the configured searches and, when
// a schedule is set, re-seeds them on the cron schedule.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.searchPool.Start()
	o.parsePool.Start()

	if err := o.SeedSearches(ctx); err != nil {
		return err
	}

	if o.cfg.Hunt.Schedule != "" {
		o.cron = cron.New()
		_, err := o.cron.AddFunc(o.cfg.Hunt.Schedule, func() {
			if err := o.SeedSearches(context.Background()); err != nil {
				o.logger.Warn().Err(err).Msg("Scheduled search seeding failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid hunt schedule %q: %w", o.cfg.Hunt.Schedule, err)
		}
		o.cron.Start()
		o.logger.Info().Str("schedule", o.cfg.Hunt.Schedule).Msg("Search re-seeding scheduled")
	}

	return nil
}

// Stop shuts down the cron scheduler and worker pools
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		o.cron.Stop()
	}
	o.searchPool.Stop()
	o.parsePool.Stop()
}

// SeedSearches enqueues every configured search page. URLs still
// outstanding from an earlier sweep are skipped.
func (o *Orchestrator) SeedSearches(ctx context.Context) error {
	for _, searchURL := range o.cfg.Hunt.SearchURLs {
		msg, err := models.NewJobMessage(uuid.New().String(), models.QueueSearchPages, searchURL, o.cfg.Hunt.SourceTag)
		if err != nil {
			return err
		}

		err = o.searchQueue.Enqueue(ctx, msg, searchURL)
		switch {
		case errors.Is(err, queue.ErrDuplicateMessage):
			o.logger.Debug().Str("url", searchURL).Msg("Search already queued, skipping")
		case err != nil:
			return fmt.Errorf("failed to seed search %s: %w", searchURL, err)
		default:
			o.logger.Info().Str("url", searchURL).Msg("Search seeded")
		}
	}
	return nil
}

// EnqueueListing queues one listing URL for processing, bypassing the
// seen-URL check. Used by the one-shot CLI mode.
func (o *Orchestrator) EnqueueListing(ctx context.Context, listingURL string) error {
	msg, err := models.NewJobMessage(uuid.New().String(), models.QueueParseListings, listingURL, o.cfg.Hunt.SourceTag)
	if err != nil {
		return err
	}
	if err := o.parseQueue.Enqueue(ctx, msg, listingURL); err != nil && !errors.Is(err, queue.ErrDuplicateMessage) {
		return err
	}
	return nil
}

// handleSearchPage fetches a search-results page, selects the promising
// listings and queues them for parsing
func (o *Orchestrator) handleSearchPage(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.JobPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid search job payload: %w", err)
	}

	res, err := o.fetcher.Fetch(ctx, payload.URL)
	if err != nil {
		return fmt.Errorf("search fetch failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("search fetch returned status %d for %s", res.StatusCode, payload.URL)
	}

	items := parser.ParseSearchResults(res.HTML, payload.URL)
	if len(items) == 0 {
		o.logger.Warn().Str("url", payload.URL).Msg("Search page yielded no items")
		return nil
	}

	picks := o.selector.Select(ctx, items)
	o.logger.Info().
		Str("url", payload.URL).
		Int("items", len(items)).
		Int("selected", len(picks)).
		Msg("Search page processed")

	queued := 0
	for _, pick := range picks {
		seen, err := o.listings.IsSeen(pick.URL)
		if err != nil {
			return err
		}
		if seen {
			continue
		}

		parseMsg, err := models.NewJobMessage(uuid.New().String(), models.QueueParseListings, pick.URL, payload.SourceTag)
		if err != nil {
			return err
		}

		err = o.parseQueue.Enqueue(ctx, parseMsg, pick.URL)
		switch {
		case errors.Is(err, queue.ErrDuplicateMessage):
			continue
		case err != nil:
			return fmt.Errorf("failed to enqueue listing %s: %w", pick.URL, err)
		}

		if err := o.listings.MarkSeen(pick.URL); err != nil {
			return err
		}
		queued++
	}

	o.logger.Info().Str("url", payload.URL).Int("queued", queued).Msg("Listings queued for parsing")
	return nil
}

// handleParseListing runs one listing through the processing pipeline.
// Failures are retried via queue redelivery, with the manager's
// exponential backoff spacing out the attempts.
func (o *Orchestrator) handleParseListing(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.JobPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid parse job payload: %w", err)
	}

	_, err := o.pipeline.ProcessListing(ctx, payload.URL, payload.SourceTag)
	return err
}

// QueueStats reports both queue depths for observability
func (o *Orchestrator) QueueStats() (search, parse *queue.Stats, err error) {
	search, err = o.searchQueue.GetStats()
	if err != nil {
		return nil, nil, err
	}
	parse, err = o.parseQueue.GetStats()
	if err != nil {
		return nil, nil, err
	}
	return search, parse, nil
}

// WaitForDrain polls both queues until no live messages remain or the
// context is cancelled. Used by the one-shot CLI modes.
func (o *Orchestrator) WaitForDrain(ctx context.Context) error {
	interval := time.Duration(o.cfg.Queue.PollInterval) * 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			search, parse, err := o.QueueStats()
			if err != nil {
				return err
			}
			if search.Pending+search.InFlight+parse.Pending+parse.InFlight == 0 {
				return nil
			}
		}
	}
}
